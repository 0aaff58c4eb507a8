package alwaysoffline

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	cachekey "github.com/always-cache/always-offline/pkg/cache-key"
	serializer "github.com/always-cache/always-offline/pkg/response-serializer"

	"github.com/rs/zerolog"
)

// ErrNotCached is wrapped by OfflineError when neither the network nor the cache could answer.
var ErrNotCached = errors.New("no cached response")

// OfflineError is returned by RoundTrip when the network failed and no
// cached or fallback response exists for the request.
type OfflineError struct {
	URL string
	// Err is the network error.
	Err error
}

func (e *OfflineError) Error() string {
	return fmt.Sprintf("fetching %s from server and cache failed: %v", e.URL, e.Err)
}

func (e *OfflineError) Unwrap() []error {
	return []error{ErrNotCached, e.Err}
}

// RoundTrip implements the http.RoundTripper interface.
// The network is always tried first. Successful responses are cached in the
// dynamic tier unless some tier already holds the request. When the network
// fails, the cached response is served, or the fallback page for requests
// that accept HTML.
func (w *Worker) RoundTrip(req *http.Request) (*http.Response, error) {
	log := w.log.With().Str("method", req.Method).Str("url", req.URL.String()).Logger()

	res, err := w.transport.RoundTrip(req)
	if err == nil {
		w.cacheIfMissing(req, res, log)
		return res, nil
	}
	// a cancelled request is not an offline condition
	if req.Context().Err() != nil {
		return nil, err
	}
	return w.fromCache(req, err, log)
}

func (w *Worker) cacheIfMissing(req *http.Request, res *http.Response, log zerolog.Logger) {
	key, err := cachekey.Key(req)
	if err != nil {
		log.Trace().Msg("Fetching from server. Method not cacheable")
		return
	}
	tier, found, err := w.storage.Has(req)
	if err != nil {
		log.Warn().Err(err).Msg("Could not look up cache")
		return
	}
	if found {
		log.Trace().Str("tier", tier).Msg("Fetching from server. No need to cache")
		return
	}
	if res.StatusCode == http.StatusPartialContent || isStream(res) {
		log.Trace().Int("status", res.StatusCode).Msg("Fetching from server. Response not cacheable")
		return
	}

	snap, err := serializer.FromResponse(res)
	if err != nil {
		log.Error().Err(err).Msg("Could not capture response")
		return
	}
	snap.URL = key

	log.Trace().Msg("Fetching from server, then caching request")
	dynamic := w.storage.Dynamic()
	w.background.Add(1)
	go func() {
		defer w.background.Done()
		if err := dynamic.Put(key, snap); err != nil {
			log.Error().Err(err).Msg("Could not write to cache")
			return
		}
		log.Debug().Str("tier", dynamic.Name()).Msg("Cache write")
	}()
}

func (w *Worker) fromCache(req *http.Request, networkErr error, log zerolog.Logger) (*http.Response, error) {
	log = log.With().AnErr("network", networkErr).Logger()

	snap, tier, found, err := w.storage.Match(req)
	if err != nil {
		log.Error().Err(err).Msg("Could not look up cache")
	}
	if found {
		log.Debug().Str("tier", tier).Msg("Fetching from server failed. Fetching from cache")
		return snap.Response(req), nil
	}

	if acceptsHTML(req) {
		if snap, ok := w.fallback(log); ok {
			log.Debug().Str("fallback", snap.URL).Msg("Fetching from server & cache failed. Serving fallback page")
			return snap.Response(req), nil
		}
	}
	log.Debug().Msg("Fetching from server & cache failed")
	return nil, &OfflineError{URL: req.URL.String(), Err: networkErr}
}

// fallback returns the first fallback page present in the fallback tier.
func (w *Worker) fallback(log zerolog.Logger) (serializer.Snapshot, bool) {
	tier := w.storage.Fallback()
	for _, u := range w.pageURLs.Load().Fallback {
		key, err := cachekey.FromURL(u)
		if err != nil {
			continue
		}
		snap, ok, err := tier.Match(key)
		if err != nil {
			log.Error().Err(err).Str("fallback", u).Msg("Could not read fallback page")
			continue
		}
		if ok {
			return snap, true
		}
	}
	return serializer.Snapshot{}, false
}

func acceptsHTML(req *http.Request) bool {
	return strings.Contains(strings.Join(req.Header.Values("Accept"), ","), "text/html")
}

// isStream reports whether the response is an open-ended event stream,
// which cannot be buffered for caching.
func isStream(res *http.Response) bool {
	return strings.HasPrefix(res.Header.Get("Content-Type"), "text/event-stream")
}
