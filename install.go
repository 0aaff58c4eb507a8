package alwaysoffline

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/always-cache/always-offline/cache"
	pageurls "github.com/always-cache/always-offline/pkg/page-urls"
	serializer "github.com/always-cache/always-offline/pkg/response-serializer"

	"golang.org/x/sync/errgroup"
)

// InstallResult reports what an install did.
// Batch failures are reported here, never returned as errors.
type InstallResult struct {
	// URL of the client the pages were derived from. Empty if no client matched.
	ClientURL string
	Pages     pageurls.Set
	// Outcome of seeding the static and fallback tiers.
	StaticErr   error
	FallbackErr error
}

// Install discovers the application's pages from the connected clients and
// seeds the static and fallback tiers.
// If no client belongs to the application, nothing is cached.
func (w *Worker) Install(ctx context.Context) InstallResult {
	var result InstallResult

	// getting the current page URL (with session and everything else)
	var clientURL *url.URL
	for _, c := range w.clients.MatchAll(true) {
		u, err := url.Parse(c.URL)
		if err != nil {
			w.log.Warn().Err(err).Str("client", c.URL).Msg("Could not parse client url")
			continue
		}
		if w.app.Matches(u) {
			clientURL = u
		}
	}
	if clientURL == nil {
		w.log.Info().Msg("No client of this application connected, skipping install")
		return result
	}
	result.ClientURL = clientURL.String()

	set, err := w.app.Derive(clientURL, w.pages, w.fallbackPages)
	if err != nil {
		w.log.Error().Err(err).Str("client", result.ClientURL).Msg("Could not derive page urls")
		return result
	}
	result.Pages = set
	w.pageURLs.Store(&set)

	result.StaticErr = w.addAll(ctx, w.storage.Static(), set.Pages)
	if result.StaticErr != nil {
		w.log.Error().Err(result.StaticErr).Strs("urls", set.Pages).Msg("Caching static files failed")
	} else {
		w.log.Info().Strs("urls", set.Pages).Msg("Caching static files")
	}

	result.FallbackErr = w.addAll(ctx, w.storage.Fallback(), set.Fallback)
	if result.FallbackErr != nil {
		w.log.Error().Err(result.FallbackErr).Strs("urls", set.Fallback).Msg("Caching fallback files failed")
	} else {
		w.log.Info().Strs("urls", set.Fallback).Msg("Caching fallback files")
	}
	return result
}

// addAll fetches every URL from the network and stores the responses in the tier
// as one batch. If any fetch fails, nothing is stored.
func (w *Worker) addAll(ctx context.Context, tier cache.Tier, urls []string) error {
	snaps := make([]serializer.Snapshot, len(urls))
	g, ctx := errgroup.WithContext(ctx)
	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			snap, err := w.fetchSnapshot(ctx, u)
			snaps[i] = snap
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := tier.PutAll(snaps); err != nil {
		return fmt.Errorf("write tier %s: %w", tier.Name(), err)
	}
	return nil
}

func (w *Worker) fetchSnapshot(ctx context.Context, u string) (serializer.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return serializer.Snapshot{}, err
	}
	res, err := w.client.Do(req)
	if err != nil {
		return serializer.Snapshot{}, fmt.Errorf("fetch %s: %w", u, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return serializer.Snapshot{}, fmt.Errorf("fetch %s: unexpected status %d", u, res.StatusCode)
	}
	snap, err := serializer.FromResponse(res)
	if err != nil {
		return snap, fmt.Errorf("fetch %s: %w", u, err)
	}
	// keyed by the requested URL, even if redirects were followed
	snap.URL = u
	return snap, nil
}
