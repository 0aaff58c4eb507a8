package alwaysoffline

import (
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
)

// Proxy returns a reverse proxy to the origin that routes every request through the worker.
// If originHost is set, it is sent as the Host header instead of the origin URL's host.
func (w *Worker) Proxy(origin url.URL, originHost string) http.Handler {
	hostHeader := origin.Host
	if originHost != "" {
		hostHeader = originHost
	}
	return &httputil.ReverseProxy{
		Director:     createDirector(origin.Scheme, origin.Host, hostHeader),
		Transport:    w,
		ErrorHandler: w.proxyError,
	}
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
		// some origins do not like headers set by an upstream proxy
		req.Header.Del("X-Forwarded-For")
		req.Header.Del("X-Forwarded-Proto")
		req.Header.Del("X-Forwarded-Host")
	}
}

func (w *Worker) proxyError(rw http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrNotCached) {
		w.log.Debug().Err(err).Str("url", r.URL.String()).Msg("Offline and not cached")
		http.Error(rw, "Offline and not cached", http.StatusBadGateway)
		return
	}
	w.log.Error().Err(err).Str("url", r.URL.String()).Msg("Error contacting origin")
	http.Error(rw, "Could not connect to origin", http.StatusBadGateway)
}
