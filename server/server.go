// Package server exposes the worker's lifecycle events over HTTP,
// so that pages and the push relay can drive the offline proxy.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	alwaysoffline "github.com/always-cache/always-offline"
	"github.com/always-cache/always-offline/queue"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// Prefix is where the binary mounts the control API.
const Prefix = "/.offline"

type server struct {
	worker *alwaysoffline.Worker
	origin *url.URL
}

// New returns the control API router.
// Client URLs are registered in origin space: their scheme and host are replaced by origin's.
func New(worker *alwaysoffline.Worker, origin *url.URL, log zerolog.Logger) http.Handler {
	s := &server{worker: worker, origin: origin}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(hlog.NewHandler(log.With().Str("component", "control").Logger()))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", duration).
			Msg("Control request")
	}))
	r.Post("/clients", s.connect)
	r.Delete("/clients/{id}", s.disconnect)
	r.Get("/clients/{id}/messages", s.messages)
	r.Post("/install", s.install)
	r.Post("/activate", s.activate)
	r.Post("/sync/{tag}", s.sync)
	r.Post("/push", s.push)
	r.Post("/notifications/{action}", s.notification)
	r.Post("/tasks", s.enqueue)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type connectRequest struct {
	URL string `json:"url"`
}

type connectResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func (s *server) connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		http.Error(w, "url must be absolute", http.StatusBadRequest)
		return
	}
	if s.origin != nil {
		u.Scheme = s.origin.Scheme
		u.Host = s.origin.Host
	}
	c := s.worker.Clients().Connect(u.String())
	hlog.FromRequest(r).Debug().Str("client", c.ID).Str("url", c.URL).Msg("Client connected")
	writeJSON(w, http.StatusCreated, connectResponse{ID: c.ID, URL: c.URL})
}

func (s *server) disconnect(w http.ResponseWriter, r *http.Request) {
	s.worker.Clients().Disconnect(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) messages(w http.ResponseWriter, r *http.Request) {
	c, ok := s.worker.Clients().Get(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "unknown client", http.StatusNotFound)
		return
	}
	msgs := c.Messages()
	if msgs == nil {
		msgs = []any{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

type installResponse struct {
	ClientURL     string   `json:"clientUrl,omitempty"`
	Pages         []string `json:"pages"`
	FallbackPages []string `json:"fallbackPages"`
	StaticError   string   `json:"staticError,omitempty"`
	FallbackError string   `json:"fallbackError,omitempty"`
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (s *server) install(w http.ResponseWriter, r *http.Request) {
	result := s.worker.Install(r.Context())
	writeJSON(w, http.StatusOK, installResponse{
		ClientURL:     result.ClientURL,
		Pages:         append([]string{}, result.Pages.Pages...),
		FallbackPages: append([]string{}, result.Pages.Fallback...),
		StaticError:   errString(result.StaticErr),
		FallbackError: errString(result.FallbackErr),
	})
}

func (s *server) activate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"claimed": s.worker.Activate()})
}

func (s *server) sync(w http.ResponseWriter, r *http.Request) {
	if err := s.worker.Sync(r.Context(), chi.URLParam(r, "tag")); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) push(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "could not read payload", http.StatusBadRequest)
		return
	}
	err = s.worker.Push(r.Context(), data)
	switch {
	case errors.Is(err, alwaysoffline.ErrInvalidPayload):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case err != nil:
		hlog.FromRequest(r).Error().Err(err).Msg("Could not show notification")
		http.Error(w, "could not show notification", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *server) notification(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	switch chi.URLParam(r, "action") {
	case "click":
		s.worker.NotificationClick(tag)
	case "close":
		s.worker.NotificationClose(tag)
	default:
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// taskRequest is a queue record as sent by producers; unlike stored records it carries its key.
type taskRequest struct {
	Key string `json:"key"`
	queue.TaskRecord
}

func (s *server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid task record", http.StatusBadRequest)
		return
	}
	req.TaskRecord.Key = req.Key
	task, err := s.worker.Enqueue(r.Context(), req.TaskRecord)
	switch {
	case errors.Is(err, queue.ErrInvalidRecord):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case err != nil:
		hlog.FromRequest(r).Error().Err(err).Msg("Could not queue task")
		http.Error(w, "could not queue task", http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusCreated, map[string]string{"key": task.Key})
	}
}
