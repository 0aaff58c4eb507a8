package alwaysoffline

import (
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/always-cache/always-offline/cache"
	"github.com/always-cache/always-offline/clients"
	pageurls "github.com/always-cache/always-offline/pkg/page-urls"
	"github.com/always-cache/always-offline/queue"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultSyncTag is the connectivity-restoration tag handled by default.
	// It is also the queue namespace holding the offline tasks.
	DefaultSyncTag = "pwa-offline-tasks"
	// DefaultIcon is used for both the icon and the badge of notifications.
	DefaultIcon = "./images/icons/icon-192x192.png"
	// DefaultFallbackPage is the page number of the offline/error page.
	DefaultFallbackPage = 404
)

// Config configures a Worker. Cache and Queue are required.
type Config struct {
	// Storage for the cache tiers.
	Cache cache.CacheProvider
	// Names of the cache tiers. Defaults are used for empty names.
	Tiers cache.TierNames
	// Durable queue holding the offline tasks.
	Queue queue.Store
	// Connected client contexts. A new registry is created if nil.
	Clients *clients.Registry
	// Transport used for all network traffic. http.DefaultTransport if nil.
	Transport http.RoundTripper
	// Displays push notifications. Notifications are only logged if nil.
	Notifier Notifier
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Identity of the application's page URLs.
	App pageurls.Identity
	// Page numbers seeded into the static tier at install time.
	Pages []int
	// Page numbers seeded into the fallback tier at install time.
	// Defaults to DefaultFallbackPage.
	FallbackPages []int
	// Tag of the connectivity-restoration signal to handle. Defaults to DefaultSyncTag.
	SyncTag string
	// Base URL for resolving relative task endpoints.
	OriginURL *url.URL
	// Notification icon and badge. Default to DefaultIcon.
	Icon  string
	Badge string
}

// Worker is the offline proxy: it seeds the cache tiers, routes every request
// through the cache tiers and replays deferred writes when connectivity returns.
//
// Worker implements http.RoundTripper.
type Worker struct {
	storage   *cache.Storage
	queue     queue.Store
	clients   *clients.Registry
	transport http.RoundTripper
	client    *http.Client
	notifier  Notifier
	log       zerolog.Logger

	app           pageurls.Identity
	pages         []int
	fallbackPages []int
	syncTag       string
	originURL     *url.URL
	icon          string
	badge         string

	// page URLs derived by the last install that found the application
	pageURLs atomic.Pointer[pageurls.Set]
	// background cache writes
	background sync.WaitGroup
	replays    singleflight.Group
}

// CreateWorker initializes the worker.
func CreateWorker(config Config) (*Worker, error) {
	if config.Cache == nil {
		return nil, errors.New("cache provider is required")
	}
	if config.Queue == nil {
		return nil, errors.New("queue is required")
	}
	storage, err := cache.NewStorage(config.Cache, config.Tiers)
	if err != nil {
		return nil, err
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	// create a child logger and add defaults
	logger = logger.With().
		Str("app", config.App.AppID).
		Logger()

	w := &Worker{
		storage:       storage,
		queue:         config.Queue,
		clients:       config.Clients,
		transport:     config.Transport,
		notifier:      config.Notifier,
		log:           logger,
		app:           config.App,
		pages:         config.Pages,
		fallbackPages: config.FallbackPages,
		syncTag:       config.SyncTag,
		originURL:     config.OriginURL,
		icon:          config.Icon,
		badge:         config.Badge,
	}
	if w.clients == nil {
		w.clients = clients.NewRegistry()
	}
	if w.transport == nil {
		w.transport = http.DefaultTransport
	}
	if w.notifier == nil {
		w.notifier = LogNotifier{Logger: logger}
	}
	if w.fallbackPages == nil {
		w.fallbackPages = []int{DefaultFallbackPage}
	}
	if w.syncTag == "" {
		w.syncTag = DefaultSyncTag
	}
	if w.icon == "" {
		w.icon = DefaultIcon
	}
	if w.badge == "" {
		w.badge = DefaultIcon
	}
	w.client = &http.Client{Transport: w.transport}
	w.pageURLs.Store(&pageurls.Set{})
	return w, nil
}

// Storage returns the cache tiers.
func (w *Worker) Storage() *cache.Storage {
	return w.storage
}

// Clients returns the registry of connected client contexts.
func (w *Worker) Clients() *clients.Registry {
	return w.clients
}

// PageURLs returns the page URLs derived by the last successful install.
func (w *Worker) PageURLs() pageurls.Set {
	return *w.pageURLs.Load()
}

// SyncTag returns the connectivity-restoration tag the worker handles.
func (w *Worker) SyncTag() string {
	return w.syncTag
}

// Activate takes control of all open client contexts immediately.
func (w *Worker) Activate() int {
	n := w.clients.Claim()
	w.log.Info().Int("claimed", n).Msg("Activating worker")
	return n
}

// Wait blocks until all background cache writes have finished.
func (w *Worker) Wait() {
	w.background.Wait()
}
