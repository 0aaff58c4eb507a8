package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	alwaysoffline "github.com/always-cache/always-offline"
	"github.com/always-cache/always-offline/cache"
	"github.com/always-cache/always-offline/config"
	pageurls "github.com/always-cache/always-offline/pkg/page-urls"
	"github.com/always-cache/always-offline/queue"
	"github.com/always-cache/always-offline/server"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFlag         string
	portFlag           int
	originFlag         string
	addrFlag           string
	hostFlag           string
	appFlag            string
	dbFilenameFlag     string
	queueFilenameFlag  string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "Config file to use")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides addr and host)")
	flag.StringVar(&addrFlag, "addr", "", "Origin IP address to proxy to")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.StringVar(&appFlag, "app", "", "Application id whose pages are kept offline")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (default 8080)")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name (use 'memory' for in-memory db)")
	flag.StringVar(&queueFilenameFlag, "queue", "", "Offline task queue directory (use 'memory' for in-memory db)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

// applyFlags overrides the config with the flags that were set.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "origin":
			cfg.Server.Origin = originFlag
		case "addr":
			cfg.Server.Addr = addrFlag
		case "host":
			cfg.Server.Host = hostFlag
		case "app":
			cfg.App.ID = appFlag
		case "port":
			cfg.Server.Port = portFlag
		case "db":
			cfg.Storage.Cache = dbFilenameFlag
		case "queue":
			cfg.Storage.Queue = queueFilenameFlag
		case "vv":
			cfg.Log.Trace = verbosityTraceFlag
		case "log-file":
			cfg.Log.File = logFilenameFlag
		}
	})
}

func main() {
	flag.Parse()

	cfg, err := config.Load(configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	applyFlags(&cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	// set log level
	logLevel := zerolog.DebugLevel
	if cfg.Log.Trace {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if cfg.Log.File != "" {
		if logFileOutput, err := os.OpenFile(cfg.Log.File, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	// set up sqlite memory provider
	dbFilename := cfg.Storage.Cache
	if dbFilename == "memory" {
		dbFilename = "file::memory:?cache=shared"
	}
	cacheProvider, err := cache.NewSQLiteCache(dbFilename)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open cache")
	}
	defer cacheProvider.Close()

	taskQueue, err := queue.OpenLevelDBQueue(cfg.Storage.Queue)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open offline task queue")
	}
	defer taskQueue.Close()

	originURL, err := cfg.OriginURL()
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse url")
	}

	// connect by address but verify the origin's hostname
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Server.Host != "" {
		transport.TLSClientConfig = &tls.Config{ServerName: cfg.Server.Host}
	}

	worker, err := alwaysoffline.CreateWorker(alwaysoffline.Config{
		Cache:         cacheProvider,
		Tiers:         cfg.Storage.Tiers,
		Queue:         taskQueue,
		Transport:     transport,
		Logger:        &log.Logger,
		App:           pageurls.Identity{Param: cfg.App.Param, AppID: cfg.App.ID},
		Pages:         cfg.App.Pages,
		FallbackPages: cfg.App.FallbackPages,
		SyncTag:       cfg.Sync.Tag,
		OriginURL:     originURL,
		Icon:          cfg.Notifications.Icon,
		Badge:         cfg.Notifications.Badge,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create worker")
	}

	// no page is connected yet; pages connect and re-run the install through the control API
	worker.Install(context.Background())
	worker.Activate()

	r := chi.NewRouter()
	r.Mount(server.Prefix, server.New(worker, originURL, log.Logger))
	r.Handle("/*", worker.Proxy(*originURL, cfg.Server.Host))

	log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", cfg.Server.Port, originURL.String(), cfg.Server.Host)
	err = http.ListenAndServe(fmt.Sprintf(":%d", cfg.Server.Port), r)

	if err != nil {
		panic(err)
	}
}
