package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	transportepwa "github.com/MrGys1986/transporte-pwa"
	"github.com/MrGys1986/transporte-pwa/cache"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

type envOpts struct {
	Port   int    `env:"PORT" envDefault:"8080"`
	Origin string `env:"ORIGIN_URL"`
	DB     string `env:"CACHE_DB" envDefault:"cache.db"`
}

var (
	// CLI flags
	portFlag           int
	originFlag         string
	dbFilenameFlag     string
	configFilenameFlag string
	versionFlag        string
	verbosityTraceFlag bool
	logFilenameFlag    string
)

func main() {
	var opts envOpts
	if err := env.Parse(&opts); err != nil {
		log.Fatal().Err(err).Msg("Could not parse environment")
	}

	flag.IntVar(&portFlag, "port", opts.Port, "Port to listen on")
	flag.StringVar(&originFlag, "origin", opts.Origin, "Origin URL to proxy to")
	flag.StringVar(&dbFilenameFlag, "db", opts.DB, "Cache DB file name (use 'memory' for in-memory db)")
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&versionFlag, "app-version", "", "App version (overrides config)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter)

	workerConfig := transportepwa.Config{
		Logger: &log.Logger,
	}

	if configFilenameFlag != "" {
		fileConfig, err := getConfig(configFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not read config file")
		}
		workerConfig.Version = fileConfig.Version
		workerConfig.AppName = fileConfig.AppName
		workerConfig.APIPrefix = fileConfig.APIPrefix
		workerConfig.OfflinePath = fileConfig.OfflinePath
		workerConfig.StaticAssets = fileConfig.StaticAssets
		if fileConfig.NetworkTimeoutMS > 0 {
			workerConfig.NetworkTimeout = time.Duration(fileConfig.NetworkTimeoutMS) * time.Millisecond
		}
		if fileConfig.MaxCacheAgeHours > 0 {
			workerConfig.MaxCacheAge = time.Duration(fileConfig.MaxCacheAgeHours) * time.Hour
		}
	}

	if versionFlag != "" {
		workerConfig.Version = versionFlag
	}

	// set up sqlite provider
	dbFilename := dbFilenameFlag
	if dbFilename == "memory" {
		dbFilename = ""
	}
	workerConfig.Cache = cache.NewSQLiteProvider(dbFilename)

	if originFlag == "" {
		log.Fatal().Msg("Please specify origin")
	}
	originURL, err := url.Parse(originFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse origin url")
	}
	workerConfig.OriginURL = *originURL

	worker := transportepwa.CreateWorker(workerConfig)

	// provision the cache generation before serving
	if err := worker.Install(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Install failed")
	}

	r := chi.NewRouter()
	r.Use(hlog.NewHandler(log.Logger))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Handle("/*", worker)

	log.Info().Msgf("Serving port %v with origin %s", portFlag, workerConfig.OriginURL.String())
	if err := http.ListenAndServe(fmt.Sprintf(":%d", portFlag), r); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}
