package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"billboard-api-go/cache"
	"billboard-api-go/config"
	"billboard-api-go/logcolors"
	"billboard-api-go/services/charts"
	"billboard-api-go/services/notifier"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

var conf = config.Get()

func init() {
	log.SetFormatter(&log.JSONFormatter{})
	log.SetOutput(os.Stdout)

	err := godotenv.Load()
	if err != nil {
		log.Warn("Error loading .env file, using environment variables")
	}

	level, err := log.ParseLevel(conf.Configuration.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
}

func main() {
	store, err := cache.Open(cache.Options{
		Backend:     conf.Configuration.CacheBackend,
		RedisURL:    conf.Configuration.RedisURL,
		DBPath:      conf.Configuration.CacheDBPath,
		BackupPath:  conf.Configuration.CacheBackupPath,
		Compression: conf.FeatureFlags.CacheCompression,
	})
	if err != nil {
		notifier.PublishServerStartupFailed("cache", err)
		log.Fatalf("%s Failed to open %s cache: %v", logcolors.LogCacheInit, conf.Configuration.CacheBackend, err)
	}
	defer store.Close()

	srv, err := newServer(conf, store)
	if err != nil {
		notifier.PublishServerStartupFailed("config", err)
		log.Fatalf("%s Invalid configuration: %v", logcolors.LogConfig, err)
	}

	if notifiers := srv.notifiers; len(notifiers) > 0 {
		notifier.NewAlertHandler(notifier.AlertConfig{Notifiers: notifiers}).Start(notifier.GetEventBus())
	}

	srv.charts.Start()

	var prewarmer *charts.Prewarmer
	if ids := conf.PrewarmChartIDs(); len(ids) > 0 {
		prewarmer, err = charts.NewPrewarmer(srv.charts, ids, conf.Configuration.ChartPrewarmSchedule, conf.Location())
		if err != nil {
			log.Fatalf("%s Invalid prewarm configuration: %v", logcolors.LogConfig, err)
		}
		prewarmer.Start()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	limiter := newLimiter(conf)
	go pruneLimiters(ctx, limiter, 10*time.Minute)
	go purgeExpired(ctx, store, time.Duration(conf.Configuration.CacheInvalidationIntervalInSeconds)*time.Second)

	httpServer := &http.Server{
		Addr:              ":" + conf.Configuration.Port,
		Handler:           newHandler(conf, srv, limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("%s Listening on port %s (cache: %s)", logcolors.LogServer, conf.Configuration.Port, conf.Configuration.CacheBackend)
		notifier.PublishServerStarted(conf.Configuration.Port, conf.Configuration.CacheBackend, srv.tokens.Configured())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			notifier.PublishServerStartupFailed("http", err)
			log.Fatalf("%s Server failed: %v", logcolors.LogServer, err)
		}
	}()

	<-ctx.Done()
	log.Infof("%s Shutting down", logcolors.LogServer)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnf("%s HTTP shutdown: %v", logcolors.LogServer, err)
	}
	if prewarmer != nil {
		prewarmer.Stop()
	}
	if err := srv.charts.Stop(shutdownCtx); err != nil {
		log.Warnf("%s Enrichment queue did not drain: %v", logcolors.LogWorker, err)
	}
}
