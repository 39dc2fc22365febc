package main

import (
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"

	"fmu-gateway.ai/cloud/handlers"
	"fmu-gateway.ai/cloud/internal/cache"
	"fmu-gateway.ai/cloud/internal/config"
	"fmu-gateway.ai/cloud/internal/logger"
	"fmu-gateway.ai/cloud/simulate"
	"fmu-gateway.ai/cloud/storage"
)

var version = "dev"

func main() {
	if versionBytes, err := os.ReadFile("VERSION"); err == nil {
		version = strings.TrimSpace(string(versionBytes))
	}

	godotenv.Load()

	cfg, err := config.New()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		TracesSampleRate: 1.0,
	}); err != nil {
		log.Fatalf("sentry.Init: %s", err)
	}

	store, err := storage.NewSQLiteStorage(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer store.Close()

	var resultCache *cache.Cache
	if cfg.RedisURL != "" {
		resultCache, err = cache.New(cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			logger.Warn("Result cache unavailable, running without it", map[string]interface{}{
				"error": err.Error(),
			})
			resultCache = nil
		} else {
			defer resultCache.Close()
		}
	}

	server := handlers.NewServer(cfg, store, &simulate.FirstOrderRunner{}, resultCache)
	server.Version = version

	logger.Info("FMU gateway starting", map[string]interface{}{
		"version": version,
		"port":    cfg.Port,
	})

	log.Fatal(http.ListenAndServe(":"+cfg.Port, server.Router))
}
