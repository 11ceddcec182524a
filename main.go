package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ai-on-fhir/fhirquery/cache"
	"github.com/ai-on-fhir/fhirquery/config"
	"github.com/ai-on-fhir/fhirquery/data"
	"github.com/ai-on-fhir/fhirquery/fhir"
	"github.com/ai-on-fhir/fhirquery/handlers"
	"github.com/ai-on-fhir/fhirquery/health"
	"github.com/ai-on-fhir/fhirquery/logging"
	"github.com/ai-on-fhir/fhirquery/scheduler"
	"github.com/ai-on-fhir/fhirquery/server"
	"github.com/ai-on-fhir/fhirquery/terminology"
	"github.com/ai-on-fhir/fhirquery/validation"
)

func main() {
	config.LoadDotEnv()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logSvc := logging.InitLogger(logging.Options{
		Dir:            cfg.LogDir,
		RetentionWeeks: cfg.LogRetentionWeeks,
		MaxFileSize:    cfg.MaxLogFileSize,
		Env:            cfg.Env,
		Level:          cfg.LogLevel,
	})
	defer func() {
		if err := logSvc.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to close log file: %v\n", err)
		}
	}()

	if err := run(cfg); err != nil {
		logging.Error("Service stopped with error", "error", err)
		_ = logSvc.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	dataContainer := data.NewDataContainer()
	dataContainer.SetServerStartTime(time.Now())

	searcher, closeCache, err := newSearcher(cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	validator := validation.NewDataValidator()
	loader := terminology.NewLoader(cfg.TerminologyURL, cfg.TerminologyFile, 30*time.Second)

	sched := scheduler.NewScheduler(dataContainer, loader, searcher, validator, scheduler.Options{
		TerminologyRefresh: cfg.TerminologyRefresh,
		ProbeInterval:      cfg.UpstreamProbe,
		ProbeTimeout:       cfg.FHIRTimeout,
	})
	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer sched.Stop()

	healthChecker := health.NewHealthChecker(dataContainer, cfg.TerminologyRefresh)
	handler := handlers.NewHTTPHandler(dataContainer, validator, healthChecker, searcher)
	srv := server.NewServer(cfg, handler)

	// Channel to listen for interrupt signals
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case sig := <-quit:
		logging.Info("Received shutdown signal", "signal", sig.String())
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return srv.Shutdown(ctx)
}

// newSearcher builds the configured FHIR backend, wrapped in a result cache
// when CACHE_TTL is positive. The returned func releases the cache.
func newSearcher(cfg *config.Config) (fhir.PatientSearcher, func(), error) {
	var searcher fhir.PatientSearcher
	if cfg.IsSimulated() {
		sim, err := fhir.NewSimulator()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load simulated patients: %w", err)
		}
		searcher = sim
	} else {
		searcher = fhir.NewClient(cfg.FHIRBase, cfg.FHIRTimeout, cfg.FHIRPageSize)
	}
	logging.Info("FHIR backend configured", "mode", searcher.Mode(), "base", cfg.FHIRBase)

	if cfg.CacheTTL <= 0 {
		return searcher, func() {}, nil
	}

	var store cache.Cache
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		cancel()
		if err != nil {
			return nil, nil, err
		}
		store = cache.NewRedisCache(client, cfg.CacheTTL)
		logging.Info("Search cache enabled", "backend", "redis", "ttl", cfg.CacheTTL.String())
	} else {
		store = cache.NewMemoryCache(cfg.CacheTTL, cfg.CacheMaxEntries)
		logging.Info("Search cache enabled", "backend", "memory", "ttl", cfg.CacheTTL.String(),
			"max_entries", cfg.CacheMaxEntries)
	}

	closeCache := func() {
		if err := store.Close(); err != nil {
			logging.Warn("Failed to close search cache", "error", err)
		}
	}
	return fhir.NewCachingSearcher(searcher, store), closeCache, nil
}
