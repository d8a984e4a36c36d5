package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"haven/api/internal/app"
	"haven/api/internal/config"
	"haven/api/internal/logging"
	"haven/api/internal/metrics"
	"haven/api/internal/notify"
	"haven/api/internal/search"
	"haven/api/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "haven-api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("migrations applied", zap.Strings("versions", applied))
	}

	m := metrics.New()
	dataStore := store.NewPostgresStore(db)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts, logger)

	service := app.New(cfg, dataStore, app.Options{
		Search:  searchService,
		Metrics: m,
		Logger:  logger,
	})

	hub := notify.NewHub(notify.HubOptions{
		FilterByVisibility: cfg.LiveFilterByVisibility,
		Roles:              service,
		AllowedOrigin:      cfg.CORSOrigin,
		Logger:             logger,
		Metrics:            m,
	})
	defer hub.Close()
	go hub.Run(ctx)

	var notifier notify.Notifier = hub
	if strings.TrimSpace(cfg.RedisURL) != "" {
		rdb, err := notify.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer rdb.Close()
		relay := notify.NewRedisRelay(rdb, cfg.EventsChannel, hub, logger)
		go func() {
			if err := relay.Run(ctx); err != nil {
				logger.Error("event relay stopped", zap.Error(err))
			}
		}()
		notifier = relay
		logger.Info("live updates relayed through redis", zap.String("channel", cfg.EventsChannel))
	}
	service.SetNotifier(notifier)

	if err := service.Bootstrap(ctx); err != nil {
		logger.Warn("bootstrap error (will retry on next restart)", zap.Error(err))
	}
	go func() {
		if n := searchService.ReindexAllFromPG(ctx); n > 0 {
			logger.Info("search index rebuilt", zap.Int("posts", n))
		}
	}()

	limiter := app.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	go limiter.RunCleanup(ctx, time.Minute)

	httpServer := app.NewHTTPServer(service, app.ServerOptions{
		CORSOrigin: cfg.CORSOrigin,
		Hub:        hub,
		Metrics:    m,
		Limiter:    limiter,
		Logger:     logger,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("haven api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	return nil
}
