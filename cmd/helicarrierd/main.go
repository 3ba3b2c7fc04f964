package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"helicarrier/internal/alerts"
	"helicarrier/internal/api"
	"helicarrier/internal/bus"
	"helicarrier/internal/config"
	"helicarrier/internal/events"
	"helicarrier/internal/ingest"
	"helicarrier/internal/metrics"
	"helicarrier/internal/normalize"
	"helicarrier/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults apply when empty)")
	importFrom := flag.String("import-json", "", "import a JSON store into SQLite before serving")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			logger.Error("failed to load config", "error", err)
			os.Exit(1)
		}
	} else {
		cfg = config.Default()
	}
	logger.Info("config loaded", "listen", cfg.Listen, "backend", cfg.Storage.Backend)

	repo, err := openRepository(cfg, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	if *importFrom != "" {
		sq, ok := repo.(*store.SQLite)
		if !ok {
			logger.Error("json import requires the sqlite backend")
			os.Exit(1)
		}
		report, err := sq.ImportFromJSON(context.Background(), *importFrom)
		if err != nil {
			logger.Error("json import failed", "error", err)
			os.Exit(1)
		}
		logger.Info("json import complete",
			"read", report.Read, "written", report.Written,
			"skipped", report.Skipped, "errors", report.Errors)
	}

	emitter := events.NewEmitter(logger)
	metrics.RegisterEventHandler(emitter)

	if len(cfg.Webhooks) > 0 {
		alerter := alerts.NewWebhookAlerter(cfg.Webhooks, logger)
		alerter.RegisterEventHandler(emitter)
		logger.Info("webhook alerter configured", "endpoints", len(cfg.Webhooks))
	}

	pricing := normalize.Pricing{
		UsdPerMillionTokens: cfg.Pricing.UsdPerMillionTokens,
		Version:             cfg.Pricing.Version,
	}
	ing := ingest.NewService(repo, pricing, cfg.Contract.Strict, emitter, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var consumer *bus.Consumer
	if cfg.NATS.URL != "" {
		consumer, err = bus.Connect(cfg.NATS, ing, logger)
		if err != nil {
			logger.Error("failed to connect to bus", "error", err)
			os.Exit(1)
		}
		if err := consumer.Start(ctx, cfg.NATS.Subject); err != nil {
			logger.Error("failed to start bus consumer", "error", err)
			os.Exit(1)
		}
		defer consumer.Close()
	}

	server := api.NewServer(repo, ing, emitter, cfg.AuthToken, logger)
	srv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("server starting", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("shutting down", "signal", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	fmt.Println("helicarrierd stopped")
}

func openRepository(cfg *config.Config, logger *slog.Logger) (store.Repository, error) {
	if cfg.Storage.Backend == "sqlite" {
		return store.OpenSQLite(cfg.Storage.SQLitePath, logger)
	}
	return store.OpenJSONFile(cfg.Storage.JSONPath, logger)
}
