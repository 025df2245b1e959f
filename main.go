package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"hft-core/internal/api"
	"hft-core/internal/pipeline"
	"hft-core/pkg/config"
	"hft-core/pkg/db"
	"hft-core/pkg/i18n"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}

	logger := newLogger(cfg)
	i18n.SetLanguage(i18n.Language(cfg.Language))
	logger.WithFields(logrus.Fields{
		"port":          cfg.Port,
		"db_path":       cfg.DBPath,
		"market_source": cfg.MarketSource,
		"language":      i18n.GetLanguage(),
	}).Info("starting hft-core")

	if dir := filepath.Dir(cfg.DBPath); dir != "." && cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.WithError(err).Fatal("create data directory")
		}
	}
	database, err := db.New(cfg.DBPath)
	if err != nil {
		logger.WithError(err).Fatal("open database")
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		logger.WithError(err).Fatal("apply migrations")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := pipeline.New(cfg, database, logger, pipeline.Deps{})
	if err != nil {
		logger.WithError(err).Fatal("build pipeline")
	}
	defer func() {
		if err := p.Close(); err != nil {
			logger.WithError(err).Warn("close pipeline")
		}
	}()

	if cfg.MarketSource == "mock" {
		if err := p.SeedUsers(ctx, cfg.MockUsers, cfg.MockCash); err != nil {
			logger.WithError(err).Fatal("seed mock users")
		}
	}

	version := os.Getenv("APP_VERSION")
	if version == "" {
		version = "v1.0-dev"
	}
	server := api.NewServer(api.Options{
		Bus:       p.Bus,
		Ledger:    p.Ledger,
		History:   p.Sink,
		Metrics:   p.Metrics,
		Queues:    p.Queues(),
		Channel:   cfg.RealtimeChannel,
		JWTSecret: cfg.JWTSecret,
		Logger:    logger,
		Meta: api.SystemMeta{
			Version:      version,
			MarketSource: cfg.MarketSource,
			Estimators:   p.Estimators(),
			LotSize:      cfg.LotSize,
		},
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("api server")
			stop()
		}
	}()

	pipelineDone := make(chan error, 1)
	go func() { pipelineDone <- p.Run(ctx) }()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("api shutdown")
	}
	select {
	case err := <-pipelineDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Warn("pipeline stopped with error")
		}
	case <-shutdownCtx.Done():
		logger.Warn("pipeline did not stop in time")
	}
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithField("level", cfg.LogLevel).Warn("unknown log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}
