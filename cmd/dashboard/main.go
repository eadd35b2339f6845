package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hozunlee/bit-moon/internal/config"
	"github.com/hozunlee/bit-moon/internal/dashboard"
	"github.com/hozunlee/bit-moon/internal/logger"
	"github.com/hozunlee/bit-moon/internal/storage"

	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the config file")
	flag.Parse()

	logger.Bootstrap()

	if err := godotenv.Load(); err != nil {
		logger.S().Info("no .env file found, reading secrets from the environment")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.S().Fatalf("failed to load config: %v", err)
	}

	flush := logger.Configure(cfg.Log)
	defer flush()

	dsn := cfg.Database.DSN
	if cfg.Database.Driver == "postgres" {
		if env := os.Getenv("DATABASE_URL"); env != "" {
			dsn = env
		}
	}
	store, err := storage.Open(cfg.Database.Driver, dsn)
	if err != nil {
		logger.S().Fatalf("failed to open %s store: %v", cfg.Database.Driver, err)
	}
	defer store.Close()

	srv := &http.Server{
		Addr:    cfg.Dashboard.ListenAddr,
		Handler: dashboard.NewServer(store, logger.S()),
	}

	go func() {
		logger.S().Infof("dashboard listening on %s", cfg.Dashboard.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.S().Fatalf("dashboard server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.S().Info("shutting down dashboard")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.S().Errorf("dashboard shutdown error: %v", err)
	}
	logger.S().Info("dashboard stopped")
}
