package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hozunlee/bit-moon/internal/bot"
	"github.com/hozunlee/bit-moon/internal/config"
	"github.com/hozunlee/bit-moon/internal/exchange"
	"github.com/hozunlee/bit-moon/internal/logger"
	"github.com/hozunlee/bit-moon/internal/models"
	"github.com/hozunlee/bit-moon/internal/notifier"
	"github.com/hozunlee/bit-moon/internal/reporter"
	"github.com/hozunlee/bit-moon/internal/storage"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the config file")
	flag.Parse()

	// Bootstrap logging so config loading itself can be logged; Configure
	// replaces it once the file config is known.
	logger.Bootstrap()

	if err := godotenv.Load(); err != nil {
		logger.S().Info("no .env file found, reading secrets from the environment")
	} else {
		logger.S().Info("loaded secrets from .env")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.S().Fatalf("failed to load config: %v", err)
	}

	flush := logger.Configure(cfg.Log)
	defer flush()
	logger.S().Infof("starting in %s mode with %d asset(s)", cfg.AppMode, len(cfg.Assets))

	store, err := storage.Open(cfg.Database.Driver, resolveDSN(cfg))
	if err != nil {
		logger.S().Fatalf("failed to open %s store: %v", cfg.Database.Driver, err)
	}
	defer store.Close()

	notif := notifier.NewDiscord(os.Getenv("DISCORD_WEBHOOK_URL"), logger.S())
	if !notif.Enabled() {
		logger.S().Info("DISCORD_WEBHOOK_URL not set, notifications disabled")
	}

	ex, prices, feed, err := buildExchange(cfg)
	if err != nil {
		logger.S().Fatalf("failed to initialize exchange: %v", err)
	}
	if feed != nil {
		feed.Start()
	}

	// UTC to match the trade timestamps TradesSince compares against.
	sessionStart := time.Now().UTC()
	if err := store.StartSession(sessionStart); err != nil {
		logger.S().Warnf("failed to record session start: %v", err)
	}

	var workers []*bot.Worker
	for _, asset := range cfg.Assets {
		w := bot.NewWorker(cfg, asset, ex, prices, store, notif, logger.S())
		if err := w.Init(); err != nil {
			logger.S().Errorf("worker %s failed to initialize: %v", asset.Ticker, err)
			notif.Notify(notifier.SeverityError, "worker init failed",
				fmt.Sprintf("%s: %v", asset.Ticker, err))
			continue
		}
		if err := w.Start(); err != nil {
			logger.S().Errorf("worker %s failed to start: %v", asset.Ticker, err)
			continue
		}
		workers = append(workers, w)
	}
	if len(workers) == 0 {
		logger.S().Fatal("no worker started, shutting down")
	}

	// Snapshots run on a schedule independent of the trading cycle so the
	// balance history stays continuous through quiet markets.
	snapshots := cron.New()
	spec := fmt.Sprintf("@every %ds", cfg.SnapshotIntervalSec)
	for _, w := range workers {
		if _, err := snapshots.AddFunc(spec, w.CaptureBalanceSnapshot); err != nil {
			logger.S().Errorf("failed to schedule snapshot for %s: %v", w.Ticker(), err)
		}
	}
	snapshots.Start()

	notif.Notify(notifier.SeverityInfo, "bot started",
		fmt.Sprintf("mode=%s workers=%d", cfg.AppMode, len(workers)))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.S().Info("shutdown signal received")

	<-snapshots.Stop().Done()
	for _, w := range workers {
		w.Stop()
	}
	if feed != nil {
		feed.Stop()
	}

	tickers := make([]string, 0, len(workers))
	for _, w := range workers {
		tickers = append(tickers, w.Ticker())
	}
	reporter.New(store, os.Stdout, logger.S()).PrintSessionSummary(tickers, sessionStart)
	logger.S().Info("bot stopped")
}

// resolveDSN picks the data source, letting DATABASE_URL override the file
// config for postgres so production deploys never write credentials to disk.
func resolveDSN(cfg *models.Config) string {
	if cfg.Database.Driver == "postgres" {
		if env := os.Getenv("DATABASE_URL"); env != "" {
			return env
		}
	}
	return cfg.Database.DSN
}

// buildExchange wires the order executor and the price source for the
// configured mode. In PRODUCTION the optional websocket feed fronts the REST
// client for prices; the returned feed is nil when not in use.
func buildExchange(cfg *models.Config) (exchange.Exchange, exchange.PriceSource, *exchange.TickerFeed, error) {
	if cfg.AppMode == "TEST" {
		paper := exchange.NewPaper(cfg, logger.S())
		return paper, paper, nil, nil
	}

	accessKey := os.Getenv("UPBIT_ACCESS_KEY")
	secretKey := os.Getenv("UPBIT_SECRET_KEY")
	if accessKey == "" || secretKey == "" {
		return nil, nil, nil, fmt.Errorf("UPBIT_ACCESS_KEY and UPBIT_SECRET_KEY must be set in PRODUCTION mode")
	}
	upbit := exchange.NewUpbit(accessKey, secretKey, cfg.APIURL, logger.S())
	if !cfg.UseTickerFeed {
		return upbit, upbit, nil, nil
	}

	tickers := make([]string, 0, len(cfg.Assets))
	for _, asset := range cfg.Assets {
		tickers = append(tickers, asset.Ticker)
	}
	feed := exchange.NewTickerFeed(cfg.WSURL, tickers, upbit, logger.S())
	return upbit, feed, feed, nil
}
