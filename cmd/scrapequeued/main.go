// Package main wires together the scrape-job scheduler daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/siteindexer/scrapequeue/internal/api"
	"github.com/siteindexer/scrapequeue/internal/backoff"
	"github.com/siteindexer/scrapequeue/internal/clock/system"
	"github.com/siteindexer/scrapequeue/internal/config"
	"github.com/siteindexer/scrapequeue/internal/id/uuid"
	"github.com/siteindexer/scrapequeue/internal/jobs"
	"github.com/siteindexer/scrapequeue/internal/logging"
	"github.com/siteindexer/scrapequeue/internal/metrics"
	"github.com/siteindexer/scrapequeue/internal/monitor"
	pubsubpublisher "github.com/siteindexer/scrapequeue/internal/publisher/pubsub"
	"github.com/siteindexer/scrapequeue/internal/queue"
	"github.com/siteindexer/scrapequeue/internal/reclaimer"
	collyscraper "github.com/siteindexer/scrapequeue/internal/scraper/colly"
	memorystore "github.com/siteindexer/scrapequeue/internal/store/memory"
	postgresstore "github.com/siteindexer/scrapequeue/internal/store/postgres"
	"github.com/siteindexer/scrapequeue/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()
	clock := system.New()
	idGen := uuid.NewGenerator()

	var store jobs.Store
	if cfg.DB.DSN != "" {
		pgStore, err := postgresstore.New(ctx, postgresstore.Config{
			DSN:      cfg.DB.DSN,
			MaxConns: int32(cfg.DB.MaxOpenConns),
			MinConns: int32(cfg.DB.MinConns),
		}, clock)
		if err != nil {
			logger.Fatal("postgres store init failed", zap.Error(err))
		}
		defer pgStore.Close()
		store = pgStore
		logger.Info("using postgres job store")
	} else {
		store = memorystore.New(clock)
		logger.Warn("db.dsn not set, using in-memory job store; state will not survive a restart")
	}

	memMonitor := monitor.New(monitor.Config{
		LimitBytes:     cfg.Memory.LimitBytes,
		HighWatermark:  cfg.Memory.HighWatermark,
		LowWatermark:   cfg.Memory.LowWatermark,
		SampleInterval: time.Duration(cfg.Memory.SampleIntervalSecond) * time.Second,
		RecycleGrace:   time.Duration(cfg.Memory.RecycleGraceSeconds) * time.Second,
	}, clock, logger.Named("monitor"))

	manager := queue.New(store, idGen, memMonitor, queue.Config{
		MaxAttempts: cfg.Retry.MaxAttempts,
	}, logger.Named("queue"))

	failures := backoff.New(store, backoff.Config{
		BaseDelay: time.Duration(cfg.Retry.BaseDelayMs) * time.Millisecond,
		MaxDelay:  time.Duration(cfg.Retry.MaxDelayMs) * time.Millisecond,
	}, logger.Named("backoff"))

	scraper := collyscraper.New(collyscraper.Config{
		UserAgent:     cfg.Scraper.UserAgent,
		Timeout:       time.Duration(cfg.Scraper.TimeoutSeconds) * time.Second,
		RespectRobots: cfg.Scraper.RespectRobots,
		MaxPages:      cfg.Scraper.MaxPages,
		MaxDepth:      cfg.Scraper.MaxDepth,
	}, logger.Named("scraper"))

	var publisher jobs.Publisher
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.Topic != "" {
		p, err := pubsubpublisher.New(ctx, cfg.PubSub.ProjectID, cfg.PubSub.Topic)
		if err != nil {
			logger.Fatal("pubsub publisher init failed", zap.Error(err))
		}
		defer func() {
			if err := p.Close(); err != nil {
				logger.Error("pubsub close failed", zap.Error(err))
			}
		}()
		publisher = p
	}

	workerCfg := worker.Config{
		LeaseDuration:  cfg.LeaseDuration(),
		MaxJobDuration: cfg.MaxJobDuration(),
		PollMin:        time.Duration(cfg.Workers.PollMinMs) * time.Millisecond,
		PollMax:        time.Duration(cfg.Workers.PollMaxMs) * time.Millisecond,
		Topic:          cfg.PubSub.Topic,
	}
	var workers []*worker.Worker
	for i := 0; i < cfg.Workers.Concurrency; i++ {
		workers = append(workers, worker.New(
			fmt.Sprintf("worker-%d", i+1),
			manager,
			failures,
			scraper,
			publisher,
			memMonitor,
			clock,
			workerCfg,
			logger.Named("worker"),
		))
	}
	pool := worker.NewPool(workers, logger.Named("pool"))

	sweep := reclaimer.New(store, failures, clock, reclaimer.Config{
		Interval:   time.Duration(cfg.Reclaimer.IntervalSeconds) * time.Second,
		BatchLimit: cfg.Reclaimer.BatchLimit,
	}, logger.Named("reclaimer"))

	apiServer := api.NewServer(manager, api.Config{
		AuthEnabled: cfg.Auth.Enabled,
		APIKey:      cfg.Auth.APIKey,
	}, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		logger.Info("worker pool started", zap.Int("concurrency", cfg.Workers.Concurrency))
		pool.Run(ctx)
	}()
	go sweep.Run(ctx)
	go memMonitor.Run(ctx)

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	<-poolDone
	logger.Info("shutdown complete")
}
