package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lanternpress/membersync/internal/breaker"
	"github.com/lanternpress/membersync/internal/config"
	"github.com/lanternpress/membersync/internal/dlq"
	"github.com/lanternpress/membersync/internal/handlers"
	"github.com/lanternpress/membersync/internal/listclient"
	"github.com/lanternpress/membersync/internal/logging"
	"github.com/lanternpress/membersync/internal/metrics"
	"github.com/lanternpress/membersync/internal/processor"
	"github.com/lanternpress/membersync/internal/queue"
	"github.com/lanternpress/membersync/internal/server"
	"github.com/lanternpress/membersync/internal/tenant"
	"github.com/lanternpress/membersync/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("membersync"))
	logging.SetDefault(logger)

	slog.Info("Starting membersync service",
		slog.Int("port", cfg.Server.Port),
		slog.String("log_level", cfg.Logging.Level),
		slog.String("log_format", cfg.Logging.Format),
	)

	// Site registry
	sites, err := tenant.LoadRegistry(cfg.Sites.Path)
	if err != nil {
		log.Fatalf("Failed to load site registry: %v", err)
	}
	slog.Info("Site registry loaded", slog.Int("sites", sites.Len()))

	// Redis: the shared durable backing store for the queue, breaker
	// state, and dead-letter entries.
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("Invalid redis URL: %v", err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatalf("Redis connection failed: %v", err)
	}
	cancel()

	// Pipeline components
	q := queue.New(rdb, cfg.Queue.Name, sites.IDs())
	brk := breaker.New(rdb, cfg.Queue.Name, cfg.Breaker.Threshold, cfg.Breaker.Cooldown)
	deadStore := dlq.NewStore(rdb, cfg.Queue.Name)
	stats := metrics.NewStats()

	clients := listclient.NewRegistry(sites, cfg.CampaignMonitor.BaseURL, cfg.CampaignMonitor.Timeout, brk)
	defer clients.Close()

	proc := processor.New(processor.FromRegistry(clients), logger)

	pool := worker.NewPool(q, proc, deadStore, stats, worker.Config{
		Workers:           cfg.Queue.Workers,
		PollInterval:      cfg.Queue.PollInterval,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		Retry: worker.RetryPolicy{
			MaxRetries: cfg.Retry.MaxRetries,
			Backoff:    cfg.Retry.Backoff,
		},
	}, logger)

	ctx, stopWorkers := context.WithCancel(context.Background())
	pool.Start(ctx)

	// HTTP server
	webhookHandler := handlers.NewWebhookHandler(sites, q, stats, logger)
	healthHandler := handlers.NewHealthHandler(q, stats)
	router := server.NewRouter(webhookHandler, healthHandler)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("Webhook server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	stopWorkers()
	pool.Stop()
	slog.Info("Service stopped")
}
