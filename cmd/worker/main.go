package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/newsletter-engine/internal/config"
	"github.com/ignite/newsletter-engine/internal/newsletter"
	"github.com/ignite/newsletter-engine/internal/pkg/distlock"
	"github.com/ignite/newsletter-engine/internal/pkg/logger"
)

// Standalone delivery worker. Runs the same bounded batch the admin API's
// trigger endpoint runs, on a timer, for deployments without an external
// cron. Overlap with triggered runs is safe; both paths claim items
// atomically.
func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("ping database: %v", err)
	}
	pingCancel()

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	transport, err := buildTransport(cfg)
	if err != nil {
		log.Fatalf("transport: %v", err)
	}

	store := newsletter.NewStore(db)
	renderer := newsletter.NewRenderer(cfg.Tracking.BaseURL)
	worker := newsletter.NewWorker(store, store, renderer, transport, cfg.Worker.MaxAttempts, cfg.Delivery.Timeout())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runLoop(ctx, cfg, worker, redisClient, db)
	logger.Info("delivery worker started",
		"interval", cfg.Worker.Interval().String(), "batch_size", cfg.Worker.BatchSize)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down delivery worker")
	cancel()
	time.Sleep(2 * time.Second)
}

func runLoop(ctx context.Context, cfg *config.Config, worker *newsletter.Worker, redisClient *redis.Client, db *sql.DB) {
	ticker := time.NewTicker(cfg.Worker.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		lock := distlock.NewLock(redisClient, db, "worker:process", cfg.Worker.LockTTL())
		acquired, err := lock.Acquire(ctx)
		if err != nil {
			logger.Warn("lock unavailable, proceeding on claim semantics", "error", err)
		} else if !acquired {
			continue
		}

		summary, err := worker.ProcessBatch(ctx, cfg.Worker.BatchSize)
		if err != nil {
			logger.Error("batch failed", "error", err)
		} else if summary.Processed > 0 {
			logger.Info("batch done",
				"processed", summary.Processed, "sent", summary.Sent, "failed", summary.Failed)
		}

		if acquired {
			lock.Release(ctx)
		}
	}
}

func buildTransport(cfg *config.Config) (newsletter.Transport, error) {
	switch cfg.Delivery.Transport {
	case "ses":
		return newsletter.NewSESTransport(context.Background(),
			cfg.Delivery.SESAccessKey, cfg.Delivery.SESSecretKey, cfg.Delivery.SESRegion)
	case "http", "":
		return newsletter.NewHTTPTransport(cfg.Delivery.BaseURL, cfg.Delivery.APIKey), nil
	}
	return nil, fmt.Errorf("unknown delivery transport %q", cfg.Delivery.Transport)
}
