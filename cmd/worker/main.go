// Headless send worker: drives active campaigns without exposing the HTTP
// API. Useful when the API server and the sender run as separate processes;
// the per-owner distributed lock keeps them from double-driving an owner.
package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/mailer"
	"github.com/ignite/campaign-engine/internal/pkg/distlock"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/repository/postgres"
	"github.com/ignite/campaign-engine/internal/service/campaign"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	if cfg.Database.URL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.Error("open database", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		logger.Error("ping database", "err", err)
		os.Exit(1)
	}

	store := postgres.NewCampaignStore(db)
	if cfg.Engine.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Engine.Timezone)
		if err != nil {
			logger.Error("invalid engine timezone", "tz", cfg.Engine.Timezone, "err", err)
			os.Exit(1)
		}
		store.SetClock(time.Now, loc)
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled && cfg.Redis.URL != "" {
		if opts, err := redis.ParseURL(cfg.Redis.URL); err == nil {
			redisClient = redis.NewClient(opts)
			if err := redisClient.Ping(context.Background()).Err(); err != nil {
				logger.Warn("redis unreachable, using advisory locks", "err", err)
				redisClient = nil
			} else {
				defer redisClient.Close()
			}
		}
	}

	var transport campaign.Transport
	if cfg.SparkPost.Enabled && cfg.SparkPost.APIKey != "" {
		transport = mailer.NewSparkPost(cfg.SparkPost.APIKey, cfg.SparkPost.BaseURL,
			cfg.SparkPost.FromEmail, cfg.SparkPost.FromName)
	} else {
		transport = mailer.Dry{}
		logger.Warn("no provider configured, sends are dry-run only")
	}

	lockTTL := 2 * time.Duration(cfg.Engine.TickIntervalSeconds) * time.Second
	manager := campaign.NewManager(store, transport, campaign.Options{
		DailyLimit:   cfg.Engine.DailyLimit,
		TickInterval: time.Duration(cfg.Engine.TickIntervalSeconds) * time.Second,
	}, func(ownerID string) distlock.DistLock {
		return distlock.ForOwner(redisClient, db, ownerID, lockTTL)
	})

	if err := manager.RecoverAll(context.Background()); err != nil {
		logger.Error("recover active campaigns", "err", err)
		os.Exit(1)
	}
	logger.Info("send worker running", "tick_seconds", cfg.Engine.TickIntervalSeconds)

	// Periodically re-scan for campaigns activated by the API server after
	// this worker booted.
	rescan := time.NewTicker(time.Minute)
	defer rescan.Stop()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-rescan.C:
			if err := manager.RecoverAll(context.Background()); err != nil {
				logger.Warn("rescan active campaigns", "err", err)
			}
		case <-done:
			logger.Info("shutting down")
			manager.Shutdown()
			logger.Info("send worker stopped")
			return
		}
	}
}
