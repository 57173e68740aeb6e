package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ignite/campaign-engine/internal/api"
	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/mailer"
	"github.com/ignite/campaign-engine/internal/pkg/distlock"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/repository/postgres"
	"github.com/ignite/campaign-engine/internal/service/campaign"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
)

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	ln.Close()
	return nil
}

func extractHost(dsn string) string {
	at := strings.Index(dsn, "@")
	if at < 0 {
		return "(unknown)"
	}
	rest := dsn[at+1:]
	slash := strings.Index(rest, "/")
	if slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

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

	// Pre-flight: verify the target port is available.
	host := cfg.Server.GetHost()
	if err := checkPortAvailable(host, cfg.Server.Port); err != nil {
		logger.Error("pre-flight check failed", "err", err)
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.Error("open database", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if err := db.Ping(); err != nil {
		logger.Error("ping database", "host", extractHost(cfg.Database.URL), "err", err)
		os.Exit(1)
	}
	logger.Info("database connected", "host", extractHost(cfg.Database.URL))

	store := postgres.NewCampaignStore(db)
	if cfg.Engine.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Engine.Timezone)
		if err != nil {
			logger.Error("invalid engine timezone", "tz", cfg.Engine.Timezone, "err", err)
			os.Exit(1)
		}
		store.SetClock(time.Now, loc)
	}

	// Redis is optional; without it the per-owner engine lock falls back to
	// Postgres advisory locks.
	var redisClient *redis.Client
	if cfg.Redis.Enabled && cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.Error("parse redis url", "err", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis unreachable, using advisory locks", "err", err)
			redisClient = nil
		} else {
			defer redisClient.Close()
			logger.Info("redis connected")
		}
	}

	var transport campaign.Transport
	if cfg.SparkPost.Enabled && cfg.SparkPost.APIKey != "" {
		transport = mailer.NewSparkPost(cfg.SparkPost.APIKey, cfg.SparkPost.BaseURL,
			cfg.SparkPost.FromEmail, cfg.SparkPost.FromName)
		logger.Info("sparkpost transport enabled", "from", cfg.SparkPost.FromEmail)
	} else {
		transport = mailer.Dry{}
		logger.Warn("no provider configured, sends are dry-run only")
	}

	lockTTL := 2 * time.Duration(cfg.Engine.TickIntervalSeconds) * time.Second
	locks := func(ownerID string) distlock.DistLock {
		return distlock.ForOwner(redisClient, db, ownerID, lockTTL)
	}

	manager := campaign.NewManager(store, transport, campaign.Options{
		DailyLimit:   cfg.Engine.DailyLimit,
		TickInterval: time.Duration(cfg.Engine.TickIntervalSeconds) * time.Second,
	}, locks)

	// Re-arm loops for campaigns the store says were active when the last
	// process died.
	if err := manager.RecoverAll(context.Background()); err != nil {
		logger.Warn("recover active campaigns", "err", err)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.SetupRoutes(manager),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	<-done
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "err", err)
	}

	// Halt drive loops without pausing campaigns; RecoverAll re-arms them
	// on the next boot.
	manager.Shutdown()
	logger.Info("server stopped")
}
