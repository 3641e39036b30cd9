package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"farmlink/internal/config"
	"farmlink/internal/engine"
	"farmlink/internal/executor"
	"farmlink/internal/httpapi"
	"farmlink/internal/ingest"
	"farmlink/internal/mqtt"
	"farmlink/internal/store"

	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	if strings.TrimSpace(cfg.MQTTBrokerURL) == "" {
		slog.Error("missing required env", "key", "MQTT_BROKER_URL")
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.Postgres.Host) == "" {
		slog.Error("missing required env", "key", "POSTGRES_HOST")
		os.Exit(1)
	}

	db, err := store.OpenPostgres(cfg.Postgres.User, cfg.Postgres.Password, cfg.Postgres.DB, cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.SSLMode)
	if err != nil {
		slog.Error("db connect failed", "error", err)
		os.Exit(1)
	}
	repo, err := store.New(db)
	if err != nil {
		slog.Error("db migrate failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := repo.SeedDefaults(ctx, cfg.DefaultDeviceID); err != nil {
		slog.Error("default settings seed failed", "device_id", cfg.DefaultDeviceID, "error", err)
		os.Exit(1)
	}

	var cache *store.ReadingCache
	if strings.TrimSpace(cfg.RedisAddr) != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unavailable, latest-reading cache disabled", "addr", cfg.RedisAddr, "error", err)
		} else {
			cache = store.NewReadingCache(rdb)
			slog.Info("latest-reading cache enabled", "addr", cfg.RedisAddr)
		}
	}

	mq, err := mqtt.Connect(cfg.MQTTBrokerURL, cfg.MQTTClientID)
	if err != nil {
		slog.Error("mqtt connect failed", "error", err)
		os.Exit(1)
	}
	defer mq.Close()

	exec, err := executor.NewMQTT(mq, cfg.MQTTTopicPrefix)
	if err != nil {
		slog.Error("command result subscribe failed", "error", err)
		os.Exit(1)
	}

	eng := engine.New(repo, exec, engine.Options{
		CommandTimeout: cfg.CommandTimeout,
		Thresholds:     exec,
	})
	if err := eng.StartJobs(ctx); err != nil {
		slog.Error("job scheduler start failed", "error", err)
		os.Exit(1)
	}
	defer eng.StopJobs()

	ing := &ingest.Ingestor{Repo: repo, Engine: eng, Cache: cache, TopicPrefix: cfg.MQTTTopicPrefix}
	if err := ing.Run(ctx, mq); err != nil {
		slog.Error("mqtt subscribe failed", "error", err)
		os.Exit(1)
	}
	slog.Info("sensor ingest subscribed", "prefix", cfg.MQTTTopicPrefix)

	srv := httpapi.New(repo, eng, cache, cfg.DefaultDeviceID, cfg.CORSOrigins)
	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		slog.Info("farmlink listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case <-ctx.Done():
	}
	slog.Info("shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	cancel()
}

func setupLogging(level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}
