package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/filmpipe/shotrelay/config"
	"github.com/filmpipe/shotrelay/realtime"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")

	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting shotrelay gateway", "addr", cfg.Server.Addr)

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer client.Close()

	if err := client.Ping(context.Background()).Err(); err != nil {
		slog.Error("Failed to connect to Redis", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}

	options := realtime.DefaultOptions()

	options.HeartbeatInterval = cfg.Realtime.HeartbeatInterval.Std()
	options.OfflineQueueTTL = cfg.Realtime.OfflineQueueTTL.Std()
	options.LockTTL = cfg.Realtime.LockTTL.Std()
	options.PresenceTTL = cfg.Realtime.PresenceTTL.Std()
	options.MaxConnections = cfg.Realtime.MaxConnections
	options.CheckOrigin = cfg.Realtime.CheckOrigin
	options.AllowedOrigins = cfg.Realtime.AllowedOrigins
	options.Logger = logger
	options.Metrics = realtime.NewPrometheusMetrics(prometheus.DefaultRegisterer)

	if cfg.Auth.Secret != "" {
		options.Verifier = realtime.JWTVerifier([]byte(cfg.Auth.Secret))
	} else {
		slog.Warn("No JWT secret configured, all connections will be anonymous")
	}

	server := realtime.NewServer(client, &realtime.ServerOptions{
		Options:            options,
		ServerAddr:         cfg.Server.Addr,
		ServerReadTimeout:  cfg.Server.ReadTimeout.Std(),
		ServerWriteTimeout: cfg.Server.WriteTimeout.Std(),
		ServerIdleTimeout:  cfg.Server.IdleTimeout.Std(),
	})

	if err := server.Listen(); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}

	slog.Info("Shutdown complete")
}
