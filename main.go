package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/room4-2/livelink/config"
	"github.com/room4-2/livelink/logging"
	"github.com/room4-2/livelink/relay"
	"github.com/room4-2/livelink/server"
)

const (
	cleanupInterval = time.Minute
	shutdownTimeout = 10 * time.Second
)

type runner interface {
	Start() error
	Shutdown(ctx context.Context) error
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, nil)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = relay.ConnectRedis(ctx, cfg.RedisURL, cfg.RedisPassword)
		if err != nil {
			logger.Warn("redis unavailable, keeping sessions in memory", "error", err)
			rdb = nil
		}
	}

	manager, err := relay.NewManager(cfg, relay.ManagerOptions{Redis: rdb, Logger: logger})
	if err != nil {
		logger.Error("failed to create session manager", "error", err)
		os.Exit(1)
	}
	go manager.StartCleanupRoutine(ctx, cleanupInterval)

	var servers []runner
	switch cfg.ServerType {
	case config.ServerWebSocket:
		servers = append(servers, server.NewServerWebsocket(cfg, manager, logger))
	case config.ServerTwilio:
		servers = append(servers, server.NewWebsocketTwilio(cfg, manager, logger))
	case config.ServerBoth:
		servers = append(servers,
			server.NewServerWebsocket(cfg, manager, logger),
			server.NewWebsocketTwilio(cfg, manager, logger))
	default:
		logger.Error("unknown SERVER_TYPE", "value", cfg.ServerType)
		os.Exit(1)
	}

	errs := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv runner) { errs <- srv.Start() }(srv)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	exit := 0
	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		if err != nil {
			logger.Error("server error", "error", err)
			exit = 1
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown error", "error", err)
		}
	}
	manager.Shutdown(shutdownCtx)

	logger.Info("server stopped")
	if exit != 0 {
		os.Exit(exit)
	}
}
