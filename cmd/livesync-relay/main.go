package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/livesync/internal/config"
	"github.com/agentworkforce/livesync/internal/relay"
	"github.com/agentworkforce/livesync/internal/snapshot"
)

func main() {
	configPath := flag.String("config", config.EnvOrDefault("LIVESYNC_CONFIG", ""), "path to YAML config file")
	addr := flag.String("addr", "", "listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "livesync-relay: %v\n", err)
		os.Exit(1)
	}
	if strings.TrimSpace(*addr) != "" {
		cfg.Relay.Addr = strings.TrimSpace(*addr)
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("relay stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := snapshot.BuildBackendFromDSN(cfg.Relay.SnapshotDSN)
	if err != nil {
		return fmt.Errorf("snapshot backend: %w", err)
	}
	if backend == nil {
		backend = snapshot.NewMemoryBackend()
	}
	defer backend.Close()

	broker, err := buildBroker(ctx, cfg.Relay, logger)
	if err != nil {
		return err
	}
	defer broker.Close()

	hub := relay.NewHub(relay.HubOptions{
		Backend:   backend,
		Broker:    broker,
		SaveDelay: cfg.Relay.SaveDelay,
		Logger:    logger,
	})
	defer hub.Close()

	server := &http.Server{
		Addr: cfg.Relay.Addr,
		Handler: relay.NewServer(hub, relay.ServerConfig{
			MaxMessageBytes: cfg.Relay.MaxMessageBytes,
			RateLimit:       cfg.Relay.RateLimit,
			RateBurst:       cfg.Relay.RateBurst,
			Logger:          logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("relay listening", slog.String("addr", cfg.Relay.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("relay shutting down")
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func buildBroker(ctx context.Context, cfg config.RelayConfig, logger *slog.Logger) (relay.Broker, error) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return relay.NewMemoryBroker(), nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	logger.Info("using redis broker", slog.String("addr", opts.Addr), slog.String("prefix", cfg.RedisPrefix))
	return relay.NewRedisBroker(client, cfg.RedisPrefix, logger), nil
}
