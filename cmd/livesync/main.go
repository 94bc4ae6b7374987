package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/livesync/internal/config"
	"github.com/agentworkforce/livesync/internal/connection"
	"github.com/agentworkforce/livesync/internal/filemirror"
	"github.com/agentworkforce/livesync/internal/session"
)

func main() {
	configPath := flag.String("config", config.EnvOrDefault("LIVESYNC_CONFIG", ""), "path to YAML config file")
	endpoint := flag.String("endpoint", "", "relay websocket URL (overrides config)")
	file := flag.String("file", "", "mirror the document to this file (overrides config)")
	seed := flag.Bool("seed", false, "submit the file's existing content at startup")
	printDoc := flag.Bool("print", false, "print the document after every change")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "livesync: %v\n", err)
		os.Exit(1)
	}
	if v := strings.TrimSpace(*endpoint); v != "" {
		cfg.Client.Endpoint = v
	}
	if v := strings.TrimSpace(*file); v != "" {
		cfg.Client.File = v
	}
	if *seed {
		cfg.Client.Seed = true
	}
	if strings.TrimSpace(cfg.Client.Endpoint) == "" {
		fmt.Fprintln(os.Stderr, "livesync: endpoint is required (-endpoint or LIVESYNC_ENDPOINT)")
		os.Exit(2)
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	if err := run(cfg.Client, *printDoc, logger); err != nil {
		logger.Error("livesync stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg config.ClientConfig, printDoc bool, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := newPrinter(os.Stdout)
	var mirror *filemirror.Mirror

	sess, err := session.New(session.Options{
		Endpoint:       cfg.Endpoint,
		DebounceDelay:  cfg.DebounceDelay,
		ReconnectDelay: cfg.ReconnectDelay,
		MaxHistory:     cfg.MaxHistory,
		Logger:         logger,
		OnChange: func(snap session.Snapshot) {
			if mirror != nil {
				if err := mirror.Apply(snap.Content); err != nil {
					logger.Warn("mirror write failed", slog.String("error", err.Error()))
				}
			}
			if printDoc {
				out.render(snap)
			}
		},
		OnConnectionChange: func(state connection.State) {
			logger.Info("connection state", slog.String("state", state.String()))
		},
	})
	if err != nil {
		return err
	}

	if strings.TrimSpace(cfg.File) != "" {
		mirror, err = filemirror.New(sess, filemirror.Options{
			Path:   cfg.File,
			Seed:   cfg.Seed,
			Logger: logger,
		})
		if err != nil {
			return err
		}
	}

	sess.Start()
	g, gctx := errgroup.WithContext(ctx)
	if mirror != nil {
		g.Go(func() error {
			return mirror.Run(gctx)
		})
	} else {
		go func() {
			if err := readConsole(os.Stdin, sess, out); err != nil {
				logger.Warn("console read failed", slog.String("error", err.Error()))
			}
			stop()
		}()
	}
	g.Go(func() error {
		<-gctx.Done()
		sess.Teardown()
		if mirror != nil {
			return mirror.Close()
		}
		return nil
	})
	return g.Wait()
}
