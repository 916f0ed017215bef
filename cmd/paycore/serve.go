package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gyaneshwarpardhi/paycore/internal/api"
	"github.com/gyaneshwarpardhi/paycore/internal/config"
	"github.com/gyaneshwarpardhi/paycore/internal/event"
	"github.com/gyaneshwarpardhi/paycore/internal/natsbus"
	"github.com/gyaneshwarpardhi/paycore/internal/pipeline"
	"github.com/gyaneshwarpardhi/paycore/internal/stream"
)

const anchorStream = "PAYCORE_ANCHORS"

type serveOptions struct {
	addr     string
	cfgPath  string
	logLevel string
	logJSON  bool
}

func serveCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline behind the HTTP API",
		Long: `Run the pipeline behind the HTTP API.

The config file is watched; valid edits are applied without a restart.
With events.nats_url set, events are published to NATS and batch roots
are anchored on JetStream.

Examples:
  paycore serve --config configs/paycore.yaml --addr :8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", ":8080", "HTTP listen address")
	cmd.Flags().StringVar(&opts.cfgPath, "config", "configs/paycore.yaml", "path to the pipeline YAML config")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn or error")
	cmd.Flags().BoolVar(&opts.logJSON, "log-json", false, "log as JSON")
	return cmd
}

func newLogger(level string, asJSON bool) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	hopts := &slog.HandlerOptions{Level: lvl}
	if asJSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, hopts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stdout, hopts)), nil
}

func runServe(parent context.Context, opts *serveOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	logger, err := newLogger(opts.logLevel, opts.logJSON)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	// ── Load config ──────────────────────────────────────────────────────────
	loader, err := config.NewLoader(opts.cfgPath)
	if err != nil {
		return err
	}
	cfg := loader.Config()
	if err := config.Validate(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Event fan-out ────────────────────────────────────────────────────────
	bus := event.NewBus(logger)
	deps := pipeline.Deps{Bus: bus, Logger: logger}
	if cfg.Events.NATSURL != "" {
		nc, err := natsbus.Connect(cfg.Events.NATSURL, "paycore", logger)
		if err != nil {
			return err
		}
		defer func() { _ = nc.Drain() }()
		natsbus.NewPublisher(nc, cfg.Events.SubjectPrefix, logger).Attach(bus)

		js, err := nc.JetStream()
		if err != nil {
			return fmt.Errorf("jetstream: %w", err)
		}
		if err := natsbus.EnsureStream(js, anchorStream, cfg.Events.AnchorSubject); err != nil {
			return err
		}
		deps.Anchorer = natsbus.NewAnchorer(js, cfg.Events.AnchorSubject)
		logger.Info("nats connected", "url", nc.ConnectedUrl(), "anchor_subject", cfg.Events.AnchorSubject)
	}
	hub := stream.NewHub(logger)
	hub.Attach(bus)

	// ── Pipeline ─────────────────────────────────────────────────────────────
	o, err := pipeline.FromConfig(ctx, cfg, deps)
	if err != nil {
		return err
	}
	o.Start(ctx)

	// ── HTTP server and hot reload ───────────────────────────────────────────
	handler := api.New(o, loader, hub, logger)
	stopWatch, err := loader.Watch()
	if err != nil {
		logger.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
	} else {
		defer stopWatch()
	}

	srv := &http.Server{
		Addr:         opts.addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", "addr", opts.addr, "mode", cfg.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err := srv.Shutdown(shutCtx)
		hub.Close()
		if ferr := o.Shutdown(shutCtx); ferr != nil {
			logger.Warn("final flush incomplete", "err", ferr)
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("goodbye")
	return nil
}
