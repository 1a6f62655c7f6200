// Copyright 2026 © The Valiant Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Vusisean11/valiant/pkg/config"
	"github.com/Vusisean11/valiant/pkg/repository"
	"github.com/Vusisean11/valiant/pkg/server"
	"github.com/Vusisean11/valiant/pkg/telemetry"
)

var serveFlags struct {
	addr string
}

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serve the session API for every agent found under repository.path.

Examples:
  # Start with defaults (agents in ./agents, memory store, :8080)
  valiant serve

  # Persist sessions in SQLite and reload agents when files change
  VALIANT_STORE_DRIVER=sqlite VALIANT_STORE_DSN=file:valiant.db valiant serve --config config.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if serveFlags.addr != "" {
				a.cfg.Server.Addr = serveFlags.addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, a.cfg, a.logger)
		},
	}
	cmd.Flags().StringVarP(&serveFlags.addr, "listen", "l", "", "override server.addr")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdown, err := telemetry.InitWithConfig(ctx, cfg.Telemetry.ServiceName, Version, telemetry.Config{
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		Writer:       os.Stderr,
	})
	if err != nil {
		return NewConfigError(fmt.Errorf("telemetry: %w", err), rootFlags.ConfigPath)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			logger.Warn("telemetry.shutdown.error", slog.String("error", err.Error()))
		}
	}()

	rt, err := newRuntime(ctx, cfg, logger, runtimeOverrides{})
	if err != nil {
		return err
	}
	defer rt.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	srv := server.New(rt.engine,
		server.WithEvents(rt.events),
		server.WithHealth(rt.health),
		server.WithRegistry(reg),
		server.WithLogger(telemetry.Component(logger, "server")),
	)

	if cfg.Repository.RefreshSchedule != "" {
		scheduler, err := scheduleRefresh(ctx, rt, cfg.Repository.RefreshSchedule)
		if err != nil {
			return NewConfigError(fmt.Errorf("repository.refresh_schedule: %w", err), rootFlags.ConfigPath)
		}
		defer func() { <-scheduler.Stop().Done() }()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx, cfg.Server.Addr) })
	if cfg.Repository.Watch {
		w := repository.NewWatcher(cfg.Repository.Path, rt.repos, cfg.Repository.Debounce, telemetry.Component(logger, "repository"))
		g.Go(func() error { return w.Run(gctx) })
	}
	return g.Wait()
}

// scheduleRefresh republishes the repository on a cron schedule (standard
// five-field syntax or descriptors such as @every 5m).
func scheduleRefresh(ctx context.Context, rt *runtime, spec string) (*cron.Cron, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	_, err := c.AddFunc(spec, func() {
		if err := rt.repos.Refresh(ctx, rt.source); err != nil {
			rt.log.Warn("repository.refresh.failed", slog.String("error", err.Error()))
			return
		}
		rt.log.Debug("repository.refreshed", slog.Int("agents", len(rt.repos.Agents())))
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}
