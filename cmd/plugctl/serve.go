package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"plughub/internal/api"
	"plughub/internal/domain"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the reconciler, session sync and HTTP control API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := buildDevices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	c.buildSession(cfg, logger)
	defer c.commander.Close()

	if _, err := c.matter.RefreshServer(ctx); err != nil {
		logger.Warn("matter server status unavailable", "error", err)
	}

	server := api.NewServer(api.Deps{
		Registry:   c.registry,
		Reconciler: c.reconciler,
		Commander:  c.commander,
		TPLink:     c.tplink,
		Govee:      c.govee,
		Tuya:       c.tuya,
		Wyze:       c.wyze,
		Tapo:       c.tapo,
		Matter:     c.matter,
		Merge:      c.merge,
		Arbiter:    c.arbiter,
		Controller: c.controller,
	}, api.Options{
		Addr:      cfg.HTTP.Addr,
		AuthToken: cfg.HTTP.AuthToken,
		RateLimit: cfg.HTTP.RateLimit,
	}, logger.With("component", "api"))

	logger.Info("starting plughub",
		"devices", c.registry.Len(),
		"max_devices", c.registry.Max(),
		"store", cfg.Devices.Store,
		"tuya_mode", cfg.Tuya.Mode,
		"push", cfg.Push.Enabled,
	)

	c.reconciler.Start(ctx)
	defer c.reconciler.Stop()

	if err := server.Start(ctx); err != nil {
		return err
	}
	defer server.Stop()

	events := make(chan domain.Envelope, 32)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.controller.Run(gctx, events)
	})
	if cfg.Push.Enabled {
		g.Go(func() error {
			return c.push.Run(gctx, events)
		})
	}

	err = g.Wait()
	logger.Info("shutting down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
