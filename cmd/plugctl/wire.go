package main

import (
	"context"
	"fmt"
	"log/slog"

	"plughub/config"
	"plughub/internal/application"
	"plughub/internal/commissioning"
	"plughub/internal/domain"
	"plughub/internal/infra/backend"
	"plughub/internal/infra/push"
	"plughub/internal/infra/pushover"
	"plughub/internal/infra/store"
	"plughub/internal/infra/tuya"
	"plughub/internal/reconciler"
	"plughub/internal/registry"
	"plughub/internal/session"
)

// core holds every long-lived component built from the config.
type core struct {
	backend    *backend.Client
	registry   *registry.Registry
	router     *application.Router
	notifier   application.Notifier
	ledger     *reconciler.Ledger
	reconciler *reconciler.Reconciler
	commander  *reconciler.Commander

	tplink *commissioning.TPLink
	govee  *commissioning.Machine[domain.GoveeCredentials, domain.CloudCandidate]
	tuya   *commissioning.Machine[domain.TuyaCredentials, domain.CloudCandidate]
	wyze   *commissioning.Machine[domain.WyzeCredentials, domain.CloudCandidate]
	tapo   *commissioning.Machine[domain.TapoCredentials, domain.LANCandidate]
	matter *commissioning.Matter

	push       *push.Client
	merge      *session.Merge
	arbiter    *session.Arbiter
	controller *session.Controller
}

// buildDevices wires the registry and the control path. The CLI one-shot
// commands stop here.
func buildDevices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*core, error) {
	c := &core{
		backend: backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.Token, logger.With("component", "backend")),
	}

	var deviceStore application.DeviceStore = c.backend
	if cfg.Devices.Store == "file" {
		deviceStore = store.NewFileStore(cfg.Devices.StorePath)
	}

	c.registry = registry.New(deviceStore, cfg.Devices.MaxDevices, logger.With("component", "registry"))
	if err := c.registry.Load(ctx); err != nil {
		return nil, fmt.Errorf("loading devices: %w", err)
	}

	c.router = application.NewRouter(c.backend)

	var tuyaVendor commissioning.Vendor[domain.TuyaCredentials, domain.CloudCandidate]
	tuyaVendor = backend.NewCloudVendor[domain.TuyaCredentials](c.backend, domain.BrandTuya)
	if cfg.Tuya.Mode == "cloud" {
		driver := tuya.NewDriver(tuya.NewClient(cfg.Tuya.ClientID, cfg.Tuya.Secret, cfg.Tuya.Region), logger.With("component", "tuya"))
		c.router.Route(domain.BrandTuya, driver)
		tuyaVendor = driver
	}

	notifiers := application.MultiNotifier{&application.LogNotifier{Logger: logger}}
	if cfg.Pushover.Enabled {
		notifiers = append(notifiers, pushover.NewClient(cfg.Pushover.Token, cfg.Pushover.UserKey))
	}
	c.notifier = notifiers

	cooldowns, err := cfg.Devices.Cooldowns()
	if err != nil {
		return nil, err
	}

	c.ledger = reconciler.NewLedger(cfg.Devices.DefaultCooldown(), nil)
	c.reconciler = reconciler.New(c.registry, c.router, c.ledger, logger.With("component", "reconciler"), reconciler.Options{
		Interval:      cfg.Devices.Interval(),
		MaxConcurrent: cfg.Devices.PollConcurrency,
	})
	c.commander = reconciler.NewCommander(c.reconciler, c.router, c.ledger, c.notifier, logger.With("component", "commander"), reconciler.CommanderOptions{
		Cooldowns:  cooldowns,
		CycleDelay: cfg.Devices.Cycle(),
	})

	commLogger := logger.With("component", "commissioning")
	c.tplink = commissioning.NewTPLink(c.backend, c.registry, c.notifier, commLogger, cfg.TPLink.Timeout())
	c.govee = commissioning.NewMachine[domain.GoveeCredentials, domain.CloudCandidate](backend.NewCloudVendor[domain.GoveeCredentials](c.backend, domain.BrandGovee), c.registry, c.notifier, commLogger)
	c.tuya = commissioning.NewMachine[domain.TuyaCredentials, domain.CloudCandidate](tuyaVendor, c.registry, c.notifier, commLogger)
	c.wyze = commissioning.NewMachine[domain.WyzeCredentials, domain.CloudCandidate](backend.NewCloudVendor[domain.WyzeCredentials](c.backend, domain.BrandWyze), c.registry, c.notifier, commLogger)
	c.tapo = commissioning.NewMachine[domain.TapoCredentials, domain.LANCandidate](backend.NewLANVendor[domain.TapoCredentials](c.backend, domain.BrandTapo), c.registry, c.notifier, commLogger)
	c.matter = commissioning.NewMatter(c.backend, c.registry, c.notifier, commLogger, cfg.Matter.Timeout())

	return c, nil
}

// buildSession wires the push channel, merge and arbiter. Without a push
// channel, local edits stay local and responses fail with ErrNotConnected.
func (c *core) buildSession(cfg *config.Config, logger *slog.Logger) {
	sessLogger := logger.With("component", "session")
	c.push = push.NewClient(cfg.Push.URL, cfg.Backend.Token, logger.With("component", "push"))
	c.push.SetReconnectDelay(cfg.Push.Reconnect())
	c.merge = session.NewMerge(c.push, sessLogger)
	c.arbiter = session.NewArbiter(c.push, sessLogger)
	c.controller = session.NewController(c.merge, c.arbiter, sessLogger)
}
