package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"plughub/internal/application"
	"plughub/internal/domain"
)

const (
	DefaultCycleDelay     = 5 * time.Second
	DefaultCommandTimeout = 10 * time.Second
)

var ErrCommanderClosed = errors.New("commander closed")

type CommanderOptions struct {
	// Cooldowns overrides the ledger window per brand.
	Cooldowns      map[domain.Brand]time.Duration
	CycleDelay     time.Duration
	CommandTimeout time.Duration
}

// Commander issues user on/off/cycle commands. Every command is recorded in
// the ledger before the network call and published optimistically; a failed
// call restores the previous state.
type Commander struct {
	rec      *Reconciler
	ctrl     application.DeviceController
	ledger   *Ledger
	notifier application.Notifier
	logger   *slog.Logger
	opts     CommanderOptions

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
}

func NewCommander(rec *Reconciler, ctrl application.DeviceController, ledger *Ledger, notifier application.Notifier, logger *slog.Logger, opts CommanderOptions) *Commander {
	if opts.CycleDelay <= 0 {
		opts.CycleDelay = DefaultCycleDelay
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if notifier == nil {
		notifier = &application.NoopNotifier{}
	}
	return &Commander{
		rec:      rec,
		ctrl:     ctrl,
		ledger:   ledger,
		notifier: notifier,
		logger:   logger,
		opts:     opts,
		timers:   make(map[*time.Timer]struct{}),
	}
}

func (c *Commander) On(ctx context.Context, device domain.Device) error {
	return c.command(ctx, device, true, domain.ActionTurnOn)
}

func (c *Commander) Off(ctx context.Context, device domain.Device) error {
	return c.command(ctx, device, false, domain.ActionTurnOff)
}

// Cycle turns the device on now and off again after the cycle delay. The off
// leg runs on its own timer and is cancelled by Close.
func (c *Commander) Cycle(ctx context.Context, device domain.Device) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrCommanderClosed
	}

	if err := c.command(ctx, device, true, domain.ActionCycle); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCommanderClosed
	}

	var t *time.Timer
	t = time.AfterFunc(c.opts.CycleDelay, func() {
		c.mu.Lock()
		delete(c.timers, t)
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		if err := c.command(context.Background(), device, false, domain.ActionCycle); err != nil {
			c.logger.Warn("cycle off leg failed", "key", device.Key(), "error", err)
		}
	})
	c.timers[t] = struct{}{}
	return nil
}

// Close cancels pending cycle legs.
func (c *Commander) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for t := range c.timers {
		t.Stop()
	}
	c.timers = make(map[*time.Timer]struct{})
}

// Pending returns the number of scheduled cycle legs.
func (c *Commander) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *Commander) cooldown(brand domain.Brand) time.Duration {
	if d, ok := c.opts.Cooldowns[brand]; ok && d > 0 {
		return d
	}
	return 0
}

func (c *Commander) command(ctx context.Context, device domain.Device, on bool, action domain.Action) error {
	key := device.Key()

	markAt := c.ledger.MarkFor(key, c.cooldown(device.Brand))
	write := c.rec.setOptimistic(key, on)

	ctx, cancel := context.WithTimeout(ctx, c.opts.CommandTimeout)
	defer cancel()

	id, opts := device.Target()
	var err error
	if on {
		err = c.ctrl.DeviceOn(ctx, id, opts)
	} else {
		err = c.ctrl.DeviceOff(ctx, id, opts)
	}
	if err == nil {
		c.logger.Info("device command sent", "key", key, "action", action, "on", on)
		return nil
	}

	c.rec.rollback(write)
	c.ledger.ClearIf(key, markAt)

	cmdErr := &domain.CommandError{Key: key, Label: device.Label, Action: action, Err: err}
	c.logger.Error("device command failed", "key", key, "action", action, "error", err)
	if nerr := c.notifier.Notify(context.WithoutCancel(ctx), fmt.Sprintf("Could not %s: %v", describe(action, on, device), err)); nerr != nil {
		c.logger.Warn("notifying command failure", "error", nerr)
	}
	return cmdErr
}

func describe(action domain.Action, on bool, device domain.Device) string {
	name := device.Label
	if name == "" {
		name = device.Key()
	}
	verb := "turn off"
	if on {
		verb = "turn on"
	}
	if action == domain.ActionCycle {
		verb = "cycle (" + verb + ")"
	}
	return verb + " " + name
}
