package application

import (
	"context"
	"log/slog"
)

// Notifier surfaces user-visible failures (command rollbacks, commissioning errors).
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

type NoopNotifier struct{}

func (n *NoopNotifier) Notify(_ context.Context, _ string) error {
	return nil
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Notify(_ context.Context, message string) error {
	n.Logger.Warn("user notification", "message", message)
	return nil
}

// MultiNotifier fans a message out to several notifiers, returning the first error.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, message string) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, message); err != nil && first == nil {
			first = err
		}
	}
	return first
}
