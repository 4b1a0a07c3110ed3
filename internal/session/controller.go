package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"plughub/internal/domain"
)

// Inbound event types.
const (
	EventSessionUpdate    = "session_update"
	EventFlowStatus       = "flow_status"
	EventGenerating       = "generating"
	EventPlayerChoice     = "player_choice"
	EventSimpleAB         = "simple_ab"
	EventChallenge        = "challenge"
	EventInterruptCleared = "interrupt_cleared"
)

type CommandKind string

const (
	CommandNewSession      CommandKind = "new_session"
	CommandResetInterrupts CommandKind = "reset_interrupts"
)

type Command struct {
	Kind CommandKind
}

type flowStatus struct {
	Active    bool           `json:"active"`
	Variables map[string]any `json:"variables"`
}

type generating struct {
	IsGenerating bool `json:"isGenerating"`
}

// Controller feeds pushed events into the merge and the arbiter and
// executes local commands, all from one goroutine.
type Controller struct {
	merge    *Merge
	arbiter  *Arbiter
	logger   *slog.Logger
	commands chan Command
}

func NewController(merge *Merge, arbiter *Arbiter, logger *slog.Logger) *Controller {
	return &Controller{
		merge:    merge,
		arbiter:  arbiter,
		logger:   logger,
		commands: make(chan Command, 8),
	}
}

func (c *Controller) Commands() chan<- Command {
	return c.commands
}

// Run consumes events and commands until ctx is done or events is closed.
// Malformed events are logged and skipped.
func (c *Controller) Run(ctx context.Context, events <-chan domain.Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-events:
			if !ok {
				return nil
			}
			if err := c.Handle(env); err != nil {
				c.logger.Warn("dropping push event", "type", env.Type, "error", err)
			}
		case cmd := <-c.commands:
			c.Exec(cmd)
		}
	}
}

func (c *Controller) Handle(env domain.Envelope) error {
	switch env.Type {
	case EventSessionUpdate:
		var p Patch
		if err := decode(env, &p); err != nil {
			return err
		}
		c.merge.Apply(p)
		if p.IsGenerating != nil {
			c.arbiter.SetGenerating(*p.IsGenerating)
		}

	case EventFlowStatus:
		var fs flowStatus
		if err := decode(env, &fs); err != nil {
			return err
		}
		c.merge.Apply(Patch{FlowActive: &fs.Active, FlowVariables: fs.Variables})

	case EventGenerating:
		var g generating
		if err := decode(env, &g); err != nil {
			return err
		}
		c.merge.Apply(Patch{IsGenerating: &g.IsGenerating})
		c.arbiter.SetGenerating(g.IsGenerating)

	case EventPlayerChoice, EventSimpleAB, EventChallenge:
		var it domain.Interrupt
		if err := decode(env, &it); err != nil {
			return err
		}
		it.Kind = domain.InterruptKind(env.Type)
		if it.Kind == domain.InterruptPlayerChoice && len(it.Choices) == 0 {
			return fmt.Errorf("%w: player choice without choices", domain.ErrInvalidInput)
		}
		c.arbiter.Offer(it)

	case EventInterruptCleared:
		c.arbiter.Clear()

	default:
		return fmt.Errorf("unknown event type %q", env.Type)
	}
	return nil
}

func (c *Controller) Exec(cmd Command) {
	switch cmd.Kind {
	case CommandNewSession:
		c.arbiter.Clear()
		c.arbiter.SetGenerating(false)
		c.merge.Reset()
		c.logger.Info("new session")
	case CommandResetInterrupts:
		c.arbiter.Clear()
	default:
		c.logger.Warn("unknown session command", "kind", cmd.Kind)
	}
}

func decode(env domain.Envelope, v any) error {
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", env.Type, err)
	}
	return nil
}
