package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"plughub/internal/domain"
)

var (
	ErrNoInterrupt    = errors.New("no active interrupt")
	ErrWrongKind      = errors.New("active interrupt is of a different kind")
	ErrNotCancellable = errors.New("interrupt cannot be cancelled")
	ErrStale          = errors.New("interrupt was replaced while responding")
)

// Outbound event types.
const (
	EventPlayerChoiceResponse = "player_choice_response"
	EventSimpleABResponse     = "simple_ab_response"
	EventChallengeResponse    = "challenge_response"
	EventSessionEdit          = "session_edit"
)

// Sender delivers an event upstream.
type Sender interface {
	Send(ctx context.Context, env domain.Envelope) error
}

type ArbiterState string

const (
	StateIdle             ArbiterState = "idle"
	StateChoicePending    ArbiterState = "choicePending"
	StateABPending        ArbiterState = "abPending"
	StateChallengePending ArbiterState = "challengePending"
)

type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseBusy    Phase = "busy"
	PhasePending Phase = "pending"
)

type Status struct {
	Phase  Phase             `json:"phase"`
	State  ArbiterState      `json:"state"`
	Active *domain.Interrupt `json:"active,omitempty"`
	Queued int               `json:"queued"`
}

type choiceResponse struct {
	InterruptID string `json:"interruptId"`
	ChoiceID    string `json:"choiceId"`
}

type abResponse struct {
	InterruptID string `json:"interruptId"`
	Choice      string `json:"choice"`
}

type challengeResponse struct {
	InterruptID string `json:"interruptId"`
	Cancelled   bool   `json:"cancelled"`
	Result      any    `json:"result,omitempty"`
}

// Arbiter owns the single interrupt slot. Interrupts that arrive while one
// is active wait in arrival order.
type Arbiter struct {
	sender Sender
	logger *slog.Logger

	respondMu sync.Mutex

	mu         sync.Mutex
	active     *domain.Interrupt
	queue      []domain.Interrupt
	generating bool
}

func NewArbiter(sender Sender, logger *slog.Logger) *Arbiter {
	return &Arbiter{sender: sender, logger: logger}
}

// Offer accepts a server-pushed interrupt. An interrupt already active or
// queued under the same ID is not taken again; the push channel re-sends
// the current interrupt after a reconnect.
func (a *Arbiter) Offer(it domain.Interrupt) domain.Interrupt {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if held, ok := a.heldLocked(it.ID); ok {
		a.logger.Debug("interrupt already held", "id", it.ID, "kind", it.Kind)
		return held
	}
	if a.active == nil {
		a.active = &it
		a.logger.Info("interrupt active", "id", it.ID, "kind", it.Kind)
	} else {
		a.queue = append(a.queue, it)
		a.logger.Info("interrupt queued", "id", it.ID, "kind", it.Kind, "queued", len(a.queue))
	}
	return it
}

func (a *Arbiter) heldLocked(id string) (domain.Interrupt, bool) {
	if a.active != nil && a.active.ID == id {
		return *a.active, true
	}
	for _, q := range a.queue {
		if q.ID == id {
			return q, true
		}
	}
	return domain.Interrupt{}, false
}

func (a *Arbiter) SetGenerating(v bool) {
	a.mu.Lock()
	a.generating = v
	a.mu.Unlock()
}

func (a *Arbiter) Active() (domain.Interrupt, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil {
		return domain.Interrupt{}, false
	}
	return *a.active, true
}

func (a *Arbiter) State() ArbiterState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stateLocked()
}

func (a *Arbiter) stateLocked() ArbiterState {
	if a.active == nil {
		return StateIdle
	}
	switch a.active.Kind {
	case domain.InterruptPlayerChoice:
		return StateChoicePending
	case domain.InterruptSimpleAB:
		return StateABPending
	case domain.InterruptChallenge:
		return StateChallengePending
	}
	return StateIdle
}

// Status tells apart an idle session, one that is generating with nothing
// to answer, and one waiting on the user.
func (a *Arbiter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Status{State: a.stateLocked(), Queued: len(a.queue)}
	switch {
	case a.active != nil:
		it := *a.active
		s.Phase = PhasePending
		s.Active = &it
	case a.generating:
		s.Phase = PhaseBusy
	default:
		s.Phase = PhaseIdle
	}
	return s
}

func (a *Arbiter) ChoosePlayer(ctx context.Context, choiceID string) error {
	return a.respond(ctx, domain.InterruptPlayerChoice, false, func(it domain.Interrupt) (domain.Envelope, error) {
		for _, c := range it.Choices {
			if c.ID == choiceID {
				return domain.NewEnvelope(EventPlayerChoiceResponse, choiceResponse{InterruptID: it.ID, ChoiceID: choiceID})
			}
		}
		return domain.Envelope{}, fmt.Errorf("%w: unknown choice %q", domain.ErrInvalidInput, choiceID)
	})
}

// ChooseAB answers a binary prompt with "A" or "B".
func (a *Arbiter) ChooseAB(ctx context.Context, choice string) error {
	return a.respond(ctx, domain.InterruptSimpleAB, false, func(it domain.Interrupt) (domain.Envelope, error) {
		if choice != "A" && choice != "B" {
			return domain.Envelope{}, fmt.Errorf("%w: choice must be A or B", domain.ErrInvalidInput)
		}
		return domain.NewEnvelope(EventSimpleABResponse, abResponse{InterruptID: it.ID, Choice: choice})
	})
}

func (a *Arbiter) CompleteChallenge(ctx context.Context, result any) error {
	return a.respond(ctx, domain.InterruptChallenge, false, func(it domain.Interrupt) (domain.Envelope, error) {
		return domain.NewEnvelope(EventChallengeResponse, challengeResponse{InterruptID: it.ID, Result: result})
	})
}

// Cancel dismisses the active interrupt without an answer. Only challenges
// allow it.
func (a *Arbiter) Cancel(ctx context.Context) error {
	return a.respond(ctx, "", true, func(it domain.Interrupt) (domain.Envelope, error) {
		return domain.NewEnvelope(EventChallengeResponse, challengeResponse{InterruptID: it.ID, Cancelled: true})
	})
}

// Clear drops the active and queued interrupts without responding.
func (a *Arbiter) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active != nil || len(a.queue) > 0 {
		a.logger.Info("interrupts cleared", "queued", len(a.queue))
	}
	a.active = nil
	a.queue = nil
}

// respond sends the response for the active interrupt and advances the
// queue. A failed send leaves the interrupt active.
func (a *Arbiter) respond(ctx context.Context, kind domain.InterruptKind, cancel bool, build func(domain.Interrupt) (domain.Envelope, error)) error {
	a.respondMu.Lock()
	defer a.respondMu.Unlock()

	it, ok := a.Active()
	if !ok {
		return ErrNoInterrupt
	}
	if cancel && !it.Kind.Cancellable() {
		return fmt.Errorf("%w: %s", ErrNotCancellable, it.Kind)
	}
	if !cancel && it.Kind != kind {
		return fmt.Errorf("%w: active is %s", ErrWrongKind, it.Kind)
	}

	env, err := build(it)
	if err != nil {
		return err
	}
	if err := a.sender.Send(ctx, env); err != nil {
		return fmt.Errorf("sending %s: %w", env.Type, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil || a.active.ID != it.ID {
		return ErrStale
	}
	a.active = nil
	if len(a.queue) > 0 {
		next := a.queue[0]
		a.queue = a.queue[1:]
		a.active = &next
		a.logger.Info("interrupt active", "id", next.ID, "kind", next.Kind)
	}
	return nil
}
