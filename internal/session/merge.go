package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"plughub/internal/domain"
)

// Patch is a partial session update. Nil fields are left alone; flow
// variables merge per key.
type Patch struct {
	Capacity      *float64          `json:"capacity,omitempty"`
	Emotion       *domain.Emotion   `json:"emotion,omitempty"`
	Sensation     *domain.Sensation `json:"sensation,omitempty"`
	IsGenerating  *bool             `json:"isGenerating,omitempty"`
	FlowActive    *bool             `json:"flowActive,omitempty"`
	FlowVariables map[string]any    `json:"flowVariables,omitempty"`
}

type edit struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// Merge holds the local session snapshot.
type Merge struct {
	sender Sender
	logger *slog.Logger

	mu      sync.Mutex
	snap    domain.SessionSnapshot
	subs    map[int]chan domain.SessionSnapshot
	nextSub int
}

func NewMerge(sender Sender, logger *slog.Logger) *Merge {
	return &Merge{
		sender: sender,
		logger: logger,
		snap:   emptySnapshot(),
		subs:   make(map[int]chan domain.SessionSnapshot),
	}
}

func emptySnapshot() domain.SessionSnapshot {
	return domain.SessionSnapshot{Emotion: domain.EmotionNeutral, FlowVariables: map[string]any{}}
}

func (m *Merge) Snapshot() domain.SessionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.Clone()
}

// Apply overwrites each field present in p. A negative capacity is
// clamped to zero.
func (m *Merge) Apply(p Patch) domain.SessionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.Capacity != nil {
		c := *p.Capacity
		if c < 0 {
			m.logger.Warn("negative capacity clamped", "capacity", c)
			c = 0
		}
		m.snap.Capacity = c
	}
	if p.Emotion != nil {
		m.snap.Emotion = *p.Emotion
	}
	if p.Sensation != nil {
		m.snap.Sensation = *p.Sensation
	}
	if p.IsGenerating != nil {
		m.snap.IsGenerating = *p.IsGenerating
	}
	if p.FlowActive != nil {
		m.snap.FlowActive = *p.FlowActive
	}
	if len(p.FlowVariables) > 0 {
		vars := make(map[string]any, len(m.snap.FlowVariables)+len(p.FlowVariables))
		for k, v := range m.snap.FlowVariables {
			vars[k] = v
		}
		for k, v := range p.FlowVariables {
			vars[k] = v
		}
		m.snap.FlowVariables = vars
	}
	return m.publishLocked()
}

// Reset starts a fresh session.
func (m *Merge) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = emptySnapshot()
	m.publishLocked()
}

func (m *Merge) SetCapacity(ctx context.Context, v float64) error {
	if v < 0 {
		return fmt.Errorf("%w: capacity must not be negative", domain.ErrInvalidInput)
	}
	m.Apply(Patch{Capacity: &v})
	return m.forward(ctx, "capacity", v)
}

func (m *Merge) SetEmotion(ctx context.Context, e domain.Emotion) error {
	if !e.Valid() {
		return fmt.Errorf("%w: unknown emotion %q", domain.ErrInvalidInput, e)
	}
	m.Apply(Patch{Emotion: &e})
	return m.forward(ctx, "emotion", e)
}

func (m *Merge) SetSensation(ctx context.Context, s domain.Sensation) error {
	if s.IsZero() {
		return fmt.Errorf("%w: sensation must be a label or a level", domain.ErrInvalidInput)
	}
	m.Apply(Patch{Sensation: &s})
	return m.forward(ctx, "sensation", s)
}

// Subscribe returns a feed of snapshots after each change and a func that
// ends the feed. Slow readers miss intermediate snapshots.
func (m *Merge) Subscribe() (<-chan domain.SessionSnapshot, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan domain.SessionSnapshot, 8)
	m.subs[id] = ch

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subs[id]; ok {
			close(c)
			delete(m.subs, id)
		}
	}
}

func (m *Merge) publishLocked() domain.SessionSnapshot {
	snap := m.snap.Clone()
	for _, ch := range m.subs {
		select {
		case ch <- snap:
		default:
		}
	}
	return snap
}

// forward sends a local edit upstream. The local value is kept even if the
// send fails; the next server update reconciles it.
func (m *Merge) forward(ctx context.Context, field string, value any) error {
	env, err := domain.NewEnvelope(EventSessionEdit, edit{Field: field, Value: value})
	if err != nil {
		return err
	}
	if err := m.sender.Send(ctx, env); err != nil {
		m.logger.Warn("forwarding session edit failed", "field", field, "error", err)
		return fmt.Errorf("forwarding %s edit: %w", field, err)
	}
	return nil
}
