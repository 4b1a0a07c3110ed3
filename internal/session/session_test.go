package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plughub/internal/domain"
	"plughub/internal/session"
)

type recorder struct {
	mu   sync.Mutex
	err  error
	sent []domain.Envelope
}

func (r *recorder) Send(_ context.Context, env domain.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, env)
	return nil
}

func (r *recorder) last(t *testing.T) (string, map[string]any) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.sent)
	env := r.sent[len(r.sent)-1]
	var data map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &data))
	return env.Type, data
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func envelope(t *testing.T, typ string, data any) domain.Envelope {
	t.Helper()
	env, err := domain.NewEnvelope(typ, data)
	require.NoError(t, err)
	return env
}

func setup() (*session.Controller, *session.Merge, *session.Arbiter, *recorder) {
	rec := &recorder{}
	merge := session.NewMerge(rec, discard())
	arb := session.NewArbiter(rec, discard())
	return session.NewController(merge, arb, discard()), merge, arb, rec
}

var choice = map[string]any{
	"id":      "int-1",
	"prompt":  "Which way?",
	"choices": []map[string]string{{"id": "left", "label": "Left"}, {"id": "right", "label": "Right"}},
}

func TestArbiter_ChallengeQueuesBehindChoice(t *testing.T) {
	ctx := context.Background()
	ctrl, _, arb, rec := setup()

	require.NoError(t, ctrl.Handle(envelope(t, session.EventPlayerChoice, choice)))
	require.NoError(t, ctrl.Handle(envelope(t, session.EventChallenge, map[string]any{"id": "int-2", "challengeKind": "dice"})))

	assert.Equal(t, session.StateChoicePending, arb.State())
	st := arb.Status()
	assert.Equal(t, session.PhasePending, st.Phase)
	assert.Equal(t, 1, st.Queued)
	assert.Equal(t, "int-1", st.Active.ID)

	require.NoError(t, arb.ChoosePlayer(ctx, "right"))
	typ, data := rec.last(t)
	assert.Equal(t, session.EventPlayerChoiceResponse, typ)
	assert.Equal(t, "int-1", data["interruptId"])
	assert.Equal(t, "right", data["choiceId"])

	assert.Equal(t, session.StateChallengePending, arb.State())
	active, ok := arb.Active()
	require.True(t, ok)
	assert.Equal(t, "int-2", active.ID)
	assert.Equal(t, "dice", active.ChallengeKind)
}

func TestArbiter_ResentInterruptIsNotQueuedAgain(t *testing.T) {
	ctx := context.Background()
	ctrl, _, arb, _ := setup()

	require.NoError(t, ctrl.Handle(envelope(t, session.EventPlayerChoice, choice)))
	require.NoError(t, ctrl.Handle(envelope(t, session.EventChallenge, map[string]any{"id": "int-2"})))
	// A reconnect replays both.
	require.NoError(t, ctrl.Handle(envelope(t, session.EventPlayerChoice, choice)))
	require.NoError(t, ctrl.Handle(envelope(t, session.EventChallenge, map[string]any{"id": "int-2"})))

	st := arb.Status()
	assert.Equal(t, "int-1", st.Active.ID)
	assert.Equal(t, 1, st.Queued)

	require.NoError(t, arb.ChoosePlayer(ctx, "left"))
	active, ok := arb.Active()
	require.True(t, ok)
	assert.Equal(t, "int-2", active.ID)

	require.NoError(t, arb.Cancel(ctx))
	assert.Equal(t, session.PhaseIdle, arb.Status().Phase)
}

func TestArbiter_OnlyChallengesCancel(t *testing.T) {
	ctx := context.Background()
	_, _, arb, rec := setup()

	arb.Offer(domain.Interrupt{Kind: domain.InterruptSimpleAB, LabelA: "Yes", LabelB: "No"})
	arb.Offer(domain.Interrupt{Kind: domain.InterruptChallenge, ChallengeKind: "wheel"})

	assert.ErrorIs(t, arb.Cancel(ctx), session.ErrNotCancellable)
	assert.Equal(t, session.StateABPending, arb.State())

	assert.ErrorIs(t, arb.ChooseAB(ctx, "C"), domain.ErrInvalidInput)
	require.NoError(t, arb.ChooseAB(ctx, "B"))

	require.NoError(t, arb.Cancel(ctx))
	typ, data := rec.last(t)
	assert.Equal(t, session.EventChallengeResponse, typ)
	assert.Equal(t, true, data["cancelled"])
	assert.Equal(t, session.StateIdle, arb.State())
}

func TestArbiter_SendFailureKeepsInterrupt(t *testing.T) {
	ctx := context.Background()
	_, _, arb, rec := setup()
	it := arb.Offer(domain.Interrupt{Kind: domain.InterruptChallenge})
	assert.NotEmpty(t, it.ID)

	rec.err = errors.New("socket closed")
	require.Error(t, arb.CompleteChallenge(ctx, map[string]int{"roll": 4}))
	assert.Equal(t, session.StateChallengePending, arb.State())

	rec.err = nil
	require.NoError(t, arb.CompleteChallenge(ctx, map[string]int{"roll": 4}))
	assert.Equal(t, session.StateIdle, arb.State())
}

func TestArbiter_WrongKindAndEmpty(t *testing.T) {
	ctx := context.Background()
	_, _, arb, _ := setup()

	assert.ErrorIs(t, arb.ChooseAB(ctx, "A"), session.ErrNoInterrupt)

	arb.Offer(domain.Interrupt{Kind: domain.InterruptPlayerChoice, Choices: []domain.Choice{{ID: "a"}}})
	assert.ErrorIs(t, arb.ChooseAB(ctx, "A"), session.ErrWrongKind)
	assert.ErrorIs(t, arb.ChoosePlayer(ctx, "z"), domain.ErrInvalidInput)
}

func TestArbiter_AtMostOneActive(t *testing.T) {
	ctx := context.Background()
	_, _, arb, _ := setup()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			arb.Offer(domain.Interrupt{Kind: domain.InterruptChallenge})
		}()
	}
	wg.Wait()

	st := arb.Status()
	require.NotNil(t, st.Active)
	assert.Equal(t, 19, st.Queued)

	for i := 0; i < 20; i++ {
		require.NoError(t, arb.Cancel(ctx))
	}
	assert.Equal(t, session.PhaseIdle, arb.Status().Phase)
}

func TestArbiter_BusyWhileGenerating(t *testing.T) {
	ctrl, merge, arb, _ := setup()

	require.NoError(t, ctrl.Handle(envelope(t, session.EventGenerating, map[string]bool{"isGenerating": true})))
	assert.Equal(t, session.PhaseBusy, arb.Status().Phase)
	assert.True(t, merge.Snapshot().IsGenerating)

	require.NoError(t, ctrl.Handle(envelope(t, session.EventSimpleAB, map[string]string{"labelA": "x", "labelB": "y"})))
	assert.Equal(t, session.PhasePending, arb.Status().Phase)
}

func TestMerge_PartialUpdates(t *testing.T) {
	ctrl, merge, _, _ := setup()

	require.NoError(t, ctrl.Handle(envelope(t, session.EventSessionUpdate, map[string]any{
		"capacity":      42.5,
		"emotion":       "excited",
		"sensation":     "tingly",
		"flowVariables": map[string]any{"round": 1, "mode": "slow"},
	})))
	require.NoError(t, ctrl.Handle(envelope(t, session.EventSessionUpdate, map[string]any{"sensation": 7})))
	require.NoError(t, ctrl.Handle(envelope(t, session.EventFlowStatus, map[string]any{
		"active":    true,
		"variables": map[string]any{"round": 2},
	})))

	snap := merge.Snapshot()
	assert.Equal(t, 42.5, snap.Capacity)
	assert.Equal(t, domain.EmotionExcited, snap.Emotion)
	require.NotNil(t, snap.Sensation.Level)
	assert.Equal(t, 7.0, *snap.Sensation.Level)
	assert.True(t, snap.FlowActive)
	assert.Equal(t, float64(2), snap.FlowVariables["round"])
	assert.Equal(t, "slow", snap.FlowVariables["mode"])
}

func TestMerge_NegativePushedCapacityClamped(t *testing.T) {
	ctrl, merge, _, _ := setup()

	require.NoError(t, ctrl.Handle(envelope(t, session.EventSessionUpdate, map[string]any{"capacity": 30})))
	require.NoError(t, ctrl.Handle(envelope(t, session.EventSessionUpdate, map[string]any{"capacity": -40})))
	assert.Zero(t, merge.Snapshot().Capacity)
}

func TestMerge_SubscribeUntilCancelled(t *testing.T) {
	_, merge, _, _ := setup()
	snaps, cancel := merge.Subscribe()

	capacity := 5.0
	merge.Apply(session.Patch{Capacity: &capacity})
	snap := <-snaps
	assert.Equal(t, 5.0, snap.Capacity)

	cancel()
	_, open := <-snaps
	assert.False(t, open)
	cancel()

	merge.Apply(session.Patch{Capacity: &capacity})
}

func TestMerge_LocalEditsForwarded(t *testing.T) {
	ctx := context.Background()
	_, merge, _, rec := setup()

	require.ErrorIs(t, merge.SetCapacity(ctx, -1), domain.ErrInvalidInput)
	require.ErrorIs(t, merge.SetEmotion(ctx, "grumpy"), domain.ErrInvalidInput)

	require.NoError(t, merge.SetCapacity(ctx, 80))
	assert.Equal(t, 80.0, merge.Snapshot().Capacity)
	typ, data := rec.last(t)
	assert.Equal(t, session.EventSessionEdit, typ)
	assert.Equal(t, "capacity", data["field"])
	assert.Equal(t, 80.0, data["value"])

	require.NoError(t, merge.SetSensation(ctx, domain.SensationLabel("warm")))
	_, data = rec.last(t)
	assert.Equal(t, "warm", data["value"])

	rec.err = errors.New("offline")
	require.Error(t, merge.SetEmotion(ctx, domain.EmotionCalm))
	assert.Equal(t, domain.EmotionCalm, merge.Snapshot().Emotion, "local edit applies even when forwarding fails")
}

func TestController_RunCommandsAndEvents(t *testing.T) {
	ctrl, merge, arb, _ := setup()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan domain.Envelope)
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx, events) }()

	events <- envelope(t, session.EventSessionUpdate, map[string]any{"capacity": 10})
	events <- envelope(t, session.EventChallenge, map[string]any{"id": "c1"})
	events <- domain.Envelope{Type: "mystery"}

	require.Eventually(t, func() bool { return arb.State() == session.StateChallengePending }, time.Second, time.Millisecond)

	ctrl.Commands() <- session.Command{Kind: session.CommandNewSession}
	require.Eventually(t, func() bool {
		return arb.State() == session.StateIdle && merge.Snapshot().Capacity == 0
	}, time.Second, time.Millisecond)

	close(events)
	require.NoError(t, <-done)
}

func TestController_InterruptCleared(t *testing.T) {
	ctrl, _, arb, _ := setup()
	require.NoError(t, ctrl.Handle(envelope(t, session.EventPlayerChoice, choice)))
	require.NoError(t, ctrl.Handle(envelope(t, session.EventChallenge, map[string]any{})))

	require.NoError(t, ctrl.Handle(domain.Envelope{Type: session.EventInterruptCleared}))
	st := arb.Status()
	assert.Equal(t, session.PhaseIdle, st.Phase)
	assert.Zero(t, st.Queued)

	assert.Error(t, ctrl.Handle(envelope(t, session.EventPlayerChoice, map[string]any{"id": "x"})))
}
