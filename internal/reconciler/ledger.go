package reconciler

import (
	"sync"
	"time"
)

// DefaultCooldown is how long an optimistic write is trusted over polls.
const DefaultCooldown = 10 * time.Second

type mark struct {
	at     time.Time
	window time.Duration
}

// Ledger records the last user-issued command per device key. It is the
// only thing consulted when deciding whether a poll may overwrite state.
type Ledger struct {
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex
	marks map[string]mark
}

func NewLedger(window time.Duration, now func() time.Time) *Ledger {
	if window <= 0 {
		window = DefaultCooldown
	}
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		window: window,
		now:    now,
		marks:  make(map[string]mark),
	}
}

// Mark records an action on key now, using the default window.
func (l *Ledger) Mark(key string) time.Time {
	return l.MarkFor(key, l.window)
}

// MarkFor records an action on key with an explicit cooldown window and
// returns the mark time, which ClearIf needs to undo it.
func (l *Ledger) MarkFor(key string, window time.Duration) time.Time {
	if window <= 0 {
		window = l.window
	}
	at := l.now()

	l.mu.Lock()
	l.marks[key] = mark{at: at, window: window}
	l.mu.Unlock()

	return at
}

func (l *Ledger) IsRecent(key string) bool {
	return l.IsRecentAt(key, l.now())
}

func (l *Ledger) IsRecentAt(key string, at time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.marks[key]
	return ok && at.Sub(m.at) < m.window
}

// MarkedAfter reports whether an action on key was recorded after t.
func (l *Ledger) MarkedAfter(key string, t time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.marks[key]
	return ok && m.at.After(t)
}

func (l *Ledger) Clear(key string) {
	l.mu.Lock()
	delete(l.marks, key)
	l.mu.Unlock()
}

// ClearIf removes the mark for key only if it is still the one recorded at
// at. A newer command's mark is left in place.
func (l *Ledger) ClearIf(key string, at time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.marks[key]
	if !ok || !m.at.Equal(at) {
		return false
	}
	delete(l.marks, key)
	return true
}

// Prune drops marks that expired more than retain ago. retain must cover the
// longest poll still in flight, otherwise MarkedAfter loses its answer.
func (l *Ledger) Prune(retain time.Duration) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, m := range l.marks {
		if now.Sub(m.at) >= m.window+retain {
			delete(l.marks, key)
		}
	}
}
