package reconciler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"plughub/internal/application"
	"plughub/internal/domain"
)

const (
	DefaultInterval    = 3 * time.Second
	DefaultPollTimeout = 8 * time.Second
)

// DeviceSource is the part of the registry the reconciler reads.
type DeviceSource interface {
	List() []domain.Device
	HasKey(key string) bool
}

type Options struct {
	Interval    time.Duration
	PollTimeout time.Duration
	// MaxConcurrent bounds in-flight polls per tick; zero means unbounded.
	MaxConcurrent int
	Now           func() time.Time
}

func (o *Options) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = DefaultPollTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type entry struct {
	state    domain.PolledState
	issuedAt time.Time
}

type pollResult struct {
	entry
	err error
}

// Reconciler polls every configured device on a fixed period and publishes
// a key -> state map, never letting a stale poll overwrite a newer command.
type Reconciler struct {
	devices DeviceSource
	reader  application.StateReader
	ledger  *Ledger
	logger  *slog.Logger
	opts    Options

	mu        sync.Mutex
	published map[string]entry
	epoch     uint64
	cancel    context.CancelFunc
	subs      map[int]chan domain.PolledState
	nextSub   int

	wg sync.WaitGroup
}

func New(devices DeviceSource, reader application.StateReader, ledger *Ledger, logger *slog.Logger, opts Options) *Reconciler {
	opts.setDefaults()
	return &Reconciler{
		devices:   devices,
		reader:    reader,
		ledger:    ledger,
		logger:    logger,
		opts:      opts,
		published: make(map[string]entry),
		subs:      make(map[int]chan domain.PolledState),
	}
}

// Start begins periodic polling. Ticks are issued on schedule even when the
// previous tick has not finished.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	epoch := r.epoch
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.opts.Interval)
		defer ticker.Stop()

		r.spawnTick(ctx, epoch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.spawnTick(ctx, epoch)
			}
		}
	}()

	r.logger.Info("state polling started", "interval", r.opts.Interval)
}

// Stop cancels the timer and in-flight polls. Results that still arrive are dropped.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.epoch++
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()
	r.logger.Info("state polling stopped")
}

func (r *Reconciler) spawnTick(ctx context.Context, epoch uint64) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.tick(ctx, epoch)
	}()
}

// Tick runs one poll pass synchronously.
func (r *Reconciler) Tick(ctx context.Context) {
	r.mu.Lock()
	epoch := r.epoch
	r.mu.Unlock()
	r.tick(ctx, epoch)
}

func (r *Reconciler) tick(ctx context.Context, epoch uint64) {
	devices := r.devices.List()
	r.prune(devices)
	r.ledger.Prune(r.opts.PollTimeout)

	var g errgroup.Group
	if r.opts.MaxConcurrent > 0 {
		g.SetLimit(r.opts.MaxConcurrent)
	}

	for _, d := range devices {
		if r.ledger.IsRecent(d.Key()) {
			continue
		}
		d := d
		g.Go(func() error {
			res := r.poll(ctx, d)
			r.apply(res, epoch)
			return nil
		})
	}

	_ = g.Wait()
}

func (r *Reconciler) poll(ctx context.Context, d domain.Device) pollResult {
	key := d.Key()
	issuedAt := r.opts.Now()

	pctx, cancel := context.WithTimeout(ctx, r.opts.PollTimeout)
	defer cancel()

	id, opts := d.Target()
	reading, err := r.reader.GetDeviceState(pctx, id, opts)
	at := r.opts.Now()

	if err != nil {
		r.logger.Debug("state poll failed", "key", key, "error", err)
		return pollResult{
			entry: entry{
				state:    domain.PolledState{Key: key, State: domain.PowerUnknown, LastUpdate: at},
				issuedAt: issuedAt,
			},
			err: err,
		}
	}

	state := reading.State
	if state != domain.PowerOn && state != domain.PowerOff {
		state = domain.PowerUnknown
	}
	return pollResult{
		entry: entry{
			state:    domain.PolledState{Key: key, State: state, RelayState: reading.RelayState, LastUpdate: at},
			issuedAt: issuedAt,
		},
	}
}

// apply merges one poll result. It is discarded when polling was stopped
// since the poll was issued, when the device is gone, when a command was
// recorded after the poll started or is still cooling down, or when a newer
// poll has already been published for the key.
func (r *Reconciler) apply(res pollResult, epoch uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := res.state.Key
	if epoch != r.epoch {
		return false
	}
	if !r.devices.HasKey(key) {
		return false
	}

	mergeAt := r.opts.Now()
	if r.ledger.IsRecentAt(key, mergeAt) || r.ledger.MarkedAfter(key, res.issuedAt) {
		r.logger.Debug("discarding stale poll result", "key", key, "state", res.state.State)
		return false
	}
	if cur, ok := r.published[key]; ok && res.issuedAt.Before(cur.issuedAt) {
		return false
	}

	r.setLocked(key, res.entry)
	return true
}

// optimisticWrite remembers what a command replaced so it can be undone.
type optimisticWrite struct {
	key     string
	prev    entry
	hadPrev bool
	written entry
}

func (r *Reconciler) setOptimistic(key string, on bool) optimisticWrite {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.opts.Now()
	prev, had := r.published[key]
	written := entry{state: domain.OptimisticState(key, on, now), issuedAt: now}
	r.setLocked(key, written)

	return optimisticWrite{key: key, prev: prev, hadPrev: had, written: written}
}

// rollback restores the state a failed command replaced, unless something
// newer has been published since.
func (r *Reconciler) rollback(w optimisticWrite) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.published[w.key]
	if !ok || cur != w.written {
		return false
	}
	if !w.hadPrev {
		delete(r.published, w.key)
		r.broadcastLocked(domain.PolledState{Key: w.key, State: domain.PowerUnknown, LastUpdate: r.opts.Now()})
		return true
	}
	r.setLocked(w.key, w.prev)
	return true
}

func (r *Reconciler) setLocked(key string, e entry) {
	prev, had := r.published[key]
	r.published[key] = e
	if !had || !sameState(prev.state, e.state) {
		r.broadcastLocked(e.state)
	}
}

func (r *Reconciler) prune(devices []domain.Device) {
	keep := make(map[string]bool, len(devices))
	for _, d := range devices {
		keep[d.Key()] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.published {
		if !keep[key] {
			delete(r.published, key)
		}
	}
}

// Snapshot returns a copy of the published state map.
func (r *Reconciler) Snapshot() map[string]domain.PolledState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]domain.PolledState, len(r.published))
	for k, e := range r.published {
		out[k] = e.state
	}
	return out
}

func (r *Reconciler) State(key string) (domain.PolledState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.published[key]
	return e.state, ok
}

// Subscribe returns a feed of state changes. Slow subscribers miss updates
// rather than block the reconciler.
func (r *Reconciler) Subscribe() (<-chan domain.PolledState, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextSub
	r.nextSub++
	ch := make(chan domain.PolledState, 32)
	r.subs[id] = ch

	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if c, ok := r.subs[id]; ok {
			close(c)
			delete(r.subs, id)
		}
	}
}

func (r *Reconciler) broadcastLocked(s domain.PolledState) {
	for _, ch := range r.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

func sameState(a, b domain.PolledState) bool {
	if a.State != b.State {
		return false
	}
	if a.RelayState == nil || b.RelayState == nil {
		return a.RelayState == nil && b.RelayState == nil
	}
	return *a.RelayState == *b.RelayState
}
