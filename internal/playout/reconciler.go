package playout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"playout/internal/platform/logger"
	"playout/internal/platform/metrics"
)

// Schedule is the timeline view the reconciler consumes.
type Schedule interface {
	ListFuture(ctx context.Context, now time.Time) ([]Entry, error)
	Current(ctx context.Context, now time.Time) (Entry, bool, error)
}

// PathResolver maps an asset to its media file.
type PathResolver interface {
	Path(key AssetKey) string
}

// AfterFunc schedules f to run once after d and returns a func that
// cancels it. time.AfterFunc is the default.
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

func timeAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// ReconcilerOptions configures a Reconciler. Zero values pick defaults.
type ReconcilerOptions struct {
	Clock          Clock
	AfterFunc      AfterFunc
	HandoffTimeout time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// trigger is one armed slot. gen changes every time the slot is re-armed;
// a callback whose trigger is no longer at its slot is stale.
type trigger struct {
	entry     Entry
	path      string
	gen       uint64
	stop      func() bool
	fired     bool
	cancelled bool
}

func (t *trigger) firesAt() time.Time { return t.entry.Start }

// Reconciler turns the future timeline into one armed timer per entry and
// performs the output hand-off when a timer fires. Reconcile and every
// hand-off are serialized by mu.
type Reconciler struct {
	mu       sync.Mutex
	schedule Schedule
	paths    PathResolver
	output   *OutputSwitch
	clock    Clock
	after    AfterFunc
	timeout  time.Duration
	log      *slog.Logger
	metrics  *metrics.Metrics

	armed   []*trigger
	nextGen uint64
	closed  bool

	// onAir is the entry of the last hand-off; lastStart its start time.
	onAir     *Entry
	lastStart time.Time
}

// NewReconciler returns a Reconciler with nothing armed.
func NewReconciler(schedule Schedule, paths PathResolver, output *OutputSwitch, opts ReconcilerOptions) *Reconciler {
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = timeAfterFunc
	}
	if opts.HandoffTimeout <= 0 {
		opts.HandoffTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	return &Reconciler{
		schedule: schedule,
		paths:    paths,
		output:   output,
		clock:    opts.Clock,
		after:    opts.AfterFunc,
		timeout:  opts.HandoffTimeout,
		log:      opts.Logger,
		metrics:  opts.Metrics,
	}
}

// Reconcile re-derives the future schedule and updates the armed triggers
// positionally: extra trailing triggers are cancelled, triggers whose
// (asset, start) changed are re-armed and new tail entries are armed.
// Unchanged slots keep their timers, so two passes over an unchanged
// timeline arm the same set.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	now := r.clock.Now()
	desired, err := r.schedule.ListFuture(ctx, now)
	if err != nil {
		r.metrics.IncReconcile("error")
		return err
	}
	if err := checkSchedule(desired); err != nil {
		r.metrics.IncReconcile("abandoned")
		r.log.Error("reconciliation abandoned", slog.String("error", err.Error()), slog.Int("entries", len(desired)))
		return err
	}

	for len(r.armed) > len(desired) {
		last := r.armed[len(r.armed)-1]
		r.cancel(last)
		r.armed = r.armed[:len(r.armed)-1]
	}

	for i, old := range r.armed {
		next := desired[i]
		if old.entry.Asset() == next.Asset() && old.firesAt().Equal(next.Start) {
			old.entry = next
			continue
		}
		r.cancel(old)
		r.armed[i] = r.arm(next, now)
	}

	for i := len(r.armed); i < len(desired); i++ {
		r.armed = append(r.armed, r.arm(desired[i], now))
	}

	r.catchUpLocked(ctx, now)

	r.metrics.IncReconcile("ok")
	r.metrics.SetArmedTriggers(r.countArmedLocked())
	r.log.Debug("reconciled", slog.Int("desired", len(desired)), slog.Int("armed", r.countArmedLocked()))
	return nil
}

// CancelAll disarms every trigger.
func (r *Reconciler) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cancelAllLocked()
}

// Close disarms every trigger and makes later Reconcile calls no-ops.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	r.cancelAllLocked()
}

// Armed returns a snapshot of the armed slots in schedule order.
func (r *Reconciler) Armed() []ArmedTrigger {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ArmedTrigger, 0, len(r.armed))
	for _, t := range r.armed {
		out = append(out, ArmedTrigger{
			EntryID:    t.entry.ID,
			Asset:      t.entry.Asset(),
			FiresAt:    t.firesAt(),
			Generation: t.gen,
			Armed:      t.stop != nil && !t.fired,
			Fired:      t.fired,
		})
	}
	return out
}

func (r *Reconciler) cancelAllLocked() {
	for _, t := range r.armed {
		r.cancel(t)
	}
	r.armed = nil
	r.metrics.SetArmedTriggers(0)
}

// arm schedules a trigger for e. A slot that cannot be armed is kept
// disarmed so later positions still line up with the schedule.
func (r *Reconciler) arm(e Entry, now time.Time) *trigger {
	r.nextGen++
	t := &trigger{entry: e, gen: r.nextGen}

	if e.Start.IsZero() || e.AssetName == "" || e.AssetFormat == "" {
		r.log.Warn("slot not armed: malformed entry", slog.Int64("entry_id", int64(e.ID)))
		return t
	}
	t.path = r.paths.Path(e.Asset())
	if t.path == "" {
		r.log.Warn("slot not armed: no media path", slog.Int64("entry_id", int64(e.ID)), slog.String("asset", e.Asset().String()))
		return t
	}

	delay := e.Start.Sub(now)
	if delay < 0 {
		delay = 0
	}
	t.stop = r.after(delay, func() { r.fire(t) })

	r.log.Debug("slot armed",
		slog.Int64("entry_id", int64(e.ID)),
		slog.String("asset", e.Asset().String()),
		slog.Time("fires_at", e.Start),
		slog.Uint64("generation", t.gen))
	return t
}

func (r *Reconciler) cancel(t *trigger) {
	t.cancelled = true
	if t.stop != nil {
		t.stop()
	}
}

// fire runs when a trigger's timer expires.
func (r *Reconciler) fire(t *trigger) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || t.cancelled || t.fired || !r.isCurrentLocked(t) {
		r.metrics.IncTriggerFire("stale")
		r.log.Debug("stale trigger ignored", slog.Int64("entry_id", int64(t.entry.ID)), slog.Uint64("generation", t.gen))
		return
	}
	t.fired = true
	r.metrics.SetArmedTriggers(r.countArmedLocked())

	if t.firesAt().Before(r.lastStart) {
		r.metrics.IncTriggerFire("superseded")
		r.log.Info("trigger superseded by a later slot", slog.Int64("entry_id", int64(t.entry.ID)))
		return
	}
	if by, ok := r.shadowedLocked(t); ok {
		r.metrics.IncTriggerFire("shadowed")
		r.log.Info("trigger shadowed by higher priority slot",
			slog.Int64("entry_id", int64(t.entry.ID)),
			slog.Int64("by_entry_id", int64(by.ID)))
		return
	}

	r.metrics.IncTriggerFire("handoff")
	r.handoffLocked(t.entry, t.path)
}

func (r *Reconciler) isCurrentLocked(t *trigger) bool {
	for _, a := range r.armed {
		if a == t {
			return a.gen == t.gen
		}
	}
	return false
}

// shadowedLocked finds a strictly higher priority slot whose interval
// contains the trigger's start.
func (r *Reconciler) shadowedLocked(t *trigger) (Entry, bool) {
	at := t.firesAt()
	if r.onAir != nil && r.onAir.ID != t.entry.ID && r.onAir.Priority > t.entry.Priority && r.onAir.Contains(at) {
		return *r.onAir, true
	}
	for _, o := range r.armed {
		if o == t || o.cancelled {
			continue
		}
		if o.entry.Priority > t.entry.Priority && o.entry.Contains(at) {
			return o.entry, true
		}
	}
	return Entry{}, false
}

// catchUpLocked puts the entry on air at now onto the output when it was
// never handed off, e.g. after a restart or a failed hand-off.
func (r *Reconciler) catchUpLocked(ctx context.Context, now time.Time) {
	cur, ok, err := r.schedule.Current(ctx, now)
	if err != nil {
		r.log.Warn("current entry lookup failed", slog.String("error", err.Error()))
		return
	}
	if !ok {
		return
	}
	// Already handed off once; a process that exited on its own is not replayed.
	if r.onAir != nil && r.onAir.ID == cur.ID && r.onAir.Start.Equal(cur.Start) {
		return
	}
	path := r.paths.Path(cur.Asset())
	if path == "" {
		return
	}
	state := r.output.State()
	if state.Status == OutputPublishing && state.Path == path {
		return
	}
	if cur.Start.Before(r.lastStart) {
		return
	}
	r.log.Info("catching up with on-air entry", slog.Int64("entry_id", int64(cur.ID)), slog.String("asset", cur.Asset().String()))
	r.handoffLocked(cur, path)
}

func (r *Reconciler) handoffLocked(e Entry, path string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	r.lastStart = e.Start
	if err := r.output.Start(ctx, path); err != nil {
		r.metrics.IncHandoffFailure()
		r.log.Error("hand-off failed",
			slog.Int64("entry_id", int64(e.ID)),
			slog.String("path", path),
			slog.String("error", err.Error()))
		return
	}
	entry := e
	r.onAir = &entry
	r.metrics.IncHandoff()
	r.log.Info("hand-off complete", slog.Int64("entry_id", int64(e.ID)), slog.String("path", path))
}

func (r *Reconciler) countArmedLocked() int {
	n := 0
	for _, t := range r.armed {
		if t.stop != nil && !t.fired {
			n++
		}
	}
	return n
}

// checkSchedule rejects a schedule in which two entries of equal priority
// overlap; admission never produces one.
func checkSchedule(entries []Entry) error {
	for i := range entries {
		for j := i + 1; j < len(entries) && entries[j].Start.Before(entries[i].End); j++ {
			if entries[i].Priority == entries[j].Priority {
				return fmt.Errorf("%w: entries %d and %d overlap at priority %d",
					ErrFatal, entries[i].ID, entries[j].ID, entries[i].Priority)
			}
		}
	}
	return nil
}
