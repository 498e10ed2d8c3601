package playout

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"playout/internal/platform/logger"
	"playout/internal/platform/metrics"
)

// Process is a running publisher.
type Process interface {
	// ID identifies the publishing session in logs.
	ID() string

	// Done is closed once the process has exited.
	Done() <-chan struct{}

	// Terminate asks the process to stop gracefully and waits for it to exit.
	// When ctx expires first the process is killed.
	Terminate(ctx context.Context) error
}

// Publisher starts a process that publishes a media file to the live output.
type Publisher interface {
	Publish(ctx context.Context, path string) (Process, error)
}

// OutputSwitch owns the single publishing process. At most one process is
// active: Start always stops the current one before launching the next.
type OutputSwitch struct {
	mu        sync.Mutex
	publisher Publisher
	clock     Clock
	log       *slog.Logger
	metrics   *metrics.Metrics

	proc  Process
	path  string
	since time.Time
}

// NewOutputSwitch returns an idle switch. clock, log and m may be nil.
func NewOutputSwitch(publisher Publisher, clock Clock, log *slog.Logger, m *metrics.Metrics) *OutputSwitch {
	if clock == nil {
		clock = SystemClock
	}
	if log == nil {
		log = logger.Discard()
	}
	return &OutputSwitch{publisher: publisher, clock: clock, log: log, metrics: m}
}

// Start stops the current process, if any, and publishes path. It restarts
// even when path is already on air.
func (o *OutputSwitch) Start(ctx context.Context, path string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.stopLocked(ctx); err != nil {
		return err
	}

	proc, err := o.publisher.Publish(ctx, path)
	if err != nil {
		return dependencyError("publish", err)
	}

	o.proc = proc
	o.path = path
	o.since = o.clock.Now()
	o.metrics.SetPublishing(true)
	o.log.Info("publishing started", slog.String("path", path), slog.String("session_id", proc.ID()))

	go o.watch(proc)
	return nil
}

// Stop terminates the current process. It is a no-op when idle.
func (o *OutputSwitch) Stop(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.stopLocked(ctx)
}

// State returns a snapshot of the switch.
func (o *OutputSwitch) State() OutputState {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.proc == nil {
		return OutputState{Status: OutputIdle}
	}
	return OutputState{
		Status:    OutputPublishing,
		Path:      o.path,
		SessionID: o.proc.ID(),
		Since:     o.since,
	}
}

func (o *OutputSwitch) stopLocked(ctx context.Context) error {
	if o.proc == nil {
		return nil
	}
	proc := o.proc
	if err := proc.Terminate(ctx); err != nil {
		return dependencyError("terminate publisher", err)
	}
	o.log.Info("publishing stopped", slog.String("path", o.path), slog.String("session_id", proc.ID()))
	o.setIdleLocked()
	return nil
}

func (o *OutputSwitch) setIdleLocked() {
	o.proc = nil
	o.path = ""
	o.since = time.Time{}
	o.metrics.SetPublishing(false)
}

// watch returns the switch to idle when proc exits on its own.
func (o *OutputSwitch) watch(proc Process) {
	<-proc.Done()

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.proc != proc {
		return
	}
	o.log.Info("publisher exited", slog.String("path", o.path), slog.String("session_id", proc.ID()))
	o.setIdleLocked()
}
