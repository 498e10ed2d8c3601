package playout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"playout/internal/platform/logger"
)

// TimelineStore owns admission control over the timeline. Every mutating
// operation holds mu across its overlap check and write, so two admissions
// can never both observe "no conflict" and insert overlapping slots.
type TimelineStore struct {
	mu       sync.Mutex
	repo     TimelineRepository
	registry *Registry
	norm     *Normalizer
	clock    Clock
	log      *slog.Logger
}

// NewTimelineStore wires a store over repo. clock and log may be nil.
func NewTimelineStore(repo TimelineRepository, registry *Registry, norm *Normalizer, clock Clock, log *slog.Logger) *TimelineStore {
	if clock == nil {
		clock = SystemClock
	}
	if log == nil {
		log = logger.Discard()
	}
	if norm == nil {
		norm = NewNormalizer(nil)
	}
	return &TimelineStore{repo: repo, registry: registry, norm: norm, clock: clock, log: log}
}

// FindOverlaps returns every entry intersecting [start, end]. An entry that
// ends exactly at start, or begins exactly at end, is included.
func (s *TimelineStore) FindOverlaps(ctx context.Context, start, end time.Time) ([]Entry, error) {
	entries, err := s.repo.QueryOverlap(ctx, start, end)
	if err != nil {
		return nil, dependencyError("query overlap", err)
	}
	return entries, nil
}

// CheckAdmission reports ErrConflict when an entry of equal or higher
// priority overlaps [start, end]. It does not reserve anything.
func (s *TimelineStore) CheckAdmission(ctx context.Context, start, end time.Time, priority int) error {
	overlaps, err := s.FindOverlaps(ctx, start, end)
	if err != nil {
		return err
	}
	return blockingOverlap(overlaps, priority)
}

// Admit inserts the candidate unless it overlaps an entry with equal or
// higher priority, and records the new entry as a reference of its asset.
func (s *TimelineStore) Admit(ctx context.Context, c Candidate) (EntryID, error) {
	if err := c.Asset.Validate(); err != nil {
		return 0, err
	}
	if c.Duration <= 0 {
		return 0, fmt.Errorf("%w: duration must be positive", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.norm.Canonical(c.Start)
	end := s.norm.EndOf(start, c.Duration)
	if !end.After(start) {
		return 0, fmt.Errorf("%w: slot shorter than one second", ErrValidation)
	}
	if start.Before(s.norm.Canonical(s.clock.Now())) {
		return 0, fmt.Errorf("%w: start %s already elapsed", ErrInvalidTime, s.norm.Format(start))
	}
	if _, err := s.registry.Get(c.Asset); err != nil {
		return 0, err
	}

	overlaps, err := s.FindOverlaps(ctx, start, end)
	if err != nil {
		return 0, err
	}
	if err := blockingOverlap(overlaps, c.Priority); err != nil {
		return 0, err
	}

	id, err := s.repo.Insert(ctx, Entry{
		AssetName:   c.Asset.Name,
		AssetFormat: c.Asset.Format,
		Start:       start,
		End:         end,
		Priority:    c.Priority,
	})
	if err != nil {
		return 0, dependencyError("insert entry", err)
	}

	if err := s.registry.AddReference(ctx, c.Asset, id); err != nil {
		if _, delErr := s.repo.Delete(ctx, id); delErr != nil {
			s.log.Error("admission rollback failed",
				slog.Int64("entry_id", int64(id)),
				slog.String("error", delErr.Error()))
		}
		return 0, err
	}

	s.log.Info("entry admitted",
		slog.Int64("entry_id", int64(id)),
		slog.String("asset", c.Asset.String()),
		slog.String("start", s.norm.Format(start)),
		slog.String("end", s.norm.Format(end)),
		slog.Int("priority", c.Priority))
	return id, nil
}

// Move reschedules an entry to newStart, keeping its duration. Any overlap
// with another entry blocks the move regardless of priority.
func (s *TimelineStore) Move(ctx context.Context, id EntryID, newStart time.Time) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.getLocked(ctx, id)
	if err != nil {
		return Entry{}, err
	}

	duration := e.End.Sub(e.Start)
	if a, err := s.registry.Get(e.Asset()); err == nil && a.DurationSeconds > 0 {
		duration = a.Duration()
	}

	start := s.norm.Canonical(newStart)
	end := s.norm.EndOf(start, duration)
	if start.Before(s.norm.Canonical(s.clock.Now())) {
		return Entry{}, fmt.Errorf("%w: start %s already elapsed", ErrInvalidTime, s.norm.Format(start))
	}

	overlaps, err := s.FindOverlaps(ctx, start, end)
	if err != nil {
		return Entry{}, err
	}
	for _, o := range overlaps {
		if o.ID != id {
			return Entry{}, fmt.Errorf("%w: overlaps entry %d", ErrConflict, o.ID)
		}
	}

	moved := e
	moved.Start = start
	moved.End = end
	ok, err := s.repo.Update(ctx, moved)
	if err != nil {
		return Entry{}, dependencyError("update entry", err)
	}
	if !ok {
		return Entry{}, fmt.Errorf("%w: entry %d", ErrNotFound, id)
	}

	if err := s.registry.AddReference(ctx, moved.Asset(), id); err != nil {
		s.log.Warn("reference not recorded after move",
			slog.Int64("entry_id", int64(id)),
			slog.String("error", err.Error()))
	}

	s.log.Info("entry moved",
		slog.Int64("entry_id", int64(id)),
		slog.String("from", s.norm.Format(e.Start)),
		slog.String("to", s.norm.Format(start)))
	return moved, nil
}

// Remove deletes an entry unless it is on air, and drops its reference.
func (s *TimelineStore) Remove(ctx context.Context, id EntryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.getLocked(ctx, id)
	if err != nil {
		return err
	}
	if e.Contains(s.clock.Now()) {
		return fmt.Errorf("%w: entry %d is on air", ErrInUse, id)
	}

	ok, err := s.repo.Delete(ctx, id)
	if err != nil {
		return dependencyError("delete entry", err)
	}
	if !ok {
		return fmt.Errorf("%w: entry %d", ErrNotFound, id)
	}

	// The entry is gone either way; a stale reference is repaired by the
	// next ReleaseElapsed.
	if err := s.registry.RemoveReference(ctx, e.Asset(), id); err != nil {
		s.log.Warn("reference not dropped after removal",
			slog.Int64("entry_id", int64(id)),
			slog.String("asset", e.Asset().String()),
			slog.String("error", err.Error()))
	}

	s.log.Info("entry removed", slog.Int64("entry_id", int64(id)), slog.String("asset", e.Asset().String()))
	return nil
}

// ListFuture returns the entries that start after now, earliest first.
func (s *TimelineStore) ListFuture(ctx context.Context, now time.Time) ([]Entry, error) {
	entries, err := s.repo.QueryFuture(ctx, now)
	if err != nil {
		return nil, dependencyError("query future", err)
	}
	return entries, nil
}

// Current returns the entry on air at now. When entries of different
// priority both contain now, the higher priority wins.
func (s *TimelineStore) Current(ctx context.Context, now time.Time) (Entry, bool, error) {
	overlaps, err := s.FindOverlaps(ctx, now, now)
	if err != nil {
		return Entry{}, false, err
	}
	var (
		best  Entry
		found bool
	)
	for _, e := range overlaps {
		if !e.Contains(now) {
			continue
		}
		if !found || e.Priority > best.Priority {
			best, found = e, true
		}
	}
	return best, found, nil
}

// List returns the whole timeline, earliest first.
func (s *TimelineStore) List(ctx context.Context) ([]Entry, error) {
	entries, err := s.repo.List(ctx)
	if err != nil {
		return nil, dependencyError("list entries", err)
	}
	return entries, nil
}

// Get returns one entry.
func (s *TimelineStore) Get(ctx context.Context, id EntryID) (Entry, error) {
	return s.getLocked(ctx, id)
}

// ReleaseElapsed aligns asset references with the timeline: entries that
// ended before now, or no longer exist, stop referencing their asset.
func (s *TimelineStore) ReleaseElapsed(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ended, err := s.repo.QueryEnded(ctx, s.clock.Now())
	if err != nil {
		return 0, dependencyError("query ended", err)
	}
	entries, err := s.repo.List(ctx)
	if err != nil {
		return 0, dependencyError("list entries", err)
	}

	finished := make(map[EntryID]bool, len(ended))
	for _, e := range ended {
		finished[e.ID] = true
	}
	live := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !finished[e.ID] {
			live = append(live, e)
		}
	}
	return s.registry.SyncReferences(ctx, live)
}

func (s *TimelineStore) getLocked(ctx context.Context, id EntryID) (Entry, error) {
	e, ok, err := s.repo.Get(ctx, id)
	if err != nil {
		return Entry{}, dependencyError("get entry", err)
	}
	if !ok {
		return Entry{}, fmt.Errorf("%w: entry %d", ErrNotFound, id)
	}
	return e, nil
}

func blockingOverlap(overlaps []Entry, priority int) error {
	for _, o := range overlaps {
		if o.Priority >= priority {
			return fmt.Errorf("%w: overlaps entry %d with priority %d", ErrConflict, o.ID, o.Priority)
		}
	}
	return nil
}
