package playout

import (
	"context"
	"sort"
	"sync"
	"time"
)

// TimelineRepository is the durable store of timeline entries. Implementations
// must be safe for concurrent use; the TimelineStore serializes
// read-modify-write sequences on top of it.
type TimelineRepository interface {
	// Insert stores e and returns its newly assigned id. e.ID is ignored.
	Insert(ctx context.Context, e Entry) (EntryID, error)

	// Update overwrites every field of the entry with id e.ID.
	// The ok return is false if the entry does not exist.
	Update(ctx context.Context, e Entry) (ok bool, err error)

	// Delete removes the entry; ok is false if it did not exist.
	Delete(ctx context.Context, id EntryID) (ok bool, err error)

	// Get returns the entry with the given id.
	Get(ctx context.Context, id EntryID) (e Entry, ok bool, err error)

	// QueryOverlap returns entries intersecting [start, end], boundaries included.
	QueryOverlap(ctx context.Context, start, end time.Time) ([]Entry, error)

	// QueryFuture returns entries with Start > now ordered by Start ascending.
	QueryFuture(ctx context.Context, now time.Time) ([]Entry, error)

	// QueryEnded returns entries with End < before.
	QueryEnded(ctx context.Context, before time.Time) ([]Entry, error)

	// List returns every entry ordered by Start ascending.
	List(ctx context.Context) ([]Entry, error)
}

// InMemoryRepository is a concurrency-safe in-memory TimelineRepository.
// It backs tests and runs without a database file.
type InMemoryRepository struct {
	mu      sync.RWMutex
	nextID  EntryID
	entries map[EntryID]Entry
}

// NewInMemoryRepository constructs an empty repository. Ids start at 1.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{entries: make(map[EntryID]Entry)}
}

// Insert implements TimelineRepository.Insert.
func (r *InMemoryRepository) Insert(_ context.Context, e Entry) (EntryID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	e.ID = r.nextID
	r.entries[e.ID] = e
	return e.ID, nil
}

// Update implements TimelineRepository.Update.
func (r *InMemoryRepository) Update(_ context.Context, e Entry) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[e.ID]; !ok {
		return false, nil
	}
	r.entries[e.ID] = e
	return true, nil
}

// Delete implements TimelineRepository.Delete.
func (r *InMemoryRepository) Delete(_ context.Context, id EntryID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; !ok {
		return false, nil
	}
	delete(r.entries, id)
	return true, nil
}

// Get implements TimelineRepository.Get.
func (r *InMemoryRepository) Get(_ context.Context, id EntryID) (Entry, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	return e, ok, nil
}

// QueryOverlap implements TimelineRepository.QueryOverlap.
func (r *InMemoryRepository) QueryOverlap(_ context.Context, start, end time.Time) ([]Entry, error) {
	return r.filterLocked(func(e Entry) bool { return e.Overlaps(start, end) }), nil
}

// QueryFuture implements TimelineRepository.QueryFuture.
func (r *InMemoryRepository) QueryFuture(_ context.Context, now time.Time) ([]Entry, error) {
	return r.filterLocked(func(e Entry) bool { return e.Start.After(now) }), nil
}

// QueryEnded implements TimelineRepository.QueryEnded.
func (r *InMemoryRepository) QueryEnded(_ context.Context, before time.Time) ([]Entry, error) {
	return r.filterLocked(func(e Entry) bool { return e.End.Before(before) }), nil
}

// List implements TimelineRepository.List.
func (r *InMemoryRepository) List(_ context.Context) ([]Entry, error) {
	return r.filterLocked(func(Entry) bool { return true }), nil
}

// filterLocked returns a start-ordered copy of the entries matching keep.
func (r *InMemoryRepository) filterLocked(keep func(Entry) bool) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out
}

// sortEntries orders by start, then id, so equal starts are deterministic.
func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Start.Equal(entries[j].Start) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].Start.Before(entries[j].Start)
	})
}
