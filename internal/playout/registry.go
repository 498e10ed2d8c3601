package playout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"playout/internal/platform/logger"
	"playout/internal/platform/metrics"
)

// AssetStorage maps asset keys to media files.
type AssetStorage interface {
	// Path returns the canonical path of the media file for key.
	Path(key AssetKey) string

	// Exists reports whether the media file for key is present.
	Exists(key AssetKey) (bool, error)

	// Stage writes r to a temporary file next to the media files and
	// returns its path. Staged files are invisible to List.
	Stage(r io.Reader) (string, error)

	// Import moves a staged (or otherwise local) file into place for key.
	Import(stagedPath string, key AssetKey) error

	// Remove deletes the media file for key. A missing file is not an error.
	Remove(key AssetKey) error

	// List returns the keys of every media file present.
	List() ([]AssetKey, error)
}

// Registry tracks every known asset and enforces the deletion rules:
// an asset is never deleted while referenced, and a derived rendition
// lives only while it is referenced or pinned by an in-flight placement.
type Registry struct {
	mu          sync.Mutex
	assets      map[AssetKey]*Asset
	pins        map[AssetKey]int
	reserved    map[AssetKey]int
	inFlight    map[AssetKey]struct{}
	descriptors DescriptorStore
	storage     AssetStorage
	log         *slog.Logger
	metrics     *metrics.Metrics
}

// NewRegistry loads every descriptor from descriptors and returns a ready
// Registry. log may be nil; m may be nil to disable metrics.
func NewRegistry(ctx context.Context, descriptors DescriptorStore, storage AssetStorage, log *slog.Logger, m *metrics.Metrics) (*Registry, error) {
	if log == nil {
		log = logger.Discard()
	}
	loaded, err := descriptors.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load descriptors: %w", err)
	}

	r := &Registry{
		assets:      make(map[AssetKey]*Asset, len(loaded)),
		pins:        make(map[AssetKey]int),
		reserved:    make(map[AssetKey]int),
		inFlight:    make(map[AssetKey]struct{}),
		descriptors: descriptors,
		storage:     storage,
		log:         log,
		metrics:     m,
	}
	for _, a := range loaded {
		a := a.clone()
		r.assets[a.Key()] = &a
	}
	return r, nil
}

// Get returns a copy of the asset registered under key.
func (r *Registry) Get(key AssetKey) (Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.assets[key]
	if !ok {
		return Asset{}, fmt.Errorf("%w: asset %s", ErrNotFound, key)
	}
	return a.clone(), nil
}

// List returns copies of every asset ordered by name then format.
func (r *Registry) List() []Asset {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Asset, 0, len(r.assets))
	for _, a := range r.assets {
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].Format < out[j].Format
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// RegisterSource registers an uploaded asset. When stagedPath is set the
// file is moved into place first; otherwise the media file must already
// exist in storage.
func (r *Registry) RegisterSource(ctx context.Context, a Asset, stagedPath string) error {
	key := a.Key()
	if err := key.Validate(); err != nil {
		return err
	}
	if err := ValidateFormat(a.MediaType, a.Format); err != nil {
		return err
	}
	if a.MediaType == MediaVideo && a.DurationSeconds <= 0 {
		return fmt.Errorf("%w: video %s has no measured duration", ErrValidation, key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.assets[key]; ok {
		return fmt.Errorf("%w: asset %s", ErrAlreadyExists, key)
	}
	exists, err := r.storage.Exists(key)
	if err != nil {
		return dependencyError("stat media", err)
	}

	if stagedPath != "" {
		if exists {
			return fmt.Errorf("%w: media file %s", ErrAlreadyExists, key)
		}
		if err := r.storage.Import(stagedPath, key); err != nil {
			return dependencyError("import media", err)
		}
	} else if !exists {
		return fmt.Errorf("%w: media file %s", ErrNotFound, key)
	}

	a = a.clone()
	a.Classification = Source
	a.Source = nil
	a.RequestedSeconds = 0
	a.References = []EntryID{}

	if err := r.descriptors.Save(ctx, a); err != nil {
		if stagedPath != "" {
			_ = r.storage.Remove(key)
		}
		return dependencyError("save descriptor", err)
	}
	r.assets[key] = &a

	r.log.Info("source asset registered",
		slog.String("asset", key.String()),
		slog.String("media_type", string(a.MediaType)),
		slog.Float64("duration_seconds", a.DurationSeconds))
	return nil
}

// ReserveRendition allocates the key for the next rendition of source:
// "<name>.<format>.<seq>" in mp4, seq one above every existing or reserved
// rendition of that source. The key stays in flight, and its media file is
// safe from SweepOrphans, until RegisterDerived or ReleaseReservation.
func (r *Registry) ReserveRendition(source AssetKey) AssetKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	prefix := source.String() + "."
	highest := r.reserved[source]
	for key := range r.assets {
		if key.Format != renditionFormat || !strings.HasPrefix(key.Name, prefix) {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(key.Name, prefix)); err == nil && n > highest {
			highest = n
		}
	}
	r.reserved[source] = highest + 1
	key := AssetKey{Name: prefix + strconv.Itoa(highest+1), Format: renditionFormat}
	r.inFlight[key] = struct{}{}
	return key
}

// ReleaseReservation ends the in-flight window of a reserved rendition that
// will not be registered.
func (r *Registry) ReleaseReservation(key AssetKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.inFlight, key)
}

// RegisterDerived records a rendition of source whose media file already
// exists in storage. The rendition starts without references.
func (r *Registry) RegisterDerived(ctx context.Context, source AssetKey, rendition Asset) (Asset, error) {
	key := rendition.Key()
	if err := key.Validate(); err != nil {
		return Asset{}, err
	}
	if rendition.DurationSeconds <= 0 {
		return Asset{}, fmt.Errorf("%w: rendition %s has no duration", ErrValidation, key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	src, ok := r.assets[source]
	if !ok {
		return Asset{}, fmt.Errorf("%w: source asset %s", ErrNotFound, source)
	}
	if src.Classification != Source {
		return Asset{}, fmt.Errorf("%w: %s is not a source asset", ErrValidation, source)
	}
	if _, ok := r.assets[key]; ok {
		return Asset{}, fmt.Errorf("%w: asset %s", ErrAlreadyExists, key)
	}

	a := rendition.clone()
	a.MediaType = MediaVideo
	a.Classification = Derived
	a.Source = &source
	a.References = []EntryID{}

	if err := r.descriptors.Save(ctx, a); err != nil {
		return Asset{}, dependencyError("save descriptor", err)
	}
	r.assets[key] = &a
	delete(r.inFlight, key)

	r.log.Info("derived asset registered",
		slog.String("asset", key.String()),
		slog.String("source", source.String()),
		slog.Float64("requested_seconds", a.RequestedSeconds),
		slog.Float64("duration_seconds", a.DurationSeconds))
	return a.clone(), nil
}

// ResolveDerivedFor finds the rendition of source rendered for exactly
// seconds.
func (r *Registry) ResolveDerivedFor(source AssetKey, seconds float64) (Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a := r.findDerivedLocked(source, seconds); a != nil {
		return a.clone(), nil
	}
	return Asset{}, fmt.Errorf("%w: no %gs rendition of %s", ErrNotFound, seconds, source)
}

// AcquireDerived is ResolveDerivedFor that also pins the rendition so no
// sweep retires it until release is called.
func (r *Registry) AcquireDerived(source AssetKey, seconds float64) (Asset, func(), bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a := r.findDerivedLocked(source, seconds)
	if a == nil {
		return Asset{}, nil, false
	}
	key := a.Key()
	r.pins[key]++

	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.pins[key] <= 1 {
				delete(r.pins, key)
				return
			}
			r.pins[key]--
		})
	}
	return a.clone(), release, true
}

func (r *Registry) findDerivedLocked(source AssetKey, seconds float64) *Asset {
	var found *Asset
	for _, a := range r.assets {
		if a.Classification != Derived || a.Source == nil || *a.Source != source {
			continue
		}
		if a.RequestedSeconds != seconds {
			continue
		}
		if found == nil || a.Name < found.Name {
			found = a
		}
	}
	return found
}

// AddReference records that entry id depends on the asset. It is idempotent.
func (r *Registry) AddReference(ctx context.Context, key AssetKey, id EntryID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.assets[key]
	if !ok {
		return fmt.Errorf("%w: asset %s", ErrNotFound, key)
	}
	next := a.clone()
	if !next.addReference(id) {
		return nil
	}
	return r.commitLocked(ctx, &next)
}

// RemoveReference drops entry id from the asset's references and then
// sweeps unreferenced renditions.
func (r *Registry) RemoveReference(ctx context.Context, key AssetKey, id EntryID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.assets[key]
	if !ok {
		return fmt.Errorf("%w: asset %s", ErrNotFound, key)
	}
	next := a.clone()
	if next.removeReference(id) {
		if err := r.commitLocked(ctx, &next); err != nil {
			return err
		}
	}
	r.sweepDerivedLocked(ctx)
	return nil
}

// SyncReferences makes every asset's references equal to the ids of the
// given live entries, then sweeps unreferenced renditions. It returns how
// many references were dropped.
func (r *Registry) SyncReferences(ctx context.Context, entries []Entry) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	live := make(map[AssetKey]map[EntryID]bool)
	for _, e := range entries {
		ids, ok := live[e.Asset()]
		if !ok {
			ids = make(map[EntryID]bool)
			live[e.Asset()] = ids
		}
		ids[e.ID] = true
	}

	dropped := 0
	var firstErr error
	for key, a := range r.assets {
		next := a.clone()
		changed := false
		for _, id := range a.References {
			if !live[key][id] {
				next.removeReference(id)
				dropped++
				changed = true
			}
		}
		for id := range live[key] {
			if next.addReference(id) {
				changed = true
			}
		}
		if !changed {
			continue
		}
		if err := r.commitLocked(ctx, &next); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	r.sweepDerivedLocked(ctx)
	return dropped, firstErr
}

// Retire deletes the asset's media file and descriptor. It fails with
// ErrInUse while the asset is referenced or pinned, and for a source while
// any of its renditions is. Unreferenced renditions of a retired source
// are retired with it.
func (r *Registry) Retire(ctx context.Context, key AssetKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.assets[key]
	if !ok {
		return fmt.Errorf("%w: asset %s", ErrNotFound, key)
	}
	if r.busyLocked(a) {
		return fmt.Errorf("%w: asset %s is referenced", ErrInUse, key)
	}

	var renditions []*Asset
	if a.Classification == Source {
		for _, d := range r.assets {
			if d.Source == nil || *d.Source != key {
				continue
			}
			if r.busyLocked(d) {
				return fmt.Errorf("%w: rendition %s of %s is referenced", ErrInUse, d.Key(), key)
			}
			renditions = append(renditions, d)
		}
	}

	for _, d := range renditions {
		if err := r.retireLocked(ctx, d); err != nil {
			return err
		}
	}
	return r.retireLocked(ctx, a)
}

// SweepDerived retires every rendition that is neither referenced nor
// pinned and returns their keys.
func (r *Registry) SweepDerived(ctx context.Context) []AssetKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.sweepDerivedLocked(ctx)
}

// SweepOrphans deletes media files that have no descriptor, except
// renditions still being rendered.
func (r *Registry) SweepOrphans(ctx context.Context) ([]AssetKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys, err := r.storage.List()
	if err != nil {
		return nil, dependencyError("list media", err)
	}

	var removed []AssetKey
	for _, key := range keys {
		if _, ok := r.assets[key]; ok {
			continue
		}
		if _, ok := r.inFlight[key]; ok {
			continue
		}
		if err := r.storage.Remove(key); err != nil {
			r.log.Warn("orphan media not removed", slog.String("asset", key.String()), slog.String("error", err.Error()))
			continue
		}
		r.log.Info("orphan media removed", slog.String("asset", key.String()))
		removed = append(removed, key)
	}
	return removed, nil
}

func (r *Registry) sweepDerivedLocked(ctx context.Context) []AssetKey {
	var retired []AssetKey
	for key, a := range r.assets {
		if a.Classification != Derived || r.busyLocked(a) {
			continue
		}
		if err := r.retireLocked(ctx, a); err != nil {
			r.log.Warn("derived asset not retired", slog.String("asset", key.String()), slog.String("error", err.Error()))
			continue
		}
		retired = append(retired, key)
	}
	return retired
}

func (r *Registry) busyLocked(a *Asset) bool {
	return len(a.References) > 0 || r.pins[a.Key()] > 0
}

// retireLocked removes the media file first so a failed delete leaves the
// descriptor, and with it the asset, in place.
func (r *Registry) retireLocked(ctx context.Context, a *Asset) error {
	key := a.Key()
	if err := r.storage.Remove(key); err != nil {
		return dependencyError("remove media", err)
	}
	if err := r.descriptors.Delete(ctx, key); err != nil {
		return dependencyError("delete descriptor", err)
	}
	delete(r.assets, key)
	r.metrics.IncAssetsRetired(string(a.Classification))
	r.log.Info("asset retired",
		slog.String("asset", key.String()),
		slog.String("classification", string(a.Classification)))
	return nil
}

// commitLocked persists next and then replaces the in-memory asset.
func (r *Registry) commitLocked(ctx context.Context, next *Asset) error {
	if err := r.descriptors.Save(ctx, *next); err != nil {
		return dependencyError("save descriptor", err)
	}
	r.assets[next.Key()] = next
	return nil
}
