package playout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"time"

	"playout/internal/platform/logger"
	"playout/internal/platform/metrics"
)

// durationTolerance is how far a requested video length may be from the
// measured one.
const durationTolerance = 0.001

// Config wires a Service to its collaborators.
type Config struct {
	Repository TimelineRepository
	Registry   *Registry
	Storage    AssetStorage
	Transcoder Transcoder
	Publisher  Publisher

	Location *time.Location
	Clock    Clock
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	RenditionWidth    int
	RenditionHeight   int
	HandoffTimeout    time.Duration
	TranscodeTimeout  time.Duration
	ReconcileInterval time.Duration
	SweepInterval     time.Duration

	// AfterFunc replaces time.AfterFunc for trigger timers.
	AfterFunc AfterFunc
}

// Service is the client-facing facade: it validates requests, drives the
// timeline store, registry and resolver, and asks the reconciler to
// re-arm after every successful mutation.
type Service struct {
	timeline   *TimelineStore
	registry   *Registry
	resolver   *Resolver
	reconciler *Reconciler
	output     *OutputSwitch
	storage    AssetStorage
	transcoder Transcoder
	norm       *Normalizer
	clock      Clock
	log        *slog.Logger
	metrics    *metrics.Metrics

	reconcileCh       chan struct{}
	reconcileInterval time.Duration
	sweepInterval     time.Duration
	transcodeTimeout  time.Duration
}

// NewService builds the engine from cfg.
func NewService(cfg Config) (*Service, error) {
	if cfg.Repository == nil || cfg.Registry == nil || cfg.Storage == nil || cfg.Transcoder == nil || cfg.Publisher == nil {
		return nil, errors.New("service requires repository, registry, storage, transcoder and publisher")
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.TranscodeTimeout <= 0 {
		cfg.TranscodeTimeout = 10 * time.Minute
	}

	norm := NewNormalizer(cfg.Location)
	timeline := NewTimelineStore(cfg.Repository, cfg.Registry, norm, cfg.Clock, cfg.Logger.With(slog.String("component", "timeline")))
	output := NewOutputSwitch(cfg.Publisher, cfg.Clock, cfg.Logger.With(slog.String("component", "output")), cfg.Metrics)
	reconciler := NewReconciler(timeline, cfg.Storage, output, ReconcilerOptions{
		Clock:          cfg.Clock,
		AfterFunc:      cfg.AfterFunc,
		HandoffTimeout: cfg.HandoffTimeout,
		Logger:         cfg.Logger.With(slog.String("component", "reconciler")),
		Metrics:        cfg.Metrics,
	})
	resolver := NewResolver(cfg.Registry, cfg.Storage, cfg.Transcoder, ResolverOptions{
		Width:   cfg.RenditionWidth,
		Height:  cfg.RenditionHeight,
		Timeout: cfg.TranscodeTimeout,
		Logger:  cfg.Logger.With(slog.String("component", "resolver")),
		Metrics: cfg.Metrics,
	})

	return &Service{
		timeline:          timeline,
		registry:          cfg.Registry,
		resolver:          resolver,
		reconciler:        reconciler,
		output:            output,
		storage:           cfg.Storage,
		transcoder:        cfg.Transcoder,
		norm:              norm,
		clock:             cfg.Clock,
		log:               cfg.Logger,
		metrics:           cfg.Metrics,
		reconcileCh:       make(chan struct{}, 1),
		reconcileInterval: cfg.ReconcileInterval,
		sweepInterval:     cfg.SweepInterval,
		transcodeTimeout:  cfg.TranscodeTimeout,
	}, nil
}

// PlaceRequest asks for an asset to be put on the timeline. Start is a
// wall-clock "YYYY-MM-DD HH:MM:SS" in TimeZone.
type PlaceRequest struct {
	AssetName   string    `json:"asset_name"`
	AssetFormat string    `json:"asset_format"`
	MediaType   MediaType `json:"media_type"`
	Start       string    `json:"start"`
	TimeZone    string    `json:"time_zone"`
	Seconds     float64   `json:"seconds"`
	Priority    int       `json:"priority"`
}

// Place admits a new entry. Video assets are placed directly and must last
// exactly Seconds; images and presentations are placed through a rendition
// of that length, transcoded on demand.
func (s *Service) Place(ctx context.Context, req PlaceRequest) (Entry, error) {
	entry, err := s.place(ctx, req)
	switch {
	case err == nil:
		s.metrics.IncAdmission("ok")
		s.metrics.IncMutation("admit")
		s.RequestReconcile()
	case errors.Is(err, ErrConflict):
		s.metrics.IncAdmission("conflict")
	case errors.Is(err, ErrValidation):
		s.metrics.IncAdmission("invalid")
	default:
		s.metrics.IncAdmission("error")
	}
	return entry, err
}

func (s *Service) place(ctx context.Context, req PlaceRequest) (Entry, error) {
	key := AssetKey{Name: req.AssetName, Format: req.AssetFormat}
	if err := key.Validate(); err != nil {
		return Entry{}, err
	}
	if req.Seconds <= 0 || math.IsNaN(req.Seconds) || math.IsInf(req.Seconds, 0) {
		return Entry{}, fmt.Errorf("%w: seconds must be positive", ErrValidation)
	}
	start, err := s.norm.Normalize(req.Start, req.TimeZone)
	if err != nil {
		return Entry{}, err
	}
	if start.Before(s.norm.Canonical(s.clock.Now())) {
		return Entry{}, fmt.Errorf("%w: start %s already elapsed", ErrInvalidTime, s.norm.Format(start))
	}

	asset, err := s.registry.Get(key)
	if err != nil {
		return Entry{}, err
	}
	if req.MediaType != "" && req.MediaType != asset.MediaType {
		return Entry{}, fmt.Errorf("%w: %s is %s, not %s", ErrValidation, key, asset.MediaType, req.MediaType)
	}

	// Fail fast before any transcoding; Admit repeats the check atomically.
	end := s.norm.EndOf(start, secondsToDuration(req.Seconds))
	if err := s.timeline.CheckAdmission(ctx, start, end, req.Priority); err != nil {
		return Entry{}, err
	}

	backing := asset
	if asset.MediaType == MediaVideo {
		if math.Abs(asset.DurationSeconds-req.Seconds) > durationTolerance {
			return Entry{}, fmt.Errorf("%w: %s lasts %gs, requested %gs", ErrValidation, key, asset.DurationSeconds, req.Seconds)
		}
	} else {
		rendition, release, err := s.resolver.Resolve(ctx, key, req.Seconds)
		if err != nil {
			return Entry{}, err
		}
		defer release()
		backing = rendition
	}

	id, err := s.timeline.Admit(ctx, Candidate{
		Asset:    backing.Key(),
		Start:    start,
		Duration: backing.Duration(),
		Priority: req.Priority,
	})
	if err != nil {
		return Entry{}, err
	}
	return s.timeline.Get(ctx, id)
}

// Move reschedules entry id to start (wall clock in zone).
func (s *Service) Move(ctx context.Context, id EntryID, start, zone string) (Entry, error) {
	t, err := s.norm.Normalize(start, zone)
	if err != nil {
		return Entry{}, err
	}
	moved, err := s.timeline.Move(ctx, id, t)
	if err != nil {
		return Entry{}, err
	}
	s.metrics.IncMutation("move")
	s.RequestReconcile()
	return moved, nil
}

// Remove deletes entry id from the timeline.
func (s *Service) Remove(ctx context.Context, id EntryID) error {
	if err := s.timeline.Remove(ctx, id); err != nil {
		return err
	}
	s.metrics.IncMutation("remove")
	s.RequestReconcile()
	return nil
}

// Timeline returns every entry, earliest first.
func (s *Service) Timeline(ctx context.Context) ([]Entry, error) {
	return s.timeline.List(ctx)
}

// Location is the canonical time zone of the timeline.
func (s *Service) Location() *time.Location {
	return s.norm.Location()
}

// UploadRequest describes an uploaded media file.
type UploadRequest struct {
	Name      string    `json:"name"`
	Format    string    `json:"format"`
	MediaType MediaType `json:"media_type"`
}

// Upload stores body as a new source asset. Videos are probed for their
// duration before they are registered.
func (s *Service) Upload(ctx context.Context, req UploadRequest, body io.Reader) (Asset, error) {
	key := AssetKey{Name: req.Name, Format: req.Format}
	if err := key.Validate(); err != nil {
		return Asset{}, err
	}
	if err := ValidateFormat(req.MediaType, req.Format); err != nil {
		return Asset{}, err
	}
	if _, err := s.registry.Get(key); err == nil {
		return Asset{}, fmt.Errorf("%w: asset %s", ErrAlreadyExists, key)
	}

	staged, err := s.storage.Stage(body)
	if err != nil {
		return Asset{}, dependencyError("stage upload", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(staged)
		}
	}()

	asset := Asset{Name: req.Name, Format: req.Format, MediaType: req.MediaType}
	if req.MediaType == MediaVideo {
		pctx, cancel := context.WithTimeout(ctx, s.transcodeTimeout)
		seconds, err := s.transcoder.ProbeDurationSeconds(pctx, staged)
		cancel()
		if err != nil {
			return Asset{}, dependencyError("probe upload", err)
		}
		asset.DurationSeconds = seconds
	}

	if err := s.registry.RegisterSource(ctx, asset, staged); err != nil {
		return Asset{}, err
	}
	committed = true
	return s.registry.Get(key)
}

// Assets returns every registered asset.
func (s *Service) Assets() []Asset {
	return s.registry.List()
}

// RetireAsset deletes an unreferenced asset.
func (s *Service) RetireAsset(ctx context.Context, key AssetKey) error {
	return s.registry.Retire(ctx, key)
}

// SweepReport summarizes one garbage-collection pass.
type SweepReport struct {
	ReleasedReferences int        `json:"released_references"`
	RetiredDerived     []AssetKey `json:"retired_derived"`
	RemovedOrphans     []AssetKey `json:"removed_orphans"`
}

// Sweep releases references of finished entries, retires unreferenced
// renditions and deletes media files without a descriptor.
func (s *Service) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	released, err := s.timeline.ReleaseElapsed(ctx)
	report.ReleasedReferences = released
	if err != nil {
		return report, err
	}
	report.RetiredDerived = s.registry.SweepDerived(ctx)

	orphans, err := s.registry.SweepOrphans(ctx)
	report.RemovedOrphans = orphans
	if err != nil {
		return report, err
	}

	s.log.Info("sweep complete",
		slog.Int("released_references", report.ReleasedReferences),
		slog.Int("retired_derived", len(report.RetiredDerived)),
		slog.Int("removed_orphans", len(report.RemovedOrphans)))
	return report, nil
}

// RequestReconcile signals the engine loop to reconcile. Requests made
// while one is pending collapse into it.
func (s *Service) RequestReconcile() {
	select {
	case s.reconcileCh <- struct{}{}:
	default:
	}
}

// Reconcile runs a reconciliation pass now.
func (s *Service) Reconcile(ctx context.Context) error {
	return s.reconciler.Reconcile(ctx)
}

// Output returns the output switch state.
func (s *Service) Output() OutputState {
	return s.output.State()
}

// Armed returns the reconciler's armed slots.
func (s *Service) Armed() []ArmedTrigger {
	return s.reconciler.Armed()
}
