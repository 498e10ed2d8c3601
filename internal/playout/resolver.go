package playout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"playout/internal/platform/logger"
	"playout/internal/platform/metrics"
)

// Transcoder renders still media into video and measures video files.
type Transcoder interface {
	// ToVideo renders the image or presentation at sourcePath into a video
	// of the given duration and frame size at outPath.
	ToVideo(ctx context.Context, sourcePath, outPath string, seconds float64, width, height int) error

	// ProbeDurationSeconds returns the duration of the video at path.
	ProbeDurationSeconds(ctx context.Context, path string) (float64, error)
}

// Resolver finds or creates the video rendition of a non-video source for a
// requested duration. Concurrent requests for the same (source, duration)
// share one transcode.
type Resolver struct {
	registry   *Registry
	storage    AssetStorage
	transcoder Transcoder
	width      int
	height     int
	timeout    time.Duration
	log        *slog.Logger
	metrics    *metrics.Metrics

	group singleflight.Group
}

// ResolverOptions sizes renditions and bounds each transcode.
type ResolverOptions struct {
	Width   int
	Height  int
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// NewResolver returns a Resolver. Zero options fall back to 1920x1080 and a
// ten minute transcode timeout.
func NewResolver(registry *Registry, storage AssetStorage, transcoder Transcoder, opts ResolverOptions) *Resolver {
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = 1920, 1080
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	return &Resolver{
		registry:   registry,
		storage:    storage,
		transcoder: transcoder,
		width:      opts.Width,
		height:     opts.Height,
		timeout:    opts.Timeout,
		log:        opts.Logger,
		metrics:    opts.Metrics,
	}
}

var errRenditionVanished = errors.New("rendition retired before it could be pinned")

// Resolve returns a rendition of source lasting seconds, pinned until the
// returned release func is called.
func (r *Resolver) Resolve(ctx context.Context, source AssetKey, seconds float64) (Asset, func(), error) {
	if seconds <= 0 {
		return Asset{}, nil, fmt.Errorf("%w: duration must be positive", ErrValidation)
	}
	src, err := r.registry.Get(source)
	if err != nil {
		return Asset{}, nil, err
	}
	if src.Classification != Source || src.MediaType == MediaVideo {
		return Asset{}, nil, fmt.Errorf("%w: %s cannot be rendered to video", ErrValidation, source)
	}

	flightKey := source.String() + "|" + strconv.FormatFloat(seconds, 'g', -1, 64)

	// A fresh rendition is unpinned between registration and AcquireDerived;
	// if a sweep takes it in that window, render once more.
	for attempt := 0; attempt < 2; attempt++ {
		if a, release, ok := r.registry.AcquireDerived(source, seconds); ok {
			return a, release, nil
		}
		// The shared render outlives any single caller; each caller only
		// stops waiting when its own context ends.
		ch := r.group.DoChan(flightKey, func() (any, error) {
			return r.render(context.WithoutCancel(ctx), src, seconds)
		})
		select {
		case res := <-ch:
			if res.Err != nil {
				return Asset{}, nil, res.Err
			}
		case <-ctx.Done():
			return Asset{}, nil, fmt.Errorf("resolve rendition of %s: %w", source, ctx.Err())
		}
	}
	return Asset{}, nil, dependencyError("resolve rendition", errRenditionVanished)
}

func (r *Resolver) render(ctx context.Context, src Asset, seconds float64) (AssetKey, error) {
	if a, err := r.registry.ResolveDerivedFor(src.Key(), seconds); err == nil {
		return a.Key(), nil
	}

	key := r.registry.ReserveRendition(src.Key())
	out := r.storage.Path(key)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	started := time.Now()
	if err := r.transcoder.ToVideo(ctx, r.storage.Path(src.Key()), out, seconds, r.width, r.height); err != nil {
		r.discard(key)
		return AssetKey{}, dependencyError("transcode "+src.Key().String(), err)
	}

	duration, err := r.transcoder.ProbeDurationSeconds(ctx, out)
	if err != nil {
		r.discard(key)
		return AssetKey{}, dependencyError("probe "+key.String(), err)
	}

	_, err = r.registry.RegisterDerived(ctx, src.Key(), Asset{
		Name:             key.Name,
		Format:           key.Format,
		DurationSeconds:  duration,
		RequestedSeconds: seconds,
	})
	if err != nil {
		r.discard(key)
		return AssetKey{}, err
	}

	r.metrics.IncRenditions()
	r.log.Info("rendition transcoded",
		slog.String("source", src.Key().String()),
		slog.String("rendition", key.String()),
		slog.Float64("requested_seconds", seconds),
		slog.Float64("duration_seconds", duration),
		slog.Int("elapsed_ms", int(time.Since(started).Milliseconds())))
	return key, nil
}

func (r *Resolver) discard(key AssetKey) {
	if err := r.storage.Remove(key); err != nil {
		r.log.Warn("partial rendition not removed", slog.String("rendition", key.String()), slog.String("error", err.Error()))
	}
	r.registry.ReleaseReservation(key)
}
