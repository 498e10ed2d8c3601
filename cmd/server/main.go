package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
	_ "time/tzdata"

	"playout/internal/assetfs"
	"playout/internal/ffmpeg"
	"playout/internal/platform/config"
	"playout/internal/platform/logger"
	"playout/internal/platform/metrics"
	"playout/internal/playout"
	"playout/internal/timelinedb"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/flock"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	cfg, err := config.LoadFile(config.GetEnv("PLAYOUT_CONFIG", "playout.toml"))
	if err != nil {
		logger.New("error", "json").Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	if err := cfg.EnsureDirectories(); err != nil {
		log.Error("directories not created", "error", err)
		os.Exit(1)
	}

	lockPath := filepath.Join(cfg.DataDir, "playout.lock")
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		log.Error("acquire lock", "path", lockPath, "error", err)
		os.Exit(1)
	}
	if !locked {
		log.Error("another playout daemon is running", "lock", lockPath)
		os.Exit(1)
	}

	err = run(cfg, log)
	_ = lock.Unlock()
	if err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	loc := cfg.Location()

	repo, err := timelinedb.Open(filepath.Join(cfg.DataDir, "timeline.db"), loc)
	if err != nil {
		return err
	}
	defer repo.Close()

	storage, err := assetfs.NewStorage(cfg.MediaDir)
	if err != nil {
		return err
	}
	descriptors, err := assetfs.NewDescriptorStore(cfg.MediaDir)
	if err != nil {
		return err
	}

	met := metrics.New()
	registry, err := playout.NewRegistry(context.Background(), descriptors, storage, log.With("component", "registry"), met)
	if err != nil {
		return err
	}

	svc, err := playout.NewService(playout.Config{
		Repository: repo,
		Registry:   registry,
		Storage:    storage,
		Transcoder: ffmpeg.NewTranscoder(ffmpeg.Tools{
			FFmpeg:   cfg.FFmpegPath,
			FFprobe:  cfg.FFprobePath,
			Pdftoppm: cfg.PdftoppmPath,
		}, log.With("component", "ffmpeg")),
		Publisher:         ffmpeg.NewPublisher(cfg.FFmpegPath, cfg.PublishURL, log.With("component", "publisher")),
		Location:          loc,
		Logger:            log,
		Metrics:           met,
		RenditionWidth:    cfg.RenditionWidth,
		RenditionHeight:   cfg.RenditionHeight,
		HandoffTimeout:    cfg.HandoffTimeout(),
		TranscodeTimeout:  cfg.TranscodeTimeout(),
		ReconcileInterval: cfg.ReconcileInterval(),
		SweepInterval:     cfg.SweepInterval(),
	})
	if err != nil {
		return err
	}
	h := playout.NewHandler(svc, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Handle("/metrics", met.Handler(func() {
		met.SetPublishing(svc.Output().Status == playout.OutputPublishing)
	}))
	h.Routes(r)

	engineCtx, stopEngine := context.WithCancel(context.Background())
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := svc.Run(engineCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("engine stopped", "error", err)
		}
	}()

	addr := ":" + cfg.Port
	srv := &http.Server{Addr: addr, Handler: r}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	log.Info("server starting",
		"port", cfg.Port,
		"data_dir", cfg.DataDir,
		"media_dir", cfg.MediaDir,
		"time_zone", loc.String(),
		"publish_url", cfg.PublishURL,
		"log_level", cfg.LogLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case <-sigCh:
		log.Info("shutdown signal received, draining connections")
	case runErr = <-serveErr:
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	stopEngine()
	<-engineDone

	log.Info("server stopped")
	return runErr
}
