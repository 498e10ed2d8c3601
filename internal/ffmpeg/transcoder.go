package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"playout/internal/platform/logger"
)

// Tools names the executables; empty fields fall back to the PATH lookup
// of the plain tool name.
type Tools struct {
	FFmpeg   string
	FFprobe  string
	Pdftoppm string
}

func (t Tools) withDefaults() Tools {
	if t.FFmpeg == "" {
		t.FFmpeg = "ffmpeg"
	}
	if t.FFprobe == "" {
		t.FFprobe = "ffprobe"
	}
	if t.Pdftoppm == "" {
		t.Pdftoppm = "pdftoppm"
	}
	return t
}

// Transcoder renders images and PDF presentations into video and measures
// video durations.
type Transcoder struct {
	tools   Tools
	builder CommandBuilder
	log     *slog.Logger
}

// NewTranscoder returns a Transcoder using tools. log may be nil.
func NewTranscoder(tools Tools, log *slog.Logger) *Transcoder {
	if log == nil {
		log = logger.Discard()
	}
	return &Transcoder{tools: tools.withDefaults(), log: log}
}

// ToVideo renders sourcePath into outPath. A .pdf source becomes a
// slideshow giving each page an equal share of seconds; anything else is
// treated as a still image.
func (t *Transcoder) ToVideo(ctx context.Context, sourcePath, outPath string, seconds float64, width, height int) error {
	if seconds <= 0 {
		return fmt.Errorf("duration must be positive, got %g", seconds)
	}
	if strings.EqualFold(filepath.Ext(sourcePath), ".pdf") {
		return t.presentationToVideo(ctx, sourcePath, outPath, seconds, width, height)
	}
	return t.run(ctx, t.tools.FFmpeg, t.builder.ImageArgs(sourcePath, outPath, seconds, width, height))
}

func (t *Transcoder) presentationToVideo(ctx context.Context, src, out string, seconds float64, width, height int) error {
	dir, err := os.MkdirTemp(filepath.Dir(out), ".pages-*")
	if err != nil {
		return fmt.Errorf("create page dir: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := t.run(ctx, t.tools.Pdftoppm, t.builder.PageArgs(src, filepath.Join(dir, "page"), width, height)); err != nil {
		return err
	}

	pages, err := filepath.Glob(filepath.Join(dir, "page-*.png"))
	if err != nil {
		return fmt.Errorf("list pages: %w", err)
	}
	if len(pages) == 0 {
		return errors.New("presentation has no pages")
	}
	sortPages(pages)

	// pdftoppm pads page numbers by document length; renumber for a fixed pattern.
	for i, p := range pages {
		if err := os.Rename(p, filepath.Join(dir, fmt.Sprintf("frame-%04d.png", i+1))); err != nil {
			return fmt.Errorf("renumber page: %w", err)
		}
	}

	t.log.Debug("presentation rasterized", slog.String("source", src), slog.Int("pages", len(pages)))
	pattern := filepath.Join(dir, "frame-%04d.png")
	return t.run(ctx, t.tools.FFmpeg, t.builder.SlideshowArgs(pattern, out, seconds, len(pages), width, height))
}

// ProbeDurationSeconds returns the container duration reported by ffprobe.
func (t *Transcoder) ProbeDurationSeconds(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, t.tools.FFprobe, t.builder.ProbeArgs(path)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return 0, commandError(t.tools.FFprobe, err, stderr.String())
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("non-positive duration %g", d)
	}
	return d, nil
}

func (t *Transcoder) run(ctx context.Context, bin string, args []string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	t.log.Debug("running media tool", slog.String("bin", bin), slog.String("args", strings.Join(args, " ")))
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return commandError(bin, err, stderr.String())
	}
	return nil
}

func commandError(bin string, err error, stderr string) error {
	stderr = strings.TrimSpace(stderr)
	if i := strings.LastIndexByte(stderr, '\n'); i >= 0 {
		stderr = stderr[i+1:]
	}
	if stderr == "" {
		return fmt.Errorf("%s: %w", filepath.Base(bin), err)
	}
	return fmt.Errorf("%s: %w: %s", filepath.Base(bin), err, stderr)
}

// sortPages orders page-N.png files by N.
func sortPages(pages []string) {
	num := func(p string) int {
		base := strings.TrimSuffix(filepath.Base(p), ".png")
		n, _ := strconv.Atoi(base[strings.LastIndexByte(base, '-')+1:])
		return n
	}
	sort.Slice(pages, func(i, j int) bool { return num(pages[i]) < num(pages[j]) })
}
