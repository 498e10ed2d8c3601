package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/google/uuid"

	"playout/internal/platform/logger"
	"playout/internal/playout"
)

// Publisher streams media files to a live endpoint with ffmpeg.
type Publisher struct {
	ffmpeg  string
	builder CommandBuilder
	log     *slog.Logger
}

var _ playout.Publisher = (*Publisher)(nil)

// NewPublisher returns a Publisher pushing to url. An empty ffmpegPath
// means "ffmpeg" from PATH; log may be nil.
func NewPublisher(ffmpegPath, url string, log *slog.Logger) *Publisher {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Publisher{ffmpeg: ffmpegPath, builder: CommandBuilder{PublishURL: url}, log: log}
}

// Publish starts streaming path. The process outlives ctx; stop it with
// Terminate.
func (p *Publisher) Publish(ctx context.Context, path string) (playout.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("media file: %w", err)
	}

	cmd := exec.Command(p.ffmpeg, p.builder.PublishArgs(path)...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", p.ffmpeg, err)
	}

	proc := &process{
		id:   uuid.NewString(),
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go proc.wait(p.log, path)
	return proc, nil
}

// process is one running publish command.
type process struct {
	id   string
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *process) ID() string            { return p.id }
func (p *process) Done() <-chan struct{} { return p.done }

func (p *process) wait(log *slog.Logger, path string) {
	err := p.cmd.Wait()
	close(p.done)

	attrs := []any{slog.String("session_id", p.id), slog.String("path", path)}
	if err != nil {
		log.Debug("publish process exited", append(attrs, slog.String("error", err.Error()))...)
		return
	}
	log.Debug("publish process exited", attrs...)
}

// Terminate sends SIGINT so ffmpeg can close the stream cleanly, and kills
// the process when ctx expires first.
func (p *process) Terminate(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("interrupt publisher: %w", err)
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill publisher: %w", err)
	}
	<-p.done
	return nil
}
