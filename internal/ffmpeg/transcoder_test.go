package ffmpeg

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fakeFFmpeg = `#!/bin/sh
echo "$@" >> "$FAKE_ARGS_LOG"
case " $* " in
  *" -re "*)
    trap 'exit 0' INT
    while :; do sleep 0.05; done
    ;;
esac
if [ -n "$FAKE_FAIL" ]; then
  echo "Conversion failed!" >&2
  exit 1
fi
for last; do :; done
printf 'video' > "$last"
`

const fakeFFprobe = `#!/bin/sh
echo "12.500000"
`

const fakePdftoppm = `#!/bin/sh
for last; do :; done
for n in 1 2 3; do printf 'png' > "$last-$n.png"; done
`

// installTools puts fake media tools first on PATH and returns the file
// their arguments are logged to.
func installTools(t *testing.T, scripts map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range scripts {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o755); err != nil {
			t.Fatalf("write fake %s: %v", name, err)
		}
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
	logPath := filepath.Join(dir, "args.log")
	t.Setenv("FAKE_ARGS_LOG", logPath)
	return logPath
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read args log: %v", err)
	}
	return string(b)
}

func TestTranscoder_ToVideo_image(t *testing.T) {
	logPath := installTools(t, map[string]string{"ffmpeg": fakeFFmpeg})
	dir := t.TempDir()
	out := filepath.Join(dir, "logo.png.1.mp4")

	tr := NewTranscoder(Tools{}, nil)
	if err := tr.ToVideo(context.Background(), filepath.Join(dir, "logo.png"), out, 30, 1920, 1080); err != nil {
		t.Fatalf("ToVideo: %v", err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Errorf("output not written: %v", err)
	}
	if args := readLog(t, logPath); !strings.Contains(args, "-loop 1") || !strings.Contains(args, "-t 30") {
		t.Errorf("unexpected ffmpeg args: %s", args)
	}
}

func TestTranscoder_ToVideo_presentation(t *testing.T) {
	logPath := installTools(t, map[string]string{"ffmpeg": fakeFFmpeg, "pdftoppm": fakePdftoppm})
	dir := t.TempDir()
	out := filepath.Join(dir, "deck.pdf.1.mp4")

	tr := NewTranscoder(Tools{}, nil)
	if err := tr.ToVideo(context.Background(), filepath.Join(dir, "deck.pdf"), out, 30, 1920, 1080); err != nil {
		t.Fatalf("ToVideo: %v", err)
	}
	if args := readLog(t, logPath); !strings.Contains(args, "-framerate 3/30") || !strings.Contains(args, "frame-%04d.png") {
		t.Errorf("unexpected ffmpeg args: %s", args)
	}
	leftovers, _ := filepath.Glob(filepath.Join(dir, ".pages-*"))
	if len(leftovers) != 0 {
		t.Errorf("page directory not cleaned up: %v", leftovers)
	}
}

func TestTranscoder_ToVideo_failure_reports_stderr(t *testing.T) {
	installTools(t, map[string]string{"ffmpeg": fakeFFmpeg})
	t.Setenv("FAKE_FAIL", "1")

	tr := NewTranscoder(Tools{}, nil)
	err := tr.ToVideo(context.Background(), "/in/logo.png", filepath.Join(t.TempDir(), "o.mp4"), 5, 640, 360)
	if err == nil || !strings.Contains(err.Error(), "Conversion failed!") {
		t.Errorf("expected stderr in error, got %v", err)
	}
}

func TestTranscoder_ProbeDurationSeconds(t *testing.T) {
	installTools(t, map[string]string{"ffprobe": fakeFFprobe})

	d, err := NewTranscoder(Tools{}, nil).ProbeDurationSeconds(context.Background(), "/m/clip.mp4")
	if err != nil {
		t.Fatalf("ProbeDurationSeconds: %v", err)
	}
	if d != 12.5 {
		t.Errorf("duration = %v, want 12.5", d)
	}
}

func TestTranscoder_missing_binary(t *testing.T) {
	tr := NewTranscoder(Tools{FFprobe: filepath.Join(t.TempDir(), "nope")}, nil)
	if _, err := tr.ProbeDurationSeconds(context.Background(), "/m/clip.mp4"); err == nil {
		t.Error("expected an error for a missing ffprobe")
	}
}

func TestTranscoder_ToVideo_rejects_zero_length(t *testing.T) {
	tr := NewTranscoder(Tools{}, nil)
	if err := tr.ToVideo(context.Background(), "/in/logo.png", "/out.mp4", 0, 640, 360); err == nil {
		t.Error("expected an error for a zero duration")
	}
}

func TestPublisher_Publish_and_Terminate(t *testing.T) {
	logPath := installTools(t, map[string]string{"ffmpeg": fakeFFmpeg})
	media := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(media, []byte("video"), 0o644); err != nil {
		t.Fatal(err)
	}

	pub := NewPublisher("", "rtmp://localhost/live/test", nil)
	proc, err := pub.Publish(context.Background(), media)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if proc.ID() == "" {
		t.Error("process should carry a session id")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := proc.Terminate(ctx); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	select {
	case <-proc.Done():
	default:
		t.Error("Done should be closed after Terminate")
	}
	if args := readLog(t, logPath); !strings.Contains(args, "-f flv rtmp://localhost/live/test") {
		t.Errorf("unexpected publish args: %s", args)
	}
	if err := proc.Terminate(ctx); err != nil {
		t.Errorf("second Terminate: %v", err)
	}
}

func TestPublisher_Terminate_kills_after_deadline(t *testing.T) {
	installTools(t, map[string]string{"ffmpeg": "#!/bin/sh\ntrap '' INT\nwhile :; do sleep 0.05; done\n"})
	media := filepath.Join(t.TempDir(), "clip.mp4")
	_ = os.WriteFile(media, []byte("video"), 0o644)

	proc, err := NewPublisher("", "rtmp://localhost/live/test", nil).Publish(context.Background(), media)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := proc.Terminate(ctx); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	select {
	case <-proc.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("process survived kill")
	}
}

func TestPublisher_Publish_missing_file(t *testing.T) {
	pub := NewPublisher("", "rtmp://localhost/live/test", nil)
	if _, err := pub.Publish(context.Background(), filepath.Join(t.TempDir(), "missing.mp4")); err == nil {
		t.Error("expected an error for a missing media file")
	}
}
