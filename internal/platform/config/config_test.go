package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"
)

func TestLoadFile_defaultsWhenMissing(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Port != "4004" {
		t.Errorf("Port = %q, want 4004", cfg.Port)
	}
	if !filepath.IsAbs(cfg.MediaDir) {
		t.Errorf("MediaDir should be absolute, got %q", cfg.MediaDir)
	}
	if cfg.HandoffTimeout() != 10*time.Second {
		t.Errorf("HandoffTimeout = %v", cfg.HandoffTimeout())
	}
}

func TestLoadFile_tomlThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "playout.toml")
	body := `
port = "9000"
time_zone = "Europe/Moscow"
rendition_width = 1280
rendition_height = 720
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PORT", "9100")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Port != "9100" {
		t.Errorf("env should override file port, got %q", cfg.Port)
	}
	if cfg.RenditionWidth != 1280 || cfg.RenditionHeight != 720 {
		t.Errorf("rendition = %dx%d", cfg.RenditionWidth, cfg.RenditionHeight)
	}
	if cfg.Location().String() != "Europe/Moscow" {
		t.Errorf("Location = %s", cfg.Location())
	}
}

func TestLoadFile_rejectsUnknownZone(t *testing.T) {
	t.Setenv("PLAYOUT_TIME_ZONE", "Mars/Olympus")
	if _, err := LoadFile(""); err == nil {
		t.Fatal("expected error for unknown time zone")
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("X_DUR", "45s")
	if got := GetEnvDuration("X_DUR", time.Second); got != 45*time.Second {
		t.Errorf("got %v", got)
	}
	t.Setenv("X_DUR", "nope")
	if got := GetEnvDuration("X_DUR", time.Second); got != time.Second {
		t.Errorf("malformed value should fall back, got %v", got)
	}
}
