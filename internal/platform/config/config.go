package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvDuration returns the duration value of the environment variable named
// by key ("30s", "5m"), or fallback if it is unset or malformed.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return fallback
}

// Config is the daemon configuration. Values come from defaults, then the
// optional TOML file, then the environment.
type Config struct {
	Port      string `toml:"port"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	DataDir  string `toml:"data_dir"`
	MediaDir string `toml:"media_dir"`
	TimeZone string `toml:"time_zone"`

	FFmpegPath   string `toml:"ffmpeg_path"`
	FFprobePath  string `toml:"ffprobe_path"`
	PdftoppmPath string `toml:"pdftoppm_path"`
	PublishURL   string `toml:"publish_url"`

	RenditionWidth  int `toml:"rendition_width"`
	RenditionHeight int `toml:"rendition_height"`

	ReconcileIntervalSeconds int `toml:"reconcile_interval_seconds"`
	SweepIntervalSeconds     int `toml:"sweep_interval_seconds"`
	HandoffTimeoutSeconds    int `toml:"handoff_timeout_seconds"`
	TranscodeTimeoutSeconds  int `toml:"transcode_timeout_seconds"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:                     "4004",
		LogLevel:                 "info",
		LogFormat:                "json",
		DataDir:                  "data",
		MediaDir:                 "uploads",
		FFmpegPath:               "ffmpeg",
		FFprobePath:              "ffprobe",
		PdftoppmPath:             "pdftoppm",
		PublishURL:               "rtmp://localhost:1935/live/stream",
		RenditionWidth:           1920,
		RenditionHeight:          1080,
		ReconcileIntervalSeconds: 60,
		SweepIntervalSeconds:     300,
		HandoffTimeoutSeconds:    10,
		TranscodeTimeoutSeconds:  600,
	}
}

// LoadFile builds a Config from defaults, the TOML file at path (skipped when
// path is empty or the file does not exist) and PLAYOUT_* environment
// overrides. The result is normalized and validated.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		file, err := os.Open(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("open config: %w", err)
		default:
			defer file.Close()
			if err := toml.NewDecoder(file).Decode(&cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.Port = GetEnv("PORT", c.Port)
	c.LogLevel = GetEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = GetEnv("LOG_FORMAT", c.LogFormat)
	c.DataDir = GetEnv("PLAYOUT_DATA_DIR", c.DataDir)
	c.MediaDir = GetEnv("PLAYOUT_MEDIA_DIR", c.MediaDir)
	c.TimeZone = GetEnv("PLAYOUT_TIME_ZONE", c.TimeZone)
	c.FFmpegPath = GetEnv("PLAYOUT_FFMPEG", c.FFmpegPath)
	c.FFprobePath = GetEnv("PLAYOUT_FFPROBE", c.FFprobePath)
	c.PdftoppmPath = GetEnv("PLAYOUT_PDFTOPPM", c.PdftoppmPath)
	c.PublishURL = GetEnv("PLAYOUT_PUBLISH_URL", c.PublishURL)
	c.RenditionWidth = GetEnvInt("PLAYOUT_RENDITION_WIDTH", c.RenditionWidth)
	c.RenditionHeight = GetEnvInt("PLAYOUT_RENDITION_HEIGHT", c.RenditionHeight)
	c.ReconcileIntervalSeconds = GetEnvInt("PLAYOUT_RECONCILE_INTERVAL_SECONDS", c.ReconcileIntervalSeconds)
	c.SweepIntervalSeconds = GetEnvInt("PLAYOUT_SWEEP_INTERVAL_SECONDS", c.SweepIntervalSeconds)
	c.HandoffTimeoutSeconds = GetEnvInt("PLAYOUT_HANDOFF_TIMEOUT_SECONDS", c.HandoffTimeoutSeconds)
	c.TranscodeTimeoutSeconds = GetEnvInt("PLAYOUT_TRANSCODE_TIMEOUT_SECONDS", c.TranscodeTimeoutSeconds)
}

func (c *Config) normalize() error {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.TimeZone = strings.TrimSpace(c.TimeZone)

	for _, dir := range []*string{&c.DataDir, &c.MediaDir} {
		abs, err := filepath.Abs(*dir)
		if err != nil {
			return fmt.Errorf("resolve %q: %w", *dir, err)
		}
		*dir = abs
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("port must be set")
	}
	if c.PublishURL == "" {
		return errors.New("publish_url must be set")
	}
	if c.RenditionWidth <= 0 || c.RenditionHeight <= 0 {
		return fmt.Errorf("rendition size must be positive, got %dx%d", c.RenditionWidth, c.RenditionHeight)
	}
	if c.ReconcileIntervalSeconds <= 0 || c.SweepIntervalSeconds <= 0 {
		return errors.New("reconcile and sweep intervals must be positive")
	}
	if c.HandoffTimeoutSeconds <= 0 || c.TranscodeTimeoutSeconds <= 0 {
		return errors.New("hand-off and transcode timeouts must be positive")
	}
	if c.TimeZone != "" {
		if _, err := time.LoadLocation(c.TimeZone); err != nil {
			return fmt.Errorf("time_zone %q: %w", c.TimeZone, err)
		}
	}
	return nil
}

// Location returns the canonical local time zone of the engine.
func (c *Config) Location() *time.Location {
	if c.TimeZone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.Local
	}
	return loc
}

// ReconcileInterval is the period of the safety reconciliation timer.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSeconds) * time.Second
}

// SweepInterval is the period of the garbage-collection sweep.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// HandoffTimeout bounds one stop/start of the publishing process.
func (c *Config) HandoffTimeout() time.Duration {
	return time.Duration(c.HandoffTimeoutSeconds) * time.Second
}

// TranscodeTimeout bounds one rendition transcode.
func (c *Config) TranscodeTimeout() time.Duration {
	return time.Duration(c.TranscodeTimeoutSeconds) * time.Second
}

// EnsureDirectories creates the data and media directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.DataDir, c.MediaDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
