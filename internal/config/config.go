// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// FileName is the config file inside the app directory.
const FileName = "config.yaml"

var validate = validator.New()

// Config holds resolved paths and every tunable setting.
type Config struct {
	HomeDir       string `yaml:"-"`
	AppDir        string `yaml:"-"`
	ConfigPath    string `yaml:"-"`
	LogDir        string `yaml:"-"`
	CheckpointDir string `yaml:"-"`

	DatabasePath string           `yaml:"database_path" validate:"required"`
	Segment      SegmentConfig    `yaml:"segment"`
	History      HistoryConfig    `yaml:"history"`
	Checkpoint   CheckpointConfig `yaml:"checkpoint"`
	Server       ServerConfig     `yaml:"server"`
	Log          LogConfig        `yaml:"log"`
	Blob         BlobConfig       `yaml:"blob"`
}

// SegmentConfig points at the segmentation service.
type SegmentConfig struct {
	URL       string        `yaml:"url" validate:"required,url"`
	Timeout   time.Duration `yaml:"timeout" validate:"gt=0"`
	WriteMode string        `yaml:"write_mode" validate:"oneof=overlap exclude"`
}

// HistoryConfig bounds the undo history.
type HistoryConfig struct {
	MaxSteps int `yaml:"max_steps" validate:"min=1"`
}

// CheckpointConfig controls autosave.
type CheckpointConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Interval       int    `yaml:"interval" validate:"min=1"`
	MaxCheckpoints int    `yaml:"max_checkpoints" validate:"min=0"`
	Level          string `yaml:"level" validate:"oneof=fastest default better best"`
}

// ServerConfig is the UI transport.
type ServerConfig struct {
	Addr    string `yaml:"addr" validate:"required,hostname_port"`
	AuthKey string `yaml:"auth_key"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// BlobConfig selects where project archives live.
type BlobConfig struct {
	Driver     string `yaml:"driver" validate:"oneof=fs memory s3"`
	Root       string `yaml:"root"`
	S3Bucket   string `yaml:"s3_bucket" validate:"required_if=Driver s3"`
	S3Region   string `yaml:"s3_region"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Prefix   string `yaml:"s3_prefix"`
}

// Default returns the settings used when no file exists, rooted at appDir.
func Default(appDir string) *Config {
	return &Config{
		AppDir:        appDir,
		ConfigPath:    filepath.Join(appDir, FileName),
		LogDir:        filepath.Join(appDir, "logs"),
		CheckpointDir: filepath.Join(appDir, "checkpoints"),
		DatabasePath:  filepath.Join(appDir, "labelcore.db"),
		Segment: SegmentConfig{
			URL:       "http://127.0.0.1:5000",
			Timeout:   60 * time.Second,
			WriteMode: "overlap",
		},
		History:    HistoryConfig{MaxSteps: 500},
		Checkpoint: CheckpointConfig{Enabled: true, Interval: 20, MaxCheckpoints: 10, Level: "default"},
		Server:     ServerConfig{Addr: "127.0.0.1:8765"},
		Log:        LogConfig{Level: "info", Format: "text"},
		Blob:       BlobConfig{Driver: "fs", Root: filepath.Join(appDir, "projects")},
	}
}

// Load resolves ~/.labelcore (or $LABELCORE_HOME), makes sure its
// directories exist and reads config.yaml from it.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	appDir := os.Getenv("LABELCORE_HOME")
	if appDir == "" {
		appDir = filepath.Join(home, ".labelcore")
	}
	cfg, err := LoadDir(appDir)
	if err != nil {
		return nil, err
	}
	cfg.HomeDir = home
	return cfg, nil
}

// LoadDir loads the config rooted at appDir. A missing config file is
// written with the defaults.
func LoadDir(appDir string) (*Config, error) {
	cfg := Default(appDir)

	// Ensure directories exist
	for _, dir := range []string{cfg.AppDir, cfg.LogDir, cfg.CheckpointDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(cfg.ConfigPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := cfg.Save(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", cfg.ConfigPath, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Reload rereads the file this config came from.
func (c *Config) Reload() (*Config, error) {
	next, err := LoadDir(c.AppDir)
	if err != nil {
		return nil, err
	}
	next.HomeDir = c.HomeDir
	return next, nil
}

// Save writes the settings to ConfigPath.
func (c *Config) Save() error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(c.ConfigPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks every setting.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	str := map[string]*string{
		"LABELCORE_SEGMENT_URL": &c.Segment.URL,
		"LABELCORE_SERVER_ADDR": &c.Server.Addr,
		"LABELCORE_AUTH_KEY":    &c.Server.AuthKey,
		"LABELCORE_LOG_LEVEL":   &c.Log.Level,
		"LABELCORE_LOG_FORMAT":  &c.Log.Format,
		"LABELCORE_DATABASE":    &c.DatabasePath,
		"LABELCORE_BLOB_DRIVER": &c.Blob.Driver,
		"LABELCORE_BLOB_ROOT":   &c.Blob.Root,
		"LABELCORE_S3_BUCKET":   &c.Blob.S3Bucket,
		"LABELCORE_S3_REGION":   &c.Blob.S3Region,
		"LABELCORE_S3_ENDPOINT": &c.Blob.S3Endpoint,
		"LABELCORE_S3_PREFIX":   &c.Blob.S3Prefix,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	if v, ok := os.LookupEnv("LABELCORE_SEGMENT_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("LABELCORE_SEGMENT_TIMEOUT: %w", err)
		}
		c.Segment.Timeout = d
	}
	if v, ok := os.LookupEnv("LABELCORE_HISTORY_MAX_STEPS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LABELCORE_HISTORY_MAX_STEPS: %w", err)
		}
		c.History.MaxSteps = n
	}
	return nil
}

// SlogLevel maps Log.Level to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
