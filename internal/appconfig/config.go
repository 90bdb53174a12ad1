// Package appconfig loads kestrel's layered configuration (defaults,
// kestrel.yaml, KESTREL_* environment variables, CLI flags, in that
// precedence order) via viper, and builds the structured logger every other
// package logs through.
package appconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kestrel-dl/kestrel/internal/engine"
	"github.com/kestrel-dl/kestrel/internal/httpclient"
	"github.com/kestrel-dl/kestrel/internal/kerrors"
	"github.com/kestrel-dl/kestrel/internal/queue"
)

// Bounds on the tunables the spec documents as validated at load time.
const (
	minSegments      = 1
	maxSegments      = 64
	minMaxConcurrent = 1
	maxMaxConcurrent = 16
)

// LoggingConfig configures InitLogger.
type LoggingConfig struct {
	Level      string `mapstructure:"log_level"`
	Format     string `mapstructure:"log_format"`
	File       string `mapstructure:"log_file"`
	MaxSize    int    `mapstructure:"log_max_size_mb"`
	MaxBackups int    `mapstructure:"log_max_backups"`
	MaxAge     int    `mapstructure:"log_max_age_days"`
	Compress   bool   `mapstructure:"log_compress"`
	Color      bool   `mapstructure:"log_color"`
}

// Config is the full set of recognized options (§6 of the on-disk
// specification this binds against).
type Config struct {
	DownloadLocation string        `mapstructure:"download_location"`
	Segments         int           `mapstructure:"segments"`
	MaxConcurrent    int           `mapstructure:"max_concurrent"`
	ChunkSizeBytes   int           `mapstructure:"chunk_size"`
	RetryAttempts    int           `mapstructure:"retry_attempts"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	EnableResume     bool          `mapstructure:"enable_resume"`
	RequestDelay     time.Duration `mapstructure:"request_delay"`
	Quality          string        `mapstructure:"quality"`
	ExtractorPath    string        `mapstructure:"extractor_path"`

	Logging LoggingConfig `mapstructure:",squash"`
}

// setDefaults installs the spec's documented defaults into v, before any
// file, env, or flag layer is applied.
func setDefaults(v *viper.Viper) {
	v.SetDefault("download_location", DefaultLibraryDir())
	v.SetDefault("segments", 16)
	v.SetDefault("max_concurrent", 5)
	v.SetDefault("chunk_size", 8192)
	v.SetDefault("retry_attempts", 3)
	v.SetDefault("retry_delay", 2*time.Second)
	v.SetDefault("enable_resume", true)
	v.SetDefault("request_delay", 100*time.Millisecond)
	v.SetDefault("quality", "Best")
	v.SetDefault("extractor_path", "")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("log_file", "")
	v.SetDefault("log_max_size_mb", 50)
	v.SetDefault("log_max_backups", 5)
	v.SetDefault("log_max_age_days", 30)
	v.SetDefault("log_compress", true)
	v.SetDefault("log_color", true)
}

// Load builds a Config from defaults, kestrel.yaml (searched at cfgFile if
// given, else ConfigDir() and the working directory), KESTREL_* environment
// variables, and returns the live *viper.Viper too so callers can bind CLI
// flags and enable hot reload via WatchConfig.
func Load(cfgFile string) (*Config, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("KESTREL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("kestrel")
		v.SetConfigType("yaml")
		v.AddConfigPath(ConfigDir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, nil, err
	}
	return &cfg, v, nil
}

// Validate checks the tunables the specification documents as bounds-checked
// at load time (§6), returning a kerrors.ErrValidation-wrapped error
// describing every violation found.
func Validate(cfg *Config) error {
	var problems []string
	if cfg.Segments < minSegments || cfg.Segments > maxSegments {
		problems = append(problems, fmt.Sprintf("segments must be between %d and %d, got %d", minSegments, maxSegments, cfg.Segments))
	}
	if cfg.MaxConcurrent < minMaxConcurrent || cfg.MaxConcurrent > maxMaxConcurrent {
		problems = append(problems, fmt.Sprintf("max_concurrent must be between %d and %d, got %d", minMaxConcurrent, maxMaxConcurrent, cfg.MaxConcurrent))
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", kerrors.ErrValidation, strings.Join(problems, "; "))
}

// SaveDefaultConfig writes a fresh kestrel.yaml at path containing every
// recognized option at its documented default.
func SaveDefaultConfig(path string) error {
	v := viper.New()
	setDefaults(v)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return v.WriteConfigAs(path)
}

// QueueConfig projects the subset of Config the queue manager needs.
func (c *Config) QueueConfig(scratchDir string) queue.Config {
	return queue.Config{
		MaxConcurrent: c.MaxConcurrent,
		MaxSegments:   c.Segments,
		RetryAttempts: c.RetryAttempts,
		RetryDelay:    c.RetryDelay,
		RequestDelay:  c.RequestDelay,
		EnableResume:  c.EnableResume,
		ScratchDir:    scratchDir,
		ExtractorPath: c.ExtractorPath,
	}
}

// EngineConfig projects the subset of Config the download engine needs.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		MaxSegments:   c.Segments,
		RetryAttempts: c.RetryAttempts,
		RetryDelay:    c.RetryDelay,
		RequestDelay:  c.RequestDelay,
		EnableResume:  c.EnableResume,
	}
}

// HTTPClientConfig returns the transport configuration. No Config option
// affects it; it is always httpclient.DefaultConfig().
func (c *Config) HTTPClientConfig() httpclient.Config {
	return httpclient.DefaultConfig()
}
