// Package config loads the engine configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/dataflow-engine/storage"
)

// Config is the engine configuration. Durations are written as Go duration
// strings such as "30s" or "10m".
type Config struct {
	Debug bool `yaml:"debug"`

	// Redis enables the redis-backed cache, stream, lock and task control stores
	// when Addr is set. Otherwise everything runs in memory.
	Redis storage.RedisOptions `yaml:"redis"`
	// SQLitePath selects the sqlite relational store. Empty keeps it in memory.
	SQLitePath string `yaml:"sqlite_path"`
	// BlobDir stores blobs on disk. Empty keeps them in memory.
	BlobDir string `yaml:"blob_dir"`

	Lock   LockConfig   `yaml:"lock"`
	Cache  CacheConfig  `yaml:"cache"`
	Stream StreamConfig `yaml:"stream"`
	Task   TaskConfig   `yaml:"task"`
	Relay  RelayConfig  `yaml:"relay"`
}

type LockConfig struct {
	MaxWait    time.Duration `yaml:"max_wait"`
	Poll       time.Duration `yaml:"poll"`
	TTL        time.Duration `yaml:"ttl"`
	AppointTTL time.Duration `yaml:"appoint_ttl"`
}

type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type StreamConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type TaskConfig struct {
	SoftLimit     time.Duration `yaml:"soft_limit"`
	HardLimit     time.Duration `yaml:"hard_limit"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

type RelayConfig struct {
	Addr        string        `yaml:"addr"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	MaxTimeouts int           `yaml:"max_timeouts"`
}

// Default returns the configuration used for every unset field.
func Default() Config {
	return Config{
		Lock: LockConfig{
			MaxWait:    30 * time.Second,
			Poll:       100 * time.Millisecond,
			TTL:        15 * time.Minute,
			AppointTTL: 30 * time.Second,
		},
		Cache:  CacheConfig{TTL: 24 * time.Hour},
		Stream: StreamConfig{TTL: time.Hour},
		Task: TaskConfig{
			SoftLimit:     9 * time.Minute,
			HardLimit:     10 * time.Minute,
			CheckInterval: time.Second,
		},
		Relay: RelayConfig{
			Addr:        ":8080",
			ReadTimeout: 5 * time.Second,
			MaxTimeouts: 120,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the limits for consistency.
func (c Config) Validate() error {
	var errs []error
	if c.Task.SoftLimit <= 0 || c.Task.HardLimit <= 0 {
		errs = append(errs, errors.New("task limits must be positive"))
	} else if c.Task.SoftLimit > c.Task.HardLimit {
		errs = append(errs, errors.New("task soft_limit exceeds hard_limit"))
	}
	if c.Task.CheckInterval <= 0 {
		errs = append(errs, errors.New("task check_interval must be positive"))
	}
	if c.Lock.MaxWait <= 0 || c.Lock.Poll <= 0 {
		errs = append(errs, errors.New("lock max_wait and poll must be positive"))
	}
	if c.Relay.MaxTimeouts <= 0 {
		errs = append(errs, errors.New("relay max_timeouts must be positive"))
	}
	return errors.Join(errs...)
}

// Logger builds the process logger: a development logger on stdout when
// debugging, the production logger otherwise.
func (c Config) Logger() (*zap.Logger, error) {
	var logger *zap.Logger
	var err error
	if c.Debug {
		z := zap.NewDevelopmentConfig()
		z.OutputPaths = []string{"stdout"}
		logger, err = z.Build()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}
