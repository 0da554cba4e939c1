// Package config loads server settings from a YAML file and BILLFLOW_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/billflow/types"
)

// ErrInvalidConfig is returned when a loaded configuration fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Storage backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// ID generators.
const (
	IDsUUID      = "uuid"
	IDsSnowflake = "snowflake"
)

// Log formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Config is the full server configuration.
type Config struct {
	HTTP    HTTPConfig    `yaml:"http"`
	Storage StorageConfig `yaml:"storage"`
	IDs     IDConfig      `yaml:"ids"`
	Stages  types.Stages  `yaml:"stages"`
	Log     LogConfig     `yaml:"log"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StorageConfig struct {
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type IDConfig struct {
	Generator string `yaml:"generator"`
	MachineID uint64 `yaml:"machine_id"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 5 * time.Second,
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "billflow:",
			},
		},
		IDs:    IDConfig{Generator: IDsUUID, MachineID: 1},
		Stages: types.DefaultStages.Clone(),
		Log:    LogConfig{Level: "info", Format: FormatConsole},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to open config: %w", err)
		}
		defer f.Close()
		if err := Decode(f, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode overlays YAML from r onto cfg. Unknown keys are rejected.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from BILLFLOW_* variables. BILLFLOW_STAGES is a
// comma separated list.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("BILLFLOW_HTTP_ADDR", &c.HTTP.Addr)
	str("BILLFLOW_STORAGE_BACKEND", &c.Storage.Backend)
	str("BILLFLOW_REDIS_ADDR", &c.Storage.Redis.Addr)
	str("BILLFLOW_REDIS_PASSWORD", &c.Storage.Redis.Password)
	str("BILLFLOW_REDIS_KEY_PREFIX", &c.Storage.Redis.KeyPrefix)
	str("BILLFLOW_ID_GENERATOR", &c.IDs.Generator)
	str("BILLFLOW_LOG_LEVEL", &c.Log.Level)
	str("BILLFLOW_LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup("BILLFLOW_HTTP_SHUTDOWN_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: BILLFLOW_HTTP_SHUTDOWN_TIMEOUT: %v", ErrInvalidConfig, err)
		}
		c.HTTP.ShutdownTimeout = d
	}
	if v, ok := lookup("BILLFLOW_REDIS_DB"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: BILLFLOW_REDIS_DB: %v", ErrInvalidConfig, err)
		}
		c.Storage.Redis.DB = n
	}
	if v, ok := lookup("BILLFLOW_MACHINE_ID"); ok && v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: BILLFLOW_MACHINE_ID: %v", ErrInvalidConfig, err)
		}
		c.IDs.MachineID = n
	}
	if v, ok := lookup("BILLFLOW_STAGES"); ok && v != "" {
		var stages types.Stages
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				stages = append(stages, s)
			}
		}
		c.Stages = stages
	}
	return nil
}

// Validate checks enumerations and the stage list.
func (c Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("%w: http.addr is empty", ErrInvalidConfig)
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("%w: storage.redis.addr is empty", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage backend %q", ErrInvalidConfig, c.Storage.Backend)
	}
	switch c.IDs.Generator {
	case IDsUUID:
	case IDsSnowflake:
		if c.IDs.MachineID > math.MaxUint16 {
			return fmt.Errorf("%w: ids.machine_id %d exceeds %d", ErrInvalidConfig, c.IDs.MachineID, math.MaxUint16)
		}
	default:
		return fmt.Errorf("%w: unknown id generator %q", ErrInvalidConfig, c.IDs.Generator)
	}
	switch c.Log.Format {
	case FormatConsole, FormatJSON:
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, c.Log.Format)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.Stages.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// NewLogger builds a zerolog logger writing to w.
func (l LogConfig) NewLogger(w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(l.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if l.Format == FormatConsole {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "billflow").Logger()
}
