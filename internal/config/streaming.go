package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// StreamingConfigFile is the project-root file holding bus and writer tuning.
const StreamingConfigFile = "streaming.yaml"

// StreamingConfig is the global streaming configuration shared by all
// instances: the bus connection and the async JSONL writer tuning.
// Precedence: env > streaming.yaml > defaults.
type StreamingConfig struct {
	Redis      RedisConfig      `yaml:"redis"`
	AsyncWrite AsyncWriteConfig `yaml:"async_write"`
}

// RedisConfig is the bus broker connection. An empty URL selects the
// in-process broker, which fans out within one process only.
type RedisConfig struct {
	URL            string `yaml:"url"`
	DB             int    `yaml:"db"`
	MaxConnections int    `yaml:"max_connections"`
}

// AsyncWriteConfig tunes the batched JSONL writer.
type AsyncWriteConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// UnmarshalYAML accepts flush_interval either as a Go duration string
// ("250ms") or as bare seconds ("1.0").
func (c *AsyncWriteConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		BatchSize     int    `yaml:"batch_size"`
		FlushInterval string `yaml:"flush_interval"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.BatchSize = raw.BatchSize
	if raw.FlushInterval == "" {
		return nil
	}
	d, err := time.ParseDuration(raw.FlushInterval)
	if err != nil {
		secs, ferr := strconv.ParseFloat(raw.FlushInterval, 64)
		if ferr != nil {
			return fmt.Errorf("flush_interval %q: %w", raw.FlushInterval, err)
		}
		d = time.Duration(secs * float64(time.Second))
	}
	c.FlushInterval = d
	return nil
}

// DefaultStreaming returns the built-in streaming defaults.
func DefaultStreaming() *StreamingConfig {
	return &StreamingConfig{
		Redis: RedisConfig{
			MaxConnections: 50,
		},
		AsyncWrite: AsyncWriteConfig{
			BatchSize:     10,
			FlushInterval: time.Second,
		},
	}
}

// LoadStreaming reads streaming.yaml from projectRoot if present, then
// overlays env vars. A missing file is not an error.
func LoadStreaming(projectRoot string) (*StreamingConfig, error) {
	cfg := DefaultStreaming()

	path := filepath.Join(projectRoot, StreamingConfigFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// defaults + env only
	default:
		return nil, fmt.Errorf("read streaming config: %w", err)
	}

	cfg.applyEnvOverrides()

	if cfg.AsyncWrite.BatchSize <= 0 {
		cfg.AsyncWrite.BatchSize = 10
	}
	if cfg.AsyncWrite.FlushInterval <= 0 {
		cfg.AsyncWrite.FlushInterval = time.Second
	}
	if cfg.Redis.MaxConnections <= 0 {
		cfg.Redis.MaxConnections = 50
	}
	return cfg, nil
}

func (c *StreamingConfig) applyEnvOverrides() {
	if v := os.Getenv("CLAWCAST_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("CLAWCAST_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = n
		}
	}
	if v := os.Getenv("CLAWCAST_REDIS_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.MaxConnections = n
		}
	}
	if v := os.Getenv("CLAWCAST_WRITE_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.AsyncWrite.BatchSize = n
		}
	}
	if v := os.Getenv("CLAWCAST_WRITE_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.AsyncWrite.FlushInterval = d
		}
	}
}
