package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Engine EngineConfig `yaml:"engine"`
	Worker WorkerConfig `yaml:"worker"`
}

type ServerConfig struct {
	Port              int           `yaml:"port"`
	Host              string        `yaml:"host"`
	BroadcastThrottle time.Duration `yaml:"broadcast_throttle"`
	StatusInterval    time.Duration `yaml:"status_interval"`
}

type EngineConfig struct {
	ModelPath   string  `yaml:"model_path"`
	Temperature float32 `yaml:"temperature"`
	Seed        uint32  `yaml:"seed"`
}

type WorkerConfig struct {
	// Cooldown is the minimum spacing between consecutive inferences of
	// any kind, monitoring or priority.
	Cooldown time.Duration `yaml:"cooldown"`

	// WarmupDelay is waited before the first session attempt; RetryDelay
	// before each retry. Warmup is the shorter of the two.
	WarmupDelay time.Duration `yaml:"warmup_delay"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	MaxRetries  int           `yaml:"max_retries"`

	// TokenReadTimeout bounds a single token read. Kept short so abort
	// requests and device stalls are noticed quickly.
	TokenReadTimeout time.Duration `yaml:"token_read_timeout"`

	// QueryTimeout is the caller-side hard bound on a priority query.
	QueryTimeout time.Duration `yaml:"query_timeout"`

	// ShutdownTimeout bounds how long Close waits for the worker before
	// detaching from it.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	MonitorMaxTokens int     `yaml:"monitor_max_tokens"`
	QueryMaxTokens   int     `yaml:"query_max_tokens"`
	QueryTemperature float32 `yaml:"query_temperature"`

	// StreamTokens echoes priority-query tokens to stdout as they arrive.
	StreamTokens bool `yaml:"stream_tokens"`
}

// Default returns the built-in configuration. Load starts from these
// values, so a partial config file only overrides what it mentions.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              8090,
			Host:              "0.0.0.0",
			BroadcastThrottle: 100 * time.Millisecond,
			StatusInterval:    5 * time.Second,
		},
		Engine: EngineConfig{
			ModelPath:   "Qwen2-VL-2B-Instruct.hef",
			Temperature: 0.1,
			Seed:        42,
		},
		Worker: WorkerConfig{
			Cooldown:         time.Second,
			WarmupDelay:      3 * time.Second,
			RetryDelay:       5 * time.Second,
			MaxRetries:       5,
			TokenReadTimeout: 2 * time.Second,
			QueryTimeout:     60 * time.Second,
			ShutdownTimeout:  5 * time.Second,
			MonitorMaxTokens: 15,
			QueryMaxTokens:   200,
			QueryTemperature: 0.5,
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
