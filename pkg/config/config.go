package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML fields like "30s" or "5m"
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the daemon configuration
type Config struct {
	DataDir     string `yaml:"data_dir"`
	MetricsAddr string `yaml:"metrics_addr"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`

	Sync struct {
		Workers        int      `yaml:"workers"`
		DebounceWindow Duration `yaml:"debounce_window"`
		FlushTimeout   Duration `yaml:"flush_timeout"`
	} `yaml:"sync"`

	Supervisor struct {
		Interval          Duration `yaml:"interval"`
		ProbeTimeout      Duration `yaml:"probe_timeout"`
		FailureThreshold  int      `yaml:"failure_threshold"`
		ReconnectAttempts int      `yaml:"reconnect_attempts"`
		ErrorBackoff      Duration `yaml:"error_backoff"`
		MaxErrorBackoff   Duration `yaml:"max_error_backoff"`
	} `yaml:"supervisor"`

	Usage struct {
		PollInterval       Duration `yaml:"poll_interval"`
		CommitInterval     Duration `yaml:"commit_interval"`
		UsageThresholds    []int    `yaml:"usage_thresholds"`
		DaysLeftThresholds []int    `yaml:"days_left_thresholds"`
	} `yaml:"usage"`

	Handle struct {
		StartTimeout   Duration `yaml:"start_timeout"`
		RetryAttempts  int      `yaml:"retry_attempts"`
		RetryBaseDelay Duration `yaml:"retry_base_delay"`
		RestartBudget  int      `yaml:"restart_budget"`
		RestartWindow  Duration `yaml:"restart_window"`
	} `yaml:"handle"`

	ShutdownGrace Duration `yaml:"shutdown_grace"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	cfg := &Config{
		DataDir:     "/var/lib/nodewarden",
		MetricsAddr: ":9090",
	}
	cfg.Log.Level = "info"
	cfg.ShutdownGrace = Duration(15 * time.Second)
	return cfg
}

// Load reads a YAML configuration file, applying defaults for anything
// left unset
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data_dir must not be empty")
	}
	return cfg, nil
}
