package application

import (
	"errors"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DispatchConfig tunes acknowledgment timeouts and retries.
type DispatchConfig struct {
	AckTimeout    time.Duration `yaml:"ack_timeout"`
	MaxAttempts   int           `yaml:"max_attempts"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	StatsWindow   time.Duration `yaml:"stats_window"`
}

// LoadDispatchConfig loads dispatch tuning from yaml or env. Defaults:
// 30s ack timeout, 3 attempts, 5s sweep, 24h stats window.
func LoadDispatchConfig() (DispatchConfig, error) {
	cfg := DispatchConfig{
		AckTimeout:    getenvDuration("COMMAND_ACK_TIMEOUT", 30*time.Second),
		MaxAttempts:   getenvIntDefault("COMMAND_MAX_ATTEMPTS", 3),
		SweepInterval: getenvDuration("COMMAND_SWEEP_INTERVAL", 5*time.Second),
		StatsWindow:   getenvDuration("COMMAND_STATS_WINDOW", 24*time.Hour),
	}

	if path := os.Getenv("COMMAND_DISPATCH_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	if cfg.AckTimeout <= 0 {
		return cfg, errors.New("commands: ack timeout must be positive")
	}
	if cfg.MaxAttempts < 1 {
		return cfg, errors.New("commands: max attempts must be at least 1")
	}
	if cfg.SweepInterval <= 0 {
		return cfg, errors.New("commands: sweep interval must be positive")
	}
	if cfg.StatsWindow <= 0 {
		return cfg, errors.New("commands: stats window must be positive")
	}
	return cfg, nil
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
