package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Validate when the corresponding field is zero.
const (
	defaultAPIKeyEnv           = "OPENAI_API_KEY"
	defaultEnergyThreshold     = 30.0
	defaultStartChunks         = 10
	defaultEndChunks           = 25
	defaultInterruptMultiplier = 3.0
	defaultAnchorGrace         = 500 * time.Millisecond
	defaultResponseTimeout     = 15 * time.Second
	defaultMaxAttempts         = 5
	defaultReconnectDelay      = 3 * time.Second
)

// Load reads and validates a config file from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader parses and validates YAML config from r. Unknown fields are
// rejected so typos surface at startup instead of silently using defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate fills in defaults and checks the config for errors. All problems
// are collected and returned together so a broken file can be fixed in one
// pass. Advisory issues are logged but do not fail validation.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if !c.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("config: server.log_level %q is not one of debug, info, warn, error", c.Server.LogLevel))
	}

	if c.Realtime.APIKeyEnv == "" {
		c.Realtime.APIKeyEnv = defaultAPIKeyEnv
	}

	if c.VAD.EnergyThreshold == 0 {
		c.VAD.EnergyThreshold = defaultEnergyThreshold
	}
	if c.VAD.EnergyThreshold < 0 {
		errs = append(errs, fmt.Errorf("config: vad.energy_threshold must be positive, got %v", c.VAD.EnergyThreshold))
	}
	if c.VAD.StartChunks == 0 {
		c.VAD.StartChunks = defaultStartChunks
	}
	if c.VAD.StartChunks < 0 {
		errs = append(errs, fmt.Errorf("config: vad.start_chunks must be positive, got %d", c.VAD.StartChunks))
	}
	if c.VAD.EndChunks == 0 {
		c.VAD.EndChunks = defaultEndChunks
	}
	if c.VAD.EndChunks < 0 {
		errs = append(errs, fmt.Errorf("config: vad.end_chunks must be positive, got %d", c.VAD.EndChunks))
	}
	if c.VAD.InterruptMultiplier == 0 {
		c.VAD.InterruptMultiplier = defaultInterruptMultiplier
	}
	if c.VAD.InterruptMultiplier < 1 {
		errs = append(errs, fmt.Errorf("config: vad.interrupt_multiplier must be >= 1, got %v", c.VAD.InterruptMultiplier))
	}

	if c.Capture.AnchorGrace == 0 {
		c.Capture.AnchorGrace = defaultAnchorGrace
	}
	if c.Capture.AnchorGrace < 0 {
		errs = append(errs, fmt.Errorf("config: capture.anchor_grace must not be negative, got %v", c.Capture.AnchorGrace))
	}
	if c.Capture.AmbientInterval < 0 {
		errs = append(errs, fmt.Errorf("config: capture.ambient_interval must not be negative, got %v", c.Capture.AmbientInterval))
	}
	if c.Capture.SettleDelay < 0 {
		errs = append(errs, fmt.Errorf("config: capture.settle_delay must not be negative, got %v", c.Capture.SettleDelay))
	}
	if c.Capture.ResponseTimeout == 0 {
		c.Capture.ResponseTimeout = defaultResponseTimeout
	}
	if c.Capture.ResponseTimeout < 0 {
		errs = append(errs, fmt.Errorf("config: capture.response_timeout must not be negative, got %v", c.Capture.ResponseTimeout))
	}

	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = defaultMaxAttempts
	}
	if c.Reconnect.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("config: reconnect.max_attempts must be positive, got %d", c.Reconnect.MaxAttempts))
	}
	if c.Reconnect.Delay == 0 {
		c.Reconnect.Delay = defaultReconnectDelay
	}
	if c.Reconnect.Delay < 0 {
		errs = append(errs, fmt.Errorf("config: reconnect.delay must not be negative, got %v", c.Reconnect.Delay))
	}

	// Advisory: ambient capture off means user turns carry at most the
	// anchor frames. That is a valid low-bandwidth setup, just worth noting.
	if c.Capture.AmbientInterval == 0 {
		slog.Debug("ambient camera capture disabled; turns carry anchor frames only")
	}
	if c.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn not set; conversation history is kept in memory only")
	}

	return errors.Join(errs...)
}
