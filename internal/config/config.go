// Package config defines the YAML configuration schema for the Lumen
// companion daemon and the loader/validation logic around it.
package config

import "time"

// LogLevel is the slog level name used in the config file.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is one of the recognised level names.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration for a Lumen instance.
type Config struct {
	// Server holds process-level settings.
	Server ServerConfig `yaml:"server"`

	// Realtime configures the speech-to-speech channel.
	Realtime RealtimeConfig `yaml:"realtime"`

	// VAD tunes local voice activity detection.
	VAD VADConfig `yaml:"vad"`

	// Capture tunes camera and turn-assembly cadence.
	Capture CaptureConfig `yaml:"capture"`

	// Reconnect sets the channel reconnection policy.
	Reconnect ReconnectConfig `yaml:"reconnect"`

	// Storage configures turn persistence. Optional; when the DSN is empty
	// turns are kept in memory only.
	Storage StorageConfig `yaml:"storage"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	// ListenAddr is the address for the health/metrics HTTP endpoint,
	// e.g. ":8080". Empty disables the endpoint.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel sets the slog level: debug, info, warn or error.
	// Defaults to info.
	LogLevel LogLevel `yaml:"log_level"`
}

// RealtimeConfig configures the speech-to-speech channel.
type RealtimeConfig struct {
	// APIKeyEnv names the environment variable holding the API key.
	// Defaults to OPENAI_API_KEY. The key itself never lives in the file.
	APIKeyEnv string `yaml:"api_key_env"`

	// Model overrides the default realtime model name.
	Model string `yaml:"model"`

	// BaseURL overrides the default websocket endpoint.
	BaseURL string `yaml:"base_url"`

	// Voice selects the synthesised voice for model speech.
	Voice string `yaml:"voice"`

	// Instructions is the system prompt applied to the remote session.
	Instructions string `yaml:"instructions"`
}

// VADConfig tunes local voice activity detection.
type VADConfig struct {
	// EnergyThreshold is the RMS level above which a chunk counts as
	// speech. Defaults to 30.
	EnergyThreshold float64 `yaml:"energy_threshold"`

	// StartChunks is the number of consecutive speech chunks required to
	// confirm speech start. Defaults to 10 (200ms of 20ms chunks).
	StartChunks int `yaml:"start_chunks"`

	// EndChunks is the number of consecutive silent chunks required to
	// confirm speech end. Defaults to 25 (500ms).
	EndChunks int `yaml:"end_chunks"`

	// InterruptMultiplier raises the threshold while the model is
	// speaking, so playback bleed does not trigger barge-in. Defaults to 3.
	InterruptMultiplier float64 `yaml:"interrupt_multiplier"`
}

// CaptureConfig tunes camera and turn-assembly cadence.
type CaptureConfig struct {
	// AmbientInterval is the period between ambient camera frames while a
	// user turn is open. Zero disables ambient capture.
	AmbientInterval time.Duration `yaml:"ambient_interval"`

	// AnchorGrace bounds how long turn assembly waits for the end-of-turn
	// anchor frame. Defaults to 500ms.
	AnchorGrace time.Duration `yaml:"anchor_grace"`

	// SettleDelay is the pause after speech end before the turn is
	// committed, absorbing trailing VAD jitter.
	SettleDelay time.Duration `yaml:"settle_delay"`

	// ResponseTimeout bounds the wait for first model audio after a turn
	// is committed. Defaults to 15s.
	ResponseTimeout time.Duration `yaml:"response_timeout"`
}

// ReconnectConfig sets the channel reconnection policy.
type ReconnectConfig struct {
	// MaxAttempts is the reconnection attempt budget. Defaults to 5.
	MaxAttempts int `yaml:"max_attempts"`

	// Delay is the fixed wait between attempts. Defaults to 3s.
	Delay time.Duration `yaml:"delay"`
}

// StorageConfig configures turn persistence.
type StorageConfig struct {
	// PostgresDSN is the connection string for the turn store. Empty
	// selects the in-memory store.
	PostgresDSN string `yaml:"postgres_dsn"`
}
