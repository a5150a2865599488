// Package config provides the configuration schema, loader, environment
// overlay and file watcher for the speakersync client.
package config

import (
	"time"

	"github.com/MrWong99/speakersync/internal/settings"
	"github.com/MrWong99/speakersync/pkg/types"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Backend   BackendConfig   `yaml:"backend"`
	Detection DetectionConfig `yaml:"detection"`
	Session   SessionConfig   `yaml:"session"`
	Liveness  LivenessConfig  `yaml:"liveness"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// BackendConfig describes how the detection service is reached.
type BackendConfig struct {
	// BaseURL is the default origin (e.g., "http://localhost:9000"). Empty
	// means same-origin paths. A SPEAKER_API_BASE override wins over it.
	BaseURL string `yaml:"base_url"`

	// UserAgent is sent with every request.
	UserAgent string `yaml:"user_agent"`

	// DialTimeout bounds connection setup. Default: 5s.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// ResponseHeaderTimeout bounds the wait for response headers. Default: 30s.
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
}

// DetectionConfig tunes the detection poller and the settings push.
type DetectionConfig struct {
	// InitialMode is used until the first hydrate succeeds. Default: off.
	InitialMode types.Mode `yaml:"initial_mode"`

	// Endpoint is the detection path. Default: /api/active-speaker.
	Endpoint string `yaml:"endpoint"`

	// Smoothing is the moving-average window size. Values ≤ 1 disable it.
	Smoothing int `yaml:"smoothing"`

	// BackgroundLabel is a speaker name that never counts as known.
	BackgroundLabel string `yaml:"background_label"`

	// Log enables detection logging. Default: true.
	Log *bool `yaml:"log"`

	// LogOnChangeOnly suppresses repeated detection lines. Default: true.
	LogOnChangeOnly *bool `yaml:"log_on_change_only"`

	// MinDelta is the confidence change that counts as a change for
	// change-only logging. Default: 0.02.
	MinDelta float64 `yaml:"min_delta"`

	// SettingsVariant selects the push contract. Default: current.
	SettingsVariant settings.Variant `yaml:"settings_variant"`

	// RestartOnModeChange requests an engine restart after legacy mode pushes.
	RestartOnModeChange bool `yaml:"restart_on_mode_change"`

	// Debounce delays legacy tuning pushes. Default: 300ms.
	Debounce time.Duration `yaml:"debounce"`
}

// LogEnabled reports the effective detection logging switch.
func (d DetectionConfig) LogEnabled() bool {
	return d.Log == nil || *d.Log
}

// ChangeOnly reports the effective change-only logging switch.
func (d DetectionConfig) ChangeOnly() bool {
	return d.LogOnChangeOnly == nil || *d.LogOnChangeOnly
}

// SessionConfig holds session logging settings.
type SessionConfig struct {
	// Logging is the initial session_logging value until hydrate.
	Logging bool `yaml:"logging"`

	// Prefix is the session id prefix. Default: speaker-detector.
	Prefix string `yaml:"prefix"`

	// Host overrides the host name stamped into session ids.
	Host string `yaml:"host"`
}

// LivenessConfig configures the push channels.
type LivenessConfig struct {
	// Enabled turns both channels on. Default: true.
	Enabled *bool `yaml:"enabled"`

	// ReconnectBackoff is the initial re-subscribe delay. Default: 1s.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// MaxReconnectBackoff caps the re-subscribe delay. Default: 30s.
	MaxReconnectBackoff time.Duration `yaml:"max_reconnect_backoff"`
}

// IsEnabled reports the effective channel switch.
func (l LivenessConfig) IsEnabled() bool {
	return l.Enabled == nil || *l.Enabled
}

// ServerConfig holds the local UI feed server settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the feed server. Empty disables it.
	ListenAddr string `yaml:"listen_addr"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  LogLevel  `yaml:"level"`
	Format LogFormat `yaml:"format"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	// ServiceName is reported as service.name. Default: speakersync.
	ServiceName string `yaml:"service_name"`
}

// Default values applied by [ApplyDefaults].
const (
	DefaultEndpoint              = "/api/active-speaker"
	DefaultUserAgent             = "speakersync"
	DefaultDialTimeout           = 5 * time.Second
	DefaultResponseHeaderTimeout = 30 * time.Second
	DefaultMinDelta              = 0.02
	DefaultReconnectBackoff      = time.Second
	DefaultMaxReconnectBackoff   = 30 * time.Second
	DefaultListenAddr            = "127.0.0.1:8787"
	DefaultServiceName           = "speakersync"
)

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{Server: ServerConfig{ListenAddr: DefaultListenAddr}}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero values in cfg. An explicitly empty
// server.listen_addr is kept so that the feed server can be disabled.
func ApplyDefaults(cfg *Config) {
	if cfg.Backend.UserAgent == "" {
		cfg.Backend.UserAgent = DefaultUserAgent
	}
	if cfg.Backend.DialTimeout == 0 {
		cfg.Backend.DialTimeout = DefaultDialTimeout
	}
	if cfg.Backend.ResponseHeaderTimeout == 0 {
		cfg.Backend.ResponseHeaderTimeout = DefaultResponseHeaderTimeout
	}

	d := &cfg.Detection
	if d.InitialMode == "" {
		d.InitialMode = types.ModeOff
	}
	if d.Endpoint == "" {
		d.Endpoint = DefaultEndpoint
	}
	if d.MinDelta == 0 {
		d.MinDelta = DefaultMinDelta
	}
	if d.SettingsVariant == "" {
		d.SettingsVariant = settings.VariantCurrent
	}
	if d.Debounce == 0 {
		d.Debounce = settings.DefaultDebounce
	}

	if cfg.Liveness.ReconnectBackoff == 0 {
		cfg.Liveness.ReconnectBackoff = DefaultReconnectBackoff
	}
	if cfg.Liveness.MaxReconnectBackoff == 0 {
		cfg.Liveness.MaxReconnectBackoff = DefaultMaxReconnectBackoff
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = LogInfo
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = LogFormatText
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}
