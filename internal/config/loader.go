package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/MrWong99/speakersync/internal/settings"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields [Default].
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{Server: ServerConfig{ListenAddr: DefaultListenAddr}}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Backend
	if cfg.Backend.BaseURL != "" {
		if err := validateOrigin(cfg.Backend.BaseURL); err != nil {
			errs = append(errs, fmt.Errorf("backend.base_url: %w", err))
		}
	}
	if cfg.Backend.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("backend.dial_timeout %s must not be negative", cfg.Backend.DialTimeout))
	}
	if cfg.Backend.ResponseHeaderTimeout < 0 {
		errs = append(errs, fmt.Errorf("backend.response_header_timeout %s must not be negative", cfg.Backend.ResponseHeaderTimeout))
	}

	// Detection
	d := cfg.Detection
	if d.InitialMode != "" && !d.InitialMode.IsValid() {
		errs = append(errs, fmt.Errorf("detection.initial_mode %q is invalid; valid values: off, single, multi", d.InitialMode))
	}
	if d.Endpoint != "" && !strings.HasPrefix(d.Endpoint, "/") {
		errs = append(errs, fmt.Errorf("detection.endpoint %q must start with /", d.Endpoint))
	}
	if d.Smoothing < 0 {
		errs = append(errs, fmt.Errorf("detection.smoothing %d must not be negative", d.Smoothing))
	}
	if d.MinDelta < 0 || d.MinDelta > 1 {
		errs = append(errs, fmt.Errorf("detection.min_delta %.3f is out of range [0, 1]", d.MinDelta))
	}
	if d.SettingsVariant != "" && !d.SettingsVariant.IsValid() {
		errs = append(errs, fmt.Errorf("detection.settings_variant %q is invalid; valid values: current, legacy", d.SettingsVariant))
	}
	if d.Debounce < 0 {
		errs = append(errs, fmt.Errorf("detection.debounce %s must not be negative", d.Debounce))
	}
	if d.RestartOnModeChange && d.SettingsVariant != settings.VariantLegacy {
		slog.Warn("detection.restart_on_mode_change only applies to the legacy settings variant",
			"settings_variant", string(d.SettingsVariant),
		)
	}

	// Liveness
	l := cfg.Liveness
	if l.ReconnectBackoff < 0 || l.MaxReconnectBackoff < 0 {
		errs = append(errs, errors.New("liveness backoff durations must not be negative"))
	} else if l.MaxReconnectBackoff > 0 && l.ReconnectBackoff > l.MaxReconnectBackoff {
		errs = append(errs, fmt.Errorf("liveness.reconnect_backoff %s exceeds max_reconnect_backoff %s", l.ReconnectBackoff, l.MaxReconnectBackoff))
	}

	// Log
	if cfg.Log.Level != "" && !cfg.Log.Level.IsValid() {
		errs = append(errs, fmt.Errorf("log.level %q is invalid; valid values: debug, info, warn, error", cfg.Log.Level))
	}
	if cfg.Log.Format != "" && !cfg.Log.Format.IsValid() {
		errs = append(errs, fmt.Errorf("log.format %q is invalid; valid values: text, json", cfg.Log.Format))
	}

	return errors.Join(errs...)
}

// validateOrigin requires an absolute http(s) URL.
func validateOrigin(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}
