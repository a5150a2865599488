package config

// ConfigDiff describes what changed between two configs.
// Hot-reloadable changes are reported field by field; everything else is
// listed in RestartRequired.
type ConfigDiff struct {
	BaseURLChanged bool
	NewBaseURL     string

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// DetectionTuningChanged is true when smoothing, background label or any
	// detection logging knob changed.
	DetectionTuningChanged bool

	// RestartRequired names changed keys that only take effect on restart.
	RestartRequired []string
}

// Empty reports whether d carries no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.BaseURLChanged && !d.LogLevelChanged && !d.DetectionTuningChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Backend.BaseURL != new.Backend.BaseURL {
		d.BaseURLChanged = true
		d.NewBaseURL = new.Backend.BaseURL
	}

	if old.Log.Level != new.Log.Level {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Log.Level
	}

	od, nd := old.Detection, new.Detection
	if od.Smoothing != nd.Smoothing ||
		od.BackgroundLabel != nd.BackgroundLabel ||
		od.LogEnabled() != nd.LogEnabled() ||
		od.ChangeOnly() != nd.ChangeOnly() ||
		od.MinDelta != nd.MinDelta {
		d.DetectionTuningChanged = true
	}

	restart := func(key string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, key)
		}
	}
	restart("backend.user_agent", old.Backend.UserAgent != new.Backend.UserAgent)
	restart("backend.dial_timeout", old.Backend.DialTimeout != new.Backend.DialTimeout)
	restart("backend.response_header_timeout", old.Backend.ResponseHeaderTimeout != new.Backend.ResponseHeaderTimeout)
	restart("detection.endpoint", od.Endpoint != nd.Endpoint)
	restart("detection.settings_variant", od.SettingsVariant != nd.SettingsVariant)
	restart("detection.restart_on_mode_change", od.RestartOnModeChange != nd.RestartOnModeChange)
	restart("detection.debounce", od.Debounce != nd.Debounce)
	restart("session", old.Session != new.Session)
	restart("liveness", old.Liveness.IsEnabled() != new.Liveness.IsEnabled() ||
		old.Liveness.ReconnectBackoff != new.Liveness.ReconnectBackoff ||
		old.Liveness.MaxReconnectBackoff != new.Liveness.MaxReconnectBackoff)
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("log.format", old.Log.Format != new.Log.Format)
	restart("telemetry.service_name", old.Telemetry.ServiceName != new.Telemetry.ServiceName)

	return d
}
