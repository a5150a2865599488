// Package types defines the shared types used across all speakersync packages.
//
// These types form the lingua franca between the poller, the settings
// synchronizer, the liveness channels and the event bus. They are
// intentionally minimal. Each package defines its own domain types;
// cross-cutting data structures live here to avoid circular imports.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Mode selects how the remote engine listens for speakers.
type Mode string

const (
	// ModeOff disables detection entirely. No detection requests are sent.
	ModeOff Mode = "off"

	// ModeSingle detects one active speaker at a time.
	ModeSingle Mode = "single"

	// ModeMulti detects overlapping speakers.
	ModeMulti Mode = "multi"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeOff, ModeSingle, ModeMulti:
		return true
	}
	return false
}

// Status is the engine status reported in a [Snapshot]. The backend may send
// values outside the known set; those are carried through verbatim.
type Status string

const (
	StatusPending   Status = "pending"
	StatusListening Status = "listening"
	StatusDisabled  Status = "disabled"
	StatusError     Status = "error"
)

// Snapshot is the detection view published once per poll cycle. A new value
// replaces the previous one entirely; consumers only ever see copies.
type Snapshot struct {
	// Speaker is the detected speaker name. Empty means no speaker.
	Speaker string `json:"speaker"`

	// Confidence is the (optionally smoothed) detection confidence in [0, 1].
	// Nil when the backend did not report a numeric confidence.
	Confidence *float64 `json:"confidence"`

	// IsSpeaking reports whether a known speaker is currently talking.
	IsSpeaking bool `json:"is_speaking"`

	// Status is the engine status.
	Status Status `json:"status"`

	// AltSpeaker is an optional alternate candidate suggested by the backend.
	AltSpeaker string `json:"alt_speaker,omitempty"`

	// AltConfidence is the alternate candidate's confidence, when reported.
	AltConfidence *float64 `json:"alt_confidence,omitempty"`

	// At is when the snapshot was produced.
	At time.Time `json:"at"`
}

// Idle returns a snapshot with all detection fields cleared and the given
// status.
func Idle(status Status, at time.Time) Snapshot {
	return Snapshot{Status: status, At: at}
}

// ConfidenceOr returns the snapshot confidence or def when absent.
func (s Snapshot) ConfidenceOr(def float64) float64 {
	if s.Confidence == nil {
		return def
	}
	return *s.Confidence
}

// Clone returns a deep copy of s so that pointer fields are not shared.
func (s Snapshot) Clone() Snapshot {
	c := s
	if s.Confidence != nil {
		v := *s.Confidence
		c.Confidence = &v
	}
	if s.AltConfidence != nil {
		v := *s.AltConfidence
		c.AltConfidence = &v
	}
	return c
}

// Reachability is the tri-state backend reachability.
type Reachability int

const (
	// ReachabilityUnknown means no signal has been received yet.
	ReachabilityUnknown Reachability = iota
	ReachabilityOnline
	ReachabilityOffline
)

// String returns the human-readable name of r.
func (r Reachability) String() string {
	switch r {
	case ReachabilityOnline:
		return "online"
	case ReachabilityOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes r as true, false or null.
func (r Reachability) MarshalJSON() ([]byte, error) {
	switch r {
	case ReachabilityOnline:
		return []byte("true"), nil
	case ReachabilityOffline:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

// EngineState is the run state pushed by the backend's engine-state channel.
type EngineState string

const (
	EngineUnknown EngineState = "unknown"
	EngineRunning EngineState = "running"
	EngineStopped EngineState = "stopped"
)

// Liveness combines backend reachability with the engine run state.
type Liveness struct {
	Backend Reachability `json:"backend_online"`
	Engine  EngineState  `json:"engine"`
}

// Defaults is the server-declared tuning used by a reset action.
type Defaults struct {
	IntervalMs int     `json:"interval_ms"`
	Threshold  float64 `json:"threshold"`
}

// Settings is the desired detection configuration.
type Settings struct {
	Mode           Mode    `json:"mode"`
	IntervalMs     int     `json:"interval_ms"`
	Threshold      float64 `json:"threshold"`
	SessionLogging bool    `json:"session_logging"`
}

// Interval returns the configured polling interval as a duration.
func (s Settings) Interval() time.Duration {
	return time.Duration(s.IntervalMs) * time.Millisecond
}

// UnmarshalText lets Mode be decoded from YAML and flag values.
func (m *Mode) UnmarshalText(b []byte) error {
	v := Mode(b)
	if !v.IsValid() {
		return fmt.Errorf("types: invalid mode %q; valid values: off, single, multi", string(b))
	}
	*m = v
	return nil
}

var _ json.Marshaler = Reachability(0)
