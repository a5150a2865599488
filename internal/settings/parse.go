package settings

import (
	"math"
	"strings"

	"github.com/MrWong99/speakersync/pkg/types"
)

// parseHydrate merges a listening-mode response into cur. Each field falls
// back independently: mode and session_logging keep their current values,
// interval and threshold fall back to fb. The returned defaults come from the
// response's "defaults" object only; missing fields there fall back to fb.
func parseHydrate(body map[string]any, cur types.Settings, fb types.Defaults) (types.Settings, types.Defaults) {
	out := cur

	if m, ok := body["mode"].(string); ok {
		if mode := types.Mode(strings.ToLower(strings.TrimSpace(m))); mode.IsValid() {
			out.Mode = mode
		}
	}
	if v, ok := body["session_logging"].(bool); ok {
		out.SessionLogging = v
	}
	out.IntervalMs = intervalOf(body, fb.IntervalMs)
	out.Threshold = thresholdOf(body, fb.Threshold)

	defs := fb
	if d, ok := body["defaults"].(map[string]any); ok {
		defs.IntervalMs = intervalOf(d, fb.IntervalMs)
		defs.Threshold = thresholdOf(d, fb.Threshold)
	}
	return out, defs
}

func intervalOf(m map[string]any, fb int) int {
	v, ok := m["interval_ms"].(float64)
	if !ok || v <= 0 || math.IsInf(v, 0) || math.IsNaN(v) {
		return fb
	}
	return int(math.Round(v))
}

// thresholdOf prefers spk_threshold over threshold.
func thresholdOf(m map[string]any, fb float64) float64 {
	for _, key := range []string{"spk_threshold", "threshold"} {
		v, ok := m[key].(float64)
		if !ok || math.IsNaN(v) {
			continue
		}
		return min(max(v, 0), 1)
	}
	return fb
}
