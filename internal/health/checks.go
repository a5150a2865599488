package health

import (
	"context"
	"errors"

	"github.com/MrWong99/speakersync/internal/settings"
	"github.com/MrWong99/speakersync/pkg/types"
)

var (
	errBackendOffline = errors.New("backend offline")
	errHydrating      = errors.New("settings not hydrated yet")
	errEngineStopped  = errors.New("detection engine stopped")
)

// Backend fails while the detection backend is known to be offline. An
// unknown reachability passes, since no signal has arrived yet.
func Backend(liveness func() types.Liveness) Checker {
	return Checker{
		Name: "backend",
		Check: func(context.Context) error {
			if liveness().Backend == types.ReachabilityOffline {
				return errBackendOffline
			}
			return nil
		},
	}
}

// Engine reports a stopped detection engine. It is advisory: the poller
// publishes a pending snapshot and resumes once the engine runs again.
func Engine(liveness func() types.Liveness) Checker {
	return Checker{
		Name:     "engine",
		Advisory: true,
		Check: func(context.Context) error {
			if liveness().Engine == types.EngineStopped {
				return errEngineStopped
			}
			return nil
		},
	}
}

// Settings fails until the settings synchronizer left the hydrating phase.
func Settings(state func() settings.State) Checker {
	return Checker{
		Name: "settings",
		Check: func(context.Context) error {
			if state().Phase != settings.PhaseReady {
				return errHydrating
			}
			return nil
		},
	}
}
