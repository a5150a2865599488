// Package liveness tracks whether the detection backend is reachable and
// whether its engine is running.
//
// Two push channels feed a shared [State]: the one-shot reachability channel
// (/api/online) and the long-lived engine-state channel
// (/api/detection-state). The poller writes reachability into the same State
// from its request outcomes, so the most recent signal from any source wins.
package liveness

import (
	"sync"

	"github.com/MrWong99/speakersync/pkg/types"
)

// State is the shared liveness record. It is safe for concurrent use.
type State struct {
	mu     sync.Mutex
	cur    types.Liveness
	subs   map[int]func(prev, next types.Liveness)
	nextID int
}

// NewState returns a State with unknown reachability and engine state.
func NewState() *State {
	return &State{
		cur:  types.Liveness{Backend: types.ReachabilityUnknown, Engine: types.EngineUnknown},
		subs: make(map[int]func(prev, next types.Liveness)),
	}
}

// Get returns the current liveness.
func (s *State) Get() types.Liveness {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Engine returns the current engine state.
func (s *State) Engine() types.EngineState {
	return s.Get().Engine
}

// SetBackend records backend reachability. It reports whether the value
// changed.
func (s *State) SetBackend(r types.Reachability) bool {
	return s.update(func(l *types.Liveness) { l.Backend = r })
}

// SetEngine records the engine state. It reports whether the value changed.
func (s *State) SetEngine(e types.EngineState) bool {
	return s.update(func(l *types.Liveness) { l.Engine = e })
}

// Subscribe registers fn to be called after every change. Callbacks run on
// the writer's goroutine with no lock held. The returned func unsubscribes.
func (s *State) Subscribe(fn func(prev, next types.Liveness)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

func (s *State) update(mutate func(*types.Liveness)) bool {
	s.mu.Lock()
	prev := s.cur
	mutate(&s.cur)
	next := s.cur
	if prev == next {
		s.mu.Unlock()
		return false
	}
	fns := make([]func(prev, next types.Liveness), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(prev, next)
	}
	return true
}
