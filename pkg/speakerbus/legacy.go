package speakerbus

import "sync"

// BridgedEvents are the event names forwarded from a legacy broadcaster.
var BridgedEvents = []string{EventUpdate, EventIdentified, EventCleared}

// Broadcaster is a broadcast-style event mechanism predating [Bus].
type Broadcaster interface {
	// Listen registers fn for events called name and returns a function that
	// removes the registration.
	Listen(name string, fn func(detail any)) (stop func())
}

// Bridge forwards [BridgedEvents] raised on legacy to b, tagged with
// [SourceLegacy]. Register it once per broadcaster; the returned function
// detaches the bridge. Nothing is forwarded in the other direction.
func Bridge(b *Bus, legacy Broadcaster) (detach func()) {
	stops := make([]func(), 0, len(BridgedEvents))
	for _, name := range BridgedEvents {
		stops = append(stops, legacy.Listen(name, func(detail any) {
			b.EmitFrom(SourceLegacy, name, detail)
		}))
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, stop := range stops {
				stop()
			}
		})
	}
}

// LegacyChannel is an in-process [Broadcaster]. Producers that have not moved
// to [Bus] yet call Dispatch; listeners are invoked synchronously.
type LegacyChannel struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[string]map[int]func(any)
}

// NewLegacyChannel creates an empty [LegacyChannel].
func NewLegacyChannel() *LegacyChannel {
	return &LegacyChannel{listeners: make(map[string]map[int]func(any))}
}

// Listen implements [Broadcaster].
func (c *LegacyChannel) Listen(name string, fn func(detail any)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	if c.listeners[name] == nil {
		c.listeners[name] = make(map[int]func(any))
	}
	c.listeners[name][id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners[name], id)
		c.mu.Unlock()
	}
}

// Dispatch delivers detail to every listener of name.
func (c *LegacyChannel) Dispatch(name string, detail any) {
	c.mu.RLock()
	fns := make([]func(any), 0, len(c.listeners[name]))
	for _, fn := range c.listeners[name] {
		fns = append(fns, fn)
	}
	c.mu.RUnlock()

	for _, fn := range fns {
		fn(detail)
	}
}
