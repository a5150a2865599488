package speakerbus

import (
	"encoding/json"
	"time"

	"github.com/MrWong99/speakersync/pkg/types"
)

// UpdateDetail accompanies [EventUpdate]. It is emitted after every
// successful poll, whether or not anything changed.
type UpdateDetail struct {
	Name          string       `json:"name"`
	Confidence    *float64     `json:"confidence"`
	IsSpeaking    bool         `json:"isSpeaking"`
	Status        types.Status `json:"status"`
	BackendOnline bool         `json:"backendOnline"`
	TS            time.Time    `json:"ts"`
}

// IdentifiedDetail accompanies [EventIdentified]: a new known speaker.
type IdentifiedDetail struct {
	Name       string       `json:"name"`
	Confidence *float64     `json:"confidence"`
	Status     types.Status `json:"status"`
	TS         time.Time    `json:"ts"`
}

// ClearedDetail accompanies [EventCleared]: the previously identified
// speaker is no longer known enough.
type ClearedDetail struct {
	Previous   string       `json:"previous"`
	To         string       `json:"to"`
	Status     types.Status `json:"status"`
	Confidence float64      `json:"confidence"`
	TS         time.Time    `json:"ts"`
}

// SnapshotDetail accompanies [EventSnapshot]: the full exposed view after it
// changed on any path, including degraded ones.
type SnapshotDetail struct {
	Snapshot types.Snapshot `json:"snapshot"`
	Liveness types.Liveness `json:"liveness"`
	Error    string         `json:"error,omitempty"`
}

// OnUpdate registers a typed handler for [EventUpdate].
func (b *Bus) OnUpdate(fn func(UpdateDetail, Event)) func() {
	return onTyped(b, EventUpdate, fn)
}

// OnIdentified registers a typed handler for [EventIdentified].
func (b *Bus) OnIdentified(fn func(IdentifiedDetail, Event)) func() {
	return onTyped(b, EventIdentified, fn)
}

// OnCleared registers a typed handler for [EventCleared].
func (b *Bus) OnCleared(fn func(ClearedDetail, Event)) func() {
	return onTyped(b, EventCleared, fn)
}

// OnSnapshot registers a typed handler for [EventSnapshot].
func (b *Bus) OnSnapshot(fn func(SnapshotDetail, Event)) func() {
	return onTyped(b, EventSnapshot, fn)
}

func onTyped[T any](b *Bus, name string, fn func(T, Event)) func() {
	return b.On(name, func(ev Event) {
		d, ok := decodeDetail[T](ev.Detail)
		if !ok {
			return
		}
		fn(d, ev)
	})
}

// decodeDetail converts an event detail into T. Bridged events may carry
// loosely typed payloads (maps, raw JSON); those are converted through JSON.
func decodeDetail[T any](detail any) (T, bool) {
	var zero T
	switch d := detail.(type) {
	case T:
		return d, true
	case *T:
		if d == nil {
			return zero, false
		}
		return *d, true
	case json.RawMessage:
		var out T
		if err := json.Unmarshal(d, &out); err != nil {
			return zero, false
		}
		return out, true
	case nil:
		return zero, false
	}

	raw, err := json.Marshal(detail)
	if err != nil {
		return zero, false
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, false
	}
	return out, true
}
