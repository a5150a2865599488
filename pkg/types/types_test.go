package types

import (
	"encoding/json"
	"testing"
)

func TestReachabilityJSON(t *testing.T) {
	t.Parallel()
	for r, want := range map[Reachability]string{
		ReachabilityUnknown: "null",
		ReachabilityOnline:  "true",
		ReachabilityOffline: "false",
	} {
		got, err := json.Marshal(Liveness{Backend: r, Engine: EngineRunning})
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		wantJSON := `{"backend_online":` + want + `,"engine":"running"}`
		if string(got) != wantJSON {
			t.Errorf("Marshal(%v) = %s, want %s", r, got, wantJSON)
		}
	}
}

func TestSnapshotClone(t *testing.T) {
	t.Parallel()
	c := 0.7
	s := Snapshot{Speaker: "alice", Confidence: &c}
	cl := s.Clone()
	*cl.Confidence = 0.1
	if *s.Confidence != 0.7 {
		t.Errorf("Clone shares confidence pointer: got %v", *s.Confidence)
	}
	if got := Idle(StatusPending, s.At).ConfidenceOr(-1); got != -1 {
		t.Errorf("ConfidenceOr on idle snapshot = %v, want -1", got)
	}
}

func TestModeUnmarshalText(t *testing.T) {
	t.Parallel()
	var m Mode
	if err := m.UnmarshalText([]byte("multi")); err != nil || m != ModeMulti {
		t.Fatalf("UnmarshalText(multi) = %v, %q", err, m)
	}
	if err := m.UnmarshalText([]byte("loud")); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
