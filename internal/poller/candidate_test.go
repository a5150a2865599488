package poller

import (
	"encoding/json"
	"testing"
)

func TestExtractCandidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		body     string
		wantName string
		wantConf *float64
	}{
		{name: "absent", body: `{"speaker":"alice"}`},
		{name: "suggested string", body: `{"suggested":"bob"}`, wantName: "bob"},
		{name: "suggested object speaker+confidence", body: `{"suggested":{"speaker":"bob","confidence":0.4}}`, wantName: "bob", wantConf: ptr(0.4)},
		{name: "suggested object name+score", body: `{"suggested":{"name":"carol","score":0.3}}`, wantName: "carol", wantConf: ptr(0.3)},
		{name: "suggested object label+probability", body: `{"suggested":{"label":"dave","probability":0.2}}`, wantName: "dave", wantConf: ptr(0.2)},
		{name: "suggested array of strings", body: `{"suggested":["erin","frank"]}`, wantName: "erin"},
		{name: "suggested array of objects", body: `{"suggested":[{"speaker":"gina","confidence":0.7}]}`, wantName: "gina", wantConf: ptr(0.7)},
		{name: "suggested empty array hides candidate", body: `{"suggested":[],"candidate":{"speaker":"hank"}}`},
		{name: "suggested null hides suggestions", body: `{"suggested":null,"suggestions":[{"name":"ivy","score":0.1}]}`},
		{name: "falsy candidate falls through", body: `{"candidate":null,"suggestions":[{"name":"ivy","score":0.1}]}`, wantName: "ivy", wantConf: ptr(0.1)},
		{name: "empty suggestions", body: `{"suggestions":[]}`},
		{name: "candidate object", body: `{"candidate":{"speaker":"jack","confidence":0.55}}`, wantName: "jack", wantConf: ptr(0.55)},
		{name: "suggestions array", body: `{"suggestions":[{"label":"kate"},{"label":"leo"}]}`, wantName: "kate"},
		{name: "suggested wins over candidate", body: `{"suggested":"mia","candidate":{"speaker":"ned"}}`, wantName: "mia"},
		{name: "non-numeric confidence ignored", body: `{"suggested":{"speaker":"olga","confidence":"high"}}`, wantName: "olga"},
		{name: "null confidence falls back to score", body: `{"candidate":{"speaker":"pat","confidence":null,"score":0.9}}`, wantName: "pat", wantConf: ptr(0.9)},
		{name: "speaker preferred over name", body: `{"candidate":{"speaker":"quinn","name":"other"}}`, wantName: "quinn"},
		{name: "suggestions of strings yields nothing", body: `{"suggestions":["rita"]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var body map[string]any
			if err := json.Unmarshal([]byte(tt.body), &body); err != nil {
				t.Fatalf("bad fixture: %v", err)
			}
			got := extractCandidate(body)
			if got.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", got.Name, tt.wantName)
			}
			if !sameFloat(got.Confidence, tt.wantConf) {
				t.Errorf("Confidence = %v, want %v", deref(got.Confidence), deref(tt.wantConf))
			}
		})
	}
}

func ptr(f float64) *float64 { return &f }

func deref(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
