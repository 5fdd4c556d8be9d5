package domain

import (
	"encoding/json"
	"testing"
)

func TestNeedsAttention(t *testing.T) {
	cases := []struct {
		name  string
		entry ContextEntry
		want  bool
	}{
		{"error kind", ContextEntry{Kind: KindError}, true},
		{"approval kind", ContextEntry{Kind: KindApproval}, true},
		{"status kind", ContextEntry{Kind: KindStatus}, false},
		{"note kind", ContextEntry{Kind: KindNote}, false},
		{"handoff kind", ContextEntry{Kind: KindHandoff}, false},
		{"flagged note", ContextEntry{Kind: KindNote, HumanAttentionNeeded: true}, true},
		{"flagged unknown kind", ContextEntry{Kind: "custom_signal", HumanAttentionNeeded: true}, true},
		{"unflagged unknown kind", ContextEntry{Kind: "custom_signal"}, false},
	}
	for _, tc := range cases {
		if got := tc.entry.NeedsAttention(); got != tc.want {
			t.Errorf("%s: NeedsAttention() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestUnknownKindRoundTrips(t *testing.T) {
	entry := ContextEntry{
		ID:        "e1",
		ProjectID: "p1",
		Actor:     "agent",
		Kind:      "escalation_v2",
		Text:      "new kind from a future writer",
	}
	if entry.Kind.Recognized() {
		t.Fatalf("unknown kind must not be recognized")
	}
	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var parsed ContextEntry
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if parsed.Kind != EventKind("escalation_v2") {
		t.Fatalf("raw kind lost: got %q", parsed.Kind)
	}
	if !KindApproval.Recognized() {
		t.Fatalf("catalog kind must be recognized")
	}
}
