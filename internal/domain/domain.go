package domain

import "time"

// EventKind classifies a context entry. Unknown kinds coming off the wire or
// out of the log are kept verbatim so they round-trip without data loss;
// Recognized reports whether the kind is one of the catalog values.
type EventKind string

const (
	KindStatus   EventKind = "status"
	KindHandoff  EventKind = "handoff"
	KindNote     EventKind = "note"
	KindError    EventKind = "error"
	KindApproval EventKind = "approval_needed"
)

// Recognized reports whether k is a catalog kind rather than a raw
// forward-compatibility value.
func (k EventKind) Recognized() bool {
	switch k {
	case KindStatus, KindHandoff, KindNote, KindError, KindApproval:
		return true
	}
	return false
}

// ContextEntry is one immutable recorded event in a project's history.
// Once appended its id, position and content never change.
type ContextEntry struct {
	ID                   string         `json:"id"`
	ProjectID            string         `json:"project_id"`
	SessionName          string         `json:"session_name"`
	Actor                string         `json:"actor"`
	Kind                 EventKind      `json:"kind"`
	Text                 string         `json:"text"`
	TS                   string         `json:"ts" format:"date-time"`
	Refs                 map[string]any `json:"refs,omitempty"`
	HumanAttentionNeeded bool           `json:"human_attention_needed"`
}

// NeedsAttention reports whether the entry belongs on the human attention
// queue: error and approval kinds always qualify, anything else only when
// the explicit flag is set.
func (e ContextEntry) NeedsAttention() bool {
	return e.Kind == KindError || e.Kind == KindApproval || e.HumanAttentionNeeded
}

// Project is the metadata attribute bag for one tracked project.
type Project struct {
	ID        string `json:"project_id"`
	Name      string `json:"name"`
	Goal      string `json:"goal"`
	Status    string `json:"status"`
	Branch    string `json:"active_branch,omitempty"`
	Owner     string `json:"owner,omitempty"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// Session is the metadata attribute bag for one worker session.
type Session struct {
	ProjectID  string `json:"project_id"`
	Name       string `json:"session_name"`
	Role       string `json:"role"`
	AgentID    string `json:"agent_id,omitempty"`
	State      string `json:"state"`
	Goal       string `json:"goal,omitempty"`
	NextAction string `json:"next_action,omitempty"`
	LastSignal string `json:"last_signal,omitempty"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

// Snapshot is a periodically rebuilt summary of a project's recent history.
type Snapshot struct {
	ProjectID        string   `json:"project_id"`
	Summary          string   `json:"summary"`
	Status           string   `json:"status"`
	OpenBlockers     []string `json:"open_blockers"`
	NextSteps        []string `json:"next_steps"`
	RecentHighlights []string `json:"recent_highlights"`
	UpdatedAt        string   `json:"updated_at" format:"date-time"`
}

// Now formats t the way every persisted timestamp in the store is formatted.
func Now(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
