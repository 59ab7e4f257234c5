package audit

import "time"

// Action describes what was done.
type Action string

const (
	ActionFeedbackSubmitted   Action = "feedback_submitted"
	ActionFeedbackReviewed    Action = "feedback_reviewed"
	ActionFeedbackApplied     Action = "feedback_applied"
	ActionFeedbackWithdrawn   Action = "feedback_withdrawn"
	ActionOverrideDeactivated Action = "override_deactivated"
	ActionOverrideExpired     Action = "override_expired"
)

// TargetType names the kind of record an entry is about.
type TargetType string

const (
	TargetFeedback     TargetType = "feedback"
	TargetRuleOverride TargetType = "rule_override"
)

// Context is advisory request metadata. It is never used for decisions.
type Context struct {
	SessionID string `json:"session_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Entry is a single audit trail record.
type Entry struct {
	ID          string         `json:"id"`
	Seq         int64          `json:"seq"`
	Timestamp   time.Time      `json:"timestamp"`
	Action      Action         `json:"action"`
	ActorID     string         `json:"actor_id"`
	TargetType  TargetType     `json:"target_type"`
	TargetID    string         `json:"target_id"`
	OldValue    map[string]any `json:"old_value,omitempty"`
	NewValue    map[string]any `json:"new_value,omitempty"`
	Description string         `json:"description"`
	Context     Context        `json:"context"`
	PrevHash    string         `json:"prev_hash"`
	Hash        string         `json:"hash"`
}

// VerifyResult reports the outcome of a hash chain walk.
type VerifyResult struct {
	Valid    bool  `json:"valid"`
	Checked  int   `json:"checked"`
	BrokenAt int64 `json:"broken_at,omitempty"`
}
