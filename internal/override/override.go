package override

import "time"

// RuleOverride is a change record that supersedes a calculation rule over
// a time window. One exists per applied feedback event.
type RuleOverride struct {
	ID              string         `json:"id"`
	FeedbackEventID string         `json:"feedback_event_id"`
	OverrideType    string         `json:"override_type"`
	OriginalValue   map[string]any `json:"original_value"`
	NewValue        map[string]any `json:"new_value"`
	Description     string         `json:"description,omitempty"`
	EffectiveFrom   time.Time      `json:"effective_from"`
	EffectiveTo     *time.Time     `json:"effective_to,omitempty"`
	IsActive        bool           `json:"is_active"`
	CreatedAt       time.Time      `json:"created_at"`
	CreatedBy       string         `json:"created_by"`
}

// ActiveAt reports whether o is in effect at t. Both window ends are
// inclusive.
func (o RuleOverride) ActiveAt(t time.Time) bool {
	if !o.IsActive || o.EffectiveFrom.After(t) {
		return false
	}
	return o.EffectiveTo == nil || !o.EffectiveTo.Before(t)
}

// Spec describes the override to create when feedback is applied.
type Spec struct {
	OverrideType  string         `json:"override_type"`
	OriginalValue map[string]any `json:"original_value"`
	NewValue      map[string]any `json:"new_value"`
	Description   string         `json:"description,omitempty"`
	EffectiveFrom time.Time      `json:"effective_from"`
	EffectiveTo   *time.Time     `json:"effective_to,omitempty"`
}

// ActiveFilter narrows ListActive. A zero At means the registry clock.
type ActiveFilter struct {
	OverrideType    string
	FeedbackEventID string
	At              time.Time
}

// ListFilter narrows List, which includes inactive and expired overrides.
type ListFilter struct {
	OverrideType    string
	FeedbackEventID string
	Active          *bool
	Limit           int
	Offset          int
}
