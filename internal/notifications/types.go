package notifications

import "time"

// Severity indicates the importance of a notification.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	_, ok := severityLevels[s]
	return ok
}

var severityLevels = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityCritical: 2,
}

// NotificationType names the workflow transition that triggered the notification.
type NotificationType string

const (
	TypeFeedbackSubmitted NotificationType = "feedback_submitted"
	TypeFeedbackReviewed  NotificationType = "feedback_reviewed"
	TypeFeedbackApplied   NotificationType = "feedback_applied"
	TypeFeedbackWithdrawn NotificationType = "feedback_withdrawn"
)

// Notification is a single workflow notification record.
type Notification struct {
	ID         string           `json:"id"`
	Type       NotificationType `json:"type"`
	Severity   Severity         `json:"severity"`
	Title      string           `json:"title"`
	Message    string           `json:"message"`
	FeedbackID string           `json:"feedback_id"`
	Roles      []string         `json:"recipient_roles"`
	Delivered  bool             `json:"delivered"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Preference stores a role's webhook delivery preferences.
type Preference struct {
	Role           string   `json:"role"`
	Channel        string   `json:"channel"`
	SeverityFilter Severity `json:"severity_filter"`
	WebhookURL     string   `json:"webhook_url,omitempty"`
}
