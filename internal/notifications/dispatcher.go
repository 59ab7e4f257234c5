package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"

	"github.com/ziadkadry99/contentintel/internal/audit"
	"github.com/ziadkadry99/contentintel/internal/feedback"
	"github.com/ziadkadry99/contentintel/internal/metrics"
	"github.com/ziadkadry99/contentintel/internal/permission"
)

// Digest summarises notifications for a role over a time period.
type Digest struct {
	Role          string         `json:"role"`
	Period        string         `json:"period"`
	Notifications []Notification `json:"notifications"`
	Summary       string         `json:"summary"`
}

// Dispatcher creates notifications and delivers them to webhook subscribers.
type Dispatcher struct {
	store  *Store
	client *http.Client
	log    logrus.FieldLogger
	now    func() time.Time
}

// NewDispatcher creates a Dispatcher backed by the given store. A zero
// timeout means ten seconds.
func NewDispatcher(store *Store, timeout time.Duration, log logrus.FieldLogger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		store:  store,
		client: &http.Client{Timeout: timeout},
		log:    log.WithField("component", "notifications"),
		now:    time.Now,
	}
}

// Notify turns a committed workflow change into a notification.
func (d *Dispatcher) Notify(ctx context.Context, change feedback.Change) error {
	_, err := d.Dispatch(ctx, FromChange(change))
	return err
}

// FromChange builds the notification for a workflow change. Submissions go
// to reviewers; every later transition goes back to the submitter's role
// and to admins.
func FromChange(c feedback.Change) Notification {
	ev := c.Event
	n := Notification{
		Type:       NotificationType(c.Action),
		Severity:   SeverityInfo,
		FeedbackID: ev.ID,
	}

	switch c.Action {
	case audit.ActionFeedbackSubmitted:
		n.Title = fmt.Sprintf("New %s feedback awaiting review", ev.FeedbackType)
		n.Message = fmt.Sprintf("%s submitted %s: %s", c.Actor.ID, ev.ID, ev.Description)
		n.Roles = []string{string(permission.RoleAdmin), string(permission.RoleAnalyst)}
		switch ev.Priority {
		case feedback.PriorityCritical:
			n.Severity = SeverityCritical
		case feedback.PriorityHigh:
			n.Severity = SeverityWarning
		}
		return n
	case audit.ActionFeedbackReviewed:
		n.Title = fmt.Sprintf("Feedback %s is now %s", ev.ID, ev.Status)
		if ev.Review != nil {
			n.Message = fmt.Sprintf("%s decided %s: %s", c.Actor.ID, ev.Review.Decision, ev.Review.DecisionReason)
		}
		if ev.Status == feedback.StatusRejected {
			n.Severity = SeverityWarning
		}
	case audit.ActionFeedbackApplied:
		n.Title = fmt.Sprintf("Feedback %s applied", ev.ID)
		n.Message = fmt.Sprintf("%s applied %s", c.Actor.ID, ev.ID)
		if c.Override != nil {
			n.Message = fmt.Sprintf("%s applied %s as rule override %s (%s)",
				c.Actor.ID, ev.ID, c.Override.ID, c.Override.OverrideType)
		}
		n.Severity = SeverityWarning
	case audit.ActionFeedbackWithdrawn:
		n.Title = fmt.Sprintf("Feedback %s withdrawn", ev.ID)
		n.Message = fmt.Sprintf("%s withdrew %s", c.Actor.ID, ev.ID)
		if ev.WithdrawalReason != "" {
			n.Message += ": " + ev.WithdrawalReason
		}
	}

	n.Roles = []string{string(ev.ActorRole)}
	if ev.ActorRole != permission.RoleAdmin {
		n.Roles = append(n.Roles, string(permission.RoleAdmin))
	}
	return n
}

// Dispatch persists a notification and sends it to matching webhook
// subscribers of each recipient role. It is marked delivered once every
// matching webhook accepted it.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) (*Notification, error) {
	if err := d.store.Create(ctx, &n); err != nil {
		return nil, errors.Wrap(err, "creating notification")
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling notification")
	}

	var sent, failed int
	for _, role := range n.Roles {
		prefs, err := d.store.GetPreferences(ctx, role)
		if err != nil {
			d.log.WithError(err).WithField("role", role).Warn("reading notification preferences")
			continue
		}
		for _, pref := range prefs {
			if pref.WebhookURL == "" || !severityMatches(n.Severity, pref.SeverityFilter) {
				continue
			}
			if err := d.SendWebhook(ctx, pref.WebhookURL, payload); err != nil {
				failed++
				metrics.NotificationDeliveries.WithLabelValues("failure").Inc()
				d.log.WithError(err).WithFields(logrus.Fields{
					"role":            role,
					"channel":         pref.Channel,
					"notification_id": n.ID,
				}).Warn("webhook delivery failed")
				continue
			}
			sent++
			metrics.NotificationDeliveries.WithLabelValues("success").Inc()
		}
	}

	if sent > 0 && failed == 0 {
		if err := d.store.MarkDelivered(ctx, n.ID); err != nil {
			return nil, err
		}
		n.Delivered = true
	}
	return &n, nil
}

// GenerateDigest builds a summary of notifications addressed to role since
// the given time.
func (d *Dispatcher) GenerateDigest(ctx context.Context, role string, since time.Time) (*Digest, error) {
	matched, err := d.store.List(ctx, ListFilter{Since: since, Role: role})
	if err != nil {
		return nil, errors.Wrap(err, "listing notifications for digest")
	}

	period := fmt.Sprintf("%s to %s",
		since.UTC().Format(time.RFC3339),
		d.now().UTC().Format(time.RFC3339))

	return &Digest{
		Role:          role,
		Period:        period,
		Notifications: matched,
		Summary:       fmt.Sprintf("%d notification(s) for role %s", len(matched), role),
	}, nil
}

// SendWebhook POSTs payload to the given URL.
func (d *Dispatcher) SendWebhook(ctx context.Context, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "creating webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "sending webhook")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errors.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// severityMatches returns true if the notification severity meets or exceeds the filter threshold.
func severityMatches(actual, filter Severity) bool {
	return severityLevels[actual] >= severityLevels[filter]
}
