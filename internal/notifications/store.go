package notifications

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/ziadkadry99/contentintel/internal/apperr"
	"github.com/ziadkadry99/contentintel/internal/db"
)

// ListFilter controls which notifications are returned by List.
type ListFilter struct {
	Type       NotificationType
	Severity   Severity
	Role       string
	FeedbackID string
	Delivered  *bool
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
}

// Store provides CRUD operations for notifications and preferences.
type Store struct {
	db  *db.DB
	now func() time.Time
}

// NewStore creates a Store backed by the given database.
func NewStore(database *db.DB) *Store {
	return &Store{db: database, now: time.Now}
}

// Create inserts a new notification. Empty ID and CreatedAt are filled in.
func (s *Store) Create(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	n.CreatedAt = n.CreatedAt.UTC()
	if n.Roles == nil {
		n.Roles = []string{}
	}

	roles, err := json.Marshal(n.Roles)
	if err != nil {
		return errors.Wrap(err, "marshalling recipient roles")
	}

	delivered := 0
	if n.Delivered {
		delivered = 1
	}

	_, err = s.db.Conn(ctx).ExecContext(ctx, `
		INSERT INTO notifications (id, type, severity, title, message, feedback_id, recipient_roles, delivered, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, string(n.Type), string(n.Severity), n.Title, n.Message,
		n.FeedbackID, string(roles), delivered, db.FormatTime(n.CreatedAt),
	)
	if err != nil {
		return errors.Wrap(err, "inserting notification")
	}
	return nil
}

// GetByID retrieves a single notification.
func (s *Store) GetByID(ctx context.Context, id string) (*Notification, error) {
	row := s.db.Conn(ctx).QueryRowContext(ctx, selectColumns+" WHERE id = ?", id)
	n, err := scanInto(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("notification %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading notification")
	}
	return n, nil
}

// List returns notifications matching the filter, newest first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]Notification, error) {
	var (
		clauses []string
		args    []any
	)

	if filter.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Severity != "" {
		clauses = append(clauses, "severity = ?")
		args = append(args, string(filter.Severity))
	}
	if filter.Role != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(recipient_roles) WHERE value = ?)")
		args = append(args, filter.Role)
	}
	if filter.FeedbackID != "" {
		clauses = append(clauses, "feedback_id = ?")
		args = append(args, filter.FeedbackID)
	}
	if filter.Delivered != nil {
		v := 0
		if *filter.Delivered {
			v = 1
		}
		clauses = append(clauses, "delivered = ?")
		args = append(args, v)
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, db.FormatTime(filter.Since))
	}
	if !filter.Until.IsZero() {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, db.FormatTime(filter.Until))
	}

	query := selectColumns
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.Conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying notifications")
	}
	defer rows.Close()

	result := []Notification{}
	for rows.Next() {
		n, err := scanInto(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning notification")
		}
		result = append(result, *n)
	}
	return result, rows.Err()
}

// MarkDelivered sets delivered=1 for the given notification.
func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	res, err := s.db.Conn(ctx).ExecContext(ctx, "UPDATE notifications SET delivered = 1 WHERE id = ?", id)
	if err != nil {
		return errors.Wrap(err, "marking notification delivered")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("notification %s not found", id)
	}
	return nil
}

// GetPending returns all undelivered notifications.
func (s *Store) GetPending(ctx context.Context, role string) ([]Notification, error) {
	delivered := false
	return s.List(ctx, ListFilter{Delivered: &delivered, Role: role})
}

// SetPreference upserts a notification preference.
func (s *Store) SetPreference(ctx context.Context, pref Preference) error {
	if pref.SeverityFilter == "" {
		pref.SeverityFilter = SeverityInfo
	}
	_, err := s.db.Conn(ctx).ExecContext(ctx, `
		INSERT INTO notification_preferences (role, channel, severity_filter, webhook_url)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(role, channel) DO UPDATE SET
			severity_filter = excluded.severity_filter,
			webhook_url = excluded.webhook_url`,
		pref.Role, pref.Channel, string(pref.SeverityFilter), db.NullString(pref.WebhookURL),
	)
	if err != nil {
		return errors.Wrap(err, "upserting preference")
	}
	return nil
}

// GetPreferences returns all notification preferences for a role.
func (s *Store) GetPreferences(ctx context.Context, role string) ([]Preference, error) {
	rows, err := s.db.Conn(ctx).QueryContext(ctx, `
		SELECT role, channel, severity_filter, webhook_url
		FROM notification_preferences WHERE role = ? ORDER BY channel`, role)
	if err != nil {
		return nil, errors.Wrap(err, "querying preferences")
	}
	defer rows.Close()

	prefs := []Preference{}
	for rows.Next() {
		var (
			p          Preference
			severity   string
			webhookURL sql.NullString
		)
		if err := rows.Scan(&p.Role, &p.Channel, &severity, &webhookURL); err != nil {
			return nil, errors.Wrap(err, "scanning preference")
		}
		p.SeverityFilter = Severity(severity)
		p.WebhookURL = webhookURL.String
		prefs = append(prefs, p)
	}
	return prefs, rows.Err()
}

const selectColumns = `SELECT id, type, severity, title, message, feedback_id, recipient_roles, delivered, created_at
	FROM notifications`

// scanner is implemented by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanInto(sc scanner) (*Notification, error) {
	var (
		n               Notification
		ntype, severity string
		roles           string
		delivered       int
		ts              string
	)

	err := sc.Scan(&n.ID, &ntype, &severity, &n.Title, &n.Message,
		&n.FeedbackID, &roles, &delivered, &ts)
	if err != nil {
		return nil, err
	}

	n.Type = NotificationType(ntype)
	n.Severity = Severity(severity)
	n.Delivered = delivered != 0
	if n.CreatedAt, err = db.ParseTime(ts); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(roles), &n.Roles); err != nil {
		return nil, errors.Wrap(err, "decoding recipient roles")
	}
	return &n, nil
}
