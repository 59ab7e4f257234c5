package override

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ziadkadry99/contentintel/internal/apperr"
	"github.com/ziadkadry99/contentintel/internal/audit"
	"github.com/ziadkadry99/contentintel/internal/auth"
	"github.com/ziadkadry99/contentintel/internal/db"
	"github.com/ziadkadry99/contentintel/internal/permission"
)

// FeedbackSource reports whether a feedback event is approved. It returns
// a NotFound error for unknown ids.
type FeedbackSource interface {
	Approved(ctx context.Context, feedbackID string) (bool, error)
}

// Registry stores rule overrides and answers which are in effect.
type Registry struct {
	db       *db.DB
	feedback FeedbackSource
	audit    *audit.Store
	authz    *permission.Authority
	now      func() time.Time
	log      logrus.FieldLogger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces the registry clock.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a Registry backed by the given database.
func NewRegistry(database *db.DB, feedback FeedbackSource, auditStore *audit.Store, authz *permission.Authority, log logrus.FieldLogger, opts ...Option) *Registry {
	r := &Registry{
		db:       database,
		feedback: feedback,
		audit:    auditStore,
		authz:    authz,
		now:      time.Now,
		log:      log.WithField("component", "override"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply creates the override for an approved feedback event. It joins the
// transaction on ctx. The feedback must be approved (InvalidState
// otherwise) and must not already have an override (DuplicateId).
func (r *Registry) Apply(ctx context.Context, feedbackID string, spec Spec, createdBy string) (*RuleOverride, error) {
	if strings.TrimSpace(spec.OverrideType) == "" {
		return nil, apperr.InvalidArgument("override_type is required")
	}
	if spec.EffectiveFrom.IsZero() {
		spec.EffectiveFrom = r.now()
	}
	if spec.EffectiveTo != nil && spec.EffectiveTo.Before(spec.EffectiveFrom) {
		return nil, apperr.InvalidArgument("effective_to must not be before effective_from")
	}

	approved, err := r.feedback.Approved(ctx, feedbackID)
	if err != nil {
		return nil, err
	}
	if !approved {
		return nil, apperr.InvalidState("feedback %s must be approved before it can be applied", feedbackID)
	}

	o := &RuleOverride{
		ID:              uuid.New().String(),
		FeedbackEventID: feedbackID,
		OverrideType:    spec.OverrideType,
		OriginalValue:   orEmpty(spec.OriginalValue),
		NewValue:        orEmpty(spec.NewValue),
		Description:     spec.Description,
		EffectiveFrom:   spec.EffectiveFrom.UTC(),
		EffectiveTo:     utcPtr(spec.EffectiveTo),
		IsActive:        true,
		CreatedAt:       r.now().UTC(),
		CreatedBy:       createdBy,
	}

	original, err := json.Marshal(o.OriginalValue)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling original value")
	}
	updated, err := json.Marshal(o.NewValue)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling new value")
	}

	res, err := r.db.Conn(ctx).ExecContext(ctx, `
		INSERT INTO rule_overrides (
			id, feedback_event_id, override_type, original_value, new_value,
			description, effective_from, effective_to, is_active, created_at, created_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(feedback_event_id) DO NOTHING`,
		o.ID, o.FeedbackEventID, o.OverrideType, string(original), string(updated),
		o.Description, db.FormatTime(o.EffectiveFrom), db.NullTime(o.EffectiveTo),
		db.FormatTime(o.CreatedAt), o.CreatedBy,
	)
	if err != nil {
		return nil, errors.Wrap(err, "inserting rule override")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, apperr.DuplicateID("feedback %s already has a rule override", feedbackID)
	}

	r.log.WithFields(logrus.Fields{
		"override_id": o.ID,
		"feedback_id": feedbackID,
		"type":        o.OverrideType,
	}).Info("rule override created")
	return o, nil
}

// Get returns a single override.
func (r *Registry) Get(ctx context.Context, id string) (*RuleOverride, error) {
	row := r.db.Conn(ctx).QueryRowContext(ctx, selectColumns+" WHERE id = ?", id)
	o, err := scanInto(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("rule override %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading rule override")
	}
	return o, nil
}

// ListActive returns overrides in effect at filter.At, most recently
// effective first with ties in creation order.
func (r *Registry) ListActive(ctx context.Context, filter ActiveFilter) ([]RuleOverride, error) {
	at := filter.At
	if at.IsZero() {
		at = r.now()
	}
	stamp := db.FormatTime(at)

	clauses := []string{
		"is_active = 1",
		"effective_from <= ?",
		"(effective_to IS NULL OR effective_to >= ?)",
	}
	args := []any{stamp, stamp}
	if filter.OverrideType != "" {
		clauses = append(clauses, "override_type = ?")
		args = append(args, filter.OverrideType)
	}
	if filter.FeedbackEventID != "" {
		clauses = append(clauses, "feedback_event_id = ?")
		args = append(args, filter.FeedbackEventID)
	}

	query := selectColumns + " WHERE " + strings.Join(clauses, " AND ") +
		" ORDER BY effective_from DESC, created_at ASC, rowid ASC"
	found, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	// The SQL window compares stored text; ActiveAt is the authoritative check.
	active := found[:0]
	for _, o := range found {
		if o.ActiveAt(at) {
			active = append(active, o)
		}
	}
	return active, nil
}

// List returns overrides regardless of their window, newest first.
func (r *Registry) List(ctx context.Context, filter ListFilter) ([]RuleOverride, error) {
	if filter.Limit < 0 || filter.Limit > 1000 {
		return nil, apperr.InvalidArgument("limit must be between 1 and 1000")
	}
	if filter.Offset < 0 {
		return nil, apperr.InvalidArgument("offset must not be negative")
	}
	if filter.Limit == 0 {
		filter.Limit = 100
	}

	var (
		clauses []string
		args    []any
	)
	if filter.OverrideType != "" {
		clauses = append(clauses, "override_type = ?")
		args = append(args, filter.OverrideType)
	}
	if filter.FeedbackEventID != "" {
		clauses = append(clauses, "feedback_event_id = ?")
		args = append(args, filter.FeedbackEventID)
	}
	if filter.Active != nil {
		v := 0
		if *filter.Active {
			v = 1
		}
		clauses = append(clauses, "is_active = ?")
		args = append(args, v)
	}

	query := selectColumns
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, rowid DESC LIMIT %d OFFSET %d", filter.Limit, filter.Offset)
	return r.query(ctx, query, args...)
}

// Deactivate switches an override off. Requires overrides:write.
func (r *Registry) Deactivate(ctx context.Context, id string, actor auth.Actor) (*RuleOverride, error) {
	if err := r.authz.Require(actor, permission.OverridesWrite); err != nil {
		return nil, err
	}

	var result *RuleOverride
	err := r.db.InTx(ctx, func(ctx context.Context) error {
		o, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		if !o.IsActive {
			return apperr.InvalidState("rule override %s is already inactive", id)
		}

		res, err := r.db.Conn(ctx).ExecContext(ctx,
			"UPDATE rule_overrides SET is_active = 0 WHERE id = ? AND is_active = 1", id)
		if err != nil {
			return errors.Wrap(err, "deactivating rule override")
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return apperr.InvalidState("rule override %s changed concurrently", id)
		}

		if _, err := r.audit.Append(ctx, audit.Entry{
			Timestamp:   r.now(),
			Action:      audit.ActionOverrideDeactivated,
			ActorID:     actor.ID,
			TargetType:  audit.TargetRuleOverride,
			TargetID:    id,
			OldValue:    map[string]any{"is_active": true},
			NewValue:    map[string]any{"is_active": false},
			Description: fmt.Sprintf("Rule override deactivated by %s", actor.ID),
			Context:     auditContext(ctx),
		}); err != nil {
			return err
		}

		o.IsActive = false
		result = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Expire closes an override's window at at (zero means now). Requires
// overrides:write.
func (r *Registry) Expire(ctx context.Context, id string, at time.Time, actor auth.Actor) (*RuleOverride, error) {
	if err := r.authz.Require(actor, permission.OverridesWrite); err != nil {
		return nil, err
	}
	if at.IsZero() {
		at = r.now()
	}
	at = at.UTC()

	var result *RuleOverride
	err := r.db.InTx(ctx, func(ctx context.Context) error {
		o, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		if o.EffectiveTo != nil && !o.EffectiveTo.After(at) {
			return apperr.InvalidState("rule override %s already expired", id)
		}
		if at.Before(o.EffectiveFrom) {
			return apperr.InvalidArgument("effective_to must not be before effective_from")
		}

		res, err := r.db.Conn(ctx).ExecContext(ctx, `
			UPDATE rule_overrides SET effective_to = ?
			WHERE id = ? AND (effective_to IS NULL OR effective_to > ?)`,
			db.FormatTime(at), id, db.FormatTime(at))
		if err != nil {
			return errors.Wrap(err, "expiring rule override")
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return apperr.InvalidState("rule override %s changed concurrently", id)
		}

		old := map[string]any{"effective_to": nil}
		if o.EffectiveTo != nil {
			old["effective_to"] = o.EffectiveTo.Format(time.RFC3339Nano)
		}
		if _, err := r.audit.Append(ctx, audit.Entry{
			Timestamp:   r.now(),
			Action:      audit.ActionOverrideExpired,
			ActorID:     actor.ID,
			TargetType:  audit.TargetRuleOverride,
			TargetID:    id,
			OldValue:    old,
			NewValue:    map[string]any{"effective_to": at.Format(time.RFC3339Nano)},
			Description: fmt.Sprintf("Rule override expired by %s", actor.ID),
			Context:     auditContext(ctx),
		}); err != nil {
			return err
		}

		o.EffectiveTo = &at
		result = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *Registry) query(ctx context.Context, query string, args ...any) ([]RuleOverride, error) {
	rows, err := r.db.Conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying rule overrides")
	}
	defer rows.Close()

	result := []RuleOverride{}
	for rows.Next() {
		o, err := scanInto(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning rule override")
		}
		result = append(result, *o)
	}
	return result, rows.Err()
}

func auditContext(ctx context.Context) audit.Context {
	rc := auth.RequestContextFrom(ctx)
	return audit.Context{SessionID: rc.SessionID, IPAddress: rc.IPAddress, UserAgent: rc.UserAgent}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

const selectColumns = `SELECT id, feedback_event_id, override_type, original_value, new_value,
	description, effective_from, effective_to, is_active, created_at, created_by
	FROM rule_overrides`

// scanner is implemented by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanInto(sc scanner) (*RuleOverride, error) {
	var (
		o                 RuleOverride
		original, updated string
		effectiveFrom     string
		effectiveTo       sql.NullString
		createdAt         string
		active            int
	)

	err := sc.Scan(&o.ID, &o.FeedbackEventID, &o.OverrideType, &original, &updated,
		&o.Description, &effectiveFrom, &effectiveTo, &active, &createdAt, &o.CreatedBy)
	if err != nil {
		return nil, err
	}

	o.IsActive = active != 0
	if o.EffectiveFrom, err = db.ParseTime(effectiveFrom); err != nil {
		return nil, err
	}
	if o.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, err
	}
	o.EffectiveTo = db.TimePtr(effectiveTo)
	if err := json.Unmarshal([]byte(original), &o.OriginalValue); err != nil {
		return nil, errors.Wrap(err, "decoding original value")
	}
	if err := json.Unmarshal([]byte(updated), &o.NewValue); err != nil {
		return nil, errors.Wrap(err, "decoding new value")
	}
	return &o, nil
}
