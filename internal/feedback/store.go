package feedback

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"github.com/ziadkadry99/contentintel/internal/apperr"
	"github.com/ziadkadry99/contentintel/internal/db"
	"github.com/ziadkadry99/contentintel/internal/permission"
)

// Store persists feedback events. Events are never deleted.
type Store struct {
	db *db.DB
}

// NewStore creates a Store backed by the given database.
func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// Create inserts ev. An existing row with the same id is never
// overwritten; the collision is reported as DuplicateID.
func (s *Store) Create(ctx context.Context, ev *Event) error {
	cols, err := encodeEvent(ev)
	if err != nil {
		return err
	}

	res, err := s.db.Conn(ctx).ExecContext(ctx, `
		INSERT INTO feedback_events (
			id, actor_id, actor_role, feedback_type, target_type, target_id,
			payload, description, description_folded, priority, business_impact, expected_outcome,
			evidence, attachments, status, impact_analysis, review,
			reviewed_by, reviewed_at, applied_by, applied_at,
			withdrawn_by, withdrawn_at, withdrawal_reason, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		ev.ID, ev.ActorID, string(ev.ActorRole), string(ev.FeedbackType), string(ev.TargetType),
		db.NullString(ev.TargetID), cols.payload, ev.Description, foldCase(ev.Description), string(ev.Priority),
		db.NullString(ev.BusinessImpact), db.NullString(ev.ExpectedOutcome),
		cols.evidence, cols.attachments, string(ev.Status), cols.impact, cols.review,
		cols.reviewedBy, cols.reviewedAt, db.NullString(ev.AppliedBy), db.NullTime(ev.AppliedAt),
		db.NullString(ev.WithdrawnBy), db.NullTime(ev.WithdrawnAt), db.NullString(ev.WithdrawalReason),
		db.FormatTime(ev.CreatedAt), db.FormatTime(ev.UpdatedAt),
	)
	if err != nil {
		return errors.Wrap(err, "inserting feedback event")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.DuplicateID("feedback id %s already exists", ev.ID)
	}
	return nil
}

// Get returns a single event.
func (s *Store) Get(ctx context.Context, id string) (*Event, error) {
	row := s.db.Conn(ctx).QueryRowContext(ctx, selectColumns+" WHERE id = ?", id)
	ev, err := scanInto(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("feedback %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading feedback event")
	}
	return ev, nil
}

// Approved reports whether the event is in the approved status.
func (s *Store) Approved(ctx context.Context, id string) (bool, error) {
	var status string
	err := s.db.Conn(ctx).QueryRowContext(ctx,
		"SELECT status FROM feedback_events WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, apperr.NotFound("feedback %s not found", id)
	}
	if err != nil {
		return false, errors.Wrap(err, "reading feedback status")
	}
	return Status(status) == StatusApproved, nil
}

// Update applies mutate to the event when its status is one of from. The
// write is a test-and-set on the status and updated_at read before mutate
// ran, so a concurrent writer makes it fail with InvalidTransition.
func (s *Store) Update(ctx context.Context, id string, from []Status, mutate func(*Event) error) (*Event, error) {
	var result *Event
	err := s.db.InTx(ctx, func(ctx context.Context) error {
		ev, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if ev.Status.Terminal() {
			return apperr.InvalidTransition("feedback %s is %s, which is final", id, ev.Status)
		}
		if !slices.Contains(from, ev.Status) {
			return apperr.InvalidTransition("feedback %s cannot leave status %s", id, ev.Status)
		}
		prevStatus, prevUpdated := ev.Status, ev.UpdatedAt

		if err := mutate(ev); err != nil {
			return err
		}
		cols, err := encodeEvent(ev)
		if err != nil {
			return err
		}

		res, err := s.db.Conn(ctx).ExecContext(ctx, `
			UPDATE feedback_events SET
				status = ?, payload = ?, impact_analysis = ?, review = ?,
				reviewed_by = ?, reviewed_at = ?, applied_by = ?, applied_at = ?,
				withdrawn_by = ?, withdrawn_at = ?, withdrawal_reason = ?, updated_at = ?
			WHERE id = ? AND status = ? AND updated_at = ?`,
			string(ev.Status), cols.payload, cols.impact, cols.review,
			cols.reviewedBy, cols.reviewedAt, db.NullString(ev.AppliedBy), db.NullTime(ev.AppliedAt),
			db.NullString(ev.WithdrawnBy), db.NullTime(ev.WithdrawnAt), db.NullString(ev.WithdrawalReason),
			db.FormatTime(ev.UpdatedAt),
			id, string(prevStatus), db.FormatTime(prevUpdated),
		)
		if err != nil {
			return errors.Wrap(err, "updating feedback event")
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return apperr.InvalidTransition("feedback %s changed concurrently", id)
		}
		result = ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Query returns one page of events matching q and the total match count.
// q must already be normalized.
func (s *Store) Query(ctx context.Context, q SearchQuery) ([]Event, int, error) {
	var (
		clauses []string
		args    []any
	)
	if q.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(q.Status))
	}
	if q.Type != "" {
		clauses = append(clauses, "feedback_type = ?")
		args = append(args, string(q.Type))
	}
	if q.TargetType != "" {
		clauses = append(clauses, "target_type = ?")
		args = append(args, string(q.TargetType))
	}
	if q.ActorRole != "" {
		clauses = append(clauses, "actor_role = ?")
		args = append(args, string(q.ActorRole))
	}
	if q.Priority != "" {
		clauses = append(clauses, "priority = ?")
		args = append(args, string(q.Priority))
	}
	if q.DateFrom != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, db.FormatTime(*q.DateFrom))
	}
	if q.DateTo != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, db.FormatTime(*q.DateTo))
	}
	// SQLite's LOWER only folds ASCII, so both sides are folded in Go.
	if text := strings.TrimSpace(q.Query); text != "" {
		clauses = append(clauses, `description_folded LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(foldCase(text))+"%")
	}

	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	conn := s.db.Conn(ctx)
	var total int
	if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM feedback_events"+where, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "counting feedback events")
	}

	dir := "DESC"
	if q.SortOrder == SortAsc {
		dir = "ASC"
	}
	column := "created_at"
	if q.SortBy == SortStatus {
		column = "status"
	}
	query := selectColumns + where +
		fmt.Sprintf(" ORDER BY %s %s, rowid %s LIMIT %d OFFSET %d",
			column, dir, dir, q.PageSize, (q.Page-1)*q.PageSize)

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "querying feedback events")
	}
	defer rows.Close()

	items := []Event{}
	for rows.Next() {
		ev, err := scanInto(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "scanning feedback event")
		}
		items = append(items, *ev)
	}
	return items, total, rows.Err()
}

// Summarize computes dashboard aggregates over every event.
func (s *Store) Summarize(ctx context.Context) (*Summary, error) {
	conn := s.db.Conn(ctx)
	sum := &Summary{
		ByStatus:  map[Status]int{},
		ByType:    map[Type]int{},
		ByRole:    map[string]int{},
		RecentIDs: []string{},
	}

	counts := func(column string, add func(key string, n int)) error {
		rows, err := conn.QueryContext(ctx,
			"SELECT "+column+", COUNT(*) FROM feedback_events GROUP BY "+column)
		if err != nil {
			return errors.Wrapf(err, "counting by %s", column)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				key string
				n   int
			)
			if err := rows.Scan(&key, &n); err != nil {
				return errors.Wrapf(err, "scanning %s count", column)
			}
			add(key, n)
		}
		return rows.Err()
	}

	if err := counts("status", func(k string, n int) {
		sum.ByStatus[Status(k)] = n
		sum.Total += n
	}); err != nil {
		return nil, err
	}
	if err := counts("feedback_type", func(k string, n int) { sum.ByType[Type(k)] = n }); err != nil {
		return nil, err
	}
	if err := counts("actor_role", func(k string, n int) { sum.ByRole[k] = n }); err != nil {
		return nil, err
	}

	accepted := sum.ByStatus[StatusApproved] + sum.ByStatus[StatusApplied]
	if decided := accepted + sum.ByStatus[StatusRejected]; decided > 0 {
		sum.ApprovalRate = float64(accepted) / float64(decided)
	}

	hours, err := s.avgReviewHours(ctx, conn)
	if err != nil {
		return nil, err
	}
	sum.AvgReviewHours = hours

	rows, err := conn.QueryContext(ctx,
		"SELECT id FROM feedback_events ORDER BY created_at DESC, rowid DESC LIMIT 10")
	if err != nil {
		return nil, errors.Wrap(err, "listing recent feedback")
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scanning recent feedback")
		}
		sum.RecentIDs = append(sum.RecentIDs, id)
	}
	return sum, rows.Err()
}

func (s *Store) avgReviewHours(ctx context.Context, conn db.Querier) (float64, error) {
	rows, err := conn.QueryContext(ctx,
		"SELECT created_at, reviewed_at FROM feedback_events WHERE reviewed_at IS NOT NULL")
	if err != nil {
		return 0, errors.Wrap(err, "reading review times")
	}
	defer rows.Close()

	var (
		total time.Duration
		n     int
	)
	for rows.Next() {
		var created, reviewed string
		if err := rows.Scan(&created, &reviewed); err != nil {
			return 0, errors.Wrap(err, "scanning review times")
		}
		c, err := db.ParseTime(created)
		if err != nil {
			return 0, err
		}
		r, err := db.ParseTime(reviewed)
		if err != nil {
			return 0, err
		}
		total += r.Sub(c)
		n++
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return total.Hours() / float64(n), nil
}

func foldCase(s string) string {
	return strings.ToLower(s)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// encoded holds the JSON and nullable forms of an event's structured fields.
type encoded struct {
	payload, evidence, attachments string
	impact, review                 sql.NullString
	reviewedBy, reviewedAt         sql.NullString
}

func encodeEvent(ev *Event) (encoded, error) {
	var (
		out encoded
		err error
	)
	if out.payload, err = jsonText(orEmptyMap(ev.Payload)); err != nil {
		return out, errors.Wrap(err, "marshalling payload")
	}
	if out.evidence, err = jsonText(orEmptyList(ev.Evidence)); err != nil {
		return out, errors.Wrap(err, "marshalling evidence")
	}
	if out.attachments, err = jsonText(orEmptyList(ev.Attachments)); err != nil {
		return out, errors.Wrap(err, "marshalling attachments")
	}
	if ev.ImpactAnalysis != nil {
		text, err := jsonText(ev.ImpactAnalysis)
		if err != nil {
			return out, errors.Wrap(err, "marshalling impact analysis")
		}
		out.impact = sql.NullString{String: text, Valid: true}
	}
	if ev.Review != nil {
		text, err := jsonText(ev.Review)
		if err != nil {
			return out, errors.Wrap(err, "marshalling review")
		}
		out.review = sql.NullString{String: text, Valid: true}
		out.reviewedBy = db.NullString(ev.Review.ReviewedBy)
		out.reviewedAt = db.NullTime(&ev.Review.ReviewedAt)
	}
	return out, nil
}

func jsonText(v any) (string, error) {
	b, err := json.Marshal(v)
	return string(b), err
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptyList(l []string) []string {
	if l == nil {
		return []string{}
	}
	return l
}

const selectColumns = `SELECT id, actor_id, actor_role, feedback_type, target_type, target_id,
	payload, description, priority, business_impact, expected_outcome,
	evidence, attachments, status, impact_analysis, review,
	applied_by, applied_at, withdrawn_by, withdrawn_at, withdrawal_reason,
	created_at, updated_at
	FROM feedback_events`

// scanner is implemented by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanInto(sc scanner) (*Event, error) {
	var (
		ev                                   Event
		role, ftype, ttype, priority, status string
		targetID, impact, expected           sql.NullString
		payload, evidence, attachments       string
		analysis, review                     sql.NullString
		appliedBy, appliedAt                 sql.NullString
		withdrawnBy, withdrawnAt, reason     sql.NullString
		createdAt, updatedAt                 string
	)

	err := sc.Scan(&ev.ID, &ev.ActorID, &role, &ftype, &ttype, &targetID,
		&payload, &ev.Description, &priority, &impact, &expected,
		&evidence, &attachments, &status, &analysis, &review,
		&appliedBy, &appliedAt, &withdrawnBy, &withdrawnAt, &reason,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	ev.ActorRole = permission.Role(role)
	ev.FeedbackType = Type(ftype)
	ev.TargetType = TargetType(ttype)
	ev.Priority = Priority(priority)
	ev.Status = Status(status)
	ev.TargetID = targetID.String
	ev.BusinessImpact = impact.String
	ev.ExpectedOutcome = expected.String
	ev.AppliedBy = appliedBy.String
	ev.AppliedAt = db.TimePtr(appliedAt)
	ev.WithdrawnBy = withdrawnBy.String
	ev.WithdrawnAt = db.TimePtr(withdrawnAt)
	ev.WithdrawalReason = reason.String

	if ev.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if ev.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
		return nil, errors.Wrap(err, "decoding payload")
	}
	if err := json.Unmarshal([]byte(evidence), &ev.Evidence); err != nil {
		return nil, errors.Wrap(err, "decoding evidence")
	}
	if err := json.Unmarshal([]byte(attachments), &ev.Attachments); err != nil {
		return nil, errors.Wrap(err, "decoding attachments")
	}
	if analysis.Valid {
		if err := json.Unmarshal([]byte(analysis.String), &ev.ImpactAnalysis); err != nil {
			return nil, errors.Wrap(err, "decoding impact analysis")
		}
	}
	if review.Valid {
		ev.Review = &Review{}
		if err := json.Unmarshal([]byte(review.String), ev.Review); err != nil {
			return nil, errors.Wrap(err, "decoding review")
		}
	}
	return &ev, nil
}
