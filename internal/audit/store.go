package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/ziadkadry99/contentintel/internal/apperr"
	"github.com/ziadkadry99/contentintel/internal/db"
	"github.com/ziadkadry99/contentintel/internal/metrics"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Store appends and reads audit entries. Entries are never updated or
// deleted.
type Store struct {
	db  *db.DB
	now func() time.Time
}

// NewStore creates a Store backed by the given database.
func NewStore(database *db.DB) *Store {
	return &Store{db: database, now: time.Now}
}

// Append records entry, joining the transaction on ctx when there is one.
// ID and Timestamp are filled in when empty. The returned entry carries its
// sequence number and chain hashes.
func (s *Store) Append(ctx context.Context, entry Entry) (*Entry, error) {
	if entry.Action == "" || entry.ActorID == "" || entry.TargetType == "" || entry.TargetID == "" {
		return nil, apperr.InvalidArgument("audit entry requires action, actor, target type and target id")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	entry.Timestamp = entry.Timestamp.UTC()

	oldValue, err := marshalValue(entry.OldValue)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling old value")
	}
	newValue, err := marshalValue(entry.NewValue)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling new value")
	}

	err = s.db.InTx(ctx, func(ctx context.Context) error {
		conn := s.db.Conn(ctx)

		var prev string
		err := conn.QueryRowContext(ctx,
			"SELECT entry_hash FROM audit_entries ORDER BY seq DESC LIMIT 1").Scan(&prev)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return errors.Wrap(err, "reading audit chain head")
		}
		entry.PrevHash = prev
		entry.Hash = chainHash(prev, entry, oldValue, newValue)

		res, err := conn.ExecContext(ctx, `
			INSERT INTO audit_entries (
				id, timestamp, action, actor_id, target_type, target_id,
				old_value, new_value, description,
				session_id, ip_address, user_agent, prev_hash, entry_hash
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.ID,
			db.FormatTime(entry.Timestamp),
			string(entry.Action),
			entry.ActorID,
			string(entry.TargetType),
			entry.TargetID,
			oldValue,
			newValue,
			entry.Description,
			db.NullString(entry.Context.SessionID),
			db.NullString(entry.Context.IPAddress),
			db.NullString(entry.Context.UserAgent),
			entry.PrevHash,
			entry.Hash,
		)
		if err != nil {
			return errors.Wrap(err, "inserting audit entry")
		}
		if seq, err := res.LastInsertId(); err == nil {
			entry.Seq = seq
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.AuditAppends.WithLabelValues(string(entry.Action)).Inc()
	return &entry, nil
}

// GetByID retrieves a single audit entry.
func (s *Store) GetByID(ctx context.Context, id string) (*Entry, error) {
	row := s.db.Conn(ctx).QueryRowContext(ctx, selectColumns+" WHERE id = ?", id)
	e, err := scanInto(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("audit entry %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading audit entry")
	}
	return e, nil
}

// QueryFilter controls which audit entries are returned by Query.
type QueryFilter struct {
	ActorID    string
	Action     Action
	TargetType TargetType
	TargetID   string
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

// Query returns audit entries matching the filter, newest first.
func (s *Store) Query(ctx context.Context, filter QueryFilter) ([]Entry, error) {
	if filter.Limit < 0 || filter.Limit > MaxLimit {
		return nil, apperr.InvalidArgument("limit must be between 1 and %d", MaxLimit)
	}
	if filter.Offset < 0 {
		return nil, apperr.InvalidArgument("offset must not be negative")
	}
	if filter.Since != nil && filter.Until != nil && filter.Since.After(*filter.Until) {
		return nil, apperr.InvalidArgument("since must not be after until")
	}
	if filter.Limit == 0 {
		filter.Limit = DefaultLimit
	}

	var (
		clauses []string
		args    []any
	)

	if filter.ActorID != "" {
		clauses = append(clauses, "actor_id = ?")
		args = append(args, filter.ActorID)
	}
	if filter.Action != "" {
		clauses = append(clauses, "action = ?")
		args = append(args, string(filter.Action))
	}
	if filter.TargetType != "" {
		clauses = append(clauses, "target_type = ?")
		args = append(args, string(filter.TargetType))
	}
	if filter.TargetID != "" {
		clauses = append(clauses, "target_id = ?")
		args = append(args, filter.TargetID)
	}
	if filter.Since != nil {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, db.FormatTime(*filter.Since))
	}
	if filter.Until != nil {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, db.FormatTime(*filter.Until))
	}

	query := selectColumns
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY seq DESC LIMIT %d OFFSET %d", filter.Limit, filter.Offset)

	rows, err := s.db.Conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying audit entries")
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanInto(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning audit entry")
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// Verify walks the chain in sequence order and recomputes every hash.
func (s *Store) Verify(ctx context.Context) (VerifyResult, error) {
	rows, err := s.db.Conn(ctx).QueryContext(ctx, `
		SELECT seq, id, timestamp, action, actor_id, target_type, target_id,
		       old_value, new_value, description, prev_hash, entry_hash
		FROM audit_entries ORDER BY seq ASC`)
	if err != nil {
		return VerifyResult{}, errors.Wrap(err, "reading audit chain")
	}
	defer rows.Close()

	result := VerifyResult{Valid: true}
	prev := ""
	for rows.Next() {
		var (
			e                  Entry
			ts, action, target string
			oldValue, newValue sql.NullString
		)
		if err := rows.Scan(&e.Seq, &e.ID, &ts, &action, &e.ActorID, &target, &e.TargetID,
			&oldValue, &newValue, &e.Description, &e.PrevHash, &e.Hash); err != nil {
			return VerifyResult{}, errors.Wrap(err, "scanning audit chain")
		}
		e.Action = Action(action)
		e.TargetType = TargetType(target)
		if e.Timestamp, err = db.ParseTime(ts); err != nil {
			return VerifyResult{}, err
		}

		result.Checked++
		if e.PrevHash != prev || chainHash(prev, e, oldValue, newValue) != e.Hash {
			result.Valid = false
			result.BrokenAt = e.Seq
			return result, nil
		}
		prev = e.Hash
	}
	return result, rows.Err()
}

// chainHash binds an entry to its predecessor.
func chainHash(prev string, e Entry, oldValue, newValue sql.NullString) string {
	h := sha256.New()
	for _, part := range []string{
		prev,
		e.ID,
		db.FormatTime(e.Timestamp),
		string(e.Action),
		e.ActorID,
		string(e.TargetType),
		e.TargetID,
		oldValue.String,
		newValue.String,
		e.Description,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func marshalValue(v map[string]any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

const selectColumns = `SELECT seq, id, timestamp, action, actor_id, target_type, target_id,
	old_value, new_value, description, session_id, ip_address, user_agent,
	prev_hash, entry_hash FROM audit_entries`

// scanner is implemented by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanInto(sc scanner) (*Entry, error) {
	var (
		e                               Entry
		ts, action, target              string
		oldValue, newValue              sql.NullString
		sessionID, ipAddress, userAgent sql.NullString
	)

	err := sc.Scan(
		&e.Seq, &e.ID, &ts, &action, &e.ActorID, &target, &e.TargetID,
		&oldValue, &newValue, &e.Description, &sessionID, &ipAddress, &userAgent,
		&e.PrevHash, &e.Hash,
	)
	if err != nil {
		return nil, err
	}

	e.Action = Action(action)
	e.TargetType = TargetType(target)
	if t, parseErr := db.ParseTime(ts); parseErr == nil {
		e.Timestamp = t
	}
	if oldValue.Valid {
		if err := json.Unmarshal([]byte(oldValue.String), &e.OldValue); err != nil {
			return nil, errors.Wrap(err, "decoding old value")
		}
	}
	if newValue.Valid {
		if err := json.Unmarshal([]byte(newValue.String), &e.NewValue); err != nil {
			return nil, errors.Wrap(err, "decoding new value")
		}
	}
	e.Context = Context{
		SessionID: sessionID.String,
		IPAddress: ipAddress.String,
		UserAgent: userAgent.String,
	}
	return &e, nil
}
