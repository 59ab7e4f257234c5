package db

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-faster/errors"
	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB with contentintel-specific helpers.
type DB struct {
	*sql.DB
	// mu serializes write transactions started through InTx.
	mu   sync.Mutex
	path string
}

// Open creates or opens a SQLite database at the given path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "creating database directory")
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(err, "pinging database")
	}

	d := &DB{DB: sqlDB, path: path}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(err, "running migrations")
	}

	return d, nil
}

// OpenMemory creates an in-memory SQLite database (useful for testing).
func OpenMemory() (*DB, error) {
	sqlDB, err := sql.Open("sqlite", ":memory:?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, errors.Wrap(err, "opening in-memory database")
	}
	// Every connection to :memory: is a separate database.
	sqlDB.SetMaxOpenConns(1)

	d := &DB{DB: sqlDB, path: ":memory:"}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(err, "running migrations")
	}

	return d, nil
}

// FromSQL wraps an already opened handle without running migrations.
func FromSQL(sqlDB *sql.DB) *DB {
	return &DB{DB: sqlDB, path: "external"}
}

// Path returns the location the database was opened from.
func (d *DB) Path() string { return d.path }

// migrate runs all schema migrations.
func (d *DB) migrate() error {
	_, err := d.Exec(schema)
	return err
}

// schema contains the full database schema. New tables are added here.
// Timestamps are stored as fixed-width UTC text (see FormatTime) so that
// string comparison matches chronological order.
const schema = `
CREATE TABLE IF NOT EXISTS feedback_events (
    id TEXT PRIMARY KEY,
    actor_id TEXT NOT NULL,
    actor_role TEXT NOT NULL,
    feedback_type TEXT NOT NULL,
    target_type TEXT NOT NULL,
    target_id TEXT,
    payload TEXT NOT NULL DEFAULT '{}',
    description TEXT NOT NULL,
    description_folded TEXT NOT NULL DEFAULT '',
    priority TEXT NOT NULL DEFAULT 'medium' CHECK(priority IN ('low','medium','high','critical')),
    business_impact TEXT,
    expected_outcome TEXT,
    evidence TEXT NOT NULL DEFAULT '[]',
    attachments TEXT NOT NULL DEFAULT '[]',
    status TEXT NOT NULL DEFAULT 'pending'
        CHECK(status IN ('pending','under_review','approved','rejected','applied','withdrawn')),
    impact_analysis TEXT,
    review TEXT,
    reviewed_by TEXT,
    reviewed_at TEXT,
    applied_by TEXT,
    applied_at TEXT,
    withdrawn_by TEXT,
    withdrawn_at TEXT,
    withdrawal_reason TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feedback_status ON feedback_events(status);
CREATE INDEX IF NOT EXISTS idx_feedback_created ON feedback_events(created_at);
CREATE INDEX IF NOT EXISTS idx_feedback_actor ON feedback_events(actor_id);

CREATE TABLE IF NOT EXISTS rule_overrides (
    id TEXT PRIMARY KEY,
    feedback_event_id TEXT NOT NULL UNIQUE,
    override_type TEXT NOT NULL,
    original_value TEXT NOT NULL DEFAULT '{}',
    new_value TEXT NOT NULL DEFAULT '{}',
    description TEXT NOT NULL DEFAULT '',
    effective_from TEXT NOT NULL,
    effective_to TEXT,
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at TEXT NOT NULL,
    created_by TEXT NOT NULL,
    CHECK(effective_to IS NULL OR effective_to >= effective_from)
);
CREATE INDEX IF NOT EXISTS idx_overrides_effective ON rule_overrides(effective_from);
CREATE INDEX IF NOT EXISTS idx_overrides_type ON rule_overrides(override_type);

CREATE TABLE IF NOT EXISTS audit_entries (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    timestamp TEXT NOT NULL,
    action TEXT NOT NULL,
    actor_id TEXT NOT NULL,
    target_type TEXT NOT NULL,
    target_id TEXT NOT NULL,
    old_value TEXT,
    new_value TEXT,
    description TEXT NOT NULL DEFAULT '',
    session_id TEXT,
    ip_address TEXT,
    user_agent TEXT,
    prev_hash TEXT NOT NULL DEFAULT '',
    entry_hash TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_entries(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_entries(actor_id);
CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_entries(target_type, target_id);

CREATE TRIGGER IF NOT EXISTS audit_entries_no_update
BEFORE UPDATE ON audit_entries
BEGIN
    SELECT RAISE(ABORT, 'audit entries are append-only');
END;

CREATE TRIGGER IF NOT EXISTS audit_entries_no_delete
BEFORE DELETE ON audit_entries
BEGIN
    SELECT RAISE(ABORT, 'audit entries are append-only');
END;

CREATE TABLE IF NOT EXISTS notifications (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    severity TEXT NOT NULL CHECK(severity IN ('info','warning','critical')),
    title TEXT NOT NULL,
    message TEXT NOT NULL DEFAULT '',
    feedback_id TEXT NOT NULL DEFAULT '',
    recipient_roles TEXT NOT NULL DEFAULT '[]',
    delivered INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_created ON notifications(created_at);

CREATE TABLE IF NOT EXISTS notification_preferences (
    role TEXT NOT NULL,
    channel TEXT NOT NULL,
    severity_filter TEXT NOT NULL DEFAULT 'info',
    webhook_url TEXT,
    PRIMARY KEY (role, channel)
);
`
