package db

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMemory(t *testing.T) {
	d, err := OpenMemory()
	require.NoError(t, err)
	defer d.Close()

	tables := []string{
		"feedback_events", "rule_overrides", "audit_entries",
		"notifications", "notification_preferences",
	}

	for _, table := range tables {
		var count int
		err := d.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count)
		assert.NoError(t, err, "table %s", table)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	d, err := OpenMemory()
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.migrate(), "second migrate()")
}

func TestOpenFile(t *testing.T) {
	path := t.TempDir() + "/nested/contentintel.db"
	d, err := Open(path)
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, path, d.Path())
}

func TestAuditEntriesAreAppendOnly(t *testing.T) {
	d, err := OpenMemory()
	require.NoError(t, err)
	defer d.Close()

	_, err = d.Exec(`INSERT INTO audit_entries (id, timestamp, action, actor_id, target_type, target_id, entry_hash)
		VALUES ('a1', '2026-01-01T00:00:00.000000000Z', 'x', 'u', 'feedback', 'f', 'h')`)
	require.NoError(t, err)

	_, err = d.Exec(`UPDATE audit_entries SET action = 'y' WHERE id = 'a1'`)
	assert.Error(t, err)

	_, err = d.Exec(`DELETE FROM audit_entries WHERE id = 'a1'`)
	assert.Error(t, err)
}

func TestInTxCommitAndRollback(t *testing.T) {
	d, err := OpenMemory()
	require.NoError(t, err)
	defer d.Close()
	ctx := context.Background()

	insert := func(ctx context.Context, id string) error {
		_, err := d.Conn(ctx).ExecContext(ctx,
			`INSERT INTO notifications (id, type, severity, title, created_at) VALUES (?, 't', 'info', 'x', ?)`,
			id, FormatTime(time.Now()))
		return err
	}

	require.NoError(t, d.InTx(ctx, func(ctx context.Context) error {
		return insert(ctx, "kept")
	}))

	boom := errors.New("boom")
	err = d.InTx(ctx, func(ctx context.Context) error {
		if err := insert(ctx, "dropped"); err != nil {
			return err
		}
		// Nested calls join the outer transaction.
		return d.InTx(ctx, func(ctx context.Context) error { return boom })
	})
	require.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, d.QueryRow("SELECT COUNT(*) FROM notifications").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestTimeRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 8, time.FixedZone("x", 3600))
	got, err := ParseTime(FormatTime(now))
	require.NoError(t, err)
	assert.True(t, now.Equal(got))

	assert.Less(t, FormatTime(now), FormatTime(now.Add(time.Nanosecond)))

	_, err = ParseTime("yesterday")
	assert.Error(t, err)

	assert.Nil(t, TimePtr(NullTime(nil)))
}
