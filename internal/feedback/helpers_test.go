package feedback

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ziadkadry99/contentintel/internal/audit"
	"github.com/ziadkadry99/contentintel/internal/auth"
	"github.com/ziadkadry99/contentintel/internal/db"
	"github.com/ziadkadry99/contentintel/internal/logging"
	"github.com/ziadkadry99/contentintel/internal/override"
	"github.com/ziadkadry99/contentintel/internal/permission"
)

var (
	admin     = auth.Actor{ID: "root", Role: permission.RoleAdmin}
	analyst   = auth.Actor{ID: "ann", Role: permission.RoleAnalyst}
	analyst2  = auth.Actor{ID: "bob", Role: permission.RoleAnalyst}
	marketing = auth.Actor{ID: "mia", Role: permission.RoleMarketingUser}
	readOnly  = auth.Actor{ID: "rex", Role: permission.RoleReadOnly}

	epoch = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
)

// clock advances by step on every reading.
type clock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.t
	c.t = c.t.Add(c.step)
	return t
}

type recordingNotifier struct {
	mu      sync.Mutex
	changes []Change
	err     error
}

func (n *recordingNotifier) Notify(_ context.Context, c Change) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, c)
	return n.err
}

type fixture struct {
	db       *db.DB
	store    *Store
	audit    *audit.Store
	registry *override.Registry
	engine   *Engine
	clock    *clock
	notifier *recordingNotifier
}

func setup(t *testing.T) *fixture {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	table, err := permission.NewTable(permission.DefaultRoles())
	require.NoError(t, err)
	authz, err := permission.NewAuthority(table, logging.Discard())
	require.NoError(t, err)

	f := &fixture{
		db:       database,
		store:    NewStore(database),
		audit:    audit.NewStore(database),
		clock:    &clock{t: epoch, step: time.Second},
		notifier: &recordingNotifier{},
	}
	f.registry = override.NewRegistry(database, f.store, f.audit, authz, logging.Discard(),
		override.WithClock(f.clock.Now))
	f.engine = NewEngine(database, f.store, f.registry, f.audit, authz, logging.Discard(),
		WithClock(f.clock.Now), WithNotifier(f.notifier))
	return f
}

func submission(n int) Submission {
	return Submission{
		FeedbackType: TypeMetricUpdate,
		TargetType:   TargetMetric,
		TargetID:     "ctr",
		Payload:      map[string]any{"metric": "ctr", "weight": 0.4},
		Description:  fmt.Sprintf("Feedback number %02d about click-through", n),
		Evidence:     []string{"dashboard export"},
	}
}

func (f *fixture) submit(t *testing.T, actor auth.Actor, n int) *Event {
	t.Helper()
	ev, err := f.engine.Submit(context.Background(), actor, submission(n))
	require.NoError(t, err)
	return ev
}

func review(d Decision) ReviewRequest {
	return ReviewRequest{
		Decision:       d,
		DecisionReason: "checked against the finance ledger",
		ImpactAnalysis: map[string]any{"affected_reports": 3.0},
		RiskAssessment: "low",
	}
}

// reach drives a fresh event submitted by analyst into status.
func (f *fixture) reach(t *testing.T, status Status) *Event {
	t.Helper()
	ctx := context.Background()
	ev := f.submit(t, analyst, 1)

	var err error
	switch status {
	case StatusPending:
	case StatusUnderReview:
		ev, err = f.engine.Review(ctx, admin, ev.ID, review(DecisionRequestChanges))
	case StatusApproved:
		ev, err = f.engine.Review(ctx, admin, ev.ID, review(DecisionApprove))
	case StatusRejected:
		ev, err = f.engine.Review(ctx, admin, ev.ID, review(DecisionReject))
	case StatusApplied:
		_, err = f.engine.Review(ctx, admin, ev.ID, review(DecisionApprove))
		require.NoError(t, err)
		_, err = f.engine.Apply(ctx, admin, ev.ID, ApplyRequest{})
		if err == nil {
			ev, err = f.store.Get(ctx, ev.ID)
		}
	case StatusWithdrawn:
		ev, err = f.engine.Withdraw(ctx, analyst, ev.ID, "no longer relevant")
	}
	require.NoError(t, err)
	require.Equal(t, status, ev.Status)
	return ev
}

func (f *fixture) auditCount(t *testing.T, id string) int {
	t.Helper()
	entries, err := f.audit.Query(context.Background(), audit.QueryFilter{TargetID: id})
	require.NoError(t, err)
	return len(entries)
}
