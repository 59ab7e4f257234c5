package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ziadkadry99/contentintel/internal/apperr"
	"github.com/ziadkadry99/contentintel/internal/audit"
	"github.com/ziadkadry99/contentintel/internal/auth"
	"github.com/ziadkadry99/contentintel/internal/db"
	"github.com/ziadkadry99/contentintel/internal/feedback"
	"github.com/ziadkadry99/contentintel/internal/logging"
	"github.com/ziadkadry99/contentintel/internal/override"
	"github.com/ziadkadry99/contentintel/internal/permission"
)

func setupTestStore(t *testing.T) (*Store, *db.DB) {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return NewStore(database), database
}

func testNotification(id string, roles ...string) Notification {
	return Notification{
		ID:         id,
		Type:       TypeFeedbackSubmitted,
		Severity:   SeverityInfo,
		Title:      "New metric_update feedback awaiting review",
		Message:    "ann submitted fb-1",
		FeedbackID: "fb-1",
		Roles:      roles,
	}
}

func newAuthority(t *testing.T) *permission.Authority {
	t.Helper()
	table, err := permission.NewTable(permission.DefaultRoles())
	require.NoError(t, err)
	authz, err := permission.NewAuthority(table, logging.Discard())
	require.NoError(t, err)
	return authz
}

// hook records webhook deliveries and answers with status.
type hook struct {
	mu     sync.Mutex
	bodies []Notification
	status int
}

func (h *hook) server(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var n Notification
		json.Unmarshal(body, &n)
		h.mu.Lock()
		h.bodies = append(h.bodies, n)
		status := h.status
		h.mu.Unlock()
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (h *hook) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.bodies)
}

func TestStoreCreateAndGet(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	n := testNotification("n-1", "admin", "analyst")
	require.NoError(t, store.Create(ctx, &n))

	got, err := store.GetByID(ctx, "n-1")
	require.NoError(t, err)
	assert.Equal(t, n.Title, got.Title)
	assert.Equal(t, []string{"admin", "analyst"}, got.Roles)
	assert.Equal(t, "fb-1", got.FeedbackID)
	assert.False(t, got.Delivered)
	assert.False(t, got.CreatedAt.IsZero())

	auto := testNotification("")
	require.NoError(t, store.Create(ctx, &auto))
	assert.NotEmpty(t, auto.ID)

	_, err = store.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestStoreListFilters(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	for i, n := range []Notification{
		{ID: "a", Type: TypeFeedbackSubmitted, Severity: SeverityInfo, Title: "a", Roles: []string{"admin", "analyst"}},
		{ID: "b", Type: TypeFeedbackApplied, Severity: SeverityWarning, Title: "b", Roles: []string{"marketing_user", "admin"}},
		{ID: "c", Type: TypeFeedbackReviewed, Severity: SeverityCritical, Title: "c", Roles: []string{"analyst", "admin"}, FeedbackID: "fb-9"},
	} {
		n.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, store.Create(ctx, &n))
	}

	ids := func(f ListFilter) []string {
		list, err := store.List(ctx, f)
		require.NoError(t, err)
		var out []string
		for _, n := range list {
			out = append(out, n.ID)
		}
		return out
	}

	assert.Equal(t, []string{"c", "b", "a"}, ids(ListFilter{}))
	assert.Equal(t, []string{"b"}, ids(ListFilter{Role: "marketing_user"}))
	assert.Equal(t, []string{"c", "a"}, ids(ListFilter{Role: "analyst"}))
	assert.Equal(t, []string{"b"}, ids(ListFilter{Type: TypeFeedbackApplied}))
	assert.Equal(t, []string{"c"}, ids(ListFilter{Severity: SeverityCritical}))
	assert.Equal(t, []string{"c"}, ids(ListFilter{FeedbackID: "fb-9"}))
	assert.Equal(t, []string{"c", "b"}, ids(ListFilter{Since: base.Add(time.Hour)}))
	assert.Equal(t, []string{"a"}, ids(ListFilter{Until: base.Add(30 * time.Minute)}))
	assert.Equal(t, []string{"b"}, ids(ListFilter{Limit: 1, Offset: 1}))
}

func TestStoreMarkDeliveredAndPending(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"p-1", "p-2"} {
		n := testNotification(id, "admin")
		require.NoError(t, store.Create(ctx, &n))
	}
	require.NoError(t, store.MarkDelivered(ctx, "p-1"))
	assert.ErrorIs(t, store.MarkDelivered(ctx, "nope"), apperr.ErrNotFound)

	pending, err := store.GetPending(ctx, "admin")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "p-2", pending[0].ID)

	pending, err = store.GetPending(ctx, "analyst")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPreferenceUpsert(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	prefs, err := store.GetPreferences(ctx, "admin")
	require.NoError(t, err)
	assert.Empty(t, prefs)

	require.NoError(t, store.SetPreference(ctx, Preference{Role: "admin", Channel: "ops", WebhookURL: "http://a"}))
	require.NoError(t, store.SetPreference(ctx, Preference{Role: "admin", Channel: "ops", SeverityFilter: SeverityCritical, WebhookURL: "http://b"}))
	require.NoError(t, store.SetPreference(ctx, Preference{Role: "admin", Channel: "email"}))

	prefs, err = store.GetPreferences(ctx, "admin")
	require.NoError(t, err)
	require.Len(t, prefs, 2)
	assert.Equal(t, "email", prefs[0].Channel)
	assert.Equal(t, SeverityInfo, prefs[0].SeverityFilter)
	assert.Empty(t, prefs[0].WebhookURL)
	assert.Equal(t, SeverityCritical, prefs[1].SeverityFilter)
	assert.Equal(t, "http://b", prefs[1].WebhookURL)
}

func TestDispatchDeliversToMatchingWebhooks(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	d := NewDispatcher(store, time.Second, logging.Discard())

	all, critical := &hook{}, &hook{}
	require.NoError(t, store.SetPreference(ctx, Preference{Role: "admin", Channel: "all", WebhookURL: all.server(t).URL}))
	require.NoError(t, store.SetPreference(ctx, Preference{Role: "analyst", Channel: "critical", SeverityFilter: SeverityCritical, WebhookURL: critical.server(t).URL}))

	n, err := d.Dispatch(ctx, testNotification("", "admin", "analyst"))
	require.NoError(t, err)
	assert.True(t, n.Delivered)
	assert.Equal(t, 1, all.count())
	assert.Equal(t, 0, critical.count())
	all.mu.Lock()
	assert.Equal(t, n.ID, all.bodies[0].ID)
	all.mu.Unlock()

	urgent := testNotification("", "analyst")
	urgent.Severity = SeverityCritical
	_, err = d.Dispatch(ctx, urgent)
	require.NoError(t, err)
	assert.Equal(t, 1, critical.count())

	stored, err := store.GetByID(ctx, n.ID)
	require.NoError(t, err)
	assert.True(t, stored.Delivered)
}

func TestDispatchWebhookFailureLeavesPending(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	d := NewDispatcher(store, time.Second, logging.Discard())

	broken := &hook{status: http.StatusBadGateway}
	require.NoError(t, store.SetPreference(ctx, Preference{Role: "admin", Channel: "ops", WebhookURL: broken.server(t).URL}))

	n, err := d.Dispatch(ctx, testNotification("", "admin"))
	require.NoError(t, err)
	assert.False(t, n.Delivered)
	assert.Equal(t, 1, broken.count())

	pending, err := store.GetPending(ctx, "admin")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestFromChange(t *testing.T) {
	ev := feedback.Event{
		ID:           "fb-1",
		ActorID:      "mia",
		ActorRole:    permission.RoleAnalyst,
		FeedbackType: feedback.TypeRuleChange,
		Description:  "Attribution window should be 30 days",
		Priority:     feedback.PriorityCritical,
		Status:       feedback.StatusPending,
	}

	n := FromChange(feedback.Change{Action: audit.ActionFeedbackSubmitted, Event: ev, Actor: auth.Actor{ID: "mia"}})
	assert.Equal(t, TypeFeedbackSubmitted, n.Type)
	assert.Equal(t, SeverityCritical, n.Severity)
	assert.Equal(t, []string{"admin", "analyst"}, n.Roles)
	assert.Equal(t, "fb-1", n.FeedbackID)

	ev.Status = feedback.StatusRejected
	ev.Review = &feedback.Review{Decision: feedback.DecisionReject, DecisionReason: "not supported by data"}
	n = FromChange(feedback.Change{Action: audit.ActionFeedbackReviewed, Event: ev, Actor: auth.Actor{ID: "root"}})
	assert.Equal(t, SeverityWarning, n.Severity)
	assert.Equal(t, []string{"analyst", "admin"}, n.Roles)
	assert.Contains(t, n.Message, "not supported by data")

	ev.ActorRole = permission.RoleAdmin
	ev.WithdrawalReason = "duplicate"
	n = FromChange(feedback.Change{Action: audit.ActionFeedbackWithdrawn, Event: ev, Actor: auth.Actor{ID: "root"}})
	assert.Equal(t, []string{"admin"}, n.Roles)
	assert.Contains(t, n.Message, "duplicate")

	n = FromChange(feedback.Change{
		Action:   audit.ActionFeedbackApplied,
		Event:    ev,
		Actor:    auth.Actor{ID: "root"},
		Override: &override.RuleOverride{ID: "ov-1", OverrideType: "rule_change"},
	})
	assert.Contains(t, n.Message, "ov-1")
}

func TestEngineNotifiesThroughDispatcher(t *testing.T) {
	store, database := setupTestStore(t)
	ctx := context.Background()
	authz := newAuthority(t)

	fbStore := feedback.NewStore(database)
	auditStore := audit.NewStore(database)
	registry := override.NewRegistry(database, fbStore, auditStore, authz, logging.Discard())
	dispatcher := NewDispatcher(store, time.Second, logging.Discard())
	engine := feedback.NewEngine(database, fbStore, registry, auditStore, authz, logging.Discard(),
		feedback.WithNotifier(dispatcher))

	reviewers := &hook{}
	require.NoError(t, store.SetPreference(ctx, Preference{Role: "analyst", Channel: "review-queue", WebhookURL: reviewers.server(t).URL}))

	ev, err := engine.Submit(ctx, auth.Actor{ID: "ann", Role: permission.RoleAnalyst}, feedback.Submission{
		FeedbackType: feedback.TypeMisattribution,
		TargetType:   feedback.TargetContentID,
		TargetID:     "post-42",
		Description:  "Revenue for post-42 belongs to the webinar",
	})
	require.NoError(t, err)

	list, err := store.List(ctx, ListFilter{FeedbackID: ev.ID})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, TypeFeedbackSubmitted, list[0].Type)
	assert.True(t, list[0].Delivered)
	assert.Equal(t, 1, reviewers.count())
}

func TestDigest(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	d := NewDispatcher(store, time.Second, logging.Discard())
	now := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	old := testNotification("old", "admin")
	old.CreatedAt = now.Add(-48 * time.Hour)
	recent := testNotification("recent", "admin")
	recent.CreatedAt = now.Add(-time.Hour)
	other := testNotification("other", "analyst")
	other.CreatedAt = now.Add(-time.Hour)
	for _, n := range []*Notification{&old, &recent, &other} {
		require.NoError(t, store.Create(ctx, n))
	}

	digest, err := d.GenerateDigest(ctx, "admin", now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "admin", digest.Role)
	require.Len(t, digest.Notifications, 1)
	assert.Equal(t, "recent", digest.Notifications[0].ID)
	assert.Equal(t, "1 notification(s) for role admin", digest.Summary)
}

func TestSeverityMatches(t *testing.T) {
	assert.True(t, severityMatches(SeverityInfo, SeverityInfo))
	assert.True(t, severityMatches(SeverityCritical, SeverityWarning))
	assert.False(t, severityMatches(SeverityWarning, SeverityCritical))
	assert.False(t, severityMatches(SeverityInfo, SeverityWarning))
}

// --- HTTP handler tests ---

func setupRouter(t *testing.T, actor *auth.Actor) (chi.Router, *Store) {
	t.Helper()
	store, _ := setupTestStore(t)
	d := NewDispatcher(store, time.Second, logging.Discard())
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := req.Context()
			if actor != nil {
				ctx = auth.WithActor(ctx, *actor)
			}
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	RegisterRoutes(r, store, d, newAuthority(t))
	return r, store
}

func serve(r http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(method, path, bytes.NewReader(body)))
	return rec
}

func TestHTTPListScopedToRole(t *testing.T) {
	analyst := auth.Actor{ID: "ann", Role: permission.RoleAnalyst}
	r, store := setupRouter(t, &analyst)
	ctx := context.Background()

	mine := testNotification("mine", "analyst")
	theirs := testNotification("theirs", "marketing_user")
	require.NoError(t, store.Create(ctx, &mine))
	require.NoError(t, store.Create(ctx, &theirs))

	rec := serve(r, http.MethodGet, "/api/notifications", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []Notification
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, "mine", list[0].ID)

	rec = serve(r, http.MethodGet, "/api/notifications?role=marketing_user", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(r, http.MethodGet, "/api/notifications/theirs", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(r, http.MethodGet, "/api/notifications/mine", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(r, http.MethodGet, "/api/notifications/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Len(t, list, 1)

	rec = serve(r, http.MethodGet, "/api/notifications?delivered=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPAdminSeesAnyRole(t *testing.T) {
	admin := auth.Actor{ID: "root", Role: permission.RoleAdmin}
	r, store := setupRouter(t, &admin)
	ctx := context.Background()

	theirs := testNotification("theirs", "marketing_user")
	require.NoError(t, store.Create(ctx, &theirs))

	rec := serve(r, http.MethodGet, "/api/notifications?role=marketing_user", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []Notification
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Len(t, list, 1)

	rec = serve(r, http.MethodGet, "/api/notifications/theirs", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(r, http.MethodGet, "/api/notifications/digest/marketing_user", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var digest Digest
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&digest))
	assert.Equal(t, "marketing_user", digest.Role)

	rec = serve(r, http.MethodGet, "/api/notifications/digest/nobody", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPPreferencesRequireUsersWrite(t *testing.T) {
	analyst := auth.Actor{ID: "ann", Role: permission.RoleAnalyst}
	r, store := setupRouter(t, &analyst)

	body, _ := json.Marshal(Preference{Channel: "slack", WebhookURL: "http://attacker.example/x"})
	rec := serve(r, http.MethodPut, "/api/notifications/preferences", body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	prefs, err := store.GetPreferences(context.Background(), "analyst")
	require.NoError(t, err)
	assert.Empty(t, prefs)

	// Reading the own role's preferences stays open.
	rec = serve(r, http.MethodGet, "/api/notifications/preferences", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHTTPPreferences(t *testing.T) {
	admin := auth.Actor{ID: "root", Role: permission.RoleAdmin}
	r, _ := setupRouter(t, &admin)

	body, _ := json.Marshal(Preference{Role: "analyst", Channel: "slack", SeverityFilter: SeverityWarning, WebhookURL: "https://hooks.example.com/x"})
	rec := serve(r, http.MethodPut, "/api/notifications/preferences", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = serve(r, http.MethodGet, "/api/notifications/preferences?role=analyst", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var prefs []Preference
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&prefs))
	require.Len(t, prefs, 1)
	assert.Equal(t, "analyst", prefs[0].Role)
	assert.Equal(t, SeverityWarning, prefs[0].SeverityFilter)

	// An empty role means the caller's own.
	body, _ = json.Marshal(Preference{Channel: "email"})
	rec = serve(r, http.MethodPut, "/api/notifications/preferences", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var saved Preference
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&saved))
	assert.Equal(t, "admin", saved.Role)

	for _, bad := range []Preference{
		{Channel: "slack", SeverityFilter: "loud"},
		{},
		{Channel: "slack", WebhookURL: "file:///etc/passwd"},
		{Channel: "slack", WebhookURL: "hooks.example.com/x"},
		{Channel: "slack", WebhookURL: "http://"},
		{Channel: "slack", WebhookURL: "://bad"},
	} {
		body, _ = json.Marshal(bad)
		rec = serve(r, http.MethodPut, "/api/notifications/preferences", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "%+v", bad)
	}
}

func TestValidateWebhookURL(t *testing.T) {
	assert.NoError(t, validateWebhookURL(""))
	assert.NoError(t, validateWebhookURL("http://127.0.0.1:9000/hook"))
	assert.NoError(t, validateWebhookURL("https://hooks.example.com/x?y=1"))
	assert.ErrorIs(t, validateWebhookURL("ftp://hooks.example.com"), apperr.ErrInvalidArgument)
	assert.ErrorIs(t, validateWebhookURL("/relative"), apperr.ErrInvalidArgument)
}

func TestHTTPRequiresActor(t *testing.T) {
	r, _ := setupRouter(t, nil)
	rec := serve(r, http.MethodGet, "/api/notifications", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	readOnly := auth.Actor{ID: "rex", Role: permission.RoleReadOnly}
	r, _ = setupRouter(t, &readOnly)
	rec = serve(r, http.MethodGet, "/api/notifications", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
