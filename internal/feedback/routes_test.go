package feedback

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ziadkadry99/contentintel/internal/apperr"
	"github.com/ziadkadry99/contentintel/internal/auth"
	"github.com/ziadkadry99/contentintel/internal/override"
)

// router serves the feedback API with the actor chosen per request by the
// X-Test-Actor header.
func router(f *fixture) chi.Router {
	actors := map[string]auth.Actor{
		"root": admin, "ann": analyst, "bob": analyst2, "mia": marketing, "rex": readOnly,
	}
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := req.Context()
			if a, ok := actors[req.Header.Get("X-Test-Actor")]; ok {
				ctx = auth.WithActor(ctx, a)
			}
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	RegisterRoutes(r, f.engine)
	return r
}

func do(t *testing.T, r http.Handler, actor, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if actor != "" {
		req.Header.Set("X-Test-Actor", actor)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestHTTPWorkflow(t *testing.T) {
	f := setup(t)
	r := router(f)

	rec := do(t, r, "ann", http.MethodPost, "/api/feedback", submission(1))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ev := decode[Event](t, rec)
	assert.Equal(t, StatusPending, ev.Status)

	rec = do(t, r, "mia", http.MethodGet, "/api/feedback/"+ev.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, r, "bob", http.MethodPost, "/api/feedback/"+ev.ID+"/review", review(DecisionApprove))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, StatusApproved, decode[Event](t, rec).Status)

	rec = do(t, r, "ann", http.MethodPost, "/api/feedback/"+ev.ID+"/apply", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, r, "root", http.MethodPost, "/api/feedback/"+ev.ID+"/apply", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	o := decode[override.RuleOverride](t, rec)
	assert.Equal(t, ev.ID, o.FeedbackEventID)

	rec = do(t, r, "root", http.MethodPost, "/api/feedback/"+ev.ID+"/apply", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, apperr.KindInvalidState, decode[apperr.Response](t, rec).Error)

	rec = do(t, r, "ann", http.MethodPost, "/api/feedback/"+ev.ID+"/withdraw", map[string]string{"reason": "too late"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, apperr.KindInvalidTransition, decode[apperr.Response](t, rec).Error)

	rec = do(t, r, "mia", http.MethodGet, "/api/feedback/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decode[Summary](t, rec)
	assert.Equal(t, 1, sum.Total)
	assert.Equal(t, 1, sum.ByStatus[StatusApplied])
}

func TestHTTPSubmitErrors(t *testing.T) {
	f := setup(t)
	r := router(f)

	rec := do(t, r, "", http.MethodPost, "/api/feedback", submission(1))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, r, "mia", http.MethodPost, "/api/feedback", submission(1))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, apperr.KindPermissionDenied, decode[apperr.Response](t, rec).Error)

	bad := submission(1)
	bad.Description = "short"
	rec = do(t, r, "ann", http.MethodPost, "/api/feedback", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/feedback", bytes.NewBufferString("{"))
	req.Header.Set("X-Test-Actor", "ann")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rec = do(t, r, "ann", http.MethodGet, "/api/feedback/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPSearch(t *testing.T) {
	f := setup(t)
	r := router(f)
	for i := 1; i <= 25; i++ {
		f.submit(t, analyst, i)
	}

	rec := do(t, r, "mia", http.MethodGet, "/api/feedback?page=2&page_size=10&sort_order=asc", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[SearchResult](t, rec)
	assert.Equal(t, 25, res.Total)
	assert.Equal(t, 3, res.TotalPages)
	require.Len(t, res.Items, 10)
	assert.Equal(t, "Feedback number 11 about click-through", res.Items[0].Description)

	for _, query := range []string{"page=0", "page_size=101", "page_size=abc", "date_from=yesterday", "status=lost"} {
		rec = do(t, r, "mia", http.MethodGet, "/api/feedback?"+query, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, query)
	}

	rec = do(t, r, "rex", http.MethodGet, "/api/feedback", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
