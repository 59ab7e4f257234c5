package feedback

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"

	"github.com/ziadkadry99/contentintel/internal/apperr"
	"github.com/ziadkadry99/contentintel/internal/auth"
	"github.com/ziadkadry99/contentintel/internal/permission"
)

// RegisterRoutes mounts feedback endpoints under /api/feedback on the given router.
func RegisterRoutes(r chi.Router, engine *Engine) {
	r.Route("/api/feedback", func(r chi.Router) {
		r.Post("/", handleSubmit(engine))
		r.Get("/", handleSearch(engine))
		r.Get("/summary", handleSummary(engine))
		r.Get("/{id}", handleGet(engine))
		r.Post("/{id}/review", handleReview(engine))
		r.Post("/{id}/apply", handleApply(engine))
		r.Post("/{id}/withdraw", handleWithdraw(engine))
	})
}

func handleSubmit(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := auth.FromContext(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		var sub Submission
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			writeError(w, apperr.InvalidArgument("invalid request body"))
			return
		}

		ev, err := engine.Submit(r.Context(), actor, sub)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, ev)
	}
}

// ParseSearch reads a SearchQuery from URL parameters. Explicit page and
// page_size values are kept as given so out of range input is rejected.
func ParseSearch(r *http.Request) (SearchQuery, error) {
	q := r.URL.Query()
	sq := SearchQuery{
		Query:      q.Get("q"),
		Status:     Status(q.Get("status")),
		Type:       Type(q.Get("feedback_type")),
		TargetType: TargetType(q.Get("target_type")),
		ActorRole:  permission.Role(q.Get("actor_role")),
		Priority:   Priority(q.Get("priority")),
		SortBy:     SortField(q.Get("sort_by")),
		SortOrder:  SortOrder(q.Get("sort_order")),
	}

	for _, p := range []struct {
		name string
		dst  **time.Time
	}{
		{"date_from", &sq.DateFrom},
		{"date_to", &sq.DateTo},
	} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return sq, apperr.InvalidArgument("%s must be RFC 3339", p.name)
		}
		*p.dst = &t
	}

	for _, p := range []struct {
		name string
		dst  *int
	}{
		{"page", &sq.Page},
		{"page_size", &sq.PageSize},
	} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return sq, apperr.InvalidArgument("%s must be a positive integer", p.name)
		}
		*p.dst = n
	}
	return sq, nil
}

func handleSearch(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := auth.FromContext(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		q, err := ParseSearch(r)
		if err != nil {
			writeError(w, err)
			return
		}

		result, err := engine.Search(r.Context(), actor, q)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func handleSummary(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := auth.FromContext(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		sum, err := engine.Summary(r.Context(), actor)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sum)
	}
}

func handleGet(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := auth.FromContext(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		ev, err := engine.Get(r.Context(), actor, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ev)
	}
}

func handleReview(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := auth.FromContext(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		var req ReviewRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apperr.InvalidArgument("invalid request body"))
			return
		}

		ev, err := engine.Review(r.Context(), actor, chi.URLParam(r, "id"), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ev)
	}
}

func handleApply(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := auth.FromContext(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		var req ApplyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, apperr.InvalidArgument("invalid request body"))
			return
		}

		o, err := engine.Apply(r.Context(), actor, chi.URLParam(r, "id"), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, o)
	}
}

type withdrawRequest struct {
	Reason string `json:"reason"`
}

func handleWithdraw(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := auth.FromContext(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		var req withdrawRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, apperr.InvalidArgument("invalid request body"))
			return
		}

		ev, err := engine.Withdraw(r.Context(), actor, chi.URLParam(r, "id"), req.Reason)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ev)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperr.HTTPStatus(err), apperr.ResponseFor(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
