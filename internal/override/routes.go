package override

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

// RegisterRoutes mounts override endpoints under /api/overrides on the given router.
func RegisterRoutes(r chi.Router, registry *Registry) {
	r.Route("/api/overrides", func(r chi.Router) {
		r.Get("/", handleList(registry))
		r.Get("/active", handleListActive(registry))
		r.Get("/{id}", handleGet(registry))
		r.Post("/{id}/deactivate", handleDeactivate(registry))
		r.Post("/{id}/expire", handleExpire(registry))
	})
}

// reader resolves the caller and checks overrides:read.
func reader(registry *Registry, r *http.Request) error {
	actor, err := auth.FromContext(r.Context())
	if err != nil {
		return err
	}
	return registry.authz.Require(actor, permission.OverridesRead)
}

func handleList(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := reader(registry, r); err != nil {
			writeError(w, err)
			return
		}
		q := r.URL.Query()

		filter := ListFilter{
			OverrideType:    q.Get("type"),
			FeedbackEventID: q.Get("feedback_id"),
		}
		if v := q.Get("active"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				writeError(w, apperr.InvalidArgument("active must be a boolean"))
				return
			}
			filter.Active = &b
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				writeError(w, apperr.InvalidArgument("limit must be an integer"))
				return
			}
			filter.Limit = n
		}
		if v := q.Get("offset"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				writeError(w, apperr.InvalidArgument("offset must be an integer"))
				return
			}
			filter.Offset = n
		}

		overrides, err := registry.List(r.Context(), filter)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, overrides)
	}
}

func handleListActive(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := reader(registry, r); err != nil {
			writeError(w, err)
			return
		}
		q := r.URL.Query()

		filter := ActiveFilter{
			OverrideType:    q.Get("type"),
			FeedbackEventID: q.Get("feedback_id"),
		}
		if v := q.Get("at"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, apperr.InvalidArgument("at must be RFC 3339"))
				return
			}
			filter.At = t
		}

		overrides, err := registry.ListActive(r.Context(), filter)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, overrides)
	}
}

func handleGet(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := reader(registry, r); err != nil {
			writeError(w, err)
			return
		}
		o, err := registry.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, o)
	}
}

func handleDeactivate(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := auth.FromContext(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		o, err := registry.Deactivate(r.Context(), chi.URLParam(r, "id"), actor)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, o)
	}
}

type expireRequest struct {
	EffectiveTo *time.Time `json:"effective_to"`
}

func handleExpire(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := auth.FromContext(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}

		var req expireRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, apperr.InvalidArgument("invalid request body"))
			return
		}
		var at time.Time
		if req.EffectiveTo != nil {
			at = *req.EffectiveTo
		}

		o, err := registry.Expire(r.Context(), chi.URLParam(r, "id"), at, actor)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, o)
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
