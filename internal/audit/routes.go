package audit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ziadkadry99/contentintel/internal/apperr"
	"github.com/ziadkadry99/contentintel/internal/auth"
	"github.com/ziadkadry99/contentintel/internal/permission"
)

// RegisterRoutes mounts audit endpoints under /api/audit on the given router.
// Every endpoint requires audit:read.
func RegisterRoutes(r chi.Router, store *Store, authz *permission.Authority) {
	r.Route("/api/audit", func(r chi.Router) {
		r.Use(requireAuditRead(authz))
		r.Get("/", handleQuery(store))
		r.Get("/verify", handleVerify(store))
		r.Get("/{id}", handleGetByID(store))
	})
}

func requireAuditRead(authz *permission.Authority) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, err := auth.FromContext(r.Context())
			if err == nil {
				err = authz.Require(actor, permission.AuditRead)
			}
			if err != nil {
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ParseFilter reads a QueryFilter from URL query parameters.
func ParseFilter(r *http.Request) (QueryFilter, error) {
	q := r.URL.Query()

	filter := QueryFilter{
		ActorID:    q.Get("actor"),
		Action:     Action(q.Get("action")),
		TargetType: TargetType(q.Get("target_type")),
		TargetID:   q.Get("target_id"),
	}

	for name, dst := range map[string]**time.Time{"since": &filter.Since, "until": &filter.Until} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return QueryFilter{}, apperr.InvalidArgument("%s must be RFC 3339", name)
			}
			*dst = &t
		}
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return QueryFilter{}, apperr.InvalidArgument("%s must be an integer", name)
			}
			*dst = n
		}
	}
	return filter, nil
}

func handleQuery(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter, err := ParseFilter(r)
		if err != nil {
			writeError(w, err)
			return
		}

		entries, err := store.Query(r.Context(), filter)
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, entries)
	}
}

func handleGetByID(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		entry, err := store.GetByID(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, entry)
	}
}

func handleVerify(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := store.Verify(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
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
