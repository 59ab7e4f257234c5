package notifications

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ziadkadry99/contentintel/internal/apperr"
	"github.com/ziadkadry99/contentintel/internal/auth"
	"github.com/ziadkadry99/contentintel/internal/permission"
)

// RegisterRoutes mounts notification endpoints under /api/notifications on
// the given router. Callers see notifications addressed to their own role;
// holders of users:write may look at any role and manage preferences.
func RegisterRoutes(r chi.Router, store *Store, dispatcher *Dispatcher, authz *permission.Authority) {
	h := &handlers{store: store, dispatcher: dispatcher, authz: authz}
	r.Route("/api/notifications", func(r chi.Router) {
		r.Get("/", h.list)
		r.Get("/pending", h.pending)
		r.Get("/digest/{role}", h.digest)
		r.Get("/preferences", h.getPreferences)
		r.Put("/preferences", h.setPreference)
		r.Get("/{id}", h.getByID)
	})
}

type handlers struct {
	store      *Store
	dispatcher *Dispatcher
	authz      *permission.Authority
}

// role resolves which role the caller may act for. An empty requested role
// means the caller's own.
func (h *handlers) role(r *http.Request, requested string) (string, error) {
	actor, err := auth.FromContext(r.Context())
	if err != nil {
		return "", err
	}
	if err := h.authz.Require(actor, permission.FeedbackRead); err != nil {
		return "", err
	}
	if requested == "" || requested == string(actor.Role) {
		return string(actor.Role), nil
	}
	if !permission.Role(requested).Valid() {
		return "", apperr.InvalidArgument("unknown role %q", requested)
	}
	if err := h.authz.Require(actor, permission.UsersWrite); err != nil {
		return "", err
	}
	return requested, nil
}

func (h *handlers) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	role, err := h.role(r, q.Get("role"))
	if err != nil {
		writeError(w, err)
		return
	}

	filter := ListFilter{
		Role:       role,
		Type:       NotificationType(q.Get("type")),
		Severity:   Severity(q.Get("severity")),
		FeedbackID: q.Get("feedback_id"),
	}
	if v := q.Get("delivered"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, apperr.InvalidArgument("delivered must be a boolean"))
			return
		}
		filter.Delivered = &b
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, apperr.InvalidArgument("since must be RFC 3339"))
			return
		}
		filter.Since = t
	}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &filter.Limit}, {"offset", &filter.Offset}} {
		if v := q.Get(p.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, apperr.InvalidArgument("%s must be a non-negative integer", p.name))
				return
			}
			*p.dst = n
		}
	}

	notifications, err := h.store.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, notifications)
}

func (h *handlers) getByID(w http.ResponseWriter, r *http.Request) {
	role, err := h.role(r, "")
	if err != nil {
		writeError(w, err)
		return
	}
	n, err := h.store.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !addressedTo(n, role) && !h.authz.HasPermission(permission.Role(role), permission.UsersWrite) {
		writeError(w, apperr.NotFound("notification %s not found", n.ID))
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (h *handlers) pending(w http.ResponseWriter, r *http.Request) {
	role, err := h.role(r, r.URL.Query().Get("role"))
	if err != nil {
		writeError(w, err)
		return
	}
	notifications, err := h.store.GetPending(r.Context(), role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, notifications)
}

func (h *handlers) getPreferences(w http.ResponseWriter, r *http.Request) {
	role, err := h.role(r, r.URL.Query().Get("role"))
	if err != nil {
		writeError(w, err)
		return
	}
	prefs, err := h.store.GetPreferences(r.Context(), role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

func (h *handlers) setPreference(w http.ResponseWriter, r *http.Request) {
	var pref Preference
	if err := json.NewDecoder(r.Body).Decode(&pref); err != nil {
		writeError(w, apperr.InvalidArgument("invalid request body"))
		return
	}
	// Preferences are shared by every holder of a role, so changing them
	// takes users:write even for the caller's own role.
	role, err := h.role(r, pref.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	actor, err := auth.FromContext(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.authz.Require(actor, permission.UsersWrite); err != nil {
		writeError(w, err)
		return
	}
	pref.Role = role

	if pref.Channel == "" {
		writeError(w, apperr.InvalidArgument("channel is required"))
		return
	}
	if pref.SeverityFilter == "" {
		pref.SeverityFilter = SeverityInfo
	}
	if !pref.SeverityFilter.Valid() {
		writeError(w, apperr.InvalidArgument("severity_filter must be info, warning or critical"))
		return
	}
	if err := validateWebhookURL(pref.WebhookURL); err != nil {
		writeError(w, err)
		return
	}

	if err := h.store.SetPreference(r.Context(), pref); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pref)
}

func (h *handlers) digest(w http.ResponseWriter, r *http.Request) {
	role, err := h.role(r, chi.URLParam(r, "role"))
	if err != nil {
		writeError(w, err)
		return
	}

	since := h.dispatcher.now().UTC().Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, apperr.InvalidArgument("since must be RFC 3339"))
			return
		}
		since = t
	}

	digest, err := h.dispatcher.GenerateDigest(r.Context(), role, since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, digest)
}

// validateWebhookURL accepts an empty URL (no delivery) or an absolute
// http(s) URL with a host.
func validateWebhookURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return apperr.InvalidArgument("webhook_url must be an absolute http or https URL")
	}
	return nil
}

func addressedTo(n *Notification, role string) bool {
	for _, r := range n.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperr.HTTPStatus(err), apperr.ResponseFor(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
