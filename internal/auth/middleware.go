package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ziadkadry99/contentintel/internal/apperr"
)

// Verifier turns a bearer token into an actor.
type Verifier interface {
	Verify(token string) (Actor, *Claims, error)
}

// Middleware authenticates requests with a bearer token and stores the
// actor and request metadata on the request context. Requests without a
// valid token are answered with 401.
func Middleware(v Verifier, log logrus.FieldLogger) func(http.Handler) http.Handler {
	log = log.WithField("component", "auth")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				writeUnauthorized(w, apperr.Unauthenticated("missing bearer token"))
				return
			}
			actor, claims, err := v.Verify(token)
			if err != nil {
				log.WithError(err).WithField("path", r.URL.Path).Debug("rejected token")
				writeUnauthorized(w, err)
				return
			}

			rc := RequestContext{
				SessionID: r.Header.Get("X-Session-ID"),
				IPAddress: r.RemoteAddr,
				UserAgent: r.UserAgent(),
			}
			if rc.SessionID == "" && claims != nil {
				rc.SessionID = claims.ID
			}

			ctx := WithActor(r.Context(), actor)
			ctx = WithRequestContext(ctx, rc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="contentintel"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(apperr.ResponseFor(err))
}
