package auth

import (
	"context"

	"github.com/ziadkadry99/contentintel/internal/apperr"
	"github.com/ziadkadry99/contentintel/internal/permission"
)

// Actor is the authenticated identity behind a request.
type Actor struct {
	ID   string          `json:"id"`
	Role permission.Role `json:"role"`
}

func (a Actor) ActorID() string { return a.ID }

func (a Actor) ActorRole() permission.Role { return a.Role }

// IsAdmin reports whether a holds the admin role.
func (a Actor) IsAdmin() bool { return a.Role == permission.RoleAdmin }

func (a Actor) String() string { return a.ID + "(" + string(a.Role) + ")" }

// RequestContext is advisory request metadata recorded on audit entries.
type RequestContext struct {
	SessionID string `json:"session_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

type (
	actorKey   struct{}
	requestKey struct{}
)

// WithActor returns a copy of ctx carrying a.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// FromContext returns the current actor or an Unauthenticated error.
func FromContext(ctx context.Context) (Actor, error) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	if !ok || a.ID == "" {
		return Actor{}, apperr.Unauthenticated("no authenticated actor")
	}
	return a, nil
}

// WithRequestContext returns a copy of ctx carrying rc.
func WithRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, requestKey{}, rc)
}

// RequestContextFrom returns the request metadata on ctx, if any.
func RequestContextFrom(ctx context.Context) RequestContext {
	rc, _ := ctx.Value(requestKey{}).(RequestContext)
	return rc
}
