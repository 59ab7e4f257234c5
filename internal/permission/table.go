package permission

import (
	"slices"
	"sort"
	"strings"

	"github.com/go-faster/errors"
)

// Role is an actor's single authorization axis.
type Role string

const (
	RoleAdmin         Role = "admin"
	RoleAnalyst       Role = "analyst"
	RoleMarketingUser Role = "marketing_user"
	RoleReadOnly      Role = "read_only"
)

// Roles lists every recognised role.
var Roles = []Role{RoleAdmin, RoleAnalyst, RoleMarketingUser, RoleReadOnly}

// Valid reports whether r is a recognised role.
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// Capability is a "resource:action" permission string.
type Capability string

const (
	FeedbackRead   Capability = "feedback:read"
	FeedbackWrite  Capability = "feedback:write"
	FeedbackReview Capability = "feedback:review"
	FeedbackApply  Capability = "feedback:apply"
	AuditRead      Capability = "audit:read"
	OverridesRead  Capability = "overrides:read"
	OverridesWrite Capability = "overrides:write"
	UsersWrite     Capability = "users:write"
)

// Split returns the resource and action halves.
func (c Capability) Split() (resource, action string, ok bool) {
	resource, action, ok = strings.Cut(string(c), ":")
	if !ok || resource == "" || action == "" || strings.Contains(action, ":") {
		return "", "", false
	}
	return resource, action, true
}

// DefaultRoles is the stock role table.
func DefaultRoles() map[string][]string {
	return map[string][]string{
		string(RoleAdmin): {
			"content:read", "content:write", "content:delete",
			"feedback:read", "feedback:write", "feedback:review", "feedback:apply",
			"definitions:read", "definitions:write",
			"users:read", "users:write", "users:delete",
			"audit:read", "metrics:read", "ml:read", "ml:write",
			"overrides:read", "overrides:write",
		},
		string(RoleAnalyst): {
			"content:read", "content:write",
			"feedback:read", "feedback:write", "feedback:review",
			"definitions:read", "definitions:write",
			"audit:read", "metrics:read", "ml:read", "ml:write",
			"overrides:read",
		},
		string(RoleMarketingUser): {
			"content:read", "content:write",
			"feedback:read",
			"definitions:read", "metrics:read", "ml:read",
			"overrides:read",
		},
		string(RoleReadOnly): {
			"content:read", "definitions:read", "metrics:read",
		},
	}
}

// Table is an immutable role to capability mapping.
type Table struct {
	roles map[Role]map[Capability]struct{}
}

// NewTable validates spec and copies it into a Table. Every role must be
// known, every capability well formed, and admin must hold every
// capability granted to any other role.
func NewTable(spec map[string][]string) (*Table, error) {
	t := &Table{roles: make(map[Role]map[Capability]struct{}, len(spec))}
	for name, caps := range spec {
		role := Role(name)
		if !role.Valid() {
			return nil, errors.Errorf("unknown role %q", name)
		}
		set := make(map[Capability]struct{}, len(caps))
		for _, c := range caps {
			capability := Capability(strings.TrimSpace(c))
			if _, _, ok := capability.Split(); !ok {
				return nil, errors.Errorf("role %s: capability %q is not resource:action", name, c)
			}
			set[capability] = struct{}{}
		}
		t.roles[role] = set
	}

	admin, ok := t.roles[RoleAdmin]
	if !ok {
		return nil, errors.New("role table has no admin role")
	}
	for role, set := range t.roles {
		for c := range set {
			if _, ok := admin[c]; !ok {
				return nil, errors.Errorf("admin must hold %s (granted to %s)", c, role)
			}
		}
	}
	for c, allowed := range restricted {
		for role := range t.roles {
			if t.Has(role, c) && !slices.Contains(allowed, role) {
				return nil, errors.Errorf("%s may only be granted to %v (granted to %s)", c, allowed, role)
			}
		}
	}
	return t, nil
}

// restricted capabilities may only be granted to the listed roles.
var restricted = map[Capability][]Role{
	FeedbackReview: {RoleAdmin, RoleAnalyst},
	FeedbackApply:  {RoleAdmin},
}

// Capabilities returns the sorted capability list for role.
func (t *Table) Capabilities(role Role) []Capability {
	set := t.roles[role]
	out := make([]Capability, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Has reports whether role holds c.
func (t *Table) Has(role Role, c Capability) bool {
	_, ok := t.roles[role][c]
	return ok
}

// Roles returns the roles present in the table, sorted.
func (t *Table) Roles() []Role {
	out := make([]Role, 0, len(t.roles))
	for r := range t.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
