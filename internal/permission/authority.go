package permission

import (
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"

	"github.com/ziadkadry99/contentintel/internal/apperr"
	"github.com/ziadkadry99/contentintel/internal/metrics"
)

// rbacModel matches a role against a resource/action pair.
const rbacModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && r.obj == p.obj && r.act == p.act
`

// Principal is anything carrying an actor identity and role.
type Principal interface {
	ActorID() string
	ActorRole() Role
}

// Authority answers allow/deny queries for a fixed role table.
type Authority struct {
	table    *Table
	enforcer *casbin.SyncedEnforcer
	log      logrus.FieldLogger
}

// NewAuthority loads table into a casbin enforcer.
func NewAuthority(table *Table, log logrus.FieldLogger) (*Authority, error) {
	if table == nil {
		return nil, errors.New("permission: role table is required")
	}
	m, err := model.NewModelFromString(rbacModel)
	if err != nil {
		return nil, errors.Wrap(err, "permission: load model")
	}
	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, errors.Wrap(err, "permission: create enforcer")
	}

	for _, role := range table.Roles() {
		for _, c := range table.Capabilities(role) {
			resource, action, _ := c.Split()
			if _, err := enforcer.AddPolicy(string(role), resource, action); err != nil {
				return nil, errors.Wrapf(err, "permission: add policy %s %s", role, c)
			}
		}
	}

	return &Authority{
		table:    table,
		enforcer: enforcer,
		log:      log.WithField("component", "permission"),
	}, nil
}

// PermissionsFor returns role's capabilities, sorted.
func (a *Authority) PermissionsFor(role Role) []Capability {
	return a.table.Capabilities(role)
}

// HasPermission reports whether role holds c.
func (a *Authority) HasPermission(role Role, c Capability) bool {
	resource, action, ok := c.Split()
	if !ok {
		return false
	}
	allowed, err := a.enforcer.Enforce(string(role), resource, action)
	if err != nil {
		a.log.WithError(err).WithField("capability", c).Error("authorization check failed")
		return false
	}
	return allowed
}

// Require fails with PermissionDenied unless p's role holds c.
func (a *Authority) Require(p Principal, c Capability) error {
	if a.HasPermission(p.ActorRole(), c) {
		metrics.AuthzDecisions.WithLabelValues(string(c), "allow").Inc()
		return nil
	}
	metrics.AuthzDecisions.WithLabelValues(string(c), "deny").Inc()
	a.log.WithFields(logrus.Fields{
		"actor_id":   p.ActorID(),
		"role":       p.ActorRole(),
		"capability": c,
	}).Warn("authorization denied")
	return apperr.PermissionDenied("role %s lacks %s", p.ActorRole(), c)
}
