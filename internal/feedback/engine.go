package feedback

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/ziadkadry99/contentintel/internal/apperr"
	"github.com/ziadkadry99/contentintel/internal/audit"
	"github.com/ziadkadry99/contentintel/internal/auth"
	"github.com/ziadkadry99/contentintel/internal/db"
	"github.com/ziadkadry99/contentintel/internal/metrics"
	"github.com/ziadkadry99/contentintel/internal/override"
	"github.com/ziadkadry99/contentintel/internal/permission"
)

// Change describes a committed workflow transition.
type Change struct {
	Action audit.Action
	Event  Event
	Actor  auth.Actor
	// Override is set when the change is an apply.
	Override *override.RuleOverride
}

// Notifier is told about transitions after they commit.
type Notifier interface {
	Notify(ctx context.Context, change Change) error
}

// Engine runs the feedback review workflow. Every transition checks the
// caller's capability, mutates the store and appends one audit entry in a
// single transaction.
type Engine struct {
	db       *db.DB
	store    *Store
	registry *override.Registry
	audit    *audit.Store
	authz    *permission.Authority
	notifier Notifier
	now      func() time.Time
	log      logrus.FieldLogger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the engine clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithNotifier sets the receiver of committed transitions.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func NewEngine(database *db.DB, store *Store, registry *override.Registry, auditStore *audit.Store, authz *permission.Authority, log logrus.FieldLogger, opts ...Option) *Engine {
	e := &Engine{
		db:       database,
		store:    store,
		registry: registry,
		audit:    auditStore,
		authz:    authz,
		now:      time.Now,
		log:      log.WithField("component", "feedback"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit records a new pending feedback event.
func (e *Engine) Submit(ctx context.Context, actor auth.Actor, sub Submission) (ev *Event, err error) {
	defer observe("submit", &err)

	if err := e.authz.Require(actor, permission.FeedbackWrite); err != nil {
		return nil, err
	}
	if err := sub.Validate(); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	ev = &Event{
		ID:              GenerateID(actor.ID, sub.FeedbackType, sub.TargetType, now),
		ActorID:         actor.ID,
		ActorRole:       actor.Role,
		FeedbackType:    sub.FeedbackType,
		TargetType:      sub.TargetType,
		TargetID:        sub.TargetID,
		Payload:         sub.Payload,
		Description:     strings.TrimSpace(sub.Description),
		Priority:        sub.Priority,
		BusinessImpact:  sub.BusinessImpact,
		ExpectedOutcome: sub.ExpectedOutcome,
		Evidence:        orEmptyList(sub.Evidence),
		Attachments:     orEmptyList(sub.Attachments),
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err = e.db.InTx(ctx, func(ctx context.Context) error {
		if err := e.store.Create(ctx, ev); err != nil {
			return err
		}
		return e.record(ctx, audit.ActionFeedbackSubmitted, actor, ev.ID,
			nil,
			map[string]any{"status": string(StatusPending), "feedback_type": string(ev.FeedbackType)},
			fmt.Sprintf("Feedback submitted by %s", actor.ID))
	})
	if err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"feedback_id": ev.ID,
		"actor":       actor.ID,
		"type":        ev.FeedbackType,
	}).Info("feedback submitted")
	e.notify(ctx, Change{Action: audit.ActionFeedbackSubmitted, Event: *ev, Actor: actor})
	return ev, nil
}

// Get returns a single event. Requires feedback:read.
func (e *Engine) Get(ctx context.Context, actor auth.Actor, id string) (*Event, error) {
	if err := e.authz.Require(actor, permission.FeedbackRead); err != nil {
		return nil, err
	}
	return e.store.Get(ctx, id)
}

// Search returns one page of events matching q. Requires feedback:read.
func (e *Engine) Search(ctx context.Context, actor auth.Actor, q SearchQuery) (*SearchResult, error) {
	if err := e.authz.Require(actor, permission.FeedbackRead); err != nil {
		return nil, err
	}
	if err := q.Normalize(); err != nil {
		return nil, err
	}

	items, total, err := e.store.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return &SearchResult{
		Items:      items,
		Total:      total,
		Page:       q.Page,
		PageSize:   q.PageSize,
		TotalPages: (total + q.PageSize - 1) / q.PageSize,
	}, nil
}

// Review records a reviewer's decision on pending or under-review
// feedback.
func (e *Engine) Review(ctx context.Context, actor auth.Actor, id string, req ReviewRequest) (ev *Event, err error) {
	defer observe("review", &err)

	if err := e.authz.Require(actor, permission.FeedbackReview); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	target, _ := req.Decision.Target()

	err = e.db.InTx(ctx, func(ctx context.Context) error {
		var old Status
		now := e.now().UTC()
		updated, err := e.store.Update(ctx, id, []Status{StatusPending, StatusUnderReview}, func(ev *Event) error {
			old = ev.Status
			ev.Status = target
			ev.UpdatedAt = now
			if req.ImpactAnalysis != nil {
				ev.ImpactAnalysis = req.ImpactAnalysis
			}
			ev.Review = &Review{
				ReviewedBy:               actor.ID,
				ReviewedAt:               now,
				Decision:                 req.Decision,
				DecisionReason:           strings.TrimSpace(req.DecisionReason),
				RiskAssessment:           req.RiskAssessment,
				ImplementationNotes:      req.ImplementationNotes,
				RollbackPlan:             req.RollbackPlan,
				TargetImplementationDate: req.TargetImplementationDate,
				EstimatedEffort:          req.EstimatedEffort,
			}
			return nil
		})
		if err != nil {
			return err
		}
		ev = updated
		return e.record(ctx, audit.ActionFeedbackReviewed, actor, id,
			map[string]any{"status": string(old)},
			map[string]any{
				"status":          string(target),
				"decision":        string(req.Decision),
				"decision_reason": ev.Review.DecisionReason,
			},
			fmt.Sprintf("Feedback reviewed by %s: %s", actor.ID, req.Decision))
	})
	if err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"feedback_id": id,
		"reviewer":    actor.ID,
		"decision":    req.Decision,
	}).Info("feedback reviewed")
	e.notify(ctx, Change{Action: audit.ActionFeedbackReviewed, Event: *ev, Actor: actor})
	return ev, nil
}

// Apply turns approved feedback into a rule override and marks it applied.
func (e *Engine) Apply(ctx context.Context, actor auth.Actor, id string, req ApplyRequest) (o *override.RuleOverride, err error) {
	defer observe("apply", &err)

	if err := e.authz.Require(actor, permission.FeedbackApply); err != nil {
		return nil, err
	}

	var ev *Event
	err = e.db.InTx(ctx, func(ctx context.Context) error {
		current, err := e.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if current.Status != StatusApproved {
			return apperr.InvalidState("feedback %s is %s; only approved feedback can be applied", id, current.Status)
		}

		now := e.now().UTC()
		o, err = e.registry.Apply(ctx, id, e.overrideSpec(current, req, now), actor.ID)
		if err != nil {
			return err
		}

		ev, err = e.store.Update(ctx, id, []Status{StatusApproved}, func(ev *Event) error {
			ev.Status = StatusApplied
			ev.AppliedBy = actor.ID
			ev.AppliedAt = &now
			ev.UpdatedAt = now
			return nil
		})
		if err != nil {
			return err
		}

		return e.record(ctx, audit.ActionFeedbackApplied, actor, id,
			map[string]any{"status": string(StatusApproved)},
			map[string]any{
				"status":        string(StatusApplied),
				"override_id":   o.ID,
				"override_type": o.OverrideType,
			},
			fmt.Sprintf("Feedback applied as rule override %s by %s", o.ID, actor.ID))
	})
	if err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"feedback_id": id,
		"override_id": o.ID,
		"applier":     actor.ID,
	}).Info("feedback applied")
	e.notify(ctx, Change{Action: audit.ActionFeedbackApplied, Event: *ev, Actor: actor, Override: o})
	return o, nil
}

func (e *Engine) overrideSpec(ev *Event, req ApplyRequest, now time.Time) override.Spec {
	spec := override.Spec{
		OverrideType:  req.OverrideType,
		OriginalValue: req.OriginalValue,
		NewValue:      req.NewValue,
		Description:   req.Description,
		EffectiveFrom: now,
		EffectiveTo:   req.EffectiveTo,
	}
	if spec.OverrideType == "" {
		spec.OverrideType = string(ev.FeedbackType)
	}
	if spec.NewValue == nil {
		spec.NewValue = ev.Payload
	}
	if spec.Description == "" {
		spec.Description = ev.Description
	}
	if req.EffectiveFrom != nil {
		spec.EffectiveFrom = *req.EffectiveFrom
	}
	return spec
}

// Withdraw retracts feedback that has not been decided yet. Only the
// submitter or an admin may withdraw.
func (e *Engine) Withdraw(ctx context.Context, actor auth.Actor, id, reason string) (ev *Event, err error) {
	defer observe("withdraw", &err)

	reason = strings.TrimSpace(reason)
	if utf8.RuneCountInString(reason) > MaxWithdrawReason {
		return nil, apperr.InvalidArgument("reason must be at most %d characters", MaxWithdrawReason)
	}

	err = e.db.InTx(ctx, func(ctx context.Context) error {
		current, err := e.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if current.ActorID != actor.ID && !actor.IsAdmin() {
			return apperr.PermissionDenied("only the submitter or an admin can withdraw feedback %s", id)
		}

		var old Status
		now := e.now().UTC()
		ev, err = e.store.Update(ctx, id, []Status{StatusPending, StatusUnderReview}, func(ev *Event) error {
			old = ev.Status
			ev.Status = StatusWithdrawn
			ev.WithdrawnBy = actor.ID
			ev.WithdrawnAt = &now
			ev.WithdrawalReason = reason
			ev.UpdatedAt = now
			return nil
		})
		if err != nil {
			return err
		}

		return e.record(ctx, audit.ActionFeedbackWithdrawn, actor, id,
			map[string]any{"status": string(old)},
			map[string]any{"status": string(StatusWithdrawn), "reason": reason},
			fmt.Sprintf("Feedback withdrawn by %s", actor.ID))
	})
	if err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{"feedback_id": id, "actor": actor.ID}).Info("feedback withdrawn")
	e.notify(ctx, Change{Action: audit.ActionFeedbackWithdrawn, Event: *ev, Actor: actor})
	return ev, nil
}

// Summary aggregates all feedback. Requires feedback:read.
func (e *Engine) Summary(ctx context.Context, actor auth.Actor) (*Summary, error) {
	if err := e.authz.Require(actor, permission.FeedbackRead); err != nil {
		return nil, err
	}
	return e.store.Summarize(ctx)
}

// AuditTrail returns audit entries matching filter. Requires audit:read.
func (e *Engine) AuditTrail(ctx context.Context, actor auth.Actor, filter audit.QueryFilter) ([]audit.Entry, error) {
	if err := e.authz.Require(actor, permission.AuditRead); err != nil {
		return nil, err
	}
	return e.audit.Query(ctx, filter)
}

// ListActiveOverrides returns overrides in effect. Requires overrides:read.
func (e *Engine) ListActiveOverrides(ctx context.Context, actor auth.Actor, filter override.ActiveFilter) ([]override.RuleOverride, error) {
	if err := e.authz.Require(actor, permission.OverridesRead); err != nil {
		return nil, err
	}
	if filter.At.IsZero() {
		filter.At = e.now()
	}
	return e.registry.ListActive(ctx, filter)
}

func (e *Engine) record(ctx context.Context, action audit.Action, actor auth.Actor, id string, old, updated map[string]any, description string) error {
	rc := auth.RequestContextFrom(ctx)
	_, err := e.audit.Append(ctx, audit.Entry{
		Timestamp:   e.now(),
		Action:      action,
		ActorID:     actor.ID,
		TargetType:  audit.TargetFeedback,
		TargetID:    id,
		OldValue:    old,
		NewValue:    updated,
		Description: description,
		Context: audit.Context{
			SessionID: rc.SessionID,
			IPAddress: rc.IPAddress,
			UserAgent: rc.UserAgent,
		},
	})
	return err
}

// notify is best-effort: the transition has already committed.
func (e *Engine) notify(ctx context.Context, change Change) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, change); err != nil {
		e.log.WithError(err).WithField("feedback_id", change.Event.ID).Warn("notification failed")
	}
}

func observe(operation string, err *error) {
	outcome := "success"
	if *err != nil {
		outcome = string(apperr.KindOf(*err))
	}
	metrics.FeedbackTransitions.WithLabelValues(operation, outcome).Inc()
}
