package feedback

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ziadkadry99/contentintel/internal/apperr"
	"github.com/ziadkadry99/contentintel/internal/db"
	"github.com/ziadkadry99/contentintel/internal/permission"
)

// Status is the position of a feedback event in the review workflow.
type Status string

const (
	StatusPending     Status = "pending"
	StatusUnderReview Status = "under_review"
	StatusApproved    Status = "approved"
	StatusRejected    Status = "rejected"
	StatusApplied     Status = "applied"
	StatusWithdrawn   Status = "withdrawn"
)

// Statuses lists every workflow status.
var Statuses = []Status{
	StatusPending, StatusUnderReview, StatusApproved,
	StatusRejected, StatusApplied, StatusWithdrawn,
}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusApplied || s == StatusRejected || s == StatusWithdrawn
}

// Type is the kind of change a feedback event proposes.
type Type string

const (
	TypeDefinitionCorrection Type = "definition_correction"
	TypeMisattribution       Type = "misattribution"
	TypeOverride             Type = "override"
	TypeRuleChange           Type = "rule_change"
	TypeMetricUpdate         Type = "metric_update"
	TypeCostAllocation       Type = "cost_allocation"
	TypeRevenueAttribution   Type = "revenue_attribution"
)

var Types = []Type{
	TypeDefinitionCorrection, TypeMisattribution, TypeOverride, TypeRuleChange,
	TypeMetricUpdate, TypeCostAllocation, TypeRevenueAttribution,
}

func (t Type) Valid() bool {
	for _, v := range Types {
		if t == v {
			return true
		}
	}
	return false
}

// TargetType is the kind of record the feedback is about.
type TargetType string

const (
	TargetMetric             TargetType = "metric"
	TargetContentID          TargetType = "content_id"
	TargetRuleID             TargetType = "rule_id"
	TargetDefinition         TargetType = "definition"
	TargetCostAllocation     TargetType = "cost_allocation"
	TargetRevenueAttribution TargetType = "revenue_attribution"
)

var TargetTypes = []TargetType{
	TargetMetric, TargetContentID, TargetRuleID,
	TargetDefinition, TargetCostAllocation, TargetRevenueAttribution,
}

func (t TargetType) Valid() bool {
	for _, v := range TargetTypes {
		if t == v {
			return true
		}
	}
	return false
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Decision is a reviewer's verdict.
type Decision string

const (
	DecisionApprove        Decision = "approve"
	DecisionReject         Decision = "reject"
	DecisionRequestChanges Decision = "request_changes"
)

// Target returns the status a decision moves feedback to.
func (d Decision) Target() (Status, bool) {
	switch d {
	case DecisionApprove:
		return StatusApproved, true
	case DecisionReject:
		return StatusRejected, true
	case DecisionRequestChanges:
		return StatusUnderReview, true
	}
	return "", false
}

const (
	MinDescriptionLen = 10
	MaxDescriptionLen = 1000
	MinReasonLen      = 10
	MaxWithdrawReason = 1000

	DefaultPageSize = 50
	MaxPageSize     = 100
)

// Review is the metadata a reviewer attaches to a decision.
type Review struct {
	ReviewedBy               string     `json:"reviewed_by"`
	ReviewedAt               time.Time  `json:"reviewed_at"`
	Decision                 Decision   `json:"decision"`
	DecisionReason           string     `json:"decision_reason"`
	RiskAssessment           string     `json:"risk_assessment,omitempty"`
	ImplementationNotes      string     `json:"implementation_notes,omitempty"`
	RollbackPlan             string     `json:"rollback_plan,omitempty"`
	TargetImplementationDate *time.Time `json:"target_implementation_date,omitempty"`
	EstimatedEffort          string     `json:"estimated_effort,omitempty"`
}

// Event is a submitted feedback proposal and its workflow state.
type Event struct {
	ID               string          `json:"id"`
	ActorID          string          `json:"actor_id"`
	ActorRole        permission.Role `json:"actor_role"`
	FeedbackType     Type            `json:"feedback_type"`
	TargetType       TargetType      `json:"target_type"`
	TargetID         string          `json:"target_id,omitempty"`
	Payload          map[string]any  `json:"payload"`
	Description      string          `json:"description"`
	Priority         Priority        `json:"priority"`
	BusinessImpact   string          `json:"business_impact,omitempty"`
	ExpectedOutcome  string          `json:"expected_outcome,omitempty"`
	Evidence         []string        `json:"evidence"`
	Attachments      []string        `json:"attachments"`
	Status           Status          `json:"status"`
	ImpactAnalysis   map[string]any  `json:"impact_analysis,omitempty"`
	Review           *Review         `json:"review,omitempty"`
	AppliedBy        string          `json:"applied_by,omitempty"`
	AppliedAt        *time.Time      `json:"applied_at,omitempty"`
	WithdrawnBy      string          `json:"withdrawn_by,omitempty"`
	WithdrawnAt      *time.Time      `json:"withdrawn_at,omitempty"`
	WithdrawalReason string          `json:"withdrawal_reason,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Submission is what an actor sends to propose a change.
type Submission struct {
	FeedbackType    Type           `json:"feedback_type"`
	TargetType      TargetType     `json:"target_type"`
	TargetID        string         `json:"target_id,omitempty"`
	Payload         map[string]any `json:"payload"`
	Description     string         `json:"description"`
	Priority        Priority       `json:"priority,omitempty"`
	BusinessImpact  string         `json:"business_impact,omitempty"`
	ExpectedOutcome string         `json:"expected_outcome,omitempty"`
	Evidence        []string       `json:"evidence,omitempty"`
	Attachments     []string       `json:"attachments,omitempty"`
}

// Validate checks enums and lengths and fills in the default priority.
func (s *Submission) Validate() error {
	if !s.FeedbackType.Valid() {
		return apperr.InvalidArgument("unknown feedback_type %q", s.FeedbackType)
	}
	if !s.TargetType.Valid() {
		return apperr.InvalidArgument("unknown target_type %q", s.TargetType)
	}
	if s.Priority == "" {
		s.Priority = PriorityMedium
	}
	if !s.Priority.Valid() {
		return apperr.InvalidArgument("unknown priority %q", s.Priority)
	}
	n := utf8.RuneCountInString(strings.TrimSpace(s.Description))
	if n < MinDescriptionLen || n > MaxDescriptionLen {
		return apperr.InvalidArgument("description must be %d to %d characters", MinDescriptionLen, MaxDescriptionLen)
	}
	if s.Payload == nil {
		s.Payload = map[string]any{}
	}
	return nil
}

// ReviewRequest carries a reviewer's decision.
type ReviewRequest struct {
	Decision                 Decision       `json:"decision"`
	DecisionReason           string         `json:"decision_reason"`
	ImpactAnalysis           map[string]any `json:"impact_analysis,omitempty"`
	RiskAssessment           string         `json:"risk_assessment,omitempty"`
	ImplementationNotes      string         `json:"implementation_notes,omitempty"`
	RollbackPlan             string         `json:"rollback_plan,omitempty"`
	TargetImplementationDate *time.Time     `json:"target_implementation_date,omitempty"`
	EstimatedEffort          string         `json:"estimated_effort,omitempty"`
}

func (r ReviewRequest) Validate() error {
	if _, ok := r.Decision.Target(); !ok {
		return apperr.InvalidArgument("decision must be approve, reject or request_changes")
	}
	if utf8.RuneCountInString(strings.TrimSpace(r.DecisionReason)) < MinReasonLen {
		return apperr.InvalidArgument("decision_reason must be at least %d characters", MinReasonLen)
	}
	return nil
}

// ApplyRequest shapes the rule override created on apply. Empty fields
// fall back to the feedback itself: the feedback type, its payload, its
// description and the current time.
type ApplyRequest struct {
	OverrideType  string         `json:"override_type,omitempty"`
	OriginalValue map[string]any `json:"original_value,omitempty"`
	NewValue      map[string]any `json:"new_value,omitempty"`
	Description   string         `json:"description,omitempty"`
	EffectiveFrom *time.Time     `json:"effective_from,omitempty"`
	EffectiveTo   *time.Time     `json:"effective_to,omitempty"`
}

// SortField is a column search results can be ordered by.
type SortField string

const (
	SortCreatedAt SortField = "created_at"
	SortStatus    SortField = "status"
)

type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// SearchQuery selects feedback events. All set filters must match.
type SearchQuery struct {
	Query      string          `json:"query,omitempty"`
	Status     Status          `json:"status,omitempty"`
	Type       Type            `json:"feedback_type,omitempty"`
	TargetType TargetType      `json:"target_type,omitempty"`
	ActorRole  permission.Role `json:"actor_role,omitempty"`
	Priority   Priority        `json:"priority,omitempty"`
	DateFrom   *time.Time      `json:"date_from,omitempty"`
	DateTo     *time.Time      `json:"date_to,omitempty"`
	SortBy     SortField       `json:"sort_by,omitempty"`
	SortOrder  SortOrder       `json:"sort_order,omitempty"`
	Page       int             `json:"page,omitempty"`
	PageSize   int             `json:"page_size,omitempty"`
}

// Normalize validates q and fills in defaults. Zero Page and PageSize mean
// the defaults; other out of range values are rejected, not clamped.
func (q *SearchQuery) Normalize() error {
	if q.Status != "" && !q.Status.Valid() {
		return apperr.InvalidArgument("unknown status %q", q.Status)
	}
	if q.Type != "" && !q.Type.Valid() {
		return apperr.InvalidArgument("unknown feedback_type %q", q.Type)
	}
	if q.TargetType != "" && !q.TargetType.Valid() {
		return apperr.InvalidArgument("unknown target_type %q", q.TargetType)
	}
	if q.ActorRole != "" && !q.ActorRole.Valid() {
		return apperr.InvalidArgument("unknown actor_role %q", q.ActorRole)
	}
	if q.Priority != "" && !q.Priority.Valid() {
		return apperr.InvalidArgument("unknown priority %q", q.Priority)
	}
	if q.DateFrom != nil && q.DateTo != nil && q.DateFrom.After(*q.DateTo) {
		return apperr.InvalidArgument("date_from must not be after date_to")
	}

	switch q.SortBy {
	case "":
		q.SortBy = SortCreatedAt
	case SortCreatedAt, SortStatus:
	default:
		return apperr.InvalidArgument("sort_by must be created_at or status")
	}
	switch q.SortOrder {
	case "":
		q.SortOrder = SortDesc
	case SortAsc, SortDesc:
	default:
		return apperr.InvalidArgument("sort_order must be asc or desc")
	}

	if q.Page == 0 {
		q.Page = 1
	}
	if q.Page < 1 {
		return apperr.InvalidArgument("page must be at least 1")
	}
	if q.PageSize == 0 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize < 1 || q.PageSize > MaxPageSize {
		return apperr.InvalidArgument("page_size must be between 1 and %d", MaxPageSize)
	}
	// The row offset (page-1)*page_size must fit in an int.
	if q.Page > math.MaxInt/q.PageSize {
		return apperr.InvalidArgument("page %d is out of range", q.Page)
	}
	return nil
}

// SearchResult is one page of matching events.
type SearchResult struct {
	Items      []Event `json:"items"`
	Total      int     `json:"total"`
	Page       int     `json:"page"`
	PageSize   int     `json:"page_size"`
	TotalPages int     `json:"total_pages"`
}

// Summary aggregates the feedback population for dashboards.
type Summary struct {
	Total          int            `json:"total_feedback"`
	ByStatus       map[Status]int `json:"by_status"`
	ByType         map[Type]int   `json:"by_type"`
	ByRole         map[string]int `json:"by_role"`
	ApprovalRate   float64        `json:"approval_rate"`
	AvgReviewHours float64        `json:"avg_review_time_hours"`
	RecentIDs      []string       `json:"recent_feedback"`
}

// GenerateID derives a feedback id from the submitter, the kind of change
// and the submission time. Two submissions with identical inputs in the
// same nanosecond collide; Store.Create reports that as DuplicateID.
func GenerateID(actorID string, t Type, target TargetType, at time.Time) string {
	sum := sha256.Sum256([]byte(actorID + ":" + string(t) + ":" + string(target) + ":" + db.FormatTime(at)))
	return hex.EncodeToString(sum[:])[:16]
}
