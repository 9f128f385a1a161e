package repository

import "time"

// ── Approval workflow domain types ───────────────────────────────────────────

// ApprovalStatus is the lifecycle state of an ApprovalRecord.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "PENDING"
	ApprovalApproved  ApprovalStatus = "APPROVED"
	ApprovalRejected  ApprovalStatus = "REJECTED"
	ApprovalCancelled ApprovalStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected || s == ApprovalCancelled
}

// HistoryAction is the kind of an ApprovalHistory row. The string values are
// the audit export contract.
type HistoryAction string

const (
	// ActionSubmit marks the initiator's submission comment at step 0.
	ActionSubmit   HistoryAction = "SUBMIT"
	ActionApprove  HistoryAction = "APPROVE"
	ActionReject   HistoryAction = "REJECT"
	ActionDelegate HistoryAction = "DELEGATE"
	ActionWithdraw HistoryAction = "WITHDRAW"
)

// SubmissionStepOrder is the step_order reserved for the submission entry.
const SubmissionStepOrder = 0

// RoutingRules is the scored predicate attached to a WorkflowDefinition.
type RoutingRules struct {
	MinAmount     *float64 `json:"min_amount,omitempty" yaml:"min_amount,omitempty"`
	MaxAmount     *float64 `json:"max_amount,omitempty" yaml:"max_amount,omitempty"`
	Urgency       string   `json:"urgency,omitempty" yaml:"urgency,omitempty"`
	CustomerTypes []string `json:"customer_types,omitempty" yaml:"customer_types,omitempty"`
	ProjectTypes  []string `json:"project_types,omitempty" yaml:"project_types,omitempty"`
	IsDefault     bool     `json:"is_default,omitempty" yaml:"is_default,omitempty"`
}

// HasCriteria reports whether the rules carry anything beyond the default flag.
func (r *RoutingRules) HasCriteria() bool {
	if r == nil {
		return false
	}
	return r.MinAmount != nil || r.MaxAmount != nil || r.Urgency != "" ||
		len(r.CustomerTypes) > 0 || len(r.ProjectTypes) > 0
}

// WorkflowDefinition is a configured approval path for one entity type.
type WorkflowDefinition struct {
	ID           string
	Name         string
	EntityType   string // QUOTE | CONTRACT | ...
	IsActive     bool
	RoutingRules *RoutingRules
	CreatedAt    time.Time
}

// WorkflowStep is one template step of a WorkflowDefinition.
type WorkflowStep struct {
	ID           string
	WorkflowID   string
	StepOrder    int
	StepName     string
	ApproverRole *string
	ApproverID   *string
	IsRequired   bool
	CanDelegate  bool
	CanWithdraw  bool
	DueHours     int
}

// ApprovalRecord is one approval run for an entity.
type ApprovalRecord struct {
	ID          string
	EntityType  string
	EntityID    string
	WorkflowID  string
	CurrentStep int
	Status      ApprovalStatus
	InitiatorID string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// ApprovalStepOverride replaces a step's approver for a single record.
// Delegation writes these instead of touching the shared WorkflowStep row.
type ApprovalStepOverride struct {
	RecordID    string
	StepOrder   int
	ApproverID  string
	DelegatedBy string
	CreatedAt   time.Time
}

// ApprovalHistory is one immutable row of the approval audit trail.
type ApprovalHistory struct {
	ID               string
	ApprovalRecordID string
	StepOrder        int
	ApproverID       string
	Action           HistoryAction
	Comment          *string
	DelegateToID     *string
	ActionAt         time.Time
}
