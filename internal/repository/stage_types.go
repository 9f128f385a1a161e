package repository

import "time"

// ── Stage / node domain types ────────────────────────────────────────────────

// FlowStatus is shared by stages and nodes. Nodes never enter BLOCKED.
type FlowStatus string

const (
	StatusPending    FlowStatus = "PENDING"
	StatusInProgress FlowStatus = "IN_PROGRESS"
	StatusCompleted  FlowStatus = "COMPLETED"
	StatusSkipped    FlowStatus = "SKIPPED"
	StatusBlocked    FlowStatus = "BLOCKED"
)

// Done reports whether the status satisfies downstream dependencies.
func (s FlowStatus) Done() bool {
	return s == StatusCompleted || s == StatusSkipped
}

// CompletionMethod decides how a node reaches COMPLETED.
type CompletionMethod string

const (
	CompletionManual   CompletionMethod = "MANUAL"
	CompletionAuto     CompletionMethod = "AUTO"
	CompletionApproval CompletionMethod = "APPROVAL"
)

// Project carries the routing attributes and progress pointers of a project.
type Project struct {
	ID             string
	Code           string
	Name           string
	CustomerType   string
	ProjectType    string
	Amount         float64
	CurrentStageID *string
	CurrentNodeID  *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// StageInstance is one stage of a project.
type StageInstance struct {
	ID               string
	ProjectID        string
	StageCode        string
	StageName        string
	Sequence         int
	Status           FlowStatus
	PlannedStartDate *time.Time
	PlannedEndDate   *time.Time
	ActualStartDate  *time.Time
	ActualEndDate    *time.Time
	IsModified       bool
	Remark           *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NodeInstance is one node of a stage. DependencyIDs is the ordered list of
// predecessor node ids.
type NodeInstance struct {
	ID               string
	StageInstanceID  string
	ProjectID        string
	NodeCode         string
	NodeName         string
	NodeType         string
	Sequence         int
	Status           FlowStatus
	CompletionMethod CompletionMethod
	IsRequired       bool
	IsCustom         bool
	DependencyIDs    []string
	PlannedDate      *time.Time
	ActualDate       *time.Time
	CompletedBy      *string
	CompletedAt      *time.Time
	Attachments      []string
	ApprovalRecordID *string
	Remark           *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DependsOn reports whether id is one of the node's predecessors.
func (n *NodeInstance) DependsOn(id string) bool {
	for _, dep := range n.DependencyIDs {
		if dep == id {
			return true
		}
	}
	return false
}

// NodeTypeDefinition holds per-type completion rules.
type NodeTypeDefinition struct {
	NodeType           string
	Name               string
	RequiresAttachment bool
	// AutoCondition is a boolean expr-lang expression; empty means true.
	AutoCondition string
}

// StageTemplate is the catalog blueprint of a standard stage.
type StageTemplate struct {
	StageCode string
	StageName string
	Sequence  int
	Nodes     []NodeTemplate
}

// NodeTemplate is the catalog blueprint of a node. DependsOn lists
// predecessor node codes within the same project.
type NodeTemplate struct {
	NodeCode         string
	NodeName         string
	NodeType         string
	Sequence         int
	CompletionMethod CompletionMethod
	IsRequired       bool
	DependsOn        []string
}
