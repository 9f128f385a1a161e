// Package repository holds the lifecycle domain types and the transactional
// store contract implemented by the Postgres and in-memory backends.
package repository

import (
	"context"

	"github.com/google/uuid"
)

// Store runs functions inside a transaction. A non-nil error from fn rolls
// back every write made through tx.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	ReadTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the full set of repository operations available inside a transaction.
// Get* methods return a NotFound error when the row is absent unless they are
// documented to return nil. Inside a write transaction Get* on approval
// records, stages and nodes lock the row.
type Tx interface {
	CatalogRepository
	ApprovalRepository
	ProjectRepository
	StageRepository
	NodeRepository
}

// CatalogRepository covers workflow definitions, node types and stage
// templates. These rows are configuration and read-mostly.
type CatalogRepository interface {
	CreateWorkflowDefinition(ctx context.Context, def *WorkflowDefinition, steps []*WorkflowStep) error
	GetWorkflowDefinition(ctx context.Context, id string) (*WorkflowDefinition, error)
	// ListActiveWorkflowDefinitions returns active definitions ordered by id,
	// which is creation order.
	ListActiveWorkflowDefinitions(ctx context.Context, entityType string) ([]*WorkflowDefinition, error)
	ListWorkflowSteps(ctx context.Context, workflowID string) ([]*WorkflowStep, error)
	// GetWorkflowStep returns nil when the workflow has no such step.
	GetWorkflowStep(ctx context.Context, workflowID string, stepOrder int) (*WorkflowStep, error)

	SaveNodeType(ctx context.Context, def *NodeTypeDefinition) error
	// GetNodeType returns nil when the type is not configured.
	GetNodeType(ctx context.Context, nodeType string) (*NodeTypeDefinition, error)

	SaveStageTemplate(ctx context.Context, tpl *StageTemplate) error
	ListStageTemplates(ctx context.Context) ([]*StageTemplate, error)
}

// ApprovalRepository covers approval records, per-record step overrides and
// the append-only history.
type ApprovalRepository interface {
	// CreateApprovalRecord fails with Conflict when a PENDING record already
	// exists for the same entity.
	CreateApprovalRecord(ctx context.Context, rec *ApprovalRecord) error
	GetApprovalRecord(ctx context.Context, id string) (*ApprovalRecord, error)
	// GetPendingApprovalRecord returns nil when the entity has no PENDING record.
	GetPendingApprovalRecord(ctx context.Context, entityType, entityID string) (*ApprovalRecord, error)
	// GetLatestApprovalRecord returns nil when the entity was never submitted.
	GetLatestApprovalRecord(ctx context.Context, entityType, entityID string) (*ApprovalRecord, error)
	ListPendingApprovalRecords(ctx context.Context) ([]*ApprovalRecord, error)
	UpdateApprovalRecord(ctx context.Context, rec *ApprovalRecord) error

	// GetStepOverride returns nil when the step was never delegated.
	GetStepOverride(ctx context.Context, recordID string, stepOrder int) (*ApprovalStepOverride, error)
	SaveStepOverride(ctx context.Context, o *ApprovalStepOverride) error

	AppendApprovalHistory(ctx context.Context, h *ApprovalHistory) error
	// ListApprovalHistory orders rows by (step_order, action_at, id).
	ListApprovalHistory(ctx context.Context, recordID string) ([]*ApprovalHistory, error)
}

type ProjectRepository interface {
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	SetCurrentStage(ctx context.Context, projectID, stageID string) error
	SetCurrentNode(ctx context.Context, projectID, nodeID string) error
}

type StageRepository interface {
	CreateStage(ctx context.Context, s *StageInstance) error
	GetStage(ctx context.Context, id string) (*StageInstance, error)
	// ListStagesByProject orders stages by sequence.
	ListStagesByProject(ctx context.Context, projectID string) ([]*StageInstance, error)
	UpdateStage(ctx context.Context, s *StageInstance) error
}

type NodeRepository interface {
	CreateNode(ctx context.Context, n *NodeInstance) error
	GetNode(ctx context.Context, id string) (*NodeInstance, error)
	// ListNodesByStage orders nodes by (sequence, id).
	ListNodesByStage(ctx context.Context, stageID string) ([]*NodeInstance, error)
	// GetNodesByIDs silently omits ids that do not exist.
	GetNodesByIDs(ctx context.Context, ids []string) ([]*NodeInstance, error)
	UpdateNode(ctx context.Context, n *NodeInstance) error
}

// NewID returns a time-ordered UUIDv7 string. Sorting ids sorts by creation.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
