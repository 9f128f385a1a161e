package memstore

import (
	"github.com/hashicorp/go-memdb"

	"github.com/pesio-ai/be-pm-lifecycle/internal/repository"
)

const (
	tableDefinitions = "workflow_definitions"
	tableSteps       = "workflow_steps"
	tableRecords     = "approval_records"
	tableOverrides   = "approval_step_overrides"
	tableHistory     = "approval_history"
	tableNodeTypes   = "node_types"
	tableTemplates   = "stage_templates"
	tableProjects    = "projects"
	tableStages      = "stage_instances"
	tableNodes       = "node_instances"
)

// Rows keep flat index fields next to a private copy of the domain value so
// callers never alias stored objects.

type definitionRow struct {
	ID         string
	EntityType string
	Value      repository.WorkflowDefinition
}

type stepRow struct {
	ID         string
	WorkflowID string
	Value      repository.WorkflowStep
}

type recordRow struct {
	ID        string
	EntityKey string
	Status    string
	Value     repository.ApprovalRecord
}

type overrideRow struct {
	Key   string
	Value repository.ApprovalStepOverride
}

type historyRow struct {
	ID       string
	RecordID string
	Value    repository.ApprovalHistory
}

type nodeTypeRow struct {
	NodeType string
	Value    repository.NodeTypeDefinition
}

type templateRow struct {
	StageCode string
	Value     repository.StageTemplate
}

type projectRow struct {
	ID    string
	Value repository.Project
}

type stageRow struct {
	ID        string
	ProjectID string
	Value     repository.StageInstance
}

type nodeRow struct {
	ID      string
	StageID string
	Value   repository.NodeInstance
}

func idIndex(field string) *memdb.IndexSchema {
	return &memdb.IndexSchema{
		Name:    "id",
		Unique:  true,
		Indexer: &memdb.StringFieldIndex{Field: field},
	}
}

func lookupIndex(name, field string) *memdb.IndexSchema {
	return &memdb.IndexSchema{
		Name:    name,
		Indexer: &memdb.StringFieldIndex{Field: field},
	}
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableDefinitions: {
				Name: tableDefinitions,
				Indexes: map[string]*memdb.IndexSchema{
					"id":          idIndex("ID"),
					"entity_type": lookupIndex("entity_type", "EntityType"),
				},
			},
			tableSteps: {
				Name: tableSteps,
				Indexes: map[string]*memdb.IndexSchema{
					"id":       idIndex("ID"),
					"workflow": lookupIndex("workflow", "WorkflowID"),
				},
			},
			tableRecords: {
				Name: tableRecords,
				Indexes: map[string]*memdb.IndexSchema{
					"id":     idIndex("ID"),
					"entity": lookupIndex("entity", "EntityKey"),
					"status": lookupIndex("status", "Status"),
				},
			},
			tableOverrides: {
				Name: tableOverrides,
				Indexes: map[string]*memdb.IndexSchema{
					"id": idIndex("Key"),
				},
			},
			tableHistory: {
				Name: tableHistory,
				Indexes: map[string]*memdb.IndexSchema{
					"id":     idIndex("ID"),
					"record": lookupIndex("record", "RecordID"),
				},
			},
			tableNodeTypes: {
				Name: tableNodeTypes,
				Indexes: map[string]*memdb.IndexSchema{
					"id": idIndex("NodeType"),
				},
			},
			tableTemplates: {
				Name: tableTemplates,
				Indexes: map[string]*memdb.IndexSchema{
					"id": idIndex("StageCode"),
				},
			},
			tableProjects: {
				Name: tableProjects,
				Indexes: map[string]*memdb.IndexSchema{
					"id": idIndex("ID"),
				},
			},
			tableStages: {
				Name: tableStages,
				Indexes: map[string]*memdb.IndexSchema{
					"id":      idIndex("ID"),
					"project": lookupIndex("project", "ProjectID"),
				},
			},
			tableNodes: {
				Name: tableNodes,
				Indexes: map[string]*memdb.IndexSchema{
					"id":    idIndex("ID"),
					"stage": lookupIndex("stage", "StageID"),
				},
			},
		},
	}
}
