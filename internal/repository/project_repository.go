package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-pm-lifecycle/internal/errors"
)

// CreateProject inserts a project.
func (t *pgTx) CreateProject(ctx context.Context, p *Project) error {
	if p.ID == "" {
		p.ID = NewID()
	}

	query := `
		INSERT INTO projects
		    (id, code, name, customer_type, project_type, amount,
		     current_stage_id, current_node_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	if _, err := t.tx.Exec(ctx, query,
		p.ID,
		p.Code,
		p.Name,
		p.CustomerType,
		p.ProjectType,
		p.Amount,
		p.CurrentStageID,
		p.CurrentNodeID,
		p.CreatedAt,
		p.UpdatedAt,
	); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create project")
	}
	return nil
}

// GetProject retrieves a project by primary key.
func (t *pgTx) GetProject(ctx context.Context, id string) (*Project, error) {
	query := `
		SELECT id, code, name, customer_type, project_type, amount,
		       current_stage_id, current_node_id, created_at, updated_at
		FROM projects
		WHERE id = $1
	`

	p := &Project{}
	err := t.tx.QueryRow(ctx, query, id).Scan(
		&p.ID,
		&p.Code,
		&p.Name,
		&p.CustomerType,
		&p.ProjectType,
		&p.Amount,
		&p.CurrentStageID,
		&p.CurrentNodeID,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("project", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get project")
	}
	return p, nil
}

// SetCurrentStage moves the project's current-stage pointer.
func (t *pgTx) SetCurrentStage(ctx context.Context, projectID, stageID string) error {
	return t.setPointer(ctx, `UPDATE projects SET current_stage_id = $2, updated_at = NOW() WHERE id = $1 RETURNING id`, projectID, stageID)
}

// SetCurrentNode moves the project's current-node pointer.
func (t *pgTx) SetCurrentNode(ctx context.Context, projectID, nodeID string) error {
	return t.setPointer(ctx, `UPDATE projects SET current_node_id = $2, updated_at = NOW() WHERE id = $1 RETURNING id`, projectID, nodeID)
}

func (t *pgTx) setPointer(ctx context.Context, query, projectID, value string) error {
	var returnedID string
	err := t.tx.QueryRow(ctx, query, projectID, value).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("project", projectID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update project pointer")
	}
	return nil
}
