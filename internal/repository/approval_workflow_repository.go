package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-pm-lifecycle/internal/errors"
)

// CreateWorkflowDefinition inserts a definition and its steps together.
func (t *pgTx) CreateWorkflowDefinition(ctx context.Context, def *WorkflowDefinition, steps []*WorkflowStep) error {
	if def.ID == "" {
		def.ID = NewID()
	}

	var rulesJSON []byte
	if def.RoutingRules != nil {
		var err error
		rulesJSON, err = json.Marshal(def.RoutingRules)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal routing rules")
		}
	}

	defQuery := `
		INSERT INTO workflow_definitions
		    (id, name, entity_type, is_active, routing_rules, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := t.tx.Exec(ctx, defQuery,
		def.ID,
		def.Name,
		def.EntityType,
		def.IsActive,
		rulesJSON,
		def.CreatedAt,
	); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow definition")
	}

	stepQuery := `
		INSERT INTO workflow_steps
		    (id, workflow_id, step_order, step_name,
		     approver_role, approver_id, is_required,
		     can_delegate, can_withdraw, due_hours)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7,
		        $8, $9, $10)
	`
	for _, step := range steps {
		if step.ID == "" {
			step.ID = NewID()
		}
		step.WorkflowID = def.ID

		if _, err := t.tx.Exec(ctx, stepQuery,
			step.ID,
			step.WorkflowID,
			step.StepOrder,
			step.StepName,
			step.ApproverRole,
			step.ApproverID,
			step.IsRequired,
			step.CanDelegate,
			step.CanWithdraw,
			step.DueHours,
		); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow step")
		}
	}

	return nil
}

// GetWorkflowDefinition retrieves a definition by primary key.
func (t *pgTx) GetWorkflowDefinition(ctx context.Context, id string) (*WorkflowDefinition, error) {
	query := `
		SELECT id, name, entity_type, is_active, routing_rules, created_at
		FROM workflow_definitions
		WHERE id = $1
	`

	def, err := scanDefinition(t.tx.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow_definition", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow definition")
	}
	return def, nil
}

// ListActiveWorkflowDefinitions returns active definitions for an entity type
// in creation order.
func (t *pgTx) ListActiveWorkflowDefinitions(ctx context.Context, entityType string) ([]*WorkflowDefinition, error) {
	query := `
		SELECT id, name, entity_type, is_active, routing_rules, created_at
		FROM workflow_definitions
		WHERE entity_type = $1 AND is_active = TRUE
		ORDER BY id ASC
	`

	rows, err := t.tx.Query(ctx, query, entityType)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflow definitions")
	}
	defer rows.Close()

	var defs []*WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow definition")
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// ListWorkflowSteps returns a workflow's steps ordered by step_order.
func (t *pgTx) ListWorkflowSteps(ctx context.Context, workflowID string) ([]*WorkflowStep, error) {
	query := `
		SELECT id, workflow_id, step_order, step_name,
		       approver_role, approver_id, is_required,
		       can_delegate, can_withdraw, due_hours
		FROM workflow_steps
		WHERE workflow_id = $1
		ORDER BY step_order ASC
	`

	rows, err := t.tx.Query(ctx, query, workflowID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflow steps")
	}
	defer rows.Close()

	var steps []*WorkflowStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow step")
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// GetWorkflowStep returns the step at step_order, or nil.
func (t *pgTx) GetWorkflowStep(ctx context.Context, workflowID string, stepOrder int) (*WorkflowStep, error) {
	query := `
		SELECT id, workflow_id, step_order, step_name,
		       approver_role, approver_id, is_required,
		       can_delegate, can_withdraw, due_hours
		FROM workflow_steps
		WHERE workflow_id = $1 AND step_order = $2
	`

	step, err := scanStep(t.tx.QueryRow(ctx, query, workflowID, stepOrder))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow step")
	}
	return step, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func scanDefinition(row rowScanner) (*WorkflowDefinition, error) {
	def := &WorkflowDefinition{}
	var rulesJSON []byte

	err := row.Scan(
		&def.ID,
		&def.Name,
		&def.EntityType,
		&def.IsActive,
		&rulesJSON,
		&def.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(rulesJSON) > 0 {
		def.RoutingRules = &RoutingRules{}
		if err := json.Unmarshal(rulesJSON, def.RoutingRules); err != nil {
			return nil, err
		}
	}
	return def, nil
}

func scanStep(row rowScanner) (*WorkflowStep, error) {
	s := &WorkflowStep{}
	err := row.Scan(
		&s.ID,
		&s.WorkflowID,
		&s.StepOrder,
		&s.StepName,
		&s.ApproverRole,
		&s.ApproverID,
		&s.IsRequired,
		&s.CanDelegate,
		&s.CanWithdraw,
		&s.DueHours,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}
