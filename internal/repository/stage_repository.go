package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-pm-lifecycle/internal/errors"
)

const stageColumns = `
		id, project_id, stage_code, stage_name, sequence, status,
		planned_start_date, planned_end_date, actual_start_date, actual_end_date,
		is_modified, remark, created_at, updated_at
`

// CreateStage inserts a stage instance.
func (t *pgTx) CreateStage(ctx context.Context, s *StageInstance) error {
	if s.ID == "" {
		s.ID = NewID()
	}

	query := `
		INSERT INTO stage_instances (` + stageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	if _, err := t.tx.Exec(ctx, query,
		s.ID,
		s.ProjectID,
		s.StageCode,
		s.StageName,
		s.Sequence,
		string(s.Status),
		s.PlannedStartDate,
		s.PlannedEndDate,
		s.ActualStartDate,
		s.ActualEndDate,
		s.IsModified,
		s.Remark,
		s.CreatedAt,
		s.UpdatedAt,
	); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create stage")
	}
	return nil
}

// GetStage retrieves a stage, locking it inside write transactions.
func (t *pgTx) GetStage(ctx context.Context, id string) (*StageInstance, error) {
	query := `SELECT` + stageColumns + `FROM stage_instances WHERE id = $1` + t.forUpdate()

	s, err := scanStage(t.tx.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("stage_instance", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get stage")
	}
	return s, nil
}

// ListStagesByProject returns a project's stages ordered by sequence.
func (t *pgTx) ListStagesByProject(ctx context.Context, projectID string) ([]*StageInstance, error) {
	query := `SELECT` + stageColumns + `
		FROM stage_instances
		WHERE project_id = $1
		ORDER BY sequence ASC, id ASC`

	rows, err := t.tx.Query(ctx, query, projectID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list stages")
	}
	defer rows.Close()

	var stages []*StageInstance
	for rows.Next() {
		s, err := scanStage(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan stage")
		}
		stages = append(stages, s)
	}
	return stages, rows.Err()
}

// UpdateStage persists a stage's mutable fields.
func (t *pgTx) UpdateStage(ctx context.Context, s *StageInstance) error {
	query := `
		UPDATE stage_instances
		SET status             = $2,
		    planned_start_date = $3,
		    planned_end_date   = $4,
		    actual_start_date  = $5,
		    actual_end_date    = $6,
		    is_modified        = $7,
		    remark             = $8,
		    updated_at         = $9
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := t.tx.QueryRow(ctx, query,
		s.ID,
		string(s.Status),
		s.PlannedStartDate,
		s.PlannedEndDate,
		s.ActualStartDate,
		s.ActualEndDate,
		s.IsModified,
		s.Remark,
		s.UpdatedAt,
	).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("stage_instance", s.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update stage")
	}
	return nil
}

func scanStage(row rowScanner) (*StageInstance, error) {
	s := &StageInstance{}
	var status string
	err := row.Scan(
		&s.ID,
		&s.ProjectID,
		&s.StageCode,
		&s.StageName,
		&s.Sequence,
		&status,
		&s.PlannedStartDate,
		&s.PlannedEndDate,
		&s.ActualStartDate,
		&s.ActualEndDate,
		&s.IsModified,
		&s.Remark,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Status = FlowStatus(status)
	return s, nil
}
