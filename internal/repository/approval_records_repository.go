package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-pm-lifecycle/internal/database"
	"github.com/pesio-ai/be-pm-lifecycle/internal/errors"
)

const pendingEntityConstraint = "uq_approval_records_pending_entity"

const recordColumns = `
		id, entity_type, entity_id, workflow_id,
		current_step, status, initiator_id,
		created_at, updated_at, completed_at
`

// CreateApprovalRecord inserts a record. The partial unique index on PENDING
// records turns a duplicate submission into a Conflict.
func (t *pgTx) CreateApprovalRecord(ctx context.Context, rec *ApprovalRecord) error {
	if rec.ID == "" {
		rec.ID = NewID()
	}

	query := `
		INSERT INTO approval_records
		    (id, entity_type, entity_id, workflow_id,
		     current_step, status, initiator_id,
		     created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7,
		        $8, $9, $10)
	`

	_, err := t.tx.Exec(ctx, query,
		rec.ID,
		rec.EntityType,
		rec.EntityID,
		rec.WorkflowID,
		rec.CurrentStep,
		string(rec.Status),
		rec.InitiatorID,
		rec.CreatedAt,
		rec.UpdatedAt,
		rec.CompletedAt,
	)
	if database.IsUniqueViolation(err, pendingEntityConstraint) {
		return errors.Conflict("该实体已有待审批的记录")
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval record")
	}
	return nil
}

// GetApprovalRecord retrieves a record by primary key, locking it inside
// write transactions.
func (t *pgTx) GetApprovalRecord(ctx context.Context, id string) (*ApprovalRecord, error) {
	query := `SELECT` + recordColumns + `FROM approval_records WHERE id = $1` + t.forUpdate()

	rec, err := scanRecord(t.tx.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_record", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval record")
	}
	return rec, nil
}

// GetPendingApprovalRecord returns the entity's PENDING record, or nil.
func (t *pgTx) GetPendingApprovalRecord(ctx context.Context, entityType, entityID string) (*ApprovalRecord, error) {
	query := `SELECT` + recordColumns + `
		FROM approval_records
		WHERE entity_type = $1 AND entity_id = $2 AND status = 'PENDING'`

	rec, err := scanRecord(t.tx.QueryRow(ctx, query, entityType, entityID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get pending approval record")
	}
	return rec, nil
}

// GetLatestApprovalRecord returns the most recently created record for an
// entity regardless of status, or nil.
func (t *pgTx) GetLatestApprovalRecord(ctx context.Context, entityType, entityID string) (*ApprovalRecord, error) {
	query := `SELECT` + recordColumns + `
		FROM approval_records
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1`

	rec, err := scanRecord(t.tx.QueryRow(ctx, query, entityType, entityID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get latest approval record")
	}
	return rec, nil
}

// ListPendingApprovalRecords returns every PENDING record, oldest first.
func (t *pgTx) ListPendingApprovalRecords(ctx context.Context) ([]*ApprovalRecord, error) {
	query := `SELECT` + recordColumns + `
		FROM approval_records
		WHERE status = 'PENDING'
		ORDER BY created_at ASC, id ASC`

	rows, err := t.tx.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending approval records")
	}
	defer rows.Close()

	var records []*ApprovalRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval record")
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// UpdateApprovalRecord persists the step pointer and status.
func (t *pgTx) UpdateApprovalRecord(ctx context.Context, rec *ApprovalRecord) error {
	query := `
		UPDATE approval_records
		SET current_step = $2,
		    status       = $3,
		    updated_at   = $4,
		    completed_at = $5
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := t.tx.QueryRow(ctx, query,
		rec.ID,
		rec.CurrentStep,
		string(rec.Status),
		rec.UpdatedAt,
		rec.CompletedAt,
	).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("approval_record", rec.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval record")
	}
	return nil
}

// GetStepOverride returns the delegated approver for a record step, or nil.
func (t *pgTx) GetStepOverride(ctx context.Context, recordID string, stepOrder int) (*ApprovalStepOverride, error) {
	query := `
		SELECT record_id, step_order, approver_id, delegated_by, created_at
		FROM approval_step_overrides
		WHERE record_id = $1 AND step_order = $2
	`

	o := &ApprovalStepOverride{}
	err := t.tx.QueryRow(ctx, query, recordID, stepOrder).Scan(
		&o.RecordID,
		&o.StepOrder,
		&o.ApproverID,
		&o.DelegatedBy,
		&o.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get step override")
	}
	return o, nil
}

// SaveStepOverride upserts the delegated approver for a record step.
func (t *pgTx) SaveStepOverride(ctx context.Context, o *ApprovalStepOverride) error {
	query := `
		INSERT INTO approval_step_overrides
		    (record_id, step_order, approver_id, delegated_by, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (record_id, step_order) DO UPDATE
		SET approver_id  = EXCLUDED.approver_id,
		    delegated_by = EXCLUDED.delegated_by,
		    created_at   = EXCLUDED.created_at
	`

	if _, err := t.tx.Exec(ctx, query,
		o.RecordID,
		o.StepOrder,
		o.ApproverID,
		o.DelegatedBy,
		o.CreatedAt,
	); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to save step override")
	}
	return nil
}

func scanRecord(row rowScanner) (*ApprovalRecord, error) {
	rec := &ApprovalRecord{}
	var status string
	err := row.Scan(
		&rec.ID,
		&rec.EntityType,
		&rec.EntityID,
		&rec.WorkflowID,
		&rec.CurrentStep,
		&status,
		&rec.InitiatorID,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = ApprovalStatus(status)
	return rec, nil
}
