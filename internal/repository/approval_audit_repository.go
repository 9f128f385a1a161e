package repository

import (
	"context"

	"github.com/pesio-ai/be-pm-lifecycle/internal/errors"
)

// AppendApprovalHistory inserts one history row. The table has an
// update/delete-prevention trigger so this is the only mutation exposed.
func (t *pgTx) AppendApprovalHistory(ctx context.Context, h *ApprovalHistory) error {
	if h.ID == "" {
		h.ID = NewID()
	}

	query := `
		INSERT INTO approval_history
		    (id, approval_record_id, step_order, approver_id,
		     action, comment, delegate_to_id, action_at)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, $8)
	`

	if _, err := t.tx.Exec(ctx, query,
		h.ID,
		h.ApprovalRecordID,
		h.StepOrder,
		h.ApproverID,
		string(h.Action),
		h.Comment,
		h.DelegateToID,
		h.ActionAt,
	); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append approval history")
	}
	return nil
}

// ListApprovalHistory returns the audit trail of a record.
func (t *pgTx) ListApprovalHistory(ctx context.Context, recordID string) ([]*ApprovalHistory, error) {
	query := `
		SELECT id, approval_record_id, step_order, approver_id,
		       action, comment, delegate_to_id, action_at
		FROM approval_history
		WHERE approval_record_id = $1
		ORDER BY step_order ASC, action_at ASC, id ASC
	`

	rows, err := t.tx.Query(ctx, query, recordID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval history")
	}
	defer rows.Close()

	var entries []*ApprovalHistory
	for rows.Next() {
		h := &ApprovalHistory{}
		var action string
		if err := rows.Scan(
			&h.ID,
			&h.ApprovalRecordID,
			&h.StepOrder,
			&h.ApproverID,
			&action,
			&h.Comment,
			&h.DelegateToID,
			&h.ActionAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval history")
		}
		h.Action = HistoryAction(action)
		entries = append(entries, h)
	}
	return entries, rows.Err()
}
