package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-pm-lifecycle/internal/repository"
)

// CurrentStep describes the step a PENDING record is waiting on, with the
// effective approver after delegation.
type CurrentStep struct {
	RecordID     string
	StepOrder    int
	StepName     string
	ApproverRole *string
	ApproverID   *string
	DelegatedBy  *string
	IsRequired   bool
	CanDelegate  bool
	CanWithdraw  bool
	DueHours     int
	// DueAt is informational; nothing in the engine enforces it.
	DueAt *time.Time
}

// GetCurrentStep returns the active step of a record, or nil when the record
// is terminal or its step is missing.
func (e *Engine) GetCurrentStep(ctx context.Context, recordID string) (*CurrentStep, error) {
	var cur *CurrentStep
	err := e.read(ctx, func(tx repository.Tx) error {
		rec, err := tx.GetApprovalRecord(ctx, recordID)
		if err != nil {
			return err
		}
		if rec.Status != repository.ApprovalPending {
			return nil
		}

		step, err := tx.GetWorkflowStep(ctx, rec.WorkflowID, rec.CurrentStep)
		if err != nil || step == nil {
			return err
		}
		override, err := tx.GetStepOverride(ctx, rec.ID, step.StepOrder)
		if err != nil {
			return err
		}

		cur = &CurrentStep{
			RecordID:     rec.ID,
			StepOrder:    step.StepOrder,
			StepName:     step.StepName,
			ApproverRole: step.ApproverRole,
			ApproverID:   step.ApproverID,
			IsRequired:   step.IsRequired,
			CanDelegate:  step.CanDelegate,
			CanWithdraw:  step.CanWithdraw,
			DueHours:     step.DueHours,
		}
		if override != nil {
			cur.ApproverID = &override.ApproverID
			cur.DelegatedBy = &override.DelegatedBy
		}
		if step.DueHours > 0 {
			due := rec.UpdatedAt.Add(time.Duration(step.DueHours) * time.Hour)
			cur.DueAt = &due
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cur, nil
}

// GetApprovalHistory returns a record's history ordered by
// (step_order, action_at).
func (e *Engine) GetApprovalHistory(ctx context.Context, recordID string) ([]*repository.ApprovalHistory, error) {
	var history []*repository.ApprovalHistory
	err := e.read(ctx, func(tx repository.Tx) error {
		if _, err := tx.GetApprovalRecord(ctx, recordID); err != nil {
			return err
		}
		var err error
		history, err = tx.ListApprovalHistory(ctx, recordID)
		return err
	})
	return history, err
}

// GetApprovalRecord returns the most recently created record for an entity
// in any status, or nil when the entity was never submitted.
func (e *Engine) GetApprovalRecord(ctx context.Context, entityType, entityID string) (*repository.ApprovalRecord, error) {
	var rec *repository.ApprovalRecord
	err := e.read(ctx, func(tx repository.Tx) error {
		var err error
		rec, err = tx.GetLatestApprovalRecord(ctx, entityType, entityID)
		return err
	})
	return rec, err
}

// GetRecord returns a record by id.
func (e *Engine) GetRecord(ctx context.Context, recordID string) (*repository.ApprovalRecord, error) {
	var rec *repository.ApprovalRecord
	err := e.read(ctx, func(tx repository.Tx) error {
		var err error
		rec, err = tx.GetApprovalRecord(ctx, recordID)
		return err
	})
	return rec, err
}

// ListPendingForApprover returns PENDING records whose current step userID
// may act on. Open steps with no approver are not listed.
func (e *Engine) ListPendingForApprover(ctx context.Context, userID string) ([]*repository.ApprovalRecord, error) {
	var result []*repository.ApprovalRecord
	err := e.read(ctx, func(tx repository.Tx) error {
		pending, err := tx.ListPendingApprovalRecords(ctx)
		if err != nil {
			return err
		}
		for _, rec := range pending {
			step, err := tx.GetWorkflowStep(ctx, rec.WorkflowID, rec.CurrentStep)
			if err != nil {
				return err
			}
			if step == nil {
				continue
			}
			ok, required, err := e.canAct(ctx, tx, rec, step, userID)
			if err != nil {
				return err
			}
			if ok && required != "" {
				result = append(result, rec)
			}
		}
		return nil
	})
	return result, err
}
