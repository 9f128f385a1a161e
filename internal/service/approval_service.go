package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/pesio-ai/be-pm-lifecycle/internal/errors"
	"github.com/pesio-ai/be-pm-lifecycle/internal/lifecycle"
	"github.com/pesio-ai/be-pm-lifecycle/internal/repository"
)

// Messages surfaced to end users verbatim.
const (
	msgPendingExists   = "该实体已有待审批的记录"
	msgAlreadyApproved = "已有审批人通过"
	msgNotDelegable    = "当前步骤不允许委托"
)

// StartRequest submits an entity for approval. WorkflowID pins the workflow;
// otherwise RoutingParams drive selection.
type StartRequest struct {
	EntityType    string
	EntityID      string
	InitiatorID   string
	WorkflowID    string
	RoutingParams *RoutingParams
	Comment       string
}

// ── Start ─────────────────────────────────────────────────────────────────────

// Start creates a PENDING approval record at step 1.
func (e *Engine) Start(ctx context.Context, req *StartRequest) (*repository.ApprovalRecord, error) {
	switch {
	case req.EntityType == "":
		return nil, errors.InvalidInput("entity_type", "entity type is required")
	case req.EntityID == "":
		return nil, errors.InvalidInput("entity_id", "entity id is required")
	case req.InitiatorID == "":
		return nil, errors.InvalidInput("initiator_id", "initiator is required")
	}

	var rec *repository.ApprovalRecord
	err := e.write(ctx, "approval_start", func(tx repository.Tx, out *outbox) error {
		def, err := e.resolveWorkflow(ctx, tx, req)
		if err != nil {
			return err
		}

		pending, err := tx.GetPendingApprovalRecord(ctx, req.EntityType, req.EntityID)
		if err != nil {
			return err
		}
		if pending != nil {
			return errors.Conflict(msgPendingExists).WithDetail("record_id", pending.ID)
		}

		first, err := tx.GetWorkflowStep(ctx, def.ID, 1)
		if err != nil {
			return err
		}
		if first == nil {
			return errors.InvalidInput("workflow_id", "workflow has no steps").
				WithDetail("workflow_id", def.ID)
		}

		now := e.now()
		rec = &repository.ApprovalRecord{
			EntityType:  req.EntityType,
			EntityID:    req.EntityID,
			WorkflowID:  def.ID,
			CurrentStep: 1,
			Status:      repository.ApprovalPending,
			InitiatorID: req.InitiatorID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.CreateApprovalRecord(ctx, rec); err != nil {
			return err
		}

		if req.Comment != "" {
			if err := e.appendHistory(ctx, tx, out, rec, repository.SubmissionStepOrder,
				req.InitiatorID, repository.ActionSubmit, req.Comment, nil); err != nil {
				return err
			}
		}

		out.emit(e.approverEvent(EventApprovalRequired, rec, first, nil, req.InitiatorID))
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("record_id", rec.ID).
		Str("entity_type", rec.EntityType).
		Str("entity_id", rec.EntityID).
		Str("workflow_id", rec.WorkflowID).
		Msg("Approval started")
	return rec, nil
}

func (e *Engine) resolveWorkflow(ctx context.Context, tx repository.Tx, req *StartRequest) (*repository.WorkflowDefinition, error) {
	if req.WorkflowID == "" {
		return e.selectWorkflow(ctx, tx, req.EntityType, req.RoutingParams)
	}

	def, err := tx.GetWorkflowDefinition(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if !def.IsActive {
		return nil, errors.NotFound("workflow_definition", req.WorkflowID)
	}
	if def.EntityType != req.EntityType {
		return nil, errors.InvalidInput("workflow_id",
			fmt.Sprintf("workflow is for %s, not %s", def.EntityType, req.EntityType))
	}
	return def, nil
}

// ── Approve ───────────────────────────────────────────────────────────────────

// ApproveStep signs off the current step. The record advances to the next
// step, or becomes APPROVED after the last one.
func (e *Engine) ApproveStep(ctx context.Context, recordID, approverID, comment string) (*repository.ApprovalRecord, error) {
	var rec *repository.ApprovalRecord
	err := e.write(ctx, "approval_approve", func(tx repository.Tx, out *outbox) error {
		var step *repository.WorkflowStep
		var err error
		rec, step, err = e.loadActionable(ctx, tx, recordID)
		if err != nil {
			return err
		}
		if err := e.authorize(ctx, tx, rec, step, approverID); err != nil {
			return err
		}

		if err := e.appendHistory(ctx, tx, out, rec, step.StepOrder,
			approverID, repository.ActionApprove, comment, nil); err != nil {
			return err
		}

		next, err := tx.GetWorkflowStep(ctx, rec.WorkflowID, rec.CurrentStep+1)
		if err != nil {
			return err
		}

		now := e.now()
		if next != nil {
			if err := lifecycle.FireApproval(ctx, rec, lifecycle.TriggerAdvance); err != nil {
				return err
			}
			rec.CurrentStep = next.StepOrder
			out.emit(e.approverEvent(EventApprovalRequired, rec, next, nil, approverID))
		} else {
			if err := lifecycle.FireApproval(ctx, rec, lifecycle.TriggerFinish); err != nil {
				return err
			}
			rec.CurrentStep = step.StepOrder + 1
			rec.CompletedAt = timePtr(now)
			out.emit(e.initiatorEvent(EventApprovalApproved, rec, approverID))
		}
		rec.UpdatedAt = now
		return tx.UpdateApprovalRecord(ctx, rec)
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("record_id", rec.ID).
		Str("approver_id", approverID).
		Int("current_step", rec.CurrentStep).
		Str("status", string(rec.Status)).
		Msg("Approval step approved")
	return rec, nil
}

// ── Reject ────────────────────────────────────────────────────────────────────

// RejectStep ends the record as REJECTED from whatever step it is on.
func (e *Engine) RejectStep(ctx context.Context, recordID, approverID, comment string) (*repository.ApprovalRecord, error) {
	if strings.TrimSpace(comment) == "" {
		return nil, errors.InvalidInput("comment", "rejection comment is required")
	}

	var rec *repository.ApprovalRecord
	err := e.write(ctx, "approval_reject", func(tx repository.Tx, out *outbox) error {
		var step *repository.WorkflowStep
		var err error
		rec, step, err = e.loadActionable(ctx, tx, recordID)
		if err != nil {
			return err
		}
		if err := e.authorize(ctx, tx, rec, step, approverID); err != nil {
			return err
		}

		if err := e.appendHistory(ctx, tx, out, rec, step.StepOrder,
			approverID, repository.ActionReject, comment, nil); err != nil {
			return err
		}
		if err := lifecycle.FireApproval(ctx, rec, lifecycle.TriggerReject); err != nil {
			return err
		}

		now := e.now()
		rec.CompletedAt = timePtr(now)
		rec.UpdatedAt = now
		out.emit(e.initiatorEvent(EventApprovalRejected, rec, approverID))
		return tx.UpdateApprovalRecord(ctx, rec)
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("record_id", rec.ID).
		Str("approver_id", approverID).
		Int("step", rec.CurrentStep).
		Msg("Approval rejected")
	return rec, nil
}

// ── Delegate ──────────────────────────────────────────────────────────────────

// DelegateStep hands the current step to another user for this record only.
// The WorkflowStep template is left untouched.
func (e *Engine) DelegateStep(ctx context.Context, recordID, approverID, delegateToID, comment string) (*repository.ApprovalRecord, error) {
	var rec *repository.ApprovalRecord
	err := e.write(ctx, "approval_delegate", func(tx repository.Tx, out *outbox) error {
		var step *repository.WorkflowStep
		var err error
		rec, step, err = e.loadActionable(ctx, tx, recordID)
		if err != nil {
			return err
		}
		if !step.CanDelegate {
			return errors.InvalidInput("step", msgNotDelegable).
				WithDetail("step_order", fmt.Sprint(step.StepOrder))
		}
		if err := e.authorize(ctx, tx, rec, step, approverID); err != nil {
			return err
		}
		switch {
		case delegateToID == "":
			return errors.InvalidInput("delegate_to_id", "delegate is required")
		case delegateToID == approverID:
			return errors.InvalidInput("delegate_to_id", "cannot delegate to yourself")
		}

		if err := e.appendHistory(ctx, tx, out, rec, step.StepOrder,
			approverID, repository.ActionDelegate, comment, &delegateToID); err != nil {
			return err
		}

		now := e.now()
		if err := tx.SaveStepOverride(ctx, &repository.ApprovalStepOverride{
			RecordID:    rec.ID,
			StepOrder:   step.StepOrder,
			ApproverID:  delegateToID,
			DelegatedBy: approverID,
			CreatedAt:   now,
		}); err != nil {
			return err
		}
		if err := lifecycle.FireApproval(ctx, rec, lifecycle.TriggerDelegate); err != nil {
			return err
		}

		rec.UpdatedAt = now
		out.emit(&Event{
			Type:       EventApprovalDelegated,
			EntityType: rec.EntityType,
			EntityID:   rec.EntityID,
			RecordID:   rec.ID,
			ActorID:    approverID,
			Recipients: []string{delegateToID},
			Payload:    map[string]any{"step_order": step.StepOrder, "step_name": step.StepName},
			OccurredAt: now,
		})
		return tx.UpdateApprovalRecord(ctx, rec)
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("record_id", rec.ID).
		Str("delegated_by", approverID).
		Str("delegated_to", delegateToID).
		Int("step", rec.CurrentStep).
		Msg("Approval step delegated")
	return rec, nil
}

// ── Withdraw ──────────────────────────────────────────────────────────────────

// WithdrawApproval lets the initiator cancel a record nobody has approved yet.
func (e *Engine) WithdrawApproval(ctx context.Context, recordID, initiatorID, comment string) (*repository.ApprovalRecord, error) {
	var rec *repository.ApprovalRecord
	err := e.write(ctx, "approval_withdraw", func(tx repository.Tx, out *outbox) error {
		var err error
		rec, err = tx.GetApprovalRecord(ctx, recordID)
		if err != nil {
			return err
		}
		if rec.InitiatorID != initiatorID {
			return errors.PermissionDenied("only the initiator can withdraw the approval")
		}
		if err := requirePending(rec); err != nil {
			return err
		}

		history, err := tx.ListApprovalHistory(ctx, rec.ID)
		if err != nil {
			return err
		}
		for _, h := range history {
			if h.Action == repository.ActionApprove && h.StepOrder > repository.SubmissionStepOrder {
				return errors.Conflict(msgAlreadyApproved).WithDetail("step_order", fmt.Sprint(h.StepOrder))
			}
		}

		step, err := tx.GetWorkflowStep(ctx, rec.WorkflowID, rec.CurrentStep)
		if err != nil {
			return err
		}
		if step != nil && !step.CanWithdraw {
			return errors.InvalidInput("step", "current step does not allow withdrawal").
				WithDetail("step_order", fmt.Sprint(step.StepOrder))
		}

		if err := e.appendHistory(ctx, tx, out, rec, rec.CurrentStep,
			initiatorID, repository.ActionWithdraw, comment, nil); err != nil {
			return err
		}
		if err := lifecycle.FireApproval(ctx, rec, lifecycle.TriggerWithdraw); err != nil {
			return err
		}

		now := e.now()
		rec.CompletedAt = timePtr(now)
		rec.UpdatedAt = now
		if step != nil {
			out.emit(e.approverEvent(EventApprovalWithdrawn, rec, step, e.override(ctx, tx, rec), initiatorID))
		}
		return tx.UpdateApprovalRecord(ctx, rec)
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("record_id", rec.ID).
		Str("initiator_id", initiatorID).
		Msg("Approval withdrawn")
	return rec, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// loadActionable locks the record and resolves its current step. The record
// must be PENDING and the step must exist.
func (e *Engine) loadActionable(ctx context.Context, tx repository.Tx, recordID string) (*repository.ApprovalRecord, *repository.WorkflowStep, error) {
	rec, err := tx.GetApprovalRecord(ctx, recordID)
	if err != nil {
		return nil, nil, err
	}
	if err := requirePending(rec); err != nil {
		return nil, nil, err
	}

	step, err := tx.GetWorkflowStep(ctx, rec.WorkflowID, rec.CurrentStep)
	if err != nil {
		return nil, nil, err
	}
	if step == nil {
		return nil, nil, errors.InvalidInput("current_step",
			fmt.Sprintf("workflow step %d not found", rec.CurrentStep))
	}
	return rec, step, nil
}

func requirePending(rec *repository.ApprovalRecord) error {
	if rec.Status != repository.ApprovalPending {
		return errors.Conflict(fmt.Sprintf("approval record is %s", rec.Status)).
			WithDetail("record_id", rec.ID).
			WithDetail("status", string(rec.Status))
	}
	return nil
}

// authorize checks that userID may act on step for rec. A per-record
// override wins over the template; an explicit approver wins over a role.
// A step with neither is open to anyone.
func (e *Engine) authorize(ctx context.Context, tx repository.Tx, rec *repository.ApprovalRecord, step *repository.WorkflowStep, userID string) error {
	ok, required, err := e.canAct(ctx, tx, rec, step, userID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.PermissionDenied(required+" required").WithDetail("required", required)
	}
	return nil
}

// canAct reports whether userID may act and, when not, what is required.
func (e *Engine) canAct(ctx context.Context, tx repository.Tx, rec *repository.ApprovalRecord, step *repository.WorkflowStep, userID string) (bool, string, error) {
	override, err := tx.GetStepOverride(ctx, rec.ID, step.StepOrder)
	if err != nil {
		return false, "", err
	}
	if override != nil {
		return override.ApproverID == userID, "approver " + override.ApproverID, nil
	}
	if step.ApproverID != nil && *step.ApproverID != "" {
		return *step.ApproverID == userID, "approver " + *step.ApproverID, nil
	}
	if step.ApproverRole != nil && *step.ApproverRole != "" {
		role := *step.ApproverRole
		ok, err := e.directory.HasRole(ctx, userID, role)
		if err != nil {
			return false, "", errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve approver role")
		}
		return ok, "role " + role, nil
	}
	return true, "", nil
}

// override returns the record's override for its current step, or nil.
// Lookup failures are treated as no override; callers use it for
// notifications only.
func (e *Engine) override(ctx context.Context, tx repository.Tx, rec *repository.ApprovalRecord) *repository.ApprovalStepOverride {
	o, err := tx.GetStepOverride(ctx, rec.ID, rec.CurrentStep)
	if err != nil {
		e.log.Warn().Err(err).Str("record_id", rec.ID).Msg("Could not load step override")
		return nil
	}
	return o
}

func (e *Engine) appendHistory(
	ctx context.Context,
	tx repository.Tx,
	out *outbox,
	rec *repository.ApprovalRecord,
	stepOrder int,
	actorID string,
	action repository.HistoryAction,
	comment string,
	delegateTo *string,
) error {
	if err := tx.AppendApprovalHistory(ctx, &repository.ApprovalHistory{
		ApprovalRecordID: rec.ID,
		StepOrder:        stepOrder,
		ApproverID:       actorID,
		Action:           action,
		Comment:          strPtr(comment),
		DelegateToID:     delegateTo,
		ActionAt:         e.now(),
	}); err != nil {
		return err
	}
	out.action(action)
	return nil
}

// approverEvent addresses the effective approver of step, or its role.
func (e *Engine) approverEvent(eventType string, rec *repository.ApprovalRecord, step *repository.WorkflowStep, override *repository.ApprovalStepOverride, actorID string) *Event {
	ev := &Event{
		Type:       eventType,
		EntityType: rec.EntityType,
		EntityID:   rec.EntityID,
		RecordID:   rec.ID,
		ActorID:    actorID,
		Payload: map[string]any{
			"step_order": step.StepOrder,
			"step_name":  step.StepName,
			"due_hours":  step.DueHours,
		},
		OccurredAt: e.now(),
	}
	switch {
	case override != nil:
		ev.Recipients = []string{override.ApproverID}
	case step.ApproverID != nil && *step.ApproverID != "":
		ev.Recipients = []string{*step.ApproverID}
	case step.ApproverRole != nil:
		ev.Role = *step.ApproverRole
	}
	return ev
}

func (e *Engine) initiatorEvent(eventType string, rec *repository.ApprovalRecord, actorID string) *Event {
	return &Event{
		Type:       eventType,
		EntityType: rec.EntityType,
		EntityID:   rec.EntityID,
		RecordID:   rec.ID,
		ActorID:    actorID,
		Recipients: []string{rec.InitiatorID},
		Payload:    map[string]any{"status": string(rec.Status)},
		OccurredAt: e.now(),
	}
}
