// Package lifecycle holds the state machines for approval records, stages
// and nodes. Machines read and write the status field of the value they are
// built around, so a successful Fire leaves the new status in place for the
// caller to persist.
package lifecycle

import (
	"context"
	"fmt"

	"github.com/qmuntal/stateless"

	"github.com/pesio-ai/be-pm-lifecycle/internal/errors"
	"github.com/pesio-ai/be-pm-lifecycle/internal/repository"
)

// Trigger names a lifecycle event.
type Trigger string

const (
	// Approval record triggers.
	TriggerAdvance  Trigger = "advance"
	TriggerFinish   Trigger = "finish"
	TriggerReject   Trigger = "reject"
	TriggerDelegate Trigger = "delegate"
	TriggerWithdraw Trigger = "withdraw"

	// Stage and node triggers.
	TriggerStart    Trigger = "start"
	TriggerComplete Trigger = "complete"
	TriggerSkip     Trigger = "skip"
	TriggerEdit     Trigger = "edit"
)

func external[S ~string](status *S) *stateless.StateMachine {
	return stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) {
			return *status, nil
		},
		func(_ context.Context, s stateless.State) error {
			*status = s.(S)
			return nil
		},
		stateless.FiringImmediate,
	)
}

// Approval returns the machine for an approval record status.
//
//	PENDING --advance/delegate--> PENDING
//	PENDING --finish--> APPROVED
//	PENDING --reject--> REJECTED
//	PENDING --withdraw--> CANCELLED
func Approval(status *repository.ApprovalStatus) *stateless.StateMachine {
	sm := external(status)
	sm.Configure(repository.ApprovalPending).
		PermitReentry(TriggerAdvance).
		PermitReentry(TriggerDelegate).
		Permit(TriggerFinish, repository.ApprovalApproved).
		Permit(TriggerReject, repository.ApprovalRejected).
		Permit(TriggerWithdraw, repository.ApprovalCancelled)
	sm.Configure(repository.ApprovalApproved)
	sm.Configure(repository.ApprovalRejected)
	sm.Configure(repository.ApprovalCancelled)
	return sm
}

// Stage returns the machine for a stage status. BLOCKED accepts no triggers.
func Stage(status *repository.FlowStatus) *stateless.StateMachine {
	sm := external(status)
	sm.Configure(repository.StatusPending).
		Permit(TriggerStart, repository.StatusInProgress).
		Permit(TriggerSkip, repository.StatusSkipped).
		PermitReentry(TriggerEdit)
	sm.Configure(repository.StatusInProgress).
		Permit(TriggerComplete, repository.StatusCompleted).
		Permit(TriggerSkip, repository.StatusSkipped).
		PermitReentry(TriggerEdit)
	sm.Configure(repository.StatusCompleted)
	sm.Configure(repository.StatusSkipped)
	sm.Configure(repository.StatusBlocked)
	return sm
}

// Node returns the machine for a node status. Completion is allowed straight
// from PENDING.
func Node(status *repository.FlowStatus) *stateless.StateMachine {
	sm := external(status)
	sm.Configure(repository.StatusPending).
		Permit(TriggerStart, repository.StatusInProgress).
		Permit(TriggerComplete, repository.StatusCompleted).
		Permit(TriggerSkip, repository.StatusSkipped).
		PermitReentry(TriggerEdit)
	sm.Configure(repository.StatusInProgress).
		Permit(TriggerComplete, repository.StatusCompleted).
		Permit(TriggerSkip, repository.StatusSkipped).
		PermitReentry(TriggerEdit)
	sm.Configure(repository.StatusCompleted)
	sm.Configure(repository.StatusSkipped)
	return sm
}

// FireApproval moves rec through trigger or returns Conflict.
func FireApproval(ctx context.Context, rec *repository.ApprovalRecord, trigger Trigger) error {
	before := rec.Status
	return fire(ctx, Approval(&rec.Status), trigger, "approval record", rec.ID, string(before))
}

// FireStage moves s through trigger or returns Conflict.
func FireStage(ctx context.Context, s *repository.StageInstance, trigger Trigger) error {
	before := s.Status
	return fire(ctx, Stage(&s.Status), trigger, "stage", s.ID, string(before))
}

// FireNode moves n through trigger or returns Conflict.
func FireNode(ctx context.Context, n *repository.NodeInstance, trigger Trigger) error {
	before := n.Status
	return fire(ctx, Node(&n.Status), trigger, "node", n.ID, string(before))
}

// CanNode reports whether trigger is allowed for n without changing it.
func CanNode(ctx context.Context, n *repository.NodeInstance, trigger Trigger) bool {
	status := n.Status
	ok, err := Node(&status).CanFireCtx(ctx, trigger)
	return err == nil && ok
}

func fire(ctx context.Context, sm *stateless.StateMachine, trigger Trigger, kind, id, status string) error {
	ok, err := sm.CanFireCtx(ctx, trigger)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to evaluate "+kind+" transition")
	}
	if !ok {
		return errors.Conflict(fmt.Sprintf("cannot %s %s in status %s", trigger, kind, status)).
			WithDetail("id", id).
			WithDetail("status", status)
	}
	if err := sm.FireCtx(ctx, trigger); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to apply "+kind+" transition")
	}
	return nil
}

// Graph renders one of the machines ("approval", "stage", "node") in DOT.
func Graph(kind string) (string, error) {
	switch kind {
	case "approval":
		s := repository.ApprovalPending
		return Approval(&s).ToGraph(), nil
	case "stage":
		s := repository.StatusPending
		return Stage(&s).ToGraph(), nil
	case "node":
		s := repository.StatusPending
		return Node(&s).ToGraph(), nil
	}
	return "", errors.InvalidInput("kind", "unknown lifecycle "+kind)
}
