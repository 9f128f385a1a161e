package memstore

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-pm-lifecycle/internal/errors"
	"github.com/pesio-ai/be-pm-lifecycle/internal/repository"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New()
	require.NoError(t, err)
	return s
}

func TestInTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	boom := stderrors.New("boom")
	err := s.InTx(ctx, func(tx repository.Tx) error {
		require.NoError(t, tx.CreateProject(ctx, &repository.Project{ID: "p1", Code: "P-1"}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = s.ReadTx(ctx, func(tx repository.Tx) error {
		_, err := tx.GetProject(ctx, "p1")
		return err
	})
	assert.True(t, errors.IsNotFound(err))
}

func TestCreateApprovalRecordRejectsSecondPending(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	err := s.InTx(ctx, func(tx repository.Tx) error {
		return tx.CreateApprovalRecord(ctx, &repository.ApprovalRecord{
			EntityType: "contract", EntityID: "c1", Status: repository.ApprovalPending,
		})
	})
	require.NoError(t, err)

	err = s.InTx(ctx, func(tx repository.Tx) error {
		return tx.CreateApprovalRecord(ctx, &repository.ApprovalRecord{
			EntityType: "contract", EntityID: "c1", Status: repository.ApprovalPending,
		})
	})
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))

	// A different entity with the same id is independent.
	err = s.InTx(ctx, func(tx repository.Tx) error {
		return tx.CreateApprovalRecord(ctx, &repository.ApprovalRecord{
			EntityType: "quotation", EntityID: "c1", Status: repository.ApprovalPending,
		})
	})
	assert.NoError(t, err)
}

func TestLatestApprovalRecord(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	err := s.InTx(ctx, func(tx repository.Tx) error {
		if err := tx.CreateApprovalRecord(ctx, &repository.ApprovalRecord{
			ID: "r1", EntityType: "contract", EntityID: "c1",
			Status: repository.ApprovalRejected, CreatedAt: base,
		}); err != nil {
			return err
		}
		return tx.CreateApprovalRecord(ctx, &repository.ApprovalRecord{
			ID: "r2", EntityType: "contract", EntityID: "c1",
			Status: repository.ApprovalPending, CreatedAt: base.Add(time.Hour),
		})
	})
	require.NoError(t, err)

	err = s.ReadTx(ctx, func(tx repository.Tx) error {
		latest, err := tx.GetLatestApprovalRecord(ctx, "contract", "c1")
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, "r2", latest.ID)

		none, err := tx.GetLatestApprovalRecord(ctx, "contract", "missing")
		require.NoError(t, err)
		assert.Nil(t, none)
		return nil
	})
	require.NoError(t, err)
}

func TestHistoryOrdering(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	err := s.InTx(ctx, func(tx repository.Tx) error {
		for _, h := range []*repository.ApprovalHistory{
			{ID: "h3", ApprovalRecordID: "r1", StepOrder: 2, Action: repository.ActionApprove, ActionAt: at},
			{ID: "h2", ApprovalRecordID: "r1", StepOrder: 1, Action: repository.ActionApprove, ActionAt: at.Add(time.Minute)},
			{ID: "h1", ApprovalRecordID: "r1", StepOrder: 0, Action: repository.ActionSubmit, ActionAt: at.Add(time.Hour)},
			{ID: "hx", ApprovalRecordID: "r2", StepOrder: 1, Action: repository.ActionApprove, ActionAt: at},
		} {
			if err := tx.AppendApprovalHistory(ctx, h); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = s.ReadTx(ctx, func(tx repository.Tx) error {
		entries, err := tx.ListApprovalHistory(ctx, "r1")
		require.NoError(t, err)
		ids := make([]string, len(entries))
		for i, e := range entries {
			ids[i] = e.ID
		}
		assert.Equal(t, []string{"h1", "h2", "h3"}, ids)
		return nil
	})
	require.NoError(t, err)
}

func TestNodesAreCopied(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	node := &repository.NodeInstance{
		ID: "n1", StageInstanceID: "s1", Sequence: 1,
		Status: repository.StatusPending, DependencyIDs: []string{"n0"},
	}
	require.NoError(t, s.InTx(ctx, func(tx repository.Tx) error {
		return tx.CreateNode(ctx, node)
	}))
	node.DependencyIDs[0] = "mutated"

	err := s.ReadTx(ctx, func(tx repository.Tx) error {
		got, err := tx.GetNode(ctx, "n1")
		require.NoError(t, err)
		assert.Equal(t, []string{"n0"}, got.DependencyIDs)

		got.DependencyIDs = append(got.DependencyIDs, "n9")
		again, err := tx.GetNode(ctx, "n1")
		require.NoError(t, err)
		assert.Len(t, again.DependencyIDs, 1)
		return nil
	})
	require.NoError(t, err)
}

func TestGetNodesByIDsSkipsMissing(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.InTx(ctx, func(tx repository.Tx) error {
		for i, id := range []string{"b", "a"} {
			if err := tx.CreateNode(ctx, &repository.NodeInstance{ID: id, StageInstanceID: "s1", Sequence: i + 1}); err != nil {
				return err
			}
		}
		return nil
	}))

	err := s.ReadTx(ctx, func(tx repository.Tx) error {
		nodes, err := tx.GetNodesByIDs(ctx, []string{"a", "ghost", "b", "a"})
		require.NoError(t, err)
		require.Len(t, nodes, 2)
		assert.Equal(t, "b", nodes[0].ID)
		assert.Equal(t, "a", nodes[1].ID)
		return nil
	})
	require.NoError(t, err)
}

func TestActiveDefinitionsFilteredAndOrdered(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.InTx(ctx, func(tx repository.Tx) error {
		defs := []*repository.WorkflowDefinition{
			{ID: "wf-b", Name: "B", EntityType: "contract", IsActive: true},
			{ID: "wf-a", Name: "A", EntityType: "contract", IsActive: true},
			{ID: "wf-c", Name: "C", EntityType: "contract", IsActive: false},
			{ID: "wf-d", Name: "D", EntityType: "quotation", IsActive: true},
		}
		for _, d := range defs {
			steps := []*repository.WorkflowStep{{StepOrder: 2}, {StepOrder: 1}}
			if err := tx.CreateWorkflowDefinition(ctx, d, steps); err != nil {
				return err
			}
		}
		return nil
	}))

	err := s.ReadTx(ctx, func(tx repository.Tx) error {
		defs, err := tx.ListActiveWorkflowDefinitions(ctx, "contract")
		require.NoError(t, err)
		require.Len(t, defs, 2)
		assert.Equal(t, "wf-a", defs[0].ID)
		assert.Equal(t, "wf-b", defs[1].ID)

		steps, err := tx.ListWorkflowSteps(ctx, "wf-a")
		require.NoError(t, err)
		require.Len(t, steps, 2)
		assert.Equal(t, 1, steps[0].StepOrder)

		missing, err := tx.GetWorkflowStep(ctx, "wf-a", 3)
		require.NoError(t, err)
		assert.Nil(t, missing)
		return nil
	})
	require.NoError(t, err)
}

func TestCancelledContext(t *testing.T) {
	s := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.InTx(ctx, func(tx repository.Tx) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
