package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-pm-lifecycle/internal/errors"
	"github.com/pesio-ai/be-pm-lifecycle/internal/repository"
)

func (f *fixture) saveNodeType(def *repository.NodeTypeDefinition) {
	f.t.Helper()
	f.tx(func(tx repository.Tx) error { return tx.SaveNodeType(f.ctx, def) })
}

func (f *fixture) stageNodes(stageID string) []*repository.NodeInstance {
	f.t.Helper()
	var nodes []*repository.NodeInstance
	require.NoError(f.t, f.store.ReadTx(f.ctx, func(tx repository.Tx) error {
		var err error
		nodes, err = tx.ListNodesByStage(f.ctx, stageID)
		return err
	}))
	return nodes
}

func (f *fixture) complete(n *repository.NodeInstance) *NodeResult {
	f.t.Helper()
	res, err := f.engine.CompleteNode(f.ctx, &CompleteNodeRequest{NodeID: n.ID, CompletedBy: "pm"})
	require.NoError(f.t, err)
	return res
}

func TestCompleteNodeAutoCompletesDependent(t *testing.T) {
	f := newFixture(t)
	p := f.seedProject()
	s := f.seedStage(p.ID, "SIGN", 1)
	b := f.seedNode(s, 1, nodeSpec{code: "B"})
	a := f.seedNode(s, 2, nodeSpec{code: "A", method: repository.CompletionAuto, deps: []*repository.NodeInstance{b}})

	res := f.complete(b)

	assert.Equal(t, repository.StatusCompleted, res.Node.Status)
	assert.Equal(t, []string{a.ID}, res.AutoCompleted)
	assert.True(t, res.StageReady)

	got := f.node(a.ID)
	assert.Equal(t, repository.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Nil(t, got.CompletedBy)

	ready := f.notifier.ofType(EventStageReady)
	require.Len(t, ready, 1)
	assert.Equal(t, []string{"pm"}, ready[0].Recipients)
	assert.Equal(t, s.ID, ready[0].Payload["stage_id"])
}

func TestSkipNodeAutoCompletesDependent(t *testing.T) {
	f := newFixture(t)
	p := f.seedProject()
	s := f.seedStage(p.ID, "SIGN", 1)
	b := f.seedNode(s, 1, nodeSpec{code: "B"})
	a := f.seedNode(s, 2, nodeSpec{code: "A", method: repository.CompletionAuto, deps: []*repository.NodeInstance{b}})

	res, err := f.engine.SkipNode(f.ctx, b.ID, "waived by customer")
	require.NoError(t, err)

	assert.Equal(t, repository.StatusSkipped, res.Node.Status)
	assert.Equal(t, []string{a.ID}, res.AutoCompleted)
	assert.True(t, res.StageReady)

	got := f.node(a.ID)
	assert.Equal(t, repository.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, fixedNow, *got.CompletedAt)

	ready := f.notifier.ofType(EventStageReady)
	require.Len(t, ready, 1)
	assert.Equal(t, DefaultStageReadyRole, ready[0].Role)
	assert.Equal(t, []string{"lead"}, ready[0].Recipients)
}

func TestStageReadyWithoutActor(t *testing.T) {
	t.Run("default role", func(t *testing.T) {
		f := newFixture(t)
		p := f.seedProject()
		s := f.seedStage(p.ID, "SIGN", 1)
		n := f.seedNode(s, 1, nodeSpec{code: "ONLY"})

		res, err := f.engine.CompleteNode(f.ctx, &CompleteNodeRequest{NodeID: n.ID})
		require.NoError(t, err)
		assert.True(t, res.StageReady)

		ready := f.notifier.ofType(EventStageReady)
		require.Len(t, ready, 1)
		assert.Empty(t, ready[0].ActorID)
		assert.Equal(t, []string{"lead"}, ready[0].Recipients)
		assert.Equal(t, s.ID, ready[0].Payload["stage_id"])
	})

	t.Run("configured role", func(t *testing.T) {
		f := newFixture(t)
		f.engine = New(f.store,
			WithNotifier(f.notifier),
			WithDirectory(mapDirectory{"DIRECTOR": {"dir"}}),
			WithClock(func() time.Time { return fixedNow }),
			WithStageReadyRole("DIRECTOR"),
		)
		p := f.seedProject()
		s := f.seedStage(p.ID, "SIGN", 1)
		n := f.seedNode(s, 1, nodeSpec{code: "ONLY"})

		_, err := f.engine.SkipNode(f.ctx, n.ID, "")
		require.NoError(t, err)

		ready := f.notifier.ofType(EventStageReady)
		require.Len(t, ready, 1)
		assert.Equal(t, "DIRECTOR", ready[0].Role)
		assert.Equal(t, []string{"dir"}, ready[0].Recipients)
	})

	t.Run("role without members", func(t *testing.T) {
		f := newFixture(t)
		f.engine = New(f.store, WithNotifier(f.notifier), WithDirectory(mapDirectory{}))
		p := f.seedProject()
		s := f.seedStage(p.ID, "SIGN", 1)
		n := f.seedNode(s, 1, nodeSpec{code: "ONLY"})

		res, err := f.engine.CompleteNode(f.ctx, &CompleteNodeRequest{NodeID: n.ID})
		require.NoError(t, err)
		assert.True(t, res.StageReady)
		assert.Empty(t, f.notifier.ofType(EventStageReady))
	})
}

func TestCompleteNodePropagatesToFixpoint(t *testing.T) {
	f := newFixture(t)
	p := f.seedProject()
	s := f.seedStage(p.ID, "DELIVERY", 1)
	root := f.seedNode(s, 1, nodeSpec{code: "ROOT"})
	manual := f.seedNode(s, 2, nodeSpec{code: "MANUAL"})
	hop1 := f.seedNode(s, 3, nodeSpec{code: "HOP1", method: repository.CompletionAuto, deps: []*repository.NodeInstance{root}})
	hop2 := f.seedNode(s, 4, nodeSpec{code: "HOP2", method: repository.CompletionAuto, deps: []*repository.NodeInstance{hop1}})
	hop3 := f.seedNode(s, 5, nodeSpec{code: "HOP3", method: repository.CompletionAuto, deps: []*repository.NodeInstance{hop2, root}})
	blocked := f.seedNode(s, 6, nodeSpec{code: "BLOCKED", method: repository.CompletionAuto, deps: []*repository.NodeInstance{hop1, manual}})

	res := f.complete(root)

	assert.Equal(t, []string{hop1.ID, hop2.ID, hop3.ID}, res.AutoCompleted)
	assert.False(t, res.StageReady)
	assert.Equal(t, repository.StatusPending, f.node(blocked.ID).Status)
	assert.Empty(t, f.notifier.ofType(EventStageReady))

	// Completing the last manual prerequisite releases the blocked node.
	res = f.complete(manual)
	assert.Equal(t, []string{blocked.ID}, res.AutoCompleted)
	assert.True(t, res.StageReady)
}

func TestCompleteNodeAutoCondition(t *testing.T) {
	f := newFixture(t)
	f.saveNodeType(&repository.NodeTypeDefinition{NodeType: "BIG_DEAL", AutoCondition: "project.amount > 1000000"})
	f.saveNodeType(&repository.NodeTypeDefinition{NodeType: "GOV_ONLY", AutoCondition: `project.customer_type == "GOV"`})
	f.saveNodeType(&repository.NodeTypeDefinition{NodeType: "BROKEN", AutoCondition: "project.amount +"})

	p := f.seedProject()
	s := f.seedStage(p.ID, "REVIEW", 1)
	b := f.seedNode(s, 1, nodeSpec{code: "B"})
	big := f.seedNode(s, 2, nodeSpec{code: "BIG", nodeType: "BIG_DEAL", method: repository.CompletionAuto, deps: []*repository.NodeInstance{b}})
	gov := f.seedNode(s, 3, nodeSpec{code: "GOV", nodeType: "GOV_ONLY", method: repository.CompletionAuto, deps: []*repository.NodeInstance{b}})
	broken := f.seedNode(s, 4, nodeSpec{code: "BROKEN", nodeType: "BROKEN", method: repository.CompletionAuto, deps: []*repository.NodeInstance{b}})

	res := f.complete(b)

	assert.Equal(t, []string{gov.ID}, res.AutoCompleted)
	assert.Equal(t, repository.StatusPending, f.node(big.ID).Status)
	assert.Equal(t, repository.StatusPending, f.node(broken.ID).Status)
}

func TestCompleteNodeGuards(t *testing.T) {
	f := newFixture(t)
	f.saveNodeType(&repository.NodeTypeDefinition{NodeType: "CONTRACT_SIGN", RequiresAttachment: true})

	p := f.seedProject()
	s := f.seedStage(p.ID, "SIGN", 1)
	pre := f.seedNode(s, 1, nodeSpec{code: "PRE"})
	dependent := f.seedNode(s, 2, nodeSpec{code: "DEP", deps: []*repository.NodeInstance{pre}})
	signed := f.seedNode(s, 3, nodeSpec{code: "SIGNED", nodeType: "CONTRACT_SIGN"})

	t.Run("prerequisite not met", func(t *testing.T) {
		_, err := f.engine.CompleteNode(f.ctx, &CompleteNodeRequest{NodeID: dependent.ID})
		requireCode(t, err, errors.ErrCodeInvalidInput, msgPrerequisiteNotMet)
		assert.Equal(t, repository.StatusPending, f.node(dependent.ID).Status)
	})

	t.Run("attachment required", func(t *testing.T) {
		_, err := f.engine.CompleteNode(f.ctx, &CompleteNodeRequest{NodeID: signed.ID})
		requireCode(t, err, errors.ErrCodeInvalidInput, msgAttachmentRequired)

		res, err := f.engine.CompleteNode(f.ctx, &CompleteNodeRequest{
			NodeID:      signed.ID,
			CompletedBy: "pm",
			Attachments: []string{"s3://contracts/42.pdf"},
			Remark:      "countersigned",
		})
		require.NoError(t, err)
		got := f.node(signed.ID)
		assert.Equal(t, []string{"s3://contracts/42.pdf"}, got.Attachments)
		require.NotNil(t, got.Remark)
		assert.Equal(t, "countersigned", *got.Remark)
		require.NotNil(t, got.ActualDate)
		assert.Equal(t, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), *got.ActualDate)
		assert.Equal(t, res.Node.ID, got.ID)
	})

	t.Run("completed node cannot complete again", func(t *testing.T) {
		_, err := f.engine.CompleteNode(f.ctx, &CompleteNodeRequest{NodeID: signed.ID, Attachments: []string{"x"}})
		requireCode(t, err, errors.ErrCodeConflict, "cannot complete node in status COMPLETED")
	})

	t.Run("skipped prerequisite satisfies", func(t *testing.T) {
		skipped, err := f.engine.SkipNode(f.ctx, pre.ID, "not needed")
		require.NoError(t, err)
		assert.Equal(t, repository.StatusSkipped, skipped.Node.Status)
		require.NotNil(t, skipped.Node.Remark)
		assert.Equal(t, "not needed", *skipped.Node.Remark)
		assert.Empty(t, skipped.AutoCompleted)
		assert.False(t, skipped.StageReady)

		actual := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		res, err := f.engine.CompleteNode(f.ctx, &CompleteNodeRequest{NodeID: dependent.ID, ActualDate: &actual})
		require.NoError(t, err)
		assert.Equal(t, actual, *res.Node.ActualDate)
		assert.True(t, res.StageReady)

		_, err = f.engine.SkipNode(f.ctx, pre.ID, "")
		requireCode(t, err, errors.ErrCodeConflict, "cannot skip node in status SKIPPED")
	})
}

func TestCompleteNodeApprovalGate(t *testing.T) {
	f := newFixture(t)
	f.seedWorkflow("CONTRACT", nil, roleStep(1, "MANAGER"))
	p := f.seedProject()
	s := f.seedStage(p.ID, "SIGN", 1)
	gate := f.seedNode(s, 1, nodeSpec{code: "GATE", method: repository.CompletionApproval})

	_, err := f.engine.CompleteNode(f.ctx, &CompleteNodeRequest{NodeID: gate.ID})
	requireCode(t, err, errors.ErrCodeInvalidInput, msgApprovalRecordRequired)

	_, err = f.engine.CompleteNode(f.ctx, &CompleteNodeRequest{NodeID: gate.ID, ApprovalRecordID: repository.NewID()})
	requireCode(t, err, errors.ErrCodeInvalidInput, msgApprovalRecordNotExists)

	rec, err := f.engine.Start(f.ctx, &StartRequest{EntityType: "CONTRACT", EntityID: p.ID, InitiatorID: "pm"})
	require.NoError(t, err)
	_, err = f.engine.CompleteNode(f.ctx, &CompleteNodeRequest{NodeID: gate.ID, ApprovalRecordID: rec.ID})
	requireCode(t, err, errors.ErrCodeInvalidInput, msgApprovalRecordNotFinal)

	_, err = f.engine.ApproveStep(f.ctx, rec.ID, "mgr", "")
	require.NoError(t, err)
	res, err := f.engine.CompleteNode(f.ctx, &CompleteNodeRequest{NodeID: gate.ID, ApprovalRecordID: rec.ID, CompletedBy: "pm"})
	require.NoError(t, err)
	require.NotNil(t, res.Node.ApprovalRecordID)
	assert.Equal(t, rec.ID, *res.Node.ApprovalRecordID)
}

func TestCompleteNodeUsesStoredApprovalRecord(t *testing.T) {
	f := newFixture(t)
	f.seedWorkflow("CONTRACT", nil, roleStep(1, "MANAGER"))
	p := f.seedProject()
	s := f.seedStage(p.ID, "SIGN", 1)
	gate := f.seedNode(s, 1, nodeSpec{code: "GATE", method: repository.CompletionApproval})

	rec, err := f.engine.Start(f.ctx, &StartRequest{EntityType: "CONTRACT", EntityID: p.ID, InitiatorID: "pm"})
	require.NoError(t, err)
	_, err = f.engine.ApproveStep(f.ctx, rec.ID, "mgr2", "")
	require.NoError(t, err)

	f.tx(func(tx repository.Tx) error {
		n, err := tx.GetNode(f.ctx, gate.ID)
		if err != nil {
			return err
		}
		n.ApprovalRecordID = &rec.ID
		return tx.UpdateNode(f.ctx, n)
	})

	res := f.complete(gate)
	assert.Equal(t, repository.StatusCompleted, res.Node.Status)
}

func TestStartNode(t *testing.T) {
	f := newFixture(t)
	p := f.seedProject()
	s := f.seedStage(p.ID, "KICKOFF", 1)
	first := f.seedNode(s, 1, nodeSpec{code: "FIRST"})
	second := f.seedNode(s, 2, nodeSpec{code: "SECOND", deps: []*repository.NodeInstance{first}})

	_, err := f.engine.StartNode(f.ctx, second.ID)
	requireCode(t, err, errors.ErrCodeInvalidInput, msgPrerequisiteNotMet)

	n, err := f.engine.StartNode(f.ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusInProgress, n.Status)

	stage := f.stage(s.ID)
	assert.Equal(t, repository.StatusInProgress, stage.Status)
	require.NotNil(t, stage.ActualStartDate)

	project := f.project(p.ID)
	require.NotNil(t, project.CurrentNodeID)
	assert.Equal(t, first.ID, *project.CurrentNodeID)
	require.NotNil(t, project.CurrentStageID)
	assert.Equal(t, s.ID, *project.CurrentStageID)

	_, err = f.engine.StartNode(f.ctx, first.ID)
	requireCode(t, err, errors.ErrCodeConflict, "cannot start node in status IN_PROGRESS")

	res := f.complete(first)
	assert.Equal(t, repository.StatusCompleted, res.Node.Status)
	_, err = f.engine.StartNode(f.ctx, second.ID)
	require.NoError(t, err)
}

func TestAddCustomNodeSequencing(t *testing.T) {
	f := newFixture(t)
	p := f.seedProject()
	s := f.seedStage(p.ID, "DESIGN", 1)
	n0 := f.seedNode(s, 0, nodeSpec{code: "N0"})
	n1 := f.seedNode(s, 1, nodeSpec{code: "N1"})
	n2 := f.seedNode(s, 2, nodeSpec{code: "N2"})

	appended, err := f.engine.AddCustomNode(f.ctx, &AddNodeRequest{StageID: s.ID, NodeCode: "X", NodeName: "Extra review"})
	require.NoError(t, err)
	assert.Equal(t, 3, appended.Sequence)
	assert.True(t, appended.IsCustom)
	assert.Equal(t, repository.CompletionManual, appended.CompletionMethod)
	assert.True(t, f.stage(s.ID).IsModified)

	inserted, err := f.engine.AddCustomNode(f.ctx, &AddNodeRequest{
		StageID:       s.ID,
		AfterNodeID:   n0.ID,
		NodeCode:      "Y",
		NodeName:      "Site survey",
		IsRequired:    true,
		DependencyIDs: []string{n0.ID, n0.ID},
		DependentIDs:  []string{n1.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, inserted.Sequence)
	assert.Equal(t, []string{n0.ID}, inserted.DependencyIDs)

	var order []string
	for _, n := range f.stageNodes(s.ID) {
		order = append(order, n.NodeCode)
	}
	assert.Equal(t, []string{"N0", "Y", "N1", "N2", "X"}, order)
	assert.Equal(t, 2, f.node(n1.ID).Sequence)
	assert.Equal(t, 3, f.node(n2.ID).Sequence)
	assert.Equal(t, []string{inserted.ID}, f.node(n1.ID).DependencyIDs)
}

func TestAddCustomNodeRejections(t *testing.T) {
	f := newFixture(t)
	p := f.seedProject()
	s := f.seedStage(p.ID, "DESIGN", 1)
	a := f.seedNode(s, 1, nodeSpec{code: "A"})
	b := f.seedNode(s, 2, nodeSpec{code: "B", deps: []*repository.NodeInstance{a}})
	done := f.seedNode(s, 3, nodeSpec{code: "DONE", status: repository.StatusCompleted})

	other := f.seedProject()
	os := f.seedStage(other.ID, "DESIGN", 1)
	foreign := f.seedNode(os, 1, nodeSpec{code: "F"})

	closed := f.seedStage(p.ID, "CLOSED", 2)
	f.tx(func(tx repository.Tx) error {
		st, err := tx.GetStage(f.ctx, closed.ID)
		if err != nil {
			return err
		}
		st.Status = repository.StatusCompleted
		return tx.UpdateStage(f.ctx, st)
	})

	tests := []struct {
		name string
		req  *AddNodeRequest
		code errors.ErrorCode
		msg  string
	}{
		{"missing code", &AddNodeRequest{StageID: s.ID, NodeName: "n"}, errors.ErrCodeInvalidInput, "node code is required"},
		{"bad method", &AddNodeRequest{StageID: s.ID, NodeCode: "X", NodeName: "n", CompletionMethod: "MAGIC"}, errors.ErrCodeInvalidInput, "unknown completion method MAGIC"},
		{"unknown anchor", &AddNodeRequest{StageID: s.ID, NodeCode: "X", NodeName: "n", AfterNodeID: foreign.ID}, errors.ErrCodeInvalidInput, "anchor node is not in this stage"},
		{"unknown dependency", &AddNodeRequest{StageID: s.ID, NodeCode: "X", NodeName: "n", DependencyIDs: []string{repository.NewID()}}, errors.ErrCodeInvalidInput, "node not found"},
		{"foreign dependency", &AddNodeRequest{StageID: s.ID, NodeCode: "X", NodeName: "n", DependencyIDs: []string{foreign.ID}}, errors.ErrCodeInvalidInput, "node belongs to another project"},
		{"terminal dependent", &AddNodeRequest{StageID: s.ID, NodeCode: "X", NodeName: "n", DependentIDs: []string{done.ID}}, errors.ErrCodeConflict, "cannot add a predecessor to COMPLETED node"},
		{"cycle", &AddNodeRequest{StageID: s.ID, NodeCode: "X", NodeName: "n", DependencyIDs: []string{b.ID}, DependentIDs: []string{a.ID}}, errors.ErrCodeInvalidInput, "circular dependency detected"},
		{"completed stage", &AddNodeRequest{StageID: closed.ID, NodeCode: "X", NodeName: "n"}, errors.ErrCodeConflict, "cannot edit stage in status COMPLETED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.AddCustomNode(f.ctx, tt.req)
			requireCode(t, err, tt.code, tt.msg)
		})
	}

	assert.Len(t, f.stageNodes(s.ID), 3)
	assert.False(t, f.stage(s.ID).IsModified)
	assert.Empty(t, f.node(a.ID).DependencyIDs)
}

func TestSetNodeDependencies(t *testing.T) {
	f := newFixture(t)
	p := f.seedProject()
	s1 := f.seedStage(p.ID, "PLAN", 1)
	s2 := f.seedStage(p.ID, "BUILD", 2)
	a := f.seedNode(s1, 1, nodeSpec{code: "A"})
	b := f.seedNode(s1, 2, nodeSpec{code: "B", deps: []*repository.NodeInstance{a}})
	c := f.seedNode(s1, 3, nodeSpec{code: "C"})
	x := f.seedNode(s2, 1, nodeSpec{code: "X", deps: []*repository.NodeInstance{b}})
	done := f.seedNode(s1, 4, nodeSpec{code: "DONE", status: repository.StatusCompleted})

	_, err := f.engine.SetNodeDependencies(f.ctx, a.ID, []string{a.ID})
	requireCode(t, err, errors.ErrCodeInvalidInput, "circular dependency detected")

	_, err = f.engine.SetNodeDependencies(f.ctx, a.ID, []string{b.ID})
	requireCode(t, err, errors.ErrCodeInvalidInput, "circular dependency detected")

	// The edge back from the next stage is caught too.
	_, err = f.engine.SetNodeDependencies(f.ctx, a.ID, []string{c.ID, x.ID})
	requireCode(t, err, errors.ErrCodeInvalidInput, "circular dependency detected")

	_, err = f.engine.SetNodeDependencies(f.ctx, done.ID, []string{a.ID})
	requireCode(t, err, errors.ErrCodeConflict, "cannot edit node in status COMPLETED")

	assert.False(t, f.stage(s1.ID).IsModified)

	n, err := f.engine.SetNodeDependencies(f.ctx, b.ID, []string{c.ID, a.ID, c.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID, a.ID}, n.DependencyIDs)
	assert.True(t, f.stage(s1.ID).IsModified)

	n, err = f.engine.SetNodeDependencies(f.ctx, b.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, n.DependencyIDs)
}

func TestUpdateNodePlannedDate(t *testing.T) {
	f := newFixture(t)
	p := f.seedProject()
	s := f.seedStage(p.ID, "PLAN", 1)
	n := f.seedNode(s, 1, nodeSpec{code: "A"})
	done := f.seedNode(s, 2, nodeSpec{code: "B", status: repository.StatusCompleted})

	planned := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	got, err := f.engine.UpdateNodePlannedDate(f.ctx, n.ID, planned)
	require.NoError(t, err)
	require.NotNil(t, got.PlannedDate)
	assert.Equal(t, planned, *got.PlannedDate)
	assert.Equal(t, repository.StatusPending, got.Status)

	_, err = f.engine.UpdateNodePlannedDate(f.ctx, done.ID, planned)
	requireCode(t, err, errors.ErrCodeConflict, "cannot edit node in status COMPLETED")

	_, err = f.engine.UpdateNodePlannedDate(f.ctx, repository.NewID(), planned)
	requireCode(t, err, errors.ErrCodeNotFound, "")
}
