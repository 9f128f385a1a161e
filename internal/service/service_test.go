package service

import (
	"context"
	stderrors "errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-pm-lifecycle/internal/errors"
	"github.com/pesio-ai/be-pm-lifecycle/internal/repository"
	"github.com/pesio-ai/be-pm-lifecycle/internal/repository/memstore"
)

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type recordingNotifier struct {
	mu     sync.Mutex
	events []*Event
	err    error
}

func (n *recordingNotifier) Publish(_ context.Context, ev *Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

func (n *recordingNotifier) ofType(eventType string) []*Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*Event
	for _, ev := range n.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// mapDirectory maps role to users.
type mapDirectory map[string][]string

func (d mapDirectory) HasRole(_ context.Context, userID, role string) (bool, error) {
	return slices.Contains(d[role], userID), nil
}

func (d mapDirectory) UsersWithRole(_ context.Context, role string) ([]string, error) {
	return d[role], nil
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	store    *memstore.Store
	engine   *Engine
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := memstore.New()
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	dir := mapDirectory{
		"MANAGER":         {"mgr", "mgr2"},
		"DIRECTOR":        {"dir"},
		"PROJECT_MANAGER": {"lead"},
	}
	return &fixture{
		t:        t,
		ctx:      context.Background(),
		store:    store,
		notifier: notifier,
		engine: New(store,
			WithNotifier(notifier),
			WithDirectory(dir),
			WithClock(func() time.Time { return fixedNow }),
		),
	}
}

func (f *fixture) tx(fn func(tx repository.Tx) error) {
	f.t.Helper()
	require.NoError(f.t, f.store.InTx(f.ctx, fn))
}

func roleStep(order int, role string) *repository.WorkflowStep {
	return &repository.WorkflowStep{
		StepOrder:    order,
		StepName:     role + " review",
		ApproverRole: &role,
		IsRequired:   true,
		CanDelegate:  true,
		CanWithdraw:  true,
		DueHours:     24,
	}
}

func (f *fixture) seedWorkflow(entityType string, rules *repository.RoutingRules, steps ...*repository.WorkflowStep) *repository.WorkflowDefinition {
	f.t.Helper()
	def := &repository.WorkflowDefinition{
		ID:           repository.NewID(),
		Name:         entityType + " approval",
		EntityType:   entityType,
		IsActive:     true,
		RoutingRules: rules,
		CreatedAt:    fixedNow,
	}
	f.tx(func(tx repository.Tx) error {
		return tx.CreateWorkflowDefinition(f.ctx, def, steps)
	})
	return def
}

func (f *fixture) step(workflowID string, order int) *repository.WorkflowStep {
	f.t.Helper()
	var step *repository.WorkflowStep
	require.NoError(f.t, f.store.ReadTx(f.ctx, func(tx repository.Tx) error {
		var err error
		step, err = tx.GetWorkflowStep(f.ctx, workflowID, order)
		return err
	}))
	require.NotNil(f.t, step)
	return step
}

func (f *fixture) seedProject() *repository.Project {
	f.t.Helper()
	p := &repository.Project{
		ID:           repository.NewID(),
		Code:         "PRJ-001",
		Name:         "Campus network",
		CustomerType: "GOV",
		ProjectType:  "INTEGRATION",
		Amount:       480000,
		CreatedAt:    fixedNow,
		UpdatedAt:    fixedNow,
	}
	f.tx(func(tx repository.Tx) error { return tx.CreateProject(f.ctx, p) })
	return p
}

func (f *fixture) seedStage(projectID, code string, sequence int) *repository.StageInstance {
	f.t.Helper()
	s := &repository.StageInstance{
		ID:        repository.NewID(),
		ProjectID: projectID,
		StageCode: code,
		StageName: code,
		Sequence:  sequence,
		Status:    repository.StatusPending,
		CreatedAt: fixedNow,
		UpdatedAt: fixedNow,
	}
	f.tx(func(tx repository.Tx) error { return tx.CreateStage(f.ctx, s) })
	return s
}

type nodeSpec struct {
	code     string
	method   repository.CompletionMethod
	nodeType string
	optional bool
	status   repository.FlowStatus
	deps     []*repository.NodeInstance
}

func (f *fixture) seedNode(stage *repository.StageInstance, sequence int, ns nodeSpec) *repository.NodeInstance {
	f.t.Helper()
	method := ns.method
	if method == "" {
		method = repository.CompletionManual
	}
	status := ns.status
	if status == "" {
		status = repository.StatusPending
	}
	n := &repository.NodeInstance{
		ID:               repository.NewID(),
		StageInstanceID:  stage.ID,
		ProjectID:        stage.ProjectID,
		NodeCode:         ns.code,
		NodeName:         ns.code,
		NodeType:         ns.nodeType,
		Sequence:         sequence,
		Status:           status,
		CompletionMethod: method,
		IsRequired:       !ns.optional,
		CreatedAt:        fixedNow,
		UpdatedAt:        fixedNow,
	}
	for _, d := range ns.deps {
		n.DependencyIDs = append(n.DependencyIDs, d.ID)
	}
	f.tx(func(tx repository.Tx) error { return tx.CreateNode(f.ctx, n) })
	return n
}

func (f *fixture) node(id string) *repository.NodeInstance {
	f.t.Helper()
	var n *repository.NodeInstance
	require.NoError(f.t, f.store.ReadTx(f.ctx, func(tx repository.Tx) error {
		var err error
		n, err = tx.GetNode(f.ctx, id)
		return err
	}))
	return n
}

func (f *fixture) stage(id string) *repository.StageInstance {
	f.t.Helper()
	var s *repository.StageInstance
	require.NoError(f.t, f.store.ReadTx(f.ctx, func(tx repository.Tx) error {
		var err error
		s, err = tx.GetStage(f.ctx, id)
		return err
	}))
	return s
}

func (f *fixture) project(id string) *repository.Project {
	f.t.Helper()
	var p *repository.Project
	require.NoError(f.t, f.store.ReadTx(f.ctx, func(tx repository.Tx) error {
		var err error
		p, err = tx.GetProject(f.ctx, id)
		return err
	}))
	return p
}

// requireCode asserts err carries code and, when msg is set, that message.
func requireCode(t *testing.T, err error, code errors.ErrorCode, msg string) {
	t.Helper()
	require.Error(t, err)
	var e *errors.Error
	require.True(t, stderrors.As(err, &e), "unexpected error type %T: %v", err, err)
	require.Equal(t, code, e.Code, err.Error())
	if msg != "" {
		require.Equal(t, msg, e.Message)
	}
}

func float(v float64) *float64 { return &v }
