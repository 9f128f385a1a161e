// Package service implements the lifecycle engine: workflow routing, the
// approval state machine and the stage/node dependency engine. Every public
// operation runs inside one store transaction.
package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-pm-lifecycle/internal/errors"
	"github.com/pesio-ai/be-pm-lifecycle/internal/logger"
	"github.com/pesio-ai/be-pm-lifecycle/internal/metrics"
	"github.com/pesio-ai/be-pm-lifecycle/internal/repository"
	"github.com/pesio-ai/be-pm-lifecycle/internal/rules"
)

// Router picks the workflow definition for an entity.
type Router interface {
	SelectWorkflow(ctx context.Context, entityType string, params *RoutingParams) (*repository.WorkflowDefinition, error)
}

// Approver drives approval records through their workflow.
type Approver interface {
	Start(ctx context.Context, req *StartRequest) (*repository.ApprovalRecord, error)
	ApproveStep(ctx context.Context, recordID, approverID, comment string) (*repository.ApprovalRecord, error)
	RejectStep(ctx context.Context, recordID, approverID, comment string) (*repository.ApprovalRecord, error)
	DelegateStep(ctx context.Context, recordID, approverID, delegateToID, comment string) (*repository.ApprovalRecord, error)
	WithdrawApproval(ctx context.Context, recordID, initiatorID, comment string) (*repository.ApprovalRecord, error)
}

// ApprovalQuerier reads approval state without side effects.
type ApprovalQuerier interface {
	GetCurrentStep(ctx context.Context, recordID string) (*CurrentStep, error)
	GetApprovalHistory(ctx context.Context, recordID string) ([]*repository.ApprovalHistory, error)
	GetApprovalRecord(ctx context.Context, entityType, entityID string) (*repository.ApprovalRecord, error)
	GetRecord(ctx context.Context, recordID string) (*repository.ApprovalRecord, error)
	ListPendingForApprover(ctx context.Context, userID string) ([]*repository.ApprovalRecord, error)
}

// NodeFlow covers the node lifecycle and topology edits.
type NodeFlow interface {
	StartNode(ctx context.Context, nodeID string) (*repository.NodeInstance, error)
	CompleteNode(ctx context.Context, req *CompleteNodeRequest) (*NodeResult, error)
	SkipNode(ctx context.Context, nodeID, reason string) (*NodeResult, error)
	AddCustomNode(ctx context.Context, req *AddNodeRequest) (*repository.NodeInstance, error)
	UpdateNodePlannedDate(ctx context.Context, nodeID string, planned time.Time) (*repository.NodeInstance, error)
	SetNodeDependencies(ctx context.Context, nodeID string, dependencyIDs []string) (*repository.NodeInstance, error)
}

// StageFlow covers the stage lifecycle and project initialization.
type StageFlow interface {
	StartStage(ctx context.Context, stageID string, actualStart *time.Time) (*repository.StageInstance, error)
	CompleteStage(ctx context.Context, stageID string, actualEnd *time.Time, autoStartNext bool) (*repository.StageInstance, *repository.StageInstance, error)
	SkipStage(ctx context.Context, stageID, reason string) (*repository.StageInstance, []string, error)
	InitializeProject(ctx context.Context, projectID string) ([]*repository.StageInstance, error)
	GetStageProgress(ctx context.Context, projectID string) ([]*StageProgress, error)
}

// Notifier delivers engine events. Delivery is best effort: the engine logs
// a failure and carries on.
type Notifier interface {
	Publish(ctx context.Context, event *Event) error
}

// Directory answers role questions about users.
type Directory interface {
	HasRole(ctx context.Context, userID, role string) (bool, error)
	UsersWithRole(ctx context.Context, role string) ([]string, error)
}

// Event types published by the engine.
const (
	EventApprovalRequired  = "approval_required"
	EventApprovalApproved  = "approval_approved"
	EventApprovalRejected  = "approval_rejected"
	EventApprovalDelegated = "approval_delegated"
	EventApprovalWithdrawn = "approval_withdrawn"
	EventStageReady        = "stage_ready"
)

// Event is a notification about an approval record or a stage. Recipients
// may be empty when Role is set; the engine resolves the role through the
// Directory before publishing.
type Event struct {
	Type       string         `json:"event_type"`
	EntityType string         `json:"entity_type,omitempty"`
	EntityID   string         `json:"entity_id,omitempty"`
	RecordID   string         `json:"record_id,omitempty"`
	ActorID    string         `json:"actor_id,omitempty"`
	Role       string         `json:"role,omitempty"`
	Recipients []string       `json:"recipients"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Engine implements Router, Approver, ApprovalQuerier, NodeFlow and
// StageFlow over one Store.
type Engine struct {
	store     repository.Store
	notifier  Notifier
	directory Directory
	evaluator rules.Evaluator
	metrics   *metrics.Recorder
	log       *logger.Logger
	now       func() time.Time

	stageReadyRole string
}

var (
	_ Router          = (*Engine)(nil)
	_ Approver        = (*Engine)(nil)
	_ ApprovalQuerier = (*Engine)(nil)
	_ NodeFlow        = (*Engine)(nil)
	_ StageFlow       = (*Engine)(nil)
)

// Option configures an Engine.
type Option func(*Engine)

// DefaultStageReadyRole receives stage_ready when the node that readied the
// stage has no named actor.
const DefaultStageReadyRole = "PROJECT_MANAGER"

// WithNotifier sets where events are published. Without one, events are
// dropped.
func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

// WithDirectory sets the role lookup used for approver checks and role
// recipients.
func WithDirectory(d Directory) Option { return func(e *Engine) { e.directory = d } }

// WithEvaluator replaces the expr-based evaluator for auto conditions.
func WithEvaluator(ev rules.Evaluator) Option {
	return func(e *Engine) { e.evaluator = ev }
}

// WithMetrics records operation and transition metrics. A nil Recorder is a
// no-op.
func WithMetrics(m *metrics.Recorder) Option { return func(e *Engine) { e.metrics = m } }

// WithLogger sets the engine logger.
func WithLogger(l *logger.Logger) Option { return func(e *Engine) { e.log = l } }

// WithStageReadyRole sets the role notified of stage_ready when no actor is
// known, as after a skip or a completion without CompletedBy.
func WithStageReadyRole(role string) Option {
	return func(e *Engine) {
		if role != "" {
			e.stageReadyRole = role
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New creates an Engine. Without a Directory only explicitly assigned
// approvers can act on a step.
func New(store repository.Store, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		directory: noDirectory{},
		evaluator: rules.NewExprEvaluator(),
		log:       logger.Nop(),
		now:       time.Now,

		stageReadyRole: DefaultStageReadyRole,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// outbox collects the side effects of one transaction attempt. They are
// flushed only after commit.
type outbox struct {
	events          []*Event
	approvalActions []repository.HistoryAction
	nodeStatuses    []repository.FlowStatus
	stageStatuses   []repository.FlowStatus
	autoCompleted   int
}

func (o *outbox) emit(ev *Event)                    { o.events = append(o.events, ev) }
func (o *outbox) action(a repository.HistoryAction) { o.approvalActions = append(o.approvalActions, a) }
func (o *outbox) node(s repository.FlowStatus)      { o.nodeStatuses = append(o.nodeStatuses, s) }
func (o *outbox) stage(s repository.FlowStatus)     { o.stageStatuses = append(o.stageStatuses, s) }

// write runs fn in a write transaction and flushes the outbox on success.
func (e *Engine) write(ctx context.Context, op string, fn func(tx repository.Tx, out *outbox) error) error {
	start := time.Now()
	var out *outbox
	err := e.store.InTx(ctx, func(tx repository.Tx) error {
		out = &outbox{}
		return fn(tx, out)
	})
	e.metrics.ObserveOperation(op, outcome(err), time.Since(start))
	if err != nil {
		return err
	}
	e.flush(ctx, out)
	return nil
}

// read runs fn in a read-only transaction.
func (e *Engine) read(ctx context.Context, fn func(tx repository.Tx) error) error {
	return e.store.ReadTx(ctx, fn)
}

func (e *Engine) flush(ctx context.Context, out *outbox) {
	for _, a := range out.approvalActions {
		e.metrics.ApprovalAction(string(a))
	}
	for _, s := range out.nodeStatuses {
		e.metrics.NodeTransition(string(s))
	}
	for _, s := range out.stageStatuses {
		e.metrics.StageTransition(string(s))
	}
	e.metrics.AutoCompleted(out.autoCompleted)

	for _, ev := range out.events {
		e.publish(ctx, ev)
	}
}

func (e *Engine) publish(ctx context.Context, ev *Event) {
	if e.notifier == nil {
		return
	}
	if len(ev.Recipients) == 0 && ev.Role != "" {
		users, err := e.directory.UsersWithRole(ctx, ev.Role)
		if err != nil {
			e.log.Warn().Err(err).Str("role", ev.Role).Msg("Could not resolve users for role; notification skipped")
			e.metrics.NotificationFailed(ev.Type)
			return
		}
		ev.Recipients = users
	}
	if len(ev.Recipients) == 0 {
		return
	}
	if err := e.notifier.Publish(ctx, ev); err != nil {
		e.log.Warn().Err(err).
			Str("event_type", ev.Type).
			Str("record_id", ev.RecordID).
			Msg("Failed to publish notification (non-fatal)")
		e.metrics.NotificationFailed(ev.Type)
	}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(errors.CodeOf(err))
}

func (e *Engine) today() time.Time {
	now := e.now()
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
}

// noDirectory grants no roles.
type noDirectory struct{}

func (noDirectory) HasRole(context.Context, string, string) (bool, error)   { return false, nil }
func (noDirectory) UsersWithRole(context.Context, string) ([]string, error) { return nil, nil }

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func timePtr(t time.Time) *time.Time {
	return &t
}
