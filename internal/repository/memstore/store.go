// Package memstore implements repository.Store on go-memdb. Write
// transactions are exclusive and abort on error, which gives the same
// all-or-nothing and serialization guarantees the Postgres store provides.
package memstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/hashicorp/go-memdb"

	"github.com/pesio-ai/be-pm-lifecycle/internal/errors"
	"github.com/pesio-ai/be-pm-lifecycle/internal/repository"
)

// Store is an in-memory repository.Store.
type Store struct {
	db *memdb.MemDB
}

var _ repository.Store = (*Store)(nil)

// New creates an empty Store.
func New() (*Store, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("create memdb: %w", err)
	}
	return &Store{db: db}, nil
}

// InTx runs fn in an exclusive write transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	if err := fn(&tx{txn: txn}); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// ReadTx runs fn against a consistent snapshot.
func (s *Store) ReadTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	txn := s.db.Txn(false)
	defer txn.Abort()

	return fn(&tx{txn: txn})
}

type tx struct {
	txn *memdb.Txn
}

func (t *tx) insert(table string, row any) error {
	if err := t.txn.Insert(table, row); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to write "+table)
	}
	return nil
}

func (t *tx) first(table, index string, args ...any) (any, error) {
	raw, err := t.txn.First(table, index, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read "+table)
	}
	return raw, nil
}

func (t *tx) all(table, index string, args ...any) ([]any, error) {
	it, err := t.txn.Get(table, index, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan "+table)
	}
	var out []any
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, obj)
	}
	return out, nil
}

// ── catalog ──────────────────────────────────────────────────────────────────

func (t *tx) CreateWorkflowDefinition(ctx context.Context, def *repository.WorkflowDefinition, steps []*repository.WorkflowStep) error {
	if def.ID == "" {
		def.ID = repository.NewID()
	}
	if err := t.insert(tableDefinitions, &definitionRow{ID: def.ID, EntityType: def.EntityType, Value: *def}); err != nil {
		return err
	}
	for _, step := range steps {
		if step.ID == "" {
			step.ID = repository.NewID()
		}
		step.WorkflowID = def.ID
		if err := t.insert(tableSteps, &stepRow{ID: step.ID, WorkflowID: def.ID, Value: *step}); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) GetWorkflowDefinition(ctx context.Context, id string) (*repository.WorkflowDefinition, error) {
	raw, err := t.first(tableDefinitions, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.NotFound("workflow_definition", id)
	}
	def := raw.(*definitionRow).Value
	return &def, nil
}

func (t *tx) ListActiveWorkflowDefinitions(ctx context.Context, entityType string) ([]*repository.WorkflowDefinition, error) {
	rows, err := t.all(tableDefinitions, "entity_type", entityType)
	if err != nil {
		return nil, err
	}
	var defs []*repository.WorkflowDefinition
	for _, raw := range rows {
		def := raw.(*definitionRow).Value
		if def.IsActive {
			defs = append(defs, &def)
		}
	}
	sort.SliceStable(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}

func (t *tx) ListWorkflowSteps(ctx context.Context, workflowID string) ([]*repository.WorkflowStep, error) {
	rows, err := t.all(tableSteps, "workflow", workflowID)
	if err != nil {
		return nil, err
	}
	steps := make([]*repository.WorkflowStep, 0, len(rows))
	for _, raw := range rows {
		step := raw.(*stepRow).Value
		steps = append(steps, &step)
	}
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].StepOrder < steps[j].StepOrder })
	return steps, nil
}

func (t *tx) GetWorkflowStep(ctx context.Context, workflowID string, stepOrder int) (*repository.WorkflowStep, error) {
	steps, err := t.ListWorkflowSteps(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	for _, step := range steps {
		if step.StepOrder == stepOrder {
			return step, nil
		}
	}
	return nil, nil
}

func (t *tx) SaveNodeType(ctx context.Context, def *repository.NodeTypeDefinition) error {
	return t.insert(tableNodeTypes, &nodeTypeRow{NodeType: def.NodeType, Value: *def})
}

func (t *tx) GetNodeType(ctx context.Context, nodeType string) (*repository.NodeTypeDefinition, error) {
	raw, err := t.first(tableNodeTypes, "id", nodeType)
	if err != nil || raw == nil {
		return nil, err
	}
	def := raw.(*nodeTypeRow).Value
	return &def, nil
}

func (t *tx) SaveStageTemplate(ctx context.Context, tpl *repository.StageTemplate) error {
	return t.insert(tableTemplates, &templateRow{StageCode: tpl.StageCode, Value: cloneTemplate(*tpl)})
}

func (t *tx) ListStageTemplates(ctx context.Context) ([]*repository.StageTemplate, error) {
	rows, err := t.all(tableTemplates, "id")
	if err != nil {
		return nil, err
	}
	templates := make([]*repository.StageTemplate, 0, len(rows))
	for _, raw := range rows {
		tpl := cloneTemplate(raw.(*templateRow).Value)
		templates = append(templates, &tpl)
	}
	sort.SliceStable(templates, func(i, j int) bool { return templates[i].Sequence < templates[j].Sequence })
	return templates, nil
}

// ── approval records ─────────────────────────────────────────────────────────

func entityKey(entityType, entityID string) string {
	return entityType + "\x00" + entityID
}

func (t *tx) putRecord(rec *repository.ApprovalRecord) error {
	return t.insert(tableRecords, &recordRow{
		ID:        rec.ID,
		EntityKey: entityKey(rec.EntityType, rec.EntityID),
		Status:    string(rec.Status),
		Value:     *rec,
	})
}

func (t *tx) recordsForEntity(entityType, entityID string) ([]*repository.ApprovalRecord, error) {
	rows, err := t.all(tableRecords, "entity", entityKey(entityType, entityID))
	if err != nil {
		return nil, err
	}
	records := make([]*repository.ApprovalRecord, 0, len(rows))
	for _, raw := range rows {
		rec := raw.(*recordRow).Value
		records = append(records, &rec)
	}
	return records, nil
}

func (t *tx) CreateApprovalRecord(ctx context.Context, rec *repository.ApprovalRecord) error {
	if rec.Status == repository.ApprovalPending {
		pending, err := t.GetPendingApprovalRecord(ctx, rec.EntityType, rec.EntityID)
		if err != nil {
			return err
		}
		if pending != nil {
			return errors.Conflict("该实体已有待审批的记录")
		}
	}
	if rec.ID == "" {
		rec.ID = repository.NewID()
	}
	return t.putRecord(rec)
}

func (t *tx) GetApprovalRecord(ctx context.Context, id string) (*repository.ApprovalRecord, error) {
	raw, err := t.first(tableRecords, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.NotFound("approval_record", id)
	}
	rec := raw.(*recordRow).Value
	return &rec, nil
}

func (t *tx) GetPendingApprovalRecord(ctx context.Context, entityType, entityID string) (*repository.ApprovalRecord, error) {
	records, err := t.recordsForEntity(entityType, entityID)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.Status == repository.ApprovalPending {
			return rec, nil
		}
	}
	return nil, nil
}

func (t *tx) GetLatestApprovalRecord(ctx context.Context, entityType, entityID string) (*repository.ApprovalRecord, error) {
	records, err := t.recordsForEntity(entityType, entityID)
	if err != nil {
		return nil, err
	}
	var latest *repository.ApprovalRecord
	for _, rec := range records {
		if latest == nil || rec.CreatedAt.After(latest.CreatedAt) ||
			(rec.CreatedAt.Equal(latest.CreatedAt) && rec.ID > latest.ID) {
			latest = rec
		}
	}
	return latest, nil
}

func (t *tx) ListPendingApprovalRecords(ctx context.Context) ([]*repository.ApprovalRecord, error) {
	rows, err := t.all(tableRecords, "status", string(repository.ApprovalPending))
	if err != nil {
		return nil, err
	}
	records := make([]*repository.ApprovalRecord, 0, len(rows))
	for _, raw := range rows {
		rec := raw.(*recordRow).Value
		records = append(records, &rec)
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

func (t *tx) UpdateApprovalRecord(ctx context.Context, rec *repository.ApprovalRecord) error {
	if _, err := t.GetApprovalRecord(ctx, rec.ID); err != nil {
		return err
	}
	return t.putRecord(rec)
}

func overrideKey(recordID string, stepOrder int) string {
	return fmt.Sprintf("%s#%d", recordID, stepOrder)
}

func (t *tx) GetStepOverride(ctx context.Context, recordID string, stepOrder int) (*repository.ApprovalStepOverride, error) {
	raw, err := t.first(tableOverrides, "id", overrideKey(recordID, stepOrder))
	if err != nil || raw == nil {
		return nil, err
	}
	o := raw.(*overrideRow).Value
	return &o, nil
}

func (t *tx) SaveStepOverride(ctx context.Context, o *repository.ApprovalStepOverride) error {
	return t.insert(tableOverrides, &overrideRow{Key: overrideKey(o.RecordID, o.StepOrder), Value: *o})
}

func (t *tx) AppendApprovalHistory(ctx context.Context, h *repository.ApprovalHistory) error {
	if h.ID == "" {
		h.ID = repository.NewID()
	}
	return t.insert(tableHistory, &historyRow{ID: h.ID, RecordID: h.ApprovalRecordID, Value: *h})
}

func (t *tx) ListApprovalHistory(ctx context.Context, recordID string) ([]*repository.ApprovalHistory, error) {
	rows, err := t.all(tableHistory, "record", recordID)
	if err != nil {
		return nil, err
	}
	entries := make([]*repository.ApprovalHistory, 0, len(rows))
	for _, raw := range rows {
		h := raw.(*historyRow).Value
		entries = append(entries, &h)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.StepOrder != b.StepOrder {
			return a.StepOrder < b.StepOrder
		}
		if !a.ActionAt.Equal(b.ActionAt) {
			return a.ActionAt.Before(b.ActionAt)
		}
		return a.ID < b.ID
	})
	return entries, nil
}

// ── projects / stages / nodes ────────────────────────────────────────────────

func (t *tx) CreateProject(ctx context.Context, p *repository.Project) error {
	if p.ID == "" {
		p.ID = repository.NewID()
	}
	return t.insert(tableProjects, &projectRow{ID: p.ID, Value: *p})
}

func (t *tx) GetProject(ctx context.Context, id string) (*repository.Project, error) {
	raw, err := t.first(tableProjects, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.NotFound("project", id)
	}
	p := raw.(*projectRow).Value
	return &p, nil
}

func (t *tx) SetCurrentStage(ctx context.Context, projectID, stageID string) error {
	p, err := t.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	p.CurrentStageID = &stageID
	return t.insert(tableProjects, &projectRow{ID: p.ID, Value: *p})
}

func (t *tx) SetCurrentNode(ctx context.Context, projectID, nodeID string) error {
	p, err := t.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	p.CurrentNodeID = &nodeID
	return t.insert(tableProjects, &projectRow{ID: p.ID, Value: *p})
}

func (t *tx) CreateStage(ctx context.Context, s *repository.StageInstance) error {
	if s.ID == "" {
		s.ID = repository.NewID()
	}
	return t.insert(tableStages, &stageRow{ID: s.ID, ProjectID: s.ProjectID, Value: *s})
}

func (t *tx) GetStage(ctx context.Context, id string) (*repository.StageInstance, error) {
	raw, err := t.first(tableStages, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.NotFound("stage_instance", id)
	}
	s := raw.(*stageRow).Value
	return &s, nil
}

func (t *tx) ListStagesByProject(ctx context.Context, projectID string) ([]*repository.StageInstance, error) {
	rows, err := t.all(tableStages, "project", projectID)
	if err != nil {
		return nil, err
	}
	stages := make([]*repository.StageInstance, 0, len(rows))
	for _, raw := range rows {
		s := raw.(*stageRow).Value
		stages = append(stages, &s)
	}
	sort.SliceStable(stages, func(i, j int) bool {
		if stages[i].Sequence != stages[j].Sequence {
			return stages[i].Sequence < stages[j].Sequence
		}
		return stages[i].ID < stages[j].ID
	})
	return stages, nil
}

func (t *tx) UpdateStage(ctx context.Context, s *repository.StageInstance) error {
	if _, err := t.GetStage(ctx, s.ID); err != nil {
		return err
	}
	return t.insert(tableStages, &stageRow{ID: s.ID, ProjectID: s.ProjectID, Value: *s})
}

func (t *tx) putNode(n *repository.NodeInstance) error {
	return t.insert(tableNodes, &nodeRow{ID: n.ID, StageID: n.StageInstanceID, Value: cloneNode(*n)})
}

func (t *tx) CreateNode(ctx context.Context, n *repository.NodeInstance) error {
	if n.ID == "" {
		n.ID = repository.NewID()
	}
	return t.putNode(n)
}

func (t *tx) GetNode(ctx context.Context, id string) (*repository.NodeInstance, error) {
	raw, err := t.first(tableNodes, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.NotFound("node_instance", id)
	}
	n := cloneNode(raw.(*nodeRow).Value)
	return &n, nil
}

func (t *tx) ListNodesByStage(ctx context.Context, stageID string) ([]*repository.NodeInstance, error) {
	rows, err := t.all(tableNodes, "stage", stageID)
	if err != nil {
		return nil, err
	}
	nodes := make([]*repository.NodeInstance, 0, len(rows))
	for _, raw := range rows {
		n := cloneNode(raw.(*nodeRow).Value)
		nodes = append(nodes, &n)
	}
	sortNodes(nodes)
	return nodes, nil
}

func (t *tx) GetNodesByIDs(ctx context.Context, ids []string) ([]*repository.NodeInstance, error) {
	var nodes []*repository.NodeInstance
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		raw, err := t.first(tableNodes, "id", id)
		if err != nil {
			return nil, err
		}
		if raw == nil {
			continue
		}
		n := cloneNode(raw.(*nodeRow).Value)
		nodes = append(nodes, &n)
	}
	sortNodes(nodes)
	return nodes, nil
}

func (t *tx) UpdateNode(ctx context.Context, n *repository.NodeInstance) error {
	if _, err := t.GetNode(ctx, n.ID); err != nil {
		return err
	}
	return t.putNode(n)
}

func sortNodes(nodes []*repository.NodeInstance) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].Sequence != nodes[j].Sequence {
			return nodes[i].Sequence < nodes[j].Sequence
		}
		return nodes[i].ID < nodes[j].ID
	})
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

func cloneNode(n repository.NodeInstance) repository.NodeInstance {
	n.DependencyIDs = cloneStrings(n.DependencyIDs)
	n.Attachments = cloneStrings(n.Attachments)
	return n
}

func cloneTemplate(tpl repository.StageTemplate) repository.StageTemplate {
	nodes := make([]repository.NodeTemplate, len(tpl.Nodes))
	for i, nt := range tpl.Nodes {
		nt.DependsOn = cloneStrings(nt.DependsOn)
		nodes[i] = nt
	}
	tpl.Nodes = nodes
	return tpl
}
