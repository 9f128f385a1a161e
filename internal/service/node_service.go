package service

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/pesio-ai/be-pm-lifecycle/internal/errors"
	"github.com/pesio-ai/be-pm-lifecycle/internal/lifecycle"
	"github.com/pesio-ai/be-pm-lifecycle/internal/repository"
	"github.com/pesio-ai/be-pm-lifecycle/internal/rules"
)

// CompleteNodeRequest completes a node. Empty optional fields keep what the
// node already stores; ActualDate defaults to today.
type CompleteNodeRequest struct {
	NodeID           string
	CompletedBy      string
	ActualDate       *time.Time
	Attachments      []string
	ApprovalRecordID string
	Remark           string
}

// NodeResult reports the completed or skipped node, the AUTO nodes completed
// by propagation in completion order, and whether every required node of the
// stage is now done. StageReady is advisory: stages are completed explicitly.
type NodeResult struct {
	Node          *repository.NodeInstance
	AutoCompleted []string
	StageReady    bool
}

// AddNodeRequest inserts an ad hoc node into a stage. With AfterNodeID the
// node is placed right after that node and later nodes shift down; otherwise
// it is appended. DependentIDs are existing nodes that gain the new node as a
// predecessor.
type AddNodeRequest struct {
	StageID          string
	AfterNodeID      string
	NodeCode         string
	NodeName         string
	NodeType         string
	CompletionMethod repository.CompletionMethod
	IsRequired       bool
	DependencyIDs    []string
	DependentIDs     []string
	PlannedDate      *time.Time
}

const (
	msgPrerequisiteNotMet      = "prerequisite not met"
	msgAttachmentRequired      = "attachment required"
	msgApprovalRecordRequired  = "approval record required"
	msgApprovalRecordNotFinal  = "approval record is not approved"
	msgApprovalRecordNotExists = "approval record does not exist"
)

// ── Start ─────────────────────────────────────────────────────────────────────

// StartNode moves a PENDING node to IN_PROGRESS once its predecessors are
// done, points the project at it and starts the owning stage if needed.
func (e *Engine) StartNode(ctx context.Context, nodeID string) (*repository.NodeInstance, error) {
	var n *repository.NodeInstance
	err := e.write(ctx, "node_start", func(tx repository.Tx, out *outbox) error {
		var err error
		n, err = tx.GetNode(ctx, nodeID)
		if err != nil {
			return err
		}
		if err := lifecycle.FireNode(ctx, n, lifecycle.TriggerStart); err != nil {
			return err
		}
		if err := requireSatisfied(ctx, tx, n); err != nil {
			return err
		}

		n.UpdatedAt = e.now()
		if err := tx.UpdateNode(ctx, n); err != nil {
			return err
		}
		out.node(n.Status)
		if err := tx.SetCurrentNode(ctx, n.ProjectID, n.ID); err != nil {
			return err
		}

		stage, err := tx.GetStage(ctx, n.StageInstanceID)
		if err != nil {
			return err
		}
		if stage.Status == repository.StatusPending {
			return e.startStage(ctx, tx, out, stage, nil)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().Str("node_id", n.ID).Str("node_code", n.NodeCode).Msg("Node started")
	return n, nil
}

// ── Complete ──────────────────────────────────────────────────────────────────

// CompleteNode validates and completes a node, then auto-completes every AUTO
// node in the stage that becomes ready, breadth first, until nothing changes.
func (e *Engine) CompleteNode(ctx context.Context, req *CompleteNodeRequest) (*NodeResult, error) {
	var result *NodeResult
	err := e.write(ctx, "node_complete", func(tx repository.Tx, out *outbox) error {
		n, err := tx.GetNode(ctx, req.NodeID)
		if err != nil {
			return err
		}
		if err := lifecycle.FireNode(ctx, n, lifecycle.TriggerComplete); err != nil {
			return err
		}
		if err := requireSatisfied(ctx, tx, n); err != nil {
			return err
		}

		types := newTypeCache(tx)
		nodeType, err := types.get(ctx, n.NodeType)
		if err != nil {
			return err
		}
		if nodeType != nil && nodeType.RequiresAttachment && len(req.Attachments) == 0 && len(n.Attachments) == 0 {
			return errors.InvalidInput("attachments", msgAttachmentRequired)
		}

		recordID := req.ApprovalRecordID
		if recordID == "" && n.ApprovalRecordID != nil {
			recordID = *n.ApprovalRecordID
		}
		if n.CompletionMethod == repository.CompletionApproval {
			if err := requireApproved(ctx, tx, recordID); err != nil {
				return err
			}
		}

		now := e.now()
		n.CompletedBy = strPtr(req.CompletedBy)
		n.CompletedAt = timePtr(now)
		if req.ActualDate != nil {
			n.ActualDate = timePtr(*req.ActualDate)
		} else {
			n.ActualDate = timePtr(e.today())
		}
		if len(req.Attachments) > 0 {
			n.Attachments = slices.Clone(req.Attachments)
		}
		if recordID != "" {
			n.ApprovalRecordID = &recordID
		}
		if req.Remark != "" {
			n.Remark = &req.Remark
		}
		n.UpdatedAt = now
		if err := tx.UpdateNode(ctx, n); err != nil {
			return err
		}
		out.node(n.Status)

		result, err = e.settle(ctx, tx, out, n, types)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("node_id", result.Node.ID).
		Str("node_code", result.Node.NodeCode).
		Strs("auto_completed", result.AutoCompleted).
		Bool("stage_ready", result.StageReady).
		Msg("Node completed")
	return result, nil
}

// settle propagates from a node that just finished, reports whether its
// stage is ready and emits stage_ready to the actor, or to the stage-ready
// role when nobody is named.
func (e *Engine) settle(ctx context.Context, tx repository.Tx, out *outbox, n *repository.NodeInstance, types *typeCache) (*NodeResult, error) {
	siblings, err := tx.ListNodesByStage(ctx, n.StageInstanceID)
	if err != nil {
		return nil, err
	}
	auto, err := e.propagate(ctx, tx, out, []string{n.ID}, siblings, types)
	if err != nil {
		return nil, err
	}
	result := &NodeResult{Node: n, AutoCompleted: auto, StageReady: requiredIncomplete(siblings) == 0}

	if result.StageReady {
		ev := &Event{
			Type:       EventStageReady,
			Payload:    map[string]any{"stage_id": n.StageInstanceID, "project_id": n.ProjectID},
			OccurredAt: e.now(),
		}
		if n.CompletedBy != nil {
			ev.ActorID = *n.CompletedBy
			ev.Recipients = []string{*n.CompletedBy}
		} else {
			ev.Role = e.stageReadyRole
		}
		out.emit(ev)
	}
	return result, nil
}

// propagate drains a worklist seeded with nodes that just finished. A PENDING
// AUTO candidate that lists a finished node is completed when all its
// predecessors are done and its type's auto condition holds; it then joins
// the worklist. Each node completes at most once, so the loop terminates.
func (e *Engine) propagate(ctx context.Context, tx repository.Tx, out *outbox, seeds []string, candidates []*repository.NodeInstance, types *typeCache) ([]string, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	project, err := tx.GetProject(ctx, candidates[0].ProjectID)
	if err != nil && !errors.IsNotFound(err) {
		return nil, err
	}
	stages := make(map[string]*repository.StageInstance)
	stageOf := func(id string) (*repository.StageInstance, error) {
		if s, ok := stages[id]; ok {
			return s, nil
		}
		s, err := tx.GetStage(ctx, id)
		if err != nil {
			return nil, err
		}
		stages[id] = s
		return s, nil
	}

	var auto []string
	queue := slices.Clone(seeds)
	for len(queue) > 0 {
		trigger := queue[0]
		queue = queue[1:]

		for _, c := range candidates {
			if c.Status != repository.StatusPending ||
				c.CompletionMethod != repository.CompletionAuto ||
				!c.DependsOn(trigger) {
				continue
			}
			ok, err := Satisfied(ctx, tx, c)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			stage, err := stageOf(c.StageInstanceID)
			if err != nil {
				return nil, err
			}
			ok, err = e.autoCondition(ctx, types, c, stage, project)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}

			if err := lifecycle.FireNode(ctx, c, lifecycle.TriggerComplete); err != nil {
				return nil, err
			}
			now := e.now()
			c.CompletedAt = timePtr(now)
			c.ActualDate = timePtr(e.today())
			c.UpdatedAt = now
			if err := tx.UpdateNode(ctx, c); err != nil {
				return nil, err
			}
			out.node(c.Status)
			out.autoCompleted++
			auto = append(auto, c.ID)
			queue = append(queue, c.ID)
		}
	}
	return auto, nil
}

// autoCondition evaluates the node type's condition. An expression that
// fails to compile or run counts as false and is logged.
func (e *Engine) autoCondition(ctx context.Context, types *typeCache, n *repository.NodeInstance, stage *repository.StageInstance, project *repository.Project) (bool, error) {
	def, err := types.get(ctx, n.NodeType)
	if err != nil {
		return false, err
	}
	if def == nil || def.AutoCondition == "" {
		return true, nil
	}

	ok, err := e.evaluator.Evaluate(def.AutoCondition, rules.NodeEnv(n, stage, project))
	if err != nil {
		e.log.Warn().Err(err).
			Str("node_id", n.ID).
			Str("node_type", n.NodeType).
			Msg("Auto condition failed to evaluate; node left pending")
		return false, nil
	}
	return ok, nil
}

// ── Skip ──────────────────────────────────────────────────────────────────────

// SkipNode marks a PENDING or IN_PROGRESS node SKIPPED. Skipped nodes satisfy
// their dependents, so AUTO dependents that become ready complete in the same
// transaction.
func (e *Engine) SkipNode(ctx context.Context, nodeID, reason string) (*NodeResult, error) {
	var result *NodeResult
	err := e.write(ctx, "node_skip", func(tx repository.Tx, out *outbox) error {
		n, err := tx.GetNode(ctx, nodeID)
		if err != nil {
			return err
		}
		if err := lifecycle.FireNode(ctx, n, lifecycle.TriggerSkip); err != nil {
			return err
		}
		if reason != "" {
			n.Remark = &reason
		}
		n.UpdatedAt = e.now()
		if err := tx.UpdateNode(ctx, n); err != nil {
			return err
		}
		out.node(n.Status)

		result, err = e.settle(ctx, tx, out, n, newTypeCache(tx))
		return err
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("node_id", result.Node.ID).
		Str("reason", reason).
		Strs("auto_completed", result.AutoCompleted).
		Bool("stage_ready", result.StageReady).
		Msg("Node skipped")
	return result, nil
}

// ── Topology edits ────────────────────────────────────────────────────────────

// AddCustomNode inserts an ad hoc node, rewires dependents and marks the
// stage modified. Any edge that would close a cycle is rejected.
func (e *Engine) AddCustomNode(ctx context.Context, req *AddNodeRequest) (*repository.NodeInstance, error) {
	switch {
	case req.StageID == "":
		return nil, errors.InvalidInput("stage_id", "stage is required")
	case req.NodeCode == "":
		return nil, errors.InvalidInput("node_code", "node code is required")
	case req.NodeName == "":
		return nil, errors.InvalidInput("node_name", "node name is required")
	}
	method := req.CompletionMethod
	if method == "" {
		method = repository.CompletionManual
	}
	if !validMethod(method) {
		return nil, errors.InvalidInput("completion_method", fmt.Sprintf("unknown completion method %s", method))
	}

	var created *repository.NodeInstance
	err := e.write(ctx, "node_add", func(tx repository.Tx, out *outbox) error {
		stage, err := tx.GetStage(ctx, req.StageID)
		if err != nil {
			return err
		}
		if err := lifecycle.FireStage(ctx, stage, lifecycle.TriggerEdit); err != nil {
			return err
		}
		nodes, err := tx.ListNodesByStage(ctx, stage.ID)
		if err != nil {
			return err
		}

		now := e.now()
		sequence, err := e.makeRoom(ctx, tx, nodes, req.AfterNodeID, now)
		if err != nil {
			return err
		}

		deps := dedupe(req.DependencyIDs)
		if _, err := e.projectNodes(ctx, tx, stage.ProjectID, deps); err != nil {
			return err
		}
		dependents, err := e.projectNodes(ctx, tx, stage.ProjectID, dedupe(req.DependentIDs))
		if err != nil {
			return err
		}
		for _, d := range dependents {
			if !lifecycle.CanNode(ctx, d, lifecycle.TriggerEdit) {
				return errors.Conflict(fmt.Sprintf("cannot add a predecessor to %s node", d.Status)).
					WithDetail("node_id", d.ID)
			}
		}

		created = &repository.NodeInstance{
			ID:               repository.NewID(),
			StageInstanceID:  stage.ID,
			ProjectID:        stage.ProjectID,
			NodeCode:         req.NodeCode,
			NodeName:         req.NodeName,
			NodeType:         req.NodeType,
			Sequence:         sequence,
			Status:           repository.StatusPending,
			CompletionMethod: method,
			IsRequired:       req.IsRequired,
			IsCustom:         true,
			DependencyIDs:    deps,
			PlannedDate:      req.PlannedDate,
			CreatedAt:        now,
			UpdatedAt:        now,
		}

		g, err := loadGraph(ctx, tx, append(slices.Clone(nodes), append(dependents, created)...))
		if err != nil {
			return err
		}
		for _, d := range dependents {
			g.AddPredecessor(d.ID, created.ID)
		}
		if cycle := g.FindCycle(); cycle != nil {
			return cycleError(cycle)
		}

		if err := tx.CreateNode(ctx, created); err != nil {
			return err
		}
		for _, d := range dependents {
			if d.DependsOn(created.ID) {
				continue
			}
			d.DependencyIDs = append(d.DependencyIDs, created.ID)
			d.UpdatedAt = now
			if err := tx.UpdateNode(ctx, d); err != nil {
				return err
			}
		}
		return e.markModified(ctx, tx, stage, now)
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("node_id", created.ID).
		Str("stage_id", created.StageInstanceID).
		Int("sequence", created.Sequence).
		Msg("Custom node added")
	return created, nil
}

// makeRoom returns the sequence for a new node. After an anchor, every node
// at or past the insertion point shifts by one.
func (e *Engine) makeRoom(ctx context.Context, tx repository.Tx, nodes []*repository.NodeInstance, afterID string, now time.Time) (int, error) {
	if afterID == "" {
		next := len(nodes)
		for _, n := range nodes {
			if n.Sequence >= next {
				next = n.Sequence + 1
			}
		}
		return next, nil
	}

	idx := slices.IndexFunc(nodes, func(n *repository.NodeInstance) bool { return n.ID == afterID })
	if idx < 0 {
		return 0, errors.InvalidInput("after_node_id", "anchor node is not in this stage").
			WithDetail("node_id", afterID)
	}
	at := nodes[idx].Sequence + 1
	for _, n := range nodes {
		if n.Sequence < at {
			continue
		}
		n.Sequence++
		n.UpdatedAt = now
		if err := tx.UpdateNode(ctx, n); err != nil {
			return 0, err
		}
	}
	return at, nil
}

// UpdateNodePlannedDate reschedules a node that is not yet done.
func (e *Engine) UpdateNodePlannedDate(ctx context.Context, nodeID string, planned time.Time) (*repository.NodeInstance, error) {
	var n *repository.NodeInstance
	err := e.write(ctx, "node_reschedule", func(tx repository.Tx, out *outbox) error {
		var err error
		n, err = tx.GetNode(ctx, nodeID)
		if err != nil {
			return err
		}
		if err := lifecycle.FireNode(ctx, n, lifecycle.TriggerEdit); err != nil {
			return err
		}
		n.PlannedDate = timePtr(planned)
		n.UpdatedAt = e.now()
		return tx.UpdateNode(ctx, n)
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// SetNodeDependencies replaces a node's predecessor list.
func (e *Engine) SetNodeDependencies(ctx context.Context, nodeID string, dependencyIDs []string) (*repository.NodeInstance, error) {
	var n *repository.NodeInstance
	err := e.write(ctx, "node_rewire", func(tx repository.Tx, out *outbox) error {
		var err error
		n, err = tx.GetNode(ctx, nodeID)
		if err != nil {
			return err
		}
		if err := lifecycle.FireNode(ctx, n, lifecycle.TriggerEdit); err != nil {
			return err
		}

		deps := dedupe(dependencyIDs)
		if slices.Contains(deps, n.ID) {
			return cycleError([]string{n.ID, n.ID})
		}
		depNodes, err := e.projectNodes(ctx, tx, n.ProjectID, deps)
		if err != nil {
			return err
		}

		siblings, err := tx.ListNodesByStage(ctx, n.StageInstanceID)
		if err != nil {
			return err
		}
		g, err := loadGraph(ctx, tx, append(siblings, depNodes...))
		if err != nil {
			return err
		}
		g.SetPredecessors(n.ID, deps)
		if cycle := g.FindCycle(); cycle != nil {
			return cycleError(cycle)
		}

		now := e.now()
		n.DependencyIDs = deps
		n.UpdatedAt = now
		if err := tx.UpdateNode(ctx, n); err != nil {
			return err
		}

		stage, err := tx.GetStage(ctx, n.StageInstanceID)
		if err != nil {
			return err
		}
		return e.markModified(ctx, tx, stage, now)
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().Str("node_id", n.ID).Strs("dependency_ids", n.DependencyIDs).Msg("Node dependencies replaced")
	return n, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func requireSatisfied(ctx context.Context, tx repository.Tx, n *repository.NodeInstance) error {
	ok, err := Satisfied(ctx, tx, n)
	if err != nil {
		return err
	}
	if !ok {
		return errors.InvalidInput("dependency_ids", msgPrerequisiteNotMet).WithDetail("node_id", n.ID)
	}
	return nil
}

// requireApproved checks the gate of an APPROVAL node: the referenced record
// must exist and be APPROVED.
func requireApproved(ctx context.Context, tx repository.Tx, recordID string) error {
	if recordID == "" {
		return errors.InvalidInput("approval_record_id", msgApprovalRecordRequired)
	}
	rec, err := tx.GetApprovalRecord(ctx, recordID)
	if errors.IsNotFound(err) {
		return errors.InvalidInput("approval_record_id", msgApprovalRecordNotExists).
			WithDetail("record_id", recordID)
	}
	if err != nil {
		return err
	}
	if rec.Status != repository.ApprovalApproved {
		return errors.InvalidInput("approval_record_id", msgApprovalRecordNotFinal).
			WithDetail("record_id", recordID).
			WithDetail("status", string(rec.Status))
	}
	return nil
}

// projectNodes loads ids and checks they exist and belong to projectID.
func (e *Engine) projectNodes(ctx context.Context, tx repository.Tx, projectID string, ids []string) ([]*repository.NodeInstance, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	nodes, err := tx.GetNodesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*repository.NodeInstance, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	out := make([]*repository.NodeInstance, 0, len(ids))
	for _, id := range ids {
		n, ok := byID[id]
		if !ok {
			return nil, errors.InvalidInput("dependency_ids", "node not found").WithDetail("node_id", id)
		}
		if n.ProjectID != projectID {
			return nil, errors.InvalidInput("dependency_ids", "node belongs to another project").WithDetail("node_id", id)
		}
		out = append(out, n)
	}
	return out, nil
}

func (e *Engine) markModified(ctx context.Context, tx repository.Tx, stage *repository.StageInstance, now time.Time) error {
	stage.IsModified = true
	stage.UpdatedAt = now
	return tx.UpdateStage(ctx, stage)
}

// requiredIncomplete counts required nodes that are neither COMPLETED nor SKIPPED.
func requiredIncomplete(nodes []*repository.NodeInstance) int {
	n := 0
	for _, node := range nodes {
		if node.IsRequired && !node.Status.Done() {
			n++
		}
	}
	return n
}

func validMethod(m repository.CompletionMethod) bool {
	switch m {
	case repository.CompletionManual, repository.CompletionAuto, repository.CompletionApproval:
		return true
	}
	return false
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// typeCache memoizes node type lookups for one transaction.
type typeCache struct {
	tx    repository.Tx
	types map[string]*repository.NodeTypeDefinition
}

func newTypeCache(tx repository.Tx) *typeCache {
	return &typeCache{tx: tx, types: make(map[string]*repository.NodeTypeDefinition)}
}

func (c *typeCache) get(ctx context.Context, nodeType string) (*repository.NodeTypeDefinition, error) {
	if nodeType == "" {
		return nil, nil
	}
	if def, ok := c.types[nodeType]; ok {
		return def, nil
	}
	def, err := c.tx.GetNodeType(ctx, nodeType)
	if err != nil {
		return nil, err
	}
	c.types[nodeType] = def
	return def, nil
}
