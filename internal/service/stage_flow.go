package service

import (
	"context"
	"fmt"
	"time"

	"github.com/pesio-ai/be-pm-lifecycle/internal/errors"
	"github.com/pesio-ai/be-pm-lifecycle/internal/lifecycle"
	"github.com/pesio-ai/be-pm-lifecycle/internal/repository"
)

// StageProgress summarises the node states of one stage.
type StageProgress struct {
	StageID            string
	StageCode          string
	StageName          string
	Sequence           int
	Status             repository.FlowStatus
	Total              int
	Pending            int
	InProgress         int
	Completed          int
	Skipped            int
	RequiredIncomplete int
	Ready              bool
}

// StartStage moves a PENDING stage to IN_PROGRESS and makes it the project's
// current stage. actualStart defaults to today.
func (e *Engine) StartStage(ctx context.Context, stageID string, actualStart *time.Time) (*repository.StageInstance, error) {
	var stage *repository.StageInstance
	err := e.write(ctx, "stage_start", func(tx repository.Tx, out *outbox) error {
		var err error
		stage, err = tx.GetStage(ctx, stageID)
		if err != nil {
			return err
		}
		return e.startStage(ctx, tx, out, stage, actualStart)
	})
	if err != nil {
		return nil, err
	}
	return stage, nil
}

func (e *Engine) startStage(ctx context.Context, tx repository.Tx, out *outbox, stage *repository.StageInstance, actualStart *time.Time) error {
	if err := lifecycle.FireStage(ctx, stage, lifecycle.TriggerStart); err != nil {
		return err
	}
	if actualStart != nil {
		stage.ActualStartDate = timePtr(*actualStart)
	} else {
		stage.ActualStartDate = timePtr(e.today())
	}
	stage.UpdatedAt = e.now()
	if err := tx.UpdateStage(ctx, stage); err != nil {
		return err
	}
	out.stage(stage.Status)
	if err := tx.SetCurrentStage(ctx, stage.ProjectID, stage.ID); err != nil {
		return err
	}

	e.log.Info().
		Str("stage_id", stage.ID).
		Str("stage_code", stage.StageCode).
		Str("project_id", stage.ProjectID).
		Msg("Stage started")
	return nil
}

// CompleteStage completes an IN_PROGRESS stage whose required nodes are all
// done. With autoStartNext the next PENDING stage by sequence is started and
// returned as the second value.
func (e *Engine) CompleteStage(ctx context.Context, stageID string, actualEnd *time.Time, autoStartNext bool) (*repository.StageInstance, *repository.StageInstance, error) {
	var stage, next *repository.StageInstance
	err := e.write(ctx, "stage_complete", func(tx repository.Tx, out *outbox) error {
		var err error
		next = nil
		stage, err = tx.GetStage(ctx, stageID)
		if err != nil {
			return err
		}
		if err := lifecycle.FireStage(ctx, stage, lifecycle.TriggerComplete); err != nil {
			return err
		}

		nodes, err := tx.ListNodesByStage(ctx, stage.ID)
		if err != nil {
			return err
		}
		if n := requiredIncomplete(nodes); n > 0 {
			return errors.InvalidInput("nodes", fmt.Sprintf("%d required nodes incomplete", n)).
				WithDetail("incomplete", fmt.Sprint(n))
		}

		if actualEnd != nil {
			stage.ActualEndDate = timePtr(*actualEnd)
		} else {
			stage.ActualEndDate = timePtr(e.today())
		}
		stage.UpdatedAt = e.now()
		if err := tx.UpdateStage(ctx, stage); err != nil {
			return err
		}
		out.stage(stage.Status)

		if !autoStartNext {
			return nil
		}
		stages, err := tx.ListStagesByProject(ctx, stage.ProjectID)
		if err != nil {
			return err
		}
		for _, s := range stages {
			if s.Sequence > stage.Sequence && s.Status == repository.StatusPending {
				next, err = tx.GetStage(ctx, s.ID)
				if err != nil {
					return err
				}
				return e.startStage(ctx, tx, out, next, nil)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	e.log.Info().
		Str("stage_id", stage.ID).
		Str("stage_code", stage.StageCode).
		Bool("next_started", next != nil).
		Msg("Stage completed")
	return stage, next, nil
}

// SkipStage skips a stage together with all its unfinished nodes. AUTO nodes
// anywhere in the project that depended on them and become ready are
// completed in the same transaction; their ids are returned in completion
// order.
func (e *Engine) SkipStage(ctx context.Context, stageID, reason string) (*repository.StageInstance, []string, error) {
	var (
		stage *repository.StageInstance
		auto  []string
	)
	err := e.write(ctx, "stage_skip", func(tx repository.Tx, out *outbox) error {
		var err error
		stage, err = tx.GetStage(ctx, stageID)
		if err != nil {
			return err
		}
		if err := lifecycle.FireStage(ctx, stage, lifecycle.TriggerSkip); err != nil {
			return err
		}

		now := e.now()
		nodes, err := tx.ListNodesByStage(ctx, stage.ID)
		if err != nil {
			return err
		}
		var skipped []string
		for _, n := range nodes {
			if !lifecycle.CanNode(ctx, n, lifecycle.TriggerSkip) {
				continue
			}
			if err := lifecycle.FireNode(ctx, n, lifecycle.TriggerSkip); err != nil {
				return err
			}
			n.UpdatedAt = now
			if err := tx.UpdateNode(ctx, n); err != nil {
				return err
			}
			out.node(n.Status)
			skipped = append(skipped, n.ID)
		}

		stage.IsModified = true
		if reason != "" {
			stage.Remark = &reason
		}
		stage.UpdatedAt = now
		if err := tx.UpdateStage(ctx, stage); err != nil {
			return err
		}
		out.stage(stage.Status)

		if len(skipped) == 0 {
			return nil
		}
		candidates, err := e.allProjectNodes(ctx, tx, stage.ProjectID)
		if err != nil {
			return err
		}
		auto, err = e.propagate(ctx, tx, out, skipped, candidates, newTypeCache(tx))
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	e.log.Info().
		Str("stage_id", stage.ID).
		Str("reason", reason).
		Strs("auto_completed", auto).
		Msg("Stage skipped")
	return stage, auto, nil
}

// allProjectNodes lists every node of the project, stage by stage.
func (e *Engine) allProjectNodes(ctx context.Context, tx repository.Tx, projectID string) ([]*repository.NodeInstance, error) {
	stages, err := tx.ListStagesByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var nodes []*repository.NodeInstance
	for _, s := range stages {
		ns, err := tx.ListNodesByStage(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, ns...)
	}
	return nodes, nil
}

// InitializeProject creates the project's stages and nodes from the catalog
// templates. Template dependencies name node codes anywhere in the project;
// they are resolved to instance ids and must form an acyclic graph.
func (e *Engine) InitializeProject(ctx context.Context, projectID string) ([]*repository.StageInstance, error) {
	var stages []*repository.StageInstance
	err := e.write(ctx, "project_initialize", func(tx repository.Tx, out *outbox) error {
		stages = nil
		project, err := tx.GetProject(ctx, projectID)
		if err != nil {
			return err
		}
		existing, err := tx.ListStagesByProject(ctx, project.ID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return errors.Conflict("project already initialized").WithDetail("project_id", project.ID)
		}

		templates, err := tx.ListStageTemplates(ctx)
		if err != nil {
			return err
		}
		if len(templates) == 0 {
			return errors.InvalidInput("catalog", "no stage templates configured")
		}

		now := e.now()
		codes := make(map[string]string)
		var nodes []*repository.NodeInstance
		var pendingDeps [][]string
		for _, tpl := range templates {
			stage := &repository.StageInstance{
				ID:        repository.NewID(),
				ProjectID: project.ID,
				StageCode: tpl.StageCode,
				StageName: tpl.StageName,
				Sequence:  tpl.Sequence,
				Status:    repository.StatusPending,
				CreatedAt: now,
				UpdatedAt: now,
			}
			stages = append(stages, stage)

			for _, nt := range tpl.Nodes {
				if _, dup := codes[nt.NodeCode]; dup {
					return errors.InvalidInput("catalog", "duplicate node code "+nt.NodeCode)
				}
				method := nt.CompletionMethod
				if method == "" {
					method = repository.CompletionManual
				}
				n := &repository.NodeInstance{
					ID:               repository.NewID(),
					StageInstanceID:  stage.ID,
					ProjectID:        project.ID,
					NodeCode:         nt.NodeCode,
					NodeName:         nt.NodeName,
					NodeType:         nt.NodeType,
					Sequence:         nt.Sequence,
					Status:           repository.StatusPending,
					CompletionMethod: method,
					IsRequired:       nt.IsRequired,
					CreatedAt:        now,
					UpdatedAt:        now,
				}
				codes[nt.NodeCode] = n.ID
				nodes = append(nodes, n)
				pendingDeps = append(pendingDeps, nt.DependsOn)
			}
		}

		for i, n := range nodes {
			for _, code := range pendingDeps[i] {
				id, ok := codes[code]
				if !ok {
					return errors.InvalidInput("catalog", fmt.Sprintf("node %s depends on unknown node %s", n.NodeCode, code))
				}
				n.DependencyIDs = append(n.DependencyIDs, id)
			}
		}
		if _, err := NewGraph(nodes).TopologicalOrder(); err != nil {
			return err
		}

		for _, s := range stages {
			if err := tx.CreateStage(ctx, s); err != nil {
				return err
			}
		}
		for _, n := range nodes {
			if err := tx.CreateNode(ctx, n); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("project_id", projectID).
		Int("stages", len(stages)).
		Msg("Project initialized")
	return stages, nil
}

// GetStageProgress returns per-stage node counts for a project in stage
// sequence order.
func (e *Engine) GetStageProgress(ctx context.Context, projectID string) ([]*StageProgress, error) {
	var progress []*StageProgress
	err := e.read(ctx, func(tx repository.Tx) error {
		if _, err := tx.GetProject(ctx, projectID); err != nil {
			return err
		}
		stages, err := tx.ListStagesByProject(ctx, projectID)
		if err != nil {
			return err
		}
		for _, s := range stages {
			nodes, err := tx.ListNodesByStage(ctx, s.ID)
			if err != nil {
				return err
			}
			p := &StageProgress{
				StageID:   s.ID,
				StageCode: s.StageCode,
				StageName: s.StageName,
				Sequence:  s.Sequence,
				Status:    s.Status,
				Total:     len(nodes),
			}
			for _, n := range nodes {
				switch n.Status {
				case repository.StatusPending:
					p.Pending++
				case repository.StatusInProgress:
					p.InProgress++
				case repository.StatusCompleted:
					p.Completed++
				case repository.StatusSkipped:
					p.Skipped++
				}
			}
			p.RequiredIncomplete = requiredIncomplete(nodes)
			p.Ready = p.RequiredIncomplete == 0
			progress = append(progress, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return progress, nil
}
