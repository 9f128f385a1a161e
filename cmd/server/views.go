package main

import (
	"time"

	"github.com/pesio-ai/be-pm-lifecycle/internal/repository"
	"github.com/pesio-ai/be-pm-lifecycle/internal/service"
)

type stageProgressView struct {
	StageID            string `json:"stage_id"`
	StageCode          string `json:"stage_code"`
	StageName          string `json:"stage_name"`
	Sequence           int    `json:"sequence"`
	Status             string `json:"status"`
	Total              int    `json:"total"`
	Pending            int    `json:"pending"`
	InProgress         int    `json:"in_progress"`
	Completed          int    `json:"completed"`
	Skipped            int    `json:"skipped"`
	RequiredIncomplete int    `json:"required_incomplete"`
	Ready              bool   `json:"ready"`
}

func newStageProgressView(p *service.StageProgress) stageProgressView {
	return stageProgressView{
		StageID:            p.StageID,
		StageCode:          p.StageCode,
		StageName:          p.StageName,
		Sequence:           p.Sequence,
		Status:             string(p.Status),
		Total:              p.Total,
		Pending:            p.Pending,
		InProgress:         p.InProgress,
		Completed:          p.Completed,
		Skipped:            p.Skipped,
		RequiredIncomplete: p.RequiredIncomplete,
		Ready:              p.Ready,
	}
}

type approvalView struct {
	ID          string     `json:"id"`
	EntityType  string     `json:"entity_type"`
	EntityID    string     `json:"entity_id"`
	WorkflowID  string     `json:"workflow_id"`
	CurrentStep int        `json:"current_step"`
	Status      string     `json:"status"`
	InitiatorID string     `json:"initiator_id"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func newApprovalView(rec *repository.ApprovalRecord) approvalView {
	return approvalView{
		ID:          rec.ID,
		EntityType:  rec.EntityType,
		EntityID:    rec.EntityID,
		WorkflowID:  rec.WorkflowID,
		CurrentStep: rec.CurrentStep,
		Status:      string(rec.Status),
		InitiatorID: rec.InitiatorID,
		CreatedAt:   rec.CreatedAt,
		CompletedAt: rec.CompletedAt,
	}
}
