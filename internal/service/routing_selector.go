package service

import (
	"context"
	"slices"

	"github.com/pesio-ai/be-pm-lifecycle/internal/errors"
	"github.com/pesio-ai/be-pm-lifecycle/internal/repository"
)

// RoutingParams are the attributes of the entity being routed.
type RoutingParams struct {
	Amount       *float64
	Urgency      string
	CustomerType string
	ProjectType  string
}

// Score weights.
const (
	scoreAmountInRange = 10
	scoreAmountAbove   = 5
	scoreUrgency       = 5
	scoreCustomerType  = 3
	scoreProjectType   = 3
	scoreDefaultFlag   = 1
)

// SelectWorkflow returns the active workflow definition for entityType that
// best matches params.
func (e *Engine) SelectWorkflow(ctx context.Context, entityType string, params *RoutingParams) (*repository.WorkflowDefinition, error) {
	var def *repository.WorkflowDefinition
	err := e.read(ctx, func(tx repository.Tx) error {
		var err error
		def, err = e.selectWorkflow(ctx, tx, entityType, params)
		return err
	})
	return def, err
}

func (e *Engine) selectWorkflow(ctx context.Context, tx repository.Tx, entityType string, params *RoutingParams) (*repository.WorkflowDefinition, error) {
	defs, err := tx.ListActiveWorkflowDefinitions(ctx, entityType)
	if err != nil {
		return nil, err
	}
	def := ChooseWorkflow(defs, params)
	if def == nil {
		return nil, errors.New(errors.ErrCodeNotFound, "no workflow configured").
			WithDetail("entity_type", entityType)
	}
	return def, nil
}

// ChooseWorkflow picks among defs, which must be in creation order. It is
// pure: the same inputs always give the same definition. Ties keep the
// definition seen first.
func ChooseWorkflow(defs []*repository.WorkflowDefinition, params *RoutingParams) *repository.WorkflowDefinition {
	switch len(defs) {
	case 0:
		return nil
	case 1:
		return defs[0]
	}

	var ruled, plain []*repository.WorkflowDefinition
	for _, def := range defs {
		if def.RoutingRules.HasCriteria() {
			ruled = append(ruled, def)
		} else {
			plain = append(plain, def)
		}
	}

	if params != nil {
		var best *repository.WorkflowDefinition
		bestScore := -1
		for _, def := range ruled {
			if score := ScoreRules(def.RoutingRules, params); score > bestScore {
				best, bestScore = def, score
			}
		}
		if best != nil {
			return best
		}
	}

	for _, def := range plain {
		if def.RoutingRules != nil && def.RoutingRules.IsDefault {
			return def
		}
	}
	if len(ruled) > 0 {
		return ruled[0]
	}
	return defs[0]
}

// ScoreRules scores how well params match r.
func ScoreRules(r *repository.RoutingRules, params *RoutingParams) int {
	if r == nil || params == nil {
		return 0
	}

	score := 0
	if amount := params.Amount; amount != nil && (r.MinAmount != nil || r.MaxAmount != nil) {
		aboveMin := r.MinAmount == nil || *amount >= *r.MinAmount
		belowMax := r.MaxAmount == nil || *amount <= *r.MaxAmount
		switch {
		case aboveMin && belowMax:
			score += scoreAmountInRange
		case r.MaxAmount != nil && *amount > *r.MaxAmount:
			score += scoreAmountAbove
		}
	}
	if r.Urgency != "" && r.Urgency == params.Urgency {
		score += scoreUrgency
	}
	if params.CustomerType != "" && slices.Contains(r.CustomerTypes, params.CustomerType) {
		score += scoreCustomerType
	}
	if params.ProjectType != "" && slices.Contains(r.ProjectTypes, params.ProjectType) {
		score += scoreProjectType
	}
	if r.IsDefault {
		score += scoreDefaultFlag
	}
	return score
}
