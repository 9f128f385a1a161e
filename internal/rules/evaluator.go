// Package rules evaluates node-type auto conditions written in expr-lang.
package rules

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/pesio-ai/be-pm-lifecycle/internal/repository"
)

// Evaluator decides whether an expression holds for an environment.
type Evaluator interface {
	Evaluate(expression string, env map[string]any) (bool, error)
}

// ExprEvaluator compiles expressions once and caches the programs.
// Programs are compiled without a typed environment so a cached program can
// run against any env shape.
type ExprEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEvaluator creates an evaluator with an empty program cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate runs expression against env. A blank expression is true.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]any) (bool, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return true, nil
	}

	program, err := e.program(expression)
	if err != nil {
		return false, err
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("run %q: %w", expression, err)
	}

	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q did not evaluate to a boolean, got %T", expression, result)
	}
	return b, nil
}

func (e *ExprEvaluator) program(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[expression]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", expression, err)
	}
	e.cache[expression] = program
	return program, nil
}

// NodeEnv builds the environment an auto condition sees: the candidate node,
// its stage and the owning project. project may be nil.
func NodeEnv(node *repository.NodeInstance, stage *repository.StageInstance, project *repository.Project) map[string]any {
	env := map[string]any{
		"node": map[string]any{
			"id":               node.ID,
			"code":             node.NodeCode,
			"name":             node.NodeName,
			"type":             node.NodeType,
			"sequence":         node.Sequence,
			"required":         node.IsRequired,
			"custom":           node.IsCustom,
			"dependencies":     node.DependencyIDs,
			"attachments":      len(node.Attachments),
			"has_planned_date": node.PlannedDate != nil,
		},
		"stage":   map[string]any{},
		"project": map[string]any{},
	}
	if stage != nil {
		env["stage"] = map[string]any{
			"id":       stage.ID,
			"code":     stage.StageCode,
			"name":     stage.StageName,
			"sequence": stage.Sequence,
			"status":   string(stage.Status),
			"modified": stage.IsModified,
		}
	}
	if project != nil {
		env["project"] = map[string]any{
			"id":            project.ID,
			"code":          project.Code,
			"name":          project.Name,
			"customer_type": project.CustomerType,
			"project_type":  project.ProjectType,
			"amount":        project.Amount,
		}
	}
	return env
}
