package rules

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-pm-lifecycle/internal/repository"
)

func TestExprEvaluator(t *testing.T) {
	evaluator := NewExprEvaluator()

	tests := []struct {
		name       string
		expression string
		env        map[string]any
		want       bool
		wantErr    string
	}{
		{
			name:       "blank expression holds",
			expression: "   ",
			want:       true,
		},
		{
			name:       "true comparison",
			expression: "project.amount >= 100000",
			env:        map[string]any{"project": map[string]any{"amount": 250000.0}},
			want:       true,
		},
		{
			name:       "false comparison",
			expression: `project.customer_type == "GOV"`,
			env:        map[string]any{"project": map[string]any{"customer_type": "SME"}},
			want:       false,
		},
		{
			name:       "non-boolean result",
			expression: "1 + 2",
			wantErr:    "did not evaluate to a boolean",
		},
		{
			name:       "syntax error",
			expression: "amount >>> 1",
			wantErr:    "compile",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evaluator.Evaluate(tt.expression, tt.env)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.False(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExprEvaluatorCachesAcrossEnvShapes(t *testing.T) {
	evaluator := NewExprEvaluator()
	expression := "node.attachments > 0"

	ok, err := evaluator.Evaluate(expression, map[string]any{"node": map[string]any{"attachments": 2}})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = evaluator.Evaluate(expression, map[string]any{"node": map[string]any{"attachments": 0, "extra": "x"}})
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Len(t, evaluator.cache, 1)
}

func TestExprEvaluatorConcurrent(t *testing.T) {
	evaluator := NewExprEvaluator()
	env := map[string]any{"stage": map[string]any{"sequence": 3}}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := evaluator.Evaluate("stage.sequence == 3", env)
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	wg.Wait()
}

func TestNodeEnv(t *testing.T) {
	node := &repository.NodeInstance{ID: "n1", NodeCode: "SIGN", Attachments: []string{"a.pdf"}}
	stage := &repository.StageInstance{ID: "s1", StageCode: "CONTRACT", Sequence: 2}
	project := &repository.Project{ID: "p1", CustomerType: "GOV", Amount: 42}

	env := NodeEnv(node, stage, project)

	evaluator := NewExprEvaluator()
	ok, err := evaluator.Evaluate(`node.code == "SIGN" && stage.sequence == 2 && project.customer_type == "GOV" && node.attachments == 1`, env)
	require.NoError(t, err)
	assert.True(t, ok)

	bare := NodeEnv(node, nil, nil)
	assert.Empty(t, bare["project"])
}
