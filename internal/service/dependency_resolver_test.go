package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-pm-lifecycle/internal/errors"
	"github.com/pesio-ai/be-pm-lifecycle/internal/repository"
)

func gnode(id string, deps ...string) *repository.NodeInstance {
	return &repository.NodeInstance{ID: id, DependencyIDs: deps}
}

func TestGraphFindCycle(t *testing.T) {
	tests := []struct {
		name  string
		nodes []*repository.NodeInstance
		cycle bool
	}{
		{"empty", nil, false},
		{"chain", []*repository.NodeInstance{gnode("a"), gnode("b", "a"), gnode("c", "b")}, false},
		{"diamond", []*repository.NodeInstance{gnode("a"), gnode("b", "a"), gnode("c", "a"), gnode("d", "b", "c")}, false},
		{"self loop", []*repository.NodeInstance{gnode("a", "a")}, true},
		{"two cycle", []*repository.NodeInstance{gnode("a", "b"), gnode("b", "a")}, true},
		{"long cycle", []*repository.NodeInstance{gnode("a", "c"), gnode("b", "a"), gnode("c", "b"), gnode("d", "a")}, true},
		{"unknown predecessor", []*repository.NodeInstance{gnode("a", "ghost")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cycle := NewGraph(tt.nodes).FindCycle()
			if !tt.cycle {
				assert.Nil(t, cycle)
				return
			}
			require.NotEmpty(t, cycle)
			assert.Equal(t, cycle[0], cycle[len(cycle)-1], "cycle must close on itself: %v", cycle)
		})
	}
}

func TestGraphEdits(t *testing.T) {
	g := NewGraph([]*repository.NodeInstance{gnode("a"), gnode("b", "a")})
	assert.True(t, g.Has("a"))
	assert.False(t, g.Has("z"))
	assert.Equal(t, []string{"a"}, g.Predecessors("b"))
	assert.Nil(t, g.Predecessors("z"))

	g.AddPredecessor("b", "a")
	assert.Equal(t, []string{"a"}, g.Predecessors("b"))

	g.AddPredecessor("a", "b")
	assert.NotNil(t, g.FindCycle())

	g.SetPredecessors("a", nil)
	assert.Nil(t, g.FindCycle())
}

func TestGraphTopologicalOrder(t *testing.T) {
	g := NewGraph([]*repository.NodeInstance{
		gnode("d", "b", "c"),
		gnode("c", "a"),
		gnode("b", "a"),
		gnode("a"),
	})
	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, order)

	_, err = NewGraph([]*repository.NodeInstance{gnode("a", "b"), gnode("b", "a")}).TopologicalOrder()
	requireCode(t, err, errors.ErrCodeInvalidInput, "circular dependency detected")
}

func TestSatisfied(t *testing.T) {
	f := newFixture(t)
	p := f.seedProject()
	s := f.seedStage(p.ID, "PLAN", 1)
	done := f.seedNode(s, 1, nodeSpec{code: "DONE", status: repository.StatusCompleted})
	skipped := f.seedNode(s, 2, nodeSpec{code: "SKIPPED", status: repository.StatusSkipped})
	pending := f.seedNode(s, 3, nodeSpec{code: "PENDING"})

	tests := []struct {
		name string
		deps []string
		want bool
	}{
		{"no dependencies", nil, true},
		{"completed and skipped", []string{done.ID, skipped.ID}, true},
		{"one pending", []string{done.ID, pending.ID}, false},
		{"dangling id", []string{done.ID, repository.NewID()}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got bool
			require.NoError(t, f.store.ReadTx(f.ctx, func(tx repository.Tx) error {
				var err error
				got, err = Satisfied(f.ctx, tx, gnode("x", tt.deps...))
				return err
			}))
			assert.Equal(t, tt.want, got)
		})
	}
}
