package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
)

func position(order []string, id string) int {
	for i, candidate := range order {
		if candidate == id {
			return i
		}
	}
	return -1
}

func TestComputeOrder(t *testing.T) {
	t.Run("dependencies_first", func(t *testing.T) {
		nodes := []Node{
			{ID: "C", Dependencies: []string{"B"}},
			{ID: "B", Dependencies: []string{"A"}},
			{ID: "A"},
		}
		order, err := ComputeOrder(nodes)
		require.NoError(t, err)
		assert.Equal(t, []string{"A", "B", "C"}, order)
	})

	t.Run("independent_units_keep_registration_order", func(t *testing.T) {
		nodes := []Node{{ID: "x"}, {ID: "y"}, {ID: "z"}}
		order, err := ComputeOrder(nodes)
		require.NoError(t, err)
		assert.Equal(t, []string{"x", "y", "z"}, order)
	})

	t.Run("every_unit_after_its_dependencies", func(t *testing.T) {
		nodes := []Node{
			{ID: "api", Dependencies: []string{"db", "cache"}},
			{ID: "worker", Dependencies: []string{"queue", "db"}},
			{ID: "cache"},
			{ID: "queue", Dependencies: []string{"db"}},
			{ID: "db"},
		}
		order, err := ComputeOrder(nodes)
		require.NoError(t, err)
		require.Len(t, order, len(nodes))

		for _, node := range nodes {
			for _, dep := range node.Dependencies {
				assert.Less(t, position(order, dep), position(order, node.ID), "%s before %s", dep, node.ID)
			}
		}
	})

	t.Run("unknown_dependency_ignored", func(t *testing.T) {
		order, err := ComputeOrder([]Node{{ID: "a", Dependencies: []string{"ghost"}}})
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, order)
	})

	t.Run("cycle_rejected_with_path", func(t *testing.T) {
		nodes := []Node{
			{ID: "a", Dependencies: []string{"b"}},
			{ID: "b", Dependencies: []string{"c"}},
			{ID: "c", Dependencies: []string{"a"}},
		}
		_, err := ComputeOrder(nodes)
		require.Error(t, err)
		assert.True(t, errors.IsCyclicDependencyError(err))
		assert.Contains(t, err.Error(), "a -> b -> c -> a")
	})

	t.Run("self_dependency_is_a_cycle", func(t *testing.T) {
		_, err := ComputeOrder([]Node{{ID: "solo", Dependencies: []string{"solo"}}})
		assert.True(t, errors.IsCyclicDependencyError(err))
	})
}

func TestDependents(t *testing.T) {
	nodes := []Node{
		{ID: "A"},
		{ID: "B", Dependencies: []string{"A"}},
		{ID: "C", Dependencies: []string{"A", "B"}},
	}
	assert.Equal(t, []string{"B", "C"}, Dependents(nodes, "A"))
	assert.Equal(t, []string{"C"}, Dependents(nodes, "B"))
	assert.Empty(t, Dependents(nodes, "C"))
}

func TestReverse(t *testing.T) {
	order := []string{"A", "B", "C"}
	assert.Equal(t, []string{"C", "B", "A"}, Reverse(order))
	assert.Equal(t, []string{"A", "B", "C"}, order)
	assert.Empty(t, Reverse(nil))
}
