package graph

import (
	"strings"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
)

// Node is a unit id with its declared dependencies
type Node struct {
	ID           string
	Dependencies []string
}

// ComputeOrder returns a start order in which every unit follows all of its
// dependencies. Nodes are visited in the given (registration) order, so independent
// units keep their relative order. Dependencies that name no node are ignored here;
// they can never be awake, which gates the dependent at awaken time instead.
func ComputeOrder(nodes []Node) ([]string, error) {
	index := make(map[string]int, len(nodes))
	for i, node := range nodes {
		index[node.ID] = i
	}

	const (
		unvisited = iota
		visiting
		visited
	)
	marks := make(map[string]int, len(nodes))
	order := make([]string, 0, len(nodes))
	path := make([]string, 0)

	var visit func(id string) error
	visit = func(id string) error {
		switch marks[id] {
		case visited:
			return nil
		case visiting:
			return cycleError(path, id)
		}

		marks[id] = visiting
		path = append(path, id)

		for _, dep := range nodes[index[id]].Dependencies {
			if _, known := index[dep]; !known {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}

		path = path[:len(path)-1]
		marks[id] = visited
		order = append(order, id)
		return nil
	}

	for _, node := range nodes {
		if err := visit(node.ID); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func cycleError(path []string, repeated string) error {
	start := 0
	for i, id := range path {
		if id == repeated {
			start = i
			break
		}
	}
	cycle := append(append([]string{}, path[start:]...), repeated)
	return errors.NewCyclicDependencyError("dependency cycle detected: "+strings.Join(cycle, " -> "), nil).
		WithContext("cycle", cycle)
}

// Dependents returns the ids of nodes that list id as a dependency, in node order
func Dependents(nodes []Node, id string) []string {
	var dependents []string
	for _, node := range nodes {
		for _, dep := range node.Dependencies {
			if dep == id {
				dependents = append(dependents, node.ID)
				break
			}
		}
	}
	return dependents
}

// Reverse returns a reversed copy of order
func Reverse(order []string) []string {
	reversed := make([]string, len(order))
	for i, id := range order {
		reversed[len(order)-1-i] = id
	}
	return reversed
}
