package pipeline

import (
	"k8s.io/apimachinery/pkg/util/sets"
)

// CreatesCycle reports whether making task depend on dependsOn would close a cycle in graph
// (task id -> ids it depends on). A self dependency is a cycle.
func CreatesCycle(graph map[uint][]uint, task uint, dependsOn []uint) bool {
	visited := sets.New[uint]()
	stack := append([]uint{}, dependsOn...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == task {
			return true
		}
		if visited.Has(id) {
			continue
		}
		visited.Insert(id)
		stack = append(stack, graph[id]...)
	}
	return false
}

// Unfinished returns the dependencies not in done, sorted.
func Unfinished(dependsOn []uint, done sets.Set[uint]) []uint {
	return sets.List(sets.New(dependsOn...).Difference(done))
}
