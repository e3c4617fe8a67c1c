// Package graph builds and validates the DAG induced by task depends_on
// edges, and exposes the traversal primitives the schedulers need.
package graph

import (
	"fmt"

	"github.com/swarmguard/prompter/internal/config"
)

// Graph is a validated, acyclic dependency graph over a task list.
type Graph struct {
	names     []string
	dependsOn map[string][]string
	dependents map[string][]string
}

// Build constructs a Graph from tasks, assuming config.Validate has
// already confirmed name uniqueness. It still rejects unknown dependency
// references and re-runs cycle detection, since a Graph may be built
// directly by a caller that skipped config.Validate (e.g. in tests).
func Build(tasks []config.Task) (*Graph, error) {
	g := &Graph{
		dependsOn:  make(map[string][]string, len(tasks)),
		dependents: make(map[string][]string, len(tasks)),
	}
	known := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		known[t.Name] = true
	}

	for _, t := range tasks {
		g.names = append(g.names, t.Name)
		g.dependsOn[t.Name] = append([]string{}, t.DependsOn...)
		for _, dep := range t.DependsOn {
			if !known[dep] {
				return nil, fmt.Errorf("task %q depends on unknown task %q", t.Name, dep)
			}
			g.dependents[dep] = append(g.dependents[dep], t.Name)
		}
	}

	if cycles := findCycles(g); len(cycles) > 0 {
		return nil, fmt.Errorf("dependency graph has %d cycle(s), first: %v", len(cycles), cycles[0])
	}

	return g, nil
}

// Names returns every task name in the graph, in the order tasks were
// declared.
func (g *Graph) Names() []string {
	return append([]string{}, g.names...)
}

// DependsOn returns the direct dependencies of name.
func (g *Graph) DependsOn(name string) []string {
	return append([]string{}, g.dependsOn[name]...)
}

// Dependents returns the tasks that directly depend on name.
func (g *Graph) Dependents(name string) []string {
	return append([]string{}, g.dependents[name]...)
}

// ParallelLevels returns disjoint sets of task names: level k contains
// every task whose longest depends_on chain from any source has length k.
// Used for diagnostics, not required by the scheduler.
func (g *Graph) ParallelLevels() [][]string {
	level := make(map[string]int, len(g.names))
	var compute func(name string) int
	visiting := make(map[string]bool)
	compute = func(name string) int {
		if l, ok := level[name]; ok {
			return l
		}
		if visiting[name] {
			return 0 // guard against a cycle slipping through; Build rejects these anyway
		}
		visiting[name] = true
		max := 0
		for _, dep := range g.dependsOn[name] {
			if l := compute(dep) + 1; l > max {
				max = l
			}
		}
		visiting[name] = false
		level[name] = max
		return max
	}

	maxLevel := 0
	for _, n := range g.names {
		if l := compute(n); l > maxLevel {
			maxLevel = l
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, n := range g.names {
		l := level[n]
		levels[l] = append(levels[l], n)
	}
	return levels
}

// CriticalPath returns the longest depends_on chain in the graph, source
// to sink, for diagnostics.
func (g *Graph) CriticalPath() []string {
	memo := make(map[string][]string, len(g.names))
	var longest func(name string) []string
	longest = func(name string) []string {
		if p, ok := memo[name]; ok {
			return p
		}
		var best []string
		for _, dep := range g.dependsOn[name] {
			if p := longest(dep); len(p) > len(best) {
				best = p
			}
		}
		path := append(append([]string{}, best...), name)
		memo[name] = path
		return path
	}

	var critical []string
	for _, n := range g.names {
		if p := longest(n); len(p) > len(critical) {
			critical = p
		}
	}
	return critical
}

// Ready returns the subset of tasks whose dependencies are all present in
// completed and none of whose dependencies are present in failed.
func (g *Graph) Ready(completed, failed map[string]bool) []string {
	var ready []string
	for _, n := range g.names {
		if completed[n] || failed[n] {
			continue
		}
		allDone := true
		anyFailed := false
		for _, dep := range g.dependsOn[n] {
			if failed[dep] {
				anyFailed = true
				break
			}
			if !completed[dep] {
				allDone = false
				break
			}
		}
		if allDone && !anyFailed {
			ready = append(ready, n)
		}
	}
	return ready
}

// findCycles runs a three-color DFS and reports every cycle found rather
// than stopping at the first one.
func findCycles(g *Graph) [][]string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.names))
	var cycles [][]string
	var stack []string

	var visit func(name string)
	visit = func(name string) {
		color[name] = gray
		stack = append(stack, name)
		for _, dep := range g.dependsOn[name] {
			switch color[dep] {
			case white:
				visit(dep)
			case gray:
				cycles = append(cycles, extractCycle(stack, dep))
			case black:
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = black
	}

	for _, n := range g.names {
		if color[n] == white {
			visit(n)
		}
	}
	return cycles
}

func extractCycle(stack []string, repeat string) []string {
	for i, n := range stack {
		if n == repeat {
			cycle := append([]string{}, stack[i:]...)
			return append(cycle, repeat)
		}
	}
	return []string{repeat}
}
