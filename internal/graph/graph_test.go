package graph

import (
	"testing"

	"github.com/swarmguard/prompter/internal/config"
)

func TestBuildLinearChain(t *testing.T) {
	g, err := Build([]config.Task{
		{Name: "a"},
		{Name: "b", DependsOn: []string{"a"}},
		{Name: "c", DependsOn: []string{"b"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	levels := g.ParallelLevels()
	if len(levels) != 3 {
		t.Fatalf("expected 3 levels, got %d", len(levels))
	}
	if levels[0][0] != "a" || levels[1][0] != "b" || levels[2][0] != "c" {
		t.Fatalf("unexpected level assignment: %v", levels)
	}
}

func TestBuildRejectsUnknownDependency(t *testing.T) {
	_, err := Build([]config.Task{{Name: "a", DependsOn: []string{"ghost"}}})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestBuildRejectsCycle(t *testing.T) {
	_, err := Build([]config.Task{
		{Name: "a", DependsOn: []string{"c"}},
		{Name: "b", DependsOn: []string{"a"}},
		{Name: "c", DependsOn: []string{"b"}},
	})
	if err == nil {
		t.Fatal("expected cycle error")
	}
}

func TestCriticalPath(t *testing.T) {
	g, err := Build([]config.Task{
		{Name: "a"},
		{Name: "b", DependsOn: []string{"a"}},
		{Name: "c", DependsOn: []string{"b"}},
		{Name: "d"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	path := g.CriticalPath()
	want := []string{"a", "b", "c"}
	if len(path) != len(want) {
		t.Fatalf("expected path %v, got %v", want, path)
	}
	for i := range want {
		if path[i] != want[i] {
			t.Fatalf("expected path %v, got %v", want, path)
		}
	}
}

func TestReady(t *testing.T) {
	g, err := Build([]config.Task{
		{Name: "a"},
		{Name: "b", DependsOn: []string{"a"}},
		{Name: "c", DependsOn: []string{"a"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ready := g.Ready(nil, nil)
	if len(ready) != 1 || ready[0] != "a" {
		t.Fatalf("expected only a ready, got %v", ready)
	}

	ready = g.Ready(map[string]bool{"a": true}, nil)
	if len(ready) != 2 {
		t.Fatalf("expected b and c ready, got %v", ready)
	}
}

func TestReadyExcludesDescendantsOfFailed(t *testing.T) {
	g, err := Build([]config.Task{
		{Name: "a"},
		{Name: "b", DependsOn: []string{"a"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ready := g.Ready(nil, map[string]bool{"a": true})
	if len(ready) != 0 {
		t.Fatalf("expected no ready tasks once a dependency failed, got %v", ready)
	}
}
