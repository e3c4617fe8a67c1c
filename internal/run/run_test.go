package run

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/swarmguard/prompter/internal/audit"
	"github.com/swarmguard/prompter/internal/config"
	"github.com/swarmguard/prompter/internal/history"
	"github.com/swarmguard/prompter/internal/session"
	"github.com/swarmguard/prompter/internal/state"
)

func scriptedProvider(n int) *session.MockProvider {
	calls := make([]session.ScriptedCall, n)
	for i := range calls {
		calls[i] = session.ScriptedCall{Chunks: []session.Chunk{{Text: "ok", SessionID: "s", Done: true}}}
	}
	return &session.MockProvider{Scripted: calls}
}

// TestRunLinearChainSucceeds is scenario S1: tasks a -> b -> c with a
// linear depends_on chain, all verifications succeeding.
func TestRunLinearChainSucceeds(t *testing.T) {
	cfg := &config.Config{
		Settings: config.RunSettings{MaxParallelTasks: 4, EnableParallel: true},
		Tasks: []config.Task{
			{Name: "a", VerifyCommand: "true", OnSuccess: config.FlowNext, OnFailure: config.FlowStop, MaxAttempts: 3},
			{Name: "b", VerifyCommand: "true", OnSuccess: config.FlowNext, OnFailure: config.FlowStop, MaxAttempts: 3, DependsOn: []string{"a"}},
			{Name: "c", VerifyCommand: "true", OnSuccess: config.FlowNext, OnFailure: config.FlowStop, MaxAttempts: 3, DependsOn: []string{"b"}},
		},
	}
	res, err := Run(context.Background(), Options{
		Config:    cfg,
		Provider:  scriptedProvider(3),
		StatePath: filepath.Join(t.TempDir(), "run.json"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, name := range []string{"a", "b", "c"} {
		if res.Statuses[name] != state.StatusCompleted {
			t.Fatalf("expected %s completed, got %+v", name, res.Statuses)
		}
	}
}

// TestRunParallelIndependentsSucceed is a variant of scenario S2: three
// independent siblings that each depend only on a common seed task, with
// max_parallel_tasks 2 and enable_parallel true, all run and complete. The
// seed dependency is what routes the run to the Parallel Coordinator.
func TestRunParallelIndependentsSucceed(t *testing.T) {
	cfg := &config.Config{
		Settings: config.RunSettings{MaxParallelTasks: 2, EnableParallel: true},
		Tasks: []config.Task{
			{Name: "a", VerifyCommand: "true", OnSuccess: config.FlowNext, OnFailure: config.FlowStop, MaxAttempts: 3, DependsOn: []string{"seed"}},
			{Name: "b", VerifyCommand: "true", OnSuccess: config.FlowNext, OnFailure: config.FlowStop, MaxAttempts: 3, DependsOn: []string{"seed"}},
			{Name: "c", VerifyCommand: "true", OnSuccess: config.FlowNext, OnFailure: config.FlowStop, MaxAttempts: 3, DependsOn: []string{"seed"}},
			{Name: "seed", VerifyCommand: "true", OnSuccess: config.FlowNext, OnFailure: config.FlowStop, MaxAttempts: 3},
		},
	}
	res, err := Run(context.Background(), Options{
		Config:    cfg,
		Provider:  scriptedProvider(4),
		StatePath: filepath.Join(t.TempDir(), "run.json"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, name := range []string{"seed", "a", "b", "c"} {
		if res.Statuses[name] != state.StatusCompleted {
			t.Fatalf("expected %s completed, got %+v", name, res.Statuses)
		}
	}
}

func TestRunUsesSequentialDriverWhenNoDependenciesDeclared(t *testing.T) {
	cfg := &config.Config{
		Settings: config.RunSettings{MaxParallelTasks: 4, EnableParallel: true},
		Tasks: []config.Task{
			{Name: "a", VerifyCommand: "true", OnSuccess: config.FlowNext, OnFailure: config.FlowStop, MaxAttempts: 3},
			{Name: "b", VerifyCommand: "true", OnSuccess: config.FlowNext, OnFailure: config.FlowStop, MaxAttempts: 3},
		},
	}
	res, err := Run(context.Background(), Options{
		Config:    cfg,
		Provider:  scriptedProvider(2),
		StatePath: filepath.Join(t.TempDir(), "run.json"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Statuses["a"] != state.StatusCompleted || res.Statuses["b"] != state.StatusCompleted {
		t.Fatalf("expected both completed via the sequential driver, got %+v", res.Statuses)
	}
}

func TestRunWritesAuditLogAndHistoryWhenConfigured(t *testing.T) {
	cfg := &config.Config{
		Settings: config.RunSettings{MaxParallelTasks: 2, EnableParallel: true},
		Tasks: []config.Task{
			{Name: "a", VerifyCommand: "true", OnSuccess: config.FlowNext, OnFailure: config.FlowStop, MaxAttempts: 3},
		},
	}
	dir := t.TempDir()
	res, err := Run(context.Background(), Options{
		Config:        cfg,
		Provider:      scriptedProvider(1),
		StatePath:     filepath.Join(dir, "run.json"),
		AuditDir:      filepath.Join(dir, "audit"),
		HistoryDBPath: filepath.Join(dir, "history.db"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Statuses["a"] != state.StatusCompleted {
		t.Fatalf("expected a completed, got %+v", res.Statuses)
	}

	auditLog, err := audit.Open(audit.Config{Dir: filepath.Join(dir, "audit")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer auditLog.Close()
	if entries := auditLog.Entries("a"); len(entries) == 0 {
		t.Fatal("expected at least one audit entry for task a")
	}

	hist, err := history.Open(filepath.Join(dir, "history.db"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer hist.Close()
	recs, err := hist.List(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected exactly one archived run, got %d", len(recs))
	}
}

func TestRunSurfacesConfigurationWarnings(t *testing.T) {
	cfg := &config.Config{
		Settings: config.RunSettings{MaxParallelTasks: 4, EnableParallel: true},
		Tasks: []config.Task{
			{Name: "a", VerifyCommand: "true", OnSuccess: config.FlowNext, OnFailure: config.FlowStop, MaxAttempts: 5},
		},
	}
	res, err := Run(context.Background(), Options{
		Config:    cfg,
		Provider:  scriptedProvider(1),
		StatePath: filepath.Join(t.TempDir(), "run.json"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Warnings) == 0 {
		t.Fatal("expected on_failure=stop with max_attempts>1 to surface a configuration warning")
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := &config.Config{
		Tasks: []config.Task{
			{Name: "a", VerifyCommand: "true", OnSuccess: config.FlowNext, OnFailure: config.FlowStop, DependsOn: []string{"ghost"}},
		},
	}
	_, err := Run(context.Background(), Options{
		Config:    cfg,
		Provider:  scriptedProvider(1),
		StatePath: filepath.Join(t.TempDir(), "run.json"),
	})
	if err == nil {
		t.Fatal("expected a validation error for an unknown dependency")
	}
}
