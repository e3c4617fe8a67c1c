package executor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/swarmguard/prompter/internal/config"
	"github.com/swarmguard/prompter/internal/session"
	"github.com/swarmguard/prompter/internal/state"
	"github.com/swarmguard/prompter/internal/verify"
)

func newTestStore(t *testing.T, names ...string) *state.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.json")
	s, err := state.Load(path, names)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return s
}

func TestRunCompletesOnFirstSuccess(t *testing.T) {
	store := newTestStore(t, "a")
	provider := &session.MockProvider{Scripted: []session.ScriptedCall{
		{Chunks: []session.Chunk{{Text: "ok", SessionID: "sess-1", Done: true}}},
	}}
	adapter := session.New(provider)
	verifier := verify.New(1)
	task := config.Task{
		Name:              "a",
		VerifyCommand:     "true",
		VerifySuccessCode: 0,
		OnSuccess:         config.FlowNext,
		OnFailure:         config.FlowStop,
		MaxAttempts:       3,
	}

	e := New(store, adapter, verifier, config.RunSettings{})
	out := e.Run(context.Background(), task)

	if out.Status != state.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %v", out.Status)
	}
	if out.Action != FlowActionNext {
		t.Fatalf("expected FlowActionNext, got %v", out.Action)
	}
	ts := store.Get("a")
	if ts.Attempts != 1 || ts.SessionID != "sess-1" {
		t.Fatalf("unexpected task state: %+v", ts)
	}
}

func TestRunRetriesUntilMaxAttemptsThenFails(t *testing.T) {
	store := newTestStore(t, "a")
	provider := &session.MockProvider{Scripted: []session.ScriptedCall{
		{Chunks: []session.Chunk{{Text: "x", SessionID: "s1", Done: true}}},
		{Chunks: []session.Chunk{{Text: "x", SessionID: "s2", Done: true}}},
	}}
	adapter := session.New(provider)
	verifier := verify.New(1)
	task := config.Task{
		Name:              "a",
		VerifyCommand:     "false",
		VerifySuccessCode: 0,
		OnSuccess:         config.FlowNext,
		OnFailure:         config.FlowRetry,
		MaxAttempts:       2,
	}

	e := New(store, adapter, verifier, config.RunSettings{})
	out := e.Run(context.Background(), task)

	if out.Status != state.StatusFailed {
		t.Fatalf("expected FAILED after exhausting attempts, got %v", out.Status)
	}
	ts := store.Get("a")
	if ts.Attempts != 2 {
		t.Fatalf("expected exactly 2 attempts (the attempt budget invariant), got %d", ts.Attempts)
	}
}

func TestRunStopsAfterOneFailureWhenOnFailureIsStop(t *testing.T) {
	store := newTestStore(t, "a")
	provider := &session.MockProvider{Scripted: []session.ScriptedCall{
		{Chunks: []session.Chunk{{Text: "x", SessionID: "s1", Done: true}}},
	}}
	adapter := session.New(provider)
	verifier := verify.New(1)
	task := config.Task{
		Name:              "a",
		VerifyCommand:     "false",
		VerifySuccessCode: 0,
		OnSuccess:         config.FlowNext,
		OnFailure:         config.FlowStop,
		MaxAttempts:       5,
	}

	e := New(store, adapter, verifier, config.RunSettings{})
	out := e.Run(context.Background(), task)

	if out.Status != state.StatusFailed || out.Action != FlowActionStop {
		t.Fatalf("expected FAILED+Stop after a single attempt, got %+v", out)
	}
	if store.Get("a").Attempts != 1 {
		t.Fatalf("expected exactly one attempt when on_failure=stop, got %d", store.Get("a").Attempts)
	}
}

func TestRunJumpsToNamedTaskOnFailure(t *testing.T) {
	store := newTestStore(t, "a", "cleanup")
	provider := &session.MockProvider{Scripted: []session.ScriptedCall{
		{Chunks: []session.Chunk{{Text: "x", Done: true}}},
	}}
	adapter := session.New(provider)
	verifier := verify.New(1)
	task := config.Task{
		Name:              "a",
		VerifyCommand:     "false",
		VerifySuccessCode: 0,
		OnSuccess:         config.FlowNext,
		OnFailure:         "cleanup",
		MaxAttempts:       1,
	}

	e := New(store, adapter, verifier, config.RunSettings{})
	out := e.Run(context.Background(), task)

	if out.Action != FlowActionJump || out.JumpTarget != "cleanup" {
		t.Fatalf("expected jump to cleanup, got %+v", out)
	}
}

func TestRunHonorsCheckInterval(t *testing.T) {
	store := newTestStore(t, "a")
	provider := &session.MockProvider{Scripted: []session.ScriptedCall{
		{Chunks: []session.Chunk{{Text: "x", SessionID: "s1", Done: true}}},
	}}
	adapter := session.New(provider)
	verifier := verify.New(1)
	task := config.Task{
		Name:              "a",
		VerifyCommand:     "true",
		VerifySuccessCode: 0,
		OnSuccess:         config.FlowNext,
		OnFailure:         config.FlowStop,
		MaxAttempts:       1,
	}

	e := New(store, adapter, verifier, config.RunSettings{CheckInterval: 15 * time.Millisecond})
	start := time.Now()
	out := e.Run(context.Background(), task)
	if time.Since(start) < 15*time.Millisecond {
		t.Fatal("expected Run to honor check_interval before verifying")
	}
	if out.Status != state.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %v", out.Status)
	}
}
