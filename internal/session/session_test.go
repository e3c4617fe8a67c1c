package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCollectSuccessReturnsTextAndSessionID(t *testing.T) {
	provider := &MockProvider{Scripted: []ScriptedCall{
		{Chunks: []Chunk{
			{Text: "hello "},
			{Text: "world", SessionID: "sess-1", Done: true},
		}},
	}}
	a := New(provider)
	res, err := a.Collect(context.Background(), Request{Prompt: "do it"}, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "hello world" || res.SessionID != "sess-1" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestCollectTimeoutExceeded(t *testing.T) {
	provider := &MockProvider{Scripted: []ScriptedCall{
		{Chunks: []Chunk{}}, // never sends Done; relies on context timeout
	}}
	a := New(provider)
	_, err := a.Collect(context.Background(), Request{Prompt: "slow"}, 20*time.Millisecond)
	var sessErr *Error
	if !errors.As(err, &sessErr) {
		t.Fatalf("expected a session.Error, got %v", err)
	}
	if sessErr.Kind != ErrTimeoutExceeded {
		t.Fatalf("expected ErrTimeoutExceeded, got %v", sessErr.Kind)
	}
}

func TestCollectCancellation(t *testing.T) {
	provider := &MockProvider{Scripted: []ScriptedCall{
		{Chunks: []Chunk{}},
	}}
	a := New(provider)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Collect(ctx, Request{Prompt: "x"}, 0)
	var sessErr *Error
	if !errors.As(err, &sessErr) {
		t.Fatalf("expected a session.Error, got %v", err)
	}
	if sessErr.Kind != ErrCancelled {
		t.Fatalf("expected ErrCancelled, got %v", sessErr.Kind)
	}
}

func TestCollectFallsBackOnUnresumableSession(t *testing.T) {
	provider := &MockProvider{Scripted: []ScriptedCall{
		{RefuseResume: true},
		{Chunks: []Chunk{{Text: "fresh reply", SessionID: "sess-new", Done: true}}},
	}}
	a := New(provider)
	res, err := a.Collect(context.Background(), Request{Prompt: "continue", ResumeSessionID: "sess-old"}, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.SessionID != "sess-new" {
		t.Fatalf("expected fresh session id, got %s", res.SessionID)
	}
	if res.ResumeWarning == "" {
		t.Fatal("expected a resume warning when falling back to a fresh session")
	}
}
