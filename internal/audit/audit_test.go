package audit

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestRecordAppendsAndChainsHashes(t *testing.T) {
	l, err := Open(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer l.Close()

	if _, err := l.Record("a", 1, "do the thing", "success", "sess-1", "verify exit 0"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := l.Record("a", 2, "do the thing again", "failure", "sess-1", "verify exit 1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !l.Verify() {
		t.Fatal("expected hash chain to verify")
	}
	entries := l.Entries("a")
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[1].PrevHash != entries[0].Hash {
		t.Fatal("expected second entry to chain to the first")
	}
}

func TestRecordRedactsDetailWhenEnabled(t *testing.T) {
	l, err := Open(Config{Dir: t.TempDir(), RedactPII: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer l.Close()

	e, err := l.Record("a", 1, "prompt", "failure", "sess-1", "contact user@example.com for details")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(e.Detail, "user@example.com") {
		t.Fatalf("expected email redacted, got %q", e.Detail)
	}
	if !strings.Contains(e.Detail, "@example.com") {
		t.Fatalf("expected domain preserved, got %q", e.Detail)
	}
}

func TestOpenRestoresPriorEntriesAndContinuesIndex(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "wal")

	l1, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := l1.Record("a", 1, "p", "success", "s1", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l1.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	l2, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer l2.Close()

	if got := len(l2.Entries("")); got != 1 {
		t.Fatalf("expected restored log to have 1 entry, got %d", got)
	}
	e, err := l2.Record("a", 2, "p2", "success", "s1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Index != 1 {
		t.Fatalf("expected continued index 1, got %d", e.Index)
	}
	if !l2.Verify() {
		t.Fatal("expected chain spanning restart to verify")
	}
}

func TestPromptHashDoesNotLeakPromptText(t *testing.T) {
	l, err := Open(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer l.Close()

	secret := "this prompt contains a secret token xyz"
	e, err := l.Record("a", 1, secret, "success", "s1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(e.PromptHash, secret) {
		t.Fatal("expected prompt hash, not raw prompt text")
	}
	if len(e.PromptHash) != 64 {
		t.Fatalf("expected sha256 hex digest length 64, got %d", len(e.PromptHash))
	}
}
