package verify

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
)

func TestNeedsShellDetectsMetacharacters(t *testing.T) {
	cases := map[string]bool{
		"go test ./...":       false,
		"echo hi && echo bye": true,
		"grep foo file.txt":   false,
		"ls *.go":             true,
		"echo $(date)":        true,
		"cat a.txt | wc -l":   true,
	}
	for cmd, want := range cases {
		if got := needsShell(cmd); got != want {
			t.Errorf("needsShell(%q) = %v, want %v", cmd, got, want)
		}
	}
}

func TestRunArgvSuccess(t *testing.T) {
	v := New(2)
	res, err := v.Run(context.Background(), "true", 0, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != Success {
		t.Fatalf("expected success, got %+v", res)
	}
}

func TestRunArgvFailure(t *testing.T) {
	v := New(2)
	res, err := v.Run(context.Background(), "false", 0, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != Failure {
		t.Fatalf("expected failure, got %+v", res)
	}
}

func TestRunShellExpression(t *testing.T) {
	v := New(2)
	res, err := v.Run(context.Background(), "true && exit 0", 0, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != Success {
		t.Fatalf("expected success for shell expression, got %+v", res)
	}
}

func TestRunHonorsSuccessCode(t *testing.T) {
	v := New(2)
	res, err := v.Run(context.Background(), "true && exit 7", 7, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != Success {
		t.Fatalf("expected success when exit code matches verify_success_code, got %+v", res)
	}
}

func TestIsTransientLaunchErrRecognizesRetryableErrnos(t *testing.T) {
	if !isTransientLaunchErr(fmt.Errorf("exec: %w", syscall.ETXTBSY)) {
		t.Fatal("expected ETXTBSY to be treated as a transient launch failure worth retrying")
	}
	if !isTransientLaunchErr(fmt.Errorf("exec: %w", syscall.EAGAIN)) {
		t.Fatal("expected EAGAIN to be treated as a transient launch failure worth retrying")
	}
	if isTransientLaunchErr(errors.New("no such file or directory")) {
		t.Fatal("expected an unrelated launch error not to be treated as transient")
	}
}

func TestRunLaunchFailure(t *testing.T) {
	v := New(2)
	res, err := v.Run(context.Background(), "this-binary-does-not-exist-xyz", 0, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != Failure {
		t.Fatalf("expected failure for a command that cannot launch, got %+v", res)
	}
}
