package logging

import "testing"

func TestInitReturnsLogger(t *testing.T) {
	logger := Init("prompter-test")
	if logger == nil {
		t.Fatal("expected a non-nil logger")
	}
}

func TestLevelFromEnvDefaultsToInfo(t *testing.T) {
	t.Setenv("PROMPTER_LOG_LEVEL", "")
	if levelFromEnv().Level().String() != "INFO" {
		t.Fatalf("expected default level INFO, got %s", levelFromEnv().Level().String())
	}
}

func TestLevelFromEnvHonorsDebug(t *testing.T) {
	t.Setenv("PROMPTER_LOG_LEVEL", "debug")
	if levelFromEnv().Level().String() != "DEBUG" {
		t.Fatalf("expected DEBUG level, got %s", levelFromEnv().Level().String())
	}
}
