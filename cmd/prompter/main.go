// Command prompter is a thin wiring demonstration of the core library:
// it assembles a small sample run, drives it through internal/run.Run,
// and prints the terminal status of every task. It is not a
// configuration-file-parsing CLI; that surface is intentionally left to
// an external caller.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/swarmguard/prompter/internal/config"
	"github.com/swarmguard/prompter/internal/platform/logging"
	"github.com/swarmguard/prompter/internal/platform/otelinit"
	"github.com/swarmguard/prompter/internal/run"
	"github.com/swarmguard/prompter/internal/session"
)

const service = "prompter"

func sampleConfig() *config.Config {
	return &config.Config{
		Settings: config.RunSettings{
			CheckInterval:    0,
			WorkingDirectory: ".",
			MaxParallelTasks: 2,
			EnableParallel:   true,
			ProgressMode:     config.ProgressAuto,
		},
		Tasks: []config.Task{
			{
				Name:          "scaffold",
				Prompt:        "Create a Go package skeleton for the widget service.",
				VerifyCommand: "true",
				OnSuccess:     config.FlowNext,
				OnFailure:     config.FlowStop,
				MaxAttempts:   2,
			},
			{
				Name:          "tests",
				Prompt:        "Add table-driven tests for the widget package.",
				VerifyCommand: "true",
				OnSuccess:     config.FlowNext,
				OnFailure:     config.FlowStop,
				MaxAttempts:   2,
				DependsOn:     []string{"scaffold"},
			},
		},
	}
}

func demoProvider() *session.MockProvider {
	reply := session.ScriptedCall{Chunks: []session.Chunk{
		{Text: "working on it", SessionID: "demo-session"},
		{Text: "done", SessionID: "demo-session", Done: true},
	}}
	return &session.MockProvider{Scripted: []session.ScriptedCall{reply, reply}}
}

func main() {
	logging.Init(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, _ := otelinit.InitMetrics(ctx, service)

	workDir, err := os.MkdirTemp("", "prompter-demo-*")
	if err != nil {
		slog.Error("create demo working directory", "error", err)
		os.Exit(1)
	}
	defer os.RemoveAll(workDir)

	res, err := run.Run(ctx, run.Options{
		Config:        sampleConfig(),
		Provider:      demoProvider(),
		StatePath:     filepath.Join(workDir, "run.json"),
		AuditDir:      filepath.Join(workDir, "audit"),
		HistoryDBPath: filepath.Join(workDir, "history.db"),
	})
	if err != nil {
		slog.Error("run failed", "error", err)
		os.Exit(1)
	}

	for name, status := range res.Statuses {
		fmt.Printf("%-12s %s\n", name, status)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("demo run complete")
}
