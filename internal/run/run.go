// Package run wires the full stack together for one execution: it
// validates configuration, builds the DAG, opens the state store, and
// picks the Sequential Runner or Parallel Coordinator depending on
// whether parallelism is enabled and any task declares a dependency.
package run

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/swarmguard/prompter/internal/audit"
	"github.com/swarmguard/prompter/internal/config"
	"github.com/swarmguard/prompter/internal/coordinator"
	"github.com/swarmguard/prompter/internal/executor"
	"github.com/swarmguard/prompter/internal/graph"
	"github.com/swarmguard/prompter/internal/history"
	"github.com/swarmguard/prompter/internal/platform/otelinit"
	"github.com/swarmguard/prompter/internal/pool"
	"github.com/swarmguard/prompter/internal/sequential"
	"github.com/swarmguard/prompter/internal/session"
	"github.com/swarmguard/prompter/internal/state"
	"github.com/swarmguard/prompter/internal/verify"
)

// Result is what a single Run call produces for its caller (CLI,
// scheduler, etc.).
type Result struct {
	Statuses map[string]state.Status
	Snapshot state.RunRecord
	// Warnings carries non-fatal configuration warnings surfaced by
	// config.Validate (e.g. on_failure=stop paired with max_attempts>1),
	// so a caller can display or log them instead of them being silently
	// dropped.
	Warnings []string
}

// Options bundles the collaborators a Run needs beyond the validated
// configuration: the AI provider and the path to persist state under.
type Options struct {
	Config    *config.Config
	Provider  session.Provider
	StatePath string

	// AuditDir, when set, turns on a WAL-backed audit log of every task
	// attempt under that directory.
	AuditDir string
	// HistoryDBPath, when set, archives the finished run's snapshot into
	// a BoltDB-backed history store at that path.
	HistoryDBPath string
}

// Run executes cfg to completion (or a fatal error) using the
// Sequential Runner or Parallel Coordinator: the Parallel Coordinator is
// used only when parallelism is enabled AND at least one task declares a
// dependency; otherwise the Sequential Runner drives the list in
// declaration order.
func Run(ctx context.Context, opts Options) (Result, error) {
	ctx, end := otelinit.WithSpan(ctx, "run.execute")
	defer end()

	cfg := opts.Config
	warnings, err := config.Validate(cfg)
	if err != nil {
		return Result{}, fmt.Errorf("run: %w", err)
	}
	for _, w := range warnings {
		slog.Warn("configuration warning", "detail", w)
	}

	names := state.TaskNamesFrom(cfg.Tasks)
	store, err := state.Load(opts.StatePath, names)
	if err != nil {
		return Result{}, fmt.Errorf("run: loading state: %w", err)
	}

	adapter := session.New(opts.Provider)
	verifier := verify.New(cfg.Settings.MaxParallelTasks)
	exec := executor.New(store, adapter, verifier, cfg.Settings)

	if opts.AuditDir != "" {
		auditLog, auditErr := audit.Open(audit.Config{Dir: opts.AuditDir, RedactPII: true})
		if auditErr != nil {
			return Result{}, fmt.Errorf("run: opening audit log: %w", auditErr)
		}
		defer auditLog.Close()
		exec = exec.WithAudit(auditLog)
	}

	hasDependency := false
	for _, t := range cfg.Tasks {
		if len(t.DependsOn) > 0 {
			hasDependency = true
			break
		}
	}

	var statuses map[string]state.Status
	if cfg.Settings.EnableParallel && hasDependency {
		g, buildErr := graph.Build(cfg.Tasks)
		if buildErr != nil {
			return Result{}, fmt.Errorf("run: %w", buildErr)
		}
		p := pool.New(cfg.Settings.MaxParallelTasks)
		co := coordinator.New(g, p, exec, cfg.Tasks, cfg.Settings.AllowInfiniteLoops)
		statuses, err = co.Run(ctx)
	} else {
		r := sequential.New(cfg.Tasks, exec, cfg.Settings.AllowInfiniteLoops)
		statuses, err = r.Run(ctx)
	}
	if err != nil {
		return Result{Snapshot: store.Snapshot(), Warnings: warnings}, fmt.Errorf("run: %w", err)
	}

	snapshot := store.Snapshot()

	if opts.HistoryDBPath != "" {
		hist, histErr := history.Open(opts.HistoryDBPath, nil)
		if histErr != nil {
			return Result{}, fmt.Errorf("run: opening history store: %w", histErr)
		}
		defer hist.Close()
		runID := snapshot.SessionID
		if runID == "" {
			runID = uuid.NewString()
		}
		if err := hist.Put(ctx, runID, snapshot, statuses); err != nil {
			return Result{}, fmt.Errorf("run: archiving history: %w", err)
		}
	}

	return Result{Statuses: statuses, Snapshot: snapshot, Warnings: warnings}, nil
}
