// Package executor runs exactly one task's retry loop: invoke the AI
// session adapter, let effects settle, verify, and answer "what task
// runs next?" by applying the task's on_success/on_failure flow rules.
package executor

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/prompter/internal/audit"
	"github.com/swarmguard/prompter/internal/config"
	"github.com/swarmguard/prompter/internal/session"
	"github.com/swarmguard/prompter/internal/state"
	"github.com/swarmguard/prompter/internal/verify"
)

// FlowAction is what the caller should do once Run returns.
type FlowAction int

const (
	// FlowActionNext means proceed to the next declared task.
	FlowActionNext FlowAction = iota
	// FlowActionStop means terminate the run (fatal signal requested).
	FlowActionStop
	// FlowActionRepeat means re-dispatch this same task.
	FlowActionRepeat
	// FlowActionJump means continue at the named task.
	FlowActionJump
)

// Outcome is the result of running a task to a terminal per-task state
// (COMPLETED or FAILED), plus the flow decision that follows from it.
type Outcome struct {
	Status     state.Status
	Action     FlowAction
	JumpTarget string
	Warning    string
}

// Executor runs one task at a time against the shared State Store, AI
// adapter, and Verifier.
type Executor struct {
	store    *state.Store
	adapter  *session.Adapter
	verifier *verify.Verifier
	settings config.RunSettings
	audit    *audit.Log
}

// New builds an Executor sharing the given collaborators.
func New(store *state.Store, adapter *session.Adapter, verifier *verify.Verifier, settings config.RunSettings) *Executor {
	return &Executor{store: store, adapter: adapter, verifier: verifier, settings: settings}
}

// WithAudit attaches an audit log that records every attempt outcome.
// Passing nil disables audit recording (the default). Returns e so
// callers can chain it onto New.
func (e *Executor) WithAudit(log *audit.Log) *Executor {
	e.audit = log
	return e
}

// Store exposes the shared State Store so the driver (sequential runner
// or parallel coordinator) can persist cross-task bookkeeping, such as
// loop-protection dispatch counts, that outlives a single task's run.
func (e *Executor) Store() *state.Store {
	return e.store
}

// Run drives task's full retry loop (one or more attempts, per
// on_failure=retry) and returns its terminal outcome. ctx carries
// cancellation for the whole task, including every attempt within it.
func (e *Executor) Run(ctx context.Context, task config.Task) Outcome {
	ctx, end := otelTaskSpan(ctx, task.Name)
	defer end()

	for {
		success, _, _, warning := e.attempt(ctx, task)

		if success {
			return Outcome{Status: state.StatusCompleted, Action: e.flowFor(task.OnSuccess), JumpTarget: jumpTarget(task.OnSuccess), Warning: warning}
		}

		ts := e.store.Get(task.Name)

		if task.OnFailure == config.FlowRetry && ts.Attempts < task.MaxAttempts {
			continue // repeat the per-attempt procedure
		}

		return Outcome{Status: state.StatusFailed, Action: e.flowFor(task.OnFailure), JumpTarget: jumpTarget(task.OnFailure), Warning: warning}
	}
}

// attempt runs one full per-attempt procedure: record the attempt,
// resolve a resume session id, invoke the AI adapter, wait out
// check_interval, then verify.
func (e *Executor) attempt(ctx context.Context, task config.Task) (success bool, errDetail string, sessionID string, warning string) {
	now := time.Now()
	running := state.StatusRunning
	attempts := e.store.Get(task.Name).Attempts + 1
	_ = e.store.Update(ctx, task.Name, state.Fields{
		Status:    &running,
		Attempts:  &attempts,
		StartedAt: &now,
	})

	resumeID := ""
	if task.ResumePreviousSession {
		resumeID = e.store.MostRecentSessionID(func(name string, ts state.TaskState) bool {
			return name != task.Name && ts.Status.IsTerminal()
		})
	}

	res, err := e.adapter.Collect(ctx, session.Request{
		Prompt:           task.Prompt,
		SystemPrompt:     task.SystemPrompt,
		WorkingDirectory: e.settings.WorkingDirectory,
		ResumeSessionID:  resumeID,
	}, task.Timeout)
	if err != nil {
		detail := describeAIError(err)
		outcome := ""
		if errors.Is(err, session.ErrCircuitOpen) {
			// Tag this attempt distinctly from an ordinary AI failure so
			// the audit log can be queried for breaker trips without
			// parsing error text.
			outcome = "circuit_open"
		}
		e.recordAttemptEndOutcome(ctx, task, attempts, state.StatusFailed, detail, "", outcome)
		return false, detail, "", ""
	}

	if e.settings.CheckInterval > 0 {
		select {
		case <-ctx.Done():
			e.recordAttemptEnd(ctx, task, attempts, state.StatusFailed, "cancelled during check_interval", res.SessionID)
			return false, "cancelled", res.SessionID, res.ResumeWarning
		case <-time.After(e.settings.CheckInterval):
		}
	}

	verifyCode := task.VerifySuccessCode
	vres, err := e.verifier.Run(ctx, task.VerifyCommand, verifyCode, e.settings.WorkingDirectory)
	if err != nil {
		e.recordAttemptEnd(ctx, task, attempts, state.StatusFailed, err.Error(), res.SessionID)
		return false, err.Error(), res.SessionID, res.ResumeWarning
	}

	if vres.Outcome == verify.Success {
		e.recordAttemptEnd(ctx, task, attempts, state.StatusCompleted, "", res.SessionID)
		return true, "", res.SessionID, res.ResumeWarning
	}

	e.recordAttemptEnd(ctx, task, attempts, state.StatusFailed, vres.Detail, res.SessionID)
	return false, vres.Detail, res.SessionID, res.ResumeWarning
}

// recordAttemptEnd closes out one attempt via Update rather than
// MarkAttempt: the attempts counter was already incremented when the
// attempt started, so this step must not increment it again. It also
// appends an audit entry when an audit log is attached.
func (e *Executor) recordAttemptEnd(ctx context.Context, task config.Task, attempt int, status state.Status, errDetail, sessionID string) {
	e.recordAttemptEndOutcome(ctx, task, attempt, status, errDetail, sessionID, "")
}

// recordAttemptEndOutcome is recordAttemptEnd with the audit outcome label
// overridable, so a caller that distinguished a more specific failure mode
// (e.g. the AI circuit breaker refusing the call outright) can have that
// surface in the audit trail instead of a generic "failure".
func (e *Executor) recordAttemptEndOutcome(ctx context.Context, task config.Task, attempt int, status state.Status, errDetail, sessionID, outcomeOverride string) {
	now := time.Now()
	fields := state.Fields{Status: &status, EndedAt: &now}
	if errDetail != "" {
		fields.LastError = &errDetail
	} else {
		fields.ClearLastError = true
	}
	if sessionID != "" {
		fields.SessionID = &sessionID
	}
	_ = e.store.Update(ctx, task.Name, fields)

	if e.audit != nil {
		outcome := "success"
		if status == state.StatusFailed {
			outcome = "failure"
		}
		if outcomeOverride != "" {
			outcome = outcomeOverride
		}
		_, _ = e.audit.Record(task.Name, attempt, task.Prompt, outcome, sessionID, errDetail)
	}
}

func describeAIError(err error) string {
	var sessErr *session.Error
	if errors.As(err, &sessErr) {
		return sessErr.Error()
	}
	return err.Error()
}

// flowFor maps a reserved flow word (or task name) to a FlowAction.
func (e *Executor) flowFor(flow string) FlowAction {
	switch flow {
	case config.FlowNext:
		return FlowActionNext
	case config.FlowStop:
		return FlowActionStop
	case config.FlowRepeat:
		return FlowActionRepeat
	default:
		return FlowActionJump
	}
}

func jumpTarget(flow string) string {
	switch flow {
	case config.FlowNext, config.FlowStop, config.FlowRetry, config.FlowRepeat:
		return ""
	default:
		return flow
	}
}

func otelTaskSpan(ctx context.Context, taskName string) (context.Context, func()) {
	tr := otel.Tracer("prompter")
	ctx, span := tr.Start(ctx, "executor.run_task."+taskName)
	return ctx, func() { span.End() }
}
