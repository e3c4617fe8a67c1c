// Package verify runs a task's verify_command and classifies the result,
// choosing between a shell invocation and a direct argv execution
// depending on whether the command string needs shell expansion.
package verify

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"regexp"
	"strconv"
	"syscall"
	"time"

	"github.com/google/shlex"
	"go.opentelemetry.io/otel"

	"github.com/swarmguard/prompter/internal/platform/resilience"
)

// Outcome is the result of running a verification command.
type Outcome int

const (
	// Success means the subprocess exited with the expected code.
	Success Outcome = iota
	// Failure means any other termination: wrong exit code, signal, or a
	// launch failure.
	Failure
)

// Result carries the outcome plus diagnostics for logging/reporting.
type Result struct {
	Outcome  Outcome
	ExitCode int
	Stdout   string
	Stderr   string
	Detail   string
}

// shellMeta matches any character that forces shell interpretation:
// | > < & ; $ ` * ? [ ] or the $(...) expansion form.
var shellMeta = regexp.MustCompile("[|><&;$`*?\\[\\]]")

// needsShell reports whether cmd must be handed to the system shell
// rather than split into an argv and exec'd directly.
func needsShell(cmd string) bool {
	return shellMeta.MatchString(cmd)
}

// Verifier runs verify_command strings under a spawn-rate limiter, so a
// task graph with high parallelism doesn't fork-bomb the host.
type Verifier struct {
	limiter *resilience.RateLimiter
}

// New constructs a Verifier that starts at most maxConcurrent
// verification subprocesses in a burst and refills at maxConcurrent
// starts per second. It limits how often subprocesses start, not how
// many run at once.
func New(maxConcurrent int) *Verifier {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Verifier{
		limiter: resilience.NewRateLimiter(int64(maxConcurrent), float64(maxConcurrent), time.Second, 0),
	}
}

// launchRetries bounds how many times a transient launch failure (the
// kernel momentarily refusing to exec a freshly-written binary, or
// briefly out of resources) is retried before it's reported as a real
// failure. A bad verify_command or a nonzero exit is never retried here.
const launchRetries = 3

// Run executes command in workDir and reports Success iff it exits
// normally with exit code successCode. A launch failure caused by
// ETXTBSY or EAGAIN — both transient, both observed in practice right
// after an AI phase finishes writing the binary verify_command is about
// to exec — is retried with backoff; any other failure (bad exit code,
// signal, unparseable command) is reported on the first attempt.
func (v *Verifier) Run(ctx context.Context, command string, successCode int, workDir string) (Result, error) {
	ctx, end := otelVerifySpan(ctx)
	defer end()

	for !v.limiter.Allow() {
		wait := v.limiter.ReserveAfter(1)
		if wait <= 0 {
			wait = time.Millisecond
		}
		select {
		case <-ctx.Done():
			return Result{Outcome: Failure, Detail: "cancelled waiting for verifier capacity"}, ctx.Err()
		case <-time.After(wait):
		}
	}

	res, err := resilience.Retry(ctx, launchRetries, 20*time.Millisecond, func() (Result, error) {
		return v.attempt(ctx, command, successCode, workDir)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Result{Outcome: Failure, Detail: "cancelled during verify command launch retries"}, err
		}
		return Result{Outcome: Failure, Detail: "failed to launch verify command after retries: " + err.Error()}, nil
	}
	return res, nil
}

// attempt runs command once. It returns a non-nil error only for a
// transient launch failure, which is what tells Retry to try again; every
// other outcome (success, nonzero exit, signal, bad command) is terminal
// and comes back as a Result with a nil error.
func (v *Verifier) attempt(ctx context.Context, command string, successCode int, workDir string) (Result, error) {
	cmd, err := buildCmd(ctx, command, workDir)
	if err != nil {
		return Result{Outcome: Failure, Detail: err.Error()}, nil
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	switch {
	case runErr == nil:
		res.ExitCode = 0
	case isExitError(runErr):
		res.ExitCode = cmd.ProcessState.ExitCode()
		if res.ExitCode < 0 {
			res.Outcome = Failure
			res.Detail = "verify command terminated by signal"
			return res, nil
		}
	case isTransientLaunchErr(runErr):
		return Result{}, runErr
	default:
		res.Outcome = Failure
		res.Detail = "failed to launch verify command: " + runErr.Error()
		return res, nil
	}

	if res.ExitCode == successCode {
		res.Outcome = Success
	} else {
		res.Outcome = Failure
		res.Detail = "verify command exited " + strconv.Itoa(res.ExitCode) + ", expected " + strconv.Itoa(successCode)
	}
	return res, nil
}

// isTransientLaunchErr reports whether err is a launch failure worth
// retrying rather than reporting outright: the text busy (exec of a
// binary still being written) or a momentary resource shortage.
func isTransientLaunchErr(err error) bool {
	return errors.Is(err, syscall.ETXTBSY) || errors.Is(err, syscall.EAGAIN)
}

func buildCmd(ctx context.Context, command, workDir string) (*exec.Cmd, error) {
	if needsShell(command) {
		cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
		cmd.Dir = workDir
		return cmd, nil
	}
	args, err := shlex.Split(command)
	if err != nil {
		return nil, errors.New("verify: could not word-split command: " + err.Error())
	}
	if len(args) == 0 {
		return nil, errors.New("verify: empty verify_command")
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = workDir
	return cmd, nil
}

func isExitError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}

func otelVerifySpan(ctx context.Context) (context.Context, func()) {
	tr := otel.Tracer("prompter")
	ctx, span := tr.Start(ctx, "verify.run")
	return ctx, func() { span.End() }
}
