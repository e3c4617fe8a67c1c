// Package session adapts a streaming AI coding-assistant collaborator
// into the (text, session id, outcome) contract the executor needs,
// translating timeouts, cancellation, and transport failures into
// typed errors and falling back to a fresh session when a resume
// request cannot be honored.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"

	"github.com/swarmguard/prompter/internal/platform/resilience"
)

// Chunk is one piece of an assistant reply stream. The core consumes only
// Text and SessionID; Done marks the final chunk. Tool-use metadata from
// the assistant is not carried.
type Chunk struct {
	Text      string
	SessionID string
	Done      bool
}

// Provider is the black-box streaming collaborator. Implementations
// (NATS-backed, in-process mock, etc.) must consume the stream to
// completion on success and abort it promptly otherwise.
type Provider interface {
	Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error)
}

// Request is everything one AI phase needs to start or resume a
// conversation.
type Request struct {
	Prompt           string
	SystemPrompt     string
	WorkingDirectory string
	ResumeSessionID  string
}

// ErrKind distinguishes the AI adapter's error subtypes.
type ErrKind int

const (
	ErrTimeoutExceeded ErrKind = iota
	ErrCancelled
	ErrTransport
)

// ErrCircuitOpen marks a Collect failure that never reached the provider
// because the breaker was refusing calls. Callers (the audit log, in
// particular) can distinguish this from a real transport failure with
// errors.Is(err, ErrCircuitOpen) instead of matching on message text.
var ErrCircuitOpen = errors.New("ai session: circuit breaker open")

// Error is the typed failure surfaced by Collect.
type Error struct {
	Kind ErrKind
	Err  error
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrTimeoutExceeded:
		return "ai session: timeout exceeded: " + e.Err.Error()
	case ErrCancelled:
		return "ai session: cancelled: " + e.Err.Error()
	default:
		return "ai session: transport error: " + e.Err.Error()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Result is the successful outcome of an AI phase.
type Result struct {
	Text      string
	SessionID string
	// ResumeWarning is set when a resume was requested but the underlying
	// provider could not honor it, and a fresh session was started
	// instead.
	ResumeWarning string
}

// Adapter wraps a Provider with timeout/cancellation mapping, a circuit
// breaker, and resume-fallback retry.
type Adapter struct {
	provider Provider
	breaker  *resilience.CircuitBreaker
}

// New builds an Adapter around provider.
func New(provider Provider) *Adapter {
	return &Adapter{
		provider: provider,
		breaker:  resilience.NewCircuitBreakerAdaptive(time.Minute, 6, 5, 0.6, 15*time.Second, 2),
	}
}

// Collect runs one AI phase to completion, applying timeout (if set) and
// cancellation from ctx, and falling back to a fresh session if
// req.ResumeSessionID cannot be honored.
func (a *Adapter) Collect(ctx context.Context, req Request, timeout time.Duration) (Result, error) {
	if !a.breaker.Allow() {
		return Result{}, &Error{Kind: ErrTransport, Err: fmt.Errorf("%w: state=%s, AI transport recently failing", ErrCircuitOpen, a.breaker.State())}
	}

	res, err := a.collectOnce(ctx, req, timeout)
	if err == nil {
		a.breaker.RecordResult(true)
		return res, nil
	}
	a.breaker.RecordResult(false)

	var sessErr *Error
	if errors.As(err, &sessErr) && sessErr.Kind == ErrTransport && req.ResumeSessionID != "" {
		return a.fallbackFreshSession(ctx, req, timeout)
	}
	return Result{}, err
}

func (a *Adapter) collectOnce(ctx context.Context, req Request, timeout time.Duration) (Result, error) {
	_, end := otelSessionSpan(ctx)
	defer end()

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	chunks, errs := a.provider.Stream(runCtx, req)

	var text string
	var sessionID string
	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				// A provider that fails reports the error before closing the
				// stream; prefer it over treating the close as completion.
				select {
				case err, open := <-errs:
					if open && err != nil {
						return Result{}, classify(runCtx, ctx, err)
					}
				default:
				}
				return Result{Text: text, SessionID: sessionID}, nil
			}
			text += c.Text
			if c.SessionID != "" {
				sessionID = c.SessionID
			}
			if c.Done {
				return Result{Text: text, SessionID: sessionID}, nil
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil // closed with no error: keep waiting on chunks
				continue
			}
			if err != nil {
				return Result{}, classify(runCtx, ctx, err)
			}
		case <-runCtx.Done():
			return Result{}, classify(runCtx, ctx, runCtx.Err())
		}
	}
}

// fallbackFreshSession retries without a resume id: when the underlying
// interface cannot resume, fall back to a fresh session and surface a
// warning rather than failing the task outright.
func (a *Adapter) fallbackFreshSession(ctx context.Context, req Request, timeout time.Duration) (Result, error) {
	fresh := req
	fresh.ResumeSessionID = ""

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second

	var res Result
	err := backoff.Retry(func() error {
		var attemptErr error
		res, attemptErr = a.collectOnce(ctx, fresh, timeout)
		return attemptErr
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return Result{}, err
	}
	res.ResumeWarning = "could not resume session " + req.ResumeSessionID + "; started a fresh session instead"
	return res, nil
}

func classify(runCtx, parentCtx context.Context, err error) error {
	if parentCtx.Err() != nil {
		return &Error{Kind: ErrCancelled, Err: parentCtx.Err()}
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: ErrTimeoutExceeded, Err: runCtx.Err()}
	}
	return &Error{Kind: ErrTransport, Err: err}
}

func otelSessionSpan(ctx context.Context) (context.Context, func()) {
	tr := otel.Tracer("prompter")
	ctx, span := tr.Start(ctx, "session.collect")
	return ctx, func() { span.End() }
}
