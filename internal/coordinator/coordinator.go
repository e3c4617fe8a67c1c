// Package coordinator drives a task graph with a bounded pool of
// concurrent executors. Unlike a Kahn's-algorithm queue that only ever
// looks at newly-unblocked tasks, this scheduling loop reconsiders every
// READY task on each iteration — including ones that missed a dispatch
// window because the parallelism cap was full — which is what keeps a
// task from being stranded forever behind a transient pool-full moment.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/prompter/internal/config"
	"github.com/swarmguard/prompter/internal/executor"
	"github.com/swarmguard/prompter/internal/graph"
	"github.com/swarmguard/prompter/internal/pool"
	"github.com/swarmguard/prompter/internal/state"
)

// pollInterval bounds how long Wait blocks between checks, keeping
// cancellation responsive.
const pollInterval = 50 * time.Millisecond

// taskStatus tracks a task's position in the coordinator's own state
// machine, distinct from (but kept in sync with) the durable Store.
type taskStatus int

const (
	pending taskStatus = iota
	ready
	running
	completed
	failed
	skipped
)

// completionMsg is delivered by a worker goroutine when its task
// finishes.
type completionMsg struct {
	name string
	out  executor.Outcome
}

// Coordinator is the single-threaded decision maker for one run's DAG.
//
// Unlike the Sequential Runner, the coordinator has no named-jump
// mechanism: a task can only be redispatched by its own on_success =
// repeat, so every revisit here is inherently self-referential and
// loop protection always applies to it.
type Coordinator struct {
	graph *graph.Graph
	pool  *pool.Pool
	exec  *executor.Executor
	tasks map[string]config.Task

	allowInfiniteLoops bool

	mu             sync.Mutex
	status         map[string]taskStatus
	executionCount map[string]int
	inFlight       int

	completions chan completionMsg
}

// maxDispatchesWithLoops is the hard ceiling on a single task's
// execution_count when allow_infinite_loops is true.
const maxDispatchesWithLoops = 1000

// New builds a Coordinator for g, gating concurrent starts through p and
// running each task via exec. Each task's execution_count resumes from
// the shared State Store so loop protection survives a crash/restart.
func New(g *graph.Graph, p *pool.Pool, exec *executor.Executor, tasks []config.Task, allowInfiniteLoops bool) *Coordinator {
	byName := make(map[string]config.Task, len(tasks))
	status := make(map[string]taskStatus, len(tasks))
	store := exec.Store()
	executionCount := make(map[string]int, len(tasks))
	for _, t := range tasks {
		byName[t.Name] = t
		status[t.Name] = pending
		executionCount[t.Name] = store.Get(t.Name).ExecutionCount
	}
	return &Coordinator{
		graph:              g,
		pool:               p,
		exec:               exec,
		tasks:              byName,
		allowInfiniteLoops: allowInfiniteLoops,
		status:             status,
		executionCount:     executionCount,
		completions:        make(chan completionMsg, len(tasks)),
	}
}

// Run drives the graph to completion and returns the final terminal
// status of every task. It returns an error only for a fatal,
// run-invalidating condition: deadlock, or a runaway loop past the
// dispatch ceiling.
func (c *Coordinator) Run(ctx context.Context) (map[string]state.Status, error) {
	ctx, end := otelCoordinatorSpan(ctx)
	defer end()

	for {
		c.promote()

		dispatched, err := c.dispatch(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		anyActive := c.anyPendingOrReadyOrRunningLocked()
		inFlight := c.inFlight
		c.mu.Unlock()

		if !anyActive {
			break
		}

		if dispatched == 0 && inFlight == 0 {
			return nil, c.deadlockError()
		}

		if dispatched == 0 {
			c.wait(ctx)
		}
		c.reap()
	}

	return c.finalStatuses(), nil
}

// promote marks PENDING tasks READY once their dependencies all
// COMPLETED, or SKIPPED once a dependency has FAILED/SKIPPED.
func (c *Coordinator) promote() {
	c.mu.Lock()
	defer c.mu.Unlock()

	completedSet := make(map[string]bool)
	failedSet := make(map[string]bool)
	for name, st := range c.status {
		switch st {
		case completed:
			completedSet[name] = true
		case failed, skipped:
			failedSet[name] = true
		}
	}

	changed := true
	for changed {
		changed = false
		for _, name := range c.graph.Names() {
			if c.status[name] != pending {
				continue
			}
			deps := c.graph.DependsOn(name)
			anyFailed := false
			allDone := true
			for _, dep := range deps {
				if failedSet[dep] {
					anyFailed = true
					break
				}
				if !completedSet[dep] {
					allDone = false
				}
			}
			if anyFailed {
				c.status[name] = skipped
				failedSet[name] = true
				changed = true
			} else if allDone {
				c.status[name] = ready
				changed = true
			}
		}
	}
}

// dispatch collects every READY task (regardless of how many prior
// iterations it has been READY for) and starts a worker for each one the
// pool can currently admit. Returns the count of tasks newly dispatched.
func (c *Coordinator) dispatch(ctx context.Context) (int, error) {
	c.mu.Lock()
	var readyNames []string
	for _, name := range c.graph.Names() {
		if c.status[name] == ready {
			readyNames = append(readyNames, name)
		}
	}
	sort.Strings(readyNames) // deterministic declaration-order-independent tie-break
	c.mu.Unlock()

	dispatched := 0
	for _, name := range readyNames {
		task := c.tasks[name]

		c.mu.Lock()
		count := c.executionCount[name]
		c.mu.Unlock()

		// Any task reaching dispatch() a second time got there only
		// through its own on_success = repeat (reap resets it to
		// pending, and promote re-admits it): there is no named-jump
		// path here, so this is always a self-referential redispatch
		// and loop protection always applies.
		if count >= 1 {
			if !c.allowInfiniteLoops {
				c.mu.Lock()
				c.status[name] = skipped
				c.mu.Unlock()
				continue
			}
			if count >= maxDispatchesWithLoops {
				return dispatched, fmt.Errorf("runaway loop: task %q dispatched %d times, exceeding the %d-dispatch ceiling", name, count, maxDispatchesWithLoops)
			}
		}

		if !c.pool.CanSchedule(name, task.Exclusive) {
			continue
		}
		c.pool.Allocate(name, task.Exclusive)

		c.mu.Lock()
		c.status[name] = running
		c.executionCount[name]++
		n := c.executionCount[name]
		c.inFlight++
		c.mu.Unlock()
		_ = c.exec.Store().Update(ctx, name, state.Fields{ExecutionCount: &n})

		go c.runWorker(ctx, task)
		dispatched++
	}
	return dispatched, nil
}

func (c *Coordinator) runWorker(ctx context.Context, task config.Task) {
	out := c.exec.Run(ctx, task)
	c.completions <- completionMsg{name: task.Name, out: out}
}

// wait blocks for the next completion notification, bounded by
// pollInterval so cancellation stays responsive.
func (c *Coordinator) wait(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(pollInterval):
	case msg := <-c.completions:
		// Put it back for reap, which does the consuming. The buffer holds
		// one slot per task and a task has at most one message queued, so
		// this send never blocks.
		c.completions <- msg
	}
}

// reap drains every queued completion, releases its pool slot, and
// records its terminal status.
func (c *Coordinator) reap() {
	for {
		select {
		case msg := <-c.completions:
			task := c.tasks[msg.name]
			c.pool.Release(msg.name, task.Exclusive)

			c.mu.Lock()
			c.inFlight--
			switch msg.out.Status {
			case state.StatusCompleted:
				c.status[msg.name] = completed
			default:
				c.status[msg.name] = failed
			}
			c.mu.Unlock()

			if msg.out.Action == executor.FlowActionRepeat {
				c.mu.Lock()
				c.status[msg.name] = pending
				c.mu.Unlock()
			}
		default:
			return
		}
	}
}

func (c *Coordinator) anyPendingOrReadyOrRunningLocked() bool {
	for _, st := range c.status {
		if st == pending || st == ready || st == running {
			return true
		}
	}
	return false
}

func (c *Coordinator) deadlockError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var stuck []string
	for name, st := range c.status {
		if st == pending || st == ready {
			stuck = append(stuck, name)
		}
	}
	sort.Strings(stuck)
	return fmt.Errorf("deadlock detected: %d task(s) stuck pending with no path to READY and no workers in flight: %v", len(stuck), stuck)
}

func (c *Coordinator) finalStatuses() map[string]state.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]state.Status, len(c.status))
	for name, st := range c.status {
		switch st {
		case completed:
			out[name] = state.StatusCompleted
		case failed:
			out[name] = state.StatusFailed
		case skipped:
			out[name] = state.StatusSkipped
		default:
			out[name] = state.StatusPending
		}
	}
	return out
}

func otelCoordinatorSpan(ctx context.Context) (context.Context, func()) {
	tr := otel.Tracer("prompter")
	ctx, span := tr.Start(ctx, "coordinator.run")
	return ctx, func() { span.End() }
}
