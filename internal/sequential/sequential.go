// Package sequential drives a task list with a single moving pointer,
// honoring named jumps and loop protection, for runs where parallelism
// is disabled or no task declares a dependency.
package sequential

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/prompter/internal/config"
	"github.com/swarmguard/prompter/internal/executor"
	"github.com/swarmguard/prompter/internal/state"
)

// maxDispatchesWithLoops is the hard ceiling on a task's execution_count
// when allow_infinite_loops is true.
const maxDispatchesWithLoops = 1000

// Runner walks tasks in declaration order, applying each task's flow
// rule to decide what runs next.
//
// Loop protection only ever applies to a task redispatching *itself*:
// on_success/on_failure = repeat, or a named jump whose target is the
// task's own name. A task reached through a different task's jump rule
// (e.g. build -> fix_build -> build) is an ordinary dispatch and is
// never refused on that basis alone, even on its second visit.
type Runner struct {
	tasks              []config.Task
	index              map[string]int
	exec               *executor.Executor
	allowInfiniteLoops bool
	executionCount     map[string]int
}

// New builds a Runner over tasks in declaration order, resuming each
// task's execution_count from the shared State Store so loop protection
// survives a crash/restart instead of resetting to zero.
func New(tasks []config.Task, exec *executor.Executor, allowInfiniteLoops bool) *Runner {
	index := make(map[string]int, len(tasks))
	store := exec.Store()
	executionCount := make(map[string]int, len(tasks))
	for i, t := range tasks {
		index[t.Name] = i
		executionCount[t.Name] = store.Get(t.Name).ExecutionCount
	}
	return &Runner{
		tasks:              tasks,
		index:              index,
		exec:               exec,
		allowInfiniteLoops: allowInfiniteLoops,
		executionCount:     executionCount,
	}
}

// Run drives the task list to completion (or a fatal error) and returns
// the terminal status of every task visited.
func (r *Runner) Run(ctx context.Context) (map[string]state.Status, error) {
	ctx, end := otelSequentialSpan(ctx)
	defer end()

	statuses := make(map[string]state.Status, len(r.tasks))

	pos := 0
	for pos >= 0 && pos < len(r.tasks) {
		select {
		case <-ctx.Done():
			return statuses, ctx.Err()
		default:
		}

		task := r.tasks[pos]
		r.dispatch(ctx, task.Name)

		out := r.exec.Run(ctx, task)
		statuses[task.Name] = out.Status

		switch out.Action {
		case executor.FlowActionStop:
			return statuses, nil

		case executor.FlowActionRepeat:
			blocked, err := r.loopBlocked(task.Name)
			if err != nil {
				return statuses, err
			}
			if blocked {
				statuses[task.Name] = state.StatusSkipped
				return statuses, nil
			}
			// stay at pos, re-enter the same task next iteration

		case executor.FlowActionJump:
			next, ok := r.index[out.JumpTarget]
			if !ok {
				return statuses, fmt.Errorf("sequential: flow rule named unknown task %q", out.JumpTarget)
			}
			if out.JumpTarget == task.Name {
				blocked, err := r.loopBlocked(task.Name)
				if err != nil {
					return statuses, err
				}
				if blocked {
					statuses[task.Name] = state.StatusSkipped
					return statuses, nil
				}
			}
			pos = next

		default: // FlowActionNext
			pos++
		}
	}

	return statuses, nil
}

// dispatch records one more dispatch of name, persisting the new count
// to the State Store so it is visible across a restart.
func (r *Runner) dispatch(ctx context.Context, name string) {
	r.executionCount[name]++
	n := r.executionCount[name]
	_ = r.exec.Store().Update(ctx, name, state.Fields{ExecutionCount: &n})
}

// loopBlocked decides whether a task may redispatch itself again, given
// how many times it has already been dispatched. Only called for
// self-referential transitions (repeat, or a named jump to the task's
// own name); an ordinary forward dispatch never calls it.
func (r *Runner) loopBlocked(name string) (bool, error) {
	if !r.allowInfiniteLoops {
		return true, nil
	}
	if r.executionCount[name] >= maxDispatchesWithLoops {
		return false, fmt.Errorf("runaway loop: task %q dispatched %d times, exceeding the %d-dispatch ceiling", name, r.executionCount[name], maxDispatchesWithLoops)
	}
	return false, nil
}

func otelSequentialSpan(ctx context.Context) (context.Context, func()) {
	tr := otel.Tracer("prompter")
	ctx, span := tr.Start(ctx, "sequential.run")
	return ctx, func() { span.End() }
}
