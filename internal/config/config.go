// Package config defines the static task/run data model and validates it
// into a form the scheduler can trust without re-checking presence of any
// field at runtime.
package config

import (
	"fmt"
	"sort"
	"time"
)

// Reserved flow-control words. A task name may not collide with any of
// these, and on_success/on_failure must be one of these or a task name.
const (
	FlowNext   = "next"
	FlowStop   = "stop"
	FlowRetry  = "retry"
	FlowRepeat = "repeat"
)

var reservedWords = map[string]bool{
	FlowNext:   true,
	FlowStop:   true,
	FlowRetry:  true,
	FlowRepeat: true,
}

// Task is the static, declarative definition of one step in a run.
type Task struct {
	Name        string        `json:"name"`
	Prompt      string        `json:"prompt"`
	SystemPrompt string       `json:"system_prompt,omitempty"`
	VerifyCommand string      `json:"verify_command"`
	VerifySuccessCode int     `json:"verify_success_code"`
	OnSuccess   string        `json:"on_success"`
	OnFailure   string        `json:"on_failure"`
	MaxAttempts int           `json:"max_attempts"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	ResumePreviousSession bool `json:"resume_previous_session"`
	DependsOn   []string      `json:"depends_on,omitempty"`
	Exclusive   bool          `json:"exclusive"`

	// Reserved but unused by the scheduler; accepted for forward
	// compatibility with configs that set them.
	Priority       int `json:"priority,omitempty"`
	CPURequired    int `json:"cpu_required,omitempty"`
	MemoryRequired int `json:"memory_required,omitempty"`
}

// RunSettings holds the run-wide knobs that apply across every task.
type RunSettings struct {
	CheckInterval      time.Duration `json:"check_interval"`
	MaxRetries         int           `json:"max_retries"`
	WorkingDirectory   string        `json:"working_directory"`
	MaxParallelTasks   int           `json:"max_parallel_tasks"`
	EnableParallel     bool          `json:"enable_parallel"`
	AllowInfiniteLoops bool          `json:"allow_infinite_loops"`
	ProgressMode       string        `json:"progress_mode"`
}

// ProgressMode values. The progress UI itself is out of core scope; this
// is accepted and validated only so an external reporter can select a
// rendering strategy.
const (
	ProgressAuto   = "auto"
	ProgressRich   = "rich"
	ProgressSimple = "simple"
	ProgressNone   = "none"
)

// DefaultSettings returns the documented defaults for unset fields.
func DefaultSettings() RunSettings {
	return RunSettings{
		MaxRetries:       3,
		MaxParallelTasks: 4,
		EnableParallel:   true,
		ProgressMode:     ProgressAuto,
	}
}

// Config is the full, validated input to a run: the task list plus
// settings. It is produced by an external collaborator (file parser,
// wizard) and handed to the core unchanged.
type Config struct {
	Settings RunSettings
	Tasks    []Task
}

// ConfigError accumulates every validation problem found, so a caller can
// report them all at once rather than fixing one error at a time.
type ConfigError struct {
	Issues []string
}

func (e *ConfigError) Error() string {
	if len(e.Issues) == 1 {
		return fmt.Sprintf("invalid configuration: %s", e.Issues[0])
	}
	return fmt.Sprintf("invalid configuration (%d issues): %s", len(e.Issues), joinIssues(e.Issues))
}

func joinIssues(issues []string) string {
	out := ""
	for i, s := range issues {
		if i > 0 {
			out += "; "
		}
		out += s
	}
	return out
}

// Warnings are non-fatal issues surfaced alongside a successfully
// validated configuration — for example, a stop-on-failure task that
// also sets a redundant max_attempts.
type Warnings []string

// Validate checks every task and run-setting invariant and normalizes
// defaults. It returns the list of non-fatal warnings on success, or a
// *ConfigError enumerating every offending task on failure.
func Validate(cfg *Config) (Warnings, error) {
	var issues []string
	var warnings Warnings

	names := make(map[string]bool, len(cfg.Tasks))
	for i := range cfg.Tasks {
		t := &cfg.Tasks[i]

		if t.MaxAttempts <= 0 {
			t.MaxAttempts = 3
		}

		if t.Name == "" {
			issues = append(issues, fmt.Sprintf("task[%d]: name must not be empty", i))
			continue
		}
		if reservedWords[t.Name] {
			issues = append(issues, fmt.Sprintf("task %q: name collides with a reserved flow word", t.Name))
		}
		if names[t.Name] {
			issues = append(issues, fmt.Sprintf("task %q: duplicate task name", t.Name))
		}
		names[t.Name] = true
	}

	for i := range cfg.Tasks {
		t := &cfg.Tasks[i]
		if t.Name == "" {
			continue
		}

		for _, dep := range t.DependsOn {
			if !names[dep] {
				issues = append(issues, fmt.Sprintf("task %q: depends_on references unknown task %q", t.Name, dep))
			}
		}

		if err := validateFlow(t.Name, "on_success", t.OnSuccess, names); err != nil {
			issues = append(issues, err.Error())
		}
		if err := validateFlow(t.Name, "on_failure", t.OnFailure, names); err != nil {
			issues = append(issues, err.Error())
		}

		if t.OnFailure == FlowStop && t.MaxAttempts > 1 {
			warnings = append(warnings, fmt.Sprintf(
				"task %q: on_failure=stop ignores max_attempts=%d (only one attempt is ever made)",
				t.Name, t.MaxAttempts))
		}
		if t.OnFailure != FlowRetry && t.MaxAttempts > 1 {
			warnings = append(warnings, fmt.Sprintf(
				"task %q: max_attempts=%d has no effect because on_failure is %q, not retry",
				t.Name, t.MaxAttempts, t.OnFailure))
		}
	}

	if cycles := findCycles(cfg.Tasks); len(cycles) > 0 {
		for _, c := range cycles {
			issues = append(issues, fmt.Sprintf("dependency cycle: %s", formatCycle(c)))
		}
	}

	applySettingsDefaults(&cfg.Settings)
	if cfg.Settings.MaxParallelTasks < 1 {
		issues = append(issues, "settings: max_parallel_tasks must be >= 1")
	}

	if len(issues) > 0 {
		sort.Strings(issues)
		return warnings, &ConfigError{Issues: issues}
	}
	return warnings, nil
}

func validateFlow(taskName, field, value string, names map[string]bool) error {
	if value == "" {
		return nil
	}
	if reservedWords[value] {
		return nil
	}
	if names[value] {
		return nil
	}
	return fmt.Errorf("task %q: %s references unknown task or reserved word %q", taskName, field, value)
}

func applySettingsDefaults(s *RunSettings) {
	if s.MaxParallelTasks == 0 {
		s.MaxParallelTasks = 4
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = 3
	}
	if s.ProgressMode == "" {
		s.ProgressMode = ProgressAuto
	}
}

// findCycles runs a three-color DFS over depends_on edges and reports
// every cycle discovered, not only the first.
func findCycles(tasks []Task) [][]string {
	byName := make(map[string]*Task, len(tasks))
	for i := range tasks {
		if tasks[i].Name != "" {
			byName[tasks[i].Name] = &tasks[i]
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(tasks))
	var cycles [][]string
	var stack []string

	var visit func(name string)
	visit = func(name string) {
		color[name] = gray
		stack = append(stack, name)

		t, ok := byName[name]
		if ok {
			for _, dep := range t.DependsOn {
				if _, exists := byName[dep]; !exists {
					continue // unknown dependency reported separately
				}
				switch color[dep] {
				case white:
					visit(dep)
				case gray:
					cycles = append(cycles, extractCycle(stack, dep))
				case black:
					// already fully explored, no cycle through here
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[name] = black
	}

	for _, t := range tasks {
		if t.Name == "" {
			continue
		}
		if color[t.Name] == white {
			visit(t.Name)
		}
	}

	return cycles
}

func extractCycle(stack []string, repeat string) []string {
	for i, n := range stack {
		if n == repeat {
			cycle := append([]string{}, stack[i:]...)
			return append(cycle, repeat)
		}
	}
	return []string{repeat}
}

func formatCycle(cycle []string) string {
	out := ""
	for i, n := range cycle {
		if i > 0 {
			out += " -> "
		}
		out += n
	}
	return out
}
