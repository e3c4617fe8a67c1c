// Package schedule implements the optional watch mode: a cron tick or a
// filesystem change under a watched directory re-invokes a run, without
// requiring an external scheduler process.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Trigger is the reason a watch cycle fired, so a caller's logging or
// metrics can distinguish a cron tick from a file change.
type Trigger struct {
	Kind string // "cron" or "fsnotify"
	Detail string
}

// RunFunc is invoked once per trigger. The watcher does not interpret
// its error beyond logging and counting it; a failed run does not stop
// future triggers.
type RunFunc func(ctx context.Context, trig Trigger) error

// Config configures which triggers are active. Either or both may be set.
type Config struct {
	CronExpr   string   // seconds-first, e.g. "0 */5 * * * *"; empty disables cron triggering
	WatchDirs  []string // directories to watch for changes; empty disables fsnotify
	Debounce   time.Duration // minimum gap between two fsnotify-triggered runs
}

// Watcher drives RunFunc from cron ticks and/or filesystem events.
type Watcher struct {
	cfg    Config
	run    RunFunc
	cron   *cron.Cron
	fsw    *fsnotify.Watcher
	tracer trace.Tracer

	triggerTotal metric.Int64Counter
	triggerFail  metric.Int64Counter

	mu           sync.Mutex
	lastFSRun    time.Time
	stopFS       chan struct{}
	fsStoppedWg  sync.WaitGroup
}

const defaultDebounce = 500 * time.Millisecond

// New builds a Watcher. It does not start anything until Start is called.
func New(cfg Config, run RunFunc, meter metric.Meter) (*Watcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}

	var triggerTotal, triggerFail metric.Int64Counter
	if meter != nil {
		triggerTotal, _ = meter.Int64Counter("prompter_watch_triggers_total")
		triggerFail, _ = meter.Int64Counter("prompter_watch_trigger_failures_total")
	}

	w := &Watcher{
		cfg:          cfg,
		run:          run,
		cron:         cron.New(cron.WithSeconds()),
		tracer:       otel.Tracer("prompter"),
		triggerTotal: triggerTotal,
		triggerFail:  triggerFail,
		stopFS:       make(chan struct{}),
	}

	if len(cfg.WatchDirs) > 0 {
		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("schedule: create fsnotify watcher: %w", err)
		}
		for _, dir := range cfg.WatchDirs {
			if err := fsw.Add(dir); err != nil {
				fsw.Close()
				return nil, fmt.Errorf("schedule: watch %q: %w", dir, err)
			}
		}
		w.fsw = fsw
	}

	return w, nil
}

// Start begins cron and/or fsnotify triggering against ctx. Start returns
// immediately; call Stop to shut both down.
func (w *Watcher) Start(ctx context.Context) error {
	if w.cfg.CronExpr != "" {
		if _, err := w.cron.AddFunc(w.cfg.CronExpr, func() {
			w.fire(ctx, Trigger{Kind: "cron", Detail: w.cfg.CronExpr})
		}); err != nil {
			return fmt.Errorf("schedule: add cron expression %q: %w", w.cfg.CronExpr, err)
		}
		w.cron.Start()
		slog.Info("cron watch started", "expr", w.cfg.CronExpr)
	}

	if w.fsw != nil {
		w.fsStoppedWg.Add(1)
		go w.watchFS(ctx)
		slog.Info("filesystem watch started", "dirs", w.cfg.WatchDirs)
	}

	return nil
}

func (w *Watcher) watchFS(ctx context.Context) {
	defer w.fsStoppedWg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopFS:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			if time.Since(w.lastFSRun) < w.cfg.Debounce {
				w.mu.Unlock()
				continue
			}
			w.lastFSRun = time.Now()
			w.mu.Unlock()
			w.fire(ctx, Trigger{Kind: "fsnotify", Detail: ev.String()})
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("fsnotify watcher error", "error", err)
		}
	}
}

func (w *Watcher) fire(ctx context.Context, trig Trigger) {
	ctx, span := w.tracer.Start(ctx, "schedule.fire", trace.WithAttributes(
		attribute.String("trigger.kind", trig.Kind),
	))
	defer span.End()

	if w.triggerTotal != nil {
		w.triggerTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", trig.Kind)))
	}

	if err := w.run(ctx, trig); err != nil {
		slog.Error("watch-triggered run failed", "trigger", trig.Kind, "error", err)
		if w.triggerFail != nil {
			w.triggerFail.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", trig.Kind)))
		}
	}
}

// Stop halts cron dispatch and filesystem watching.
func (w *Watcher) Stop() {
	w.cron.Stop()
	if w.fsw != nil {
		close(w.stopFS)
		w.fsStoppedWg.Wait()
		w.fsw.Close()
	}
}
