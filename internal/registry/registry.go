// Package registry tracks one live scheduling task per rule id and
// makes concurrent add/replace/remove safe. The persisted rule set is
// the durable source of truth; the registry only mirrors what is
// currently running.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"sasd/internal/rule"
	"sasd/pkg/logx"
)

var (
	// ErrNoID rejects scheduling a rule before storage assigned it an
	// identity.
	ErrNoID = errors.New("registry: rule must have an id before scheduling")
	// ErrNotStarted rejects operations on a registry that is not running.
	ErrNotStarted = errors.New("registry: not started")
)

const defaultReapInterval = time.Minute

// Config controls the registry.
type Config struct {
	// ReapInterval is how often finished tasks are swept out of the
	// map. Zero means a one-minute default.
	ReapInterval time.Duration
}

// task is one running scheduling loop. done is closed when the loop
// goroutine has fully exited.
type task struct {
	rule   *rule.Rule
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *task) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Registry owns the id→task map. All structural access goes through
// mu; rule instances themselves are owned by their loop goroutine.
type Registry struct {
	cfg     Config
	deliver rule.Delivery
	record  rule.Recorder
	log     logx.Logger

	mu      sync.Mutex
	tasks   map[int64]*task
	baseCtx context.Context
	cancel  context.CancelFunc

	reaper *cron.Cron
}

// New builds a registry. deliver and record are the callbacks handed
// to every scheduling loop.
func New(cfg Config, deliver rule.Delivery, record rule.Recorder, log logx.Logger) *Registry {
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = defaultReapInterval
	}
	return &Registry{
		cfg:     cfg,
		deliver: deliver,
		record:  record,
		log:     log,
		tasks:   make(map[int64]*task),
	}
}

// Start makes the registry accept rules and begins the periodic reap
// of naturally finished tasks.
func (g *Registry) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.baseCtx != nil {
		return nil
	}
	g.baseCtx, g.cancel = context.WithCancel(ctx)

	g.reaper = cron.New()
	spec := fmt.Sprintf("@every %s", g.cfg.ReapInterval)
	if _, err := g.reaper.AddFunc(spec, g.ReapFinished); err != nil {
		g.cancel()
		g.baseCtx, g.cancel = nil, nil
		return fmt.Errorf("registry: reaper schedule: %w", err)
	}
	g.reaper.Start()
	g.log.Info("registry started", logx.Duration("reap_interval", g.cfg.ReapInterval))
	return nil
}

// Stop cancels every running task and waits for the loops to exit.
func (g *Registry) Stop(ctx context.Context) {
	g.mu.Lock()
	if g.baseCtx == nil {
		g.mu.Unlock()
		return
	}
	reaper := g.reaper
	cancel := g.cancel
	tasks := g.tasks
	g.tasks = make(map[int64]*task)
	g.baseCtx, g.cancel, g.reaper = nil, nil, nil
	g.mu.Unlock()

	cancel()
	if reaper != nil {
		<-reaper.Stop().Done()
	}
	for id, t := range tasks {
		select {
		case <-t.done:
		case <-ctx.Done():
			g.log.Warn("task did not stop in time", logx.Int64("rule", id))
		}
	}
	g.log.Info("registry stopped")
}

// Upsert installs a scheduling task for r, replacing (and cancelling)
// any existing task for the same id. The lock is held across
// cancel-old/install-new so no interleaving with another Upsert or
// Remove on the same id is observable.
func (g *Registry) Upsert(r *rule.Rule) error {
	if !r.HasID() {
		return ErrNoID
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.baseCtx == nil {
		return ErrNotStarted
	}

	if old, ok := g.tasks[r.ID()]; ok {
		old.cancel()
		g.log.Debug("replacing rule task", logx.Int64("rule", r.ID()))
	}

	ctx, cancel := context.WithCancel(g.baseCtx)
	t := &task{rule: r, cancel: cancel, done: make(chan struct{})}
	g.tasks[r.ID()] = t

	go func() {
		defer close(t.done)
		r.Run(ctx, g.deliver, g.record, g.log)
	}()
	g.log.Info("rule scheduled", logx.Int64("rule", r.ID()), logx.String("label", r.Label()))
	return nil
}

// Remove cancels and drops the task for id. Removing an id with no
// task is a no-op.
func (g *Registry) Remove(id int64) {
	g.mu.Lock()
	t, ok := g.tasks[id]
	if ok {
		delete(g.tasks, id)
	}
	g.mu.Unlock()
	if !ok {
		return
	}
	t.cancel()
	g.log.Info("rule removed from registry", logx.Int64("rule", id))
}

// RemoveRule is the by-value form of Remove; the rule must carry an id.
func (g *Registry) RemoveRule(r *rule.Rule) error {
	if !r.HasID() {
		return ErrNoID
	}
	g.Remove(r.ID())
	return nil
}

// ReapFinished drops entries whose loop ended on its own (schedule
// exhaustion). This is bookkeeping, not cancellation.
func (g *Registry) ReapFinished() {
	g.mu.Lock()
	var reaped []int64
	for id, t := range g.tasks {
		if t.finished() {
			delete(g.tasks, id)
			reaped = append(reaped, id)
		}
	}
	g.mu.Unlock()
	for _, id := range reaped {
		g.log.Debug("reaped finished rule task", logx.Int64("rule", id))
	}
}

// running reports whether an unfinished task exists for id.
func (g *Registry) running(id int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	return ok && !t.finished()
}

// size is the current number of tracked entries, finished or not.
func (g *Registry) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tasks)
}
