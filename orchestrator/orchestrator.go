// Package orchestrator drives timer transitions from one client instance.
// It renders optimistic trees immediately, then issues version-checked
// updates to the Remote in an order that never leaves two tasks running.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoCodeAlone/tempo/hierarchy"
	"github.com/GoCodeAlone/tempo/task"
)

// Orchestrator owns the local task tree of one client instance. It is safe
// for concurrent use, but only one timer operation runs at a time; others
// fail fast with ErrProcessing.
type Orchestrator struct {
	remote   Remote
	deviceID string
	now      func() time.Time
	logger   *slog.Logger
	render   func([]*task.Task)
	filter   task.Filter

	busy atomic.Bool

	mu    sync.RWMutex
	tree  []*task.Task
	gen   uint64 // bumped by every resync
	shown map[string]int64
}

// view is a tree as seen at one resync generation.
type view struct {
	base []*task.Task
	gen  uint64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithRenderer registers fn to receive every new local tree, optimistic or
// confirmed. fn must not modify the tree.
func WithRenderer(fn func([]*task.Task)) Option {
	return func(o *Orchestrator) { o.render = fn }
}

// WithFilter sets the filter used by Reload.
func WithFilter(f task.Filter) Option {
	return func(o *Orchestrator) { o.filter = f }
}

// New creates an Orchestrator with an empty tree. Call Reload to populate it.
func New(remote Remote, deviceID string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		remote:   remote,
		deviceID: deviceID,
		now:      time.Now,
		logger:   slog.Default(),
		shown:    make(map[string]int64),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Busy reports whether a timer operation is in flight.
func (o *Orchestrator) Busy() bool { return o.busy.Load() }

func (o *Orchestrator) acquire() bool { return o.busy.CompareAndSwap(false, true) }

func (o *Orchestrator) release() { o.busy.Store(false) }

// Snapshot returns a deep copy of the local tree.
func (o *Orchestrator) Snapshot() []*task.Task {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return hierarchy.Clone(o.tree)
}

// Active returns a copy of the running task, else a paused one, else nil.
func (o *Orchestrator) Active() *task.Task {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if t := task.RunningOrPaused(o.tree); t != nil {
		return t.Clone()
	}
	return nil
}

// Display returns the elapsed seconds to show for id. The value never
// decreases between calls for the same task.
func (o *Orchestrator) Display(id string) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t := hierarchy.FindByID(o.tree, id)
	if t == nil {
		return 0, fmt.Errorf("display %s: %w", id, task.ErrNotFound)
	}
	v := max(hierarchy.LiveElapsed(t, o.now().Unix()), o.shown[id])
	o.shown[id] = v
	return v, nil
}

// Load replaces the local tree without contacting the remote.
func (o *Orchestrator) Load(forest []*task.Task) {
	o.resync(hierarchy.Clone(forest))
}

// Reload replaces the local tree with the remote's. It may run while a timer
// operation is in flight; that operation then applies its remaining results
// on top of the reloaded tree.
func (o *Orchestrator) Reload(ctx context.Context) error {
	forest, err := o.remote.Tree(ctx, o.filter)
	if err != nil {
		return classify("reload", err)
	}
	o.resync(forest)
	return nil
}

func (o *Orchestrator) resync(forest []*task.Task) {
	o.mu.Lock()
	o.tree = forest
	o.gen++
	o.mu.Unlock()
	o.draw(forest)
}

func (o *Orchestrator) draw(forest []*task.Task) {
	if o.render != nil {
		o.render(forest)
	}
}

// view captures a copy of the local tree and its generation.
func (o *Orchestrator) view() view {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return view{base: hierarchy.Clone(o.tree), gen: o.gen}
}

// commit installs build(base) as the local tree. base is v.base unless a
// resync happened since v was taken, in which case it is the resynced tree.
// The returned view is the base that was used.
func (o *Orchestrator) commit(v view, build func([]*task.Task) []*task.Task) view {
	o.mu.Lock()
	if o.gen != v.gen {
		v = view{base: o.tree, gen: o.gen}
	}
	next := build(v.base)
	o.tree = next
	o.mu.Unlock()
	o.draw(next)
	return v
}

// StartTimer starts id. Every other running task is paused at the remote
// first; only then is id started. Any failure aborts the remaining steps,
// so a partial run may leave no task running but never two.
//
// Starting a running task is a no-op. Completed tasks cannot be restarted.
func (o *Orchestrator) StartTimer(ctx context.Context, id string) (*task.Task, error) {
	if !o.acquire() {
		return nil, ErrProcessing
	}
	defer o.release()
	return o.start(ctx, id)
}

func (o *Orchestrator) start(ctx context.Context, id string) (*task.Task, error) {
	v := o.view()
	before := v.base
	target := hierarchy.FindByID(before, id)
	if target == nil {
		return nil, fmt.Errorf("start %s: %w", id, task.ErrNotFound)
	}
	switch task.StateOf(target) {
	case task.StateRunning:
		return target, nil
	case task.StateCompleted, task.StateInvalid:
		return nil, fmt.Errorf("start %s from %s: %w", id, task.StateOf(target), ErrInvalidTransition)
	}

	now := o.now().Unix()
	others := hierarchy.FindAllRunning(before, id)
	pauses := make(map[string]task.Patch, len(others))
	for _, t := range others {
		pauses[t.ID] = task.PauseAt(t, now)
	}
	startPatch := task.StartAt(now)

	v = o.commit(v, func(base []*task.Task) []*task.Task {
		return hierarchy.MapTree(base, func(n *task.Task) *task.Task {
			if p, ok := pauses[n.ID]; ok {
				return p.Apply(n)
			}
			if n.ID == id {
				return startPatch.Apply(n)
			}
			return n
		})
	})

	confirmed := make(map[string]*task.Task, len(others)+1)
	for _, t := range others {
		row, err := o.remote.ConditionalUpdate(ctx, t.ID, t.Version, o.deviceID, pauses[t.ID])
		if err != nil {
			return nil, o.abort(v, confirmed, fmt.Sprintf("pause %s", t.ID), err)
		}
		confirmed[row.ID] = row
		o.logger.Debug("paused before start", "task_id", row.ID, "version", row.Version, "device_id", o.deviceID)
	}

	row, err := o.remote.ConditionalUpdate(ctx, id, target.Version, o.deviceID, startPatch)
	if err != nil {
		return nil, o.abort(v, confirmed, fmt.Sprintf("start %s", id), err)
	}
	confirmed[row.ID] = row
	o.commit(v, func(base []*task.Task) []*task.Task { return overlay(base, confirmed) })

	o.logger.Info("timer started", "task_id", id, "version", row.Version, "paused", len(others), "device_id", o.deviceID)
	return row, nil
}

// abort restores the pre-call tree, keeping the rows the remote already
// confirmed. Paused rows stay paused.
func (o *Orchestrator) abort(v view, confirmed map[string]*task.Task, op string, err error) error {
	o.commit(v, func(base []*task.Task) []*task.Task { return overlay(base, confirmed) })
	err = classify(op, err)
	o.logger.Warn("timer operation aborted", "op", op, "confirmed", len(confirmed), "err", err)
	return err
}

// PauseTimer pauses a running task. The displayed elapsed time is the larger
// of the remote's value and the local one.
func (o *Orchestrator) PauseTimer(ctx context.Context, id string) (*task.Task, error) {
	if !o.acquire() {
		return nil, ErrProcessing
	}
	defer o.release()

	return o.finish(ctx, "pause", id, func(t *task.Task, now int64) (task.Patch, error) {
		if task.StateOf(t) != task.StateRunning {
			return task.Patch{}, fmt.Errorf("pause %s from %s: %w", id, task.StateOf(t), ErrInvalidTransition)
		}
		return task.PauseAt(t, now), nil
	})
}

// StopTimer completes a running or paused task.
func (o *Orchestrator) StopTimer(ctx context.Context, id string) (*task.Task, error) {
	if !o.acquire() {
		return nil, ErrProcessing
	}
	defer o.release()

	return o.finish(ctx, "stop", id, func(t *task.Task, now int64) (task.Patch, error) {
		switch task.StateOf(t) {
		case task.StateRunning, task.StatePaused:
			return task.StopAt(t, now), nil
		default:
			return task.Patch{}, fmt.Errorf("stop %s from %s: %w", id, task.StateOf(t), ErrInvalidTransition)
		}
	})
}

// finish runs a single-row transition that ends or suspends a run.
func (o *Orchestrator) finish(ctx context.Context, op, id string, build func(*task.Task, int64) (task.Patch, error)) (*task.Task, error) {
	v := o.view()
	t := hierarchy.FindByID(v.base, id)
	if t == nil {
		return nil, fmt.Errorf("%s %s: %w", op, id, task.ErrNotFound)
	}
	now := o.now().Unix()
	p, err := build(t, now)
	if err != nil {
		return nil, err
	}
	local := p.Apply(t)
	v = o.commit(v, func(base []*task.Task) []*task.Task {
		return overlay(base, map[string]*task.Task{id: local})
	})

	row, err := o.remote.ConditionalUpdate(ctx, id, t.Version, o.deviceID, p)
	if err != nil {
		o.commit(v, func(base []*task.Task) []*task.Task { return base })
		err = classify(fmt.Sprintf("%s %s", op, id), err)
		o.logger.Warn("timer operation failed", "op", op, "task_id", id, "err", err)
		return nil, err
	}

	shown := row.Clone()
	if local.ElapsedTime > shown.ElapsedTime {
		shown.ElapsedTime = local.ElapsedTime
	}
	o.mu.Lock()
	o.shown[id] = max(o.shown[id], shown.ElapsedTime)
	o.mu.Unlock()
	o.commit(v, func(base []*task.Task) []*task.Task {
		return overlay(base, map[string]*task.Task{id: shown})
	})

	o.logger.Info("timer "+op, "task_id", id, "version", row.Version, "elapsed", shown.ElapsedTime, "device_id", o.deviceID)
	return shown, nil
}

// Create creates a task at the remote and adds it to the local tree. With
// start set, the new task is then started as by StartTimer.
func (o *Orchestrator) Create(ctx context.Context, in task.CreateInput, start bool) (*task.Task, error) {
	if !o.acquire() {
		return nil, ErrProcessing
	}
	defer o.release()

	created, err := o.remote.Create(ctx, in)
	if err != nil {
		return nil, classify("create", err)
	}
	o.commit(o.view(), func(base []*task.Task) []*task.Task { return hierarchy.Insert(base, created) })
	o.logger.Info("task created", "task_id", created.ID, "device_id", o.deviceID)

	if !start {
		return created, nil
	}
	return o.start(ctx, created.ID)
}

// Delete removes id and its subtree at the remote, then locally. It returns
// the number of rows removed.
func (o *Orchestrator) Delete(ctx context.Context, id string) (int, error) {
	if !o.acquire() {
		return 0, ErrProcessing
	}
	defer o.release()

	v := o.view()
	root := hierarchy.FindByID(v.base, id)
	if root == nil {
		return 0, fmt.Errorf("delete %s: %w", id, task.ErrNotFound)
	}
	n, err := o.remote.Delete(ctx, id)
	if err != nil {
		return 0, classify(fmt.Sprintf("delete %s", id), err)
	}
	o.commit(v, func(base []*task.Task) []*task.Task { return hierarchy.Remove(base, id) })

	o.mu.Lock()
	for _, t := range hierarchy.Flatten([]*task.Task{root}) {
		delete(o.shown, t.ID)
	}
	o.mu.Unlock()

	o.logger.Info("task deleted", "task_id", id, "removed", n, "device_id", o.deviceID)
	return n, nil
}

// overlay returns a copy of forest with the given rows substituted in place,
// keeping each node's children. A row never replaces a node with a higher
// version.
func overlay(forest []*task.Task, rows map[string]*task.Task) []*task.Task {
	return hierarchy.MapTree(forest, func(n *task.Task) *task.Task {
		if r, ok := rows[n.ID]; ok && r.Version >= n.Version {
			return r.Clone()
		}
		return n
	})
}
