// Package queue bounds how many transfer engines run at once.
package queue

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/italolelis/rangeload/internal/engine"
	"github.com/italolelis/rangeload/internal/logctx"
	"github.com/italolelis/rangeload/internal/storage"
	"github.com/italolelis/rangeload/internal/telemetry"
	"github.com/italolelis/rangeload/internal/transfer"
)

const DefaultMaxConcurrent = 2

// EngineFactory builds the engine for a task. The hook must be installed with
// engine.WithTerminalHook so the queue learns when a run ends.
type EngineFactory func(task *transfer.Task, hook engine.TerminalFunc) *engine.Engine

// Slot tells where a task sits in the queue.
type Slot string

const (
	SlotRunning Slot = "running"
	SlotWaiting Slot = "waiting"
	SlotParked  Slot = "parked"
)

// Entry is a task known to the queue.
type Entry struct {
	Engine *engine.Engine
	Slot   Slot
}

type Option func(*Queue)

// WithTaskRepository persists new tasks and drops completed ones.
func WithTaskRepository(r storage.TaskRepository) Option {
	return func(q *Queue) { q.tasks = r }
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(q *Queue) { q.tel = t }
}

func WithMaxConcurrent(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.max = n
		}
	}
}

// Queue keeps a bounded running set, a FIFO waiting pool and the parked tasks a user stopped
// or that failed. Parked tasks are never promoted on their own.
type Queue struct {
	factory EngineFactory
	tasks   storage.TaskRepository
	tel     *telemetry.Telemetry

	mu      sync.Mutex
	ctx     context.Context
	max     int
	seq     uint64
	engines map[string]*engine.Engine
	running map[string]uint64 // key to start sequence
	waiting []string
}

// New creates a queue. Engines started by the queue run under ctx.
func New(ctx context.Context, factory EngineFactory, opts ...Option) *Queue {
	q := &Queue{
		factory: factory,
		ctx:     ctx,
		max:     DefaultMaxConcurrent,
		engines: make(map[string]*engine.Engine),
		running: make(map[string]uint64),
	}

	for _, opt := range opts {
		opt(q)
	}

	return q
}

func (q *Queue) logger(op, key string) *slog.Logger {
	logger := logctx.LoggerFromContext(q.ctx).With("operation", op, "operation_id", uuid.NewString())
	if key != "" {
		logger = logger.With("task_key", key)
	}

	return logger
}

// CreateOption adjusts how CreateOrGet registers a new task.
type CreateOption func(*createOptions)

type createOptions struct {
	parked bool
}

// Parked registers the task without adding it to the waiting pool, so promotion never starts it.
func Parked() CreateOption {
	return func(o *createOptions) { o.parked = true }
}

// CreateOrGet returns the known engine for key, or builds one from newTask and appends it to
// the waiting pool without starting it.
func (q *Queue) CreateOrGet(key string, newTask func() *transfer.Task, opts ...CreateOption) (*engine.Engine, bool) {
	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}

	q.mu.Lock()

	if e, ok := q.engines[key]; ok {
		q.mu.Unlock()
		return e, false
	}

	task := newTask()
	task.Key = key

	e := q.factory(task, q.onTerminal)
	q.engines[key] = e

	if !o.parked {
		q.waiting = append(q.waiting, key)
	}

	q.recordDepthLocked()

	q.mu.Unlock()

	if q.tasks != nil {
		if err := q.tasks.SaveTask(q.ctx, task); err != nil {
			q.logger("create", key).WarnContext(q.ctx, "failed to persist task record", "err", err)
		}
	}

	q.logger("create", key).DebugContext(q.ctx, "task queued", "direction", task.Direction.String(), "parked", o.parked)

	return e, true
}

// Start runs the task when the running set has room. Otherwise the task stays in, or joins,
// the waiting pool and Start reports false.
func (q *Queue) Start(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.engines[key]
	if !ok {
		return false
	}

	if _, running := q.running[key]; running {
		return true
	}

	if q.closedLocked() {
		return false
	}

	if len(q.running) >= q.max {
		q.enqueueLocked(key)

		q.logger("start", key).DebugContext(q.ctx, "task left waiting",
			"err", transfer.ErrCapacityExceeded, "running", len(q.running), "max", q.max)

		return false
	}

	q.removeWaitingLocked(key)

	return q.startLocked(key, e)
}

// Resume starts the task, preempting the least recently started running task when the
// running set is full. The preempted task goes back to the front of the waiting pool.
func (q *Queue) Resume(key string) bool {
	q.mu.Lock()

	e, ok := q.engines[key]
	if !ok {
		q.mu.Unlock()
		return false
	}

	if _, running := q.running[key]; running {
		q.mu.Unlock()
		return true
	}

	if q.closedLocked() {
		q.mu.Unlock()
		return false
	}

	q.removeWaitingLocked(key)

	if len(q.running) < q.max {
		started := q.startLocked(key, e)
		q.mu.Unlock()

		return started
	}

	victimKey := q.oldestRunningLocked()
	victim := q.engines[victimKey]

	delete(q.running, victimKey)
	q.waiting = append([]string{victimKey}, q.waiting...)

	q.seq++
	q.running[key] = q.seq
	q.recordDepthLocked()

	stopped := victim.StopAsync()

	q.mu.Unlock()

	q.logger("resume", key).InfoContext(q.ctx, "preempting running task", "preempted", victimKey)

	<-stopped

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, still := q.running[key]; !still {
		return false
	}

	if q.closedLocked() {
		delete(q.running, key)
		q.enqueueLocked(key)

		return false
	}

	if !e.Start(q.ctx) {
		delete(q.running, key)
		q.settleLocked(key, e)
		q.promoteLocked()

		return false
	}

	return true
}

// Retry restarts a failed task.
func (q *Queue) Retry(key string) bool {
	e, ok := q.Get(key)
	if !ok || e.State() != engine.StateFailed {
		return false
	}

	return q.Start(key)
}

// Stop halts the task and parks it. It returns once the engine has settled.
func (q *Queue) Stop(key string) {
	q.mu.Lock()

	e, ok := q.engines[key]
	if !ok {
		q.mu.Unlock()
		return
	}

	q.removeWaitingLocked(key)
	delete(q.running, key)

	done := e.StopAsync()
	q.promoteLocked()

	q.mu.Unlock()

	<-done

	q.logger("stop", key).InfoContext(q.ctx, "task stopped", "transferred", e.Progress())
}

// Cancel halts the task, discards its progress and forgets it.
func (q *Queue) Cancel(key string) {
	e, ok := q.forget(key)
	if !ok {
		return
	}

	e.Cancel()

	if q.tasks != nil {
		if err := q.tasks.DeleteTask(context.WithoutCancel(q.ctx), key); err != nil {
			q.logger("cancel", key).WarnContext(q.ctx, "failed to delete task record", "err", err)
		}
	}

	q.logger("cancel", key).InfoContext(q.ctx, "task cancelled")
}

// Remove stops the task and forgets it. Checkpoints are kept so the same key can resume later.
func (q *Queue) Remove(key string) {
	e, ok := q.forget(key)
	if !ok {
		return
	}

	e.Stop()

	if q.tasks != nil {
		if err := q.tasks.DeleteTask(context.WithoutCancel(q.ctx), key); err != nil {
			q.logger("remove", key).WarnContext(q.ctx, "failed to delete task record", "err", err)
		}
	}

	q.logger("remove", key).InfoContext(q.ctx, "task removed")
}

func (q *Queue) forget(key string) (*engine.Engine, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.engines[key]
	if !ok {
		return nil, false
	}

	q.removeWaitingLocked(key)
	delete(q.running, key)
	delete(q.engines, key)
	q.promoteLocked()

	return e, true
}

// StopAll stops every running task and parks every waiting one.
func (q *Queue) StopAll() {
	q.mu.Lock()

	dones := make([]<-chan struct{}, 0, len(q.running))
	for key := range q.running {
		dones = append(dones, q.engines[key].StopAsync())
	}

	q.running = make(map[string]uint64)
	q.waiting = nil
	q.recordDepthLocked()

	q.mu.Unlock()

	for _, done := range dones {
		<-done
	}

	q.logger("stop_all", "").InfoContext(q.ctx, "all tasks stopped", "stopped", len(dones))
}

// RemoveAll stops and forgets every task.
func (q *Queue) RemoveAll() {
	q.mu.Lock()

	engines := q.engines
	q.engines = make(map[string]*engine.Engine)
	q.running = make(map[string]uint64)
	q.waiting = nil
	q.recordDepthLocked()

	q.mu.Unlock()

	dones := make([]<-chan struct{}, 0, len(engines))
	for _, e := range engines {
		dones = append(dones, e.StopAsync())
	}

	for _, done := range dones {
		<-done
	}

	if q.tasks != nil {
		for key := range engines {
			if err := q.tasks.DeleteTask(context.WithoutCancel(q.ctx), key); err != nil {
				q.logger("remove_all", key).WarnContext(q.ctx, "failed to delete task record", "err", err)
			}
		}
	}

	q.logger("remove_all", "").InfoContext(q.ctx, "all tasks removed", "removed", len(engines))
}

func (q *Queue) Get(key string) (*engine.Engine, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.engines[key]

	return e, ok
}

// IsRunning reports whether the task is moving bytes.
func (q *Queue) IsRunning(key string) bool {
	e, ok := q.Get(key)

	return ok && e.IsRunning()
}

// List returns running tasks in start order, then the waiting pool in FIFO order, then parked
// tasks by key.
func (q *Queue) List() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, 0, len(q.engines))

	running := make([]string, 0, len(q.running))
	for key := range q.running {
		running = append(running, key)
	}

	sort.Slice(running, func(i, j int) bool { return q.running[running[i]] < q.running[running[j]] })

	seen := make(map[string]bool, len(q.engines))

	for _, key := range running {
		out = append(out, Entry{Engine: q.engines[key], Slot: SlotRunning})
		seen[key] = true
	}

	for _, key := range q.waiting {
		out = append(out, Entry{Engine: q.engines[key], Slot: SlotWaiting})
		seen[key] = true
	}

	parked := make([]string, 0)
	for key := range q.engines {
		if !seen[key] {
			parked = append(parked, key)
		}
	}

	sort.Strings(parked)

	for _, key := range parked {
		out = append(out, Entry{Engine: q.engines[key], Slot: SlotParked})
	}

	return out
}

// SetMaxConcurrent changes the size of the running set. Raising it promotes waiting tasks;
// lowering it stops the most recently started tasks and puts them back at the front of the
// waiting pool.
func (q *Queue) SetMaxConcurrent(n int) error {
	if n < 1 {
		err := &transfer.ConfigInvalidError{Field: "max_concurrent", Value: n, Reason: "must be at least 1"}
		q.logger("set_max_concurrent", "").WarnContext(q.ctx, "ignoring running set size", "err", err)

		return err
	}

	q.mu.Lock()

	q.max = n

	var dones []<-chan struct{}

	if excess := len(q.running) - n; excess > 0 {
		newest := q.runningByStartLocked()
		newest = newest[len(newest)-excess:]

		for _, key := range newest {
			delete(q.running, key)
			dones = append(dones, q.engines[key].StopAsync())
		}

		q.waiting = append(append([]string{}, newest...), q.waiting...)
		q.recordDepthLocked()
	} else {
		q.promoteLocked()
	}

	q.mu.Unlock()

	for _, done := range dones {
		<-done
	}

	q.logger("set_max_concurrent", "").InfoContext(q.ctx, "running set resized", "max", n, "stopped", len(dones))

	return nil
}

func (q *Queue) MaxConcurrent() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.max
}

func (q *Queue) RunningCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.running)
}

func (q *Queue) WaitingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.waiting)
}

// Restore queues every task found in the task repository and starts as many as capacity
// allows. It returns how many tasks were restored.
func (q *Queue) Restore(ctx context.Context) (int, error) {
	if q.tasks == nil {
		return 0, nil
	}

	tasks, err := q.tasks.ListTasks(ctx)
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	restored := 0

	for _, task := range tasks {
		if _, ok := q.engines[task.Key]; ok {
			continue
		}

		task.IsNew = false

		q.engines[task.Key] = q.factory(task, q.onTerminal)
		q.waiting = append(q.waiting, task.Key)
		restored++
	}

	q.promoteLocked()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "restored tasks", "restored", restored, "running", len(q.running))

	return restored, nil
}

// Shutdown stops every engine and releases them. Checkpoints and task records are kept so
// Restore picks the tasks up on the next start.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()

	engines := q.engines
	q.engines = make(map[string]*engine.Engine)
	q.running = make(map[string]uint64)
	q.waiting = nil

	q.mu.Unlock()

	dones := make([]<-chan struct{}, 0, len(engines))
	for _, e := range engines {
		dones = append(dones, e.StopAsync())
	}

	for _, done := range dones {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// onTerminal is installed as every engine's terminal hook. Reports about a task the queue has
// already moved, or about a run that was superseded, are ignored.
func (q *Queue) onTerminal(e *engine.Engine, s engine.State) {
	key := e.Key()

	q.mu.Lock()

	if _, ok := q.running[key]; !ok || q.engines[key] != e || e.State() != s {
		q.mu.Unlock()
		return
	}

	delete(q.running, key)
	completed := q.settleLocked(key, e)
	q.promoteLocked()

	q.mu.Unlock()

	if completed && q.tasks != nil {
		if err := q.tasks.DeleteTask(context.WithoutCancel(q.ctx), key); err != nil {
			q.logger("complete", key).WarnContext(q.ctx, "failed to delete task record", "err", err)
		}
	}

	logctx.LoggerFromContext(q.ctx).DebugContext(q.ctx, "task left running set", "task_key", key, "state", s.String())
}

// settleLocked forgets finished tasks and reports whether the task completed. Stopped and
// failed tasks stay known, parked.
func (q *Queue) settleLocked(key string, e *engine.Engine) bool {
	switch e.State() {
	case engine.StateComplete:
		delete(q.engines, key)
		return true
	case engine.StateCancelled:
		delete(q.engines, key)
	}

	return false
}

// closedLocked reports whether the queue context ended. Nothing starts after that, so a
// shutdown leaves waiting tasks untouched for the next Restore.
func (q *Queue) closedLocked() bool {
	return q.ctx.Err() != nil
}

func (q *Queue) startLocked(key string, e *engine.Engine) bool {
	if q.closedLocked() {
		return false
	}

	q.seq++
	q.running[key] = q.seq

	if !e.Start(q.ctx) {
		delete(q.running, key)
		q.settleLocked(key, e)
		q.recordDepthLocked()

		return false
	}

	q.recordDepthLocked()

	return true
}

// promoteLocked starts waiting tasks in FIFO order while the running set has room.
func (q *Queue) promoteLocked() {
	for !q.closedLocked() && len(q.running) < q.max && len(q.waiting) > 0 {
		key := q.waiting[0]
		q.waiting = q.waiting[1:]

		e, ok := q.engines[key]
		if !ok {
			continue
		}

		if q.startLocked(key, e) {
			q.logger("promote", key).DebugContext(q.ctx, "task promoted")
		}
	}

	q.recordDepthLocked()
}

func (q *Queue) enqueueLocked(key string) {
	for _, k := range q.waiting {
		if k == key {
			return
		}
	}

	q.waiting = append(q.waiting, key)
	q.recordDepthLocked()
}

func (q *Queue) removeWaitingLocked(key string) {
	for i, k := range q.waiting {
		if k == key {
			q.waiting = append(q.waiting[:i:i], q.waiting[i+1:]...)
			return
		}
	}
}

func (q *Queue) runningByStartLocked() []string {
	keys := make([]string, 0, len(q.running))
	for key := range q.running {
		keys = append(keys, key)
	}

	sort.Slice(keys, func(i, j int) bool { return q.running[keys[i]] < q.running[keys[j]] })

	return keys
}

func (q *Queue) oldestRunningLocked() string {
	return q.runningByStartLocked()[0]
}

func (q *Queue) recordDepthLocked() {
	q.tel.RecordQueueDepth(len(q.running), len(q.waiting))
}
