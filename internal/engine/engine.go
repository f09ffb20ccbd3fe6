package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/rangeload/internal/logctx"
	"github.com/italolelis/rangeload/internal/storage"
	"github.com/italolelis/rangeload/internal/telemetry"
	"github.com/italolelis/rangeload/internal/transfer"
)

const (
	dirPerm    = 0755
	filePerm   = 0644
	partSuffix = ".part"
)

// Config tunes how a task is split and reported.
type Config struct {
	Blocks            int           // blocks per range-capable task
	MinMultiBlockSize int64         // resources smaller than this use a single block
	ProgressInterval  time.Duration // 0 disables periodic OnProgress
	CheckpointEvery   int64         // bytes between checkpoint writes
	ChunkSize         int
	MaxSpeed          int64 // bytes per second per block, 0 for unlimited
}

func DefaultConfig() Config {
	return Config{
		Blocks:            3,
		MinMultiBlockSize: 1 << 20,
		ProgressInterval:  time.Second,
		CheckpointEvery:   1 << 20,
		ChunkSize:         32 << 10,
	}
}

// TerminalFunc is told when a run ends in COMPLETE, STOPPED, CANCELLED or FAILED.
type TerminalFunc func(e *Engine, s State)

type Option func(*Engine)

func WithListener(l transfer.Listener) Option {
	return func(e *Engine) { e.listener = l }
}

// WithTaskRepository lets the engine persist probe results and drop the record on cancel.
func WithTaskRepository(r storage.TaskRepository) Option {
	return func(e *Engine) { e.tasks = r }
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(e *Engine) { e.tel = t }
}

func WithTerminalHook(fn TerminalFunc) Option {
	return func(e *Engine) { e.onTerminal = fn }
}

// run is one Start..terminal cycle.
type run struct {
	ctx       context.Context
	cancel    context.CancelFunc
	agg       *aggregate
	workers   map[int]*worker
	plans     []BlockPlan
	end       State // guarded by Engine.mu, StateIdle until the run settles
	err       error
	done      chan struct{}
	timerDone chan struct{}
}

// Engine drives one task: it plans blocks, restores checkpoints, runs one worker per
// pending block and reports lifecycle callbacks.
type Engine struct {
	key        string
	direction  string
	transport  transfer.Transport
	store      storage.CheckpointStore
	tasks      storage.TaskRepository
	listener   transfer.Listener
	tel        *telemetry.Telemetry
	onTerminal TerminalFunc
	cfg        Config

	interval        atomic.Int64
	maxSpeed        atomic.Int64
	intervalChanged chan struct{}
	state           atomic.Int32

	mu      sync.Mutex
	task    transfer.Task
	probed  bool
	cur     *run
	baseCtx context.Context
}

// New builds an idle engine for task.
func New(task *transfer.Task, tr transfer.Transport, store storage.CheckpointStore, cfg Config, opts ...Option) *Engine {
	defaults := DefaultConfig()
	if cfg.Blocks < 1 {
		cfg.Blocks = defaults.Blocks
	}

	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = defaults.ChunkSize
	}

	if cfg.ProgressInterval < 0 {
		err := &transfer.ConfigInvalidError{Field: "progress_interval", Value: cfg.ProgressInterval, Reason: "must not be negative"}
		logctx.LoggerFromContext(context.Background()).Warn("using default progress interval",
			"task_key", task.Key, "default", defaults.ProgressInterval, "err", err)

		cfg.ProgressInterval = defaults.ProgressInterval
	}

	e := &Engine{
		key:             task.Key,
		direction:       task.Direction.String(),
		transport:       tr,
		store:           store,
		listener:        transfer.NopListener{},
		cfg:             cfg,
		task:            *task,
		intervalChanged: make(chan struct{}, 1),
		baseCtx:         context.Background(),
	}

	e.interval.Store(int64(cfg.ProgressInterval))
	e.maxSpeed.Store(cfg.MaxSpeed)

	for _, opt := range opts {
		opt(e)
	}

	return e
}

func (e *Engine) Key() string { return e.key }

// Task returns a copy of the task as currently known, including probe results.
func (e *Engine) Task() transfer.Task {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.task
}

func (e *Engine) State() State { return State(e.state.Load()) }

func (e *Engine) setState(s State) { e.state.Store(int32(s)) }

func (e *Engine) IsRunning() bool { return e.State() == StateRunning }

// Progress is the cumulative byte count of the latest run, checkpoint credit included.
func (e *Engine) Progress() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cur == nil {
		return 0
	}

	return e.cur.agg.bytes.Load()
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cur == nil {
		return Snapshot{}
	}

	return e.cur.agg.snapshot()
}

func (e *Engine) Size() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.task.Resource.Size
}

// Blocks returns the plans of the latest run.
func (e *Engine) Blocks() []BlockPlan {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cur == nil {
		return nil
	}

	return append([]BlockPlan(nil), e.cur.plans...)
}

// Done is closed when the latest run has settled and its terminal callback was emitted.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cur == nil {
		return closedChan()
	}

	return e.cur.done
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)

	return ch
}

// Start launches a run in the background. It is a no-op while a run is active and after
// the task completed or was cancelled. Starting a stopped or failed task resumes it.
func (e *Engine) Start(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.State() {
	case StateIdle, StateStopped, StateFailed:
	default:
		return false
	}

	var prev chan struct{}
	if e.cur != nil {
		prev = e.cur.done
	}

	e.baseCtx = ctx
	runCtx, cancel := context.WithCancel(logctx.WithTaskKey(ctx, e.key))

	r := &run{
		ctx:       runCtx,
		cancel:    cancel,
		agg:       &aggregate{},
		workers:   make(map[int]*worker),
		done:      make(chan struct{}),
		timerDone: make(chan struct{}),
	}

	e.cur = r
	e.setState(StatePre)

	go e.execute(r, prev)

	return true
}

// Resume is Start for a stopped task.
func (e *Engine) Resume(ctx context.Context) bool { return e.Start(ctx) }

// Retry restarts a failed task from its checkpoints.
func (e *Engine) Retry(ctx context.Context) bool {
	if e.State() != StateFailed {
		return false
	}

	return e.Start(ctx)
}

// Stop halts every worker, persists their positions and blocks until the run has settled.
// Calling it on an inactive engine is a no-op.
func (e *Engine) Stop() {
	<-e.StopAsync()
}

// StopAsync requests a stop and returns a channel closed once the run has settled.
func (e *Engine) StopAsync() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.interruptLocked(StateStopped)
}

func (e *Engine) interruptLocked(to State) <-chan struct{} {
	r := e.cur
	if r == nil {
		return closedChan()
	}

	if !e.State().Active() {
		return r.done
	}

	e.setState(to)
	r.end = to
	r.agg.running.Store(false)

	if to == StateCancelled {
		r.agg.cancelled.Store(true)
	} else {
		r.agg.stopped.Store(true)
	}

	for _, w := range r.workers {
		if to == StateCancelled {
			w.cancel()
		} else {
			w.stop()
		}
	}

	r.cancel()

	return r.done
}

// Cancel halts the task for good: checkpoints and the task record are discarded and the
// partial file is removed when the task asks for it.
func (e *Engine) Cancel() {
	e.mu.Lock()

	s := e.State()
	switch {
	case s == StateComplete || s == StateCancelled:
		e.mu.Unlock()
		return
	case s.Active():
		done := e.interruptLocked(StateCancelled)
		e.mu.Unlock()
		<-done

		return
	}

	e.setState(StateCancelled)

	var prev <-chan struct{}
	if e.cur != nil {
		prev = e.cur.done
	}

	ctx := logctx.WithTaskKey(e.baseCtx, e.key)
	e.mu.Unlock()

	if prev != nil {
		<-prev
	}

	e.discard(ctx)
	e.listener.OnCancel()
	e.terminal(StateCancelled)
}

// SetMaxSpeed changes the per-block rate limit of live workers and of later runs.
func (e *Engine) SetMaxSpeed(bytesPerSecond int64) {
	if bytesPerSecond < 0 {
		bytesPerSecond = 0
	}

	e.maxSpeed.Store(bytesPerSecond)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cur == nil {
		return
	}

	for _, w := range e.cur.workers {
		w.setMaxSpeed(bytesPerSecond)
	}
}

// SetProgressInterval changes how often OnProgress fires. Negative values are rejected
// and the previous interval is kept.
func (e *Engine) SetProgressInterval(d time.Duration) error {
	if d < 0 {
		err := &transfer.ConfigInvalidError{Field: "progress_interval", Value: d, Reason: "must not be negative"}

		e.mu.Lock()
		ctx := e.baseCtx
		e.mu.Unlock()

		logctx.LoggerFromContext(ctx).WarnContext(ctx, "ignoring progress interval", "task_key", e.key, "err", err)

		return err
	}

	e.interval.Store(int64(d))

	select {
	case e.intervalChanged <- struct{}{}:
	default:
	}

	return nil
}

func (e *Engine) ProgressInterval() time.Duration {
	return time.Duration(e.interval.Load())
}

func (e *Engine) terminal(s State) {
	if e.onTerminal != nil {
		e.onTerminal(e, s)
	}
}

// execute is the body of a run goroutine.
func (e *Engine) execute(r *run, prev <-chan struct{}) {
	if prev != nil {
		<-prev
	}

	ctx, finish := e.tel.StartTaskRun(r.ctx, e.direction)
	logger := logctx.LoggerFromContext(ctx)

	timerStarted := e.transfer(ctx, r)

	r.cancel()

	if timerStarted {
		<-r.timerDone
	}

	e.mu.Lock()

	end, err := r.end, r.err
	if end == StateIdle {
		// parent context ended without an explicit stop
		end = StateStopped
		r.end = end
		r.agg.stopped.Store(true)
		r.agg.running.Store(false)

		e.setState(StateStopped)
	}

	e.mu.Unlock()

	bytes := r.agg.bytes.Load()

	switch end {
	case StateComplete:
		logger.InfoContext(ctx, "transfer complete", "direction", e.direction, "size", humanize.Bytes(uint64(bytes)))
		e.listener.OnComplete()
	case StateStopped:
		logger.InfoContext(ctx, "transfer stopped", "transferred", humanize.Bytes(uint64(bytes)))
		e.listener.OnStop(bytes)
	case StateCancelled:
		e.discard(ctx)
		logger.InfoContext(ctx, "transfer cancelled")
		e.listener.OnCancel()
	case StateFailed:
		logger.ErrorContext(ctx, "transfer failed", "err", err)
		e.listener.OnFail(err, transfer.IsRetryable(err))
	}

	finish(end.String())
	e.terminal(end)
	close(r.done)
}

// transfer probes, plans and runs the workers. It reports whether the progress timer was started.
func (e *Engine) transfer(ctx context.Context, r *run) bool {
	logger := logctx.LoggerFromContext(ctx)

	e.mu.Lock()
	needsProbe := e.task.IsNew || !e.probed
	e.mu.Unlock()

	if needsProbe {
		if err := e.probe(ctx); err != nil {
			e.failUnlessEnded(r, err)
			return false
		}
	}

	task := e.Task()

	file, existed, err := openLocal(task)
	if err != nil {
		e.failUnlessEnded(r, &transfer.ResourceUnavailableError{Op: "open_local", Address: task.Resource.Path, Err: err})
		return false
	}
	defer file.Close()

	plans, pending, err := e.plan(ctx, r, task, file, existed)
	if err != nil {
		e.failUnlessEnded(r, &transfer.ResourceUnavailableError{Op: "prepare_local", Address: task.Resource.Path, Err: err})
		return false
	}

	e.mu.Lock()

	if e.State() != StatePre || r.end != StateIdle {
		e.mu.Unlock()
		return false
	}

	r.plans = plans

	workers := make([]*worker, 0, len(pending))
	for _, plan := range pending {
		w := e.newWorker(ctx, r, task, file, plan)
		r.workers[plan.Index] = w
		workers = append(workers, w)
	}

	e.setState(StateRunning)
	r.agg.running.Store(true)

	e.mu.Unlock()

	bytes := r.agg.bytes.Load()

	logger.InfoContext(ctx, "starting transfer",
		"direction", e.direction,
		"size", humanize.Bytes(uint64(task.Resource.Size)),
		"blocks", len(plans),
		"pending_blocks", len(pending),
		"resumed_at", humanize.Bytes(uint64(bytes)),
	)

	e.listener.OnPre(task.Resource.Size)

	if len(pending) == 0 {
		if e.completeRun(r) {
			e.finalize(ctx, task)
		}

		return false
	}

	if bytes == 0 {
		e.listener.OnStart(bytes)
	} else {
		e.listener.OnResume(bytes)
	}

	go e.runTimer(r)

	g := new(errgroup.Group)
	g.SetLimit(len(workers))

	for _, w := range workers {
		g.Go(func() error {
			r.agg.startedBlocks.Add(1)

			sig, err := w.run(ctx)
			e.tel.RecordBlock(sig.String())

			switch sig {
			case signalDone:
				if e.blockDone(r) {
					e.finalize(ctx, task)
				}
			case signalStopped:
				r.agg.stopAcks.Add(1)
			case signalCancelled:
				r.agg.cancelAcks.Add(1)
			case signalFailed:
				e.fail(r, err)

				return fmt.Errorf("block %d: %w", w.plan.Index, err)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.DebugContext(ctx, "workers finished with error", "err", err)
	}

	return true
}

func (e *Engine) newWorker(ctx context.Context, r *run, task transfer.Task, file *os.File, plan BlockPlan) *worker {
	return &worker{
		plan:      plan,
		task:      task,
		file:      file,
		transport: e.transport,
		store:     e.store,
		persist:   task.Resource.SupportsRange,
		chunkSize: e.cfg.ChunkSize,
		every:     e.cfg.CheckpointEvery,
		limiter:   newLimiter(e.maxSpeed.Load(), e.cfg.ChunkSize),
		onBytes: func(n int) {
			r.agg.bytes.Add(int64(n))
			e.tel.AddBytes(e.direction, int64(n))
		},
	}
}

// probe asks the transport about the resource once per engine, or again for new tasks.
func (e *Engine) probe(ctx context.Context) error {
	task := e.Task()
	address := task.Resource.Address()

	var localSize int64

	if task.Direction == transfer.Upload {
		info, err := os.Stat(task.Resource.Path)
		if err != nil {
			return &transfer.ResourceUnavailableError{Op: "stat", Address: task.Resource.Path, Err: err}
		}

		localSize = info.Size()
	}

	p, err := e.transport.Probe(ctx, task.Resource)
	if err != nil {
		return asUnavailable("probe", address, err)
	}

	if task.Direction == transfer.Upload {
		p.Size = localSize
	}

	if p.Size < 0 {
		return &transfer.ResourceUnavailableError{Op: "probe", Address: address, Err: errors.New("unknown content length")}
	}

	e.mu.Lock()
	e.task.Resource.Size = p.Size
	e.task.Resource.SupportsRange = p.SupportsRange
	if e.task.Resource.RedirectURL == "" && p.RedirectURL != "" {
		e.task.Resource.RedirectURL = p.RedirectURL
	}
	e.task.IsNew = false
	e.probed = true
	probed := e.task
	e.mu.Unlock()

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "probed resource",
		"size", humanize.Bytes(uint64(p.Size)),
		"supports_range", p.SupportsRange,
		"redirect", p.RedirectURL != "",
	)

	if e.tasks != nil {
		if err := e.tasks.SaveTask(ctx, &probed); err != nil {
			logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to persist task record", "err", err)
		}
	}

	return nil
}

func tempPath(task transfer.Task) string {
	if task.Direction == transfer.Upload {
		return task.Resource.Path
	}

	return task.Resource.Path + partSuffix
}

// openLocal opens the temp file for downloads or the source file for uploads.
func openLocal(task transfer.Task) (*os.File, bool, error) {
	if task.Direction == transfer.Upload {
		f, err := os.Open(task.Resource.Path)
		return f, true, err
	}

	path := tempPath(task)

	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, false, fmt.Errorf("failed to create target directory: %w", err)
	}

	_, statErr := os.Stat(path)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, filePerm)

	return f, statErr == nil, err
}

// plan partitions the resource and applies checkpoints. It returns every block plan and the
// ones still needing a worker, and seeds the run's aggregate.
func (e *Engine) plan(ctx context.Context, r *run, task transfer.Task, file *os.File, existed bool) ([]BlockPlan, []BlockPlan, error) {
	logger := logctx.LoggerFromContext(ctx)
	res := task.Resource
	download := task.Direction == transfer.Download

	plans := Partition(res.Size, BlockCount(res.Size, res.SupportsRange, e.cfg.Blocks, e.cfg.MinMultiBlockSize))
	for i := range plans {
		plans[i].TempPath = tempPath(task)
	}

	var records map[int]storage.Record

	if res.SupportsRange {
		loaded, err := e.store.Load(ctx, e.key)
		if err != nil {
			logger.WarnContext(ctx, "failed to load checkpoints, starting fresh", "err", err)
		}

		records = loaded

		if download && !existed && len(records) > 0 {
			logger.WarnContext(ctx, "partial file missing, discarding checkpoints")

			records = nil
			e.clearCheckpoints(ctx)
		}

		if download {
			if err := ensureSize(file, res.Size); err != nil {
				return nil, nil, err
			}
		}
	} else {
		e.clearCheckpoints(ctx)

		if download {
			if err := file.Truncate(0); err != nil {
				return nil, nil, err
			}
		}
	}

	restored := restore(ctx, e.key, plans, records)

	r.agg.totalBlocks.Store(int32(len(plans)))
	r.agg.completedBlocks.Store(int32(restored.completed))
	r.agg.bytes.Store(restored.credited)

	return plans, restored.pending, nil
}

func ensureSize(file *os.File, size int64) error {
	info, err := file.Stat()
	if err != nil {
		return err
	}

	if info.Size() == size {
		return nil
	}

	return file.Truncate(size)
}

// blockDone counts a finished block and reports whether the caller won the completion.
func (e *Engine) blockDone(r *run) bool {
	r.agg.completedBlocks.Add(1)

	if !r.agg.allComplete() {
		return false
	}

	return e.completeRun(r)
}

func (e *Engine) completeRun(r *run) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.State() != StateRunning || r.end != StateIdle {
		return false
	}

	e.setState(StateComplete)
	r.end = StateComplete
	r.agg.running.Store(false)
	r.cancel()

	return true
}

// finalize runs exactly once per completed task.
func (e *Engine) finalize(ctx context.Context, task transfer.Task) {
	e.clearCheckpoints(ctx)

	if task.Direction != transfer.Download {
		return
	}

	if err := os.Rename(tempPath(task), task.Resource.Path); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to move completed file into place",
			"temp_path", tempPath(task), "path", task.Resource.Path, "err", err)
		e.tel.RecordSystemError("engine", "finalize")
	}
}

func (e *Engine) fail(r *run, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.State().Active() || r.end != StateIdle {
		return
	}

	e.setState(StateFailed)
	r.end = StateFailed
	r.err = err
	r.agg.running.Store(false)

	for _, w := range r.workers {
		w.stop()
	}

	r.cancel()
}

// failUnlessEnded fails the run unless its context already ended. An ended context settles
// the run as STOPPED, the same way workers treat it.
func (e *Engine) failUnlessEnded(r *run, err error) {
	if r.ctx.Err() != nil {
		return
	}

	e.fail(r, err)
}

func (e *Engine) clearCheckpoints(ctx context.Context) {
	if err := e.store.Clear(context.WithoutCancel(ctx), e.key); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to clear checkpoints", "err", err)
	}
}

// discard drops everything persisted for a cancelled task.
func (e *Engine) discard(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	logger := logctx.LoggerFromContext(ctx)
	task := e.Task()

	e.clearCheckpoints(ctx)

	if e.tasks != nil {
		if err := e.tasks.DeleteTask(ctx, e.key); err != nil {
			logger.WarnContext(ctx, "failed to delete task record", "err", err)
		}
	}

	if task.RemoveFileOnCancel && task.Direction == transfer.Download {
		if err := os.Remove(tempPath(task)); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.WarnContext(ctx, "failed to remove partial file", "path", tempPath(task), "err", err)
		}
	}
}

// runTimer emits OnProgress while the run is moving bytes.
func (e *Engine) runTimer(r *run) {
	defer close(r.timerDone)

	var (
		ticker *time.Ticker
		tick   <-chan time.Time
	)

	reset := func() {
		if ticker != nil {
			ticker.Stop()
			ticker, tick = nil, nil
		}

		if d := time.Duration(e.interval.Load()); d > 0 {
			ticker = time.NewTicker(d)
			tick = ticker.C
		}
	}

	reset()

	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-e.intervalChanged:
			reset()
		case <-tick:
			if e.State() == StateRunning {
				e.listener.OnProgress(r.agg.bytes.Load())
			}
		}
	}
}
