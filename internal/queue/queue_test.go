package queue

import (
	"context"
	"crypto/rand"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/rangeload/internal/engine"
	"github.com/italolelis/rangeload/internal/storage"
	"github.com/italolelis/rangeload/internal/transfer"
	"github.com/italolelis/rangeload/internal/transfer/transfertest"
)

const waitFor = 5 * time.Second

type harness struct {
	t     *testing.T
	dir   string
	store *storage.MemoryCheckpointStore
	tasks *storage.MemoryTaskRepository
	queue *Queue

	// cancel ends the context the queue runs engines under
	cancel context.CancelFunc

	mu         sync.Mutex
	transports map[string]*transfertest.Transport
}

func newHarness(t *testing.T, max int) *harness {
	t.Helper()

	h := &harness{
		t:          t,
		dir:        t.TempDir(),
		store:      storage.NewMemoryCheckpointStore(),
		tasks:      storage.NewMemoryTaskRepository(),
		transports: make(map[string]*transfertest.Transport),
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	h.queue = New(ctx, h.factory, WithMaxConcurrent(max), WithTaskRepository(h.tasks))

	t.Cleanup(func() {
		cancel()

		h.mu.Lock()
		for _, tr := range h.transports {
			select {
			case <-tr.Release:
			default:
				close(tr.Release)
			}
		}
		h.mu.Unlock()

		_ = h.queue.Shutdown(context.Background())
	})

	return h
}

func (h *harness) transport(key string) *transfertest.Transport {
	h.mu.Lock()
	defer h.mu.Unlock()

	tr, ok := h.transports[key]
	if !ok {
		data := make([]byte, 4000)
		_, _ = rand.Read(data)

		tr = transfertest.New(data, true)
		tr.BlockAfter = 500
		h.transports[key] = tr
	}

	return tr
}

func (h *harness) factory(task *transfer.Task, hook engine.TerminalFunc) *engine.Engine {
	cfg := engine.Config{Blocks: 2, MinMultiBlockSize: 1000, ChunkSize: 100, CheckpointEvery: 200}

	return engine.New(task, h.transport(task.Key), h.store, cfg,
		engine.WithTaskRepository(h.tasks),
		engine.WithTerminalHook(hook),
	)
}

func (h *harness) add(key string) *engine.Engine {
	e, created := h.queue.CreateOrGet(key, func() *transfer.Task {
		return transfer.NewDownload(key, filepath.Join(h.dir, filepath.Base(key)))
	})
	require.True(h.t, created)

	return e
}

// finish lets every range of the task run to the end.
func (h *harness) finish(key string) {
	close(h.transport(key).Release)
}

func (h *harness) slots() map[string]Slot {
	out := make(map[string]Slot)
	for _, entry := range h.queue.List() {
		out[entry.Engine.Key()] = entry.Slot
	}

	return out
}

func (h *harness) waitRunning(key string) {
	h.t.Helper()

	require.Eventually(h.t, func() bool { return h.queue.IsRunning(key) }, waitFor, 5*time.Millisecond)
}

func (h *harness) waitingKeys() []string {
	h.queue.mu.Lock()
	defer h.queue.mu.Unlock()

	return append([]string(nil), h.queue.waiting...)
}

func TestQueue_CreateOrGetReturnsExisting(t *testing.T) {
	h := newHarness(t, 2)

	first := h.add("http://example.com/a")

	again, created := h.queue.CreateOrGet("http://example.com/a", func() *transfer.Task {
		t.Fatal("task builder must not run for a known key")
		return nil
	})

	assert.False(t, created)
	assert.Same(t, first, again)
	assert.Equal(t, 1, h.queue.WaitingCount())

	saved, err := h.tasks.ListTasks(context.Background())
	require.NoError(t, err)
	assert.Len(t, saved, 1)
}

func TestQueue_StartRespectsBound(t *testing.T) {
	h := newHarness(t, 2)

	keys := []string{"http://example.com/a", "http://example.com/b", "http://example.com/c", "http://example.com/d"}
	for _, key := range keys {
		h.add(key)
	}

	assert.True(t, h.queue.Start(keys[0]))
	assert.True(t, h.queue.Start(keys[1]))
	assert.False(t, h.queue.Start(keys[2]))
	assert.False(t, h.queue.Start(keys[3]))

	assert.Equal(t, 2, h.queue.RunningCount())
	assert.Equal(t, 2, h.queue.WaitingCount())
	assert.Equal(t, []string{keys[2], keys[3]}, h.waitingKeys())
}

func TestQueue_PromotesWaitingInFIFOOrder(t *testing.T) {
	h := newHarness(t, 3)

	a, b, c := "http://example.com/a", "http://example.com/b", "http://example.com/c"
	d, e := "http://example.com/d", "http://example.com/e"

	for _, key := range []string{a, b, c} {
		h.add(key)
		require.True(t, h.queue.Start(key))
	}

	h.add(d)
	h.add(e)

	h.waitRunning(a)
	h.finish(a)

	require.Eventually(t, func() bool {
		_, known := h.queue.Get(a)
		return !known && h.slots()[d] == SlotRunning
	}, waitFor, 5*time.Millisecond)

	assert.Equal(t, SlotWaiting, h.slots()[e])
	assert.Equal(t, 3, h.queue.RunningCount())
	assert.Equal(t, []string{e}, h.waitingKeys())

	saved, err := h.tasks.ListTasks(context.Background())
	require.NoError(t, err)
	for _, task := range saved {
		assert.NotEqual(t, a, task.Key)
	}
}

func TestQueue_ResumePreemptsOldest(t *testing.T) {
	h := newHarness(t, 2)

	a, b, c := "http://example.com/a", "http://example.com/b", "http://example.com/c"

	for _, key := range []string{a, b} {
		h.add(key)
		require.True(t, h.queue.Start(key))
		h.waitRunning(key)
	}

	victim, _ := h.queue.Get(a)
	h.add(c)

	assert.True(t, h.queue.Resume(c))

	assert.Equal(t, 2, h.queue.RunningCount())
	assert.Equal(t, []string{a}, h.waitingKeys())
	assert.Equal(t, engine.StateStopped, victim.State())

	slots := h.slots()
	assert.Equal(t, SlotRunning, slots[b])
	assert.Equal(t, SlotRunning, slots[c])
	assert.Equal(t, SlotWaiting, slots[a])

	// the preempted task comes back first once a slot frees up
	h.finish(b)

	require.Eventually(t, func() bool { return h.slots()[a] == SlotRunning }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 2, h.queue.RunningCount())
}

func TestQueue_StopParksTask(t *testing.T) {
	h := newHarness(t, 1)

	a, b := "http://example.com/a", "http://example.com/b"
	h.add(a)
	h.add(b)

	require.True(t, h.queue.Start(a))
	h.waitRunning(a)

	h.queue.Stop(a)

	e, ok := h.queue.Get(a)
	require.True(t, ok)
	assert.Equal(t, engine.StateStopped, e.State())
	assert.Equal(t, SlotParked, h.slots()[a])
	assert.Equal(t, SlotRunning, h.slots()[b])

	// parked tasks are not promoted by themselves
	h.finish(b)

	require.Eventually(t, func() bool { return h.queue.RunningCount() == 0 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, SlotParked, h.slots()[a])

	h.finish(a)
	require.True(t, h.queue.Start(a))

	require.Eventually(t, func() bool {
		_, known := h.queue.Get(a)
		return !known
	}, waitFor, 5*time.Millisecond)
}

func TestQueue_CancelForgetsTask(t *testing.T) {
	h := newHarness(t, 2)

	a := "http://example.com/a"
	h.add(a)
	require.True(t, h.queue.Start(a))
	h.waitRunning(a)

	h.queue.Cancel(a)

	_, ok := h.queue.Get(a)
	assert.False(t, ok)
	assert.Zero(t, h.queue.RunningCount())

	records, err := h.store.Load(context.Background(), a)
	require.NoError(t, err)
	assert.Empty(t, records)

	saved, err := h.tasks.ListTasks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, saved)

	h.queue.Cancel(a)
}

func TestQueue_RemoveKeepsCheckpoints(t *testing.T) {
	h := newHarness(t, 2)

	a := "http://example.com/a"
	h.add(a)
	require.True(t, h.queue.Start(a))

	require.Eventually(t, func() bool {
		e, ok := h.queue.Get(a)
		return ok && e.Progress() == 1000
	}, waitFor, 5*time.Millisecond)

	h.queue.Remove(a)

	_, ok := h.queue.Get(a)
	assert.False(t, ok)

	records, err := h.store.Load(context.Background(), a)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	saved, err := h.tasks.ListTasks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, saved)
}

func TestQueue_SetMaxConcurrent(t *testing.T) {
	h := newHarness(t, 3)

	keys := []string{"http://example.com/a", "http://example.com/b", "http://example.com/c", "http://example.com/d"}
	for _, key := range keys {
		h.add(key)
		h.queue.Start(key)
	}

	var invalid *transfer.ConfigInvalidError
	require.ErrorAs(t, h.queue.SetMaxConcurrent(0), &invalid)
	assert.Equal(t, 3, h.queue.MaxConcurrent())

	require.NoError(t, h.queue.SetMaxConcurrent(1))

	assert.Equal(t, 1, h.queue.RunningCount())
	assert.Equal(t, []string{keys[1], keys[2], keys[3]}, h.waitingKeys())
	assert.Equal(t, SlotRunning, h.slots()[keys[0]])

	require.NoError(t, h.queue.SetMaxConcurrent(2))

	assert.Equal(t, 2, h.queue.RunningCount())
	assert.Equal(t, SlotRunning, h.slots()[keys[1]])
	assert.Equal(t, []string{keys[2], keys[3]}, h.waitingKeys())
}

func TestQueue_FailedTaskIsParkedAndRetried(t *testing.T) {
	h := newHarness(t, 1)

	a := "http://example.com/a"
	tr := h.transport(a)
	tr.FailOpen = map[int64]error{0: errors.New("connection reset")}

	h.add(a)
	require.True(t, h.queue.Start(a))

	require.Eventually(t, func() bool {
		e, _ := h.queue.Get(a)
		return e.State() == engine.StateFailed && h.queue.RunningCount() == 0
	}, waitFor, 5*time.Millisecond)

	assert.Equal(t, SlotParked, h.slots()[a])

	e, _ := h.queue.Get(a)
	<-e.Done()

	tr.FailOpen = nil
	h.finish(a)

	require.True(t, h.queue.Retry(a))

	require.Eventually(t, func() bool {
		_, known := h.queue.Get(a)
		return !known
	}, waitFor, 5*time.Millisecond)

	assert.False(t, h.queue.Retry(a))
}

func TestQueue_StopAll(t *testing.T) {
	h := newHarness(t, 2)

	keys := []string{"http://example.com/a", "http://example.com/b", "http://example.com/c"}
	for _, key := range keys {
		h.add(key)
		h.queue.Start(key)
	}

	h.queue.StopAll()

	assert.Zero(t, h.queue.RunningCount())
	assert.Zero(t, h.queue.WaitingCount())

	for _, key := range keys {
		assert.Equal(t, SlotParked, h.slots()[key])
	}
}

func TestQueue_RemoveAll(t *testing.T) {
	h := newHarness(t, 2)

	for _, key := range []string{"http://example.com/a", "http://example.com/b", "http://example.com/c"} {
		h.add(key)
		h.queue.Start(key)
	}

	h.queue.RemoveAll()

	assert.Empty(t, h.queue.List())

	saved, err := h.tasks.ListTasks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, saved)
}

func TestQueue_Restore(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	keys := []string{"http://example.com/a", "http://example.com/b", "http://example.com/c"}
	for i, key := range keys {
		task := transfer.NewDownload(key, filepath.Join(h.dir, filepath.Base(key)))
		task.CreatedAt = time.Now().Add(time.Duration(i) * time.Second)
		require.NoError(t, h.tasks.SaveTask(ctx, task))
	}

	restored, err := h.queue.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, restored)

	assert.Equal(t, 2, h.queue.RunningCount())
	assert.Equal(t, []string{keys[2]}, h.waitingKeys())

	e, ok := h.queue.Get(keys[2])
	require.True(t, ok)
	assert.False(t, e.Task().IsNew)
}

func TestQueue_UnknownKeysAreNoops(t *testing.T) {
	h := newHarness(t, 2)

	assert.False(t, h.queue.Start("missing"))
	assert.False(t, h.queue.Resume("missing"))
	assert.False(t, h.queue.Retry("missing"))
	assert.False(t, h.queue.IsRunning("missing"))

	h.queue.Stop("missing")
	h.queue.Cancel("missing")
	h.queue.Remove("missing")
}

func TestQueue_EndedContextStopsPromotion(t *testing.T) {
	h := newHarness(t, 1)

	a := h.add("http://example.com/a")
	b := h.add("http://example.com/b")
	c := h.add("http://example.com/c")

	require.True(t, h.queue.Start(a.Key()))
	h.waitRunning(a.Key())
	assert.Equal(t, []string{b.Key(), c.Key()}, h.waitingKeys())

	h.cancel()

	select {
	case <-a.Done():
	case <-time.After(waitFor):
		t.Fatal("running task did not settle")
	}

	assert.Equal(t, engine.StateStopped, a.State())
	assert.Equal(t, 0, h.queue.RunningCount())

	// the slot freed by a must not start anything on the ended context
	assert.Equal(t, engine.StateIdle, b.State())
	assert.Equal(t, engine.StateIdle, c.State())
	assert.Equal(t, []string{b.Key(), c.Key()}, h.waitingKeys())
	assert.Equal(t, 0, h.transport(b.Key()).Probes())

	assert.False(t, h.queue.Start(b.Key()))
	assert.False(t, h.queue.Resume(c.Key()))
	assert.Equal(t, engine.StateIdle, c.State())
}

func TestQueue_CreateParked(t *testing.T) {
	h := newHarness(t, 1)

	a := h.add("http://example.com/a")
	require.True(t, h.queue.Start(a.Key()))
	h.waitRunning(a.Key())

	p, created := h.queue.CreateOrGet("http://example.com/p", func() *transfer.Task {
		return transfer.NewDownload("http://example.com/p", filepath.Join(h.dir, "p"))
	}, Parked())
	require.True(t, created)

	assert.Equal(t, SlotParked, h.slots()[p.Key()])
	assert.Equal(t, 0, h.queue.WaitingCount())

	h.finish(a.Key())
	require.Eventually(t, func() bool { return h.queue.RunningCount() == 0 }, waitFor, 5*time.Millisecond)

	assert.Equal(t, engine.StateIdle, p.State())
	assert.Equal(t, SlotParked, h.slots()[p.Key()])

	require.True(t, h.queue.Start(p.Key()))
	h.finish(p.Key())
	require.Eventually(t, func() bool { return p.State() == engine.StateComplete }, waitFor, 5*time.Millisecond)
}
