package notifier

import (
	"context"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/rangeload/internal/logctx"
	"github.com/italolelis/rangeload/internal/transfer"
)

// Listener sends a message when a task completes or fails. Messages go out on their own
// goroutine so a slow webhook never holds up the engine.
type Listener struct {
	transfer.NopListener

	ctx      context.Context
	notifier Notifier
	task     *transfer.Task

	mu   sync.Mutex
	size int64
	wg   sync.WaitGroup
}

func NewListener(ctx context.Context, n Notifier, task *transfer.Task) *Listener {
	return &Listener{ctx: ctx, notifier: n, task: task}
}

func (l *Listener) OnPre(size int64) {
	l.mu.Lock()
	l.size = size
	l.mu.Unlock()
}

func (l *Listener) OnComplete() {
	l.mu.Lock()
	size := l.size
	l.mu.Unlock()

	l.send(fmt.Sprintf("✅ %s finished: %s (%s)", l.task.Direction, l.task.Key, humanize.Bytes(uint64(size))))
}

func (l *Listener) OnFail(err error, canRetry bool) {
	msg := fmt.Sprintf("❌ %s failed: %s: %v", l.task.Direction, l.task.Key, err)
	if canRetry {
		msg += " (retryable)"
	}

	l.send(msg)
}

func (l *Listener) send(content string) {
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()

		if err := l.notifier.Notify(l.ctx, content); err != nil {
			logctx.LoggerFromContext(l.ctx).Error("failed to send notification", "task_key", l.task.Key, "err", err)
		}
	}()
}

// Wait blocks until every pending message was sent.
func (l *Listener) Wait() {
	l.wg.Wait()
}
