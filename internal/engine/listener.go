package engine

import (
	"context"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/rangeload/internal/logctx"
	"github.com/italolelis/rangeload/internal/transfer"
)

// LogListener writes lifecycle callbacks to the context logger.
type LogListener struct {
	ctx  context.Context
	key  string
	size int64
}

func NewLogListener(ctx context.Context, key string) *LogListener {
	return &LogListener{ctx: logctx.WithTaskKey(ctx, key), key: key}
}

func (l *LogListener) percent(bytes int64) float64 {
	if l.size <= 0 {
		return 0
	}

	return float64(bytes) * 100 / float64(l.size)
}

func (l *LogListener) OnPre(size int64) {
	l.size = size
	logctx.LoggerFromContext(l.ctx).DebugContext(l.ctx, "transfer planned", "size", humanize.Bytes(uint64(size)))
}

func (l *LogListener) OnStart(int64) {
	logctx.LoggerFromContext(l.ctx).InfoContext(l.ctx, "transfer started")
}

func (l *LogListener) OnResume(bytes int64) {
	logctx.LoggerFromContext(l.ctx).InfoContext(l.ctx, "transfer resumed", "from", humanize.Bytes(uint64(bytes)))
}

func (l *LogListener) OnProgress(bytes int64) {
	logctx.LoggerFromContext(l.ctx).DebugContext(l.ctx, "transfer progress",
		"transferred", humanize.Bytes(uint64(bytes)),
		"percent", humanize.FtoaWithDigits(l.percent(bytes), 1),
	)
}

func (l *LogListener) OnComplete() {
	logctx.LoggerFromContext(l.ctx).DebugContext(l.ctx, "listener saw completion")
}

func (l *LogListener) OnStop(bytes int64) {
	logctx.LoggerFromContext(l.ctx).DebugContext(l.ctx, "listener saw stop", "transferred", humanize.Bytes(uint64(bytes)))
}

func (l *LogListener) OnCancel() {
	logctx.LoggerFromContext(l.ctx).DebugContext(l.ctx, "listener saw cancel")
}

func (l *LogListener) OnFail(err error, canRetry bool) {
	logctx.LoggerFromContext(l.ctx).WarnContext(l.ctx, "listener saw failure", "err", err, "can_retry", canRetry)
}

var _ transfer.Listener = (*LogListener)(nil)
