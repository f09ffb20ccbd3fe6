package engine

import (
	"context"
	"errors"
	"io"
	"os"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/italolelis/rangeload/internal/engine/progress"
	"github.com/italolelis/rangeload/internal/logctx"
	"github.com/italolelis/rangeload/internal/storage"
	"github.com/italolelis/rangeload/internal/transfer"
)

// signal is how a worker ended.
type signal int

const (
	signalDone signal = iota
	signalStopped
	signalCancelled
	signalFailed
)

func (s signal) String() string {
	switch s {
	case signalDone:
		return "done"
	case signalStopped:
		return "stopped"
	case signalCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

const (
	intentNone int32 = iota
	intentStop
	intentCancel
)

// worker moves one block between the transport and the local file.
type worker struct {
	plan      BlockPlan
	task      transfer.Task
	file      *os.File
	transport transfer.Transport
	store     storage.CheckpointStore
	persist   bool
	chunkSize int
	every     int64
	limiter   *rate.Limiter
	onBytes   func(n int)

	intent atomic.Int32
}

func newLimiter(bytesPerSecond int64, burst int) *rate.Limiter {
	return rate.NewLimiter(limitFor(bytesPerSecond), burst)
}

func limitFor(bytesPerSecond int64) rate.Limit {
	if bytesPerSecond <= 0 {
		return rate.Inf
	}

	return rate.Limit(bytesPerSecond)
}

func (w *worker) setMaxSpeed(bytesPerSecond int64) {
	w.limiter.SetLimit(limitFor(bytesPerSecond))
}

func (w *worker) stop() {
	w.intent.CompareAndSwap(intentNone, intentStop)
}

func (w *worker) cancel() {
	w.intent.Store(intentCancel)
}

// interrupted reports whether the worker was asked to quit or its run context ended.
func (w *worker) interrupted(ctx context.Context) (signal, bool) {
	switch w.intent.Load() {
	case intentCancel:
		return signalCancelled, true
	case intentStop:
		return signalStopped, true
	}

	if ctx.Err() != nil {
		return signalStopped, true
	}

	return signalDone, false
}

func (w *worker) checkpoint(ctx context.Context, position int64, completed bool) {
	if !w.persist {
		return
	}

	rec := storage.Record{Position: position, Limit: w.plan.End, Completed: completed}
	if err := w.store.Save(context.WithoutCancel(ctx), w.task.Key, w.plan.Index, rec); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to persist checkpoint",
			"block", w.plan.Index, "position", position, "err", err)
	}
}

// run moves [Resume, End). Stop and cancel are honored between chunks; the position reached
// is persisted before returning.
func (w *worker) run(ctx context.Context) (signal, error) {
	end := w.plan.End
	address := w.task.Resource.Address()

	if w.plan.Resume >= end {
		w.checkpoint(ctx, end, true)

		return signalDone, nil
	}

	if sig, ok := w.interrupted(ctx); ok {
		return sig, nil
	}

	src, dst, closeFn, err := w.open(ctx, w.plan.Resume)
	if err != nil {
		if sig, ok := w.interrupted(ctx); ok {
			return sig, nil
		}

		return signalFailed, asUnavailable("open_range", address, err)
	}

	counter := progress.NewWriter(dst, w.plan.Resume, w.every, w.onBytes, func(position int64) {
		w.checkpoint(ctx, position, false)
	})

	quit := func(sig signal, err error) (signal, error) {
		_ = closeFn()
		w.checkpoint(ctx, counter.Position(), false)

		return sig, err
	}

	buf := make([]byte, w.chunkSize)

	for counter.Position() < end {
		if sig, ok := w.interrupted(ctx); ok {
			return quit(sig, nil)
		}

		n := int64(len(buf))
		if remaining := end - counter.Position(); remaining < n {
			n = remaining
		}

		if err := w.limiter.WaitN(ctx, int(n)); err != nil {
			if sig, ok := w.interrupted(ctx); ok {
				return quit(sig, nil)
			}

			return quit(signalFailed, err)
		}

		nr, rerr := src.Read(buf[:n])
		if nr > 0 {
			if _, werr := counter.Write(buf[:nr]); werr != nil {
				if sig, ok := w.interrupted(ctx); ok {
					return quit(sig, nil)
				}

				return quit(signalFailed, asUnavailable("write", address, werr))
			}
		}

		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				if counter.Position() >= end {
					break
				}

				rerr = io.ErrUnexpectedEOF
			}

			if sig, ok := w.interrupted(ctx); ok {
				return quit(sig, nil)
			}

			return quit(signalFailed, asUnavailable("read", address, rerr))
		}
	}

	if err := closeFn(); err != nil {
		w.checkpoint(ctx, w.plan.Resume, false)

		return signalFailed, asUnavailable("close_range", address, err)
	}

	w.checkpoint(ctx, end, true)

	return signalDone, nil
}

// open wires the source and destination for the worker's direction.
func (w *worker) open(ctx context.Context, position int64) (io.Reader, io.Writer, func() error, error) {
	if w.task.Direction == transfer.Upload {
		wc, err := w.transport.CreateRange(ctx, w.task.Resource, position, w.plan.End)
		if err != nil {
			return nil, nil, nil, err
		}

		return io.NewSectionReader(w.file, position, w.plan.End-position), wc, wc.Close, nil
	}

	rc, err := w.transport.OpenRange(ctx, w.task.Resource, position, w.plan.End)
	if err != nil {
		return nil, nil, nil, err
	}

	// the range is already on disk once read; a failing body close is not a transfer error
	closeBody := func() error {
		_ = rc.Close()
		return nil
	}

	return rc, io.NewOffsetWriter(w.file, position), closeBody, nil
}

func asUnavailable(op, address string, err error) error {
	var unavailable *transfer.ResourceUnavailableError
	if errors.As(err, &unavailable) {
		return err
	}

	return &transfer.ResourceUnavailableError{Op: op, Address: address, Err: err}
}
