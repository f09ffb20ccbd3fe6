package engine

import (
	"context"

	"github.com/italolelis/rangeload/internal/logctx"
	"github.com/italolelis/rangeload/internal/storage"
	"github.com/italolelis/rangeload/internal/transfer"
)

// BlockPlan is the byte range [Start, End) one worker owns. Resume is where the worker
// picks up, Start for a fresh block.
type BlockPlan struct {
	Index    int
	Start    int64
	End      int64
	Resume   int64
	TempPath string
}

func (p BlockPlan) Width() int64 {
	return p.End - p.Start
}

// BlockCount picks how many blocks a resource of size is split into.
func BlockCount(size int64, supportsRange bool, blocks int, minMultiBlockSize int64) int {
	if !supportsRange || blocks < 1 || size < minMultiBlockSize {
		return 1
	}

	if int64(blocks) > size {
		return 1
	}

	return blocks
}

// Partition splits [0, size) into n contiguous ranges of equal width. The last range
// absorbs the remainder.
func Partition(size int64, n int) []BlockPlan {
	if n < 1 {
		n = 1
	}

	width := size / int64(n)
	plans := make([]BlockPlan, n)

	for i := range plans {
		plans[i] = BlockPlan{
			Index: i,
			Start: int64(i) * width,
			End:   int64(i+1) * width,
		}
		plans[i].Resume = plans[i].Start
	}

	plans[n-1].End = size

	return plans
}

// restoreResult tells the engine which blocks still need a worker.
type restoreResult struct {
	pending   []BlockPlan
	credited  int64
	completed int
}

// restore applies checkpoint records to plans. A completed record skips its block,
// a position strictly inside the block resumes there, anything else starts the block over.
func restore(ctx context.Context, taskKey string, plans []BlockPlan, records map[int]storage.Record) restoreResult {
	logger := logctx.LoggerFromContext(ctx)

	var res restoreResult

	for _, plan := range plans {
		rec, ok := records[plan.Index]
		if !ok {
			res.pending = append(res.pending, plan)
			continue
		}

		if rec.Limit != 0 && rec.Limit != plan.End {
			err := &transfer.SizeMismatchError{TaskKey: taskKey, Block: plan.Index, Expected: plan.End, Recorded: rec.Limit}
			logger.WarnContext(ctx, "discarding stale checkpoint", "block", plan.Index, "err", err)

			res.pending = append(res.pending, plan)
			continue
		}

		switch {
		case rec.Completed:
			res.credited += plan.Width()
			res.completed++
		case rec.Position > plan.Start && rec.Position < plan.End:
			plan.Resume = rec.Position
			res.credited += rec.Position - plan.Start
			res.pending = append(res.pending, plan)
		default:
			if rec.Position != plan.Start {
				logger.DebugContext(ctx, "checkpoint outside block, restarting block",
					"block", plan.Index, "position", rec.Position, "start", plan.Start, "end", plan.End)
			}
			res.pending = append(res.pending, plan)
		}
	}

	return res
}
