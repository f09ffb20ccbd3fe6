package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/italolelis/rangeload/internal/logctx"
	"github.com/italolelis/rangeload/internal/transfer"
)

var ErrNotFound = errors.New("not found")

// Record is the persisted progress of one block. Position, Limit and Completed are
// always written together.
type Record struct {
	Position  int64 `json:"position"`
	Limit     int64 `json:"limit,omitempty"` // block end the record was written against, 0 if unknown
	Completed bool  `json:"completed"`
}

// Validate reports why a record read back from a store cannot be trusted.
func (r Record) Validate() error {
	switch {
	case r.Position < 0:
		return fmt.Errorf("negative position %d", r.Position)
	case r.Limit < 0:
		return fmt.Errorf("negative limit %d", r.Limit)
	case r.Limit > 0 && r.Position > r.Limit:
		return fmt.Errorf("position %d past limit %d", r.Position, r.Limit)
	}

	return nil
}

// CheckpointStore persists per-block progress keyed by task key and block index.
// Load on an unknown task returns an empty map.
type CheckpointStore interface {
	Load(ctx context.Context, taskKey string) (map[int]Record, error)
	Save(ctx context.Context, taskKey string, block int, rec Record) error
	Clear(ctx context.Context, taskKey string) error
}

// TaskRepository keeps the task records needed to re-enqueue unfinished transfers after a restart.
type TaskRepository interface {
	SaveTask(ctx context.Context, task *transfer.Task) error
	DeleteTask(ctx context.Context, key string) error
	ListTasks(ctx context.Context) ([]*transfer.Task, error)
}

// ReportCorrupt logs a record that a store refuses to return from Load.
func ReportCorrupt(ctx context.Context, taskKey string, block int, reason string, err error) {
	corrupt := &transfer.CheckpointCorruptError{TaskKey: taskKey, Block: block, Reason: reason, Err: err}

	logctx.LoggerFromContext(ctx).WarnContext(ctx, "dropping corrupt checkpoint record",
		"block", block, "err", corrupt)
}
