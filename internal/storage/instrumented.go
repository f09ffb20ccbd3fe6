package storage

import (
	"context"

	"github.com/italolelis/rangeload/internal/telemetry"
	"github.com/italolelis/rangeload/internal/transfer"
)

// InstrumentedCheckpointStore wraps a CheckpointStore with telemetry.
type InstrumentedCheckpointStore struct {
	store     CheckpointStore
	telemetry *telemetry.Telemetry
}

// NewInstrumentedCheckpointStore creates a new instrumented checkpoint store.
func NewInstrumentedCheckpointStore(store CheckpointStore, tel *telemetry.Telemetry) *InstrumentedCheckpointStore {
	return &InstrumentedCheckpointStore{store: store, telemetry: tel}
}

func (s *InstrumentedCheckpointStore) Load(ctx context.Context, taskKey string) (map[int]Record, error) {
	var result map[int]Record

	err := s.telemetry.InstrumentCheckpointOperation(ctx, "load", func(ctx context.Context) error {
		var err error
		result, err = s.store.Load(ctx, taskKey)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (s *InstrumentedCheckpointStore) Save(ctx context.Context, taskKey string, block int, rec Record) error {
	return s.telemetry.InstrumentCheckpointOperation(ctx, "save", func(ctx context.Context) error {
		return s.store.Save(ctx, taskKey, block, rec)
	})
}

func (s *InstrumentedCheckpointStore) Clear(ctx context.Context, taskKey string) error {
	return s.telemetry.InstrumentCheckpointOperation(ctx, "clear", func(ctx context.Context) error {
		return s.store.Clear(ctx, taskKey)
	})
}

// InstrumentedTaskRepository wraps a TaskRepository with telemetry.
type InstrumentedTaskRepository struct {
	repo      TaskRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedTaskRepository creates a new instrumented task repository.
func NewInstrumentedTaskRepository(repo TaskRepository, tel *telemetry.Telemetry) *InstrumentedTaskRepository {
	return &InstrumentedTaskRepository{repo: repo, telemetry: tel}
}

func (r *InstrumentedTaskRepository) SaveTask(ctx context.Context, task *transfer.Task) error {
	return r.telemetry.InstrumentCheckpointOperation(ctx, "save_task", func(ctx context.Context) error {
		return r.repo.SaveTask(ctx, task)
	})
}

func (r *InstrumentedTaskRepository) DeleteTask(ctx context.Context, key string) error {
	return r.telemetry.InstrumentCheckpointOperation(ctx, "delete_task", func(ctx context.Context) error {
		return r.repo.DeleteTask(ctx, key)
	})
}

func (r *InstrumentedTaskRepository) ListTasks(ctx context.Context) ([]*transfer.Task, error) {
	var result []*transfer.Task

	err := r.telemetry.InstrumentCheckpointOperation(ctx, "list_tasks", func(ctx context.Context) error {
		var err error
		result, err = r.repo.ListTasks(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
