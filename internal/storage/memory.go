package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/italolelis/rangeload/internal/transfer"
)

// MemoryCheckpointStore keeps checkpoints in process memory.
type MemoryCheckpointStore struct {
	mu      sync.RWMutex
	records map[string]map[int]Record
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{records: make(map[string]map[int]Record)}
}

func (s *MemoryCheckpointStore) Load(_ context.Context, taskKey string) (map[int]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int]Record, len(s.records[taskKey]))
	for block, rec := range s.records[taskKey] {
		out[block] = rec
	}

	return out, nil
}

func (s *MemoryCheckpointStore) Save(_ context.Context, taskKey string, block int, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blocks, ok := s.records[taskKey]
	if !ok {
		blocks = make(map[int]Record)
		s.records[taskKey] = blocks
	}

	blocks[block] = rec

	return nil
}

func (s *MemoryCheckpointStore) Clear(_ context.Context, taskKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, taskKey)

	return nil
}

// MemoryTaskRepository keeps task records in process memory.
type MemoryTaskRepository struct {
	mu    sync.RWMutex
	tasks map[string]transfer.Task
}

func NewMemoryTaskRepository() *MemoryTaskRepository {
	return &MemoryTaskRepository{tasks: make(map[string]transfer.Task)}
}

func (r *MemoryTaskRepository) SaveTask(_ context.Context, task *transfer.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tasks[task.Key] = *task

	return nil
}

func (r *MemoryTaskRepository) DeleteTask(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.tasks, key)

	return nil
}

// ListTasks returns copies ordered by creation time.
func (r *MemoryTaskRepository) ListTasks(_ context.Context) ([]*transfer.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*transfer.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		t := t
		out = append(out, &t)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	return out, nil
}
