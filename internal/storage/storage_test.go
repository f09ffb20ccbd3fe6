package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/rangeload/internal/telemetry"
	"github.com/italolelis/rangeload/internal/transfer"
)

func TestMemoryCheckpointStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryCheckpointStore()

	recs, err := s.Load(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, recs)

	require.NoError(t, s.Save(ctx, "k", 0, Record{Position: 10, Limit: 100}))
	require.NoError(t, s.Save(ctx, "k", 1, Record{Position: 200, Limit: 200, Completed: true}))
	require.NoError(t, s.Save(ctx, "k", 0, Record{Position: 50, Limit: 100}))

	recs, err = s.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, map[int]Record{
		0: {Position: 50, Limit: 100},
		1: {Position: 200, Limit: 200, Completed: true},
	}, recs)

	// the returned map is a copy
	recs[0] = Record{}
	again, _ := s.Load(ctx, "k")
	assert.Equal(t, int64(50), again[0].Position)

	require.NoError(t, s.Clear(ctx, "k"))
	recs, err = s.Load(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestMemoryCheckpointStore_ConcurrentBlocks(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryCheckpointStore()

	var wg sync.WaitGroup
	for block := 0; block < 8; block++ {
		wg.Add(1)
		go func(block int) {
			defer wg.Done()
			for pos := int64(0); pos <= 100; pos++ {
				_ = s.Save(ctx, "k", block, Record{Position: pos, Limit: 100, Completed: pos == 100})
			}
		}(block)
	}
	wg.Wait()

	recs, err := s.Load(ctx, "k")
	require.NoError(t, err)
	require.Len(t, recs, 8)
	for _, rec := range recs {
		assert.True(t, rec.Completed)
	}
}

func TestRecordValidate(t *testing.T) {
	assert.NoError(t, Record{Position: 5, Limit: 10}.Validate())
	assert.NoError(t, Record{Position: 5}.Validate())
	assert.Error(t, Record{Position: -1}.Validate())
	assert.Error(t, Record{Position: 1, Limit: -1}.Validate())
	assert.Error(t, Record{Position: 11, Limit: 10}.Validate())
}

func TestMemoryTaskRepository(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryTaskRepository()

	first := transfer.NewDownload("http://a/1", "/tmp/1")
	first.CreatedAt = time.Unix(100, 0)
	second := transfer.NewUpload("/tmp/2", "http://a/2")
	second.CreatedAt = time.Unix(50, 0)

	require.NoError(t, r.SaveTask(ctx, first))
	require.NoError(t, r.SaveTask(ctx, second))

	tasks, err := r.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "/tmp/2", tasks[0].Key)
	assert.Equal(t, transfer.Upload, tasks[0].Direction)
	assert.Equal(t, "http://a/1", tasks[1].Key)

	require.NoError(t, r.DeleteTask(ctx, "http://a/1"))
	tasks, err = r.ListTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

type failingStore struct{ err error }

func (f failingStore) Load(context.Context, string) (map[int]Record, error) { return nil, f.err }
func (f failingStore) Save(context.Context, string, int, Record) error      { return f.err }
func (f failingStore) Clear(context.Context, string) error                  { return f.err }

func TestInstrumentedCheckpointStore(t *testing.T) {
	ctx := context.Background()

	tel, err := telemetry.New(ctx, telemetry.Config{Enabled: false})
	require.NoError(t, err)

	s := NewInstrumentedCheckpointStore(NewMemoryCheckpointStore(), tel)
	require.NoError(t, s.Save(ctx, "k", 2, Record{Position: 3}))

	recs, err := s.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(3), recs[2].Position)

	boom := errors.New("boom")
	failing := NewInstrumentedCheckpointStore(failingStore{err: boom}, tel)
	_, err = failing.Load(ctx, "k")
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, failing.Clear(ctx, "k"), boom)
}
