package redis

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/rangeload/internal/storage"
)

func TestDecodeRecords(t *testing.T) {
	fields := map[string]string{
		"0":     `{"position":2500000,"limit":2500000,"completed":true}`,
		"1":     `{"position":3000000,"limit":5000000}`,
		"2":     `{not json`,
		"3":     `{"position":-4}`,
		"block": `{"position":1}`,
	}

	recs := decodeRecords(context.Background(), "k", fields)

	assert.Equal(t, map[int]storage.Record{
		0: {Position: 2500000, Limit: 2500000, Completed: true},
		1: {Position: 3000000, Limit: 5000000},
	}, recs)
}

func TestCheckpointStore_Live(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}

	ctx := context.Background()

	client, err := Dial(ctx, addr, "", 0)
	require.NoError(t, err)
	defer client.Close()

	s := NewCheckpointStore(client)
	key := "test:" + t.Name()
	t.Cleanup(func() { _ = s.Clear(ctx, key) })

	require.NoError(t, s.Save(ctx, key, 1, storage.Record{Position: 7, Limit: 9}))

	recs, err := s.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, map[int]storage.Record{1: {Position: 7, Limit: 9}}, recs)

	require.NoError(t, s.Clear(ctx, key))
	recs, err = s.Load(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, recs)
}
