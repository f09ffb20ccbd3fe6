package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	goredis "github.com/go-redis/redis/v8"

	"github.com/italolelis/rangeload/internal/storage"
)

const keyPrefix = "rangeload:checkpoint:"

// CheckpointStore keeps one hash per task: field = block index, value = JSON record.
// A single HSET per save keeps each record atomic.
type CheckpointStore struct {
	client *goredis.Client
}

func NewCheckpointStore(client *goredis.Client) *CheckpointStore {
	return &CheckpointStore{client: client}
}

// Dial connects and pings the server.
func Dial(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", addr, err)
	}

	return client, nil
}

func hashKey(taskKey string) string {
	return keyPrefix + taskKey
}

func (s *CheckpointStore) Load(ctx context.Context, taskKey string) (map[int]storage.Record, error) {
	fields, err := s.client.HGetAll(ctx, hashKey(taskKey)).Result()
	if err != nil {
		return nil, err
	}

	return decodeRecords(ctx, taskKey, fields), nil
}

func (s *CheckpointStore) Save(ctx context.Context, taskKey string, block int, rec storage.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return s.client.HSet(ctx, hashKey(taskKey), strconv.Itoa(block), raw).Err()
}

func (s *CheckpointStore) Clear(ctx context.Context, taskKey string) error {
	return s.client.Del(ctx, hashKey(taskKey)).Err()
}

func decodeRecords(ctx context.Context, taskKey string, fields map[string]string) map[int]storage.Record {
	records := make(map[int]storage.Record, len(fields))

	for field, raw := range fields {
		block, err := strconv.Atoi(field)
		if err != nil || block < 0 {
			storage.ReportCorrupt(ctx, taskKey, -1, "invalid block field "+strconv.Quote(field), err)
			continue
		}

		var rec storage.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			storage.ReportCorrupt(ctx, taskKey, block, "invalid json", err)
			continue
		}

		if err := rec.Validate(); err != nil {
			storage.ReportCorrupt(ctx, taskKey, block, "invalid record", err)
			continue
		}

		records[block] = rec
	}

	return records
}
