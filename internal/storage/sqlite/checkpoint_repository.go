package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/rangeload/internal/storage"
)

type CheckpointRepository struct {
	db *sql.DB
}

func NewCheckpointRepository(dbConn *sql.DB) *CheckpointRepository {
	return &CheckpointRepository{db: dbConn}
}

func (r *CheckpointRepository) Load(ctx context.Context, taskKey string) (map[int]storage.Record, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT block, position, block_end, completed FROM checkpoints WHERE task_key = ?`, taskKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make(map[int]storage.Record)

	for rows.Next() {
		var (
			block int
			rec   storage.Record
		)

		if err := rows.Scan(&block, &rec.Position, &rec.Limit, &rec.Completed); err != nil {
			return nil, err
		}

		if err := rec.Validate(); err != nil {
			storage.ReportCorrupt(ctx, taskKey, block, "invalid row", err)

			continue
		}

		records[block] = rec
	}

	return records, rows.Err()
}

// Save upserts the whole record in one statement.
func (r *CheckpointRepository) Save(ctx context.Context, taskKey string, block int, rec storage.Record) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO checkpoints (task_key, block, position, block_end, completed, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_key, block) DO UPDATE SET
			position = excluded.position,
			block_end = excluded.block_end,
			completed = excluded.completed,
			updated_at = excluded.updated_at
	`, taskKey, block, rec.Position, rec.Limit, rec.Completed, time.Now().UTC().Format(time.RFC3339))

	return err
}

func (r *CheckpointRepository) Clear(ctx context.Context, taskKey string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE task_key = ?`, taskKey)

	return err
}
