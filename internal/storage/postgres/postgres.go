package postgres

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/italolelis/rangeload/internal/storage"
	"github.com/italolelis/rangeload/internal/transfer"
)

// Repo implements storage.CheckpointStore and storage.TaskRepository backed by PostgreSQL.
type Repo struct {
	db *sql.DB
}

// Open connects using dsn and creates the tables if they don't exist.
func Open(ctx context.Context, dsn string) (*Repo, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	r := &Repo{db: db}
	if err := r.ensureSchema(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS checkpoints (
    task_key TEXT NOT NULL,
    block INTEGER NOT NULL,
    position BIGINT NOT NULL,
    block_end BIGINT NOT NULL DEFAULT 0,
    completed BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (task_key, block)
);
CREATE TABLE IF NOT EXISTS tasks (
    task_key TEXT PRIMARY KEY,
    direction TEXT NOT NULL,
    url TEXT NOT NULL,
    redirect_url TEXT NOT NULL DEFAULT '',
    path TEXT NOT NULL,
    size BIGINT NOT NULL DEFAULT 0,
    supports_range BOOLEAN NOT NULL DEFAULT FALSE,
    remove_on_cancel BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL
);
`)
	return err
}

func (r *Repo) Load(ctx context.Context, taskKey string) (map[int]storage.Record, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT block, position, block_end, completed FROM checkpoints WHERE task_key=$1`, taskKey)
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

func (r *Repo) Save(ctx context.Context, taskKey string, block int, rec storage.Record) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO checkpoints (task_key, block, position, block_end, completed, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (task_key, block) DO UPDATE SET
    position = EXCLUDED.position,
    block_end = EXCLUDED.block_end,
    completed = EXCLUDED.completed,
    updated_at = EXCLUDED.updated_at
`, taskKey, block, rec.Position, rec.Limit, rec.Completed)

	return err
}

func (r *Repo) Clear(ctx context.Context, taskKey string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE task_key=$1`, taskKey)
	return err
}

func (r *Repo) SaveTask(ctx context.Context, task *transfer.Task) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO tasks (task_key, direction, url, redirect_url, path, size, supports_range, remove_on_cancel, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (task_key) DO UPDATE SET
    redirect_url = EXCLUDED.redirect_url,
    size = EXCLUDED.size,
    supports_range = EXCLUDED.supports_range,
    remove_on_cancel = EXCLUDED.remove_on_cancel
`, task.Key, task.Direction.String(), task.Resource.URL, task.Resource.RedirectURL, task.Resource.Path,
		task.Resource.Size, task.Resource.SupportsRange, task.RemoveFileOnCancel, task.CreatedAt)

	return err
}

func (r *Repo) DeleteTask(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE task_key=$1`, key)
	return err
}

func (r *Repo) ListTasks(ctx context.Context) ([]*transfer.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT task_key, direction, url, redirect_url, path, size, supports_range, remove_on_cancel, created_at
FROM tasks ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*transfer.Task

	for rows.Next() {
		var (
			task      transfer.Task
			direction string
		)

		err := rows.Scan(&task.Key, &direction, &task.Resource.URL, &task.Resource.RedirectURL, &task.Resource.Path,
			&task.Resource.Size, &task.Resource.SupportsRange, &task.RemoveFileOnCancel, &task.CreatedAt)
		if err != nil {
			return nil, err
		}

		if task.Direction, err = transfer.ParseDirection(direction); err != nil {
			return nil, err
		}

		tasks = append(tasks, &task)
	}

	return tasks, rows.Err()
}
