package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/rangeload/internal/transfer"
)

type TaskRepository struct {
	db *sql.DB
}

func NewTaskRepository(dbConn *sql.DB) *TaskRepository {
	return &TaskRepository{db: dbConn}
}

func (r *TaskRepository) SaveTask(ctx context.Context, task *transfer.Task) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tasks (task_key, direction, url, redirect_url, path, size, supports_range, remove_on_cancel, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_key) DO UPDATE SET
			redirect_url = excluded.redirect_url,
			size = excluded.size,
			supports_range = excluded.supports_range,
			remove_on_cancel = excluded.remove_on_cancel
	`, task.Key, task.Direction.String(), task.Resource.URL, task.Resource.RedirectURL, task.Resource.Path,
		task.Resource.Size, task.Resource.SupportsRange, task.RemoveFileOnCancel, task.CreatedAt.UTC().Format(time.RFC3339Nano))

	return err
}

func (r *TaskRepository) DeleteTask(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE task_key = ?`, key)

	return err
}

func (r *TaskRepository) ListTasks(ctx context.Context) ([]*transfer.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT task_key, direction, url, redirect_url, path, size, supports_range, remove_on_cancel, created_at
		FROM tasks ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*transfer.Task

	for rows.Next() {
		var (
			task      transfer.Task
			direction string
			createdAt string
		)

		err := rows.Scan(&task.Key, &direction, &task.Resource.URL, &task.Resource.RedirectURL, &task.Resource.Path,
			&task.Resource.Size, &task.Resource.SupportsRange, &task.RemoveFileOnCancel, &createdAt)
		if err != nil {
			return nil, err
		}

		if task.Direction, err = transfer.ParseDirection(direction); err != nil {
			return nil, err
		}

		task.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

		tasks = append(tasks, &task)
	}

	return tasks, rows.Err()
}
