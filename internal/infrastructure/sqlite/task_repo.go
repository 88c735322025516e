package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oness24/vulnzero-engine-sub002/internal/tasks"
)

// TaskRepo implements [tasks.Store]: an expiring snapshot store so
// terminal task results survive process restarts within the retention
// window.
type TaskRepo struct {
	DB *sql.DB
}

func (r *TaskRepo) Put(ctx context.Context, s tasks.Snapshot) error {
	progress, err := json.Marshal(s.Progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}

	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO task_snapshots (id, name, correlation_id, state, ready, successful,
		   progress, result, error, worker, created_at, completed_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   state = excluded.state,
		   ready = excluded.ready,
		   successful = excluded.successful,
		   progress = excluded.progress,
		   result = excluded.result,
		   error = excluded.error,
		   worker = excluded.worker,
		   completed_at = excluded.completed_at,
		   expires_at = excluded.expires_at`,
		s.ID, s.Name, s.CorrelationID, string(s.State), boolToInt(s.Ready), boolToInt(s.Successful),
		string(progress), nullString(s.Result), s.Error, s.Worker,
		formatTime(s.CreatedAt), nullTime(s.CompletedAt), formatTime(s.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("upsert task snapshot: %w", err)
	}
	return nil
}

func (r *TaskRepo) Get(ctx context.Context, id string) (tasks.Snapshot, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT id, name, correlation_id, state, ready, successful, progress, result,
		   error, worker, created_at, completed_at, expires_at
		 FROM task_snapshots WHERE id = ?`,
		id,
	)

	var s tasks.Snapshot
	var state, progressJSON, createdAt, expiresAt string
	var ready, successful int
	var result, completedAt sql.NullString

	err := row.Scan(&s.ID, &s.Name, &s.CorrelationID, &state, &ready, &successful,
		&progressJSON, &result, &s.Error, &s.Worker, &createdAt, &completedAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s, fmt.Errorf("%w: %s", tasks.ErrNotFound, id)
		}
		return s, fmt.Errorf("scan task snapshot: %w", err)
	}

	s.State = tasks.State(state)
	s.Ready = ready != 0
	s.Successful = successful != 0
	if err := json.Unmarshal([]byte(progressJSON), &s.Progress); err != nil {
		return s, fmt.Errorf("unmarshal progress: %w", err)
	}
	if result.Valid {
		s.Result = json.RawMessage(result.String)
	}
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return s, fmt.Errorf("parse created_at: %w", err)
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return s, fmt.Errorf("parse completed_at: %w", err)
		}
		s.CompletedAt = &t
	}
	if s.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return s, fmt.Errorf("parse expires_at: %w", err)
	}
	return s, nil
}

func (r *TaskRepo) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := r.DB.ExecContext(ctx,
		`DELETE FROM task_snapshots WHERE expires_at <= ?`,
		formatTime(now),
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired task snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
