package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initTaskSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initTaskSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			manus_task_id TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			attachments JSONB NOT NULL DEFAULT '[]',
			pptx_url TEXT NOT NULL DEFAULT '',
			pptx_filename TEXT NOT NULL DEFAULT '',
			local_file_path TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			task_url TEXT NOT NULL DEFAULT '',
			credit_usage INTEGER NOT NULL DEFAULT 0,
			chain_prompt TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks (created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_manus_task_id ON tasks (manus_task_id) WHERE manus_task_id <> '';`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init task schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, task Task) error {
	return s.upsert(ctx, s.pool, task)
}

// execer covers both pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *PostgresStore) upsert(ctx context.Context, q execer, task Task) error {
	attachments, err := json.Marshal(task.Attachments)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}
	_, err = q.Exec(ctx,
		`INSERT INTO tasks (
			id, manus_task_id, prompt, status, error, attachments, pptx_url, pptx_filename,
			local_file_path, title, task_url, credit_usage, chain_prompt, created_at, updated_at, completed_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
		)
		ON CONFLICT (id) DO UPDATE SET
			manus_task_id=EXCLUDED.manus_task_id,
			prompt=EXCLUDED.prompt,
			status=EXCLUDED.status,
			error=EXCLUDED.error,
			attachments=EXCLUDED.attachments,
			pptx_url=EXCLUDED.pptx_url,
			pptx_filename=EXCLUDED.pptx_filename,
			local_file_path=EXCLUDED.local_file_path,
			title=EXCLUDED.title,
			task_url=EXCLUDED.task_url,
			credit_usage=EXCLUDED.credit_usage,
			chain_prompt=EXCLUDED.chain_prompt,
			created_at=EXCLUDED.created_at,
			updated_at=EXCLUDED.updated_at,
			completed_at=EXCLUDED.completed_at`,
		task.ID,
		task.ManusTaskID,
		task.Prompt,
		string(task.Status),
		task.Error,
		attachments,
		task.PPTXURL,
		task.PPTXFilename,
		task.LocalFilePath,
		task.Title,
		task.TaskURL,
		task.CreditUsage,
		task.ChainPrompt,
		task.CreatedAt,
		task.UpdatedAt,
		task.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

const taskColumns = `id, manus_task_id, prompt, status, error, attachments, pptx_url, pptx_filename,
	local_file_path, title, task_url, credit_usage, chain_prompt, created_at, updated_at, completed_at`

func scanTask(row pgx.Row) (Task, error) {
	var task Task
	var status string
	var attachments []byte
	err := row.Scan(
		&task.ID,
		&task.ManusTaskID,
		&task.Prompt,
		&status,
		&task.Error,
		&attachments,
		&task.PPTXURL,
		&task.PPTXFilename,
		&task.LocalFilePath,
		&task.Title,
		&task.TaskURL,
		&task.CreditUsage,
		&task.ChainPrompt,
		&task.CreatedAt,
		&task.UpdatedAt,
		&task.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("scan task: %w", err)
	}
	task.Status = Status(status)
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &task.Attachments); err != nil {
			return Task{}, fmt.Errorf("decode attachments: %w", err)
		}
	}
	return task, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, id)
	return scanTask(row)
}

func (s *PostgresStore) FindByManusTaskID(ctx context.Context, manusTaskID string) (Task, error) {
	if manusTaskID == "" {
		return Task{}, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE manus_task_id=$1 LIMIT 1`, manusTaskID)
	return scanTask(row)
}

func (s *PostgresStore) UpdateTask(ctx context.Context, id string, patch func(*Task)) (Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Task{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1 FOR UPDATE`, id)
	task, err := scanTask(row)
	if err != nil {
		return Task{}, err
	}
	patch(&task)
	finalize(&task)
	if err := s.upsert(ctx, tx, task); err != nil {
		return Task{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Task{}, fmt.Errorf("commit tx: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, status Status, limit, offset int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows pgx.Rows
	var err error
	if status == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
			limit, offset)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE status=$1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
			string(status), limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]Task, 0, limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) CountTasks(ctx context.Context, status Status) (int, error) {
	var count int
	var err error
	if status == "" {
		err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&count)
	} else {
		err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks WHERE status=$1`, string(status)).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Mode() string { return "postgres" }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
