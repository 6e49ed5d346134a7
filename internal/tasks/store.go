package tasks

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("task not found")

// Store persists local task records. Implementations must apply
// UpdateTask atomically with respect to concurrent callers: the
// generation pipeline and the webhook ingestion worker both patch the
// same records.
type Store interface {
	CreateTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, id string) (Task, error)
	FindByManusTaskID(ctx context.Context, manusTaskID string) (Task, error)
	UpdateTask(ctx context.Context, id string, patch func(*Task)) (Task, error)
	ListTasks(ctx context.Context, status Status, limit, offset int) ([]Task, error)
	CountTasks(ctx context.Context, status Status) (int, error)
	DeleteTask(ctx context.Context, id string) error
	Mode() string
	Close() error
}
