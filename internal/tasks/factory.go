package tasks

import (
	"context"
	"strings"
)

// NewStore picks the backing store: postgres when a database URL is
// configured, otherwise the JSON file at tasksFile.
func NewStore(ctx context.Context, databaseURL, tasksFile string) (Store, error) {
	if strings.TrimSpace(databaseURL) != "" {
		return NewPostgresStore(ctx, databaseURL)
	}
	return NewJSONStore(tasksFile)
}
