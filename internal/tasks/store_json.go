package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// JSONStore keeps all task records in a single JSON file, rewritten on
// every mutation. It is the zero-dependency deployment mode; volume is
// a handful of records, not a database workload.
type JSONStore struct {
	mu   sync.Mutex
	path string
}

func NewJSONStore(path string) (*JSONStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
			return nil, fmt.Errorf("init tasks file: %w", err)
		}
	}
	return &JSONStore{path: path}, nil
}

func (s *JSONStore) load() (map[string]Task, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Task{}, nil
		}
		return nil, fmt.Errorf("read tasks file: %w", err)
	}
	if len(raw) == 0 {
		return map[string]Task{}, nil
	}
	records := make(map[string]Task)
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode tasks file: %w", err)
	}
	return records, nil
}

func (s *JSONStore) save(records map[string]Task) error {
	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode tasks file: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0o644); err != nil {
		return fmt.Errorf("write tasks file: %w", err)
	}
	return nil
}

func (s *JSONStore) CreateTask(_ context.Context, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return err
	}
	records[task.ID] = task
	return s.save(records)
}

func (s *JSONStore) GetTask(_ context.Context, id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return Task{}, err
	}
	task, ok := records[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return task.Clone(), nil
}

func (s *JSONStore) FindByManusTaskID(_ context.Context, manusTaskID string) (Task, error) {
	if manusTaskID == "" {
		return Task{}, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return Task{}, err
	}
	for _, task := range records {
		if task.ManusTaskID == manusTaskID {
			return task.Clone(), nil
		}
	}
	return Task{}, ErrNotFound
}

func (s *JSONStore) UpdateTask(_ context.Context, id string, patch func(*Task)) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return Task{}, err
	}
	task, ok := records[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	patch(&task)
	finalize(&task)
	records[id] = task
	if err := s.save(records); err != nil {
		return Task{}, err
	}
	return task.Clone(), nil
}

func (s *JSONStore) ListTasks(_ context.Context, status Status, limit, offset int) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(records))
	for _, task := range records {
		if status != "" && task.Status != status {
			continue
		}
		out = append(out, task.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if offset >= len(out) {
		return []Task{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *JSONStore) CountTasks(_ context.Context, status Status) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return 0, err
	}
	if status == "" {
		return len(records), nil
	}
	count := 0
	for _, task := range records {
		if task.Status == status {
			count++
		}
	}
	return count, nil
}

func (s *JSONStore) DeleteTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := records[id]; !ok {
		return ErrNotFound
	}
	delete(records, id)
	return s.save(records)
}

func (s *JSONStore) Mode() string { return "json-file" }

func (s *JSONStore) Close() error { return nil }
