// Package generator runs the deck generation pipeline: attachment
// upload, upstream task creation, progress tracking, and artifact
// download. Progress is pushed to websocket subscribers keyed by the
// local task id.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gmarconi/deckflow/internal/hub"
	"github.com/gmarconi/deckflow/internal/manus"
	"github.com/gmarconi/deckflow/internal/observability"
	"github.com/gmarconi/deckflow/internal/protocol"
	"github.com/gmarconi/deckflow/internal/tasks"
)

type Service struct {
	client  *manus.Client
	store   tasks.Store
	hub     *hub.Hub
	metrics *observability.Metrics

	outputDir    string
	pollInterval time.Duration
	pollTimeout  time.Duration
	// poll is false when webhook delivery is configured; the ingestion
	// adapter then owns completion instead of the poll loop.
	poll bool
}

type Options struct {
	OutputDir    string
	PollInterval time.Duration
	PollTimeout  time.Duration
	Poll         bool
}

func NewService(client *manus.Client, store tasks.Store, h *hub.Hub, metrics *observability.Metrics, opts Options) *Service {
	return &Service{
		client:       client,
		store:        store,
		hub:          h,
		metrics:      metrics,
		outputDir:    opts.OutputDir,
		pollInterval: opts.PollInterval,
		pollTimeout:  opts.PollTimeout,
		poll:         opts.Poll,
	}
}

// Generate drives one stored task through the pipeline. Failures are
// recorded on the task and pushed to subscribers; the returned error is
// for the caller's log only.
func (s *Service) Generate(ctx context.Context, localID string) error {
	task, err := s.store.GetTask(ctx, localID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", localID, err)
	}

	refs, err := s.uploadAttachments(ctx, task)
	if err != nil {
		return s.fail(ctx, localID, err)
	}

	info, err := s.client.CreateTask(ctx, task.Prompt, refs, "")
	if err != nil {
		return s.fail(ctx, localID, err)
	}

	task, err = s.store.UpdateTask(ctx, localID, func(t *tasks.Task) {
		t.ManusTaskID = info.EffectiveID()
		t.Status = tasks.StatusProcessing
		t.Title = info.Title()
		t.TaskURL = info.URL()
	})
	if err != nil {
		return s.fail(ctx, localID, err)
	}
	s.metrics.TaskEvents.WithLabelValues("created").Inc()
	s.hub.SendToTaskSubscribers(localID, protocol.TaskCreated{
		Type:      protocol.TypeTaskCreated,
		TaskID:    localID,
		Title:     task.Title,
		TaskURL:   task.TaskURL,
		Message:   "generation started",
		Timestamp: protocol.Timestamp(),
	})

	if !s.poll {
		log.Printf("generator: task %s submitted as %s, waiting for webhook", localID, task.ManusTaskID)
		return nil
	}

	final, err := s.client.WaitForCompletion(ctx, task.ManusTaskID, s.pollInterval, s.pollTimeout,
		func(taskID, status string, elapsed time.Duration) {
			s.hub.SendToTaskSubscribers(localID, protocol.TaskUpdate{
				Type:      protocol.TypeTaskUpdate,
				TaskID:    localID,
				Status:    status,
				Timestamp: protocol.Timestamp(),
			})
		})
	if err != nil {
		return s.fail(ctx, localID, err)
	}

	task, err = s.finish(ctx, localID, final)
	if err != nil {
		return s.fail(ctx, localID, err)
	}
	s.chain(ctx, task)
	return nil
}

// Complete finalizes the task tied to manusTaskID after an upstream
// completion signal: fetch the converted detail, download the deck, and
// mark the record completed. Used by the webhook path.
func (s *Service) Complete(ctx context.Context, manusTaskID string) (tasks.Task, error) {
	task, err := s.store.FindByManusTaskID(ctx, manusTaskID)
	if err != nil {
		return tasks.Task{}, fmt.Errorf("no local task for upstream id %s: %w", manusTaskID, err)
	}

	info, err := s.client.GetTask(ctx, manusTaskID, true)
	if err != nil {
		return tasks.Task{}, s.fail(ctx, task.ID, err)
	}

	done, err := s.finish(ctx, task.ID, info)
	if err != nil {
		return tasks.Task{}, s.fail(ctx, task.ID, err)
	}
	s.chain(ctx, done)
	return done, nil
}

// Fail marks the task tied to manusTaskID as failed. Used by the
// webhook path for upstream failure events. The returned error covers
// lookup problems only; the failure itself is recorded, not returned.
func (s *Service) Fail(ctx context.Context, manusTaskID, reason string) (tasks.Task, error) {
	task, err := s.store.FindByManusTaskID(ctx, manusTaskID)
	if err != nil {
		return tasks.Task{}, fmt.Errorf("no local task for upstream id %s: %w", manusTaskID, err)
	}
	if reason == "" {
		reason = "generation failed upstream"
	}
	_ = s.fail(ctx, task.ID, errors.New(reason))
	return task, nil
}

func (s *Service) uploadAttachments(ctx context.Context, task tasks.Task) ([]manus.AttachmentRef, error) {
	if len(task.Attachments) == 0 {
		return nil, nil
	}

	if _, err := s.store.UpdateTask(ctx, task.ID, func(t *tasks.Task) {
		t.Status = tasks.StatusUploading
	}); err != nil {
		return nil, err
	}
	s.hub.SendToTaskSubscribers(task.ID, protocol.TaskUpdate{
		Type:      protocol.TypeTaskUpdate,
		TaskID:    task.ID,
		Status:    string(tasks.StatusUploading),
		Timestamp: protocol.Timestamp(),
	})

	refs := make([]manus.AttachmentRef, 0, len(task.Attachments))
	for i, att := range task.Attachments {
		if att.FileID != "" {
			refs = append(refs, manus.AttachmentRef{Filename: att.Filename, FileID: att.FileID})
			continue
		}
		uploaded, err := s.client.UploadFile(ctx, att.FilePath)
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", att.Filename, err)
		}
		refs = append(refs, manus.AttachmentRef{Filename: uploaded.Filename, FileID: uploaded.FileID})
		idx := i
		if _, err := s.store.UpdateTask(ctx, task.ID, func(t *tasks.Task) {
			if idx < len(t.Attachments) {
				t.Attachments[idx].FileID = uploaded.FileID
			}
		}); err != nil {
			return nil, err
		}
	}
	return refs, nil
}

// finish extracts the deck from a completed upstream task, downloads it
// into outputDir, and marks the record completed.
func (s *Service) finish(ctx context.Context, localID string, info manus.TaskInfo) (tasks.Task, error) {
	fileURL, fileName := info.OutputFile(".pptx")
	if fileURL == "" {
		return tasks.Task{}, fmt.Errorf("task %s completed without a deck output", localID)
	}
	if fileName == "" {
		fileName = "presentation.pptx"
	}

	if _, err := s.store.UpdateTask(ctx, localID, func(t *tasks.Task) {
		t.Status = tasks.StatusDownloading
		t.PPTXURL = fileURL
		t.PPTXFilename = fileName
	}); err != nil {
		return tasks.Task{}, err
	}
	s.hub.SendToTaskSubscribers(localID, protocol.TaskUpdate{
		Type:      protocol.TypeTaskUpdate,
		TaskID:    localID,
		Status:    string(tasks.StatusDownloading),
		Timestamp: protocol.Timestamp(),
	})

	localPath, err := s.download(ctx, localID, fileURL, fileName)
	if err != nil {
		return tasks.Task{}, err
	}

	task, err := s.store.UpdateTask(ctx, localID, func(t *tasks.Task) {
		t.Status = tasks.StatusCompleted
		t.LocalFilePath = localPath
		t.Error = ""
		if title := info.Title(); title != "" {
			t.Title = title
		}
		if info.CreditUsage > 0 {
			t.CreditUsage = info.CreditUsage
		}
	})
	if err != nil {
		return tasks.Task{}, err
	}

	s.metrics.TaskEvents.WithLabelValues("completed").Inc()
	log.Printf("generator: task %s completed, deck at %s", localID, localPath)
	s.hub.SendToTaskSubscribers(localID, protocol.TaskCompleted{
		Type:        protocol.TypeTaskComplete,
		TaskID:      localID,
		LocalTaskID: localID,
		Title:       task.Title,
		DownloadURL: "/api/tasks/" + localID + "/download",
		Message:     "presentation ready",
		Timestamp:   protocol.Timestamp(),
	})
	return task, nil
}

func (s *Service) download(ctx context.Context, localID, fileURL, fileName string) (string, error) {
	if err := os.MkdirAll(s.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(s.outputDir, localID+"_"+sanitizeFilename(fileName))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	n, err := s.client.DownloadFile(ctx, fileURL, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("download deck: %w", err)
	}
	log.Printf("generator: downloaded %d bytes to %s", n, path)
	return path, nil
}

// chain submits the follow-up prompt as a fresh task when one was
// attached to the original request.
func (s *Service) chain(ctx context.Context, task tasks.Task) {
	if task.ChainPrompt == "" {
		return
	}
	next := tasks.NewTask(task.ChainPrompt, nil, "")
	if err := s.store.CreateTask(ctx, next); err != nil {
		log.Printf("generator: chained task for %s not created: %v", task.ID, err)
		return
	}
	log.Printf("generator: task %s chained follow-up %s", task.ID, next.ID)
	go func() {
		if err := s.Generate(context.Background(), next.ID); err != nil {
			log.Printf("generator: chained task %s: %v", next.ID, err)
		}
	}()
}

func (s *Service) fail(ctx context.Context, localID string, cause error) error {
	s.metrics.TaskEvents.WithLabelValues("failed").Inc()
	log.Printf("generator: task %s failed: %v", localID, cause)

	if _, err := s.store.UpdateTask(ctx, localID, func(t *tasks.Task) {
		t.Status = tasks.StatusFailed
		t.Error = cause.Error()
	}); err != nil {
		log.Printf("generator: task %s failure not recorded: %v", localID, err)
	}

	s.hub.SendToTaskSubscribers(localID, protocol.TaskFailed{
		Type:      protocol.TypeTaskFailed,
		TaskID:    localID,
		Error:     cause.Error(),
		Timestamp: protocol.Timestamp(),
	})
	return cause
}

func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_", " ", "_")
	name = replacer.Replace(name)
	if name == "" || name == "." {
		return "presentation.pptx"
	}
	return name
}
