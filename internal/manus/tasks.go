package manus

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	TaskStatusPending   = "pending"
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
)

// AttachmentRef names an uploaded file for task creation.
type AttachmentRef struct {
	Filename string `json:"filename"`
	FileID   string `json:"file_id"`
}

type TaskOutputContent struct {
	Type     string `json:"type"`
	FileURL  string `json:"fileUrl,omitempty"`
	FileName string `json:"fileName,omitempty"`
}

type TaskOutput struct {
	Type    string              `json:"type"`
	Content []TaskOutputContent `json:"content,omitempty"`
}

type TaskMetadata struct {
	TaskTitle string `json:"task_title,omitempty"`
	TaskURL   string `json:"task_url,omitempty"`
}

// TaskInfo is the upstream task representation. The API is
// inconsistent about whether the identifier arrives as "id" or
// "task_id" and whether title/url live at the top level or in
// metadata; the accessors normalize both.
type TaskInfo struct {
	ID          string       `json:"id,omitempty"`
	TaskID      string       `json:"task_id,omitempty"`
	Status      string       `json:"status,omitempty"`
	Output      []TaskOutput `json:"output,omitempty"`
	CreditUsage int          `json:"credit_usage,omitempty"`
	Metadata    TaskMetadata `json:"metadata,omitempty"`
	TaskTitle   string       `json:"task_title,omitempty"`
	TaskURL     string       `json:"task_url,omitempty"`
	Error       string       `json:"error,omitempty"`
}

func (t TaskInfo) EffectiveID() string {
	if t.ID != "" {
		return t.ID
	}
	return t.TaskID
}

func (t TaskInfo) Title() string {
	if t.TaskTitle != "" {
		return t.TaskTitle
	}
	return t.Metadata.TaskTitle
}

func (t TaskInfo) URL() string {
	if t.TaskURL != "" {
		return t.TaskURL
	}
	return t.Metadata.TaskURL
}

// OutputFile returns the first output file URL/name matching ext
// (e.g. ".pptx"), or empty strings when the task produced none.
func (t TaskInfo) OutputFile(ext string) (fileURL, fileName string) {
	for _, output := range t.Output {
		if output.Type != "message" {
			continue
		}
		for _, content := range output.Content {
			if content.Type != "output_file" || content.FileURL == "" {
				continue
			}
			if ext == "" || containsFold(content.FileURL, ext) {
				return content.FileURL, content.FileName
			}
		}
	}
	return "", ""
}

type createTaskRequest struct {
	Prompt      string          `json:"prompt"`
	Attachments []AttachmentRef `json:"attachments,omitempty"`
	ProjectID   string          `json:"project_id,omitempty"`
}

// CreateTask submits a new generation task.
func (c *Client) CreateTask(ctx context.Context, prompt string, attachments []AttachmentRef, projectID string) (TaskInfo, error) {
	var info TaskInfo
	err := c.post(ctx, "/v1/tasks", createTaskRequest{
		Prompt:      prompt,
		Attachments: attachments,
		ProjectID:   projectID,
	}, &info)
	if err != nil {
		return TaskInfo{}, fmt.Errorf("create task: %w", err)
	}
	log.Printf("manus: task created, id=%s", info.EffectiveID())
	return info, nil
}

// GetTask fetches task detail. With convert set the API rewrites deck
// outputs into downloadable form.
func (c *Client) GetTask(ctx context.Context, taskID string, convert bool) (TaskInfo, error) {
	var params url.Values
	if convert {
		params = url.Values{"convert": {"true"}}
	}
	var info TaskInfo
	if err := c.get(ctx, "/v1/tasks/"+taskID, params, &info); err != nil {
		return TaskInfo{}, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return info, nil
}

type TaskList struct {
	Tasks []TaskInfo `json:"tasks"`
}

func (c *Client) ListTasks(ctx context.Context, statuses []string, limit int) (TaskList, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	for _, status := range statuses {
		params.Add("status", status)
	}
	var list TaskList
	if err := c.get(ctx, "/v1/tasks", params, &list); err != nil {
		return TaskList{}, fmt.Errorf("list tasks: %w", err)
	}
	return list, nil
}

func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	if err := c.delete(ctx, "/v1/tasks/"+taskID); err != nil {
		return fmt.Errorf("delete task %s: %w", taskID, err)
	}
	return nil
}

// StatusCallback is invoked once per observed status change while
// polling.
type StatusCallback func(taskID, status string, elapsed time.Duration)

// WaitForCompletion polls the task until it reaches a terminal status.
// Used when webhook delivery is not configured. The final fetch uses
// convert so the outputs carry download URLs.
func (c *Client) WaitForCompletion(ctx context.Context, taskID string, pollInterval, timeout time.Duration, onChange StatusCallback) (TaskInfo, error) {
	deadline := time.Now().Add(timeout)
	lastStatus := ""

	for {
		if time.Now().After(deadline) {
			return TaskInfo{}, fmt.Errorf("task %s timed out after %s", taskID, timeout)
		}

		info, err := c.GetTask(ctx, taskID, false)
		if err != nil {
			return TaskInfo{}, err
		}

		if info.Status != lastStatus {
			elapsed := timeout - time.Until(deadline)
			log.Printf("manus: task %s status %s (%.1fs elapsed)", taskID, info.Status, elapsed.Seconds())
			if onChange != nil {
				onChange(taskID, info.Status, elapsed)
			}
			lastStatus = info.Status
		}

		switch info.Status {
		case TaskStatusCompleted:
			return c.GetTask(ctx, taskID, true)
		case TaskStatusFailed:
			detail := info.Error
			if detail == "" {
				detail = "unknown error"
			}
			return TaskInfo{}, fmt.Errorf("task %s failed: %s", taskID, detail)
		}

		select {
		case <-ctx.Done():
			return TaskInfo{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
