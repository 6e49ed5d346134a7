package tasks

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending     Status = "pending"
	StatusUploading   Status = "uploading"
	StatusProcessing  Status = "processing"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Attachment references an input file for a generation task. FilePath
// points at a local file to be uploaded; FileID is set once the
// upstream API has the file.
type Attachment struct {
	Filename string `json:"filename"`
	FileID   string `json:"file_id,omitempty"`
	FilePath string `json:"file_path,omitempty"`
}

// Task is the local record of one deck generation request. The local
// id and the upstream (Manus) task id are distinct; webhook callbacks
// carry the upstream id.
type Task struct {
	ID          string `json:"id"`
	ManusTaskID string `json:"manus_task_id,omitempty"`
	Prompt      string `json:"prompt"`
	Status      Status `json:"status"`
	Error       string `json:"error,omitempty"`

	Attachments   []Attachment `json:"attachments,omitempty"`
	PPTXURL       string       `json:"pptx_url,omitempty"`
	PPTXFilename  string       `json:"pptx_filename,omitempty"`
	LocalFilePath string       `json:"local_file_path,omitempty"`

	Title       string `json:"title,omitempty"`
	TaskURL     string `json:"task_url,omitempty"`
	CreditUsage int    `json:"credit_usage,omitempty"`

	// ChainPrompt, when set, creates a follow-up upstream task once
	// this one completes.
	ChainPrompt string `json:"chain_prompt,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewTask builds a pending task with a fresh local id.
func NewTask(prompt string, attachments []Attachment, chainPrompt string) Task {
	now := time.Now().UTC()
	return Task{
		ID:          uuid.NewString(),
		Prompt:      prompt,
		Status:      StatusPending,
		Attachments: attachments,
		ChainPrompt: chainPrompt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (t Task) Terminal() bool {
	switch t.Status {
	case StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

func (t Task) Clone() Task {
	out := t
	if t.Attachments != nil {
		out.Attachments = make([]Attachment, len(t.Attachments))
		copy(out.Attachments, t.Attachments)
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		out.CompletedAt = &ts
	}
	return out
}

// finalize stamps bookkeeping fields after a patch has been applied.
func finalize(t *Task) {
	now := time.Now().UTC()
	t.UpdatedAt = now
	if t.Status == StatusCompleted && t.CompletedAt == nil {
		t.CompletedAt = &now
	}
}
