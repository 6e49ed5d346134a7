package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/gmarconi/deckflow/internal/tasks"
)

const pptxContentType = "application/vnd.openxmlformats-officedocument.presentationml.presentation"

type createTaskRequest struct {
	Prompt      string `json:"prompt"`
	ChainPrompt string `json:"chain_prompt,omitempty"`
	Attachments []struct {
		Filename string `json:"filename"`
		FileID   string `json:"file_id,omitempty"`
		FilePath string `json:"file_path,omitempty"`
	} `json:"attachments,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		respondError(w, http.StatusBadRequest, "missing_prompt", "prompt is required")
		return
	}

	attachments := make([]tasks.Attachment, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		if a.Filename == "" {
			respondError(w, http.StatusBadRequest, "invalid_attachment", "attachment filename is required")
			return
		}
		attachments = append(attachments, tasks.Attachment{
			Filename: a.Filename,
			FileID:   a.FileID,
			FilePath: a.FilePath,
		})
	}

	task := tasks.NewTask(req.Prompt, attachments, req.ChainPrompt)
	if err := s.store.CreateTask(r.Context(), task); err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}

	// The pipeline outlives the request; detach it from the request
	// context so the client closing the POST does not abort generation.
	go func() {
		if err := s.generator.Generate(context.WithoutCancel(r.Context()), task.ID); err != nil {
			log.Printf("httpapi: generation of task %s: %v", task.ID, err)
		}
	}()

	respondJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := tasks.Status(r.URL.Query().Get("status"))
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	list, err := s.store.ListTasks(r.Context(), status, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	total, err := s.store.CountTasks(r.Context(), status)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"tasks":  list,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, task)
}

// handleTaskDetail merges the stored record with a live upstream fetch
// when the task has been submitted.
func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}

	detail := map[string]any{"task": task}
	if s.manus != nil && task.ManusTaskID != "" {
		info, err := s.manus.GetTask(r.Context(), task.ManusTaskID, false)
		if err != nil {
			detail["upstream_error"] = err.Error()
		} else {
			detail["upstream"] = info
		}
	}
	respondJSON(w, http.StatusOK, detail)
}

func (s *Server) handleTaskDownload(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	if task.Status != tasks.StatusCompleted || task.LocalFilePath == "" {
		respondError(w, http.StatusConflict, "not_ready", "presentation is not ready for download")
		return
	}
	if _, err := os.Stat(task.LocalFilePath); err != nil {
		respondError(w, http.StatusNotFound, "artifact_missing", "presentation file is gone from disk")
		return
	}

	filename := task.PPTXFilename
	if filename == "" {
		filename = "presentation.pptx"
	}
	w.Header().Set("Content-Type", pptxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	http.ServeFile(w, r, task.LocalFilePath)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}

	if task.LocalFilePath != "" {
		if err := os.Remove(task.LocalFilePath); err != nil && !os.IsNotExist(err) {
			log.Printf("httpapi: artifact for task %s not removed: %v", task.ID, err)
		}
	}

	// Best-effort upstream cleanup: uploaded inputs and the task itself.
	// The local record goes away regardless.
	if s.manus != nil {
		for _, att := range task.Attachments {
			if att.FileID == "" {
				continue
			}
			if err := s.manus.DeleteFile(r.Context(), att.FileID); err != nil {
				log.Printf("httpapi: upstream file %s not removed: %v", att.FileID, err)
			}
		}
		if task.ManusTaskID != "" {
			if err := s.manus.DeleteTask(r.Context(), task.ManusTaskID); err != nil {
				log.Printf("httpapi: upstream task %s not removed: %v", task.ManusTaskID, err)
			}
		}
	}

	if err := s.store.DeleteTask(r.Context(), task.ID); err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "deleted", "id": task.ID})
}

// handleListUpstreamTasks passes the provider's task list through for
// diagnostics; local records can drift from what the provider holds.
func (s *Server) handleListUpstreamTasks(w http.ResponseWriter, r *http.Request) {
	list, err := s.manus.ListTasks(r.Context(), r.URL.Query()["status"], queryInt(r, "limit", 50))
	if err != nil {
		respondError(w, http.StatusBadGateway, "upstream_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, list)
}

func (s *Server) loadTask(w http.ResponseWriter, r *http.Request) (tasks.Task, bool) {
	id := chi.URLParam(r, "id")
	task, err := s.store.GetTask(r.Context(), id)
	if errors.Is(err, tasks.ErrNotFound) {
		respondError(w, http.StatusNotFound, "task_not_found", "no task with id "+id)
		return tasks.Task{}, false
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return tasks.Task{}, false
	}
	return task, true
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
