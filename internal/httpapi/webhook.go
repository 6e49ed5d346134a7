package httpapi

import (
	"log"
	"net/http"

	"github.com/gmarconi/deckflow/internal/events"
)

// handleWebhook acknowledges upstream callbacks immediately; all
// processing happens on the ingestion worker. The provider retries on
// slow responses, so nothing blocking belongs here.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var payload events.WebhookPayload
	if err := decodeJSON(r, &payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}
	if payload.EventType == "" || payload.TaskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_payload", "event_type and task_id are required")
		return
	}

	received := s.events.Enqueue(payload)
	if !received {
		log.Printf("httpapi: webhook %s for task %s dropped, queue full", payload.EventType, payload.TaskID)
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"received": received,
	})
}

func (s *Server) handleWebhookStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{
		"enabled": s.cfg.WebhookEnabled,
		"pending": s.events.Pending(),
	}
	if s.cfg.WebhookEnabled {
		status["url"] = s.cfg.WebhookURL()
		status["webhook_id"] = s.currentWebhookID()
	}
	respondJSON(w, http.StatusOK, status)
}
