// Package events ingests upstream webhook callbacks and turns them into
// websocket pushes and task side effects. Delivery to subscribers comes
// first; side effects run after, so a slow download never delays the
// relay. A single worker drains the queue, which preserves per-task
// receipt order.
package events

import (
	"context"
	"log"

	"github.com/gmarconi/deckflow/internal/generator"
	"github.com/gmarconi/deckflow/internal/hub"
	"github.com/gmarconi/deckflow/internal/observability"
	"github.com/gmarconi/deckflow/internal/protocol"
	"github.com/gmarconi/deckflow/internal/tasks"
)

const (
	EventTaskCreated      = "task_created"
	EventTaskStatusUpdate = "task_status_update"
	EventTaskStateChange  = "task_state_change"
)

// WebhookPayload is the upstream callback schema. Field names vary a
// little between event types; the adapter normalizes before pushing.
type WebhookPayload struct {
	EventID   string `json:"event_id,omitempty"`
	EventType string `json:"event_type"`
	TaskID    string `json:"task_id"`
	TaskTitle string `json:"task_title,omitempty"`
	TaskURL   string `json:"task_url,omitempty"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
}

type Adapter struct {
	hub     *hub.Hub
	store   tasks.Store
	gen     *generator.Service
	metrics *observability.Metrics
	queue   chan WebhookPayload
}

func NewAdapter(h *hub.Hub, store tasks.Store, gen *generator.Service, metrics *observability.Metrics, queueSize int) *Adapter {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Adapter{
		hub:     h,
		store:   store,
		gen:     gen,
		metrics: metrics,
		queue:   make(chan WebhookPayload, queueSize),
	}
}

// Enqueue hands a callback to the worker without blocking the HTTP
// handler. Returns false when the queue is full; the event is dropped
// and counted.
func (a *Adapter) Enqueue(p WebhookPayload) bool {
	select {
	case a.queue <- p:
		return true
	default:
		log.Printf("events: queue full, dropping %s for task %s", p.EventType, p.TaskID)
		a.metrics.WebhookEvents.WithLabelValues("dropped", p.Status).Inc()
		return false
	}
}

// Pending reports how many events are queued but not yet processed.
func (a *Adapter) Pending() int {
	return len(a.queue)
}

// Start launches the single ingestion worker. It exits when ctx is
// cancelled; queued events still in the channel are abandoned at
// shutdown.
func (a *Adapter) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				log.Printf("events: ingestion worker stopped")
				return
			case p := <-a.queue:
				a.process(ctx, p)
			}
		}
	}()
}

func (a *Adapter) process(ctx context.Context, p WebhookPayload) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("events: panic processing %s for task %s: %v", p.EventType, p.TaskID, r)
		}
	}()

	a.metrics.WebhookEvents.WithLabelValues(p.EventType, p.Status).Inc()

	// Subscribers know the local id from task creation, so resolve it
	// before pushing; fall back to the upstream id for tasks created
	// outside this service.
	pushKey := p.TaskID
	local, err := a.store.FindByManusTaskID(ctx, p.TaskID)
	if err == nil {
		pushKey = local.ID
	}

	a.hub.SendToTaskSubscribers(pushKey, protocol.WebhookEvent{
		Type:      protocol.TypeWebhookEvent,
		EventID:   p.EventID,
		EventType: p.EventType,
		TaskID:    pushKey,
		Status:    p.Status,
		Message:   p.Message,
		Timestamp: protocol.Timestamp(),
	})

	switch p.EventType {
	case EventTaskCreated:
		a.handleCreated(ctx, p, pushKey, err == nil)
	case EventTaskStatusUpdate, EventTaskStateChange:
		a.handleStatus(ctx, p, pushKey, err == nil)
	default:
		log.Printf("events: unknown event type %q for task %s", p.EventType, p.TaskID)
	}
}

func (a *Adapter) handleCreated(ctx context.Context, p WebhookPayload, pushKey string, known bool) {
	if known {
		if _, err := a.store.UpdateTask(ctx, pushKey, func(t *tasks.Task) {
			if !t.Terminal() {
				t.Status = tasks.StatusProcessing
			}
			if p.TaskTitle != "" {
				t.Title = p.TaskTitle
			}
			if p.TaskURL != "" {
				t.TaskURL = p.TaskURL
			}
		}); err != nil {
			log.Printf("events: task %s created metadata not recorded: %v", pushKey, err)
		}
	}
	a.hub.SendToTaskSubscribers(pushKey, protocol.TaskCreated{
		Type:      protocol.TypeTaskCreated,
		TaskID:    pushKey,
		Title:     p.TaskTitle,
		TaskURL:   p.TaskURL,
		Timestamp: protocol.Timestamp(),
	})
}

func (a *Adapter) handleStatus(ctx context.Context, p WebhookPayload, pushKey string, known bool) {
	switch p.Status {
	case "completed":
		// The converted fetch and deck download can take a while;
		// completed is terminal, so running it off-worker cannot
		// reorder meaningful updates for the task.
		go func() {
			if _, err := a.gen.Complete(context.Background(), p.TaskID); err != nil {
				log.Printf("events: completion of task %s: %v", p.TaskID, err)
			}
		}()
	case "failed", "stopped":
		if _, err := a.gen.Fail(ctx, p.TaskID, p.Message); err != nil {
			log.Printf("events: failure for task %s not recorded: %v", p.TaskID, err)
		}
	case "pending", "running":
		if known {
			if _, err := a.store.UpdateTask(ctx, pushKey, func(t *tasks.Task) {
				if !t.Terminal() {
					t.Status = tasks.StatusProcessing
				}
			}); err != nil {
				log.Printf("events: task %s status not recorded: %v", pushKey, err)
			}
		}
		a.hub.SendToTaskSubscribers(pushKey, protocol.TaskUpdate{
			Type:      protocol.TypeTaskUpdate,
			TaskID:    pushKey,
			Status:    p.Status,
			Message:   p.Message,
			Timestamp: protocol.Timestamp(),
		})
	default:
		log.Printf("events: unknown status %q in %s for task %s", p.Status, p.EventType, p.TaskID)
	}
}
