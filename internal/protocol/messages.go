package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType identifies server push payload variants.
type MessageType string

const (
	TypeConnected    MessageType = "connected"
	TypeSubscribed   MessageType = "subscribed"
	TypePing         MessageType = "ping"
	TypePong         MessageType = "pong"
	TypeStats        MessageType = "stats"
	TypeError        MessageType = "error"
	TypeWebhookEvent MessageType = "webhook_event"
	TypeTaskCreated  MessageType = "task_created"
	TypeTaskUpdate   MessageType = "task_update"
	TypeTaskComplete MessageType = "task_completed"
	TypeTaskFailed   MessageType = "task_failed"
)

// Action identifies client command variants.
type Action string

const (
	ActionSubscribe   Action = "subscribe"
	ActionUnsubscribe Action = "unsubscribe"
	ActionPing        Action = "ping"
	ActionPong        Action = "pong"
	ActionStats       Action = "stats"
)

var (
	ErrMalformedCommand = errors.New("malformed client command")
	ErrUnknownAction    = errors.New("unknown action")
	ErrMissingTaskID    = errors.New("task_id is required")
)

// Command is the client-to-server message schema.
type Command struct {
	Action Action `json:"action"`
	TaskID string `json:"task_id,omitempty"`
}

// ParseCommand decodes and validates a raw client frame. Unknown
// actions are rejected explicitly instead of being matched on payload
// shape.
func ParseCommand(raw []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	switch cmd.Action {
	case ActionSubscribe, ActionUnsubscribe:
		if cmd.TaskID == "" {
			return Command{}, fmt.Errorf("%w for action %q", ErrMissingTaskID, cmd.Action)
		}
		return cmd, nil
	case ActionPing, ActionPong, ActionStats:
		return cmd, nil
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownAction, cmd.Action)
	}
}

// Timestamp returns the wire representation of "now". Every server push
// carries one.
func Timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

type Connected struct {
	Type      MessageType `json:"type"`
	ClientID  string      `json:"client_id"`
	Message   string      `json:"message,omitempty"`
	Timestamp string      `json:"timestamp"`
}

type Subscribed struct {
	Type      MessageType `json:"type"`
	TaskID    string      `json:"task_id"`
	Message   string      `json:"message,omitempty"`
	Timestamp string      `json:"timestamp"`
}

type Ping struct {
	Type      MessageType `json:"type"`
	Timestamp string      `json:"timestamp"`
}

type Pong struct {
	Type      MessageType `json:"type"`
	Timestamp string      `json:"timestamp"`
}

type Stats struct {
	Type      MessageType `json:"type"`
	Data      any         `json:"data"`
	Timestamp string      `json:"timestamp"`
}

type Error struct {
	Type      MessageType `json:"type"`
	Message   string      `json:"message"`
	Timestamp string      `json:"timestamp"`
}

// WebhookEvent is the normalized relay of an upstream callback, pushed
// to subscribers before any side effect runs.
type WebhookEvent struct {
	Type      MessageType `json:"type"`
	EventID   string      `json:"event_id"`
	EventType string      `json:"event_type"`
	TaskID    string      `json:"task_id"`
	Status    string      `json:"status,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp string      `json:"timestamp"`
}

type TaskCreated struct {
	Type      MessageType `json:"type"`
	TaskID    string      `json:"task_id"`
	Title     string      `json:"title,omitempty"`
	TaskURL   string      `json:"task_url,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp string      `json:"timestamp"`
}

type TaskUpdate struct {
	Type      MessageType `json:"type"`
	TaskID    string      `json:"task_id"`
	Status    string      `json:"status"`
	Message   string      `json:"message,omitempty"`
	Timestamp string      `json:"timestamp"`
}

type TaskCompleted struct {
	Type        MessageType `json:"type"`
	TaskID      string      `json:"task_id"`
	LocalTaskID string      `json:"local_task_id,omitempty"`
	Title       string      `json:"title,omitempty"`
	DownloadURL string      `json:"download_url,omitempty"`
	Message     string      `json:"message,omitempty"`
	Timestamp   string      `json:"timestamp"`
}

type TaskFailed struct {
	Type      MessageType `json:"type"`
	TaskID    string      `json:"task_id"`
	Error     string      `json:"error"`
	Timestamp string      `json:"timestamp"`
}
