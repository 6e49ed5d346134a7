package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseCommandSubscribe(t *testing.T) {
	cmd, err := ParseCommand([]byte(`{"action":"subscribe","task_id":"t1"}`))
	if err != nil {
		t.Fatalf("ParseCommand() error = %v", err)
	}
	if cmd.Action != ActionSubscribe || cmd.TaskID != "t1" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
}

func TestParseCommandSubscribeWithoutTaskID(t *testing.T) {
	_, err := ParseCommand([]byte(`{"action":"subscribe"}`))
	if !errors.Is(err, ErrMissingTaskID) {
		t.Fatalf("error = %v, want ErrMissingTaskID", err)
	}
}

func TestParseCommandUnsubscribeWithoutTaskID(t *testing.T) {
	_, err := ParseCommand([]byte(`{"action":"unsubscribe"}`))
	if !errors.Is(err, ErrMissingTaskID) {
		t.Fatalf("error = %v, want ErrMissingTaskID", err)
	}
}

func TestParseCommandPingNeedsNoTaskID(t *testing.T) {
	cmd, err := ParseCommand([]byte(`{"action":"ping"}`))
	if err != nil {
		t.Fatalf("ParseCommand() error = %v", err)
	}
	if cmd.Action != ActionPing {
		t.Fatalf("Action = %q, want %q", cmd.Action, ActionPing)
	}
}

func TestParseCommandRejectsUnknownAction(t *testing.T) {
	_, err := ParseCommand([]byte(`{"action":"dance"}`))
	if !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("error = %v, want ErrUnknownAction", err)
	}
}

func TestParseCommandRejectsMalformedJSON(t *testing.T) {
	_, err := ParseCommand([]byte(`{"action":`))
	if !errors.Is(err, ErrMalformedCommand) {
		t.Fatalf("error = %v, want ErrMalformedCommand", err)
	}
}

func TestTimestampIsRFC3339(t *testing.T) {
	ts := Timestamp()
	if _, err := time.Parse(time.RFC3339, ts); err != nil {
		t.Fatalf("Timestamp() = %q is not RFC3339: %v", ts, err)
	}
}

func TestTaskCompletedWireShape(t *testing.T) {
	msg := TaskCompleted{
		Type:        TypeTaskComplete,
		TaskID:      "t1",
		DownloadURL: "/api/tasks/l1/download",
		Timestamp:   Timestamp(),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal error = %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal error = %v", err)
	}
	if decoded["type"] != "task_completed" {
		t.Fatalf("type = %v, want task_completed", decoded["type"])
	}
	if decoded["download_url"] != "/api/tasks/l1/download" {
		t.Fatalf("download_url = %v", decoded["download_url"])
	}
	if _, ok := decoded["timestamp"]; !ok {
		t.Fatalf("timestamp missing from wire form: %s", raw)
	}
}
