package manus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, "test-key")
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client, srv
}

func TestNewClientRequiresKey(t *testing.T) {
	if _, err := NewClient("https://api.example.com", "  "); err == nil {
		t.Fatalf("NewClient() with blank key did not error")
	}
}

func TestClientSendsAPIKeyHeader(t *testing.T) {
	var gotKey string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("API_KEY")
		json.NewEncoder(w).Encode(TaskInfo{ID: "t-1"})
	}))

	if _, err := client.GetTask(context.Background(), "t-1", false); err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if gotKey != "test-key" {
		t.Fatalf("API_KEY header = %q, want test-key", gotKey)
	}
}

func TestClientSurfacesAPIError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"detail": "bad key"})
	}))

	_, err := client.GetTask(context.Background(), "t-1", false)
	if err == nil {
		t.Fatalf("GetTask() did not error")
	}
	if !IsStatus(err, http.StatusUnauthorized) {
		t.Fatalf("IsStatus(401) = false for %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Detail != "bad key" {
		t.Fatalf("Detail = %v, want bad key", err)
	}
}

func TestCreateTaskPayload(t *testing.T) {
	var got createTaskRequest
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/tasks" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		json.NewEncoder(w).Encode(TaskInfo{TaskID: "m-7", TaskTitle: "Deck"})
	}))

	info, err := client.CreateTask(context.Background(), "make a deck",
		[]AttachmentRef{{Filename: "notes.txt", FileID: "f-1"}}, "")
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if got.Prompt != "make a deck" || len(got.Attachments) != 1 || got.Attachments[0].FileID != "f-1" {
		t.Fatalf("payload = %+v", got)
	}
	if info.EffectiveID() != "m-7" {
		t.Fatalf("EffectiveID() = %q, want m-7", info.EffectiveID())
	}
	if info.Title() != "Deck" {
		t.Fatalf("Title() = %q, want Deck", info.Title())
	}
}

func TestWaitForCompletionTransitions(t *testing.T) {
	statuses := []string{TaskStatusPending, TaskStatusRunning, TaskStatusCompleted}
	calls := 0
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := TaskInfo{ID: "m-1"}
		if r.URL.Query().Get("convert") == "true" {
			info.Status = TaskStatusCompleted
			info.Output = []TaskOutput{{
				Type: "message",
				Content: []TaskOutputContent{
					{Type: "output_file", FileURL: "https://cdn.example.com/deck.pptx", FileName: "deck.pptx"},
				},
			}}
		} else {
			info.Status = statuses[min(calls, len(statuses)-1)]
			calls++
		}
		json.NewEncoder(w).Encode(info)
	}))

	var seen []string
	info, err := client.WaitForCompletion(context.Background(), "m-1",
		time.Millisecond, time.Second, func(taskID, status string, elapsed time.Duration) {
			seen = append(seen, status)
		})
	if err != nil {
		t.Fatalf("WaitForCompletion() error = %v", err)
	}

	want := []string{TaskStatusPending, TaskStatusRunning, TaskStatusCompleted}
	if len(seen) != len(want) {
		t.Fatalf("status transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("status transitions = %v, want %v", seen, want)
		}
	}

	fileURL, fileName := info.OutputFile(".pptx")
	if fileURL == "" || fileName != "deck.pptx" {
		t.Fatalf("OutputFile() = %q, %q", fileURL, fileName)
	}
}

func TestWaitForCompletionFailure(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(TaskInfo{ID: "m-1", Status: TaskStatusFailed, Error: "quota exceeded"})
	}))

	_, err := client.WaitForCompletion(context.Background(), "m-1", time.Millisecond, time.Second, nil)
	if err == nil {
		t.Fatalf("WaitForCompletion() did not error on failed task")
	}
}

func TestWaitForCompletionRespectsContext(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(TaskInfo{ID: "m-1", Status: TaskStatusRunning})
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.WaitForCompletion(ctx, "m-1", time.Minute, time.Hour, nil); err == nil {
		t.Fatalf("WaitForCompletion() ignored cancelled context")
	}
}

func TestUploadContentTwoStep(t *testing.T) {
	var uploaded []byte
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/v1/files", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode create payload: %v", err)
		}
		if req["filename"] != "notes.txt" {
			t.Errorf("filename = %q", req["filename"])
		}
		json.NewEncoder(w).Encode(createFileResponse{ID: "f-9", PresignedURL: srv.URL + "/bucket/f-9"})
	})
	mux.HandleFunc("/bucket/f-9", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("presigned method = %s, want PUT", r.Method)
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read presigned body: %v", err)
		}
		uploaded = body
	})

	client, err := NewClient(srv.URL, "test-key")
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	result, err := client.UploadContent(context.Background(), []byte("hello"), "notes.txt")
	if err != nil {
		t.Fatalf("UploadContent() error = %v", err)
	}
	if result.FileID != "f-9" || result.Size != 5 {
		t.Fatalf("UploadContent() = %+v", result)
	}
	if string(uploaded) != "hello" {
		t.Fatalf("presigned body = %q, want hello", uploaded)
	}
}

func TestUploadContentRejectsOversize(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("oversize upload reached the server")
	}))

	big := make([]byte, MaxFileSize+1)
	if _, err := client.UploadContent(context.Background(), big, "big.bin"); err == nil {
		t.Fatalf("UploadContent() accepted oversize content")
	}
}

func TestRegisterWebhookRecoversOnConflict(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]string{"detail": "already registered"})
		case http.MethodGet:
			json.NewEncoder(w).Encode(webhookList{Webhooks: []Webhook{
				{WebhookID: "wh-old", URL: "https://other.example.com/hook"},
				{WebhookID: "wh-1", URL: "https://bff.example.com/webhook/manus"},
			}})
		}
	}))

	id, err := client.RegisterWebhook(context.Background(), "https://bff.example.com/webhook/manus")
	if err != nil {
		t.Fatalf("RegisterWebhook() error = %v", err)
	}
	if id != "wh-1" {
		t.Fatalf("recovered id = %q, want wh-1", id)
	}
}

func TestRegisterWebhookConflictNoMatch(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusConflict)
		case http.MethodGet:
			json.NewEncoder(w).Encode(webhookList{})
		}
	}))

	if _, err := client.RegisterWebhook(context.Background(), "https://bff.example.com/webhook/manus"); err == nil {
		t.Fatalf("RegisterWebhook() did not surface unrecoverable conflict")
	}
}
