package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/gmarconi/deckflow/internal/config"
	"github.com/gmarconi/deckflow/internal/events"
	"github.com/gmarconi/deckflow/internal/generator"
	"github.com/gmarconi/deckflow/internal/hub"
	"github.com/gmarconi/deckflow/internal/manus"
	"github.com/gmarconi/deckflow/internal/observability"
	"github.com/gmarconi/deckflow/internal/protocol"
	"github.com/gmarconi/deckflow/internal/tasks"
)

type Server struct {
	cfg       config.Config
	hub       *hub.Hub
	store     tasks.Store
	generator *generator.Service
	events    *events.Adapter
	manus     *manus.Client
	metrics   *observability.Metrics
	upgrader  websocket.Upgrader

	mu        sync.Mutex
	webhookID string
}

func New(cfg config.Config, h *hub.Hub, store tasks.Store, gen *generator.Service, adapter *events.Adapter, client *manus.Client, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:       cfg,
		hub:       h,
		store:     store,
		generator: gen,
		events:    adapter,
		manus:     client,
		metrics:   metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from
				// the same origin, so a third-party page cannot attach to
				// another user's event stream.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

// SetWebhookID records the upstream webhook registration for the status
// endpoint.
func (s *Server) SetWebhookID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhookID = id
}

func (s *Server) currentWebhookID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.webhookID
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/ws/{client_id}", s.handleWS)
	r.Get("/ws/stats", s.handleWSStats)

	r.Post("/api/tasks", s.handleCreateTask)
	r.Get("/api/tasks", s.handleListTasks)
	r.Get("/api/tasks/{id}", s.handleGetTask)
	r.Get("/api/tasks/{id}/detail", s.handleTaskDetail)
	r.Get("/api/tasks/{id}/download", s.handleTaskDownload)
	r.Delete("/api/tasks/{id}", s.handleDeleteTask)
	r.Get("/api/upstream/tasks", s.handleListUpstreamTasks)

	r.Post(s.cfg.WebhookPath, s.handleWebhook)
	r.Get("/webhook/status", s.handleWebhookStatus)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"task_store_mode": s.store.Mode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":             "ready",
		"active_connections": s.hub.ActiveCount(),
		"task_store_mode":    s.store.Mode(),
	})
}

func (s *Server) handleWSStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.hub.Stats())
}

// wsPeer adapts a gorilla connection to the hub. Gorilla allows only
// one concurrent writer, and the hub fans out from multiple goroutines,
// so every write is serialized here under a deadline.
type wsPeer struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	metrics *observability.Metrics
}

func (p *wsPeer) WriteJSON(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := p.conn.WriteJSON(v); err != nil {
		p.metrics.SendFailures.WithLabelValues("write_json").Inc()
		return err
	}
	if t, ok := messageTypeOf(v); ok {
		p.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
	}
	return nil
}

func (p *wsPeer) Close() error {
	return p.conn.Close()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimSpace(chi.URLParam(r, "client_id"))
	if clientID == "" {
		respondError(w, http.StatusBadRequest, "missing_client_id", "client id path segment is required")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	peer := &wsPeer{conn: conn, metrics: s.metrics}
	if !s.hub.Connect(clientID, peer) {
		_ = conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go s.superviseLiveness(ctx, clientID, peer)

	conn.SetReadLimit(1 << 20)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		s.hub.Touch(clientID)
		if msgType != websocket.TextMessage {
			continue
		}

		cmd, err := protocol.ParseCommand(data)
		if err != nil {
			s.metrics.WSMessages.WithLabelValues("inbound", "invalid").Inc()
			s.hub.SendToClient(clientID, protocol.Error{
				Type:      protocol.TypeError,
				Message:   err.Error(),
				Timestamp: protocol.Timestamp(),
			})
			continue
		}
		s.metrics.WSMessages.WithLabelValues("inbound", string(cmd.Action)).Inc()

		switch cmd.Action {
		case protocol.ActionSubscribe:
			s.hub.Subscribe(clientID, cmd.TaskID)
		case protocol.ActionUnsubscribe:
			s.hub.Unsubscribe(clientID, cmd.TaskID)
		case protocol.ActionPing:
			s.hub.SendToClient(clientID, protocol.Pong{
				Type:      protocol.TypePong,
				Timestamp: protocol.Timestamp(),
			})
		case protocol.ActionPong:
			// Touch above already recorded the activity.
		case protocol.ActionStats:
			s.hub.SendToClient(clientID, protocol.Stats{
				Type:      protocol.TypeStats,
				Data:      s.hub.Stats(),
				Timestamp: protocol.Timestamp(),
			})
		}
	}

	cancel()
	s.hub.DisconnectConn(clientID, peer)
}

// superviseLiveness pings a client that has been silent past the
// threshold. The ping is advisory: eviction happens only when the write
// itself fails, which SendToClient already handles.
func (s *Server) superviseLiveness(ctx context.Context, clientID string, peer *wsPeer) {
	ticker := time.NewTicker(s.cfg.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.hub.IsCurrent(clientID, peer) {
				return
			}
			last, ok := s.hub.LastActivity(clientID)
			if !ok {
				return
			}
			if time.Since(last) < s.cfg.ReadSilenceThreshold {
				continue
			}
			s.hub.SendToClient(clientID, protocol.Ping{
				Type:      protocol.TypePing,
				Timestamp: protocol.Timestamp(),
			})
		}
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.Connected:
		return m.Type, true
	case protocol.Subscribed:
		return m.Type, true
	case protocol.Ping:
		return m.Type, true
	case protocol.Pong:
		return m.Type, true
	case protocol.Stats:
		return m.Type, true
	case protocol.Error:
		return m.Type, true
	case protocol.WebhookEvent:
		return m.Type, true
	case protocol.TaskCreated:
		return m.Type, true
	case protocol.TaskUpdate:
		return m.Type, true
	case protocol.TaskCompleted:
		return m.Type, true
	case protocol.TaskFailed:
		return m.Type, true
	default:
		return "", false
	}
}
