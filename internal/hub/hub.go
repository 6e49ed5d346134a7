// Package hub owns the live connection table and the task subscription
// index, and performs all outbound pushes. It is the only component
// that mutates either structure; everything else goes through its
// methods. Critical sections are map inserts/removes only, sends happen
// after the lock is released against a snapshotted target list.
package hub

import (
	"log"
	"sync"
	"time"

	"github.com/gmarconi/deckflow/internal/protocol"
)

// Conn is one live bidirectional channel to a browser client. The
// websocket wrapper in httpapi implements it; tests use in-memory
// fakes. WriteJSON must be safe for concurrent use.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

type connection struct {
	conn         Conn
	lastActivity time.Time
}

// Stats is a read-only snapshot of the registry for diagnostics.
type Stats struct {
	ActiveConnections    int            `json:"active_connections"`
	TasksWithSubscribers int            `json:"tasks_with_subscribers"`
	SubscribersPerTask   map[string]int `json:"subscribers_per_task"`
	Clients              []string       `json:"clients"`
}

// Hub tracks live client connections and their task subscriptions, and
// delivers pushes to one client, to all subscribers of a task, or to
// everyone. A send failure is treated as the disconnect signal: the
// connection is evicted before the send reports false.
type Hub struct {
	mu          sync.Mutex
	conns       map[string]*connection
	taskSubs    map[string]map[string]struct{}
	clientTasks map[string]map[string]struct{}

	onChange func()
}

func New() *Hub {
	return &Hub{
		conns:       make(map[string]*connection),
		taskSubs:    make(map[string]map[string]struct{}),
		clientTasks: make(map[string]map[string]struct{}),
	}
}

// SetChangeHook registers a callback invoked after any mutation of the
// connection table or subscription index (connect, disconnect,
// subscribe, unsubscribe), outside the registry lock. Used for gauge
// updates.
func (h *Hub) SetChangeHook(hook func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = hook
}

func (h *Hub) notifyChange() {
	h.mu.Lock()
	hook := h.onChange
	h.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// Connect registers a new connection for clientID. If the client
// already has a live connection it is closed first; the newest
// connection always wins. A "connected" acknowledgement is pushed to
// the new channel.
func (h *Hub) Connect(clientID string, c Conn) bool {
	if clientID == "" || c == nil {
		return false
	}

	h.mu.Lock()
	old := h.conns[clientID]
	h.conns[clientID] = &connection{conn: c, lastActivity: time.Now()}
	if _, ok := h.clientTasks[clientID]; !ok {
		h.clientTasks[clientID] = make(map[string]struct{})
	}
	active := len(h.conns)
	h.mu.Unlock()

	if old != nil {
		// Best effort: the old socket may already be dead.
		_ = old.conn.Close()
		log.Printf("hub: replaced existing connection for client %s", clientID)
	}
	log.Printf("hub: client %s connected, active=%d", clientID, active)
	h.notifyChange()

	h.SendToClient(clientID, protocol.Connected{
		Type:      protocol.TypeConnected,
		ClientID:  clientID,
		Message:   "connection established",
		Timestamp: protocol.Timestamp(),
	})
	return true
}

// Disconnect removes the connection and prunes every subscription the
// client held. Idempotent: the read loop and the liveness supervisor
// may both call it for the same connection.
func (h *Hub) Disconnect(clientID string) {
	h.disconnect(clientID, nil)
}

// DisconnectConn removes clientID only while c is still its registered
// connection. Read loops use it so a superseded connection's teardown
// cannot evict the replacement that won the registry slot.
func (h *Hub) DisconnectConn(clientID string, c Conn) {
	h.disconnect(clientID, c)
}

func (h *Hub) disconnect(clientID string, mustMatch Conn) {
	h.mu.Lock()
	entry, ok := h.conns[clientID]
	if !ok || (mustMatch != nil && entry.conn != mustMatch) {
		h.mu.Unlock()
		return
	}
	delete(h.conns, clientID)
	for taskID := range h.clientTasks[clientID] {
		if subs, ok := h.taskSubs[taskID]; ok {
			delete(subs, clientID)
			if len(subs) == 0 {
				delete(h.taskSubs, taskID)
			}
		}
	}
	delete(h.clientTasks, clientID)
	active := len(h.conns)
	h.mu.Unlock()

	_ = entry.conn.Close()
	log.Printf("hub: client %s disconnected, active=%d", clientID, active)
	h.notifyChange()
}

// Subscribe registers interest in taskID for clientID and pushes a
// "subscribed" acknowledgement. Subscribing without a live connection
// is a no-op with a warning; subscribing twice has no additional
// effect.
func (h *Hub) Subscribe(clientID, taskID string) bool {
	h.mu.Lock()
	if _, ok := h.conns[clientID]; !ok {
		h.mu.Unlock()
		log.Printf("hub: subscribe ignored, client %s not connected", clientID)
		return false
	}
	subs, ok := h.taskSubs[taskID]
	if !ok {
		subs = make(map[string]struct{})
		h.taskSubs[taskID] = subs
	}
	subs[clientID] = struct{}{}
	h.clientTasks[clientID][taskID] = struct{}{}
	h.mu.Unlock()

	h.notifyChange()
	h.SendToClient(clientID, protocol.Subscribed{
		Type:      protocol.TypeSubscribed,
		TaskID:    taskID,
		Message:   "subscribed to task updates",
		Timestamp: protocol.Timestamp(),
	})
	return true
}

// Unsubscribe removes the pairing from both indices. Idempotent, no
// acknowledgement.
func (h *Hub) Unsubscribe(clientID, taskID string) {
	h.mu.Lock()
	if subs, ok := h.taskSubs[taskID]; ok {
		delete(subs, clientID)
		if len(subs) == 0 {
			delete(h.taskSubs, taskID)
		}
	}
	if tasks, ok := h.clientTasks[clientID]; ok {
		delete(tasks, taskID)
	}
	h.mu.Unlock()
	h.notifyChange()
}

// IsConnected reports point-in-time liveness for clientID.
func (h *Hub) IsConnected(clientID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conns[clientID]
	return ok
}

// IsCurrent reports whether c is still the registered connection for
// clientID. The liveness supervisor uses it to stop once its connection
// has been replaced.
func (h *Hub) IsCurrent(clientID string, c Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.conns[clientID]
	return ok && entry.conn == c
}

// Touch records inbound activity for the liveness supervisor.
func (h *Hub) Touch(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if entry, ok := h.conns[clientID]; ok {
		entry.lastActivity = time.Now()
	}
}

// LastActivity returns the time of the last inbound message from
// clientID. The second result is false when the client is gone.
func (h *Hub) LastActivity(clientID string) (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.conns[clientID]
	if !ok {
		return time.Time{}, false
	}
	return entry.lastActivity, true
}

// ActiveCount returns the number of live connections.
func (h *Hub) ActiveCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// SubscriberCount returns the number of tasks with at least one
// subscriber.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.taskSubs)
}

// Stats snapshots the registry for diagnostics.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	stats := Stats{
		ActiveConnections:    len(h.conns),
		TasksWithSubscribers: len(h.taskSubs),
		SubscribersPerTask:   make(map[string]int, len(h.taskSubs)),
		Clients:              make([]string, 0, len(h.conns)),
	}
	for taskID, subs := range h.taskSubs {
		stats.SubscribersPerTask[taskID] = len(subs)
	}
	for clientID := range h.conns {
		stats.Clients = append(stats.Clients, clientID)
	}
	return stats
}

// SendToClient pushes one message to clientID. A transport failure is
// the disconnect signal for a push channel: the connection is evicted
// and false is returned. Errors never propagate to the caller.
func (h *Hub) SendToClient(clientID string, msg any) bool {
	h.mu.Lock()
	entry, ok := h.conns[clientID]
	h.mu.Unlock()
	if !ok {
		log.Printf("hub: send skipped, client %s not connected", clientID)
		return false
	}
	if err := entry.conn.WriteJSON(msg); err != nil {
		// Evict the connection that failed, not whatever is registered
		// by now: a replacement may have taken the slot while this
		// write was in flight, and it must not pay for the old socket's
		// failure.
		log.Printf("hub: send to client %s failed, evicting: %v", clientID, err)
		h.disconnect(clientID, entry.conn)
		return false
	}
	return true
}

// SendToTaskSubscribers pushes msg to every current subscriber of
// taskID and returns the number of successful sends. The subscriber set
// is snapshotted before iterating so a send-triggered eviction cannot
// corrupt the broadcast. Zero subscribers is a normal outcome.
func (h *Hub) SendToTaskSubscribers(taskID string, msg any) int {
	h.mu.Lock()
	subscribers := make([]string, 0, len(h.taskSubs[taskID]))
	for clientID := range h.taskSubs[taskID] {
		subscribers = append(subscribers, clientID)
	}
	h.mu.Unlock()

	if len(subscribers) == 0 {
		return 0
	}

	sent := 0
	for _, clientID := range subscribers {
		if h.SendToClient(clientID, msg) {
			sent++
		}
	}
	log.Printf("hub: task %s fan-out, subscribers=%d sent=%d", taskID, len(subscribers), sent)
	return sent
}

// Broadcast pushes msg to every live connection and returns the number
// of successful sends.
func (h *Hub) Broadcast(msg any) int {
	h.mu.Lock()
	clients := make([]string, 0, len(h.conns))
	for clientID := range h.conns {
		clients = append(clients, clientID)
	}
	h.mu.Unlock()

	sent := 0
	for _, clientID := range clients {
		if h.SendToClient(clientID, msg) {
			sent++
		}
	}
	return sent
}

// TaskSubscribers returns a copy of the subscriber set for taskID.
func (h *Hub) TaskSubscribers(taskID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.taskSubs[taskID]))
	for clientID := range h.taskSubs[taskID] {
		out = append(out, clientID)
	}
	return out
}

// ClientTasks returns a copy of the tasks clientID is subscribed to.
func (h *Hub) ClientTasks(clientID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.clientTasks[clientID]))
	for taskID := range h.clientTasks[clientID] {
		out = append(out, taskID)
	}
	return out
}
