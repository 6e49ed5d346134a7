package hub

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gmarconi/deckflow/internal/protocol"
)

type fakeConn struct {
	mu         sync.Mutex
	messages   []any
	failWrites bool
	closed     bool
}

func (f *fakeConn) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errors.New("broken pipe")
	}
	f.messages = append(f.messages, v)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) snapshot() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.messages))
	copy(out, f.messages)
	return out
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestConnectSendsAck(t *testing.T) {
	h := New()
	c := &fakeConn{}
	if !h.Connect("c1", c) {
		t.Fatalf("Connect() = false, want true")
	}
	msgs := c.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("message count = %d, want 1 connected ack", len(msgs))
	}
	ack, ok := msgs[0].(protocol.Connected)
	if !ok {
		t.Fatalf("ack type = %T, want protocol.Connected", msgs[0])
	}
	if ack.ClientID != "c1" || ack.Type != protocol.TypeConnected {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestConnectLastWriterWins(t *testing.T) {
	h := New()
	first := &fakeConn{}
	second := &fakeConn{}

	h.Connect("dup", first)
	h.Connect("dup", second)

	if !first.isClosed() {
		t.Fatalf("first connection not closed after replacement")
	}
	stats := h.Stats()
	if stats.ActiveConnections != 1 {
		t.Fatalf("ActiveConnections = %d, want 1", stats.ActiveConnections)
	}
	if len(stats.Clients) != 1 || stats.Clients[0] != "dup" {
		t.Fatalf("Clients = %v, want [dup]", stats.Clients)
	}

	// The replacement channel is the live one.
	if !h.SendToClient("dup", protocol.Ping{Type: protocol.TypePing, Timestamp: protocol.Timestamp()}) {
		t.Fatalf("SendToClient() to replacement = false")
	}
	if len(second.snapshot()) != 2 {
		t.Fatalf("second conn messages = %d, want connected ack + ping", len(second.snapshot()))
	}
}

func TestConnectRejectsEmptyIdentity(t *testing.T) {
	h := New()
	if h.Connect("", &fakeConn{}) {
		t.Fatalf("Connect with empty client id = true, want false")
	}
	if h.Connect("c1", nil) {
		t.Fatalf("Connect with nil conn = true, want false")
	}
}

func TestSubscribeWithoutConnectionIsNoop(t *testing.T) {
	h := New()
	if h.Subscribe("ghost", "t1") {
		t.Fatalf("Subscribe() without connection = true, want false")
	}
	if h.Stats().TasksWithSubscribers != 0 {
		t.Fatalf("subscription recorded for unconnected client")
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	h := New()
	c := &fakeConn{}
	h.Connect("c1", c)
	h.Subscribe("c1", "t1")
	h.Subscribe("c1", "t1")

	stats := h.Stats()
	if stats.SubscribersPerTask["t1"] != 1 {
		t.Fatalf("subscriber count = %d, want 1", stats.SubscribersPerTask["t1"])
	}
}

func TestDisconnectPrunesSubscriptions(t *testing.T) {
	h := New()
	c := &fakeConn{}
	h.Connect("c1", c)
	h.Subscribe("c1", "t1")
	h.Subscribe("c1", "t2")

	h.Disconnect("c1")

	stats := h.Stats()
	if stats.ActiveConnections != 0 {
		t.Fatalf("ActiveConnections = %d, want 0", stats.ActiveConnections)
	}
	if stats.TasksWithSubscribers != 0 {
		t.Fatalf("TasksWithSubscribers = %d, want 0 after last subscriber left", stats.TasksWithSubscribers)
	}
	if got := h.SendToTaskSubscribers("t1", protocol.Ping{Type: protocol.TypePing}); got != 0 {
		t.Fatalf("SendToTaskSubscribers after disconnect = %d, want 0", got)
	}
}

func TestDisconnectKeepsOtherSubscribers(t *testing.T) {
	h := New()
	c1 := &fakeConn{}
	c2 := &fakeConn{}
	h.Connect("c1", c1)
	h.Connect("c2", c2)
	h.Subscribe("c1", "t1")
	h.Subscribe("c2", "t1")

	h.Disconnect("c1")

	stats := h.Stats()
	if stats.SubscribersPerTask["t1"] != 1 {
		t.Fatalf("subscriber count = %d, want 1 remaining", stats.SubscribersPerTask["t1"])
	}
}

func TestDisconnectAndUnsubscribeAreIdempotent(t *testing.T) {
	h := New()
	c := &fakeConn{}
	h.Connect("c1", c)
	h.Subscribe("c1", "t1")

	h.Unsubscribe("c1", "t1")
	h.Unsubscribe("c1", "t1")
	h.Disconnect("c1")
	h.Disconnect("c1")

	stats := h.Stats()
	if stats.ActiveConnections != 0 || stats.TasksWithSubscribers != 0 {
		t.Fatalf("unexpected state after repeated teardown: %+v", stats)
	}
}

func TestSendToTaskSubscribersZeroSubscribers(t *testing.T) {
	h := New()
	if got := h.SendToTaskSubscribers("unknown-task", protocol.Ping{Type: protocol.TypePing}); got != 0 {
		t.Fatalf("SendToTaskSubscribers = %d, want 0", got)
	}
}

func TestSendFailureEvictsConnection(t *testing.T) {
	h := New()
	c := &fakeConn{}
	h.Connect("c1", c)
	h.Subscribe("c1", "t1")

	c.mu.Lock()
	c.failWrites = true
	c.mu.Unlock()

	if h.SendToClient("c1", protocol.Ping{Type: protocol.TypePing}) {
		t.Fatalf("SendToClient() on broken conn = true, want false")
	}
	if h.IsConnected("c1") {
		t.Fatalf("client still connected after send failure")
	}
	if h.Stats().TasksWithSubscribers != 0 {
		t.Fatalf("subscriptions survived eviction")
	}
}

func TestFanOutSurvivesMidBroadcastEviction(t *testing.T) {
	h := New()
	healthy := &fakeConn{}
	broken := &fakeConn{}

	h.Connect("bad", broken)
	h.Connect("good", healthy)
	h.Subscribe("bad", "t1")
	h.Subscribe("good", "t1")
	broken.mu.Lock()
	broken.failWrites = true
	broken.mu.Unlock()

	sent := h.SendToTaskSubscribers("t1", protocol.TaskUpdate{
		Type:   protocol.TypeTaskUpdate,
		TaskID: "t1",
		Status: "running",
	})
	if sent != 1 {
		t.Fatalf("sent = %d, want 1 (healthy subscriber only)", sent)
	}
	if h.IsConnected("bad") {
		t.Fatalf("broken subscriber not evicted during fan-out")
	}
	if !h.IsConnected("good") {
		t.Fatalf("healthy subscriber evicted during fan-out")
	}
}

func TestFanOutPreservesPerTaskOrder(t *testing.T) {
	h := New()
	c := &fakeConn{}
	h.Connect("c1", c)
	h.Subscribe("c1", "t1")

	first := protocol.TaskUpdate{Type: protocol.TypeTaskUpdate, TaskID: "t1", Status: "running"}
	second := protocol.TaskCompleted{Type: protocol.TypeTaskComplete, TaskID: "t1", DownloadURL: "/x"}
	h.SendToTaskSubscribers("t1", first)
	h.SendToTaskSubscribers("t1", second)

	msgs := c.snapshot()
	// connected ack, subscribed ack, then the two events in order.
	if len(msgs) != 4 {
		t.Fatalf("message count = %d, want 4", len(msgs))
	}
	if _, ok := msgs[2].(protocol.TaskUpdate); !ok {
		t.Fatalf("third message = %T, want TaskUpdate first", msgs[2])
	}
	done, ok := msgs[3].(protocol.TaskCompleted)
	if !ok {
		t.Fatalf("fourth message = %T, want TaskCompleted second", msgs[3])
	}
	if done.DownloadURL != "/x" {
		t.Fatalf("DownloadURL = %q, want /x", done.DownloadURL)
	}
}

func TestBroadcastCountsSuccesses(t *testing.T) {
	h := New()
	a := &fakeConn{}
	b := &fakeConn{}
	h.Connect("a", a)
	h.Connect("b", b)

	if got := h.Broadcast(protocol.Ping{Type: protocol.TypePing}); got != 2 {
		t.Fatalf("Broadcast() = %d, want 2", got)
	}
}

func TestTouchUpdatesLastActivity(t *testing.T) {
	h := New()
	h.Connect("c1", &fakeConn{})

	before, ok := h.LastActivity("c1")
	if !ok {
		t.Fatalf("LastActivity() ok = false for connected client")
	}
	time.Sleep(5 * time.Millisecond)
	h.Touch("c1")
	after, _ := h.LastActivity("c1")
	if !after.After(before) {
		t.Fatalf("Touch() did not advance last activity: %v -> %v", before, after)
	}

	if _, ok := h.LastActivity("ghost"); ok {
		t.Fatalf("LastActivity() ok = true for unknown client")
	}
}

func TestConcurrentSubscribeDisconnect(t *testing.T) {
	h := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			h.Connect(id, &fakeConn{})
			h.Subscribe(id, "t-shared")
			h.SendToTaskSubscribers("t-shared", protocol.Ping{Type: protocol.TypePing})
			h.Disconnect(id)
		}(i)
	}
	wg.Wait()

	stats := h.Stats()
	if stats.ActiveConnections != 0 || stats.TasksWithSubscribers != 0 {
		t.Fatalf("registry not empty after concurrent churn: %+v", stats)
	}
}

func TestDisconnectConnSparesReplacement(t *testing.T) {
	h := New()
	first := &fakeConn{}
	second := &fakeConn{}

	h.Connect("dup", first)
	h.Connect("dup", second)

	// The superseded read loop tears down with its own conn identity;
	// the replacement must survive.
	h.DisconnectConn("dup", first)
	if !h.IsConnected("dup") {
		t.Fatalf("replacement evicted by superseded connection teardown")
	}
	if !h.IsCurrent("dup", second) {
		t.Fatalf("IsCurrent() = false for the winning connection")
	}
	if h.IsCurrent("dup", first) {
		t.Fatalf("IsCurrent() = true for the superseded connection")
	}

	h.DisconnectConn("dup", second)
	if h.IsConnected("dup") {
		t.Fatalf("winning connection not removed by its own teardown")
	}
}

// gatedConn blocks its first write until released, then fails it.
// Models a socket whose in-flight write is poisoned by the close that
// a replacement connection triggers.
type gatedConn struct {
	gate     chan struct{}
	released chan struct{}
}

func (g *gatedConn) WriteJSON(any) error {
	close(g.released)
	<-g.gate
	return errors.New("use of closed network connection")
}

func (g *gatedConn) Close() error { return nil }

func TestFailedSendOnSupersededConnSparesReplacement(t *testing.T) {
	h := New()
	old := &gatedConn{gate: make(chan struct{}), released: make(chan struct{})}

	h.mu.Lock()
	h.conns["c1"] = &connection{conn: old, lastActivity: time.Now()}
	h.clientTasks["c1"] = make(map[string]struct{})
	h.mu.Unlock()

	sendDone := make(chan bool)
	go func() {
		sendDone <- h.SendToClient("c1", protocol.Ping{Type: protocol.TypePing})
	}()
	<-old.released

	// Replacement wins the slot while the old write is still in flight.
	replacement := &fakeConn{}
	h.Connect("c1", replacement)

	close(old.gate)
	if sent := <-sendDone; sent {
		t.Fatalf("SendToClient() on failed conn = true, want false")
	}

	if !h.IsConnected("c1") {
		t.Fatalf("replacement evicted by failed send on superseded connection")
	}
	if !h.IsCurrent("c1", replacement) {
		t.Fatalf("registered connection is not the replacement")
	}
	if !h.SendToClient("c1", protocol.Ping{Type: protocol.TypePing}) {
		t.Fatalf("SendToClient() to replacement = false after old conn failure")
	}
}
