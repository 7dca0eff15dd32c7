package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/exectrack/internal/domain"
	"github.com/xiaot623/exectrack/internal/protocol"
)

func TestPolicyDelay(t *testing.T) {
	p := DefaultPolicy()

	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for attempt, d := range want {
		assert.Equal(t, d, p.Delay(attempt), "attempt %d", attempt)
	}
	assert.Equal(t, time.Second, p.Delay(-1))
	assert.Equal(t, 5, p.MaxAttempts)
}

func TestPolicyWithDefaults(t *testing.T) {
	p := Policy{Base: 10 * time.Millisecond}.withDefaults()
	assert.Equal(t, 10*time.Millisecond, p.Base)
	assert.Equal(t, 30*time.Second, p.Max)
	assert.Equal(t, 5, p.MaxAttempts)
}

// feedServer is a scripted event feed. Requests numbered below failUntil are rejected before the
// upgrade; connections numbered below dropUntil are dropped right after the subscription.
type feedServer struct {
	*httptest.Server
	failUntil int32
	dropUntil int32
	events    [][]byte

	requests   atomic.Int32
	mu         sync.Mutex
	subscribed []protocol.SubscribeMessage
	queries    []string
}

func newFeedServer(t *testing.T, failUntil, dropUntil int32, events ...string) *feedServer {
	t.Helper()
	fs := &feedServer{failUntil: failUntil, dropUntil: dropUntil}
	for _, e := range events {
		fs.events = append(fs.events, []byte(e))
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := fs.requests.Add(1)
		if n <= fs.failUntil {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub protocol.SubscribeMessage
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		fs.mu.Lock()
		fs.subscribed = append(fs.subscribed, sub)
		fs.queries = append(fs.queries, r.URL.RawQuery)
		fs.mu.Unlock()

		if n <= fs.failUntil+fs.dropUntil {
			return // abrupt drop, no close frame
		}
		for _, e := range fs.events {
			if err := conn.WriteMessage(websocket.TextMessage, e); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *feedServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http")
}

type recorder struct {
	mu       sync.Mutex
	states   []StateChange
	messages []string
	changes  chan StateChange
	received chan string
}

func newRecorder() *recorder {
	return &recorder{changes: make(chan StateChange, 64), received: make(chan string, 64)}
}

func (r *recorder) onState(c StateChange) {
	r.mu.Lock()
	r.states = append(r.states, c)
	r.mu.Unlock()
	r.changes <- c
}

func (r *recorder) onMessage(_ string, data []byte) {
	r.mu.Lock()
	r.messages = append(r.messages, string(data))
	r.mu.Unlock()
	r.received <- string(data)
}

func (r *recorder) waitFor(t *testing.T, state domain.ConnectionState) StateChange {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c := <-r.changes:
			if c.State == state {
				return c
			}
		case <-timeout:
			t.Fatalf("timed out waiting for state %s", state)
		}
	}
}

func (r *recorder) count(state domain.ConnectionState) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.states {
		if c.State == state {
			n++
		}
	}
	return n
}

func testManager(url string, policy Policy) *Manager {
	return NewManager(Options{URL: url, Policy: policy, PingInterval: time.Second, ReadTimeout: 5 * time.Second})
}

func TestOpenSubscribesAndDeliversMessages(t *testing.T) {
	fs := newFeedServer(t, 0, 0,
		`{"type":"connection-established","clientId":"c1"}`,
		`{"type":"agent-event","executionId":"exec-1","eventType":"execution_started"}`,
	)
	rec := newRecorder()
	m := testManager(fs.wsURL()+"/ws", Policy{Base: 10 * time.Millisecond})

	h, err := m.Open(context.Background(), "exec-1", "user-7", rec.onMessage, rec.onState)
	require.NoError(t, err)
	defer m.Close(h)

	rec.waitFor(t, domain.ConnectionStateOpen)
	first := <-rec.received
	second := <-rec.received
	assert.Contains(t, first, "connection-established")
	assert.Contains(t, second, "execution_started")

	fs.mu.Lock()
	require.Len(t, fs.subscribed, 1)
	assert.Equal(t, protocol.NewSubscribeMessage("exec-1"), fs.subscribed[0])
	assert.Contains(t, fs.queries[0], "executionId=exec-1")
	assert.Contains(t, fs.queries[0], "userId=user-7")
	fs.mu.Unlock()

	assert.Equal(t, domain.ConnectionStateOpen, h.State())
}

func TestOpenReturnsExistingHandle(t *testing.T) {
	fs := newFeedServer(t, 0, 0)
	rec := newRecorder()
	m := testManager(fs.wsURL(), Policy{Base: 10 * time.Millisecond})

	h1, err := m.Open(context.Background(), "exec-1", "", rec.onMessage, rec.onState)
	require.NoError(t, err)
	defer m.Close(h1)
	h2, err := m.Open(context.Background(), "exec-1", "", rec.onMessage, rec.onState)
	require.NoError(t, err)

	assert.Same(t, h1, h2)
	rec.waitFor(t, domain.ConnectionStateOpen)
	assert.Equal(t, int32(1), fs.requests.Load())
}

func TestOpenRequiresExecutionID(t *testing.T) {
	m := testManager("ws://127.0.0.1:1", Policy{})
	_, err := m.Open(context.Background(), "", "", nil, nil)
	assert.ErrorIs(t, err, ErrMissingExecutionID)
}

func TestReconnectBacksOffThenResets(t *testing.T) {
	// Two rejected dials, then a connection that drops once, then a stable one.
	fs := newFeedServer(t, 2, 1)
	rec := newRecorder()
	base := 5 * time.Millisecond
	m := testManager(fs.wsURL(), Policy{Base: base, Max: time.Second, MaxAttempts: 5})

	h, err := m.Open(context.Background(), "exec-1", "", rec.onMessage, rec.onState)
	require.NoError(t, err)
	defer m.Close(h)

	r1 := rec.waitFor(t, domain.ConnectionStateRetrying)
	assert.Equal(t, 1, r1.Attempt)
	assert.Equal(t, base, r1.Delay)
	assert.Error(t, r1.Err)

	r2 := rec.waitFor(t, domain.ConnectionStateRetrying)
	assert.Equal(t, 2, r2.Attempt)
	assert.Equal(t, 2*base, r2.Delay)

	rec.waitFor(t, domain.ConnectionStateOpen)

	// The drop after a successful open starts again from the base delay.
	r3 := rec.waitFor(t, domain.ConnectionStateRetrying)
	assert.Equal(t, 1, r3.Attempt)
	assert.Equal(t, base, r3.Delay)

	rec.waitFor(t, domain.ConnectionStateOpen)
	assert.Equal(t, 0, rec.count(domain.ConnectionStateLost))
	assert.Equal(t, int32(4), fs.requests.Load())
}

func TestRetriesExhaustedReportsLostOnce(t *testing.T) {
	fs := newFeedServer(t, 1000, 0)
	rec := newRecorder()
	m := testManager(fs.wsURL(), Policy{Base: time.Millisecond, Max: 4 * time.Millisecond, MaxAttempts: 3})

	h, err := m.Open(context.Background(), "exec-1", "", rec.onMessage, rec.onState)
	require.NoError(t, err)

	lost := rec.waitFor(t, domain.ConnectionStateLost)
	assert.Equal(t, 3, lost.Attempt)
	assert.Error(t, lost.Err)

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("handle did not stop after exhausting retries")
	}
	assert.Equal(t, 1, rec.count(domain.ConnectionStateLost))
	assert.Equal(t, 3, rec.count(domain.ConnectionStateRetrying))
	// Initial dial plus three reconnects.
	assert.Equal(t, int32(4), fs.requests.Load())
	assert.Equal(t, domain.ConnectionStateLost, h.State())
}

func TestRestartAfterLost(t *testing.T) {
	fs := newFeedServer(t, 2, 0)
	rec := newRecorder()
	m := testManager(fs.wsURL(), Policy{Base: time.Millisecond, MaxAttempts: 1})

	h, err := m.Open(context.Background(), "exec-1", "", rec.onMessage, rec.onState)
	require.NoError(t, err)
	defer m.Close(h)

	rec.waitFor(t, domain.ConnectionStateLost)
	<-h.Done()

	require.NoError(t, h.Restart())
	rec.waitFor(t, domain.ConnectionStateOpen)
	assert.Equal(t, domain.ConnectionStateOpen, h.State())
}

func TestCloseCancelsPendingReconnect(t *testing.T) {
	fs := newFeedServer(t, 1000, 0)
	rec := newRecorder()
	m := testManager(fs.wsURL(), Policy{Base: time.Hour, Max: time.Hour})

	h, err := m.Open(context.Background(), "exec-1", "", rec.onMessage, rec.onState)
	require.NoError(t, err)
	rec.waitFor(t, domain.ConnectionStateRetrying)

	closed := make(chan struct{})
	go func() {
		m.Close(h)
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("close blocked on the pending reconnect")
	}

	rec.waitFor(t, domain.ConnectionStateClosed)
	assert.Equal(t, int32(1), fs.requests.Load())
	assert.ErrorIs(t, h.Restart(), ErrClosed)
	_, ok := m.Get("exec-1")
	assert.False(t, ok)
}

func TestCloseOpenConnectionDoesNotReconnect(t *testing.T) {
	fs := newFeedServer(t, 0, 0)
	rec := newRecorder()
	m := testManager(fs.wsURL(), Policy{Base: time.Millisecond})

	h, err := m.Open(context.Background(), "exec-1", "", rec.onMessage, rec.onState)
	require.NoError(t, err)
	rec.waitFor(t, domain.ConnectionStateOpen)

	m.Close(h)
	rec.waitFor(t, domain.ConnectionStateClosed)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, rec.count(domain.ConnectionStateRetrying))
	assert.Equal(t, int32(1), fs.requests.Load())
}

func TestServerNormalCloseIsTerminal(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var sub json.RawMessage
		conn.ReadJSON(&sub)
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
		conn.ReadMessage()
	}))
	defer srv.Close()

	rec := newRecorder()
	m := testManager("ws"+strings.TrimPrefix(srv.URL, "http"), Policy{Base: time.Millisecond})
	h, err := m.Open(context.Background(), "exec-1", "", rec.onMessage, rec.onState)
	require.NoError(t, err)

	rec.waitFor(t, domain.ConnectionStateClosed)
	<-h.Done()
	assert.Equal(t, 0, rec.count(domain.ConnectionStateRetrying))
	assert.Equal(t, int32(1), requests.Load())
}
