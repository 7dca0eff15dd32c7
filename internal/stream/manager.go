// Package stream manages the per-execution websocket connection to the backend event feed.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiaot623/exectrack/internal/domain"
	"github.com/xiaot623/exectrack/internal/logging"
	"github.com/xiaot623/exectrack/internal/protocol"
)

var (
	// ErrClosed is returned when restarting a handle that was closed by the caller.
	ErrClosed = errors.New("stream closed")
	// ErrMissingExecutionID is returned by Open for an empty execution id.
	ErrMissingExecutionID = errors.New("execution id is required")
)

// MessageFunc receives every inbound frame in arrival order. It is called from the handle's
// goroutine; the next frame is not read until it returns.
type MessageFunc func(executionID string, data []byte)

// StateChange describes a connection state transition.
type StateChange struct {
	ExecutionID string
	State       domain.ConnectionState
	Attempt     int
	Delay       time.Duration
	Err         error
}

// StateFunc observes connection state transitions.
type StateFunc func(StateChange)

// Options configures a Manager.
type Options struct {
	URL            string
	Policy         Policy
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	Dialer         *websocket.Dialer
	Logger         *slog.Logger
}

// Manager owns at most one live connection per execution id.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	handles map[string]*Handle
}

// NewManager creates a connection manager.
func NewManager(opts Options) *Manager {
	opts.Policy = opts.Policy.withDefaults()
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Manager{
		opts:    opts,
		logger:  logging.OrDiscard(opts.Logger),
		handles: make(map[string]*Handle),
	}
}

// Open starts streaming events for executionID. If a handle for the id is still running it is
// returned unchanged, so two connections are never open for the same execution.
// The handle lives until Close or until ctx is cancelled.
func (m *Manager) Open(ctx context.Context, executionID, userID string, onMessage MessageFunc, onState StateFunc) (*Handle, error) {
	if executionID == "" {
		return nil, ErrMissingExecutionID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.handles[executionID]; ok && h.running() {
		return h, nil
	}

	h := &Handle{
		manager:     m,
		executionID: executionID,
		userID:      userID,
		onMessage:   onMessage,
		onState:     onState,
		parent:      ctx,
		state:       domain.ConnectionStateConnecting,
	}
	m.handles[executionID] = h
	h.start()
	return h, nil
}

// Close tears down the handle and cancels any pending reconnect. It blocks until the handle's
// goroutine has exited and never triggers a reconnect.
func (m *Manager) Close(h *Handle) {
	if h == nil {
		return
	}
	h.close()

	m.mu.Lock()
	if cur, ok := m.handles[h.executionID]; ok && cur == h {
		delete(m.handles, h.executionID)
	}
	m.mu.Unlock()
}

// CloseAll closes every handle.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		m.Close(h)
	}
}

// Get returns the handle registered for executionID.
func (m *Manager) Get(executionID string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[executionID]
	return h, ok
}

func (m *Manager) dialURL(executionID, userID string) (string, error) {
	u, err := url.Parse(m.opts.URL)
	if err != nil {
		return "", fmt.Errorf("invalid stream url: %w", err)
	}
	q := u.Query()
	q.Set("executionId", executionID)
	if userID != "" {
		q.Set("userId", userID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Handle is one execution's streaming connection.
type Handle struct {
	manager     *Manager
	executionID string
	userID      string
	onMessage   MessageFunc
	onState     StateFunc
	parent      context.Context

	mu     sync.Mutex
	state  domain.ConnectionState
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// ExecutionID returns the execution this handle streams.
func (h *Handle) ExecutionID() string { return h.executionID }

// State returns the current connection state.
func (h *Handle) State() domain.ConnectionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Done is closed when the handle's goroutine exits, either after Close or once retries are
// exhausted.
func (h *Handle) Done() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

// Restart resumes a handle whose retries were exhausted, with a fresh attempt counter.
// Restarting a running handle is a no-op.
func (h *Handle) Restart() error {
	h.manager.mu.Lock()
	defer h.manager.mu.Unlock()

	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if h.running() {
		return nil
	}
	h.manager.handles[h.executionID] = h
	h.start()
	return nil
}

func (h *Handle) running() bool {
	h.mu.Lock()
	done := h.done
	h.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

func (h *Handle) start() {
	parent := h.parent
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	h.mu.Lock()
	h.cancel = cancel
	h.done = done
	h.mu.Unlock()

	go h.run(ctx, done)
}

func (h *Handle) close() {
	h.mu.Lock()
	h.closed = true
	cancel := h.cancel
	done := h.done
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (h *Handle) setState(change StateChange) {
	change.ExecutionID = h.executionID
	h.mu.Lock()
	h.state = change.State
	h.mu.Unlock()
	if h.onState != nil {
		h.onState(change)
	}
}

// run is the connection loop: dial, consume until the connection drops, then back off and
// redial until the policy is exhausted.
func (h *Handle) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	logger := h.manager.logger.With("execution_id", h.executionID)
	policy := h.manager.opts.Policy
	attempt := 0
	state := domain.ConnectionStateConnecting

	for {
		h.setState(StateChange{State: state, Attempt: attempt})

		err := h.connect(ctx, func() {
			attempt = 0
			h.setState(StateChange{State: domain.ConnectionStateOpen})
			logger.Info("execution stream open")
		})
		if ctx.Err() != nil {
			h.setState(StateChange{State: domain.ConnectionStateClosed})
			return
		}
		if err == nil {
			logger.Info("execution stream closed by server")
			h.setState(StateChange{State: domain.ConnectionStateClosed})
			return
		}

		if attempt >= policy.MaxAttempts {
			logger.Error("execution stream lost", "attempts", attempt, "error", err)
			h.setState(StateChange{State: domain.ConnectionStateLost, Attempt: attempt, Err: err})
			return
		}

		delay := policy.Delay(attempt)
		attempt++
		logger.Warn("execution stream dropped, reconnecting", "attempt", attempt, "delay", delay, "error", err)
		h.setState(StateChange{State: domain.ConnectionStateRetrying, Attempt: attempt, Delay: delay, Err: err})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			h.setState(StateChange{State: domain.ConnectionStateClosed})
			return
		case <-timer.C:
		}
		state = domain.ConnectionStateConnecting
	}
}

// connect dials, subscribes and reads until the connection ends. A nil error means the server
// closed the connection normally.
func (h *Handle) connect(ctx context.Context, onOpen func()) error {
	opts := h.manager.opts

	target, err := h.manager.dialURL(h.executionID, h.userID)
	if err != nil {
		return err
	}

	conn, _, err := opts.Dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if opts.MaxMessageSize > 0 {
		conn.SetReadLimit(opts.MaxMessageSize)
	}

	conn.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
	if err := conn.WriteJSON(protocol.NewSubscribeMessage(h.executionID)); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	onOpen()

	conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
		return nil
	})

	stop := make(chan struct{})
	defer close(stop)
	go h.keepalive(ctx, conn, stop)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if h.onMessage != nil {
			h.onMessage(h.executionID, message)
		}
	}
}

// keepalive pings the server and closes the connection when ctx is cancelled, which unblocks
// the reader.
func (h *Handle) keepalive(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	opts := h.manager.opts
	ticker := time.NewTicker(opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(opts.WriteTimeout))
			conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(opts.WriteTimeout)); err != nil {
				return
			}
		}
	}
}
