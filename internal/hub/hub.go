// Package hub fans view updates out to the websocket subscribers of each execution.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/xiaot623/exectrack/internal/logging"
)

// Connection represents a single subscriber connection.
type Connection struct {
	ID          string
	ExecutionID string
	Conn        *websocket.Conn
	Send        chan []byte
	hub         *Hub
	mu          sync.Mutex

	// closed is guarded by hub.mu and set before Send is closed.
	closed bool
}

// Hub manages all subscriber connections.
type Hub struct {
	logger *slog.Logger

	// Connections indexed by connection ID
	connections map[string]*Connection

	// executions maps execution_id to set of connection IDs
	executions map[string]map[string]bool

	register   chan *Connection
	unregister chan *Connection
	broadcast  chan *ExecutionMessage
	done       chan struct{}

	mu sync.RWMutex
}

// ExecutionMessage is used to broadcast a message to an execution's subscribers.
type ExecutionMessage struct {
	ExecutionID string
	Data        []byte
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:      logging.OrDiscard(logger),
		connections: make(map[string]*Connection),
		executions:  make(map[string]map[string]bool),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		broadcast:   make(chan *ExecutionMessage, 256),
		done:        make(chan struct{}),
	}
}

// Run starts the hub's main loop and returns when ctx is cancelled. Remaining connections are
// closed on exit.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		h.mu.Lock()
		for id, conn := range h.connections {
			delete(h.connections, id)
			conn.closed = true
			close(conn.Send)
		}
		h.executions = make(map[string]map[string]bool)
		h.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			if h.executions[conn.ExecutionID] == nil {
				h.executions[conn.ExecutionID] = make(map[string]bool)
			}
			h.executions[conn.ExecutionID][conn.ID] = true
			h.mu.Unlock()
			h.logger.Debug("view connection registered", "connection_id", conn.ID, "execution_id", conn.ExecutionID)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				if h.executions[conn.ExecutionID] != nil {
					delete(h.executions[conn.ExecutionID], conn.ID)
					if len(h.executions[conn.ExecutionID]) == 0 {
						delete(h.executions, conn.ExecutionID)
					}
				}
				conn.closed = true
				close(conn.Send)
			}
			h.mu.Unlock()
			h.logger.Debug("view connection unregistered", "connection_id", conn.ID)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for connID := range h.executions[msg.ExecutionID] {
				if conn, exists := h.connections[connID]; exists {
					select {
					case conn.Send <- msg.Data:
					default:
						h.logger.Warn("view connection buffer full, closing", "connection_id", connID)
						go h.Unregister(conn)
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

// NewConnection creates a connection subscribed to executionID.
func (h *Hub) NewConnection(ws *websocket.Conn, executionID string) *Connection {
	return &Connection{
		ID:          uuid.New().String(),
		ExecutionID: executionID,
		Conn:        ws,
		Send:        make(chan []byte, 256),
		hub:         h,
	}
}

// Register registers a connection with the hub. On a stopped hub the connection is closed
// straight away.
func (h *Hub) Register(conn *Connection) {
	select {
	case h.register <- conn:
	case <-h.done:
		h.mu.Lock()
		if !conn.closed {
			conn.closed = true
			close(conn.Send)
		}
		h.mu.Unlock()
	}
}

// Unregister unregisters a connection from the hub.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Broadcast sends a message to all subscribers of an execution.
func (h *Hub) Broadcast(executionID string, data []byte) {
	select {
	case h.broadcast <- &ExecutionMessage{ExecutionID: executionID, Data: data}:
	case <-h.done:
	}
}

// BroadcastJSON sends a JSON message to all subscribers of an execution.
func (h *Hub) BroadcastJSON(executionID string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Broadcast(executionID, data)
	return nil
}

// SendToConnection sends a message to a specific connection. It returns ErrConnectionClosed once
// the connection was unregistered or the hub stopped.
func (h *Hub) SendToConnection(conn *Connection, data []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if conn.closed {
		return ErrConnectionClosed
	}
	select {
	case conn.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// SendJSONToConnection sends a JSON message to a specific connection.
func (h *Hub) SendJSONToConnection(conn *Connection, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.SendToConnection(conn, data)
}

// GetConnectionCount returns the number of active connections.
func (h *Hub) GetConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// HasSubscribers checks if an execution has any active connections.
func (h *Hub) HasSubscribers(executionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	connIDs, ok := h.executions[executionID]
	return ok && len(connIDs) > 0
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ErrConnectionClosed is returned when sending to a connection whose channel was closed.
var ErrConnectionClosed = errors.New("connection closed")

// ErrBufferFull is returned when the send buffer is full.
var ErrBufferFull = &BufferFullError{}

// BufferFullError represents a buffer full error.
type BufferFullError struct{}

func (e *BufferFullError) Error() string {
	return "send buffer full"
}
