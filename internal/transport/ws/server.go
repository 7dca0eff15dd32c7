// Package ws serves live execution views to websocket subscribers.
package ws

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/exectrack/internal/config"
	"github.com/xiaot623/exectrack/internal/hub"
	"github.com/xiaot623/exectrack/internal/logging"
	"github.com/xiaot623/exectrack/internal/service"
)

// ViewSource returns the current view of a tracked execution.
type ViewSource interface {
	GetView(executionID string) (*service.View, error)
}

// Server handles view websocket connections.
type Server struct {
	cfg      *config.Config
	hub      *hub.Hub
	views    ViewSource
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a new view websocket server.
func NewServer(cfg *config.Config, h *hub.Hub, views ViewSource, logger *slog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		hub:    h,
		views:  views,
		logger: logging.OrDiscard(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// RegisterRoutes registers the websocket endpoint.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws/executions/:execution_id", s.HandleWebSocket)
}

// HandleWebSocket upgrades the request and subscribes the connection to one execution. The
// current view is sent first; every later change follows as a full view message.
func (s *Server) HandleWebSocket(c echo.Context) error {
	executionID := c.Param("execution_id")
	if _, err := s.views.GetView(executionID); err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("failed to upgrade view websocket", "execution_id", executionID, "error", err)
		return err
	}

	conn := s.hub.NewConnection(ws, executionID)
	s.hub.Register(conn)

	// Snapshot after registering so no update falls between the two.
	if view, err := s.views.GetView(executionID); err == nil {
		msg := service.ViewMessage{Type: service.TypeView, ExecutionID: executionID, View: view}
		if err := s.hub.SendJSONToConnection(conn, msg); err != nil {
			s.logger.Warn("failed to send initial view", "connection_id", conn.ID, "error", err)
			if errors.Is(err, hub.ErrConnectionClosed) {
				ws.Close()
				return nil
			}
		}
	}

	ws.SetReadLimit(s.cfg.MaxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

// readPump drains the connection until the subscriber goes away. Subscribers only listen.
func (s *Server) readPump(conn *hub.Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		if _, _, err := conn.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Debug("view websocket error", "connection_id", conn.ID, "error", err)
			}
			return
		}
	}
}

// writePump writes queued views and keepalive pings to the connection.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Debug("failed to write view", "connection_id", conn.ID, "error", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
