// Package service runs tracking sessions: one per execution id, each owning its aggregate, step
// store, skeleton and stream handle.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/xiaot623/exectrack/internal/adapter/backend"
	"github.com/xiaot623/exectrack/internal/catalog"
	"github.com/xiaot623/exectrack/internal/config"
	"github.com/xiaot623/exectrack/internal/domain"
	"github.com/xiaot623/exectrack/internal/logging"
	"github.com/xiaot623/exectrack/internal/repository"
	"github.com/xiaot623/exectrack/internal/skeleton"
	"github.com/xiaot623/exectrack/internal/stream"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session closed")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrAlreadyTerminal = errors.New("execution already terminal")
	ErrNotRetryable    = errors.New("execution is not retryable")
)

// Backend starts executions and serves the agent directory.
type Backend interface {
	StartExecution(ctx context.Context, req *backend.StartExecutionRequest) (*backend.StartExecutionResponse, error)
	ListAgents(ctx context.Context) (domain.AgentDirectory, error)
}

// Streams opens and closes per-execution event streams.
type Streams interface {
	Open(ctx context.Context, executionID, userID string, onMessage stream.MessageFunc, onState stream.StateFunc) (*stream.Handle, error)
	Close(h *stream.Handle)
	CloseAll()
}

// Publisher fans view updates out to subscribers of an execution.
type Publisher interface {
	BroadcastJSON(executionID string, v interface{}) error
}

type Service struct {
	store     repository.Store
	backend   Backend
	streams   Streams
	catalog   *catalog.Store
	builder   *skeleton.Builder
	publisher Publisher
	config    *config.Config
	logger    *slog.Logger

	// streamCtx bounds every stream handle; cancelled by Close.
	streamCtx    context.Context
	cancelStream context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*Session
}

func New(store repository.Store, backendClient Backend, streams Streams, cat *catalog.Store, builder *skeleton.Builder, publisher Publisher, cfg *config.Config, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:        store,
		backend:      backendClient,
		streams:      streams,
		catalog:      cat,
		builder:      builder,
		publisher:    publisher,
		config:       cfg,
		logger:       logging.OrDiscard(logger),
		streamCtx:    ctx,
		cancelStream: cancel,
		sessions:     make(map[string]*Session),
	}
}

// Close tears down every stream. Sessions stay readable.
func (s *Service) Close() {
	s.streams.CloseAll()
	s.cancelStream()
}

func (s *Service) session(executionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[executionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}
