package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xiaot623/exectrack/internal/adapter/backend"
	"github.com/xiaot623/exectrack/internal/domain"
	"github.com/xiaot623/exectrack/internal/execution"
	"github.com/xiaot623/exectrack/internal/protocol"
	"github.com/xiaot623/exectrack/internal/stream"
)

// StartRequest asks the backend for a new execution and tracks it.
type StartRequest struct {
	Persona               string `json:"persona"`
	Command               string `json:"command"`
	UserID                string `json:"userId,omitempty"`
	OrchestrationStrategy string `json:"orchestrationStrategy,omitempty"`
}

// TrackRequest tracks an execution started elsewhere.
type TrackRequest struct {
	ExecutionID string `json:"executionId"`
	Persona     string `json:"persona"`
	Command     string `json:"command"`
	UserID      string `json:"userId,omitempty"`
}

// StartExecution calls the backend's start-execution endpoint and begins tracking the new id.
func (s *Service) StartExecution(ctx context.Context, req StartRequest) (*View, error) {
	return s.start(ctx, req, "")
}

func (s *Service) start(ctx context.Context, req StartRequest, retryOf string) (*View, error) {
	req.Persona = strings.TrimSpace(req.Persona)
	req.Command = strings.TrimSpace(req.Command)
	if req.Persona == "" || req.Command == "" {
		return nil, fmt.Errorf("%w: persona and command are required", ErrInvalidRequest)
	}
	if req.OrchestrationStrategy == "" {
		req.OrchestrationStrategy = s.config.OrchestrationStrategy
	}

	resp, err := s.backend.StartExecution(ctx, &backend.StartExecutionRequest{
		Persona:               req.Persona,
		Command:               req.Command,
		OrchestrationStrategy: req.OrchestrationStrategy,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("execution started", "execution_id", resp.ExecutionID, "persona", req.Persona, "command", req.Command)

	return s.track(TrackRequest{
		ExecutionID: resp.ExecutionID,
		Persona:     req.Persona,
		Command:     req.Command,
		UserID:      req.UserID,
	}, retryOf)
}

// Track opens a session for an existing execution id. Tracking an id that already has a live
// session returns that session's view.
func (s *Service) Track(ctx context.Context, req TrackRequest) (*View, error) {
	req.ExecutionID = strings.TrimSpace(req.ExecutionID)
	if req.ExecutionID == "" {
		return nil, fmt.Errorf("%w: executionId is required", ErrInvalidRequest)
	}
	return s.track(req, "")
}

func (s *Service) track(req TrackRequest, retryOf string) (*View, error) {
	s.mu.Lock()
	if existing, ok := s.sessions[req.ExecutionID]; ok {
		s.mu.Unlock()
		existing.mu.RLock()
		defer existing.mu.RUnlock()
		if existing.closed {
			return nil, ErrSessionClosed
		}
		return existing.snapshot(), nil
	}

	snap := s.catalog.Current()
	sk := s.builder.Build(snap.Agents, snap.Visibility, snap.Revision, req.Persona, req.Command)
	logger := s.logger.With("execution_id", req.ExecutionID)
	sess := newSession(req.ExecutionID, req.Persona, req.Command, req.UserID, sk, execution.NewStepStore(logger))
	sess.retryOf = retryOf
	s.sessions[req.ExecutionID] = sess
	s.mu.Unlock()

	handle, err := s.streams.Open(s.streamCtx, req.ExecutionID, req.UserID,
		func(executionID string, data []byte) { s.HandleMessage(executionID, data) },
		func(change stream.StateChange) { s.handleState(change) },
	)
	if err != nil {
		s.mu.Lock()
		delete(s.sessions, req.ExecutionID)
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}

	sess.mu.Lock()
	sess.handle = handle
	if sess.closed {
		// Cancelled or retried while the stream was opening.
		sess.mu.Unlock()
		s.streams.Close(handle)
		return nil, ErrSessionClosed
	}
	view := sess.snapshot()
	sess.mu.Unlock()

	logger.Info("tracking execution", "persona", req.Persona, "command", req.Command, "catalog_revision", snap.Revision)
	return view, nil
}

// HandleMessage processes one raw inbound frame for executionID. Frames are handled one at a
// time per execution by the stream goroutine.
func (s *Service) HandleMessage(executionID string, data []byte) {
	logger := s.logger.With("execution_id", executionID)

	parsed, err := protocol.Parse(data)
	if err != nil {
		logger.Debug("dropping malformed message", "error", err)
		return
	}
	if parsed.Handshake != nil {
		logger.Debug("stream handshake", "client_id", parsed.Handshake.ClientID)
		return
	}
	if parsed.Event == nil {
		return
	}
	ev := *parsed.Event

	sess, err := s.session(executionID)
	if err != nil {
		logger.Debug("no session for message", "event_type", ev.Type)
		return
	}
	if ev.ExecutionID != executionID {
		logger.Warn("event for another execution on this stream", "event_execution_id", ev.ExecutionID)
		return
	}

	sess.mu.Lock()
	outcome, changed := sess.apply(ev)
	exec := sess.execution
	var view *View
	if changed {
		view = sess.snapshot()
	}
	sess.mu.Unlock()

	logger.Debug("event applied", "event_type", ev.Type, "step_id", ev.StepID, "layer", ev.Layer, "outcome", outcome)
	if outcome == execution.OutcomeIgnoredTerminal {
		logger.Info("event after terminal status", "event_type", ev.Type, "status", exec.Status)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.recordEvent(ctx, executionID, string(ev.Type), outcome, data); err != nil {
		logger.Warn("failed to journal event", "error", err)
	}
	if outcome == execution.OutcomeApplied {
		if err := s.store.UpsertExecution(ctx, &exec); err != nil {
			logger.Warn("failed to journal execution", "error", err)
		}
	}
	if view != nil {
		s.publish(executionID, view)
	}
}

func (s *Service) handleState(change stream.StateChange) {
	sess, err := s.session(change.ExecutionID)
	if err != nil {
		return
	}

	sess.mu.Lock()
	sess.setConnection(change)
	view := sess.snapshot()
	sess.mu.Unlock()

	if change.State == domain.ConnectionStateLost {
		s.logger.Error("connection lost; explicit reconnect required", "execution_id", change.ExecutionID, "attempts", change.Attempt)
	}
	s.publish(change.ExecutionID, view)
}

// Cancel is the local cancellation: the aggregate becomes cancelled, the stream is closed and
// further events for the id are discarded.
func (s *Service) Cancel(ctx context.Context, executionID string) (*View, error) {
	sess, err := s.session(executionID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	next, outcome := execution.Cancel(sess.execution, executionID, time.Now())
	if outcome != execution.OutcomeApplied {
		view := sess.snapshot()
		sess.mu.Unlock()
		return view, ErrAlreadyTerminal
	}
	sess.seed(&next)
	sess.execution = next
	sess.closed = true
	handle := sess.handle
	sess.mu.Unlock()

	// Close outside the session lock: the stream goroutine may be waiting on it.
	s.streams.Close(handle)

	if err := s.recordEvent(ctx, executionID, "execution_cancelled", outcome, nil); err != nil {
		s.logger.Warn("failed to journal cancellation", "execution_id", executionID, "error", err)
	}
	if err := s.store.UpsertExecution(ctx, &next); err != nil {
		s.logger.Warn("failed to journal execution", "execution_id", executionID, "error", err)
	}

	sess.mu.RLock()
	view := sess.snapshot()
	sess.mu.RUnlock()
	s.publish(executionID, view)
	s.logger.Info("execution cancelled", "execution_id", executionID)
	return view, nil
}

// Reconnect restarts a stream whose retries were exhausted. It is a no-op for a live stream.
func (s *Service) Reconnect(ctx context.Context, executionID string) (*View, error) {
	sess, err := s.session(executionID)
	if err != nil {
		return nil, err
	}

	sess.mu.RLock()
	handle, closed := sess.handle, sess.closed
	sess.mu.RUnlock()
	if closed || handle == nil {
		return nil, ErrSessionClosed
	}

	if err := handle.Restart(); err != nil {
		if errors.Is(err, stream.ErrClosed) {
			return nil, ErrSessionClosed
		}
		return nil, err
	}
	s.logger.Info("reconnect requested", "execution_id", executionID)

	sess.mu.RLock()
	defer sess.mu.RUnlock()
	return sess.snapshot(), nil
}

// Retry starts a brand-new execution with the same persona and command. The old session is
// closed and kept for inspection; nothing is carried over.
func (s *Service) Retry(ctx context.Context, executionID string) (*View, error) {
	sess, err := s.session(executionID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	status := sess.execution.Status
	retryable := status == domain.ExecutionStatusError || status == domain.ExecutionStatusCancelled ||
		(sess.conn.Lost && !status.IsTerminal())
	if !retryable {
		sess.mu.Unlock()
		return nil, ErrNotRetryable
	}
	sess.closed = true
	handle := sess.handle
	sess.mu.Unlock()

	s.streams.Close(handle)

	return s.start(ctx, StartRequest{
		Persona: sess.persona,
		Command: sess.command,
		UserID:  sess.userID,
	}, executionID)
}

func (s *Service) publish(executionID string, view *View) {
	if s.publisher == nil {
		return
	}
	msg := ViewMessage{Type: TypeView, ExecutionID: executionID, View: view}
	if err := s.publisher.BroadcastJSON(executionID, msg); err != nil {
		s.logger.Warn("failed to publish view", "execution_id", executionID, "error", err)
	}
}
