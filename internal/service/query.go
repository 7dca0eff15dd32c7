package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/xiaot623/exectrack/internal/domain"
	"github.com/xiaot623/exectrack/internal/overlay"
)

// GetView returns the current view of a session.
func (s *Service) GetView(executionID string) (*View, error) {
	sess, err := s.session(executionID)
	if err != nil {
		return nil, err
	}
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	return sess.snapshot(), nil
}

// Lookup returns the live view of a session. Without one, for example after a restart, it falls
// back to the journaled aggregate laid over a fresh skeleton. Live step detail is not journaled,
// so the steps of such a view are skeleton-only.
func (s *Service) Lookup(ctx context.Context, executionID string) (*View, error) {
	view, err := s.GetView(executionID)
	if !errors.Is(err, ErrSessionNotFound) {
		return view, err
	}

	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	if exec == nil {
		return nil, ErrSessionNotFound
	}

	snap := s.catalog.Current()
	sk := s.builder.Build(snap.Agents, snap.Visibility, snap.Revision, exec.Persona, exec.Command)
	return &View{
		Execution:  *exec,
		Connection: ConnectionInfo{State: domain.ConnectionStateClosed},
		Steps:      overlay.Merge(sk, nil),
		Journaled:  true,
	}, nil
}

// ListHistory returns journaled executions, most recently updated first.
func (s *Service) ListHistory(ctx context.Context, limit int) ([]domain.Execution, error) {
	executions, err := s.store.ListExecutions(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	if executions == nil {
		executions = []domain.Execution{}
	}
	return executions, nil
}

// ListSessions returns every session, oldest first.
func (s *Service) ListSessions() []Summary {
	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	out := make([]Summary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.summary())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ExecutionID < out[j].ExecutionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Steps is the reconciled step table of a session.
type Steps struct {
	Steps   []domain.StepRecord `json:"steps"`
	Pending []domain.StepRecord `json:"pending"`
}

// GetSteps returns the ordered step snapshot and the completions still waiting for a start.
func (s *Service) GetSteps(executionID string) (*Steps, error) {
	sess, err := s.session(executionID)
	if err != nil {
		return nil, err
	}
	return &Steps{
		Steps:   sess.steps.Snapshot(),
		Pending: sess.steps.Orphans(),
	}, nil
}

// GetEvents returns the journal for an execution.
func (s *Service) GetEvents(ctx context.Context, executionID string, afterTs int64, types []string, limit int) ([]domain.JournalEvent, error) {
	events, err := s.store.GetEvents(ctx, executionID, afterTs, types, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get execution events: %w", err)
	}
	return events, nil
}

// SkeletonPreview builds the skeleton a new session for persona and command would get.
func (s *Service) SkeletonPreview(persona, command string) ([]domain.SkeletonEntry, error) {
	persona = strings.TrimSpace(persona)
	command = strings.TrimSpace(command)
	if persona == "" || command == "" {
		return nil, fmt.Errorf("%w: persona and command are required", ErrInvalidRequest)
	}
	snap := s.catalog.Current()
	sk := s.builder.Build(snap.Agents, snap.Visibility, snap.Revision, persona, command)
	return sk.Entries(), nil
}

// SyncAgents replaces the catalog's agent directory with the backend's. Sessions already running
// keep their skeleton.
func (s *Service) SyncAgents(ctx context.Context) (uint64, error) {
	dir, err := s.backend.ListAgents(ctx)
	if err != nil {
		return s.catalog.Revision(), err
	}
	rev := s.catalog.SetAgents(dir)
	s.logger.Info("agent directory synced from backend", "revision", rev, "layers", len(dir))
	return rev, nil
}
