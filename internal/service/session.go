package service

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/xiaot623/exectrack/internal/domain"
	"github.com/xiaot623/exectrack/internal/execution"
	"github.com/xiaot623/exectrack/internal/overlay"
	"github.com/xiaot623/exectrack/internal/skeleton"
	"github.com/xiaot623/exectrack/internal/stream"
)

// ConnectionInfo is the stream status shown to the view layer.
type ConnectionInfo struct {
	State     domain.ConnectionState `json:"state"`
	Attempt   int                    `json:"attempt,omitempty"`
	RetryInMs int64                  `json:"retryInMs,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Lost      bool                   `json:"lost"`
}

// View is the render-ready state of one session.
type View struct {
	Execution          domain.Execution        `json:"execution"`
	Connection         ConnectionInfo          `json:"connection"`
	Steps              []domain.MergedStepView `json:"steps"`
	PendingCompletions int                     `json:"pendingCompletions,omitempty"`
	RetryOf            string                  `json:"retryOf,omitempty"`
	// Journaled marks a view rebuilt from the journal for an execution with no live session.
	Journaled bool `json:"journaled,omitempty"`
}

// ViewMessage is pushed to view subscribers after every change.
type ViewMessage struct {
	Type        string `json:"type"`
	ExecutionID string `json:"executionId"`
	View        *View  `json:"view"`
}

// TypeView is the ViewMessage type.
const TypeView = "view"

// Summary is a session row for listings.
type Summary struct {
	ExecutionID string                 `json:"executionId"`
	Persona     string                 `json:"persona"`
	Command     string                 `json:"command"`
	Status      domain.ExecutionStatus `json:"status"`
	Connection  domain.ConnectionState `json:"connection"`
	CreatedAt   time.Time              `json:"createdAt"`
}

// Session is the tracking state of one execution id. Its aggregate and step store are never
// shared with another session.
type Session struct {
	executionID string
	persona     string
	command     string
	userID      string
	retryOf     string
	createdAt   time.Time

	mu        sync.RWMutex
	execution domain.Execution
	steps     *execution.StepStore
	skeleton  skeleton.Skeleton
	view      []domain.MergedStepView
	conn      ConnectionInfo
	handle    *stream.Handle
	closed    bool
}

func newSession(executionID, persona, command, userID string, sk skeleton.Skeleton, steps *execution.StepStore) *Session {
	sess := &Session{
		executionID: executionID,
		persona:     persona,
		command:     command,
		userID:      userID,
		createdAt:   time.Now(),
		steps:       steps,
		skeleton:    sk,
		conn:        ConnectionInfo{State: domain.ConnectionStateConnecting},
	}
	sess.view = overlay.Merge(sk, nil)
	return sess
}

// apply runs one event through the aggregate and, when routed, the step store. It reports the
// transition outcome and whether the merged view changed. Callers hold mu.
func (sess *Session) apply(ev domain.Event) (execution.Outcome, bool) {
	if sess.closed {
		return execution.OutcomeIgnored, false
	}

	next, outcome := execution.Transition(sess.execution, ev)
	if !outcome.Mutated() {
		return outcome, false
	}
	sess.seed(&next)
	sess.execution = next

	if ev.Type.IsStepEvent() {
		sess.steps.Upsert(ev)
	}
	sess.remerge()
	return outcome, true
}

// seed fills request metadata the event stream did not carry.
func (sess *Session) seed(e *domain.Execution) {
	if e.Persona == "" {
		e.Persona = sess.persona
	}
	if e.Command == "" {
		e.Command = sess.command
	}
	if e.UserID == "" {
		e.UserID = sess.userID
	}
}

func (sess *Session) remerge() {
	live := append(sess.steps.Snapshot(), sess.steps.Orphans()...)
	sess.view = overlay.Merge(sess.skeleton, live)
}

// snapshot builds the view. Callers hold at least a read lock.
func (sess *Session) snapshot() *View {
	exec := sess.execution
	if !exec.Exists() {
		// Nothing received yet; show the request as initializing without creating the aggregate.
		exec = domain.Execution{
			ExecutionID: sess.executionID,
			Status:      domain.ExecutionStatusInitializing,
			StartedAt:   sess.createdAt,
		}
		sess.seed(&exec)
	}

	steps := make([]domain.MergedStepView, len(sess.view))
	copy(steps, sess.view)

	return &View{
		Execution:          cloneExecution(exec),
		Connection:         sess.conn,
		Steps:              steps,
		PendingCompletions: len(sess.steps.Orphans()),
		RetryOf:            sess.retryOf,
	}
}

func (sess *Session) summary() Summary {
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	status := sess.execution.Status
	if !sess.execution.Exists() {
		status = domain.ExecutionStatusInitializing
	}
	return Summary{
		ExecutionID: sess.executionID,
		Persona:     sess.persona,
		Command:     sess.command,
		Status:      status,
		Connection:  sess.conn.State,
		CreatedAt:   sess.createdAt,
	}
}

func (sess *Session) setConnection(change stream.StateChange) {
	info := ConnectionInfo{State: change.State, Attempt: change.Attempt}
	if change.State == domain.ConnectionStateRetrying {
		info.RetryInMs = change.Delay.Milliseconds()
	}
	if change.Err != nil && (change.State == domain.ConnectionStateRetrying || change.State == domain.ConnectionStateLost) {
		info.Error = change.Err.Error()
	}
	info.Lost = change.State == domain.ConnectionStateLost
	sess.conn = info
}

func cloneExecution(e domain.Execution) domain.Execution {
	if e.CompletedAt != nil {
		ts := *e.CompletedAt
		e.CompletedAt = &ts
	}
	if e.TotalDuration != nil {
		d := *e.TotalDuration
		e.TotalDuration = &d
	}
	e.Result = append(json.RawMessage(nil), e.Result...)
	e.ErrorDetails = append(json.RawMessage(nil), e.ErrorDetails...)
	return e
}
