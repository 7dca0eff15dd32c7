// Package execution holds the reconciliation core: the execution aggregate transition function
// and the per-execution step store.
package execution

import (
	"time"

	"github.com/xiaot623/exectrack/internal/domain"
)

// Outcome describes what Transition did with an event.
type Outcome string

const (
	OutcomeApplied         Outcome = "applied"
	OutcomeDuplicate       Outcome = "duplicate"        // replayed execution_started
	OutcomeRouted          Outcome = "routed"           // step event, aggregate status untouched
	OutcomeIgnoredTerminal Outcome = "ignored_terminal" // aggregate already terminal
	OutcomeMismatch        Outcome = "mismatch"         // event for another execution id
	OutcomeIgnored         Outcome = "ignored"
)

// Mutated reports whether the outcome changed the aggregate or must reach the step store.
func (o Outcome) Mutated() bool {
	return o == OutcomeApplied || o == OutcomeRouted
}

// Transition applies ev to cur and returns the new aggregate. It never mutates its input and
// has no side effects, so applying the same creation event twice yields the same state.
func Transition(cur domain.Execution, ev domain.Event) (domain.Execution, Outcome) {
	if cur.Exists() && ev.ExecutionID != cur.ExecutionID {
		return cur, OutcomeMismatch
	}

	next := cur
	if !next.Exists() {
		next = domain.Execution{
			ExecutionID: ev.ExecutionID,
			Status:      domain.ExecutionStatusInitializing,
			StartedAt:   ev.Timestamp,
		}
	}

	if next.Status.IsTerminal() {
		if ev.Type.IsStepEvent() && next.Status != domain.ExecutionStatusCancelled {
			// Late step events still reconcile; the aggregate itself is frozen.
			return next, OutcomeRouted
		}
		return next, OutcomeIgnoredTerminal
	}

	switch ev.Type {
	case domain.EventTypeExecutionStarted:
		if next.Started {
			return cur, OutcomeDuplicate
		}
		next.Started = true
		next.Status = domain.ExecutionStatusRunning
		next.StartedAt = ev.Timestamp
		if ev.Persona != "" {
			next.Persona = ev.Persona
		}
		if ev.Command != "" {
			next.Command = ev.Command
		}
		return next, OutcomeApplied

	case domain.EventTypeStepStarted, domain.EventTypeStepCompleted:
		return next, OutcomeRouted

	case domain.EventTypeExecutionCompleted:
		completedAt := ev.Timestamp
		next.Status = domain.ExecutionStatusCompleted
		next.CompletedAt = &completedAt
		if ev.TotalDuration != nil {
			d := *ev.TotalDuration
			next.TotalDuration = &d
		}
		next.Result = ev.Result
		return next, OutcomeApplied

	case domain.EventTypeExecutionError:
		completedAt := ev.Timestamp
		next.Status = domain.ExecutionStatusError
		next.CompletedAt = &completedAt
		next.ErrorDetails = ev.ErrorDetails
		return next, OutcomeApplied
	}

	return cur, OutcomeIgnored
}

// Cancel is the local-only transition to cancelled. Terminal aggregates are returned unchanged.
func Cancel(cur domain.Execution, executionID string, at time.Time) (domain.Execution, Outcome) {
	next := cur
	if !next.Exists() {
		next = domain.Execution{
			ExecutionID: executionID,
			Status:      domain.ExecutionStatusInitializing,
			StartedAt:   at,
		}
	}
	if next.Status.IsTerminal() {
		return cur, OutcomeIgnoredTerminal
	}
	next.Status = domain.ExecutionStatusCancelled
	next.CompletedAt = &at
	return next, OutcomeApplied
}
