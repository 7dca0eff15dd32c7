package execution

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xiaot623/exectrack/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func started(id string) domain.Event {
	return domain.Event{Type: domain.EventTypeExecutionStarted, ExecutionID: id, Timestamp: t0, Persona: "ops", Command: "Run Diagnostics"}
}

func TestTransitionStartedIsIdempotent(t *testing.T) {
	once, outcome := Transition(domain.Execution{}, started("E1"))
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, domain.ExecutionStatusRunning, once.Status)
	assert.Equal(t, "ops", once.Persona)

	replay := started("E1")
	replay.Timestamp = t0.Add(time.Minute)
	replay.Persona = "someone-else"
	twice, outcome := Transition(once, replay)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Equal(t, once, twice)
}

func TestTransitionStepEventsCreateLazilyWithoutStatusChange(t *testing.T) {
	ev := domain.Event{Type: domain.EventTypeStepStarted, ExecutionID: "E1", Timestamp: t0}
	agg, outcome := Transition(domain.Execution{}, ev)
	assert.Equal(t, OutcomeRouted, outcome)
	assert.Equal(t, "E1", agg.ExecutionID)
	assert.Equal(t, domain.ExecutionStatusInitializing, agg.Status)

	agg, outcome = Transition(agg, started("E1"))
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, domain.ExecutionStatusRunning, agg.Status)
}

func TestTransitionCompleted(t *testing.T) {
	agg, _ := Transition(domain.Execution{}, started("E1"))
	total := int64(900)
	done := domain.Event{
		Type:          domain.EventTypeExecutionCompleted,
		ExecutionID:   "E1",
		Timestamp:     t0.Add(time.Second),
		TotalDuration: &total,
		Result:        json.RawMessage(`{"ok":true}`),
	}

	agg, outcome := Transition(agg, done)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, domain.ExecutionStatusCompleted, agg.Status)
	if assert.NotNil(t, agg.CompletedAt) {
		assert.Equal(t, t0.Add(time.Second), *agg.CompletedAt)
	}
	assert.Equal(t, int64(900), *agg.TotalDuration)
	assert.JSONEq(t, `{"ok":true}`, string(agg.Result))
}

func TestTransitionTerminalIsFrozen(t *testing.T) {
	agg, _ := Transition(domain.Execution{}, started("E1"))
	agg, _ = Transition(agg, domain.Event{
		Type:         domain.EventTypeExecutionError,
		ExecutionID:  "E1",
		Timestamp:    t0.Add(time.Second),
		ErrorDetails: json.RawMessage(`{"message":"boom"}`),
	})
	assert.Equal(t, domain.ExecutionStatusError, agg.Status)

	total := int64(1)
	after, outcome := Transition(agg, domain.Event{
		Type:          domain.EventTypeExecutionCompleted,
		ExecutionID:   "E1",
		Timestamp:     t0.Add(time.Hour),
		TotalDuration: &total,
		Result:        json.RawMessage(`{}`),
	})
	assert.Equal(t, OutcomeIgnoredTerminal, outcome)
	assert.Equal(t, agg, after)

	_, outcome = Transition(agg, domain.Event{Type: domain.EventTypeStepCompleted, ExecutionID: "E1", Timestamp: t0})
	assert.Equal(t, OutcomeRouted, outcome)
}

func TestTransitionRejectsOtherExecution(t *testing.T) {
	agg, _ := Transition(domain.Execution{}, started("E1"))
	next, outcome := Transition(agg, started("E2"))
	assert.Equal(t, OutcomeMismatch, outcome)
	assert.Equal(t, agg, next)
}

func TestCancel(t *testing.T) {
	agg, _ := Transition(domain.Execution{}, started("E1"))
	cancelled, outcome := Cancel(agg, "E1", t0.Add(time.Second))
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, domain.ExecutionStatusCancelled, cancelled.Status)

	_, outcome = Transition(cancelled, domain.Event{Type: domain.EventTypeStepStarted, ExecutionID: "E1", Timestamp: t0})
	assert.Equal(t, OutcomeIgnoredTerminal, outcome)

	again, outcome := Cancel(cancelled, "E1", t0.Add(time.Hour))
	assert.Equal(t, OutcomeIgnoredTerminal, outcome)
	assert.Equal(t, cancelled, again)
}
