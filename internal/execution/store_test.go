package execution

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/exectrack/internal/domain"
)

func stepStarted(id, layer string, order int) domain.Event {
	return domain.Event{Type: domain.EventTypeStepStarted, ExecutionID: "E1", StepID: id, Layer: layer, StepOrder: order, Timestamp: t0}
}

func stepCompleted(id, layer string, order int, duration int64) domain.Event {
	return domain.Event{Type: domain.EventTypeStepCompleted, ExecutionID: "E1", StepID: id, Layer: layer, StepOrder: order, Duration: &duration, Timestamp: t0.Add(time.Second)}
}

func TestStepStoreStartThenComplete(t *testing.T) {
	s := NewStepStore(nil)
	s.Upsert(stepStarted("1", "System", 3))
	s.Upsert(stepCompleted("1", "System", 3, 420))

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, domain.StepStatusCompleted, snap[0].Status)
	assert.Equal(t, int64(420), *snap[0].Duration)
	assert.NotNil(t, snap[0].StartedAt)
	assert.NotNil(t, snap[0].CompletedAt)
}

func TestStepStoreMergeKeepsEarlierFields(t *testing.T) {
	s := NewStepStore(nil)
	first := stepStarted("1", "Specialist", 4)
	first.AgentName = "Analyzer"
	first.Description = "deep analysis"
	first.Capabilities = []string{"logs"}
	s.Upsert(first)

	second := stepStarted("1", "Specialist", 0)
	second.AgentType = "specialist"
	second.Capabilities = []string{"metrics", "logs"}
	s.Upsert(second)

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	rec := snap[0]
	assert.Equal(t, 4, rec.StepOrder)
	assert.Equal(t, "Analyzer", rec.AgentName)
	assert.Equal(t, "deep analysis", rec.Description)
	assert.Equal(t, "specialist", rec.AgentType)
	assert.ElementsMatch(t, []string{"logs", "metrics"}, rec.Capabilities)
	assert.Equal(t, domain.StepStatusRunning, rec.Status)
}

func TestStepStoreCompletedNeverDowngrades(t *testing.T) {
	s := NewStepStore(nil)
	s.Upsert(stepStarted("1", "System", 3))
	s.Upsert(stepCompleted("1", "System", 3, 420))
	s.Upsert(stepStarted("1", "System", 3))

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, domain.StepStatusCompleted, snap[0].Status)
}

func TestStepStoreCompoundKey(t *testing.T) {
	s := NewStepStore(nil)
	s.Upsert(stepStarted("1", "System", 3))
	s.Upsert(stepStarted("1", "Tool", 5))
	s.Upsert(stepStarted("2", "", 6))

	snap := s.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "System", snap[0].Layer)
	assert.Equal(t, "Tool", snap[1].Layer)
	assert.Equal(t, domain.UnknownLayer, snap[2].Layer)
}

func TestStepStoreSnapshotStableOrder(t *testing.T) {
	s := NewStepStore(nil)
	s.Upsert(stepStarted("c", "Tool", 5))
	s.Upsert(stepStarted("a", "Specialist", 4))
	s.Upsert(stepStarted("b", "Specialist", 4))
	s.Upsert(stepStarted("z", "Persona", 1))

	var ids []string
	for _, r := range s.Snapshot() {
		ids = append(ids, r.StepID)
	}
	assert.Equal(t, []string{"z", "a", "b", "c"}, ids)
}

func TestStepStoreOrphanCompletionIsHeldThenFolded(t *testing.T) {
	s := NewStepStore(nil)
	done := stepCompleted("7", "Tool", 5, 99)
	done.OutputData = json.RawMessage(`{"rows":3}`)
	s.Upsert(done)

	assert.Equal(t, 0, s.Len())
	orphans := s.Orphans()
	require.Len(t, orphans, 1)
	assert.True(t, orphans[0].Orphan)
	assert.Equal(t, domain.StepStatusCompleted, orphans[0].Status)

	s.Upsert(stepStarted("7", "Tool", 5))
	assert.Empty(t, s.Orphans())

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, domain.StepStatusCompleted, snap[0].Status)
	assert.Equal(t, int64(99), *snap[0].Duration)
	assert.JSONEq(t, `{"rows":3}`, string(snap[0].OutputData))
	assert.False(t, snap[0].Orphan)
}

func TestStepStoreExplicitTerminalStatus(t *testing.T) {
	s := NewStepStore(nil)
	s.Upsert(stepStarted("1", "Tool", 5))
	failed := stepCompleted("1", "Tool", 5, 10)
	failed.Status = domain.StepStatusError
	s.Upsert(failed)

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, domain.StepStatusError, snap[0].Status)
}

func TestStepStoreIgnoresExecutionEvents(t *testing.T) {
	s := NewStepStore(nil)
	assert.False(t, s.Upsert(started("E1")))
	assert.Empty(t, s.Snapshot())
}

func TestStepStoreSnapshotIsACopy(t *testing.T) {
	s := NewStepStore(nil)
	ev := stepStarted("1", "System", 3)
	ev.Capabilities = []string{"scan"}
	s.Upsert(ev)

	snap := s.Snapshot()
	snap[0].Capabilities[0] = "mutated"
	assert.Equal(t, []string{"scan"}, s.Snapshot()[0].Capabilities)
}
