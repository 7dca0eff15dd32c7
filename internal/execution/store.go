package execution

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/xiaot623/exectrack/internal/domain"
	"github.com/xiaot623/exectrack/internal/logging"
)

// StepStore is the keyed table of step records for one execution.
type StepStore struct {
	mu      sync.RWMutex
	logger  *slog.Logger
	records map[domain.StepKey]*entry
	orphans map[domain.StepKey]*entry
	seq     int
}

type entry struct {
	record domain.StepRecord
	seq    int // insertion order, tie-breaker for equal step orders
}

// NewStepStore creates an empty store.
func NewStepStore(logger *slog.Logger) *StepStore {
	return &StepStore{
		logger:  logging.OrDiscard(logger),
		records: make(map[domain.StepKey]*entry),
		orphans: make(map[domain.StepKey]*entry),
	}
}

// Upsert applies a step event. Non-step events are ignored. It reports whether the store changed.
func (s *StepStore) Upsert(ev domain.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Type {
	case domain.EventTypeStepStarted:
		return s.applyStarted(ev)
	case domain.EventTypeStepCompleted:
		return s.applyCompleted(ev)
	}
	return false
}

func (s *StepStore) applyStarted(ev domain.Event) bool {
	key := domain.KeyOf(ev)
	e, ok := s.records[key]
	if !ok {
		s.seq++
		e = &entry{
			record: domain.StepRecord{StepID: key.StepID, Layer: key.Layer, Status: domain.StepStatusPending},
			seq:    s.seq,
		}
		s.records[key] = e
	}

	rec := &e.record
	mergeDescriptive(rec, ev)
	if rec.StartedAt == nil {
		ts := ev.Timestamp
		rec.StartedAt = &ts
	}
	if !rec.Status.IsTerminal() {
		rec.Status = domain.StepStatusRunning
	}

	if held, ok := s.orphans[key]; ok {
		delete(s.orphans, key)
		mergeCompletion(rec, held.record)
		s.logger.Debug("folded held completion into step", "step_id", key.StepID, "layer", key.Layer)
	}
	return true
}

func (s *StepStore) applyCompleted(ev domain.Event) bool {
	key := domain.KeyOf(ev)
	completion := completionRecord(key, ev)

	if e, ok := s.records[key]; ok {
		mergeDescriptive(&e.record, ev)
		mergeCompletion(&e.record, completion)
		return true
	}

	// No start seen yet: hold the completion instead of inventing a row.
	if held, ok := s.orphans[key]; ok {
		mergeDescriptive(&held.record, ev)
		mergeCompletion(&held.record, completion)
		return true
	}
	s.seq++
	completion.Orphan = true
	s.orphans[key] = &entry{record: completion, seq: s.seq}
	s.logger.Warn("step completed before start; holding completion", "step_id", key.StepID, "layer", key.Layer)
	return true
}

func completionRecord(key domain.StepKey, ev domain.Event) domain.StepRecord {
	status := domain.StepStatusCompleted
	if ev.Status.IsTerminal() {
		status = ev.Status
	}
	completedAt := ev.Timestamp
	rec := domain.StepRecord{
		StepID:      key.StepID,
		Layer:       key.Layer,
		Status:      status,
		CompletedAt: &completedAt,
		Duration:    copyInt64(ev.Duration),
		OutputData:  ev.OutputData,
	}
	mergeDescriptive(&rec, ev)
	return rec
}

// mergeDescriptive fills fields the record does not have yet. Present values are never
// overwritten by a later, possibly sparser, event.
func mergeDescriptive(rec *domain.StepRecord, ev domain.Event) {
	if rec.StepOrder == 0 && ev.StepOrder != 0 {
		rec.StepOrder = ev.StepOrder
	}
	fillString(&rec.AgentName, ev.AgentName)
	fillString(&rec.AgentType, ev.AgentType)
	fillString(&rec.Specialization, ev.Specialization)
	fillString(&rec.Description, ev.Description)
	fillString(&rec.Action, ev.Action)
	fillString(&rec.GroupID, ev.GroupID)
	rec.Capabilities = unionStrings(rec.Capabilities, ev.Capabilities)
	if ev.IsParallel != nil && *ev.IsParallel {
		rec.IsParallel = true
	}
	if rec.TotalInGroup == 0 && ev.TotalInGroup != nil {
		rec.TotalInGroup = *ev.TotalInGroup
	}
	if rec.IndexInGroup == 0 && ev.IndexInGroup != nil {
		rec.IndexInGroup = *ev.IndexInGroup
	}
}

// mergeCompletion folds completion fields from c into rec.
func mergeCompletion(rec *domain.StepRecord, c domain.StepRecord) {
	// The first terminal status wins; a replayed completion never rewrites it.
	if c.Status.IsTerminal() && !rec.Status.IsTerminal() {
		rec.Status = c.Status
	}
	if c.CompletedAt != nil {
		ts := *c.CompletedAt
		rec.CompletedAt = &ts
	}
	if c.Duration != nil {
		rec.Duration = copyInt64(c.Duration)
	}
	if len(c.OutputData) > 0 {
		rec.OutputData = c.OutputData
	}
	if rec.StepOrder == 0 {
		rec.StepOrder = c.StepOrder
	}
	fillString(&rec.AgentName, c.AgentName)
	fillString(&rec.AgentType, c.AgentType)
	fillString(&rec.Specialization, c.Specialization)
	fillString(&rec.Description, c.Description)
	fillString(&rec.Action, c.Action)
	rec.Capabilities = unionStrings(rec.Capabilities, c.Capabilities)
	if rec.StartedAt == nil && rec.CompletedAt != nil && rec.Duration != nil {
		started := rec.CompletedAt.Add(-time.Duration(*rec.Duration) * time.Millisecond)
		rec.StartedAt = &started
	}
}

// Snapshot returns the records sorted by step order, ties broken by insertion order.
func (s *StepStore) Snapshot() []domain.StepRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedRecords(s.records)
}

// Orphans returns completions still waiting for their start, in the same order as Snapshot.
func (s *StepStore) Orphans() []domain.StepRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedRecords(s.orphans)
}

// Len returns the number of reconciled records, excluding orphans.
func (s *StepStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func sortedRecords(m map[domain.StepKey]*entry) []domain.StepRecord {
	entries := make([]*entry, 0, len(m))
	for _, e := range m {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].record.StepOrder != entries[j].record.StepOrder {
			return entries[i].record.StepOrder < entries[j].record.StepOrder
		}
		return entries[i].seq < entries[j].seq
	})

	out := make([]domain.StepRecord, len(entries))
	for i, e := range entries {
		out[i] = cloneRecord(e.record)
	}
	return out
}

func cloneRecord(r domain.StepRecord) domain.StepRecord {
	r.Capabilities = append([]string(nil), r.Capabilities...)
	r.Duration = copyInt64(r.Duration)
	if r.StartedAt != nil {
		ts := *r.StartedAt
		r.StartedAt = &ts
	}
	if r.CompletedAt != nil {
		ts := *r.CompletedAt
		r.CompletedAt = &ts
	}
	return r
}

func fillString(dst *string, v string) {
	if *dst == "" && v != "" {
		*dst = v
	}
}

func unionStrings(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]bool, len(a)+len(b))
	for _, v := range a {
		seen[v] = true
	}
	for _, v := range b {
		if !seen[v] {
			seen[v] = true
			a = append(a, v)
		}
	}
	return a
}

func copyInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
