package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/exectrack/internal/domain"
	"github.com/xiaot623/exectrack/internal/execution"
)

// recordEvent appends a received (or locally produced) event to the journal.
func (s *Service) recordEvent(ctx context.Context, executionID, eventType string, outcome execution.Outcome, payload []byte) error {
	event := &domain.JournalEvent{
		EventID:     "evt_" + uuid.New().String()[:8],
		ExecutionID: executionID,
		Ts:          time.Now().UnixMilli(),
		Type:        eventType,
		Outcome:     string(outcome),
	}
	if json.Valid(payload) {
		event.Payload = payload
	}
	return s.store.CreateEvent(ctx, event)
}
