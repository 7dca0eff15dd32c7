package domain

import "encoding/json"

// JournalEvent is one received message as recorded in the diagnostic journal.
type JournalEvent struct {
	EventID     string          `json:"eventId"`
	ExecutionID string          `json:"executionId"`
	Ts          int64           `json:"ts"` // receive time, unix milliseconds
	Type        string          `json:"type"`
	Outcome     string          `json:"outcome,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}
