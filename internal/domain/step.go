package domain

import (
	"encoding/json"
	"time"
)

// UnknownLayer is used as the layer token when an event does not name one.
const UnknownLayer = "unknown"

// StepKey is the compound identity of a step.
type StepKey struct {
	StepID string
	Layer  string
}

// KeyOf returns the step key for an event, defaulting the layer to UnknownLayer.
func KeyOf(ev Event) StepKey {
	layer := ev.Layer
	if layer == "" {
		layer = UnknownLayer
	}
	return StepKey{StepID: ev.StepID, Layer: layer}
}

// StepRecord is the reconciled state of one step.
type StepRecord struct {
	StepID         string          `json:"stepId"`
	Layer          string          `json:"layer"`
	StepOrder      int             `json:"stepOrder"`
	AgentName      string          `json:"agentName,omitempty"`
	AgentType      string          `json:"agentType,omitempty"`
	Specialization string          `json:"specialization,omitempty"`
	Description    string          `json:"description,omitempty"`
	Capabilities   []string        `json:"capabilities,omitempty"`
	Action         string          `json:"action,omitempty"`
	Status         StepStatus      `json:"status"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	Duration       *int64          `json:"duration,omitempty"`
	OutputData     json.RawMessage `json:"outputData,omitempty"`
	GroupID        string          `json:"groupId,omitempty"`
	IsParallel     bool            `json:"isParallel,omitempty"`
	TotalInGroup   int             `json:"totalInGroup,omitempty"`
	IndexInGroup   int             `json:"indexInGroup,omitempty"`

	// Orphan marks a completion that arrived before any start for the same key.
	Orphan bool `json:"orphan,omitempty"`
}

// Key returns the compound identity of the record.
func (r StepRecord) Key() StepKey {
	return StepKey{StepID: r.StepID, Layer: r.Layer}
}
