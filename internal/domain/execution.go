package domain

import (
	"encoding/json"
	"time"
)

// Execution is the canonical root state of one tracked run.
type Execution struct {
	ExecutionID   string          `json:"executionId"`
	Persona       string          `json:"persona,omitempty"`
	Command       string          `json:"command,omitempty"`
	UserID        string          `json:"userId,omitempty"`
	Status        ExecutionStatus `json:"status"`
	StartedAt     time.Time       `json:"startedAt"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
	TotalDuration *int64          `json:"totalDuration,omitempty"` // milliseconds
	Result        json.RawMessage `json:"result,omitempty"`
	ErrorDetails  json.RawMessage `json:"errorDetails,omitempty"`

	// Started is set once execution_started has been applied.
	Started bool `json:"-"`
}

// Exists reports whether the aggregate has been created.
func (e Execution) Exists() bool {
	return e.ExecutionID != ""
}

// Event is the normalized form of an inbound agent event.
type Event struct {
	Type        EventType `json:"type"`
	ExecutionID string    `json:"executionId"`
	Timestamp   time.Time `json:"timestamp"`

	Persona string `json:"persona,omitempty"`
	Command string `json:"command,omitempty"`

	// Step fields
	StepID         string          `json:"stepId,omitempty"`
	Layer          string          `json:"layer,omitempty"`
	StepOrder      int             `json:"stepOrder,omitempty"`
	AgentName      string          `json:"agentName,omitempty"`
	AgentType      string          `json:"agentType,omitempty"`
	Specialization string          `json:"specialization,omitempty"`
	Description    string          `json:"description,omitempty"`
	Capabilities   []string        `json:"capabilities,omitempty"`
	Action         string          `json:"action,omitempty"`
	Status         StepStatus      `json:"status,omitempty"`
	Duration       *int64          `json:"duration,omitempty"`
	OutputData     json.RawMessage `json:"outputData,omitempty"`
	GroupID        string          `json:"groupId,omitempty"`
	IsParallel     *bool           `json:"isParallel,omitempty"`
	TotalInGroup   *int            `json:"totalInGroup,omitempty"`
	IndexInGroup   *int            `json:"indexInGroup,omitempty"`

	// Execution fields
	TotalDuration *int64          `json:"totalDuration,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	ErrorDetails  json.RawMessage `json:"errorDetails,omitempty"`

	Raw json.RawMessage `json:"-"`
}
