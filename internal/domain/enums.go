// Package domain defines the core domain models for the execution tracker.
package domain

// ExecutionStatus represents the lifecycle status of an execution.
type ExecutionStatus string

const (
	ExecutionStatusInitializing ExecutionStatus = "initializing"
	ExecutionStatusRunning      ExecutionStatus = "running"
	ExecutionStatusCompleted    ExecutionStatus = "completed"
	ExecutionStatusError        ExecutionStatus = "error"
	ExecutionStatusCancelled    ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusError, ExecutionStatusCancelled:
		return true
	}
	return false
}

// StepStatus represents the status of a single step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusError     StepStatus = "error"
	StepStatusSkipped   StepStatus = "skipped"
)

// IsTerminal reports whether the step has finished.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusError, StepStatusSkipped:
		return true
	}
	return false
}

// ParseStepStatus maps a wire value to a StepStatus. ok is false for unknown values.
func ParseStepStatus(v string) (StepStatus, bool) {
	switch s := StepStatus(v); s {
	case StepStatusPending, StepStatusRunning, StepStatusCompleted, StepStatusError, StepStatusSkipped:
		return s, true
	}
	return "", false
}

// EventType represents the type of an inbound execution event.
type EventType string

const (
	EventTypeExecutionStarted   EventType = "execution_started"
	EventTypeStepStarted        EventType = "step_started"
	EventTypeStepCompleted      EventType = "step_completed"
	EventTypeExecutionCompleted EventType = "execution_completed"
	EventTypeExecutionError     EventType = "execution_error"
)

// IsKnown reports whether the tracker consumes events of this type.
func (t EventType) IsKnown() bool {
	switch t {
	case EventTypeExecutionStarted, EventTypeStepStarted, EventTypeStepCompleted,
		EventTypeExecutionCompleted, EventTypeExecutionError:
		return true
	}
	return false
}

// IsStepEvent reports whether the event is routed to the step store.
func (t EventType) IsStepEvent() bool {
	return t == EventTypeStepStarted || t == EventTypeStepCompleted
}

// ConnectionState represents the state of a streaming connection.
type ConnectionState string

const (
	ConnectionStateConnecting ConnectionState = "connecting"
	ConnectionStateOpen       ConnectionState = "open"
	ConnectionStateRetrying   ConnectionState = "retrying"
	ConnectionStateLost       ConnectionState = "lost"
	ConnectionStateClosed     ConnectionState = "closed"
)

// Provenance tells whether a merged view entry carries live data.
type Provenance string

const (
	ProvenanceSkeleton Provenance = "skeleton"
	ProvenanceLive     Provenance = "live"
)
