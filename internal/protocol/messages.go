// Package protocol defines the websocket message protocol between the tracker and the backend
// event feed, and the envelope parser that normalizes inbound messages.
package protocol

import "encoding/json"

// Message types from tracker to backend
const (
	TypeSubscribeExecution = "subscribe-execution"
)

// Message types from backend to tracker
const (
	TypeAgentEvent            = "agent-event"
	TypeConnectionEstablished = "connection-established"
)

// SubscribeMessage is sent once per connection open, right after the handshake.
type SubscribeMessage struct {
	Type        string `json:"type"`
	ExecutionID string `json:"executionId"`
}

// NewSubscribeMessage builds the subscription message for an execution.
func NewSubscribeMessage(executionID string) SubscribeMessage {
	return SubscribeMessage{Type: TypeSubscribeExecution, ExecutionID: executionID}
}

// ConnectionEstablishedMessage is the connection-level handshake. Diagnostic only.
type ConnectionEstablishedMessage struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
}

// AgentEventMessage is the nested shape of an agent event. The flat shape carries the same
// payload fields directly on the envelope instead of under EventData.
type AgentEventMessage struct {
	Type        string          `json:"type"`
	ExecutionID string          `json:"executionId"`
	EventType   string          `json:"eventType"`
	EventData   json.RawMessage `json:"eventData,omitempty"`
}
