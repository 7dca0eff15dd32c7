package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xiaot623/exectrack/internal/domain"
)

// ErrMalformed is returned for messages that cannot be normalized into an event.
var ErrMalformed = errors.New("malformed message")

// Parsed is the outcome of parsing one inbound message. At most one field is set; both are nil
// for messages the tracker does not consume.
type Parsed struct {
	Event     *domain.Event
	Handshake *ConnectionEstablishedMessage
}

// Parse normalizes a raw inbound message, stamping events without a timestamp with time.Now.
func Parse(data []byte) (Parsed, error) {
	return ParseAt(data, time.Now())
}

// ParseAt is Parse with an explicit receive time.
func ParseAt(data []byte, received time.Time) (Parsed, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Parsed{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch stringField(envelope, "type") {
	case TypeConnectionEstablished:
		return Parsed{Handshake: &ConnectionEstablishedMessage{
			Type:     TypeConnectionEstablished,
			ClientID: stringField(envelope, "clientId"),
		}}, nil
	case TypeAgentEvent:
	default:
		return Parsed{}, nil
	}

	fields := make(map[string]json.RawMessage, len(envelope))
	for k, v := range envelope {
		fields[k] = v
	}
	if nested, ok := envelope["eventData"]; ok && !isNull(nested) {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(nested, &inner); err != nil {
			return Parsed{}, fmt.Errorf("%w: eventData: %v", ErrMalformed, err)
		}
		for k, v := range inner {
			if k == "type" {
				continue
			}
			fields[k] = v
		}
	}

	eventType := stringField(envelope, "eventType", "event")
	if eventType == "" {
		eventType = stringField(fields, "eventType", "event")
	}
	executionID := stringField(envelope, "executionId")
	if executionID == "" {
		executionID = stringField(fields, "executionId")
	}
	if eventType == "" {
		return Parsed{}, fmt.Errorf("%w: missing eventType", ErrMalformed)
	}
	if executionID == "" {
		return Parsed{}, fmt.Errorf("%w: missing executionId", ErrMalformed)
	}

	t := domain.EventType(eventType)
	if !t.IsKnown() {
		return Parsed{}, nil
	}

	ev := &domain.Event{
		Type:           t,
		ExecutionID:    executionID,
		Timestamp:      timeField(fields, received, "timestamp", "ts"),
		Persona:        stringField(fields, "persona"),
		Command:        stringField(fields, "command"),
		StepID:         stringField(fields, "stepId"),
		Layer:          stringField(fields, "layer"),
		AgentName:      stringField(fields, "agentName", "agent"),
		AgentType:      stringField(fields, "agentType"),
		Specialization: stringField(fields, "specialization"),
		Description:    stringField(fields, "description"),
		Capabilities:   stringListField(fields, "capabilities"),
		Action:         stringField(fields, "action"),
		Duration:       intField(fields, "duration"),
		OutputData:     rawField(fields, "outputData", "output"),
		GroupID:        stringField(fields, "groupId"),
		IsParallel:     boolField(fields, "isParallel"),
		TotalDuration:  intField(fields, "totalDuration"),
		Result:         rawField(fields, "result"),
		ErrorDetails:   rawField(fields, "errorDetails", "error"),
		Raw:            append(json.RawMessage(nil), data...),
	}
	if order := intField(fields, "stepOrder"); order != nil {
		ev.StepOrder = int(*order)
	}
	if status, ok := domain.ParseStepStatus(stringField(fields, "status")); ok {
		ev.Status = status
	}
	if v := intField(fields, "totalInGroup"); v != nil {
		n := int(*v)
		ev.TotalInGroup = &n
	}
	if v := intField(fields, "indexInGroup"); v != nil {
		n := int(*v)
		ev.IndexInGroup = &n
	}

	return Parsed{Event: ev}, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// stringField returns the first present key as a string. Numbers are returned in their literal
// form so numeric step ids and string step ids compare equal.
func stringField(m map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		raw, ok := m[k]
		if !ok || isNull(raw) {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return strings.TrimSpace(s)
		}
		var n json.Number
		if err := json.Unmarshal(raw, &n); err == nil {
			return n.String()
		}
	}
	return ""
}

func intField(m map[string]json.RawMessage, keys ...string) *int64 {
	for _, k := range keys {
		raw, ok := m[k]
		if !ok || isNull(raw) {
			continue
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			v := int64(f)
			return &v
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
				return &v
			}
		}
	}
	return nil
}

func boolField(m map[string]json.RawMessage, keys ...string) *bool {
	for _, k := range keys {
		raw, ok := m[k]
		if !ok || isNull(raw) {
			continue
		}
		var b bool
		if err := json.Unmarshal(raw, &b); err == nil {
			return &b
		}
	}
	return nil
}

func stringListField(m map[string]json.RawMessage, keys ...string) []string {
	for _, k := range keys {
		raw, ok := m[k]
		if !ok || isNull(raw) {
			continue
		}
		var list []string
		if err := json.Unmarshal(raw, &list); err == nil {
			return list
		}
	}
	return nil
}

func rawField(m map[string]json.RawMessage, keys ...string) json.RawMessage {
	for _, k := range keys {
		raw, ok := m[k]
		if !ok || isNull(raw) {
			continue
		}
		return append(json.RawMessage(nil), raw...)
	}
	return nil
}

func timeField(m map[string]json.RawMessage, fallback time.Time, keys ...string) time.Time {
	for _, k := range keys {
		raw, ok := m[k]
		if !ok || isNull(raw) {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return ts
			}
			continue
		}
		var ms int64
		if err := json.Unmarshal(raw, &ms); err == nil && ms > 0 {
			return time.UnixMilli(ms)
		}
	}
	return fallback
}
