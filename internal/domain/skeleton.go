package domain

import (
	"encoding/json"
	"time"
)

// Agent describes one entry of the agent directory.
type Agent struct {
	Name           string   `json:"name" yaml:"name"`
	Persona        string   `json:"persona,omitempty" yaml:"persona,omitempty"`
	Personas       []string `json:"personas,omitempty" yaml:"personas,omitempty"`
	Type           string   `json:"type,omitempty" yaml:"type,omitempty"`
	Specialization string   `json:"specialization,omitempty" yaml:"specialization,omitempty"`
	Description    string   `json:"description,omitempty" yaml:"description,omitempty"`
	Capabilities   []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
}

// TaggedFor reports whether the agent is explicitly tagged for persona.
func (a Agent) TaggedFor(persona string) bool {
	if persona == "" {
		return false
	}
	if a.Persona == persona {
		return true
	}
	for _, p := range a.Personas {
		if p == persona {
			return true
		}
	}
	return false
}

// AgentDirectory maps a layer name to the agents available on it.
type AgentDirectory map[string][]Agent

// VisibilityRule narrows the agents shown for one (command, layer) pair.
type VisibilityRule struct {
	MaxAgents        int      `json:"maxAgents,omitempty" yaml:"maxAgents,omitempty"`
	IncludeAgents    []string `json:"includeAgents,omitempty" yaml:"includeAgents,omitempty"`
	ExcludeAgents    []string `json:"excludeAgents,omitempty" yaml:"excludeAgents,omitempty"`
	FilterByKeywords []string `json:"filterByKeywords,omitempty" yaml:"filterByKeywords,omitempty"`
}

// VisibilityRules are keyed by the normalized "command:layer" string.
type VisibilityRules map[string]VisibilityRule

// SkeletonEntry is the data-independent template for one layer.
type SkeletonEntry struct {
	Layer          string     `json:"layer"`
	Order          int        `json:"order"`
	Agent          string     `json:"agent"`
	Status         StepStatus `json:"status"`
	Agents         []Agent    `json:"agents"`
	IsParallel     bool       `json:"isParallel"`
	Placeholder    bool       `json:"placeholder"`
	Specialization string     `json:"specialization,omitempty"`
	Description    string     `json:"description,omitempty"`
	Capabilities   []string   `json:"capabilities,omitempty"`
}

// MergedStepView is one render-ready row: a skeleton entry enriched with live data.
type MergedStepView struct {
	Layer          string          `json:"layer"`
	Order          int             `json:"order"`
	Agent          string          `json:"agent"`
	Status         StepStatus      `json:"status"`
	Agents         []Agent         `json:"agents"`
	IsParallel     bool            `json:"isParallel"`
	Specialization string          `json:"specialization,omitempty"`
	Description    string          `json:"description,omitempty"`
	Capabilities   []string        `json:"capabilities,omitempty"`
	StepID         string          `json:"stepId,omitempty"`
	Action         string          `json:"action,omitempty"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	Duration       *int64          `json:"duration,omitempty"`
	OutputData     json.RawMessage `json:"outputData,omitempty"`
	LiveAgents     []string        `json:"liveAgents,omitempty"`
	Provenance     Provenance      `json:"provenance"`
}
