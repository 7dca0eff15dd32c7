// Package policy evaluates persona-ownership rules written in rego.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/open-policy-agent/opa/rego"

	"github.com/xiaot623/exectrack/internal/domain"
	"github.com/xiaot623/exectrack/internal/logging"
	"github.com/xiaot623/exectrack/internal/skeleton"
)

// Engine is the OPA policy engine deciding agent ownership.
type Engine struct {
	query         rego.PreparedEvalQuery
	identity      func() skeleton.IdentityRules
	adminPersonas []string
	timeout       time.Duration
	logger        *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithIdentityRules passes identity-layer name rules to the policy as input.
func WithIdentityRules(rules skeleton.IdentityRules) Option {
	return func(e *Engine) { e.identity = func() skeleton.IdentityRules { return rules } }
}

// WithIdentitySource reads identity rules from fn on every evaluation, so catalog reloads apply.
func WithIdentitySource(fn func() skeleton.IdentityRules) Option {
	return func(e *Engine) { e.identity = fn }
}

// WithAdminPersonas passes the administrative personas to the policy as input.
func WithAdminPersonas(personas []string) Option {
	return func(e *Engine) { e.adminPersonas = personas }
}

// WithLogger sets the logger used for evaluation failures.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string, opts ...Option) (*Engine, error) {
	r := rego.New(
		rego.Query("data.agent_ownership.owned"),
		rego.Module("agent_ownership.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	e := &Engine{
		query:   query,
		timeout: time.Second,
		logger:  logging.Discard(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// NewEngineFromFile loads the policy from path, or uses DefaultPolicy when path is empty.
func NewEngineFromFile(ctx context.Context, path string, opts ...Option) (*Engine, error) {
	content := DefaultPolicy
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file: %w", err)
		}
		content = string(data)
	}
	return NewEngine(ctx, content, opts...)
}

// Input is the document the policy is evaluated against.
type Input struct {
	Persona       string       `json:"persona"`
	Layer         string       `json:"layer"`
	IdentityLayer bool         `json:"identity_layer"`
	Agent         domain.Agent `json:"agent"`
	IdentityNames []string     `json:"identity_names"`
	AdminPersonas []string     `json:"admin_personas"`
}

// Evaluate returns the policy decision for input.
func (e *Engine) Evaluate(ctx context.Context, input Input) (bool, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		// Undefined decision means not owned.
		return false, nil
	}

	owned, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("unexpected policy result type %T", results[0].Expressions[0].Value)
	}
	return owned, nil
}

// Owns implements skeleton.Ownership. Evaluation errors are logged and treated as not owned.
func (e *Engine) Owns(persona, layer string, agent domain.Agent) bool {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	owned, err := e.Evaluate(ctx, Input{
		Persona:       persona,
		Layer:         layer,
		IdentityLayer: skeleton.IdentityLayer(layer),
		Agent:         agent,
		IdentityNames: nonNil(e.identityNames(persona)),
		AdminPersonas: nonNil(e.adminPersonas),
	})
	if err != nil {
		e.logger.Warn("ownership policy evaluation failed", "persona", persona, "layer", layer, "agent", agent.Name, "error", err)
		return false
	}
	return owned
}

func (e *Engine) identityNames(persona string) []string {
	if e.identity == nil {
		return nil
	}
	return e.identity()[persona]
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// DefaultPolicy mirrors skeleton.BuiltinOwnership.
const DefaultPolicy = `
package agent_ownership

default owned = false

# Administrative personas see every agent.
owned {
	lower(input.admin_personas[_]) == lower(input.persona)
}

# Agents explicitly tagged for the persona.
owned {
	input.persona != ""
	input.agent.persona == input.persona
}

owned {
	input.persona != ""
	input.agent.personas[_] == input.persona
}

# Identity-bearing layers accept exact name matches.
owned {
	input.identity_layer
	input.identity_names[_] == input.agent.name
}
`
