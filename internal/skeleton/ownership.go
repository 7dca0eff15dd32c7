package skeleton

import (
	"strings"

	"github.com/xiaot623/exectrack/internal/domain"
)

// Ownership decides whether an agent on a layer belongs to a persona.
type Ownership interface {
	Owns(persona, layer string, agent domain.Agent) bool
}

// OwnershipFunc adapts a function to Ownership.
type OwnershipFunc func(persona, layer string, agent domain.Agent) bool

// Owns implements Ownership.
func (f OwnershipFunc) Owns(persona, layer string, agent domain.Agent) bool {
	return f(persona, layer, agent)
}

// IdentityRules lists, per persona, the agent names that represent that persona on the
// identity-bearing layers.
type IdentityRules map[string][]string

// BuiltinOwnership is the default persona-ownership policy.
type BuiltinOwnership struct {
	Identity      IdentityRules
	AdminPersonas []string
}

// Owns implements Ownership: admin personas see everything, tagged agents belong to their
// persona, and identity layers also accept exact name matches.
func (o BuiltinOwnership) Owns(persona, layer string, agent domain.Agent) bool {
	for _, admin := range o.AdminPersonas {
		if strings.EqualFold(admin, persona) {
			return true
		}
	}
	if agent.TaggedFor(persona) {
		return true
	}
	if !IdentityLayer(layer) {
		return false
	}
	for _, name := range o.Identity[persona] {
		if name == agent.Name {
			return true
		}
	}
	return false
}

// OwnedBy keeps the agents that persona owns on layer.
func OwnedBy(agents []domain.Agent, persona, layer string, ownership Ownership) []domain.Agent {
	out := make([]domain.Agent, 0, len(agents))
	for _, a := range agents {
		if ownership.Owns(persona, layer, a) {
			out = append(out, a)
		}
	}
	return out
}
