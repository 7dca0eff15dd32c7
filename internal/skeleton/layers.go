// Package skeleton builds the fixed six-layer workflow template shown before, and regardless
// of, any live execution data.
package skeleton

import "strings"

// Layer names in workflow order.
const (
	LayerPersona       = "Persona"
	LayerOrchestration = "Orchestration"
	LayerSystem        = "System"
	LayerSpecialist    = "Specialist"
	LayerTool          = "Tool"
	LayerResponse      = "Response"
)

// LayerCount is the fixed number of layers in every skeleton and merged view.
const LayerCount = 6

// Layers returns the layer names in workflow order.
func Layers() [LayerCount]string {
	return [LayerCount]string{
		LayerPersona,
		LayerOrchestration,
		LayerSystem,
		LayerSpecialist,
		LayerTool,
		LayerResponse,
	}
}

// IdentityLayer reports whether agents on layer may be matched to a persona by exact name.
func IdentityLayer(layer string) bool {
	return strings.EqualFold(layer, LayerPersona) || strings.EqualFold(layer, LayerOrchestration)
}

// PlaceholderName is the agent label shown for a layer with no surviving agents.
func PlaceholderName(layer string) string {
	return layer + " Layer"
}

// NormalizeKey builds the visibility-rule key for a (command, layer) pair.
func NormalizeKey(command, layer string) string {
	return normalizeToken(command) + ":" + normalizeToken(layer)
}

func normalizeToken(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), "_")
}
