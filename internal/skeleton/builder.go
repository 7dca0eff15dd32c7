package skeleton

import (
	"strings"
	"sync"

	"github.com/xiaot623/exectrack/internal/domain"
)

// Skeleton is the fixed-size layer template. The array type makes the six-entry invariant part of
// the signature.
type Skeleton [LayerCount]domain.SkeletonEntry

// Entries returns the skeleton as a slice.
func (s Skeleton) Entries() []domain.SkeletonEntry {
	out := make([]domain.SkeletonEntry, LayerCount)
	copy(out, s[:])
	return out
}

// Build constructs the skeleton for persona and command from the agent directory.
func Build(agentsByLayer domain.AgentDirectory, persona, command string, rules domain.VisibilityRules, ownership Ownership) Skeleton {
	if ownership == nil {
		ownership = BuiltinOwnership{}
	}

	var sk Skeleton
	for i, layer := range Layers() {
		owned := OwnedBy(agentsFor(agentsByLayer, layer), persona, layer, ownership)
		var rule *domain.VisibilityRule
		if r, ok := rules[NormalizeKey(command, layer)]; ok {
			rule = &r
		}
		sk[i] = entryFor(layer, i, Filter(owned, rule))
	}
	return sk
}

func entryFor(layer string, index int, agents []domain.Agent) domain.SkeletonEntry {
	status := domain.StepStatusPending
	if index == 0 {
		status = domain.StepStatusRunning
	}

	entry := domain.SkeletonEntry{
		Layer:  layer,
		Order:  index + 1,
		Status: status,
		Agents: agents,
	}

	switch len(agents) {
	case 0:
		entry.Agent = PlaceholderName(layer)
		entry.Placeholder = true
		entry.Agents = []domain.Agent{}
	case 1:
		a := agents[0]
		entry.Agent = a.Name
		entry.Specialization = a.Specialization
		entry.Description = a.Description
		entry.Capabilities = append([]string(nil), a.Capabilities...)
	default:
		names := make([]string, len(agents))
		var caps []string
		seen := make(map[string]bool)
		for i, a := range agents {
			names[i] = a.Name
			for _, c := range a.Capabilities {
				if !seen[c] {
					seen[c] = true
					caps = append(caps, c)
				}
			}
		}
		entry.Agent = strings.Join(names, ", ")
		entry.IsParallel = true
		entry.Description = agents[0].Description
		entry.Capabilities = caps
	}
	return entry
}

// agentsFor looks a layer up in the directory, tolerating differently-cased keys.
func agentsFor(dir domain.AgentDirectory, layer string) []domain.Agent {
	if agents, ok := dir[layer]; ok {
		return agents
	}
	for k, agents := range dir {
		if strings.EqualFold(strings.TrimSpace(k), layer) {
			return agents
		}
	}
	return nil
}

type cacheKey struct {
	persona  string
	command  string
	revision uint64
}

// Builder memoizes skeletons per (persona, command, catalog revision). Returned skeletons are
// shared and must be treated as read-only.
type Builder struct {
	ownership Ownership

	mu       sync.Mutex
	revision uint64
	cache    map[cacheKey]Skeleton
}

// NewBuilder creates a builder using the given ownership policy.
func NewBuilder(ownership Ownership) *Builder {
	return &Builder{
		ownership: ownership,
		cache:     make(map[cacheKey]Skeleton),
	}
}

// Build returns the cached skeleton for the triple, building it on first use. A newer revision
// drops every entry built from older catalog data.
func (b *Builder) Build(agentsByLayer domain.AgentDirectory, rules domain.VisibilityRules, revision uint64, persona, command string) Skeleton {
	b.mu.Lock()
	defer b.mu.Unlock()

	if revision != b.revision {
		b.revision = revision
		b.cache = make(map[cacheKey]Skeleton)
	}

	key := cacheKey{persona: persona, command: command, revision: revision}
	if sk, ok := b.cache[key]; ok {
		return sk
	}
	sk := Build(agentsByLayer, persona, command, rules, b.ownership)
	b.cache[key] = sk
	return sk
}
