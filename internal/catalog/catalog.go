// Package catalog holds the agent directory, visibility rules and identity rules consumed by the
// skeleton builder, loaded from a YAML file or the backend.
package catalog

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/goccy/go-yaml"

	"github.com/xiaot623/exectrack/internal/domain"
	"github.com/xiaot623/exectrack/internal/logging"
	"github.com/xiaot623/exectrack/internal/skeleton"
)

// File is the on-disk catalog format.
//
//	agents:
//	  System:
//	    - name: Diagnostics
//	      persona: ops
//	visibility:
//	  "run diagnostics:system":
//	    maxAgents: 2
//	identity:
//	  ops: [OpsPersona]
type File struct {
	Agents     map[string][]domain.Agent        `yaml:"agents"`
	Visibility map[string]domain.VisibilityRule `yaml:"visibility"`
	Identity   map[string][]string              `yaml:"identity"`
}

// Parse decodes a catalog document. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.UnmarshalWithOptions(data, &f, yaml.Strict()); err != nil {
		return nil, err
	}
	for layer, agents := range f.Agents {
		for i, a := range agents {
			if strings.TrimSpace(a.Name) == "" {
				return nil, fmt.Errorf("agents.%s[%d]: name is required", layer, i)
			}
		}
	}
	return &f, nil
}

// ParseFile reads and decodes the catalog at path.
func ParseFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return f, nil
}

// Snapshot is an immutable view of the catalog at one revision.
type Snapshot struct {
	Revision   uint64
	Agents     domain.AgentDirectory
	Visibility domain.VisibilityRules
	Identity   skeleton.IdentityRules
}

// Store holds the current catalog snapshot. Every change bumps the revision.
type Store struct {
	logger *slog.Logger

	mu   sync.RWMutex
	snap Snapshot
}

// NewStore creates an empty store at revision 0.
func NewStore(logger *slog.Logger) *Store {
	return &Store{
		logger: logging.OrDiscard(logger),
		snap: Snapshot{
			Agents:     domain.AgentDirectory{},
			Visibility: domain.VisibilityRules{},
			Identity:   skeleton.IdentityRules{},
		},
	}
}

// Current returns the current snapshot. Callers must not modify it.
func (s *Store) Current() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Revision returns the current revision.
func (s *Store) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Revision
}

// Replace swaps in the whole catalog and returns the new revision.
func (s *Store) Replace(f *File) uint64 {
	agents := domain.AgentDirectory{}
	for layer, list := range f.Agents {
		agents[strings.TrimSpace(layer)] = append([]domain.Agent(nil), list...)
	}
	identity := skeleton.IdentityRules{}
	for persona, names := range f.Identity {
		identity[persona] = append([]string(nil), names...)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = Snapshot{
		Revision:   s.snap.Revision + 1,
		Agents:     agents,
		Visibility: s.normalizeRules(f.Visibility),
		Identity:   identity,
	}
	return s.snap.Revision
}

// SetAgents replaces only the agent directory, keeping rules, and returns the new revision.
func (s *Store) SetAgents(dir domain.AgentDirectory) uint64 {
	agents := make(domain.AgentDirectory, len(dir))
	for layer, list := range dir {
		agents[strings.TrimSpace(layer)] = append([]domain.Agent(nil), list...)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = Snapshot{
		Revision:   s.snap.Revision + 1,
		Agents:     agents,
		Visibility: s.snap.Visibility,
		Identity:   s.snap.Identity,
	}
	return s.snap.Revision
}

// LoadFile parses path and replaces the catalog. On error the current snapshot is kept.
func (s *Store) LoadFile(path string) (uint64, error) {
	f, err := ParseFile(path)
	if err != nil {
		return s.Revision(), err
	}
	rev := s.Replace(f)
	s.logger.Info("catalog loaded", "path", path, "revision", rev, "layers", len(f.Agents), "rules", len(f.Visibility))
	return rev, nil
}

// IdentityRules returns the identity rules of the current snapshot.
func (s *Store) IdentityRules() skeleton.IdentityRules {
	return s.Current().Identity
}

// Ownership returns the builtin ownership policy reading identity rules from the store, so
// reloads take effect without rewiring.
func (s *Store) Ownership(adminPersonas []string) skeleton.Ownership {
	return skeleton.OwnershipFunc(func(persona, layer string, agent domain.Agent) bool {
		return skeleton.BuiltinOwnership{
			Identity:      s.IdentityRules(),
			AdminPersonas: adminPersonas,
		}.Owns(persona, layer, agent)
	})
}

// normalizeRules rewrites rule keys to the skeleton's "command:layer" form. Keys without a
// layer part are kept lowercased.
func (s *Store) normalizeRules(rules map[string]domain.VisibilityRule) domain.VisibilityRules {
	out := make(domain.VisibilityRules, len(rules))
	for key, rule := range rules {
		idx := strings.LastIndex(key, ":")
		if idx < 0 {
			s.logger.Warn("visibility rule key has no layer", "key", key)
			out[strings.ToLower(strings.TrimSpace(key))] = rule
			continue
		}
		out[skeleton.NormalizeKey(key[:idx], key[idx+1:])] = rule
	}
	return out
}
