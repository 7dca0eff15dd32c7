package skeleton

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/exectrack/internal/domain"
)

func directory() domain.AgentDirectory {
	return domain.AgentDirectory{
		LayerPersona: {
			{Name: "OpsPersona", Description: "ops front door"},
			{Name: "FinancePersona", Persona: "finance"},
		},
		LayerOrchestration: {
			{Name: "MasterOrchestrator", Personas: []string{"ops", "finance"}},
		},
		"system": { // lower-case key on purpose
			{Name: "Diagnostics", Persona: "ops", Description: "runs health checks", Capabilities: []string{"scan"}},
			{Name: "Monitoring", Persona: "ops", Capabilities: []string{"metrics"}},
			{Name: "Backup", Persona: "ops", Specialization: "storage"},
			{Name: "Payroll", Persona: "finance"},
		},
		LayerSpecialist: {
			{Name: "LogAnalyzer", Persona: "ops", Capabilities: []string{"logs"}},
			{Name: "NetAnalyzer", Persona: "ops", Capabilities: []string{"network"}},
			{Name: "DiskAnalyzer", Persona: "ops", Capabilities: []string{"disk"}},
			{Name: "CpuAnalyzer", Persona: "ops", Capabilities: []string{"cpu"}},
		},
	}
}

func ownership() Ownership {
	return BuiltinOwnership{
		Identity:      IdentityRules{"ops": {"OpsPersona"}},
		AdminPersonas: []string{"admin"},
	}
}

func TestBuildAlwaysSixLayersInOrder(t *testing.T) {
	for _, dir := range []domain.AgentDirectory{nil, {}, directory()} {
		sk := Build(dir, "ops", "Run Diagnostics", nil, ownership())
		entries := sk.Entries()
		require.Len(t, entries, LayerCount)
		for i, name := range Layers() {
			assert.Equal(t, name, entries[i].Layer)
			assert.Equal(t, i+1, entries[i].Order)
			assert.NotNil(t, entries[i].Agents)
		}
	}
}

func TestBuildPlaceholders(t *testing.T) {
	sk := Build(nil, "ops", "Run Diagnostics", nil, ownership())

	assert.Equal(t, "Persona Layer", sk[0].Agent)
	assert.Equal(t, domain.StepStatusRunning, sk[0].Status)
	for i := 1; i < LayerCount; i++ {
		assert.True(t, sk[i].Placeholder)
		assert.Equal(t, domain.StepStatusPending, sk[i].Status)
		assert.Equal(t, PlaceholderName(sk[i].Layer), sk[i].Agent)
		assert.Empty(t, sk[i].Agents)
	}
}

func TestBuildPersonaOwnership(t *testing.T) {
	sk := Build(directory(), "ops", "Run Diagnostics", nil, ownership())

	// Identity layer: exact-name match for ops.
	assert.Equal(t, "OpsPersona", sk[0].Agent)
	assert.False(t, sk[0].IsParallel)
	// Tagged via Personas list.
	assert.Equal(t, "MasterOrchestrator", sk[1].Agent)
	// Payroll belongs to finance and is dropped; default cap of 3 applies.
	require.Len(t, sk[2].Agents, 3)
	assert.True(t, sk[2].IsParallel)
	assert.Equal(t, "Diagnostics, Monitoring, Backup", sk[2].Agent)
	assert.Equal(t, []string{"scan", "metrics"}, sk[2].Capabilities)
	// Specialist layer capped at 3 of 4.
	assert.Len(t, sk[3].Agents, 3)
}

func TestBuildAdminSeesAll(t *testing.T) {
	sk := Build(directory(), "admin", "Run Diagnostics", domain.VisibilityRules{
		NormalizeKey("Run Diagnostics", LayerSystem): {MaxAgents: 10},
	}, ownership())

	assert.Len(t, sk[0].Agents, 2)
	assert.Len(t, sk[2].Agents, 4)
}

func TestBuildAppliesCommandRules(t *testing.T) {
	rules := domain.VisibilityRules{
		"run_diagnostics:system":                         {IncludeAgents: []string{"Diagnostics"}},
		NormalizeKey("Run Diagnostics", LayerSpecialist): {FilterByKeywords: []string{"network", "CPU"}, MaxAgents: 5},
	}
	sk := Build(directory(), "ops", "  run   DIAGNOSTICS ", rules, ownership())

	assert.Equal(t, "Diagnostics", sk[2].Agent)
	assert.False(t, sk[2].IsParallel)
	assert.Equal(t, "runs health checks", sk[2].Description)

	require.Len(t, sk[3].Agents, 2)
	assert.Equal(t, "NetAnalyzer", sk[3].Agents[0].Name)
	assert.Equal(t, "CpuAnalyzer", sk[3].Agents[1].Name)
}

func TestNormalizeKey(t *testing.T) {
	assert.Equal(t, "run_diagnostics:system", NormalizeKey(" Run  Diagnostics", "System "))
}

func TestFilterDefaults(t *testing.T) {
	agents := directory()[LayerSpecialist]

	assert.Len(t, Filter(agents, nil), DefaultMaxAgents)
	assert.Len(t, Filter(agents, &domain.VisibilityRule{MaxAgents: -1}), DefaultMaxAgents)
	assert.Len(t, Filter(agents, &domain.VisibilityRule{MaxAgents: 1}), 1)
	assert.Empty(t, Filter(nil, nil))
}

func TestFilterIncludeExcludeGlobs(t *testing.T) {
	agents := directory()[LayerSpecialist]

	got := Filter(agents, &domain.VisibilityRule{IncludeAgents: []string{"*analyzer"}, ExcludeAgents: []string{"Log*", "diskanalyzer"}, MaxAgents: 10})
	require.Len(t, got, 2)
	assert.Equal(t, "NetAnalyzer", got[0].Name)
	assert.Equal(t, "CpuAnalyzer", got[1].Name)

	got = Filter(agents, &domain.VisibilityRule{IncludeAgents: []string{"[invalid"}})
	assert.Empty(t, got)
}

func TestBuiltinOwnership(t *testing.T) {
	o := ownership()

	assert.True(t, o.Owns("ops", LayerPersona, domain.Agent{Name: "OpsPersona"}))
	assert.False(t, o.Owns("ops", LayerSystem, domain.Agent{Name: "OpsPersona"}))
	assert.True(t, o.Owns("ops", LayerSystem, domain.Agent{Name: "X", Persona: "ops"}))
	assert.True(t, o.Owns("ADMIN", LayerTool, domain.Agent{Name: "Y"}))
	assert.False(t, o.Owns("", LayerTool, domain.Agent{Name: "Z"}))
}

func TestBuilderCachesPerRevision(t *testing.T) {
	calls := 0
	counting := OwnershipFunc(func(persona, layer string, a domain.Agent) bool {
		calls++
		return true
	})
	b := NewBuilder(counting)
	dir := directory()

	first := b.Build(dir, nil, 1, "ops", "Run Diagnostics")
	afterFirst := calls
	second := b.Build(dir, nil, 1, "ops", "Run Diagnostics")
	assert.Equal(t, first, second)
	assert.Equal(t, afterFirst, calls)

	b.Build(dir, nil, 2, "ops", "Run Diagnostics")
	assert.Greater(t, calls, afterFirst)
}
