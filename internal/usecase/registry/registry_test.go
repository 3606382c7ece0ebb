package registry

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfleet/internal/domain"
)

func def(id, category string, caps ...string) domain.AgentTypeDefinition {
	return domain.AgentTypeDefinition{
		ID:           id,
		Name:         id,
		Category:     category,
		Capabilities: caps,
		Metadata: domain.AgentMetadata{
			Complexity:      domain.ComplexityMedium,
			AverageTaskTime: 30 * time.Minute,
			SuccessRate:     0.9,
		},
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(def("backend-developer", "development", "api-design", "debugging")))

	got, err := r.Get("backend-developer")
	require.NoError(t, err)
	assert.Equal(t, []string{"api-design", "debugging"}, got.Capabilities)
	assert.True(t, r.Has("backend-developer"))
	assert.Equal(t, 1, r.Len())

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.CodeAgentTypeNotFound, domain.ErrorCodeOf(err))
}

func TestRegisterRejectsEmptyID(t *testing.T) {
	r := New(nil)
	err := r.Register(def("", "development", "x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Equal(t, 0, r.Len())
}

func TestRegisterCopiesInput(t *testing.T) {
	r := New(nil)
	d := def("a", "development", "one")
	require.NoError(t, r.Register(d))
	d.Capabilities[0] = "mutated"

	got, _ := r.Get("a")
	assert.Equal(t, []string{"one"}, got.Capabilities)
	assert.Equal(t, []string{"a"}, r.GetAgentsByCapability("one"))
}

func TestReRegisterReplacesAndReindexes(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(def("a", "development", "old-cap")))
	require.NoError(t, r.Register(def("b", "development", "other")))
	require.NoError(t, r.Register(def("a", "quality", "new-cap")))

	assert.Empty(t, r.GetAgentsByCapability("old-cap"))
	assert.Equal(t, []string{"a"}, r.GetAgentsByCapability("new-cap"))
	assert.Equal(t, []string{"b"}, r.GetAgentsByCategory("development"))
	assert.Equal(t, []string{"a"}, r.GetAgentsByCategory("quality"))
	assert.Equal(t, []string{"a", "b"}, r.IDs(), "registration order is kept")
}

func TestCapabilityAndCategoryIndexes(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(def("b", "development", "debugging", "api-design")))
	require.NoError(t, r.Register(def("a", "development", "debugging")))
	require.NoError(t, r.Register(def("c", "quality", "testing")))

	assert.Equal(t, []string{"a", "b"}, r.GetAgentsByCapability("debugging"))
	assert.Equal(t, []string{"a", "b"}, r.GetAgentsByCategory("development"))
	assert.Empty(t, r.GetAgentsByCapability("nope"))

	idx := r.CapabilityIndex()
	assert.Equal(t, []string{"b"}, idx["api-design"])
	assert.Len(t, idx, 3)
}

func TestSpecializationTree(t *testing.T) {
	r := New(nil)
	a := def("a", "development", "x")
	a.Specializations = []string{"rest", "databases"}
	b := def("b", "development", "y")
	b.Specializations = []string{"rest"}
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	tree := r.SpecializationTree()
	assert.Equal(t, []string{"a", "b"}, tree["development"]["rest"])
	assert.Equal(t, []string{"a"}, tree["development"]["databases"])

	// Snapshot is detached from the registry.
	tree["development"]["rest"][0] = "zzz"
	assert.Equal(t, []string{"a", "b"}, r.SpecializationTree()["development"]["rest"])
}

func TestJaccard(t *testing.T) {
	assert.InDelta(t, 1.0, Jaccard([]string{"a", "b"}, []string{"b", "a"}), 1e-9)
	assert.InDelta(t, 1.0/3.0, Jaccard([]string{"a", "b"}, []string{"b", "c"}), 1e-9)
	assert.Equal(t, 0.0, Jaccard(nil, nil))
	assert.Equal(t, 0.0, Jaccard([]string{"a"}, []string{"b"}))
}

func TestCompatibility(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(def("a", "development", "x", "y")))
	require.NoError(t, r.Register(def("b", "development", "z")))
	require.NoError(t, r.Register(def("c", "quality", "x", "y", "w")))   // jaccard(a,c)=2/3
	require.NoError(t, r.Register(def("d", "marketing", "q", "r", "s"))) // nothing shared
	r.BuildIndexes()

	compat, err := r.GetCompatible("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, compat)

	for _, pair := range [][2]string{{"a", "b"}, {"a", "c"}, {"a", "d"}, {"c", "d"}} {
		assert.Equal(t, r.AreCompatible(pair[0], pair[1]), r.AreCompatible(pair[1], pair[0]), "symmetric %v", pair)
	}
	assert.False(t, r.AreCompatible("a", "d"))
	assert.False(t, r.AreCompatible("a", "a"))

	compatD, err := r.GetCompatible("d")
	require.NoError(t, err)
	assert.Empty(t, compatD)

	_, err = r.GetCompatible("missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetCompatibleRebuildsAfterRegister(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(def("a", "development", "x")))
	r.BuildIndexes()
	require.NoError(t, r.Register(def("b", "development", "y")))

	compat, err := r.GetCompatible("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, compat)
}

func TestSearchByMetadata(t *testing.T) {
	r := New(nil)
	r.LoadBuiltin()

	ids, err := r.SearchByMetadata(Criterion{Field: "success_rate", Op: OpGte, Value: 0.92})
	require.NoError(t, err)
	assert.Equal(t, []string{"backend-developer", "qa-engineer", "technical-writer"}, ids)

	ids, err = r.SearchByMetadata(
		Criterion{Field: "category", Op: OpEq, Value: "marketing"},
		Criterion{Field: "averageTaskTime", Op: OpLt, Value: 30},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"seo-specialist"}, ids)

	ids, err = r.SearchByMetadata(Criterion{Field: "complexity", Op: OpGte, Value: "high"})
	require.NoError(t, err)
	assert.Equal(t, []string{"backend-developer", "devops-engineer", "security-auditor"}, ids)

	ids, err = r.SearchByMetadata(Criterion{Field: "average_task_time", Op: OpEq, Value: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, []string{"security-auditor"}, ids)

	ids, err = r.SearchByMetadata(Criterion{Field: "model", Op: OpNe, Value: "large"}, Criterion{Field: "max_tokens", Op: OpGt, Value: 4096})
	require.NoError(t, err)
	assert.Equal(t, []string{"data-analyst", "technical-writer"}, ids)
}

func TestSearchByMetadataInvalidCriteria(t *testing.T) {
	r := New(nil)
	r.LoadBuiltin()

	tests := []Criterion{
		{Field: "color", Op: OpEq, Value: "blue"},
		{Field: "success_rate", Op: "between", Value: 1},
		{Field: "success_rate", Op: OpGt, Value: "high-ish"},
		{Field: "category", Op: OpGt, Value: "a"},
		{Field: "temperature", Op: OpGt, Value: []int{1}},
	}
	for _, c := range tests {
		_, err := r.SearchByMetadata(c)
		assert.ErrorIs(t, err, domain.ErrInvalidInput, "criterion %+v", c)
	}
}

func TestGetStatistics(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(def("a", "development", "debugging", "api-design")))
	b := def("b", "development", "debugging")
	b.Metadata.SuccessRate = 0.7
	b.Metadata.AverageTaskTime = 10 * time.Minute
	require.NoError(t, r.Register(b))
	require.NoError(t, r.Register(def("c", "quality", "testing")))

	st := r.GetStatistics()
	assert.Equal(t, 3, st.TypeCount)
	assert.Equal(t, 3, st.CapabilityCount)
	assert.Equal(t, map[string]int{"development": 2, "quality": 1}, st.Categories)
	assert.InDelta(t, (0.9+0.7+0.9)/3, st.AverageSuccessRate, 1e-9)
	assert.Equal(t, (30*time.Minute+10*time.Minute+30*time.Minute)/3, st.AverageTaskTime)
	require.NotEmpty(t, st.TopCapabilities)
	assert.Equal(t, CapabilityCount{Capability: "debugging", Types: 2}, st.TopCapabilities[0])
	assert.Equal(t, 3, st.Complexity[domain.ComplexityMedium])
}

func TestGetStatisticsEmpty(t *testing.T) {
	st := New(nil).GetStatistics()
	assert.Equal(t, 0, st.TypeCount)
	assert.Zero(t, st.AverageSuccessRate)
	assert.Empty(t, st.TopCapabilities)
}

func TestConcurrentRegisterAndRead(t *testing.T) {
	r := New(nil)
	r.LoadBuiltin()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = r.Register(def("backend-developer", "development", "api-design", "debugging"))
		}()
		go func() {
			defer wg.Done()
			_ = r.GetAgentsByCapability("debugging")
			_, _ = r.GetCompatible("qa-engineer")
			_ = r.GetStatistics()
		}()
	}
	wg.Wait()
	assert.Equal(t, len(Builtin()), r.Len())
}

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadCatalogFromFile(t *testing.T) {
	path := writeCatalog(t, `
version: 1
agent_types:
  - id: backend-developer
    name: Backend Developer
    category: development
    capabilities: [api-design, debugging]
    metadata:
      complexity: high
      average_task_time: 45m
      success_rate: 0.9
      model: {name: large, temperature: 0.2, max_tokens: 8192}
  - id: qa-engineer
    category: quality
    capabilities: [test-automation, debugging]
`)
	r := New(nil)
	res := r.LoadCatalog(path)
	require.NoError(t, res.Fallback)
	assert.Equal(t, SourceFile, res.Source)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, []string{"backend-developer", "qa-engineer"}, r.IDs())

	got, err := r.Get("backend-developer")
	require.NoError(t, err)
	assert.Equal(t, 45*time.Minute, got.Metadata.AverageTaskTime)
	assert.Equal(t, 8192, got.Metadata.Model.MaxTokens)
}

func TestLoadCatalogFallsBackToBuiltin(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{"missing file", func(t *testing.T) string { return filepath.Join(t.TempDir(), "none.yaml") }},
		{"malformed yaml", func(t *testing.T) string { return writeCatalog(t, "agent_types: [unclosed") }},
		{"schema violation", func(t *testing.T) string {
			return writeCatalog(t, "agent_types:\n  - id: x\n    category: dev\n    capabilities: []\n")
		}},
		{"bad success rate", func(t *testing.T) string {
			return writeCatalog(t, "agent_types:\n  - id: x\n    category: dev\n    capabilities: [a]\n    metadata: {success_rate: 3}\n")
		}},
		{"duplicate ids", func(t *testing.T) string {
			return writeCatalog(t, "agent_types:\n  - {id: x, category: dev, capabilities: [a]}\n  - {id: x, category: dev, capabilities: [b]}\n")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(nil)
			res := r.LoadCatalog(tt.path(t))
			assert.Equal(t, SourceBuiltin, res.Source)
			require.Error(t, res.Fallback)
			assert.True(t, errors.Is(res.Fallback, domain.ErrCatalogLoad))
			assert.Equal(t, len(Builtin()), r.Len())
			assert.True(t, r.Has("backend-developer"))
		})
	}
}

func TestLoadCatalogEmptyPathUsesBuiltin(t *testing.T) {
	r := New(nil)
	res := r.LoadCatalog("")
	assert.Equal(t, SourceBuiltin, res.Source)
	assert.NoError(t, res.Fallback)
	assert.Equal(t, len(Builtin()), res.Count)
}

func TestMarshalCatalogRoundTrip(t *testing.T) {
	data, err := MarshalCatalog(Builtin())
	require.NoError(t, err)
	defs, err := ParseCatalog(data)
	require.NoError(t, err)
	assert.Equal(t, Builtin(), defs)
}

func TestBuiltinDefinitionsValidate(t *testing.T) {
	seen := map[string]bool{}
	for _, d := range Builtin() {
		assert.NoError(t, d.Validate())
		assert.False(t, seen[d.ID], "duplicate %s", d.ID)
		seen[d.ID] = true
	}
	assert.Equal(t, []string{"backend-developer"}, func() []string {
		r := New(nil)
		r.LoadBuiltin()
		return r.GetAgentsByCapability("api-design")
	}())
}
