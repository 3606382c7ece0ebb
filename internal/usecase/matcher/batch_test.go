package matcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfleet/internal/domain"
	"agentfleet/internal/usecase/registry"
)

func debuggingTask(id string, p domain.Priority) domain.Task {
	return domain.Task{ID: id, Priority: p, Requirements: domain.TaskRequirement{RequiredCapabilities: []string{"debugging"}}}
}

func TestMatchMultipleTasksPriorityOrder(t *testing.T) {
	m, _ := builtinMatcher(t)
	res := m.MatchMultipleTasks(context.Background(), []domain.Task{
		debuggingTask("low", domain.PriorityLow),
		debuggingTask("crit", domain.PriorityCritical),
		debuggingTask("norm", ""),
		debuggingTask("high", domain.PriorityHigh),
	}, nil, BatchOptions{AllowDuplicates: true})

	var order []string
	for _, a := range res.Assignments {
		order = append(order, a.TaskID)
	}
	assert.Equal(t, []string{"crit", "high", "norm", "low"}, order)
	assert.Equal(t, domain.PriorityNormal, res.Assignments[2].Priority)
	assert.Equal(t, 4, res.Statistics.Matched)
	assert.Len(t, res.Statistics.TypeDistribution, 1)
}

func TestMatchMultipleTasksCapsPerType(t *testing.T) {
	m, _ := builtinMatcher(t)
	tasks := []domain.Task{
		debuggingTask("a", domain.PriorityNormal),
		debuggingTask("b", domain.PriorityNormal),
		debuggingTask("c", domain.PriorityNormal),
		debuggingTask("d", domain.PriorityNormal),
	}
	res := m.MatchMultipleTasks(context.Background(), tasks, nil, BatchOptions{Strategy: "balanced"})

	seen := make(map[string]bool)
	for _, a := range res.Assignments[:3] {
		require.True(t, a.Matched, a.TaskID)
		assert.False(t, seen[a.AgentType], "type %s used twice", a.AgentType)
		seen[a.AgentType] = true
	}
	last := res.Assignments[3]
	assert.False(t, last.Matched)
	assert.NotEmpty(t, last.Reason)

	assert.Equal(t, BatchStatistics{
		Total:             4,
		Matched:           3,
		Unmatched:         1,
		AverageScore:      res.Statistics.AverageScore,
		AverageConfidence: res.Statistics.AverageConfidence,
		TypeDistribution:  map[string]int{"backend-developer": 1, "frontend-developer": 1, "qa-engineer": 1},
	}, res.Statistics)
	assert.Greater(t, res.Statistics.AverageScore, 0.0)
}

func TestMatchMultipleTasksMaxPerType(t *testing.T) {
	m, _ := builtinMatcher(t)
	tasks := []domain.Task{
		debuggingTask("a", domain.PriorityNormal),
		debuggingTask("b", domain.PriorityNormal),
	}
	res := m.MatchMultipleTasks(context.Background(), tasks, nil, BatchOptions{MaxPerType: 2})
	assert.Equal(t, res.Assignments[0].AgentType, res.Assignments[1].AgentType)
}

func TestMatchMultipleTasksUsesRequirementPriority(t *testing.T) {
	m, _ := builtinMatcher(t)
	urgent := domain.Task{ID: "u", Requirements: domain.TaskRequirement{RequiredCapabilities: []string{"sql"}, Priority: domain.PriorityCritical}}
	res := m.MatchMultipleTasks(context.Background(), []domain.Task{debuggingTask("n", domain.PriorityNormal), urgent}, nil, BatchOptions{AllowDuplicates: true})
	assert.Equal(t, "u", res.Assignments[0].TaskID)
}

func TestMatchMultipleTasksReportsFailures(t *testing.T) {
	m := New(registry.New(nil), DefaultConfig(), nil)
	res := m.MatchMultipleTasks(context.Background(), []domain.Task{debuggingTask("x", "")}, nil, BatchOptions{})
	require.Len(t, res.Assignments, 1)
	assert.False(t, res.Assignments[0].Matched)
	assert.Equal(t, 1, res.Statistics.Unmatched)
	assert.Zero(t, res.Statistics.AverageScore)
}

func TestSpecializationMarketingPenalty(t *testing.T) {
	seo := mustDef(t, registry.Builtin(), "seo-specialist")

	engineering := domain.TaskRequirement{Description: "fix the api bug"}
	marketing := domain.TaskRequirement{Description: "plan an seo campaign"}

	assert.InDelta(t, 0.1, specializationScore(seo, engineering), 1e-9)
	assert.InDelta(t, 0.9, specializationScore(seo, marketing), 1e-9)
}

func TestScoreFactors(t *testing.T) {
	backend := mustDef(t, registry.Builtin(), "backend-developer")

	assert.InDelta(t, 0.85, capabilityScore(backend, domain.TaskRequirement{
		RequiredCapabilities:  []string{"api-design"},
		PreferredCapabilities: []string{"debugging", "sql"},
	}), 1e-9)
	assert.Equal(t, 1.0, complexityScore(backend, domain.TaskRequirement{}))
	assert.Equal(t, 1.0, complexityScore(backend, domain.TaskRequirement{Complexity: domain.ComplexityHigh}))
	assert.Equal(t, 0.8, complexityScore(backend, domain.TaskRequirement{Complexity: domain.ComplexityLow}))
	assert.Equal(t, 0.5, complexityScore(backend, domain.TaskRequirement{Complexity: domain.ComplexityExpert}))

	assert.Equal(t, 1.0, averageTimeScore(backend, domain.TaskRequirement{}))
	assert.InDelta(t, 0.5, averageTimeScore(backend, domain.TaskRequirement{EstimatedDuration: 30 * 60e9}), 1e-9)
	assert.Equal(t, 0.0, averageTimeScore(backend, domain.TaskRequirement{EstimatedDuration: 10 * 60e9}))
}

func TestConfidence(t *testing.T) {
	assert.Equal(t, 0.9, confidence(0.9, 0.9))
	assert.Equal(t, 1.0, confidence(0.9, 0.5))
	assert.Equal(t, 0.66, confidence(0.6, 0.5))
}
