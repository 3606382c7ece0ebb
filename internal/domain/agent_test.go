package domain

import (
	"errors"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestComplexityRank(t *testing.T) {
	tests := []struct {
		in    Complexity
		rank  int
		valid bool
	}{
		{ComplexityLow, 1, true},
		{ComplexityMedium, 2, true},
		{"HIGH", 3, true},
		{ComplexityExpert, 4, true},
		{"", 0, false},
		{"trivial", 0, false},
	}
	for _, tt := range tests {
		if got := tt.in.Rank(); got != tt.rank {
			t.Errorf("Rank(%q) = %d, want %d", tt.in, got, tt.rank)
		}
		if got := tt.in.Valid(); got != tt.valid {
			t.Errorf("Valid(%q) = %v, want %v", tt.in, got, tt.valid)
		}
	}
}

func TestAgentTypeDefinitionValidate(t *testing.T) {
	ok := AgentTypeDefinition{ID: "backend-developer", Metadata: AgentMetadata{Complexity: ComplexityHigh, SuccessRate: 0.9}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bad := []AgentTypeDefinition{
		{ID: "  "},
		{ID: "x", Metadata: AgentMetadata{SuccessRate: 1.2}},
		{ID: "x", Metadata: AgentMetadata{SuccessRate: -0.1}},
		{ID: "x", Metadata: AgentMetadata{Complexity: "galactic"}},
	}
	for _, def := range bad {
		if err := def.Validate(); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("Validate(%+v) = %v, want ErrInvalidInput", def, err)
		}
	}
}

func TestAgentTypeDefinitionHasCapability(t *testing.T) {
	def := AgentTypeDefinition{ID: "qa", Capabilities: []string{"testing", "debugging"}}
	if !def.HasCapability("debugging") {
		t.Error("expected debugging capability")
	}
	if def.HasCapability("Debugging") {
		t.Error("capabilities are case sensitive")
	}
}

func TestAgentTypeDefinitionYAML(t *testing.T) {
	src := `
id: data-analyst
name: Data Analyst
category: analysis
capabilities: [sql, statistics]
metadata:
  complexity: medium
  average_task_time: 90s
  success_rate: 0.85
  model:
    name: analyst-large
    temperature: 0.2
`
	var def AgentTypeDefinition
	if err := yaml.Unmarshal([]byte(src), &def); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if def.Metadata.AverageTaskTime.Seconds() != 90 {
		t.Errorf("AverageTaskTime = %v, want 90s", def.Metadata.AverageTaskTime)
	}
	if def.Metadata.Model.Name != "analyst-large" {
		t.Errorf("Model.Name = %q", def.Metadata.Model.Name)
	}
	if err := def.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestPerformanceMetricsTotalTasks(t *testing.T) {
	m := PerformanceMetrics{TasksCompleted: 7, TasksFailed: 3}
	if m.TotalTasks() != 10 {
		t.Errorf("TotalTasks = %d, want 10", m.TotalTasks())
	}
}

func TestPriorityRankAndNormalize(t *testing.T) {
	tests := []struct {
		in   Priority
		rank int
		norm Priority
	}{
		{PriorityCritical, 0, PriorityCritical},
		{"High", 1, PriorityHigh},
		{PriorityNormal, 2, PriorityNormal},
		{PriorityLow, 3, PriorityLow},
		{"", 2, PriorityNormal},
		{"urgent", 2, PriorityNormal},
	}
	for _, tt := range tests {
		if got := tt.in.Rank(); got != tt.rank {
			t.Errorf("Rank(%q) = %d, want %d", tt.in, got, tt.rank)
		}
		if got := tt.in.Normalize(); got != tt.norm {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.norm)
		}
	}
}
