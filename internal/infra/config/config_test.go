package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Balancer.BackpressureThreshold != 0.8 {
		t.Errorf("BackpressureThreshold = %v, want 0.8", cfg.Balancer.BackpressureThreshold)
	}
	if cfg.Matcher.CacheTTL != 60*time.Second {
		t.Errorf("CacheTTL = %v, want 60s", cfg.Matcher.CacheTTL)
	}
	if cfg.Matcher.CacheSize != 100 {
		t.Errorf("CacheSize = %d, want 100", cfg.Matcher.CacheSize)
	}
	if cfg.Optimizer.BufferSize != 1000 {
		t.Errorf("BufferSize = %d, want 1000", cfg.Optimizer.BufferSize)
	}
	if cfg.Orchestrator.OptimizationInterval != "5m" {
		t.Errorf("OptimizationInterval = %q, want 5m", cfg.Orchestrator.OptimizationInterval)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Balancer.Strategy != "round-robin" {
		t.Errorf("expected defaults, got strategy %q", cfg.Balancer.Strategy)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
logger:
  level: "debug"
matcher:
  default_strategy: "speed"
  cache_ttl: "30s"
balancer:
  strategy: "least-connections"
  breaker_timeout: "5s"
agents:
  - type: "backend-developer"
    count: 2
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q, want debug", cfg.Logger.Level)
	}
	if cfg.Matcher.DefaultStrategy != "speed" {
		t.Errorf("DefaultStrategy = %q, want speed", cfg.Matcher.DefaultStrategy)
	}
	if cfg.Matcher.CacheTTL != 30*time.Second {
		t.Errorf("CacheTTL = %v, want 30s", cfg.Matcher.CacheTTL)
	}
	if cfg.Balancer.BreakerTimeout != 5*time.Second {
		t.Errorf("BreakerTimeout = %v, want 5s", cfg.Balancer.BreakerTimeout)
	}
	if len(cfg.Agents) != 1 || cfg.Agents[0].Count != 2 {
		t.Errorf("Agents = %+v", cfg.Agents)
	}
	// Untouched sections keep defaults.
	if cfg.Optimizer.MinSamples != 5 {
		t.Errorf("MinSamples = %d, want 5", cfg.Optimizer.MinSamples)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), "config.yaml", "balancer: [unclosed")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), "config.yaml", `
balancer:
  strategy: "fastest-first"
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
	if !strings.Contains(ve.Error(), "balancer.strategy") {
		t.Errorf("error = %q", ve.Error())
	}
}

func TestLoadInsecurePermissions(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", "logger:\n  level: info\n")
	if err := os.Chmod(path, 0o666); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "insecure permissions") {
		t.Fatalf("expected permission error, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGENTFLEET_LOGGER_LEVEL", "warn")
	t.Setenv("AGENTFLEET_BALANCER_STRATEGY", "adaptive")
	t.Setenv("AGENTFLEET_BALANCER_BACKPRESSURE_THRESHOLD", "0.5")
	t.Setenv("AGENTFLEET_BALANCER_BREAKER_TIMEOUT", "2s")
	t.Setenv("AGENTFLEET_ORCHESTRATOR_AUTO_OPTIMIZE", "false")
	t.Setenv("AGENTFLEET_AGENTS", "backend-developer=2, qa-engineer")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Logger.Level != "warn" {
		t.Errorf("Logger.Level = %q, want warn", cfg.Logger.Level)
	}
	if cfg.Balancer.Strategy != "adaptive" {
		t.Errorf("Strategy = %q, want adaptive", cfg.Balancer.Strategy)
	}
	if cfg.Balancer.BackpressureThreshold != 0.5 {
		t.Errorf("BackpressureThreshold = %v, want 0.5", cfg.Balancer.BackpressureThreshold)
	}
	if cfg.Balancer.BreakerTimeout != 2*time.Second {
		t.Errorf("BreakerTimeout = %v, want 2s", cfg.Balancer.BreakerTimeout)
	}
	if cfg.Orchestrator.AutoOptimize {
		t.Error("AutoOptimize should be false")
	}
	want := []AgentPoolConfig{{Type: "backend-developer", Count: 2}, {Type: "qa-engineer", Count: 1}}
	if len(cfg.Agents) != len(want) {
		t.Fatalf("Agents = %+v, want %+v", cfg.Agents, want)
	}
	for i := range want {
		if cfg.Agents[i] != want[i] {
			t.Errorf("Agents[%d] = %+v, want %+v", i, cfg.Agents[i], want[i])
		}
	}
}

func TestEnvOverridesIgnoresBadNumbers(t *testing.T) {
	t.Setenv("AGENTFLEET_BALANCER_BACKPRESSURE_THRESHOLD", "lots")
	t.Setenv("AGENTFLEET_BALANCER_BREAKER_TIMEOUT", "soon")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	if cfg.Balancer.BackpressureThreshold != 0.8 {
		t.Errorf("BackpressureThreshold = %v, want default", cfg.Balancer.BackpressureThreshold)
	}
	if cfg.Balancer.BreakerTimeout != 60*time.Second {
		t.Errorf("BreakerTimeout = %v, want default", cfg.Balancer.BreakerTimeout)
	}
}

func TestParsePools(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"a=1,b=2", 2},
		{"a", 1},
		{"a=0,b=-1", 0},
		{"=3", 0},
		{" , ", 0},
	}
	for _, tt := range tests {
		if got := parsePools(tt.in); len(got) != tt.want {
			t.Errorf("parsePools(%q) = %+v, want %d pools", tt.in, got, tt.want)
		}
	}
}

func TestMergePoolsSumsRepeatedTypes(t *testing.T) {
	got := mergePools(
		[]AgentPoolConfig{{Type: "a", Count: 1}, {Type: "b", Count: 2}},
		[]AgentPoolConfig{{Type: "a", Count: 3}},
	)
	if len(got) != 2 || got[0].Type != "a" || got[0].Count != 4 || got[1].Count != 2 {
		t.Errorf("mergePools = %+v", got)
	}
}

func TestIncludesMergeSectionsAndPools(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "pools.d"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeConfigFile(t, dir, "pools.d/backend.yaml", `
agents:
  - type: "backend-developer"
    count: 2
`)
	writeConfigFile(t, dir, "pools.d/qa.yaml", `
agents:
  - type: "qa-engineer"
    count: 1
balancer:
  strategy: "random"
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "pools.d/*.yaml"
agents:
  - type: "backend-developer"
    count: 1
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Balancer.Strategy != "random" {
		t.Errorf("Strategy = %q, want random from include", cfg.Balancer.Strategy)
	}
	if len(cfg.Agents) != 2 {
		t.Fatalf("Agents = %+v", cfg.Agents)
	}
	if cfg.Agents[0].Type != "backend-developer" || cfg.Agents[0].Count != 3 {
		t.Errorf("backend pool = %+v, want count 3", cfg.Agents[0])
	}
	if len(cfg.Includes) != 0 {
		t.Errorf("Includes should be cleared, got %v", cfg.Includes)
	}
}

func TestIncludesMainFileWins(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "base.yaml", `
balancer:
  strategy: "random"
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes: ["base.yaml"]
balancer:
  strategy: "adaptive"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Balancer.Strategy != "adaptive" {
		t.Errorf("Strategy = %q, want adaptive", cfg.Balancer.Strategy)
	}
}

func TestIncludesCircular(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "a.yaml", `includes: ["b.yaml"]`)
	writeConfigFile(t, dir, "b.yaml", `includes: ["a.yaml"]`)
	path := writeConfigFile(t, dir, "config.yaml", `includes: ["a.yaml"]`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "circular") {
		t.Fatalf("expected circular include error, got %v", err)
	}
}

func TestIncludesPathTraversal(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `includes: ["../outside.yaml"]`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "escapes") {
		t.Fatalf("expected traversal error, got %v", err)
	}
}

func TestIncludesMissingLiteralFile(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), "config.yaml", `includes: ["nope.yaml"]`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing include")
	}
}

func TestIncludesEmptyGlobIsFine(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), "config.yaml", `includes: ["conf.d/*.yaml"]`)
	if _, err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
}
