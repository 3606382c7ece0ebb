package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level engine configuration.
type Config struct {
	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
	Registry     RegistryConfig     `yaml:"registry"`
	Matcher      MatcherConfig      `yaml:"matcher"`
	Balancer     BalancerConfig     `yaml:"balancer"`
	Optimizer    OptimizerConfig    `yaml:"optimizer"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Agents       []AgentPoolConfig  `yaml:"agents,omitempty"`
	Includes     []string           `yaml:"includes,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"` // "stdout", "stderr" or a file path

	// Rotation applies only when Output is a file path.
	MaxSizeMB  int `yaml:"max_size_mb"`
	MaxBackups int `yaml:"max_backups"`
	MaxAgeDays int `yaml:"max_age_days"`
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// RegistryConfig controls where agent type definitions come from.
type RegistryConfig struct {
	CatalogPath string `yaml:"catalog_path"` // empty = built-in catalog
}

// MatcherConfig holds capability-matching settings.
type MatcherConfig struct {
	DefaultStrategy string        `yaml:"default_strategy"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	CacheSize       int           `yaml:"cache_size"`
	HistorySize     int           `yaml:"history_size"`
}

// BalancerConfig holds load-balancing, circuit breaker and backpressure settings.
type BalancerConfig struct {
	Strategy              string        `yaml:"strategy"`
	BackpressureThreshold float64       `yaml:"backpressure_threshold"`
	MaxInstanceLoad       float64       `yaml:"max_instance_load"` // percent
	BreakerMaxFailures    uint32        `yaml:"breaker_max_failures"`
	BreakerTimeout        time.Duration `yaml:"breaker_timeout"`
	RebalanceHighLoad     float64       `yaml:"rebalance_high_load"` // percent
	RebalanceLowLoad      float64       `yaml:"rebalance_low_load"`  // percent
	RebalanceMinGap       float64       `yaml:"rebalance_min_gap"`   // percent
	AdaptiveVariance      float64       `yaml:"adaptive_variance"`
	MaxQueueDepth         int           `yaml:"max_queue_depth"` // 0 = unbounded
}

// OptimizerConfig holds performance-tracking settings.
type OptimizerConfig struct {
	BufferSize           int `yaml:"buffer_size"`
	StatsWindow          int `yaml:"stats_window"`
	MinSamples           int `yaml:"min_samples"`
	AnomalyWindow        int `yaml:"anomaly_window"`
	HistoryLimit         int `yaml:"history_limit"`
	BenchmarkConcurrency int `yaml:"benchmark_concurrency"`
}

// OrchestratorConfig holds lifecycle and self-tuning settings.
type OrchestratorConfig struct {
	AutoOptimize         bool    `yaml:"auto_optimize"`
	OptimizationInterval string  `yaml:"optimization_interval"` // cron expression or duration
	MinSuccessRate       float64 `yaml:"min_success_rate"`
	RebalanceUtilization float64 `yaml:"rebalance_utilization"`
	RebalanceCount       int     `yaml:"rebalance_count"`
	MaxAutoActionsPerMin int     `yaml:"max_auto_actions_per_min"`
	TaskHistoryLimit     int     `yaml:"task_history_limit"`
	DefaultMemoryLimitMB float64 `yaml:"default_memory_limit_mb"`
	PreferredBoost       float64 `yaml:"preferred_boost"`
	RecordMatchHistory   bool    `yaml:"record_match_history"`
	DefaultMatchStrategy string  `yaml:"default_match_strategy"`
}

// AgentPoolConfig describes instances created at startup.
type AgentPoolConfig struct {
	Type  string `yaml:"type"`
	Count int    `yaml:"count"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Matcher: MatcherConfig{
			DefaultStrategy: "balanced",
			CacheTTL:        60 * time.Second,
			CacheSize:       100,
			HistorySize:     1000,
		},
		Balancer: BalancerConfig{
			Strategy:              "round-robin",
			BackpressureThreshold: 0.8,
			MaxInstanceLoad:       90,
			BreakerMaxFailures:    3,
			BreakerTimeout:        60 * time.Second,
			RebalanceHighLoad:     70,
			RebalanceLowLoad:      40,
			RebalanceMinGap:       30,
			AdaptiveVariance:      0.3,
			MaxQueueDepth:         1000,
		},
		Optimizer: OptimizerConfig{
			BufferSize:           1000,
			StatsWindow:          100,
			MinSamples:           5,
			AnomalyWindow:        10,
			HistoryLimit:         1000,
			BenchmarkConcurrency: 1,
		},
		Orchestrator: OrchestratorConfig{
			AutoOptimize:         true,
			OptimizationInterval: "5m",
			MinSuccessRate:       0.5,
			RebalanceUtilization: 0.8,
			RebalanceCount:       5,
			MaxAutoActionsPerMin: 30,
			TaskHistoryLimit:     1000,
			DefaultMemoryLimitMB: 1024,
			PreferredBoost:       1.1,
			RecordMatchHistory:   true,
			DefaultMatchStrategy: "balanced",
		},
	}
}

// Load reads a YAML config file and applies env var overrides.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		own := cfg.Agents
		cfg.Agents = nil
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}
		included := cfg.Agents

		// Second pass: the main file takes precedence over included sections.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Agents = mergePools(included, own)
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps AGENTFLEET_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTFLEET_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("AGENTFLEET_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("AGENTFLEET_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("AGENTFLEET_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("AGENTFLEET_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("AGENTFLEET_REGISTRY_CATALOG_PATH"); v != "" {
		cfg.Registry.CatalogPath = v
	}
	if v := os.Getenv("AGENTFLEET_MATCHER_STRATEGY"); v != "" {
		cfg.Matcher.DefaultStrategy = v
		cfg.Orchestrator.DefaultMatchStrategy = v
	}
	if v := os.Getenv("AGENTFLEET_BALANCER_STRATEGY"); v != "" {
		cfg.Balancer.Strategy = v
	}
	if v := os.Getenv("AGENTFLEET_BALANCER_BACKPRESSURE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Balancer.BackpressureThreshold = f
		}
	}
	if v := os.Getenv("AGENTFLEET_BALANCER_BREAKER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Balancer.BreakerTimeout = d
		}
	}
	if v := os.Getenv("AGENTFLEET_ORCHESTRATOR_AUTO_OPTIMIZE"); v != "" {
		cfg.Orchestrator.AutoOptimize = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("AGENTFLEET_ORCHESTRATOR_INTERVAL"); v != "" {
		cfg.Orchestrator.OptimizationInterval = v
	}
	if v := os.Getenv("AGENTFLEET_AGENTS"); v != "" {
		// Format: "type=count,type=count"
		if pools := parsePools(v); len(pools) > 0 {
			cfg.Agents = pools
		}
	}
}

// parsePools parses "backend-developer=2,qa-engineer=1".
func parsePools(s string) []AgentPoolConfig {
	var pools []AgentPoolConfig
	for _, part := range splitAndTrim(s, ",") {
		typ, countStr, found := strings.Cut(part, "=")
		count := 1
		if found {
			n, err := strconv.Atoi(strings.TrimSpace(countStr))
			if err != nil || n <= 0 {
				continue
			}
			count = n
		}
		typ = strings.TrimSpace(typ)
		if typ == "" {
			continue
		}
		pools = append(pools, AgentPoolConfig{Type: typ, Count: count})
	}
	return pools
}

// mergePools concatenates pool lists, summing counts for repeated types while
// preserving first-seen order.
func mergePools(lists ...[]AgentPoolConfig) []AgentPoolConfig {
	index := make(map[string]int)
	var out []AgentPoolConfig
	for _, list := range lists {
		for _, p := range list {
			if i, ok := index[p.Type]; ok {
				out[i].Count += p.Count
				continue
			}
			index[p.Type] = len(out)
			out = append(out, p)
		}
	}
	return out
}

func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validatePermissions checks the config file is not writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
