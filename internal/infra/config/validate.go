package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateMatcher(cfg, ve)
	validateBalancer(cfg, ve)
	validateOptimizer(cfg, ve)
	validateOrchestrator(cfg, ve)
	validateAgents(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
var validLogFormats = map[string]bool{"text": true, "json": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	if !validLogFormats[cfg.Logger.Format] {
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
	if cfg.Logger.MaxSizeMB < 0 || cfg.Logger.MaxBackups < 0 || cfg.Logger.MaxAgeDays < 0 {
		ve.Add("logger rotation settings must be >= 0")
	}
}

var validExporters = map[string]bool{"noop": true, "stdout": true}

func validateTracer(cfg *Config, ve *ValidationError) {
	if cfg.Tracer.Enabled && !validExporters[cfg.Tracer.Exporter] {
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
}

// ValidMatchStrategies are the weight profiles the matcher understands.
var ValidMatchStrategies = map[string]bool{
	"balanced":    true,
	"performance": true,
	"speed":       true,
	"accuracy":    true,
}

// ValidBalanceStrategies are the load-balancing strategies the balancer understands.
var ValidBalanceStrategies = map[string]bool{
	"round-robin":          true,
	"least-connections":    true,
	"weighted":             true,
	"weighted-round-robin": true,
	"least-response-time":  true,
	"random":               true,
	"consistent-hashing":   true,
	"adaptive":             true,
}

func validateMatcher(cfg *Config, ve *ValidationError) {
	m := cfg.Matcher
	if !ValidMatchStrategies[m.DefaultStrategy] {
		ve.Add("matcher.default_strategy %q is invalid (want: balanced, performance, speed, accuracy)", m.DefaultStrategy)
	}
	if m.CacheTTL <= 0 {
		ve.Add("matcher.cache_ttl must be > 0")
	}
	if m.CacheSize <= 0 {
		ve.Add("matcher.cache_size must be > 0")
	}
	if m.HistorySize <= 0 {
		ve.Add("matcher.history_size must be > 0")
	}
}

func validateBalancer(cfg *Config, ve *ValidationError) {
	b := cfg.Balancer
	if !ValidBalanceStrategies[b.Strategy] {
		ve.Add("balancer.strategy %q is invalid", b.Strategy)
	}
	if b.BackpressureThreshold <= 0 || b.BackpressureThreshold > 1 {
		ve.Add("balancer.backpressure_threshold must be in (0, 1]")
	}
	if b.MaxInstanceLoad <= 0 || b.MaxInstanceLoad > 100 {
		ve.Add("balancer.max_instance_load must be in (0, 100]")
	}
	if b.BreakerMaxFailures == 0 {
		ve.Add("balancer.breaker_max_failures must be > 0")
	}
	if b.BreakerTimeout <= 0 {
		ve.Add("balancer.breaker_timeout must be > 0")
	}
	if b.RebalanceLowLoad >= b.RebalanceHighLoad {
		ve.Add("balancer.rebalance_low_load (%.0f) must be below rebalance_high_load (%.0f)", b.RebalanceLowLoad, b.RebalanceHighLoad)
	}
	if b.RebalanceMinGap < 0 {
		ve.Add("balancer.rebalance_min_gap must be >= 0")
	}
	if b.AdaptiveVariance <= 0 {
		ve.Add("balancer.adaptive_variance must be > 0")
	}
	if b.MaxQueueDepth < 0 {
		ve.Add("balancer.max_queue_depth must be >= 0")
	}
}

func validateOptimizer(cfg *Config, ve *ValidationError) {
	o := cfg.Optimizer
	if o.BufferSize <= 0 {
		ve.Add("optimizer.buffer_size must be > 0")
	}
	if o.StatsWindow <= 0 || o.StatsWindow > o.BufferSize {
		ve.Add("optimizer.stats_window must be in (0, buffer_size]")
	}
	if o.MinSamples <= 0 {
		ve.Add("optimizer.min_samples must be > 0")
	}
	if o.AnomalyWindow <= 0 {
		ve.Add("optimizer.anomaly_window must be > 0")
	}
	if o.HistoryLimit <= 0 {
		ve.Add("optimizer.history_limit must be > 0")
	}
	if o.BenchmarkConcurrency <= 0 {
		ve.Add("optimizer.benchmark_concurrency must be > 0")
	}
}

func validateOrchestrator(cfg *Config, ve *ValidationError) {
	o := cfg.Orchestrator
	if err := validateSchedule(o.OptimizationInterval); err != nil {
		ve.Add("orchestrator.optimization_interval: %v", err)
	}
	if o.MinSuccessRate < 0 || o.MinSuccessRate > 1 {
		ve.Add("orchestrator.min_success_rate must be in [0, 1]")
	}
	if o.RebalanceUtilization <= 0 || o.RebalanceUtilization > 1 {
		ve.Add("orchestrator.rebalance_utilization must be in (0, 1]")
	}
	if o.RebalanceCount <= 0 {
		ve.Add("orchestrator.rebalance_count must be > 0")
	}
	if o.MaxAutoActionsPerMin <= 0 {
		ve.Add("orchestrator.max_auto_actions_per_min must be > 0")
	}
	if o.TaskHistoryLimit <= 0 {
		ve.Add("orchestrator.task_history_limit must be > 0")
	}
	if o.DefaultMemoryLimitMB <= 0 {
		ve.Add("orchestrator.default_memory_limit_mb must be > 0")
	}
	if o.PreferredBoost < 1 {
		ve.Add("orchestrator.preferred_boost must be >= 1")
	}
	if !ValidMatchStrategies[o.DefaultMatchStrategy] {
		ve.Add("orchestrator.default_match_strategy %q is invalid", o.DefaultMatchStrategy)
	}
}

// validateSchedule accepts a positive Go duration or a standard cron expression.
func validateSchedule(s string) error {
	if s == "" {
		return fmt.Errorf("must not be empty")
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return fmt.Errorf("duration %q must be positive", s)
		}
		return nil
	}
	if _, err := cron.ParseStandard(s); err != nil {
		return fmt.Errorf("%q is neither a duration nor a cron expression", s)
	}
	return nil
}

func validateAgents(cfg *Config, ve *ValidationError) {
	for i, p := range cfg.Agents {
		if strings.TrimSpace(p.Type) == "" {
			ve.Add("agents[%d].type must not be empty", i)
		}
		if p.Count <= 0 {
			ve.Add("agents[%d].count must be > 0", i)
		}
	}
}
