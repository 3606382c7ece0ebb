package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"agentfleet/internal/infra/config"
	"agentfleet/internal/usecase/registry"
	"agentfleet/internal/usecase/scheduling"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// runDoctor executes all health checks and reports results.
func runDoctor() error {
	cfgPath := configPath()

	// Try to load config; some checks work without it.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Agent catalog", Fn: checkCatalog},
		{Name: "Agent pools", Fn: checkAgentPools},
		{Name: "Log output", Fn: checkLogOutput},
		{Name: "Optimization cycle", Fn: checkOptimizationCycle},
	}

	fmt.Println("agentfleet doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile reports whether the config file exists and parses. A
// missing file is only a warning because the defaults are usable.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check the YAML syntax and the values listed above",
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
				Fix:     "Pass --config or set AGENTFLEET_CONFIG",
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// catalogTypes returns the agent type ids the config resolves to, falling back
// to the built-in catalog the same way the registry does.
func catalogTypes(cfg *config.Config) (map[string]bool, error) {
	defs := registry.Builtin()
	var loadErr error
	if cfg != nil && cfg.Registry.CatalogPath != "" {
		if fromFile, err := registry.ReadCatalog(cfg.Registry.CatalogPath); err != nil {
			loadErr = err
		} else {
			defs = fromFile
		}
	}
	ids := make(map[string]bool, len(defs))
	for _, d := range defs {
		ids[d.ID] = true
	}
	return ids, loadErr
}

func checkCatalog(cfg *config.Config) CheckResult {
	ids, err := catalogTypes(cfg)
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("catalog unusable, built-in types will be used: %v", err),
			Fix:     "Fix registry.catalog_path or remove it",
		}
	}
	source := "built-in"
	if cfg != nil && cfg.Registry.CatalogPath != "" {
		source = cfg.Registry.CatalogPath
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d agent types from %s", len(ids), source),
	}
}

func checkAgentPools(cfg *config.Config) CheckResult {
	if cfg == nil || len(cfg.Agents) == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no agents configured; tasks will queue until agents are created",
			Fix:     "Add an agents section or set AGENTFLEET_AGENTS=type=count",
		}
	}
	ids, _ := catalogTypes(cfg)
	var unknown []string
	total := 0
	for _, p := range cfg.Agents {
		if !ids[p.Type] {
			unknown = append(unknown, p.Type)
		}
		total += p.Count
	}
	if len(unknown) > 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("unknown agent types: %s", strings.Join(unknown, ", ")),
			Fix:     "Run 'agentfleet catalog' to list the registered types",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d agents across %d pools", total, len(cfg.Agents)),
	}
}

func checkLogOutput(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusWarn, Message: "config not loaded, skipped"}
	}
	out := cfg.Logger.Output
	switch out {
	case "", "stdout", "stderr":
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("logging to %s", orDefault(out, "stderr"))}
	}
	dir := filepath.Dir(out)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("log directory %s does not exist", dir),
			Fix:     "Create the directory or change logger.output",
		}
	}
	return CheckResult{
		Status: StatusPass,
		Message: fmt.Sprintf("logging to %s (rotate at %d MB, keep %d)",
			out, cfg.Logger.MaxSizeMB, cfg.Logger.MaxBackups),
	}
}

func checkOptimizationCycle(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusWarn, Message: "config not loaded, skipped"}
	}
	if !cfg.Orchestrator.AutoOptimize {
		return CheckResult{
			Status:  StatusWarn,
			Message: "auto-optimization disabled; agents are never remediated automatically",
		}
	}
	schedule, err := scheduling.ParseSchedule(cfg.Orchestrator.OptimizationInterval)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: err.Error(),
			Fix:     "Use a duration such as 5m or a cron expression",
		}
	}
	next := schedule.Next(time.Now())
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("every %s, next run %s", cfg.Orchestrator.OptimizationInterval, next.Format(time.RFC3339)),
	}
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
