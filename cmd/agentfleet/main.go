package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"agentfleet/internal/domain"
	"agentfleet/internal/infra/config"
	"agentfleet/internal/infra/logger"
	"agentfleet/internal/infra/tracer"
	"agentfleet/internal/usecase/balancer"
	"agentfleet/internal/usecase/eventbus"
	"agentfleet/internal/usecase/matcher"
	"agentfleet/internal/usecase/optimizer"
	"agentfleet/internal/usecase/orchestrator"
	"agentfleet/internal/usecase/registry"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	// A missing .env is fine.
	_ = godotenv.Load()

	command := "run"
	if len(os.Args) >= 2 && !strings.HasPrefix(os.Args[1], "-") {
		command = os.Args[1]
	}

	var err error
	switch command {
	case "run":
		err = run()
	case "simulate":
		err = runSimulate(os.Args[2:])
	case "catalog":
		err = runCatalog()
	case "export":
		err = runExport()
	case "import":
		err = runImport(os.Args[2:])
	case "doctor":
		err = runDoctor()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'agentfleet --help' for usage information.\n", command)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`agentfleet - agent matching, load balancing and self-tuning engine

USAGE:
    agentfleet [COMMAND] [FLAGS]

COMMANDS:
    run         Start the engine with the configured agents (default)
    simulate    Drive a synthetic workload and print statistics
                Flags: --tasks N, --workers N, --failure-rate F, --seed N
    catalog     List registered agent types
    export      Print the fleet configuration as YAML
    import      Apply a fleet configuration file, then export the result
    doctor      Check config, catalog and agent pools

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./agentfleet.yaml)

CONFIGURATION:
    Config file: ./agentfleet.yaml
    Environment: AGENTFLEET_* variables override config (.env is loaded first)

EXAMPLES:
    agentfleet                                   # Run with agentfleet.yaml
    agentfleet --config /etc/agentfleet.yaml     # Run with custom config
    AGENTFLEET_AGENTS=backend-developer=3 agentfleet simulate --tasks 500`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("AGENTFLEET_CONFIG"); p != "" {
		return p
	}
	return "agentfleet.yaml"
}

// engine bundles everything a command needs.
type engine struct {
	cfg   *config.Config
	log   *slog.Logger
	bus   *eventbus.Bus
	orch  *orchestrator.Orchestrator
	close func()
}

// setup loads config and builds the engine. close must be called once.
func setup(ctx context.Context) (*engine, error) {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		_ = logCloser()
		return nil, fmt.Errorf("tracer: %w", err)
	}

	// 3. Event bus
	bus := eventbus.New(log.With("component", "eventbus"))

	// 4. Registry
	reg := registry.New(log.With("component", "registry"))
	loaded := reg.LoadCatalog(cfg.Registry.CatalogPath)
	if loaded.Fallback != nil {
		log.Warn("using built-in agent types", "error", loaded.Fallback)
	}

	// 5. Orchestrator
	orch, err := orchestrator.New(reg, engineOptions(cfg, bus, log))
	if err != nil {
		bus.Close()
		_ = tracerShutdown(ctx)
		_ = logCloser()
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	e := &engine{cfg: cfg, log: log, bus: bus, orch: orch}
	e.close = func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := orch.Shutdown(shutdownCtx); err != nil {
			log.Error("orchestrator shutdown error", "error", err)
		}
		bus.Close()
		if err := tracerShutdown(shutdownCtx); err != nil {
			log.Error("tracer shutdown error", "error", err)
		}
		_ = logCloser()
	}

	// 6. Configured agent pools
	if err := createPools(ctx, orch, cfg.Agents); err != nil {
		e.close()
		return nil, err
	}
	return e, nil
}

// engineOptions maps the file config onto the orchestrator's component configs.
func engineOptions(cfg *config.Config, bus domain.EventBus, log *slog.Logger) orchestrator.Options {
	oc := cfg.Orchestrator
	return orchestrator.Options{
		Config: orchestrator.Config{
			AutoOptimize:         oc.AutoOptimize,
			OptimizationInterval: oc.OptimizationInterval,
			MinSuccessRate:       oc.MinSuccessRate,
			RebalanceUtilization: oc.RebalanceUtilization,
			RebalanceCount:       oc.RebalanceCount,
			MaxAutoActionsPerMin: oc.MaxAutoActionsPerMin,
			TaskHistoryLimit:     oc.TaskHistoryLimit,
			DefaultMemoryLimitMB: oc.DefaultMemoryLimitMB,
			PreferredBoost:       oc.PreferredBoost,
			RecordMatchHistory:   oc.RecordMatchHistory,
			DefaultMatchStrategy: oc.DefaultMatchStrategy,
		},
		Matcher: matcher.Config{
			DefaultStrategy: cfg.Matcher.DefaultStrategy,
			CacheTTL:        cfg.Matcher.CacheTTL,
			CacheSize:       cfg.Matcher.CacheSize,
			HistorySize:     cfg.Matcher.HistorySize,
		},
		Balancer: balancer.Config{
			Strategy:              cfg.Balancer.Strategy,
			BackpressureThreshold: cfg.Balancer.BackpressureThreshold,
			MaxInstanceLoad:       cfg.Balancer.MaxInstanceLoad,
			BreakerMaxFailures:    cfg.Balancer.BreakerMaxFailures,
			BreakerTimeout:        cfg.Balancer.BreakerTimeout,
			RebalanceHighLoad:     cfg.Balancer.RebalanceHighLoad,
			RebalanceLowLoad:      cfg.Balancer.RebalanceLowLoad,
			RebalanceMinGap:       cfg.Balancer.RebalanceMinGap,
			AdaptiveVariance:      cfg.Balancer.AdaptiveVariance,
			MaxQueueDepth:         cfg.Balancer.MaxQueueDepth,
		},
		Optimizer: optimizer.Config{
			BufferSize:           cfg.Optimizer.BufferSize,
			StatsWindow:          cfg.Optimizer.StatsWindow,
			MinSamples:           cfg.Optimizer.MinSamples,
			AnomalyWindow:        cfg.Optimizer.AnomalyWindow,
			HistoryLimit:         cfg.Optimizer.HistoryLimit,
			BenchmarkConcurrency: cfg.Optimizer.BenchmarkConcurrency,
		},
		Bus:    bus,
		Logger: log,
	}
}

func createPools(ctx context.Context, orch *orchestrator.Orchestrator, pools []config.AgentPoolConfig) error {
	for _, p := range pools {
		for i := 0; i < p.Count; i++ {
			if _, err := orch.CreateAgent(ctx, p.Type, orchestrator.CreateOptions{}); err != nil {
				return fmt.Errorf("agent pool %s: %w", p.Type, err)
			}
		}
	}
	return nil
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	e, err := setup(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	unsubscribe := e.bus.SubscribeAll(func(_ context.Context, ev domain.Event) {
		e.log.Debug("event", "type", ev.Type, "agent_id", ev.AgentID, "task_id", ev.TaskID)
	})
	defer unsubscribe()

	if err := e.orch.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	next, _ := e.orch.NextCycle()
	e.log.Info("agentfleet starting",
		"agent_types", e.orch.Registry().Len(),
		"agents", len(e.orch.GetAllAgents(orchestrator.AgentFilter{})),
		"auto_optimize", e.cfg.Orchestrator.AutoOptimize,
		"next_cycle", next,
	)

	<-ctx.Done()
	e.log.Info("agentfleet stopping")
	return nil
}

func runCatalog() error {
	e, err := setup(context.Background())
	if err != nil {
		return err
	}
	defer e.close()

	for _, def := range e.orch.Registry().All() {
		fmt.Printf("%-22s %-14s %s\n", def.ID, def.Category, strings.Join(def.Capabilities, ", "))
	}
	return nil
}

func runExport() error {
	e, err := setup(context.Background())
	if err != nil {
		return err
	}
	defer e.close()

	out, err := e.orch.ExportConfiguration()
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}

func runImport(args []string) error {
	var path string
	for i := 0; i < len(args); i++ {
		if args[i] == "--config" {
			i++
			continue
		}
		if !strings.HasPrefix(args[i], "-") {
			path = args[i]
			break
		}
	}
	if path == "" {
		return fmt.Errorf("usage: agentfleet import <file.yaml>")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	ctx := context.Background()
	e, err := setup(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	res, err := e.orch.ImportConfiguration(ctx, data)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "imported %d agent types, created %d agents, skipped %d\n",
		res.TypesRegistered, len(res.Created), len(res.Skipped))
	out, err := e.orch.ExportConfiguration()
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}
