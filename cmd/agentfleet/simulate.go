package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"agentfleet/internal/domain"
	"agentfleet/internal/usecase/orchestrator"
)

// simulateOptions controls the synthetic workload.
type simulateOptions struct {
	Tasks       int
	Workers     int
	FailureRate float64
	Seed        uint64
}

func defaultSimulateOptions() simulateOptions {
	return simulateOptions{Tasks: 200, Workers: 4, FailureRate: 0.1, Seed: 1}
}

// parseSimulateFlags reads --tasks, --workers, --failure-rate and --seed.
func parseSimulateFlags(args []string) (simulateOptions, error) {
	opts := defaultSimulateOptions()
	value := func(i int, name string) (string, int, error) {
		if v, ok := strings.CutPrefix(args[i], name+"="); ok {
			return v, i, nil
		}
		if i+1 >= len(args) {
			return "", i, fmt.Errorf("%s needs a value", name)
		}
		return args[i+1], i + 1, nil
	}
	for i := 0; i < len(args); i++ {
		name, _, _ := strings.Cut(args[i], "=")
		var (
			raw string
			err error
		)
		switch name {
		case "--tasks", "--workers", "--failure-rate", "--seed":
			raw, i, err = value(i, name)
			if err != nil {
				return opts, err
			}
		case "--config":
			_, i, _ = value(i, name)
			continue
		default:
			return opts, fmt.Errorf("unknown flag %q", args[i])
		}

		switch name {
		case "--tasks":
			opts.Tasks, err = strconv.Atoi(raw)
		case "--workers":
			opts.Workers, err = strconv.Atoi(raw)
		case "--failure-rate":
			opts.FailureRate, err = strconv.ParseFloat(raw, 64)
		case "--seed":
			opts.Seed, err = strconv.ParseUint(raw, 10, 64)
		}
		if err != nil {
			return opts, fmt.Errorf("%s: %w", name, err)
		}
	}
	if opts.Tasks <= 0 || opts.Workers <= 0 {
		return opts, fmt.Errorf("--tasks and --workers must be positive")
	}
	if opts.FailureRate < 0 || opts.FailureRate > 1 {
		return opts, fmt.Errorf("--failure-rate must be within [0,1]")
	}
	return opts, nil
}

// simulateReport counts what happened to the submitted tasks.
type simulateReport struct {
	Submitted int64 `json:"submitted"`
	Assigned  int64 `json:"assigned"`
	Queued    int64 `json:"queued"`
	Rejected  int64 `json:"rejected"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Drained   int64 `json:"drained"`
}

type simulateCounters struct {
	submitted, assigned, queued, rejected, completed, failed, drained atomic.Int64
}

func (c *simulateCounters) report() simulateReport {
	return simulateReport{
		Submitted: c.submitted.Load(),
		Assigned:  c.assigned.Load(),
		Queued:    c.queued.Load(),
		Rejected:  c.rejected.Load(),
		Completed: c.completed.Load(),
		Failed:    c.failed.Load(),
		Drained:   c.drained.Load(),
	}
}

// simulate submits opts.Tasks capability-only tasks from opts.Workers
// goroutines. Every assignment is completed straight away with a random
// outcome, and so is any queued task the completion hands over.
func simulate(ctx context.Context, orch *orchestrator.Orchestrator, opts simulateOptions) (simulateReport, error) {
	types := orch.Registry().All()
	if len(types) == 0 {
		return simulateReport{}, fmt.Errorf("no agent types registered")
	}

	var (
		c    simulateCounters
		next atomic.Int64
	)
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < opts.Workers; w++ {
		rng := rand.New(rand.NewPCG(opts.Seed, uint64(w)))
		g.Go(func() error {
			for next.Add(1) <= int64(opts.Tasks) {
				if err := ctx.Err(); err != nil {
					return err
				}
				def := types[rng.IntN(len(types))]
				task := domain.Task{
					Priority:     domain.Priorities[rng.IntN(len(domain.Priorities))],
					Requirements: randomRequirement(rng, def),
				}
				c.submitted.Add(1)
				res := orch.AssignTask(ctx, task, orchestrator.AssignOptions{})
				switch {
				case !res.Success:
					c.rejected.Add(1)
					continue
				case res.Queued:
					c.queued.Add(1)
					continue
				}
				c.assigned.Add(1)

				pending := []string{res.AgentID}
				for len(pending) > 0 {
					agentID := pending[0]
					pending = pending[1:]
					ok := rng.Float64() >= opts.FailureRate
					done := orch.CompleteTask(ctx, agentID, ok, randomMetrics(rng, ok))
					if !done.Success {
						continue
					}
					if ok {
						c.completed.Add(1)
					} else {
						c.failed.Add(1)
					}
					for _, d := range done.Drained {
						c.drained.Add(1)
						pending = append(pending, d.AgentID)
					}
				}
			}
			return nil
		})
	}
	err := g.Wait()
	return c.report(), err
}

// randomRequirement asks for one or two of def's capabilities.
func randomRequirement(rng *rand.Rand, def domain.AgentTypeDefinition) domain.TaskRequirement {
	caps := def.Capabilities
	req := domain.TaskRequirement{Category: def.Category}
	if len(caps) == 0 {
		return req
	}
	req.RequiredCapabilities = []string{caps[rng.IntN(len(caps))]}
	if len(caps) > 1 && rng.IntN(2) == 0 {
		req.PreferredCapabilities = []string{caps[rng.IntN(len(caps))]}
	}
	return req
}

func randomMetrics(rng *rand.Rand, ok bool) domain.TaskMetrics {
	m := domain.TaskMetrics{
		ResponseTime: time.Duration(50+rng.ExpFloat64()*400) * time.Millisecond,
		MemoryUsage:  200 + rng.Float64()*600,
		CPUUsage:     rng.Float64() * 100,
	}
	if !ok {
		m.Error = "simulated failure"
		m.TimedOut = rng.IntN(3) == 0
	}
	return m
}

func runSimulate(args []string) error {
	opts, err := parseSimulateFlags(args)
	if err != nil {
		return err
	}
	ctx := context.Background()
	e, err := setup(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	if len(e.orch.GetAllAgents(orchestrator.AgentFilter{})) == 0 {
		for _, def := range e.orch.Registry().All() {
			if _, err := e.orch.CreateAgent(ctx, def.ID, orchestrator.CreateOptions{}); err != nil {
				return err
			}
		}
	}

	started := time.Now()
	report, err := simulate(ctx, e.orch, opts)
	if err != nil {
		return err
	}
	cycle := e.orch.RunOptimizationCycle(ctx)
	e.log.Info("simulation finished",
		"tasks", opts.Tasks,
		"elapsed", time.Since(started),
		"auto_actions", len(cycle.Applied),
		"flagged", len(cycle.Flagged))

	out := struct {
		Report     simulateReport                `json:"report"`
		Statistics orchestrator.SystemStatistics `json:"statistics"`
		Cycle      orchestrator.CycleReport      `json:"cycle"`
	}{report, e.orch.GetSystemStatistics(), cycle}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
