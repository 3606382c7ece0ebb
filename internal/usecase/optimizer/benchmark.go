package optimizer

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"agentfleet/internal/domain"
)

// BenchmarkTest is one case of a benchmark suite. Run returns nil on success.
type BenchmarkTest struct {
	Name string
	Run  func(ctx context.Context) error
}

// BenchmarkCase is the outcome of one test.
type BenchmarkCase struct {
	Name     string        `json:"name"`
	Passed   bool          `json:"passed"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// BenchmarkResult aggregates a suite run for an agent type.
type BenchmarkResult struct {
	AgentType       string          `json:"agent_type"`
	Tests           int             `json:"tests"`
	Passed          int             `json:"passed"`
	SuccessRate     float64         `json:"success_rate"`
	AverageDuration time.Duration   `json:"average_duration"`
	Cases           []BenchmarkCase `json:"cases"`
	StartedAt       time.Time       `json:"started_at"`
	FinishedAt      time.Time       `json:"finished_at"`
}

// RunBenchmark executes the suite and stores the result as the latest
// benchmark for agentType. Tests run sequentially unless the configured
// concurrency is above one. A cancelled context marks unstarted tests failed.
func (o *Optimizer) RunBenchmark(ctx context.Context, agentType string, suite []BenchmarkTest) (BenchmarkResult, error) {
	const op = "optimizer.RunBenchmark"
	if agentType == "" {
		return BenchmarkResult{}, domain.NewSubSystemError(subsystem, op, domain.ErrInvalidInput, "agent type is required")
	}
	if len(suite) == 0 {
		return BenchmarkResult{}, domain.NewSubSystemError(subsystem, op, domain.ErrInvalidInput, "benchmark suite is empty")
	}

	res := BenchmarkResult{
		AgentType: agentType,
		Tests:     len(suite),
		Cases:     make([]BenchmarkCase, len(suite)),
		StartedAt: time.Now(),
	}

	var g errgroup.Group
	g.SetLimit(o.cfg.BenchmarkConcurrency)
	for i, test := range suite {
		g.Go(func() error {
			res.Cases[i] = runCase(ctx, test)
			return nil
		})
	}
	_ = g.Wait()

	var total time.Duration
	for _, c := range res.Cases {
		if c.Passed {
			res.Passed++
		}
		total += c.Duration
	}
	res.SuccessRate = float64(res.Passed) / float64(res.Tests)
	res.AverageDuration = total / time.Duration(res.Tests)
	res.FinishedAt = time.Now()

	o.mu.Lock()
	o.benchmarks[agentType] = res
	o.mu.Unlock()

	o.logger.Info("benchmark complete", "type", agentType, "tests", res.Tests, "passed", res.Passed, "avg", res.AverageDuration)
	return res, nil
}

func runCase(ctx context.Context, test BenchmarkTest) (c BenchmarkCase) {
	c.Name = test.Name
	if err := ctx.Err(); err != nil {
		c.Error = err.Error()
		return c
	}
	if test.Run == nil {
		c.Error = "test has no run function"
		return c
	}
	start := time.Now()
	defer func() {
		c.Duration = time.Since(start)
		if r := recover(); r != nil {
			c.Passed = false
			c.Error = fmt.Sprintf("panic: %v", r)
		}
	}()
	if err := test.Run(ctx); err != nil {
		c.Error = err.Error()
		return c
	}
	c.Passed = true
	return c
}

// Benchmark returns the latest benchmark stored for agentType.
func (o *Optimizer) Benchmark(agentType string) (BenchmarkResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	res, ok := o.benchmarks[agentType]
	return res, ok
}
