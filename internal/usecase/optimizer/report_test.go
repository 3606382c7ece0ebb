package optimizer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfleet/internal/domain"
)

func TestPerformanceReport(t *testing.T) {
	o := New(DefaultConfig(), nil, nil)
	ctx := context.Background()
	for i := 1; i <= 10; i++ {
		s := sample(1, time.Duration(i)*100*time.Millisecond, 200)
		if i == 10 {
			s.SuccessRate = 0
			s.TimedOut = true
			s.MemoryUsage = 260
		}
		o.TrackPerformance(ctx, "a1", s)
	}

	r, err := o.GetPerformanceReport("a1", 0)
	require.NoError(t, err)
	assert.Equal(t, 10, r.Samples)
	assert.Equal(t, 9, r.Successes)
	assert.Equal(t, 1, r.Failures)
	assert.Equal(t, 1, r.Timeouts)
	assert.InDelta(t, 0.9, r.SuccessRate, 1e-9)
	assert.Equal(t, 5500*time.Millisecond, r.TotalResponseTime)
	assert.Equal(t, 550*time.Millisecond, r.AvgResponseTime)
	assert.Equal(t, time.Second, r.MaxResponseTime)
	assert.InDelta(t, 260, r.PeakMemory, 1e-9)
	assert.InDelta(t, 206, r.AvgMemory, 1e-9)
	assert.InDelta(t, 40, r.PeakCPU, 1e-9)

	rt := r.Trends[MetricResponseTime]
	assert.Equal(t, TrendIncreasing, rt.Direction)
	assert.InDelta(t, 1, rt.Confidence, 1e-9)
	assert.Equal(t, TrendStable, r.Trends[MetricCPU].Direction)

	windowed, err := o.GetPerformanceReport("a1", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, windowed.Samples)
	assert.Equal(t, 900*time.Millisecond, windowed.AvgResponseTime)
}

func TestPerformanceReportErrors(t *testing.T) {
	o := New(DefaultConfig(), nil, nil)
	_, err := o.GetPerformanceReport("ghost", 0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.CodeAgentNotFound, domain.ErrorCodeOf(err))

	o.ApplyOptimization(context.Background(), "a1", "cleanup", nil)
	_, err = o.GetPerformanceReport("a1", 0)
	assert.ErrorIs(t, err, domain.ErrInsufficientData)
}

func TestClassifyTrend(t *testing.T) {
	assert.Equal(t, TrendStable, classifyTrend([]float64{1, 2}).Direction)
	assert.Equal(t, TrendStable, classifyTrend([]float64{0, 0, 0, 0}).Direction)
	assert.Equal(t, TrendDecreasing, classifyTrend([]float64{10, 8, 6, 4}).Direction)
	assert.Equal(t, TrendStable, classifyTrend([]float64{100, 101, 100, 101}).Direction)

	up := classifyTrend([]float64{1, 2, 3, 4, 5})
	assert.Equal(t, TrendIncreasing, up.Direction)
	assert.InDelta(t, 4.0/3.0, up.Slope, 1e-9)
}

func TestRunBenchmark(t *testing.T) {
	o := New(DefaultConfig(), nil, nil)
	suite := []BenchmarkTest{
		{Name: "ok", Run: func(context.Context) error { return nil }},
		{Name: "slow", Run: func(context.Context) error { time.Sleep(5 * time.Millisecond); return nil }},
		{Name: "fail", Run: func(context.Context) error { return errors.New("wrong answer") }},
		{Name: "panic", Run: func(context.Context) error { panic("boom") }},
	}
	res, err := o.RunBenchmark(context.Background(), "backend-developer", suite)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Tests)
	assert.Equal(t, 2, res.Passed)
	assert.InDelta(t, 0.5, res.SuccessRate, 1e-9)
	assert.Equal(t, "wrong answer", res.Cases[2].Error)
	assert.Contains(t, res.Cases[3].Error, "boom")
	assert.Positive(t, res.AverageDuration)

	stored, ok := o.Benchmark("backend-developer")
	require.True(t, ok)
	assert.Equal(t, res.StartedAt, stored.StartedAt)

	again, err := o.RunBenchmark(context.Background(), "backend-developer", suite[:1])
	require.NoError(t, err)
	stored, _ = o.Benchmark("backend-developer")
	assert.Equal(t, 1, stored.Tests)
	assert.Equal(t, again.FinishedAt, stored.FinishedAt)
}

func TestRunBenchmarkSequentialByDefault(t *testing.T) {
	o := New(DefaultConfig(), nil, nil)
	var mu sync.Mutex
	running, peak := 0, 0
	step := func(context.Context) error {
		mu.Lock()
		running++
		peak = max(peak, running)
		mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return nil
	}
	suite := []BenchmarkTest{{Name: "a", Run: step}, {Name: "b", Run: step}, {Name: "c", Run: step}}
	_, err := o.RunBenchmark(context.Background(), "x", suite)
	require.NoError(t, err)
	assert.Equal(t, 1, peak)
}

func TestRunBenchmarkConcurrent(t *testing.T) {
	o := New(Config{BenchmarkConcurrency: 3}, nil, nil)
	var ready sync.WaitGroup
	ready.Add(3)
	barrier := func(ctx context.Context) error {
		ready.Done()
		done := make(chan struct{})
		go func() { ready.Wait(); close(done) }()
		select {
		case <-done:
			return nil
		case <-time.After(time.Second):
			return errors.New("tests did not run concurrently")
		}
	}
	suite := []BenchmarkTest{{Name: "a", Run: barrier}, {Name: "b", Run: barrier}, {Name: "c", Run: barrier}}
	res, err := o.RunBenchmark(context.Background(), "x", suite)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Passed)
}

func TestRunBenchmarkInvalid(t *testing.T) {
	o := New(DefaultConfig(), nil, nil)
	_, err := o.RunBenchmark(context.Background(), "x", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = o.RunBenchmark(context.Background(), "", []BenchmarkTest{{Name: "a"}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := o.RunBenchmark(ctx, "x", []BenchmarkTest{{Name: "a", Run: func(context.Context) error { return nil }}, {Name: "nil"}})
	require.NoError(t, err)
	assert.Zero(t, res.Passed)
	assert.Equal(t, context.Canceled.Error(), res.Cases[0].Error)
}
