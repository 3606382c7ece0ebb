package optimizer

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"agentfleet/internal/domain"
)

// Sample is one performance observation of an agent instance.
type Sample struct {
	SuccessRate     float64       `json:"success_rate"`
	ResponseTime    time.Duration `json:"response_time"`
	MemoryUsage     float64       `json:"memory_usage_mb"`
	MemoryLimit     float64       `json:"memory_limit_mb,omitempty"`
	CPUUsage        float64       `json:"cpu_usage"` // percent
	TimedOut        bool          `json:"timed_out,omitempty"`
	BatchEfficiency float64       `json:"batch_efficiency,omitempty"`
	ContextSize     int           `json:"context_size,omitempty"`
	ContextLimit    int           `json:"context_limit,omitempty"`
	Timestamp       time.Time     `json:"timestamp"`
}

// SampleFromMetrics builds a sample from a task completion.
func SampleFromMetrics(success bool, m domain.TaskMetrics, memoryLimit float64) Sample {
	s := Sample{
		ResponseTime:    m.ResponseTime,
		MemoryUsage:     m.MemoryUsage,
		MemoryLimit:     memoryLimit,
		CPUUsage:        m.CPUUsage,
		TimedOut:        m.TimedOut,
		BatchEfficiency: m.BatchEfficiency,
		ContextSize:     m.ContextSize,
		ContextLimit:    m.ContextLimit,
		Timestamp:       time.Now(),
	}
	if success {
		s.SuccessRate = 1
	}
	return s
}

// Metric names used in statistics, anomalies and trends.
const (
	MetricSuccessRate  = "success_rate"
	MetricResponseTime = "response_time"
	MetricMemory       = "memory"
	MetricCPU          = "cpu"
)

var metricNames = []string{MetricSuccessRate, MetricResponseTime, MetricMemory, MetricCPU}

// metricValue extracts a named metric. Response time is in milliseconds.
func metricValue(s Sample, metric string) float64 {
	switch metric {
	case MetricSuccessRate:
		return s.SuccessRate
	case MetricResponseTime:
		return float64(s.ResponseTime) / float64(time.Millisecond)
	case MetricMemory:
		return s.MemoryUsage
	case MetricCPU:
		return s.CPUUsage
	}
	return 0
}

func series(samples []Sample, metric string) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = metricValue(s, metric)
	}
	return out
}

// Summary describes the distribution of one metric.
type Summary struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	StdDev float64 `json:"stddev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	P25    float64 `json:"p25"`
	P50    float64 `json:"p50"`
	P75    float64 `json:"p75"`
	P90    float64 `json:"p90"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
	Trend  float64 `json:"trend"` // least-squares slope per sample
}

// Statistics are the rolling statistics of one agent.
type Statistics struct {
	Samples      int                `json:"samples"`
	Metrics      map[string]Summary `json:"metrics"`
	Correlations map[string]float64 `json:"correlations"`
	ComputedAt   time.Time          `json:"computed_at"`
}

func summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	q := func(p float64) float64 { return stat.Quantile(p, stat.Empirical, sorted, nil) }
	s := Summary{
		Mean:  stat.Mean(values, nil),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		P25:   q(0.25),
		P50:   q(0.5),
		P75:   q(0.75),
		P90:   q(0.9),
		P95:   q(0.95),
		P99:   q(0.99),
		Trend: slope(values),
	}
	s.Median = s.P50
	if len(values) > 1 {
		s.StdDev = finite(stat.StdDev(values, nil))
	}
	return s
}

// slope fits values against their index.
func slope(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	xs := make([]float64, len(values))
	for i := range xs {
		xs[i] = float64(i)
	}
	_, beta := stat.LinearRegression(xs, values, nil, false)
	return finite(beta)
}

func computeStatistics(samples []Sample) Statistics {
	st := Statistics{
		Samples:      len(samples),
		Metrics:      make(map[string]Summary, len(metricNames)),
		Correlations: make(map[string]float64),
		ComputedAt:   time.Now(),
	}
	cols := make(map[string][]float64, len(metricNames))
	for _, m := range metricNames {
		cols[m] = series(samples, m)
		st.Metrics[m] = summarize(cols[m])
	}
	for i, a := range metricNames {
		for _, b := range metricNames[i+1:] {
			st.Correlations[a+"~"+b] = finite(stat.Correlation(cols[a], cols[b], nil))
		}
	}
	return st
}

// finite maps NaN and infinities, which gonum returns for constant series,
// to zero.
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
