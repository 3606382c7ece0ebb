package optimizer

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"

	"agentfleet/internal/domain"
)

// Trend directions.
const (
	TrendIncreasing = "increasing"
	TrendDecreasing = "decreasing"
	TrendStable     = "stable"
)

const (
	trendThreshold  = 0.1
	minTrendSamples = 3
)

// Trend classifies the direction of a metric over a report window.
type Trend struct {
	Direction  string  `json:"direction"`
	Slope      float64 `json:"slope"`      // over x in [0,1] and y divided by its mean
	Confidence float64 `json:"confidence"` // R² of the fit
}

// Report is a windowed performance summary of one agent.
type Report struct {
	AgentID           string           `json:"agent_id"`
	Samples           int              `json:"samples"`
	Successes         int              `json:"successes"`
	Failures          int              `json:"failures"`
	Timeouts          int              `json:"timeouts"`
	SuccessRate       float64          `json:"success_rate"`
	AvgResponseTime   time.Duration    `json:"avg_response_time"`
	TotalResponseTime time.Duration    `json:"total_response_time"`
	MaxResponseTime   time.Duration    `json:"max_response_time"`
	AvgMemory         float64          `json:"avg_memory_mb"`
	PeakMemory        float64          `json:"peak_memory_mb"`
	AvgCPU            float64          `json:"avg_cpu"`
	PeakCPU           float64          `json:"peak_cpu"`
	Trends            map[string]Trend `json:"trends"`
	From              time.Time        `json:"from"`
	To                time.Time        `json:"to"`
	GeneratedAt       time.Time        `json:"generated_at"`
}

// GetPerformanceReport summarizes the agent's last window samples. window <= 0
// covers every buffered sample.
func (o *Optimizer) GetPerformanceReport(agentID string, window int) (Report, error) {
	const op = "optimizer.GetPerformanceReport"

	o.mu.Lock()
	st, ok := o.agents[agentID]
	var seqd []sequenced
	if ok {
		seqd = st.samples.last(window)
	}
	o.mu.Unlock()

	if !ok {
		return Report{}, domain.NewSubSystemError(subsystem, op, domain.ErrNotFound, agentID)
	}
	if len(seqd) == 0 {
		return Report{}, domain.NewSubSystemError(subsystem, op, domain.ErrInsufficientData, fmt.Sprintf("no samples for %s", agentID))
	}

	samples := make([]Sample, len(seqd))
	for i, s := range seqd {
		samples[i] = s.Sample
	}
	return buildReport(agentID, samples), nil
}

func buildReport(agentID string, samples []Sample) Report {
	r := Report{
		AgentID:     agentID,
		Samples:     len(samples),
		From:        samples[0].Timestamp,
		To:          samples[len(samples)-1].Timestamp,
		Trends:      make(map[string]Trend, len(metricNames)),
		GeneratedAt: time.Now(),
	}
	var success, memory, cpu float64
	for _, s := range samples {
		success += s.SuccessRate
		if s.SuccessRate >= 0.5 {
			r.Successes++
		} else {
			r.Failures++
		}
		if s.TimedOut {
			r.Timeouts++
		}
		r.TotalResponseTime += s.ResponseTime
		r.MaxResponseTime = max(r.MaxResponseTime, s.ResponseTime)
		memory += s.MemoryUsage
		r.PeakMemory = max(r.PeakMemory, s.MemoryUsage)
		cpu += s.CPUUsage
		r.PeakCPU = max(r.PeakCPU, s.CPUUsage)
	}
	n := float64(len(samples))
	r.SuccessRate = success / n
	r.AvgResponseTime = r.TotalResponseTime / time.Duration(len(samples))
	r.AvgMemory = memory / n
	r.AvgCPU = cpu / n

	for _, m := range metricNames {
		r.Trends[m] = classifyTrend(series(samples, m))
	}
	return r
}

// classifyTrend fits a line over the series scaled to x in [0,1] and y
// relative to its mean, so the threshold is independent of units and length.
func classifyTrend(values []float64) Trend {
	t := Trend{Direction: TrendStable}
	if len(values) < minTrendSamples {
		return t
	}
	mean := stat.Mean(values, nil)
	if mean == 0 {
		return t
	}
	xs := make([]float64, len(values))
	ys := make([]float64, len(values))
	last := float64(len(values) - 1)
	for i, v := range values {
		xs[i] = float64(i) / last
		ys[i] = v / mean
	}
	alpha, beta := stat.LinearRegression(xs, ys, nil, false)
	t.Slope = finite(beta)
	t.Confidence = finite(stat.RSquared(xs, ys, nil, alpha, beta))
	switch {
	case t.Slope > trendThreshold:
		t.Direction = TrendIncreasing
	case t.Slope < -trendThreshold:
		t.Direction = TrendDecreasing
	}
	return t
}
