package optimizer

import (
	"math"
	"time"
)

// Detection thresholds.
const (
	successDeviationLimit = 0.2
	responseZScoreLimit   = 2.0
	memorySpikeRatio      = 1.5
)

// Anomaly kinds.
const (
	AnomalySuccessRate  = "success-rate-deviation"
	AnomalyResponseTime = "response-time-spike"
	AnomalyMemory       = "memory-spike"
)

// Anomaly is a sample that departs sharply from the agent's rolling baseline.
type Anomaly struct {
	Kind       string    `json:"kind"`
	Metric     string    `json:"metric"`
	Value      float64   `json:"value"`
	Expected   float64   `json:"expected"`
	Score      float64   `json:"score"` // deviation, z-score or ratio depending on kind
	SampleTime time.Time `json:"sample_time"`
	DetectedAt time.Time `json:"detected_at"`
}

type sequenced struct {
	seq uint64
	Sample
}

// detectAnomalies checks samples newer than checkedThrough against the
// baseline. It returns the anomalies and the highest sequence examined.
func detectAnomalies(window []sequenced, checkedThrough uint64, base Statistics) ([]Anomaly, uint64) {
	success := base.Metrics[MetricSuccessRate]
	response := base.Metrics[MetricResponseTime]
	memory := base.Metrics[MetricMemory]
	now := time.Now()

	var out []Anomaly
	last := checkedThrough
	for _, s := range window {
		if s.seq <= checkedThrough {
			continue
		}
		last = s.seq

		if dev := math.Abs(s.SuccessRate - success.Mean); dev > successDeviationLimit {
			out = append(out, Anomaly{Kind: AnomalySuccessRate, Metric: MetricSuccessRate,
				Value: s.SuccessRate, Expected: success.Mean, Score: dev, SampleTime: s.Timestamp, DetectedAt: now})
		}
		if response.StdDev > 0 {
			rt := metricValue(s.Sample, MetricResponseTime)
			if z := (rt - response.Mean) / response.StdDev; math.Abs(z) > responseZScoreLimit {
				out = append(out, Anomaly{Kind: AnomalyResponseTime, Metric: MetricResponseTime,
					Value: rt, Expected: response.Mean, Score: z, SampleTime: s.Timestamp, DetectedAt: now})
			}
		}
		if memory.Mean > 0 && s.MemoryUsage > memorySpikeRatio*memory.Mean {
			out = append(out, Anomaly{Kind: AnomalyMemory, Metric: MetricMemory,
				Value: s.MemoryUsage, Expected: memory.Mean, Score: s.MemoryUsage / memory.Mean, SampleTime: s.Timestamp, DetectedAt: now})
		}
	}
	return out, last
}
