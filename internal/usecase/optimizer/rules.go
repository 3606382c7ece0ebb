package optimizer

import (
	"fmt"
	"time"
)

// Severity ranks a recommendation.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Group classifies what a rule is about.
type Group string

const (
	GroupPerformance Group = "performance"
	GroupResource    Group = "resource"
	GroupEfficiency  Group = "efficiency"
)

// Recommendation is one suggested remediation for an agent.
type Recommendation struct {
	Rule      string             `json:"rule"`
	Group     Group              `json:"group"`
	Text      string             `json:"text"`
	Severity  Severity           `json:"severity"`
	Actions   []Action           `json:"actions"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

// derived holds the figures rules are evaluated against.
type derived struct {
	successRate        float64
	recentFailureRate  float64
	historyFailureRate float64
	expectedResponse   float64 // p50, ms
	recentResponse     float64 // ms
	memoryUtilization  float64 // fraction of limit, 0 when no limit known
	cpu                float64 // percent
	timeoutRate        float64
	batchEfficiency    float64 // 0 when never reported
	contextRatio       float64 // 0 when never reported
}

func derive(all, recent []sequenced, st Statistics) derived {
	d := derived{
		successRate:      st.Metrics[MetricSuccessRate].Mean,
		expectedResponse: st.Metrics[MetricResponseTime].P50,
		cpu:              st.Metrics[MetricCPU].Mean,
	}
	d.historyFailureRate = 1 - d.successRate

	var recentSuccess, recentRT float64
	for _, s := range recent {
		recentSuccess += s.SuccessRate
		recentRT += metricValue(s.Sample, MetricResponseTime)
	}
	if n := float64(len(recent)); n > 0 {
		d.recentFailureRate = 1 - recentSuccess/n
		d.recentResponse = recentRT / n
	}

	var memRatio, batch, ctxRatio float64
	var memN, batchN, ctxN, timeouts int
	for _, s := range all {
		if s.MemoryLimit > 0 {
			memRatio += s.MemoryUsage / s.MemoryLimit
			memN++
		}
		if s.BatchEfficiency > 0 {
			batch += s.BatchEfficiency
			batchN++
		}
		if s.ContextLimit > 0 {
			ctxRatio += float64(s.ContextSize) / float64(s.ContextLimit)
			ctxN++
		}
		if s.TimedOut {
			timeouts++
		}
	}
	if memN > 0 {
		d.memoryUtilization = memRatio / float64(memN)
	}
	if batchN > 0 {
		d.batchEfficiency = batch / float64(batchN)
	}
	if ctxN > 0 {
		d.contextRatio = ctxRatio / float64(ctxN)
	}
	if len(all) > 0 {
		d.timeoutRate = float64(timeouts) / float64(len(all))
	}
	return d
}

type rule struct {
	name     string
	group    Group
	severity Severity
	actions  []Action
	when     func(d derived) bool
	text     func(d derived) string
	metrics  func(d derived) map[string]float64
}

// rules is evaluated top to bottom on every tracked sample.
var rules = []rule{
	{
		name: "low-success-rate", group: GroupPerformance, severity: SeverityHigh,
		actions: []Action{ActionRetrain, ActionCleanup},
		when:    func(d derived) bool { return d.successRate < 0.7 },
		text: func(d derived) string {
			return fmt.Sprintf("success rate %.0f%% is below 70%%", d.successRate*100)
		},
		metrics: func(d derived) map[string]float64 { return map[string]float64{"success_rate": d.successRate} },
	},
	{
		name: "rising-failure-rate", group: GroupPerformance, severity: SeverityMedium,
		actions: []Action{ActionRetrain},
		when:    func(d derived) bool { return d.recentFailureRate > d.historyFailureRate+0.1 },
		text: func(d derived) string {
			return fmt.Sprintf("recent failure rate %.0f%% exceeds the historical %.0f%%", d.recentFailureRate*100, d.historyFailureRate*100)
		},
		metrics: func(d derived) map[string]float64 {
			return map[string]float64{"recent_failure_rate": d.recentFailureRate, "historical_failure_rate": d.historyFailureRate}
		},
	},
	{
		name: "slow-response", group: GroupPerformance, severity: SeverityMedium,
		actions: []Action{ActionOptimizeCPU, ActionScaleUp},
		when:    func(d derived) bool { return d.expectedResponse > 0 && d.recentResponse > 1.5*d.expectedResponse },
		text: func(d derived) string {
			return fmt.Sprintf("recent response time %.0fms is over 1.5x the expected %.0fms", d.recentResponse, d.expectedResponse)
		},
		metrics: func(d derived) map[string]float64 {
			return map[string]float64{"recent_response_ms": d.recentResponse, "expected_response_ms": d.expectedResponse}
		},
	},
	{
		name: "frequent-timeouts", group: GroupPerformance, severity: SeverityHigh,
		actions: []Action{ActionScaleUp},
		when:    func(d derived) bool { return d.timeoutRate > 0.1 },
		text: func(d derived) string {
			return fmt.Sprintf("%.0f%% of tasks timed out", d.timeoutRate*100)
		},
		metrics: func(d derived) map[string]float64 { return map[string]float64{"timeout_rate": d.timeoutRate} },
	},
	{
		name: "high-memory", group: GroupResource, severity: SeverityHigh,
		actions: []Action{ActionIncreaseMemory, ActionCleanup},
		when:    func(d derived) bool { return d.memoryUtilization > 0.85 },
		text: func(d derived) string {
			return fmt.Sprintf("memory utilization %.0f%% is near the limit", d.memoryUtilization*100)
		},
		metrics: func(d derived) map[string]float64 {
			return map[string]float64{"memory_utilization": d.memoryUtilization}
		},
	},
	{
		name: "elevated-memory", group: GroupResource, severity: SeverityMedium,
		actions: []Action{ActionCleanup},
		when:    func(d derived) bool { return d.memoryUtilization > 0.7 && d.memoryUtilization <= 0.85 },
		text: func(d derived) string {
			return fmt.Sprintf("memory utilization %.0f%% is elevated", d.memoryUtilization*100)
		},
		metrics: func(d derived) map[string]float64 {
			return map[string]float64{"memory_utilization": d.memoryUtilization}
		},
	},
	{
		name: "high-cpu", group: GroupResource, severity: SeverityMedium,
		actions: []Action{ActionOptimizeCPU},
		when:    func(d derived) bool { return d.cpu > 85 },
		text: func(d derived) string {
			return fmt.Sprintf("average CPU usage %.0f%% is high", d.cpu)
		},
		metrics: func(d derived) map[string]float64 { return map[string]float64{"cpu": d.cpu} },
	},
	{
		name: "low-batch-efficiency", group: GroupEfficiency, severity: SeverityLow,
		actions: []Action{ActionOptimizeCPU},
		when:    func(d derived) bool { return d.batchEfficiency > 0 && d.batchEfficiency < 0.6 },
		text: func(d derived) string {
			return fmt.Sprintf("batch efficiency %.0f%% is low", d.batchEfficiency*100)
		},
		metrics: func(d derived) map[string]float64 { return map[string]float64{"batch_efficiency": d.batchEfficiency} },
	},
	{
		name: "context-pressure", group: GroupEfficiency, severity: SeverityMedium,
		actions: []Action{ActionCompress},
		when:    func(d derived) bool { return d.contextRatio > 0.8 },
		text: func(d derived) string {
			return fmt.Sprintf("context usage %.0f%% of the window", d.contextRatio*100)
		},
		metrics: func(d derived) map[string]float64 { return map[string]float64{"context_ratio": d.contextRatio} },
	},
}

func evaluate(d derived, now time.Time) []Recommendation {
	var out []Recommendation
	for _, r := range rules {
		if !r.when(d) {
			continue
		}
		out = append(out, Recommendation{
			Rule:      r.name,
			Group:     r.group,
			Text:      r.text(d),
			Severity:  r.severity,
			Actions:   append([]Action(nil), r.actions...),
			Metrics:   r.metrics(d),
			CreatedAt: now,
		})
	}
	return out
}

// anomalyRecommendation turns a detected anomaly into a medium entry.
func anomalyRecommendation(a Anomaly) Recommendation {
	rec := Recommendation{
		Rule:      "anomaly:" + a.Kind,
		Group:     GroupPerformance,
		Severity:  SeverityMedium,
		Metrics:   map[string]float64{"value": a.Value, "expected": a.Expected, "score": a.Score},
		CreatedAt: a.DetectedAt,
	}
	switch a.Kind {
	case AnomalyMemory:
		rec.Group = GroupResource
		rec.Actions = []Action{ActionCleanup}
		rec.Text = fmt.Sprintf("memory spike: %.0fMB against a mean of %.0fMB", a.Value, a.Expected)
	case AnomalyResponseTime:
		rec.Actions = []Action{ActionOptimizeCPU}
		rec.Text = fmt.Sprintf("response time %.0fms deviates from the mean %.0fms (z=%.1f)", a.Value, a.Expected, a.Score)
	default:
		rec.Actions = []Action{ActionRetrain}
		rec.Text = fmt.Sprintf("success rate %.2f deviates from the mean %.2f", a.Value, a.Expected)
	}
	return rec
}
