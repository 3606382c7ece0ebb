package optimizer

import "fmt"

// Result keys shared with callers that apply side effects to the worker.
const (
	ResultMemoryLimit = "memory_limit_mb"
	ResultCleanup     = "cleanup"
	ResultScaleUp     = "instances"
	ResultBatchSize   = "batch_size"
	ResultCompression = "compression_ratio"
	ResultRetrain     = "retrain"
)

const (
	defaultMemoryLimitMB = 1024.0
	defaultMemoryFactor  = 1.5
	maxMemoryFactor      = 4.0
	defaultBatchSize     = 10
	defaultCompression   = 0.5
)

func lastSample(st *agentState) (Sample, bool) {
	if st.samples.len() == 0 {
		return Sample{}, false
	}
	return st.samples.last(1)[0].Sample, true
}

// floatParam reads a numeric parameter, accepting the integer and float types
// produced by YAML and JSON decoding.
func floatParam(params map[string]any, key string, def float64) (float64, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("parameter %q must be numeric, got %T", key, v)
}

func increaseMemory(_ *Optimizer, st *agentState, params map[string]any) (map[string]any, error) {
	factor, err := floatParam(params, "factor", defaultMemoryFactor)
	if err != nil {
		return nil, err
	}
	if factor <= 1 || factor > maxMemoryFactor {
		return nil, fmt.Errorf("factor %.2f out of range (1, %.0f]", factor, maxMemoryFactor)
	}
	current := defaultMemoryLimitMB
	if s, ok := lastSample(st); ok && s.MemoryLimit > 0 {
		current = s.MemoryLimit
	}
	if current, err = floatParam(params, "current_limit_mb", current); err != nil {
		return nil, err
	}
	return map[string]any{
		"previous_limit_mb": current,
		ResultMemoryLimit:   current * factor,
	}, nil
}

func optimizeCPU(_ *Optimizer, st *agentState, params map[string]any) (map[string]any, error) {
	batch, err := floatParam(params, "batch_size", defaultBatchSize)
	if err != nil {
		return nil, err
	}
	if batch < 1 {
		return nil, fmt.Errorf("batch_size must be at least 1")
	}
	res := map[string]any{ResultBatchSize: int(batch)}
	if st.hasStats {
		res["cpu_before"] = st.stats.Metrics[MetricCPU].Mean
	}
	return res, nil
}

func cleanup(_ *Optimizer, st *agentState, _ map[string]any) (map[string]any, error) {
	res := map[string]any{ResultCleanup: true}
	if s, ok := lastSample(st); ok {
		res["memory_before_mb"] = s.MemoryUsage
	}
	return res, nil
}

func scaleUp(_ *Optimizer, _ *agentState, params map[string]any) (map[string]any, error) {
	n, err := floatParam(params, "instances", 1)
	if err != nil {
		return nil, err
	}
	if n < 1 {
		return nil, fmt.Errorf("instances must be at least 1")
	}
	return map[string]any{ResultScaleUp: int(n)}, nil
}

// retrain resets the anomaly baseline so earlier deviations no longer surface.
func retrain(_ *Optimizer, st *agentState, _ map[string]any) (map[string]any, error) {
	res := map[string]any{ResultRetrain: true, "anomalies_cleared": len(st.anomalies)}
	if st.hasStats {
		res["baseline_success_rate"] = st.stats.Metrics[MetricSuccessRate].Mean
	}
	st.anomalies = nil
	st.checked = st.seq
	return res, nil
}

func compress(_ *Optimizer, st *agentState, params map[string]any) (map[string]any, error) {
	ratio, err := floatParam(params, "ratio", defaultCompression)
	if err != nil {
		return nil, err
	}
	if ratio <= 0 || ratio >= 1 {
		return nil, fmt.Errorf("ratio %.2f out of range (0, 1)", ratio)
	}
	res := map[string]any{ResultCompression: ratio}
	if s, ok := lastSample(st); ok && s.ContextLimit > 0 {
		res["context_target"] = int(float64(s.ContextLimit) * ratio)
	}
	return res, nil
}
