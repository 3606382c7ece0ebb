// Package optimizer keeps rolling performance statistics per agent instance,
// detects anomalies, derives recommendations from a fixed rule table and
// applies optimization actions.
package optimizer

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"agentfleet/internal/domain"
	"agentfleet/internal/infra/tracer"
	"agentfleet/internal/usecase/eventbus"
	"agentfleet/internal/usecase/idgen"
)

const subsystem = "optimizer"

const (
	maxAnomalies      = 100
	surfacedAnomalies = 5
)

// Config bounds what the optimizer retains.
type Config struct {
	BufferSize           int // samples kept per agent
	StatsWindow          int // samples statistics are computed over
	MinSamples           int // statistics are skipped below this count
	AnomalyWindow        int // most recent samples checked for anomalies
	HistoryLimit         int // optimization records kept per agent
	BenchmarkConcurrency int
}

// DefaultConfig returns the standard retention settings.
func DefaultConfig() Config {
	return Config{
		BufferSize:           1000,
		StatsWindow:          100,
		MinSamples:           5,
		AnomalyWindow:        10,
		HistoryLimit:         1000,
		BenchmarkConcurrency: 1,
	}
}

// OptimizationRecord is one applied action.
type OptimizationRecord struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Action    Action         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
	Result    map[string]any `json:"result"`
	AppliedAt time.Time      `json:"applied_at"`
}

// ApplyResult reports the outcome of ApplyOptimization.
type ApplyResult struct {
	Success bool               `json:"success"`
	Record  OptimizationRecord `json:"record,omitempty"`
	Error   string             `json:"error,omitempty"`
	Code    domain.ErrorCode   `json:"code,omitempty"`
	Err     error              `json:"-"`
}

// TrackResult summarizes what a tracked sample changed.
type TrackResult struct {
	Samples         int       `json:"samples"`
	StatsUpdated    bool      `json:"stats_updated"`
	Anomalies       []Anomaly `json:"anomalies,omitempty"`
	Recommendations int       `json:"recommendations"`
}

type agentState struct {
	samples   *ring[sequenced]
	seq       uint64
	checked   uint64
	stats     Statistics
	hasStats  bool
	anomalies []Anomaly
	recs      []Recommendation
	history   []OptimizationRecord
}

type instruments struct {
	samples   metric.Int64Counter
	anomalies metric.Int64Counter
	actions   metric.Int64Counter
}

// Optimizer is safe for concurrent use.
type Optimizer struct {
	cfg    Config
	bus    domain.EventBus
	logger *slog.Logger
	inst   instruments

	mu         sync.Mutex
	agents     map[string]*agentState
	benchmarks map[string]BenchmarkResult
}

// New creates an Optimizer. bus may be nil.
func New(cfg Config, bus domain.EventBus, logger *slog.Logger) *Optimizer {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.StatsWindow <= 0 {
		cfg.StatsWindow = def.StatsWindow
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.AnomalyWindow <= 0 {
		cfg.AnomalyWindow = def.AnomalyWindow
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.BenchmarkConcurrency <= 0 {
		cfg.BenchmarkConcurrency = def.BenchmarkConcurrency
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Optimizer{
		cfg:    cfg,
		bus:    bus,
		logger: logger,
		inst: instruments{
			samples:   tracer.Counter("agentfleet.optimizer.samples", "Performance samples tracked"),
			anomalies: tracer.Counter("agentfleet.optimizer.anomalies", "Anomalies detected"),
			actions:   tracer.Counter("agentfleet.optimizer.actions", "Optimization actions applied"),
		},
		agents:     make(map[string]*agentState),
		benchmarks: make(map[string]BenchmarkResult),
	}
}

func (o *Optimizer) stateLocked(agentID string) *agentState {
	st, ok := o.agents[agentID]
	if !ok {
		st = &agentState{samples: newRing[sequenced](o.cfg.BufferSize)}
		o.agents[agentID] = st
	}
	return st
}

// TrackPerformance records a sample and refreshes statistics, anomalies and
// recommendations for the agent.
func (o *Optimizer) TrackPerformance(ctx context.Context, agentID string, s Sample) TrackResult {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}

	o.mu.Lock()
	st := o.stateLocked(agentID)
	st.seq++
	st.samples.push(sequenced{seq: st.seq, Sample: s})
	res := TrackResult{Samples: st.samples.len()}

	if st.samples.len() >= o.cfg.MinSamples {
		window := st.samples.last(o.cfg.StatsWindow)
		plain := make([]Sample, len(window))
		for i, w := range window {
			plain[i] = w.Sample
		}
		st.stats = computeStatistics(plain)
		st.hasStats = true
		res.StatsUpdated = true

		recent := st.samples.last(o.cfg.AnomalyWindow)
		found, last := detectAnomalies(recent, st.checked, st.stats)
		st.checked = last
		st.anomalies = append(st.anomalies, found...)
		if over := len(st.anomalies) - maxAnomalies; over > 0 {
			st.anomalies = append([]Anomaly(nil), st.anomalies[over:]...)
		}
		res.Anomalies = found

		st.recs = evaluate(derive(window, recent, st.stats), time.Now())
		for _, a := range lastN(st.anomalies, surfacedAnomalies) {
			st.recs = append(st.recs, anomalyRecommendation(a))
		}
	}
	res.Recommendations = len(st.recs)
	o.mu.Unlock()

	o.inst.samples.Add(ctx, 1)
	for _, a := range res.Anomalies {
		o.inst.anomalies.Add(ctx, 1, tracer.WithAttrs(tracer.StringAttr("kind", a.Kind)))
		o.logger.Debug("anomaly detected", "agent", agentID, "kind", a.Kind, "value", a.Value, "expected", a.Expected)
		eventbus.Emit(ctx, o.bus, domain.EventAnomalyDetected, agentID, "", a)
	}
	return res
}

func lastN[T any](s []T, n int) []T {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

type handler func(o *Optimizer, st *agentState, params map[string]any) (map[string]any, error)

// handlers has an entry for every Action; ActionUnknown stays nil.
var handlers = [actionCount]handler{
	ActionIncreaseMemory: increaseMemory,
	ActionOptimizeCPU:    optimizeCPU,
	ActionCleanup:        cleanup,
	ActionScaleUp:        scaleUp,
	ActionRetrain:        retrain,
	ActionCompress:       compress,
}

// ApplyOptimization runs a named action for the agent and appends the outcome
// to its history. An unknown action fails soft.
func (o *Optimizer) ApplyOptimization(ctx context.Context, agentID, action string, params map[string]any) ApplyResult {
	const op = "optimizer.ApplyOptimization"
	if agentID == "" {
		msg, code, err := failure(op, domain.ErrInvalidInput, "agent id is required")
		return ApplyResult{Error: msg, Code: code, Err: err}
	}
	a := ParseAction(action)
	if !a.Valid() {
		msg, code, err := failure(op, domain.ErrUnknownAction, action)
		o.logger.Warn("unknown optimization action", "agent", agentID, "action", action)
		return ApplyResult{Error: msg, Code: code, Err: err}
	}

	o.mu.Lock()
	st := o.stateLocked(agentID)
	result, err := handlers[a](o, st, params)
	if err != nil {
		o.mu.Unlock()
		msg, code, ferr := failure(op, domain.ErrInvalidInput, err.Error())
		return ApplyResult{Error: msg, Code: code, Err: ferr}
	}
	rec := OptimizationRecord{
		ID:        idgen.New(),
		AgentID:   agentID,
		Action:    a,
		Params:    maps.Clone(params),
		Result:    result,
		AppliedAt: time.Now(),
	}
	st.history = append(st.history, rec)
	if over := len(st.history) - o.cfg.HistoryLimit; over > 0 {
		st.history = append([]OptimizationRecord(nil), st.history[over:]...)
	}
	o.mu.Unlock()

	o.inst.actions.Add(ctx, 1, tracer.WithAttrs(tracer.StringAttr("action", a.String())))
	o.logger.Info("optimization applied", "agent", agentID, "action", a.String(), "record", rec.ID)
	eventbus.Emit(ctx, o.bus, domain.EventOptimizationApplied, agentID, "", rec)
	return ApplyResult{Success: true, Record: rec}
}

func failure(op string, sentinel error, detail string) (string, domain.ErrorCode, error) {
	err := domain.NewSubSystemError(subsystem, op, sentinel, detail)
	return err.Error(), domain.ErrorCodeOf(err), err
}

// Recommendations returns the current recommendations for the agent.
func (o *Optimizer) Recommendations(agentID string) []Recommendation {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.agents[agentID]
	if !ok {
		return nil
	}
	return append([]Recommendation(nil), st.recs...)
}

// Anomalies returns up to n most recent anomalies, oldest first. n <= 0
// returns all retained.
func (o *Optimizer) Anomalies(agentID string, n int) []Anomaly {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.agents[agentID]
	if !ok {
		return nil
	}
	out := st.anomalies
	if n > 0 {
		out = lastN(out, n)
	}
	return append([]Anomaly(nil), out...)
}

// Statistics returns the latest statistics and whether enough samples exist.
func (o *Optimizer) Statistics(agentID string) (Statistics, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.agents[agentID]
	if !ok || !st.hasStats {
		return Statistics{}, false
	}
	return st.stats, true
}

// History returns the agent's applied optimizations, oldest first.
func (o *Optimizer) History(agentID string) []OptimizationRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.agents[agentID]
	if !ok {
		return nil
	}
	return append([]OptimizationRecord(nil), st.history...)
}

// SampleCount returns how many samples are buffered for the agent.
func (o *Optimizer) SampleCount(agentID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if st, ok := o.agents[agentID]; ok {
		return st.samples.len()
	}
	return 0
}

// RemoveAgent drops everything tracked for the agent.
func (o *Optimizer) RemoveAgent(agentID string) {
	o.mu.Lock()
	delete(o.agents, agentID)
	o.mu.Unlock()
}

// Tracked returns the number of agents with state.
func (o *Optimizer) Tracked() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.agents)
}
