// Package matcher scores registered agent types against task requirements and
// picks the best fit under a named weight profile.
package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"agentfleet/internal/domain"
	"agentfleet/internal/infra/tracer"
)

const (
	subsystem         = "matcher"
	fallbackTypeLimit = 5
	maxAlternatives   = 3
)

// Catalog is the read side of the registry the matcher depends on.
type Catalog interface {
	Get(id string) (domain.AgentTypeDefinition, error)
	GetAgentsByCapability(capability string) []string
	GetAgentsByCategory(category string) []string
	IDs() []string
}

// CandidateSource records which step of candidate generation produced the
// scored set.
type CandidateSource string

const (
	SourceCapabilities CandidateSource = "required-capabilities"
	SourceCategory     CandidateSource = "category"
	SourcePreferred    CandidateSource = "preferred-capabilities"
	SourceFallback     CandidateSource = "fallback"
)

// Alternative is a runner-up candidate.
type Alternative struct {
	AgentType string    `json:"agent_type"`
	Score     float64   `json:"score"`
	Breakdown Breakdown `json:"breakdown"`
}

// MatchResult is the outcome of FindBestMatch. On failure Success is false and
// Error/Err describe why; no other field is meaningful.
type MatchResult struct {
	Success      bool            `json:"success"`
	BestMatch    string          `json:"best_match,omitempty"`
	Score        float64         `json:"score"`
	Breakdown    Breakdown       `json:"breakdown"`
	Alternatives []Alternative   `json:"alternatives,omitempty"`
	Confidence   float64         `json:"confidence"`
	Reasoning    []string        `json:"reasoning,omitempty"`
	Strategy     string          `json:"strategy"`
	Source       CandidateSource `json:"candidate_source,omitempty"`
	Cached       bool            `json:"cached"`
	ComputedAt   time.Time       `json:"computed_at"`
	Error        string          `json:"error,omitempty"`
	Err          error           `json:"-"`
}

func failed(strategy string, err error) MatchResult {
	return MatchResult{Success: false, Strategy: strategy, Error: err.Error(), Err: err}
}

// Config controls caching and history retention.
type Config struct {
	DefaultStrategy string
	CacheTTL        time.Duration
	CacheSize       int
	HistorySize     int
}

// DefaultConfig mirrors the engine defaults.
func DefaultConfig() Config {
	return Config{DefaultStrategy: "balanced", CacheTTL: 60 * time.Second, CacheSize: 100, HistorySize: 1000}
}

// OutcomeRecord ties a match decision to what happened when the task ran.
type OutcomeRecord struct {
	TaskID     string        `json:"task_id"`
	AgentType  string        `json:"agent_type"`
	AgentID    string        `json:"agent_id,omitempty"`
	Strategy   string        `json:"strategy"`
	Score      float64       `json:"score"`
	Confidence float64       `json:"confidence"`
	Success    bool          `json:"success"`
	Duration   time.Duration `json:"duration,omitempty"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// Statistics reports matcher activity.
type Statistics struct {
	CacheHits       uint64                `json:"cache_hits"`
	CacheMisses     uint64                `json:"cache_misses"`
	CacheSize       int                   `json:"cache_size"`
	Computed        uint64                `json:"computed"`
	Failures        uint64                `json:"failures"`
	StrategyUsage   map[string]uint64     `json:"strategy_usage"`
	HistorySize     int                   `json:"history_size"`
	OutcomesByType  map[string]TypeRecord `json:"outcomes_by_type"`
	DefaultStrategy string                `json:"default_strategy"`
}

// TypeRecord aggregates recorded outcomes for one agent type.
type TypeRecord struct {
	Matches     int     `json:"matches"`
	Successes   int     `json:"successes"`
	SuccessRate float64 `json:"success_rate"`
}

// Matcher scores candidates and caches results. Safe for concurrent use.
type Matcher struct {
	catalog Catalog
	cfg     Config
	logger  *slog.Logger

	cache  *expirable.LRU[string, MatchResult]
	flight singleflight.Group

	mu      sync.Mutex
	hits    uint64
	misses  uint64
	count   uint64
	fails   uint64
	usage   map[string]uint64
	history []OutcomeRecord
}

// New creates a Matcher over catalog.
func New(catalog Catalog, cfg Config, logger *slog.Logger) *Matcher {
	def := DefaultConfig()
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = def.DefaultStrategy
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Matcher{
		catalog: catalog,
		cfg:     cfg,
		logger:  logger,
		cache:   expirable.NewLRU[string, MatchResult](cfg.CacheSize, nil, cfg.CacheTTL),
		usage:   make(map[string]uint64),
	}
}

// FindBestMatch returns the highest scoring agent type for req. An empty
// strategy selects the configured default. Identical requests within the cache
// TTL return the cached result with Cached set; concurrent identical misses
// share one computation.
func (m *Matcher) FindBestMatch(ctx context.Context, req domain.TaskRequirement, live []LiveInstance, strategy string) MatchResult {
	if strategy == "" {
		strategy = m.cfg.DefaultStrategy
	}
	weights, err := Profile(strategy)
	if err != nil {
		m.countFailure()
		return failed(strategy, domain.NewSubSystemError(subsystem, "Matcher.FindBestMatch", domain.ErrUnknownStrategy, strategy))
	}

	key := cacheKey(req, strategy)
	if res, ok := m.cache.Get(key); ok {
		m.mu.Lock()
		m.hits++
		m.usage[strategy]++
		m.mu.Unlock()
		res.Cached = true
		return cloneResult(res)
	}

	v, _, _ := m.flight.Do(key, func() (any, error) {
		if res, ok := m.cache.Peek(key); ok {
			return res, nil
		}
		res := m.compute(ctx, req, live, strategy, weights)
		if res.Success {
			m.cache.Add(key, res)
		}
		return res, nil
	})
	res := cloneResult(v.(MatchResult))

	m.mu.Lock()
	m.misses++
	m.usage[strategy]++
	if !res.Success {
		m.fails++
	}
	m.mu.Unlock()
	return res
}

func (m *Matcher) compute(ctx context.Context, req domain.TaskRequirement, live []LiveInstance, strategy string, weights Weights) MatchResult {
	_, span := tracer.StartSpan(ctx, "matcher.find_best_match",
		trace.WithAttributes(tracer.StringAttr("strategy", strategy),
			tracer.IntAttr("required_capabilities", len(req.RequiredCapabilities))))
	defer span.End()

	ids, source := m.candidates(req)
	if len(ids) == 0 {
		err := domain.NewSubSystemError(subsystem, "Matcher.FindBestMatch", domain.ErrNoCandidates, "registry is empty")
		tracer.RecordError(span, err)
		return failed(strategy, err)
	}

	type scored struct {
		def   domain.AgentTypeDefinition
		b     Breakdown
		score float64
	}
	ranked := make([]scored, 0, len(ids))
	for _, id := range ids {
		def, err := m.catalog.Get(id)
		if err != nil {
			continue
		}
		b := scoreCandidate(def, req, live)
		ranked = append(ranked, scored{def: def, b: b, score: weights.Apply(b)})
	}
	if len(ranked) == 0 {
		err := domain.NewSubSystemError(subsystem, "Matcher.FindBestMatch", domain.ErrNoCandidates, "candidates vanished from registry")
		tracer.RecordError(span, err)
		return failed(strategy, err)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].def.ID < ranked[j].def.ID
	})

	m.mu.Lock()
	m.count++
	m.mu.Unlock()

	best := ranked[0]
	second := 0.0
	if len(ranked) > 1 {
		second = ranked[1].score
	}
	res := MatchResult{
		Success:    true,
		BestMatch:  best.def.ID,
		Score:      best.score,
		Breakdown:  best.b,
		Confidence: confidence(best.score, second),
		Reasoning:  reasoning(best.def, best.b),
		Strategy:   strategy,
		Source:     source,
		ComputedAt: time.Now(),
	}
	for _, alt := range ranked[1:] {
		if len(res.Alternatives) == maxAlternatives {
			break
		}
		res.Alternatives = append(res.Alternatives, Alternative{AgentType: alt.def.ID, Score: alt.score, Breakdown: alt.b})
	}

	m.logger.Debug("match computed",
		"best", res.BestMatch, "score", res.Score, "confidence", res.Confidence,
		"candidates", len(ranked), "source", string(source), "strategy", strategy)
	tracer.SetOK(span)
	return res
}

// candidates narrows the registry to the types worth scoring. Each step runs
// only when the previous one produced nothing.
func (m *Matcher) candidates(req domain.TaskRequirement) ([]string, CandidateSource) {
	if len(req.RequiredCapabilities) > 0 {
		if ids := m.intersect(req.RequiredCapabilities); len(ids) > 0 {
			return ids, SourceCapabilities
		}
	}
	if req.Category != "" {
		if ids := m.catalog.GetAgentsByCategory(req.Category); len(ids) > 0 {
			return ids, SourceCategory
		}
	}
	if ids := m.union(req.PreferredCapabilities); len(ids) > 0 {
		return ids, SourcePreferred
	}
	all := m.catalog.IDs()
	if len(all) > fallbackTypeLimit {
		all = all[:fallbackTypeLimit]
	}
	return all, SourceFallback
}

func (m *Matcher) intersect(caps []string) []string {
	var acc map[string]bool
	for _, c := range caps {
		next := make(map[string]bool)
		for _, id := range m.catalog.GetAgentsByCapability(c) {
			if acc == nil || acc[id] {
				next[id] = true
			}
		}
		acc = next
		if len(acc) == 0 {
			return nil
		}
	}
	return sortedSet(acc)
}

func (m *Matcher) union(caps []string) []string {
	acc := make(map[string]bool)
	for _, c := range caps {
		for _, id := range m.catalog.GetAgentsByCapability(c) {
			acc[id] = true
		}
	}
	return sortedSet(acc)
}

func sortedSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// cacheKey normalizes every requirement field that influences scoring.
// Live workload is deliberately left out: it only nudges scores within the TTL.
func cacheKey(req domain.TaskRequirement, strategy string) string {
	norm := func(list []string) string {
		c := make([]string, len(list))
		for i, s := range list {
			c[i] = strings.ToLower(strings.TrimSpace(s))
		}
		sort.Strings(c)
		return strings.Join(c, ",")
	}
	return strings.Join([]string{
		norm(req.RequiredCapabilities),
		norm(req.PreferredCapabilities),
		strings.ToLower(string(req.Complexity)),
		strings.ToLower(req.Category),
		norm(req.Keywords),
		strings.ToLower(strings.TrimSpace(req.Description)),
		strconv.FormatInt(int64(req.EstimatedDuration), 10),
		strategy,
	}, "|")
}

func cloneResult(r MatchResult) MatchResult {
	r.Alternatives = append([]Alternative(nil), r.Alternatives...)
	r.Reasoning = append([]string(nil), r.Reasoning...)
	return r
}

func (m *Matcher) countFailure() {
	m.mu.Lock()
	m.fails++
	m.mu.Unlock()
}

// RecordOutcome appends a decision outcome to the bounded history.
func (m *Matcher) RecordOutcome(rec OutcomeRecord) {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, rec)
	if over := len(m.history) - m.cfg.HistorySize; over > 0 {
		m.history = append(m.history[:0:0], m.history[over:]...)
	}
}

// History returns up to limit most recent outcomes, oldest first. limit <= 0
// returns everything.
func (m *Matcher) History(limit int) []OutcomeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := 0
	if limit > 0 && limit < len(m.history) {
		start = len(m.history) - limit
	}
	return append([]OutcomeRecord(nil), m.history[start:]...)
}

// ClearCache drops every cached result.
func (m *Matcher) ClearCache() {
	m.cache.Purge()
}

// Statistics returns cache and usage counters.
func (m *Matcher) Statistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Statistics{
		CacheHits:       m.hits,
		CacheMisses:     m.misses,
		CacheSize:       m.cache.Len(),
		Computed:        m.count,
		Failures:        m.fails,
		StrategyUsage:   make(map[string]uint64, len(m.usage)),
		HistorySize:     len(m.history),
		OutcomesByType:  make(map[string]TypeRecord),
		DefaultStrategy: m.cfg.DefaultStrategy,
	}
	for k, v := range m.usage {
		st.StrategyUsage[k] = v
	}
	for _, rec := range m.history {
		tr := st.OutcomesByType[rec.AgentType]
		tr.Matches++
		if rec.Success {
			tr.Successes++
		}
		tr.SuccessRate = float64(tr.Successes) / float64(tr.Matches)
		st.OutcomesByType[rec.AgentType] = tr
	}
	return st
}

// String implements fmt.Stringer for log output.
func (r MatchResult) String() string {
	if !r.Success {
		return fmt.Sprintf("match failed: %s", r.Error)
	}
	return fmt.Sprintf("%s (score %.2f, confidence %.2f, %s)", r.BestMatch, r.Score, r.Confidence, r.Strategy)
}
