package balancer

import (
	"fmt"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"

	"agentfleet/internal/domain"
)

// Strategy names an instance-selection policy.
type Strategy string

const (
	RoundRobin         Strategy = "round-robin"
	LeastConnections   Strategy = "least-connections"
	WeightedRoundRobin Strategy = "weighted-round-robin"
	LeastResponseTime  Strategy = "least-response-time"
	Random             Strategy = "random"
	ConsistentHashing  Strategy = "consistent-hashing"
	Adaptive           Strategy = "adaptive"
)

// ParseStrategy resolves a strategy name. "weighted" is accepted as an alias
// of WeightedRoundRobin.
func ParseStrategy(name string) (Strategy, error) {
	if name == "weighted" {
		return WeightedRoundRobin, nil
	}
	s := Strategy(name)
	if _, ok := selectors[s]; !ok {
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownStrategy, name)
	}
	return s, nil
}

// Strategies lists every selectable strategy.
func Strategies() []Strategy {
	return []Strategy{RoundRobin, LeastConnections, WeightedRoundRobin, LeastResponseTime, Random, ConsistentHashing, Adaptive}
}

// selector picks an instance from a type's pool, or nil. Selectors run with
// the balancer lock held and may update per-strategy cursors.
type selector func(b *Balancer, agentType string, pool []*instance, task domain.Task) *instance

var selectors map[Strategy]selector

func init() {
	selectors = map[Strategy]selector{
		RoundRobin:         selectRoundRobin,
		LeastConnections:   selectLeastConnections,
		WeightedRoundRobin: selectWeighted,
		LeastResponseTime:  selectLeastResponseTime,
		Random:             selectRandom,
		ConsistentHashing:  selectConsistentHash,
		Adaptive:           selectAdaptive,
	}
}

func selectRoundRobin(b *Balancer, agentType string, pool []*instance, _ domain.Task) *instance {
	if len(pool) == 0 {
		return nil
	}
	i := b.cursor[agentType] % len(pool)
	b.cursor[agentType] = i + 1
	return pool[i]
}

// selectLeastConnections prefers usable instances with no active assignment,
// then the lowest live workload, then the fewest lifetime assignments.
func selectLeastConnections(b *Balancer, _ string, pool []*instance, _ domain.Task) *instance {
	var best *instance
	var bestLoad float64
	for _, in := range pool {
		if !b.usableLocked(in) {
			continue
		}
		load := b.workloadLocked(in)
		if best == nil || load < bestLoad || (load == bestLoad && in.assigned < best.assigned) {
			best, bestLoad = in, load
		}
	}
	return best
}

// selectWeighted is smooth weighted round-robin over usable instances with
// the rolling success rate as weight.
func selectWeighted(b *Balancer, _ string, pool []*instance, _ domain.Task) *instance {
	var best *instance
	total := 0.0
	for _, in := range pool {
		if !b.usableLocked(in) {
			continue
		}
		w := math.Max(in.successRate, 0.01)
		in.wrrCurrent += w
		total += w
		if best == nil || in.wrrCurrent > best.wrrCurrent {
			best = in
		}
	}
	if best != nil {
		best.wrrCurrent -= total
	}
	return best
}

// selectLeastResponseTime picks the usable instance with the lowest running
// average response time. Instances without samples count as fastest.
func selectLeastResponseTime(b *Balancer, _ string, pool []*instance, _ domain.Task) *instance {
	var best *instance
	var bestRT time.Duration
	for _, in := range pool {
		if !b.usableLocked(in) {
			continue
		}
		if best == nil || in.avgResponse < bestRT {
			best, bestRT = in, in.avgResponse
		}
	}
	return best
}

func selectRandom(b *Balancer, _ string, pool []*instance, _ domain.Task) *instance {
	if len(pool) == 0 {
		return nil
	}
	return pool[b.rng.IntN(len(pool))]
}

func selectConsistentHash(_ *Balancer, _ string, pool []*instance, task domain.Task) *instance {
	if len(pool) == 0 {
		return nil
	}
	return pool[xxhash.Sum64String(task.ID)%uint64(len(pool))]
}

// selectAdaptive switches policy on observed conditions: uneven load favors
// least-connections, a deep queue favors least-response-time, otherwise
// weighted round-robin.
func selectAdaptive(b *Balancer, agentType string, pool []*instance, task domain.Task) *instance {
	switch {
	case b.loadVarianceLocked(agentType) > b.cfg.AdaptiveVariance:
		return selectLeastConnections(b, agentType, pool, task)
	case b.queue.len() > 2*len(pool):
		return selectLeastResponseTime(b, agentType, pool, task)
	default:
		return selectWeighted(b, agentType, pool, task)
	}
}
