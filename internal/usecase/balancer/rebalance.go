package balancer

import (
	"context"
	"sort"

	"agentfleet/internal/domain"
	"agentfleet/internal/usecase/eventbus"
)

// Transfer is one assignment moved between instances.
type Transfer struct {
	TaskID   string  `json:"task_id"`
	From     string  `json:"from"`
	To       string  `json:"to"`
	FromLoad float64 `json:"from_load"`
	ToLoad   float64 `json:"to_load"`
}

// RebalanceResult reports what RebalanceLoad moved.
type RebalanceResult struct {
	Success   bool             `json:"success"`
	Automatic bool             `json:"automatic"`
	Transfers []Transfer       `json:"transfers"`
	Error     string           `json:"error,omitempty"`
	Code      domain.ErrorCode `json:"code,omitempty"`
	Err       error            `json:"-"`
}

// RebalanceLoad moves active assignments off overloaded instances. With from
// and to set it performs exactly that single transfer. With both empty it
// pairs instances above the high-load threshold with same-type instances
// below the low-load threshold, when their gap exceeds the minimum, and moves
// up to count assignments.
func (b *Balancer) RebalanceLoad(ctx context.Context, from, to string, count int) RebalanceResult {
	const op = "Balancer.RebalanceLoad"
	var res RebalanceResult
	switch {
	case from != "" && to != "":
		b.mu.Lock()
		t, err := b.transferLocked(op, from, to)
		b.mu.Unlock()
		if err != nil {
			res.Error, res.Code, res.Err = err.Error(), domain.ErrorCodeOf(err), err
			return res
		}
		res.Success = true
		res.Transfers = []Transfer{t}
	case from == "" && to == "":
		if count <= 0 {
			res.Error, res.Code, res.Err = failure(op, domain.ErrInvalidInput, "count must be positive")
			return res
		}
		b.mu.Lock()
		res.Transfers = b.autoRebalanceLocked(op, count)
		b.mu.Unlock()
		res.Success = true
		res.Automatic = true
	default:
		res.Error, res.Code, res.Err = failure(op, domain.ErrInvalidInput, "from and to must be given together")
		return res
	}

	for _, t := range res.Transfers {
		b.logger.Info("assignment transferred", "task_id", t.TaskID, "from", t.From, "to", t.To)
		eventbus.Emit(ctx, b.bus, domain.EventLoadRebalanced, t.To, t.TaskID, t)
	}
	return res
}

func (b *Balancer) transferLocked(op, from, to string) (Transfer, error) {
	src, ok := b.instances[from]
	if !ok {
		return Transfer{}, domain.NewSubSystemError(subsystem, op, domain.ErrNotFound, from)
	}
	dst, ok := b.instances[to]
	if !ok {
		return Transfer{}, domain.NewSubSystemError(subsystem, op, domain.ErrNotFound, to)
	}
	if src.agentType != dst.agentType {
		return Transfer{}, domain.NewSubSystemError(subsystem, op, domain.ErrInvalidInput, "instances belong to different types")
	}
	a, ok := b.assignments[from]
	if !ok {
		return Transfer{}, domain.NewSubSystemError(subsystem, op, domain.ErrNoAssignment, from)
	}
	if from == to || !b.usableLocked(dst) {
		return Transfer{}, domain.NewSubSystemError(subsystem, op, domain.ErrAgentUnusable, to)
	}

	t := Transfer{TaskID: a.TaskID, From: from, To: to, FromLoad: b.workloadLocked(src), ToLoad: b.workloadLocked(dst)}
	delete(b.assignments, from)
	if w, ok := b.worker(from); ok {
		w.ReleaseTask()
	}
	a.AgentID = to
	b.assignments[to] = a
	dst.assigned++
	if w, ok := b.worker(to); ok {
		w.StartTask(a.TaskID)
	}
	b.totals.Transfers++
	return t, nil
}

func (b *Balancer) autoRebalanceLocked(op string, count int) []Transfer {
	types := make([]string, 0, len(b.pools))
	for t := range b.pools {
		types = append(types, t)
	}
	sort.Strings(types)

	type loaded struct {
		in   *instance
		load float64
	}
	var out []Transfer
	for _, agentType := range types {
		var high, low []loaded
		for _, in := range b.pools[agentType] {
			load := b.workloadLocked(in)
			_, busy := b.assignments[in.id]
			switch {
			case busy && load > b.cfg.RebalanceHighLoad:
				high = append(high, loaded{in, load})
			case load < b.cfg.RebalanceLowLoad && b.usableLocked(in):
				low = append(low, loaded{in, load})
			}
		}
		sort.SliceStable(high, func(i, j int) bool { return high[i].load > high[j].load })
		sort.SliceStable(low, func(i, j int) bool { return low[i].load < low[j].load })

		for i := 0; i < len(high) && i < len(low); i++ {
			if len(out) == count {
				return out
			}
			if high[i].load-low[i].load <= b.cfg.RebalanceMinGap {
				break
			}
			t, err := b.transferLocked(op, high[i].in.id, low[i].in.id)
			if err != nil {
				b.logger.Debug("rebalance transfer skipped", "from", high[i].in.id, "to", low[i].in.id, "error", err)
				continue
			}
			out = append(out, t)
		}
		b.variance[agentType] = b.computeVarianceLocked(agentType)
	}
	return out
}
