package matcher

import (
	"context"
	"sort"

	"agentfleet/internal/domain"
)

// BatchOptions controls MatchMultipleTasks.
type BatchOptions struct {
	Strategy        string
	AllowDuplicates bool
	// MaxPerType caps how many tasks one type may take when duplicates are
	// disallowed. Zero means 1.
	MaxPerType int
}

// BatchAssignment is the match chosen for one task of a batch.
type BatchAssignment struct {
	TaskID    string          `json:"task_id"`
	Priority  domain.Priority `json:"priority"`
	AgentType string          `json:"agent_type,omitempty"`
	Score     float64         `json:"score"`
	Result    MatchResult     `json:"result"`
	Matched   bool            `json:"matched"`
	Reason    string          `json:"reason,omitempty"`
}

// BatchStatistics aggregates a batch.
type BatchStatistics struct {
	Total             int            `json:"total"`
	Matched           int            `json:"matched"`
	Unmatched         int            `json:"unmatched"`
	AverageScore      float64        `json:"average_score"`
	AverageConfidence float64        `json:"average_confidence"`
	TypeDistribution  map[string]int `json:"type_distribution"`
}

// BatchResult is the output of MatchMultipleTasks, in processing order.
type BatchResult struct {
	Assignments []BatchAssignment `json:"assignments"`
	Statistics  BatchStatistics   `json:"statistics"`
}

// MatchMultipleTasks matches tasks greedily in priority order (critical first,
// submission order within a priority). With duplicates disallowed a type that
// reached its cap is replaced by the best alternative still under the cap.
func (m *Matcher) MatchMultipleTasks(ctx context.Context, tasks []domain.Task, live []LiveInstance, opts BatchOptions) BatchResult {
	ordered := make([]domain.Task, len(tasks))
	copy(ordered, tasks)
	sort.SliceStable(ordered, func(i, j int) bool {
		return taskPriority(ordered[i]).Rank() < taskPriority(ordered[j]).Rank()
	})

	limit := opts.MaxPerType
	if limit <= 0 {
		limit = 1
	}

	used := make(map[string]int)
	out := BatchResult{
		Assignments: make([]BatchAssignment, 0, len(ordered)),
		Statistics:  BatchStatistics{Total: len(ordered), TypeDistribution: make(map[string]int)},
	}
	var sumScore, sumConf float64

	for _, task := range ordered {
		a := BatchAssignment{TaskID: task.ID, Priority: taskPriority(task)}
		res := m.FindBestMatch(ctx, task.Requirements, live, opts.Strategy)
		a.Result = res

		switch {
		case !res.Success:
			a.Reason = res.Error
		case opts.AllowDuplicates || used[res.BestMatch] < limit:
			a.AgentType, a.Score, a.Matched = res.BestMatch, res.Score, true
		default:
			for _, alt := range res.Alternatives {
				if used[alt.AgentType] < limit {
					a.AgentType, a.Score, a.Matched = alt.AgentType, alt.Score, true
					break
				}
			}
			if !a.Matched {
				a.Reason = "every candidate type reached its per-batch limit"
			}
		}

		if a.Matched {
			used[a.AgentType]++
			out.Statistics.Matched++
			out.Statistics.TypeDistribution[a.AgentType]++
			sumScore += a.Score
			sumConf += res.Confidence
		} else {
			out.Statistics.Unmatched++
		}
		out.Assignments = append(out.Assignments, a)
	}

	if n := out.Statistics.Matched; n > 0 {
		out.Statistics.AverageScore = sumScore / float64(n)
		out.Statistics.AverageConfidence = round2(sumConf / float64(n))
	}
	return out
}

func taskPriority(t domain.Task) domain.Priority {
	if t.Priority != "" {
		return t.Priority.Normalize()
	}
	return t.Requirements.Priority.Normalize()
}
