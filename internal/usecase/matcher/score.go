package matcher

import (
	"fmt"
	"math"
	"strings"

	"agentfleet/internal/domain"
)

// Breakdown holds the per-factor scores of one candidate, each in [0,1].
type Breakdown struct {
	CapabilityMatch     float64 `json:"capability_match"`
	SpecializationMatch float64 `json:"specialization_match"`
	SuccessRate         float64 `json:"success_rate"`
	AverageTime         float64 `json:"average_time"`
	Complexity          float64 `json:"complexity"`
	Workload            float64 `json:"workload"`
}

// LiveInstance is the view of a running instance the matcher needs for the
// workload factor.
type LiveInstance struct {
	AgentID     string             `json:"agent_id"`
	AgentType   string             `json:"agent_type"`
	Status      domain.AgentStatus `json:"status"`
	Workload    float64            `json:"workload_pct"`
	SuccessRate float64            `json:"success_rate"`
}

// domainKeywords maps a category to terms that signal a task belongs to it.
var domainKeywords = map[string][]string{
	"development":   {"api", "backend", "frontend", "code", "service", "endpoint", "debug", "debugging", "bug", "database", "implement", "refactor", "ui"},
	"quality":       {"test", "tests", "testing", "qa", "regression", "coverage", "bug"},
	"operations":    {"deploy", "deployment", "infrastructure", "monitoring", "pipeline", "kubernetes", "ci", "cd"},
	"security":      {"security", "vulnerability", "audit", "threat", "auth", "owasp"},
	"data":          {"data", "analysis", "report", "reporting", "sql", "metrics", "dashboard"},
	"documentation": {"docs", "documentation", "guide", "readme", "tutorial", "reference"},
	"product":       {"requirements", "roadmap", "feature", "prioritization", "stakeholder"},
	"design":        {"design", "ux", "prototype", "prototyping", "mockup", "layout"},
	"marketing":     {"marketing", "seo", "campaign", "brand", "branding", "social", "content"},
}

var marketingTerms = []string{"marketing", "seo", "campaign", "brand", "advertising"}

func capabilityScore(def domain.AgentTypeDefinition, req domain.TaskRequirement) float64 {
	return 0.7*coverage(def, req.RequiredCapabilities) + 0.3*coverage(def, req.PreferredCapabilities)
}

// coverage is the fraction of wanted capabilities def declares; an empty
// list is fully covered.
func coverage(def domain.AgentTypeDefinition, wanted []string) float64 {
	if len(wanted) == 0 {
		return 1
	}
	n := 0
	for _, c := range wanted {
		if def.HasCapability(c) {
			n++
		}
	}
	return float64(n) / float64(len(wanted))
}

// specializationScore compares the agent's identity against the task's
// vocabulary: domain alignment raises the score, marketing-flavored agents on
// non-marketing tasks are pushed down.
func specializationScore(def domain.AgentTypeDefinition, req domain.TaskRequirement) float64 {
	terms := taskTerms(req)
	score := 0.5

	if containsAny(terms, domainKeywords[strings.ToLower(def.Category)]) {
		score += 0.4
	}
	if req.Category != "" && strings.EqualFold(req.Category, def.Category) {
		score += 0.2
	}

	hits := 0
	for _, s := range def.Specializations {
		if terms[strings.ToLower(s)] {
			hits++
		}
	}
	score += math.Min(0.2, 0.1*float64(hits))

	if isMarketingAgent(def) && !containsAny(terms, marketingTerms) && !strings.EqualFold(req.Category, "marketing") {
		score -= 0.4
	}
	return clamp01(score)
}

func isMarketingAgent(def domain.AgentTypeDefinition) bool {
	identity := strings.ToLower(def.ID + " " + def.Name + " " + def.Category)
	for _, t := range marketingTerms {
		if strings.Contains(identity, t) {
			return true
		}
	}
	return false
}

// taskTerms lowercases and splits every textual field of req into a term set.
// Hyphenated capabilities contribute both the whole name and its parts.
func taskTerms(req domain.TaskRequirement) map[string]bool {
	terms := make(map[string]bool)
	add := func(s string) {
		for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
			return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-')
		}) {
			terms[f] = true
			for _, part := range strings.Split(f, "-") {
				if part != "" {
					terms[part] = true
				}
			}
		}
	}
	add(req.Category)
	add(req.Description)
	for _, k := range req.Keywords {
		add(k)
	}
	for _, c := range req.RequiredCapabilities {
		add(c)
	}
	for _, c := range req.PreferredCapabilities {
		add(c)
	}
	return terms
}

func containsAny(terms map[string]bool, words []string) bool {
	for _, w := range words {
		if terms[w] {
			return true
		}
	}
	return false
}

func averageTimeScore(def domain.AgentTypeDefinition, req domain.TaskRequirement) float64 {
	target := req.EstimatedDuration
	if target <= 0 {
		return 1
	}
	diff := math.Abs(float64(target - def.Metadata.AverageTaskTime))
	return math.Max(0, 1-diff/float64(target))
}

func complexityScore(def domain.AgentTypeDefinition, req domain.TaskRequirement) float64 {
	want := req.Complexity.Rank()
	if want == 0 {
		return 1
	}
	have := def.Metadata.Complexity.Rank()
	switch {
	case have == want:
		return 1
	case have > want:
		return 0.8
	default:
		return 0.5
	}
}

func workloadScore(agentType string, live []LiveInstance) float64 {
	var sum float64
	n := 0
	for _, inst := range live {
		if inst.AgentType != agentType {
			continue
		}
		sum += inst.Workload
		n++
	}
	if n == 0 {
		return 1
	}
	return clamp01(1 - (sum/float64(n))/100)
}

func scoreCandidate(def domain.AgentTypeDefinition, req domain.TaskRequirement, live []LiveInstance) Breakdown {
	return Breakdown{
		CapabilityMatch:     capabilityScore(def, req),
		SpecializationMatch: specializationScore(def, req),
		SuccessRate:         clamp01(def.Metadata.SuccessRate),
		AverageTime:         averageTimeScore(def, req),
		Complexity:          complexityScore(def, req),
		Workload:            workloadScore(def.ID, live),
	}
}

// confidence widens the top score by its margin over the runner-up.
func confidence(top, second float64) float64 {
	return round2(math.Min(1, top*(1+(top-second))))
}

func reasoning(def domain.AgentTypeDefinition, b Breakdown) []string {
	var out []string
	switch {
	case b.CapabilityMatch >= 0.9:
		out = append(out, "covers the required capabilities")
	case b.CapabilityMatch < 0.5:
		out = append(out, "only partial capability coverage")
	}
	if b.SpecializationMatch >= 0.8 {
		out = append(out, fmt.Sprintf("strong %s domain alignment", def.Category))
	} else if b.SpecializationMatch < 0.3 {
		out = append(out, "weak domain alignment")
	}
	if b.SuccessRate >= 0.9 {
		out = append(out, fmt.Sprintf("high historical success rate (%.0f%%)", b.SuccessRate*100))
	} else if b.SuccessRate < 0.7 {
		out = append(out, fmt.Sprintf("low historical success rate (%.0f%%)", b.SuccessRate*100))
	}
	if b.AverageTime >= 0.8 {
		out = append(out, "typical duration fits the estimate")
	} else if b.AverageTime < 0.5 {
		out = append(out, "typical duration differs from the estimate")
	}
	switch b.Complexity {
	case 0.8:
		out = append(out, "over-qualified for the task complexity")
	case 0.5:
		out = append(out, "may be under-qualified for the task complexity")
	}
	if b.Workload < 0.3 {
		out = append(out, "live instances are heavily loaded")
	}
	return out
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
