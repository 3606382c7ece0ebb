package registry

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"agentfleet/internal/domain"
)

// Operator is a comparison used by SearchByMetadata.
type Operator string

const (
	OpEq  Operator = "eq"
	OpNe  Operator = "ne"
	OpGt  Operator = "gt"
	OpGte Operator = "gte"
	OpLt  Operator = "lt"
	OpLte Operator = "lte"
)

// Criterion is one predicate over a metadata field. Numeric fields are
// success_rate, average_task_time (minutes), max_tokens, temperature and
// complexity (level rank, Value may be the level name). String fields are
// category and model and support only eq/ne.
type Criterion struct {
	Field string
	Op    Operator
	Value any
}

// SearchByMetadata returns the ids, in registration order, of types matching
// every criterion. An unknown field or operator is an error.
func (r *Registry) SearchByMetadata(criteria ...Criterion) ([]string, error) {
	for _, c := range criteria {
		if err := c.check(); err != nil {
			return nil, domain.NewSubSystemError(subsystem, "Registry.SearchByMetadata", domain.ErrInvalidInput, err.Error())
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for _, id := range r.order {
		def := r.defs[id]
		ok := true
		for _, c := range criteria {
			if !c.matches(def) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func normalizeField(f string) string {
	switch strings.ToLower(f) {
	case "successrate", "success_rate":
		return "success_rate"
	case "averagetasktime", "average_task_time":
		return "average_task_time"
	case "maxtokens", "max_tokens":
		return "max_tokens"
	default:
		return strings.ToLower(f)
	}
}

func (c Criterion) check() error {
	switch c.Op {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte:
	default:
		return fmt.Errorf("unknown operator %q", c.Op)
	}
	switch normalizeField(c.Field) {
	case "success_rate", "average_task_time", "max_tokens", "temperature", "complexity":
		if _, err := numericValue(normalizeField(c.Field), c.Value); err != nil {
			return err
		}
	case "category", "model":
		if c.Op != OpEq && c.Op != OpNe {
			return fmt.Errorf("field %q supports only eq/ne", c.Field)
		}
	default:
		return fmt.Errorf("unknown field %q", c.Field)
	}
	return nil
}

func (c Criterion) matches(def *domain.AgentTypeDefinition) bool {
	field := normalizeField(c.Field)
	switch field {
	case "category":
		return compareStrings(def.Category, fmt.Sprint(c.Value), c.Op)
	case "model":
		return compareStrings(def.Metadata.Model.Name, fmt.Sprint(c.Value), c.Op)
	}

	want, _ := numericValue(field, c.Value)
	var have float64
	switch field {
	case "success_rate":
		have = def.Metadata.SuccessRate
	case "average_task_time":
		have = def.Metadata.AverageTaskTime.Minutes()
	case "max_tokens":
		have = float64(def.Metadata.Model.MaxTokens)
	case "temperature":
		have = def.Metadata.Model.Temperature
	case "complexity":
		have = float64(def.Metadata.Complexity.Rank())
	}
	return compareNumbers(have, want, c.Op)
}

func numericValue(field string, v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case time.Duration:
		return x.Minutes(), nil
	case domain.Complexity:
		if !x.Valid() {
			return 0, fmt.Errorf("unknown complexity %q", x)
		}
		return float64(x.Rank()), nil
	case string:
		if field == "complexity" {
			if c := domain.Complexity(x); c.Valid() {
				return float64(c.Rank()), nil
			}
		}
		if field == "average_task_time" {
			if d, err := time.ParseDuration(x); err == nil {
				return d.Minutes(), nil
			}
		}
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, fmt.Errorf("field %q: value %q is not numeric", field, x)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("field %q: unsupported value type %T", field, v)
	}
}

func compareNumbers(have, want float64, op Operator) bool {
	switch op {
	case OpEq:
		return have == want
	case OpNe:
		return have != want
	case OpGt:
		return have > want
	case OpGte:
		return have >= want
	case OpLt:
		return have < want
	case OpLte:
		return have <= want
	}
	return false
}

func compareStrings(have, want string, op Operator) bool {
	eq := strings.EqualFold(have, want)
	if op == OpNe {
		return !eq
	}
	return eq
}

// CapabilityCount pairs a capability with the number of types declaring it.
type CapabilityCount struct {
	Capability string `json:"capability"`
	Types      int    `json:"types"`
}

// Statistics summarizes the registry contents.
type Statistics struct {
	TypeCount          int                       `json:"type_count"`
	CapabilityCount    int                       `json:"capability_count"`
	Categories         map[string]int            `json:"categories"`
	Complexity         map[domain.Complexity]int `json:"complexity"`
	AverageSuccessRate float64                   `json:"average_success_rate"`
	AverageTaskTime    time.Duration             `json:"average_task_time"`
	TopCapabilities    []CapabilityCount         `json:"top_capabilities"`
}

const topCapabilities = 5

// GetStatistics returns counts and averages over all registered types.
func (r *Registry) GetStatistics() Statistics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Statistics{
		TypeCount:       len(r.defs),
		CapabilityCount: len(r.byCapability),
		Categories:      make(map[string]int, len(r.byCategory)),
		Complexity:      make(map[domain.Complexity]int),
	}
	for cat, set := range r.byCategory {
		st.Categories[cat] = len(set)
	}

	var sumRate float64
	var sumTime time.Duration
	for _, def := range r.defs {
		sumRate += def.Metadata.SuccessRate
		sumTime += def.Metadata.AverageTaskTime
		if def.Metadata.Complexity != "" {
			st.Complexity[def.Metadata.Complexity]++
		}
	}
	if n := len(r.defs); n > 0 {
		st.AverageSuccessRate = sumRate / float64(n)
		st.AverageTaskTime = sumTime / time.Duration(n)
	}

	counts := make([]CapabilityCount, 0, len(r.byCapability))
	for c, set := range r.byCapability {
		counts = append(counts, CapabilityCount{Capability: c, Types: len(set)})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Types != counts[j].Types {
			return counts[i].Types > counts[j].Types
		}
		return counts[i].Capability < counts[j].Capability
	})
	if len(counts) > topCapabilities {
		counts = counts[:topCapabilities]
	}
	st.TopCapabilities = counts
	return st
}
