package matcher

import (
	"fmt"
	"math"
	"sort"

	"agentfleet/internal/domain"
)

const weightTolerance = 1e-9

// Weights is a scoring profile over the six match factors.
type Weights struct {
	CapabilityMatch     float64 `json:"capability_match"`
	SpecializationMatch float64 `json:"specialization_match"`
	SuccessRate         float64 `json:"success_rate"`
	AverageTime         float64 `json:"average_time"`
	Complexity          float64 `json:"complexity"`
	Workload            float64 `json:"workload"`
}

// NewWeights builds a profile, rejecting negative weights or a sum other than 1.
func NewWeights(capability, specialization, successRate, averageTime, complexity, workload float64) (Weights, error) {
	w := Weights{
		CapabilityMatch:     capability,
		SpecializationMatch: specialization,
		SuccessRate:         successRate,
		AverageTime:         averageTime,
		Complexity:          complexity,
		Workload:            workload,
	}
	if err := w.Validate(); err != nil {
		return Weights{}, err
	}
	return w, nil
}

// Sum returns the total of all factor weights.
func (w Weights) Sum() float64 {
	return w.CapabilityMatch + w.SpecializationMatch + w.SuccessRate + w.AverageTime + w.Complexity + w.Workload
}

// Validate checks that every weight is non-negative and the total is 1.
func (w Weights) Validate() error {
	for _, v := range []float64{w.CapabilityMatch, w.SpecializationMatch, w.SuccessRate, w.AverageTime, w.Complexity, w.Workload} {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("%w: negative or NaN weight %v", domain.ErrInvalidWeights, v)
		}
	}
	if s := w.Sum(); math.Abs(s-1) > weightTolerance {
		return fmt.Errorf("%w: sum is %.12f", domain.ErrInvalidWeights, s)
	}
	return nil
}

// Apply returns the weighted sum of b.
func (w Weights) Apply(b Breakdown) float64 {
	return w.CapabilityMatch*b.CapabilityMatch +
		w.SpecializationMatch*b.SpecializationMatch +
		w.SuccessRate*b.SuccessRate +
		w.AverageTime*b.AverageTime +
		w.Complexity*b.Complexity +
		w.Workload*b.Workload
}

func mustWeights(capability, specialization, successRate, averageTime, complexity, workload float64) Weights {
	w, err := NewWeights(capability, specialization, successRate, averageTime, complexity, workload)
	if err != nil {
		panic(err)
	}
	return w
}

// profiles are the named strategies FindBestMatch accepts.
var profiles = map[string]Weights{
	"balanced":    mustWeights(0.30, 0.20, 0.20, 0.10, 0.10, 0.10),
	"performance": mustWeights(0.25, 0.15, 0.30, 0.10, 0.10, 0.10),
	"speed":       mustWeights(0.25, 0.10, 0.15, 0.30, 0.05, 0.15),
	"accuracy":    mustWeights(0.30, 0.25, 0.25, 0.05, 0.15, 0.00),
}

// Profile returns the weights for a named strategy.
func Profile(name string) (Weights, error) {
	w, ok := profiles[name]
	if !ok {
		return Weights{}, fmt.Errorf("%w: %q", domain.ErrUnknownStrategy, name)
	}
	return w, nil
}

// Profiles returns the strategy names, sorted.
func Profiles() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
