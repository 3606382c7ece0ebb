package optimizer

import (
	"fmt"
	"strings"
)

// Action is a remediation the optimizer knows how to apply.
type Action int

const (
	ActionUnknown Action = iota
	ActionIncreaseMemory
	ActionOptimizeCPU
	ActionCleanup
	ActionScaleUp
	ActionRetrain
	ActionCompress

	actionCount
)

var actionNames = [actionCount]string{
	ActionUnknown:        "unknown",
	ActionIncreaseMemory: "increase-memory",
	ActionOptimizeCPU:    "optimize-cpu",
	ActionCleanup:        "cleanup",
	ActionScaleUp:        "scale-up",
	ActionRetrain:        "retrain",
	ActionCompress:       "compress",
}

// Actions lists every applicable action.
func Actions() []Action {
	out := make([]Action, 0, actionCount-1)
	for a := ActionUnknown + 1; a < actionCount; a++ {
		out = append(out, a)
	}
	return out
}

// ParseAction maps a name to its Action. Unrecognized names yield ActionUnknown.
func ParseAction(name string) Action {
	name = strings.ToLower(strings.TrimSpace(name))
	for a := ActionUnknown + 1; a < actionCount; a++ {
		if actionNames[a] == name {
			return a
		}
	}
	return ActionUnknown
}

func (a Action) String() string {
	if a < 0 || a >= actionCount {
		return actionNames[ActionUnknown]
	}
	return actionNames[a]
}

// Valid reports whether a is a concrete action.
func (a Action) Valid() bool {
	return a > ActionUnknown && a < actionCount
}

// MarshalText encodes the action name.
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText decodes an action name, rejecting unknown ones.
func (a *Action) UnmarshalText(text []byte) error {
	parsed := ParseAction(string(text))
	if !parsed.Valid() {
		return fmt.Errorf("unknown optimization action %q", text)
	}
	*a = parsed
	return nil
}
