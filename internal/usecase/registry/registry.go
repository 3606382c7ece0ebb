// Package registry holds the static catalog of agent types and the indexes the
// matcher relies on.
package registry

import (
	"log/slog"
	"sort"
	"sync"

	"agentfleet/internal/domain"
)

const subsystem = "registry"

// compatibilityThreshold is the Jaccard capability overlap above which two
// types of different categories are considered compatible.
const compatibilityThreshold = 0.3

// Registry stores agent type definitions and derived lookup indexes.
// All methods are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	defs  map[string]*domain.AgentTypeDefinition
	order []string // registration order, stable across re-registration

	byCapability map[string]map[string]struct{}
	byCategory   map[string]map[string]struct{}
	tree         map[string]map[string][]string // category -> specialization -> type ids

	compat      map[string][]string
	compatStale bool

	logger *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		defs:         make(map[string]*domain.AgentTypeDefinition),
		byCapability: make(map[string]map[string]struct{}),
		byCategory:   make(map[string]map[string]struct{}),
		tree:         make(map[string]map[string][]string),
		compat:       make(map[string][]string),
		logger:       logger,
	}
}

// Register stores def, replacing any previous definition with the same ID.
// The compatibility matrix is not recomputed until BuildIndexes runs.
func (r *Registry) Register(def domain.AgentTypeDefinition) error {
	if err := def.Validate(); err != nil {
		return domain.NewSubSystemError(subsystem, "Registry.Register", domain.ErrInvalidInput, err.Error())
	}
	stored := cloneDefinition(def)

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, exists := r.defs[def.ID]; exists {
		r.unindexLocked(prev)
		r.logger.Debug("agent type replaced", "type", def.ID)
	} else {
		r.order = append(r.order, def.ID)
	}
	r.defs[def.ID] = stored
	r.indexLocked(stored)
	r.compatStale = true
	return nil
}

func (r *Registry) indexLocked(def *domain.AgentTypeDefinition) {
	for _, c := range def.Capabilities {
		set, ok := r.byCapability[c]
		if !ok {
			set = make(map[string]struct{})
			r.byCapability[c] = set
		}
		set[def.ID] = struct{}{}
	}

	set, ok := r.byCategory[def.Category]
	if !ok {
		set = make(map[string]struct{})
		r.byCategory[def.Category] = set
	}
	set[def.ID] = struct{}{}

	branch, ok := r.tree[def.Category]
	if !ok {
		branch = make(map[string][]string)
		r.tree[def.Category] = branch
	}
	for _, s := range def.Specializations {
		branch[s] = insertSorted(branch[s], def.ID)
	}
}

func (r *Registry) unindexLocked(def *domain.AgentTypeDefinition) {
	for _, c := range def.Capabilities {
		if set, ok := r.byCapability[c]; ok {
			delete(set, def.ID)
			if len(set) == 0 {
				delete(r.byCapability, c)
			}
		}
	}
	if set, ok := r.byCategory[def.Category]; ok {
		delete(set, def.ID)
		if len(set) == 0 {
			delete(r.byCategory, def.Category)
		}
	}
	if branch, ok := r.tree[def.Category]; ok {
		for _, s := range def.Specializations {
			branch[s] = removeString(branch[s], def.ID)
			if len(branch[s]) == 0 {
				delete(branch, s)
			}
		}
		if len(branch) == 0 {
			delete(r.tree, def.Category)
		}
	}
}

// BuildIndexes recomputes the pairwise compatibility matrix. It is O(n²) in
// the number of types and is meant to run once after bulk registration.
func (r *Registry) BuildIndexes() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buildCompatLocked()
}

func (r *Registry) buildCompatLocked() {
	compat := make(map[string][]string, len(r.order))
	for i, a := range r.order {
		for _, b := range r.order[i+1:] {
			if compatible(r.defs[a], r.defs[b]) {
				compat[a] = append(compat[a], b)
				compat[b] = append(compat[b], a)
			}
		}
	}
	for id := range compat {
		sort.Strings(compat[id])
	}
	r.compat = compat
	r.compatStale = false
	r.logger.Debug("registry indexes built", "types", len(r.order), "capabilities", len(r.byCapability))
}

func compatible(a, b *domain.AgentTypeDefinition) bool {
	if a.Category != "" && a.Category == b.Category {
		return true
	}
	return Jaccard(a.Capabilities, b.Capabilities) > compatibilityThreshold
}

// Jaccard returns |a∩b| / |a∪b| over the two capability sets.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, x := range a {
		set[x] = true
	}
	inter := 0
	union := len(set)
	seen := make(map[string]bool, len(b))
	for _, x := range b {
		if seen[x] {
			continue
		}
		seen[x] = true
		if set[x] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

// Get returns a copy of the definition for id.
func (r *Registry) Get(id string) (domain.AgentTypeDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	if !ok {
		return domain.AgentTypeDefinition{}, domain.NewSubSystemError(subsystem, "Registry.Get", domain.ErrNotFound, id)
	}
	return *cloneDefinition(*def), nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[id]
	return ok
}

// Len returns the number of registered types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

// IDs returns type ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// All returns copies of every definition in registration order.
func (r *Registry) All() []domain.AgentTypeDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.AgentTypeDefinition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *cloneDefinition(*r.defs[id]))
	}
	return out
}

// GetAgentsByCapability returns the sorted ids of types declaring capability.
func (r *Registry) GetAgentsByCapability(capability string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.byCapability[capability])
}

// GetAgentsByCategory returns the sorted ids of types in category.
func (r *Registry) GetAgentsByCategory(category string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.byCategory[category])
}

// CapabilityIndex returns a snapshot of capability -> sorted type ids.
func (r *Registry) CapabilityIndex() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string, len(r.byCapability))
	for c, set := range r.byCapability {
		out[c] = sortedKeys(set)
	}
	return out
}

// SpecializationTree returns a snapshot of category -> specialization -> type ids.
func (r *Registry) SpecializationTree() map[string]map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]map[string][]string, len(r.tree))
	for cat, branch := range r.tree {
		b := make(map[string][]string, len(branch))
		for s, ids := range branch {
			b[s] = append([]string(nil), ids...)
		}
		out[cat] = b
	}
	return out
}

// GetCompatible returns the sorted ids of types compatible with id. The matrix
// is rebuilt first when registrations happened since the last BuildIndexes.
func (r *Registry) GetCompatible(id string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[id]; !ok {
		return nil, domain.NewSubSystemError(subsystem, "Registry.GetCompatible", domain.ErrNotFound, id)
	}
	if r.compatStale {
		r.buildCompatLocked()
	}
	return append([]string(nil), r.compat[id]...), nil
}

// AreCompatible reports whether two registered types are compatible.
func (r *Registry) AreCompatible(a, b string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	da, okA := r.defs[a]
	db, okB := r.defs[b]
	if !okA || !okB || a == b {
		return false
	}
	return compatible(da, db)
}

func cloneDefinition(def domain.AgentTypeDefinition) *domain.AgentTypeDefinition {
	c := def
	c.Capabilities = append([]string(nil), def.Capabilities...)
	c.Specializations = append([]string(nil), def.Specializations...)
	return &c
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func insertSorted(list []string, v string) []string {
	i := sort.SearchStrings(list, v)
	if i < len(list) && list[i] == v {
		return list
	}
	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = v
	return list
}

func removeString(list []string, v string) []string {
	for i, s := range list {
		if s == v {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
