package engine

import (
	"encoding/json"
	"sync"
)

// VarScope is the variable context of a run or of one parallel branch.
// The walk owning a scope reads and writes it directly; parallel branches
// get copy-on-fork children and the parent absorbs their writes at the
// join, first writer wins per key in branch launch order.
type VarScope struct {
	mu     sync.RWMutex
	vars   map[string]any
	writes map[string]struct{}
}

// NewVarScope creates a scope seeded with the given variables. The seed map
// is deep-copied; the caller keeps ownership of its copy.
func NewVarScope(seed map[string]any) *VarScope {
	return &VarScope{
		vars:   deepCopyVars(seed),
		writes: make(map[string]struct{}),
	}
}

// Get returns the value bound to name.
func (s *VarScope) Get(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vars[name]
	return v, ok
}

// Set binds name to value and records the write for a later merge.
func (s *VarScope) Set(name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vars[name] = value
	s.writes[name] = struct{}{}
}

// Delete removes a binding.
func (s *VarScope) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vars, name)
	delete(s.writes, name)
}

// Snapshot returns a deep copy of the current bindings, safe to hand to
// expression evaluation while other branches keep writing.
func (s *VarScope) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deepCopyVars(s.vars)
}

// Fork creates a child scope holding a deep copy of the current bindings
// with an empty write set. Writes in the child stay invisible to the parent
// until MergeChild.
func (s *VarScope) Fork() *VarScope {
	return NewVarScope(s.Snapshot())
}

// MergeChild folds a forked child's writes back into this scope. Keys this
// scope already absorbed from an earlier child in the same join are kept;
// the first writer wins.
func (s *VarScope) MergeChild(child *VarScope, claimed map[string]struct{}) {
	child.mu.RLock()
	defer child.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	for name := range child.writes {
		if _, taken := claimed[name]; taken {
			continue
		}
		claimed[name] = struct{}{}
		s.vars[name] = child.vars[name]
		s.writes[name] = struct{}{}
	}
}

// deepCopyVars clones a variable map through JSON. Values that fail to
// marshal (never produced by node handlers) are carried by reference.
func deepCopyVars(src map[string]any) map[string]any {
	if len(src) == 0 {
		return make(map[string]any)
	}
	raw, err := json.Marshal(src)
	if err != nil {
		out := make(map[string]any, len(src))
		for k, v := range src {
			out[k] = v
		}
		return out
	}
	out := make(map[string]any, len(src))
	if err := json.Unmarshal(raw, &out); err != nil {
		for k, v := range src {
			out[k] = v
		}
	}
	return out
}
