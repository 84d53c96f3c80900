package types

import (
	"maps"
	"slices"
)

// EnvironmentVariable is a single variable requested by a data collector.
type EnvironmentVariable struct {
	Name  string
	Value string
}

// EnvironmentConflict records a rejected write to an EnvironmentVariableSet.
type EnvironmentConflict struct {
	Name          string
	KeptValue     string
	KeptFrom      string
	RejectedValue string
	RejectedFrom  string
}

type requestedVariable struct {
	value       string
	requestedBy string
}

// EnvironmentVariableSet merges variables requested by several collectors.
// The first writer of a name wins; later writes with a different value are
// rejected and recorded as conflicts. The set is append-only.
type EnvironmentVariableSet struct {
	vars      map[string]requestedVariable
	order     []string
	conflicts []EnvironmentConflict
}

func NewEnvironmentVariableSet() *EnvironmentVariableSet {
	return &EnvironmentVariableSet{vars: make(map[string]requestedVariable)}
}

// Add records name=value on behalf of requestedBy. It returns false and
// records a conflict when name was already set to a different value.
func (s *EnvironmentVariableSet) Add(name, value, requestedBy string) bool {
	existing, ok := s.vars[name]
	if !ok {
		s.vars[name] = requestedVariable{value: value, requestedBy: requestedBy}
		s.order = append(s.order, name)
		return true
	}
	if existing.value == value {
		return true
	}
	s.conflicts = append(s.conflicts, EnvironmentConflict{
		Name:          name,
		KeptValue:     existing.value,
		KeptFrom:      existing.requestedBy,
		RejectedValue: value,
		RejectedFrom:  requestedBy,
	})
	return false
}

// Get returns the value of name and whether it is set.
func (s *EnvironmentVariableSet) Get(name string) (string, bool) {
	v, ok := s.vars[name]
	return v.value, ok
}

// RequestedBy returns the collector that first requested name.
func (s *EnvironmentVariableSet) RequestedBy(name string) string {
	return s.vars[name].requestedBy
}

// Names returns variable names in insertion order.
func (s *EnvironmentVariableSet) Names() []string {
	return slices.Clone(s.order)
}

// Len returns the number of variables.
func (s *EnvironmentVariableSet) Len() int {
	return len(s.order)
}

// Conflicts returns every rejected write.
func (s *EnvironmentVariableSet) Conflicts() []EnvironmentConflict {
	return slices.Clone(s.conflicts)
}

// Map returns a copy of the variables as a plain map.
func (s *EnvironmentVariableSet) Map() map[string]string {
	out := make(map[string]string, len(s.vars))
	for name, v := range s.vars {
		out[name] = v.value
	}
	return out
}

// MergeEnv overlays extra on top of base and returns a new map.
func MergeEnv(base, extra map[string]string) map[string]string {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]string, len(extra))
	}
	maps.Copy(out, extra)
	return out
}
