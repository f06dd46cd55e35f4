// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package capability defines the static catalog of planning-level
// capabilities. A capability groups one or more tools under one execution
// phase and one instruction block; a plan is an ordered list of capability
// names.
package capability

// Phase orders capabilities within a pipeline. It is a tie-break hint for
// inferred plans; a planner-returned order is authoritative.
type Phase string

const (
	PhaseInput   Phase = "input"
	PhaseProcess Phase = "process"
	PhaseOutput  Phase = "output"
)

// Capability is one planning unit.
type Capability struct {
	Name         string
	Description  string
	Phase        Phase
	Tools        []string
	Instructions string
}

// Registry is the static capability catalog.
type Registry struct {
	caps   []Capability
	byName map[string]Capability
}

// NewRegistry builds a registry from the given capabilities. Later
// duplicates by name are ignored.
func NewRegistry(caps []Capability) *Registry {
	r := &Registry{byName: make(map[string]Capability, len(caps))}
	for _, cap := range caps {
		if _, ok := r.byName[cap.Name]; ok {
			continue
		}
		r.caps = append(r.caps, cap)
		r.byName[cap.Name] = cap
	}
	return r
}

// Get returns a capability by name.
func (r *Registry) Get(name string) (Capability, bool) {
	cap, ok := r.byName[name]
	return cap, ok
}

// All returns the catalog in declaration order.
func (r *Registry) All() []Capability {
	return append([]Capability(nil), r.caps...)
}

// Names returns every capability name in declaration order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.caps))
	for _, cap := range r.caps {
		out = append(out, cap.Name)
	}
	return out
}

// OwnerOf returns the first capability whose tool list contains toolName.
func (r *Registry) OwnerOf(toolName string) (Capability, bool) {
	for _, cap := range r.caps {
		for _, tool := range cap.Tools {
			if tool == toolName {
				return cap, true
			}
		}
	}
	return Capability{}, false
}

// Resolve maps names to capabilities, silently dropping unknown names.
func (r *Registry) Resolve(names []string) []Capability {
	out := make([]Capability, 0, len(names))
	for _, name := range names {
		if cap, ok := r.byName[name]; ok {
			out = append(out, cap)
		}
	}
	return out
}

// ComposeCapabilityName names the synthesized process-phase capability that
// the planner inserts when an inferred plan gathers input but never
// composes output from it.
const ComposeCapabilityName = "compose-output"

// Builtin returns the default capability catalog.
func Builtin() *Registry {
	return NewRegistry(builtinCatalog)
}
