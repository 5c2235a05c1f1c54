package component

import (
	"sort"
)

// CapabilityID names a capability, the set of operations a port offers or
// requires.
type CapabilityID string

// Operation is one operation declared by a capability
type Operation struct {
	Name   string   `json:"name"`
	Params []string `json:"params,omitempty"`
	Result string   `json:"result,omitempty"`
	OneWay bool     `json:"one_way,omitempty"`
}

// Capability is the explicit description of what a port offers or requires.
// It is the unit of late-bound discovery: introspection reports capabilities
// and their operations without relying on Go type information.
type Capability struct {
	ID         CapabilityID `json:"id"`
	Operations []Operation  `json:"operations"`
}

// NewCapability creates a capability with the given operations
func NewCapability(id string, ops ...Operation) Capability {
	return Capability{ID: CapabilityID(id), Operations: ops}
}

// Op declares a request/reply operation
func Op(name string, params ...string) Operation {
	return Operation{Name: name, Params: params}
}

// OneWayOp declares an operation whose caller does not wait for completion
func OneWayOp(name string, params ...string) Operation {
	return Operation{Name: name, Params: params, OneWay: true}
}

// Returning sets the declared result type of an operation
func (o Operation) Returning(result string) Operation {
	o.Result = result
	return o
}

// Operation looks up an operation by name
func (c Capability) Operation(name string) (Operation, bool) {
	for _, op := range c.Operations {
		if op.Name == name {
			return op, true
		}
	}
	return Operation{}, false
}

// OperationNames returns the declared operation names, sorted
func (c Capability) OperationNames() []string {
	names := make([]string, 0, len(c.Operations))
	for _, op := range c.Operations {
		names = append(names, op.Name)
	}
	sort.Strings(names)
	return names
}

// capabilitySet counts the ports implementing each capability per direction
// so that removing one port of a capability keeps it declared while others
// remain.
type capabilitySet struct {
	caps     map[CapabilityID]Capability
	offered  map[CapabilityID]int
	required map[CapabilityID]int
}

func newCapabilitySet() *capabilitySet {
	return &capabilitySet{
		caps:     make(map[CapabilityID]Capability),
		offered:  make(map[CapabilityID]int),
		required: make(map[CapabilityID]int),
	}
}

func (s *capabilitySet) add(c Capability, d Direction) {
	s.caps[c.ID] = c
	if d.Inbound() {
		s.offered[c.ID]++
	}
	if d.Outbound() {
		s.required[c.ID]++
	}
}

func (s *capabilitySet) remove(id CapabilityID, d Direction) {
	if d.Inbound() {
		if s.offered[id]--; s.offered[id] <= 0 {
			delete(s.offered, id)
		}
	}
	if d.Outbound() {
		if s.required[id]--; s.required[id] <= 0 {
			delete(s.required, id)
		}
	}
	if s.offered[id] == 0 && s.required[id] == 0 {
		delete(s.caps, id)
	}
}

func (s *capabilitySet) list() (offered, required []CapabilityID) {
	offered = sortedIDs(s.offered)
	required = sortedIDs(s.required)
	return offered, required
}

func sortedIDs(m map[CapabilityID]int) []CapabilityID {
	ids := make([]CapabilityID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
