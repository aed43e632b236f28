package domain

import "sort"

type Capability string

const (
	CapRequest     Capability = "request"
	CapManageStock Capability = "manage_stock"
	CapAdminister  Capability = "administer"
)

// KnownCapabilities lists every capability an actor can hold.
var KnownCapabilities = []Capability{CapRequest, CapManageStock, CapAdminister}

func (c Capability) Valid() bool {
	for _, k := range KnownCapabilities {
		if c == k {
			return true
		}
	}
	return false
}

// CapabilitySet is resolved once per request and evaluated by the permission gate.
type CapabilitySet map[Capability]struct{}

func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

// Has reports whether the set grants c. Administer grants everything.
func (s CapabilitySet) Has(c Capability) bool {
	if _, ok := s[CapAdminister]; ok {
		return true
	}
	_, ok := s[c]
	return ok
}

// HasAny reports whether the set grants at least one of caps.
func (s CapabilitySet) HasAny(caps ...Capability) bool {
	for _, c := range caps {
		if s.Has(c) {
			return true
		}
	}
	return false
}

// Strings returns the held capabilities in sorted order.
func (s CapabilitySet) Strings() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, string(c))
	}
	sort.Strings(out)
	return out
}

// Actor is an identity with its resolved capabilities.
type Actor struct {
	ID           string
	Capabilities CapabilitySet
}
