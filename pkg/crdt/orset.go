// Package crdt implements the observed-remove set used to replicate cluster
// membership.
//
// Each add tags the element with a fresh (actor, counter) dot. A remove
// discards only the dots the local replica has observed, so an add
// concurrent with a remove elsewhere survives the merge. Rather than
// keeping explicit tombstones, the set maintains a per-actor causal context
// recording the highest counter seen from each actor: a dot absent from an
// element but covered by the context is known-removed.
package crdt

import "sort"

// Dot is a unique tag for a single add operation.
type Dot struct {
	Actor   ActorID
	Counter uint64
}

type element struct {
	member Member

	// dots contains the observed add tags for the element.
	dots map[Dot]struct{}
}

// Set is an observed-remove set of members.
//
// Merge is commutative, associative and idempotent, so replicas converge
// regardless of delivery order. Set is not safe for concurrent use.
type Set struct {
	// clock records the highest counter observed from each actor.
	clock map[ActorID]uint64

	// elements maps member name to its observed state.
	elements map[string]*element
}

// New creates an empty set.
func New() *Set {
	return &Set{
		clock:    make(map[ActorID]uint64),
		elements: make(map[string]*element),
	}
}

// Add adds the member to the set, tagged with a fresh dot from the given
// actor.
//
// Adding a member that is already present replaces its observed dots with
// the fresh dot; the replaced dots remain covered by the clock.
func (s *Set) Add(m Member, actor ActorID) {
	counter := s.clock[actor] + 1
	s.clock[actor] = counter

	s.elements[m.Name] = &element{
		member: m,
		dots: map[Dot]struct{}{
			{Actor: actor, Counter: counter}: {},
		},
	}
}

// Remove removes the member from the set.
//
// Only the dots this replica has observed are discarded. A concurrent add
// elsewhere carries a dot this replica has not seen, so the member returns
// on merge.
func (s *Set) Remove(m Member) {
	delete(s.elements, m.Name)
}

// Contains returns whether a member with the given name is in the set.
func (s *Set) Contains(name string) bool {
	_, ok := s.elements[name]
	return ok
}

// Member returns the descriptor for the member with the given name.
func (s *Set) Member(name string) (Member, bool) {
	el, ok := s.elements[name]
	if !ok {
		return Member{}, false
	}
	return el.member, true
}

// Value returns the members in the set, ordered by name.
func (s *Set) Value() []Member {
	members := make([]Member, 0, len(s.elements))
	for _, el := range s.elements {
		members = append(members, el.member)
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].Name < members[j].Name
	})
	return members
}

// Len returns the number of members in the set.
func (s *Set) Len() int {
	return len(s.elements)
}

// Merge merges the other set into s.
//
// Information is never lost by merging: a dot survives unless the replica
// that no longer carries it has provably observed it (its clock covers the
// dot).
func (s *Set) Merge(other *Set) {
	merged := make(map[string]*element)

	for name, el := range s.elements {
		otherEl, ok := other.elements[name]
		if !ok {
			// The other replica doesn't have the element. Keep only the
			// dots it has not observed.
			dots := uncoveredDots(el.dots, other.clock)
			if len(dots) > 0 {
				merged[name] = &element{member: el.member, dots: dots}
			}
			continue
		}

		// Both replicas have the element. Keep dots both have, plus dots
		// unique to one side the other has not observed.
		dots := make(map[Dot]struct{})
		for dot := range el.dots {
			if _, ok := otherEl.dots[dot]; ok {
				dots[dot] = struct{}{}
			} else if !covered(dot, other.clock) {
				dots[dot] = struct{}{}
			}
		}
		for dot := range otherEl.dots {
			if _, ok := el.dots[dot]; !ok && !covered(dot, s.clock) {
				dots[dot] = struct{}{}
			}
		}
		if len(dots) > 0 {
			merged[name] = &element{member: el.member, dots: dots}
		}
	}

	for name, otherEl := range other.elements {
		if _, ok := s.elements[name]; ok {
			continue
		}
		dots := uncoveredDots(otherEl.dots, s.clock)
		if len(dots) > 0 {
			merged[name] = &element{member: otherEl.member, dots: dots}
		}
	}

	for actor, counter := range other.clock {
		if counter > s.clock[actor] {
			s.clock[actor] = counter
		}
	}
	s.elements = merged
}

// Equal returns whether the two sets have the same observed state.
func (s *Set) Equal(other *Set) bool {
	if len(s.clock) != len(other.clock) {
		return false
	}
	for actor, counter := range s.clock {
		if other.clock[actor] != counter {
			return false
		}
	}

	if len(s.elements) != len(other.elements) {
		return false
	}
	for name, el := range s.elements {
		otherEl, ok := other.elements[name]
		if !ok {
			return false
		}
		if len(el.dots) != len(otherEl.dots) {
			return false
		}
		for dot := range el.dots {
			if _, ok := otherEl.dots[dot]; !ok {
				return false
			}
		}
	}
	return true
}

// Copy returns a deep copy of the set.
func (s *Set) Copy() *Set {
	clone := New()
	for actor, counter := range s.clock {
		clone.clock[actor] = counter
	}
	for name, el := range s.elements {
		dots := make(map[Dot]struct{}, len(el.dots))
		for dot := range el.dots {
			dots[dot] = struct{}{}
		}
		clone.elements[name] = &element{member: el.member, dots: dots}
	}
	return clone
}

func covered(dot Dot, clock map[ActorID]uint64) bool {
	return clock[dot.Actor] >= dot.Counter
}

func uncoveredDots(dots map[Dot]struct{}, clock map[ActorID]uint64) map[Dot]struct{} {
	kept := make(map[Dot]struct{})
	for dot := range dots {
		if !covered(dot, clock) {
			kept[dot] = struct{}{}
		}
	}
	return kept
}
