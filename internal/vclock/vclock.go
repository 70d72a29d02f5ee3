// Package vclock implements vector clocks for causality tracking across
// the replicated operation log: each node maintains a per-node counter and
// compares clocks to tell whether one operation causally precedes, follows,
// or is concurrent with another.
//
// Grounded on original_source/controller/vector_clock.py, translated from an
// immutable dict-wrapping class into an immutable map-wrapping value type
// (Increment/Merge return a new Clock rather than mutating the receiver, to
// keep the type safe to share across the gossip and conflict-resolution
// goroutines without a lock).
package vclock

import "encoding/json"

// Relation describes the causal relationship between two clocks.
type Relation int

const (
	Equal Relation = iota
	Before
	After
	Concurrent
)

func (r Relation) String() string {
	switch r {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// Clock is an immutable node_id -> counter map.
type Clock struct {
	counts map[string]uint64
}

// New returns an empty clock.
func New() Clock {
	return Clock{}
}

// FromMap builds a Clock from an existing node->counter map, copying it so
// the caller's map can still be mutated freely afterward.
func FromMap(m map[string]uint64) Clock {
	c := Clock{counts: make(map[string]uint64, len(m))}
	for k, v := range m {
		c.counts[k] = v
	}
	return c
}

// Get returns nodeID's counter, or 0 if absent.
func (c Clock) Get(nodeID string) uint64 {
	return c.counts[nodeID]
}

// Increment returns a new Clock with nodeID's counter incremented by one.
func (c Clock) Increment(nodeID string) Clock {
	next := Clock{counts: make(map[string]uint64, len(c.counts)+1)}
	for k, v := range c.counts {
		next.counts[k] = v
	}
	next.counts[nodeID] = next.counts[nodeID] + 1
	return next
}

// Merge returns a new Clock holding, for every node, the max of the two
// clocks' counters.
func (c Clock) Merge(other Clock) Clock {
	next := Clock{counts: make(map[string]uint64, len(c.counts)+len(other.counts))}
	for k, v := range c.counts {
		next.counts[k] = v
	}
	for k, v := range other.counts {
		if v > next.counts[k] {
			next.counts[k] = v
		}
	}
	return next
}

// Compare returns the causal relationship of c to other.
func (c Clock) Compare(other Clock) Relation {
	selfGreater := false
	otherGreater := false

	seen := make(map[string]struct{}, len(c.counts)+len(other.counts))
	for k := range c.counts {
		seen[k] = struct{}{}
	}
	for k := range other.counts {
		seen[k] = struct{}{}
	}

	for node := range seen {
		sv := c.counts[node]
		ov := other.counts[node]
		if sv > ov {
			selfGreater = true
		} else if ov > sv {
			otherGreater = true
		}
	}

	switch {
	case selfGreater && !otherGreater:
		return After
	case otherGreater && !selfGreater:
		return Before
	case !selfGreater && !otherGreater:
		return Equal
	default:
		return Concurrent
	}
}

// Equals reports whether c and other hold identical counters.
func (c Clock) Equals(other Clock) bool {
	return c.Compare(other) == Equal
}

// Map returns a copy of the clock's underlying node->counter map.
func (c Clock) Map() map[string]uint64 {
	m := make(map[string]uint64, len(c.counts))
	for k, v := range c.counts {
		m[k] = v
	}
	return m
}

// MarshalJSON serializes the clock as a plain {node_id: counter} object.
func (c Clock) MarshalJSON() ([]byte, error) {
	if c.counts == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c.counts)
}

// UnmarshalJSON deserializes a {node_id: counter} object into the clock.
func (c *Clock) UnmarshalJSON(data []byte) error {
	var m map[string]uint64
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	c.counts = m
	return nil
}
