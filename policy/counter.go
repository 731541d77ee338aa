package policy

import "math"

// Counter is the per-unit scalar used by the round-robin variant. It
// is not synchronised: exactly one unit owns it and a unit runs one
// dispatch at a time. It wraps silently at 2^32.
type Counter struct {
	v uint32
}

// Next returns the current value and increments it.
func (c *Counter) Next() uint32 {
	v := c.v
	c.v++
	return v
}

// Load returns the current value without incrementing it.
func (c *Counter) Load() uint32 { return c.v }

// Reset sets the counter to v.
func (c *Counter) Reset(v uint32) { c.v = v }

// Remaining returns how many increments are left before the counter
// wraps to zero.
func (c *Counter) Remaining() uint64 {
	return uint64(math.MaxUint32) - uint64(c.v) + 1
}

// Unit is one execution unit, the user-space equivalent of a CPU
// running the in-kernel dispatcher. A Unit must only be used by one
// goroutine at a time; that exclusivity is what makes the counter
// safe without atomics.
type Unit struct {
	ID      int
	counter *Counter
}

// NewUnit returns a unit with zeroed counter state.
func NewUnit(id int) *Unit {
	return &Unit{ID: id, counter: &Counter{}}
}

// NewUnitWithoutCounter returns a unit with no counter storage. The
// round-robin variant passes every packet through on such a unit.
func NewUnitWithoutCounter(id int) *Unit {
	return &Unit{ID: id}
}

// Counter returns the unit's counter, or nil when it has none.
func (u *Unit) Counter() *Counter { return u.counter }

// NewUnits returns n units with IDs 0..n-1.
func NewUnits(n int) []*Unit {
	units := make([]*Unit, n)
	for i := range units {
		units[i] = NewUnit(i)
	}
	return units
}
