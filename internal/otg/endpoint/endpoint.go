// Package endpoint tracks a USB Device Controller's endpoint budget.
// It is pure in-memory accounting with no I/O: callers must reserve
// endpoints here before issuing any ConfigFS write, so an over-commit is
// always caught before the kernel ever sees it.
package endpoint

import "github.com/mofeng-git/One-KVM-sub001/internal/errutil"

// DefaultMaxEndpoints is the endpoint budget assumed for a typical UDC.
const DefaultMaxEndpoints uint8 = 16

// Allocator tracks how many of a UDC's endpoints are committed.
type Allocator struct {
	max  uint8
	used uint8
}

// New returns an Allocator with the given endpoint budget.
func New(max uint8) *Allocator {
	return &Allocator{max: max}
}

// NewDefault returns an Allocator with DefaultMaxEndpoints.
func NewDefault() *Allocator {
	return New(DefaultMaxEndpoints)
}

// Allocate reserves count endpoints, failing if doing so would exceed the
// budget.
func (a *Allocator) Allocate(count uint8) error {
	if a.used+count > a.max {
		return errutil.Errorf("not enough endpoints: need %d, available %d", count, a.Available())
	}
	a.used += count
	return nil
}

// Release returns count endpoints to the pool, saturating at zero.
func (a *Allocator) Release(count uint8) {
	if count > a.used {
		a.used = 0
		return
	}
	a.used -= count
}

// Available reports how many endpoints remain unallocated.
func (a *Allocator) Available() uint8 {
	if a.used > a.max {
		return 0
	}
	return a.max - a.used
}

// Used reports how many endpoints are currently allocated.
func (a *Allocator) Used() uint8 { return a.used }

// Max reports the total endpoint budget.
func (a *Allocator) Max() uint8 { return a.max }

// CanAllocate reports whether count endpoints are currently available.
func (a *Allocator) CanAllocate(count uint8) bool {
	return a.Available() >= count
}
