// Package ports picks free remote ports from the configured pool.
//
// The allocator is stateless: the set of held ports is derived from the live
// (pending or active) access keys and passed in by the caller. Allocation and
// the insert that records the chosen port must happen inside the same
// critical section — the inserted record is the reservation.
package ports

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

// ErrPoolExhausted is returned when every port in the range is held.
var ErrPoolExhausted = errors.New("ports: pool exhausted")

// maxRandomTrials caps the random-sampling phase before falling back to a
// sequential scan.
const maxRandomTrials = 1000

// Allocator allocates ports from the inclusive range [Lo, Hi].
type Allocator struct {
	lo, hi int
}

// New returns an allocator over the inclusive range [lo, hi].
func New(lo, hi int) (*Allocator, error) {
	if lo <= 0 || hi > 65535 || lo > hi {
		return nil, fmt.Errorf("ports: invalid range [%d, %d]", lo, hi)
	}
	return &Allocator{lo: lo, hi: hi}, nil
}

// Range returns the inclusive bounds of the pool.
func (a *Allocator) Range() (lo, hi int) { return a.lo, a.hi }

// Contains reports whether p falls inside the pool range.
func (a *Allocator) Contains(p int) bool { return p >= a.lo && p <= a.hi }

// Allocate returns a port in range that is not in held. Ports are sampled
// with a CSPRNG so allocations are not predictable from earlier ones; after
// the trial budget a sequential scan guarantees any remaining free port is
// found. held entries outside the range are ignored, so a shrunk config
// range does not starve the pool.
func (a *Allocator) Allocate(held map[int]bool) (int, error) {
	size := a.hi - a.lo + 1

	inRange := 0
	for p := range held {
		if a.Contains(p) {
			inRange++
		}
	}
	if inRange >= size {
		return 0, ErrPoolExhausted
	}

	trials := size
	if trials > maxRandomTrials {
		trials = maxRandomTrials
	}
	for i := 0; i < trials; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(size)))
		if err != nil {
			return 0, fmt.Errorf("ports: random draw: %w", err)
		}
		p := a.lo + int(n.Int64())
		if !held[p] {
			return p, nil
		}
	}

	for p := a.lo; p <= a.hi; p++ {
		if !held[p] {
			return p, nil
		}
	}
	return 0, ErrPoolExhausted
}

// Release is a no-op: a port is freed by its key leaving the pending/active
// states, not by an allocator call. Kept so call sites read symmetrically.
func (a *Allocator) Release(int) {}
