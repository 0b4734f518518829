// Package idpool hands out small integer IDs from a fixed range.
package idpool

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
)

var (
	// ErrExhausted is returned when every ID is in use.
	ErrExhausted = errors.New("idpool: exhausted")
	// ErrNotAllocated is returned when freeing an ID that is not in use.
	ErrNotAllocated = errors.New("idpool: id not allocated")
)

// Pool is a bitmap of free IDs in [0, size).
type Pool struct {
	mu   sync.Mutex
	free []uint64
	size int
	next int
}

// New creates a pool of size IDs.
func New(size int) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("idpool: invalid size %d", size)
	}
	words := (size + 63) / 64
	p := &Pool{free: make([]uint64, words), size: size}
	for i := range p.free {
		p.free[i] = ^uint64(0)
	}
	if rem := size % 64; rem != 0 {
		p.free[words-1] = (uint64(1) << rem) - 1
	}
	return p, nil
}

// Allocate returns the lowest free ID at or after the last allocated one,
// wrapping around, so recently freed IDs are not reused immediately.
func (p *Pool) Allocate() (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	words := len(p.free)
	start := p.next / 64
	for i := 0; i <= words; i++ {
		w := (start + i) % words
		mask := p.free[w]
		if i == 0 {
			mask &= ^uint64(0) << (p.next % 64)
		}
		if mask == 0 {
			continue
		}
		bit := bits.TrailingZeros64(mask)
		p.free[w] &^= 1 << bit
		id := w*64 + bit
		p.next = (id + 1) % p.size
		return uint32(id), nil
	}
	return 0, ErrExhausted
}

// Free returns id to the pool.
func (p *Pool) Free(id uint32) error {
	if int(id) >= p.size {
		return fmt.Errorf("idpool: id %d out of range", id)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	w, bit := id/64, id%64
	if p.free[w]&(1<<bit) != 0 {
		return fmt.Errorf("%w: %d", ErrNotAllocated, id)
	}
	p.free[w] |= 1 << bit
	return nil
}

// Size returns the number of IDs managed by the pool.
func (p *Pool) Size() int { return p.size }
