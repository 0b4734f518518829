// Package freelist provides a fixed-size entry pool that grows lazily in
// page-sized blocks and can register each block with a memory-registration
// callback so entries inherit the block's registration handle.
package freelist

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// ErrPoolExhausted is returned when the pool reached its configured maximum
// and no free entry remains.
var ErrPoolExhausted = errors.New("freelist: pool exhausted")

// ErrClosed is returned by operations on a closed pool.
var ErrClosed = errors.New("freelist: closed")

// RegisterFunc registers one backing block and returns an opaque handle.
type RegisterFunc func(block []byte) (any, error)

// DeregisterFunc releases a handle produced by RegisterFunc.
type DeregisterFunc func(handle any) error

// Config describes a pool.
type Config struct {
	// Name is used in error messages.
	Name string
	// EntrySize is the usable byte size of one entry. Zero means the pool
	// only carries values and allocates no backing memory.
	EntrySize int
	// InitialCount entries are created by New.
	InitialCount int
	// IncreaseCount entries are added whenever Alloc finds the pool empty.
	IncreaseCount int
	// MaxCount caps the number of entries. Zero means unlimited.
	MaxCount int
	// Alignment of each entry; rounded up to at least 8.
	Alignment int
	// Redzone bytes are appended after every entry.
	Redzone int

	Register   RegisterFunc
	Deregister DeregisterFunc
}

// Elem is one pool entry. Value is kept across Alloc/Free cycles, so callers
// reset what they need on every allocation.
type Elem[T any] struct {
	Value T

	buf    []byte
	handle any
	next   *Elem[T]
	inUse  bool
	owner  *Freelist[T]
}

// Bytes returns the entry's backing memory, nil for value-only pools.
func (e *Elem[T]) Bytes() []byte { return e.buf }

// Handle returns the registration handle of the entry's block, nil when the
// pool has no registration callback.
func (e *Elem[T]) Handle() any { return e.handle }

type block[T any] struct {
	mem        []byte
	elems      []Elem[T]
	handle     any
	registered bool
}

// Freelist is a mutex-protected pool of entries carrying a T value each.
type Freelist[T any] struct {
	mu sync.Mutex

	name          string
	userSize      int
	entrySize     int
	increaseCount int
	maxCount      int
	allocated     int
	inUse         int

	register   RegisterFunc
	deregister DeregisterFunc

	head   *Elem[T]
	blocks []*block[T]
	closed bool
}

// New creates a pool and pre-populates it with the initial entries.
func New[T any](cfg Config) (*Freelist[T], error) {
	if cfg.EntrySize < 0 || cfg.InitialCount < 0 || cfg.IncreaseCount < 0 || cfg.MaxCount < 0 {
		return nil, fmt.Errorf("freelist %s: negative size or count", cfg.Name)
	}
	align := cfg.Alignment
	if align < 8 {
		align = 8
	}
	page := PageSize()
	if align&(align-1) != 0 || align > page {
		return nil, fmt.Errorf("freelist %s: invalid alignment %d", cfg.Name, cfg.Alignment)
	}
	if cfg.Register != nil && cfg.EntrySize == 0 {
		return nil, fmt.Errorf("freelist %s: registration requires backing memory", cfg.Name)
	}

	fl := &Freelist[T]{
		name:       cfg.Name,
		userSize:   cfg.EntrySize,
		maxCount:   cfg.MaxCount,
		register:   cfg.Register,
		deregister: cfg.Deregister,
	}
	initial := cfg.InitialCount
	fl.increaseCount = cfg.IncreaseCount
	if cfg.EntrySize > 0 {
		fl.entrySize = roundUp(cfg.EntrySize, align)
		if cfg.Redzone > 0 {
			fl.entrySize += roundUp(cfg.Redzone, align)
		}
		initial = pagePaddedCount(fl.entrySize, initial, page)
		fl.increaseCount = pagePaddedCount(fl.entrySize, fl.increaseCount, page)
	}

	if initial > 0 {
		if err := fl.Add(initial); err != nil && !errors.Is(err, ErrPoolExhausted) {
			_ = fl.Close()
			return nil, err
		}
	}
	return fl, nil
}

// EntrySize returns the padded per-entry stride in bytes.
func (fl *Freelist[T]) EntrySize() int { return fl.entrySize }

// Add grows the pool by up to count entries, bounded by MaxCount.
func (fl *Freelist[T]) Add(count int) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.closed {
		return ErrClosed
	}
	return fl.addLocked(count)
}

func (fl *Freelist[T]) addLocked(count int) error {
	if fl.maxCount > 0 && fl.maxCount-fl.allocated < count {
		count = fl.maxCount - fl.allocated
	}
	if count <= 0 {
		return fmt.Errorf("freelist %s: %w", fl.name, ErrPoolExhausted)
	}

	b := &block[T]{elems: make([]Elem[T], count)}
	if fl.entrySize > 0 {
		mem, err := allocPages(roundUp(fl.entrySize*count, PageSize()))
		if err != nil {
			return fmt.Errorf("freelist %s: allocate block: %w", fl.name, err)
		}
		b.mem = mem
		if fl.register != nil {
			handle, err := fl.register(mem)
			if err != nil {
				_ = freePages(mem)
				return fmt.Errorf("freelist %s: register block: %w", fl.name, err)
			}
			b.handle = handle
			b.registered = true
		}
	}

	for i := range b.elems {
		e := &b.elems[i]
		e.owner = fl
		e.handle = b.handle
		if fl.entrySize > 0 {
			off := i * fl.entrySize
			e.buf = b.mem[off : off+fl.userSize : off+fl.userSize]
		}
		e.next = fl.head
		fl.head = e
	}
	fl.blocks = append(fl.blocks, b)
	fl.allocated += count
	return nil
}

// Alloc returns a free entry, growing the pool if needed.
func (fl *Freelist[T]) Alloc() (*Elem[T], error) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.closed {
		return nil, ErrClosed
	}
	if fl.head == nil {
		if err := fl.addLocked(fl.increaseCount); err != nil {
			return nil, err
		}
	}
	e := fl.head
	fl.head = e.next
	e.next = nil
	e.inUse = true
	fl.inUse++
	return e, nil
}

// Free returns an entry to the pool. Freeing an entry twice or into a pool
// that does not own it panics.
func (fl *Freelist[T]) Free(e *Elem[T]) {
	if e == nil {
		panic("freelist: free of nil entry")
	}
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if e.owner != fl {
		panic(fmt.Sprintf("freelist %s: entry belongs to another pool", fl.name))
	}
	if !e.inUse {
		panic(fmt.Sprintf("freelist %s: double free", fl.name))
	}
	e.inUse = false
	e.next = fl.head
	fl.head = e
	fl.inUse--
}

// Allocated returns the number of entries created so far.
func (fl *Freelist[T]) Allocated() int {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.allocated
}

// InUse returns the number of entries currently handed out.
func (fl *Freelist[T]) InUse() int {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.inUse
}

// Close deregisters and releases every block. Entries must not be used
// afterwards.
func (fl *Freelist[T]) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.closed {
		return nil
	}
	fl.closed = true

	var err error
	for _, b := range fl.blocks {
		if b.registered && fl.deregister != nil {
			err = multierr.Append(err, fl.deregister(b.handle))
		}
		if b.mem != nil {
			err = multierr.Append(err, freePages(b.mem))
		}
		b.mem = nil
		b.elems = nil
	}
	fl.blocks = nil
	fl.head = nil
	return err
}

func roundUp(x, align int) int {
	if align <= 0 {
		return x
	}
	return (x + align - 1) / align * align
}

// pagePaddedCount grows count so count*entrySize fills whole pages.
func pagePaddedCount(entrySize, count, page int) int {
	if count == 0 {
		return 0
	}
	return roundUp(entrySize*count, page) / entrySize
}
