// Package scheduler splits messages into per-rail stripes.
package scheduler

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rocketbitz/multirail/freelist"
	"github.com/rocketbitz/multirail/wire"
)

// DefaultAlign is the stripe alignment used for multiplexed messages.
const DefaultAlign = 128

// Stripe is a contiguous byte range of a message assigned to one rail.
type Stripe struct {
	Rail   int
	Offset int
	Length int
}

// Plan is an ordered, gap-free striping of a message. Plans are owned by the
// caller until handed back through Release.
type Plan struct {
	Stripes []Stripe

	elem *freelist.Elem[Plan]
}

// Size returns the total number of bytes covered by the plan.
func (p *Plan) Size() int {
	n := 0
	for _, s := range p.Stripes {
		n += s.Length
	}
	return n
}

// Scheduler produces striping plans.
type Scheduler interface {
	Schedule(size, numRails int) (*Plan, error)
	Release(p *Plan)
	Close() error
}

// Config configures a Threshold scheduler.
type Config struct {
	// MaxRails bounds the rail count accepted by Schedule.
	MaxRails int
	// MinStripeSize is the smallest stripe worth splitting a message for.
	MinStripeSize int
	// RoundRobinThreshold routes messages of at most this size to a single
	// rail in rotation. Zero disables the shortcut.
	RoundRobinThreshold int
	// Align is the stripe alignment; defaults to DefaultAlign.
	Align int
}

// Threshold multiplexes large messages over an evenly dividing number of
// rails and rotates the starting rail across calls.
type Threshold struct {
	cfg   Config
	plans *freelist.Freelist[Plan]

	rrMu      sync.Mutex
	rrCounter int
}

var _ Scheduler = (*Threshold)(nil)

// New creates a threshold scheduler.
func New(cfg Config) (*Threshold, error) {
	if cfg.MaxRails <= 0 || cfg.MaxRails > wire.MaxRails {
		return nil, fmt.Errorf("scheduler: rail count %d out of range [1,%d]", cfg.MaxRails, wire.MaxRails)
	}
	if cfg.MinStripeSize <= 0 {
		return nil, errors.New("scheduler: min stripe size must be positive")
	}
	if cfg.Align <= 0 {
		cfg.Align = DefaultAlign
	}
	plans, err := freelist.New[Plan](freelist.Config{
		Name:          "schedule",
		InitialCount:  16,
		IncreaseCount: 16,
	})
	if err != nil {
		return nil, err
	}
	return &Threshold{cfg: cfg, plans: plans}, nil
}

// Schedule returns the plan for a message of size bytes over numRails rails.
func (s *Threshold) Schedule(size, numRails int) (*Plan, error) {
	if numRails <= 0 || numRails > s.cfg.MaxRails {
		return nil, fmt.Errorf("scheduler: rail count %d out of range [1,%d]", numRails, s.cfg.MaxRails)
	}
	if size < 0 {
		return nil, fmt.Errorf("scheduler: negative message size %d", size)
	}

	e, err := s.plans.Alloc()
	if err != nil {
		return nil, fmt.Errorf("scheduler: allocate plan: %w", err)
	}
	p := &e.Value
	p.elem = e
	if p.Stripes == nil {
		p.Stripes = make([]Stripe, 0, wire.MaxRails)
	}
	p.Stripes = p.Stripes[:0]

	numStripes := 1
	if s.cfg.RoundRobinThreshold == 0 || size > s.cfg.RoundRobinThreshold {
		numStripes = NumStripes(size, numRails, s.cfg.MinStripeSize)
	}

	s.rrMu.Lock()
	cur := s.rrCounter % numRails
	s.rrCounter = (cur + numStripes) % numRails
	s.rrMu.Unlock()

	maxStripe := DivCeil(DivCeil(size, numStripes), s.cfg.Align) * s.cfg.Align
	left, offset := size, 0
	for i := 0; i < numStripes; i++ {
		n := min(left, maxStripe)
		p.Stripes = append(p.Stripes, Stripe{Rail: cur, Offset: offset, Length: n})
		offset += n
		left -= n
		cur = (cur + 1) % numRails
	}
	return p, nil
}

// Release returns a plan to the scheduler's pool.
func (s *Threshold) Release(p *Plan) {
	if p == nil || p.elem == nil {
		return
	}
	e := p.elem
	p.elem = nil
	s.plans.Free(e)
}

// Close releases the plan pool.
func (s *Threshold) Close() error {
	return s.plans.Close()
}

// NumStripes returns the stripe count for a multiplexed message: the largest
// divisor of numRails not above the ideal count, or 1.
func NumStripes(size, numRails, minStripeSize int) int {
	n := max(1, min(DivCeil(size, minStripeSize), numRails))
	for i := n; i > 1; i-- {
		if numRails%i == 0 {
			return i
		}
	}
	return 1
}

// DivCeil divides rounding up; DivCeil(0, y) is 0.
func DivCeil(x, y int) int {
	if x == 0 {
		return 0
	}
	return (x + y - 1) / y
}
