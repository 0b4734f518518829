// Package rdma is a multi-rail message transport. A Device stripes large
// messages across several fabric rails, delivers small ones eagerly into
// pre-posted buffers and drives a staged, non-blocking connection handshake.
// All progress happens inside calls made by the owning goroutine: Progress,
// Request.Test and the Connect/Accept polls.
package rdma

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rocketbitz/multirail/fabric"
	"github.com/rocketbitz/multirail/internal/idpool"
	"github.com/rocketbitz/multirail/scheduler"
	"github.com/rocketbitz/multirail/wire"
)

// mrKeySpace bounds the number of concurrently registered buffers.
const mrKeySpace = 1 << 16

// Constructors replaced in tests.
var (
	newScheduler = scheduler.New
	newIDPool    = idpool.New
)

// Owner identifies the user of an endpoint, typically one goroutine or
// worker. Callers with the same owner share an endpoint.
type Owner string

// Device is the top-level engine object. It owns the rail schedulers, the
// communicator and memory-key ID spaces, and one endpoint per owner.
type Device struct {
	cfg      Config
	provider fabric.Provider
	obs      *observer

	sched     *scheduler.Threshold
	ctrlSched *scheduler.Threshold
	commIDs   *idpool.Pool
	mrKeys    *idpool.Pool

	mu        sync.Mutex
	endpoints map[Owner]*Endpoint
	closed    bool
}

// NewDevice validates cfg and creates a device opening rails through provider.
func NewDevice(cfg Config, provider fabric.Provider) (*Device, error) {
	if provider == nil {
		return nil, fmt.Errorf("multirail rdma: nil provider")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sched, err := newScheduler(scheduler.Config{
		MaxRails:            cfg.NumRails,
		MinStripeSize:       cfg.MinStripeSize,
		RoundRobinThreshold: cfg.RoundRobinThreshold,
	})
	if err != nil {
		return nil, err
	}
	// Control messages are never split, so every size takes the round-robin path.
	ctrlSched, err := newScheduler(scheduler.Config{
		MaxRails:            cfg.NumControlRails,
		MinStripeSize:       cfg.MinStripeSize,
		RoundRobinThreshold: cfg.msgBufferSize(),
	})
	if err != nil {
		_ = sched.Close()
		return nil, err
	}
	commIDs, err := newIDPool(wire.NumCommIDs)
	if err != nil {
		return nil, multierr.Combine(err, sched.Close(), ctrlSched.Close())
	}
	mrKeys, err := newIDPool(mrKeySpace)
	if err != nil {
		return nil, multierr.Combine(err, sched.Close(), ctrlSched.Close())
	}

	d := &Device{
		cfg:       cfg,
		provider:  provider,
		obs:       newObserver(&cfg),
		sched:     sched,
		ctrlSched: ctrlSched,
		commIDs:   commIDs,
		mrKeys:    mrKeys,
		endpoints: make(map[Owner]*Endpoint),
	}
	d.obs.log.Debug("device created",
		zap.Int("rails", cfg.NumRails),
		zap.Int("control_rails", cfg.NumControlRails),
		zap.Int("eager_max", cfg.EagerMaxSize))
	return d, nil
}

// Config returns the effective configuration.
func (d *Device) Config() Config { return d.cfg }

// Endpoint returns the endpoint of owner, creating it on first use. Every
// call must be paired with Endpoint.Release.
func (d *Device) Endpoint(owner Owner) (*Endpoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if ep, ok := d.endpoints[owner]; ok {
		ep.refs++
		return ep, nil
	}
	ep, err := newEndpoint(d, owner)
	if err != nil {
		return nil, err
	}
	ep.refs = 1
	d.endpoints[owner] = ep
	return ep, nil
}

// release drops one reference to ep and closes it at zero.
func (d *Device) release(ep *Endpoint) error {
	d.mu.Lock()
	if ep.refs > 1 {
		ep.refs--
		d.mu.Unlock()
		return nil
	}
	if n := ep.openComms(); n > 0 {
		d.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrBusy, n)
	}
	ep.refs = 0
	delete(d.endpoints, ep.owner)
	d.mu.Unlock()
	return ep.close()
}

// Close closes every endpoint, whatever its reference count, and the
// schedulers.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	eps := make([]*Endpoint, 0, len(d.endpoints))
	for _, ep := range d.endpoints {
		eps = append(eps, ep)
	}
	d.endpoints = map[Owner]*Endpoint{}
	d.mu.Unlock()

	var err error
	for _, ep := range eps {
		err = multierr.Append(err, ep.close())
	}
	err = multierr.Append(err, d.sched.Close())
	err = multierr.Append(err, d.ctrlSched.Close())
	return err
}
