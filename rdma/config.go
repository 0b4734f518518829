package rdma

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/rocketbitz/multirail/wire"
)

// Config is the immutable engine configuration. It is copied by NewDevice
// and never modified afterwards.
type Config struct {
	// Name labels logs and metrics of the device.
	Name string

	NumRails        int
	NumControlRails int

	// MinStripeSize is the smallest stripe a message is split into.
	MinStripeSize int
	// RoundRobinThreshold sends messages of at most this size on a single rail.
	RoundRobinThreshold int
	// EagerMaxSize is the largest message sent without waiting for a control message.
	EagerMaxSize int
	// MaxRequests bounds in-flight requests per communicator.
	MaxRequests int
	// MaxPooledRequests caps the request pool of an endpoint. Zero leaves it
	// unbounded.
	MaxPooledRequests int

	MinRxBuffersPosted int
	MaxRxBuffersPosted int

	// LongKeys selects 64-bit remote keys in control messages.
	LongKeys bool
	// CQReadCount is the number of completions read per rail per poll.
	CQReadCount int

	Logger  *zap.Logger
	Tracer  Tracer
	Metrics MetricHook
}

// DefaultConfig returns the default configuration for one data and one control rail.
func DefaultConfig() Config {
	return Config{
		Name:                "multirail",
		NumRails:            1,
		NumControlRails:     1,
		MinStripeSize:       128 * 1024,
		RoundRobinThreshold: 8 * 1024,
		EagerMaxSize:        8 * 1024,
		MaxRequests:         wire.MaxRequests,
		MinRxBuffersPosted:  8,
		MaxRxBuffersPosted:  16,
		CQReadCount:         16,
	}
}

// withDefaults fills unset numeric fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.NumRails == 0 {
		c.NumRails = d.NumRails
	}
	if c.NumControlRails == 0 {
		c.NumControlRails = d.NumControlRails
	}
	if c.MinStripeSize == 0 {
		c.MinStripeSize = d.MinStripeSize
	}
	if c.MaxRequests == 0 {
		c.MaxRequests = d.MaxRequests
	}
	if c.MinRxBuffersPosted == 0 {
		c.MinRxBuffersPosted = d.MinRxBuffersPosted
	}
	if c.MaxRxBuffersPosted == 0 {
		c.MaxRxBuffersPosted = max(d.MaxRxBuffersPosted, c.MinRxBuffersPosted)
	}
	if c.CQReadCount == 0 {
		c.CQReadCount = d.CQReadCount
	}
	return c
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.NumRails < 1 || c.NumRails > wire.MaxRails {
		return fmt.Errorf("multirail rdma: rail count %d out of range [1,%d]", c.NumRails, wire.MaxRails)
	}
	if c.NumControlRails < 1 || c.NumControlRails > wire.MaxRails {
		return fmt.Errorf("multirail rdma: control rail count %d out of range [1,%d]", c.NumControlRails, wire.MaxRails)
	}
	if c.MinStripeSize <= 0 {
		return fmt.Errorf("multirail rdma: min stripe size must be positive")
	}
	if c.EagerMaxSize < 0 || c.RoundRobinThreshold < 0 {
		return fmt.Errorf("multirail rdma: eager and round-robin sizes must not be negative")
	}
	if c.MaxPooledRequests < 0 {
		return fmt.Errorf("multirail rdma: max pooled requests must not be negative")
	}
	if c.MaxRequests < 1 || c.MaxRequests > wire.NumSeqs/2 {
		return fmt.Errorf("multirail rdma: max requests %d out of range [1,%d]", c.MaxRequests, wire.NumSeqs/2)
	}
	if c.MinRxBuffersPosted < 1 || c.MaxRxBuffersPosted < c.MinRxBuffersPosted {
		return fmt.Errorf("multirail rdma: rx buffer bounds [%d,%d] invalid", c.MinRxBuffersPosted, c.MaxRxBuffersPosted)
	}
	if c.CQReadCount < 1 {
		return fmt.Errorf("multirail rdma: cq read count must be positive")
	}
	return nil
}

func (c *Config) rxBufferSize() int {
	return max(c.EagerMaxSize, wire.ConnMsgSize, wire.CtrlMsgMaxSize, wire.CloseMsgSize)
}

func (c *Config) msgBufferSize() int {
	return max(wire.ConnMsgSize, wire.CtrlMsgMaxSize, wire.CloseMsgSize)
}
