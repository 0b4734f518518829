package rdma

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/rocketbitz/multirail/fabric"
	"github.com/rocketbitz/multirail/wire"
)

// MRHandle is a buffer registered on every rail of an endpoint under a single
// remote key.
type MRHandle struct {
	key   uint64
	keyID uint32
	buf   []byte
	data  [wire.MaxRails]fabric.MemoryRegion
	ctrl  [wire.MaxRails]fabric.MemoryRegion
}

// Key returns the remote key peers use to access the buffer on any rail.
func (h *MRHandle) Key() uint64 { return h.key }

// Addr returns the address of the first registered byte.
func (h *MRHandle) Addr() uint64 { return fabric.BufferAddress(h.buf) }

// region returns the registration on rl, nil for a nil handle.
func (h *MRHandle) region(rl *rail) fabric.MemoryRegion {
	if h == nil {
		return nil
	}
	if rl.kind == fabric.RailControl {
		return h.ctrl[rl.index]
	}
	return h.data[rl.index]
}

// RegisterMemory registers buf for sends, receives and RMA on every rail.
func (ep *Endpoint) RegisterMemory(buf []byte) (*MRHandle, error) {
	if ep.closed.Load() {
		return nil, ErrClosed
	}
	if len(buf) == 0 {
		return nil, fmt.Errorf("multirail rdma: register empty buffer")
	}
	return ep.register(buf)
}

// DeregisterMemory releases a handle returned by RegisterMemory.
func (ep *Endpoint) DeregisterMemory(h *MRHandle) error {
	if h == nil {
		return nil
	}
	return ep.deregister(h)
}

func (ep *Endpoint) register(buf []byte) (*MRHandle, error) {
	id, err := ep.dev.mrKeys.Allocate()
	if err != nil {
		return nil, fmt.Errorf("multirail rdma: allocate memory key: %w", err)
	}
	h := &MRHandle{key: uint64(id) + 1, keyID: id, buf: buf}
	for _, rl := range ep.rails {
		mr, err := rl.ep.RegisterMemory(buf, fabric.AccessAll, h.key)
		if err != nil {
			_ = ep.deregister(h)
			return nil, fmt.Errorf("multirail rdma: register memory on %s rail %d: %w", rl.kind, rl.index, err)
		}
		if rl.kind == fabric.RailControl {
			h.ctrl[rl.index] = mr
		} else {
			h.data[rl.index] = mr
		}
	}
	return h, nil
}

func (ep *Endpoint) deregister(h *MRHandle) error {
	var err error
	for i := range h.data {
		if h.data[i] != nil {
			err = multierr.Append(err, h.data[i].Close())
			h.data[i] = nil
		}
		if h.ctrl[i] != nil {
			err = multierr.Append(err, h.ctrl[i].Close())
			h.ctrl[i] = nil
		}
	}
	if h.key != 0 {
		err = multierr.Append(err, ep.dev.mrKeys.Free(h.keyID))
		h.key = 0
	}
	return err
}

// registerBlock and deregisterBlock back the registered freelists.
func (ep *Endpoint) registerBlock(block []byte) (any, error) {
	return ep.register(block)
}

func (ep *Endpoint) deregisterBlock(handle any) error {
	h, ok := handle.(*MRHandle)
	if !ok {
		return fmt.Errorf("multirail rdma: unexpected block handle %T", handle)
	}
	return ep.deregister(h)
}
