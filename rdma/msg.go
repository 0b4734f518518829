package rdma

import (
	"fmt"

	"github.com/rocketbitz/multirail/fabric"
)

// postMsg encodes a protocol message into a registered message buffer owned
// by r and sends it on control rail idx. Direct posts bypass the pending
// queue and return fabric.ErrAgain to the caller instead.
func (ep *Endpoint) postMsg(r *Request, idx int, dest fabric.Address, direct bool, encode func([]byte) (int, error)) error {
	d, ok := r.data.(*msgData)
	if !ok {
		buf, err := ep.msgBufs.Alloc()
		if err != nil {
			return fmt.Errorf("multirail rdma: allocate message buffer: %w", err)
		}
		d = &msgData{buf: buf, rail: idx}
		r.data = d
	}
	n, err := encode(d.buf.Bytes())
	if err != nil {
		return err
	}
	rl := ep.ctrl[idx]
	handle, _ := d.buf.Handle().(*MRHandle)
	req := &fabric.SendRequest{
		Buffer:  d.buf.Bytes()[:n],
		Region:  handle.region(rl),
		Dest:    dest,
		Context: r,
	}
	if !direct {
		return ep.post(r, func() error { return rl.ep.PostSend(req) })
	}
	r.posted(1)
	if err := rl.ep.PostSend(req); err != nil {
		r.retired()
		return err
	}
	return nil
}
