package rdma

import (
	"fmt"

	"github.com/rocketbitz/multirail/fabric"
	"github.com/rocketbitz/multirail/freelist"
	"github.com/rocketbitz/multirail/wire"
)

// RecvComm is the receiving side of a connection, returned by Accept.
type RecvComm struct {
	c *commBase

	respReq  *Request
	flushBuf *freelist.Elem[struct{}]
}

// ID returns the local communicator ID.
func (rc *RecvComm) ID() uint32 { return rc.c.localID }

// RemoteID returns the peer's send communicator ID.
func (rc *RecvComm) RemoteID() uint32 { return rc.c.remoteID }

// Recv posts buf for the next message of the connection. It advertises the
// buffer to the sender with a control message and completes once the data
// landed, either through RDMA writes or an eager copy.
func (rc *RecvComm) Recv(buf []byte, mr *MRHandle) (*Request, error) {
	c := rc.c
	ep := c.ep
	if len(buf) > 0 && mr == nil {
		return nil, fmt.Errorf("multirail rdma: recv of %d bytes without a registered region", len(buf))
	}
	r, err := ep.newRequest(KindRecv, c)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if err := c.acquire(); err != nil {
		c.mu.Unlock()
		ep.discard(r)
		return nil, err
	}
	seq := c.nextSeq
	e, err := c.entry(seq)
	if err == nil && e.req != nil {
		err = protocolErrorf("sequence %d still in use on communicator %d", seq, c.localID)
	}
	if err != nil {
		c.inflight--
		c.mu.Unlock()
		ep.discard(r)
		return nil, err
	}
	e.req = r
	parked := e.eagerRx
	e.eagerRx = nil
	c.nextSeq = wire.NextSeq(seq)
	c.nCtrlSent++
	remote := c.remoteID
	c.mu.Unlock()

	r.seq = seq
	ep.trace(r)
	rd := &recvData{dst: buf, mr: mr}

	ep.reqMu.Lock()
	r.data = rd
	r.mu.Lock()
	r.state = StatePending
	r.totalCompls = 2
	r.mu.Unlock()
	ctrl, err := ep.newChild(KindSendCtrl, r, 1)
	var segs *Request
	if err == nil {
		rd.sendCtrl = ctrl
		if segs, err = ep.newChild(KindRecvSegms, r, 0); err != nil {
			ctrl.setError(err)
		}
	}
	if err != nil {
		r.setError(err)
		ep.reqMu.Unlock()
		c.ctrlDelivered()
		if parked != nil {
			ep.repostRx(parked)
		}
		return r, nil
	}
	segs.state = StateCreated
	rd.recvSegms = segs
	var cp *Request
	if parked != nil {
		cp = ep.prepareEagerCopy(r, parked)
	}
	ep.reqMu.Unlock()

	msg := wire.CtrlMsg{
		Seq:      seq,
		CommID:   remote,
		BuffLen:  uint32(len(buf)),
		BuffAddr: fabric.BufferAddress(buf),
	}
	if mr != nil {
		for i := range ep.data {
			msg.Keys[i] = mr.Key()
		}
	}
	idx := 0
	if plan, err := ep.dev.ctrlSched.Schedule(wire.CtrlMsgSize(len(ep.data), ep.cfg.LongKeys), len(ep.ctrl)); err == nil {
		idx = plan.Stripes[0].Rail
		ep.dev.ctrlSched.Release(plan)
	}
	err = ep.postMsg(ctrl, idx, c.ctrlAddrs[idx], false, func(b []byte) (int, error) {
		return msg.MarshalTo(b, len(ep.data), ep.cfg.LongKeys)
	})
	if err != nil {
		ep.reqMu.Lock()
		ctrl.setError(err)
		ep.reqMu.Unlock()
		c.ctrlDelivered()
	}

	if parked != nil {
		ep.postEagerCopy(cp, parked)
	}
	return r, nil
}

// Flush makes data received into buf visible by reading its first bytes
// back through the local rail. An empty buf completes immediately.
func (rc *RecvComm) Flush(buf []byte, mr *MRHandle) (*Request, error) {
	c := rc.c
	ep := c.ep
	if len(buf) > 0 && mr == nil {
		return nil, fmt.Errorf("multirail rdma: flush of %d bytes without a registered region", len(buf))
	}
	r, err := ep.newRequest(KindFlush, c)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	err = c.acquire()
	c.mu.Unlock()
	if err != nil {
		ep.discard(r)
		return nil, err
	}
	ep.trace(r)
	if len(buf) == 0 {
		ep.completeNow(r)
		return r, nil
	}

	rl := ep.data[0]
	n := min(wire.FlushSize, len(buf))
	handle, _ := rc.flushBuf.Handle().(*MRHandle)
	r.data = &flushData{buf: buf, mr: mr}
	read := &fabric.RMARequest{
		Buffer:     rc.flushBuf.Bytes()[:n],
		Region:     handle.region(rl),
		Address:    rl.self,
		RemoteAddr: fabric.BufferAddress(buf),
		Key:        mr.Key(),
		Context:    r,
	}
	ep.setPending(r, 1)
	ep.postOrFail(r, func() error { return rl.ep.PostRead(read) })
	return r, nil
}

// Read copies peer memory at remoteAddr, registered under key, into buf.
func (rc *RecvComm) Read(buf []byte, mr *MRHandle, remoteAddr, key uint64) (*Request, error) {
	return rc.c.ep.startRMA(rc.c, KindRead, buf, mr, remoteAddr, key)
}

// Close stops new receives. Once every control message was delivered the
// peer is sent a close message; the communicator is released when that send
// completed and every request was tested to completion.
func (rc *RecvComm) Close() error {
	return rc.c.beginClose()
}

func (rc *RecvComm) postClose(counter uint64) (*Request, error) {
	c := rc.c
	ep := c.ep
	r, err := ep.newRequest(KindSendClose, c)
	if err != nil {
		return nil, err
	}
	ep.setPending(r, 1)
	msg := wire.CloseMsg{CtrlCounter: counter, SendCommID: c.remoteID}
	if err := ep.postMsg(r, 0, c.ctrlAddrs[0], false, msg.MarshalTo); err != nil {
		ep.reqMu.Lock()
		r.setError(err)
		ep.freeLocked(r, false)
		ep.reqMu.Unlock()
		return nil, err
	}
	return r, nil
}

func (rc *RecvComm) releaseFlushBuffer() {
	if rc.flushBuf != nil {
		rc.c.ep.rxBufs.Free(rc.flushBuf)
		rc.flushBuf = nil
	}
}

func (ep *Endpoint) newRecvComm(m *wire.ConnMsg) (*RecvComm, error) {
	c := newCommBase(ep, roleRecv)
	rc := &RecvComm{c: c}
	c.recv = rc
	if err := ep.registerComm(c); err != nil {
		return nil, err
	}
	if err := c.setPeer(m); err != nil {
		ep.unregisterComm(c)
		return nil, fmt.Errorf("multirail rdma: resolve peer rails: %w", err)
	}
	buf, err := ep.rxBufs.Alloc()
	if err != nil {
		ep.unregisterComm(c)
		return nil, fmt.Errorf("multirail rdma: allocate flush buffer: %w", err)
	}
	rc.flushBuf = buf
	return rc, nil
}
