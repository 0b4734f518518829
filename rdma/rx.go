package rdma

import (
	"errors"

	"go.uber.org/zap"

	"github.com/rocketbitz/multirail/fabric"
	"github.com/rocketbitz/multirail/freelist"
	"github.com/rocketbitz/multirail/wire"
)

// topUpRx posts fresh rx buffers on rl until MaxRxBuffersPosted are posted.
func (ep *Endpoint) topUpRx(rl *rail) error {
	for {
		rl.rxMu.Lock()
		full := rl.numPosted >= ep.cfg.MaxRxBuffersPosted
		rl.rxMu.Unlock()
		if full {
			return nil
		}
		rx, err := ep.newRx(rl)
		if err != nil {
			if errors.Is(err, freelist.ErrPoolExhausted) {
				return nil
			}
			return err
		}
		if err := ep.postRx(rx); err != nil {
			return err
		}
	}
}

func (ep *Endpoint) newRx(rl *rail) (*Request, error) {
	buf, err := ep.rxBufs.Alloc()
	if err != nil {
		return nil, err
	}
	ep.reqMu.Lock()
	rx, err := ep.allocRequest(KindRxBuff, nil)
	ep.reqMu.Unlock()
	if err != nil {
		ep.rxBufs.Free(buf)
		return nil, err
	}
	rx.data = &rxBuffData{buf: buf, rail: rl}
	return rx, nil
}

// postRx posts rx on its rail. The buffer is released when the fabric
// rejects it.
func (ep *Endpoint) postRx(rx *Request) error {
	d := rx.rx()
	rl := d.rail
	rx.mu.Lock()
	rx.state = StatePending
	rx.mu.Unlock()
	rl.rxMu.Lock()
	rl.numPosted++
	rl.rxMu.Unlock()

	handle, _ := d.buf.Handle().(*MRHandle)
	req := &fabric.RecvRequest{Buffer: d.buf.Bytes(), Region: handle.region(rl), Context: rx}
	if err := ep.post(rx, func() error { return rl.ep.PostRecv(req) }); err != nil {
		ep.dropRx(rx, err)
		return err
	}
	return nil
}

// dropRx releases an rx buffer whose post failed.
func (ep *Endpoint) dropRx(rx *Request, err error) {
	rl := rx.rx().rail
	rl.rxMu.Lock()
	rl.numPosted--
	rl.rxMu.Unlock()
	if !ep.closed.Load() {
		ep.obs.log.Warn("post rx buffer", zap.Stringer("rail_kind", rl.kind), zap.Int("rail", rl.index), zap.Error(err))
	}
	ep.freeRx(rx)
}

func (ep *Endpoint) freeRx(rx *Request) {
	buf := rx.rx().buf
	rx.mu.Lock()
	rx.state = StateCompleted
	rx.outstanding = 0
	rx.mu.Unlock()
	ep.freeRequest(rx, false)
	ep.rxBufs.Free(buf)
}

// repostRx returns a consumed rx buffer to its rail when the rail fell below
// MinRxBuffersPosted, topping it back up to the maximum, and to the pool
// otherwise.
func (ep *Endpoint) repostRx(rx *Request) {
	if ep.closed.Load() {
		return
	}
	rl := rx.rx().rail
	rl.rxMu.Lock()
	low := rl.numPosted < ep.cfg.MinRxBuffersPosted
	rl.rxMu.Unlock()
	if !low {
		ep.freeRx(rx)
		return
	}
	if err := ep.postRx(rx); err != nil {
		return
	}
	ep.obs.rxReposted(rl)
	if err := ep.topUpRx(rl); err != nil {
		ep.obs.log.Warn("refill rx buffers", zap.Stringer("rail_kind", rl.kind), zap.Int("rail", rl.index), zap.Error(err))
	}
}

// refillRx tops rl back up to the maximum once it fell below
// MinRxBuffersPosted while a consumed buffer is still held.
func (ep *Endpoint) refillRx(rl *rail) {
	rl.rxMu.Lock()
	low := rl.numPosted < ep.cfg.MinRxBuffersPosted
	rl.rxMu.Unlock()
	if !low {
		return
	}
	if err := ep.topUpRx(rl); err != nil {
		ep.obs.log.Warn("refill rx buffers", zap.Stringer("rail_kind", rl.kind), zap.Int("rail", rl.index), zap.Error(err))
	}
}

func (ep *Endpoint) handleRx(rl *rail, rx *Request, c fabric.Completion) {
	rx.retired()
	rl.rxMu.Lock()
	rl.numPosted--
	rl.rxMu.Unlock()

	if c.Err != nil {
		ep.obs.cqError(rl, c.Err)
		ep.repostRx(rx)
		return
	}
	d := rx.rx()
	d.recvLen = c.Len

	if c.Flags.Has(fabric.FlagRemoteCQData) {
		if held := ep.handleEager(rl, rx, c.Data); held {
			ep.refillRx(rl)
			return
		}
		ep.repostRx(rx)
		return
	}

	msg := d.buf.Bytes()[:c.Len]
	var comm *commBase
	typ, err := wire.PeekType(msg)
	if err == nil {
		switch typ {
		case wire.MsgCtrl:
			comm, err = ep.handleCtrlMsg(msg)
		case wire.MsgClose:
			err = ep.handleCloseMsg(msg)
		case wire.MsgConn:
			err = ep.handleConnMsg(msg)
		case wire.MsgConnResp:
			comm, err = ep.handleConnRespMsg(msg)
		default:
			err = protocolErrorf("unexpected %s message on %s rail", typ, rl.kind)
		}
	}
	switch {
	case err != nil && comm != nil:
		ep.failComm(rl, comm, err)
	case err != nil:
		ep.protocolError(rl, err)
	}
	ep.repostRx(rx)
}

func (ep *Endpoint) protocolError(rl *rail, err error) {
	if !errors.Is(err, ErrProtocol) {
		err = errors.Join(ErrProtocol, err)
	}
	ep.obs.log.Error("protocol error", zap.Stringer("rail_kind", rl.kind), zap.Int("rail", rl.index), zap.Error(err))
	if ep.obs.metrics != nil {
		ep.obs.metrics.CQError(err, ep.obs.attrs(labelRail, railLabel(rl), labelKind, "protocol"))
	}
}

// handleRemoteWrite counts one inbound stripe against its receive. The
// window lookup happens under reqMu so the receive cannot be freed meanwhile.
func (ep *Endpoint) handleRemoteWrite(rl *rail, c fabric.Completion) {
	imm := wire.DecodeImm(c.Data)
	comm, err := ep.lookupComm(imm.CommID, roleRecv)
	if err != nil {
		ep.protocolError(rl, err)
		return
	}

	ep.reqMu.Lock()
	comm.mu.Lock()
	var req *Request
	if e, ok := comm.msgbuff[imm.Seq]; ok {
		req = e.req
	}
	comm.mu.Unlock()
	if req == nil {
		ep.reqMu.Unlock()
		ep.failComm(rl, comm, protocolErrorf("write for seq %d without a posted receive on communicator %d", imm.Seq, imm.CommID))
		return
	}
	segs := req.recv().recvSegms
	if segs == nil {
		req.setError(protocolErrorf("segment for seq %d after an eager message", imm.Seq))
		ep.reqMu.Unlock()
		return
	}
	segs.mu.Lock()
	if segs.state == StateCreated {
		segs.state = StatePending
	}
	segs.mu.Unlock()
	segs.addCompletion(c.Len, int(imm.NumSegs))
	ep.reap(segs)
	ep.reqMu.Unlock()
}

// failComm logs a protocol error raised by comm's peer and breaks comm.
func (ep *Endpoint) failComm(rl *rail, comm *commBase, err error) {
	ep.protocolError(rl, err)
	comm.fail(err)
}

// handleEager matches an eager message with its receive, parking the buffer
// until the receive is posted. It reports whether the buffer is now held.
func (ep *Endpoint) handleEager(rl *rail, rx *Request, data uint32) bool {
	imm := wire.DecodeImm(data)
	comm, err := ep.lookupComm(imm.CommID, roleRecv)
	if err != nil {
		ep.protocolError(rl, err)
		return false
	}

	ep.reqMu.Lock()
	comm.mu.Lock()
	e, err := comm.entry(imm.Seq)
	if err == nil && e.eagerRx != nil {
		err = protocolErrorf("duplicate eager message for seq %d", imm.Seq)
	}
	if err != nil {
		comm.mu.Unlock()
		ep.reqMu.Unlock()
		ep.failComm(rl, comm, err)
		return false
	}
	req := e.req
	if req == nil {
		e.eagerRx = rx
		comm.mu.Unlock()
		ep.reqMu.Unlock()
		return true
	}
	comm.mu.Unlock()
	cp := ep.prepareEagerCopy(req, rx)
	ep.reqMu.Unlock()

	ep.postEagerCopy(cp, rx)
	return true
}

// prepareEagerCopy creates the copy child of recv for the eager message in
// rx. It returns nil when the copy finished without a transfer. Callers hold
// ep.reqMu.
func (ep *Endpoint) prepareEagerCopy(recv *Request, rx *Request) *Request {
	rd := recv.recv()
	n := rx.rx().recvLen

	cp, err := ep.newChild(KindEagerCopy, recv, 1)
	if err != nil {
		recv.setError(err)
		return nil
	}
	cp.data = &eagerCopyData{rx: rx, dst: rd.dst[:min(n, len(rd.dst))], mr: rd.mr}
	rd.eagerCopy = cp
	if segs := rd.recvSegms; segs != nil && segs.State() == StateCreated {
		ep.freeLocked(segs, false)
		rd.recvSegms = nil
	}
	switch {
	case n > len(rd.dst):
		cp.setError(ErrTruncated)
		return nil
	case n == 0:
		cp.addCompletion(0, 0)
		return nil
	}
	return cp
}

// postEagerCopy reads a landed eager message from its rx buffer into the
// receive's destination over the rail it arrived on. A nil cp only returns
// the buffer.
func (ep *Endpoint) postEagerCopy(cp *Request, rx *Request) {
	if cp == nil {
		ep.repostRx(rx)
		return
	}
	xd := rx.rx()
	cd := cp.copyData()
	rl := xd.rail
	src, _ := xd.buf.Handle().(*MRHandle)
	read := &fabric.RMARequest{
		Buffer:     cd.dst,
		Region:     cd.mr.region(rl),
		Address:    rl.self,
		RemoteAddr: fabric.BufferAddress(xd.buf.Bytes()),
		Key:        src.region(rl).Key(),
		Context:    cp,
	}
	if err := ep.post(cp, func() error { return rl.ep.PostRead(read) }); err != nil {
		ep.reqMu.Lock()
		cp.setError(err)
		ep.reap(cp)
		ep.reqMu.Unlock()
		ep.repostRx(rx)
	}
}

// handleCtrlMsg records a control message. The communicator is returned with
// errors it caused.
func (ep *Endpoint) handleCtrlMsg(b []byte) (*commBase, error) {
	m, err := wire.UnmarshalCtrlMsg(b, ep.cfg.NumRails, ep.cfg.LongKeys)
	if err != nil {
		return nil, err
	}
	comm, err := ep.lookupComm(m.CommID, roleSend)
	if err != nil {
		return nil, err
	}
	if err := comm.send.onCtrl(m); err != nil {
		return comm, err
	}
	return nil, nil
}

func (ep *Endpoint) handleCloseMsg(b []byte) error {
	m, err := wire.UnmarshalCloseMsg(b)
	if err != nil {
		return err
	}
	comm, err := ep.lookupComm(m.SendCommID, roleSend)
	if err != nil {
		return err
	}
	comm.mu.Lock()
	comm.closeReceived = true
	comm.closeCounter = m.CtrlCounter
	comm.active = false
	comm.mu.Unlock()
	ep.obs.log.Debug("close received", zap.Uint32("comm", comm.localID), zap.Uint64("ctrl_counter", m.CtrlCounter))
	return nil
}

func (ep *Endpoint) handleConnMsg(b []byte) error {
	m, err := wire.UnmarshalConnMsg(b)
	if err != nil {
		return err
	}
	if err := ep.checkPeerRails(&m); err != nil {
		return err
	}
	comm, err := ep.lookupComm(m.RemoteCommID, roleListen)
	if err != nil {
		return err
	}
	return comm.lc.onConn(&m)
}

func (ep *Endpoint) handleConnRespMsg(b []byte) (*commBase, error) {
	m, err := wire.UnmarshalConnMsg(b)
	if err != nil {
		return nil, err
	}
	if err := ep.checkPeerRails(&m); err != nil {
		return nil, err
	}
	comm, err := ep.lookupComm(m.RemoteCommID, roleSend)
	if err != nil {
		return nil, err
	}
	if err := comm.send.onConnResp(&m); err != nil {
		return comm, err
	}
	return nil, nil
}

func (ep *Endpoint) checkPeerRails(m *wire.ConnMsg) error {
	if m.NumRails != len(ep.data) || m.NumControlRails != len(ep.ctrl) {
		return protocolErrorf("peer has %d data and %d control rails, local endpoint has %d and %d",
			m.NumRails, m.NumControlRails, len(ep.data), len(ep.ctrl))
	}
	return nil
}
