package rdma

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rocketbitz/multirail/fabric"
	"github.com/rocketbitz/multirail/scheduler"
	"github.com/rocketbitz/multirail/wire"
)

// SendComm is the sending side of a connection, returned by Connect.
type SendComm struct {
	c *commBase

	// Handshake requests and the connection response; resp and respReq
	// are guarded by c.mu.
	connReq *Request
	respReq *Request
	resp    *wire.ConnMsg
}

// ID returns the local communicator ID.
func (sc *SendComm) ID() uint32 { return sc.c.localID }

// RemoteID returns the peer's receive communicator ID.
func (sc *SendComm) RemoteID() uint32 { return sc.c.remoteID }

// Send transfers buf to the peer's matching Recv. Messages up to
// EagerMaxSize go out immediately; larger ones wait for the peer's control
// message and return ErrAgain until it arrived.
func (sc *SendComm) Send(buf []byte, mr *MRHandle) (*Request, error) {
	c := sc.c
	ep := c.ep
	if len(buf) > 0 && mr == nil {
		return nil, fmt.Errorf("multirail rdma: send of %d bytes without a registered region", len(buf))
	}
	r, err := ep.newRequest(KindSend, c)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if err := c.acquire(); err != nil {
		c.mu.Unlock()
		ep.discard(r)
		if errors.Is(err, ErrAgain) {
			_ = ep.Progress()
		}
		return nil, err
	}
	seq := c.nextSeq
	var (
		ctrl  wire.CtrlMsg
		eager bool
	)
	e := c.msgbuff[seq]
	switch {
	case e != nil && e.hasCtrl:
		ctrl = e.ctrl
		if len(buf) > int(ctrl.BuffLen) {
			c.inflight--
			c.mu.Unlock()
			err := fmt.Errorf("%w: %d bytes into a %d byte buffer", ErrTruncated, len(buf), ctrl.BuffLen)
			ep.discard(r)
			return nil, err
		}
		delete(c.msgbuff, seq)
	case ep.cfg.EagerMaxSize > 0 && len(buf) <= ep.cfg.EagerMaxSize:
		eager = true
		c.msgbuff[seq] = &msgEntry{eagerSent: true}
	default:
		c.inflight--
		c.mu.Unlock()
		ep.discard(r)
		_ = ep.Progress()
		return nil, ErrAgain
	}
	c.nextSeq = wire.NextSeq(seq)
	remote := c.remoteID
	c.mu.Unlock()

	r.seq = seq
	ep.trace(r)
	plan, err := ep.dev.sched.Schedule(len(buf), len(ep.data))
	if err != nil {
		ep.failNow(r, err)
		return r, nil
	}
	d := &sendData{buf: buf, mr: mr, eager: eager, ctrl: ctrl, plan: plan}
	r.data = d

	if eager {
		rl := ep.data[plan.Stripes[0].Rail]
		d.wdata = wire.EncodeImm(wire.Imm{NumSegs: 1, CommID: remote, Seq: seq})
		req := &fabric.SendRequest{
			Buffer:  buf,
			Region:  mr.region(rl),
			Dest:    c.dataAddrs[rl.index],
			Data:    d.wdata,
			HasData: true,
			Context: r,
		}
		ep.setPending(r, 1)
		ep.postOrFail(r, func() error { return rl.ep.PostSend(req) })
		ep.obs.stripesPosted(KindSend, 1)
		return r, nil
	}

	d.wdata = wire.EncodeImm(wire.Imm{NumSegs: uint8(len(plan.Stripes)), CommID: remote, Seq: seq})
	ep.setPending(r, len(plan.Stripes))
	ep.postStripes(r, plan, func(s scheduler.Stripe) func() error {
		rl := ep.data[s.Rail]
		req := &fabric.RMARequest{
			Buffer:     buf[s.Offset : s.Offset+s.Length],
			Region:     mr.region(rl),
			Address:    c.dataAddrs[s.Rail],
			RemoteAddr: ctrl.BuffAddr + uint64(s.Offset),
			Key:        ctrl.Keys[s.Rail],
			Data:       d.wdata,
			HasData:    true,
			Context:    r,
		}
		return func() error { return rl.ep.PostWrite(req) }
	})
	return r, nil
}

// Write copies buf into the peer memory at remoteAddr, registered under key.
func (sc *SendComm) Write(buf []byte, mr *MRHandle, remoteAddr, key uint64) (*Request, error) {
	return sc.c.ep.startRMA(sc.c, KindWrite, buf, mr, remoteAddr, key)
}

// Close stops new sends. The communicator is released by Progress once the
// peer's close message arrived and every request was tested to completion.
func (sc *SendComm) Close() error {
	return sc.c.beginClose()
}

// onCtrl records a control message for a future Send.
func (sc *SendComm) onCtrl(m wire.CtrlMsg) error {
	c := sc.c
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nCtrlReceived++
	if e, ok := c.msgbuff[m.Seq]; ok {
		switch {
		case e.eagerSent:
			delete(c.msgbuff, m.Seq)
			return nil
		case e.hasCtrl:
			return protocolErrorf("duplicate control message for seq %d on communicator %d", m.Seq, c.localID)
		}
	}
	e, err := c.entry(m.Seq)
	if err != nil {
		return err
	}
	e.ctrl = m
	e.hasCtrl = true
	return nil
}

// onConnResp stores the connection response and completes its receive.
func (sc *SendComm) onConnResp(m *wire.ConnMsg) error {
	c := sc.c
	c.mu.Lock()
	if c.connected || sc.resp != nil {
		c.mu.Unlock()
		return protocolErrorf("unexpected connection response for communicator %d", c.localID)
	}
	resp := *m
	sc.resp = &resp
	req := sc.respReq
	c.mu.Unlock()

	if req != nil {
		c.ep.reqMu.Lock()
		req.addCompletion(0, 0)
		c.ep.reqMu.Unlock()
	}
	return nil
}

// Connect drives the client side of the handshake for h, one stage per
// call: the first call posts the connection message, the second posts the
// receive of the response once that send completed, and the third finishes
// once the response arrived. It returns ErrAgain until the send
// communicator is ready.
func (ep *Endpoint) Connect(h *Handle) (*SendComm, error) {
	if h == nil {
		return nil, ErrInvalidHandle
	}
	if ep.closed.Load() {
		return nil, ErrClosed
	}
	if h.Stage != StageNotStarted && h.state == nil {
		return nil, fmt.Errorf("%w: no local state for stage %s", ErrInvalidHandle, h.Stage)
	}
	switch h.Stage {
	case StageNotStarted, StageSendingConnect:
		if err := ep.sendConnect(h); err != nil {
			return nil, err
		}
		return nil, ErrAgain

	case StageConnReqPending:
		sc := h.state.comm
		done, err := ep.settle(sc.connReq)
		if !done {
			return nil, ErrAgain
		}
		ep.freeRequest(sc.connReq, false)
		sc.connReq = nil
		if err != nil {
			return nil, ep.failConnect(h, err)
		}

		ep.reqMu.Lock()
		r, err := ep.allocRequest(KindRecvConnResp, sc.c)
		if err == nil {
			r.state = StatePending
			r.totalCompls = 1
		}
		ep.reqMu.Unlock()
		if err != nil {
			return nil, ep.failConnect(h, err)
		}
		sc.c.mu.Lock()
		sc.respReq = r
		arrived := sc.resp != nil
		sc.c.mu.Unlock()
		if arrived {
			ep.reqMu.Lock()
			r.addCompletion(0, 0)
			ep.reqMu.Unlock()
		}
		ep.advance(h, StageConnRespPending)
		return nil, ErrAgain

	case StageConnRespPending:
		sc := h.state.comm
		done, err := ep.settle(sc.respReq)
		if !done {
			return nil, ErrAgain
		}
		ep.freeRequest(sc.respReq, false)
		sc.c.mu.Lock()
		sc.respReq = nil
		resp := sc.resp
		sc.c.mu.Unlock()
		if err == nil {
			err = sc.c.setPeer(resp)
		}
		if err != nil {
			return nil, ep.failConnect(h, err)
		}
		sc.c.markConnected()
		ep.advance(h, StageConnected)
		h.state.span.End(nil)
		h.state = nil
		return sc, nil

	default:
		return nil, fmt.Errorf("%w: connect in stage %s", ErrInvalidHandle, h.Stage)
	}
}

// sendConnect posts the connection message, directly rather than through
// the pending queue so a busy rail is reported as SendingConnect.
func (ep *Endpoint) sendConnect(h *Handle) error {
	if h.state == nil {
		sc, err := ep.newSendComm(h)
		if err != nil {
			return err
		}
		span := ep.obs.startSpan("multirail.rdma.connect",
			TraceAttribute{Key: "comm", Value: int64(sc.c.localID)},
			TraceAttribute{Key: "listen_comm", Value: int64(h.CommID)})
		h.state = &connectState{comm: sc, span: span}
	}
	sc := h.state.comm
	msg, err := sc.c.connMsg(wire.MsgConn)
	if err != nil {
		return ep.failConnect(h, err)
	}
	err = ep.postMsg(sc.connReq, 0, sc.c.ctrlAddrs[0], true, msg.MarshalTo)
	switch {
	case errors.Is(err, fabric.ErrAgain):
		ep.advance(h, StageSendingConnect)
		return ErrAgain
	case err != nil:
		return ep.failConnect(h, err)
	}
	ep.advance(h, StageConnReqPending)
	return nil
}

func (ep *Endpoint) newSendComm(h *Handle) (*SendComm, error) {
	c := newCommBase(ep, roleSend)
	sc := &SendComm{c: c}
	c.send = sc
	if err := ep.registerComm(c); err != nil {
		return nil, err
	}
	addr, err := ep.ctrl[0].ep.InsertAddress(h.Name())
	if err != nil {
		ep.unregisterComm(c)
		return nil, fmt.Errorf("multirail rdma: resolve listener %q: %w", h.Name(), err)
	}
	c.ctrlAddrs[0] = addr
	c.remoteID = h.CommID

	ep.reqMu.Lock()
	r, err := ep.allocRequest(KindSendConn, c)
	if err == nil {
		r.state = StatePending
		r.totalCompls = 1
	}
	ep.reqMu.Unlock()
	if err != nil {
		ep.unregisterComm(c)
		return nil, err
	}
	sc.connReq = r
	return sc, nil
}

// failConnect abandons the handshake of h and releases its communicator.
func (ep *Endpoint) failConnect(h *Handle, err error) error {
	st := h.state
	h.state = nil
	if st == nil {
		return err
	}
	sc := st.comm
	sc.c.mu.Lock()
	reqs := []*Request{sc.connReq, sc.respReq}
	sc.connReq, sc.respReq = nil, nil
	sc.c.mu.Unlock()
	ep.abandon(reqs...)
	sc.c.releaseResources()
	ep.unregisterComm(sc.c)
	st.span.End(err)
	ep.obs.log.Debug("connect failed", zap.Uint32("comm", sc.c.localID), zap.Stringer("stage", h.Stage), zap.Error(err))
	return err
}

// advance moves a handle forward; stages never regress.
func (ep *Endpoint) advance(h *Handle, s Stage) {
	if s <= h.Stage {
		return
	}
	ep.obs.log.Debug("connect stage", zap.Stringer("from", h.Stage), zap.Stringer("stage", s))
	if h.state != nil {
		h.state.span.AddEvent(s.String())
	}
	h.Stage = s
}
