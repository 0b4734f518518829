package rdma

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/rocketbitz/multirail/wire"
)

// ListenComm accepts a single incoming connection.
type ListenComm struct {
	c     *commBase
	stage Stage
	span  Span

	// connReq and conn are guarded by c.mu.
	connReq *Request
	conn    *wire.ConnMsg
	rc      *RecvComm
	// err is the failure that ended the accept.
	err error
}

// Listen opens a listen communicator. The returned handle names control
// rail 0 and is passed out of band to the connecting peer.
func (ep *Endpoint) Listen() (*Handle, *ListenComm, error) {
	if ep.closed.Load() {
		return nil, nil, ErrClosed
	}
	c := newCommBase(ep, roleListen)
	lc := &ListenComm{c: c}
	c.lc = lc
	if err := ep.registerComm(c); err != nil {
		return nil, nil, err
	}
	h := &Handle{CommID: c.localID}
	h.EPNameLen = copy(h.EPName[:], ep.ControlName())
	ep.obs.log.Debug("listening", zap.Uint32("comm", c.localID), zap.ByteString("name", h.Name()))
	return h, lc, nil
}

// ID returns the listen communicator ID carried by the handle.
func (lc *ListenComm) ID() uint32 { return lc.c.localID }

// Stage returns the accept progress. A failed accept keeps the stage it
// failed in.
func (lc *ListenComm) Stage() Stage { return lc.stage }

// Err returns the error that ended the accept, if any.
func (lc *ListenComm) Err() error { return lc.err }

// Accept drives the server side of the handshake, one stage per call: the
// first call posts the receive of the connection message, the second posts
// the response once the message arrived, and the third finishes once that
// send completed. It returns ErrAgain until the receive communicator is
// ready.
func (lc *ListenComm) Accept() (*RecvComm, error) {
	ep := lc.c.ep
	if ep.closed.Load() {
		return nil, ErrClosed
	}
	if lc.err != nil {
		return nil, fmt.Errorf("%w: accept on listen communicator %d failed: %w", ErrInvalidHandle, lc.c.localID, lc.err)
	}
	switch lc.stage {
	case StageNotStarted:
		ep.reqMu.Lock()
		r, err := ep.allocRequest(KindRecvConn, lc.c)
		if err == nil {
			r.state = StatePending
			r.totalCompls = 1
		}
		ep.reqMu.Unlock()
		if err != nil {
			return nil, err
		}
		lc.span = ep.obs.startSpan("multirail.rdma.accept", TraceAttribute{Key: "listen_comm", Value: int64(lc.c.localID)})
		lc.c.mu.Lock()
		lc.connReq = r
		arrived := lc.conn != nil
		lc.c.mu.Unlock()
		if arrived {
			ep.reqMu.Lock()
			r.addCompletion(0, 0)
			ep.reqMu.Unlock()
		}
		lc.advance(StageReceivingConnect)
		return nil, ErrAgain

	case StageReceivingConnect:
		done, err := ep.settle(lc.connReq)
		if !done {
			return nil, ErrAgain
		}
		ep.freeRequest(lc.connReq, false)
		lc.c.mu.Lock()
		lc.connReq = nil
		m := lc.conn
		lc.c.mu.Unlock()
		if err != nil {
			return nil, lc.fail(err)
		}
		rc, err := ep.newRecvComm(m)
		if err != nil {
			return nil, lc.fail(err)
		}
		lc.rc = rc
		resp, err := rc.c.connMsg(wire.MsgConnResp)
		if err == nil {
			rc.respReq, err = ep.newRequest(KindSendConnResp, rc.c)
		}
		if err != nil {
			return nil, lc.fail(err)
		}
		ep.setPending(rc.respReq, 1)
		if err := ep.postMsg(rc.respReq, 0, rc.c.ctrlAddrs[0], false, resp.MarshalTo); err != nil {
			return nil, lc.fail(err)
		}
		lc.advance(StageConnRespPending)
		return nil, ErrAgain

	case StageConnRespPending:
		rc := lc.rc
		done, err := ep.settle(rc.respReq)
		if !done {
			return nil, ErrAgain
		}
		ep.freeRequest(rc.respReq, false)
		rc.respReq = nil
		if err != nil {
			return nil, lc.fail(err)
		}
		rc.c.markConnected()
		lc.advance(StageConnected)
		lc.span.End(nil)
		return rc, nil

	default:
		return nil, fmt.Errorf("%w: listen communicator %d already accepted a connection", ErrInvalidHandle, lc.c.localID)
	}
}

// Close releases the listen communicator and any half-accepted connection.
// An accepted RecvComm stays open.
func (lc *ListenComm) Close() error {
	lc.c.mu.Lock()
	req := lc.connReq
	lc.connReq = nil
	lc.c.mu.Unlock()
	lc.c.ep.abandon(req)
	if lc.stage != StageConnected {
		if lc.rc != nil {
			lc.abandonRecvComm()
		}
		if lc.span != nil {
			lc.span.End(ErrClosed)
		}
	}
	return lc.c.beginClose()
}

// onConn stores the connection message and completes the pending accept.
func (lc *ListenComm) onConn(m *wire.ConnMsg) error {
	c := lc.c
	c.mu.Lock()
	if lc.conn != nil {
		c.mu.Unlock()
		return protocolErrorf("listen communicator %d accepts a single connection", c.localID)
	}
	conn := *m
	lc.conn = &conn
	req := lc.connReq
	c.mu.Unlock()

	if req != nil {
		c.ep.reqMu.Lock()
		req.addCompletion(0, 0)
		c.ep.reqMu.Unlock()
	}
	return nil
}

func (lc *ListenComm) fail(err error) error {
	if lc.rc != nil {
		lc.abandonRecvComm()
	}
	if lc.span != nil {
		lc.span.End(err)
		lc.span = nil
	}
	lc.c.ep.obs.log.Debug("accept failed", zap.Uint32("comm", lc.c.localID), zap.Stringer("stage", lc.stage), zap.Error(err))
	lc.err = err
	return err
}

func (lc *ListenComm) abandonRecvComm() {
	rc := lc.rc
	lc.rc = nil
	ep := rc.c.ep
	ep.abandon(rc.respReq)
	rc.respReq = nil
	rc.c.releaseResources()
	ep.unregisterComm(rc.c)
}

func (lc *ListenComm) advance(s Stage) {
	if s <= lc.stage {
		return
	}
	lc.c.ep.obs.log.Debug("accept stage", zap.Uint32("comm", lc.c.localID), zap.Stringer("from", lc.stage), zap.Stringer("stage", s))
	if lc.span != nil {
		lc.span.AddEvent(s.String())
	}
	lc.stage = s
}
