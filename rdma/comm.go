package rdma

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/rocketbitz/multirail/fabric"
	"github.com/rocketbitz/multirail/wire"
)

type commRole int

const (
	roleListen commRole = iota
	roleSend
	roleRecv
)

func (r commRole) String() string {
	switch r {
	case roleListen:
		return "listen"
	case roleSend:
		return "send"
	default:
		return "recv"
	}
}

// msgEntry is one slot of a communicator's sequence window.
type msgEntry struct {
	// req is the receive posted for the sequence number.
	req *Request
	// ctrl is a control message the sender has not consumed yet.
	ctrl    wire.CtrlMsg
	hasCtrl bool
	// eagerRx is an eager buffer that arrived before its receive.
	eagerRx *Request
	// eagerSent marks a sequence the sender delivered eagerly.
	eagerSent bool
}

// commBase is the state shared by listen, send and receive communicators.
type commBase struct {
	ep       *Endpoint
	role     commRole
	localID  uint32
	remoteID uint32

	dataAddrs [wire.MaxRails]fabric.Address
	ctrlAddrs [wire.MaxRails]fabric.Address

	mu        sync.Mutex
	connected bool
	active    bool
	closing   bool
	released  bool
	inflight  int
	nextSeq   uint16
	msgbuff   map[uint16]*msgEntry
	// err is the protocol error that broke the communicator.
	err error

	// Control message accounting for the close protocol.
	nCtrlSent      uint64
	nCtrlDelivered uint64
	nCtrlReceived  uint64
	closeReceived  bool
	closeCounter   uint64
	closeReq       *Request

	send *SendComm
	recv *RecvComm
	lc   *ListenComm
}

func newCommBase(ep *Endpoint, role commRole) *commBase {
	return &commBase{
		ep:      ep,
		role:    role,
		msgbuff: make(map[uint16]*msgEntry),
	}
}

// acquire reserves an in-flight slot. Callers hold c.mu.
func (c *commBase) acquire() error {
	switch {
	case c.err != nil:
		return c.err
	case !c.connected:
		return ErrNotConnected
	case !c.active:
		return ErrClosed
	case c.inflight >= c.ep.cfg.MaxRequests:
		return ErrAgain
	}
	c.inflight++
	return nil
}

func (c *commBase) decInflight() {
	c.mu.Lock()
	c.inflight--
	if c.inflight < 0 {
		c.mu.Unlock()
		panic("multirail rdma: in-flight request count underflow")
	}
	c.mu.Unlock()
}

func (c *commBase) ctrlDelivered() {
	c.mu.Lock()
	c.nCtrlDelivered++
	c.mu.Unlock()
}

// retire drops the window slot of a finished receive.
func (c *commBase) retire(seq uint16, r *Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.msgbuff[seq]; ok && e.req == r {
		delete(c.msgbuff, seq)
	}
}

// entry returns the window slot of seq, creating it when seq lies within the
// half of the sequence space ahead of next.
func (c *commBase) entry(seq uint16) (*msgEntry, error) {
	if e, ok := c.msgbuff[seq]; ok {
		return e, nil
	}
	if ahead := (seq - c.nextSeq) & wire.SeqMask; ahead >= wire.NumSeqs/2 {
		return nil, protocolErrorf("sequence %d outside window starting at %d", seq, c.nextSeq)
	}
	if len(c.msgbuff) >= wire.NumSeqs/2 {
		return nil, protocolErrorf("sequence window full on communicator %d", c.localID)
	}
	e := &msgEntry{}
	c.msgbuff[seq] = e
	return e, nil
}

// setPeer resolves the peer rail names of a connection message.
func (c *commBase) setPeer(m *wire.ConnMsg) error {
	c.remoteID = m.LocalCommID
	for i, rl := range c.ep.data {
		addr, err := rl.ep.InsertAddress(m.EPNames[i].Bytes())
		if err != nil {
			return err
		}
		c.dataAddrs[i] = addr
	}
	for i, rl := range c.ep.ctrl {
		addr, err := rl.ep.InsertAddress(m.ControlEPNames[i].Bytes())
		if err != nil {
			return err
		}
		c.ctrlAddrs[i] = addr
	}
	return nil
}

// connMsg describes the local rails for the peer.
func (c *commBase) connMsg(typ wire.MsgType) (wire.ConnMsg, error) {
	m := wire.ConnMsg{
		Type:            typ,
		NumRails:        len(c.ep.data),
		NumControlRails: len(c.ep.ctrl),
		LocalCommID:     c.localID,
		RemoteCommID:    c.remoteID,
	}
	for i, rl := range c.ep.data {
		n, err := wire.NewEPName(rl.ep.Name())
		if err != nil {
			return m, err
		}
		m.EPNames[i] = n
	}
	for i, rl := range c.ep.ctrl {
		n, err := wire.NewEPName(rl.ep.Name())
		if err != nil {
			return m, err
		}
		m.ControlEPNames[i] = n
	}
	return m, nil
}

// markConnected activates the communicator and reports it to the metrics hook.
func (c *commBase) markConnected() {
	c.mu.Lock()
	c.connected = true
	c.active = true
	c.mu.Unlock()
	c.ep.obs.commOpened(c.role.String())
	c.ep.obs.log.Debug("communicator connected",
		zap.Stringer("role", c.role), zap.Uint32("comm", c.localID), zap.Uint32("remote", c.remoteID))
}

// fail breaks the communicator after a protocol error from its peer. Posted
// receives fail with err, and later data calls return it. Callers hold no
// endpoint or communicator lock.
func (c *commBase) fail(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	c.active = false
	var reqs []*Request
	for _, e := range c.msgbuff {
		if e.req != nil {
			reqs = append(reqs, e.req)
		}
	}
	c.mu.Unlock()

	ep := c.ep
	ep.reqMu.Lock()
	for _, r := range reqs {
		r.setError(err)
	}
	ep.reqMu.Unlock()
	ep.obs.log.Warn("communicator failed",
		zap.Stringer("role", c.role), zap.Uint32("comm", c.localID), zap.Int("failed_requests", len(reqs)), zap.Error(err))
}

// beginClose marks the communicator inactive and queues it for release.
func (c *commBase) beginClose() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.active = false
	c.mu.Unlock()
	c.ep.markClosing(c)
	if err := c.ep.Progress(); err != nil && !errors.Is(err, ErrClosed) {
		return err
	}
	return nil
}

// progressClose advances the close protocol and reports whether the
// communicator can be released.
func (c *commBase) progressClose() bool {
	switch c.role {
	case roleRecv:
		return c.progressRecvClose()
	case roleSend:
		return c.progressSendClose()
	default:
		c.releaseResources()
		return true
	}
}

func (c *commBase) progressSendClose() bool {
	c.mu.Lock()
	ready := !c.connected ||
		(c.err != nil && c.inflight == 0) ||
		(c.closeReceived && c.nCtrlReceived >= c.closeCounter && c.inflight == 0)
	c.mu.Unlock()
	if !ready {
		return false
	}
	c.releaseResources()
	return true
}

func (c *commBase) progressRecvClose() bool {
	c.mu.Lock()
	if !c.connected || (c.err != nil && c.closeReq == nil && c.inflight == 0) {
		c.mu.Unlock()
		c.releaseResources()
		return true
	}
	sendClose := c.err == nil && c.closeReq == nil && c.nCtrlDelivered == c.nCtrlSent
	counter := c.nCtrlSent
	c.mu.Unlock()

	if sendClose {
		req, err := c.recv.postClose(counter)
		if err != nil {
			c.ep.obs.log.Warn("send close message", zap.Uint32("comm", c.localID), zap.Error(err))
			return false
		}
		c.mu.Lock()
		c.closeReq = req
		c.mu.Unlock()
	}

	c.mu.Lock()
	req := c.closeReq
	idle := c.inflight == 0
	c.mu.Unlock()
	if req == nil || !idle {
		return false
	}
	state, _, err, settled := req.settled()
	if !state.terminal() || !settled {
		return false
	}
	if err != nil {
		c.ep.obs.log.Debug("close message failed", zap.Uint32("comm", c.localID), zap.Error(err))
	}
	c.ep.freeRequest(req, false)
	c.mu.Lock()
	c.closeReq = nil
	c.mu.Unlock()
	c.releaseResources()
	return true
}

// releaseResources frees what the communicator holds. It runs once.
func (c *commBase) releaseResources() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	wasConnected := c.connected
	var parked []*Request
	for seq, e := range c.msgbuff {
		if e.eagerRx != nil {
			parked = append(parked, e.eagerRx)
		}
		delete(c.msgbuff, seq)
	}
	c.mu.Unlock()

	for _, rx := range parked {
		c.ep.repostRx(rx)
	}
	if c.recv != nil {
		c.recv.releaseFlushBuffer()
	}
	if wasConnected {
		c.ep.obs.commClosed(c.role.String())
	}
	c.ep.obs.log.Debug("communicator released", zap.Stringer("role", c.role), zap.Uint32("comm", c.localID))
}
