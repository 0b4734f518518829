package rdma

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rocketbitz/multirail/fabric"
	"github.com/rocketbitz/multirail/freelist"
	"github.com/rocketbitz/multirail/wire"
)

const (
	requestPoolGrowth = 64
	msgPoolGrowth     = 16
)

// rail is one fabric endpoint of an Endpoint.
type rail struct {
	kind  fabric.RailKind
	index int
	ep    fabric.Endpoint
	// self is the rail's own address, the target of local reads.
	self fabric.Address

	pollMu sync.Mutex

	rxMu      sync.Mutex
	numPosted int
}

type pendingPost struct {
	req  *Request
	post func() error
}

// Endpoint groups the rails, pools and communicators used by one owner.
// Progress is made only by calls into the endpoint: Progress, Request.Test
// and the connection calls.
type Endpoint struct {
	dev   *Device
	owner Owner
	cfg   *Config
	obs   *observer
	// refs is guarded by dev.mu.
	refs int

	data  []*rail
	ctrl  []*rail
	rails []*rail

	// reqMu serializes request graph changes: completion propagation,
	// orphaning and freeing. Lock order is reqMu, commBase.mu, rail.rxMu,
	// pendingMu, Request.mu.
	reqMu   sync.Mutex
	nextGen uint64
	reqs    *freelist.Freelist[Request]
	rxBufs  *freelist.Freelist[struct{}]
	msgBufs *freelist.Freelist[struct{}]

	pendingMu sync.Mutex
	pending   []pendingPost
	// retryMu admits one goroutine at a time to processPending, the only
	// place that pops the queue.
	retryMu sync.Mutex

	commsMu sync.Mutex
	comms   map[uint32]*commBase
	closing []*commBase

	closed atomic.Bool
}

func newEndpoint(d *Device, owner Owner) (ep *Endpoint, err error) {
	ep = &Endpoint{
		dev:   d,
		owner: owner,
		cfg:   &d.cfg,
		obs:   d.obs,
		comms: make(map[uint32]*commBase),
	}
	defer func() {
		if err != nil {
			_ = ep.closeResources()
		}
	}()

	for i := 0; i < d.cfg.NumRails; i++ {
		rl, err := ep.openRail(fabric.RailData, i)
		if err != nil {
			return nil, err
		}
		ep.data = append(ep.data, rl)
	}
	for i := 0; i < d.cfg.NumControlRails; i++ {
		rl, err := ep.openRail(fabric.RailControl, i)
		if err != nil {
			return nil, err
		}
		ep.ctrl = append(ep.ctrl, rl)
	}

	ep.reqs, err = freelist.New[Request](freelist.Config{
		Name:          "requests",
		InitialCount:  requestPoolGrowth,
		IncreaseCount: requestPoolGrowth,
		MaxCount:      d.cfg.MaxPooledRequests,
	})
	if err != nil {
		return nil, err
	}
	ep.rxBufs, err = freelist.New[struct{}](freelist.Config{
		Name:          "rx buffers",
		EntrySize:     d.cfg.rxBufferSize(),
		InitialCount:  d.cfg.MaxRxBuffersPosted * len(ep.rails),
		IncreaseCount: d.cfg.MaxRxBuffersPosted,
		Alignment:     wire.EagerAlignment,
		Register:      ep.registerBlock,
		Deregister:    ep.deregisterBlock,
	})
	if err != nil {
		return nil, err
	}
	ep.msgBufs, err = freelist.New[struct{}](freelist.Config{
		Name:          "message buffers",
		EntrySize:     d.cfg.msgBufferSize(),
		InitialCount:  msgPoolGrowth,
		IncreaseCount: msgPoolGrowth,
		Register:      ep.registerBlock,
		Deregister:    ep.deregisterBlock,
	})
	if err != nil {
		return nil, err
	}

	for _, rl := range ep.rails {
		if err := ep.topUpRx(rl); err != nil {
			return nil, err
		}
	}
	ep.obs.log.Debug("endpoint created", zap.String("owner", string(owner)), zap.Int("rails", len(ep.rails)))
	return ep, nil
}

func (ep *Endpoint) openRail(kind fabric.RailKind, index int) (*rail, error) {
	fep, err := ep.dev.provider.OpenRail(kind, index)
	if err != nil {
		return nil, fmt.Errorf("multirail rdma: open %s rail %d: %w", kind, index, err)
	}
	rl := &rail{kind: kind, index: index, ep: fep}
	ep.rails = append(ep.rails, rl)
	rl.self, err = fep.InsertAddress(fep.Name())
	if err != nil {
		return nil, fmt.Errorf("multirail rdma: insert self address on %s rail %d: %w", kind, index, err)
	}
	return rl, nil
}

// Release drops the caller's reference. The last release closes the rails
// and fails with ErrBusy while communicators are still open.
func (ep *Endpoint) Release() error {
	return ep.dev.release(ep)
}

// ControlName returns the address of control rail 0, the rail peers
// connect to.
func (ep *Endpoint) ControlName() []byte {
	return ep.ctrl[0].ep.Name()
}

func (ep *Endpoint) close() error {
	if !ep.closed.CompareAndSwap(false, true) {
		return nil
	}
	ep.obs.log.Debug("endpoint closed", zap.String("owner", string(ep.owner)))
	return ep.closeResources()
}

func (ep *Endpoint) closeResources() error {
	var err error
	for _, rl := range ep.rails {
		err = multierr.Append(err, rl.ep.Close())
	}
	if ep.msgBufs != nil {
		err = multierr.Append(err, ep.msgBufs.Close())
	}
	if ep.rxBufs != nil {
		err = multierr.Append(err, ep.rxBufs.Close())
	}
	if ep.reqs != nil {
		err = multierr.Append(err, ep.reqs.Close())
	}
	return err
}

// Progress polls every rail once, retries busy posts and advances closing
// communicators.
func (ep *Endpoint) Progress() error {
	if ep.closed.Load() {
		return ErrClosed
	}
	var err error
	for _, rl := range ep.rails {
		err = multierr.Append(err, ep.pollRail(rl))
	}
	ep.processPending()
	ep.progressClosing()
	return err
}

// Drain progresses the endpoint until every closing communicator has been
// released or ctx is done.
func (ep *Endpoint) Drain(ctx context.Context) error {
	var bo backoff
	for {
		if err := ep.Progress(); err != nil {
			return err
		}
		if ep.closingCount() == 0 {
			return nil
		}
		if err := bo.wait(ctx); err != nil {
			return err
		}
	}
}

// pollRail skips rails another goroutine is already polling.
func (ep *Endpoint) pollRail(rl *rail) error {
	if !rl.pollMu.TryLock() {
		return nil
	}
	defer rl.pollMu.Unlock()
	comps, err := rl.ep.PollCompletions(ep.cfg.CQReadCount)
	if err != nil {
		return fmt.Errorf("multirail rdma: poll %s rail %d: %w", rl.kind, rl.index, err)
	}
	for _, c := range comps {
		ep.handleCompletion(rl, c)
	}
	return nil
}

func (ep *Endpoint) handleCompletion(rl *rail, c fabric.Completion) {
	if c.Context == nil {
		if c.Flags.Has(fabric.FlagRemoteWrite) {
			ep.handleRemoteWrite(rl, c)
			return
		}
		ep.obs.log.Warn("completion without context", zap.Stringer("rail_kind", rl.kind), zap.Int("rail", rl.index))
		return
	}
	r, ok := c.Context.(*Request)
	if !ok {
		ep.obs.log.Warn("completion with foreign context", zap.String("type", fmt.Sprintf("%T", c.Context)))
		return
	}
	if r.kind == KindRxBuff {
		ep.handleRx(rl, r, c)
		return
	}

	var rx *Request
	ep.reqMu.Lock()
	r.retired()
	if c.Err != nil {
		ep.obs.cqError(rl, c.Err)
		r.setError(c.Err)
	} else {
		switch r.kind {
		case KindSendCtrl, KindFlush, KindSendClose, KindSendConn, KindSendConnResp:
			r.addCompletion(0, 0)
		default:
			r.addCompletion(c.Len, 0)
		}
	}
	switch r.kind {
	case KindSendCtrl:
		r.owner.ctrlDelivered()
	case KindEagerCopy:
		rx = r.copyData().rx
	}
	ep.reap(r)
	ep.reqMu.Unlock()

	if rx != nil {
		ep.repostRx(rx)
	}
}

// post hands fn to the fabric, or queues it behind earlier busy posts.
// Busy rails are retried by Progress. The request's outstanding count covers
// the post until it completes or fails.
func (ep *Endpoint) post(r *Request, fn func() error) error {
	r.posted(1)
	ep.pendingMu.Lock()
	if len(ep.pending) > 0 {
		ep.pending = append(ep.pending, pendingPost{req: r, post: fn})
		ep.pendingMu.Unlock()
		return nil
	}
	ep.pendingMu.Unlock()

	err := fn()
	if err == nil {
		return nil
	}
	if errors.Is(err, fabric.ErrAgain) {
		ep.pendingMu.Lock()
		ep.pending = append(ep.pending, pendingPost{req: r, post: fn})
		ep.pendingMu.Unlock()
		return nil
	}
	r.retired()
	return err
}

// postOrFail posts fn and fails r when the fabric rejects it.
func (ep *Endpoint) postOrFail(r *Request, fn func() error) {
	if err := ep.post(r, fn); err != nil {
		ep.reqMu.Lock()
		r.setError(err)
		ep.reap(r)
		ep.reqMu.Unlock()
	}
}

// processPending retries queued posts in order until one is still busy. It
// returns at once while another goroutine is retrying.
func (ep *Endpoint) processPending() {
	if !ep.retryMu.TryLock() {
		return
	}
	defer ep.retryMu.Unlock()
	for {
		ep.pendingMu.Lock()
		if len(ep.pending) == 0 {
			ep.pendingMu.Unlock()
			return
		}
		p := ep.pending[0]
		ep.pendingMu.Unlock()

		var err error
		if st := p.req.State(); st.terminal() && p.req.kind != KindRxBuff {
			err = errDropped
		} else {
			err = p.post()
		}
		if errors.Is(err, fabric.ErrAgain) {
			return
		}

		ep.pendingMu.Lock()
		ep.pending = ep.pending[1:]
		ep.pendingMu.Unlock()
		if err == nil {
			continue
		}

		if p.req.kind == KindRxBuff {
			p.req.retired()
			ep.dropRx(p.req, err)
			continue
		}
		ep.reqMu.Lock()
		p.req.retired()
		if !errors.Is(err, errDropped) {
			p.req.setError(err)
		}
		ep.reap(p.req)
		ep.reqMu.Unlock()
	}
}

// errDropped marks queued posts of requests that already failed.
var errDropped = errors.New("multirail rdma: post dropped")

// allocRequest returns a fresh request. Callers hold ep.reqMu.
func (ep *Endpoint) allocRequest(kind RequestKind, owner *commBase) (*Request, error) {
	e, err := ep.reqs.Alloc()
	if err != nil {
		return nil, fmt.Errorf("multirail rdma: allocate request: %w", err)
	}
	r := &e.Value
	r.reset()
	r.elem = e
	r.ep = ep
	r.kind = kind
	r.owner = owner
	ep.nextGen++
	r.gen = ep.nextGen
	return r, nil
}

// trace starts the span of an accepted top-level request.
func (ep *Endpoint) trace(r *Request) {
	r.span = ep.obs.startSpan("multirail.rdma."+r.kind.String(),
		TraceAttribute{Key: "comm", Value: int64(r.commID())},
		TraceAttribute{Key: "seq", Value: int64(r.seq)})
}

func (ep *Endpoint) newRequest(kind RequestKind, owner *commBase) (*Request, error) {
	ep.reqMu.Lock()
	defer ep.reqMu.Unlock()
	return ep.allocRequest(kind, owner)
}

// newChild allocates a pending child of parent. Callers hold ep.reqMu.
func (ep *Endpoint) newChild(kind RequestKind, parent *Request, total int) (*Request, error) {
	c, err := ep.allocRequest(kind, parent.owner)
	if err != nil {
		return nil, err
	}
	c.seq = parent.seq
	c.parent = reqRef{req: parent, gen: parent.gen}
	c.totalCompls = total
	c.state = StatePending
	return c, nil
}

// finish runs once when r turns terminal. Callers hold ep.reqMu.
func (ep *Endpoint) finish(r *Request) {
	state, size, err, _ := r.settled()
	if r.kind.topLevel() {
		ep.obs.requestDone(r.kind, err)
		if r.span != nil {
			r.span.End(err)
		}
	}
	if r.kind == KindRecv && r.owner != nil {
		r.owner.retire(r.seq, r)
	}
	if ce := ep.obs.log.Check(zap.DebugLevel, "request finished"); ce != nil {
		ce.Write(zap.Stringer("kind", r.kind), zap.Uint32("comm", r.commID()),
			zap.Uint16("seq", r.seq), zap.Stringer("state", state), zap.Int("size", size), zap.Error(err))
	}

	p := r.parent.req
	if p == nil || p.gen != r.parent.gen {
		return
	}
	if state == StateError {
		p.setError(err)
		return
	}
	p.addCompletion(size, 0)
}

// reap frees an orphaned request once nothing references it any more.
// Callers hold ep.reqMu.
func (ep *Endpoint) reap(r *Request) {
	if !r.orphan || r.freed {
		return
	}
	if state, _, _, idle := r.settled(); state.terminal() && idle {
		ep.freeLocked(r, false)
	}
}

func (ep *Endpoint) freeRequest(r *Request, decInflight bool) {
	ep.reqMu.Lock()
	defer ep.reqMu.Unlock()
	ep.freeLocked(r, decInflight)
}

// freeLocked returns r and its settled children to the pool. Children still
// in flight are orphaned and free themselves once they settle. Callers hold
// ep.reqMu.
func (ep *Endpoint) freeLocked(r *Request, decInflight bool) {
	if r.freed {
		panic(fmt.Sprintf("multirail rdma: double free of %s request", r.kind))
	}
	state, _, _, idle := r.settled()
	if state == StatePending || !idle {
		panic(fmt.Sprintf("multirail rdma: free of in-flight %s request", r.kind))
	}
	r.freed = true

	for _, c := range r.children() {
		if c.freed {
			continue
		}
		if st, _, _, cidle := c.settled(); st != StatePending && cidle {
			ep.freeLocked(c, false)
			continue
		}
		c.orphan = true
		c.parent = reqRef{}
	}

	switch d := r.data.(type) {
	case *sendData:
		ep.dev.sched.Release(d.plan)
	case *rmaData:
		ep.dev.sched.Release(d.plan)
	case *msgData:
		if d.buf != nil {
			ep.msgBufs.Free(d.buf)
		}
	}
	if decInflight && r.owner != nil {
		r.owner.decInflight()
	}
	e := r.elem
	r.reset()
	r.freed = true
	ep.reqs.Free(e)
}

func (r *Request) children() []*Request {
	d, ok := r.data.(*recvData)
	if !ok {
		return nil
	}
	out := make([]*Request, 0, 3)
	for _, c := range []*Request{d.sendCtrl, d.recvSegms, d.eagerCopy} {
		if c != nil && c.parent.req == r && c.parent.gen == r.gen {
			out = append(out, c)
		}
	}
	return out
}

// registerComm assigns c a device-wide ID and makes it reachable by the rx path.
func (ep *Endpoint) registerComm(c *commBase) error {
	id, err := ep.dev.commIDs.Allocate()
	if err != nil {
		return fmt.Errorf("multirail rdma: allocate communicator id: %w", err)
	}
	c.localID = id
	ep.commsMu.Lock()
	ep.comms[id] = c
	ep.commsMu.Unlock()
	return nil
}

func (ep *Endpoint) lookupComm(id uint32, role commRole) (*commBase, error) {
	ep.commsMu.Lock()
	c, ok := ep.comms[id]
	ep.commsMu.Unlock()
	if !ok {
		return nil, protocolErrorf("unknown communicator %d", id)
	}
	if c.role != role {
		return nil, protocolErrorf("communicator %d is a %s communicator, expected %s", id, c.role, role)
	}
	return c, nil
}

func (ep *Endpoint) openComms() int {
	ep.commsMu.Lock()
	defer ep.commsMu.Unlock()
	return len(ep.comms)
}

func (ep *Endpoint) markClosing(c *commBase) {
	ep.commsMu.Lock()
	ep.closing = append(ep.closing, c)
	ep.commsMu.Unlock()
}

func (ep *Endpoint) closingCount() int {
	ep.commsMu.Lock()
	defer ep.commsMu.Unlock()
	return len(ep.closing)
}

func (ep *Endpoint) progressClosing() {
	ep.commsMu.Lock()
	if len(ep.closing) == 0 {
		ep.commsMu.Unlock()
		return
	}
	closing := append([]*commBase(nil), ep.closing...)
	ep.commsMu.Unlock()

	for _, c := range closing {
		if c.progressClose() {
			ep.unregisterComm(c)
		}
	}
}

// unregisterComm releases c's ID and drops it from the tables.
func (ep *Endpoint) unregisterComm(c *commBase) {
	ep.commsMu.Lock()
	delete(ep.comms, c.localID)
	for i, cc := range ep.closing {
		if cc == c {
			ep.closing = append(ep.closing[:i], ep.closing[i+1:]...)
			break
		}
	}
	ep.commsMu.Unlock()
	if err := ep.dev.commIDs.Free(c.localID); err != nil {
		ep.obs.log.Warn("free communicator id", zap.Uint32("comm", c.localID), zap.Error(err))
	}
}
