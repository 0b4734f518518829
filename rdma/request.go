package rdma

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rocketbitz/multirail/freelist"
	"github.com/rocketbitz/multirail/scheduler"
	"github.com/rocketbitz/multirail/wire"
)

// RequestKind identifies what a request does.
type RequestKind int

const (
	KindWrite RequestKind = iota
	KindRead
	KindSend
	KindRecv
	KindSendCtrl
	KindSendClose
	KindRecvSegms
	KindEagerCopy
	KindRxBuff
	KindFlush
	KindSendConn
	KindRecvConn
	KindRecvConnResp
	KindSendConnResp
)

func (k RequestKind) String() string {
	switch k {
	case KindWrite:
		return "write"
	case KindRead:
		return "read"
	case KindSend:
		return "send"
	case KindRecv:
		return "recv"
	case KindSendCtrl:
		return "send_ctrl"
	case KindSendClose:
		return "send_close"
	case KindRecvSegms:
		return "recv_segms"
	case KindEagerCopy:
		return "eager_copy"
	case KindRxBuff:
		return "rx_buff"
	case KindFlush:
		return "flush"
	case KindSendConn:
		return "send_conn"
	case KindRecvConn:
		return "recv_conn"
	case KindRecvConnResp:
		return "recv_conn_resp"
	case KindSendConnResp:
		return "send_conn_resp"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// topLevel reports whether requests of this kind are handed to the caller.
func (k RequestKind) topLevel() bool {
	switch k {
	case KindSend, KindRecv, KindWrite, KindRead, KindFlush:
		return true
	}
	return false
}

// RequestState is the lifecycle state of a request.
type RequestState int

const (
	StateCreated RequestState = iota
	StatePending
	StateCompleted
	StateError
	StateInvalid
)

func (s RequestState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StatePending:
		return "pending"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	default:
		return "invalid"
	}
}

func (s RequestState) terminal() bool {
	return s == StateCompleted || s == StateError
}

type sendData struct {
	buf   []byte
	mr    *MRHandle
	eager bool
	ctrl  wire.CtrlMsg
	wdata uint32
	plan  *scheduler.Plan
}

type recvData struct {
	dst       []byte
	mr        *MRHandle
	sendCtrl  *Request
	recvSegms *Request
	eagerCopy *Request
}

type rmaData struct {
	buf        []byte
	mr         *MRHandle
	remoteAddr uint64
	key        uint64
	plan       *scheduler.Plan
}

type flushData struct {
	buf []byte
	mr  *MRHandle
}

// msgData backs control, close and connection message sends.
type msgData struct {
	buf  *freelist.Elem[struct{}]
	rail int
}

type eagerCopyData struct {
	rx  *Request
	dst []byte
	mr  *MRHandle
}

type rxBuffData struct {
	buf     *freelist.Elem[struct{}]
	rail    *rail
	recvLen int
}

// reqRef is a non-owning reference to a parent request. The generation
// guards against the parent slot having been recycled.
type reqRef struct {
	req *Request
	gen uint64
}

// Request is one unit of outstanding asynchronous work. Requests returned to
// the caller are released by Test once they completed or failed.
type Request struct {
	// mu guards the counters, size and state.
	mu          sync.Mutex
	kind        RequestKind
	state       RequestState
	ncompls     int
	totalCompls int
	size        int
	err         error
	// outstanding counts rail operations posted or queued but not yet
	// completed; a request is only freed once it reaches zero.
	outstanding int

	gen    uint64
	seq    uint16
	ep     *Endpoint
	owner  *commBase
	parent reqRef
	orphan bool
	freed  bool
	data   any
	span   Span

	elem *freelist.Elem[Request]
}

func (r *Request) reset() {
	r.kind = 0
	r.state = StateCreated
	r.ncompls = 0
	r.totalCompls = 0
	r.size = 0
	r.err = nil
	r.outstanding = 0
	r.seq = 0
	r.owner = nil
	r.parent = reqRef{}
	r.orphan = false
	r.freed = false
	r.data = nil
	r.span = nil
}

// Kind returns the request kind.
func (r *Request) Kind() RequestKind { return r.kind }

// State returns the current state.
func (r *Request) State() RequestState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Size returns the number of bytes accounted so far.
func (r *Request) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// settled returns the state and whether no rail operation is outstanding.
func (r *Request) settled() (state RequestState, size int, err error, idle bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.size, r.err, r.outstanding == 0
}

// Test progresses the endpoint and reports whether the request finished.
// Once done is true the request has been released and must not be used
// again; err is non-nil when the request failed.
func (r *Request) Test() (done bool, size int, err error) {
	state, size, rerr, idle := r.settled()
	if !state.terminal() || !idle {
		if perr := r.ep.Progress(); perr != nil {
			return false, 0, perr
		}
		state, size, rerr, idle = r.settled()
	}
	if !idle {
		return false, 0, nil
	}
	switch state {
	case StateCompleted:
		r.ep.freeRequest(r, true)
		return true, size, nil
	case StateError:
		r.ep.freeRequest(r, true)
		return true, 0, rerr
	default:
		return false, 0, nil
	}
}

// Wait calls Test until the request finishes or ctx is done. On ctx expiry
// the request stays allocated and may be tested again later.
func (r *Request) Wait(ctx context.Context) (int, error) {
	var bo backoff
	for {
		done, size, err := r.Test()
		if done || err != nil {
			return size, err
		}
		if err := bo.wait(ctx); err != nil {
			return 0, err
		}
	}
}

// backoff spaces out polls when nothing progressed.
type backoff struct {
	d time.Duration
}

const (
	minPollBackoff = time.Microsecond
	maxPollBackoff = time.Millisecond
)

func (b *backoff) wait(ctx context.Context) error {
	if b.d == 0 {
		b.d = minPollBackoff
	} else if b.d < maxPollBackoff {
		b.d *= 2
	}
	t := time.NewTimer(b.d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// addCompletion counts one sub-completion. total replaces the expected count
// when positive. Callers hold ep.reqMu.
func (r *Request) addCompletion(size, total int) {
	r.mu.Lock()
	if r.state.terminal() {
		r.mu.Unlock()
		return
	}
	if total > 0 {
		r.totalCompls = total
	}
	r.size += size
	r.ncompls++
	switch {
	case r.totalCompls > 0 && r.ncompls > r.totalCompls:
		r.state = StateError
		r.err = &OperationError{Kind: r.kind, CommID: r.commID(), Seq: r.seq,
			Err: protocolErrorf("%d completions, expected %d", r.ncompls, r.totalCompls)}
	case r.totalCompls > 0 && r.ncompls == r.totalCompls && r.state == StatePending:
		r.state = StateCompleted
	default:
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.ep.finish(r)
}

// setError moves the request to the error state. Callers hold ep.reqMu.
func (r *Request) setError(err error) {
	r.mu.Lock()
	if r.state.terminal() {
		r.mu.Unlock()
		return
	}
	r.state = StateError
	r.err = &OperationError{Kind: r.kind, CommID: r.commID(), Seq: r.seq, Err: err}
	r.mu.Unlock()
	r.ep.finish(r)
}

// posted records n rail operations handed to the fabric or the pending queue.
func (r *Request) posted(n int) {
	r.mu.Lock()
	r.outstanding += n
	r.mu.Unlock()
}

// retired records one rail operation that finished or was dropped.
func (r *Request) retired() {
	r.mu.Lock()
	if r.outstanding > 0 {
		r.outstanding--
	}
	r.mu.Unlock()
}

func (r *Request) commID() uint32 {
	if r.owner == nil {
		return 0
	}
	return r.owner.localID
}

func (r *Request) recv() *recvData          { return r.data.(*recvData) }
func (r *Request) send() *sendData          { return r.data.(*sendData) }
func (r *Request) rma() *rmaData            { return r.data.(*rmaData) }
func (r *Request) msg() *msgData            { return r.data.(*msgData) }
func (r *Request) rx() *rxBuffData          { return r.data.(*rxBuffData) }
func (r *Request) copyData() *eagerCopyData { return r.data.(*eagerCopyData) }
