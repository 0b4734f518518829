package rdma

import (
	"fmt"

	"github.com/rocketbitz/multirail/fabric"
	"github.com/rocketbitz/multirail/scheduler"
)

// setPending arms r for total completions.
func (ep *Endpoint) setPending(r *Request, total int) {
	r.mu.Lock()
	r.state = StatePending
	r.totalCompls = total
	r.mu.Unlock()
}

// completeNow finishes a request that needs no transfer.
func (ep *Endpoint) completeNow(r *Request) {
	ep.setPending(r, 1)
	ep.reqMu.Lock()
	r.addCompletion(0, 0)
	ep.reqMu.Unlock()
}

// failNow fails a request before anything was posted.
func (ep *Endpoint) failNow(r *Request, err error) {
	ep.setPending(r, 1)
	ep.reqMu.Lock()
	r.setError(err)
	ep.reqMu.Unlock()
}

// discard frees a request that never left the Created state.
func (ep *Endpoint) discard(r *Request) {
	ep.freeRequest(r, false)
}

// abandon fails internal requests nobody will test again; they free
// themselves once their rail operations drained.
func (ep *Endpoint) abandon(reqs ...*Request) {
	ep.reqMu.Lock()
	defer ep.reqMu.Unlock()
	for _, r := range reqs {
		if r == nil || r.freed {
			continue
		}
		if r.State() == StateCreated {
			ep.freeLocked(r, false)
			continue
		}
		r.setError(ErrClosed)
		r.orphan = true
		ep.reap(r)
	}
}

// settle progresses the endpoint once if r is still running and reports
// whether it finished, with its error.
func (ep *Endpoint) settle(r *Request) (bool, error) {
	state, _, err, idle := r.settled()
	if !state.terminal() || !idle {
		if perr := ep.Progress(); perr != nil {
			return false, perr
		}
		state, _, err, idle = r.settled()
	}
	if !state.terminal() || !idle {
		return false, nil
	}
	return true, err
}

// postStripes posts one rail operation per stripe of plan, stopping at the
// first rejected post.
func (ep *Endpoint) postStripes(r *Request, plan *scheduler.Plan, mk func(scheduler.Stripe) func() error) {
	n := 0
	for _, s := range plan.Stripes {
		if err := ep.post(r, mk(s)); err != nil {
			ep.reqMu.Lock()
			r.setError(err)
			ep.reqMu.Unlock()
			break
		}
		n++
	}
	ep.obs.stripesPosted(r.kind, n)
}

// startRMA stripes a one-sided write or read against peer memory.
func (ep *Endpoint) startRMA(c *commBase, kind RequestKind, buf []byte, mr *MRHandle, remoteAddr, key uint64) (*Request, error) {
	if len(buf) > 0 && mr == nil {
		return nil, fmt.Errorf("multirail rdma: %s of %d bytes without a registered region", kind, len(buf))
	}
	r, err := ep.newRequest(kind, c)
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

	plan, err := ep.dev.sched.Schedule(len(buf), len(ep.data))
	if err != nil {
		ep.failNow(r, err)
		return r, nil
	}
	r.data = &rmaData{buf: buf, mr: mr, remoteAddr: remoteAddr, key: key, plan: plan}
	ep.setPending(r, len(plan.Stripes))
	ep.postStripes(r, plan, func(s scheduler.Stripe) func() error {
		rl := ep.data[s.Rail]
		req := &fabric.RMARequest{
			Buffer:     buf[s.Offset : s.Offset+s.Length],
			Region:     mr.region(rl),
			Address:    c.dataAddrs[s.Rail],
			RemoteAddr: remoteAddr + uint64(s.Offset),
			Key:        key,
			Context:    r,
		}
		if kind == KindRead {
			return func() error { return rl.ep.PostRead(req) }
		}
		return func() error { return rl.ep.PostWrite(req) }
	})
	return r, nil
}
