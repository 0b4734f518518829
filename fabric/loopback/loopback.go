// Package loopback implements an in-memory fabric. Endpoints on the same
// Network exchange messages, RDMA writes and reads by copying between Go
// buffers and report completions through per-endpoint queues, which makes it
// suitable for tests and single-process benchmarks.
package loopback

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rocketbitz/multirail/fabric"
	"github.com/rocketbitz/multirail/wire"
)

// ErrUnknownPeer is returned when an address does not resolve to an endpoint.
var ErrUnknownPeer = errors.New("loopback: unknown peer")

// Network connects every endpoint opened through its hosts.
type Network struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
	nextID    uint64
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{endpoints: make(map[string]*Endpoint)}
}

// Host returns a provider opening endpoints named after host.
func (n *Network) Host(name string) *Host {
	return &Host{net: n, name: name}
}

// Endpoint looks up an endpoint by name.
func (n *Network) Endpoint(name string) (*Endpoint, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ep, ok := n.endpoints[name]
	return ep, ok
}

// Host is a fabric.Provider bound to one network.
type Host struct {
	net  *Network
	name string
}

var _ fabric.Provider = (*Host)(nil)

// OpenRail creates a new endpoint for the given rail.
func (h *Host) OpenRail(kind fabric.RailKind, index int) (fabric.Endpoint, error) {
	h.net.mu.Lock()
	defer h.net.mu.Unlock()
	h.net.nextID++
	name := fmt.Sprintf("%s/%s%d/%d", h.name, kind, index, h.net.nextID)
	if len(name) > wire.MaxEPAddr {
		return nil, fmt.Errorf("loopback: endpoint name %q exceeds %d bytes", name, wire.MaxEPAddr)
	}
	ep := &Endpoint{
		net:     h.net,
		name:    []byte(name),
		regions: make(map[uint64]*region),
		avIndex: make(map[string]fabric.Address),
		nextKey: 1,
	}
	h.net.endpoints[name] = ep
	return ep, nil
}

type region struct {
	buf    []byte
	base   uint64
	key    uint64
	access fabric.Access
	ep     *Endpoint
	closed atomic.Bool
}

func (r *region) Key() uint64 { return r.key }

func (r *region) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.ep.mu.Lock()
	defer r.ep.mu.Unlock()
	if cur, ok := r.ep.regions[r.key]; ok && cur == r {
		delete(r.ep.regions, r.key)
	}
	return nil
}

type message struct {
	data    []byte
	imm     uint32
	hasData bool
}

// Stats counts operations posted on an endpoint.
type Stats struct {
	Sends      uint64
	Recvs      uint64
	Writes     uint64
	Reads      uint64
	BytesMoved uint64
}

// Endpoint is one simulated rail.
type Endpoint struct {
	net  *Network
	name []byte

	mu         sync.Mutex
	closed     bool
	av         []*Endpoint
	avIndex    map[string]fabric.Address
	regions    map[uint64]*region
	nextKey    uint64
	recvs      []*fabric.RecvRequest
	unexpected []message
	cq         []fabric.Completion

	busyNext  int
	failNext  int
	failErrno fabric.Errno

	sends, recvsPosted, writes, reads, bytes atomic.Uint64
}

var _ fabric.Endpoint = (*Endpoint)(nil)

// Name returns the endpoint's address.
func (e *Endpoint) Name() []byte { return e.name }

// InsertAddress resolves a peer name into the address vector.
func (e *Endpoint) InsertAddress(name []byte) (fabric.Address, error) {
	peer, ok := e.net.Endpoint(string(name))
	if !ok {
		return fabric.AddressUnspec, fmt.Errorf("%w: %q", ErrUnknownPeer, name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if addr, ok := e.avIndex[string(name)]; ok {
		return addr, nil
	}
	addr := fabric.Address(len(e.av))
	e.av = append(e.av, peer)
	e.avIndex[string(name)] = addr
	return addr, nil
}

// RegisterMemory registers buf. A non-zero requestedKey is used as the key.
func (e *Endpoint) RegisterMemory(buf []byte, access fabric.Access, requestedKey uint64) (fabric.MemoryRegion, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fabric.ErrClosed
	}
	key := requestedKey
	if key == 0 {
		for e.regions[e.nextKey] != nil {
			e.nextKey++
		}
		key = e.nextKey
		e.nextKey++
	} else if _, taken := e.regions[key]; taken {
		return nil, fmt.Errorf("loopback: register memory: %w", fabric.ErrnoNoKey)
	}
	r := &region{buf: buf, base: fabric.BufferAddress(buf), key: key, access: access, ep: e}
	e.regions[key] = r
	return r, nil
}

// PostSend delivers a message to the peer's next posted receive, or queues
// it until one is posted.
func (e *Endpoint) PostSend(req *fabric.SendRequest) error {
	peer, err := e.admit(req.Dest)
	if err != nil {
		return err
	}
	if failed := e.takeFailure(); failed != nil {
		e.complete(fabric.Completion{Context: req.Context, Flags: fabric.FlagSend, Err: &fabric.CompletionError{Op: "send", Errno: *failed}})
		return nil
	}
	e.sends.Add(1)
	e.bytes.Add(uint64(len(req.Buffer)))

	msg := message{data: append([]byte(nil), req.Buffer...), imm: req.Data, hasData: req.HasData}
	peer.deliver(msg)
	e.complete(fabric.Completion{Context: req.Context, Flags: fabric.FlagSend, Len: len(req.Buffer)})
	return nil
}

// PostRecv posts a receive buffer.
func (e *Endpoint) PostRecv(req *fabric.RecvRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fabric.ErrClosed
	}
	if e.busyNext > 0 {
		e.busyNext--
		return fabric.ErrAgain
	}
	e.recvsPosted.Add(1)
	if len(e.unexpected) > 0 {
		msg := e.unexpected[0]
		e.unexpected = e.unexpected[1:]
		e.cq = append(e.cq, matchRecv(req, msg))
		return nil
	}
	e.recvs = append(e.recvs, req)
	return nil
}

// PostWrite copies the local buffer into the peer region.
func (e *Endpoint) PostWrite(req *fabric.RMARequest) error {
	peer, err := e.admit(req.Address)
	if err != nil {
		return err
	}
	if failed := e.takeFailure(); failed != nil {
		e.complete(fabric.Completion{Context: req.Context, Flags: fabric.FlagWrite, Err: &fabric.CompletionError{Op: "write", Errno: *failed}})
		return nil
	}
	e.writes.Add(1)

	if errno := peer.remoteWrite(req); errno != 0 {
		e.complete(fabric.Completion{Context: req.Context, Flags: fabric.FlagWrite, Err: &fabric.CompletionError{Op: "write", Errno: errno}})
		return nil
	}
	e.bytes.Add(uint64(len(req.Buffer)))
	e.complete(fabric.Completion{Context: req.Context, Flags: fabric.FlagWrite, Len: len(req.Buffer)})
	return nil
}

// PostRead copies the peer region into the local buffer.
func (e *Endpoint) PostRead(req *fabric.RMARequest) error {
	peer, err := e.admit(req.Address)
	if err != nil {
		return err
	}
	if failed := e.takeFailure(); failed != nil {
		e.complete(fabric.Completion{Context: req.Context, Flags: fabric.FlagRead, Err: &fabric.CompletionError{Op: "read", Errno: *failed}})
		return nil
	}
	e.reads.Add(1)

	if errno := peer.remoteRead(req); errno != 0 {
		e.complete(fabric.Completion{Context: req.Context, Flags: fabric.FlagRead, Err: &fabric.CompletionError{Op: "read", Errno: errno}})
		return nil
	}
	e.bytes.Add(uint64(len(req.Buffer)))
	e.complete(fabric.Completion{Context: req.Context, Flags: fabric.FlagRead, Len: len(req.Buffer)})
	return nil
}

// PollCompletions drains up to max completions.
func (e *Endpoint) PollCompletions(max int) ([]fabric.Completion, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fabric.ErrClosed
	}
	if max <= 0 || max > len(e.cq) {
		max = len(e.cq)
	}
	if max == 0 {
		return nil, nil
	}
	out := make([]fabric.Completion, max)
	copy(out, e.cq)
	e.cq = e.cq[max:]
	return out, nil
}

// Close removes the endpoint from its network.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.regions = nil
	e.recvs = nil
	e.cq = nil
	e.mu.Unlock()

	e.net.mu.Lock()
	delete(e.net.endpoints, string(e.name))
	e.net.mu.Unlock()
	return nil
}

// BusyNext makes the next n posts return fabric.ErrAgain.
func (e *Endpoint) BusyNext(n int) {
	e.mu.Lock()
	e.busyNext = n
	e.mu.Unlock()
}

// FailNext makes the next n sends, writes or reads complete with errno.
func (e *Endpoint) FailNext(n int, errno fabric.Errno) {
	e.mu.Lock()
	e.failNext = n
	e.failErrno = errno
	e.mu.Unlock()
}

// PostedRecvs returns the number of receive buffers waiting for a message.
func (e *Endpoint) PostedRecvs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.recvs)
}

// Stats returns operation counters.
func (e *Endpoint) Stats() Stats {
	return Stats{
		Sends:      e.sends.Load(),
		Recvs:      e.recvsPosted.Load(),
		Writes:     e.writes.Load(),
		Reads:      e.reads.Load(),
		BytesMoved: e.bytes.Load(),
	}
}

func (e *Endpoint) admit(addr fabric.Address) (*Endpoint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fabric.ErrClosed
	}
	if e.busyNext > 0 {
		e.busyNext--
		return nil, fabric.ErrAgain
	}
	if addr == fabric.AddressUnspec || int(addr) >= len(e.av) {
		return nil, fmt.Errorf("%w: address %d", ErrUnknownPeer, addr)
	}
	return e.av[addr], nil
}

func (e *Endpoint) takeFailure() *fabric.Errno {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failNext == 0 {
		return nil
	}
	e.failNext--
	errno := e.failErrno
	return &errno
}

func (e *Endpoint) complete(c fabric.Completion) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.cq = append(e.cq, c)
	}
}

func (e *Endpoint) deliver(msg message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if len(e.recvs) == 0 {
		e.unexpected = append(e.unexpected, msg)
		return
	}
	req := e.recvs[0]
	e.recvs = e.recvs[1:]
	e.cq = append(e.cq, matchRecv(req, msg))
}

func matchRecv(req *fabric.RecvRequest, msg message) fabric.Completion {
	c := fabric.Completion{Context: req.Context, Flags: fabric.FlagRecv, Len: len(msg.data)}
	if msg.hasData {
		c.Flags |= fabric.FlagRemoteCQData
		c.Data = msg.imm
	}
	if len(msg.data) > len(req.Buffer) {
		c.Err = &fabric.CompletionError{Op: "recv", Errno: fabric.ErrnoTrunc}
		c.Len = 0
		return c
	}
	copy(req.Buffer, msg.data)
	return c
}

// resolve returns the slice of a region addressed by (key, addr, n).
// Zero-length transfers touch no region. Callers hold e.mu.
func (e *Endpoint) resolve(key, addr uint64, n int, need fabric.Access) ([]byte, fabric.Errno) {
	if n == 0 {
		return nil, 0
	}
	r, ok := e.regions[key]
	if !ok {
		return nil, fabric.ErrnoNoKey
	}
	if r.access&need != need {
		return nil, fabric.ErrnoInval
	}
	if addr < r.base || addr-r.base+uint64(n) > uint64(len(r.buf)) {
		return nil, fabric.ErrnoInval
	}
	off := addr - r.base
	return r.buf[off : off+uint64(n)], 0
}

func (e *Endpoint) remoteWrite(req *fabric.RMARequest) fabric.Errno {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fabric.ErrnoIO
	}
	dst, errno := e.resolve(req.Key, req.RemoteAddr, len(req.Buffer), fabric.AccessRemoteWrite)
	if errno != 0 {
		return errno
	}
	copy(dst, req.Buffer)
	if req.HasData {
		e.cq = append(e.cq, fabric.Completion{
			Flags: fabric.FlagRemoteWrite | fabric.FlagRemoteCQData,
			Len:   len(req.Buffer),
			Data:  req.Data,
		})
	}
	return 0
}

func (e *Endpoint) remoteRead(req *fabric.RMARequest) fabric.Errno {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fabric.ErrnoIO
	}
	src, errno := e.resolve(req.Key, req.RemoteAddr, len(req.Buffer), fabric.AccessRemoteRead)
	if errno != 0 {
		return errno
	}
	copy(req.Buffer, src)
	return 0
}
