package rdma

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	zapobserver "go.uber.org/zap/zaptest/observer"

	"github.com/rocketbitz/multirail/fabric"
	"github.com/rocketbitz/multirail/fabric/loopback"
	"github.com/rocketbitz/multirail/freelist"
	"github.com/rocketbitz/multirail/wire"
)

const maxPolls = 10000

type testPair struct {
	t      *testing.T
	client *Device
	server *Device
	cep    *Endpoint
	sep    *Endpoint
}

// testConfig returns the default configuration adjusted by mod.
func testConfig(mod func(c *Config)) Config {
	cfg := DefaultConfig()
	if mod != nil {
		mod(&cfg)
	}
	return cfg
}

func newTestPair(t *testing.T, cfg Config) *testPair {
	return newTestPairConfigs(t, cfg, cfg)
}

func newTestPairConfigs(t *testing.T, ccfg, scfg Config) *testPair {
	t.Helper()
	network := loopback.NewNetwork()
	ccfg.Name = "client"
	scfg.Name = "server"
	client, err := NewDevice(ccfg, network.Host("client"))
	if err != nil {
		t.Fatalf("NewDevice(client) failed: %v", err)
	}
	server, err := NewDevice(scfg, network.Host("server"))
	if err != nil {
		t.Fatalf("NewDevice(server) failed: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	cep, err := client.Endpoint("test")
	if err != nil {
		t.Fatalf("client Endpoint failed: %v", err)
	}
	sep, err := server.Endpoint("test")
	if err != nil {
		t.Fatalf("server Endpoint failed: %v", err)
	}
	return &testPair{t: t, client: client, server: server, cep: cep, sep: sep}
}

func (p *testPair) connect() (*SendComm, *RecvComm, *ListenComm) {
	p.t.Helper()
	h, lc, err := p.sep.Listen()
	if err != nil {
		p.t.Fatalf("Listen failed: %v", err)
	}
	var (
		sc *SendComm
		rc *RecvComm
	)
	for i := 0; sc == nil || rc == nil; i++ {
		if i == maxPolls {
			p.t.Fatalf("handshake stuck: connect %s, accept %s", h.Stage, lc.Stage())
		}
		if sc == nil {
			s, err := p.cep.Connect(h)
			if err != nil && !errors.Is(err, ErrAgain) {
				p.t.Fatalf("Connect failed: %v", err)
			}
			sc = s
		}
		if rc == nil {
			r, err := lc.Accept()
			if err != nil && !errors.Is(err, ErrAgain) {
				p.t.Fatalf("Accept failed: %v", err)
			}
			rc = r
		}
	}
	return sc, rc, lc
}

func (p *testPair) register(ep *Endpoint, buf []byte) *MRHandle {
	p.t.Helper()
	mr, err := ep.RegisterMemory(buf)
	if err != nil {
		p.t.Fatalf("RegisterMemory failed: %v", err)
	}
	return mr
}

func (p *testPair) progress() {
	p.t.Helper()
	for _, ep := range []*Endpoint{p.cep, p.sep} {
		if err := ep.Progress(); err != nil && !errors.Is(err, ErrClosed) {
			p.t.Fatalf("Progress failed: %v", err)
		}
	}
}

func (p *testPair) wait(r *Request) (int, error) {
	p.t.Helper()
	kind := r.Kind()
	for i := 0; i < maxPolls; i++ {
		done, size, err := r.Test()
		if done {
			return size, err
		}
		if err != nil {
			p.t.Fatalf("Test failed: %v", err)
		}
		p.progress()
	}
	p.t.Fatalf("%s request did not finish", kind)
	return 0, nil
}

// send retries until the peer's control message arrived.
func (p *testPair) send(sc *SendComm, buf []byte, mr *MRHandle) (*Request, error) {
	p.t.Helper()
	for i := 0; i < maxPolls; i++ {
		r, err := sc.Send(buf, mr)
		if !errors.Is(err, ErrAgain) {
			return r, err
		}
		p.progress()
	}
	p.t.Fatalf("send never became ready")
	return nil, nil
}

func (p *testPair) exchange(sc *SendComm, rc *RecvComm, payload []byte, dst []byte) int {
	p.t.Helper()
	recv, err := rc.Recv(dst, p.register(p.sep, dst))
	if err != nil {
		p.t.Fatalf("Recv failed: %v", err)
	}
	send, err := p.send(sc, payload, p.register(p.cep, payload))
	if err != nil {
		p.t.Fatalf("Send failed: %v", err)
	}
	if _, err := p.wait(send); err != nil {
		p.t.Fatalf("send request failed: %v", err)
	}
	n, err := p.wait(recv)
	if err != nil {
		p.t.Fatalf("recv request failed: %v", err)
	}
	return n
}

func loopbackRail(t *testing.T, rl *rail) *loopback.Endpoint {
	t.Helper()
	ep, ok := rl.ep.(*loopback.Endpoint)
	if !ok {
		t.Fatalf("rail endpoint is %T, want *loopback.Endpoint", rl.ep)
	}
	return ep
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

func TestHandshakeStagesNeverRegress(t *testing.T) {
	p := newTestPair(t, testConfig(nil))
	h, lc, err := p.sep.Listen()
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	raw, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary failed: %v", err)
	}
	var ch Handle
	if err := ch.UnmarshalBinary(raw); err != nil {
		t.Fatalf("UnmarshalBinary failed: %v", err)
	}

	loopbackRail(t, p.cep.ctrl[0]).BusyNext(1)
	if _, err := p.cep.Connect(&ch); !errors.Is(err, ErrAgain) {
		t.Fatalf("Connect on busy rail: got %v want ErrAgain", err)
	}
	if ch.Stage != StageSendingConnect {
		t.Fatalf("stage after busy post: got %s want %s", ch.Stage, StageSendingConnect)
	}

	var (
		sc          *SendComm
		rc          *RecvComm
		last        = ch.Stage
		lastAccept  = lc.Stage()
		seenPending bool
	)
	for i := 0; sc == nil || rc == nil; i++ {
		if i == maxPolls {
			t.Fatalf("handshake stuck at %s / %s", ch.Stage, lc.Stage())
		}
		if sc == nil {
			s, err := p.cep.Connect(&ch)
			if err != nil && !errors.Is(err, ErrAgain) {
				t.Fatalf("Connect failed: %v", err)
			}
			sc = s
			if ch.Stage < last {
				t.Fatalf("connect stage regressed from %s to %s", last, ch.Stage)
			}
			if ch.Stage == StageConnRespPending {
				seenPending = true
			}
			last = ch.Stage
		}
		if rc == nil {
			r, err := lc.Accept()
			if err != nil && !errors.Is(err, ErrAgain) {
				t.Fatalf("Accept failed: %v", err)
			}
			rc = r
			if lc.Stage() < lastAccept {
				t.Fatalf("accept stage regressed from %s to %s", lastAccept, lc.Stage())
			}
			lastAccept = lc.Stage()
		}
	}
	if !seenPending {
		t.Fatalf("connect never reported %s", StageConnRespPending)
	}
	if ch.Stage != StageConnected || lc.Stage() != StageConnected {
		t.Fatalf("final stages: connect %s accept %s", ch.Stage, lc.Stage())
	}
	if sc.RemoteID() != rc.ID() || rc.RemoteID() != sc.ID() {
		t.Fatalf("comm ids not crossed: send %d->%d recv %d->%d", sc.ID(), sc.RemoteID(), rc.ID(), rc.RemoteID())
	}
	if _, err := p.cep.Connect(&ch); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("Connect after connected: got %v want ErrInvalidHandle", err)
	}
	if _, err := lc.Accept(); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("second Accept: got %v want ErrInvalidHandle", err)
	}
}

func TestHandshakeAdvancesOneStagePerCall(t *testing.T) {
	p := newTestPair(t, testConfig(nil))
	h, lc, err := p.sep.Listen()
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	// Each side posts twice and checks each post on the following call.
	wantConnect := []Stage{StageConnReqPending, StageConnRespPending, StageConnected}
	wantAccept := []Stage{StageReceivingConnect, StageConnRespPending, StageConnected}
	last := len(wantConnect) - 1
	for i := range wantConnect {
		sc, err := p.cep.Connect(h)
		switch {
		case i < last && (!errors.Is(err, ErrAgain) || sc != nil):
			t.Fatalf("Connect call %d: got (%v, %v) want ErrAgain", i+1, sc, err)
		case i == last && (err != nil || sc == nil):
			t.Fatalf("Connect call %d: got (%v, %v) want a send communicator", i+1, sc, err)
		}
		if h.Stage != wantConnect[i] {
			t.Fatalf("Connect call %d: stage %s want %s", i+1, h.Stage, wantConnect[i])
		}

		rc, err := lc.Accept()
		switch {
		case i < last && (!errors.Is(err, ErrAgain) || rc != nil):
			t.Fatalf("Accept call %d: got (%v, %v) want ErrAgain", i+1, rc, err)
		case i == last && (err != nil || rc == nil):
			t.Fatalf("Accept call %d: got (%v, %v) want a receive communicator", i+1, rc, err)
		}
		if lc.Stage() != wantAccept[i] {
			t.Fatalf("Accept call %d: stage %s want %s", i+1, lc.Stage(), wantAccept[i])
		}
	}
}

func TestFailedAcceptKeepsStage(t *testing.T) {
	p := newTestPair(t, testConfig(nil))
	loopbackRail(t, p.sep.ctrl[0]).FailNext(1, fabric.ErrnoIO)
	h, lc, err := p.sep.Listen()
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	var acceptErr error
	for i := 0; acceptErr == nil; i++ {
		if i == maxPolls {
			t.Fatalf("accept never failed, stage %s", lc.Stage())
		}
		if _, err := p.cep.Connect(h); err != nil && !errors.Is(err, ErrAgain) {
			t.Fatalf("Connect failed: %v", err)
		}
		if _, err := lc.Accept(); err != nil && !errors.Is(err, ErrAgain) {
			acceptErr = err
		}
	}
	var cqErr *fabric.CompletionError
	if !errors.As(acceptErr, &cqErr) || cqErr.Errno != fabric.ErrnoIO {
		t.Fatalf("accept error: got %v want completion error EIO", acceptErr)
	}
	if lc.Stage() != StageConnRespPending {
		t.Fatalf("stage after failed accept: got %s want %s", lc.Stage(), StageConnRespPending)
	}
	if lc.Err() != acceptErr {
		t.Fatalf("Err: got %v want %v", lc.Err(), acceptErr)
	}
	if _, err := lc.Accept(); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("Accept after failure: got %v want ErrInvalidHandle", err)
	}
	if err := lc.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestEagerSendRecv(t *testing.T) {
	p := newTestPair(t, testConfig(nil))
	sc, rc, _ := p.connect()

	payload := []byte("hello over every rail")
	dst := make([]byte, 64)
	n := p.exchange(sc, rc, payload, dst)
	if n != len(payload) {
		t.Fatalf("recv size: got %d want %d", n, len(payload))
	}
	if !bytes.Equal(dst[:n], payload) {
		t.Fatalf("payload mismatch: got %q want %q", dst[:n], payload)
	}
}

func TestEagerArrivesBeforeRecv(t *testing.T) {
	p := newTestPair(t, testConfig(nil))
	sc, rc, _ := p.connect()

	payload := pattern(512)
	send, err := sc.Send(payload, p.register(p.cep, payload))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := p.wait(send); err != nil {
		t.Fatalf("send request failed: %v", err)
	}
	p.progress()

	rc.c.mu.Lock()
	parked := rc.c.msgbuff[0] != nil && rc.c.msgbuff[0].eagerRx != nil
	rc.c.mu.Unlock()
	if !parked {
		t.Fatalf("eager buffer was not parked for seq 0")
	}

	dst := make([]byte, len(payload))
	recv, err := rc.Recv(dst, p.register(p.sep, dst))
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	n, err := p.wait(recv)
	if err != nil {
		t.Fatalf("recv request failed: %v", err)
	}
	if n != len(payload) || !bytes.Equal(dst, payload) {
		t.Fatalf("payload mismatch after parked delivery (%d bytes)", n)
	}
	rc.c.mu.Lock()
	left := len(rc.c.msgbuff)
	rc.c.mu.Unlock()
	if left != 0 {
		t.Fatalf("receive window not retired: %d entries", left)
	}
}

func TestRDMASendStripesAcrossRails(t *testing.T) {
	p := newTestPair(t, testConfig(func(c *Config) {
		c.NumRails = 4
		c.MinStripeSize = 4096
		c.EagerMaxSize = 0
	}))
	sc, rc, _ := p.connect()

	payload := pattern(64 * 1024)
	smr := p.register(p.cep, payload)
	if _, err := sc.Send(payload, smr); !errors.Is(err, ErrAgain) {
		t.Fatalf("Send before control message: got %v want ErrAgain", err)
	}

	dst := make([]byte, len(payload))
	n := p.exchange(sc, rc, payload, dst)
	if n != len(payload) || !bytes.Equal(dst, payload) {
		t.Fatalf("striped payload mismatch (%d bytes)", n)
	}
	for i, rl := range p.cep.data {
		if got := loopbackRail(t, rl).Stats().Writes; got != 1 {
			t.Fatalf("data rail %d writes: got %d want 1", i, got)
		}
	}
}

func TestRecvTruncatedEager(t *testing.T) {
	p := newTestPair(t, testConfig(nil))
	sc, rc, _ := p.connect()

	dst := make([]byte, 4)
	recv, err := rc.Recv(dst, p.register(p.sep, dst))
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	payload := pattern(32)
	send, err := sc.Send(payload, p.register(p.cep, payload))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := p.wait(send); err != nil {
		t.Fatalf("send request failed: %v", err)
	}
	if _, err := p.wait(recv); !errors.Is(err, ErrTruncated) {
		t.Fatalf("recv of oversized eager message: got %v want ErrTruncated", err)
	}
}

func TestSendTruncatedByControlMessage(t *testing.T) {
	p := newTestPair(t, testConfig(func(c *Config) { c.EagerMaxSize = 0 }))
	sc, rc, _ := p.connect()

	dst := make([]byte, 16)
	recv, err := rc.Recv(dst, p.register(p.sep, dst))
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	big := pattern(64)
	if _, err := p.send(sc, big, p.register(p.cep, big)); !errors.Is(err, ErrTruncated) {
		t.Fatalf("oversized Send: got %v want ErrTruncated", err)
	}

	small := pattern(16)
	send, err := p.send(sc, small, p.register(p.cep, small))
	if err != nil {
		t.Fatalf("Send after truncation failed: %v", err)
	}
	if _, err := p.wait(send); err != nil {
		t.Fatalf("send request failed: %v", err)
	}
	n, err := p.wait(recv)
	if err != nil || n != len(small) || !bytes.Equal(dst, small) {
		t.Fatalf("recv after truncation: n=%d err=%v", n, err)
	}
}

func TestRMAWriteReadAndFlush(t *testing.T) {
	p := newTestPair(t, testConfig(func(c *Config) {
		c.NumRails = 2
		c.MinStripeSize = 128
	}))
	sc, rc, _ := p.connect()

	remote := make([]byte, 1024)
	rmr := p.register(p.sep, remote)
	payload := pattern(len(remote))
	write, err := sc.Write(payload, p.register(p.cep, payload), rmr.Addr(), rmr.Key())
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if n, err := p.wait(write); err != nil || n != len(payload) {
		t.Fatalf("write request: n=%d err=%v", n, err)
	}
	if !bytes.Equal(remote, payload) {
		t.Fatalf("remote buffer not written")
	}

	flush, err := rc.Flush(remote, rmr)
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if _, err := p.wait(flush); err != nil {
		t.Fatalf("flush request failed: %v", err)
	}

	src := pattern(300)
	cmr := p.register(p.cep, src)
	dst := make([]byte, len(src))
	read, err := rc.Read(dst, p.register(p.sep, dst), cmr.Addr(), cmr.Key())
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if n, err := p.wait(read); err != nil || n != len(src) {
		t.Fatalf("read request: n=%d err=%v", n, err)
	}
	if !bytes.Equal(dst, src) {
		t.Fatalf("read payload mismatch")
	}

	empty, err := sc.Write(nil, nil, 0, 0)
	if err != nil {
		t.Fatalf("empty Write failed: %v", err)
	}
	if n, err := p.wait(empty); err != nil || n != 0 {
		t.Fatalf("empty write: n=%d err=%v", n, err)
	}
}

func TestFlowControlBoundsInflight(t *testing.T) {
	p := newTestPair(t, testConfig(func(c *Config) { c.MaxRequests = 2 }))
	sc, _, _ := p.connect()

	payload := []byte("x")
	mr := p.register(p.cep, payload)
	first, err := sc.Send(payload, mr)
	if err != nil {
		t.Fatalf("first Send failed: %v", err)
	}
	if _, err := sc.Send(payload, mr); err != nil {
		t.Fatalf("second Send failed: %v", err)
	}
	if _, err := sc.Send(payload, mr); !errors.Is(err, ErrAgain) {
		t.Fatalf("third Send: got %v want ErrAgain", err)
	}
	if _, err := p.wait(first); err != nil {
		t.Fatalf("first send failed: %v", err)
	}
	if _, err := sc.Send(payload, mr); err != nil {
		t.Fatalf("Send after Test freed a slot failed: %v", err)
	}
}

func TestBusyRailQueuesPosts(t *testing.T) {
	p := newTestPair(t, testConfig(nil))
	sc, rc, _ := p.connect()

	rail := loopbackRail(t, p.cep.data[0])
	rail.BusyNext(2)
	payload := []byte("retried")
	dst := make([]byte, len(payload))
	n := p.exchange(sc, rc, payload, dst)
	if n != len(payload) || !bytes.Equal(dst, payload) {
		t.Fatalf("payload mismatch after busy rail")
	}
	if got := rail.Stats().Sends; got != 1 {
		t.Fatalf("data rail sends: got %d want 1", got)
	}
}

func TestConcurrentProgressPostsQueuedOnce(t *testing.T) {
	p := newTestPair(t, testConfig(nil))
	ep := p.cep

	r, err := ep.newRequest(KindWrite, nil)
	if err != nil {
		t.Fatalf("newRequest failed: %v", err)
	}
	ep.setPending(r, 1)
	var calls atomic.Int32
	err = ep.post(r, func() error {
		if calls.Add(1) == 1 {
			return fabric.ErrAgain
		}
		time.Sleep(20 * time.Millisecond)
		return nil
	})
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}

	var wg sync.WaitGroup
	panics := make(chan any, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if v := recover(); v != nil {
					panics <- v
				}
			}()
			_ = ep.Progress()
		}()
	}
	wg.Wait()
	close(panics)
	for v := range panics {
		t.Fatalf("Progress panicked: %v", v)
	}
	if got := calls.Load() - 1; got != 1 {
		t.Fatalf("queued post retried %d times, want 1", got)
	}
	ep.pendingMu.Lock()
	left := len(ep.pending)
	ep.pendingMu.Unlock()
	if left != 0 {
		t.Fatalf("pending queue holds %d posts", left)
	}
}

func TestCompletionErrorFailsRequest(t *testing.T) {
	metrics := newMetricRecorder()
	p := newTestPair(t, testConfig(func(c *Config) { c.Metrics = metrics }))
	sc, _, _ := p.connect()

	loopbackRail(t, p.cep.data[0]).FailNext(1, fabric.ErrnoIO)
	payload := []byte("doomed")
	send, err := sc.Send(payload, p.register(p.cep, payload))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	_, err = p.wait(send)
	var opErr *OperationError
	if !errors.As(err, &opErr) || opErr.Kind != KindSend {
		t.Fatalf("send error: got %v want OperationError for send", err)
	}
	var cqErr *fabric.CompletionError
	if !errors.As(err, &cqErr) || cqErr.Errno != fabric.ErrnoIO {
		t.Fatalf("send error: got %v want completion error EIO", err)
	}

	snap := metrics.Snapshot()
	if snap.RequestFailed != 1 || snap.CQErrors != 1 {
		t.Fatalf("metrics: failed=%d cq errors=%d", snap.RequestFailed, snap.CQErrors)
	}
}

func TestCloseReleasesCommunicators(t *testing.T) {
	metrics := newMetricRecorder()
	p := newTestPair(t, testConfig(func(c *Config) { c.Metrics = metrics }))
	sc, rc, lc := p.connect()
	if got := metrics.Snapshot().CommOpened; got != 2 {
		t.Fatalf("comm opened: got %d want 2", got)
	}

	dst := make([]byte, 8)
	p.exchange(sc, rc, []byte("goodbye"), dst)

	if err := p.sep.Release(); !errors.Is(err, ErrBusy) {
		t.Fatalf("Release with open comms: got %v want ErrBusy", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.Close(); err != nil {
		t.Fatalf("RecvComm Close failed: %v", err)
	}
	if err := lc.Close(); err != nil {
		t.Fatalf("ListenComm Close failed: %v", err)
	}
	if err := p.sep.Drain(ctx); err != nil {
		t.Fatalf("server Drain failed: %v", err)
	}
	if err := sc.Close(); err != nil {
		t.Fatalf("SendComm Close failed: %v", err)
	}
	if err := p.cep.Drain(ctx); err != nil {
		t.Fatalf("client Drain failed: %v", err)
	}

	if _, err := sc.Send(nil, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after close: got %v want ErrClosed", err)
	}
	if got := metrics.Snapshot().CommClosed; got != 2 {
		t.Fatalf("comm closed: got %d want 2", got)
	}
	if err := p.sep.Release(); err != nil {
		t.Fatalf("server Release failed: %v", err)
	}
	if err := p.cep.Release(); err != nil {
		t.Fatalf("client Release failed: %v", err)
	}
}

func TestDrainHonoursContext(t *testing.T) {
	p := newTestPair(t, testConfig(nil))
	sc, _, _ := p.connect()
	if err := sc.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.cep.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Drain without peer close: got %v want deadline exceeded", err)
	}
}

func TestPeerRailMismatchRejected(t *testing.T) {
	core, logs := zapobserver.New(zapcore.WarnLevel)
	p := newTestPairConfigs(t,
		testConfig(func(c *Config) { c.NumRails = 2 }),
		testConfig(func(c *Config) { c.Logger = zap.New(core) }))

	h, lc, err := p.sep.Listen()
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	for i := 0; i < 100; i++ {
		if _, err := p.cep.Connect(h); err != nil && !errors.Is(err, ErrAgain) {
			t.Fatalf("Connect failed: %v", err)
		}
		if _, err := lc.Accept(); !errors.Is(err, ErrAgain) {
			t.Fatalf("Accept: got %v want ErrAgain", err)
		}
	}
	if h.Stage != StageConnRespPending {
		t.Fatalf("connect stage: got %s want %s", h.Stage, StageConnRespPending)
	}
	if logs.FilterMessage("protocol error").Len() == 0 {
		t.Fatalf("rail mismatch was not logged")
	}
}

func TestControlProtocolErrorFailsSendComm(t *testing.T) {
	cases := []struct {
		name string
		seqs []uint16
	}{
		{"duplicate", []uint16{5, 5}},
		{"outside window", []uint16{900}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newTestPair(t, testConfig(func(c *Config) { c.EagerMaxSize = 0 }))
			sc, rc, _ := p.connect()

			srv := loopbackRail(t, p.sep.ctrl[0])
			for _, seq := range tc.seqs {
				m := wire.CtrlMsg{Seq: seq, CommID: sc.ID(), BuffLen: 64}
				b := make([]byte, wire.CtrlMsgSize(len(p.sep.data), p.sep.cfg.LongKeys))
				if _, err := m.MarshalTo(b, len(p.sep.data), p.sep.cfg.LongKeys); err != nil {
					t.Fatalf("MarshalTo failed: %v", err)
				}
				if err := srv.PostSend(&fabric.SendRequest{Buffer: b, Dest: rc.c.ctrlAddrs[0]}); err != nil {
					t.Fatalf("PostSend failed: %v", err)
				}
			}
			p.progress()

			payload := []byte("after")
			if _, err := sc.Send(payload, p.register(p.cep, payload)); !errors.Is(err, ErrProtocol) {
				t.Fatalf("Send on broken communicator: got %v want ErrProtocol", err)
			}
			sc.c.mu.Lock()
			active := sc.c.active
			sc.c.mu.Unlock()
			if active {
				t.Fatalf("communicator still active after protocol error")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := sc.Close(); err != nil {
				t.Fatalf("Close failed: %v", err)
			}
			if err := p.cep.Drain(ctx); err != nil {
				t.Fatalf("Drain of broken communicator failed: %v", err)
			}
		})
	}
}

func TestUnexpectedWriteFailsRecvComm(t *testing.T) {
	p := newTestPair(t, testConfig(nil))
	_, rc, _ := p.connect()

	dst := make([]byte, 64)
	rmr := p.register(p.sep, dst)
	recv, err := rc.Recv(dst, rmr)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	p.sep.handleRemoteWrite(p.sep.data[0], fabric.Completion{
		Flags: fabric.FlagRemoteWrite,
		Data:  wire.EncodeImm(wire.Imm{NumSegs: 1, CommID: rc.ID(), Seq: 7}),
	})

	if _, err := p.wait(recv); !errors.Is(err, ErrProtocol) {
		t.Fatalf("posted recv: got %v want ErrProtocol", err)
	}
	if _, err := rc.Recv(dst, rmr); !errors.Is(err, ErrProtocol) {
		t.Fatalf("Recv on broken communicator: got %v want ErrProtocol", err)
	}
	if _, err := rc.Flush(dst, rmr); !errors.Is(err, ErrProtocol) {
		t.Fatalf("Flush on broken communicator: got %v want ErrProtocol", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := p.sep.Drain(ctx); err != nil {
		t.Fatalf("Drain of broken communicator failed: %v", err)
	}
}

func TestRecvFailsWhenRequestPoolExhausted(t *testing.T) {
	p := newTestPair(t, testConfig(func(c *Config) { c.MaxPooledRequests = 1024 }))
	_, rc, _ := p.connect()

	dst := make([]byte, 64)
	rmr := p.register(p.sep, dst)
	var held []*freelist.Elem[Request]
	for {
		e, err := p.sep.reqs.Alloc()
		if err != nil {
			if !errors.Is(err, freelist.ErrPoolExhausted) {
				t.Fatalf("Alloc failed: %v", err)
			}
			break
		}
		held = append(held, e)
	}
	defer func() {
		for _, e := range held {
			p.sep.reqs.Free(e)
		}
	}()
	// Room for the receive and its control message, not its segments.
	for _, e := range held[:2] {
		p.sep.reqs.Free(e)
	}
	held = held[2:]

	recv, err := rc.Recv(dst, rmr)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if _, err := p.wait(recv); !errors.Is(err, freelist.ErrPoolExhausted) {
		t.Fatalf("recv: got %v want ErrPoolExhausted", err)
	}
	rc.c.mu.Lock()
	inflight, window := rc.c.inflight, len(rc.c.msgbuff)
	rc.c.mu.Unlock()
	if inflight != 0 || window != 0 {
		t.Fatalf("failed recv left inflight=%d window=%d", inflight, window)
	}
}

func TestSequenceWrapsPastWindow(t *testing.T) {
	p := newTestPair(t, testConfig(func(c *Config) {
		c.NumRails = 2
		c.MinStripeSize = 1024
		c.RoundRobinThreshold = 1024
		c.EagerMaxSize = 256
	}))
	sc, rc, _ := p.connect()

	src := pattern(4096)
	smr := p.register(p.cep, src)
	dst := make([]byte, len(src))
	rmr := p.register(p.sep, dst)

	// Eager and striped messages, past the 10-bit sequence wrap.
	const messages = wire.NumSeqs + 76
	for i := 0; i < messages; i++ {
		size := 64 + (i%3)*2000
		clear(dst)
		recv, err := rc.Recv(dst, rmr)
		if err != nil {
			t.Fatalf("message %d: Recv failed: %v", i, err)
		}
		send, err := p.send(sc, src[:size], smr)
		if err != nil {
			t.Fatalf("message %d: Send failed: %v", i, err)
		}
		if _, err := p.wait(send); err != nil {
			t.Fatalf("message %d: send request failed: %v", i, err)
		}
		n, err := p.wait(recv)
		if err != nil {
			t.Fatalf("message %d: recv request failed: %v", i, err)
		}
		if n != size || !bytes.Equal(dst[:n], src[:size]) {
			t.Fatalf("message %d: payload mismatch (%d of %d bytes)", i, n, size)
		}
	}
	p.progress()

	want := uint16(messages % wire.NumSeqs)
	for _, c := range []*commBase{sc.c, rc.c} {
		c.mu.Lock()
		next, window := c.nextSeq, len(c.msgbuff)
		c.mu.Unlock()
		if next != want || window != 0 {
			t.Fatalf("%s communicator: next seq %d want %d, window %d entries", c.role, next, want, window)
		}
	}
}

func TestRxBuffersRefillBelowMinimum(t *testing.T) {
	p := newTestPair(t, testConfig(func(c *Config) {
		c.MinRxBuffersPosted = 2
		c.MaxRxBuffersPosted = 4
	}))
	sc, rc, _ := p.connect()

	rail := loopbackRail(t, p.sep.data[0])
	if got := rail.PostedRecvs(); got != 4 {
		t.Fatalf("initial posted rx buffers: got %d want 4", got)
	}
	for i, want := range []int{3, 2, 4} {
		dst := make([]byte, 16)
		p.exchange(sc, rc, []byte("tick"), dst)
		if got := rail.PostedRecvs(); got != want {
			t.Fatalf("after message %d: posted %d want %d", i, got, want)
		}
	}
}

func TestRegisterMemoryValidation(t *testing.T) {
	p := newTestPair(t, testConfig(nil))
	if _, err := p.cep.RegisterMemory(nil); err == nil {
		t.Fatalf("RegisterMemory(nil) succeeded")
	}
	buf := make([]byte, 64)
	mr := p.register(p.cep, buf)
	if mr.Key() == 0 || mr.Addr() != fabric.BufferAddress(buf) {
		t.Fatalf("unexpected handle key=%d addr=%#x", mr.Key(), mr.Addr())
	}
	if err := p.cep.DeregisterMemory(mr); err != nil {
		t.Fatalf("DeregisterMemory failed: %v", err)
	}
}

type metricRecorder struct {
	mu               sync.Mutex
	commOpened       int
	commClosed       int
	requestCompleted int
	requestFailed    int
	stripes          int
	cqErrors         int
	rxReposted       int
}

type metricSnapshot struct {
	CommOpened       int
	CommClosed       int
	RequestCompleted int
	RequestFailed    int
	Stripes          int
	CQErrors         int
	RxReposted       int
}

func newMetricRecorder() *metricRecorder {
	return &metricRecorder{}
}

func (m *metricRecorder) CommOpened(_ map[string]string) {
	m.mu.Lock()
	m.commOpened++
	m.mu.Unlock()
}

func (m *metricRecorder) CommClosed(_ map[string]string) {
	m.mu.Lock()
	m.commClosed++
	m.mu.Unlock()
}

func (m *metricRecorder) RequestCompleted(_ map[string]string) {
	m.mu.Lock()
	m.requestCompleted++
	m.mu.Unlock()
}

func (m *metricRecorder) RequestFailed(_ error, _ map[string]string) {
	m.mu.Lock()
	m.requestFailed++
	m.mu.Unlock()
}

func (m *metricRecorder) StripesPosted(count int, _ map[string]string) {
	m.mu.Lock()
	m.stripes += count
	m.mu.Unlock()
}

func (m *metricRecorder) CQError(_ error, _ map[string]string) {
	m.mu.Lock()
	m.cqErrors++
	m.mu.Unlock()
}

func (m *metricRecorder) RxBufferReposted(_ map[string]string) {
	m.mu.Lock()
	m.rxReposted++
	m.mu.Unlock()
}

func (m *metricRecorder) Snapshot() metricSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return metricSnapshot{
		CommOpened:       m.commOpened,
		CommClosed:       m.commClosed,
		RequestCompleted: m.requestCompleted,
		RequestFailed:    m.requestFailed,
		Stripes:          m.stripes,
		CQErrors:         m.cqErrors,
		RxReposted:       m.rxReposted,
	}
}
