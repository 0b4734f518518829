// Package fabric describes the rail-level endpoint layer the transport engine
// drives: posting descriptors, polling completion queues and registering
// memory. Implementations wrap a real provider or, as in package loopback,
// simulate one in memory.
package fabric

import (
	"errors"
	"fmt"
	"unsafe"
)

// Address identifies a peer in an endpoint's address vector.
type Address uint64

// AddressUnspec is the zero value for unresolved addresses.
const AddressUnspec Address = ^Address(0)

// RailKind distinguishes data rails from control rails.
type RailKind int

const (
	RailData RailKind = iota
	RailControl
)

func (k RailKind) String() string {
	switch k {
	case RailData:
		return "data"
	case RailControl:
		return "control"
	default:
		return fmt.Sprintf("rail(%d)", int(k))
	}
}

// Access describes the permissions requested for a memory region.
type Access uint32

const (
	AccessSend Access = 1 << iota
	AccessRecv
	AccessRead
	AccessWrite
	AccessRemoteRead
	AccessRemoteWrite

	AccessAll = AccessSend | AccessRecv | AccessRead | AccessWrite | AccessRemoteRead | AccessRemoteWrite
)

// MemoryRegion is a registered buffer.
type MemoryRegion interface {
	// Key is the remote key peers use to target the region.
	Key() uint64
	// Close deregisters the region.
	Close() error
}

// CompletionFlag describes a completion entry.
type CompletionFlag uint32

const (
	FlagSend CompletionFlag = 1 << iota
	FlagRecv
	FlagWrite
	FlagRead
	FlagRemoteWrite
	FlagRemoteCQData
)

// Has reports whether all bits of f are set.
func (c CompletionFlag) Has(f CompletionFlag) bool { return c&f == f }

// Completion is one completion queue entry. Remote-write completions carry no
// local Context; Data holds the immediate value when FlagRemoteCQData is set.
type Completion struct {
	Context any
	Flags   CompletionFlag
	Len     int
	Data    uint32
	Err     error
}

// SendRequest describes a message send.
type SendRequest struct {
	Buffer  []byte
	Region  MemoryRegion
	Dest    Address
	Data    uint32
	HasData bool
	Context any
}

// RecvRequest describes a posted receive buffer.
type RecvRequest struct {
	Buffer  []byte
	Region  MemoryRegion
	Context any
}

// RMARequest describes an RDMA read or write against a peer region.
// RemoteAddr is the virtual address of the target byte inside the region
// identified by Key.
type RMARequest struct {
	Buffer     []byte
	Region     MemoryRegion
	Address    Address
	RemoteAddr uint64
	Key        uint64
	Data       uint32
	HasData    bool
	Context    any
}

// Endpoint is one rail: an endpoint with its own address vector and
// completion queue. Post calls return ErrAgain when the rail cannot accept
// more work right now. Exactly one goroutine may poll a given endpoint at a
// time.
type Endpoint interface {
	Name() []byte
	InsertAddress(name []byte) (Address, error)
	RegisterMemory(buf []byte, access Access, requestedKey uint64) (MemoryRegion, error)
	PostSend(req *SendRequest) error
	PostRecv(req *RecvRequest) error
	PostWrite(req *RMARequest) error
	PostRead(req *RMARequest) error
	PollCompletions(max int) ([]Completion, error)
	Close() error
}

// Provider opens rail endpoints.
type Provider interface {
	OpenRail(kind RailKind, index int) (Endpoint, error)
}

// ErrAgain indicates a transient resource shortage; the post should be
// retried after draining completions.
var ErrAgain = errors.New("fabric: resource temporarily unavailable")

// ErrClosed is returned by operations on a closed endpoint.
var ErrClosed = errors.New("fabric: endpoint closed")

// Errno is a provider error code.
type Errno int32

const (
	ErrnoIO       Errno = 5
	ErrnoAgain    Errno = 11
	ErrnoNoMemory Errno = 12
	ErrnoInval    Errno = 22
	ErrnoProto    Errno = 71
	ErrnoMsgSize  Errno = 90
	ErrnoCanceled Errno = 125
	ErrnoOther    Errno = 256
	ErrnoTrunc    Errno = 265
	ErrnoNoKey    Errno = 266
)

var errnoText = map[Errno]string{
	ErrnoIO:       "input/output error",
	ErrnoAgain:    "resource temporarily unavailable",
	ErrnoNoMemory: "cannot allocate memory",
	ErrnoInval:    "invalid argument",
	ErrnoProto:    "protocol error",
	ErrnoMsgSize:  "message too long",
	ErrnoCanceled: "operation canceled",
	ErrnoOther:    "unspecified error",
	ErrnoTrunc:    "truncation error",
	ErrnoNoKey:    "required key not available",
}

func (e Errno) Error() string {
	if s, ok := errnoText[e]; ok {
		return s
	}
	return fmt.Sprintf("errno %d", int32(e))
}

// Is lets errors.Is(err, ErrAgain) match ErrnoAgain.
func (e Errno) Is(target error) bool {
	return e == ErrnoAgain && target == ErrAgain
}

// CompletionError is reported through Completion.Err for a failed transfer.
type CompletionError struct {
	Op          string
	Errno       Errno
	ProviderErr int
}

func (e *CompletionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.ProviderErr != 0 {
		return fmt.Sprintf("fabric: %s failed: %s (provider %d)", e.Op, e.Errno, e.ProviderErr)
	}
	return fmt.Sprintf("fabric: %s failed: %s", e.Op, e.Errno)
}

func (e *CompletionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Errno
}

// BufferAddress returns the virtual address of b's first byte, the value
// peers place in RMARequest.RemoteAddr to target it. Empty buffers yield 0.
func BufferAddress(b []byte) uint64 {
	if cap(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(unsafe.SliceData(b))))
}
