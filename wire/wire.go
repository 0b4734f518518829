// Package wire defines the fixed byte layouts exchanged between peers: control,
// close and connection messages, plus the immediate data carried by RDMA
// writes. All multi-byte fields are little-endian.
package wire

import (
	"errors"
	"fmt"
)

const (
	// MaxRails is the largest number of data or control rails a message can describe.
	MaxRails = 4
	// TypeBits is the width of the message type tag.
	TypeBits = 4
	// SeqBits is the width of a message sequence number.
	SeqBits = 10
	// CommIDBits is the width of a communicator ID.
	CommIDBits = 18
	// MaxEPAddr is the size of an endpoint name slot.
	MaxEPAddr = 56
	// EagerAlignment is the alignment of eager receive buffers.
	EagerAlignment = 128
	// FlushSize is the number of bytes read by a flush probe.
	FlushSize = 4
	// MaxRequests bounds in-flight requests per communicator.
	MaxRequests = 128

	// NumSeqs is the size of the sequence number space.
	NumSeqs = 1 << SeqBits
	// NumCommIDs is the size of the communicator ID space.
	NumCommIDs = 1 << CommIDBits

	SeqMask    = NumSeqs - 1
	CommIDMask = NumCommIDs - 1
	TypeMask   = 1<<TypeBits - 1

	segCountBits = 32 - SeqBits - CommIDBits
	segCountMask = 1<<segCountBits - 1
)

// MsgType tags every message.
type MsgType uint8

const (
	MsgConn     MsgType = 0
	MsgConnResp MsgType = 1
	MsgCtrl     MsgType = 2
	MsgEager    MsgType = 3
	MsgClose    MsgType = 4
	MsgInvalid  MsgType = 15
)

func (t MsgType) String() string {
	switch t {
	case MsgConn:
		return "conn"
	case MsgConnResp:
		return "conn_resp"
	case MsgCtrl:
		return "ctrl"
	case MsgEager:
		return "eager"
	case MsgClose:
		return "close"
	case MsgInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Valid reports whether t is a message type peers may send.
func (t MsgType) Valid() bool {
	return t <= MsgClose
}

var (
	// ErrUnknownType reports a type tag outside the defined set.
	ErrUnknownType = errors.New("wire: unknown message type")
	// ErrShortBuffer reports a buffer smaller than the message layout.
	ErrShortBuffer = errors.New("wire: buffer too short")
	// ErrMalformed reports a message whose fields are out of range.
	ErrMalformed = errors.New("wire: malformed message")
)

// PeekType returns the type tag of an encoded message.
func PeekType(b []byte) (MsgType, error) {
	if len(b) < 1 {
		return MsgInvalid, ErrShortBuffer
	}
	t := MsgType(b[0] & TypeMask)
	if !t.Valid() {
		return t, fmt.Errorf("%w: %d", ErrUnknownType, t)
	}
	return t, nil
}

func expectType(b []byte, want MsgType) error {
	got, err := PeekType(b)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: expected %s, got %s", ErrMalformed, want, got)
	}
	return nil
}

// NextSeq returns the sequence number following seq.
func NextSeq(seq uint16) uint16 {
	return (seq + 1) & SeqMask
}

// Imm is the 32-bit immediate data carried by data writes and eager sends:
// | 4-bit segment count | 18-bit comm ID | 10-bit seq |.
type Imm struct {
	NumSegs uint8
	CommID  uint32
	Seq     uint16
}

// EncodeImm packs imm. Each field is truncated to its width.
func EncodeImm(imm Imm) uint32 {
	return uint32(imm.NumSegs&segCountMask)<<(SeqBits+CommIDBits) |
		(imm.CommID&CommIDMask)<<SeqBits |
		uint32(imm.Seq&SeqMask)
}

// DecodeImm unpacks immediate data.
func DecodeImm(data uint32) Imm {
	return Imm{
		NumSegs: uint8(data >> (SeqBits + CommIDBits) & segCountMask),
		CommID:  data >> SeqBits & CommIDMask,
		Seq:     uint16(data & SeqMask),
	}
}
