package rdma

import (
	"encoding/binary"
	"fmt"

	"github.com/rocketbitz/multirail/wire"
)

// Stage is a step of the connection handshake. Stages only move forward.
type Stage uint32

const (
	StageNotStarted Stage = iota
	StageSendingConnect
	StageReceivingConnect
	StageConnReqPending
	StageConnRespPending
	StageConnected
)

func (s Stage) String() string {
	switch s {
	case StageNotStarted:
		return "not_started"
	case StageSendingConnect:
		return "sending_connect"
	case StageReceivingConnect:
		return "receiving_connect"
	case StageConnReqPending:
		return "conn_req_pending"
	case StageConnRespPending:
		return "conn_resp_pending"
	case StageConnected:
		return "connected"
	default:
		return fmt.Sprintf("stage(%d)", uint32(s))
	}
}

// HandleSize is the encoded size of a Handle.
const HandleSize = wire.MaxEPAddr + 12

// Handle is produced by Listen and passed out of band to the connecting
// peer, which hands it to Connect on every poll until the connection is
// established. The in-progress state stays local and is not encoded.
type Handle struct {
	EPName    [wire.MaxEPAddr]byte
	EPNameLen int
	CommID    uint32
	Stage     Stage

	state *connectState
}

// Name returns the listener's control rail address.
func (h *Handle) Name() []byte { return h.EPName[:h.EPNameLen] }

// MarshalBinary encodes the handle: name[56] | name length u16 | pad u16 |
// comm id u32 | stage u32, little-endian.
func (h *Handle) MarshalBinary() ([]byte, error) {
	if h.EPNameLen < 0 || h.EPNameLen > wire.MaxEPAddr {
		return nil, fmt.Errorf("%w: name length %d", ErrInvalidHandle, h.EPNameLen)
	}
	b := make([]byte, HandleSize)
	copy(b, h.EPName[:])
	binary.LittleEndian.PutUint16(b[wire.MaxEPAddr:], uint16(h.EPNameLen))
	binary.LittleEndian.PutUint32(b[wire.MaxEPAddr+4:], h.CommID)
	binary.LittleEndian.PutUint32(b[wire.MaxEPAddr+8:], uint32(h.Stage))
	return b, nil
}

// UnmarshalBinary decodes a handle produced by MarshalBinary.
func (h *Handle) UnmarshalBinary(b []byte) error {
	if len(b) < HandleSize {
		return fmt.Errorf("%w: %d bytes", ErrInvalidHandle, len(b))
	}
	n := int(binary.LittleEndian.Uint16(b[wire.MaxEPAddr:]))
	if n > wire.MaxEPAddr {
		return fmt.Errorf("%w: name length %d", ErrInvalidHandle, n)
	}
	stage := Stage(binary.LittleEndian.Uint32(b[wire.MaxEPAddr+8:]))
	if stage > StageConnected {
		return fmt.Errorf("%w: %s", ErrInvalidHandle, stage)
	}
	copy(h.EPName[:], b[:wire.MaxEPAddr])
	h.EPNameLen = n
	h.CommID = binary.LittleEndian.Uint32(b[wire.MaxEPAddr+4:])
	h.Stage = stage
	h.state = nil
	return nil
}

// connectState is the local progress of a Connect.
type connectState struct {
	comm *SendComm
	span Span
}
