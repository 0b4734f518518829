package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	ctrlHeaderSize = 16
	shortKeySize   = 4
	longKeySize    = 8

	// CtrlMsgMaxSize is the size of a control message carrying MaxRails long keys.
	CtrlMsgMaxSize = ctrlHeaderSize + MaxRails*longKeySize
)

// CtrlMsg advertises a destination buffer to the sender.
//
// Layout: u32 {type:4 | seq:10 | comm_id:18} @0, buff_len u32 @4,
// buff_addr u64 @8, keys @16 (u32 or u64 each).
type CtrlMsg struct {
	Seq      uint16
	CommID   uint32
	BuffLen  uint32
	BuffAddr uint64
	Keys     [MaxRails]uint64
}

// CtrlMsgSize returns the encoded size for numRails keys of the chosen width.
func CtrlMsgSize(numRails int, longKeys bool) int {
	if longKeys {
		return ctrlHeaderSize + numRails*longKeySize
	}
	return ctrlHeaderSize + numRails*shortKeySize
}

// MarshalTo encodes m into b and returns the number of bytes written.
func (m *CtrlMsg) MarshalTo(b []byte, numRails int, longKeys bool) (int, error) {
	if numRails < 1 || numRails > MaxRails {
		return 0, fmt.Errorf("%w: %d rails", ErrMalformed, numRails)
	}
	size := CtrlMsgSize(numRails, longKeys)
	if len(b) < size {
		return 0, ErrShortBuffer
	}
	word := uint32(MsgCtrl) | uint32(m.Seq&SeqMask)<<TypeBits | (m.CommID&CommIDMask)<<(TypeBits+SeqBits)
	binary.LittleEndian.PutUint32(b[0:], word)
	binary.LittleEndian.PutUint32(b[4:], m.BuffLen)
	binary.LittleEndian.PutUint64(b[8:], m.BuffAddr)
	for i := 0; i < numRails; i++ {
		if longKeys {
			binary.LittleEndian.PutUint64(b[ctrlHeaderSize+i*longKeySize:], m.Keys[i])
			continue
		}
		if m.Keys[i] > math.MaxUint32 {
			return 0, fmt.Errorf("%w: key %#x does not fit a short key", ErrMalformed, m.Keys[i])
		}
		binary.LittleEndian.PutUint32(b[ctrlHeaderSize+i*shortKeySize:], uint32(m.Keys[i]))
	}
	return size, nil
}

// UnmarshalCtrlMsg decodes a control message carrying numRails keys.
func UnmarshalCtrlMsg(b []byte, numRails int, longKeys bool) (CtrlMsg, error) {
	var m CtrlMsg
	if numRails < 1 || numRails > MaxRails {
		return m, fmt.Errorf("%w: %d rails", ErrMalformed, numRails)
	}
	if len(b) < CtrlMsgSize(numRails, longKeys) {
		return m, ErrShortBuffer
	}
	if err := expectType(b, MsgCtrl); err != nil {
		return m, err
	}
	word := binary.LittleEndian.Uint32(b[0:])
	m.Seq = uint16(word >> TypeBits & SeqMask)
	m.CommID = word >> (TypeBits + SeqBits) & CommIDMask
	m.BuffLen = binary.LittleEndian.Uint32(b[4:])
	m.BuffAddr = binary.LittleEndian.Uint64(b[8:])
	for i := 0; i < numRails; i++ {
		if longKeys {
			m.Keys[i] = binary.LittleEndian.Uint64(b[ctrlHeaderSize+i*longKeySize:])
		} else {
			m.Keys[i] = uint64(binary.LittleEndian.Uint32(b[ctrlHeaderSize+i*shortKeySize:]))
		}
	}
	return m, nil
}
