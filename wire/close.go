package wire

import "encoding/binary"

// CloseMsgSize is the encoded size of a close message.
const CloseMsgSize = 24

// CloseMsg tells the sender how many control messages the receiver sent on
// a communicator, so it can release it once all of them were seen.
//
// Layout: u16 type @0, pad, ctrl_counter u64 @8, send_comm_id u32 @16, pad.
type CloseMsg struct {
	CtrlCounter uint64
	SendCommID  uint32
}

// MarshalTo encodes m into b.
func (m *CloseMsg) MarshalTo(b []byte) (int, error) {
	if len(b) < CloseMsgSize {
		return 0, ErrShortBuffer
	}
	clear(b[:CloseMsgSize])
	binary.LittleEndian.PutUint16(b[0:], uint16(MsgClose))
	binary.LittleEndian.PutUint64(b[8:], m.CtrlCounter)
	binary.LittleEndian.PutUint32(b[16:], m.SendCommID&CommIDMask)
	return CloseMsgSize, nil
}

// UnmarshalCloseMsg decodes a close message.
func UnmarshalCloseMsg(b []byte) (CloseMsg, error) {
	var m CloseMsg
	if len(b) < CloseMsgSize {
		return m, ErrShortBuffer
	}
	if err := expectType(b, MsgClose); err != nil {
		return m, err
	}
	m.CtrlCounter = binary.LittleEndian.Uint64(b[8:])
	m.SendCommID = binary.LittleEndian.Uint32(b[16:]) & CommIDMask
	return m, nil
}
