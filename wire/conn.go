package wire

import (
	"encoding/binary"
	"fmt"
)

const (
	connHeaderSize = 16
	epNameSize     = MaxEPAddr + 8

	// ConnMsgSize is the encoded size of a connection or connection-response message.
	ConnMsgSize = connHeaderSize + 2*MaxRails*epNameSize
)

// EPName is a fixed-size endpoint address slot.
type EPName struct {
	Name [MaxEPAddr]byte
	Len  int
}

// NewEPName copies name into a slot.
func NewEPName(name []byte) (EPName, error) {
	var n EPName
	if len(name) > MaxEPAddr {
		return n, fmt.Errorf("%w: endpoint name of %d bytes", ErrMalformed, len(name))
	}
	n.Len = copy(n.Name[:], name)
	return n, nil
}

// Bytes returns the valid part of the name.
func (n *EPName) Bytes() []byte { return n.Name[:n.Len] }

// ConnMsg is exchanged by connect and accept. Type is MsgConn or MsgConnResp.
//
// Layout: u16 type @0, num_rails u16 @2, num_control_rails u16 @4, pad,
// local_comm_id u32 @8, remote_comm_id u32 @12, control_ep_names[4] @16,
// ep_names[4] @272; each name slot is char[56] followed by a u64 length.
type ConnMsg struct {
	Type            MsgType
	NumRails        int
	NumControlRails int
	LocalCommID     uint32
	RemoteCommID    uint32
	ControlEPNames  [MaxRails]EPName
	EPNames         [MaxRails]EPName
}

// MarshalTo encodes m into b.
func (m *ConnMsg) MarshalTo(b []byte) (int, error) {
	if m.Type != MsgConn && m.Type != MsgConnResp {
		return 0, fmt.Errorf("%w: connection message of type %s", ErrMalformed, m.Type)
	}
	if err := m.validate(); err != nil {
		return 0, err
	}
	if len(b) < ConnMsgSize {
		return 0, ErrShortBuffer
	}
	clear(b[:ConnMsgSize])
	binary.LittleEndian.PutUint16(b[0:], uint16(m.Type))
	binary.LittleEndian.PutUint16(b[2:], uint16(m.NumRails))
	binary.LittleEndian.PutUint16(b[4:], uint16(m.NumControlRails))
	binary.LittleEndian.PutUint32(b[8:], m.LocalCommID)
	binary.LittleEndian.PutUint32(b[12:], m.RemoteCommID)
	for i := range m.ControlEPNames {
		putEPName(b[connHeaderSize+i*epNameSize:], &m.ControlEPNames[i])
	}
	for i := range m.EPNames {
		putEPName(b[connHeaderSize+(MaxRails+i)*epNameSize:], &m.EPNames[i])
	}
	return ConnMsgSize, nil
}

// UnmarshalConnMsg decodes a connection or connection-response message.
func UnmarshalConnMsg(b []byte) (ConnMsg, error) {
	var m ConnMsg
	if len(b) < ConnMsgSize {
		return m, ErrShortBuffer
	}
	t, err := PeekType(b)
	if err != nil {
		return m, err
	}
	if t != MsgConn && t != MsgConnResp {
		return m, fmt.Errorf("%w: connection message of type %s", ErrMalformed, t)
	}
	m.Type = t
	m.NumRails = int(binary.LittleEndian.Uint16(b[2:]))
	m.NumControlRails = int(binary.LittleEndian.Uint16(b[4:]))
	m.LocalCommID = binary.LittleEndian.Uint32(b[8:])
	m.RemoteCommID = binary.LittleEndian.Uint32(b[12:])
	for i := range m.ControlEPNames {
		if m.ControlEPNames[i], err = getEPName(b[connHeaderSize+i*epNameSize:]); err != nil {
			return m, err
		}
	}
	for i := range m.EPNames {
		if m.EPNames[i], err = getEPName(b[connHeaderSize+(MaxRails+i)*epNameSize:]); err != nil {
			return m, err
		}
	}
	return m, m.validate()
}

func (m *ConnMsg) validate() error {
	if m.NumRails < 1 || m.NumRails > MaxRails {
		return fmt.Errorf("%w: %d rails", ErrMalformed, m.NumRails)
	}
	if m.NumControlRails < 1 || m.NumControlRails > MaxRails {
		return fmt.Errorf("%w: %d control rails", ErrMalformed, m.NumControlRails)
	}
	if m.LocalCommID > CommIDMask || m.RemoteCommID > CommIDMask {
		return fmt.Errorf("%w: communicator id out of range", ErrMalformed)
	}
	return nil
}

func putEPName(b []byte, n *EPName) {
	copy(b[:MaxEPAddr], n.Name[:n.Len])
	binary.LittleEndian.PutUint64(b[MaxEPAddr:], uint64(n.Len))
}

func getEPName(b []byte) (EPName, error) {
	var n EPName
	l := binary.LittleEndian.Uint64(b[MaxEPAddr:])
	if l > MaxEPAddr {
		return n, fmt.Errorf("%w: endpoint name length %d", ErrMalformed, l)
	}
	n.Len = int(l)
	copy(n.Name[:], b[:l])
	return n, nil
}
