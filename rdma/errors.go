package rdma

import (
	"errors"
	"fmt"

	"github.com/rocketbitz/multirail/fabric"
)

var (
	// ErrAgain reports that the operation cannot make progress yet; call it
	// again after the endpoint progressed.
	ErrAgain = fmt.Errorf("multirail rdma: not ready: %w", fabric.ErrAgain)
	// ErrClosed is returned for operations on a closed device, endpoint or communicator.
	ErrClosed = errors.New("multirail rdma: closed")
	// ErrNotConnected is returned for data operations before the handshake completed.
	ErrNotConnected = errors.New("multirail rdma: communicator not connected")
	// ErrProtocol reports a malformed or unexpected message from the peer.
	ErrProtocol = errors.New("multirail rdma: protocol error")
	// ErrTruncated reports a message larger than the destination buffer.
	ErrTruncated = errors.New("multirail rdma: message truncated")
	// ErrInvalidHandle reports a connection handle that cannot be resumed.
	ErrInvalidHandle = errors.New("multirail rdma: invalid connection handle")
	// ErrBusy is returned when releasing an endpoint that still has open communicators.
	ErrBusy = errors.New("multirail rdma: endpoint has open communicators")
)

// OperationError wraps a request failure.
type OperationError struct {
	Kind   RequestKind
	CommID uint32
	Seq    uint16
	Err    error
}

func (e *OperationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("multirail rdma: %s (comm %d, seq %d) failed: %v", e.Kind, e.CommID, e.Seq, e.Err)
}

func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func protocolErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}
