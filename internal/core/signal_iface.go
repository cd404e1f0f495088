package core

import "errors"

// Frame is a raw text payload relayed between participants.
type Frame []byte

// CloseCode mirrors the standard WebSocket close-code vocabulary so the
// session can pick a reason without importing a transport package.
type CloseCode int

const (
	CloseNormal          CloseCode = 1000
	ClosePolicyViolation CloseCode = 1008
	CloseInternalError   CloseCode = 1011
)

func (c CloseCode) String() string {
	switch c {
	case CloseNormal:
		return "normal_closure"
	case ClosePolicyViolation:
		return "policy_violation"
	case CloseInternalError:
		return "internal_error"
	default:
		return "unknown"
	}
}

var (
	// ErrDisconnected is the expected end of a client connection. It is not a fault.
	ErrDisconnected  = errors.New("client disconnected")
	ErrBackpressure  = errors.New("backpressure")
	// ErrFrameTooLarge means the client sent a frame above the read limit.
	ErrFrameTooLarge = errors.New("frame too large")
	ErrConnClosed    = errors.New("connection closed")
)

// ClientConn abstracts one participant's transport endpoint.
// Nothing is sent to the client before Accept. Close may be called on an
// unaccepted connection to reject it with a code; it is idempotent.
type ClientConn interface {
	Accept() error
	// ReadFrame blocks until the next text frame. Any transport failure is
	// reported as an error wrapping ErrDisconnected.
	ReadFrame() (Frame, error)
	// TrySend queues a frame without blocking; ErrBackpressure when the
	// outbound buffer is full.
	TrySend(Frame) error
	Close(code CloseCode, reason string)
}
