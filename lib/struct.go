package lib

import "errors"

// State is the connection state of a PseudoTcp engine.
type State int

func (s State) String() string {
	switch s {
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynReceived:
		return "SYN_RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

var (
	ErrInvalidState      = errors.New("pcp: invalid state")
	ErrNotConnected      = errors.New("pcp: not connected")
	ErrWouldBlock        = errors.New("pcp: operation would block")
	ErrConnectionAborted = errors.New("pcp: connection aborted")
	ErrConnectionReset   = errors.New("pcp: connection reset by peer")
	ErrMalformedSegment  = errors.New("pcp: malformed segment")
)

// WriteResult is what the owner reports back for every packet the engine emits.
type WriteResult int

const (
	WriteSuccess WriteResult = iota
	WriteTooLarge
	WriteBlocking
	WriteFail
)

// Notifier is the only way a PseudoTcp talks to the outside world.
// All callbacks happen synchronously from inside an engine entry point.
type Notifier interface {
	OnOpen(t *PseudoTcp)
	OnReadable(t *PseudoTcp)
	OnWriteable(t *PseudoTcp)
	OnClosed(t *PseudoTcp, err error) // err is nil for a graceful local close
	WritePacket(t *PseudoTcp, buf []byte) WriteResult
}

// sendSegment is a run of bytes inside the outgoing buffer.
type sendSegment struct {
	seq    uint32
	len    uint32
	xmit   uint8 // number of times transmitted, 0 means unsent
	isCtrl bool
}

// recvSegment is a run of bytes received ahead of rcvNxt, already
// copied to its place in the receive buffer.
type recvSegment struct {
	seq uint32
	len uint32
}

type transmitResult int

const (
	transmitOK transmitResult = iota
	transmitWait
	transmitFail
)

type sendFlags int

const (
	sendNone sendFlags = iota
	sendDelayedAck
	sendImmediateAck
)
