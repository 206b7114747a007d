package exchange

import "time"

// Handle identifies a submitted outgoing message.
type Handle uint64

// MessageStatus tracks an outgoing message through its lifecycle. The
// transitions run strictly forward, except that Transmitting may fall
// back to AwaitingTransmit when a transport fault interrupts a session
// before it settles.
type MessageStatus int

const (
	StatusQueued MessageStatus = iota
	StatusWriting
	StatusAwaitingTransmit
	StatusTransmitting
	StatusSent
	StatusFailed
)

func (s MessageStatus) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusWriting:
		return "writing"
	case StatusAwaitingTransmit:
		return "awaiting-transmit"
	case StatusTransmitting:
		return "transmitting"
	case StatusSent:
		return "sent"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the message has finished its lifecycle.
func (s MessageStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// OutgoingMessage is the coordinator's record of a submitted payload.
// The coordinator owns it exclusively until it reaches a terminal
// state; callers only ever see copies.
type OutgoingMessage struct {
	Handle   Handle
	Payload  string
	Status   MessageStatus
	Attempts int
	LastErr  string
}

// IncomingMessage is a message read out of the device's MT buffer.
type IncomingMessage struct {
	Payload    string
	ReceivedAt time.Time
	// Sequence is the MT message sequence number the modem reported.
	Sequence int
}
