package exchange

import (
	"time"

	"i4.energy/across/sbdgw/at"
)

// EventKind tags the events a cycle can produce.
type EventKind int

const (
	EventMessageSent EventKind = iota
	EventMessageFailed
	EventMessageReceived
	EventStatusUpdated
	EventFault
)

func (k EventKind) String() string {
	switch k {
	case EventMessageSent:
		return "message-sent"
	case EventMessageFailed:
		return "message-failed"
	case EventMessageReceived:
		return "message-received"
	case EventStatusUpdated:
		return "status-updated"
	case EventFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Event is a structured notification handed to the Sink. Which fields
// are set depends on Kind: message events carry Handle, a received
// message carries Incoming, a status refresh carries Status, and
// failures carry Reason.
type Event struct {
	Kind   EventKind
	Time   time.Time
	Handle Handle
	// Payload is the delivered text on a sent-message event.
	Payload  string
	Reason   string
	Incoming *IncomingMessage
	Status   *at.Status
}

// Sink receives the events a cycle produces, in the order the
// underlying operations completed. Implementations forward them to
// persistence and display; the engine knows nothing about either.
//
// Record is called from the goroutine running the cycle and should not
// block for long.
type Sink interface {
	Record(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

func (f SinkFunc) Record(e Event) { f(e) }

// Sinks fans one event out to several sinks.
type Sinks []Sink

func (s Sinks) Record(e Event) {
	for _, sink := range s {
		sink.Record(e)
	}
}
