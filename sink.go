package main

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"i4.energy/across/sbdgw/exchange"
)

// FileSink appends one line per delivered or received message to a log
// file, so an operator has a durable record of traffic independent of
// the process log.
type FileSink struct {
	mu   sync.Mutex
	path string
}

// NewFileSink creates a sink appending to the file at path. The file is
// created on first write.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// Record implements exchange.Sink. Write failures are swallowed after
// the fact; a broken message log must not take down a cycle.
func (s *FileSink) Record(e exchange.Event) {
	var line string
	switch e.Kind {
	case exchange.EventMessageSent:
		line = fmt.Sprintf("%s sent %s\n", e.Time.UTC().Format(time.RFC3339), e.Payload)
	case exchange.EventMessageReceived:
		line = fmt.Sprintf("%s recv %s\n", e.Time.UTC().Format(time.RFC3339), e.Incoming.Payload)
	default:
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	f.WriteString(line)
}

// SlogSink mirrors exchange events to structured logging.
type SlogSink struct {
	Logger *slog.Logger
}

func (s SlogSink) Record(e exchange.Event) {
	switch e.Kind {
	case exchange.EventMessageSent:
		s.Logger.Info("message delivered", "handle", e.Handle, "bytes", len(e.Payload))
	case exchange.EventMessageFailed:
		s.Logger.Warn("message failed", "handle", e.Handle, "reason", e.Reason)
	case exchange.EventMessageReceived:
		s.Logger.Info("message received", "bytes", len(e.Incoming.Payload), "mtmsn", e.Incoming.Sequence)
	case exchange.EventStatusUpdated:
		s.Logger.Debug("status updated",
			"mo_flag", e.Status.MOFlag,
			"mt_flag", e.Status.MTFlag,
			"ring", e.Status.RingAlert,
			"waiting", e.Status.Waiting,
			"signal", e.Status.Signal,
		)
	case exchange.EventFault:
		s.Logger.Error("exchange fault", "reason", e.Reason)
	}
}
