package modem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"i4.energy/across/sbdgw/at"
)

// State represents the stage a session engine is in. Transitions follow
// Idle -> CheckingStatus -> WritingOutgoing -> InitiatingSession ->
// AwaitingSessionResult -> ReadingIncoming -> ClearingBuffers -> Idle,
// with Faulted reachable from any stage on unrecoverable transport
// failure.
type State uint32

const (
	StateIdle State = iota
	StateCheckingStatus
	StateWritingOutgoing
	StateInitiatingSession
	StateAwaitingSessionResult
	StateReadingIncoming
	StateClearingBuffers
	StateFaulted
)

// String returns string representation of the current state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCheckingStatus:
		return "checking-status"
	case StateWritingOutgoing:
		return "writing-outgoing"
	case StateInitiatingSession:
		return "initiating-session"
	case StateAwaitingSessionResult:
		return "awaiting-session-result"
	case StateReadingIncoming:
		return "reading-incoming"
	case StateClearingBuffers:
		return "clearing-buffers"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Buffer selects which device buffer a clear operation targets.
type Buffer int

const (
	BufferOutgoing Buffer = iota
	BufferIncoming
	BufferBoth
)

// BufferState mirrors the device's dual buffer occupancy so the engine
// never issues a command the modem would reject. The device holds at
// most one unacknowledged outgoing payload and one unread incoming
// payload at a time.
type BufferState struct {
	// MOWritten is set while an outgoing payload occupies the MO
	// buffer and has not been delivered or cleared.
	MOWritten bool
	// MTPending is set while an unread inbound payload occupies the
	// MT buffer.
	MTPending bool
}

// Attempt records the outcome of one initiate-session call, including
// the retries it absorbed internally.
type Attempt struct {
	Start         time.Time
	Outcome       at.Outcome
	Reason        string
	Attempts      int
	BytesSent     int
	BytesReceived int
	Result        at.SessionResult
}

// Session sequences AT command exchanges into the higher-level SBD
// operations: status check, write outgoing, initiate session, read
// incoming, clear buffers. It owns the retry and backoff policy.
//
// A Session is not safe for concurrent use; the exchange coordinator
// serializes access to it.
type Session struct {
	m      *Modem
	config Config
	logger *slog.Logger

	state   atomic.Uint32
	buffers BufferState
	// lastMOLen remembers the size of the payload in the MO buffer so
	// a successful session can report bytes sent.
	lastMOLen int
}

// NewSession creates a session engine on top of an initialized modem.
// A nil logger disables logging.
func NewSession(m *Modem, config Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	config.setDefaults()
	return &Session{
		m:      m,
		config: config,
		logger: logger,
	}
}

// State returns the current engine state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Buffers returns the mirrored device buffer occupancy.
func (s *Session) Buffers() BufferState {
	return s.buffers
}

// Reset returns a Faulted session to Idle. It does not touch the
// transport: when the fault came from a transient condition (a burst of
// timeouts, a briefly wedged device) the existing link keeps working
// after the reset, and when the serial link itself died the caller must
// reopen the port and recreate the modem before resetting.
func (s *Session) Reset() {
	if s.state.CompareAndSwap(uint32(StateFaulted), uint32(StateIdle)) {
		s.logger.Info("session reset", "state", StateIdle.String())
	}
}

// setState never transitions out of Faulted; only Reset does. That
// keeps the deferred return-to-Idle in each operation from masking a
// fault raised mid-exchange.
func (s *Session) setState(state State) {
	for {
		prev := State(s.state.Load())
		if prev == StateFaulted {
			return
		}
		if s.state.CompareAndSwap(uint32(prev), uint32(state)) {
			if prev != state {
				s.logger.Debug("session state changed", "prev_state", prev.String(), "state", state.String())
			}
			return
		}
	}
}

// CheckStatus reads the device's SBD status and signal quality and
// refreshes the mirrored buffer state. A failed signal read is not
// fatal; the snapshot then carries SignalUnknown.
func (s *Session) CheckStatus(ctx context.Context) (at.Status, error) {
	if s.State() == StateFaulted {
		return at.Status{}, ErrFaulted
	}
	s.setState(StateCheckingStatus)
	defer s.setState(StateIdle)

	status, err := execParsed(s, ctx, at.CmdStatus, s.config.ATTimeout, at.ParseStatus)
	if err != nil {
		return at.Status{}, err
	}

	if lines, err := s.execOp(ctx, at.CmdSignal, s.config.ATTimeout); err == nil {
		if bars, err := at.ParseSignal(lines); err == nil {
			status.Signal = bars
		}
	} else if errors.Is(err, ErrFaulted) {
		return at.Status{}, err
	}

	s.buffers.MOWritten = status.MOFlag
	s.buffers.MTPending = status.MTFlag
	return status, nil
}

// WriteOutgoing loads a text payload into the device's MO buffer.
//
// It fails with ErrPayloadTooLarge or ErrPayloadInvalid without
// touching the device, and with ErrDeviceBusy while a prior payload
// still occupies the buffer.
func (s *Session) WriteOutgoing(ctx context.Context, payload string) error {
	if s.State() == StateFaulted {
		return ErrFaulted
	}
	if len(payload) > at.MaxPayload {
		return ErrPayloadTooLarge
	}
	if !at.ValidPayload(payload) {
		return ErrPayloadInvalid
	}
	if s.buffers.MOWritten {
		return ErrDeviceBusy
	}

	s.setState(StateWritingOutgoing)
	defer s.setState(StateIdle)

	if _, err := s.execOp(ctx, at.WriteText(payload), s.config.ATTimeout); err != nil {
		return err
	}
	s.buffers.MOWritten = true
	s.lastMOLen = len(payload)
	return nil
}

// InitiateSession triggers the over-the-air exchange (AT+SBDIX) and
// classifies the result. Both directions settle in one pass: the MO
// payload, if any, goes up, and a waiting MT message, if any, comes
// down into the device buffer.
//
// Transient failures (no satellite visibility, gateway busy) are
// retried internally with exponential backoff up to the configured
// attempt budget; exhaustion surfaces as ErrRetriesExhausted. A
// device-reported fatal condition surfaces immediately as
// ErrFatalSession and is never retried. Transport failures consume the
// separate I/O budget and fault the session.
func (s *Session) InitiateSession(ctx context.Context) (Attempt, error) {
	if s.State() == StateFaulted {
		return Attempt{}, ErrFaulted
	}
	s.setState(StateInitiatingSession)
	defer s.setState(StateIdle)

	attempt := Attempt{Start: time.Now()}

	for try := 1; try <= s.config.SessionAttempts; try++ {
		attempt.Attempts = try

		s.setState(StateAwaitingSessionResult)
		result, err := execParsed(s, ctx, at.CmdSession, s.config.SessionTimeout, at.ParseSessionResult)
		if err != nil {
			if errors.Is(err, ErrCommandFailed) {
				attempt.Outcome = at.OutcomeFatal
				attempt.Reason = "device rejected session initiate"
				return attempt, fmt.Errorf("%w: %w", ErrFatalSession, err)
			}
			return attempt, err
		}

		attempt.Result = result
		switch result.MOOutcome() {
		case at.OutcomeSuccess:
			attempt.Outcome = at.OutcomeSuccess
			if s.buffers.MOWritten {
				attempt.BytesSent = s.lastMOLen
			}
			if result.MTReceived() {
				s.buffers.MTPending = true
				attempt.BytesReceived = result.MTLength
			}
			// The gateway has the MO payload; clear our copy so the
			// next session does not resend it.
			if s.buffers.MOWritten {
				if err := s.ClearBuffers(ctx, BufferOutgoing); err != nil {
					return attempt, err
				}
			}
			s.logger.Info("session succeeded",
				"attempts", try, "momsn", result.MOMSN,
				"mt_received", result.MTReceived(), "mt_queued", result.MTQueued)
			return attempt, nil

		case at.OutcomeFatal:
			attempt.Outcome = at.OutcomeFatal
			attempt.Reason = fmt.Sprintf("MO status %d", result.MOStatus)
			s.logger.Warn("session failed fatally", "mo_status", result.MOStatus)
			return attempt, fmt.Errorf("%w: MO status %d", ErrFatalSession, result.MOStatus)

		default:
			attempt.Outcome = at.OutcomeTransient
			attempt.Reason = fmt.Sprintf("MO status %d", result.MOStatus)
			s.logger.Info("session attempt failed",
				"attempt", try, "of", s.config.SessionAttempts, "mo_status", result.MOStatus)
			if try < s.config.SessionAttempts {
				if err := s.backoff(ctx, try); err != nil {
					return attempt, err
				}
			}
		}
	}

	return attempt, fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, s.config.SessionAttempts)
}

// ReadIncoming pulls the waiting inbound message out of the MT buffer
// and clears the buffer so a repeated status check does not re-report
// it. It fails with ErrNoMessagePending when the mirrored state shows
// nothing to read.
func (s *Session) ReadIncoming(ctx context.Context) (string, error) {
	if s.State() == StateFaulted {
		return "", ErrFaulted
	}
	if !s.buffers.MTPending {
		return "", ErrNoMessagePending
	}
	s.setState(StateReadingIncoming)
	defer s.setState(StateIdle)

	payload, err := execParsed(s, ctx, at.CmdReadText, s.config.ATTimeout, at.ParseReadText)
	if err != nil {
		return "", err
	}
	if err := s.ClearBuffers(ctx, BufferIncoming); err != nil {
		return "", err
	}
	return payload, nil
}

// ClearBuffers empties the selected device buffer. Clearing an already
// empty buffer succeeds trivially.
func (s *Session) ClearBuffers(ctx context.Context, which Buffer) error {
	if s.State() == StateFaulted {
		return ErrFaulted
	}
	var cmd string
	switch which {
	case BufferOutgoing:
		cmd = at.CmdClearMO
	case BufferIncoming:
		cmd = at.CmdClearMT
	case BufferBoth:
		cmd = at.CmdClearBoth
	default:
		return fmt.Errorf("invalid buffer selector %d", which)
	}

	prev := s.State()
	s.setState(StateClearingBuffers)
	defer s.setState(prev)

	if _, err := s.execOp(ctx, cmd, s.config.ATTimeout); err != nil {
		return err
	}
	switch which {
	case BufferOutgoing:
		s.buffers.MOWritten = false
	case BufferIncoming:
		s.buffers.MTPending = false
	case BufferBoth:
		s.buffers = BufferState{}
	}
	return nil
}

// backoff sleeps between session retries: base doubled per attempt,
// capped. The sleep honors cancellation so shutdown is never stuck
// waiting out a backoff window.
func (s *Session) backoff(ctx context.Context, attempt int) error {
	delay := s.config.BackoffBase << (attempt - 1)
	if delay > s.config.BackoffCap || delay <= 0 {
		delay = s.config.BackoffCap
	}
	s.logger.Debug("backing off before retry", "delay", delay, "attempt", attempt)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execOp runs one command exchange, retrying transport-level failures
// within the I/O budget. Exhausting that budget faults the session;
// protocol-level failures (the device answering ERROR) pass through
// untouched and never count against it.
func (s *Session) execOp(ctx context.Context, cmd string, timeout time.Duration) ([]string, error) {
	var lastErr error
	for try := 0; try <= s.config.IORetries; try++ {
		lines, err := s.m.execTimeout(ctx, cmd, timeout)
		if err == nil {
			return lines, nil
		}
		if errors.Is(err, ErrCommandFailed) {
			return lines, err
		}
		if ctx.Err() != nil {
			// Caller cancelled; not a device fault.
			return nil, err
		}
		lastErr = err
		s.logger.Warn("transport exchange failed", "cmd", cmd, "try", try+1, "error", err)
	}

	s.setState(StateFaulted)
	return nil, fmt.Errorf("%w: %w", ErrFaulted, lastErr)
}

// execParsed runs a command and decodes its response. A decode failure
// is a transient failure of the step and re-runs the exchange within
// the same budget rather than a separate one.
func execParsed[T any](s *Session, ctx context.Context, cmd string, timeout time.Duration, parse func([]string) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for try := 0; try <= s.config.IORetries; try++ {
		lines, err := s.execOp(ctx, cmd, timeout)
		if err != nil {
			return zero, err
		}
		v, err := parse(lines)
		if err == nil {
			return v, nil
		}
		lastErr = err
		s.logger.Warn("response decode failed", "cmd", cmd, "try", try+1, "error", err)
	}
	return zero, lastErr
}
