// Package exchange coordinates message exchange cycles against a
// single SBD modem. It owns the one active outgoing message, serializes
// access to the session engine, and turns cycle outcomes into events
// for a caller-supplied sink.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"i4.energy/across/sbdgw/at"
	"i4.energy/across/sbdgw/modem"
)

// Driver is the session engine the coordinator drives. *modem.Session
// implements it; tests substitute fakes.
type Driver interface {
	CheckStatus(ctx context.Context) (at.Status, error)
	WriteOutgoing(ctx context.Context, payload string) error
	InitiateSession(ctx context.Context) (modem.Attempt, error)
	ReadIncoming(ctx context.Context) (string, error)
	ClearBuffers(ctx context.Context, which modem.Buffer) error
	Buffers() modem.BufferState
	State() modem.State
	Reset()
}

var _ Driver = (*modem.Session)(nil)

// Policy selects how RunCycle behaves when a cycle is already running.
type Policy int

const (
	// PolicyReject makes concurrent RunCycle calls fail immediately
	// with ErrCycleInProgress.
	PolicyReject Policy = iota
	// PolicyBlock makes concurrent RunCycle calls wait for the running
	// cycle to finish, then run.
	PolicyBlock
)

// Config carries the coordinator's knobs.
type Config struct {
	// Sink receives cycle events. Required in practice; a nil Sink
	// discards events.
	Sink Sink
	// Policy picks Block or Reject for concurrent cycles.
	Policy Policy
	// Logger for structured logging. Nil disables logging.
	Logger *slog.Logger
}

// CycleOutcome summarizes one completed exchange cycle.
type CycleOutcome struct {
	// Status is the device snapshot taken at the start of the cycle.
	Status *at.Status
	// SentHandle is the handle of the message delivered this cycle,
	// zero if none.
	SentHandle Handle
	// Received is the inbound message read this cycle, nil if none.
	Received *IncomingMessage
	// SessionAttempts is how many over-the-air attempts the session
	// initiate consumed.
	SessionAttempts int
}

// Coordinator owns the single active outgoing message and the latest
// incoming one, and runs exchange cycles one at a time. All methods are
// safe for concurrent use.
type Coordinator struct {
	driver Driver
	sink   Sink
	logger *slog.Logger
	policy Policy

	// cycleMu is held for the whole duration of a cycle; it is what
	// enforces the single-owner discipline over the modem.
	cycleMu sync.Mutex

	// mu guards the message and status fields. Never held across
	// device I/O, so Submit/Cancel/accessors stay responsive during a
	// cycle.
	mu             sync.Mutex
	nextHandle     Handle
	pending        *OutgoingMessage
	latestIncoming *IncomingMessage
	latestStatus   *at.Status
}

// New creates a coordinator over the given session driver.
func New(driver Driver, config Config) *Coordinator {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	sink := config.Sink
	if sink == nil {
		sink = SinkFunc(func(Event) {})
	}
	return &Coordinator{
		driver: driver,
		sink:   sink,
		logger: logger,
		policy: config.Policy,
	}
}

// Submit queues a payload for the next exchange cycle. It fails with
// ErrAlreadyPending while a prior message has not reached a terminal
// state, and with the payload errors without touching the device.
func (c *Coordinator) Submit(payload string) (Handle, error) {
	if len(payload) > at.MaxPayload {
		return 0, modem.ErrPayloadTooLarge
	}
	if !at.ValidPayload(payload) {
		return 0, modem.ErrPayloadInvalid
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending != nil && !c.pending.Status.Terminal() {
		return 0, ErrAlreadyPending
	}

	c.nextHandle++
	c.pending = &OutgoingMessage{
		Handle:  c.nextHandle,
		Payload: payload,
		Status:  StatusQueued,
	}
	c.logger.Debug("message submitted", "handle", c.nextHandle, "bytes", len(payload))
	return c.nextHandle, nil
}

// Cancel aborts a submitted message. It succeeds only while the message
// is Queued or AwaitingTransmit; once transmission has begun the
// over-the-air exchange cannot be called back and Cancel returns
// ErrNotCancellable.
func (c *Coordinator) Cancel(handle Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil || c.pending.Handle != handle {
		return ErrUnknownHandle
	}

	switch c.pending.Status {
	case StatusQueued, StatusAwaitingTransmit:
		c.pending.Status = StatusFailed
		c.pending.LastErr = "cancelled"
		c.logger.Info("message cancelled", "handle", handle)
		c.sink.Record(Event{
			Kind:   EventMessageFailed,
			Time:   time.Now(),
			Handle: handle,
			Reason: "cancelled",
		})
		return nil
	default:
		return ErrNotCancellable
	}
}

// LatestIncoming returns a copy of the most recently received message.
func (c *Coordinator) LatestIncoming() (IncomingMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latestIncoming == nil {
		return IncomingMessage{}, false
	}
	return *c.latestIncoming, true
}

// CurrentStatus returns a copy of the latest device status snapshot.
func (c *Coordinator) CurrentStatus() (at.Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latestStatus == nil {
		return at.Status{}, false
	}
	return *c.latestStatus, true
}

// Pending returns a copy of the active outgoing message, if any.
func (c *Coordinator) Pending() (OutgoingMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return OutgoingMessage{}, false
	}
	return *c.pending, true
}

// Reset returns a faulted session engine to service. The caller is
// responsible for having restored the transport first.
func (c *Coordinator) Reset() {
	c.driver.Reset()
}

// RunCycle executes one full exchange cycle: status check, write the
// queued payload if any, initiate the over-the-air session, read a
// delivered inbound message if any. Buffer clearing happens inside the
// session engine as each direction settles.
//
// Only one cycle runs at a time; a concurrent call blocks or is
// rejected according to the configured policy. Events for the cycle are
// delivered to the sink when the cycle resolves, in operation order,
// and never from a half-finished cycle.
func (c *Coordinator) RunCycle(ctx context.Context) (CycleOutcome, error) {
	switch c.policy {
	case PolicyBlock:
		c.cycleMu.Lock()
	default:
		if !c.cycleMu.TryLock() {
			return CycleOutcome{}, ErrCycleInProgress
		}
	}
	defer c.cycleMu.Unlock()

	var events []Event
	defer func() {
		for _, e := range events {
			c.sink.Record(e)
		}
	}()
	emit := func(e Event) {
		e.Time = time.Now()
		events = append(events, e)
	}

	var outcome CycleOutcome

	// Checking for a queued message before the status check guarantees
	// a submit followed by the next cycle always picks the message up.
	msg, ok := c.pendingInState(StatusQueued)

	status, err := c.driver.CheckStatus(ctx)
	if err != nil {
		return outcome, c.cycleFailed(&events, err, "status check failed")
	}
	c.mu.Lock()
	c.latestStatus = &status
	c.mu.Unlock()
	outcome.Status = &status
	emit(Event{Kind: EventStatusUpdated, Status: &status})

	// Write the queued payload into the MO buffer.
	if ok {
		// A stale payload on the device would make the write invalid;
		// drop it, ours supersedes it.
		if status.MOFlag {
			if err := c.driver.ClearBuffers(ctx, modem.BufferOutgoing); err != nil {
				c.setStatus(msg.Handle, StatusQueued, "")
				return outcome, c.cycleFailed(&events, err, "clear stale outgoing buffer failed")
			}
		}

		c.setStatus(msg.Handle, StatusWriting, "")
		if err := c.driver.WriteOutgoing(ctx, msg.Payload); err != nil {
			if errors.Is(err, modem.ErrFaulted) || ctx.Err() != nil {
				c.setStatus(msg.Handle, StatusQueued, "")
				return outcome, c.cycleFailed(&events, err, "write outgoing failed")
			}
			// The device rejected the payload; retrying will not help.
			c.setStatus(msg.Handle, StatusFailed, err.Error())
			emit(Event{Kind: EventMessageFailed, Handle: msg.Handle, Reason: err.Error()})
			return outcome, nil
		}
		c.setStatus(msg.Handle, StatusAwaitingTransmit, "")
	}

	// A cancel may have landed between the write and here; a cancelled
	// payload must not go over the air.
	msg, ok = c.pendingInState(StatusAwaitingTransmit)
	if !ok && c.driver.Buffers().MOWritten {
		if err := c.driver.ClearBuffers(ctx, modem.BufferOutgoing); err != nil {
			return outcome, c.cycleFailed(&events, err, "clear cancelled payload failed")
		}
	}
	if ok {
		c.setStatus(msg.Handle, StatusTransmitting, "")
	}

	attempt, err := c.driver.InitiateSession(ctx)
	outcome.SessionAttempts = attempt.Attempts
	if ok {
		c.bumpAttempts(msg.Handle, attempt.Attempts)
	}
	if err != nil {
		switch {
		case errors.Is(err, modem.ErrRetriesExhausted):
			if ok {
				c.setStatus(msg.Handle, StatusFailed, err.Error())
				emit(Event{Kind: EventMessageFailed, Handle: msg.Handle, Reason: err.Error()})
			}
			emit(Event{Kind: EventFault, Reason: err.Error()})
			return outcome, err
		case errors.Is(err, modem.ErrFatalSession):
			if ok {
				c.setStatus(msg.Handle, StatusFailed, err.Error())
				emit(Event{Kind: EventMessageFailed, Handle: msg.Handle, Reason: err.Error()})
			}
			return outcome, nil
		default:
			// Transport fault or cancellation. The message, if any,
			// goes back to awaiting transmit; it may still be resent
			// once the engine is reset.
			if ok {
				c.setStatus(msg.Handle, StatusAwaitingTransmit, err.Error())
			}
			return outcome, c.cycleFailed(&events, err, "session initiate failed")
		}
	}

	if ok {
		c.setStatus(msg.Handle, StatusSent, "")
		emit(Event{Kind: EventMessageSent, Handle: msg.Handle, Payload: msg.Payload})
		outcome.SentHandle = msg.Handle
		c.logger.Info("message sent", "handle", msg.Handle, "attempts", attempt.Attempts)
	}

	// Read the inbound message if the session delivered one (or one was
	// already sitting unread in the MT buffer).
	if c.driver.Buffers().MTPending {
		payload, err := c.driver.ReadIncoming(ctx)
		if err != nil {
			if errors.Is(err, modem.ErrNoMessagePending) {
				return outcome, nil
			}
			return outcome, c.cycleFailed(&events, err, "read incoming failed")
		}
		incoming := &IncomingMessage{
			Payload:    payload,
			ReceivedAt: time.Now(),
			Sequence:   attempt.Result.MTMSN,
		}
		c.mu.Lock()
		c.latestIncoming = incoming
		c.mu.Unlock()
		outcome.Received = incoming
		emit(Event{Kind: EventMessageReceived, Handle: 0, Incoming: incoming})
		c.logger.Info("message received", "bytes", len(payload), "mtmsn", incoming.Sequence)
	}

	return outcome, nil
}

// cycleFailed turns a cycle-aborting error into its sink event. A
// caller-initiated cancellation is not a fault and produces no event.
func (c *Coordinator) cycleFailed(events *[]Event, err error, step string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	reason := fmt.Sprintf("%s: %v", step, err)
	*events = append(*events, Event{Kind: EventFault, Time: time.Now(), Reason: reason})
	c.logger.Error("cycle failed", "error", err, "step", step)
	return err
}

// pendingInState returns a copy of the pending message if it currently
// sits in the given state.
func (c *Coordinator) pendingInState(status MessageStatus) (OutgoingMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil || c.pending.Status != status {
		return OutgoingMessage{}, false
	}
	return *c.pending, true
}

func (c *Coordinator) setStatus(handle Handle, status MessageStatus, lastErr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil || c.pending.Handle != handle || c.pending.Status.Terminal() {
		return
	}
	c.pending.Status = status
	if lastErr != "" {
		c.pending.LastErr = lastErr
	}
}

func (c *Coordinator) bumpAttempts(handle Handle, attempts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil || c.pending.Handle != handle {
		return
	}
	c.pending.Attempts += attempts
}
