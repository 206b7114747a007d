package exchange

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"i4.energy/across/sbdgw/at"
	"i4.energy/across/sbdgw/modem"
)

// fakeDriver is a scriptable stand-in for the session engine. It keeps
// a device-side buffer mirror the same way the real engine does and
// records the operations the coordinator invoked.
type fakeDriver struct {
	mu      sync.Mutex
	calls   []string
	buffers modem.BufferState

	status    at.Status
	statusErr error
	writeErr  error
	readText  string
	readErr   error
	clearErr  error

	// initiate is consulted per call; the default reports a clean
	// single-attempt success and flips the buffer mirror accordingly.
	initiate func() (modem.Attempt, error)
	// deliverMT makes the next successful session leave an inbound
	// message pending.
	deliverMT bool

	// gate, when set, is closed by the test to release a blocked
	// CheckStatus. Used to hold a cycle open.
	gate chan struct{}
}

func (d *fakeDriver) record(op string) {
	d.mu.Lock()
	d.calls = append(d.calls, op)
	d.mu.Unlock()
}

func (d *fakeDriver) callCount(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (d *fakeDriver) CheckStatus(ctx context.Context) (at.Status, error) {
	d.record("status")
	if d.gate != nil {
		<-d.gate
	}
	if d.statusErr != nil {
		return at.Status{}, d.statusErr
	}
	return d.status, nil
}

func (d *fakeDriver) WriteOutgoing(ctx context.Context, payload string) error {
	d.record("write:" + payload)
	if d.writeErr != nil {
		return d.writeErr
	}
	d.mu.Lock()
	d.buffers.MOWritten = true
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) InitiateSession(ctx context.Context) (modem.Attempt, error) {
	d.record("initiate")
	if d.initiate != nil {
		return d.initiate()
	}
	d.mu.Lock()
	d.buffers.MOWritten = false
	if d.deliverMT {
		d.buffers.MTPending = true
	}
	d.mu.Unlock()
	return modem.Attempt{
		Outcome:  at.OutcomeSuccess,
		Attempts: 1,
		Result:   at.SessionResult{MTMSN: 7},
	}, nil
}

func (d *fakeDriver) ReadIncoming(ctx context.Context) (string, error) {
	d.record("read")
	if d.readErr != nil {
		return "", d.readErr
	}
	d.mu.Lock()
	d.buffers.MTPending = false
	d.mu.Unlock()
	return d.readText, nil
}

func (d *fakeDriver) ClearBuffers(ctx context.Context, which modem.Buffer) error {
	d.record("clear")
	if d.clearErr != nil {
		return d.clearErr
	}
	d.mu.Lock()
	switch which {
	case modem.BufferOutgoing:
		d.buffers.MOWritten = false
	case modem.BufferIncoming:
		d.buffers.MTPending = false
	default:
		d.buffers = modem.BufferState{}
	}
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) Buffers() modem.BufferState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buffers
}

func (d *fakeDriver) State() modem.State { return modem.StateIdle }

func (d *fakeDriver) Reset() { d.record("reset") }

// recordingSink collects every event a cycle flushes.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Record(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *recordingSink) kinds() []EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventKind, len(s.events))
	for i, e := range s.events {
		out[i] = e.Kind
	}
	return out
}

func (s *recordingSink) count(kind EventKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func newTestCoordinator(driver *fakeDriver) (*Coordinator, *recordingSink) {
	sink := &recordingSink{}
	return New(driver, Config{Sink: sink}), sink
}

func TestSubmitAndCycleDelivers(t *testing.T) {
	driver := &fakeDriver{}
	c, sink := newTestCoordinator(driver)

	handle, err := c.Submit("hello from the field")
	require.NoError(t, err)
	require.NotZero(t, handle)

	outcome, err := c.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, handle, outcome.SentHandle)
	assert.Equal(t, 1, outcome.SessionAttempts)

	msg, ok := c.Pending()
	require.True(t, ok)
	assert.Equal(t, StatusSent, msg.Status)
	assert.Equal(t, 1, msg.Attempts)

	assert.Equal(t, []EventKind{EventStatusUpdated, EventMessageSent}, sink.kinds())
	assert.Equal(t, []string{"status", "write:hello from the field", "initiate"}, driver.calls)
}

func TestSubmitRejectsWhilePending(t *testing.T) {
	c, _ := newTestCoordinator(&fakeDriver{})

	_, err := c.Submit("first")
	require.NoError(t, err)

	_, err = c.Submit("second")
	assert.ErrorIs(t, err, ErrAlreadyPending)
}

func TestSubmitAcceptedAfterTerminal(t *testing.T) {
	c, _ := newTestCoordinator(&fakeDriver{})

	first, err := c.Submit("first")
	require.NoError(t, err)
	_, err = c.RunCycle(context.Background())
	require.NoError(t, err)

	second, err := c.Submit("second")
	require.NoError(t, err)
	assert.Greater(t, second, first)
}

func TestSubmitValidation(t *testing.T) {
	driver := &fakeDriver{}
	c, _ := newTestCoordinator(driver)

	_, err := c.Submit(strings.Repeat("x", at.MaxPayload+1))
	assert.ErrorIs(t, err, modem.ErrPayloadTooLarge)

	_, err = c.Submit("line one\r\nline two")
	assert.ErrorIs(t, err, modem.ErrPayloadInvalid)

	assert.Empty(t, driver.calls, "validation must not touch the device")
}

func TestCancelQueued(t *testing.T) {
	driver := &fakeDriver{}
	c, sink := newTestCoordinator(driver)

	handle, err := c.Submit("doomed")
	require.NoError(t, err)
	require.NoError(t, c.Cancel(handle))

	msg, ok := c.Pending()
	require.True(t, ok)
	assert.Equal(t, StatusFailed, msg.Status)
	assert.Equal(t, "cancelled", msg.LastErr)
	assert.Equal(t, 1, sink.count(EventMessageFailed))

	// The slot frees up for the next submit.
	_, err = c.Submit("replacement")
	assert.NoError(t, err)

	// A cancelled payload never reaches the wire.
	_, err = c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, driver.callCount("write:doomed"))
}

func TestCancelUnknownHandle(t *testing.T) {
	c, _ := newTestCoordinator(&fakeDriver{})
	assert.ErrorIs(t, c.Cancel(99), ErrUnknownHandle)
}

func TestCancelAfterSent(t *testing.T) {
	c, _ := newTestCoordinator(&fakeDriver{})

	handle, err := c.Submit("already gone")
	require.NoError(t, err)
	_, err = c.RunCycle(context.Background())
	require.NoError(t, err)

	assert.ErrorIs(t, c.Cancel(handle), ErrNotCancellable)
}

func TestCycleRetriesRecorded(t *testing.T) {
	driver := &fakeDriver{}
	driver.initiate = func() (modem.Attempt, error) {
		driver.mu.Lock()
		driver.buffers.MOWritten = false
		driver.mu.Unlock()
		return modem.Attempt{Outcome: at.OutcomeSuccess, Attempts: 3}, nil
	}
	c, _ := newTestCoordinator(driver)

	handle, err := c.Submit("third time lucky")
	require.NoError(t, err)
	outcome, err := c.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, handle, outcome.SentHandle)
	assert.Equal(t, 3, outcome.SessionAttempts)
	msg, _ := c.Pending()
	assert.Equal(t, 3, msg.Attempts)
}

func TestCycleExhaustion(t *testing.T) {
	driver := &fakeDriver{}
	driver.initiate = func() (modem.Attempt, error) {
		return modem.Attempt{Outcome: at.OutcomeTransient, Attempts: 4, Reason: "no link"},
			modem.ErrRetriesExhausted
	}
	c, sink := newTestCoordinator(driver)

	_, err := c.Submit("unlucky")
	require.NoError(t, err)
	_, err = c.RunCycle(context.Background())
	assert.ErrorIs(t, err, modem.ErrRetriesExhausted)

	msg, _ := c.Pending()
	assert.Equal(t, StatusFailed, msg.Status)
	assert.Equal(t, 1, sink.count(EventMessageFailed))
	assert.Equal(t, 1, sink.count(EventFault))
}

func TestCycleFatalSession(t *testing.T) {
	driver := &fakeDriver{}
	driver.initiate = func() (modem.Attempt, error) {
		return modem.Attempt{Outcome: at.OutcomeFatal, Attempts: 1, Reason: "mo status 16"},
			modem.ErrFatalSession
	}
	c, sink := newTestCoordinator(driver)

	_, err := c.Submit("oversubscribed")
	require.NoError(t, err)

	// A fatal verdict resolves the message but the cycle itself is
	// healthy; no fault is raised and no error comes back.
	_, err = c.RunCycle(context.Background())
	require.NoError(t, err)

	msg, _ := c.Pending()
	assert.Equal(t, StatusFailed, msg.Status)
	assert.Equal(t, 1, sink.count(EventMessageFailed))
	assert.Zero(t, sink.count(EventFault))
}

func TestCycleTransportFault(t *testing.T) {
	driver := &fakeDriver{}
	driver.initiate = func() (modem.Attempt, error) {
		return modem.Attempt{}, modem.ErrFaulted
	}
	c, sink := newTestCoordinator(driver)

	_, err := c.Submit("stranded")
	require.NoError(t, err)
	_, err = c.RunCycle(context.Background())
	assert.ErrorIs(t, err, modem.ErrFaulted)

	// The message is not lost; it waits for the engine to recover.
	msg, _ := c.Pending()
	assert.Equal(t, StatusAwaitingTransmit, msg.Status)
	assert.Zero(t, sink.count(EventMessageFailed))
	assert.Equal(t, 1, sink.count(EventFault))
}

func TestCycleReceivesIncoming(t *testing.T) {
	driver := &fakeDriver{deliverMT: true, readText: "ack 42"}
	c, sink := newTestCoordinator(driver)

	outcome, err := c.RunCycle(context.Background())
	require.NoError(t, err)

	require.NotNil(t, outcome.Received)
	assert.Equal(t, "ack 42", outcome.Received.Payload)
	assert.Equal(t, 7, outcome.Received.Sequence)

	got, ok := c.LatestIncoming()
	require.True(t, ok)
	assert.Equal(t, "ack 42", got.Payload)
	assert.Equal(t, 1, sink.count(EventMessageReceived))

	// The next cycle finds the MT buffer empty and does not re-read.
	driver.deliverMT = false
	_, err = c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, driver.callCount("read"))
}

func TestCycleClearsStaleOutgoing(t *testing.T) {
	driver := &fakeDriver{status: at.Status{MOFlag: true, Signal: at.SignalUnknown}}
	driver.mu.Lock()
	driver.buffers.MOWritten = true
	driver.mu.Unlock()
	c, _ := newTestCoordinator(driver)

	_, err := c.Submit("fresh")
	require.NoError(t, err)
	_, err = c.RunCycle(context.Background())
	require.NoError(t, err)

	// The stale payload is dropped before the new one is written.
	assert.Equal(t, []string{"status", "clear", "write:fresh", "initiate"}, driver.calls)
}

func TestCycleStatusSnapshot(t *testing.T) {
	driver := &fakeDriver{status: at.Status{MTFlag: true, MTMSN: 12, Signal: 4}}
	c, sink := newTestCoordinator(driver)

	outcome, err := c.RunCycle(context.Background())
	require.NoError(t, err)

	require.NotNil(t, outcome.Status)
	assert.Equal(t, 4, outcome.Status.Signal)

	got, ok := c.CurrentStatus()
	require.True(t, ok)
	assert.Equal(t, 12, got.MTMSN)
	assert.Equal(t, 1, sink.count(EventStatusUpdated))
}

func TestCycleStatusFailure(t *testing.T) {
	boom := errors.New("port gone")
	driver := &fakeDriver{statusErr: boom}
	c, sink := newTestCoordinator(driver)

	handle, err := c.Submit("stuck")
	require.NoError(t, err)

	_, err = c.RunCycle(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, sink.count(EventFault))

	// The message stays queued for a later cycle.
	msg, _ := c.Pending()
	assert.Equal(t, handle, msg.Handle)
	assert.Equal(t, StatusQueued, msg.Status)
}

func TestRejectPolicyConcurrentCycle(t *testing.T) {
	driver := &fakeDriver{gate: make(chan struct{})}
	c, _ := newTestCoordinator(driver)

	done := make(chan error, 1)
	go func() {
		_, err := c.RunCycle(context.Background())
		done <- err
	}()

	// Wait for the first cycle to reach the device.
	deadline := time.After(2 * time.Second)
	for driver.callCount("status") == 0 {
		select {
		case <-deadline:
			t.Fatal("first cycle never started")
		case <-time.After(time.Millisecond):
		}
	}

	_, err := c.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)

	close(driver.gate)
	require.NoError(t, <-done)
}

func TestBlockPolicyConcurrentCycle(t *testing.T) {
	driver := &fakeDriver{gate: make(chan struct{})}
	sink := &recordingSink{}
	c := New(driver, Config{Sink: sink, Policy: PolicyBlock})

	first := make(chan error, 1)
	go func() {
		_, err := c.RunCycle(context.Background())
		first <- err
	}()

	deadline := time.After(2 * time.Second)
	for driver.callCount("status") == 0 {
		select {
		case <-deadline:
			t.Fatal("first cycle never started")
		case <-time.After(time.Millisecond):
		}
	}

	second := make(chan error, 1)
	go func() {
		_, err := c.RunCycle(context.Background())
		second <- err
	}()

	// The second cycle must still be waiting while the first holds the
	// modem.
	select {
	case err := <-second:
		t.Fatalf("second cycle finished early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(driver.gate)
	require.NoError(t, <-first)
	require.NoError(t, <-second)
	assert.Equal(t, 2, driver.callCount("status"))
}
