package exchange

import "errors"

var (
	// ErrAlreadyPending is returned by Submit while a prior message has
	// not reached a terminal state. The caller must wait for it to
	// resolve or cancel it first.
	ErrAlreadyPending = errors.New("a message is already pending")

	// ErrNotCancellable is returned by Cancel once transmission has
	// begun; the over-the-air exchange cannot be aborted mid-flight.
	ErrNotCancellable = errors.New("message is no longer cancellable")

	// ErrUnknownHandle is returned by Cancel for a handle that does not
	// match the pending message.
	ErrUnknownHandle = errors.New("unknown message handle")

	// ErrCycleInProgress is returned by RunCycle under the Reject
	// policy while another cycle holds the modem.
	ErrCycleInProgress = errors.New("exchange cycle already in progress")
)
