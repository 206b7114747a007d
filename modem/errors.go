package modem

import "errors"

var (
	// ErrNoDialer is returned when a Modem is constructed without a Dialer.
	//
	// This indicates a configuration error. A Dialer is required in order to
	// establish a connection to the modem.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrNotInitialized is returned when an operation is attempted on a Modem
	// that has not been successfully initialized.
	ErrNotInitialized = errors.New("modem not initialized")

	// ErrAlreadyClosed is returned when Close is called on a Modem that has
	// already been closed.
	ErrAlreadyClosed = errors.New("modem already closed")

	// ErrLoopRunning is returned when Loop is called while a previous Loop
	// invocation is still active.
	ErrLoopRunning = errors.New("loop already running")

	// ErrLineTooLong is returned when a modem response line exceeds the
	// maximum allowed length.
	//
	// This typically indicates malformed input, unexpected binary data,
	// or a protocol framing error.
	ErrLineTooLong = errors.New("response line too long")

	// ErrPayloadTooLarge is returned when an outgoing payload exceeds the
	// device's text buffer limit.
	ErrPayloadTooLarge = errors.New("payload exceeds device limit")

	// ErrPayloadInvalid is returned when an outgoing payload contains
	// bytes the text write command cannot carry (CR, LF, NUL).
	ErrPayloadInvalid = errors.New("payload contains invalid characters")

	// ErrDeviceBusy is returned by WriteOutgoing when a prior outgoing
	// payload still occupies the MO buffer and has not been cleared.
	ErrDeviceBusy = errors.New("outgoing buffer already occupied")

	// ErrNoMessagePending is returned by ReadIncoming when neither the
	// device status nor the last session result indicates a waiting
	// inbound message.
	ErrNoMessagePending = errors.New("no incoming message pending")

	// ErrFaulted is returned by session operations after repeated
	// transport failures. The session stays unusable until the caller
	// resets it, typically after reopening the transport.
	ErrFaulted = errors.New("session faulted")

	// ErrFatalSession is returned by InitiateSession when the device
	// reports a condition a retry will not fix.
	ErrFatalSession = errors.New("session failed fatally")

	// ErrRetriesExhausted is returned by InitiateSession when every
	// configured attempt ended in a transient failure.
	ErrRetriesExhausted = errors.New("session attempts exhausted")
)

// ErrCommandFailed is returned when the device answers a command with
// ERROR instead of OK. It is a protocol-level failure, distinct from a
// transport failure.
var ErrCommandFailed = errors.New("command returned ERROR")
