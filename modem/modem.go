package modem

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"i4.energy/across/sbdgw/at"
)

// Modem represents an Iridium short-burst-data modem (RockBLOCK class)
// that communicates via AT commands. It provides thread-safe access to
// SBD operations through a centralized event loop that handles all
// transport I/O.
type Modem struct {
	// transport provides the physical connection to the modem (serial, TCP, etc.)
	transport Transport
	// config contains the modem configuration settings
	config Config
	// closed indicates if the modem has been shut down. Atomic because
	// Close races with exec calls from other goroutines.
	closed atomic.Bool
	// loopRunning indicates if the Loop is currently running
	loopRunning atomic.Bool
	// imei is the device identity read during initialization
	imei string

	// Communication channels for Loop coordination
	// ringChan receives ring alerts (SBDRING) from the modem
	ringChan chan struct{}
	// commands queues AT command requests for the Loop to process
	commands chan *commandRequest
}

// commandRequest represents an AT command request to be executed by the Loop.
// It contains the command string, response channel, and execution context.
type commandRequest struct {
	// cmd is the AT command string to send to the modem
	cmd string
	// respChan receives the command response from the Loop
	respChan chan commandResponse
	// ctx provides timeout and cancellation control for the command
	ctx context.Context
}

// commandResponse contains the result of an AT command execution.
// It includes both the response lines and any error that occurred.
type commandResponse struct {
	// lines contains the response lines from the modem, echoes excluded
	lines []string
	// err contains any error that occurred during command execution
	err error
}

// maxLineLen bounds how long a single response line may grow before the
// tokenizer gives up buffering and reports it as malformed.
const maxLineLen = 4096

// New creates a new Modem instance with the given configuration.
// It establishes the transport connection and initializes the modem
// hardware for SBD operation.
//
// Returns an error if the transport connection or modem initialization
// fails.
func New(ctx context.Context, config Config) (*Modem, error) {
	if config.Dialer == nil {
		return nil, ErrNoDialer
	}
	transport, err := config.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}

	m := &Modem{
		config:    config,
		transport: transport,
		ringChan:  make(chan struct{}, 1),
		// No queue for commands
		commands: make(chan *commandRequest),
	}

	// Initialize the modem with proper timeout
	initCtx := ctx
	if config.InitTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, config.InitTimeout)
		defer cancel()
	}

	if err := m.init(initCtx); err != nil {
		transport.Close()
		return nil, fmt.Errorf("initialize modem: %w", err)
	}

	return m, nil
}

// IMEI returns the device identity read during initialization.
func (m *Modem) IMEI() string {
	return m.imei
}

// Ring returns a channel that fires when the modem announces a ring
// alert (SBDRING), meaning the gateway holds a message for this device.
// The channel carries at most one pending alert; coalescing further
// alerts is fine because a single session answers all of them.
func (m *Modem) Ring() <-chan struct{} {
	return m.ringChan
}

// Loop is the main event loop that handles all transport I/O operations.
// It must be called exactly once after New() and before any other modem
// operations. The Loop coordinates all communication with the modem hardware:
//
// 1. Processes command requests from exec() calls
// 2. Writes AT commands to the transport
// 3. Reads and classifies response lines from the transport
// 4. Dispatches ring alerts to the Ring() channel
// 5. Returns command responses to waiting exec() calls
//
// The Loop runs until the provided context is cancelled. It is the ONLY
// goroutine that reads from the transport, preventing race conditions and
// ensuring ring alerts are never lost.
//
// Usage:
//
//	m, err := New(ctx, config)
//	if err != nil { return err }
//
//	// Start the loop (typically in a goroutine)
//	go m.Loop(ctx)
//
//	// Now exec() calls will work
//	lines, err := m.exec(ctx, at.CmdStatus)
func (m *Modem) Loop(ctx context.Context) error {
	if !m.loopRunning.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer m.loopRunning.Store(false)
	scanner := bufio.NewScanner(m.transport)
	scanner.Split(at.Splitter)
	scanner.Buffer(make([]byte, 0, 256), maxLineLen)

	// Channels for tokens and errors from the scanner goroutine
	tokens := make(chan string, 10)
	scanErrs := make(chan error, 1)

	// Start goroutine to read tokens from transport. Empty lines are
	// forwarded too: a raw payload line may legitimately be empty.
	go func() {
		defer func() {
			close(tokens)
		}()
		for scanner.Scan() {
			select {
			case tokens <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		// Scanner stopped - check if there was an error
		if err := scanner.Err(); err != nil {
			if errors.Is(err, bufio.ErrTooLong) {
				err = ErrLineTooLong
			}
			select {
			case scanErrs <- err:
			case <-ctx.Done():
			}
		}
	}()

	// Current command being processed
	var currentCmd *commandRequest
	var currentLines []string
	// rawNext marks the next token as message payload rather than
	// protocol. Text-mode reads deliver the payload on the line after
	// the +SBDRT: marker, and that line may look like anything,
	// including an echo, OK or SBDRING. Classifying it would drop or
	// corrupt the message.
	var rawNext bool

	for {
		select {
		case <-ctx.Done():
			// Context cancelled - shut down gracefully
			if currentCmd != nil {
				currentCmd.respChan <- commandResponse{err: ctx.Err()}
			}
			return ctx.Err()

		case req := <-m.commands:
			currentCmd = req
			currentLines = nil
			rawNext = false

			// Write the AT command to the transport
			wire := strings.TrimSpace(req.cmd) + "\r"
			if _, err := m.transport.Write([]byte(wire)); err != nil {
				req.respChan <- commandResponse{err: fmt.Errorf("write command %q: %w", req.cmd, err)}
				currentCmd = nil
				continue
			}

		case token, ok := <-tokens:
			if !ok {
				// Token channel closed - scanner stopped
				if currentCmd != nil {
					currentCmd.respChan <- commandResponse{lines: currentLines, err: io.EOF}
					currentCmd = nil
					currentLines = nil
				}
				return io.EOF
			}

			if rawNext {
				// Payload line following a +SBDRT: marker; taken
				// verbatim, bypassing classification.
				rawNext = false
				if currentCmd != nil {
					currentLines = append(currentLines, token)
				}
			} else if token == "" {
				// Blank separator between response fields; carries nothing.
			} else {
				// Classify the token to determine how to handle it
				switch at.Classify(token) {
				case at.TypeURC:
					// Ring alert - may arrive at any time, even mid-command.
					select {
					case m.ringChan <- struct{}{}:
					default:
						// An alert is already pending; one session answers both.
					}

				case at.TypeFinal:
					// Final response (OK or ERROR)
					if currentCmd != nil {
						if token == at.OK {
							currentCmd.respChan <- commandResponse{lines: currentLines}
						} else {
							currentCmd.respChan <- commandResponse{
								lines: currentLines,
								err:   fmt.Errorf("%w: %s", ErrCommandFailed, token),
							}
						}
						currentCmd = nil
						currentLines = nil
					}
					// If no current command, ignore the final response (orphaned)

				case at.TypeData:
					// Intermediate data response (e.g., +SBDIX: 0, 23, 0, 0, 0, 0)
					if currentCmd != nil {
						currentLines = append(currentLines, token)
						if currentCmd.cmd == at.CmdReadText && strings.TrimSpace(token) == at.RespRead {
							rawNext = true
						}
					}
					// If no current command, ignore the data (orphaned)

				case at.TypeEcho:
					// Echo of our own command; dropped. Only seen before
					// ATE0 takes effect.
				}
			}

			// Check if current command has timed out
			if currentCmd != nil {
				select {
				case <-currentCmd.ctx.Done():
					currentCmd.respChan <- commandResponse{err: fmt.Errorf("command timeout: %w", currentCmd.ctx.Err())}
					currentCmd = nil
					currentLines = nil
				default:
					// Command still within timeout
				}
			}

		case err := <-scanErrs:
			// Scanner error - notify current command if any
			if currentCmd != nil {
				currentCmd.respChan <- commandResponse{err: fmt.Errorf("read error: %w", err)}
				currentCmd = nil
				currentLines = nil
			}
			return fmt.Errorf("scanner error: %w", err)
		}
	}
}

// Close shuts down the modem and releases all resources.
// It closes the transport connection and marks the modem as closed.
// After calling Close(), the modem cannot be reused.
func (m *Modem) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrAlreadyClosed
	}

	if m.transport != nil {
		return m.transport.Close()
	}

	return nil
}

// init performs the initial setup sequence for the modem hardware.
// This method is called during New() and must complete successfully
// before the modem can be used.
func (m *Modem) init(ctx context.Context) error {
	// 1. Wake-up / sanity check
	if err := m.expectOkDirect(ctx, at.CmdAt); err != nil {
		return fmt.Errorf("modem not responding: %w", err)
	}

	if err := m.expectOkDirect(ctx, at.CmdEchoOff); err != nil {
		return fmt.Errorf("could not disable echo: %w", err)
	}

	// RockBLOCK exposes a 3-wire serial interface; hardware flow
	// control must be off or the device wedges on the first command.
	if err := m.expectOkDirect(ctx, at.CmdFlowOff); err != nil {
		return fmt.Errorf("could not disable flow control: %w", err)
	}

	if err := m.expectOkDirect(ctx, at.CmdRingAlertOn); err != nil {
		return fmt.Errorf("could not enable ring alerts: %w", err)
	}

	lines, err := m.execDirect(ctx, at.CmdIMEI)
	if err != nil {
		return fmt.Errorf("query IMEI: %w", err)
	}
	m.imei = parseIMEI(lines)

	return nil
}

// parseIMEI picks the identity line out of an AT+CGSN response.
func parseIMEI(lines []string) string {
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if len(line) == 15 && isNumeric(line) {
			return line
		}
	}
	return ""
}

func isNumeric(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}

// exec sends an AT command to the modem and waits for the response.
// This method coordinates with the Loop() to ensure thread-safe command
// execution. The Loop() must be running before calling this method.
func (m *Modem) exec(ctx context.Context, cmd string) ([]string, error) {
	return m.execTimeout(ctx, cmd, m.config.ATTimeout)
}

// execTimeout is exec with an explicit per-command timeout; session
// initiation needs a much longer bound than ordinary commands.
func (m *Modem) execTimeout(ctx context.Context, cmd string, timeout time.Duration) ([]string, error) {
	if m.closed.Load() {
		return nil, ErrAlreadyClosed
	}

	if m.transport == nil {
		return nil, ErrNotInitialized
	}

	// Apply per-command timeout if context has none
	if _, ok := ctx.Deadline(); !ok && timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Create command request
	req := &commandRequest{
		cmd:      cmd,
		respChan: make(chan commandResponse, 1), // Buffered to prevent blocking
		ctx:      ctx,
	}

	// Send request to Loop
	select {
	case m.commands <- req:
		// Request queued successfully
	case <-ctx.Done():
		return nil, fmt.Errorf("command cancelled before sending: %w", ctx.Err())
	}

	// Wait for response from Loop
	select {
	case resp := <-req.respChan:
		return resp.lines, resp.err
	case <-ctx.Done():
		return nil, fmt.Errorf("command timeout: %w", ctx.Err())
	}
}

// execDirect executes an AT command directly on the transport without
// using the channel mechanism and handles the complete request-response
// cycle including timeout management. It is used during modem initialization
// when not yet accepting commands.
//
// WARNING: This method should only be used during initialization.
// Use exec() for normal operations.
func (m *Modem) execDirect(ctx context.Context, cmd string) ([]string, error) {
	if m.closed.Load() {
		return nil, ErrAlreadyClosed
	}
	if m.transport == nil {
		return nil, ErrNotInitialized
	}

	if _, ok := ctx.Deadline(); !ok && m.config.ATTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.ATTimeout)
		defer cancel()
	}

	wire := strings.TrimSpace(cmd) + "\r"
	if _, err := m.transport.Write([]byte(wire)); err != nil {
		return nil, fmt.Errorf("write command %q: %w", cmd, err)
	}

	scanner := bufio.NewScanner(m.transport)
	scanner.Split(at.Splitter)
	scanner.Buffer(make([]byte, 0, 256), maxLineLen)

	var lines []string

	for {
		select {
		case <-ctx.Done():
			return lines, ctx.Err()
		default:
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				if errors.Is(err, bufio.ErrTooLong) {
					err = ErrLineTooLong
				}
				return lines, fmt.Errorf("read error: %w", err)
			}
			return lines, io.EOF
		}

		token := scanner.Text()
		if token == "" {
			continue
		}

		switch at.Classify(token) {
		case at.TypeFinal:
			if token == at.OK {
				return lines, nil
			}
			return lines, fmt.Errorf("%w: %s", ErrCommandFailed, token)

		case at.TypeData:
			lines = append(lines, token)

		case at.TypeURC, at.TypeEcho:
			// Ignore ring alerts and echoes in direct exec
			continue
		}
	}
}

// expectOkDirect executes an AT command and validates that it finished
// with OK. This is a convenience method for commands that should
// succeed with a simple OK response.
//
// Used during initialization for basic configuration commands.
func (m *Modem) expectOkDirect(ctx context.Context, cmd string) error {
	_, err := m.execDirect(ctx, cmd)
	return err
}
