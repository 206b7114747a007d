package modem

import (
	"io"
	"strings"
	"sync"
)

// TestTransport is a test helper that simulates a blocking transport using channels.
// This is needed because the Loop's scanner goroutine continuously reads from the transport,
// and we need reads to block until data is available (like a real serial port would).
//
// A responder turns it into a scripted device: each written command line
// is handed to the responder and its return value, if any, is queued as
// the device's reply.
type TestTransport struct {
	mu        sync.Mutex
	readChan  chan []byte
	closed    bool
	writes    []string
	responder func(cmd string) string
	writeErr  error
}

// NewTestTransport creates a new test transport for testing.
// Exported for use in tests.
func NewTestTransport() *TestTransport {
	return &TestTransport{
		readChan: make(chan []byte, 10),
	}
}

// SetResponder installs a scripted device: fn receives each command
// line (CR stripped) and returns the raw bytes to queue as the reply,
// or "" for no reply.
func (t *TestTransport) SetResponder(fn func(cmd string) string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.responder = fn
}

// SetWriteError makes subsequent writes fail with err, simulating a
// broken serial link. Pass nil to heal it.
func (t *TestTransport) SetWriteError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeErr = err
}

// Writes returns every command line written so far, CR stripped.
func (t *TestTransport) Writes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.writes...)
}

func (t *TestTransport) Write(p []byte) (n int, err error) {
	cmd := strings.TrimSuffix(string(p), "\r")
	t.mu.Lock()
	if t.writeErr != nil {
		err = t.writeErr
		t.mu.Unlock()
		return 0, err
	}
	t.writes = append(t.writes, cmd)
	fn := t.responder
	t.mu.Unlock()

	if fn != nil {
		if resp := fn(cmd); resp != "" {
			t.SendData(resp)
		}
	}
	return len(p), nil
}

func (t *TestTransport) Read(p []byte) (n int, err error) {
	data, ok := <-t.readChan
	if !ok {
		return 0, io.EOF
	}
	return copy(p, data), nil
}

func (t *TestTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.readChan)
	return nil
}

// SendData queues data to be read by the transport.
// This simulates receiving data from the modem.
func (t *TestTransport) SendData(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.readChan <- []byte(data)
	}
}
