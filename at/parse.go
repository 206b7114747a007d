package at

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformed is returned when a modem response cannot be decoded.
// Callers treat it as a transient failure of the current step and retry
// within the enclosing operation's budget.
var ErrMalformed = errors.New("malformed modem response")

// Outcome classifies the mobile-originated leg of a session.
type Outcome int

const (
	// OutcomeSuccess means the MO payload (if any) was delivered.
	OutcomeSuccess Outcome = iota
	// OutcomeTransient means the session failed for a reason a later
	// attempt may not hit again, typically no satellite visibility.
	OutcomeTransient
	// OutcomeFatal means the device reported a condition a retry will
	// not fix.
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// SessionResult holds the parsed response from an AT+SBDIX session.
//
// Format: +SBDIX: <MO status>, <MOMSN>, <MT status>, <MTMSN>, <MT length>, <MT queued>
type SessionResult struct {
	MOStatus int // 0-2 = success, others = failure
	MOMSN    int // MO message sequence number
	MTStatus int // 0 = no MT, 1 = MT received, 2 = error
	MTMSN    int // MT message sequence number
	MTLength int // byte length of the received MT message
	MTQueued int // MT messages still queued at the gateway
}

// MOSuccess reports whether the MO leg of the session settled.
func (r SessionResult) MOSuccess() bool {
	return r.MOStatus >= 0 && r.MOStatus <= 2
}

// MTReceived reports whether an MT message landed in the device buffer.
func (r SessionResult) MTReceived() bool {
	return r.MTStatus == 1
}

// MO status codes the device reports for conditions a retry cannot fix:
// gateway access denied, antenna fault, radio disabled, band violation,
// PLL lock failure.
var fatalMOStatus = map[int]bool{16: true, 33: true, 34: true, 64: true, 65: true}

// MOOutcome classifies the MO status into retry semantics. Anything
// that is neither a success nor a known-fatal code is treated as
// transient; the common field failures (no network service, gateway
// busy) all fall in that bucket.
func (r SessionResult) MOOutcome() Outcome {
	switch {
	case r.MOSuccess():
		return OutcomeSuccess
	case fatalMOStatus[r.MOStatus]:
		return OutcomeFatal
	default:
		return OutcomeTransient
	}
}

// ParseSessionResult extracts a SessionResult from AT+SBDIX response lines.
func ParseSessionResult(lines []string) (SessionResult, error) {
	fields, err := findFields(lines, RespSession, 6)
	if err != nil {
		return SessionResult{}, err
	}

	var r SessionResult
	r.MOStatus = fields[0]
	r.MOMSN = fields[1]
	r.MTStatus = fields[2]
	r.MTMSN = fields[3]
	r.MTLength = fields[4]
	r.MTQueued = fields[5]
	return r, nil
}

// SignalUnknown marks signal quality that has not been read yet or
// could not be decoded.
const SignalUnknown = -1

// Status is a decoded snapshot of the device's SBD state.
//
// Format: +SBDSX: <MO flag>, <MOMSN>, <MT flag>, <MTMSN>, <RA flag>, <msg waiting>
type Status struct {
	MOFlag    bool // an unsent payload occupies the MO buffer
	MOMSN     int
	MTFlag    bool // an unread payload occupies the MT buffer
	MTMSN     int
	RingAlert bool // a ring alert arrived and has not been answered
	Waiting   int  // MT messages queued at the gateway
	Signal    int  // 0..5 bars, SignalUnknown if not read
}

// ParseStatus extracts a Status from AT+SBDSX response lines. Signal is
// left at SignalUnknown; it comes from a separate AT+CSQ exchange.
func ParseStatus(lines []string) (Status, error) {
	fields, err := findFields(lines, RespStatus, 6)
	if err != nil {
		return Status{}, err
	}

	return Status{
		MOFlag:    fields[0] != 0,
		MOMSN:     fields[1],
		MTFlag:    fields[2] != 0,
		MTMSN:     fields[3],
		RingAlert: fields[4] != 0,
		Waiting:   fields[5],
		Signal:    SignalUnknown,
	}, nil
}

// ParseSignal extracts the signal quality (0..5 bars) from AT+CSQ
// response lines.
func ParseSignal(lines []string) (int, error) {
	for _, line := range lines {
		rest, ok := strings.CutPrefix(strings.TrimSpace(line), RespSignal)
		if !ok {
			continue
		}
		bars, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil || bars < 0 || bars > 5 {
			return SignalUnknown, fmt.Errorf("%w: bad signal quality %q", ErrMalformed, line)
		}
		return bars, nil
	}
	return SignalUnknown, fmt.Errorf("%w: no %s in response", ErrMalformed, RespSignal)
}

// ParseReadText extracts the MT payload from AT+SBDRT response lines.
// The payload follows the +SBDRT: marker, either on the same line or on
// the next one. The following line is payload verbatim, even when it is
// empty or happens to spell a protocol word like OK or AT.
func ParseReadText(lines []string) (string, error) {
	for i, line := range lines {
		rest, ok := strings.CutPrefix(line, RespRead)
		if !ok {
			continue
		}
		if text := strings.TrimPrefix(rest, " "); text != "" {
			return text, nil
		}
		if i+1 < len(lines) {
			return lines[i+1], nil
		}
		// An empty MT payload is legal; the buffer held a zero-length message.
		return "", nil
	}
	return "", fmt.Errorf("%w: no %s in response", ErrMalformed, RespRead)
}

// findFields locates the line carrying the given prefix and parses its
// comma-separated integer fields.
func findFields(lines []string, prefix string, want int) ([]int, error) {
	for _, line := range lines {
		rest, ok := strings.CutPrefix(strings.TrimSpace(line), prefix)
		if !ok {
			continue
		}
		parts := strings.Split(rest, ",")
		if len(parts) < want {
			return nil, fmt.Errorf("%w: %s expected %d fields, got %d", ErrMalformed, prefix, want, len(parts))
		}
		fields := make([]int, want)
		for i := 0; i < want; i++ {
			v, err := strconv.Atoi(strings.TrimSpace(parts[i]))
			if err != nil {
				return nil, fmt.Errorf("%w: %s field %d: %q", ErrMalformed, prefix, i, parts[i])
			}
			fields[i] = v
		}
		return fields, nil
	}
	return nil, fmt.Errorf("%w: no %s in response", ErrMalformed, prefix)
}
