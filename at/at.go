package at

const (
	// Terminal Control
	CRLF = "\r\n"

	// Response Codes
	OK    = "OK"
	ERROR = "ERROR"
	// Ready is issued by the modem when it is waiting for a binary
	// payload transfer after AT+SBDWB.
	Ready = "READY"

	// URCs (Unsolicited Result Codes)
	UrcRing = "SBDRING"

	// Data response prefixes
	RespSession = "+SBDIX:"
	RespStatus  = "+SBDSX:"
	RespSignal  = "+CSQ:"
	RespRead    = "+SBDRT:"

	// Commands
	CmdAt          = "AT"
	CmdEchoOff     = "ATE0"
	CmdFlowOff     = "AT&K0"
	CmdIMEI        = "AT+CGSN"
	CmdSignal      = "AT+CSQ"
	CmdStatus      = "AT+SBDSX"
	CmdSession     = "AT+SBDIX"
	CmdReadText    = "AT+SBDRT"
	CmdRingAlertOn = "AT+SBDMTA=1"
	CmdClearMO     = "AT+SBDD0"
	CmdClearMT     = "AT+SBDD1"
	CmdClearBoth   = "AT+SBDD2"
)

// MaxPayload is the device limit for a text mode mobile-originated
// message written with AT+SBDWT.
const MaxPayload = 340

// WriteText builds the command that loads a text payload into the
// mobile-originated buffer. The payload must not contain CR, LF or NUL;
// use ValidPayload to check before sending.
func WriteText(payload string) string {
	return "AT+SBDWT=" + payload
}

// ValidPayload reports whether a text payload can be carried on an
// AT+SBDWT command line.
func ValidPayload(payload string) bool {
	if len(payload) > MaxPayload {
		return false
	}
	for i := 0; i < len(payload); i++ {
		switch payload[i] {
		case '\r', '\n', 0:
			return false
		}
	}
	return true
}

type ResponseType int

const (
	TypeFinal ResponseType = iota // OK, ERROR
	TypeURC                       // Asynchronous notifications (SBDRING)
	TypeData                      // Intermediate command output (+SBDIX: ...)
	TypeEcho                      // Command echo, seen before ATE0 takes effect
)
