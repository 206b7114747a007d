package at

import (
	"bufio"
	"bytes"
	"strings"
)

// Splitter is used for tokenizing AT command modem responses. It uses
// the signature of bufio.SplitFunc so it can be directly used with bufio.Scanner.
//
// It splits the input by CRLF line endings. Partial lines stay buffered
// in the scanner until their terminator arrives on a later read, so a
// response that straddles two serial reads is reassembled rather than
// dropped. A line that grows past the scanner's buffer limit surfaces
// as bufio.ErrTooLong.
//
// The atEOF parameter indicates whether any more data will be available.
// When true, any remaining data is returned as the final token.
func Splitter(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if i := bytes.Index(data, []byte(CRLF)); i >= 0 {
		return i + len(CRLF), data[0:i], nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var _ bufio.SplitFunc = Splitter

// Classify identifies the nature of the modem output.
//
// Command echoes are recognized so decoding keeps working before ATE0
// has taken effect. The ring alert URC may show up between any
// command/response pair and must never be mistaken for command output.
func Classify(line string) ResponseType {
	// Direct matches for final results
	switch line {
	case OK, ERROR:
		return TypeFinal
	case UrcRing:
		return TypeURC
	}

	if strings.HasPrefix(line, "AT") {
		return TypeEcho
	}
	return TypeData
}
