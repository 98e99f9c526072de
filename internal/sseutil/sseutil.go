// Package sseutil provides the line-level server-sent-events helpers the
// request pipeline uses both to read an upstream SSE body and to write the
// translated relay back to the client.
package sseutil

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// maxLineSize bounds a single SSE line; upstream providers occasionally
// emit a large tool-call-argument fragment on one line.
const maxLineSize = 256 * 1024

// NewScanner returns a bufio.Scanner configured for reading SSE lines.
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return s
}

// ParseLine parses a single SSE line into its event type and data payload.
// ok is false for blank lines and comment lines (leading ':').
func ParseLine(line string) (event, data string, ok bool) {
	if line == "" || line[0] == ':' {
		return "", "", false
	}
	key, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	value = strings.TrimPrefix(value, " ")
	switch key {
	case "event":
		return value, "", true
	case "data":
		return "", value, true
	default:
		return "", "", false
	}
}

// WriteDataLine writes one SSE "data: " frame followed by the blank line
// terminator, flushing immediately so the relay never buffers more than one
// chunk beyond what it has already written.
func WriteDataLine(w io.Writer, flusher interface{ Flush() }, data []byte) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}

// WriteDone writes the terminal "[DONE]" sentinel frame.
func WriteDone(w io.Writer, flusher interface{ Flush() }) error {
	return WriteDataLine(w, flusher, []byte("[DONE]"))
}
