// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"bufio"
	"io"
	"strings"
)

// SSEEvent is a single Server-Sent Event parsed from an SSE stream.
type SSEEvent struct {
	// Type is the event type from the "event:" field. Empty when no
	// event type was specified (the default event type in the spec).
	Type string

	// Data is the event payload. Multiple "data:" lines within one
	// event are joined with newlines per the SSE specification.
	Data string
}

// SSEScanner reads Server-Sent Events from an [io.Reader] per the W3C
// Server-Sent Events specification. Events are delimited by blank
// lines; "data:" lines carry the payload and "event:" lines set the
// type. Comment lines (leading ":") and unknown fields are skipped.
//
// The scanner is shared by the provider clients in this package and by
// consumers of the conversation service's own event-stream endpoint.
//
//	scanner := NewSSEScanner(reader)
//	for scanner.Next() {
//	    event := scanner.Event()
//	    ...
//	}
//	if err := scanner.Err(); err != nil {
//	    ...
//	}
type SSEScanner struct {
	reader  *bufio.Reader
	current SSEEvent
	err     error
}

// NewSSEScanner creates a scanner that reads SSE events from reader.
func NewSSEScanner(reader io.Reader) *SSEScanner {
	return &SSEScanner{
		reader: bufio.NewReaderSize(reader, 64*1024),
	}
}

// Next advances to the next event. Returns false when the stream ends
// or a read error occurs; [Err] distinguishes the two.
func (scanner *SSEScanner) Next() bool {
	if scanner.err != nil {
		return false
	}
	scanner.current = SSEEvent{}

	var event SSEEvent
	var data strings.Builder
	hasData := false

	flush := func() bool {
		if !hasData {
			return false
		}
		event.Data = data.String()
		scanner.current = event
		return true
	}

	for {
		line, readErr := scanner.reader.ReadString('\n')
		if readErr != nil && line == "" {
			if readErr != io.EOF {
				scanner.err = readErr
				return false
			}
			// Clean EOF: emit a trailing unterminated event if one
			// was accumulated, and stop on the following call.
			scanner.err = io.EOF
			return flush()
		}

		line = strings.TrimRight(line, "\r\n")

		// Blank line ends the event. Empty blocks (no data lines seen
		// yet) are skipped, resetting any stray event type.
		if line == "" {
			if flush() {
				return true
			}
			event.Type = ""
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, hasColon := strings.Cut(line, ":")
		if hasColon {
			// Per spec: a single leading space in the value is stripped.
			value = strings.TrimPrefix(value, " ")
		}

		switch field {
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "event":
			event.Type = value
		default:
			// "id", "retry", and unknown fields are ignored.
		}
	}
}

// Event returns the most recently parsed event. Only valid after
// [Next] returns true.
func (scanner *SSEScanner) Event() SSEEvent {
	return scanner.current
}

// Err returns the first error encountered during scanning. Returns
// nil if scanning ended due to a clean EOF.
func (scanner *SSEScanner) Err() error {
	if scanner.err == io.EOF {
		return nil
	}
	return scanner.err
}
