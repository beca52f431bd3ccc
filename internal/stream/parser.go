// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream parses line-oriented chat event streams into a lazy,
// finite sequence of delta, completion, and error events.
package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// MaxLineSize is the maximum allowed size for a single stream line (64KB).
const MaxLineSize = 64 * 1024

// dataPrefix marks lines that carry an event payload. Everything else on
// the wire (blank keep-alives, ":" comments, unknown fields) is ignored.
const dataPrefix = "data:"

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrClosedBeforeDone is returned when the stream ends without a
	// completion event.
	ErrClosedBeforeDone = errors.New("stream closed before done")

	// ErrMalformedPayload is returned when a data line does not parse as
	// an event payload.
	ErrMalformedPayload = errors.New("malformed stream payload")
)

// ServerEventError is an error reported by the backend inside the stream
// itself, as opposed to a transport failure.
type ServerEventError struct {
	Message string
}

// Error implements the error interface.
func (e *ServerEventError) Error() string {
	return "server stream error: " + e.Message
}

// =============================================================================
// EVENTS
// =============================================================================

// Event is a single parsed stream event. Done distinguishes the terminal
// completion event from incremental deltas.
type Event struct {
	// Delta is the incremental text carried by a non-terminal event.
	Delta string

	// Done is true for the terminal completion event.
	Done bool

	// Content is the full response text, only set on completion. When the
	// server omits it, the locally accumulated deltas are used instead.
	Content string

	// MessageID is the remote id of the completed message, when provided.
	MessageID string
}

// payload is the wire format of a data line.
type payload struct {
	Delta     string `json:"delta"`
	Content   string `json:"content"`
	MessageID string `json:"message_id"`
	Done      bool   `json:"done"`
	Error     string `json:"error"`
}

// =============================================================================
// SCANNER
// =============================================================================

// Scanner reads a line-oriented event stream and yields events one at a
// time. A Scanner is finite and non-restartable: after the first terminal
// event or error, Next returns io.EOF forever.
type Scanner struct {
	reader      *bufio.Reader
	accumulated strings.Builder
	finished    bool
}

// NewScanner creates a scanner over r.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{
		reader: bufio.NewReaderSize(r, 16*1024),
	}
}

// Accumulated returns all delta text seen so far. Callers use this to
// preserve partial output when the stream fails midway.
func (s *Scanner) Accumulated() string {
	return s.accumulated.String()
}

// Next returns the next event. Terminal outcomes:
//   - a completion event (Event.Done true) followed by io.EOF,
//   - a *ServerEventError when the payload carries an error field,
//   - ErrClosedBeforeDone when the stream ends without completing,
//   - ErrMalformedPayload when a data line is not valid JSON.
func (s *Scanner) Next() (Event, error) {
	if s.finished {
		return Event{}, io.EOF
	}

	for {
		line, err := s.readLine()
		if err != nil {
			s.finished = true
			if err == io.EOF {
				// The server never said done; the response is incomplete.
				return Event{}, ErrClosedBeforeDone
			}
			return Event{}, err
		}

		// Blank lines and comments are keep-alive noise.
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		if !bytes.HasPrefix(line, []byte(dataPrefix)) {
			continue
		}
		data := bytes.TrimSpace(line[len(dataPrefix):])
		if len(data) == 0 {
			continue
		}

		var p payload
		if err := json.Unmarshal(data, &p); err != nil {
			s.finished = true
			return Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}

		if p.Error != "" {
			s.finished = true
			return Event{}, &ServerEventError{Message: p.Error}
		}

		if p.Done {
			s.finished = true
			content := p.Content
			if content == "" {
				content = s.accumulated.String()
			}
			return Event{
				Done:      true,
				Content:   content,
				MessageID: p.MessageID,
			}, nil
		}

		if p.Delta != "" {
			s.accumulated.WriteString(p.Delta)
		}
		return Event{Delta: p.Delta}, nil
	}
}

// readLine reads one line with a size cap, trimming the trailing CRLF.
func (s *Scanner) readLine() ([]byte, error) {
	line, err := s.reader.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(bytes.TrimSpace(line)) > 0 {
			// Process a final unterminated line before reporting EOF.
			return bytes.TrimRight(line, "\r\n"), nil
		}
		return nil, err
	}
	if len(line) > MaxLineSize {
		return nil, fmt.Errorf("stream line too large: %d bytes", len(line))
	}
	return bytes.TrimRight(line, "\r\n"), nil
}
