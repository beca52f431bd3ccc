// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestScannerDeltasThenDone(t *testing.T) {
	input := "data: {\"delta\":\"Hel\"}\n" +
		"data: {\"delta\":\"lo\"}\n" +
		"data: {\"done\":true,\"content\":\"Hello\",\"message_id\":\"m-1\"}\n"
	s := NewScanner(strings.NewReader(input))

	ev, err := s.Next()
	if err != nil {
		t.Fatalf("first event: %v", err)
	}
	if ev.Delta != "Hel" || ev.Done {
		t.Errorf("unexpected first event: %+v", ev)
	}

	ev, err = s.Next()
	if err != nil {
		t.Fatalf("second event: %v", err)
	}
	if ev.Delta != "lo" {
		t.Errorf("unexpected second event: %+v", ev)
	}

	ev, err = s.Next()
	if err != nil {
		t.Fatalf("completion event: %v", err)
	}
	if !ev.Done || ev.Content != "Hello" || ev.MessageID != "m-1" {
		t.Errorf("unexpected completion: %+v", ev)
	}

	if _, err := s.Next(); err != io.EOF {
		t.Errorf("expected io.EOF after completion, got %v", err)
	}
}

func TestScannerDoneContentFallsBackToAccumulated(t *testing.T) {
	input := "data: {\"delta\":\"par\"}\n" +
		"data: {\"delta\":\"tial\"}\n" +
		"data: {\"done\":true}\n"
	s := NewScanner(strings.NewReader(input))

	for i := 0; i < 2; i++ {
		if _, err := s.Next(); err != nil {
			t.Fatalf("delta %d: %v", i, err)
		}
	}

	ev, err := s.Next()
	if err != nil {
		t.Fatalf("completion: %v", err)
	}
	if ev.Content != "partial" {
		t.Errorf("expected accumulated fallback %q, got %q", "partial", ev.Content)
	}
}

func TestScannerServerErrorPreservesPartial(t *testing.T) {
	input := "data: {\"delta\":\"half an ans\"}\n" +
		"data: {\"error\":\"model overloaded\"}\n"
	s := NewScanner(strings.NewReader(input))

	if _, err := s.Next(); err != nil {
		t.Fatalf("delta: %v", err)
	}

	_, err := s.Next()
	var serverErr *ServerEventError
	if !errors.As(err, &serverErr) {
		t.Fatalf("expected ServerEventError, got %v", err)
	}
	if serverErr.Message != "model overloaded" {
		t.Errorf("unexpected message: %q", serverErr.Message)
	}
	if s.Accumulated() != "half an ans" {
		t.Errorf("partial lost: %q", s.Accumulated())
	}
}

func TestScannerClosedBeforeDone(t *testing.T) {
	input := "data: {\"delta\":\"cut \"}\ndata: {\"delta\":\"off\"}\n"
	s := NewScanner(strings.NewReader(input))

	for i := 0; i < 2; i++ {
		if _, err := s.Next(); err != nil {
			t.Fatalf("delta %d: %v", i, err)
		}
	}

	if _, err := s.Next(); !errors.Is(err, ErrClosedBeforeDone) {
		t.Fatalf("expected ErrClosedBeforeDone, got %v", err)
	}
	if s.Accumulated() != "cut off" {
		t.Errorf("partial lost: %q", s.Accumulated())
	}

	// Terminal: everything after is io.EOF.
	if _, err := s.Next(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestScannerIgnoresNoise(t *testing.T) {
	input := "\n" +
		": keep-alive\n" +
		"event: message\n" +
		"data:\n" +
		"data: {\"delta\":\"ok\"}\n" +
		"data: {\"done\":true}\n"
	s := NewScanner(strings.NewReader(input))

	ev, err := s.Next()
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	if ev.Delta != "ok" {
		t.Errorf("noise not skipped, got %+v", ev)
	}

	ev, err = s.Next()
	if err != nil || !ev.Done {
		t.Fatalf("completion: %+v, %v", ev, err)
	}
}

func TestScannerMalformedPayload(t *testing.T) {
	s := NewScanner(strings.NewReader("data: {not json\n"))

	if _, err := s.Next(); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
	if _, err := s.Next(); err != io.EOF {
		t.Errorf("expected io.EOF after malformed payload, got %v", err)
	}
}

func TestScannerFinalUnterminatedLine(t *testing.T) {
	// No trailing newline on the completion line.
	input := "data: {\"delta\":\"x\"}\ndata: {\"done\":true,\"content\":\"x\"}"
	s := NewScanner(strings.NewReader(input))

	if _, err := s.Next(); err != nil {
		t.Fatalf("delta: %v", err)
	}
	ev, err := s.Next()
	if err != nil {
		t.Fatalf("completion: %v", err)
	}
	if !ev.Done || ev.Content != "x" {
		t.Errorf("unexpected completion: %+v", ev)
	}
}
