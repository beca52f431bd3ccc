// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"syscall"
	"testing"
	"time"

	"github.com/jeranaias/relaykit/internal/stream"
)

// =============================================================================
// FAILURE CLASSIFICATION
// =============================================================================

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want FailureClass
	}{
		{"nil", nil, FailureNone},
		{"unauthorized", ErrUnauthorized, FailureUnauthorized},
		{"wrapped unauthorized", fmt.Errorf("call failed: %w", ErrUnauthorized), FailureUnauthorized},
		{"deadline", context.DeadlineExceeded, FailureOffline},
		{"dns", &net.DNSError{Err: "no such host", Name: "api.example.com"}, FailureOffline},
		{"refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), FailureOffline},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), FailureOffline},
		{"host unreachable", fmt.Errorf("dial: %w", syscall.EHOSTUNREACH), FailureOffline},
		{"stream cut off", fmt.Errorf("stream: %w", stream.ErrClosedBeforeDone), FailureOffline},
		{"server error", &ServerError{Status: 500, Message: "boom"}, FailureProtocol},
		{"stream server error", &stream.ServerEventError{Message: "overloaded"}, FailureProtocol},
		{"malformed", ErrMalformedResponse, FailureProtocol},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Errorf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

// =============================================================================
// HTTP CLIENT
// =============================================================================

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-token").WithTimeout(5 * time.Second), srv
}

func TestCreateConversation(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/conversations" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("missing bearer token, got %q", got)
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":"conv-123"}`)
	}))

	id, err := c.CreateConversation(context.Background())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id != "conv-123" {
		t.Errorf("expected conv-123, got %q", id)
	}
}

func TestCreateConversationMissingID(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))

	if _, err := c.CreateConversation(context.Background()); !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestFetchMessagesConvertsTimestamps(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/conversations/conv-1/messages" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"messages":[
			{"id":"m-1","role":"user","content":"hi","created_at":1700000000000},
			{"id":"m-2","role":"assistant","content":"hello","created_at":1700000001000}
		]}`)
	}))

	msgs, err := c.FetchMessages(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if !msgs[0].CreatedAt.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("timestamp not converted: %v", msgs[0].CreatedAt)
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "hello" {
		t.Errorf("unexpected message: %+v", msgs[1])
	}
}

func TestUnauthorizedInvokesHookOnce(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"token expired"}}`)
	}))

	calls := 0
	c.WithUnauthorizedHook(func() { calls++ })

	_, err := c.FetchMessages(context.Background(), "conv-1")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected hook invoked once, got %d", calls)
	}
}

func TestServerErrorCarriesStatusAndMessage(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":{"message":"maintenance"}}`)
	}))

	_, err := c.FetchMessages(context.Background(), "conv-1")
	var serverErr *ServerError
	if !errors.As(err, &serverErr) {
		t.Fatalf("expected ServerError, got %v", err)
	}
	if serverErr.Status != http.StatusServiceUnavailable || serverErr.Message != "maintenance" {
		t.Errorf("unexpected error: %+v", serverErr)
	}
	if Classify(err) != FailureProtocol {
		t.Errorf("server error should classify as protocol")
	}
}

func TestStreamChatEndToEnd(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/conversations/conv-1/chat" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"delta\":\"hel\"}\n")
		fmt.Fprint(w, "data: {\"delta\":\"lo\"}\n")
		fmt.Fprint(w, "data: {\"done\":true,\"content\":\"hello\",\"message_id\":\"m-9\"}\n")
	}))

	scanner, body, err := c.StreamChat(context.Background(), "conv-1", "hi")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer body.Close()

	var done bool
	for !done {
		ev, err := scanner.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if ev.Done {
			done = true
			if ev.Content != "hello" || ev.MessageID != "m-9" {
				t.Errorf("unexpected completion: %+v", ev)
			}
		}
	}
}

func TestUnconfiguredClientFails(t *testing.T) {
	c := NewClient("http://localhost:1", "")
	if c.IsConfigured() {
		t.Error("empty token should not be configured")
	}
	if _, err := c.CreateConversation(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}

func TestReachable(t *testing.T) {
	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	if !c.Reachable() {
		t.Error("running server should be reachable")
	}

	srv.Close()
	down := NewClient(srv.URL, "test-token").WithProbeTimeout(200 * time.Millisecond)
	if down.Reachable() {
		t.Error("closed server should not be reachable")
	}
}

func TestReadBodySizeCapBoundary(t *testing.T) {
	at := &http.Response{Body: io.NopCloser(bytes.NewReader(make([]byte, MaxResponseSize)))}
	body, err := readBody(at)
	if err != nil {
		t.Fatalf("body of exactly the cap should be accepted: %v", err)
	}
	if len(body) != MaxResponseSize {
		t.Errorf("expected %d bytes, got %d", MaxResponseSize, len(body))
	}

	over := &http.Response{Body: io.NopCloser(bytes.NewReader(make([]byte, MaxResponseSize+1)))}
	if _, err := readBody(over); err == nil {
		t.Fatal("expected oversize error")
	}
}
