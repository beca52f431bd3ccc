// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jeranaias/relaykit/internal/stream"
)

// Configuration constants for the chat backend API.
const (
	// DefaultTimeout is the default timeout for request/response calls.
	DefaultTimeout = 30 * time.Second

	// DefaultProbeTimeout is the dial timeout for the connectivity probe.
	DefaultProbeTimeout = 3 * time.Second

	// MaxResponseSize caps response bodies read into memory.
	MaxResponseSize = 10 * 1024 * 1024 // 10MB
)

var (
	// Shared HTTP client with connection pooling for request/response
	// calls. Streaming uses a separate client with no client timeout;
	// stream lifetime is controlled via context.
	sharedHTTPClient = &http.Client{
		Transport: newPooledTransport(),
		Timeout:   DefaultTimeout,
	}

	sharedStreamingClient = &http.Client{
		Transport: newPooledTransport(),
	}
)

func newPooledTransport() *http.Transport {
	return &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client is the HTTP implementation of Transport.
type Client struct {
	baseURL      string
	token        string
	timeout      time.Duration
	probeTimeout time.Duration

	// onUnauthorized, when set, is invoked once per 401 so the owning
	// session can invalidate stored credentials.
	onUnauthorized func()
}

// NewClient creates a transport client for the given backend base URL.
// The token is the bearer credential; an empty token makes every call fail
// with ErrNotConfigured.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		token:        strings.TrimSpace(token),
		timeout:      DefaultTimeout,
		probeTimeout: DefaultProbeTimeout,
	}
}

// WithTimeout sets the request timeout for request/response calls.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.timeout = d
	return c
}

// WithProbeTimeout sets the connectivity probe dial timeout.
func (c *Client) WithProbeTimeout(d time.Duration) *Client {
	c.probeTimeout = d
	return c
}

// WithUnauthorizedHook registers a callback invoked when the backend
// rejects the credential.
func (c *Client) WithUnauthorizedHook(fn func()) *Client {
	c.onUnauthorized = fn
	return c
}

// IsConfigured reports whether a token is set.
func (c *Client) IsConfigured() bool {
	return c.token != ""
}

// =============================================================================
// REQUEST/RESPONSE CALLS
// =============================================================================

// createConversationResponse is the wire shape of a conversation create.
type createConversationResponse struct {
	ID string `json:"id"`
}

// CreateConversation creates a new remote conversation.
func (c *Client) CreateConversation(ctx context.Context) (string, error) {
	if !c.IsConfigured() {
		return "", ErrNotConfigured
	}

	body, err := c.doJSON(ctx, http.MethodPost, "/v1/conversations", nil)
	if err != nil {
		return "", err
	}

	var resp createConversationResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("%w: missing conversation id", ErrMalformedResponse)
	}
	return resp.ID, nil
}

// messagesResponse is the wire shape of a history fetch.
type messagesResponse struct {
	Messages []RemoteMessage `json:"messages"`
}

// FetchMessages returns the message history for a conversation, oldest
// first.
func (c *Client) FetchMessages(ctx context.Context, conversationID string) ([]RemoteMessage, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}

	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	body, err := c.doJSON(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var resp messagesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	for i := range resp.Messages {
		resp.Messages[i].CreatedAt = time.UnixMilli(resp.Messages[i].CreatedAtMillis)
	}
	return resp.Messages, nil
}

// doJSON performs a request/response call and returns the response body.
func (c *Client) doJSON(ctx context.Context, method, path string, reqBody any) ([]byte, error) {
	var reader io.Reader
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	start := time.Now()
	resp, err := sharedHTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	log.Printf("transport: %s %s -> %d (%v)", method, path, resp.StatusCode, time.Since(start).Round(time.Millisecond))

	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, c.errorFromStatus(resp.StatusCode, body)
	}
	return body, nil
}

// =============================================================================
// STREAMING CHAT
// =============================================================================

// chatRequest is the wire shape of a streaming chat send.
type chatRequest struct {
	Message string `json:"message"`
}

// StreamChat sends text to a conversation and returns a scanner over the
// response event stream. The returned closer must be closed once the
// scanner is exhausted or abandoned.
func (c *Client) StreamChat(ctx context.Context, conversationID, text string) (*stream.Scanner, io.Closer, error) {
	if !c.IsConfigured() {
		return nil, nil, ErrNotConfigured
	}

	encoded, err := json.Marshal(chatRequest{Message: text})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/chat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := sharedStreamingClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := readBody(resp)
		resp.Body.Close()
		return nil, nil, c.errorFromStatus(resp.StatusCode, body)
	}
	log.Printf("transport: POST %s -> streaming", path)

	return stream.NewScanner(resp.Body), resp.Body, nil
}

// =============================================================================
// CONNECTIVITY PROBE
// =============================================================================

// Reachable dials the backend host to check connectivity. A failed probe
// gates queue flushes; it is cheaper than burning a full request timeout.
func (c *Client) Reachable() bool {
	parsed, err := url.Parse(c.baseURL)
	if err != nil || parsed.Host == "" {
		return false
	}

	host := parsed.Host
	if parsed.Port() == "" {
		if parsed.Scheme == "http" {
			host = net.JoinHostPort(parsed.Hostname(), "80")
		} else {
			host = net.JoinHostPort(parsed.Hostname(), "443")
		}
	}

	conn, err := net.DialTimeout("tcp", host, c.probeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// =============================================================================
// HELPERS
// =============================================================================

// apiErrorResponse is the error envelope the backend may return.
type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// errorFromStatus maps an HTTP error status to the transport error
// taxonomy.
func (c *Client) errorFromStatus(status int, body []byte) error {
	message := ""
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil {
		message = apiErr.Error.Message
	}

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		if c.onUnauthorized != nil {
			c.onUnauthorized()
		}
		if message != "" {
			return fmt.Errorf("%w: %s", ErrUnauthorized, message)
		}
		return ErrUnauthorized
	}

	return &ServerError{Status: status, Message: message}
}

// readBody reads a response body with a size cap. Reading one byte past
// the cap distinguishes a body of exactly MaxResponseSize, which is
// legal, from an oversized one.
func readBody(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

// setHeaders sets the headers common to all backend requests. The token
// is never logged.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "relaykit/0.1.0")
}
