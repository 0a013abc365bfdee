package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// Defaults for per-call limits.
const (
	DefaultDiscoveryTimeout  = 10 * time.Second
	DefaultInvocationTimeout = 30 * time.Second
	DefaultMaxResponseBytes  = 1 << 20
)

// CallOptions bounds a single JSON-RPC call.
type CallOptions struct {
	Timeout          time.Duration
	MaxResponseBytes int64
}

// Client speaks JSON-RPC 2.0 over HTTP POST to remote tool servers.
// It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	nextID     atomic.Int64
}

// NewClient creates a new tool-server client. The http.Client is shared
// across calls; per-call timeouts come from CallOptions.
func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		httpClient: &http.Client{},
		logger:     logger.With("component", "toolserver"),
	}
	c.nextID.Store(time.Now().UnixMilli())
	return c
}

// Call posts one JSON-RPC request to the server and returns the result value.
// The response body is size-capped: Content-Length is checked before the body
// is read, and the body read itself is byte-counted so lying servers cannot
// exceed the cap either.
func (c *Client) Call(ctx context.Context, server *ServerConfig, method string, params any, opts CallOptions) (json.RawMessage, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultInvocationTimeout
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = DefaultMaxResponseBytes
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	req := jsonrpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, server.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	if server.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+server.AuthToken)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, &TransportError{ServerID: server.ID, Err: ctx.Err()}
		}
		return nil, &TransportError{ServerID: server.ID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPStatusError{ServerID: server.ID, Status: resp.StatusCode}
	}

	if resp.ContentLength > opts.MaxResponseBytes {
		return nil, &ResponseTooLargeError{ServerID: server.ID, Actual: resp.ContentLength, Limit: opts.MaxResponseBytes}
	}

	payload, err := readCapped(resp.Body, opts.MaxResponseBytes)
	if err != nil {
		var tooLarge *errTooLarge
		if errors.As(err, &tooLarge) {
			return nil, &ResponseTooLargeError{ServerID: server.ID, Actual: tooLarge.read, Limit: opts.MaxResponseBytes}
		}
		return nil, &TransportError{ServerID: server.ID, Err: err}
	}

	var envelope jsonrpcEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, &TransportError{ServerID: server.ID, Err: fmt.Errorf("parse response: %w", err)}
	}

	// Servers that do not wrap their payload in a JSON-RPC envelope return
	// the whole body as the result.
	if envelope.JSONRPC != "2.0" {
		return payload, nil
	}
	if envelope.Error != nil {
		return nil, &ProtocolError{ServerID: server.ID, Code: envelope.Error.Code, Message: envelope.Error.Message}
	}
	if envelope.Result != nil {
		return envelope.Result, nil
	}
	return payload, nil
}

// ListTools discovers the server's tool manifest via tools/list.
func (c *Client) ListTools(ctx context.Context, server *ServerConfig, timeout time.Duration) (*ToolManifest, error) {
	if timeout <= 0 {
		timeout = DefaultDiscoveryTimeout
	}
	result, err := c.Call(ctx, server, "tools/list", nil, CallOptions{Timeout: timeout})
	if err != nil {
		return nil, err
	}
	var manifest ToolManifest
	if err := json.Unmarshal(result, &manifest); err != nil {
		return nil, &TransportError{ServerID: server.ID, Err: fmt.Errorf("parse manifest: %w", err)}
	}
	return &manifest, nil
}

// CallTool invokes one tool via tools/call and measures the round trip.
func (c *Client) CallTool(ctx context.Context, server *ServerConfig, name string, arguments any, opts CallOptions) (*ToolCallResult, error) {
	start := time.Now()
	result, err := c.Call(ctx, server, "tools/call", map[string]any{
		"name":      name,
		"arguments": arguments,
	}, opts)
	if err != nil {
		return nil, err
	}

	var parsed ToolCallResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		// Non-structured result: surface it as a single text block.
		parsed = ToolCallResult{Content: []ContentBlock{{Type: "text", Text: string(result)}}}
	}
	parsed.Elapsed = time.Since(start)
	return &parsed, nil
}

type errTooLarge struct{ read int64 }

func (e *errTooLarge) Error() string { return fmt.Sprintf("body exceeds %d bytes", e.read) }

// readCapped reads the body while counting bytes, aborting as soon as the
// running total passes the limit.
func readCapped(r io.Reader, limit int64) ([]byte, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if n > limit {
		return nil, &errTooLarge{read: n}
	}
	return buf.Bytes(), nil
}
