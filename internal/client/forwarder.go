// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/warden/internal/toolserver"
)

// DefaultRequestTimeout bounds one forwarded invocation, separately from
// the supervisor's startup timeout.
const DefaultRequestTimeout = 30 * time.Second

// Ensurer provides a running endpoint. Satisfied by *toolserver.Supervisor.
type Ensurer interface {
	EnsureRunning(ctx context.Context) (toolserver.EndpointRecord, error)
}

// InvocationRecord summarizes one forwarded invocation for the history store.
type InvocationRecord struct {
	RequestID string
	Tool      string
	Status    int
	Duration  time.Duration
	Error     string
}

// Recorder persists invocation records. Satisfied by the history store.
type Recorder interface {
	RecordInvocation(ctx context.Context, rec InvocationRecord) error
}

// ForwarderOptions configures a Forwarder.
type ForwarderOptions struct {
	// RequestTimeout bounds each forwarded request. Defaults to 30s.
	RequestTimeout time.Duration

	// ClientOptions are applied to the underlying server client (auth).
	ClientOptions []Option

	// Recorder optionally persists invocations (nil disables history).
	Recorder Recorder

	// Tracer optionally wraps invocations in spans (nil disables tracing).
	Tracer trace.Tracer

	// Logger is used for structured logging (optional).
	Logger *slog.Logger
}

// Forwarder forwards tool invocations to the backing server, making it
// ready first. Transport failures get exactly one retry after a fresh
// EnsureRunning; upstream errors are returned verbatim and never retried.
type Forwarder struct {
	ensurer Ensurer
	opts    ForwarderOptions
	logger  *slog.Logger

	// clients caches one client per observed endpoint.
	mu      sync.Mutex
	clients map[string]*Client
}

// NewForwarder creates a forwarder in front of the given ensurer.
func NewForwarder(ensurer Ensurer, opts ForwarderOptions) *Forwarder {
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Forwarder{
		ensurer: ensurer,
		opts:    opts,
		logger:  logger.With("component", "forwarder"),
		clients: make(map[string]*Client),
	}
}

// Invoke forwards one tool invocation and returns the response verbatim.
func (f *Forwarder) Invoke(ctx context.Context, tool string, payload json.RawMessage) (*Response, error) {
	requestID := uuid.NewString()
	start := time.Now()

	var span trace.Span
	if f.opts.Tracer != nil {
		ctx, span = f.opts.Tracer.Start(ctx, "forwarder.invoke",
			trace.WithAttributes(
				attribute.String("tool", tool),
				attribute.String("request_id", requestID),
			))
		defer span.End()
	}

	resp, err := f.forward(ctx, requestID, func(ctx context.Context, c *Client) (*Response, error) {
		return c.CallTool(ctx, tool, payload)
	})

	if err == nil && (resp.Status < 200 || resp.Status >= 300) {
		// The server rejected the call. Its answer is authoritative:
		// never retried, body passed through untouched.
		err = &UpstreamError{Status: resp.Status, Body: resp.Body}
	}

	f.record(ctx, requestID, tool, resp, time.Since(start), err)

	if span != nil {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
			span.SetAttributes(attribute.Int("status", resp.Status))
		}
	}

	if err != nil {
		f.logger.Debug("invocation failed",
			"tool", tool,
			"request_id", requestID,
			"error", err,
		)
		return nil, err
	}

	f.logger.Debug("invocation forwarded",
		"tool", tool,
		"request_id", requestID,
		"status", resp.Status,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return resp, nil
}

// ListTools fetches the catalog through the same readiness and retry path
// as invocations.
func (f *Forwarder) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	var tools []ToolDescriptor

	_, err := f.forward(ctx, "", func(ctx context.Context, c *Client) (*Response, error) {
		list, listErr := c.ListTools(ctx)
		if listErr != nil {
			return nil, listErr
		}
		tools = list
		return &Response{Status: 200}, nil
	})
	if err != nil {
		return nil, err
	}

	return tools, nil
}

// forward runs one exchange with the ready server, retrying a transport
// failure at most once after a fresh EnsureRunning.
func (f *Forwarder) forward(ctx context.Context, requestID string, fn func(context.Context, *Client) (*Response, error)) (*Response, error) {
	rec, err := f.ensurer.EnsureRunning(ctx)
	if err != nil {
		return nil, &NotReadyError{Cause: err}
	}

	resp, err := f.exchange(ctx, rec.Endpoint(), requestID, fn)
	if err == nil {
		return resp, nil
	}
	if !isTransportError(err) {
		return nil, err
	}

	// The server may have died between the health probe and the request.
	// One fresh EnsureRunning, one retry; a second transport failure
	// surfaces as-is.
	f.logger.Debug("transport failure, re-ensuring server", "request_id", requestID, "error", err)

	rec, ensureErr := f.ensurer.EnsureRunning(ctx)
	if ensureErr != nil {
		return nil, &NotReadyError{Cause: ensureErr}
	}

	return f.exchange(ctx, rec.Endpoint(), requestID, fn)
}

// exchange performs one request against the endpoint under the request timeout.
func (f *Forwarder) exchange(ctx context.Context, endpoint, requestID string, fn func(context.Context, *Client) (*Response, error)) (*Response, error) {
	c, err := f.clientFor(endpoint)
	if err != nil {
		return nil, err
	}
	if requestID != "" {
		c = c.WithRequestID(requestID)
	}

	reqCtx, cancel := context.WithTimeout(ctx, f.opts.RequestTimeout)
	defer cancel()

	resp, err := fn(reqCtx, c)
	if err != nil {
		// An upstream rejection inside fn is final, not transport.
		if _, ok := err.(*UpstreamError); ok {
			return nil, err
		}
		return nil, classifyTransportError(err, f.opts.RequestTimeout)
	}
	return resp, nil
}

// clientFor returns the cached client for an endpoint, creating it on first use.
func (f *Forwarder) clientFor(endpoint string) (*Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[endpoint]; ok {
		return c, nil
	}
	c, err := New(endpoint, f.opts.ClientOptions...)
	if err != nil {
		return nil, err
	}
	f.clients[endpoint] = c
	return c, nil
}

// record persists the invocation outcome when a recorder is configured.
func (f *Forwarder) record(ctx context.Context, requestID, tool string, resp *Response, duration time.Duration, err error) {
	if f.opts.Recorder == nil {
		return
	}

	rec := InvocationRecord{
		RequestID: requestID,
		Tool:      tool,
		Duration:  duration,
	}
	if resp != nil {
		rec.Status = resp.Status
	}
	if err != nil {
		rec.Error = err.Error()
	}

	if recordErr := f.opts.Recorder.RecordInvocation(ctx, rec); recordErr != nil {
		f.logger.Warn("failed to record invocation", "request_id", requestID, "error", recordErr)
	}
}
