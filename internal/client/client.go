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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/tombee/warden/pkg/httpclient"
)

// maxResponseBody caps how much of a response body is read into memory.
const maxResponseBody = 32 * 1024 * 1024

// Client talks to the backing tool server's HTTP API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	authName   string
	authValue  string
	requestID  string
}

// New creates a new tool-server client for the given base URL.
func New(baseURL string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL: baseURL,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	// If no HTTP client set, build the standard transport stack. The retry
	// transport only retries idempotent methods, so the catalog GET gets
	// transparent transport retries while CallTool POSTs run exactly once:
	// the forwarder owns the invoke retry policy.
	if c.httpClient == nil {
		cfg := httpclient.DefaultConfig()
		httpClient, err := httpclient.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP client: %w", err)
		}
		c.httpClient = httpClient
	}

	return c, nil
}

// Option configures a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = client
		return nil
	}
}

// WithAPIKey authenticates requests with a bearer token.
func WithAPIKey(apiKey string) Option {
	return func(c *Client) error {
		if apiKey != "" {
			c.authName = "Authorization"
			c.authValue = "Bearer " + apiKey
		}
		return nil
	}
}

// WithAuthHeader authenticates requests with an arbitrary header.
func WithAuthHeader(name, value string) Option {
	return func(c *Client) error {
		c.authName = name
		c.authValue = value
		return nil
	}
}

// WithRequestID tags outgoing requests with an X-Request-ID header.
func (c *Client) WithRequestID(id string) *Client {
	clone := *c
	clone.requestID = id
	return &clone
}

// ToolDescriptor describes one tool the server exposes. Name and
// description pass through from the server; the schema stays opaque.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// toolListResponse accepts both a bare array and an object wrapper,
// whichever the server speaks.
type toolListResponse struct {
	Tools []ToolDescriptor `json:"tools"`
}

// Response is a tool invocation result: status and body verbatim.
type Response struct {
	Status int
	Body   []byte
}

// ListTools fetches the tool catalog from GET /tools.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	resp, err := c.do(ctx, http.MethodGet, "/tools", nil)
	if err != nil {
		return nil, err
	}

	if resp.Status < 200 || resp.Status >= 300 {
		return nil, &UpstreamError{Status: resp.Status, Body: resp.Body}
	}

	// Accept either {"tools":[...]} or a bare [...].
	var wrapper toolListResponse
	if err := json.Unmarshal(resp.Body, &wrapper); err == nil && wrapper.Tools != nil {
		return wrapper.Tools, nil
	}

	var tools []ToolDescriptor
	if err := json.Unmarshal(resp.Body, &tools); err != nil {
		return nil, fmt.Errorf("failed to decode tool catalog: %w", err)
	}
	return tools, nil
}

// CallTool posts a payload to POST /tools/{name} and returns the response
// verbatim. The payload is never interpreted. A non-2xx status is returned
// as a Response, not an error; transport failures are errors.
func (c *Client) CallTool(ctx context.Context, name string, payload json.RawMessage) (*Response, error) {
	var body io.Reader
	if len(payload) > 0 {
		body = bytes.NewReader(payload)
	}
	return c.do(ctx, http.MethodPost, "/tools/"+url.PathEscape(name), body)
}

// do performs one HTTP exchange and reads the body.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.requestID != "" {
		req.Header.Set("X-Request-ID", c.requestID)
	}
	c.addAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{
		Status: resp.StatusCode,
		Body:   respBody,
	}, nil
}

// addAuth adds the authentication header to the request if configured.
func (c *Client) addAuth(req *http.Request) {
	if c.authName != "" {
		req.Header.Set(c.authName, c.authValue)
	}
}
