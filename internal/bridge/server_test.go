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

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/warden/internal/client"
)

type stubInvoker struct {
	tools     []client.ToolDescriptor
	listErr   error
	invokeErr error
	response  *client.Response

	lastTool    string
	lastPayload json.RawMessage
	invocations int
}

func (s *stubInvoker) Invoke(ctx context.Context, tool string, payload json.RawMessage) (*client.Response, error) {
	s.invocations++
	s.lastTool = tool
	s.lastPayload = payload
	if s.invokeErr != nil {
		return nil, s.invokeErr
	}
	return s.response, nil
}

func (s *stubInvoker) ListTools(ctx context.Context) ([]client.ToolDescriptor, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.tools, nil
}

func callRequest(tool string, args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")
	return text.Text
}

func TestNewServer_RequiresForwarder(t *testing.T) {
	_, err := NewServer(context.Background(), Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forwarder is required")
}

func TestNewServer_ListToolsFailure(t *testing.T) {
	stub := &stubInvoker{listErr: errors.New("connection refused")}

	_, err := NewServer(context.Background(), Config{Forwarder: stub})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list tools")
}

func TestNewServer_RegistersCatalog(t *testing.T) {
	stub := &stubInvoker{
		tools: []client.ToolDescriptor{
			{Name: "search", Description: "Search the index", InputSchema: json.RawMessage(`{"type":"object"}`)},
			{Name: "fetch", Description: "Fetch a document"},
		},
	}

	s, err := NewServer(context.Background(), Config{Forwarder: stub})
	require.NoError(t, err)
	assert.NotNil(t, s.mcpServer)
}

func TestHandler_ForwardsArguments(t *testing.T) {
	stub := &stubInvoker{
		response: &client.Response{Status: 200, Body: []byte(`{"hits":3}`)},
	}

	s, err := NewServer(context.Background(), Config{Forwarder: stub})
	require.NoError(t, err)

	handler := s.handlerFor("search")
	result, err := handler(context.Background(), callRequest("search", map[string]interface{}{
		"query": "golang",
		"limit": float64(10),
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, `{"hits":3}`, resultText(t, result))

	assert.Equal(t, "search", stub.lastTool)

	var args map[string]interface{}
	require.NoError(t, json.Unmarshal(stub.lastPayload, &args))
	assert.Equal(t, "golang", args["query"])
}

func TestHandler_EmptyArguments(t *testing.T) {
	stub := &stubInvoker{
		response: &client.Response{Status: 200, Body: []byte("ok")},
	}

	s, err := NewServer(context.Background(), Config{Forwarder: stub})
	require.NoError(t, err)

	handler := s.handlerFor("ping")
	result, err := handler(context.Background(), callRequest("ping", nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Nil(t, stub.lastPayload)
}

func TestHandler_InvocationError(t *testing.T) {
	stub := &stubInvoker{
		invokeErr: &client.UpstreamError{Status: 500, Body: []byte("boom")},
	}

	s, err := NewServer(context.Background(), Config{Forwarder: stub})
	require.NoError(t, err)

	handler := s.handlerFor("search")
	result, err := handler(context.Background(), callRequest("search", nil))

	// Tool failures surface as MCP error results, not protocol errors.
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandler_RateLimited(t *testing.T) {
	stub := &stubInvoker{
		response: &client.Response{Status: 200, Body: []byte("ok")},
	}

	s, err := NewServer(context.Background(), Config{
		Forwarder: stub,
		RateLimit: 1,
		RateBurst: 1,
	})
	require.NoError(t, err)

	handler := s.handlerFor("search")

	first, err := handler(context.Background(), callRequest("search", nil))
	require.NoError(t, err)
	assert.False(t, first.IsError)

	second, err := handler(context.Background(), callRequest("search", nil))
	require.NoError(t, err)
	assert.True(t, second.IsError)
	assert.Contains(t, resultText(t, second), "Rate limit exceeded")

	assert.Equal(t, 1, stub.invocations, "limited call must not reach the forwarder")
}

func TestOutcomeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"success", nil, "success"},
		{"not ready", &client.NotReadyError{Cause: errors.New("build failed")}, "not_ready"},
		{"timeout", &client.TimeoutError{Cause: errors.New("deadline exceeded")}, "timeout"},
		{"unreachable", &client.UnreachableError{Cause: errors.New("connection refused")}, "unreachable"},
		{"upstream", &client.UpstreamError{Status: 500}, "upstream_error"},
		{"other", errors.New("weird"), "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, outcomeFor(tt.err))
		})
	}
}
