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

// Package bridge exposes the backing tool server's catalog over MCP
// stdio. Each catalog tool becomes an MCP tool whose calls go through
// the forwarder's readiness and retry path.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/time/rate"

	"github.com/tombee/warden/internal/client"
	"github.com/tombee/warden/internal/tracing"
)

// Invoker forwards tool invocations. Satisfied by *client.Forwarder.
type Invoker interface {
	Invoke(ctx context.Context, tool string, payload json.RawMessage) (*client.Response, error)
	ListTools(ctx context.Context) ([]client.ToolDescriptor, error)
}

// Config configures the bridge server.
type Config struct {
	// Name is the advertised MCP server name (default: "warden").
	Name string

	// Version is the advertised server version.
	Version string

	// Forwarder handles catalog listing and invocations.
	Forwarder Invoker

	// RateLimit caps forwarded invocations per second. Zero disables
	// limiting.
	RateLimit float64

	// RateBurst is the limiter burst size (default: 5 when limiting).
	RateBurst int

	// MetricsAddr optionally serves Prometheus metrics (e.g. ":9090").
	MetricsAddr string

	// MetricsHandler serves the metrics endpoint (required when
	// MetricsAddr is set).
	MetricsHandler http.Handler

	// Metrics optionally records invocation metrics (nil-safe).
	Metrics *tracing.Metrics

	// Logger is used for structured logging (stderr; stdout carries
	// the MCP protocol).
	Logger *slog.Logger
}

// Server bridges MCP stdio clients to the backing tool server.
type Server struct {
	mcpServer *server.MCPServer
	cfg       Config
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// NewServer creates the bridge and registers the backing server's
// catalog as MCP tools. Listing the catalog forces the backing server
// up before the bridge accepts its first call.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.Forwarder == nil {
		return nil, fmt.Errorf("bridge: forwarder is required")
	}
	if cfg.Name == "" {
		cfg.Name = "warden"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 5
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	s := &Server{
		mcpServer: server.NewMCPServer(cfg.Name, cfg.Version),
		cfg:       cfg,
		limiter:   limiter,
		logger:    logger.With("component", "bridge"),
	}

	if err := s.registerTools(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

// registerTools mirrors the backing server's catalog into MCP tools.
func (s *Server) registerTools(ctx context.Context) error {
	tools, err := s.cfg.Forwarder.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tools: %w", err)
	}

	for _, desc := range tools {
		tool := mcp.Tool{
			Name:        desc.Name,
			Description: desc.Description,
		}
		if len(desc.InputSchema) > 0 {
			tool.RawInputSchema = desc.InputSchema
		} else {
			tool.InputSchema = mcp.ToolInputSchema{
				Type:       "object",
				Properties: map[string]interface{}{},
			}
		}

		s.mcpServer.AddTool(tool, s.handlerFor(desc.Name))
		s.logger.Debug("registered tool", "tool", desc.Name)
	}

	s.logger.Info("catalog registered", "tools", len(tools))
	return nil
}

// handlerFor builds the MCP handler forwarding one named tool.
func (s *Server) handlerFor(tool string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if s.limiter != nil && !s.limiter.Allow() {
			return mcp.NewToolResultError("Rate limit exceeded. Please try again later."), nil
		}

		var payload json.RawMessage
		if args := request.GetArguments(); len(args) > 0 {
			data, err := json.Marshal(args)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("Invalid arguments: %v", err)), nil
			}
			payload = data
		}

		start := time.Now()
		resp, err := s.cfg.Forwarder.Invoke(ctx, tool, payload)
		s.cfg.Metrics.RecordInvocation(ctx, tool, outcomeFor(err), time.Since(start))

		if err != nil {
			s.logger.Warn("invocation failed", "tool", tool, "error", err)
			return mcp.NewToolResultError(err.Error()), nil
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.NewTextContent(string(resp.Body)),
			},
		}, nil
	}
}

// outcomeFor maps an invocation error to a metrics outcome label.
func outcomeFor(err error) string {
	if err == nil {
		return "success"
	}

	var notReady *client.NotReadyError
	var timeout *client.TimeoutError
	var unreachable *client.UnreachableError
	var upstream *client.UpstreamError

	switch {
	case errors.As(err, &notReady):
		return "not_ready"
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &unreachable):
		return "unreachable"
	case errors.As(err, &upstream):
		return "upstream_error"
	default:
		return "error"
	}
}

// Run serves MCP over stdio until the client disconnects. When a
// metrics address is configured the Prometheus endpoint runs alongside.
func (s *Server) Run(ctx context.Context) error {
	var metricsSrv *http.Server
	if s.cfg.MetricsAddr != "" && s.cfg.MetricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.cfg.MetricsHandler)
		metricsSrv = &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux}

		go func() {
			s.logger.Info("metrics listener started", "addr", s.cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("metrics listener failed", "error", err)
			}
		}()
	}

	s.logger.Info("bridge started", "name", s.cfg.Name, "version", s.cfg.Version)
	err := server.ServeStdio(s.mcpServer)

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		metricsSrv.Shutdown(shutdownCtx)
	}

	if err != nil {
		return fmt.Errorf("bridge server error: %w", err)
	}
	return nil
}
