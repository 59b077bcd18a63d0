// Package mcp implements the Model Context Protocol server for ideaheist.
//
// It exposes the same tools the orchestrator hands to its model, so an
// operator or an external agent can run searches and validations directly,
// plus a resource for reading analysis runs and a prompt that walks an
// agent through a manual investigation.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/ideaheist/internal/ctxutil"
	"github.com/ashita-ai/ideaheist/internal/model"
	"github.com/ashita-ai/ideaheist/internal/recovery"
	"github.com/ashita-ai/ideaheist/internal/tools"
)

// RunReader looks up analysis runs.
type RunReader interface {
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
}

// Server wraps the MCP server around the tool registry.
type Server struct {
	mcpServer *mcpserver.MCPServer
	registry  *tools.Registry
	runs      RunReader
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all tools, resources, and prompts.
func New(registry *tools.Registry, runs RunReader, version string, logger *slog.Logger) *Server {
	s := &Server{
		registry: registry,
		runs:     runs,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"ideaheist",
		version,
		mcpserver.WithResourceCapabilities(false, false),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(false),
	)

	s.registerTools()
	s.registerResources()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	for _, t := range s.registry.Tools() {
		s.mcpServer.AddTool(t.Definition(), s.toolHandler(t.Name()))
	}
}

// toolHandler runs one registry tool. Failures come back as error results
// carrying the failure class, never as protocol errors.
func (s *Server) toolHandler(name string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		args, err := json.Marshal(request.GetArguments())
		if err != nil {
			return errorResult(fmt.Sprintf("%s: encode arguments: %v", name, err)), nil
		}
		out, err := s.registry.Execute(ctx, name, args)
		if err != nil {
			kind := recovery.Classify(err)
			s.logger.Info("mcp: tool failed", "tool", name, "client", ctxutil.ClientID(ctx), "kind", kind, "error", err)
			return errorResult(fmt.Sprintf("%s failed (%s): %v", name, kind, err)), nil
		}

		resultData, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return errorResult(fmt.Sprintf("%s: encode result: %v", name, err)), nil
		}
		return &mcplib.CallToolResult{
			Content: []mcplib.Content{
				mcplib.TextContent{Type: "text", Text: string(resultData)},
			},
		}, nil
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
