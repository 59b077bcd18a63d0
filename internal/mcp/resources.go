package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const runURIPrefix = "ideaheist://runs/"

func (s *Server) registerResources() {
	// ideaheist://runs/{id}: state and result of one analysis run.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			runURIPrefix+"{id}",
			"Analysis Run",
			mcplib.WithTemplateDescription("State, budget usage, and result of an analysis run"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleRun,
	)
}

func (s *Server) handleRun(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := parseRunURI(uri)
	if err != nil {
		return nil, err
	}

	run, err := s.runs.GetRun(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: get run: %w", err)
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal run: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// parseRunURI extracts the run ID from ideaheist://runs/{id}.
func parseRunURI(uri string) (uuid.UUID, error) {
	raw, ok := strings.CutPrefix(uri, runURIPrefix)
	if !ok || raw == "" || strings.Contains(raw, "/") {
		return uuid.Nil, fmt.Errorf("mcp: invalid run URI: %s", uri)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("mcp: invalid run id %q: %w", raw, err)
	}
	return id, nil
}
