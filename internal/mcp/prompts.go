package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/ideaheist/internal/tools"
)

func (s *Server) registerPrompts() {
	// investigate-video: manual version of the orchestrator's workflow.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("investigate-video",
			mcplib.WithPromptDescription("Find the pattern that explains why a video outperformed its channel"),
			mcplib.WithArgument("video_id",
				mcplib.ArgumentDescription("YouTube video ID of the outperforming video"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleInvestigatePrompt,
	)
}

func (s *Server) handleInvestigatePrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	videoID := request.Params.Arguments["video_id"]
	if videoID == "" {
		return nil, fmt.Errorf("video_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Investigate why video %s outperformed", videoID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Explain why video %[1]s outperformed its channel baseline.

1. CALL %[2]s with video_id="%[1]s". Note the performance ratio and topic tags.

2. SEARCH for similar high performers from other channels:
   - %[3]s for title wording and structure
   - %[4]s for topic and premise
   - %[5]s for thumbnail composition
   Keep each query specific; every search costs budget.

3. STATE one pattern as a testable claim ("titles that promise a
   number-bounded challenge with a time limit").

4. CALL %[6]s with held-out videos you did not use to form the pattern.
   Keep the pattern only if most candidates match.`,
						videoID, tools.GetVideoBundle, tools.SearchTitles, tools.SearchSummaries,
						tools.SearchThumbnail, tools.ValidatePattern),
				},
			},
		},
	}, nil
}
