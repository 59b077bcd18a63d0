package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/ideaheist/internal/model"
	"github.com/ashita-ai/ideaheist/internal/storage"
	"github.com/ashita-ai/ideaheist/internal/testutil"
	"github.com/ashita-ai/ideaheist/internal/tools"
)

type memRuns map[uuid.UUID]model.Run

func (m memRuns) GetRun(_ context.Context, id uuid.UUID) (model.Run, error) {
	r, ok := m[id]
	if !ok {
		return model.Run{}, fmt.Errorf("run %s: %w", id, storage.ErrNotFound)
	}
	return r, nil
}

func newTestServer(t *testing.T, runs memRuns) *Server {
	t.Helper()
	videos := testutil.NewMemVideos(model.Video{
		ID: "abc", Title: "I Survived 100 Days", ChannelID: "c1",
		PublishedAt: time.Now(), PerformanceRatio: 7,
	})
	reg, err := tools.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)),
		tools.NewVideoBundleTool(videos))
	require.NoError(t, err)
	return New(reg, runs, "test", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func callTool(t *testing.T, s *Server, name string, args map[string]any) *mcplib.CallToolResult {
	t.Helper()
	req := mcplib.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := s.toolHandler(name)(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	return res
}

func resultText(t *testing.T, res *mcplib.CallToolResult) string {
	t.Helper()
	tc, ok := res.Content[0].(mcplib.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestToolHandlerSuccess(t *testing.T) {
	s := newTestServer(t, memRuns{})
	res := callTool(t, s, tools.GetVideoBundle, map[string]any{"video_id": "abc"})
	assert.False(t, res.IsError)

	var bundle model.VideoBundle
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &bundle))
	assert.Equal(t, "I Survived 100 Days", bundle.Title)
}

func TestToolHandlerErrorsAreResults(t *testing.T) {
	s := newTestServer(t, memRuns{})

	res := callTool(t, s, tools.GetVideoBundle, map[string]any{})
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "invalid_input")

	res = callTool(t, s, tools.GetVideoBundle, map[string]any{"video_id": "nope"})
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "not found")
}

func TestParseRunURI(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		name    string
		uri     string
		wantErr bool
	}{
		{"valid", runURIPrefix + id.String(), false},
		{"wrong scheme", "other://runs/" + id.String(), true},
		{"empty id", runURIPrefix, true},
		{"not a uuid", runURIPrefix + "abc", true},
		{"trailing path", runURIPrefix + id.String() + "/events", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseRunURI(tt.uri)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, id, got)
		})
	}
}

func TestHandleRun(t *testing.T) {
	id := uuid.New()
	s := newTestServer(t, memRuns{id: {ID: id, VideoID: "abc", State: model.RunStateCompleted}})

	req := mcplib.ReadResourceRequest{}
	req.Params.URI = runURIPrefix + id.String()
	contents, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, contents, 1)
	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	assert.Contains(t, text.Text, `"state": "completed"`)

	req.Params.URI = runURIPrefix + uuid.NewString()
	_, err = s.handleRun(context.Background(), req)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInvestigatePrompt(t *testing.T) {
	s := newTestServer(t, memRuns{})

	req := mcplib.GetPromptRequest{}
	req.Params.Arguments = map[string]string{"video_id": "abc"}
	res, err := s.handleInvestigatePrompt(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	text := res.Messages[0].Content.(mcplib.TextContent).Text
	assert.Contains(t, text, `video_id="abc"`)
	assert.Contains(t, text, tools.ValidatePattern)

	req.Params.Arguments = map[string]string{}
	_, err = s.handleInvestigatePrompt(context.Background(), req)
	require.Error(t, err)
}
