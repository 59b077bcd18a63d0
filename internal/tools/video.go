package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/ideaheist/internal/recovery"
	"github.com/ashita-ai/ideaheist/internal/storage"
)

// VideoBundleTool fetches a video's metadata bundle.
type VideoBundleTool struct {
	videos VideoStore
}

// NewVideoBundleTool creates the get_video_bundle tool.
func NewVideoBundleTool(videos VideoStore) *VideoBundleTool {
	return &VideoBundleTool{videos: videos}
}

func (t *VideoBundleTool) Name() string { return GetVideoBundle }

func (t *VideoBundleTool) Definition() mcplib.Tool {
	return mcplib.NewTool(GetVideoBundle,
		mcplib.WithDescription(`Fetch one video's metadata: title, channel, performance ratio against the channel baseline, thumbnail URL, and topic tags.

A performance ratio of 1.0 is a typical video for the channel; 5.0 means five times the usual views.`),
		mcplib.WithReadOnlyHintAnnotation(true),
		mcplib.WithIdempotentHintAnnotation(true),
		mcplib.WithOpenWorldHintAnnotation(false),
		mcplib.WithString("video_id",
			mcplib.Description("YouTube video ID"),
			mcplib.Required(),
			mcplib.MinLength(1),
		),
	)
}

type videoBundleInput struct {
	VideoID string `json:"video_id"`
}

// Execute returns a model.VideoBundle. A missing video is invalid input
// that still matches storage.ErrNotFound.
func (t *VideoBundleTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	var in videoBundleInput
	if err := decode(GetVideoBundle, args, &in); err != nil {
		return nil, err
	}
	v, err := t.videos.GetVideo(ctx, in.VideoID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, recovery.WithKind(recovery.KindInvalidInput, err)
		}
		return nil, fmt.Errorf("tools: get_video_bundle: %w", err)
	}
	return v.Bundle(), nil
}
