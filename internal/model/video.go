package model

import "time"

// Video is a read-only record from the video corpus.
type Video struct {
	ID               string    `json:"videoId"`
	Title            string    `json:"title"`
	ChannelID        string    `json:"channelId"`
	ChannelName      string    `json:"channelName,omitempty"`
	ViewCount        int64     `json:"viewCount"`
	PublishedAt      time.Time `json:"publishedAt"`
	PerformanceRatio float64   `json:"performanceRatio"`
	ThumbnailURL     string    `json:"thumbnailUrl,omitempty"`
	TopicTags        []string  `json:"topicTags,omitempty"`
	FormatType       string    `json:"formatType,omitempty"`
	Summary          string    `json:"summary,omitempty"`
}

// VideoBundle is the get_video_bundle tool result.
type VideoBundle struct {
	VideoID          string   `json:"videoId"`
	Title            string   `json:"title"`
	ChannelID        string   `json:"channelId"`
	PerformanceRatio float64  `json:"performanceRatio"`
	ThumbnailURL     string   `json:"thumbnailUrl,omitempty"`
	TopicTags        []string `json:"topicTags,omitempty"`
	ViewCount        int64    `json:"viewCount,omitempty"`
	FormatType       string   `json:"formatType,omitempty"`
}

// Bundle projects a video onto the tool result shape.
func (v Video) Bundle() VideoBundle {
	return VideoBundle{
		VideoID:          v.ID,
		Title:            v.Title,
		ChannelID:        v.ChannelID,
		PerformanceRatio: v.PerformanceRatio,
		ThumbnailURL:     v.ThumbnailURL,
		TopicTags:        v.TopicTags,
		ViewCount:        v.ViewCount,
		FormatType:       v.FormatType,
	}
}

// SearchHit is one ranked semantic search result.
type SearchHit struct {
	VideoID string  `json:"videoId"`
	Title   string  `json:"title"`
	Score   float64 `json:"score"`
}

// PatternMatch is the per-video verdict from validate_pattern.
type PatternMatch struct {
	VideoID   string `json:"videoId"`
	Title     string `json:"title,omitempty"`
	Matches   bool   `json:"matches"`
	Rationale string `json:"rationale"`
}
