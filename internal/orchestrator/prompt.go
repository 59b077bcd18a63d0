package orchestrator

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/ideaheist/internal/model"
)

const systemPrompt = `You are a YouTube strategy analyst. Your job is to explain why one target video outperformed its channel, as a pattern other videos could reuse.

Work in steps:
1. Compare the target against the channel baseline you are given.
2. Use the search tools to find other high performers that share something with the target. search_titles matches wording, search_summaries matches concepts, search_thumbnails matches visual descriptions.
3. Form a pattern hypothesis: a specific, testable claim about what the target does that drives its performance.

Whenever you have a hypothesis, state it as a JSON object in your reply:
{"hypothesis": {"statement": "<the pattern>", "confidence": <0.0-1.0>, "evidence": [{"videoId": "<id>", "title": "<title>", "score": <similarity>}], "tags": ["<psychological or format tag>"]}}

Only give a confidence of %.2f or higher when the evidence from your searches supports the claim, and do not call further tools in that reply. Lower-confidence hypotheses are fine while you are still investigating; keep searching to firm them up. Be economical: every tool call and every token counts against a fixed budget.`

func buildSystemPrompt(completionThreshold float64) string {
	return fmt.Sprintf(systemPrompt, completionThreshold)
}

func buildUserPrompt(target model.VideoBundle, baseline []model.Video) string {
	var b strings.Builder
	b.WriteString("Target video:\n")
	fmt.Fprintf(&b, "- id: %s\n- title: %q\n- channel: %s\n- performance ratio vs channel baseline: %.2f\n",
		target.VideoID, target.Title, target.ChannelID, target.PerformanceRatio)
	if target.ViewCount > 0 {
		fmt.Fprintf(&b, "- views: %d\n", target.ViewCount)
	}
	if target.FormatType != "" {
		fmt.Fprintf(&b, "- format: %s\n", target.FormatType)
	}
	if len(target.TopicTags) > 0 {
		fmt.Fprintf(&b, "- topics: %s\n", strings.Join(target.TopicTags, ", "))
	}
	if target.ThumbnailURL != "" {
		fmt.Fprintf(&b, "- thumbnail: %s\n", target.ThumbnailURL)
	}

	if len(baseline) == 0 {
		b.WriteString("\nNo baseline videos are available for this channel.\n")
	} else {
		fmt.Fprintf(&b, "\nChannel baseline (%d recent videos):\n", len(baseline))
		for _, v := range baseline {
			fmt.Fprintf(&b, "- %s | ratio %.2f | %q\n", v.ID, v.PerformanceRatio, v.Title)
		}
	}
	b.WriteString("\nFind the pattern that explains the target's performance.")
	return b.String()
}

// nudgePrompt is sent when the model replies with neither tool calls nor a
// hypothesis confident enough to finish.
const nudgePrompt = `Continue the investigation: call a tool, or state your final hypothesis as the JSON object described in your instructions.`
