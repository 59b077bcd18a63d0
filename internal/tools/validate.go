package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/ideaheist/internal/llm"
	"github.com/ashita-ai/ideaheist/internal/model"
	"github.com/ashita-ai/ideaheist/internal/recovery"
)

// MaxCandidates bounds validate_pattern's candidate list.
const MaxCandidates = 20

// Verdict is a judge's decision for one video.
type Verdict struct {
	Matches   bool
	Rationale string
	Usage     llm.Usage
}

// PatternJudge decides whether a video exhibits a pattern.
type PatternJudge interface {
	Judge(ctx context.Context, statement string, v model.Video) (Verdict, error)
}

// ValidationReport is the validate_pattern result. Usage is the model
// tokens the judge spent, for the caller to charge to its budget.
type ValidationReport struct {
	Results []model.PatternMatch `json:"results"`
	Usage   llm.Usage            `json:"usage"`
}

// ValidatePatternTool checks a pattern statement against candidate videos.
type ValidatePatternTool struct {
	videos      VideoStore
	judge       PatternJudge
	concurrency int
}

// NewValidatePatternTool creates the validate_pattern tool. Candidates are
// judged concurrently, at most concurrency at a time.
func NewValidatePatternTool(videos VideoStore, judge PatternJudge, concurrency int) *ValidatePatternTool {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &ValidatePatternTool{videos: videos, judge: judge, concurrency: concurrency}
}

func (t *ValidatePatternTool) Name() string { return ValidatePattern }

func (t *ValidatePatternTool) Definition() mcplib.Tool {
	return mcplib.NewTool(ValidatePattern,
		mcplib.WithDescription(`Check whether each candidate video exhibits a pattern. Returns one verdict per video, in candidate order, with a one-sentence rationale.

Use held-out videos that were not used to form the pattern.`),
		mcplib.WithReadOnlyHintAnnotation(true),
		mcplib.WithOpenWorldHintAnnotation(false),
		mcplib.WithString("pattern_statement",
			mcplib.Description("The pattern, stated as a testable claim about a video"),
			mcplib.Required(),
			mcplib.MinLength(1),
		),
		mcplib.WithArray("candidate_video_ids",
			mcplib.Description("Video IDs to check"),
			mcplib.Required(),
			mcplib.Items(map[string]any{"type": "string", "minLength": 1}),
			mcplib.MinItems(1),
			mcplib.MaxItems(MaxCandidates),
		),
	)
}

type validateInput struct {
	PatternStatement  string   `json:"pattern_statement"`
	CandidateVideoIDs []string `json:"candidate_video_ids"`
}

// Execute returns a ValidationReport. Candidates missing from the corpus get
// a non-matching verdict rather than failing the call.
func (t *ValidatePatternTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	var in validateInput
	if err := decode(ValidatePattern, args, &in); err != nil {
		return nil, err
	}
	ids := dedupe(in.CandidateVideoIDs)

	videos, err := t.videos.GetVideos(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("tools: validate_pattern: fetch candidates: %w", err)
	}
	byID := make(map[string]model.Video, len(videos))
	for _, v := range videos {
		byID[v.ID] = v
	}

	results := make([]model.PatternMatch, len(ids))
	var (
		mu    sync.Mutex
		usage llm.Usage
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.concurrency)
	for i, id := range ids {
		v, ok := byID[id]
		if !ok {
			results[i] = model.PatternMatch{VideoID: id, Matches: false, Rationale: "video not found"}
			continue
		}
		g.Go(func() error {
			verdict, err := t.judge.Judge(gctx, in.PatternStatement, v)
			if err != nil {
				return fmt.Errorf("tools: validate_pattern: judge %s: %w", v.ID, err)
			}
			results[i] = model.PatternMatch{VideoID: v.ID, Title: v.Title, Matches: verdict.Matches, Rationale: verdict.Rationale}
			mu.Lock()
			usage.InputTokens += verdict.Usage.InputTokens
			usage.OutputTokens += verdict.Usage.OutputTokens
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ValidationReport{Results: results, Usage: usage}, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// Completer is the part of the Model Router the LLM judge needs.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (llm.Response, error)
}

// LLMJudge asks a cheap classification model for a verdict.
type LLMJudge struct {
	llm Completer
}

// NewLLMJudge creates a judge backed by the cheap_classification tier.
func NewLLMJudge(c Completer) *LLMJudge {
	return &LLMJudge{llm: c}
}

const judgeSystem = `You judge whether a YouTube video exhibits a stated pattern.
Answer in exactly two lines:
MATCH: yes or no
RATIONALE: one sentence`

func (j *LLMJudge) Judge(ctx context.Context, statement string, v model.Video) (Verdict, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Pattern: %s\n\nVideo title: %s\n", statement, v.Title)
	if len(v.TopicTags) > 0 {
		fmt.Fprintf(&b, "Topic tags: %s\n", strings.Join(v.TopicTags, ", "))
	}
	if v.FormatType != "" {
		fmt.Fprintf(&b, "Format: %s\n", v.FormatType)
	}
	if v.Summary != "" {
		fmt.Fprintf(&b, "Summary: %s\n", v.Summary)
	}
	fmt.Fprintf(&b, "Performance ratio: %.2f\n", v.PerformanceRatio)

	resp, err := j.llm.Complete(ctx, llm.Request{
		System:    judgeSystem,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: b.String()}},
		Tier:      llm.TierCheap,
		MaxTokens: 200,
	})
	if err != nil {
		return Verdict{}, err
	}
	matches, rationale, err := ParseVerdict(resp.Text)
	if err != nil {
		return Verdict{}, err
	}
	return Verdict{Matches: matches, Rationale: rationale, Usage: resp.Usage}, nil
}

// ParseVerdict reads the MATCH:/RATIONALE: reply format. Anything else is
// invalid input.
func ParseVerdict(text string) (bool, string, error) {
	var (
		matches, haveMatch bool
		rationale          string
	)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch strings.ToUpper(strings.Trim(strings.TrimSpace(key), "*")) {
		case "MATCH":
			switch strings.ToLower(strings.Trim(val, "*. ")) {
			case "yes", "true":
				matches, haveMatch = true, true
			case "no", "false":
				matches, haveMatch = false, true
			default:
				return false, "", recovery.InvalidInput("tools: judge: unrecognised MATCH value %q", val)
			}
		case "RATIONALE":
			rationale = strings.TrimSpace(strings.Trim(val, "* "))
		}
	}
	if !haveMatch {
		return false, "", recovery.InvalidInput("tools: judge: reply has no MATCH line")
	}
	return matches, rationale, nil
}

// HeuristicJudge matches on keyword overlap between the pattern and the
// video's title, tags, and summary. Used when no model is configured and by
// the classic fallback path.
type HeuristicJudge struct {
	// MinShared is the number of shared keywords needed for a match.
	MinShared int
}

func (h HeuristicJudge) Judge(_ context.Context, statement string, v model.Video) (Verdict, error) {
	minShared := h.MinShared
	if minShared <= 0 {
		minShared = 2
	}
	want := Keywords(statement)
	have := Keywords(v.Title + " " + strings.Join(v.TopicTags, " ") + " " + v.FormatType + " " + v.Summary)

	var shared []string
	for w := range want {
		if have[w] {
			shared = append(shared, w)
		}
	}
	sort.Strings(shared)
	if len(shared) >= minShared {
		return Verdict{Matches: true, Rationale: "shares " + strings.Join(shared, ", ")}, nil
	}
	if len(shared) == 0 {
		return Verdict{Rationale: "no shared keywords"}, nil
	}
	return Verdict{Rationale: "only shares " + strings.Join(shared, ", ")}, nil
}

var stopwords = map[string]bool{
	"the": true, "and": true, "that": true, "with": true, "this": true, "from": true,
	"have": true, "video": true, "videos": true, "title": true, "titles": true,
	"their": true, "they": true, "which": true, "what": true, "when": true, "your": true,
	"into": true, "than": true, "then": true, "them": true, "uses": true, "using": true,
}

// Keywords returns the lowercased words of s longer than three characters,
// minus common stopwords.
func Keywords(s string) map[string]bool {
	out := make(map[string]bool)
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return (r < 'a' || r > 'z') && (r < '0' || r > '9')
	}) {
		if len(f) > 3 && !stopwords[f] {
			out[f] = true
		}
	}
	return out
}
