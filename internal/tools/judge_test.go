package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/ideaheist/internal/llm"
	"github.com/ashita-ai/ideaheist/internal/model"
	"github.com/ashita-ai/ideaheist/internal/recovery"
)

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		matches   bool
		rationale string
		wantErr   bool
	}{
		{"yes", "MATCH: yes\nRATIONALE: uses a number hook", true, "uses a number hook", false},
		{"no lowercase keys", "match: no\nrationale: unrelated topic", false, "unrelated topic", false},
		{"markdown bold", "**MATCH:** Yes.\n**RATIONALE:** same format", true, "same format", false},
		{"bold rationale", "MATCH: no\nRATIONALE: **no number in the title**", false, "no number in the title", false},
		{"preamble", "Sure!\nMATCH: true\nRATIONALE: fits", true, "fits", false},
		{"missing match", "RATIONALE: dunno", false, "", true},
		{"bad value", "MATCH: maybe\nRATIONALE: eh", false, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, r, err := ParseVerdict(tt.text)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, recovery.KindInvalidInput, recovery.Classify(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.matches, m)
			assert.Equal(t, tt.rationale, r)
		})
	}
}

type fakeCompleter struct {
	reply llm.Response
	err   error
	got   llm.Request
}

func (f *fakeCompleter) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	f.got = req
	return f.reply, f.err
}

func TestLLMJudgeUsesCheapTier(t *testing.T) {
	c := &fakeCompleter{reply: llm.Response{Text: "MATCH: yes\nRATIONALE: numbered challenge", Usage: llm.Usage{InputTokens: 50, OutputTokens: 9}}}
	v, err := NewLLMJudge(c).Judge(context.Background(), "numbered challenge titles", model.Video{ID: "a", Title: "7 Days", TopicTags: []string{"challenge"}})
	require.NoError(t, err)
	assert.True(t, v.Matches)
	assert.Equal(t, 59, v.Usage.Total())
	assert.Equal(t, llm.TierCheap, c.got.Tier)
	assert.Empty(t, c.got.Tools)
	assert.Contains(t, c.got.Messages[0].Content, "7 Days")
	assert.Contains(t, c.got.Messages[0].Content, "challenge")
}

func TestHeuristicJudge(t *testing.T) {
	v := model.Video{Title: "Budget Knife Showdown", TopicTags: []string{"knives", "budget"}}
	got, err := HeuristicJudge{}.Judge(context.Background(), "cheap budget knives compared", v)
	require.NoError(t, err)
	assert.True(t, got.Matches)
	assert.Equal(t, "shares budget, knives", got.Rationale)

	got, err = HeuristicJudge{MinShared: 3}.Judge(context.Background(), "cheap budget knives compared", v)
	require.NoError(t, err)
	assert.False(t, got.Matches)
}

func TestKeywords(t *testing.T) {
	kw := Keywords("The 30-Day Challenge: I tried THIS with knives!")
	assert.True(t, kw["challenge"])
	assert.True(t, kw["knives"])
	assert.True(t, kw["tried"])
	assert.False(t, kw["the"])
	assert.False(t, kw["this"])
	assert.False(t, kw["30"])
}
