package orchestrator

import (
	"encoding/json"
	"strings"

	"github.com/ashita-ai/ideaheist/internal/llm"
	"github.com/ashita-ai/ideaheist/internal/model"
)

// hypothesisEnvelope is the marker the model uses to state a hypothesis:
// a JSON object with a top-level "hypothesis" key.
type hypothesisEnvelope struct {
	Hypothesis *rawHypothesis `json:"hypothesis"`
}

type rawHypothesis struct {
	Statement  string            `json:"statement"`
	Confidence float64           `json:"confidence"`
	Evidence   []json.RawMessage `json:"evidence"`
	Tags       []string          `json:"tags"`
}

// ParseHypothesis returns the last hypothesis object embedded in text.
// Evidence items may be full objects or bare video IDs. Confidence is
// clamped to [0, 1]; an empty statement is not a hypothesis.
func ParseHypothesis(text string) (model.Hypothesis, bool) {
	objs := llm.JSONObjects(text)
	for i := len(objs) - 1; i >= 0; i-- {
		var env hypothesisEnvelope
		if err := json.Unmarshal(objs[i], &env); err != nil || env.Hypothesis == nil {
			continue
		}
		raw := env.Hypothesis
		statement := strings.TrimSpace(raw.Statement)
		if statement == "" {
			continue
		}
		h := model.Hypothesis{
			Statement:  statement,
			Confidence: min(1, max(0, raw.Confidence)),
			Evidence:   []model.Evidence{},
			Tags:       raw.Tags,
		}
		seen := make(map[string]bool)
		for _, item := range raw.Evidence {
			ev, ok := parseEvidence(item)
			if !ok || seen[ev.VideoID] {
				continue
			}
			seen[ev.VideoID] = true
			ev.Source = "model"
			h.Evidence = append(h.Evidence, ev)
		}
		return h, true
	}
	return model.Hypothesis{}, false
}

func parseEvidence(raw json.RawMessage) (model.Evidence, bool) {
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		id = strings.TrimSpace(id)
		return model.Evidence{VideoID: id}, id != ""
	}
	var ev model.Evidence
	if err := json.Unmarshal(raw, &ev); err != nil {
		return model.Evidence{}, false
	}
	ev.VideoID = strings.TrimSpace(ev.VideoID)
	return ev, ev.VideoID != ""
}
