package orchestrator

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/ashita-ai/ideaheist/internal/model"
)

// classicMaxConfidence caps the heuristic's confidence: it only notices
// surface features and should never read as a confident finding.
const classicMaxConfidence = 0.45

// titleFeature is one surface property of a title.
type titleFeature struct {
	name string
	has  func(title string) bool
}

var titleFeatures = []titleFeature{
	{"contains a number", func(t string) bool { return strings.IndexFunc(t, unicode.IsDigit) >= 0 }},
	{"is phrased as a question", func(t string) bool { return strings.Contains(t, "?") }},
	{"uses an all-caps word", hasShoutedWord},
	{"opens with how/why/what", func(t string) bool {
		first := strings.ToLower(strings.SplitN(strings.TrimSpace(t), " ", 2)[0])
		return first == "how" || first == "why" || first == "what"
	}},
	{"uses brackets or parentheses", func(t string) bool { return strings.ContainsAny(t, "[(") }},
}

func hasShoutedWord(t string) bool {
	for _, w := range strings.Fields(t) {
		letters := 0
		upper := true
		for _, r := range w {
			if unicode.IsLetter(r) {
				letters++
				if !unicode.IsUpper(r) {
					upper = false
				}
			}
		}
		if letters >= 3 && upper {
			return true
		}
	}
	return false
}

// Classic compares the target against its channel baseline and describes
// what sets it apart: performance lift, title features the baseline rarely
// uses, and topic tags the baseline does not share. It needs no model and
// cannot fail.
func Classic(target model.VideoBundle, baseline []model.Video) *model.Pattern {
	var findings []string
	confidence := 0.25

	median := medianRatio(baseline)
	if median > 0 && target.PerformanceRatio > 0 {
		lift := target.PerformanceRatio / median
		findings = append(findings, fmt.Sprintf("performs at %.1fx the channel's median baseline", lift))
		if lift >= 2 {
			confidence += 0.05
		}
	} else if target.PerformanceRatio > 0 {
		findings = append(findings, fmt.Sprintf("has a performance ratio of %.1f", target.PerformanceRatio))
	}

	var tags []string
	for _, f := range titleFeatures {
		if !f.has(target.Title) {
			continue
		}
		share := featureShare(baseline, f.has)
		if len(baseline) == 0 || share <= 0.34 {
			findings = append(findings, fmt.Sprintf("title %s (%.0f%% of baseline titles do)", f.name, share*100))
			tags = append(tags, strings.ReplaceAll(f.name, " ", "_"))
			confidence += 0.05
		}
	}

	if distinct := distinctTags(target.TopicTags, baseline); len(distinct) > 0 {
		findings = append(findings, "covers topics the baseline does not: "+strings.Join(distinct, ", "))
		confidence += 0.05
	}

	statement := "No distinguishing surface features found against the channel baseline."
	if len(findings) > 0 {
		statement = "Heuristic comparison: the video " + strings.Join(findings, "; ") + "."
	}

	evidence := []model.Evidence{{
		VideoID:          target.VideoID,
		Title:            target.Title,
		PerformanceRatio: target.PerformanceRatio,
		Source:           "target",
	}}
	top := append([]model.Video(nil), baseline...)
	sort.SliceStable(top, func(i, j int) bool { return top[i].PerformanceRatio > top[j].PerformanceRatio })
	for i := 0; i < len(top) && i < 3; i++ {
		evidence = append(evidence, model.Evidence{
			VideoID:          top[i].ID,
			Title:            top[i].Title,
			PerformanceRatio: top[i].PerformanceRatio,
			Source:           "baseline",
		})
	}

	return &model.Pattern{
		Statement:  statement,
		Confidence: min(confidence, classicMaxConfidence),
		Evidence:   evidence,
		Tags:       tags,
	}
}

func medianRatio(videos []model.Video) float64 {
	var ratios []float64
	for _, v := range videos {
		if v.PerformanceRatio > 0 {
			ratios = append(ratios, v.PerformanceRatio)
		}
	}
	if len(ratios) == 0 {
		return 0
	}
	sort.Float64s(ratios)
	n := len(ratios)
	if n%2 == 1 {
		return ratios[n/2]
	}
	return (ratios[n/2-1] + ratios[n/2]) / 2
}

func featureShare(videos []model.Video, has func(string) bool) float64 {
	if len(videos) == 0 {
		return 0
	}
	n := 0
	for _, v := range videos {
		if has(v.Title) {
			n++
		}
	}
	return float64(n) / float64(len(videos))
}

func distinctTags(tags []string, baseline []model.Video) []string {
	seen := make(map[string]bool)
	for _, v := range baseline {
		for _, t := range v.TopicTags {
			seen[strings.ToLower(t)] = true
		}
	}
	var out []string
	for _, t := range tags {
		if !seen[strings.ToLower(t)] {
			out = append(out, t)
		}
	}
	return out
}
