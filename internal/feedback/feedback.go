// Package feedback normalizes per-question scores into one aggregate report.
// Normalization happens exactly once at the submission boundary so downstream
// consumers never chase optional fields.
package feedback

import (
	"strings"

	"github.com/rbright/viva/internal/exam"
)

const (
	// NeutralBand is the default band applied when no question was scored.
	NeutralBand = 5.0

	// skipPenaltyThreshold gates the skip penalty. The one-half cutoff is a
	// product policy carried over verbatim; see DESIGN.md before changing it.
	skipPenaltyThreshold = 0.5

	// skipPenaltyScale converts the skipped ratio into bands deducted.
	skipPenaltyScale = 2.0
)

var strengthKeywords = []string{
	"good", "strong", "clear", "wide", "varied", "accurate",
	"natural", "confident", "effective", "well",
}

var improvementKeywords = []string{
	"improve", "work on", "limited", "lack", "error", "errors",
	"hesita", "narrow", "practice", "avoid", "unclear", "try",
}

var defaultStrengths = []string{
	"You completed the speaking test and produced responses to work with.",
}

var defaultImprovements = []string{
	"Practice speaking at length to build fluency and confidence.",
}

const (
	defaultFluencyComment       = "Fluency was assessed across your responses."
	defaultLexicalComment       = "Vocabulary range was assessed across your responses."
	defaultGrammarComment       = "Grammatical range and accuracy were assessed across your responses."
	defaultPronunciationComment = "Pronunciation was assessed across your responses."
	defaultOverallComment       = "Overall performance reflects the average of your scored responses."
)

// Aggregate combines per-question feedback into one fully-populated report.
// Sub-scores average only over questions that received feedback; when none
// did, the neutral default band is used instead of averaging an empty set.
func Aggregate(questions []exam.Question, responses map[string]*exam.Response) exam.AggregateFeedback {
	var scored []*exam.QuestionFeedback
	skipped := 0
	for _, q := range questions {
		resp := responses[q.ID]
		if resp == nil {
			continue
		}
		if resp.Status == exam.StatusSkipped {
			skipped++
			continue
		}
		if resp.Feedback != nil {
			scored = append(scored, resp.Feedback)
		}
	}

	agg := exam.AggregateFeedback{}
	if len(scored) == 0 {
		agg.Fluency.Band = NeutralBand
		agg.Lexical.Band = NeutralBand
		agg.Grammar.Band = NeutralBand
		agg.Pronunciation.Band = NeutralBand
		agg.Overall.Band = NeutralBand
	} else {
		n := float64(len(scored))
		var fl, lx, gr, pr, ov float64
		for _, fb := range scored {
			fl += fb.Fluency.Band
			lx += fb.Lexical.Band
			gr += fb.Grammar.Band
			pr += fb.Pronunciation.Band
			ov += fb.Overall.Band
		}
		agg.Fluency.Band = exam.RoundBand(fl / n)
		agg.Lexical.Band = exam.RoundBand(lx / n)
		agg.Grammar.Band = exam.RoundBand(gr / n)
		agg.Pronunciation.Band = exam.RoundBand(pr / n)
		agg.Overall.Band = exam.RoundBand(ov / n)

		agg.Fluency.Comment = firstComment(scored, func(f *exam.QuestionFeedback) string { return f.Fluency.Comment })
		agg.Lexical.Comment = firstComment(scored, func(f *exam.QuestionFeedback) string { return f.Lexical.Comment })
		agg.Grammar.Comment = firstComment(scored, func(f *exam.QuestionFeedback) string { return f.Grammar.Comment })
		agg.Pronunciation.Comment = firstComment(scored, func(f *exam.QuestionFeedback) string { return f.Pronunciation.Comment })
		agg.Overall.Comment = firstComment(scored, func(f *exam.QuestionFeedback) string { return f.Overall.Comment })
	}

	if total := len(questions); total > 0 {
		ratio := float64(skipped) / float64(total)
		if ratio > skipPenaltyThreshold {
			penalty := exam.RoundBand(ratio * skipPenaltyScale)
			agg.Fluency.Band = applyPenalty(agg.Fluency.Band, penalty)
			agg.Lexical.Band = applyPenalty(agg.Lexical.Band, penalty)
			agg.Grammar.Band = applyPenalty(agg.Grammar.Band, penalty)
			agg.Pronunciation.Band = applyPenalty(agg.Pronunciation.Band, penalty)
			agg.Overall.Band = applyPenalty(agg.Overall.Band, penalty)
		}
	}

	agg.Strengths = Synthesize(scored, strengthKeywords, defaultStrengths)
	agg.Improvements = Synthesize(scored, improvementKeywords, defaultImprovements)
	return Normalize(agg)
}

// Normalize fills every empty field with an explicit default so the report
// is fully populated before it leaves the pipeline.
func Normalize(agg exam.AggregateFeedback) exam.AggregateFeedback {
	if agg.Fluency.Comment == "" {
		agg.Fluency.Comment = defaultFluencyComment
	}
	if agg.Lexical.Comment == "" {
		agg.Lexical.Comment = defaultLexicalComment
	}
	if agg.Grammar.Comment == "" {
		agg.Grammar.Comment = defaultGrammarComment
	}
	if agg.Pronunciation.Comment == "" {
		agg.Pronunciation.Comment = defaultPronunciationComment
	}
	if agg.Overall.Comment == "" {
		agg.Overall.Comment = defaultOverallComment
	}
	if len(agg.Strengths) == 0 {
		agg.Strengths = append([]string(nil), defaultStrengths...)
	}
	if len(agg.Improvements) == 0 {
		agg.Improvements = append([]string(nil), defaultImprovements...)
	}
	return agg
}

// Synthesize keyword-filters commentary sentences across the scored set,
// falling back to defaults so the report never shows an empty section.
func Synthesize(scored []*exam.QuestionFeedback, keywords, defaults []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, fb := range scored {
		for _, comment := range comments(fb) {
			for _, sentence := range splitSentences(comment) {
				if !matchesAny(sentence, keywords) {
					continue
				}
				key := strings.ToLower(sentence)
				if seen[key] {
					continue
				}
				seen[key] = true
				out = append(out, sentence)
				if len(out) >= 4 {
					return out
				}
			}
		}
	}
	if len(out) == 0 {
		return append([]string(nil), defaults...)
	}
	return out
}

func comments(fb *exam.QuestionFeedback) []string {
	if fb == nil {
		return nil
	}
	return []string{
		fb.Fluency.Comment,
		fb.Lexical.Comment,
		fb.Grammar.Comment,
		fb.Pronunciation.Comment,
		fb.Overall.Comment,
	}
}

func splitSentences(text string) []string {
	var out []string
	for _, raw := range strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == ';'
	}) {
		sentence := strings.TrimSpace(raw)
		if sentence != "" {
			out = append(out, sentence)
		}
	}
	return out
}

func matchesAny(sentence string, keywords []string) bool {
	lower := strings.ToLower(sentence)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func firstComment(scored []*exam.QuestionFeedback, pick func(*exam.QuestionFeedback) string) string {
	for _, fb := range scored {
		if comment := strings.TrimSpace(pick(fb)); comment != "" {
			return comment
		}
	}
	return ""
}

func applyPenalty(band, penalty float64) float64 {
	out := band - penalty
	if out < 0 {
		return 0
	}
	return out
}
