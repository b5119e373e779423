package feedback

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rbright/viva/internal/exam"
)

func questionSet(n int) []exam.Question {
	out := make([]exam.Question, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, exam.Question{ID: string(rune('a' + i)), Part: 1, Sequence: i + 1})
	}
	return out
}

func scoredResponse(questionID string, band float64, comment string) *exam.Response {
	sub := exam.SubScore{Band: band, Comment: comment}
	return &exam.Response{
		QuestionID: questionID,
		Status:     exam.StatusCompleted,
		Feedback: &exam.QuestionFeedback{
			Fluency: sub, Lexical: sub, Grammar: sub, Pronunciation: sub, Overall: sub,
		},
	}
}

func TestAggregateAveragesScoredQuestionsOnly(t *testing.T) {
	questions := questionSet(3)
	responses := map[string]*exam.Response{
		"a": scoredResponse("a", 6, "Good fluency overall"),
		"b": scoredResponse("b", 7, "Clear structure"),
		// "c" completed without feedback: excluded from the average.
		"c": {QuestionID: "c", Status: exam.StatusCompleted},
	}

	agg := Aggregate(questions, responses)
	require.InDelta(t, 6.5, agg.Overall.Band, 0.001)
	require.InDelta(t, 6.5, agg.Fluency.Band, 0.001)
}

func TestAggregateAllSkippedUsesNeutralDefault(t *testing.T) {
	questions := questionSet(2)
	responses := map[string]*exam.Response{
		"a": {QuestionID: "a", Status: exam.StatusSkipped, Transcript: exam.SkipTranscript},
		"b": {QuestionID: "b", Status: exam.StatusSkipped, Transcript: exam.SkipTranscript},
	}

	agg := Aggregate(questions, responses)

	// Both skipped: neutral band minus the full skip penalty, never NaN.
	want := NeutralBand - 2.0
	require.InDelta(t, want, agg.Overall.Band, 0.001)
	require.InDelta(t, want, agg.Fluency.Band, 0.001)
	require.NotEmpty(t, agg.Strengths)
	require.NotEmpty(t, agg.Improvements)
	require.NotEmpty(t, agg.Overall.Comment)
}

func TestAggregateNoResponsesStillNeutral(t *testing.T) {
	agg := Aggregate(questionSet(3), map[string]*exam.Response{})
	require.InDelta(t, NeutralBand, agg.Overall.Band, 0.001)
}

func TestSkipPenaltyOnlyBeyondHalf(t *testing.T) {
	questions := questionSet(4)

	// One of four skipped: no penalty.
	responses := map[string]*exam.Response{
		"a": scoredResponse("a", 6, ""),
		"b": scoredResponse("b", 6, ""),
		"c": scoredResponse("c", 6, ""),
		"d": {QuestionID: "d", Status: exam.StatusSkipped},
	}
	agg := Aggregate(questions, responses)
	require.InDelta(t, 6.0, agg.Overall.Band, 0.001)

	// Three of four skipped: penalty applies.
	responses = map[string]*exam.Response{
		"a": scoredResponse("a", 6, ""),
		"b": {QuestionID: "b", Status: exam.StatusSkipped},
		"c": {QuestionID: "c", Status: exam.StatusSkipped},
		"d": {QuestionID: "d", Status: exam.StatusSkipped},
	}
	agg = Aggregate(questions, responses)
	require.Less(t, agg.Overall.Band, 6.0)
	require.GreaterOrEqual(t, agg.Overall.Band, 0.0)
}

func TestSynthesizeFiltersByKeyword(t *testing.T) {
	fb := &exam.QuestionFeedback{
		Fluency: exam.SubScore{Comment: "Good pace throughout. Hesitation broke the flow at times."},
		Grammar: exam.SubScore{Comment: "Work on complex sentence structures."},
	}
	scored := []*exam.QuestionFeedback{fb}

	strengths := Synthesize(scored, strengthKeywords, defaultStrengths)
	require.Contains(t, strengths, "Good pace throughout")

	improvements := Synthesize(scored, improvementKeywords, defaultImprovements)
	require.Contains(t, improvements, "Hesitation broke the flow at times")
	require.Contains(t, improvements, "Work on complex sentence structures")
}

func TestSynthesizeFallsBackToDefaults(t *testing.T) {
	out := Synthesize(nil, strengthKeywords, defaultStrengths)
	require.Equal(t, defaultStrengths, out)
}

func TestNormalizePopulatesEveryField(t *testing.T) {
	agg := Normalize(exam.AggregateFeedback{})
	require.NotEmpty(t, agg.Fluency.Comment)
	require.NotEmpty(t, agg.Lexical.Comment)
	require.NotEmpty(t, agg.Grammar.Comment)
	require.NotEmpty(t, agg.Pronunciation.Comment)
	require.NotEmpty(t, agg.Overall.Comment)
	require.NotEmpty(t, agg.Strengths)
	require.NotEmpty(t, agg.Improvements)
}

func TestRoundBandIncrements(t *testing.T) {
	require.Equal(t, 6.5, exam.RoundBand(6.4))
	require.Equal(t, 6.0, exam.RoundBand(6.2))
	require.Equal(t, 9.0, exam.RoundBand(12))
	require.Equal(t, 0.0, exam.RoundBand(-1))
}
