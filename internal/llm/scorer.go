package llm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ShayCichocki/loom/internal/delegation"
)

var (
	// ErrMalformedResponse is returned when a review has no SCORE line.
	ErrMalformedResponse = errors.New("malformed review response")
	// ErrScoreOutOfRange is returned when a score is outside 0-100.
	ErrScoreOutOfRange = errors.New("score out of range")
)

const scorerSystem = `You review work against acceptance criteria.
Reply in exactly this format:
SCORE: <integer 0-100>
FEEDBACK: <what must change for the work to meet every criterion, or "none">`

var (
	scorePattern    = regexp.MustCompile(`(?i)SCORE[:\s]+(\d+)(?:\s*/\s*100)?`)
	feedbackPattern = regexp.MustCompile(`(?is)FEEDBACK[:\s]+(.*)`)
)

// Scorer is a quality gate that asks a language model to grade outputs.
type Scorer struct {
	llm       Completer
	threshold float64
}

var _ delegation.QualityGate = (*Scorer)(nil)

// NewScorer creates a gate that passes outputs scoring at least threshold,
// where threshold is in [0, 1].
func NewScorer(c Completer, threshold float64) *Scorer {
	return &Scorer{llm: c, threshold: threshold}
}

// Score implements delegation.QualityGate. Empty outputs fail without a
// model call.
func (s *Scorer) Score(ctx context.Context, output string, criteria []string) (delegation.ScoreCard, error) {
	if strings.TrimSpace(output) == "" {
		return delegation.ScoreCard{Feedback: "output is empty"}, nil
	}

	text, err := s.llm.Complete(ctx, Request{
		System: scorerSystem,
		Prompt: buildReviewPrompt(output, criteria),
	})
	if err != nil {
		return delegation.ScoreCard{}, err
	}

	score, feedback, err := ParseReview(text)
	if err != nil {
		return delegation.ScoreCard{}, err
	}
	return delegation.ScoreCard{
		Score:    score,
		Passed:   score >= s.threshold,
		Feedback: feedback,
	}, nil
}

// ParseReview extracts the score, scaled to [0, 1], and the feedback from
// a review. Feedback of "none" is returned empty.
func ParseReview(text string) (float64, string, error) {
	m := scorePattern.FindStringSubmatch(text)
	if len(m) < 2 {
		return 0, "", ErrMalformedResponse
	}
	val, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, "", ErrMalformedResponse
	}
	if val < 0 || val > 100 {
		return 0, "", fmt.Errorf("%w: %d", ErrScoreOutOfRange, val)
	}

	var feedback string
	if fm := feedbackPattern.FindStringSubmatch(text); len(fm) == 2 {
		feedback = strings.TrimSpace(fm[1])
		if strings.EqualFold(feedback, "none") {
			feedback = ""
		}
	}
	return float64(val) / 100, feedback, nil
}

func buildReviewPrompt(output string, criteria []string) string {
	var sb strings.Builder
	sb.WriteString("Criteria:\n")
	if len(criteria) == 0 {
		sb.WriteString("- The work is complete and coherent.\n")
	}
	for _, c := range criteria {
		fmt.Fprintf(&sb, "- %s\n", c)
	}
	sb.WriteString("\nWork:\n")
	sb.WriteString(output)
	sb.WriteString("\n")
	return sb.String()
}
