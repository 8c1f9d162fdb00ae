package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"phototheology/pkg/domain"
)

// ErrBadVerdict means the model reply held no usable verdict.
var ErrBadVerdict = errors.New("model returned no usable verdict")

const graderSystemPrompt = `You grade answers given by guests during a live Bible study.
Judge the answer against the question and, when present, the reference answer and rubric.
Be generous with wording and spelling but strict about meaning.
Reply with a single JSON object and nothing else:
{"correct": true|false, "points": <integer from 0 to %d>, "feedback": "<one short encouraging sentence>"}`

// Verdict is the outcome of grading one answer.
type Verdict struct {
	Correct  bool   `json:"correct"`
	Points   int    `json:"points"`
	Feedback string `json:"feedback"`
}

// ResponseGrader grades free-text answers with a TextGenerator.
type ResponseGrader struct {
	gen TextGenerator
}

// NewResponseGrader builds a grader.
func NewResponseGrader(gen TextGenerator) *ResponseGrader {
	return &ResponseGrader{gen: gen}
}

// Grade asks the model for a verdict on answer. Points are clamped to
// [0, prompt.MaxPoints()].
func (g *ResponseGrader) Grade(ctx context.Context, prompt domain.Prompt, answer string) (Verdict, error) {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return Verdict{Feedback: "No answer was given."}, nil
	}
	if g == nil || g.gen == nil {
		return Verdict{}, errors.New("grader has no text generator")
	}
	maxPoints := prompt.MaxPoints()
	reply, err := g.gen.GenerateText(ctx, fmt.Sprintf(graderSystemPrompt, maxPoints), buildGradingPrompt(prompt, answer))
	if err != nil {
		return Verdict{}, fmt.Errorf("grade response: %w", err)
	}
	v, err := parseVerdict(reply)
	if err != nil {
		return Verdict{}, err
	}
	v.Points = min(max(v.Points, 0), maxPoints)
	v.Feedback = strings.TrimSpace(v.Feedback)
	return v, nil
}

func buildGradingPrompt(prompt domain.Prompt, answer string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n", prompt.Text("question"))
	if ref := prompt.Text("answer"); ref != "" {
		fmt.Fprintf(&b, "Reference answer: %s\n", ref)
	}
	if rubric := prompt.Text("rubric"); rubric != "" {
		fmt.Fprintf(&b, "Rubric: %s\n", rubric)
	}
	fmt.Fprintf(&b, "Maximum points: %d\n\n", prompt.MaxPoints())
	fmt.Fprintf(&b, "Guest answer:\n%s\n", answer)
	return b.String()
}

// parseVerdict accepts bare JSON or JSON wrapped in prose or code fences.
func parseVerdict(reply string) (Verdict, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return Verdict{}, ErrBadVerdict
	}
	var raw struct {
		Correct  *bool   `json:"correct"`
		Points   float64 `json:"points"`
		Feedback string  `json:"feedback"`
	}
	if err := json.Unmarshal([]byte(reply[start:end+1]), &raw); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrBadVerdict, err)
	}
	if raw.Correct == nil {
		return Verdict{}, fmt.Errorf("%w: missing correct", ErrBadVerdict)
	}
	return Verdict{
		Correct:  *raw.Correct,
		Points:   int(math.Round(raw.Points)),
		Feedback: raw.Feedback,
	}, nil
}
