package session

import (
	"strings"

	"phototheology/pkg/domain"
	"phototheology/pkg/scripture"
)

// AutoGrade is a grade computed without the host.
type AutoGrade struct {
	Correct  bool
	Points   int
	Feedback string
}

// AutoGrader grades a submission synchronously. It returns ErrNotGradable for
// prompts it cannot judge.
type AutoGrader interface {
	Grade(prompt domain.Prompt, payload map[string]any) (AutoGrade, error)
}

// KeyGrader compares answers against the key stored in the prompt data
// ("answer"). Multiple-choice payloads carry "choice"; scripture-lookup
// payloads carry "reference", which may be written in any alias form.
type KeyGrader struct{}

// Grade implements AutoGrader.
func (KeyGrader) Grade(prompt domain.Prompt, payload map[string]any) (AutoGrade, error) {
	key := prompt.Text("answer")
	if key == "" {
		return AutoGrade{}, ErrNotGradable
	}
	var correct bool
	switch prompt.Type {
	case domain.PromptMultipleChoice:
		correct = strings.EqualFold(domain.PayloadText(payload, "choice"), key)
	case domain.PromptScriptureLookup:
		correct = referenceMatches(key, domain.PayloadText(payload, "reference"))
	default:
		return AutoGrade{}, ErrNotGradable
	}
	if !correct {
		return AutoGrade{Feedback: "The answer was " + key + "."}, nil
	}
	return AutoGrade{Correct: true, Points: prompt.MaxPoints()}, nil
}

func referenceMatches(key, answer string) bool {
	want, ok := scripture.Parse(key)
	if !ok {
		return strings.EqualFold(strings.TrimSpace(key), strings.TrimSpace(answer))
	}
	for _, got := range scripture.Extract(answer) {
		if strings.EqualFold(got.String(), want.String()) {
			return true
		}
	}
	return false
}
