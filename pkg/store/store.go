package store

import (
	"context"
	"errors"
	"time"

	"phototheology/pkg/domain"
)

var (
	// ErrNotFound is returned by mutations that address a missing row.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyGraded rejects overwriting a response that carries a grade.
	ErrAlreadyGraded = errors.New("response already graded")
	// ErrStaleGrade rejects a grade computed for an earlier submission.
	ErrStaleGrade = errors.New("response resubmitted since it was read")
)

// Store defines persistence for live-session events, prompts, guests and
// responses.
type Store interface {
	// events
	SaveEvent(ctx context.Context, e domain.Event) error
	GetEvent(ctx context.Context, id string) (domain.Event, bool, error)
	ListEvents(ctx context.Context) ([]domain.Event, error)

	// prompts
	SavePrompt(ctx context.Context, p domain.Prompt) error
	GetPrompt(ctx context.Context, id string) (domain.Prompt, bool, error)
	ListPrompts(ctx context.Context, eventID string) ([]domain.Prompt, error)
	// ActivatePrompt ends whichever prompt of the event is active and starts
	// promptID in one unit of work.
	ActivatePrompt(ctx context.Context, eventID, promptID string, at time.Time) error
	// DeactivatePrompts ends every active prompt of the event.
	DeactivatePrompts(ctx context.Context, eventID string, at time.Time) error

	// guests
	SaveGuest(ctx context.Context, g domain.Guest) error
	GetGuest(ctx context.Context, id string) (domain.Guest, bool, error)
	ListGuests(ctx context.Context, eventID string) ([]domain.Guest, error)
	// IncrementGuest adds the deltas atomically and returns the new row.
	IncrementGuest(ctx context.Context, id string, delta GuestDelta) (domain.Guest, error)

	// responses
	// UpsertResponse stores one response per (prompt, guest). The returned
	// bool is true when the row was created rather than overwritten. Graded
	// responses are not overwritten and yield ErrAlreadyGraded.
	UpsertResponse(ctx context.Context, r domain.Response) (domain.Response, bool, error)
	GetResponse(ctx context.Context, id string) (domain.Response, bool, error)
	ListResponses(ctx context.Context, promptID string) ([]domain.Response, error)
	CountResponses(ctx context.Context, promptID string) (int, error)
	// ApplyGrade records a grade on the response and moves the owning guest's
	// score and correct count by the difference from any previous grade.
	// A grade with Submitted set yields ErrStaleGrade once the response was
	// resubmitted.
	ApplyGrade(ctx context.Context, responseID string, grade Grade) (GradeResult, error)
}

// GuestDelta is an additive change to a guest's counters.
type GuestDelta struct {
	Score   int
	Correct int
	Rounds  int
}

// Grade is the outcome assigned to a response.
type Grade struct {
	IsCorrect bool
	Points    int
	Feedback  string
	GradedAt  time.Time
	// Submitted is the SubmittedAt of the answer that was judged. Zero skips
	// the check.
	Submitted time.Time
}

func staleGrade(r domain.Response, g Grade) bool {
	if g.Submitted.IsZero() {
		return false
	}
	// postgres keeps microseconds
	return !g.Submitted.Truncate(time.Microsecond).Equal(r.SubmittedAt.Truncate(time.Microsecond))
}

// GradeResult carries the rows after a grade was applied.
type GradeResult struct {
	Response domain.Response
	Guest    domain.Guest
	Delta    GuestDelta
}

// gradeDelta computes how far a regrade moves the guest counters.
func gradeDelta(prev domain.Response, next Grade) GuestDelta {
	var d GuestDelta
	if prev.Graded() {
		d.Score -= prev.PointsEarned
		if prev.IsCorrect != nil && *prev.IsCorrect {
			d.Correct--
		}
	}
	d.Score += next.Points
	if next.IsCorrect {
		d.Correct++
	}
	return d
}
