package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"phototheology/internal/util"
	"phototheology/pkg/domain"
	"phototheology/pkg/store"
)

// Submission is the outcome of SubmitResponse.
type Submission struct {
	Response domain.Response `json:"response"`
	Prompt   domain.Prompt   `json:"-"`
	// First is false when the guest overwrote an earlier answer.
	First      bool `json:"first"`
	AutoGraded bool `json:"autoGraded"`
}

// SubmitResponse records a guest's answer to the event's active prompt. A
// second submission for the same prompt replaces the first and does not count
// as another round. Once an answer is graded it can no longer be replaced.
func (c *Coordinator) SubmitResponse(ctx context.Context, actor domain.Actor, promptID, guestID string, payload map[string]any) (Submission, error) {
	if !actor.IsHost() && actor.GuestID != guestID {
		return Submission{}, ErrForbidden
	}
	if len(payload) == 0 {
		return Submission{}, fmt.Errorf("%w: payload required", ErrInvalidInput)
	}
	prompt, ok, err := c.store.GetPrompt(ctx, promptID)
	if err != nil {
		return Submission{}, fmt.Errorf("get prompt: %w", err)
	}
	if !ok {
		return Submission{}, ErrPromptNotFound
	}
	guest, ok, err := c.store.GetGuest(ctx, guestID)
	if err != nil {
		return Submission{}, fmt.Errorf("get guest: %w", err)
	}
	if !ok {
		return Submission{}, ErrGuestNotFound
	}
	if guest.EventID != prompt.EventID {
		return Submission{}, ErrForbidden
	}
	event, err := c.getEvent(ctx, prompt.EventID)
	if err != nil {
		return Submission{}, err
	}
	if event.Status == domain.EventCompleted {
		return Submission{}, ErrEventCompleted
	}
	if !prompt.IsActive {
		return Submission{}, ErrPromptNotActive
	}

	resp, created, err := c.store.UpsertResponse(ctx, domain.Response{
		ID:          util.NewID(),
		PromptID:    prompt.ID,
		EventID:     prompt.EventID,
		GuestID:     guest.ID,
		Payload:     payload,
		SubmittedAt: c.now(),
	})
	if errors.Is(err, store.ErrAlreadyGraded) {
		return Submission{}, ErrAlreadyGraded
	}
	if err != nil {
		return Submission{}, fmt.Errorf("save response: %w", err)
	}
	if created {
		if _, err := c.store.IncrementGuest(ctx, guest.ID, store.GuestDelta{Rounds: 1}); err != nil {
			return Submission{}, fmt.Errorf("count round: %w", err)
		}
	}
	sub := Submission{Response: resp, Prompt: prompt, First: created}

	if c.grader != nil {
		grade, err := c.grader.Grade(prompt, payload)
		switch {
		case errors.Is(err, ErrNotGradable):
		case err != nil:
			c.logger.Warn("auto grade failed", "prompt_id", prompt.ID, "response_id", resp.ID, "err", err)
		default:
			res, err := c.applyGrade(ctx, resp.ID, store.Grade{
				IsCorrect: grade.Correct,
				Points:    grade.Points,
				Feedback:  grade.Feedback,
				GradedAt:  c.now(),
			})
			if err != nil {
				return Submission{}, err
			}
			sub.Response = res.Response
			sub.AutoGraded = true
		}
	}

	count, err := c.store.CountResponses(ctx, prompt.ID)
	if err != nil {
		c.logger.Warn("count responses failed", "prompt_id", prompt.ID, "err", err)
	}
	c.publish(ctx, domain.MsgResponseSubmitted, prompt.EventID, responseSubmitted{
		PromptID:      prompt.ID,
		GuestID:       guest.ID,
		ResponseCount: count,
	})
	return sub, nil
}

// GradeInput is a host's judgement of one response.
type GradeInput struct {
	IsCorrect bool
	Points    int
	Feedback  string
	// SubmittedAt pins the grade to the answer that was judged; a resubmitted
	// response then fails with ErrResponseChanged.
	SubmittedAt time.Time
}

// GradeResponse records a grade and moves the guest's score. Regrading moves
// the score only by the difference from the earlier grade. Grades are still
// accepted after the event completes so late free-text verdicts land.
func (c *Coordinator) GradeResponse(ctx context.Context, actor domain.Actor, responseID string, in GradeInput) (store.GradeResult, error) {
	if !actor.IsHost() {
		return store.GradeResult{}, ErrNotHost
	}
	if in.Points < 0 {
		return store.GradeResult{}, fmt.Errorf("%w: points must not be negative", ErrInvalidInput)
	}
	return c.applyGrade(ctx, responseID, store.Grade{
		IsCorrect: in.IsCorrect,
		Points:    in.Points,
		Feedback:  strings.TrimSpace(in.Feedback),
		GradedAt:  c.now(),
		Submitted: in.SubmittedAt,
	})
}

func (c *Coordinator) applyGrade(ctx context.Context, responseID string, grade store.Grade) (store.GradeResult, error) {
	res, err := c.store.ApplyGrade(ctx, responseID, grade)
	if errors.Is(err, store.ErrNotFound) {
		return store.GradeResult{}, ErrResponseNotFound
	}
	if errors.Is(err, store.ErrStaleGrade) {
		return store.GradeResult{}, ErrResponseChanged
	}
	if err != nil {
		return store.GradeResult{}, fmt.Errorf("apply grade: %w", err)
	}
	c.publish(ctx, domain.MsgScoreUpdate, res.Response.EventID, scoreUpdate{
		GuestID:      res.Guest.ID,
		ResponseID:   res.Response.ID,
		IsCorrect:    grade.IsCorrect,
		Points:       grade.Points,
		Score:        res.Guest.Score,
		CorrectCount: res.Guest.CorrectCount,
	})
	return res, nil
}

// AwardBonusPoints adds points outside grading. Negative points deduct.
func (c *Coordinator) AwardBonusPoints(ctx context.Context, actor domain.Actor, guestID string, points int, reason string) (domain.Guest, error) {
	if !actor.IsHost() {
		return domain.Guest{}, ErrNotHost
	}
	if points == 0 {
		return domain.Guest{}, fmt.Errorf("%w: points required", ErrInvalidInput)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "Bonus points"
	}
	guest, ok, err := c.store.GetGuest(ctx, guestID)
	if err != nil {
		return domain.Guest{}, fmt.Errorf("get guest: %w", err)
	}
	if !ok {
		return domain.Guest{}, ErrGuestNotFound
	}
	event, err := c.getEvent(ctx, guest.EventID)
	if err != nil {
		return domain.Guest{}, err
	}
	if event.Status == domain.EventCompleted {
		return domain.Guest{}, ErrEventCompleted
	}
	updated, err := c.store.IncrementGuest(ctx, guestID, store.GuestDelta{Score: points})
	if errors.Is(err, store.ErrNotFound) {
		return domain.Guest{}, ErrGuestNotFound
	}
	if err != nil {
		return domain.Guest{}, fmt.Errorf("award bonus: %w", err)
	}
	c.publish(ctx, domain.MsgBonusPoints, updated.EventID, bonusPoints{
		GuestID:     updated.ID,
		DisplayName: updated.DisplayName,
		Points:      points,
		Reason:      reason,
		Score:       updated.Score,
	})
	return updated, nil
}

// Responses lists the answers to a prompt for the host's grading view.
func (c *Coordinator) Responses(ctx context.Context, actor domain.Actor, promptID string) ([]domain.Response, error) {
	if !actor.IsHost() {
		return nil, ErrNotHost
	}
	if _, ok, err := c.store.GetPrompt(ctx, promptID); err != nil {
		return nil, fmt.Errorf("get prompt: %w", err)
	} else if !ok {
		return nil, ErrPromptNotFound
	}
	responses, err := c.store.ListResponses(ctx, promptID)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	return responses, nil
}

// Prompt returns one prompt with its grading material.
func (c *Coordinator) Prompt(ctx context.Context, promptID string) (domain.Prompt, error) {
	p, ok, err := c.store.GetPrompt(ctx, promptID)
	if err != nil {
		return domain.Prompt{}, fmt.Errorf("get prompt: %w", err)
	}
	if !ok {
		return domain.Prompt{}, ErrPromptNotFound
	}
	return p, nil
}

// Response returns one response.
func (c *Coordinator) Response(ctx context.Context, responseID string) (domain.Response, error) {
	r, ok, err := c.store.GetResponse(ctx, responseID)
	if err != nil {
		return domain.Response{}, fmt.Errorf("get response: %w", err)
	}
	if !ok {
		return domain.Response{}, ErrResponseNotFound
	}
	return r, nil
}

// Guest returns one guest.
func (c *Coordinator) Guest(ctx context.Context, guestID string) (domain.Guest, error) {
	g, ok, err := c.store.GetGuest(ctx, guestID)
	if err != nil {
		return domain.Guest{}, fmt.Errorf("get guest: %w", err)
	}
	if !ok {
		return domain.Guest{}, ErrGuestNotFound
	}
	return g, nil
}

// Leaderboard ranks the event's guests by score. Equal scores share a rank
// and are listed by join time, then guest id.
func (c *Coordinator) Leaderboard(ctx context.Context, eventID string) ([]domain.LeaderboardEntry, error) {
	if _, err := c.getEvent(ctx, eventID); err != nil {
		return nil, err
	}
	return c.leaderboard(ctx, eventID)
}

func (c *Coordinator) leaderboard(ctx context.Context, eventID string) ([]domain.LeaderboardEntry, error) {
	guests, err := c.store.ListGuests(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("list guests: %w", err)
	}
	return RankGuests(guests), nil
}

// RankGuests orders guests for display.
func RankGuests(guests []domain.Guest) []domain.LeaderboardEntry {
	sorted := append([]domain.Guest(nil), guests...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.JoinedAt.Equal(b.JoinedAt) {
			return a.JoinedAt.Before(b.JoinedAt)
		}
		return a.ID < b.ID
	})
	entries := make([]domain.LeaderboardEntry, 0, len(sorted))
	for i, g := range sorted {
		rank := i + 1
		if i > 0 && g.Score == sorted[i-1].Score {
			rank = entries[i-1].Rank
		}
		entries = append(entries, domain.LeaderboardEntry{
			Rank:         rank,
			GuestID:      g.ID,
			DisplayName:  g.DisplayName,
			Score:        g.Score,
			CorrectCount: g.CorrectCount,
			RoundsPlayed: g.RoundsPlayed,
		})
	}
	return entries
}
