package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"phototheology/pkg/domain"
)

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestGormStoreContract(t *testing.T) {
	dsn := os.Getenv("GUESTHOUSE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("GUESTHOUSE_TEST_DATABASE_URL not set")
	}
	s, err := NewGormStore(dsn)
	if err != nil {
		t.Fatalf("new gorm store: %v", err)
	}
	runStoreContract(t, s)
}

func runStoreContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	event := domain.Event{
		ID:        uuid.NewString(),
		Title:     "Friday guesthouse",
		Status:    domain.EventScheduled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.SaveEvent(ctx, event); err != nil {
		t.Fatalf("save event: %v", err)
	}
	got, ok, err := s.GetEvent(ctx, event.ID)
	if err != nil || !ok {
		t.Fatalf("get event: ok=%v err=%v", ok, err)
	}
	if got.Title != event.Title || got.Status != domain.EventScheduled {
		t.Fatalf("unexpected event: %+v", got)
	}
	if _, ok, err := s.GetEvent(ctx, uuid.NewString()); err != nil || ok {
		t.Fatalf("missing event lookup: ok=%v err=%v", ok, err)
	}

	var promptIDs []string
	for i := 1; i <= 3; i++ {
		p := domain.Prompt{
			ID:        uuid.NewString(),
			EventID:   event.ID,
			Type:      domain.PromptMultipleChoice,
			Sequence:  i,
			Data:      map[string]any{"question": "q", "answer": "b"},
			CreatedAt: now,
		}
		if err := s.SavePrompt(ctx, p); err != nil {
			t.Fatalf("save prompt: %v", err)
		}
		promptIDs = append(promptIDs, p.ID)
	}

	t.Run("activation keeps a single active prompt", func(t *testing.T) {
		for _, id := range promptIDs {
			if err := s.ActivatePrompt(ctx, event.ID, id, time.Now()); err != nil {
				t.Fatalf("activate %s: %v", id, err)
			}
			prompts, err := s.ListPrompts(ctx, event.ID)
			if err != nil {
				t.Fatalf("list prompts: %v", err)
			}
			active := 0
			for _, p := range prompts {
				if p.IsActive {
					active++
					if p.ID != id {
						t.Fatalf("wrong prompt active: %s, want %s", p.ID, id)
					}
				}
			}
			if active != 1 {
				t.Fatalf("active prompts = %d, want 1", active)
			}
		}
		if err := s.ActivatePrompt(ctx, event.ID, uuid.NewString(), time.Now()); err != ErrNotFound {
			t.Fatalf("activate unknown prompt err = %v, want ErrNotFound", err)
		}
		if err := s.DeactivatePrompts(ctx, event.ID, time.Now()); err != nil {
			t.Fatalf("deactivate: %v", err)
		}
		prompts, _ := s.ListPrompts(ctx, event.ID)
		for i, p := range prompts {
			if p.IsActive {
				t.Fatalf("prompt %s still active", p.ID)
			}
			if p.Sequence != i+1 {
				t.Fatalf("prompts out of order: %+v", prompts)
			}
		}
	})

	guest := domain.Guest{
		ID:          uuid.NewString(),
		EventID:     event.ID,
		DisplayName: "Ruth",
		JoinedAt:    now,
	}
	if err := s.SaveGuest(ctx, guest); err != nil {
		t.Fatalf("save guest: %v", err)
	}

	t.Run("resubmission overwrites", func(t *testing.T) {
		first, created, err := s.UpsertResponse(ctx, domain.Response{
			ID:          uuid.NewString(),
			PromptID:    promptIDs[0],
			EventID:     event.ID,
			GuestID:     guest.ID,
			Payload:     map[string]any{"choice": "a"},
			SubmittedAt: now,
		})
		if err != nil || !created {
			t.Fatalf("first upsert: created=%v err=%v", created, err)
		}
		second, created, err := s.UpsertResponse(ctx, domain.Response{
			ID:          uuid.NewString(),
			PromptID:    promptIDs[0],
			EventID:     event.ID,
			GuestID:     guest.ID,
			Payload:     map[string]any{"choice": "b"},
			SubmittedAt: now.Add(time.Second),
		})
		if err != nil || created {
			t.Fatalf("second upsert: created=%v err=%v", created, err)
		}
		if second.ID != first.ID {
			t.Fatalf("resubmission changed id: %s -> %s", first.ID, second.ID)
		}
		n, err := s.CountResponses(ctx, promptIDs[0])
		if err != nil || n != 1 {
			t.Fatalf("count = %d err=%v, want 1", n, err)
		}
		stored, ok, err := s.GetResponse(ctx, first.ID)
		if err != nil || !ok {
			t.Fatalf("get response: ok=%v err=%v", ok, err)
		}
		if stored.Payload["choice"] != "b" {
			t.Fatalf("payload not overwritten: %+v", stored.Payload)
		}
	})

	t.Run("regrade moves score by the difference", func(t *testing.T) {
		responses, err := s.ListResponses(ctx, promptIDs[0])
		if err != nil || len(responses) != 1 {
			t.Fatalf("list responses: %v %+v", err, responses)
		}
		id := responses[0].ID
		res, err := s.ApplyGrade(ctx, id, Grade{IsCorrect: true, Points: 10, GradedAt: time.Now()})
		if err != nil {
			t.Fatalf("grade: %v", err)
		}
		if res.Guest.Score != 10 || res.Guest.CorrectCount != 1 {
			t.Fatalf("after first grade: %+v", res.Guest)
		}
		res, err = s.ApplyGrade(ctx, id, Grade{IsCorrect: false, Points: 2, GradedAt: time.Now()})
		if err != nil {
			t.Fatalf("regrade: %v", err)
		}
		if res.Guest.Score != 2 || res.Guest.CorrectCount != 0 {
			t.Fatalf("after regrade: %+v", res.Guest)
		}
		if res.Delta.Score != -8 || res.Delta.Correct != -1 {
			t.Fatalf("unexpected delta: %+v", res.Delta)
		}
		if _, err := s.ApplyGrade(ctx, uuid.NewString(), Grade{}); err != ErrNotFound {
			t.Fatalf("grade unknown response err = %v", err)
		}
	})

	t.Run("graded responses are final", func(t *testing.T) {
		responses, _ := s.ListResponses(ctx, promptIDs[0])
		graded := responses[0]
		_, _, err := s.UpsertResponse(ctx, domain.Response{
			ID:          uuid.NewString(),
			PromptID:    promptIDs[0],
			EventID:     event.ID,
			GuestID:     guest.ID,
			Payload:     map[string]any{"choice": "c"},
			SubmittedAt: now.Add(2 * time.Second),
		})
		if !errors.Is(err, ErrAlreadyGraded) {
			t.Fatalf("overwrite graded response err = %v", err)
		}
		stored, _, _ := s.GetResponse(ctx, graded.ID)
		if stored.Payload["choice"] != "b" || stored.PointsEarned != 2 {
			t.Fatalf("graded response changed: %+v", stored)
		}
	})

	t.Run("grade for an earlier submission is stale", func(t *testing.T) {
		first, _, err := s.UpsertResponse(ctx, domain.Response{
			ID:          uuid.NewString(),
			PromptID:    promptIDs[1],
			EventID:     event.ID,
			GuestID:     guest.ID,
			Payload:     map[string]any{"text": "The Lamb of God"},
			SubmittedAt: now,
		})
		if err != nil {
			t.Fatalf("first upsert: %v", err)
		}
		if _, _, err := s.UpsertResponse(ctx, domain.Response{
			ID:          uuid.NewString(),
			PromptID:    promptIDs[1],
			EventID:     event.ID,
			GuestID:     guest.ID,
			Payload:     map[string]any{"text": "no idea"},
			SubmittedAt: now.Add(time.Second),
		}); err != nil {
			t.Fatalf("resubmit: %v", err)
		}
		before, _, _ := s.GetGuest(ctx, guest.ID)
		_, err = s.ApplyGrade(ctx, first.ID, Grade{IsCorrect: true, Points: 10, GradedAt: time.Now(), Submitted: first.SubmittedAt})
		if !errors.Is(err, ErrStaleGrade) {
			t.Fatalf("stale grade err = %v", err)
		}
		after, _, _ := s.GetGuest(ctx, guest.ID)
		if after.Score != before.Score {
			t.Fatalf("stale grade moved score %d -> %d", before.Score, after.Score)
		}
		res, err := s.ApplyGrade(ctx, first.ID, Grade{Points: 1, GradedAt: time.Now(), Submitted: now.Add(time.Second)})
		if err != nil {
			t.Fatalf("grade current submission: %v", err)
		}
		if res.Guest.Score != before.Score+1 {
			t.Fatalf("score = %d, want %d", res.Guest.Score, before.Score+1)
		}
	})

	t.Run("concurrent increments are not lost", func(t *testing.T) {
		before, _, _ := s.GetGuest(ctx, guest.ID)
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.IncrementGuest(ctx, guest.ID, GuestDelta{Score: 5, Rounds: 1}); err != nil {
					t.Errorf("increment: %v", err)
				}
			}()
		}
		wg.Wait()
		after, _, _ := s.GetGuest(ctx, guest.ID)
		if after.Score != before.Score+100 || after.RoundsPlayed != before.RoundsPlayed+20 {
			t.Fatalf("lost update: before=%+v after=%+v", before, after)
		}
		if _, err := s.IncrementGuest(ctx, uuid.NewString(), GuestDelta{Score: 1}); err != ErrNotFound {
			t.Fatalf("increment unknown guest err = %v", err)
		}
	})

	guests, err := s.ListGuests(ctx, event.ID)
	if err != nil || len(guests) != 1 {
		t.Fatalf("list guests: %v %+v", err, guests)
	}
}
