// Package session runs host-driven live events: it sequences prompts, takes
// guest responses, applies grades and bonus points, and announces every
// state change through a Notifier.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"phototheology/internal/util"
	"phototheology/pkg/auth"
	"phototheology/pkg/domain"
	"phototheology/pkg/store"
)

const maxDisplayNameRunes = 40

// Notifier announces a state change to connected clients. Delivery failures
// never fail the operation that caused them.
type Notifier interface {
	PublishStateChange(ctx context.Context, msg domain.Message) error
}

// Config wires a Coordinator.
type Config struct {
	Store    store.Store
	Notifier Notifier
	// Grader grades submissions synchronously when set.
	Grader AutoGrader
	Clock  func() time.Time
	Logger *slog.Logger
}

// Coordinator owns the live-session state machine.
type Coordinator struct {
	store    store.Store
	notifier Notifier
	grader   AutoGrader
	now      func() time.Time
	logger   *slog.Logger

	// serializes transitions per event on this node
	locks sync.Map
}

// New builds a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("session store required")
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:    cfg.Store,
		notifier: cfg.Notifier,
		grader:   cfg.Grader,
		now:      func() time.Time { return now().UTC() },
		logger:   logger,
	}, nil
}

// NewEvent describes an event to create.
type NewEvent struct {
	Title        string
	HostPasscode string
}

// CreateEvent schedules a new event. The passcode lets a host claim it later.
func (c *Coordinator) CreateEvent(ctx context.Context, in NewEvent) (domain.Event, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.Event{}, fmt.Errorf("%w: title required", ErrInvalidInput)
	}
	if err := auth.ValidatePasscode(in.HostPasscode); err != nil {
		return domain.Event{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	hash, err := auth.HashPasscode(in.HostPasscode)
	if err != nil {
		return domain.Event{}, fmt.Errorf("hash passcode: %w", err)
	}
	now := c.now()
	event := domain.Event{
		ID:               util.NewID(),
		Title:            title,
		Status:           domain.EventScheduled,
		HostPasscodeHash: hash,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := c.store.SaveEvent(ctx, event); err != nil {
		return domain.Event{}, fmt.Errorf("save event: %w", err)
	}
	return event, nil
}

// VerifyHost checks a host passcode for the event.
func (c *Coordinator) VerifyHost(ctx context.Context, eventID, passcode string) (domain.Event, error) {
	event, err := c.getEvent(ctx, eventID)
	if err != nil {
		return domain.Event{}, err
	}
	if !auth.CheckPasscode(passcode, event.HostPasscodeHash) {
		return domain.Event{}, ErrBadPasscode
	}
	return event, nil
}

// AddPrompt appends a prompt to the event's sequence.
func (c *Coordinator) AddPrompt(ctx context.Context, actor domain.Actor, eventID string, typ domain.PromptType, data map[string]any) (domain.Prompt, error) {
	if !actor.IsHost() {
		return domain.Prompt{}, ErrNotHost
	}
	if !typ.Valid() {
		return domain.Prompt{}, fmt.Errorf("%w: unknown prompt type %q", ErrInvalidInput, typ)
	}
	unlock := c.lock(eventID)
	defer unlock()

	event, err := c.getEvent(ctx, eventID)
	if err != nil {
		return domain.Prompt{}, err
	}
	if event.Status == domain.EventCompleted {
		return domain.Prompt{}, ErrEventCompleted
	}
	prompts, err := c.store.ListPrompts(ctx, eventID)
	if err != nil {
		return domain.Prompt{}, fmt.Errorf("list prompts: %w", err)
	}
	seq := 1
	if n := len(prompts); n > 0 {
		seq = prompts[n-1].Sequence + 1
	}
	if data == nil {
		data = map[string]any{}
	}
	prompt := domain.Prompt{
		ID:        util.NewID(),
		EventID:   eventID,
		Type:      typ,
		Sequence:  seq,
		Data:      data,
		CreatedAt: c.now(),
	}
	if err := c.store.SavePrompt(ctx, prompt); err != nil {
		return domain.Prompt{}, fmt.Errorf("save prompt: %w", err)
	}
	return prompt, nil
}

// StartSession moves a scheduled event live and activates its first prompt.
func (c *Coordinator) StartSession(ctx context.Context, actor domain.Actor, eventID string) (domain.Snapshot, error) {
	if !actor.IsHost() {
		return domain.Snapshot{}, ErrNotHost
	}
	unlock := c.lock(eventID)
	defer unlock()

	event, err := c.getEvent(ctx, eventID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	switch event.Status {
	case domain.EventCompleted:
		return domain.Snapshot{}, ErrEventCompleted
	case domain.EventLive:
		return domain.Snapshot{}, ErrAlreadyStarted
	}
	prompts, err := c.store.ListPrompts(ctx, eventID)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("list prompts: %w", err)
	}
	if len(prompts) == 0 {
		return domain.Snapshot{}, ErrNoPrompts
	}

	now := c.now()
	if err := c.store.ActivatePrompt(ctx, eventID, prompts[0].ID, now); err != nil {
		return domain.Snapshot{}, fmt.Errorf("activate prompt: %w", err)
	}
	event.Status = domain.EventLive
	event.Paused = false
	event.StartedAt = &now
	event.UpdatedAt = now
	if err := c.store.SaveEvent(ctx, event); err != nil {
		return domain.Snapshot{}, fmt.Errorf("save event: %w", err)
	}

	snap, err := c.snapshot(ctx, event, true)
	if err != nil {
		return domain.Snapshot{}, err
	}
	c.publish(ctx, domain.MsgSessionUpdate, eventID, newSessionUpdate(snap))
	if snap.ActivePrompt != nil {
		c.publish(ctx, domain.MsgPromptUpdate, eventID, promptUpdate{Prompt: publicPrompt(*snap.ActivePrompt)})
	}
	return snap, nil
}

// AdvanceToNextPrompt ends the active prompt and activates the next one in
// sequence. Past the last prompt the event completes with nothing active.
func (c *Coordinator) AdvanceToNextPrompt(ctx context.Context, actor domain.Actor, eventID string) (domain.Snapshot, error) {
	if !actor.IsHost() {
		return domain.Snapshot{}, ErrNotHost
	}
	unlock := c.lock(eventID)
	defer unlock()

	event, err := c.getEvent(ctx, eventID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	switch event.Status {
	case domain.EventCompleted:
		return domain.Snapshot{}, ErrEventCompleted
	case domain.EventScheduled:
		return domain.Snapshot{}, ErrEventNotLive
	}
	prompts, err := c.store.ListPrompts(ctx, eventID)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("list prompts: %w", err)
	}
	current, next := nextPrompt(prompts)

	now := c.now()
	if next != nil {
		if err := c.store.ActivatePrompt(ctx, eventID, next.ID, now); err != nil {
			return domain.Snapshot{}, fmt.Errorf("activate prompt: %w", err)
		}
		event.UpdatedAt = now
		if err := c.store.SaveEvent(ctx, event); err != nil {
			return domain.Snapshot{}, fmt.Errorf("save event: %w", err)
		}
		snap, err := c.snapshot(ctx, event, true)
		if err != nil {
			return domain.Snapshot{}, err
		}
		update := promptUpdate{Prompt: publicPrompt(*snap.ActivePrompt)}
		if current != nil {
			update.EndedPromptID = current.ID
		}
		c.publish(ctx, domain.MsgPromptUpdate, eventID, update)
		c.publish(ctx, domain.MsgSessionUpdate, eventID, newSessionUpdate(snap))
		return snap, nil
	}

	if err := c.store.DeactivatePrompts(ctx, eventID, now); err != nil {
		return domain.Snapshot{}, fmt.Errorf("deactivate prompts: %w", err)
	}
	event.Status = domain.EventCompleted
	event.Paused = false
	event.CompletedAt = &now
	event.UpdatedAt = now
	if err := c.store.SaveEvent(ctx, event); err != nil {
		return domain.Snapshot{}, fmt.Errorf("save event: %w", err)
	}
	snap, err := c.snapshot(ctx, event, true)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if current != nil {
		c.publish(ctx, domain.MsgPromptUpdate, eventID, promptUpdate{EndedPromptID: current.ID})
	}
	c.publish(ctx, domain.MsgSessionUpdate, eventID, newSessionUpdate(snap))
	c.logger.Info("event completed", "event_id", eventID, "guests", len(snap.Leaderboard))
	return snap, nil
}

// nextPrompt returns the active prompt and the one that follows it. With no
// prompt active, the first prompt that never started comes next.
func nextPrompt(prompts []domain.Prompt) (current, next *domain.Prompt) {
	for i := range prompts {
		if prompts[i].IsActive {
			current = &prompts[i]
			break
		}
	}
	for i := range prompts {
		p := &prompts[i]
		if current != nil && p.Sequence > current.Sequence {
			return current, p
		}
		if current == nil && p.StartedAt == nil {
			return nil, p
		}
	}
	return current, nil
}

// PauseSession marks a live event paused. The active prompt is unchanged.
func (c *Coordinator) PauseSession(ctx context.Context, actor domain.Actor, eventID string) (domain.Snapshot, error) {
	return c.setPaused(ctx, actor, eventID, true)
}

// ResumeSession clears the paused flag.
func (c *Coordinator) ResumeSession(ctx context.Context, actor domain.Actor, eventID string) (domain.Snapshot, error) {
	return c.setPaused(ctx, actor, eventID, false)
}

func (c *Coordinator) setPaused(ctx context.Context, actor domain.Actor, eventID string, paused bool) (domain.Snapshot, error) {
	if !actor.IsHost() {
		return domain.Snapshot{}, ErrNotHost
	}
	unlock := c.lock(eventID)
	defer unlock()

	event, err := c.getEvent(ctx, eventID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	switch event.Status {
	case domain.EventCompleted:
		return domain.Snapshot{}, ErrEventCompleted
	case domain.EventScheduled:
		return domain.Snapshot{}, ErrEventNotLive
	}
	event.Paused = paused
	event.UpdatedAt = c.now()
	if err := c.store.SaveEvent(ctx, event); err != nil {
		return domain.Snapshot{}, fmt.Errorf("save event: %w", err)
	}
	snap, err := c.snapshot(ctx, event, true)
	if err != nil {
		return domain.Snapshot{}, err
	}
	c.publish(ctx, domain.MsgSessionUpdate, eventID, newSessionUpdate(snap))
	return snap, nil
}

// Events lists events in creation order, optionally only those in status.
func (c *Coordinator) Events(ctx context.Context, status domain.EventStatus) ([]domain.Event, error) {
	events, err := c.store.ListEvents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	if status == "" {
		return events, nil
	}
	out := make([]domain.Event, 0, len(events))
	for _, e := range events {
		if e.Status == status {
			out = append(out, e)
		}
	}
	return out, nil
}

// Snapshot returns what a (re)connecting client renders. Answer keys are
// hidden from everyone but the host; completed events carry the leaderboard.
func (c *Coordinator) Snapshot(ctx context.Context, actor domain.Actor, eventID string) (domain.Snapshot, error) {
	event, err := c.getEvent(ctx, eventID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return c.snapshot(ctx, event, actor.IsHost())
}

func (c *Coordinator) snapshot(ctx context.Context, event domain.Event, host bool) (domain.Snapshot, error) {
	prompts, err := c.store.ListPrompts(ctx, event.ID)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("list prompts: %w", err)
	}
	snap := domain.Snapshot{Event: event, Prompts: make([]domain.Prompt, 0, len(prompts))}
	for _, p := range prompts {
		if !host {
			p = publicPrompt(p)
		}
		snap.Prompts = append(snap.Prompts, p)
		if p.IsActive {
			active := p
			snap.ActivePrompt = &active
		}
	}
	if event.Status == domain.EventCompleted {
		board, err := c.leaderboard(ctx, event.ID)
		if err != nil {
			return domain.Snapshot{}, err
		}
		snap.Leaderboard = board
	}
	return snap, nil
}

// publicPrompt hides grading material from guests.
func publicPrompt(p domain.Prompt) domain.Prompt {
	if len(p.Data) == 0 {
		return p
	}
	data := make(map[string]any, len(p.Data))
	for k, v := range p.Data {
		switch k {
		case "answer", "rubric":
			continue
		}
		data[k] = v
	}
	p.Data = data
	return p
}

// JoinEvent registers a guest. Completed events only show results.
func (c *Coordinator) JoinEvent(ctx context.Context, eventID, displayName, accountID string) (domain.Guest, error) {
	name := strings.Join(strings.Fields(displayName), " ")
	if name == "" {
		return domain.Guest{}, fmt.Errorf("%w: display name required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(name) > maxDisplayNameRunes {
		return domain.Guest{}, fmt.Errorf("%w: display name too long", ErrInvalidInput)
	}
	event, err := c.getEvent(ctx, eventID)
	if err != nil {
		return domain.Guest{}, err
	}
	if event.Status == domain.EventCompleted {
		return domain.Guest{}, ErrEventCompleted
	}
	guest := domain.Guest{
		ID:          util.NewID(),
		EventID:     eventID,
		DisplayName: name,
		AccountID:   strings.TrimSpace(accountID),
		JoinedAt:    c.now(),
	}
	if err := c.store.SaveGuest(ctx, guest); err != nil {
		return domain.Guest{}, fmt.Errorf("save guest: %w", err)
	}
	return guest, nil
}

func (c *Coordinator) getEvent(ctx context.Context, id string) (domain.Event, error) {
	event, ok, err := c.store.GetEvent(ctx, id)
	if err != nil {
		return domain.Event{}, fmt.Errorf("get event: %w", err)
	}
	if !ok {
		return domain.Event{}, ErrEventNotFound
	}
	return event, nil
}

func (c *Coordinator) lock(eventID string) func() {
	v, _ := c.locks.LoadOrStore(eventID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (c *Coordinator) publish(ctx context.Context, typ domain.MessageType, eventID string, payload any) {
	if c.notifier == nil {
		return
	}
	msg, err := domain.NewMessage(typ, eventID, payload)
	if err != nil {
		c.logger.Error("encode state change", "type", typ, "event_id", eventID, "err", err)
		return
	}
	if err := c.notifier.PublishStateChange(ctx, msg); err != nil {
		c.logger.Debug("state change partially delivered", "type", typ, "event_id", eventID, "err", err)
	}
}
