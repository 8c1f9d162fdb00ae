package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"phototheology/pkg/domain"
)

// MemoryStore keeps session data in-process. It is used by tests and by
// single-node deployments configured with storeDriver "memory".
type MemoryStore struct {
	mu          sync.RWMutex
	events      map[string]domain.Event
	eventOrder  []string
	prompts     map[string]domain.Prompt
	guests      map[string]domain.Guest
	guestOrder  []string
	responses   map[string]domain.Response
	byPromptKey map[string]string // promptID|guestID -> response ID
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:      make(map[string]domain.Event),
		prompts:     make(map[string]domain.Prompt),
		guests:      make(map[string]domain.Guest),
		responses:   make(map[string]domain.Response),
		byPromptKey: make(map[string]string),
	}
}

// SaveEvent stores or replaces an event and tracks insertion order.
func (m *MemoryStore) SaveEvent(_ context.Context, e domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.events[e.ID]; !exists {
		m.eventOrder = append(m.eventOrder, e.ID)
	}
	m.events[e.ID] = e
	return nil
}

// GetEvent retrieves an event by ID.
func (m *MemoryStore) GetEvent(_ context.Context, id string) (domain.Event, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.events[id]
	return e, ok, nil
}

// ListEvents returns events in insertion order.
func (m *MemoryStore) ListEvents(_ context.Context) ([]domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Event, 0, len(m.eventOrder))
	for _, id := range m.eventOrder {
		if e, ok := m.events[id]; ok {
			res = append(res, e)
		}
	}
	return res, nil
}

// SavePrompt stores or replaces a prompt.
func (m *MemoryStore) SavePrompt(_ context.Context, p domain.Prompt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts[p.ID] = p
	return nil
}

// GetPrompt retrieves a prompt by ID.
func (m *MemoryStore) GetPrompt(_ context.Context, id string) (domain.Prompt, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prompts[id]
	return p, ok, nil
}

// ListPrompts returns an event's prompts by sequence.
func (m *MemoryStore) ListPrompts(_ context.Context, eventID string) ([]domain.Prompt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.promptsLocked(eventID), nil
}

func (m *MemoryStore) promptsLocked(eventID string) []domain.Prompt {
	res := make([]domain.Prompt, 0)
	for _, p := range m.prompts {
		if p.EventID == eventID {
			res = append(res, p)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Sequence < res[j].Sequence })
	return res
}

// ActivatePrompt ends the active prompt and starts promptID under one lock.
func (m *MemoryStore) ActivatePrompt(_ context.Context, eventID, promptID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, ok := m.prompts[promptID]
	if !ok || next.EventID != eventID {
		return ErrNotFound
	}
	m.deactivateLocked(eventID, at)
	started := at.UTC()
	next = m.prompts[promptID]
	next.IsActive = true
	next.StartedAt = &started
	next.EndedAt = nil
	m.prompts[promptID] = next
	return nil
}

// DeactivatePrompts ends every active prompt of the event.
func (m *MemoryStore) DeactivatePrompts(_ context.Context, eventID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deactivateLocked(eventID, at)
	return nil
}

func (m *MemoryStore) deactivateLocked(eventID string, at time.Time) {
	ended := at.UTC()
	for id, p := range m.prompts {
		if p.EventID == eventID && p.IsActive {
			p.IsActive = false
			p.EndedAt = &ended
			m.prompts[id] = p
		}
	}
}

// SaveGuest registers a guest or updates its profile fields.
func (m *MemoryStore) SaveGuest(_ context.Context, g domain.Guest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.guests[g.ID]; ok {
		existing.DisplayName = g.DisplayName
		existing.AccountID = g.AccountID
		m.guests[g.ID] = existing
		return nil
	}
	m.guestOrder = append(m.guestOrder, g.ID)
	m.guests[g.ID] = g
	return nil
}

// GetGuest returns a guest by ID.
func (m *MemoryStore) GetGuest(_ context.Context, id string) (domain.Guest, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.guests[id]
	return g, ok, nil
}

// ListGuests returns an event's guests in join order.
func (m *MemoryStore) ListGuests(_ context.Context, eventID string) ([]domain.Guest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Guest, 0)
	for _, id := range m.guestOrder {
		if g, ok := m.guests[id]; ok && g.EventID == eventID {
			res = append(res, g)
		}
	}
	return res, nil
}

// IncrementGuest applies additive counter changes.
func (m *MemoryStore) IncrementGuest(_ context.Context, id string, delta GuestDelta) (domain.Guest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incrementLocked(id, delta)
}

func (m *MemoryStore) incrementLocked(id string, delta GuestDelta) (domain.Guest, error) {
	g, ok := m.guests[id]
	if !ok {
		return domain.Guest{}, ErrNotFound
	}
	g.Score += delta.Score
	g.CorrectCount += delta.Correct
	g.RoundsPlayed += delta.Rounds
	m.guests[id] = g
	return g, nil
}

// UpsertResponse stores one response per (prompt, guest).
func (m *MemoryStore) UpsertResponse(_ context.Context, r domain.Response) (domain.Response, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := r.PromptID + "|" + r.GuestID
	if id, ok := m.byPromptKey[key]; ok {
		existing := m.responses[id]
		if existing.Graded() {
			return domain.Response{}, false, ErrAlreadyGraded
		}
		existing.Payload = r.Payload
		existing.SubmittedAt = r.SubmittedAt
		m.responses[id] = existing
		return existing, false, nil
	}
	m.byPromptKey[key] = r.ID
	m.responses[r.ID] = r
	return r, true, nil
}

// GetResponse returns a response by ID.
func (m *MemoryStore) GetResponse(_ context.Context, id string) (domain.Response, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.responses[id]
	return r, ok, nil
}

// ListResponses returns a prompt's responses in submission order.
func (m *MemoryStore) ListResponses(_ context.Context, promptID string) ([]domain.Response, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Response, 0)
	for _, r := range m.responses {
		if r.PromptID == promptID {
			res = append(res, r)
		}
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].SubmittedAt.Before(res[j].SubmittedAt) })
	return res, nil
}

// CountResponses returns how many guests answered a prompt.
func (m *MemoryStore) CountResponses(_ context.Context, promptID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.responses {
		if r.PromptID == promptID {
			n++
		}
	}
	return n, nil
}

// ApplyGrade records a grade and moves the guest counters under one lock.
func (m *MemoryStore) ApplyGrade(_ context.Context, responseID string, grade Grade) (GradeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.responses[responseID]
	if !ok {
		return GradeResult{}, ErrNotFound
	}
	if _, ok := m.guests[r.GuestID]; !ok {
		return GradeResult{}, ErrNotFound
	}
	if staleGrade(r, grade) {
		return GradeResult{}, ErrStaleGrade
	}
	delta := gradeDelta(r, grade)
	correct := grade.IsCorrect
	gradedAt := grade.GradedAt.UTC()
	r.IsCorrect = &correct
	r.PointsEarned = grade.Points
	r.Feedback = grade.Feedback
	r.GradedAt = &gradedAt
	m.responses[responseID] = r
	g, err := m.incrementLocked(r.GuestID, delta)
	if err != nil {
		return GradeResult{}, err
	}
	return GradeResult{Response: r, Guest: g, Delta: delta}, nil
}
