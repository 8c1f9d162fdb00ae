package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

type EventStatus string

const (
	EventScheduled EventStatus = "scheduled"
	EventLive      EventStatus = "live"
	EventCompleted EventStatus = "completed"
)

type PromptType string

const (
	PromptMultipleChoice  PromptType = "multiple_choice"
	PromptScriptureLookup PromptType = "scripture_lookup"
	PromptFreeText        PromptType = "free_text"
	PromptPoll            PromptType = "poll"
	PromptDiscussion      PromptType = "discussion"
)

// Valid reports whether t is a known prompt type.
func (t PromptType) Valid() bool {
	switch t {
	case PromptMultipleChoice, PromptScriptureLookup, PromptFreeText, PromptPoll, PromptDiscussion:
		return true
	}
	return false
}

type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// Actor is the capability a caller presents on every session mutation.
type Actor struct {
	Role    Role   `json:"role"`
	GuestID string `json:"guestId,omitempty"`
}

// Host returns a host actor.
func Host() Actor { return Actor{Role: RoleHost} }

// AsGuest returns a guest actor bound to guestID.
func AsGuest(guestID string) Actor { return Actor{Role: RoleGuest, GuestID: guestID} }

// IsHost reports whether the actor may drive session state.
func (a Actor) IsHost() bool { return a.Role == RoleHost }

type Event struct {
	ID               string      `json:"id"`
	Title            string      `json:"title"`
	Status           EventStatus `json:"status"`
	Paused           bool        `json:"paused"`
	HostPasscodeHash string      `json:"-"`
	CreatedAt        time.Time   `json:"createdAt"`
	StartedAt        *time.Time  `json:"startedAt,omitempty"`
	CompletedAt      *time.Time  `json:"completedAt,omitempty"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

type Prompt struct {
	ID        string         `json:"id"`
	EventID   string         `json:"eventId"`
	Type      PromptType     `json:"type"`
	Sequence  int            `json:"sequence"`
	Data      map[string]any `json:"data,omitempty"`
	IsActive  bool           `json:"isActive"`
	StartedAt *time.Time     `json:"startedAt,omitempty"`
	EndedAt   *time.Time     `json:"endedAt,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// DefaultPromptPoints is awarded for a correct answer when the prompt data
// carries no "points" value.
const DefaultPromptPoints = 10

// Text returns a string field of the prompt data, or "".
func (p Prompt) Text(key string) string {
	return PayloadText(p.Data, key)
}

// MaxPoints returns the points a fully correct answer earns.
func (p Prompt) MaxPoints() int {
	switch v := p.Data["points"].(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64:
		if v > 0 {
			return int(math.Round(v))
		}
	case json.Number:
		if n, err := v.Int64(); err == nil && n > 0 {
			return int(n)
		}
	}
	return DefaultPromptPoints
}

// PayloadText reads a scalar field of a JSON object as trimmed text.
func PayloadText(data map[string]any, key string) string {
	switch v := data[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64, int, bool, json.Number:
		return fmt.Sprint(v)
	default:
		return ""
	}
}

type Guest struct {
	ID           string    `json:"id"`
	EventID      string    `json:"eventId"`
	DisplayName  string    `json:"displayName"`
	AccountID    string    `json:"accountId,omitempty"`
	Score        int       `json:"score"`
	RoundsPlayed int       `json:"roundsPlayed"`
	CorrectCount int       `json:"correctCount"`
	JoinedAt     time.Time `json:"joinedAt"`
}

type Response struct {
	ID           string         `json:"id"`
	PromptID     string         `json:"promptId"`
	EventID      string         `json:"eventId"`
	GuestID      string         `json:"guestId"`
	Payload      map[string]any `json:"payload,omitempty"`
	IsCorrect    *bool          `json:"isCorrect,omitempty"`
	PointsEarned int            `json:"pointsEarned"`
	Feedback     string         `json:"feedback,omitempty"`
	GradedAt     *time.Time     `json:"gradedAt,omitempty"`
	SubmittedAt  time.Time      `json:"submittedAt"`
}

// Graded reports whether a grade has been recorded.
func (r Response) Graded() bool { return r.GradedAt != nil }

type LeaderboardEntry struct {
	Rank         int    `json:"rank"`
	GuestID      string `json:"guestId"`
	DisplayName  string `json:"displayName"`
	Score        int    `json:"score"`
	CorrectCount int    `json:"correctCount"`
	RoundsPlayed int    `json:"roundsPlayed"`
}

// Snapshot is what a (re)connecting client needs to render the session.
type Snapshot struct {
	Event        Event              `json:"event"`
	Prompts      []Prompt           `json:"prompts"`
	ActivePrompt *Prompt            `json:"activePrompt,omitempty"`
	Leaderboard  []LeaderboardEntry `json:"leaderboard,omitempty"`
}

type MessageType string

const (
	MsgSessionUpdate     MessageType = "session_update"
	MsgPromptUpdate      MessageType = "prompt_update"
	MsgResponseSubmitted MessageType = "response_submitted"
	MsgScoreUpdate       MessageType = "score_update"
	MsgBonusPoints       MessageType = "bonus_points"
)

// Message is the small JSON envelope published for every state change.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    MessageType     `json:"type"`
	EventID string          `json:"eventId"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sentAt"`
}

// NewMessage encodes payload into a message envelope.
func NewMessage(typ MessageType, eventID string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Type:    typ,
		EventID: eventID,
		Payload: raw,
		SentAt:  time.Now().UTC(),
	}, nil
}
