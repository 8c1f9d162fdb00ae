package session

import "phototheology/pkg/domain"

type sessionUpdate struct {
	Status         domain.EventStatus        `json:"status"`
	Paused         bool                      `json:"paused"`
	ActivePromptID string                    `json:"activePromptId,omitempty"`
	Leaderboard    []domain.LeaderboardEntry `json:"leaderboard,omitempty"`
}

func newSessionUpdate(snap domain.Snapshot) sessionUpdate {
	u := sessionUpdate{
		Status:      snap.Event.Status,
		Paused:      snap.Event.Paused,
		Leaderboard: snap.Leaderboard,
	}
	if snap.ActivePrompt != nil {
		u.ActivePromptID = snap.ActivePrompt.ID
	}
	return u
}

type promptUpdate struct {
	Prompt        domain.Prompt `json:"prompt,omitzero"`
	EndedPromptID string        `json:"endedPromptId,omitempty"`
}

// responseSubmitted never carries the payload.
type responseSubmitted struct {
	PromptID      string `json:"promptId"`
	GuestID       string `json:"guestId"`
	ResponseCount int    `json:"responseCount"`
}

type scoreUpdate struct {
	GuestID      string `json:"guestId"`
	ResponseID   string `json:"responseId"`
	IsCorrect    bool   `json:"isCorrect"`
	Points       int    `json:"points"`
	Score        int    `json:"score"`
	CorrectCount int    `json:"correctCount"`
}

type bonusPoints struct {
	GuestID     string `json:"guestId"`
	DisplayName string `json:"displayName"`
	Points      int    `json:"points"`
	Reason      string `json:"reason"`
	Score       int    `json:"score"`
}
