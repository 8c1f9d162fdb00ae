package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type EventModel struct {
	ID               string `gorm:"primaryKey"`
	Title            string `gorm:"not null"`
	Status           string `gorm:"not null;index"`
	Paused           bool   `gorm:"not null;default:false"`
	HostPasscodeHash string
	CreatedAt        time.Time `gorm:"not null"`
	StartedAt        *time.Time
	CompletedAt      *time.Time
	UpdatedAt        time.Time `gorm:"not null"`
}

type PromptModel struct {
	ID        string         `gorm:"primaryKey"`
	EventID   string         `gorm:"not null;uniqueIndex:idx_prompt_event_sequence"`
	Type      string         `gorm:"not null"`
	Sequence  int            `gorm:"not null;uniqueIndex:idx_prompt_event_sequence"`
	Data      datatypes.JSON `gorm:"type:jsonb"`
	IsActive  bool           `gorm:"not null;default:false"`
	StartedAt *time.Time
	EndedAt   *time.Time
	CreatedAt time.Time `gorm:"not null"`
}

type GuestModel struct {
	ID           string    `gorm:"primaryKey"`
	EventID      string    `gorm:"not null;index"`
	DisplayName  string    `gorm:"not null"`
	AccountID    string    `gorm:"index"`
	Score        int       `gorm:"not null;default:0"`
	RoundsPlayed int       `gorm:"not null;default:0"`
	CorrectCount int       `gorm:"not null;default:0"`
	JoinedAt     time.Time `gorm:"not null;index"`
}

type ResponseModel struct {
	ID           string         `gorm:"primaryKey"`
	PromptID     string         `gorm:"not null;uniqueIndex:idx_response_prompt_guest"`
	GuestID      string         `gorm:"not null;uniqueIndex:idx_response_prompt_guest"`
	EventID      string         `gorm:"not null;index"`
	Payload      datatypes.JSON `gorm:"type:jsonb"`
	IsCorrect    *bool
	PointsEarned int `gorm:"not null;default:0"`
	Feedback     string
	GradedAt     *time.Time
	SubmittedAt  time.Time `gorm:"not null"`
}
