package session

import "errors"

var (
	ErrNotHost          = errors.New("only the host can do that")
	ErrForbidden        = errors.New("forbidden")
	ErrInvalidInput     = errors.New("invalid input")
	ErrEventNotFound    = errors.New("event not found")
	ErrPromptNotFound   = errors.New("prompt not found")
	ErrGuestNotFound    = errors.New("guest not found")
	ErrResponseNotFound = errors.New("response not found")
	ErrEventCompleted   = errors.New("event is completed")
	ErrEventNotLive     = errors.New("event is not live")
	ErrAlreadyStarted   = errors.New("event already started")
	ErrNoPrompts        = errors.New("event has no prompts")
	ErrPromptNotActive  = errors.New("prompt is not active")
	ErrBadPasscode      = errors.New("invalid host passcode")
	ErrNotGradable      = errors.New("prompt type cannot be graded automatically")
	ErrAlreadyGraded    = errors.New("response already graded")
	ErrResponseChanged  = errors.New("response was resubmitted")
)
