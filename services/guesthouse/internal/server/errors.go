package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"phototheology/internal/util"
	"phototheology/pkg/session"
	"phototheology/pkg/storage"
	"phototheology/services/guesthouse/internal/app"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{session.ErrInvalidInput, http.StatusBadRequest, "SESSION_INVALID_INPUT"},
	{session.ErrBadPasscode, http.StatusUnauthorized, "SESSION_BAD_PASSCODE"},
	{session.ErrNotHost, http.StatusForbidden, "SESSION_NOT_HOST"},
	{session.ErrForbidden, http.StatusForbidden, "SESSION_FORBIDDEN"},
	{session.ErrEventNotFound, http.StatusNotFound, "EVENT_NOT_FOUND"},
	{session.ErrPromptNotFound, http.StatusNotFound, "PROMPT_NOT_FOUND"},
	{session.ErrGuestNotFound, http.StatusNotFound, "GUEST_NOT_FOUND"},
	{session.ErrResponseNotFound, http.StatusNotFound, "RESPONSE_NOT_FOUND"},
	{session.ErrEventCompleted, http.StatusConflict, "EVENT_COMPLETED"},
	{session.ErrEventNotLive, http.StatusConflict, "EVENT_NOT_LIVE"},
	{session.ErrAlreadyStarted, http.StatusConflict, "EVENT_ALREADY_STARTED"},
	{session.ErrNoPrompts, http.StatusConflict, "EVENT_NO_PROMPTS"},
	{session.ErrPromptNotActive, http.StatusConflict, "PROMPT_NOT_ACTIVE"},
	{session.ErrAlreadyGraded, http.StatusConflict, "RESPONSE_ALREADY_GRADED"},
	{session.ErrResponseChanged, http.StatusConflict, "RESPONSE_CHANGED"},
	{app.ErrResultsNotReady, http.StatusConflict, "RESULTS_NOT_READY"},
	{app.ErrJobNotFound, http.StatusNotFound, "GRADING_JOB_NOT_FOUND"},
	{app.ErrArchiveDisabled, http.StatusNotImplemented, "RESULTS_ARCHIVE_DISABLED"},
	{storage.ErrObjectNotFound, http.StatusNotFound, "RESULTS_NOT_FOUND"},
}

// writeAppError maps domain errors to HTTP responses. Unknown errors are
// logged and reported as internal errors without detail.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			writeErrorCode(w, m.status, userMessage(err, m.target), m.code)
			return
		}
	}
	util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	writeErrorCode(w, http.StatusInternalServerError, "internal error", "SYSTEM_INTERNAL_ERROR")
}

// userMessage keeps the detail of invalid-input errors, which name the
// offending field, and the bare sentinel text otherwise.
func userMessage(err, target error) string {
	if errors.Is(target, session.ErrInvalidInput) {
		return err.Error()
	}
	return target.Error()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeErrorCode(w, status, msg, codeForStatus(status))
}

func writeErrorCode(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "REQUEST_INVALID"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusForbidden:
		return "SESSION_FORBIDDEN"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}
