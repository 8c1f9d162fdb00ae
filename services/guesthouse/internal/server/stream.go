package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"phototheology/internal/util"
	"phototheology/pkg/domain"
)

const replayLimit = 500

var streamIDPattern = regexp.MustCompile(`^\d+-\d+$`)

// handleStream serves live state changes as Server-Sent Events. A client
// resuming with ?after= or Last-Event-ID first gets the change feed since
// that id. Replayed entries carry their feed id; live ones carry none, so a
// reconnect resumes from the last replayed id and clients drop duplicates by
// message id.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	eventID := r.PathValue("id")
	if _, err := s.app.Snapshot(ctx, domain.AsGuest(""), eventID); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	msgs, err := s.app.Subscribe(ctx, eventID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	// streams outlive the server's write timeout
	_ = rc.SetWriteDeadline(time.Time{})
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "retry: 3000\n\n")

	after := strings.TrimSpace(r.URL.Query().Get("after"))
	if after == "" {
		after = strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	}
	if streamIDPattern.MatchString(after) {
		entries, err := s.app.Changes(ctx, eventID, after, replayLimit)
		if err != nil {
			util.LoggerFromContext(ctx).Warn("change feed replay failed", "event_id", eventID, "err", err)
		}
		for _, e := range entries {
			if err := writeEvent(w, e.StreamID, e.Message); err != nil {
				return
			}
		}
	}
	if err := rc.Flush(); err != nil {
		return
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if err := writeEvent(w, "", msg); err != nil {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, id string, msg domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, data)
	return err
}
