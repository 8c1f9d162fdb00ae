package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"phototheology/internal/accounttoken"
	"phototheology/internal/captoken"
	"phototheology/internal/ratelimit"
	"phototheology/internal/security"
	"phototheology/internal/util"
	"phototheology/pkg/domain"
	"phototheology/pkg/session"
	"phototheology/services/guesthouse/internal/app"
)

const (
	maxBodyBytes     = 1 << 20
	rateWindow       = time.Minute
	defaultHeartbeat = 15 * time.Second
)

// AccountVerifier resolves an account token into the account it names.
type AccountVerifier interface {
	VerifyAccount(ctx context.Context, token string) (accounttoken.Account, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App      *app.App
	Signer   *captoken.Signer
	Accounts AccountVerifier

	RedisAddr                string
	RedisPassword            string
	JoinRateLimitPerMinute   int
	SubmitRateLimitPerMinute int
	TrustedProxies           *util.TrustedProxies
	CORSOrigins              []string

	// Heartbeat is the idle interval between SSE keep-alive comments.
	Heartbeat time.Duration
	Logger    *slog.Logger
}

// Server exposes HTTP endpoints for the guesthouse service.
type Server struct {
	app           *app.App
	signer        *captoken.Signer
	accounts      AccountVerifier
	joinLimiter   *ratelimit.FixedWindowLimiter
	submitLimiter *ratelimit.FixedWindowLimiter
	alerter       *security.Alerter
	trusted       *util.TrustedProxies
	corsOrigins   []string
	heartbeat     time.Duration
	logger        *slog.Logger
	mux           *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil || cfg.Signer == nil {
		return nil, errors.New("guesthouse server requires app and signer")
	}
	s := &Server{
		app:         cfg.App,
		signer:      cfg.Signer,
		accounts:    cfg.Accounts,
		trusted:     cfg.TrustedProxies,
		corsOrigins: cfg.CORSOrigins,
		heartbeat:   cfg.Heartbeat,
		logger:      cfg.Logger,
		mux:         http.NewServeMux(),
	}
	if s.heartbeat <= 0 {
		s.heartbeat = defaultHeartbeat
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		if limit <= 0 {
			return nil, nil
		}
		return ratelimit.NewRedisFixedWindowLimiter(ratelimit.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Prefix:   "guesthouse:ratelimit:" + name,
			Limit:    limit,
			Window:   rateWindow,
		})
	}
	var err error
	if s.joinLimiter, err = newLimiter("join", cfg.JoinRateLimitPerMinute); err != nil {
		return nil, err
	}
	if s.submitLimiter, err = newLimiter("submit", cfg.SubmitRateLimitPerMinute); err != nil {
		return nil, err
	}
	s.alerter = security.NewAlerter(cfg.RedisAddr, cfg.RedisPassword, "guesthouse:alerts")
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("guesthouse", util.WithSecurityHeaders(util.WithCORS(s.corsOrigins, s.mux))))
}

// Close releases the rate limiter clients.
func (s *Server) Close() error {
	return errors.Join(s.joinLimiter.Close(), s.submitLimiter.Close(), s.alerter.Close())
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("GET /events", s.handleListEvents)
	s.mux.HandleFunc("POST /events", s.handleCreateEvent)
	s.mux.HandleFunc("GET /events/{id}", s.handleSnapshot)
	s.mux.HandleFunc("POST /events/{id}/host-token", s.handleHostToken)
	s.mux.Handle("POST /events/{id}/prompts", s.withClaims(s.handleAddPrompt))
	for _, action := range []string{"start", "advance", "pause", "resume"} {
		s.mux.Handle("POST /events/{id}/"+action, s.withClaims(s.handleTransition(action)))
	}
	s.mux.HandleFunc("POST /events/{id}/guests", s.handleJoin)
	s.mux.HandleFunc("GET /events/{id}/leaderboard", s.handleLeaderboard)
	s.mux.HandleFunc("GET /events/{id}/stream", s.handleStream)
	s.mux.HandleFunc("GET /events/{id}/changes", s.handleChanges)
	s.mux.Handle("GET /events/{id}/results/archive", s.withClaims(s.handleResultsArchive))

	s.mux.Handle("GET /prompts/{id}/responses", s.withClaims(s.handleListResponses))
	s.mux.Handle("POST /prompts/{id}/responses", s.withClaims(s.handleSubmit))
	s.mux.Handle("POST /responses/{id}/grade", s.withClaims(s.handleGrade))
	s.mux.Handle("POST /guests/{id}/bonus", s.withClaims(s.handleBonus))
	s.mux.Handle("GET /grading/jobs/{id}", s.withClaims(s.handleGradingJob))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type claimsHandler func(http.ResponseWriter, *http.Request, captoken.Claims)

func (s *Server) withClaims(next claimsHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := captoken.BearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		claims, err := s.signer.Verify(token)
		if err != nil {
			s.audit(r, security.EventTokenVerify, security.OutcomeFail, util.ClientIP(r, s.trusted))
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, claims)
	})
}

// optionalClaims returns the caller's claims when a valid token is present.
func (s *Server) optionalClaims(r *http.Request) (captoken.Claims, bool) {
	token, ok := captoken.BearerToken(r)
	if !ok {
		return captoken.Claims{}, false
	}
	claims, err := s.signer.Verify(token)
	return claims, err == nil
}

// actorFor scopes claims to eventID. Tokens for other events act as an
// anonymous guest.
func actorFor(claims captoken.Claims, eventID string) domain.Actor {
	if claims.EventID != eventID {
		return domain.AsGuest("")
	}
	return claims.Actor()
}

type createEventRequest struct {
	Title        string `json:"title"`
	HostPasscode string `json:"hostPasscode"`
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req createEventRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	event, err := s.app.CreateEvent(r.Context(), req.Title, req.HostPasscode)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	token, err := s.signer.IssueHost(event.ID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"event": event, "hostToken": token})
}

type hostTokenRequest struct {
	Passcode string `json:"passcode"`
}

func (s *Server) handleHostToken(w http.ResponseWriter, r *http.Request) {
	var req hostTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	eventID := r.PathValue("id")
	if _, err := s.app.VerifyHost(r.Context(), eventID, req.Passcode); err != nil {
		if errors.Is(err, session.ErrBadPasscode) {
			ip := util.ClientIP(r, s.trusted)
			util.LoggerFromContext(r.Context()).Warn("host passcode rejected", "event_id", eventID, "ip", ip)
			s.audit(r, security.EventHostPasscode, security.OutcomeFail, ip)
		}
		s.writeAppError(w, r, err)
		return
	}
	token, err := s.signer.IssueHost(eventID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	eventID := r.PathValue("id")
	actor := domain.AsGuest("")
	if claims, ok := s.optionalClaims(r); ok {
		actor = actorFor(claims, eventID)
	}
	snap, err := s.app.Snapshot(r.Context(), actor, eventID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type addPromptRequest struct {
	Type domain.PromptType `json:"type"`
	Data map[string]any    `json:"data"`
}

func (s *Server) handleAddPrompt(w http.ResponseWriter, r *http.Request, claims captoken.Claims) {
	var req addPromptRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	eventID := r.PathValue("id")
	prompt, err := s.app.AddPrompt(r.Context(), actorFor(claims, eventID), eventID, req.Type, req.Data)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, prompt)
}

func (s *Server) handleTransition(action string) claimsHandler {
	return func(w http.ResponseWriter, r *http.Request, claims captoken.Claims) {
		eventID := r.PathValue("id")
		actor := actorFor(claims, eventID)
		var (
			snap domain.Snapshot
			err  error
		)
		switch action {
		case "start":
			snap, err = s.app.Start(r.Context(), actor, eventID)
		case "advance":
			snap, err = s.app.Advance(r.Context(), actor, eventID)
		case "pause":
			snap, err = s.app.Pause(r.Context(), actor, eventID)
		case "resume":
			snap, err = s.app.Resume(r.Context(), actor, eventID)
		}
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

type joinRequest struct {
	DisplayName string `json:"displayName"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.joinLimiter, security.EventGuestJoin, util.ClientIP(r, s.trusted)) {
		return
	}
	var req joinRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var accountID string
	if raw := strings.TrimSpace(r.Header.Get("X-Account-Token")); raw != "" {
		if s.accounts == nil {
			writeError(w, http.StatusBadRequest, "account sign-in not enabled")
			return
		}
		acct, err := s.accounts.VerifyAccount(r.Context(), raw)
		if err != nil {
			util.LoggerFromContext(r.Context()).Info("account token rejected", "err", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		accountID = acct.ID
		if strings.TrimSpace(req.DisplayName) == "" {
			req.DisplayName = acct.DisplayName
		}
	}
	eventID := r.PathValue("id")
	guest, err := s.app.Join(r.Context(), eventID, req.DisplayName, accountID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	token, err := s.signer.IssueGuest(eventID, guest.ID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"guest": guest, "token": token})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	status := domain.EventStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	switch status {
	case "", domain.EventScheduled, domain.EventLive, domain.EventCompleted:
	default:
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	events, err := s.app.Events(r.Context(), status)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": events, "count": len(events)})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	board, err := s.app.Leaderboard(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": board, "count": len(board)})
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	eventID := r.PathValue("id")
	if _, err := s.app.Snapshot(r.Context(), domain.AsGuest(""), eventID); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	var count int64
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		count = n
	}
	entries, err := s.app.Changes(r.Context(), eventID, r.URL.Query().Get("after"), count)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	next := r.URL.Query().Get("after")
	if n := len(entries); n > 0 {
		next = entries[n-1].StreamID
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries, "count": len(entries), "next": next})
}

func (s *Server) handleResultsArchive(w http.ResponseWriter, r *http.Request, claims captoken.Claims) {
	eventID := r.PathValue("id")
	if claims.EventID != eventID {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	url, err := s.app.ResultsURL(r.Context(), eventID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// handleGradingJob reports a grading job to the event host or the guest whose
// answer it grades. Other callers get 404.
func (s *Server) handleGradingJob(w http.ResponseWriter, r *http.Request, claims captoken.Claims) {
	job, err := s.app.GradingJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	allowed := claims.EventID == job.EventID
	if allowed && !claims.Actor().IsHost() {
		resp, err := s.app.Response(r.Context(), job.ResponseID)
		allowed = err == nil && resp.GuestID == claims.Actor().GuestID
	}
	if !allowed {
		s.writeAppError(w, r, app.ErrJobNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListResponses(w http.ResponseWriter, r *http.Request, claims captoken.Claims) {
	prompt, err := s.app.Prompt(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	responses, err := s.app.Responses(r.Context(), actorFor(claims, prompt.EventID), prompt.ID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": responses, "count": len(responses)})
}

type submitRequest struct {
	// GuestID is only honored for hosts submitting on a guest's behalf.
	GuestID string         `json:"guestId"`
	Payload map[string]any `json:"payload"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, claims captoken.Claims) {
	var req submitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	prompt, err := s.app.Prompt(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if claims.EventID != prompt.EventID {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	actor := claims.Actor()
	guestID := actor.GuestID
	if actor.IsHost() {
		guestID = req.GuestID
	}
	if !s.allowRate(w, r, s.submitLimiter, security.EventSubmit, guestID) {
		return
	}
	sub, err := s.app.Submit(r.Context(), actor, prompt.ID, guestID, req.Payload)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	status := http.StatusCreated
	if !sub.First {
		status = http.StatusOK
	}
	writeJSON(w, status, sub)
}

type gradeRequest struct {
	IsCorrect bool   `json:"isCorrect"`
	Points    int    `json:"points"`
	Feedback  string `json:"feedback"`
}

func (s *Server) handleGrade(w http.ResponseWriter, r *http.Request, claims captoken.Claims) {
	var req gradeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := s.app.Response(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	res, err := s.app.Grade(r.Context(), actorFor(claims, resp.EventID), resp.ID, session.GradeInput{
		IsCorrect: req.IsCorrect,
		Points:    req.Points,
		Feedback:  req.Feedback,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type bonusRequest struct {
	Points int    `json:"points"`
	Reason string `json:"reason"`
}

func (s *Server) handleBonus(w http.ResponseWriter, r *http.Request, claims captoken.Claims) {
	var req bonusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	guest, err := s.app.Guest(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	updated, err := s.app.Bonus(r.Context(), actorFor(claims, guest.EventID), guest.ID, req.Points, req.Reason)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, event, key string) bool {
	if limiter == nil {
		return true
	}
	d := limiter.Allow(r.Context(), key)
	if d.Allowed {
		return true
	}
	s.audit(r, event, security.OutcomeRateLimited, key)
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, http.StatusTooManyRequests, "too many requests")
	return false
}

// audit counts a suspicious outcome for client and logs an alert once the
// client crosses the threshold.
func (s *Server) audit(r *http.Request, event, outcome, client string) {
	res, err := s.alerter.Observe(r.Context(), event, outcome, client)
	logger := util.LoggerFromContext(r.Context())
	if err != nil {
		logger.Warn("security observe failed", "event", event, "err", err)
		return
	}
	if res.Triggered {
		logger.Error("security alert",
			"event", event,
			"outcome", outcome,
			"client", client,
			"count", res.Count,
			"threshold", res.Threshold,
			"window", res.Window.String(),
		)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
