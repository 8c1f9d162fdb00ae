package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"phototheology/internal/ratelimit"
	"phototheology/internal/security"
	"phototheology/internal/util"
	"phototheology/pkg/document"
	"phototheology/services/study/internal/app"
)

const (
	maxTextBytes          = 1 << 20
	defaultMaxUploadBytes = 20 << 20
	multipartMemory       = 8 << 20
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	MaxUploadBytes int64
	CORSOrigins    []string
	TrustedProxies *util.TrustedProxies

	// Uploads are rate limited per client IP: across replicas when RedisAddr
	// is set, in process otherwise.
	RedisAddr                string
	RedisPassword            string
	UploadRateLimitPerMinute int

	Logger *slog.Logger
}

// Server exposes the study endpoints.
type Server struct {
	app            *app.App
	maxUploadBytes int64
	corsOrigins    []string
	trusted        *util.TrustedProxies
	uploadLimiter  ratelimit.Limiter
	alerter        *security.Alerter
	logger         *slog.Logger
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("study server requires app")
	}
	s := &Server{
		app:            cfg.App,
		maxUploadBytes: cfg.MaxUploadBytes,
		corsOrigins:    cfg.CORSOrigins,
		trusted:        cfg.TrustedProxies,
		logger:         cfg.Logger,
		mux:            http.NewServeMux(),
	}
	if s.maxUploadBytes <= 0 {
		s.maxUploadBytes = defaultMaxUploadBytes
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	switch {
	case cfg.UploadRateLimitPerMinute <= 0:
	case strings.TrimSpace(cfg.RedisAddr) != "":
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(ratelimit.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Prefix:   "study:ratelimit:upload",
			Limit:    cfg.UploadRateLimitPerMinute,
			Window:   time.Minute,
		})
		if err != nil {
			return nil, err
		}
		s.uploadLimiter = limiter
		s.alerter = security.NewAlerter(cfg.RedisAddr, cfg.RedisPassword, "study:alerts")
	default:
		limiter, err := ratelimit.NewLocalLimiter(cfg.UploadRateLimitPerMinute, time.Minute)
		if err != nil {
			return nil, err
		}
		s.uploadLimiter = limiter
	}
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /books", s.handleBooks)
	s.mux.HandleFunc("POST /references", s.handleReferences)
	s.mux.HandleFunc("POST /documents", s.handleDocument)
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("study", util.WithSecurityHeaders(util.WithCORS(s.corsOrigins, s.mux))))
}

// Close releases the rate limiter client.
func (s *Server) Close() error {
	var errs []error
	if s.uploadLimiter != nil {
		errs = append(errs, s.uploadLimiter.Close())
	}
	return errors.Join(append(errs, s.alerter.Close())...)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleBooks(w http.ResponseWriter, _ *http.Request) {
	books := s.app.Books()
	writeJSON(w, http.StatusOK, map[string]any{
		"items": books,
		"count": len(books),
	})
}

type referencesRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleReferences(w http.ResponseWriter, r *http.Request) {
	var req referencesRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxTextBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	writeJSON(w, http.StatusOK, s.app.Analyze(req.Text))
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	if s.uploadLimiter != nil {
		ip := util.ClientIP(r, s.trusted)
		d := s.uploadLimiter.Allow(r.Context(), ip)
		if !d.Allowed {
			if res, err := s.alerter.Observe(r.Context(), security.EventUpload, security.OutcomeRateLimited, ip); err == nil && res.Triggered {
				util.LoggerFromContext(r.Context()).Error("security alert", "event", security.EventUpload, "client", ip, "count", res.Count)
			}
			secs := max(int(math.Ceil(d.RetryAfter.Seconds())), 1)
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	defer r.MultipartForm.RemoveAll()
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()

	doc, err := s.app.AnalyzeDocument(r.Context(), header.Filename, file)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, doc)
	case errors.Is(err, app.ErrExtensionNotAllowed), errors.Is(err, document.ErrUnsupportedFormat):
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, document.ErrNoText):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		util.LoggerFromContext(r.Context()).Warn("document analysis failed", "filename", header.Filename, "err", err)
		writeError(w, http.StatusUnprocessableEntity, "could not read document")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
