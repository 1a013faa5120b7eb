// Package httpapi exposes the bot status, queue, journal and a send endpoint
// over HTTP with bearer token authentication.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/mailbot/consts"
	"github.com/migadu/mailbot/db"
	"github.com/migadu/mailbot/logger"
	"github.com/migadu/mailbot/pkg/health"
	"github.com/migadu/mailbot/server/bot"
	"github.com/migadu/mailbot/server/outbound"
	"github.com/migadu/mailbot/server/router"
	"golang.org/x/crypto/bcrypt"
)

const maxListLimit = 500

// Bot is the part of the bot the API drives.
type Bot interface {
	Status() bot.Status
	Queue() []outbound.QueuedMessage
	Rules() []router.Rule
	Send(ctx context.Context, to, cc, subject, body, attachment string, blocking bool) error
}

// JournalReader lists journal entries. It may be nil when the journal is off.
type JournalReader interface {
	List(ctx context.Context, opts db.ListOptions) ([]db.Entry, error)
}

// Server represents the HTTP API server
type Server struct {
	addr           string
	apiKey         string
	allowedHosts   []string
	trustedProxies []string
	bot            Bot
	journal        JournalReader
	health         HealthReporter
	server         *http.Server
}

// HealthReporter exposes the results of the periodic component checks.
type HealthReporter interface {
	GetOverallStatus() health.ComponentStatus
	Reports() []health.CheckReport
}

// ServerOptions holds configuration options for the HTTP API server
type ServerOptions struct {
	Addr         string
	APIKey       string
	AllowedHosts []string
	// TrustedProxies may set X-Forwarded-For / X-Real-IP (IPs or CIDRs)
	TrustedProxies []string
	Journal        JournalReader
	Health         HealthReporter
}

// New creates a new HTTP API server
func New(b Bot, options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	return &Server{
		addr:           options.Addr,
		apiKey:         options.APIKey,
		allowedHosts:   options.AllowedHosts,
		trustedProxies: options.TrustedProxies,
		bot:            b,
		journal:        options.Journal,
		health:         options.Health,
	}, nil
}

// Start runs the HTTP API server until ctx is cancelled. Serve errors are
// sent to errChan.
func Start(ctx context.Context, b Bot, options ServerOptions, errChan chan error) {
	server, err := New(b, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	logger.Info("HTTP API: starting server", "addr", options.Addr)
	if err := server.start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("HTTP API: shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP API: error shutting down server", "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.Use(s.loggingMiddleware)
	r.Use(s.allowedHostsMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.authMiddleware)
	v1.HandleFunc("/status", s.handleStatus).Methods("GET")
	v1.HandleFunc("/queue", s.handleQueue).Methods("GET")
	v1.HandleFunc("/send", s.handleSend).Methods("POST")
	v1.HandleFunc("/journal", s.handleJournal).Methods("GET")
	v1.HandleFunc("/rules", s.handleRules).Methods("GET")

	return r
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTP API: request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		if !hostAllowed(s.allowedHosts, getClientIP(r, s.trustedProxies)) {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if !verifyAPIKey(s.apiKey, parts[1]) {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Utility functions

const (
	blfCryptPrefix = "{BLF-CRYPT}"

	bcryptPrefix2a = "$2a$"
	bcryptPrefix2b = "$2b$"
	bcryptPrefix2y = "$2y$"
)

// verifyAPIKey compares token with the configured key, which is either
// plaintext or a bcrypt hash with an optional {BLF-CRYPT} prefix.
func verifyAPIKey(stored, token string) bool {
	switch {
	case strings.HasPrefix(stored, blfCryptPrefix):
		stored = strings.TrimPrefix(stored, blfCryptPrefix)
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(token)) == nil
	case strings.HasPrefix(stored, bcryptPrefix2a),
		strings.HasPrefix(stored, bcryptPrefix2b),
		strings.HasPrefix(stored, bcryptPrefix2y):
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(token)) == nil
	default:
		return subtle.ConstantTimeCompare([]byte(token), []byte(stored)) == 1
	}
}

// HashAPIKey returns a {BLF-CRYPT} bcrypt hash of key for use as api_key.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("error generating bcrypt hash: %w", err)
	}
	return blfCryptPrefix + string(hash), nil
}

func hostAllowed(allowed []string, clientIP string) bool {
	ip := net.ParseIP(clientIP)
	for _, host := range allowed {
		if host == clientIP {
			return true
		}
		if strings.Contains(host, "/") && ip != nil {
			if _, cidr, err := net.ParseCIDR(host); err == nil && cidr.Contains(ip) {
				return true
			}
		}
	}
	return false
}

// getClientIP returns the peer address. Forwarding headers are honored only
// when the peer is one of trustedProxies.
func getClientIP(r *http.Request, trustedProxies []string) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if len(trustedProxies) == 0 || !hostAllowed(trustedProxies, host) {
		return host
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("HTTP API: error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// Request/Response types

type SendRequest struct {
	To       string `json:"to"`
	Cc       string `json:"cc,omitempty"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	Blocking bool   `json:"blocking"`
}

type QueueEntry struct {
	ID          string    `json:"id"`
	To          string    `json:"to"`
	Cc          string    `json:"cc,omitempty"`
	Subject     string    `json:"subject"`
	QueuedAt    time.Time `json:"queued_at"`
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"last_attempt,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

type RuleInfo struct {
	Position  int    `json:"position"`
	Name      string `json:"name"`
	Sender    string `json:"sender,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Body      string `json:"body,omitempty"`
	Predicate bool   `json:"predicate"`
}

// Handler functions

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status     string               `json:"status"`
	Running    bool                 `json:"running"`
	Overall    string               `json:"overall,omitempty"`
	Components []health.CheckReport `json:"components,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Running: s.bot.Status().Running}
	if !resp.Running {
		resp.Status = "stopped"
	}

	code := http.StatusOK
	if s.health != nil {
		overall := s.health.GetOverallStatus()
		resp.Overall = string(overall)
		resp.Components = s.health.Reports()
		if overall == health.StatusUnhealthy {
			resp.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}
	s.writeJSON(w, code, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.bot.Status())
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	entries := s.bot.Queue()
	out := make([]QueueEntry, len(entries))
	for i, e := range entries {
		out[i] = QueueEntry{
			ID:          e.ID,
			To:          e.Message.Receiver(),
			Cc:          e.Message.Cc(),
			Subject:     e.Message.Subject(),
			QueuedAt:    e.QueuedAt,
			Attempts:    e.Attempts,
			LastAttempt: e.LastAttempt,
			LastError:   e.LastError,
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"count": len(out), "entries": out})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req SendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 10<<20)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if strings.TrimSpace(req.To) == "" {
		s.writeError(w, http.StatusBadRequest, "Recipient is required")
		return
	}

	err := s.bot.Send(r.Context(), req.To, req.Cc, req.Subject, req.Body, "", req.Blocking)
	switch {
	case errors.Is(err, consts.ErrSMTPNotConfigured):
		s.writeError(w, http.StatusConflict, err.Error())
	case err != nil && req.Blocking:
		s.writeError(w, http.StatusBadGateway, err.Error())
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	case req.Blocking:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
	default:
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	}
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, http.StatusNotFound, consts.ErrJournalDisabled.Error())
		return
	}

	opts := db.ListOptions{Direction: r.URL.Query().Get("direction")}
	switch opts.Direction {
	case "", db.DirectionInbound, db.DirectionOutbound:
	default:
		s.writeError(w, http.StatusBadRequest, "direction must be 'inbound' or 'outbound'")
		return
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		opts.Limit = min(n, maxListLimit)
	}

	entries, err := s.journal.List(r.Context(), opts)
	if err != nil {
		logger.Error("HTTP API: failed to list journal", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to read journal")
		return
	}
	if entries == nil {
		entries = []db.Entry{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"count": len(entries), "entries": entries})
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	rules := s.bot.Rules()
	out := make([]RuleInfo, len(rules))
	for i, rule := range rules {
		out[i] = RuleInfo{
			Position:  i + 1,
			Name:      rule.Name,
			Sender:    pattern(rule.Sender),
			Subject:   pattern(rule.Subject),
			Body:      pattern(rule.Body),
			Predicate: rule.Predicate != nil,
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"count": len(out), "rules": out})
}

func pattern(re *regexp.Regexp) string {
	if re == nil {
		return ""
	}
	return strings.TrimPrefix(re.String(), "(?im)")
}
