package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"matcharena/broker/internal/logging"
	"matcharena/broker/internal/session"
	"matcharena/broker/internal/storage"
)

// ReadinessProvider exposes arena state required for readiness checks.
type ReadinessProvider interface {
	ClientCount() int
	SessionCount() int
	QueueDepth() int
	StartupError() error
	Uptime() time.Duration
}

// MatchHistory serves recently finished matches from the durable record.
type MatchHistory interface {
	RecentMatches(ctx context.Context, limit int) ([]storage.MatchRecord, error)
}

// MatchAdmin ends live matches on operator request.
type MatchAdmin interface {
	Complete(matchID, result string) (session.Snapshot, error)
	Abort(matchID, reason string) (session.Snapshot, error)
}

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Readiness   ReadinessProvider
	History     MatchHistory
	Admin       MatchAdmin
	Metrics     http.Handler
	AdminToken  string
	RateLimiter RateLimiter
	TimeSource  func() time.Time
}

// HandlerSet bundles the arena operational handlers.
type HandlerSet struct {
	logger      *logging.Logger
	readiness   ReadinessProvider
	history     MatchHistory
	admin       MatchAdmin
	metrics     http.Handler
	adminToken  string
	rateLimiter RateLimiter
	now         func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:      logger,
		readiness:   opts.Readiness,
		history:     opts.History,
		admin:       opts.Admin,
		metrics:     opts.Metrics,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		now:         now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/healthz", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/matches", h.RecentMatchesHandler())
	mux.HandleFunc("/admin/end", h.AdminEndHandler())
	if h.metrics != nil {
		mux.Handle("/metrics", h.metrics)
	}
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports arena readiness, including client and session counts.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Clients       int     `json:"clients"`
		Sessions      int     `json:"sessions"`
		QueueDepth    int     `json:"queue_depth"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			resp.Clients = h.readiness.ClientCount()
			resp.Sessions = h.readiness.SessionCount()
			resp.QueueDepth = h.readiness.QueueDepth()
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// RecentMatchesHandler serves the newest terminal match records.
func (h *HandlerSet) RecentMatchesHandler() http.HandlerFunc {
	type response struct {
		Matches []storage.MatchRecord `json:"matches"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.history == nil {
			http.Error(w, "match history is unavailable", http.StatusServiceUnavailable)
			return
		}
		limit := 20
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = parsed
		}
		if limit > 100 {
			limit = 100
		}
		records, err := h.history.RecentMatches(r.Context(), limit)
		if err != nil {
			h.logger.Error("match history query failed", logging.Error(err))
			http.Error(w, "failed to load match history", http.StatusInternalServerError)
			return
		}
		if records == nil {
			records = []storage.MatchRecord{}
		}
		writeJSON(w, http.StatusOK, response{Matches: records})
	}
}

// AdminEndHandler authorises and applies an operator-initiated match ending.
func (h *HandlerSet) AdminEndHandler() http.HandlerFunc {
	type request struct {
		MatchID string `json:"match_id"`
		Action  string `json:"action"`
		Result  string `json:"result,omitempty"`
		Reason  string `json:"reason,omitempty"`
	}
	type response struct {
		Status  string `json:"status"`
		MatchID string `json:"match_id"`
		Version uint64 `json:"version"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "admin_end"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.adminToken == "" {
			reqLogger.Warn("admin end denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("admin end denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn("admin end denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.admin == nil {
			http.Error(w, "match administration is unavailable", http.StatusServiceUnavailable)
			return
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.MatchID) == "" {
			http.Error(w, "body must carry match_id and action", http.StatusBadRequest)
			return
		}
		var (
			snapshot session.Snapshot
			err      error
		)
		switch req.Action {
		case "complete":
			snapshot, err = h.admin.Complete(req.MatchID, req.Result)
		case "abort":
			snapshot, err = h.admin.Abort(req.MatchID, req.Reason)
		default:
			http.Error(w, "action must be complete or abort", http.StatusBadRequest)
			return
		}
		if err != nil {
			reqLogger.Warn("admin end failed",
				logging.String("match_id", req.MatchID),
				logging.Error(err))
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		reqLogger.Info("admin ended match",
			logging.String("match_id", req.MatchID),
			logging.String("action", req.Action))
		writeJSON(w, http.StatusOK, response{
			Status:  string(snapshot.Status),
			MatchID: snapshot.MatchID,
			Version: snapshot.Version,
		})
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
