package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"matcharena/broker/internal/logging"
	"matcharena/broker/internal/session"
	"matcharena/broker/internal/storage"
)

type fakeReadiness struct {
	clients  int
	sessions int
	depth    int
	startup  error
	uptime   time.Duration
}

func (f *fakeReadiness) ClientCount() int      { return f.clients }
func (f *fakeReadiness) SessionCount() int     { return f.sessions }
func (f *fakeReadiness) QueueDepth() int       { return f.depth }
func (f *fakeReadiness) StartupError() error   { return f.startup }
func (f *fakeReadiness) Uptime() time.Duration { return f.uptime }

type fakeHistory struct {
	records []storage.MatchRecord
	err     error
	limit   int
}

func (f *fakeHistory) RecentMatches(_ context.Context, limit int) ([]storage.MatchRecord, error) {
	f.limit = limit
	return f.records, f.err
}

type fakeAdmin struct {
	completed [][2]string
	aborted   [][2]string
	err       error
}

func (f *fakeAdmin) Complete(matchID, result string) (session.Snapshot, error) {
	f.completed = append(f.completed, [2]string{matchID, result})
	return session.Snapshot{MatchID: matchID, Status: session.StatusCompleted, Version: 7}, f.err
}

func (f *fakeAdmin) Abort(matchID, reason string) (session.Snapshot, error) {
	f.aborted = append(f.aborted, [2]string{matchID, reason})
	return session.Snapshot{MatchID: matchID, Status: session.StatusAborted, Version: 4}, f.err
}

func newHandlers(opts Options) *HandlerSet {
	if opts.Logger == nil {
		opts.Logger = logging.NewTestLogger()
	}
	return NewHandlerSet(opts)
}

func TestLivenessHandler(t *testing.T) {
	stamp := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	handlers := newHandlers(Options{TimeSource: func() time.Time { return stamp }})

	rec := httptest.NewRecorder()
	handlers.LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var body struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "alive" || !strings.HasPrefix(body.Timestamp, "2026-03-01T12:00:00") {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestReadinessHandlerReportsCounts(t *testing.T) {
	handlers := newHandlers(Options{Readiness: &fakeReadiness{
		clients:  4,
		sessions: 2,
		depth:    1,
		uptime:   90 * time.Second,
	}})

	rec := httptest.NewRecorder()
	handlers.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var body struct {
		Status     string  `json:"status"`
		Clients    int     `json:"clients"`
		Sessions   int     `json:"sessions"`
		QueueDepth int     `json:"queue_depth"`
		Uptime     float64 `json:"uptime_seconds"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Clients != 4 || body.Sessions != 2 || body.QueueDepth != 1 || body.Uptime != 90 {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestReadinessHandlerSurfacesStartupError(t *testing.T) {
	handlers := newHandlers(Options{Readiness: &fakeReadiness{startup: errors.New("db locked")}})

	rec := httptest.NewRecorder()
	handlers.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestRecentMatchesHandler(t *testing.T) {
	history := &fakeHistory{records: []storage.MatchRecord{{MatchID: "m-1", Status: "completed"}}}
	handlers := newHandlers(Options{History: history})

	rec := httptest.NewRecorder()
	handlers.RecentMatchesHandler()(rec, httptest.NewRequest(http.MethodGet, "/matches?limit=5", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if history.limit != 5 {
		t.Fatalf("limit not forwarded: %d", history.limit)
	}
	var body struct {
		Matches []storage.MatchRecord `json:"matches"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Matches) != 1 || body.Matches[0].MatchID != "m-1" {
		t.Fatalf("unexpected matches %+v", body.Matches)
	}
}

func TestRecentMatchesHandlerRejectsBadLimit(t *testing.T) {
	handlers := newHandlers(Options{History: &fakeHistory{}})

	rec := httptest.NewRecorder()
	handlers.RecentMatchesHandler()(rec, httptest.NewRequest(http.MethodGet, "/matches?limit=zero", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRecentMatchesHandlerCapsLimit(t *testing.T) {
	history := &fakeHistory{}
	handlers := newHandlers(Options{History: history})

	rec := httptest.NewRecorder()
	handlers.RecentMatchesHandler()(rec, httptest.NewRequest(http.MethodGet, "/matches?limit=5000", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if history.limit != 100 {
		t.Fatalf("limit not capped: %d", history.limit)
	}
}

func adminRequest(body, token string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/admin/end", strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestAdminEndHandlerRequiresConfiguredToken(t *testing.T) {
	handlers := newHandlers(Options{Admin: &fakeAdmin{}})

	rec := httptest.NewRecorder()
	handlers.AdminEndHandler()(rec, adminRequest(`{"match_id":"m-1","action":"abort"}`, "whatever"))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 when auth disabled, got %d", rec.Code)
	}
}

func TestAdminEndHandlerRejectsBadToken(t *testing.T) {
	handlers := newHandlers(Options{Admin: &fakeAdmin{}, AdminToken: "secret"})

	rec := httptest.NewRecorder()
	handlers.AdminEndHandler()(rec, adminRequest(`{"match_id":"m-1","action":"abort"}`, "wrong"))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

type denyLimiter struct{}

func (denyLimiter) Allow() bool { return false }

func TestAdminEndHandlerHonoursRateLimit(t *testing.T) {
	handlers := newHandlers(Options{Admin: &fakeAdmin{}, AdminToken: "secret", RateLimiter: denyLimiter{}})

	rec := httptest.NewRecorder()
	handlers.AdminEndHandler()(rec, adminRequest(`{"match_id":"m-1","action":"abort"}`, "secret"))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestAdminEndHandlerCompletesMatch(t *testing.T) {
	admin := &fakeAdmin{}
	handlers := newHandlers(Options{Admin: admin, AdminToken: "secret"})

	rec := httptest.NewRecorder()
	handlers.AdminEndHandler()(rec, adminRequest(`{"match_id":"m-1","action":"complete","result":"draw"}`, "secret"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if len(admin.completed) != 1 || admin.completed[0] != [2]string{"m-1", "draw"} {
		t.Fatalf("complete not forwarded: %v", admin.completed)
	}
	var body struct {
		Status  string `json:"status"`
		Version uint64 `json:"version"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != string(session.StatusCompleted) || body.Version != 7 {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestAdminEndHandlerRejectsUnknownAction(t *testing.T) {
	handlers := newHandlers(Options{Admin: &fakeAdmin{}, AdminToken: "secret"})

	rec := httptest.NewRecorder()
	handlers.AdminEndHandler()(rec, adminRequest(`{"match_id":"m-1","action":"pause"}`, "secret"))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
