package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"matcharena/broker/internal/player"
	"matcharena/broker/internal/rules"
)

// countingEngine accepts every action and tracks a counter in the state blob.
type countingEngine struct{}

func (countingEngine) Initial([]player.ID) (json.RawMessage, error) {
	return json.RawMessage(`{"count":0}`), nil
}

func (countingEngine) Apply(state json.RawMessage, _ player.ID, _ json.RawMessage) (json.RawMessage, error) {
	var decoded struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(state, &decoded); err != nil {
		return nil, err
	}
	return json.RawMessage(fmt.Sprintf(`{"count":%d}`, decoded.Count+1)), nil
}

// vetoEngine rejects every action.
type vetoEngine struct{ countingEngine }

func (vetoEngine) Apply(json.RawMessage, player.ID, json.RawMessage) (json.RawMessage, error) {
	return nil, fmt.Errorf("%w: veto", rules.ErrRejected)
}

func newActiveSession(t *testing.T, engine rules.Engine, opts ...Option) *Session {
	t.Helper()
	s, err := New("m-1", []player.ID{"a", "b"}, engine, opts...)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, err := s.MarkConnected("a"); err != nil {
		t.Fatalf("connect a: %v", err)
	}
	activated, err := s.MarkConnected("b")
	if err != nil {
		t.Fatalf("connect b: %v", err)
	}
	if !activated {
		t.Fatalf("session did not activate")
	}
	return s
}

func TestLifecycleFormingToActive(t *testing.T) {
	s, err := New("m-1", []player.ID{"a", "b"}, countingEngine{})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if s.Status() != StatusForming {
		t.Fatalf("unexpected status: %s", s.Status())
	}

	if _, err := s.Apply("a", json.RawMessage(`{}`)); !errors.Is(err, ErrSessionForming) {
		t.Fatalf("expected forming error, got %v", err)
	}

	activated, err := s.MarkConnected("a")
	if err != nil || activated {
		t.Fatalf("premature activation: %v %v", activated, err)
	}
	if activated, err = s.MarkConnected("b"); err != nil || !activated {
		t.Fatalf("expected activation: %v %v", activated, err)
	}
	if s.Status() != StatusActive {
		t.Fatalf("unexpected status: %s", s.Status())
	}
}

func TestApplyIncrementsVersionByOne(t *testing.T) {
	s := newActiveSession(t, countingEngine{})
	before := s.Snapshot().Version

	snapshot, err := s.Apply("a", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if snapshot.Version != before+1 {
		t.Fatalf("version jumped from %d to %d", before, snapshot.Version)
	}

	// The snapshot immediately after reflects exactly this apply.
	var decoded struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(s.Snapshot().State, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Count != 1 {
		t.Fatalf("unexpected count: %d", decoded.Count)
	}
}

func TestConcurrentAppliesNeverLoseUpdates(t *testing.T) {
	s := newActiveSession(t, countingEngine{})
	base := s.Snapshot().Version

	const appliers = 8
	const perApplier = 25
	var wg sync.WaitGroup
	for i := 0; i < appliers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perApplier; j++ {
				if _, err := s.Apply("a", json.RawMessage(`{}`)); err != nil {
					t.Errorf("apply: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	snapshot := s.Snapshot()
	if snapshot.Version != base+appliers*perApplier {
		t.Fatalf("expected version %d, got %d", base+appliers*perApplier, snapshot.Version)
	}
	var decoded struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(snapshot.State, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Count != appliers*perApplier {
		t.Fatalf("lost update: count=%d", decoded.Count)
	}
}

func TestRejectedApplyLeavesSessionUnchanged(t *testing.T) {
	s := newActiveSession(t, vetoEngine{})
	before := s.Snapshot()

	_, err := s.Apply("a", json.RawMessage(`{}`))
	if !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("expected invalid action, got %v", err)
	}

	after := s.Snapshot()
	if after.Version != before.Version || string(after.State) != string(before.State) {
		t.Fatalf("session mutated on rejection: %+v vs %+v", before, after)
	}
}

func TestApplyRejectsOutsiders(t *testing.T) {
	s := newActiveSession(t, countingEngine{})
	if _, err := s.Apply("intruder", json.RawMessage(`{}`)); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected not participant, got %v", err)
	}
}

func TestTerminalSessionRefusesApplies(t *testing.T) {
	s := newActiveSession(t, countingEngine{})
	if _, err := s.Complete("a wins"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := s.Apply("a", json.RawMessage(`{}`)); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected closed, got %v", err)
	}
	if _, err := s.Abort("late"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected closed on double terminal, got %v", err)
	}
}

func TestConnectGraceExpiry(t *testing.T) {
	start := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	s, err := New("m-2", []player.ID{"a", "b"}, countingEngine{},
		WithClock(func() time.Time { return start }),
		WithConnectGrace(10*time.Second),
	)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, err := s.MarkConnected("a"); err != nil {
		t.Fatalf("connect a: %v", err)
	}

	if expired, _ := s.CheckDeadlines(start.Add(5 * time.Second)); expired {
		t.Fatalf("grace expired too early")
	}
	expired, reason := s.CheckDeadlines(start.Add(11 * time.Second))
	if !expired || reason == "" {
		t.Fatalf("expected connect grace expiry, got %v %q", expired, reason)
	}
}

func TestDisconnectGraceExpiry(t *testing.T) {
	current := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	s := newActiveSession(t, countingEngine{},
		WithClock(func() time.Time { return current }),
		WithDisconnectGrace(15*time.Second),
	)

	s.MarkDisconnected("b")
	if expired, _ := s.CheckDeadlines(current.Add(10 * time.Second)); expired {
		t.Fatalf("disconnect grace expired too early")
	}

	// A reconnect inside the grace clears the accounting entirely.
	if _, err := s.MarkConnected("b"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if expired, _ := s.CheckDeadlines(current.Add(time.Minute)); expired {
		t.Fatalf("grace should be cleared after reconnect")
	}

	s.MarkDisconnected("b")
	expired, reason := s.CheckDeadlines(current.Add(16 * time.Second))
	if !expired || reason == "" {
		t.Fatalf("expected disconnect grace expiry, got %v %q", expired, reason)
	}
}

func TestTerminalTransitionBumpsVersionForFinalBroadcast(t *testing.T) {
	s := newActiveSession(t, countingEngine{})
	before := s.Snapshot().Version
	snapshot, err := s.Abort("admin")
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if snapshot.Version != before+1 || snapshot.Status != StatusAborted || snapshot.Reason != "admin" {
		t.Fatalf("unexpected terminal snapshot: %+v", snapshot)
	}
}
