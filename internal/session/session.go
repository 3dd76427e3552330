package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"matcharena/broker/internal/player"
	"matcharena/broker/internal/rules"
)

// Status models the session lifecycle. Transitions only ever move forward:
// Forming -> Active -> Completed|Aborted, or Forming -> Aborted when the
// connect grace expires first.
type Status string

const (
	StatusForming   Status = "forming"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
)

var (
	// ErrNotParticipant is returned when the actor does not belong to the match.
	ErrNotParticipant = errors.New("not a participant of this match")
	// ErrInvalidAction wraps gameplay rejections; the session state is unchanged.
	ErrInvalidAction = errors.New("invalid action")
	// ErrSessionClosed is returned for operations on a terminal session.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionForming is returned when actions arrive before all participants connected.
	ErrSessionForming = errors.New("session still forming")
)

// Snapshot captures a stable view of the session for broadcasting and persistence.
type Snapshot struct {
	MatchID      string          `json:"match_id"`
	Status       Status          `json:"status"`
	Participants []player.ID     `json:"participants"`
	Version      uint64          `json:"version"`
	State        json.RawMessage `json:"state"`
	Outcome      string          `json:"outcome,omitempty"`
	Reason       string          `json:"reason,omitempty"`
}

// Option configures optional session behaviour at construction time.
type Option func(*Session)

// WithClock injects a deterministic clock, primarily for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Session) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithConnectGrace bounds how long the session may stay in Forming.
func WithConnectGrace(grace time.Duration) Option {
	return func(s *Session) {
		if grace > 0 {
			s.connectGrace = grace
		}
	}
}

// WithDisconnectGrace bounds how long an active session tolerates an absent participant.
func WithDisconnectGrace(grace time.Duration) Option {
	return func(s *Session) {
		if grace > 0 {
			s.disconnectGrace = grace
		}
	}
}

// Session owns the authoritative state of one match. Every mutation serializes
// through its single critical section; distinct sessions mutate concurrently.
type Session struct {
	mu sync.RWMutex

	id           string
	participants []player.ID
	engine       rules.Engine

	state   json.RawMessage
	version uint64
	status  Status
	outcome string
	reason  string

	createdAt       time.Time
	connectGrace    time.Duration
	disconnectGrace time.Duration
	connected       map[player.ID]bool
	absentSince     map[player.ID]time.Time

	now func() time.Time
}

// New constructs a Forming session and seeds the opening state from the engine.
func New(id string, participants []player.ID, engine rules.Engine, opts ...Option) (*Session, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("match id must not be empty")
	}
	if len(participants) < 2 {
		return nil, errors.New("a match needs at least two participants")
	}
	if engine == nil {
		return nil, errors.New("rules engine must not be nil")
	}
	seen := make(map[player.ID]bool, len(participants))
	for _, id := range participants {
		if strings.TrimSpace(string(id)) == "" || seen[id] {
			return nil, fmt.Errorf("invalid participant set: %v", participants)
		}
		seen[id] = true
	}

	session := &Session{
		id:              id,
		participants:    append([]player.ID(nil), participants...),
		engine:          engine,
		status:          StatusForming,
		connectGrace:    30 * time.Second,
		disconnectGrace: 15 * time.Second,
		connected:       make(map[player.ID]bool, len(participants)),
		absentSince:     make(map[player.ID]time.Time),
		now:             time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(session)
		}
	}
	session.createdAt = session.now()

	initial, err := engine.Initial(session.participants)
	if err != nil {
		return nil, fmt.Errorf("seed initial state: %w", err)
	}
	session.state = initial
	session.version = 1
	return session, nil
}

// ID returns the match identifier.
func (s *Session) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

// Participants returns the ordered participant set.
func (s *Session) Participants() []player.ID {
	if s == nil {
		return nil
	}
	return append([]player.ID(nil), s.participants...)
}

// IsParticipant reports whether the identity belongs to this match.
func (s *Session) IsParticipant(id player.ID) bool {
	if s == nil {
		return false
	}
	for _, participant := range s.participants {
		if participant == id {
			return true
		}
	}
	return false
}

// Apply evaluates one participant action atomically: either the engine accepts
// it and the version increments by exactly 1, or the state stays untouched.
func (s *Session) Apply(actor player.ID, action json.RawMessage) (Snapshot, error) {
	if s == nil {
		return Snapshot{}, errors.New("session is nil")
	}
	if !s.IsParticipant(actor) {
		return Snapshot{}, ErrNotParticipant
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status {
	case StatusForming:
		return Snapshot{}, ErrSessionForming
	case StatusCompleted, StatusAborted:
		return Snapshot{}, ErrSessionClosed
	}

	next, err := s.engine.Apply(s.state, actor, action)
	if err != nil {
		if errors.Is(err, rules.ErrRejected) {
			return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidAction, err)
		}
		return Snapshot{}, err
	}
	s.state = next
	s.version++
	return s.snapshotLocked(), nil
}

// Snapshot returns a read-only view; it never blocks a pending Apply beyond
// the lock handoff itself.
func (s *Session) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Status reports the current lifecycle state.
func (s *Session) Status() Status {
	if s == nil {
		return StatusAborted
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// MarkConnected records a participant's presence. The session activates once
// every participant has connected; the returned flag reports that transition.
func (s *Session) MarkConnected(id player.ID) (bool, error) {
	if s == nil {
		return false, errors.New("session is nil")
	}
	if !s.IsParticipant(id) {
		return false, ErrNotParticipant
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status {
	case StatusCompleted, StatusAborted:
		return false, ErrSessionClosed
	case StatusActive:
		//1.- A reconnect clears the disconnect-grace accounting for the player.
		delete(s.absentSince, id)
		s.connected[id] = true
		return false, nil
	}

	s.connected[id] = true
	for _, participant := range s.participants {
		if !s.connected[participant] {
			return false, nil
		}
	}
	s.status = StatusActive
	s.version++
	return true, nil
}

// MarkDisconnected starts the disconnect-grace clock for the participant. The
// session does not abort immediately; CheckDeadlines enforces the grace.
func (s *Session) MarkDisconnected(id player.ID) {
	if s == nil || !s.IsParticipant(id) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusCompleted || s.status == StatusAborted {
		return
	}
	s.connected[id] = false
	if s.status == StatusActive {
		if _, tracked := s.absentSince[id]; !tracked {
			s.absentSince[id] = s.now()
		}
	}
}

// CheckDeadlines reports whether a lifecycle grace period has expired. It does
// not mutate the session; the caller decides to Abort so that the terminal
// notification and persistence happen in one place.
func (s *Session) CheckDeadlines(now time.Time) (expired bool, reason string) {
	if s == nil {
		return false, ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch s.status {
	case StatusForming:
		if s.connectGrace > 0 && now.Sub(s.createdAt) > s.connectGrace {
			return true, "connect grace expired"
		}
	case StatusActive:
		if s.disconnectGrace <= 0 {
			return false, ""
		}
		for id, since := range s.absentSince {
			if now.Sub(since) > s.disconnectGrace {
				return true, fmt.Sprintf("participant %s absent past grace", id)
			}
		}
	}
	return false, ""
}

// Complete transitions an active session to its normal terminal state.
func (s *Session) Complete(result string) (Snapshot, error) {
	if s == nil {
		return Snapshot{}, errors.New("session is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusCompleted || s.status == StatusAborted {
		return Snapshot{}, ErrSessionClosed
	}
	if s.status != StatusActive {
		return Snapshot{}, ErrSessionForming
	}
	s.status = StatusCompleted
	s.outcome = result
	//1.- Bump the version so the terminal snapshot is broadcast once more.
	s.version++
	return s.snapshotLocked(), nil
}

// Abort transitions the session to its failure terminal state.
func (s *Session) Abort(reason string) (Snapshot, error) {
	if s == nil {
		return Snapshot{}, errors.New("session is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusCompleted || s.status == StatusAborted {
		return Snapshot{}, ErrSessionClosed
	}
	s.status = StatusAborted
	s.reason = reason
	s.version++
	return s.snapshotLocked(), nil
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		MatchID:      s.id,
		Status:       s.status,
		Participants: append([]player.ID(nil), s.participants...),
		Version:      s.version,
		State:        append(json.RawMessage(nil), s.state...),
		Outcome:      s.outcome,
		Reason:       s.reason,
	}
}
