package broadcast

import (
	"errors"
	"sync"
	"time"

	"matcharena/broker/internal/logging"
	"matcharena/broker/internal/metrics"
	"matcharena/broker/internal/player"
	"matcharena/broker/internal/protocol"
	"matcharena/broker/internal/registry"
	"matcharena/broker/internal/session"
)

// SessionSource supplies the sessions to broadcast each tick and receives
// delivery-failure signals back. The session manager implements it.
type SessionSource interface {
	// ActiveSessions lists the sessions currently owned by the manager.
	ActiveSessions() []*session.Session
	// NotifyUndeliverable reports that a participant's connection was dropped
	// while broadcasting, so the disconnect-grace accounting can start.
	NotifyUndeliverable(matchID string, id player.ID)
	// SweepDeadlines enforces connect/disconnect graces at the tick cadence.
	SweepDeadlines(now time.Time)
}

// Scheduler snapshots every active session once per tick and pushes changed
// versions to each participant. Delivery is monotonic per participant:
// intermediate versions may coalesce but a stale version is never resent.
type Scheduler struct {
	source   SessionSource
	registry *registry.Registry
	log      *logging.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu   sync.Mutex
	sent map[string]map[player.ID]uint64
}

// SchedulerOption configures optional scheduler behaviour.
type SchedulerOption func(*Scheduler)

// WithSchedulerClock injects a deterministic clock, primarily for tests.
func WithSchedulerClock(clock func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewScheduler constructs a broadcast scheduler over the given source and registry.
func NewScheduler(source SessionSource, reg *registry.Registry, log *logging.Logger, m *metrics.Metrics, opts ...SchedulerOption) *Scheduler {
	if log == nil {
		log = logging.L()
	}
	scheduler := &Scheduler{
		source:   source,
		registry: reg,
		log:      log,
		metrics:  m,
		now:      time.Now,
		sent:     make(map[string]map[player.ID]uint64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(scheduler)
		}
	}
	return scheduler
}

// Tick runs one broadcast cycle. It is invoked by the fixed-period Loop.
func (s *Scheduler) Tick(time.Duration) {
	if s == nil || s.source == nil || s.registry == nil {
		return
	}
	s.metrics.BroadcastTick()
	now := s.now()

	//1.- Enforce lifecycle graces first so expired sessions are torn down by
	// the manager before this cycle snapshots them.
	s.source.SweepDeadlines(now)

	sessions := s.source.ActiveSessions()
	seen := make(map[string]bool, len(sessions))
	for _, sess := range sessions {
		snapshot := sess.Snapshot()
		seen[snapshot.MatchID] = true
		if snapshot.Status != session.StatusActive {
			continue
		}
		s.deliver(snapshot)
	}

	//2.- Drop version tracking for sessions the manager no longer owns.
	s.mu.Lock()
	for matchID := range s.sent {
		if !seen[matchID] {
			delete(s.sent, matchID)
		}
	}
	s.mu.Unlock()
}

func (s *Scheduler) deliver(snapshot session.Snapshot) {
	frame, err := protocol.EncodeStateUpdate(snapshot.MatchID, snapshot.Version, snapshot.State)
	if err != nil {
		s.log.Error("encode state update",
			logging.String("match_id", snapshot.MatchID), logging.Error(err))
		return
	}

	for _, participant := range snapshot.Participants {
		if s.lastSent(snapshot.MatchID, participant) == snapshot.Version {
			continue
		}
		if err := s.registry.Send(participant, frame); err != nil {
			s.handleSendError(snapshot.MatchID, participant, err)
			continue
		}
		s.metrics.SnapshotSent()
		s.recordSent(snapshot.MatchID, participant, snapshot.Version)
	}
}

func (s *Scheduler) handleSendError(matchID string, participant player.ID, err error) {
	switch {
	case errors.Is(err, registry.ErrSendFailed):
		//1.- A rejecting transport is stale: drop it instead of retrying and
		// let the session-level disconnect grace decide the match's fate.
		s.metrics.SendFailure()
		s.registry.Unregister(participant)
		s.source.NotifyUndeliverable(matchID, participant)
		s.log.Warn("dropped unresponsive connection",
			logging.String("match_id", matchID),
			logging.String("player_id", string(participant)),
			logging.Error(err))
	case errors.Is(err, registry.ErrNotConnected):
		s.source.NotifyUndeliverable(matchID, participant)
	default:
		s.log.Error("broadcast send",
			logging.String("match_id", matchID),
			logging.String("player_id", string(participant)),
			logging.Error(err))
	}
}

func (s *Scheduler) lastSent(matchID string, participant player.ID) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions, ok := s.sent[matchID]
	if !ok {
		return 0
	}
	return versions[participant]
}

func (s *Scheduler) recordSent(matchID string, participant player.ID, version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions, ok := s.sent[matchID]
	if !ok {
		versions = make(map[player.ID]uint64)
		s.sent[matchID] = versions
	}
	//1.- Guard the monotonic delivery invariant even if ticks ever interleave.
	if version > versions[participant] {
		versions[participant] = version
	}
}
