package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"matcharena/broker/internal/logging"
	"matcharena/broker/internal/metrics"
	"matcharena/broker/internal/player"
	"matcharena/broker/internal/protocol"
	"matcharena/broker/internal/queue"
	"matcharena/broker/internal/registry"
	"matcharena/broker/internal/rules"
	"matcharena/broker/internal/session"
	"matcharena/broker/internal/storage"
)

// ErrUnknownMatch is returned when an action targets a match that was never
// created or has already been torn down.
var ErrUnknownMatch = errors.New("unknown match")

// Hook observes action routing. Before runs ahead of the rules engine and may
// veto the action; After sees the result, error included.
type Hook interface {
	Before(matchID string, actor player.ID, action json.RawMessage) error
	After(matchID string, actor player.ID, snapshot session.Snapshot, err error)
}

// TicketCanceller removes a player's matchmaking ticket. The queue satisfies
// it; the indirection keeps construction order flexible in main.
type TicketCanceller interface {
	CancelPlayer(id player.ID)
}

// Option mutates manager construction.
type Option func(*Manager)

// WithClock overrides the time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.now = clock
		}
	}
}

// WithConnectGrace bounds how long a forming session waits for participants.
func WithConnectGrace(grace time.Duration) Option {
	return func(m *Manager) {
		m.connectGrace = grace
	}
}

// WithDisconnectGrace bounds how long an active session tolerates an absent
// participant before the sweep abandons the match.
func WithDisconnectGrace(grace time.Duration) Option {
	return func(m *Manager) {
		m.disconnectGrace = grace
	}
}

// WithHooks installs the ordered hook chain applied around every action.
func WithHooks(hooks ...Hook) Option {
	return func(m *Manager) {
		m.hooks = append(m.hooks, hooks...)
	}
}

// Manager owns the full set of live match sessions. It creates them when the
// queue forms a pair, routes client actions into them, watches connection
// health, and tears them down with a durable record once they end.
type Manager struct {
	registry *registry.Registry
	engine   rules.Engine
	recorder storage.Recorder
	log      *logging.Logger
	metrics  *metrics.Metrics
	tickets  TicketCanceller

	now             func() time.Time
	connectGrace    time.Duration
	disconnectGrace time.Duration
	hooks           []Hook

	mu       sync.Mutex
	sessions map[string]*session.Session
	byPlayer map[player.ID]string
}

// New constructs a manager. The recorder may be nil when persistence is
// disabled; the engine and registry are required.
func New(reg *registry.Registry, engine rules.Engine, recorder storage.Recorder, log *logging.Logger, m *metrics.Metrics, opts ...Option) (*Manager, error) {
	//1.- Validate the hard dependencies before wiring anything.
	if reg == nil {
		return nil, errors.New("manager requires a connection registry")
	}
	if engine == nil {
		return nil, errors.New("manager requires a rules engine")
	}
	if log == nil {
		log = logging.L()
	}
	mgr := &Manager{
		registry: reg,
		engine:   engine,
		recorder: recorder,
		log:      log,
		metrics:  m,
		now:      time.Now,
		sessions: make(map[string]*session.Session),
		byPlayer: make(map[player.ID]string),
	}
	//2.- Apply caller overrides last so tests can pin clocks and graces.
	for _, opt := range opts {
		if opt != nil {
			opt(mgr)
		}
	}
	return mgr, nil
}

// BindQueue attaches the matchmaking queue after construction. The queue is
// built with the manager's match handler as its callback, so the two cannot
// reference each other at construction time.
func (m *Manager) BindQueue(tickets TicketCanceller) {
	if m == nil {
		return
	}
	m.tickets = tickets
}

// HandleMatchFormed is the queue callback: it opens a session for the paired
// tickets and notifies both players.
func (m *Manager) HandleMatchFormed(a, b queue.Ticket) {
	if m == nil {
		return
	}
	//1.- Open the session under a fresh match identifier.
	matchID := uuid.NewString()
	participants := []player.ID{a.Player.ID, b.Player.ID}
	opts := []session.Option{session.WithClock(m.now)}
	if m.connectGrace > 0 {
		opts = append(opts, session.WithConnectGrace(m.connectGrace))
	}
	if m.disconnectGrace > 0 {
		opts = append(opts, session.WithDisconnectGrace(m.disconnectGrace))
	}
	sess, err := session.New(matchID, participants, m.engine, opts...)
	if err != nil {
		m.log.Error("session creation failed",
			logging.String("match_id", matchID),
			logging.Error(err))
		return
	}

	m.mu.Lock()
	m.sessions[matchID] = sess
	for _, id := range participants {
		m.byPlayer[id] = matchID
	}
	m.mu.Unlock()

	m.metrics.MatchFormed()
	m.metrics.SessionOpened()
	m.log.Info("match formed",
		logging.String("match_id", matchID),
		logging.String("player_a", string(a.Player.ID)),
		logging.String("player_b", string(b.Player.ID)))

	//2.- Announce the match and mark everyone already connected as present.
	payload, err := protocol.EncodeMatchFound(matchID, sess.Participants())
	if err != nil {
		m.log.Error("encode match_found failed", logging.Error(err))
		return
	}
	for _, id := range participants {
		if err := m.registry.Send(id, payload); err != nil {
			m.log.Warn("match_found delivery failed",
				logging.String("match_id", matchID),
				logging.String("player_id", string(id)),
				logging.Error(err))
			continue
		}
		if _, err := sess.MarkConnected(id); err != nil {
			m.log.Warn("mark connected failed",
				logging.String("match_id", matchID),
				logging.String("player_id", string(id)),
				logging.Error(err))
		}
	}
}

// HandleAction routes one client action into its session. Hooks run around
// the rules engine and a terminal outcome completes the match in place.
func (m *Manager) HandleAction(actor player.ID, matchID string, action json.RawMessage) (session.Snapshot, error) {
	if m == nil {
		return session.Snapshot{}, ErrUnknownMatch
	}
	sess, ok := m.lookup(matchID)
	if !ok {
		return session.Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownMatch, matchID)
	}

	//1.- Give every hook a chance to veto before the engine runs.
	for _, hook := range m.hooks {
		if err := hook.Before(matchID, actor, action); err != nil {
			wrapped := fmt.Errorf("%w: %v", session.ErrInvalidAction, err)
			m.metrics.ApplyObserved("vetoed", 0)
			m.afterHooks(matchID, actor, session.Snapshot{}, wrapped)
			return session.Snapshot{}, wrapped
		}
	}

	//2.- Apply under the session's own lock and time the engine.
	started := m.now()
	snapshot, err := sess.Apply(actor, action)
	elapsed := m.now().Sub(started)
	switch {
	case err == nil:
		m.metrics.ApplyObserved("ok", elapsed)
	case errors.Is(err, session.ErrInvalidAction):
		m.metrics.ApplyObserved("rejected", elapsed)
	default:
		m.metrics.ApplyObserved("error", elapsed)
	}
	m.afterHooks(matchID, actor, snapshot, err)
	if err != nil {
		return snapshot, err
	}

	//3.- Engines that detect game over complete the match immediately.
	if outcomer, ok := m.engine.(rules.Outcomer); ok {
		if result, done := outcomer.Outcome(snapshot.State); done {
			if final, err := m.Complete(matchID, result); err == nil {
				return final, nil
			}
		}
	}
	return snapshot, nil
}

// HandlePlayerConnected records a returning participant as present. It
// reports the match the player belongs to, if any, so the transport can
// resume routing.
func (m *Manager) HandlePlayerConnected(id player.ID) (string, bool) {
	if m == nil {
		return "", false
	}
	sess, matchID, ok := m.lookupByPlayer(id)
	if !ok {
		return "", false
	}
	activated, err := sess.MarkConnected(id)
	if err != nil {
		return matchID, true
	}
	if activated {
		m.log.Info("session activated", logging.String("match_id", matchID))
	}
	return matchID, true
}

// HandlePlayerDisconnected cancels the player's queue ticket and starts the
// disconnect grace clock on their session, if they have one.
func (m *Manager) HandlePlayerDisconnected(id player.ID) {
	if m == nil {
		return
	}
	if m.tickets != nil {
		m.tickets.CancelPlayer(id)
	}
	if sess, matchID, ok := m.lookupByPlayer(id); ok {
		sess.MarkDisconnected(id)
		m.log.Info("participant absent",
			logging.String("match_id", matchID),
			logging.String("player_id", string(id)))
	}
}

// NotifyUndeliverable is the broadcast scheduler's failure callback. A dead
// send pipe is treated exactly like a disconnect.
func (m *Manager) NotifyUndeliverable(matchID string, id player.ID) {
	if m == nil {
		return
	}
	if sess, ok := m.lookup(matchID); ok {
		sess.MarkDisconnected(id)
	}
}

// SweepDeadlines abandons every session whose connect or disconnect grace has
// run out. The broadcast scheduler calls it once per tick.
func (m *Manager) SweepDeadlines(now time.Time) {
	if m == nil {
		return
	}
	m.mu.Lock()
	expired := make(map[string]string)
	for id, sess := range m.sessions {
		if dead, reason := sess.CheckDeadlines(now); dead {
			expired[id] = reason
		}
	}
	m.mu.Unlock()

	for matchID, reason := range expired {
		if _, err := m.Abort(matchID, reason); err != nil && !errors.Is(err, ErrUnknownMatch) {
			m.log.Warn("deadline abort failed",
				logging.String("match_id", matchID),
				logging.Error(err))
		}
	}
}

// Complete finishes a match with a result and tears the session down.
func (m *Manager) Complete(matchID, result string) (session.Snapshot, error) {
	sess, ok := m.lookup(matchID)
	if !ok {
		return session.Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownMatch, matchID)
	}
	snapshot, err := sess.Complete(result)
	if err != nil {
		return session.Snapshot{}, err
	}
	m.teardown(snapshot)
	return snapshot, nil
}

// Abort cancels a match with a reason and tears the session down.
func (m *Manager) Abort(matchID, reason string) (session.Snapshot, error) {
	sess, ok := m.lookup(matchID)
	if !ok {
		return session.Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownMatch, matchID)
	}
	snapshot, err := sess.Abort(reason)
	if err != nil {
		return session.Snapshot{}, err
	}
	m.teardown(snapshot)
	return snapshot, nil
}

// ActiveSessions returns every tracked session sorted by match id. The
// broadcast scheduler filters by status itself.
func (m *Manager) ActiveSessions() []*session.Session {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*session.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// SessionCount reports how many sessions are live.
func (m *Manager) SessionCount() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// MatchFor reports which match a player currently belongs to.
func (m *Manager) MatchFor(id player.ID) (string, bool) {
	if m == nil {
		return "", false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	matchID, ok := m.byPlayer[id]
	return matchID, ok
}

// Shutdown aborts every live session so clients get a terminal notification
// before the server exits.
func (m *Manager) Shutdown(reason string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	for _, id := range ids {
		if _, err := m.Abort(id, reason); err != nil && !errors.Is(err, ErrUnknownMatch) {
			m.log.Warn("shutdown abort failed",
				logging.String("match_id", id),
				logging.Error(err))
		}
	}
}

func (m *Manager) lookup(matchID string) (*session.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[matchID]
	return sess, ok
}

func (m *Manager) lookupByPlayer(id player.ID) (*session.Session, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	matchID, ok := m.byPlayer[id]
	if !ok {
		return nil, "", false
	}
	sess, ok := m.sessions[matchID]
	return sess, matchID, ok
}

func (m *Manager) afterHooks(matchID string, actor player.ID, snapshot session.Snapshot, err error) {
	for _, hook := range m.hooks {
		hook.After(matchID, actor, snapshot, err)
	}
}

// teardown delivers the terminal frames, persists the record, and forgets the
// session. Delivery and persistence are both best effort: a match that ended
// must disappear from the live set no matter what.
func (m *Manager) teardown(snapshot session.Snapshot) {
	//1.- Push the final versioned state followed by the end-of-match frame.
	stateFrame, stateErr := protocol.EncodeStateUpdate(snapshot.MatchID, snapshot.Version, snapshot.State)
	endFrame, endErr := protocol.EncodeMatchEnded(snapshot.MatchID, snapshot.Outcome, snapshot.Reason)
	for _, id := range snapshot.Participants {
		if stateErr == nil {
			if err := m.registry.Send(id, stateFrame); err != nil && !errors.Is(err, registry.ErrNotConnected) {
				m.log.Warn("final state delivery failed",
					logging.String("match_id", snapshot.MatchID),
					logging.String("player_id", string(id)),
					logging.Error(err))
			}
		}
		if endErr == nil {
			if err := m.registry.Send(id, endFrame); err != nil && !errors.Is(err, registry.ErrNotConnected) {
				m.log.Warn("match_ended delivery failed",
					logging.String("match_id", snapshot.MatchID),
					logging.String("player_id", string(id)),
					logging.Error(err))
			}
		}
	}

	//2.- Persist the terminal record; history loss never blocks teardown.
	if m.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.recorder.RecordMatch(ctx, snapshot, m.now()); err != nil {
			m.log.Error("match record failed",
				logging.String("match_id", snapshot.MatchID),
				logging.Error(err))
		}
		cancel()
	}

	//3.- Drop the session and its routing entries.
	m.mu.Lock()
	delete(m.sessions, snapshot.MatchID)
	for _, id := range snapshot.Participants {
		if m.byPlayer[id] == snapshot.MatchID {
			delete(m.byPlayer, id)
		}
	}
	m.mu.Unlock()

	m.metrics.SessionClosed()
	m.log.Info("match ended",
		logging.String("match_id", snapshot.MatchID),
		logging.String("status", string(snapshot.Status)),
		logging.String("outcome", snapshot.Outcome),
		logging.String("reason", snapshot.Reason))
}
