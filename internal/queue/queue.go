package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"matcharena/broker/internal/player"
)

// ErrAlreadyQueued is returned when the identity already holds a pending ticket.
var ErrAlreadyQueued = errors.New("player already queued")

// Criteria captures the matchmaking preferences attached to one ticket.
type Criteria struct {
	Skill  int    `json:"skill"`
	Region string `json:"region"`
}

// Ticket is a waiting player's pending matchmaking request.
type Ticket struct {
	ID         string
	Player     player.Identity
	Criteria   Criteria
	EnqueuedAt time.Time
}

// Policy tunes the compatibility predicate. The skill tolerance widens with
// wait time so two queued players can never starve each other indefinitely;
// the region constraint relaxes once either side has waited long enough.
type Policy struct {
	SkillTolerance    int
	ToleranceStep     int
	WidenInterval     time.Duration
	MaxSkillTolerance int
	RegionRelaxAfter  time.Duration
}

// MatchFormedFunc receives both tickets of a freshly formed pair. It is always
// invoked outside the queue lock so session creation never blocks matchmaking.
type MatchFormedFunc func(a, b Ticket)

// Option configures optional queue behaviour at construction time.
type Option func(*Queue)

// WithClock injects a deterministic clock, primarily for tests.
func WithClock(clock func() time.Time) Option {
	return func(q *Queue) {
		if clock != nil {
			q.now = clock
		}
	}
}

// Queue owns the ordered set of pending tickets. Enqueue, cancel, and the
// pairing sweep all serialize on one critical section; only the MatchFormed
// emission happens outside it.
type Queue struct {
	mu       sync.Mutex
	entries  []*Ticket
	byPlayer map[player.ID]*Ticket
	policy   Policy
	onMatch  MatchFormedFunc
	now      func() time.Time
}

// New constructs a matchmaking queue with the supplied pairing policy.
func New(policy Policy, onMatch MatchFormedFunc, opts ...Option) *Queue {
	queue := &Queue{
		byPlayer: make(map[player.ID]*Ticket),
		policy:   policy,
		onMatch:  onMatch,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(queue)
		}
	}
	return queue
}

// Enqueue registers a matchmaking request and immediately attempts pairing.
func (q *Queue) Enqueue(identity player.Identity, criteria Criteria) (Ticket, error) {
	if q == nil {
		return Ticket{}, errors.New("queue is nil")
	}
	if !identity.Valid() {
		return Ticket{}, errors.New("identity must carry an id")
	}

	q.mu.Lock()
	if _, exists := q.byPlayer[identity.ID]; exists {
		q.mu.Unlock()
		return Ticket{}, ErrAlreadyQueued
	}
	ticket := &Ticket{
		ID:         uuid.NewString(),
		Player:     identity,
		Criteria:   criteria,
		EnqueuedAt: q.now(),
	}
	q.entries = append(q.entries, ticket)
	q.byPlayer[identity.ID] = ticket
	pairs := q.pairLocked()
	q.mu.Unlock()

	q.emit(pairs)
	return *ticket, nil
}

// Cancel removes the ticket from the queue. A ticket that was already paired
// or previously cancelled is a no-op.
func (q *Queue) Cancel(ticket Ticket) {
	if q == nil {
		return
	}
	q.mu.Lock()
	current, ok := q.byPlayer[ticket.Player.ID]
	if ok && current.ID == ticket.ID {
		q.removeLocked(current)
	}
	q.mu.Unlock()
}

// CancelPlayer drops any pending ticket for the identity, typically on disconnect.
func (q *Queue) CancelPlayer(id player.ID) {
	if q == nil {
		return
	}
	q.mu.Lock()
	if current, ok := q.byPlayer[id]; ok {
		q.removeLocked(current)
	}
	q.mu.Unlock()
}

// Sweep re-evaluates waiting entries with their widened tolerances.
func (q *Queue) Sweep() {
	if q == nil {
		return
	}
	q.mu.Lock()
	pairs := q.pairLocked()
	q.mu.Unlock()
	q.emit(pairs)
}

// Len reports the number of waiting tickets.
func (q *Queue) Len() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Status reports the queue position, wait duration, and current tolerance for
// a waiting player. The position is 1-based; ok is false once paired or absent.
func (q *Queue) Status(id player.ID) (position int, waiting time.Duration, tolerance int, ok bool) {
	if q == nil {
		return 0, 0, 0, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	ticket, exists := q.byPlayer[id]
	if !exists {
		return 0, 0, 0, false
	}
	now := q.now()
	for i, entry := range q.entries {
		if entry == ticket {
			position = i + 1
			break
		}
	}
	return position, now.Sub(ticket.EnqueuedAt), q.toleranceLocked(ticket, now), true
}

type pair struct {
	a Ticket
	b Ticket
}

// pairLocked scans waiting entries in enqueue order and, for each unmatched
// entry, pairs it with the earliest-enqueued compatible partner. FIFO fairness
// holds modulo compatibility: an older entry is only ever skipped when nothing
// compatible with it exists yet.
func (q *Queue) pairLocked() []pair {
	var pairs []pair
	now := q.now()
	for len(q.entries) >= 2 {
		matched := false
		for i := 0; i < len(q.entries) && !matched; i++ {
			head := q.entries[i]
			for j := i + 1; j < len(q.entries); j++ {
				candidate := q.entries[j]
				if !q.compatibleLocked(head, candidate, now) {
					continue
				}
				pairs = append(pairs, pair{a: *head, b: *candidate})
				q.removeLocked(candidate)
				q.removeLocked(head)
				matched = true
				break
			}
		}
		if !matched {
			break
		}
	}
	return pairs
}

// compatibleLocked is the symmetric compatibility predicate: the skill gap
// must fit inside both entries' widened tolerances, and the regions must agree
// unless either side has waited past the relax threshold.
func (q *Queue) compatibleLocked(a, b *Ticket, now time.Time) bool {
	diff := a.Criteria.Skill - b.Criteria.Skill
	if diff < 0 {
		diff = -diff
	}
	if diff > q.toleranceLocked(a, now) || diff > q.toleranceLocked(b, now) {
		return false
	}
	if a.Criteria.Region == b.Criteria.Region {
		return true
	}
	relax := q.policy.RegionRelaxAfter
	if relax <= 0 {
		return false
	}
	return now.Sub(a.EnqueuedAt) >= relax || now.Sub(b.EnqueuedAt) >= relax
}

func (q *Queue) toleranceLocked(ticket *Ticket, now time.Time) int {
	tolerance := q.policy.SkillTolerance
	if q.policy.WidenInterval > 0 && q.policy.ToleranceStep > 0 {
		steps := int(now.Sub(ticket.EnqueuedAt) / q.policy.WidenInterval)
		tolerance += steps * q.policy.ToleranceStep
	}
	if q.policy.MaxSkillTolerance > 0 && tolerance > q.policy.MaxSkillTolerance {
		tolerance = q.policy.MaxSkillTolerance
	}
	return tolerance
}

func (q *Queue) removeLocked(ticket *Ticket) {
	delete(q.byPlayer, ticket.Player.ID)
	for i, entry := range q.entries {
		if entry == ticket {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}

func (q *Queue) emit(pairs []pair) {
	if q.onMatch == nil {
		return
	}
	for _, formed := range pairs {
		q.onMatch(formed.a, formed.b)
	}
}
