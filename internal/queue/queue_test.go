package queue

import (
	"errors"
	"sync"
	"testing"
	"time"

	"matcharena/broker/internal/player"
)

type matchRecorder struct {
	mu    sync.Mutex
	pairs [][2]player.ID
}

func (m *matchRecorder) record(a, b Ticket) {
	m.mu.Lock()
	m.pairs = append(m.pairs, [2]player.ID{a.Player.ID, b.Player.ID})
	m.mu.Unlock()
}

func (m *matchRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pairs)
}

func (m *matchRecorder) last() [2]player.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pairs[len(m.pairs)-1]
}

func testPolicy() Policy {
	return Policy{
		SkillTolerance:    100,
		ToleranceStep:     100,
		WidenInterval:     5 * time.Second,
		MaxSkillTolerance: 1000,
		RegionRelaxAfter:  10 * time.Second,
	}
}

func ident(id string, skill int, region string) player.Identity {
	return player.Identity{ID: player.ID(id), Name: id, Skill: skill, Region: region}
}

func crit(skill int, region string) Criteria {
	return Criteria{Skill: skill, Region: region}
}

func TestIdenticalCriteriaPairImmediately(t *testing.T) {
	recorder := &matchRecorder{}
	q := New(testPolicy(), recorder.record)

	if _, err := q.Enqueue(ident("a", 1200, "eu"), crit(1200, "eu")); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	if _, err := q.Enqueue(ident("b", 1200, "eu"), crit(1200, "eu")); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}

	if recorder.count() != 1 {
		t.Fatalf("expected one pair, got %d", recorder.count())
	}
	if got := recorder.last(); got != [2]player.ID{"a", "b"} {
		t.Fatalf("unexpected pair: %v", got)
	}
	if q.Len() != 0 {
		t.Fatalf("queue not drained: %d", q.Len())
	}
}

func TestIncompatibleEntryIsSkippedForLaterCompatibleOne(t *testing.T) {
	recorder := &matchRecorder{}
	q := New(testPolicy(), recorder.record)

	if _, err := q.Enqueue(ident("a", 1200, "eu"), crit(1200, "eu")); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	if _, err := q.Enqueue(ident("b", 2500, "eu"), crit(2500, "eu")); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}
	if _, err := q.Enqueue(ident("c", 1250, "eu"), crit(1250, "eu")); err != nil {
		t.Fatalf("enqueue c: %v", err)
	}

	if recorder.count() != 1 {
		t.Fatalf("expected one pair, got %d", recorder.count())
	}
	if got := recorder.last(); got != [2]player.ID{"a", "c"} {
		t.Fatalf("expected a/c pair, got %v", got)
	}
	if q.Len() != 1 {
		t.Fatalf("b should remain queued, len=%d", q.Len())
	}
}

func TestEnqueueTwiceFails(t *testing.T) {
	q := New(testPolicy(), nil)
	if _, err := q.Enqueue(ident("a", 1000, "eu"), crit(1000, "eu")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue(ident("a", 1000, "eu"), crit(1000, "eu")); !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("expected already queued, got %v", err)
	}
}

func TestCancelledTicketIsNeverPaired(t *testing.T) {
	recorder := &matchRecorder{}
	q := New(testPolicy(), recorder.record)

	ticket, err := q.Enqueue(ident("a", 1200, "eu"), crit(1200, "eu"))
	if err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	q.Cancel(ticket)
	// Cancelling twice stays a no-op.
	q.Cancel(ticket)

	if _, err := q.Enqueue(ident("b", 1200, "eu"), crit(1200, "eu")); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}
	q.Sweep()

	if recorder.count() != 0 {
		t.Fatalf("cancelled ticket was paired: %v", recorder.pairs)
	}
	if q.Len() != 1 {
		t.Fatalf("expected b waiting, len=%d", q.Len())
	}
}

func TestToleranceWidensUntilPairing(t *testing.T) {
	recorder := &matchRecorder{}
	current := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	q := New(testPolicy(), recorder.record, WithClock(func() time.Time { return current }))

	if _, err := q.Enqueue(ident("a", 1000, "eu"), crit(1000, "eu")); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	if _, err := q.Enqueue(ident("b", 1400, "eu"), crit(1400, "eu")); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}
	if recorder.count() != 0 {
		t.Fatalf("pair formed before widening")
	}

	// One widening step is not enough for a 400 point gap.
	current = current.Add(5 * time.Second)
	q.Sweep()
	if recorder.count() != 0 {
		t.Fatalf("pair formed too early")
	}

	// After three widening steps both tolerances reach 400.
	current = current.Add(10 * time.Second)
	q.Sweep()
	if recorder.count() != 1 {
		t.Fatalf("expected pair after widening, got %d", recorder.count())
	}
}

func TestRegionRelaxesAfterWait(t *testing.T) {
	recorder := &matchRecorder{}
	current := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	q := New(testPolicy(), recorder.record, WithClock(func() time.Time { return current }))

	if _, err := q.Enqueue(ident("a", 1000, "eu"), crit(1000, "eu")); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	if _, err := q.Enqueue(ident("b", 1000, "us"), crit(1000, "us")); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}
	if recorder.count() != 0 {
		t.Fatalf("cross-region pair formed immediately")
	}

	current = current.Add(10 * time.Second)
	q.Sweep()
	if recorder.count() != 1 {
		t.Fatalf("expected relaxed pair, got %d", recorder.count())
	}
}

func TestStatusReportsPositionAndTolerance(t *testing.T) {
	current := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	q := New(testPolicy(), nil, WithClock(func() time.Time { return current }))

	if _, err := q.Enqueue(ident("a", 1000, "eu"), crit(1000, "eu")); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	if _, err := q.Enqueue(ident("b", 3000, "eu"), crit(3000, "eu")); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}

	current = current.Add(6 * time.Second)
	position, waiting, tolerance, ok := q.Status("b")
	if !ok {
		t.Fatalf("expected b queued")
	}
	if position != 2 {
		t.Fatalf("unexpected position: %d", position)
	}
	if waiting != 6*time.Second {
		t.Fatalf("unexpected waiting: %v", waiting)
	}
	if tolerance != 200 {
		t.Fatalf("unexpected tolerance: %d", tolerance)
	}

	if _, _, _, ok := q.Status("ghost"); ok {
		t.Fatalf("ghost should not be queued")
	}
}
