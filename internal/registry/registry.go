package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"matcharena/broker/internal/player"
)

var (
	// ErrNotConnected is returned when the target identity has no live connection.
	ErrNotConnected = errors.New("player not connected")
	// ErrSendFailed wraps transport rejections; callers should drop the
	// connection instead of retrying indefinitely.
	ErrSendFailed = errors.New("send failed")
	// ErrInvalidIdentity is returned when registration lacks a usable player id.
	ErrInvalidIdentity = errors.New("identity must carry an id")
)

// SendHandle is the transport capability attached to one live connection. The
// WebSocket write pump implements it; unit tests substitute fakes.
type SendHandle interface {
	Send(payload []byte) error
	Close()
}

// ConnectionRef is the lookup token handed to other components. It carries the
// identity only; the registry keeps exclusive ownership of the handle.
type ConnectionRef struct {
	Identity     player.Identity
	RegisteredAt time.Time
}

type connection struct {
	identity     player.Identity
	handle       SendHandle
	registeredAt time.Time
	lastSeen     time.Time
}

// Option configures optional registry behaviour at construction time.
type Option func(*Registry)

// WithClock injects a deterministic clock, primarily for tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.now = clock
		}
	}
}

// Registry owns the map of live connections keyed by player identity. No other
// component ever holds the send handle directly.
type Registry struct {
	mu    sync.RWMutex
	conns map[player.ID]*connection
	now   func() time.Time
}

// New constructs an empty connection registry.
func New(opts ...Option) *Registry {
	registry := &Registry{
		conns: make(map[player.ID]*connection),
		now:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(registry)
		}
	}
	return registry
}

// Register attaches a live connection for the identity. A reconnect supersedes
// a stale socket: the previous handle is forcibly closed and replaced
// (last-writer-wins). The returned flag reports whether a replacement happened.
func (r *Registry) Register(identity player.Identity, handle SendHandle) (ConnectionRef, bool, error) {
	if r == nil || handle == nil {
		return ConnectionRef{}, false, errors.New("registry and handle must not be nil")
	}
	if !identity.Valid() {
		return ConnectionRef{}, false, ErrInvalidIdentity
	}

	now := r.now()
	r.mu.Lock()
	previous := r.conns[identity.ID]
	entry := &connection{
		identity:     identity,
		handle:       handle,
		registeredAt: now,
		lastSeen:     now,
	}
	r.conns[identity.ID] = entry
	r.mu.Unlock()

	//1.- Close the superseded handle outside the lock so a slow transport
	// teardown never blocks unrelated registrations.
	if previous != nil {
		previous.handle.Close()
	}
	return ConnectionRef{Identity: identity, RegisteredAt: now}, previous != nil, nil
}

// Unregister drops the identity's connection. Calling it for an absent or
// already removed identity is a no-op.
func (r *Registry) Unregister(id player.ID) {
	if r == nil {
		return
	}
	r.mu.Lock()
	entry := r.conns[id]
	delete(r.conns, id)
	r.mu.Unlock()

	if entry != nil {
		entry.handle.Close()
	}
}

// UnregisterHandle drops the identity's connection only while handle is still
// the registered one. A reconnect that already superseded the handle is left
// untouched. The return reports whether a removal happened.
func (r *Registry) UnregisterHandle(id player.ID, handle SendHandle) bool {
	if r == nil || handle == nil {
		return false
	}
	r.mu.Lock()
	entry := r.conns[id]
	if entry == nil || entry.handle != handle {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, id)
	r.mu.Unlock()

	entry.handle.Close()
	return true
}

// Send delivers the payload to the identity's live connection. Transport
// rejections are wrapped in ErrSendFailed so the caller can distinguish a
// missing connection from a broken one.
func (r *Registry) Send(id player.ID, payload []byte) error {
	if r == nil {
		return ErrNotConnected
	}
	r.mu.RLock()
	entry := r.conns[id]
	r.mu.RUnlock()
	if entry == nil {
		return ErrNotConnected
	}
	if err := entry.handle.Send(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

// IsAlive reports whether the identity currently holds a live connection.
func (r *Registry) IsAlive(id player.ID) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	_, ok := r.conns[id]
	r.mu.RUnlock()
	return ok
}

// Touch refreshes the liveness timestamp, typically on inbound frames or pongs.
func (r *Registry) Touch(id player.ID) {
	if r == nil {
		return
	}
	now := r.now()
	r.mu.Lock()
	if entry, ok := r.conns[id]; ok {
		entry.lastSeen = now
	}
	r.mu.Unlock()
}

// Identity returns the stored identity metadata for a connected player.
func (r *Registry) Identity(id player.ID) (player.Identity, bool) {
	if r == nil {
		return player.Identity{}, false
	}
	r.mu.RLock()
	entry := r.conns[id]
	r.mu.RUnlock()
	if entry == nil {
		return player.Identity{}, false
	}
	return entry.identity, true
}

// Count reports the number of live connections.
func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// ConnectedIDs lists live identities in deterministic order for diagnostics.
func (r *Registry) ConnectedIDs() []player.ID {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	ids := make([]player.ID, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
