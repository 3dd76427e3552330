package rules

import (
	"encoding/json"
	"errors"

	"matcharena/broker/internal/player"
)

// ErrRejected marks a gameplay-invalid action. Sessions surface it to the
// acting client without touching the authoritative state.
var ErrRejected = errors.New("action rejected")

// Engine evaluates game-specific actions over an opaque state blob. The arena
// core never interprets the state; it only stores, versions, and moves it.
// Implementations must be pure: the same state and action always produce the
// same result, and no I/O happens inside Apply.
type Engine interface {
	// Initial produces the opening state for a match between the participants.
	Initial(participants []player.ID) (json.RawMessage, error)
	// Apply evaluates one action. A wrapped ErrRejected means the action was
	// invalid and the previous state must remain authoritative.
	Apply(state json.RawMessage, actor player.ID, action json.RawMessage) (json.RawMessage, error)
}

// Outcomer is an optional Engine extension. Engines that can tell when a game
// is over report the result here and the session manager completes the match
// without an operator call.
type Outcomer interface {
	Outcome(state json.RawMessage) (result string, done bool)
}
