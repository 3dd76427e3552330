package rules

import (
	"encoding/json"
	"fmt"

	"matcharena/broker/internal/player"
)

// TurnBased is a minimal reference engine: participants alternate submitting
// free-form moves and the state accumulates the move log. It exists so the
// arena runs end to end without a game title plugged in, and doubles as the
// engine the session tests exercise.
type TurnBased struct{}

type turnState struct {
	Participants []player.ID       `json:"participants"`
	NextTurn     int               `json:"next_turn"`
	Moves        []json.RawMessage `json:"moves"`
}

// NewTurnBased constructs the reference engine.
func NewTurnBased() *TurnBased {
	return &TurnBased{}
}

// Initial seeds an empty move log with the first participant to act.
func (e *TurnBased) Initial(participants []player.ID) (json.RawMessage, error) {
	if len(participants) == 0 {
		return nil, fmt.Errorf("%w: no participants", ErrRejected)
	}
	state := turnState{Participants: participants, NextTurn: 0}
	return json.Marshal(state)
}

// Apply accepts the action only when it is the actor's turn.
func (e *TurnBased) Apply(state json.RawMessage, actor player.ID, action json.RawMessage) (json.RawMessage, error) {
	var current turnState
	if err := json.Unmarshal(state, &current); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if len(current.Participants) == 0 {
		return nil, fmt.Errorf("%w: state has no participants", ErrRejected)
	}
	expected := current.Participants[current.NextTurn%len(current.Participants)]
	if actor != expected {
		return nil, fmt.Errorf("%w: not %s's turn", ErrRejected, actor)
	}
	if !json.Valid(action) {
		return nil, fmt.Errorf("%w: malformed action", ErrRejected)
	}

	current.Moves = append(current.Moves, append(json.RawMessage(nil), action...))
	current.NextTurn++
	return json.Marshal(current)
}

// Outcome reports a finished game once a participant resigns. A resignation
// is any accepted move carrying {"resign": true}; the opponent wins.
func (e *TurnBased) Outcome(state json.RawMessage) (string, bool) {
	var current turnState
	if err := json.Unmarshal(state, &current); err != nil {
		return "", false
	}
	if len(current.Moves) == 0 || len(current.Participants) == 0 {
		return "", false
	}
	var last struct {
		Resign bool `json:"resign"`
	}
	if err := json.Unmarshal(current.Moves[len(current.Moves)-1], &last); err != nil || !last.Resign {
		return "", false
	}
	winner := current.Participants[current.NextTurn%len(current.Participants)]
	return fmt.Sprintf("%s wins by resignation", winner), true
}
