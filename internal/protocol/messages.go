package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"matcharena/broker/internal/player"
)

// SchemaVersion is the wire contract identifier carried by every frame.
const SchemaVersion = "arena.v1"

// Inbound message types accepted from clients. Connect is implicit in the
// authenticated WebSocket upgrade and Disconnect doubles as a polite close.
const (
	TypeJoinQueue    = "join_queue"
	TypeCancelQueue  = "cancel_queue"
	TypeSubmitAction = "submit_action"
	TypeDisconnect   = "disconnect"
)

// Outbound message types pushed to clients.
const (
	TypeQueueStatus = "queue_status"
	TypeMatchFound  = "match_found"
	TypeStateUpdate = "state_update"
	TypeMatchEnded  = "match_ended"
	TypeError       = "error"
)

var (
	errEmptyPayload   = errors.New("empty message payload")
	errMissingVersion = errors.New("message missing schema version")
	errUnknownType    = errors.New("unknown message type")
)

// Inbound mirrors the JSON layout of client frames.
type Inbound struct {
	SchemaVersion string          `json:"schema_version"`
	Type          string          `json:"type"`
	MatchID       string          `json:"match_id,omitempty"`
	Action        json.RawMessage `json:"action,omitempty"`
	Region        string          `json:"region,omitempty"`
}

// DecodeInbound parses a WebSocket frame into a validated inbound message.
func DecodeInbound(raw []byte) (*Inbound, error) {
	//1.- Ensure we have data to decode before hitting JSON parsing.
	if len(raw) == 0 {
		return nil, errEmptyPayload
	}
	var message Inbound
	if err := json.Unmarshal(raw, &message); err != nil {
		return nil, err
	}
	//2.- Enforce the schema contract so incompatible clients fail loudly.
	if message.SchemaVersion == "" {
		return nil, errMissingVersion
	}
	if message.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("unsupported schema version %q", message.SchemaVersion)
	}
	//3.- Validate per-type required fields up front.
	switch message.Type {
	case TypeJoinQueue, TypeCancelQueue, TypeDisconnect:
	case TypeSubmitAction:
		if message.MatchID == "" {
			return nil, errors.New("submit_action requires a match id")
		}
		if len(message.Action) == 0 {
			return nil, errors.New("submit_action requires an action payload")
		}
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownType, message.Type)
	}
	return &message, nil
}

// QueueStatus reports a waiting player's position and current pairing tolerance.
type QueueStatus struct {
	SchemaVersion string `json:"schema_version"`
	Type          string `json:"type"`
	Position      int    `json:"position"`
	WaitingMs     int64  `json:"waiting_ms"`
	Tolerance     int    `json:"tolerance"`
}

// MatchFound notifies a participant that a session was created for them.
type MatchFound struct {
	SchemaVersion string      `json:"schema_version"`
	Type          string      `json:"type"`
	MatchID       string      `json:"match_id"`
	Participants  []player.ID `json:"participants"`
}

// StateUpdate carries one versioned snapshot of a match session. The opaque
// state blob travels snappy-compressed; encoding/json base64s the bytes.
type StateUpdate struct {
	SchemaVersion string `json:"schema_version"`
	Type          string `json:"type"`
	MatchID       string `json:"match_id"`
	Version       uint64 `json:"version"`
	State         []byte `json:"state_snappy"`
}

// MatchEnded announces a terminal session transition to every participant.
type MatchEnded struct {
	SchemaVersion string `json:"schema_version"`
	Type          string `json:"type"`
	MatchID       string `json:"match_id"`
	Outcome       string `json:"outcome"`
	Reason        string `json:"reason,omitempty"`
}

// ErrorMessage surfaces a validation failure to the originating client only.
type ErrorMessage struct {
	SchemaVersion string `json:"schema_version"`
	Type          string `json:"type"`
	Kind          string `json:"kind"`
	Detail        string `json:"detail,omitempty"`
}

// EncodeQueueStatus marshals a queue position notification.
func EncodeQueueStatus(position int, waiting int64, tolerance int) ([]byte, error) {
	return json.Marshal(QueueStatus{
		SchemaVersion: SchemaVersion,
		Type:          TypeQueueStatus,
		Position:      position,
		WaitingMs:     waiting,
		Tolerance:     tolerance,
	})
}

// EncodeMatchFound marshals the new-match notification for one participant.
func EncodeMatchFound(matchID string, participants []player.ID) ([]byte, error) {
	return json.Marshal(MatchFound{
		SchemaVersion: SchemaVersion,
		Type:          TypeMatchFound,
		MatchID:       matchID,
		Participants:  participants,
	})
}

// EncodeStateUpdate compresses the snapshot state and marshals the frame.
func EncodeStateUpdate(matchID string, version uint64, state []byte) ([]byte, error) {
	return json.Marshal(StateUpdate{
		SchemaVersion: SchemaVersion,
		Type:          TypeStateUpdate,
		MatchID:       matchID,
		Version:       version,
		State:         CompressState(state),
	})
}

// EncodeMatchEnded marshals the terminal notification.
func EncodeMatchEnded(matchID, outcome, reason string) ([]byte, error) {
	return json.Marshal(MatchEnded{
		SchemaVersion: SchemaVersion,
		Type:          TypeMatchEnded,
		MatchID:       matchID,
		Outcome:       outcome,
		Reason:        reason,
	})
}

// EncodeError marshals a client-facing error frame.
func EncodeError(kind, detail string) ([]byte, error) {
	return json.Marshal(ErrorMessage{
		SchemaVersion: SchemaVersion,
		Type:          TypeError,
		Kind:          kind,
		Detail:        detail,
	})
}
