package protocol

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestDecodeInboundValidatesFrames(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{name: "join queue", raw: `{"schema_version":"arena.v1","type":"join_queue","region":"eu"}`},
		{name: "cancel queue", raw: `{"schema_version":"arena.v1","type":"cancel_queue"}`},
		{name: "submit action", raw: `{"schema_version":"arena.v1","type":"submit_action","match_id":"m-1","action":{"move":"e4"}}`},
		{name: "missing version", raw: `{"type":"join_queue"}`, wantErr: true},
		{name: "wrong version", raw: `{"schema_version":"arena.v0","type":"join_queue"}`, wantErr: true},
		{name: "unknown type", raw: `{"schema_version":"arena.v1","type":"teleport"}`, wantErr: true},
		{name: "action without match", raw: `{"schema_version":"arena.v1","type":"submit_action","action":{}}`, wantErr: true},
		{name: "action without payload", raw: `{"schema_version":"arena.v1","type":"submit_action","match_id":"m-1"}`, wantErr: true},
		{name: "empty", raw: "", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeInbound([]byte(tc.raw))
			if tc.wantErr && err == nil {
				t.Fatalf("expected error for %q", tc.raw)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestStateUpdateRoundTripsCompressedState(t *testing.T) {
	state := []byte(`{"board":"rnbqkbnr/pppppppp","turn":"white","turn_count":12}`)
	frame, err := EncodeStateUpdate("m-7", 42, state)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var update StateUpdate
	if err := json.Unmarshal(frame, &update); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if update.Type != TypeStateUpdate || update.MatchID != "m-7" || update.Version != 42 {
		t.Fatalf("unexpected envelope: %+v", update)
	}

	restored, err := DecompressState(update.State)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(restored, state) {
		t.Fatalf("state mismatch: %s", restored)
	}
}

func TestEncodeErrorCarriesKind(t *testing.T) {
	frame, err := EncodeError("invalid_action", "pawn cannot move there")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var message ErrorMessage
	if err := json.Unmarshal(frame, &message); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if message.Kind != "invalid_action" || message.Type != TypeError {
		t.Fatalf("unexpected message: %+v", message)
	}
}
