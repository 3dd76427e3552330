package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"matcharena/broker/internal/player"
	"matcharena/broker/internal/session"
)

//go:embed schema.sql
var schema string

// Recorder is the persistence collaborator the session manager hands terminal
// snapshots to. Persistence is best-effort from the core's perspective.
type Recorder interface {
	RecordMatch(ctx context.Context, snapshot session.Snapshot, endedAt time.Time) error
}

// MatchRecord is one persisted match history row with the state decompressed.
type MatchRecord struct {
	MatchID      string          `json:"match_id"`
	Status       string          `json:"status"`
	Outcome      string          `json:"outcome,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Version      uint64          `json:"version"`
	Participants []player.ID     `json:"participants"`
	State        json.RawMessage `json:"state,omitempty"`
	EndedAt      time.Time       `json:"ended_at"`
}

// Store provides SQLite-backed match history. Terminal state blobs are stored
// zstd-compressed since finished matches are read rarely but kept long.
type Store struct {
	db      *sql.DB
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// New opens (or creates) the database at the given path and applies the schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite supports one writer at a time, so bound the pool accordingly.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON; PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		db.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}

	return &Store{db: db, encoder: encoder, decoder: decoder}, nil
}

// Close releases the database handle and the compression codecs.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.encoder.Close()
	s.decoder.Close()
	return s.db.Close()
}

// RecordMatch persists one terminal snapshot. Recording the same match twice
// replaces the earlier row so retried teardowns stay idempotent.
func (s *Store) RecordMatch(ctx context.Context, snapshot session.Snapshot, endedAt time.Time) error {
	if s == nil {
		return fmt.Errorf("store is nil")
	}
	participants, err := json.Marshal(snapshot.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	var blob []byte
	if len(snapshot.State) > 0 {
		blob = s.encoder.EncodeAll(snapshot.State, nil)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO matches (match_id, status, outcome, reason, version, participants, state_zst, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(match_id) DO UPDATE SET
			status = excluded.status,
			outcome = excluded.outcome,
			reason = excluded.reason,
			version = excluded.version,
			participants = excluded.participants,
			state_zst = excluded.state_zst,
			ended_at = excluded.ended_at
	`, snapshot.MatchID, string(snapshot.Status), snapshot.Outcome, snapshot.Reason,
		snapshot.Version, string(participants), blob, formatTimestamp(endedAt))
	if err != nil {
		return fmt.Errorf("recording match %s: %w", snapshot.MatchID, err)
	}
	return nil
}

// RecentMatches returns the newest terminal matches, most recent first.
func (s *Store) RecentMatches(ctx context.Context, limit int) ([]MatchRecord, error) {
	if s == nil {
		return nil, fmt.Errorf("store is nil")
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT match_id, status, outcome, reason, version, participants, state_zst, ended_at
		FROM matches ORDER BY ended_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []MatchRecord
	for rows.Next() {
		var record MatchRecord
		var outcome, reason sql.NullString
		var participants string
		var blob []byte
		var endedAt string
		if err := rows.Scan(&record.MatchID, &record.Status, &outcome, &reason,
			&record.Version, &participants, &blob, &endedAt); err != nil {
			return nil, err
		}
		record.Outcome = outcome.String
		record.Reason = reason.String
		if err := json.Unmarshal([]byte(participants), &record.Participants); err != nil {
			return nil, fmt.Errorf("decode participants for %s: %w", record.MatchID, err)
		}
		if len(blob) > 0 {
			state, err := s.decoder.DecodeAll(blob, nil)
			if err != nil {
				return nil, fmt.Errorf("decompress state for %s: %w", record.MatchID, err)
			}
			record.State = state
		}
		if parsed, err := time.Parse(time.RFC3339, endedAt); err == nil {
			record.EndedAt = parsed
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// formatTimestamp stores UTC ISO8601 so lexical ordering matches time ordering.
func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
