package statedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bibwatch/internal/settings"
	"bibwatch/internal/state"
)

// persisted is the lightweight subset of a snapshot that survives restarts.
type persisted struct {
	Video          string        `json:"video,omitempty"`
	VideoBytes     int64         `json:"video_bytes,omitempty"`
	Converted      string        `json:"converted,omitempty"`
	ConvertedBytes int64         `json:"converted_bytes,omitempty"`
	ProtocolRef    string        `json:"protocol_csv,omitempty"`
	Events         []state.Event `json:"events,omitempty"`
}

// SaveSnapshot writes the durable fields of snap. It implements state.Mirror.
func (s *Store) SaveSnapshot(ctx context.Context, snap state.Snapshot) error {
	ctx = ensureContext(ctx)
	settingsJSON, err := json.Marshal(snap.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	snapJSON, err := json.Marshal(persisted{
		Video:          snap.Video,
		VideoBytes:     snap.VideoBytes,
		Converted:      snap.Converted,
		ConvertedBytes: snap.ConvertedBytes,
		ProtocolRef:    snap.ProtocolRef,
		Events:         snap.Events,
	})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO settings (id, payload, updated_at) VALUES (1, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
			string(settingsJSON), now,
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO snapshot (id, version, payload, updated_at) VALUES (1, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET version = excluded.version, payload = excluded.payload, updated_at = excluded.updated_at`,
			int64(snap.Version), string(snapJSON), now,
		); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// LoadSnapshot returns the last mirrored snapshot. The boolean is false when
// nothing has been saved yet. Only durable fields are populated.
func (s *Store) LoadSnapshot(ctx context.Context) (state.Snapshot, bool, error) {
	ctx = ensureContext(ctx)
	var snap state.Snapshot
	found := false

	cfg, ok, err := s.loadSettings(ctx)
	if err != nil {
		return snap, false, err
	}
	if ok {
		snap.Settings = cfg
		found = true
	} else {
		snap.Settings = settings.Default()
	}

	var payload string
	err = s.db.QueryRowContext(ctx, "SELECT payload FROM snapshot WHERE id = 1").Scan(&payload)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return snap, found, nil
	case err != nil:
		return snap, false, fmt.Errorf("read snapshot: %w", err)
	}
	var p persisted
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return snap, false, fmt.Errorf("decode snapshot: %w", err)
	}
	snap.Video = p.Video
	snap.VideoBytes = p.VideoBytes
	snap.Converted = p.Converted
	snap.ConvertedBytes = p.ConvertedBytes
	snap.ProtocolRef = p.ProtocolRef
	snap.Events = p.Events
	return snap, true, nil
}

func (s *Store) loadSettings(ctx context.Context) (settings.Settings, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM settings WHERE id = 1").Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return settings.Settings{}, false, nil
	}
	if err != nil {
		return settings.Settings{}, false, fmt.Errorf("read settings: %w", err)
	}
	cfg := settings.Default()
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return settings.Settings{}, false, fmt.Errorf("decode settings: %w", err)
	}
	return cfg.Clamp(), true, nil
}

// Clear removes every mirrored row.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.execWithRetry(ctx, "DELETE FROM snapshot"); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	if err := s.execWithRetry(ctx, "DELETE FROM settings"); err != nil {
		return fmt.Errorf("clear settings: %w", err)
	}
	return nil
}
