// Copyright 2025 Certen Protocol
//
// SnapshotRepository persists behavioral snapshots (the signal sets derived
// per tick by pkg/signals). Content-addressed on SnapshotID, so repeated
// derivation of an unchanged signal set is a harmless no-op insert.

package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/certen-labs/watchtower/pkg/watchtower"
)

// SnapshotRepository manages the snapshots table.
type SnapshotRepository struct {
	client *Client
}

// NewSnapshotRepository constructs a SnapshotRepository.
func NewSnapshotRepository(client *Client) *SnapshotRepository {
	return &SnapshotRepository{client: client}
}

// Insert stores snap, ignoring a duplicate SnapshotID.
func (r *SnapshotRepository) Insert(ctx context.Context, snap watchtower.Snapshot) error {
	signalsJSON, err := json.Marshal(snap.Signals)
	if err != nil {
		return fmt.Errorf("watchtower: marshal snapshot signals: %w", err)
	}
	_, err = r.client.ExecContext(ctx, `
		INSERT INTO snapshots (snapshot_id, agent_id, observed_at, signals)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (snapshot_id) DO NOTHING`,
		snap.SnapshotID, string(snap.AgentID), snap.ObservedAt, signalsJSON)
	if err != nil {
		return fmt.Errorf("%w: insert snapshot: %v", watchtower.ErrTransientIO, err)
	}
	return nil
}

// ListForAgent returns behavioral snapshots for agentID, newest first,
// capped at limit (0 means unbounded).
func (r *SnapshotRepository) ListForAgent(ctx context.Context, agentID watchtower.AgentId, limit int) ([]watchtower.Snapshot, error) {
	query := `
		SELECT snapshot_id, agent_id, observed_at, signals
		FROM snapshots
		WHERE agent_id = $1
		ORDER BY observed_at DESC`
	args := []any{string(agentID)}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := r.client.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list snapshots: %v", watchtower.ErrTransientIO, err)
	}
	defer rows.Close()

	var out []watchtower.Snapshot
	for rows.Next() {
		var s watchtower.Snapshot
		var id string
		var signalsJSON []byte
		if err := rows.Scan(&s.SnapshotID, &id, &s.ObservedAt, &signalsJSON); err != nil {
			return nil, fmt.Errorf("%w: scan snapshot row: %v", watchtower.ErrTransientIO, err)
		}
		s.AgentID = watchtower.AgentId(id)
		if err := json.Unmarshal(signalsJSON, &s.Signals); err != nil {
			return nil, fmt.Errorf("watchtower: unmarshal snapshot signals: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
