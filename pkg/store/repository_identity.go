// Copyright 2025 Certen Protocol
//
// IdentityEventRepository and IdentitySnapshotRepository persist decoded
// on-chain registration/transfer events and the results of card-fetch
// attempts, respectively. Both insert-or-ignore on their natural/content
// key so the reorg-safe windowed poller (pkg/chainpoll) can safely re-ingest
// overlapping blocks (§4.4).

package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/certen-labs/watchtower/pkg/watchtower"
)

// IdentityEventRepository manages the identity_events table.
type IdentityEventRepository struct {
	client *Client
}

// NewIdentityEventRepository constructs an IdentityEventRepository.
func NewIdentityEventRepository(client *Client) *IdentityEventRepository {
	return &IdentityEventRepository{client: client}
}

// Insert stores e, ignoring duplicate (chainId, registryAddr, txHash,
// logIndex) keys so re-ingestion of overlapping blocks is a no-op.
func (r *IdentityEventRepository) Insert(ctx context.Context, e watchtower.RegistrationEvent) error {
	_, err := r.client.ExecContext(ctx, `
		INSERT INTO identity_events
			(chain_id, registry_addr, tx_hash, log_index, agent_token_id, agent_uri, owner_address, event_type, block_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (chain_id, registry_addr, tx_hash, log_index) DO NOTHING`,
		e.ChainID, e.RegistryAddr, e.TxHash, e.LogIndex, e.AgentTokenID, e.AgentURI, e.OwnerAddress, string(e.EventType), e.BlockNumber)
	if err != nil {
		return fmt.Errorf("%w: insert identity event: %v", watchtower.ErrTransientIO, err)
	}
	return nil
}

// ListForAgent returns identity events for a given (chainId, registryAddr,
// tokenId), ordered by block number ascending.
func (r *IdentityEventRepository) ListForAgent(ctx context.Context, chainID uint64, registryAddr, tokenID string) ([]watchtower.RegistrationEvent, error) {
	rows, err := r.client.QueryContext(ctx, `
		SELECT chain_id, registry_addr, tx_hash, log_index, agent_token_id, agent_uri, owner_address, event_type, block_number
		FROM identity_events
		WHERE chain_id = $1 AND registry_addr = $2 AND agent_token_id = $3
		ORDER BY block_number ASC`,
		chainID, registryAddr, tokenID)
	if err != nil {
		return nil, fmt.Errorf("%w: list identity events: %v", watchtower.ErrTransientIO, err)
	}
	defer rows.Close()

	var out []watchtower.RegistrationEvent
	for rows.Next() {
		var e watchtower.RegistrationEvent
		var eventType string
		if err := rows.Scan(&e.ChainID, &e.RegistryAddr, &e.TxHash, &e.LogIndex, &e.AgentTokenID, &e.AgentURI, &e.OwnerAddress, &eventType, &e.BlockNumber); err != nil {
			return nil, fmt.Errorf("%w: scan identity event row: %v", watchtower.ErrTransientIO, err)
		}
		e.EventType = watchtower.EventType(eventType)
		out = append(out, e)
	}
	return out, rows.Err()
}

// IdentitySnapshotRepository manages the identity_snapshots table.
type IdentitySnapshotRepository struct {
	client *Client
}

// NewIdentitySnapshotRepository constructs an IdentitySnapshotRepository.
func NewIdentitySnapshotRepository(client *Client) *IdentitySnapshotRepository {
	return &IdentitySnapshotRepository{client: client}
}

// Insert stores s, ignoring a duplicate SnapshotID (content-addressed, so a
// duplicate insert means an identical observation was already recorded).
func (r *IdentitySnapshotRepository) Insert(ctx context.Context, s watchtower.IdentitySnapshot) error {
	var cardJSON any
	if len(s.CardJSON) > 0 {
		cardJSON = s.CardJSON
	}
	_, err := r.client.ExecContext(ctx, `
		INSERT INTO identity_snapshots
			(snapshot_id, agent_id, agent_uri, fetch_status, card_hash, card_json, fetched_at, http_status, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (snapshot_id) DO NOTHING`,
		s.SnapshotID, string(s.AgentID), s.AgentURI, string(s.FetchStatus), nullString(s.CardHash), cardJSON, s.FetchedAt, nullInt(s.HTTPStatus), nullString(s.Error))
	if err != nil {
		return fmt.Errorf("%w: insert identity snapshot: %v", watchtower.ErrTransientIO, err)
	}
	return nil
}

// LatestForAgent returns the most recent identity snapshot for agentID, or
// sql.ErrNoRows if none exists.
func (r *IdentitySnapshotRepository) LatestForAgent(ctx context.Context, agentID watchtower.AgentId) (watchtower.IdentitySnapshot, error) {
	var s watchtower.IdentitySnapshot
	var id string
	var cardHash, errStr sql.NullString
	var httpStatus sql.NullInt64
	var cardJSON []byte
	row := r.client.QueryRowContext(ctx, `
		SELECT snapshot_id, agent_id, agent_uri, fetch_status, card_hash, card_json, fetched_at, http_status, error
		FROM identity_snapshots
		WHERE agent_id = $1
		ORDER BY fetched_at DESC
		LIMIT 1`, string(agentID))
	if err := row.Scan(&s.SnapshotID, &id, &s.AgentURI, &s.FetchStatus, &cardHash, &cardJSON, &s.FetchedAt, &httpStatus, &errStr); err != nil {
		if err == sql.ErrNoRows {
			return watchtower.IdentitySnapshot{}, err
		}
		return watchtower.IdentitySnapshot{}, fmt.Errorf("%w: get latest identity snapshot: %v", watchtower.ErrTransientIO, err)
	}
	s.AgentID = watchtower.AgentId(id)
	s.CardHash = cardHash.String
	s.Error = errStr.String
	s.CardJSON = cardJSON
	if httpStatus.Valid {
		s.HTTPStatus = int(httpStatus.Int64)
	}
	return s, nil
}

// ListForAgent returns all identity snapshots for agentID, newest first.
func (r *IdentitySnapshotRepository) ListForAgent(ctx context.Context, agentID watchtower.AgentId) ([]watchtower.IdentitySnapshot, error) {
	rows, err := r.client.QueryContext(ctx, `
		SELECT snapshot_id, agent_id, agent_uri, fetch_status, card_hash, card_json, fetched_at, http_status, error
		FROM identity_snapshots
		WHERE agent_id = $1
		ORDER BY fetched_at DESC`, string(agentID))
	if err != nil {
		return nil, fmt.Errorf("%w: list identity snapshots: %v", watchtower.ErrTransientIO, err)
	}
	defer rows.Close()

	var out []watchtower.IdentitySnapshot
	for rows.Next() {
		var s watchtower.IdentitySnapshot
		var id string
		var cardHash, errStr sql.NullString
		var httpStatus sql.NullInt64
		var cardJSON []byte
		if err := rows.Scan(&s.SnapshotID, &id, &s.AgentURI, &s.FetchStatus, &cardHash, &cardJSON, &s.FetchedAt, &httpStatus, &errStr); err != nil {
			return nil, fmt.Errorf("%w: scan identity snapshot row: %v", watchtower.ErrTransientIO, err)
		}
		s.AgentID = watchtower.AgentId(id)
		s.CardHash = cardHash.String
		s.Error = errStr.String
		s.CardJSON = cardJSON
		if httpStatus.Valid {
			s.HTTPStatus = int(httpStatus.Int64)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(i int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(i), Valid: i != 0}
}
