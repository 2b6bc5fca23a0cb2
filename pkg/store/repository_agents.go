// Copyright 2025 Certen Protocol
//
// AgentRepository persists the minimal per-agent record the watchtower
// tracks across ticks, keyed by AgentId. Upserts preserve FirstSeenAt and
// advance LastSeenAt monotonically — grounded on pkg/database's
// upsert-on-conflict idiom (repository_attestation.go / repository_consensus.go).

package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/certen-labs/watchtower/pkg/watchtower"
)

// AgentRepository manages the agents table.
type AgentRepository struct {
	client *Client
}

// NewAgentRepository constructs an AgentRepository.
func NewAgentRepository(client *Client) *AgentRepository {
	return &AgentRepository{client: client}
}

// Upsert inserts a new agent row, or updates LastSeenAt on an existing one.
// FirstSeenAt is never modified after the initial insert.
func (r *AgentRepository) Upsert(ctx context.Context, a watchtower.Agent) error {
	_, err := r.client.ExecContext(ctx, `
		INSERT INTO agents (agent_id, chain_id, registry_addr, token_id, owner_address, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (agent_id) DO UPDATE
		SET owner_address = EXCLUDED.owner_address,
		    last_seen_at  = GREATEST(agents.last_seen_at, EXCLUDED.last_seen_at)`,
		string(a.AgentID), a.ChainID, a.RegistryAddr, a.TokenID, a.OwnerAddress, a.FirstSeenAt, a.LastSeenAt)
	if err != nil {
		return fmt.Errorf("%w: upsert agent: %v", watchtower.ErrTransientIO, err)
	}
	return nil
}

// Get returns the stored agent record, or sql.ErrNoRows if unknown.
func (r *AgentRepository) Get(ctx context.Context, agentID watchtower.AgentId) (watchtower.Agent, error) {
	var a watchtower.Agent
	var id string
	row := r.client.QueryRowContext(ctx, `
		SELECT agent_id, chain_id, registry_addr, token_id, owner_address, first_seen_at, last_seen_at
		FROM agents WHERE agent_id = $1`, string(agentID))
	if err := row.Scan(&id, &a.ChainID, &a.RegistryAddr, &a.TokenID, &a.OwnerAddress, &a.FirstSeenAt, &a.LastSeenAt); err != nil {
		if err == sql.ErrNoRows {
			return watchtower.Agent{}, err
		}
		return watchtower.Agent{}, fmt.Errorf("%w: get agent: %v", watchtower.ErrTransientIO, err)
	}
	a.AgentID = watchtower.AgentId(id)
	return a, nil
}

// ListAll returns every known agent, ordered by first-seen (oldest first),
// for the orchestrator's per-tick scan.
func (r *AgentRepository) ListAll(ctx context.Context) ([]watchtower.Agent, error) {
	rows, err := r.client.QueryContext(ctx, `
		SELECT agent_id, chain_id, registry_addr, token_id, owner_address, first_seen_at, last_seen_at
		FROM agents ORDER BY first_seen_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: list agents: %v", watchtower.ErrTransientIO, err)
	}
	defer rows.Close()

	var out []watchtower.Agent
	for rows.Next() {
		var a watchtower.Agent
		var id string
		if err := rows.Scan(&id, &a.ChainID, &a.RegistryAddr, &a.TokenID, &a.OwnerAddress, &a.FirstSeenAt, &a.LastSeenAt); err != nil {
			return nil, fmt.Errorf("%w: scan agent row: %v", watchtower.ErrTransientIO, err)
		}
		a.AgentID = watchtower.AgentId(id)
		out = append(out, a)
	}
	return out, rows.Err()
}
