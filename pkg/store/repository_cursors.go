// Copyright 2025 Certen Protocol
//
// CursorRepository persists per-(chainId, registryAddr) ingestion cursors
// (§4.4). Updates are monotonic: a write can never move last_block backward,
// which protects against an out-of-order retry regressing the cursor.

package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/certen-labs/watchtower/pkg/watchtower"
)

// CursorRepository manages the cursors table.
type CursorRepository struct {
	client *Client
}

// NewCursorRepository constructs a CursorRepository.
func NewCursorRepository(client *Client) *CursorRepository {
	return &CursorRepository{client: client}
}

// Get returns the stored cursor for (chainID, registryAddr), or
// sql.ErrNoRows if none exists yet.
func (r *CursorRepository) Get(ctx context.Context, chainID uint64, registryAddr string) (watchtower.Cursor, error) {
	var c watchtower.Cursor
	row := r.client.QueryRowContext(ctx, `
		SELECT chain_id, registry_addr, last_block
		FROM cursors
		WHERE chain_id = $1 AND registry_addr = $2`,
		chainID, registryAddr)
	if err := row.Scan(&c.ChainID, &c.RegistryAddr, &c.LastBlock); err != nil {
		if err == sql.ErrNoRows {
			return watchtower.Cursor{}, err
		}
		return watchtower.Cursor{}, fmt.Errorf("%w: get cursor: %v", watchtower.ErrTransientIO, err)
	}
	return c, nil
}

// Advance moves the cursor forward to lastBlock, never backward.
func (r *CursorRepository) Advance(ctx context.Context, chainID uint64, registryAddr string, lastBlock uint64) error {
	_, err := r.client.ExecContext(ctx, `
		INSERT INTO cursors (chain_id, registry_addr, last_block)
		VALUES ($1, $2, $3)
		ON CONFLICT (chain_id, registry_addr) DO UPDATE
		SET last_block = GREATEST(cursors.last_block, EXCLUDED.last_block),
		    updated_at = now()`,
		chainID, registryAddr, lastBlock)
	if err != nil {
		return fmt.Errorf("%w: advance cursor: %v", watchtower.ErrTransientIO, err)
	}
	return nil
}
