// Copyright 2025 Certen Protocol
//
// AlertRepository persists alerts raised by the scoring engine and
// orchestrator. At-most-one-active-per-(agentId, type) is enforced by the
// caller (pkg/orchestrator checks ActiveForAgentAndType, through the
// checker it hands to pkg/scoring, before inserting); this
// repository only guarantees idempotent insertion on content-addressed
// AlertID and exposes Deactivate for the resolved deactivation policy
// (DESIGN.md Open Question (b)).

package store

import (
	"context"
	"fmt"

	"github.com/certen-labs/watchtower/pkg/watchtower"
)

// AlertRepository manages the alerts table.
type AlertRepository struct {
	client *Client
}

// NewAlertRepository constructs an AlertRepository.
func NewAlertRepository(client *Client) *AlertRepository {
	return &AlertRepository{client: client}
}

// Insert stores alert, ignoring a duplicate AlertID.
func (r *AlertRepository) Insert(ctx context.Context, alert watchtower.Alert) error {
	return r.insertTx(ctx, nil, alert)
}

// InsertTx stores alert within an existing transaction.
func (r *AlertRepository) InsertTx(ctx context.Context, tx *Tx, alert watchtower.Alert) error {
	return r.insertTx(ctx, tx, alert)
}

func (r *AlertRepository) insertTx(ctx context.Context, tx *Tx, alert watchtower.Alert) error {
	evidenceJSON, err := marshalEvidence(alert.EvidenceLinks)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO alerts (alert_id, agent_id, type, severity, description, evidence_links, created_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (alert_id) DO NOTHING`
	args := []any{alert.AlertID, string(alert.AgentID), alert.Type, string(alert.Severity), alert.Description, evidenceJSON, alert.CreatedAt, alert.IsActive}

	var execErr error
	if tx != nil {
		_, execErr = tx.SQLTx().ExecContext(ctx, query, args...)
	} else {
		_, execErr = r.client.ExecContext(ctx, query, args...)
	}
	if execErr != nil {
		return fmt.Errorf("%w: insert alert: %v", watchtower.ErrTransientIO, execErr)
	}
	return nil
}

// ActiveForAgentAndType returns whether an active alert already exists for
// (agentID, alertType), per §4.7's "at most one active alert per (agentId,
// type)" invariant.
func (r *AlertRepository) ActiveForAgentAndType(ctx context.Context, agentID watchtower.AgentId, alertType string) (bool, error) {
	var exists bool
	row := r.client.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM alerts WHERE agent_id = $1 AND type = $2 AND is_active)`,
		string(agentID), alertType)
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("%w: check active alert: %v", watchtower.ErrTransientIO, err)
	}
	return exists, nil
}

// Deactivate marks an alert inactive. Used only when the orchestrator is
// configured with DeactivateStaleAlerts (default false, DESIGN.md Open
// Question (b)).
func (r *AlertRepository) Deactivate(ctx context.Context, alertID string) error {
	_, err := r.client.ExecContext(ctx, `UPDATE alerts SET is_active = false WHERE alert_id = $1`, alertID)
	if err != nil {
		return fmt.Errorf("%w: deactivate alert: %v", watchtower.ErrTransientIO, err)
	}
	return nil
}

// ListActiveForAgent returns all currently active alerts for agentID.
func (r *AlertRepository) ListActiveForAgent(ctx context.Context, agentID watchtower.AgentId) ([]watchtower.Alert, error) {
	rows, err := r.client.QueryContext(ctx, `
		SELECT alert_id, agent_id, type, severity, description, evidence_links, created_at, is_active
		FROM alerts
		WHERE agent_id = $1 AND is_active
		ORDER BY created_at DESC`, string(agentID))
	if err != nil {
		return nil, fmt.Errorf("%w: list active alerts: %v", watchtower.ErrTransientIO, err)
	}
	defer rows.Close()

	var out []watchtower.Alert
	for rows.Next() {
		var a watchtower.Alert
		var id, severity string
		var evidenceJSON []byte
		if err := rows.Scan(&a.AlertID, &id, &a.Type, &severity, &a.Description, &evidenceJSON, &a.CreatedAt, &a.IsActive); err != nil {
			return nil, fmt.Errorf("%w: scan alert row: %v", watchtower.ErrTransientIO, err)
		}
		a.AgentID = watchtower.AgentId(id)
		a.Severity = watchtower.Severity(severity)
		if err := unmarshalEvidence(evidenceJSON, &a.EvidenceLinks); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
