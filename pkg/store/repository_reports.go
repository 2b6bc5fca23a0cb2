// Copyright 2025 Certen Protocol
//
// RiskReportRepository persists scored risk reports. Content-addressed on
// ReportID (excluding GeneratedAt per §4.7), so re-scoring an unchanged
// signal set never creates a duplicate row.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/certen-labs/watchtower/pkg/watchtower"
)

// RiskReportRepository manages the risk_reports table.
type RiskReportRepository struct {
	client *Client
}

// NewRiskReportRepository constructs a RiskReportRepository.
func NewRiskReportRepository(client *Client) *RiskReportRepository {
	return &RiskReportRepository{client: client}
}

// Insert stores report, ignoring a duplicate ReportID.
func (r *RiskReportRepository) Insert(ctx context.Context, report watchtower.RiskReport) error {
	reasonsJSON, err := json.Marshal(report.Reasons)
	if err != nil {
		return fmt.Errorf("watchtower: marshal report reasons: %w", err)
	}
	evidenceJSON, err := json.Marshal(report.EvidenceLinks)
	if err != nil {
		return fmt.Errorf("watchtower: marshal report evidence: %w", err)
	}
	signalsJSON, err := json.Marshal(report.Signals)
	if err != nil {
		return fmt.Errorf("watchtower: marshal report signals: %w", err)
	}

	_, err = r.client.ExecContext(ctx, `
		INSERT INTO risk_reports
			(report_id, report_version, agent_id, generated_at, overall_risk, confidence, reasons, evidence_links, signals)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (report_id) DO NOTHING`,
		report.ReportID, report.ReportVersion, string(report.AgentID), report.GeneratedAt, report.OverallRisk,
		string(report.Confidence), reasonsJSON, evidenceJSON, signalsJSON)
	if err != nil {
		return fmt.Errorf("%w: insert risk report: %v", watchtower.ErrTransientIO, err)
	}
	return nil
}

// LatestForAgent returns the most recently generated risk report for
// agentID, or sql.ErrNoRows if none exists.
func (r *RiskReportRepository) LatestForAgent(ctx context.Context, agentID watchtower.AgentId) (watchtower.RiskReport, error) {
	reports, err := r.listForAgent(ctx, agentID, 1)
	if err != nil {
		return watchtower.RiskReport{}, err
	}
	if len(reports) == 0 {
		return watchtower.RiskReport{}, sql.ErrNoRows
	}
	return reports[0], nil
}

// ListForAgent returns risk reports for agentID, newest first.
func (r *RiskReportRepository) ListForAgent(ctx context.Context, agentID watchtower.AgentId) ([]watchtower.RiskReport, error) {
	return r.listForAgent(ctx, agentID, 0)
}

func (r *RiskReportRepository) listForAgent(ctx context.Context, agentID watchtower.AgentId, limit int) ([]watchtower.RiskReport, error) {
	query := `
		SELECT report_id, report_version, agent_id, generated_at, overall_risk, confidence, reasons, evidence_links, signals
		FROM risk_reports
		WHERE agent_id = $1
		ORDER BY generated_at DESC`
	args := []any{string(agentID)}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := r.client.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list risk reports: %v", watchtower.ErrTransientIO, err)
	}
	defer rows.Close()

	var out []watchtower.RiskReport
	for rows.Next() {
		var rep watchtower.RiskReport
		var id, confidence string
		var reasonsJSON, evidenceJSON, signalsJSON []byte
		if err := rows.Scan(&rep.ReportID, &rep.ReportVersion, &id, &rep.GeneratedAt, &rep.OverallRisk, &confidence, &reasonsJSON, &evidenceJSON, &signalsJSON); err != nil {
			return nil, fmt.Errorf("%w: scan risk report row: %v", watchtower.ErrTransientIO, err)
		}
		rep.AgentID = watchtower.AgentId(id)
		rep.Confidence = watchtower.Confidence(confidence)
		if err := json.Unmarshal(reasonsJSON, &rep.Reasons); err != nil {
			return nil, fmt.Errorf("watchtower: unmarshal report reasons: %w", err)
		}
		if err := json.Unmarshal(evidenceJSON, &rep.EvidenceLinks); err != nil {
			return nil, fmt.Errorf("watchtower: unmarshal report evidence: %w", err)
		}
		if err := json.Unmarshal(signalsJSON, &rep.Signals); err != nil {
			return nil, fmt.Errorf("watchtower: unmarshal report signals: %w", err)
		}
		out = append(out, rep)
	}
	return out, rows.Err()
}
