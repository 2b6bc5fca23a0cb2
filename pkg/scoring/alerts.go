// Copyright 2025 Certen Protocol
//
// Alert emission for §4.7 step 8. Kept pure: the caller (pkg/orchestrator)
// supplies which (agentId, type, stableEvidenceKey) combinations already
// have an active alert; this package only decides which new alerts are due
// and computes their content-addressed AlertID.

package scoring

import (
	"sort"
	"strings"

	"github.com/certen-labs/watchtower/pkg/canon"
	"github.com/certen-labs/watchtower/pkg/watchtower"
)

// alertContent is the canonicalization shape for an AlertID: every Alert
// field except CreatedAt and IsActive, which are not part of its identity.
type alertContent struct {
	AgentID       watchtower.AgentId    `json:"agentId"`
	Type          string                `json:"type"`
	Severity      watchtower.Severity   `json:"severity"`
	Description   string                `json:"description"`
	EvidenceLinks []watchtower.Evidence `json:"evidenceLinks"`
}

// StableEvidenceKey derives the deduplication key §4.7 step 8 refers to:
// the signal's type plus its evidence references, order-independent.
func StableEvidenceKey(s watchtower.Signal) string {
	refs := make([]string, 0, len(s.Evidence))
	for _, e := range s.Evidence {
		refs = append(refs, e.Type+":"+e.Ref)
	}
	sort.Strings(refs)
	return s.SignalID + "|" + strings.Join(refs, ",")
}

// ActiveAlertChecker reports whether an active alert already exists for
// (agentId, type, stableEvidenceKey).
type ActiveAlertChecker func(agentID watchtower.AgentId, alertType, stableEvidenceKey string) bool

// DeriveAlerts implements §4.7 step 8: emit an alert for every signal with
// severity >= HIGH not already matched by an active alert with the same
// (agentId, type, stableEvidenceKey).
func DeriveAlerts(agentID watchtower.AgentId, signals []watchtower.Signal, createdAt int64, alreadyActive ActiveAlertChecker) ([]watchtower.Alert, error) {
	var out []watchtower.Alert
	for _, s := range signals {
		if s.Severity.Rank() < watchtower.SeverityHigh.Rank() {
			continue
		}
		key := StableEvidenceKey(s)
		if alreadyActive != nil && alreadyActive(agentID, s.SignalID, key) {
			continue
		}

		description := s.SignalID
		if text, ok := reasonText[s.SignalID]; ok {
			description = text
		}

		alertID, err := canon.HashCanonical(alertContent{
			AgentID:       agentID,
			Type:          s.SignalID,
			Severity:      s.Severity,
			Description:   description,
			EvidenceLinks: s.Evidence,
		})
		if err != nil {
			return nil, err
		}

		out = append(out, watchtower.Alert{
			AlertID:       alertID,
			AgentID:       agentID,
			Type:          s.SignalID,
			Severity:      s.Severity,
			Description:   description,
			EvidenceLinks: s.Evidence,
			CreatedAt:     createdAt,
			IsActive:      true,
		})
	}
	return out, nil
}

// PipelineErrorAlert builds the alert the orchestrator raises when a
// per-agent pipeline stage panics or errors out (§4.9).
func PipelineErrorAlert(agentID watchtower.AgentId, stage string, cause error, createdAt int64) (watchtower.Alert, error) {
	description := "pipeline stage " + stage + " failed: " + cause.Error()
	evidence := []watchtower.Evidence{{Type: "stage", Ref: stage}}

	alertID, err := canon.HashCanonical(alertContent{
		AgentID:       agentID,
		Type:          watchtower.PipelineErrorAlertType,
		Severity:      watchtower.SeverityHigh,
		Description:   description,
		EvidenceLinks: evidence,
	})
	if err != nil {
		return watchtower.Alert{}, err
	}

	return watchtower.Alert{
		AlertID:       alertID,
		AgentID:       agentID,
		Type:          watchtower.PipelineErrorAlertType,
		Severity:      watchtower.SeverityHigh,
		Description:   description,
		EvidenceLinks: evidence,
		CreatedAt:     createdAt,
		IsActive:      true,
	}, nil
}
