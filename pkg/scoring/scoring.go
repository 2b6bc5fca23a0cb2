// Copyright 2025 Certen Protocol
//
// Risk scoring and alert emission (§4.7). Grounded on
// pkg/proof/canonical_blob_hash.go's content-addressing idiom (hash
// everything except the volatile timestamp field) and the corpus's general
// "deduplicate, aggregate, hash" scoring shape also seen in
// other_examples' Chartly2.0 canonical-case/event helpers.

package scoring

import (
	"math"
	"sort"

	"github.com/certen-labs/watchtower/pkg/canon"
	"github.com/certen-labs/watchtower/pkg/watchtower"
)

// reasonText maps a signalId to its human-readable reason tag. Unknown
// signal ids fall back to the signalId itself.
var reasonText = map[string]string{
	"ID_NEWBORN":             "agent was registered recently",
	"ID_CARD_UNREACHABLE":    "identity card is unreachable",
	"ID_CARD_SCHEMA_INVALID": "identity card failed schema validation",
	"ID_CARD_CHURN":          "identity card content has changed repeatedly",
	"CTX_FUNDING_MIXER":      "funding source classified as a mixer",
	"CTX_FUNDING_DENYLISTED": "funding source matches an operator denylist",
	"CTX_FUNDING_BRIDGE":     "funding source is a cross-chain bridge",
	"CTX_FUNDING_UNKNOWN":    "funding source could not be classified",
}

// reportExceptGeneratedAt is the canonicalization shape for §4.7 step 7:
// every RiskReport field except GeneratedAt.
type reportExceptGeneratedAt struct {
	ReportVersion string                 `json:"reportVersion"`
	AgentID       watchtower.AgentId     `json:"agentId"`
	OverallRisk   int                    `json:"overallRisk"`
	Confidence    watchtower.Confidence  `json:"confidence"`
	Reasons       []string               `json:"reasons"`
	EvidenceLinks []watchtower.Evidence  `json:"evidenceLinks"`
	Signals       []watchtower.SignalRef `json:"signals"`
}

// ScoreAgent implements the §4.7 algorithm over the agent's latest-N
// behavioral snapshots.
func ScoreAgent(agentID watchtower.AgentId, snapshots []watchtower.Snapshot, generatedAt int64) (watchtower.RiskReport, error) {
	signals := flattenDeduped(snapshots)

	raw := 0.0
	hasCritical := false
	for _, s := range signals {
		raw += watchtower.SeverityWeight(s.Severity) * s.Weight
		if s.Severity == watchtower.SeverityCritical {
			hasCritical = true
		}
	}

	overallRisk := int(math.Round(raw))
	if overallRisk > 100 {
		overallRisk = 100
	}
	if hasCritical {
		overallRisk = 100
	}

	confidence := computeConfidence(signals, snapshots)
	reasons := computeReasons(signals)
	evidence := computeEvidence(signals)
	signalRefs := computeSignalRefs(signals)

	report := watchtower.RiskReport{
		ReportVersion: watchtower.ReportVersion,
		AgentID:       agentID,
		GeneratedAt:   generatedAt,
		OverallRisk:   overallRisk,
		Confidence:    confidence,
		Reasons:       reasons,
		EvidenceLinks: evidence,
		Signals:       signalRefs,
	}

	reportID, err := canon.HashCanonical(reportExceptGeneratedAt{
		ReportVersion: report.ReportVersion,
		AgentID:       report.AgentID,
		OverallRisk:   report.OverallRisk,
		Confidence:    report.Confidence,
		Reasons:       report.Reasons,
		EvidenceLinks: report.EvidenceLinks,
		Signals:       report.Signals,
	})
	if err != nil {
		return watchtower.RiskReport{}, err
	}
	report.ReportID = reportID
	return report, nil
}

// flattenDeduped implements §4.7 step 1: flatten all signals from the
// snapshots, keeping the highest-severity instance per signalId.
func flattenDeduped(snapshots []watchtower.Snapshot) []watchtower.Signal {
	best := make(map[string]watchtower.Signal)
	for _, snap := range snapshots {
		for _, s := range snap.Signals {
			existing, ok := best[s.SignalID]
			if !ok || s.Severity.Rank() > existing.Severity.Rank() {
				best[s.SignalID] = s
			}
		}
	}
	out := make([]watchtower.Signal, 0, len(best))
	for _, s := range best {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SignalID < out[j].SignalID })
	return out
}

// computeConfidence implements §4.7 step 4.
func computeConfidence(signals []watchtower.Signal, snapshots []watchtower.Snapshot) watchtower.Confidence {
	distinctTypes := make(map[string]bool)
	snapshotsWithSignals := 0
	for _, snap := range snapshots {
		if len(snap.Signals) > 0 {
			snapshotsWithSignals++
		}
		for _, s := range snap.Signals {
			distinctTypes[s.SignalID] = true
		}
	}

	switch {
	case len(distinctTypes) >= 3 && snapshotsWithSignals >= 2:
		return watchtower.ConfidenceHigh
	case len(signals) >= 1 && snapshotsWithSignals >= 2:
		return watchtower.ConfidenceMedium
	default:
		return watchtower.ConfidenceLow
	}
}

// computeReasons implements §4.7 step 5: stable-order human-readable tags.
func computeReasons(signals []watchtower.Signal) []string {
	reasons := make([]string, 0, len(signals))
	for _, s := range signals {
		if text, ok := reasonText[s.SignalID]; ok {
			reasons = append(reasons, text)
		} else {
			reasons = append(reasons, s.SignalID)
		}
	}
	return reasons
}

// computeEvidence implements §4.7 step 6: union of all evidence, deduped on
// (type, ref), sorted.
func computeEvidence(signals []watchtower.Signal) []watchtower.Evidence {
	seen := make(map[watchtower.Evidence]bool)
	var out []watchtower.Evidence
	for _, s := range signals {
		for _, e := range s.Evidence {
			if seen[e] {
				continue
			}
			seen[e] = true
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Ref < out[j].Ref
	})
	return out
}

func computeSignalRefs(signals []watchtower.Signal) []watchtower.SignalRef {
	refs := make([]watchtower.SignalRef, 0, len(signals))
	for _, s := range signals {
		refs = append(refs, watchtower.SignalRef{SignalID: s.SignalID, Severity: s.Severity})
	}
	return refs
}
