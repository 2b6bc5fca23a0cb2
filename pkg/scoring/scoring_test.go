package scoring

import (
	"testing"

	"github.com/certen-labs/watchtower/pkg/watchtower"
)

func snapshot(agentID watchtower.AgentId, observedAt int64, signals ...watchtower.Signal) watchtower.Snapshot {
	return watchtower.Snapshot{AgentID: agentID, ObservedAt: observedAt, Signals: signals}
}

func TestScoreAgentDeterministicReportID(t *testing.T) {
	agentID := watchtower.AgentId("erc8004:1:0xabc:1")
	snaps := []watchtower.Snapshot{
		snapshot(agentID, 100, watchtower.Signal{SignalID: "ID_NEWBORN", Severity: watchtower.SeverityMedium, Weight: 0.3, ObservedAt: 100}),
	}

	r1, err := ScoreAgent(agentID, snaps, 1000)
	if err != nil {
		t.Fatalf("score 1: %v", err)
	}
	r2, err := ScoreAgent(agentID, snaps, 2000)
	if err != nil {
		t.Fatalf("score 2: %v", err)
	}
	if r1.ReportID != r2.ReportID {
		t.Fatalf("expected reportId to be invariant across generatedAt, got %q vs %q", r1.ReportID, r2.ReportID)
	}
}

func TestScoreAgentCriticalOverridesTo100(t *testing.T) {
	agentID := watchtower.AgentId("erc8004:1:0xabc:1")
	snaps := []watchtower.Snapshot{
		snapshot(agentID, 100,
			watchtower.Signal{SignalID: "ID_NEWBORN", Severity: watchtower.SeverityMedium, Weight: 0.3, ObservedAt: 100},
			watchtower.Signal{SignalID: "CTX_FUNDING_MIXER", Severity: watchtower.SeverityCritical, Weight: 1.0, ObservedAt: 100},
		),
	}
	report, err := ScoreAgent(agentID, snaps, 1000)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if report.OverallRisk != 100 {
		t.Fatalf("expected overallRisk=100 on CRITICAL signal, got %d", report.OverallRisk)
	}
}

func TestScoreAgentCapsAt100WithoutCritical(t *testing.T) {
	agentID := watchtower.AgentId("erc8004:1:0xabc:1")
	snaps := []watchtower.Snapshot{
		snapshot(agentID, 100,
			watchtower.Signal{SignalID: "ID_CARD_UNREACHABLE", Severity: watchtower.SeverityHigh, Weight: 0.8, ObservedAt: 100},
			watchtower.Signal{SignalID: "ID_CARD_SCHEMA_INVALID", Severity: watchtower.SeverityHigh, Weight: 0.8, ObservedAt: 100},
			watchtower.Signal{SignalID: "ID_CARD_CHURN", Severity: watchtower.SeverityMedium, Weight: 0.5, ObservedAt: 100},
		),
	}
	report, err := ScoreAgent(agentID, snaps, 1000)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	// raw = 60*0.8 + 60*0.8 + 25*0.5 = 48+48+12.5 = 108.5 -> round 109 -> capped 100
	if report.OverallRisk != 100 {
		t.Fatalf("expected overallRisk capped at 100, got %d", report.OverallRisk)
	}
}

func TestScoreAgentDedupesKeepingHighestSeverity(t *testing.T) {
	agentID := watchtower.AgentId("erc8004:1:0xabc:1")
	snaps := []watchtower.Snapshot{
		snapshot(agentID, 100, watchtower.Signal{SignalID: "ID_CARD_CHURN", Severity: watchtower.SeverityMedium, Weight: 0.5, ObservedAt: 100}),
		snapshot(agentID, 200, watchtower.Signal{SignalID: "ID_CARD_CHURN", Severity: watchtower.SeverityHigh, Weight: 0.8, ObservedAt: 200}),
	}
	report, err := ScoreAgent(agentID, snaps, 1000)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if len(report.Signals) != 1 {
		t.Fatalf("expected deduped to 1 signal, got %d", len(report.Signals))
	}
	if report.Signals[0].Severity != watchtower.SeverityHigh {
		t.Fatalf("expected highest-severity instance kept, got %s", report.Signals[0].Severity)
	}
}

func TestScoreAgentConfidenceTiers(t *testing.T) {
	agentID := watchtower.AgentId("erc8004:1:0xabc:1")

	low, err := ScoreAgent(agentID, nil, 1000)
	if err != nil {
		t.Fatalf("score low: %v", err)
	}
	if low.Confidence != watchtower.ConfidenceLow {
		t.Fatalf("expected LOW confidence with no signals, got %s", low.Confidence)
	}

	medium, err := ScoreAgent(agentID, []watchtower.Snapshot{
		snapshot(agentID, 100, watchtower.Signal{SignalID: "ID_NEWBORN", Severity: watchtower.SeverityMedium, Weight: 0.3, ObservedAt: 100}),
		snapshot(agentID, 200, watchtower.Signal{SignalID: "ID_NEWBORN", Severity: watchtower.SeverityMedium, Weight: 0.3, ObservedAt: 200}),
	}, 1000)
	if err != nil {
		t.Fatalf("score medium: %v", err)
	}
	if medium.Confidence != watchtower.ConfidenceMedium {
		t.Fatalf("expected MEDIUM confidence, got %s", medium.Confidence)
	}

	high, err := ScoreAgent(agentID, []watchtower.Snapshot{
		snapshot(agentID, 100,
			watchtower.Signal{SignalID: "ID_NEWBORN", Severity: watchtower.SeverityMedium, Weight: 0.3, ObservedAt: 100},
			watchtower.Signal{SignalID: "ID_CARD_CHURN", Severity: watchtower.SeverityMedium, Weight: 0.5, ObservedAt: 100},
			watchtower.Signal{SignalID: "ID_CARD_UNREACHABLE", Severity: watchtower.SeverityHigh, Weight: 0.8, ObservedAt: 100},
		),
		snapshot(agentID, 200, watchtower.Signal{SignalID: "ID_NEWBORN", Severity: watchtower.SeverityMedium, Weight: 0.3, ObservedAt: 200}),
	}, 1000)
	if err != nil {
		t.Fatalf("score high: %v", err)
	}
	if high.Confidence != watchtower.ConfidenceHigh {
		t.Fatalf("expected HIGH confidence with >=3 distinct types across >=2 snapshots, got %s", high.Confidence)
	}
}

func TestDeriveAlertsOnlyHighAndAbove(t *testing.T) {
	agentID := watchtower.AgentId("erc8004:1:0xabc:1")
	signals := []watchtower.Signal{
		{SignalID: "ID_NEWBORN", Severity: watchtower.SeverityMedium, Weight: 0.3},
		{SignalID: "ID_CARD_UNREACHABLE", Severity: watchtower.SeverityHigh, Weight: 0.8},
		{SignalID: "CTX_FUNDING_MIXER", Severity: watchtower.SeverityCritical, Weight: 1.0},
	}
	alerts, err := DeriveAlerts(agentID, signals, 1000, nil)
	if err != nil {
		t.Fatalf("derive alerts: %v", err)
	}
	if len(alerts) != 2 {
		t.Fatalf("expected 2 alerts (HIGH and CRITICAL only), got %d", len(alerts))
	}
}

func TestDeriveAlertsSkipsAlreadyActive(t *testing.T) {
	agentID := watchtower.AgentId("erc8004:1:0xabc:1")
	signals := []watchtower.Signal{
		{SignalID: "ID_CARD_UNREACHABLE", Severity: watchtower.SeverityHigh, Weight: 0.8},
	}
	alerts, err := DeriveAlerts(agentID, signals, 1000, func(a watchtower.AgentId, t, k string) bool { return true })
	if err != nil {
		t.Fatalf("derive alerts: %v", err)
	}
	if len(alerts) != 0 {
		t.Fatalf("expected 0 alerts when already active, got %d", len(alerts))
	}
}

func TestDeriveAlertsDeterministicID(t *testing.T) {
	agentID := watchtower.AgentId("erc8004:1:0xabc:1")
	signals := []watchtower.Signal{
		{SignalID: "ID_CARD_UNREACHABLE", Severity: watchtower.SeverityHigh, Weight: 0.8, Evidence: []watchtower.Evidence{{Type: "identitySnapshot", Ref: "snap1"}}},
	}
	a1, err := DeriveAlerts(agentID, signals, 1000, nil)
	if err != nil {
		t.Fatalf("derive 1: %v", err)
	}
	a2, err := DeriveAlerts(agentID, signals, 9999, nil)
	if err != nil {
		t.Fatalf("derive 2: %v", err)
	}
	if a1[0].AlertID != a2[0].AlertID {
		t.Fatalf("expected alertId invariant across createdAt, got %q vs %q", a1[0].AlertID, a2[0].AlertID)
	}
}

func TestStableEvidenceKeyOrderIndependent(t *testing.T) {
	s1 := watchtower.Signal{SignalID: "X", Evidence: []watchtower.Evidence{{Type: "a", Ref: "1"}, {Type: "b", Ref: "2"}}}
	s2 := watchtower.Signal{SignalID: "X", Evidence: []watchtower.Evidence{{Type: "b", Ref: "2"}, {Type: "a", Ref: "1"}}}
	if StableEvidenceKey(s1) != StableEvidenceKey(s2) {
		t.Fatalf("expected stable evidence key to be order-independent")
	}
}
