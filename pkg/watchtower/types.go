// Copyright 2025 Certen Protocol
//
// Domain types shared across the watchtower: registration events, identity
// snapshots, behavioral signals, risk reports, alerts, and transparency
// leaves. These are plain data; hashing and signing live in pkg/canon and
// pkg/keys respectively so that this package stays free of I/O.

package watchtower

import "time"

// EventType distinguishes registration-registry log kinds.
type EventType string

const (
	EventRegistered EventType = "Registered"
	EventTransfer   EventType = "Transfer"
)

// RegistrationEvent is a decoded on-chain log from an agent registry.
// Uniquely keyed by (ChainID, RegistryAddr, TxHash, LogIndex); duplicate
// ingestion of the same key is expected and must be a no-op at the store.
type RegistrationEvent struct {
	ChainID      uint64    `json:"chainId"`
	RegistryAddr string    `json:"registryAddr"`
	AgentTokenID string    `json:"agentTokenId"`
	AgentURI     string    `json:"agentUri"`
	OwnerAddress string    `json:"ownerAddress"`
	EventType    EventType `json:"eventType"`
	BlockNumber  uint64    `json:"blockNumber"`
	TxHash       string    `json:"txHash"`
	LogIndex     uint      `json:"logIndex"`
}

// FetchStatus is the outcome of a card-fetch attempt.
type FetchStatus string

const (
	FetchOK             FetchStatus = "OK"
	FetchUnreachable    FetchStatus = "UNREACHABLE"
	FetchTimeout        FetchStatus = "TIMEOUT"
	FetchInvalidSchema  FetchStatus = "INVALID_SCHEMA"
	FetchSSRFBlocked    FetchStatus = "SSRF_BLOCKED"
)

// IdentitySnapshot is an immutable record of one card-fetch attempt for an
// agent. SnapshotID = SHA256(canonicalJson({agentId, agentUri, fetchStatus,
// cardHash})).
type IdentitySnapshot struct {
	SnapshotID string      `json:"snapshotId"`
	AgentID    AgentId     `json:"agentId"`
	AgentURI   string      `json:"agentUri"`
	FetchStatus FetchStatus `json:"fetchStatus"`
	CardHash   string      `json:"cardHash,omitempty"`
	CardJSON   []byte      `json:"cardJson,omitempty"`
	FetchedAt  int64       `json:"fetchedAt"`
	HTTPStatus int         `json:"httpStatus,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Severity is the shared severity scale used by signals, alerts, and cases.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// severityRank orders severities for deterministic sorting (desc).
var severityRank = map[Severity]int{
	SeverityCritical: 4,
	SeverityHigh:     3,
	SeverityMedium:   2,
	SeverityLow:      1,
}

// Rank returns a numeric rank for sorting, higher is more severe. Unknown
// severities rank lowest.
func (s Severity) Rank() int {
	return severityRank[s]
}

// SeverityWeight maps a severity to its scoring contribution per §4.7.
func SeverityWeight(s Severity) float64 {
	switch s {
	case SeverityCritical:
		return 100
	case SeverityHigh:
		return 60
	case SeverityMedium:
		return 25
	case SeverityLow:
		return 10
	default:
		return 0
	}
}

// Evidence is a single evidence reference backing a signal or report.
type Evidence struct {
	Type string `json:"type"`
	Ref  string `json:"ref"`
}

// Signal is a deterministic, evidence-carrying observation about an agent.
type Signal struct {
	SignalID   string     `json:"signalId"`
	Severity   Severity   `json:"severity"`
	Weight     float64    `json:"weight"`
	ObservedAt int64      `json:"observedAt"`
	Evidence   []Evidence `json:"evidence"`
}

// Snapshot is a behavioral snapshot: the set of signals observed for an
// agent at a point in time. SnapshotID = SHA256(canonicalJson({agentId,
// signals})). Insertion is idempotent on SnapshotID.
type Snapshot struct {
	SnapshotID string   `json:"snapshotId"`
	AgentID    AgentId  `json:"agentId"`
	ObservedAt int64    `json:"observedAt"`
	Signals    []Signal `json:"signals"`
}

// Confidence is the scoring engine's confidence tier for a risk report.
type Confidence string

const (
	ConfidenceLow    Confidence = "LOW"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceHigh   Confidence = "HIGH"
)

// SignalRef is the minimal (signalId, severity) pair a report carries for
// each contributing signal.
type SignalRef struct {
	SignalID string   `json:"signalId"`
	Severity Severity `json:"severity"`
}

// RiskReport is the scored aggregation of an agent's signals at a point in
// time. ReportID is a content hash over all fields except GeneratedAt.
type RiskReport struct {
	ReportVersion string      `json:"reportVersion"`
	ReportID      string      `json:"reportId"`
	AgentID       AgentId     `json:"agentId"`
	GeneratedAt   int64       `json:"generatedAt"`
	OverallRisk   int         `json:"overallRisk"`
	Confidence    Confidence  `json:"confidence"`
	Reasons       []string    `json:"reasons"`
	EvidenceLinks []Evidence  `json:"evidenceLinks"`
	Signals       []SignalRef `json:"signals"`
}

// ReportVersion is the current wire version for RiskReport.
const ReportVersion = "0.1.0"

// Alert is a content-addressed, at-most-one-active-per-condition record
// raised by the scoring engine.
type Alert struct {
	AlertID       string     `json:"alertId"`
	AgentID       AgentId    `json:"agentId"`
	Type          string     `json:"type"`
	Severity      Severity   `json:"severity"`
	Description   string     `json:"description"`
	EvidenceLinks []Evidence `json:"evidenceLinks"`
	CreatedAt     int64      `json:"createdAt"`
	IsActive      bool       `json:"isActive"`
}

// PipelineErrorAlertType is the alert type used when a per-agent pipeline
// stage (fetch/derive/score) fails and is recovered by the orchestrator.
const PipelineErrorAlertType = "PIPELINE_ERROR"

// LeafVersion is the current wire version for TransparencyLeaf.
const LeafVersion = "0.1.0"

// TransparencyLeaf is a signed, content-addressed record attesting that the
// watchtower produced a specific risk report for a specific agent. LeafID
// is computed over every field except WrittenAt and WatchtowerSig.
type TransparencyLeaf struct {
	LeafVersion    string  `json:"leafVersion"`
	LeafID         string  `json:"leafId"`
	WrittenAt      int64   `json:"writtenAt"`
	AgentID        AgentId `json:"agentId"`
	RiskReportHash string  `json:"riskReportHash"`
	OverallRisk    int     `json:"overallRisk"`
	ReceiptID      string  `json:"receiptId,omitempty"`
	ManifestSha256 string  `json:"manifestSha256,omitempty"`
	CardHash       string  `json:"cardHash,omitempty"`
	WatchtowerSig  string  `json:"watchtowerSig"`
}

// Cursor is the last fully-ingested block number for a (chainId,
// registryAddr) pair. Monotone non-decreasing.
type Cursor struct {
	ChainID      uint64 `json:"chainId"`
	RegistryAddr string `json:"registryAddr"`
	LastBlock    uint64 `json:"lastBlock"`
}

// Agent is the minimal per-agent record the store tracks across ticks.
type Agent struct {
	AgentID      AgentId `json:"agentId"`
	ChainID      uint64  `json:"chainId"`
	RegistryAddr string  `json:"registryAddr"`
	TokenID      string  `json:"tokenId"`
	OwnerAddress string  `json:"ownerAddress"`
	FirstSeenAt  int64   `json:"firstSeenAt"`
	LastSeenAt   int64   `json:"lastSeenAt"`
}

// unixNow returns the current wall-clock time in Unix seconds. It is a
// plain function, not a test hook, and no code in the module calls it;
// domain logic takes explicit clock readings instead.
func unixNow() int64 { return time.Now().Unix() }
