// Copyright 2025 Certen Protocol
//
// Funding-source classification and the CTX_FUNDING_* signals derived from
// it (§4.6 expanded). ClassifyFunder stays pure by taking an injected
// code-at predicate rather than calling out to a chain client, matching how
// pkg/execution/credit_checker.go in the teacher takes a pre-fetched
// balance/allowance snapshot rather than querying a client mid-function.

package signals

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/certen-labs/watchtower/pkg/watchtower"
)

// FundingClass is the classification of a funding source address.
type FundingClass string

const (
	FundingEOA      FundingClass = "EOA"
	FundingContract FundingClass = "CONTRACT"
	FundingCEX      FundingClass = "CEX"
	FundingMixer    FundingClass = "MIXER"
	FundingBridge   FundingClass = "BRIDGE"
	FundingUnknown  FundingClass = "UNKNOWN"
)

// fundingClassification is the intermediate value signal derivation
// consumes to emit CTX_FUNDING_* signals; it is not separately persisted.
type fundingClassification struct {
	sourceAddress string
	class         FundingClass
	ruleHits      []string
}

// CodeAtFunc reports whether addr has contract code deployed. It is
// supplied by the caller (the orchestrator, typically wrapping
// EVMEventSource.HasCode) and called once per ClassifyFunder call, so this
// package performs no I/O of its own.
type CodeAtFunc func(addr string) bool

// Denylist maps a lowercase address to the reason it is denylisted.
type Denylist map[string]string

// Allowlist maps a lowercase address to its known class (e.g. a named CEX
// hot wallet or bridge contract).
type Allowlist map[string]FundingClass

// ClassifyFunder implements the §4.6 classification policy: denylist >
// allowlist > contract-bit > default.
func ClassifyFunder(addr string, codeAt CodeAtFunc, denylist Denylist, allowlist Allowlist) fundingClassification {
	addr = normalizeAddr(addr)

	if _, hit := denylist[addr]; hit {
		return fundingClassification{sourceAddress: addr, class: FundingMixer, ruleHits: []string{"denylist"}}
	}
	if class, hit := allowlist[addr]; hit {
		return fundingClassification{sourceAddress: addr, class: class, ruleHits: []string{"allowlist"}}
	}
	if codeAt != nil && codeAt(addr) {
		return fundingClassification{sourceAddress: addr, class: FundingContract, ruleHits: []string{"contract-bit"}}
	}
	if codeAt == nil {
		return fundingClassification{sourceAddress: addr, class: FundingUnknown, ruleHits: []string{"default"}}
	}
	return fundingClassification{sourceAddress: addr, class: FundingEOA, ruleHits: []string{"default"}}
}

// normalizeAddr lowercases addr via go-ethereum's checksum-aware hex
// address parsing when it is well-formed, falling back to a plain
// lowercase of the raw string for non-address funding sources (e.g. CEX
// deposit tags) that don't parse as a 20-byte hex address.
func normalizeAddr(addr string) string {
	if common.IsHexAddress(addr) {
		return strings.ToLower(common.HexToAddress(addr).Hex())
	}
	return strings.ToLower(addr)
}

// DeriveFundingSignals emits the CTX_FUNDING_* signals for a single
// classified funding source (§4.6). emittedUnknownBefore tracks whether
// CTX_FUNDING_UNKNOWN has already been emitted for this agent, since it is
// emitted only once per agent.
func DeriveFundingSignals(addr string, codeAt CodeAtFunc, denylist Denylist, allowlist Allowlist, observedAt int64, emittedUnknownBefore bool) ([]watchtower.Signal, bool) {
	fc := ClassifyFunder(addr, codeAt, denylist, allowlist)
	evidence := []watchtower.Evidence{{Type: "fundingSource", Ref: fc.sourceAddress}}

	switch fc.class {
	case FundingMixer:
		// Denylist hits and allowlist-confirmed mixers both classify as
		// FundingMixer; ruleHits distinguishes which signal to raise.
		if fc.ruleHits[0] == "denylist" {
			return []watchtower.Signal{{
				SignalID: SignalCtxFundingDenylist, Severity: watchtower.SeverityCritical, Weight: 1.0,
				ObservedAt: observedAt, Evidence: evidence,
			}}, emittedUnknownBefore
		}
		return []watchtower.Signal{{
			SignalID: SignalCtxFundingMixer, Severity: watchtower.SeverityCritical, Weight: 1.0,
			ObservedAt: observedAt, Evidence: evidence,
		}}, emittedUnknownBefore
	case FundingBridge:
		return []watchtower.Signal{{
			SignalID: SignalCtxFundingBridge, Severity: watchtower.SeverityLow, Weight: 0.2,
			ObservedAt: observedAt, Evidence: evidence,
		}}, emittedUnknownBefore
	case FundingUnknown:
		if emittedUnknownBefore {
			return nil, true
		}
		return []watchtower.Signal{{
			SignalID: SignalCtxFundingUnknown, Severity: watchtower.SeverityLow, Weight: 0.1,
			ObservedAt: observedAt, Evidence: evidence,
		}}, true
	default:
		return nil, emittedUnknownBefore
	}
}
