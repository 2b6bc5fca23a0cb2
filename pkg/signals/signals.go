// Copyright 2025 Certen Protocol
//
// Pure signal derivation (§4.6). No I/O: callers resolve history, card
// fetch results, and (for funding signals) contract-code lookups before
// calling in, mirroring pkg/intent's pure discovery/conversion functions in
// the teacher (discovery.go/conversion.go take already-fetched data and
// return derived values, never perform I/O themselves).

package signals

import (
	"sort"
	"strconv"

	"github.com/certen-labs/watchtower/pkg/watchtower"
)

// Config tunes the identity-signal thresholds (§6).
type Config struct {
	NewbornAgeSeconds  int64
	ChurnWindowSeconds int64
	ChurnThreshold     int
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		NewbornAgeSeconds:  1_209_600,
		ChurnWindowSeconds: 604_800,
		ChurnThreshold:     3,
	}
}

const (
	SignalIDNewborn           = "ID_NEWBORN"
	SignalIDCardUnreachable   = "ID_CARD_UNREACHABLE"
	SignalIDCardSchemaInvalid = "ID_CARD_SCHEMA_INVALID"
	SignalIDCardChurn         = "ID_CARD_CHURN"
	SignalCtxFundingMixer     = "CTX_FUNDING_MIXER"
	SignalCtxFundingDenylist  = "CTX_FUNDING_DENYLISTED"
	SignalCtxFundingBridge    = "CTX_FUNDING_BRIDGE"
	SignalCtxFundingUnknown   = "CTX_FUNDING_UNKNOWN"
)

// DeriveIdentitySignals implements the §4.6 identity-signal rules. history
// is the agent's identity snapshots ordered oldest-first; its last element
// is taken as the most recent card-fetch result, and an empty history
// yields no card-status signal.
func DeriveIdentitySignals(firstSeenAt int64, history []watchtower.IdentitySnapshot, observedAt int64, cfg Config) []watchtower.Signal {
	var out []watchtower.Signal

	if observedAt-firstSeenAt < cfg.NewbornAgeSeconds {
		out = append(out, watchtower.Signal{
			SignalID:   SignalIDNewborn,
			Severity:   watchtower.SeverityMedium,
			Weight:     0.3,
			ObservedAt: observedAt,
			Evidence:   []watchtower.Evidence{{Type: "agentFirstSeenAt", Ref: strconv.FormatInt(firstSeenAt, 10)}},
		})
	}

	if len(history) > 0 {
		latest := history[len(history)-1]
		switch latest.FetchStatus {
		case watchtower.FetchUnreachable, watchtower.FetchTimeout, watchtower.FetchSSRFBlocked:
			out = append(out, watchtower.Signal{
				SignalID:   SignalIDCardUnreachable,
				Severity:   watchtower.SeverityHigh,
				Weight:     0.8,
				ObservedAt: observedAt,
				Evidence:   []watchtower.Evidence{{Type: "identitySnapshot", Ref: latest.SnapshotID}},
			})
		case watchtower.FetchInvalidSchema:
			out = append(out, watchtower.Signal{
				SignalID:   SignalIDCardSchemaInvalid,
				Severity:   watchtower.SeverityHigh,
				Weight:     0.8,
				ObservedAt: observedAt,
				Evidence:   []watchtower.Evidence{{Type: "identitySnapshot", Ref: latest.SnapshotID}},
			})
		}
	}

	if churn := distinctCardHashesInWindow(history, observedAt, cfg.ChurnWindowSeconds); churn >= cfg.ChurnThreshold {
		var evidence []watchtower.Evidence
		for _, s := range history {
			if observedAt-s.FetchedAt <= cfg.ChurnWindowSeconds && s.CardHash != "" {
				evidence = append(evidence, watchtower.Evidence{Type: "identitySnapshot", Ref: s.SnapshotID})
			}
		}
		out = append(out, watchtower.Signal{
			SignalID:   SignalIDCardChurn,
			Severity:   watchtower.SeverityMedium,
			Weight:     0.5,
			ObservedAt: observedAt,
			Evidence:   evidence,
		})
	}

	return sortSignals(out)
}

// distinctCardHashesInWindow counts distinct non-empty CardHash values among
// snapshots fetched within churnWindowSeconds of observedAt.
func distinctCardHashesInWindow(history []watchtower.IdentitySnapshot, observedAt, churnWindowSeconds int64) int {
	seen := make(map[string]bool)
	for _, s := range history {
		if observedAt-s.FetchedAt > churnWindowSeconds {
			continue
		}
		if s.CardHash == "" {
			continue
		}
		seen[s.CardHash] = true
	}
	return len(seen)
}

// sortSignals orders signals by severity desc, then signalId asc, per
// §4.6's "stable ordered list" requirement.
func sortSignals(signals []watchtower.Signal) []watchtower.Signal {
	sort.SliceStable(signals, func(i, j int) bool {
		ri, rj := signals[i].Severity.Rank(), signals[j].Severity.Rank()
		if ri != rj {
			return ri > rj
		}
		return signals[i].SignalID < signals[j].SignalID
	})
	return signals
}
