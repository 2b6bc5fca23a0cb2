// Copyright 2025 Certen Protocol
//
// Orchestrator drives one tick of the watchtower pipeline end to end (§4.9):
// poll the configured registries, then for every distinct known agent fetch
// its identity card, derive signals, score, persist, and append a
// transparency leaf. Per-agent failures are isolated with defer/recover and
// surfaced as PIPELINE_ERROR alerts rather than aborting the tick. Grounded
// on pkg/execution/unified_orchestrator.go's single-coordinator,
// sequential-phase shape (executePhase7/8/9, each wrapped in its own error
// check that records a failure without taking down the whole cycle) and
// pkg/anchor/scheduler.go's tick-local bookkeeping.

package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/certen-labs/watchtower/pkg/canon"
	"github.com/certen-labs/watchtower/pkg/cardfetch"
	"github.com/certen-labs/watchtower/pkg/chainpoll"
	"github.com/certen-labs/watchtower/pkg/metrics"
	"github.com/certen-labs/watchtower/pkg/scoring"
	"github.com/certen-labs/watchtower/pkg/signals"
	"github.com/certen-labs/watchtower/pkg/store"
	"github.com/certen-labs/watchtower/pkg/translog"
	"github.com/certen-labs/watchtower/pkg/watchtower"
)

// Config tunes one Orchestrator's behavior beyond what its component configs
// (chainpoll.Config, cardfetch.Options, signals.Config) already carry.
type Config struct {
	// DeactivateStaleAlerts marks an agent's previously active alerts
	// inactive when the current tick's signals no longer reproduce them.
	// Default false: once raised, an alert stays active until an operator
	// (or a future process) explicitly resolves it. Resolves Open Question
	// (b), DESIGN.md.
	DeactivateStaleAlerts bool

	SignalConfig signals.Config
	FetchOptions cardfetch.Options
	Denylist     signals.Denylist
	Allowlist    signals.Allowlist

	// SnapshotHistoryLimit bounds how many past behavioral snapshots feed
	// scoring (0 means unbounded).
	SnapshotHistoryLimit int
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		SignalConfig: signals.DefaultConfig(),
		FetchOptions: cardfetch.DefaultOptions(),
	}
}

// Repositories bundles the store dependencies a tick touches.
type Repositories struct {
	Agents            *store.AgentRepository
	IdentityEvents    *store.IdentityEventRepository
	IdentitySnapshots *store.IdentitySnapshotRepository
	Snapshots         *store.SnapshotRepository
	Reports           *store.RiskReportRepository
	Alerts            *store.AlertRepository
}

// Orchestrator wires pollers (D), the card fetcher (E), signal derivation
// (F), scoring (G), persistence (C), and the transparency log (H) into one
// serial per-tick pipeline.
type Orchestrator struct {
	pollers []*chainpoll.Poller
	repos   Repositories
	fetcher *cardfetch.Fetcher
	log     *translog.Log
	metrics *metrics.Metrics
	codeAt  signals.CodeAtFunc
	cfg     Config
	logger  *log.Logger
}

// New constructs an Orchestrator. codeAt resolves whether a funding-source
// address has contract code deployed (typically EVMEventSource.HasCode);
// it may be nil, in which case an owner address that is on neither the
// denylist nor the allowlist classifies as UNKNOWN per
// pkg/signals.ClassifyFunder's contract-less branch.
func New(pollers []*chainpoll.Poller, repos Repositories, fetcher *cardfetch.Fetcher, translogLog *translog.Log, m *metrics.Metrics, codeAt signals.CodeAtFunc, cfg Config, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[orchestrator] ", log.LstdFlags)
	}
	return &Orchestrator{
		pollers: pollers,
		repos:   repos,
		fetcher: fetcher,
		log:     translogLog,
		metrics: m,
		codeAt:  codeAt,
		cfg:     cfg,
		logger:  logger,
	}
}

// TickReport summarizes one Tick call for callers/tests.
type TickReport struct {
	EventsIngested  int
	AgentsProcessed int
	AgentsFailed    int
	AlertsRaised    int
}

// Tick runs one full pipeline pass (§4.9). Per-agent failures are recovered
// and recorded as PIPELINE_ERROR alerts; they never cause Tick itself to
// return an error. Tick only returns an error for tick-fatal failures: a
// poller's own I/O failure, or an inability to list known agents.
func (o *Orchestrator) Tick(ctx context.Context, nowUnix int64) (TickReport, error) {
	start := time.Now()
	defer func() {
		if o.metrics != nil {
			o.metrics.TickDuration.Observe(time.Since(start).Seconds())
		}
	}()

	var report TickReport

	for _, p := range o.pollers {
		res, err := p.Tick(ctx, nowUnix)
		if err != nil {
			return TickReport{}, fmt.Errorf("watchtower: poll tick: %w", err)
		}
		report.EventsIngested += res.EventCount
	}
	if o.metrics != nil {
		o.metrics.EventsIngested.Add(float64(report.EventsIngested))
	}

	agents, err := o.repos.Agents.ListAll(ctx)
	if err != nil {
		return TickReport{}, fmt.Errorf("watchtower: list known agents: %w", err)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].AgentID < agents[j].AgentID })

	for _, agent := range agents {
		alertsRaised, err := o.processAgent(ctx, agent, nowUnix)
		if err != nil {
			report.AgentsFailed++
			if o.metrics != nil {
				o.metrics.PipelineErrors.Inc()
			}
			o.raisePipelineErrorAlert(ctx, agent.AgentID, err, nowUnix)
			continue
		}
		report.AgentsProcessed++
		report.AlertsRaised += alertsRaised
	}

	return report, nil
}

// processAgent runs the E/F/G/C/H sequence for a single agent, recovering a
// panic in any stage into an error so Tick can isolate it (§7).
func (o *Orchestrator) processAgent(ctx context.Context, agent watchtower.Agent, nowUnix int64) (alertsRaised int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered panic: %v", r)
		}
	}()

	// E: fetch card.
	agentURI, uriErr := o.latestAgentURI(ctx, agent)
	if uriErr != nil {
		return 0, fmt.Errorf("resolve agent uri: %w", uriErr)
	}

	var fetchResult cardfetch.Result
	if agentURI == "" {
		fetchResult = cardfetch.Result{Status: watchtower.FetchUnreachable, Error: "no agent uri on record"}
	} else {
		fetchResult = o.fetcher.Fetch(ctx, agentURI, o.cfg.FetchOptions)
	}
	if o.metrics != nil {
		o.metrics.FetchStatusTotal.WithLabelValues(string(fetchResult.Status)).Inc()
	}

	// C: store identity snapshot.
	snapshotID, err := canon.HashCanonical(identitySnapshotContent{
		AgentID:     agent.AgentID,
		AgentURI:    agentURI,
		FetchStatus: fetchResult.Status,
		CardHash:    fetchResult.CardHash,
	})
	if err != nil {
		return 0, fmt.Errorf("hash identity snapshot: %w", err)
	}
	identitySnapshot := watchtower.IdentitySnapshot{
		SnapshotID:  snapshotID,
		AgentID:     agent.AgentID,
		AgentURI:    agentURI,
		FetchStatus: fetchResult.Status,
		CardHash:    fetchResult.CardHash,
		CardJSON:    fetchResult.CardJSON,
		FetchedAt:   nowUnix,
		HTTPStatus:  fetchResult.HTTPStatus,
		Error:       fetchResult.Error,
	}
	if err := o.repos.IdentitySnapshots.Insert(ctx, identitySnapshot); err != nil {
		return 0, fmt.Errorf("store identity snapshot: %w", err)
	}

	// F: derive signals.
	history, err := o.repos.IdentitySnapshots.ListForAgent(ctx, agent.AgentID)
	if err != nil {
		return 0, fmt.Errorf("list identity snapshots: %w", err)
	}
	reverseIdentitySnapshots(history)
	identitySignals := signals.DeriveIdentitySignals(agent.FirstSeenAt, history, nowUnix, o.cfg.SignalConfig)

	behaviorHistory, err := o.repos.Snapshots.ListForAgent(ctx, agent.AgentID, 0)
	if err != nil {
		return 0, fmt.Errorf("list behavioral snapshots: %w", err)
	}
	fundingSignals, _ := signals.DeriveFundingSignals(
		agent.OwnerAddress, o.codeAt, o.cfg.Denylist, o.cfg.Allowlist, nowUnix,
		hasEmittedFundingUnknown(behaviorHistory),
	)

	combined := make([]watchtower.Signal, 0, len(identitySignals)+len(fundingSignals))
	combined = append(combined, identitySignals...)
	combined = append(combined, fundingSignals...)

	// C: upsert agent, store behavioral snapshot.
	agent.LastSeenAt = nowUnix
	if err := o.repos.Agents.Upsert(ctx, agent); err != nil {
		return 0, fmt.Errorf("upsert agent: %w", err)
	}

	behaviorSnapshotID, err := canon.HashCanonical(snapshotContent{AgentID: agent.AgentID, Signals: combined})
	if err != nil {
		return 0, fmt.Errorf("hash behavioral snapshot: %w", err)
	}
	behaviorSnapshot := watchtower.Snapshot{
		SnapshotID: behaviorSnapshotID,
		AgentID:    agent.AgentID,
		ObservedAt: nowUnix,
		Signals:    combined,
	}
	if err := o.repos.Snapshots.Insert(ctx, behaviorSnapshot); err != nil {
		return 0, fmt.Errorf("store behavioral snapshot: %w", err)
	}

	// G: score.
	scoringHistory, err := o.repos.Snapshots.ListForAgent(ctx, agent.AgentID, o.cfg.SnapshotHistoryLimit)
	if err != nil {
		return 0, fmt.Errorf("list snapshots for scoring: %w", err)
	}
	report, err := scoring.ScoreAgent(agent.AgentID, scoringHistory, nowUnix)
	if err != nil {
		return 0, fmt.Errorf("score agent: %w", err)
	}
	if err := o.repos.Reports.Insert(ctx, report); err != nil {
		return 0, fmt.Errorf("store risk report: %w", err)
	}

	alertsRaised, err = o.deriveAndStoreAlerts(ctx, agent.AgentID, combined, nowUnix)
	if err != nil {
		return 0, fmt.Errorf("derive alerts: %w", err)
	}

	// H: append transparency leaf.
	leaf := watchtower.TransparencyLeaf{
		LeafVersion:    watchtower.LeafVersion,
		AgentID:        agent.AgentID,
		RiskReportHash: report.ReportID,
		OverallRisk:    report.OverallRisk,
		CardHash:       identitySnapshot.CardHash,
	}
	if _, err := o.log.AppendLeaf(leaf, nowUnix); err != nil {
		return alertsRaised, fmt.Errorf("append transparency leaf: %w", err)
	}

	return alertsRaised, nil
}

// deriveAndStoreAlerts implements §4.7 step 8 against this tick's signals,
// and — when configured — resolves stale alerts (Open Question (b)).
func (o *Orchestrator) deriveAndStoreAlerts(ctx context.Context, agentID watchtower.AgentId, combined []watchtower.Signal, nowUnix int64) (int, error) {
	alreadyActive := func(agentID watchtower.AgentId, alertType, _ string) bool {
		active, err := o.repos.Alerts.ActiveForAgentAndType(ctx, agentID, alertType)
		if err != nil {
			o.logger.Printf("check active alert for %s/%s: %v", agentID, alertType, err)
			return false
		}
		return active
	}

	newAlerts, err := scoring.DeriveAlerts(agentID, combined, nowUnix, alreadyActive)
	if err != nil {
		return 0, err
	}
	for _, a := range newAlerts {
		if err := o.repos.Alerts.Insert(ctx, a); err != nil {
			return 0, err
		}
		if o.metrics != nil {
			o.metrics.AlertsRaised.Inc()
		}
	}

	if o.cfg.DeactivateStaleAlerts {
		if err := o.deactivateStaleAlerts(ctx, agentID, combined); err != nil {
			return len(newAlerts), err
		}
	}

	return len(newAlerts), nil
}

// deactivateStaleAlerts marks active alerts inactive when this tick's
// signals no longer reproduce their (type, stableEvidenceKey).
func (o *Orchestrator) deactivateStaleAlerts(ctx context.Context, agentID watchtower.AgentId, combined []watchtower.Signal) error {
	current := make(map[string]bool, len(combined))
	for _, s := range combined {
		current[s.SignalID+"|"+scoring.StableEvidenceKey(s)] = true
	}

	active, err := o.repos.Alerts.ListActiveForAgent(ctx, agentID)
	if err != nil {
		return err
	}
	for _, a := range active {
		if a.Type == watchtower.PipelineErrorAlertType {
			continue
		}
		key := a.Type + "|" + stableKeyFromAlert(a)
		if current[key] {
			continue
		}
		if err := o.repos.Alerts.Deactivate(ctx, a.AlertID); err != nil {
			return err
		}
	}
	return nil
}

// stableKeyFromAlert recomputes StableEvidenceKey's input shape from a
// persisted Alert, since alerts do not store the originating Signal.
func stableKeyFromAlert(a watchtower.Alert) string {
	return scoring.StableEvidenceKey(watchtower.Signal{SignalID: a.Type, Evidence: a.EvidenceLinks})
}

// raisePipelineErrorAlert records the §4.9 failure-isolation alert for an
// agent whose pipeline stage errored or panicked.
func (o *Orchestrator) raisePipelineErrorAlert(ctx context.Context, agentID watchtower.AgentId, cause error, nowUnix int64) {
	alert, err := scoring.PipelineErrorAlert(agentID, "fetch/derive/score", cause, nowUnix)
	if err != nil {
		o.logger.Printf("build pipeline error alert for %s: %v", agentID, err)
		return
	}
	if err := o.repos.Alerts.Insert(ctx, alert); err != nil {
		o.logger.Printf("store pipeline error alert for %s: %v", agentID, err)
		return
	}
	if o.metrics != nil {
		o.metrics.AlertsRaised.Inc()
	}
}

// latestAgentURI finds the most recent non-empty AgentURI recorded for
// agent from its identity event history (only Registered events carry a
// URI; Transfer events do not).
func (o *Orchestrator) latestAgentURI(ctx context.Context, agent watchtower.Agent) (string, error) {
	events, err := o.repos.IdentityEvents.ListForAgent(ctx, agent.ChainID, agent.RegistryAddr, agent.TokenID)
	if err != nil {
		return "", err
	}
	var uri string
	for _, e := range events {
		if e.AgentURI != "" {
			uri = e.AgentURI
		}
	}
	return uri, nil
}

// hasEmittedFundingUnknown reports whether CTX_FUNDING_UNKNOWN already
// appears in the agent's stored behavioral snapshots, so the "emitted only
// once per agent" rule survives process restarts instead of relying on
// in-memory state.
func hasEmittedFundingUnknown(history []watchtower.Snapshot) bool {
	for _, snap := range history {
		for _, s := range snap.Signals {
			if s.SignalID == signals.SignalCtxFundingUnknown {
				return true
			}
		}
	}
	return false
}

// reverseIdentitySnapshots reverses s in place: IdentitySnapshotRepository
// lists newest-first, but signals.DeriveIdentitySignals expects oldest-first
// with the latest fetch as the last element.
func reverseIdentitySnapshots(s []watchtower.IdentitySnapshot) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// identitySnapshotContent is the canonicalization shape for SnapshotID per
// pkg/watchtower.IdentitySnapshot's doc comment.
type identitySnapshotContent struct {
	AgentID     watchtower.AgentId     `json:"agentId"`
	AgentURI    string                 `json:"agentUri"`
	FetchStatus watchtower.FetchStatus `json:"fetchStatus"`
	CardHash    string                 `json:"cardHash"`
}

// snapshotContent is the canonicalization shape for a behavioral
// Snapshot's SnapshotID per pkg/watchtower.Snapshot's doc comment.
type snapshotContent struct {
	AgentID watchtower.AgentId  `json:"agentId"`
	Signals []watchtower.Signal `json:"signals"`
}
