// Copyright 2025 Certen Protocol
//
// Integration test for the full tick pipeline. Requires a live Postgres;
// skipped entirely when WATCHTOWER_TEST_DB is unset, matching pkg/store's
// test harness.

package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/certen-labs/watchtower/pkg/cardfetch"
	"github.com/certen-labs/watchtower/pkg/chainpoll"
	"github.com/certen-labs/watchtower/pkg/keys"
	"github.com/certen-labs/watchtower/pkg/metrics"
	"github.com/certen-labs/watchtower/pkg/store"
	"github.com/certen-labs/watchtower/pkg/translog"
	"github.com/certen-labs/watchtower/pkg/watchtower"
)

var testClient *store.Client

func TestMain(m *testing.M) {
	connStr := os.Getenv("WATCHTOWER_TEST_DB")
	if connStr == "" {
		os.Exit(0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := store.NewClient(ctx, store.DefaultConfig(connStr))
	if err != nil {
		panic("failed to connect to test database: " + err.Error())
	}
	if err := c.MigrateUp(ctx); err != nil {
		panic("failed to migrate test database: " + err.Error())
	}
	testClient = c

	code := m.Run()
	c.Close()
	os.Exit(code)
}

// fakeEventSource returns one Registered event on its first call and
// nothing afterwards, so a single Tick is enough to both ingest the agent
// and run its behavioral pipeline.
type fakeEventSource struct {
	latest    uint64
	delivered bool
	event     watchtower.RegistrationEvent
}

func (f *fakeEventSource) LatestBlockNumber(ctx context.Context) (uint64, error) {
	return f.latest, nil
}

func (f *fakeEventSource) RegistrationEvents(ctx context.Context, from, to uint64) ([]watchtower.RegistrationEvent, error) {
	if f.delivered {
		return nil, nil
	}
	f.delivered = true
	return []watchtower.RegistrationEvent{f.event}, nil
}

func TestTickIngestsAndScoresNewAgent(t *testing.T) {
	if testClient == nil {
		t.Skip("test database not configured")
	}
	ctx := context.Background()

	const (
		chainID      = 999001
		registryAddr = "0xorche0000000000000000000000000000000001"
		tokenID      = "1"
	)

	cardJSON := `{
		"type": "AgentRegistration",
		"name": "orchestrated-agent",
		"services": [{"protocol": "a2a", "endpoint": "https://example.test/a2a"}],
		"active": true,
		"registrations": [{"agentRegistry": "` + registryAddr + `", "agentId": "erc8004:999001:` + registryAddr + `:1"}],
		"supportedTrust": ["reputation"]
	}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(cardJSON))
	}))
	defer srv.Close()

	source := &fakeEventSource{
		latest: 1000,
		event: watchtower.RegistrationEvent{
			ChainID:      chainID,
			RegistryAddr: registryAddr,
			AgentTokenID: tokenID,
			AgentURI:     srv.URL,
			OwnerAddress: "0xowner000000000000000000000000000000001",
			EventType:    watchtower.EventRegistered,
			BlockNumber:  1,
			TxHash:       "0xdeadbeef",
			LogIndex:     0,
		},
	}

	cursors := store.NewCursorRepository(testClient)
	identityEvents := store.NewIdentityEventRepository(testClient)
	agentsRepo := store.NewAgentRepository(testClient)
	pollerCfg := chainpoll.DefaultConfig(chainID, registryAddr, 0)
	pollerCfg.Confirmations = 0
	poller := chainpoll.NewPoller(source, cursors, identityEvents, agentsRepo, pollerCfg, nil)

	repos := Repositories{
		Agents:            agentsRepo,
		IdentityEvents:    identityEvents,
		IdentitySnapshots: store.NewIdentitySnapshotRepository(testClient),
		Snapshots:         store.NewSnapshotRepository(testClient),
		Reports:           store.NewRiskReportRepository(testClient),
		Alerts:            store.NewAlertRepository(testClient),
	}

	fetchOpts := cardfetch.DefaultOptions()
	fetchOpts.AllowHTTP = true

	signer, err := keys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	log, err := translog.NewLog(t.TempDir(), keys.NewLocalSigner(signer))
	if err != nil {
		t.Fatalf("new translog: %v", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	cfg := DefaultConfig()
	cfg.FetchOptions = fetchOpts

	o := New([]*chainpoll.Poller{poller}, repos, cardfetch.NewFetcher(), log, m, nil, cfg, nil)

	report, err := o.Tick(ctx, 1_700_000_000)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if report.EventsIngested != 1 {
		t.Fatalf("expected 1 event ingested, got %d", report.EventsIngested)
	}
	if report.AgentsProcessed != 1 {
		t.Fatalf("expected 1 agent processed, got %d (failed=%d)", report.AgentsProcessed, report.AgentsFailed)
	}

	agentID := watchtower.NewAgentId(chainID, registryAddr, tokenID)
	latestReport, err := repos.Reports.LatestForAgent(ctx, agentID)
	if err != nil {
		t.Fatalf("latest report: %v", err)
	}
	if latestReport.AgentID != agentID {
		t.Fatalf("expected report for %s, got %s", agentID, latestReport.AgentID)
	}
}

func TestTickTreatsUnreachableCardAsSignalNotFailure(t *testing.T) {
	if testClient == nil {
		t.Skip("test database not configured")
	}
	ctx := context.Background()

	const (
		chainID      = 999002
		registryAddr = "0xorche0000000000000000000000000000000002"
		tokenID      = "7"
	)

	source := &fakeEventSource{
		latest: 1000,
		event: watchtower.RegistrationEvent{
			ChainID:      chainID,
			RegistryAddr: registryAddr,
			AgentTokenID: tokenID,
			AgentURI:     "https://unreachable.invalid.test/card.json",
			OwnerAddress: "0xowner000000000000000000000000000000002",
			EventType:    watchtower.EventRegistered,
			BlockNumber:  1,
			TxHash:       "0xfeedface",
			LogIndex:     0,
		},
	}

	cursors := store.NewCursorRepository(testClient)
	identityEvents := store.NewIdentityEventRepository(testClient)
	agentsRepo := store.NewAgentRepository(testClient)
	pollerCfg := chainpoll.DefaultConfig(chainID, registryAddr, 0)
	pollerCfg.Confirmations = 0
	poller := chainpoll.NewPoller(source, cursors, identityEvents, agentsRepo, pollerCfg, nil)

	repos := Repositories{
		Agents:            agentsRepo,
		IdentityEvents:    identityEvents,
		IdentitySnapshots: store.NewIdentitySnapshotRepository(testClient),
		Snapshots:         store.NewSnapshotRepository(testClient),
		Reports:           store.NewRiskReportRepository(testClient),
		Alerts:            store.NewAlertRepository(testClient),
	}

	signer, err := keys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	log, err := translog.NewLog(t.TempDir(), keys.NewLocalSigner(signer))
	if err != nil {
		t.Fatalf("new translog: %v", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	o := New([]*chainpoll.Poller{poller}, repos, cardfetch.NewFetcher(), log, m, nil, DefaultConfig(), nil)

	report, err := o.Tick(ctx, 1_700_000_100)
	if err != nil {
		t.Fatalf("tick should not fail the whole batch on an unreachable card: %v", err)
	}
	if report.AgentsProcessed != 1 {
		t.Fatalf("expected the agent to still be fully processed (unreachable card is a signal, not a pipeline error), got %d", report.AgentsProcessed)
	}
	if report.AgentsFailed != 0 {
		t.Fatalf("expected 0 pipeline failures for an unreachable card, got %d", report.AgentsFailed)
	}

	agentID := watchtower.NewAgentId(chainID, registryAddr, tokenID)
	alerts, err := repos.Alerts.ListActiveForAgent(ctx, agentID)
	if err != nil {
		t.Fatalf("list active alerts: %v", err)
	}
	found := false
	for _, a := range alerts {
		if a.Type == "ID_CARD_UNREACHABLE" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an ID_CARD_UNREACHABLE alert, got %+v", alerts)
	}
}
