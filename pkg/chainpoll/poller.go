// Copyright 2025 Certen Protocol
//
// Reorg-safe windowed event ingestion for agent registries (§4.4).
//
// Grounded on pkg/anchor/event_watcher.go's pollEvents/initializeStartBlock
// shape (fetch-a-bounded-range-then-advance-cursor), generalized: the
// confirmations/overlapBlocks window computation is pulled out as a pure
// function so it can be unit tested without a chain client, matching
// pkg/anchor's own separation of getTopicForEventType/parseLog from pollEvents.

package chainpoll

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sort"

	"github.com/certen-labs/watchtower/pkg/store"
	"github.com/certen-labs/watchtower/pkg/watchtower"
)

// EventSource is the abstract chain capability the poller consumes (§6).
type EventSource interface {
	// LatestBlockNumber returns the current chain head.
	LatestBlockNumber(ctx context.Context) (uint64, error)
	// RegistrationEvents returns decoded events in the inclusive range
	// [from, to]. Must be idempotent under overlapping calls.
	RegistrationEvents(ctx context.Context, from, to uint64) ([]watchtower.RegistrationEvent, error)
}

// Config configures one (chainId, registryAddr) polling partition (§6).
type Config struct {
	ChainID       uint64
	RegistryAddr  string
	StartBlock    uint64
	BatchSize     uint64
	Confirmations uint64
	OverlapBlocks uint64
}

// DefaultConfig returns the spec's documented defaults for the non-identity
// fields.
func DefaultConfig(chainID uint64, registryAddr string, startBlock uint64) Config {
	return Config{
		ChainID:       chainID,
		RegistryAddr:  registryAddr,
		StartBlock:    startBlock,
		BatchSize:     10_000,
		Confirmations: 12,
		OverlapBlocks: 50,
	}
}

// window is the pure result of the §4.4 range computation.
type window struct {
	from    uint64
	to      uint64
	skipped bool
}

// computeWindow implements §4.4 steps 2-5 as a pure function of (cursor,
// latestBlock, config).
func computeWindow(cursor uint64, latestBlock uint64, cfg Config) window {
	if latestBlock < cfg.Confirmations {
		// Not even the genesis block has accrued enough confirmations yet.
		return window{skipped: true}
	}
	safeHead := latestBlock - cfg.Confirmations

	var from uint64
	if cursor == 0 {
		from = cfg.StartBlock
	} else {
		from = cfg.StartBlock
		if cursor > cfg.OverlapBlocks {
			candidate := cursor - cfg.OverlapBlocks
			if candidate > from {
				from = candidate
			}
		}
	}

	if from > safeHead {
		return window{skipped: true}
	}

	to := from + cfg.BatchSize - 1
	if to > safeHead {
		to = safeHead
	}
	if from > to {
		return window{skipped: true}
	}
	return window{from: from, to: to}
}

// Poller drives one tick of ingestion for a single registry partition.
type Poller struct {
	source  EventSource
	cursors *store.CursorRepository
	events  *store.IdentityEventRepository
	agents  *store.AgentRepository
	cfg     Config
	logger  *log.Logger
}

// NewPoller constructs a Poller.
func NewPoller(source EventSource, cursors *store.CursorRepository, events *store.IdentityEventRepository, agents *store.AgentRepository, cfg Config, logger *log.Logger) *Poller {
	if logger == nil {
		logger = log.New(log.Writer(), "[chainpoll] ", log.LstdFlags)
	}
	return &Poller{source: source, cursors: cursors, events: events, agents: agents, cfg: cfg, logger: logger}
}

// TickResult reports what a single Tick call did.
type TickResult struct {
	Skipped     bool
	From, To    uint64
	EventCount  int
	AgentsSeen  []watchtower.AgentId
}

// Tick runs one ingestion pass: compute the window, fetch events, insert
// them idempotently, upsert agents, and advance the cursor (§4.4 steps 1-7).
func (p *Poller) Tick(ctx context.Context, nowUnix int64) (TickResult, error) {
	cursor, err := p.cursors.Get(ctx, p.cfg.ChainID, p.cfg.RegistryAddr)
	var lastBlock uint64
	if err == nil {
		lastBlock = cursor.LastBlock
	} else if err != sql.ErrNoRows {
		return TickResult{}, fmt.Errorf("%w: read cursor: %v", watchtower.ErrTransientIO, err)
	}

	latest, err := p.source.LatestBlockNumber(ctx)
	if err != nil {
		return TickResult{}, fmt.Errorf("%w: get latest block: %v", watchtower.ErrTransientIO, err)
	}

	w := computeWindow(lastBlock, latest, p.cfg)
	if w.skipped {
		return TickResult{Skipped: true}, nil
	}

	events, err := p.source.RegistrationEvents(ctx, w.from, w.to)
	if err != nil {
		return TickResult{}, fmt.Errorf("%w: fetch registration events: %v", watchtower.ErrTransientIO, err)
	}

	seen := make(map[watchtower.AgentId]bool)
	var agentIDs []watchtower.AgentId
	for _, e := range events {
		if err := p.events.Insert(ctx, e); err != nil {
			return TickResult{}, err
		}
		agentID := watchtower.NewAgentId(e.ChainID, e.RegistryAddr, e.AgentTokenID)
		if !seen[agentID] {
			seen[agentID] = true
			agentIDs = append(agentIDs, agentID)
		}
		if err := p.agents.Upsert(ctx, watchtower.Agent{
			AgentID:      agentID,
			ChainID:      e.ChainID,
			RegistryAddr: e.RegistryAddr,
			TokenID:      e.AgentTokenID,
			OwnerAddress: e.OwnerAddress,
			FirstSeenAt:  nowUnix,
			LastSeenAt:   nowUnix,
		}); err != nil {
			return TickResult{}, err
		}
	}
	sort.Slice(agentIDs, func(i, j int) bool { return agentIDs[i] < agentIDs[j] })

	if err := p.cursors.Advance(ctx, p.cfg.ChainID, p.cfg.RegistryAddr, w.to); err != nil {
		return TickResult{}, err
	}

	if len(events) > 0 {
		p.logger.Printf("ingested %d events from blocks %d to %d (chain=%d registry=%s)",
			len(events), w.from, w.to, p.cfg.ChainID, p.cfg.RegistryAddr)
	}

	return TickResult{From: w.from, To: w.to, EventCount: len(events), AgentsSeen: agentIDs}, nil
}
