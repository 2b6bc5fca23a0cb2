package chainpoll

import "testing"

func TestComputeWindowInitialFromStartBlock(t *testing.T) {
	cfg := Config{ChainID: 1, RegistryAddr: "0xabc", StartBlock: 1000, BatchSize: 500, Confirmations: 12, OverlapBlocks: 50}
	w := computeWindow(0, 2000, cfg)
	if w.skipped {
		t.Fatalf("expected a window, got skipped")
	}
	if w.from != 1000 {
		t.Fatalf("expected from=1000, got %d", w.from)
	}
	wantTo := uint64(1000 + 500 - 1)
	if w.to != wantTo {
		t.Fatalf("expected to=%d, got %d", wantTo, w.to)
	}
}

func TestComputeWindowRespectsConfirmations(t *testing.T) {
	cfg := Config{ChainID: 1, RegistryAddr: "0xabc", StartBlock: 0, BatchSize: 10_000, Confirmations: 12, OverlapBlocks: 50}
	w := computeWindow(0, 10, cfg)
	if !w.skipped {
		t.Fatalf("expected skip when latest block is within confirmations of genesis")
	}
}

func TestComputeWindowCapsAtBatchSize(t *testing.T) {
	cfg := Config{ChainID: 1, RegistryAddr: "0xabc", StartBlock: 0, BatchSize: 100, Confirmations: 0, OverlapBlocks: 0}
	w := computeWindow(0, 1_000_000, cfg)
	if w.skipped {
		t.Fatalf("expected a window")
	}
	if w.to-w.from+1 != 100 {
		t.Fatalf("expected window of exactly batchSize=100 blocks, got %d", w.to-w.from+1)
	}
}

func TestComputeWindowReorgOverlapRewindsCursor(t *testing.T) {
	cfg := Config{ChainID: 1, RegistryAddr: "0xabc", StartBlock: 0, BatchSize: 10_000, Confirmations: 0, OverlapBlocks: 50}
	w := computeWindow(1000, 5000, cfg)
	if w.skipped {
		t.Fatalf("expected a window")
	}
	if w.from != 1000-50 {
		t.Fatalf("expected from to rewind by overlapBlocks to %d, got %d", 1000-50, w.from)
	}
}

func TestComputeWindowFromNeverGoesBelowStartBlock(t *testing.T) {
	cfg := Config{ChainID: 1, RegistryAddr: "0xabc", StartBlock: 900, BatchSize: 10_000, Confirmations: 0, OverlapBlocks: 1000}
	w := computeWindow(950, 5000, cfg)
	if w.skipped {
		t.Fatalf("expected a window")
	}
	if w.from != 900 {
		t.Fatalf("expected from floored at startBlock=900, got %d", w.from)
	}
}

func TestComputeWindowSkipsWhenNoNewBlocks(t *testing.T) {
	cfg := Config{ChainID: 1, RegistryAddr: "0xabc", StartBlock: 0, BatchSize: 10_000, Confirmations: 12, OverlapBlocks: 0}
	// cursor already past the safe head (988): nothing new to ingest.
	w := computeWindow(990, 1000, cfg)
	if !w.skipped {
		t.Fatalf("expected skip: cursor already past safe head")
	}
}
