package translog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/certen-labs/watchtower/pkg/keys"
	"github.com/certen-labs/watchtower/pkg/watchtower"
)

func newTestSigner(t *testing.T) *keys.LocalSigner {
	t.Helper()
	kp, err := keys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return keys.NewLocalSigner(kp)
}

func TestAppendLeafThenVerifySucceeds(t *testing.T) {
	dir := t.TempDir()
	signer := newTestSigner(t)
	log, err := NewLog(dir, signer)
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}

	writtenAt := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC).Unix()
	leaf := watchtower.TransparencyLeaf{
		AgentID:        "erc8004:1:0xabc:1",
		RiskReportHash: "deadbeef",
		OverallRisk:    42,
	}
	written, err := log.AppendLeaf(leaf, writtenAt)
	if err != nil {
		t.Fatalf("AppendLeaf: %v", err)
	}
	if written.LeafID == "" || written.WatchtowerSig == "" {
		t.Fatalf("expected leafId and signature to be populated, got %+v", written)
	}

	path := shardPath(dir, writtenAt)
	result, err := VerifyLogFile(path, signer.PublicKey())
	if err != nil {
		t.Fatalf("VerifyLogFile: %v", err)
	}
	if result.TotalLeaves != 1 || result.ValidLeaves != 1 || result.InvalidLeaves != 0 {
		t.Fatalf("expected 1 valid leaf, got %+v", result)
	}
}

func TestAppendLeafShardsByUTCDate(t *testing.T) {
	dir := t.TempDir()
	signer := newTestSigner(t)
	log, err := NewLog(dir, signer)
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}

	day1 := time.Date(2026, 7, 30, 23, 0, 0, 0, time.UTC).Unix()
	day2 := time.Date(2026, 7, 31, 1, 0, 0, 0, time.UTC).Unix()

	if _, err := log.AppendLeaf(watchtower.TransparencyLeaf{AgentID: "a1", RiskReportHash: "h1"}, day1); err != nil {
		t.Fatalf("append day1: %v", err)
	}
	if _, err := log.AppendLeaf(watchtower.TransparencyLeaf{AgentID: "a2", RiskReportHash: "h2"}, day2); err != nil {
		t.Fatalf("append day2: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 shard files, got %d: %v", len(entries), entries)
	}
}

func TestVerifyLogFileDetectsLeafIDMismatch(t *testing.T) {
	dir := t.TempDir()
	signer := newTestSigner(t)
	log, err := NewLog(dir, signer)
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	writtenAt := time.Now().Unix()

	if _, err := log.AppendLeaf(watchtower.TransparencyLeaf{AgentID: "a1", RiskReportHash: "h1", OverallRisk: 10}, writtenAt); err != nil {
		t.Fatalf("append: %v", err)
	}

	path := shardPath(dir, writtenAt)
	tampered := []byte(`{"leafVersion":"0.1.0","leafId":"wrong","writtenAt":1,"agentId":"a1","riskReportHash":"h1","overallRisk":999,"watchtowerSig":"x"}` + "\n")
	if err := os.WriteFile(path, tampered, 0644); err != nil {
		t.Fatalf("write tampered: %v", err)
	}

	result, err := VerifyLogFile(path, signer.PublicKey())
	if err != nil {
		t.Fatalf("VerifyLogFile: %v", err)
	}
	if result.InvalidLeaves != 1 {
		t.Fatalf("expected 1 invalid leaf, got %+v", result)
	}
	if result.Errors[0].Error != "leafId mismatch" {
		t.Fatalf("expected leafId mismatch error, got %+v", result.Errors)
	}
}

func TestVerifyLogFileDetectsSignatureMismatch(t *testing.T) {
	dir := t.TempDir()
	signer := newTestSigner(t)
	otherSigner := newTestSigner(t)
	log, err := NewLog(dir, signer)
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	writtenAt := time.Now().Unix()

	if _, err := log.AppendLeaf(watchtower.TransparencyLeaf{AgentID: "a1", RiskReportHash: "h1"}, writtenAt); err != nil {
		t.Fatalf("append: %v", err)
	}

	path := shardPath(dir, writtenAt)
	result, err := VerifyLogFile(path, otherSigner.PublicKey())
	if err != nil {
		t.Fatalf("VerifyLogFile: %v", err)
	}
	if result.InvalidLeaves != 1 || result.Errors[0].Error != "signature mismatch" {
		t.Fatalf("expected signature mismatch against wrong public key, got %+v", result)
	}
}

func TestVerifyLogFileDetectsInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "leaves-2026-07-30.ndjson")
	if err := os.WriteFile(path, []byte("{not json\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	signer := newTestSigner(t)
	result, err := VerifyLogFile(path, signer.PublicKey())
	if err != nil {
		t.Fatalf("VerifyLogFile: %v", err)
	}
	if result.TotalLeaves != 1 || result.InvalidLeaves != 1 || result.Errors[0].Error != "invalid JSON" {
		t.Fatalf("expected 1 invalid JSON line, got %+v", result)
	}
}

func TestVerifyLogFileToleratesTornTrailingLine(t *testing.T) {
	dir := t.TempDir()
	signer := newTestSigner(t)
	log, err := NewLog(dir, signer)
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	writtenAt := time.Now().Unix()

	if _, err := log.AppendLeaf(watchtower.TransparencyLeaf{AgentID: "a1", RiskReportHash: "h1"}, writtenAt); err != nil {
		t.Fatalf("append: %v", err)
	}

	path := shardPath(dir, writtenAt)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open for torn append: %v", err)
	}
	if _, err := f.WriteString(`{"leafVersion":"0.1.0","agentId":"a2","riskReportHash"`); err != nil {
		t.Fatalf("write torn line: %v", err)
	}
	f.Close()

	result, err := VerifyLogFile(path, signer.PublicKey())
	if err != nil {
		t.Fatalf("VerifyLogFile: %v", err)
	}
	if result.TotalLeaves != 1 || result.ValidLeaves != 1 {
		t.Fatalf("expected torn trailing line to be dropped silently, got %+v", result)
	}
}

func TestVerifyLogFileMultipleLeavesCountedIndependently(t *testing.T) {
	dir := t.TempDir()
	signer := newTestSigner(t)
	log, err := NewLog(dir, signer)
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	writtenAt := time.Now().Unix()

	for i := 0; i < 5; i++ {
		if _, err := log.AppendLeaf(watchtower.TransparencyLeaf{AgentID: watchtower.AgentId("a"), RiskReportHash: "h", OverallRisk: i}, writtenAt); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	path := shardPath(dir, writtenAt)
	result, err := VerifyLogFile(path, signer.PublicKey())
	if err != nil {
		t.Fatalf("VerifyLogFile: %v", err)
	}
	if result.TotalLeaves != 5 || result.ValidLeaves != 5 {
		t.Fatalf("expected all 5 distinct-content leaves valid, got %+v", result)
	}
}
