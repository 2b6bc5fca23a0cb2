package chainpoll

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/certen-labs/watchtower/pkg/watchtower"
)

var registeredTopic = crypto.Keccak256Hash([]byte("Registered(uint256,address,string)"))

type fakeEVMClient struct {
	latest uint64
	logs   []types.Log
	err    error
	code   map[common.Address][]byte
}

func (f *fakeEVMClient) BlockNumber(ctx context.Context) (uint64, error) {
	return f.latest, f.err
}

func (f *fakeEVMClient) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.logs, nil
}

func (f *fakeEVMClient) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.code == nil {
		return nil, nil
	}
	return f.code[account], nil
}

func encodeDynamicString(s string) []byte {
	const wordSize = 32
	out := make([]byte, 0, 3*wordSize)

	offset := make([]byte, wordSize)
	offset[wordSize-1] = 0x20
	out = append(out, offset...)

	length := make([]byte, wordSize)
	big.NewInt(int64(len(s))).FillBytes(length)
	out = append(out, length...)

	padded := len(s)
	if rem := padded % wordSize; rem != 0 {
		padded += wordSize - rem
	}
	data := make([]byte, padded)
	copy(data, s)
	out = append(out, data...)

	return out
}

func registeredLog(registryAddr common.Address, tokenID uint64, owner common.Address, uri string, blockNumber uint64, logIndex uint) types.Log {
	tokenTopic := common.BigToHash(new(big.Int).SetUint64(tokenID))
	ownerTopic := common.BytesToHash(owner.Bytes())
	return types.Log{
		Address:     registryAddr,
		Topics:      []common.Hash{registeredTopic, tokenTopic, ownerTopic},
		Data:        encodeDynamicString(uri),
		BlockNumber: blockNumber,
		TxHash:      common.HexToHash("0xaaaa"),
		Index:       logIndex,
	}
}

func transferLog(registryAddr common.Address, tokenID uint64, from, to common.Address, blockNumber uint64, logIndex uint) types.Log {
	tokenTopic := common.BigToHash(new(big.Int).SetUint64(tokenID))
	fromTopic := common.BytesToHash(from.Bytes())
	toTopic := common.BytesToHash(to.Bytes())
	return types.Log{
		Address:     registryAddr,
		Topics:      []common.Hash{transferTopic, tokenTopic, fromTopic, toTopic},
		BlockNumber: blockNumber,
		TxHash:      common.HexToHash("0xbbbb"),
		Index:       logIndex,
	}
}

func TestRegistrationEventsDecodesRegisteredLog(t *testing.T) {
	registry := common.HexToAddress("0x1111111111111111111111111111111111111111")
	owner := common.HexToAddress("0x2222222222222222222222222222222222222222")
	client := &fakeEVMClient{
		latest: 100,
		logs:   []types.Log{registeredLog(registry, 7, owner, "https://agent.example/card.json", 50, 0)},
	}
	source := NewEVMEventSource(client, 1, registry.Hex(), registeredTopic)

	events, err := source.RegistrationEvents(context.Background(), 0, 100)
	if err != nil {
		t.Fatalf("RegistrationEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	e := events[0]
	if e.EventType != watchtower.EventRegistered {
		t.Fatalf("expected Registered event type, got %s", e.EventType)
	}
	if e.AgentTokenID != "7" {
		t.Fatalf("expected tokenId 7, got %s", e.AgentTokenID)
	}
	if e.AgentURI != "https://agent.example/card.json" {
		t.Fatalf("expected decoded agentUri, got %q", e.AgentURI)
	}
	if e.OwnerAddress != owner.Hex() {
		t.Fatalf("expected owner %s, got %s", owner.Hex(), e.OwnerAddress)
	}
}

func TestRegistrationEventsDecodesTransferLog(t *testing.T) {
	registry := common.HexToAddress("0x1111111111111111111111111111111111111111")
	from := common.HexToAddress("0x3333333333333333333333333333333333333333")
	to := common.HexToAddress("0x4444444444444444444444444444444444444444")
	client := &fakeEVMClient{
		latest: 100,
		logs:   []types.Log{transferLog(registry, 7, from, to, 60, 1)},
	}
	source := NewEVMEventSource(client, 1, registry.Hex(), registeredTopic)

	events, err := source.RegistrationEvents(context.Background(), 0, 100)
	if err != nil {
		t.Fatalf("RegistrationEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	e := events[0]
	if e.EventType != watchtower.EventTransfer {
		t.Fatalf("expected Transfer event type, got %s", e.EventType)
	}
	if e.OwnerAddress != to.Hex() {
		t.Fatalf("expected new owner %s, got %s", to.Hex(), e.OwnerAddress)
	}
}

func TestRegistrationEventsSkipsUnknownTopics(t *testing.T) {
	registry := common.HexToAddress("0x1111111111111111111111111111111111111111")
	unknownTopic := crypto.Keccak256Hash([]byte("SomeOtherEvent(uint256)"))
	client := &fakeEVMClient{
		latest: 100,
		logs: []types.Log{{
			Address:     registry,
			Topics:      []common.Hash{unknownTopic},
			BlockNumber: 10,
		}},
	}
	source := NewEVMEventSource(client, 1, registry.Hex(), registeredTopic)

	events, err := source.RegistrationEvents(context.Background(), 0, 100)
	if err != nil {
		t.Fatalf("RegistrationEvents: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected unknown-topic logs to be skipped, got %d events", len(events))
	}
}

func TestHasCodeReportsContractPresence(t *testing.T) {
	registry := common.HexToAddress("0x1111111111111111111111111111111111111111")
	contract := common.HexToAddress("0x5555555555555555555555555555555555555555")
	client := &fakeEVMClient{
		latest: 1,
		code:   map[common.Address][]byte{contract: {0x60, 0x80}},
	}
	source := NewEVMEventSource(client, 1, registry.Hex(), registeredTopic)

	has, err := source.HasCode(context.Background(), contract.Hex())
	if err != nil {
		t.Fatalf("HasCode: %v", err)
	}
	if !has {
		t.Fatalf("expected contract address to report code present")
	}

	eoa := common.HexToAddress("0x6666666666666666666666666666666666666666")
	has, err = source.HasCode(context.Background(), eoa.Hex())
	if err != nil {
		t.Fatalf("HasCode: %v", err)
	}
	if has {
		t.Fatalf("expected address with no code to report false")
	}
}

func TestLatestBlockNumberDelegatesToClient(t *testing.T) {
	registry := common.HexToAddress("0x1111111111111111111111111111111111111111")
	client := &fakeEVMClient{latest: 12345}
	source := NewEVMEventSource(client, 1, registry.Hex(), registeredTopic)

	n, err := source.LatestBlockNumber(context.Background())
	if err != nil {
		t.Fatalf("LatestBlockNumber: %v", err)
	}
	if n != 12345 {
		t.Fatalf("expected 12345, got %d", n)
	}
}
