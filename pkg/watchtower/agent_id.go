// Copyright 2025 Certen Protocol
//
// AgentId is the canonical identifier for an ERC-8004-style registered
// agent: "erc8004:<chainId>:<registryAddrLowercase>:<tokenId>". Parsing is
// total — malformed strings yield a decode error, never a panic.

package watchtower

import (
	"fmt"
	"strconv"
	"strings"
)

// AgentId is the canonical, case-normalized identity of a registered agent.
type AgentId string

const agentIdScheme = "erc8004"

// NewAgentId builds a canonical AgentId from its parts, lower-casing the
// registry address as the format requires.
func NewAgentId(chainID uint64, registryAddr string, tokenID string) AgentId {
	return AgentId(fmt.Sprintf("%s:%d:%s:%s", agentIdScheme, chainID, strings.ToLower(registryAddr), tokenID))
}

// ParsedAgentId holds the decoded components of an AgentId.
type ParsedAgentId struct {
	ChainID      uint64
	RegistryAddr string
	TokenID      string
}

// Parse decodes an AgentId into its components. Parsing is total: any
// malformed input returns an error, never a panic.
func (a AgentId) Parse() (ParsedAgentId, error) {
	parts := strings.SplitN(string(a), ":", 4)
	if len(parts) != 4 {
		return ParsedAgentId{}, fmt.Errorf("watchtower: malformed agent id %q: expected 4 colon-separated fields", a)
	}
	if parts[0] != agentIdScheme {
		return ParsedAgentId{}, fmt.Errorf("watchtower: malformed agent id %q: unknown scheme %q", a, parts[0])
	}
	chainID, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return ParsedAgentId{}, fmt.Errorf("watchtower: malformed agent id %q: bad chain id: %w", a, err)
	}
	registryAddr := parts[2]
	if registryAddr == "" {
		return ParsedAgentId{}, fmt.Errorf("watchtower: malformed agent id %q: empty registry address", a)
	}
	if registryAddr != strings.ToLower(registryAddr) {
		return ParsedAgentId{}, fmt.Errorf("watchtower: malformed agent id %q: registry address must be lowercase", a)
	}
	tokenID := parts[3]
	if tokenID == "" {
		return ParsedAgentId{}, fmt.Errorf("watchtower: malformed agent id %q: empty token id", a)
	}
	return ParsedAgentId{ChainID: chainID, RegistryAddr: registryAddr, TokenID: tokenID}, nil
}

// Valid reports whether the AgentId parses successfully.
func (a AgentId) Valid() bool {
	_, err := a.Parse()
	return err == nil
}

// String implements fmt.Stringer.
func (a AgentId) String() string {
	return string(a)
}
