// Copyright 2025 Certen Protocol

package store

import (
	"encoding/json"
	"fmt"

	"github.com/certen-labs/watchtower/pkg/watchtower"
)

func marshalEvidence(ev []watchtower.Evidence) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("watchtower: marshal evidence links: %w", err)
	}
	return b, nil
}

func unmarshalEvidence(raw []byte, out *[]watchtower.Evidence) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("watchtower: unmarshal evidence links: %w", err)
	}
	return nil
}
