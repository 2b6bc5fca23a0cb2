// Copyright 2025 Certen Protocol
//
// Error taxonomy (§7): kinds, not types. Components wrap a sentinel with
// fmt.Errorf("...: %w", ErrX) so callers can errors.Is against the kind
// while still getting a descriptive message.

package watchtower

import "errors"

var (
	// ErrTransientIO covers network/DB timeouts and 5xx responses. Safe to
	// retry on the next tick; never tick-fatal.
	ErrTransientIO = errors.New("watchtower: transient io error")

	// ErrSSRFBlocked marks a fetch the SSRF guard refused. Never retried at
	// the fetch layer — the policy decision is final for that attempt.
	ErrSSRFBlocked = errors.New("watchtower: ssrf blocked")

	// ErrSchemaInvalid marks a card that failed AgentCard schema validation.
	ErrSchemaInvalid = errors.New("watchtower: schema invalid")

	// ErrIntegrity marks a canonicalization/hash/signature mismatch. Fatal
	// at verify time; recorded as a PIPELINE_ERROR alert during ingest.
	ErrIntegrity = errors.New("watchtower: integrity error")

	// ErrConfig marks malformed configuration or keypair material. Fatal at
	// startup.
	ErrConfig = errors.New("watchtower: configuration error")

	// ErrStorageCorruption marks a failed migration or a constraint
	// violation on a path that should have been idempotent. Fatal.
	ErrStorageCorruption = errors.New("watchtower: storage corruption")
)
