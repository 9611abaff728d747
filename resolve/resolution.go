// Package resolve implements the resolution orchestrator: the L1 truth
// store lookup, the L2 corpus RAG pipeline, and the L3 discovery
// sub-pipeline, with an audit entry per call. Every public boundary
// returns an explicit result sum so Unknown and Error cannot be silently
// swallowed.
package resolve

import (
	"github.com/halverson/tariffproof/store"
)

// Outcome discriminates a Resolution.
type Outcome string

const (
	OutcomeKnown   Outcome = "known"
	OutcomeUnknown Outcome = "unknown"
	OutcomeError   Outcome = "error"
)

// ErrorKind is the stable discriminant on a Resolution error.
type ErrorKind string

const (
	ErrKindInvalidInput     ErrorKind = "invalid_input"
	ErrKindTimeout          ErrorKind = "timeout"
	ErrKindConnectorFailure ErrorKind = "connector_failure"
	ErrKindIndexUnavailable ErrorKind = "index_unavailable"
	ErrKindLLMFailure       ErrorKind = "llm_failure"
	ErrKindRateLimited      ErrorKind = "rate_limited"
	ErrKindInternal         ErrorKind = "internal"
)

// UnknownReason explains why no verified proof was available.
type UnknownReason string

const (
	UnknownNoChunks        UnknownReason = "no_relevant_chunks"
	UnknownGateRejected    UnknownReason = "write_gate_rejected"
	UnknownReaderUncertain UnknownReason = "reader_answered_unknown"
	UnknownSchemaViolation UnknownReason = "agent_schema_violation"
	UnknownDiscoveryEmpty  UnknownReason = "discovery_found_nothing"
	UnknownDiscoveryCapped UnknownReason = "discovery_budget_exhausted"
)

// ResolveError carries the stable error discriminant and human detail.
type ResolveError struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail"`
}

// Resolution is the sum-typed result of a resolve call:
// Known{assertion, layer} | Unknown{reason} | Error{kind, detail}.
type Resolution struct {
	Outcome   Outcome                  `json:"outcome"`
	Assertion *store.VerifiedAssertion `json:"assertion,omitempty"`
	Layer     string                   `json:"layer,omitempty"` // l1, l2, l3
	Reason    UnknownReason            `json:"reason,omitempty"`
	Err       *ResolveError            `json:"error,omitempty"`
}

// Known reports whether the resolution carries a verified assertion.
func (r Resolution) Known() bool { return r.Outcome == OutcomeKnown }

func known(a *store.VerifiedAssertion, layer string) Resolution {
	return Resolution{Outcome: OutcomeKnown, Assertion: a, Layer: layer}
}

func unknown(reason UnknownReason) Resolution {
	return Resolution{Outcome: OutcomeUnknown, Reason: reason}
}

func resolveError(kind ErrorKind, detail string) Resolution {
	return Resolution{Outcome: OutcomeError, Err: &ResolveError{Kind: kind, Detail: detail}}
}
