package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Brokers, stores and primitives
// return these (optionally wrapped) so services can translate them into
// domain errors.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: entity does not exist in store or ledger
// - ErrClosed: broker, subscription or publisher already closed
// - ErrAlreadyUsed: one-shot resource (group aggregator) already fired
// - ErrInvalidState: entity in wrong state for requested operation
// - ErrUnavailable: broker or store temporarily unavailable
//
// For validation errors (bad input, missing fields), use pkg/domain-errors directly.
var (
	ErrNotFound     = errors.New("not found")
	ErrClosed       = errors.New("closed")
	ErrAlreadyUsed  = errors.New("already used")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
