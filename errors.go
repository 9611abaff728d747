package tariffproof

import "errors"

var (
	// ErrInvalidInput is returned for malformed operational input: an
	// unknown seed program, a bad review status. Component-level input
	// errors carry their own sentinels (hts.ErrInvalidHTS,
	// stacking.ErrInvalidInput, ...).
	ErrInvalidInput = errors.New("tariffproof: invalid input")

	// ErrUnknownSourceKind is returned when no connector handles the
	// requested source kind.
	ErrUnknownSourceKind = errors.New("tariffproof: unknown source kind")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("tariffproof: invalid configuration")
)
