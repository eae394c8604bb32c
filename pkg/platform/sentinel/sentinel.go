package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores return these (optionally
// wrapped) so reconcilers can translate them into domain errors.
//
//   - ErrNotFound: no current row for the key
//   - ErrConflict: a uniqueness constraint rejected the write
//   - ErrInvalidState: the row exists but is not in a state the operation accepts
//   - ErrUnavailable: a backing service could not be reached
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
