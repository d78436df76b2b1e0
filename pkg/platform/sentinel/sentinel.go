package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores, caches and remote clients return
// these (optionally wrapped) so services can translate them into domain errors.
//
//   - ErrNotFound: record does not exist in the store
//   - ErrConflict: record with the same identity already stored
//   - ErrUnavailable: backing service temporarily unreachable
//   - ErrCacheMiss: cache holds no entry for the key
//
// Invoice problems are never sentinel errors; they are irregularities.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("unavailable")
	ErrCacheMiss   = errors.New("cache miss")
)
