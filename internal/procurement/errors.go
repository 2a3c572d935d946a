package procurement

import "errors"

// Error taxonomy. Callers match with errors.Is; wrapped errors carry the
// triple or item that failed.
var (
	// ErrConnection means the store could not be reached. Fatal at startup.
	ErrConnection = errors.New("store unreachable")
	// ErrQuery means a single statement failed; the caller degrades and continues.
	ErrQuery = errors.New("store query failed")
	// ErrTransport means the source API failed or answered with an unexpected status.
	ErrTransport = errors.New("source request failed")
	// ErrValidation means an item or record lacks its required keys.
	ErrValidation = errors.New("invalid item")
	// ErrPaginationCap means a triple hit the configured item ceiling.
	ErrPaginationCap = errors.New("pagination cap reached")
)
