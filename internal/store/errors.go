package store

import (
	"errors"
	"os"
	"syscall"
)

// ErrNotFound is returned when a requested key does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrFlushLock is returned by Restore when the flush-lock sentinel is
// absent, meaning the snapshot was not the product of a clean shutdown
// (§4.2 consistency contract).
var ErrFlushLock = errors.New("store: flush lock absent, refusing restore")

func isNoSpace(err error) bool {
	var perr *os.PathError
	if errors.As(err, &perr) {
		return errors.Is(perr.Err, syscall.ENOSPC)
	}
	return errors.Is(err, syscall.ENOSPC)
}
