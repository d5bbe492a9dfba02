package peernet

import "github.com/btcsuite/btcd/wire"

// headerQueue holds headers received out of parent-first order within a
// single `headers` response so the header-in protocol can still call
// organize() in ascending parent order (SPEC_FULL's "Header queue
// backfill" supplement, grounded on original_source's
// src/utility/header_queue.cpp). A well-behaved peer always sends headers
// already in order; this only protects against one that doesn't, without
// failing the whole batch.
type headerQueue struct {
	maxSize int
}

func newHeaderQueue(maxSize int) *headerQueue {
	return &headerQueue{maxSize: maxSize}
}

// Drain reorders headers so that every header's parent either already
// appears earlier in the returned slice or is the caller's known tip
// (isKnownParent). Headers whose parent never resolves within maxSize
// passes are dropped — an orphan batch a malicious or buggy peer sent.
func (q *headerQueue) Drain(headers []*wire.BlockHeader, isKnownParent func(prevHash [32]byte) bool) []*wire.BlockHeader {
	remaining := append([]*wire.BlockHeader(nil), headers...)
	seen := make(map[[32]byte]bool, len(headers))
	var ordered []*wire.BlockHeader

	limit := q.maxSize
	if limit <= 0 || limit > len(headers)+1 {
		limit = len(headers) + 1
	}
	for pass := 0; pass < limit && len(remaining) > 0; pass++ {
		next := remaining[:0]
		progressed := false
		for _, h := range remaining {
			if isKnownParent(h.PrevBlock) || seen[h.PrevBlock] {
				ordered = append(ordered, h)
				seen[h.BlockHash()] = true
				progressed = true
				continue
			}
			next = append(next, h)
		}
		remaining = next
		if !progressed {
			break // whatever is left has no resolvable parent in this batch
		}
	}
	return ordered
}
