package peernet

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
)

func headerWithPrev(prev [32]byte, nonce uint32) *wire.BlockHeader {
	h := &wire.BlockHeader{Nonce: nonce}
	h.PrevBlock = prev
	return h
}

func TestHeaderQueueDrainReordersOutOfOrderHeaders(t *testing.T) {
	genesis := [32]byte{0xAA}
	h1 := headerWithPrev(genesis, 1)
	h2 := headerWithPrev(h1.BlockHash(), 2)
	h3 := headerWithPrev(h2.BlockHash(), 3)

	// Delivered out of order: h3, h1, h2.
	q := newHeaderQueue(10)
	ordered := q.Drain([]*wire.BlockHeader{h3, h1, h2}, func(prev [32]byte) bool {
		return prev == genesis
	})

	if len(ordered) != 3 {
		t.Fatalf("expected all 3 headers to resolve, got %d", len(ordered))
	}
	if ordered[0] != h1 || ordered[1] != h2 || ordered[2] != h3 {
		t.Fatalf("expected parent-first order h1,h2,h3, got %v,%v,%v", ordered[0], ordered[1], ordered[2])
	}
}

func TestHeaderQueueDrainDropsUnresolvableOrphans(t *testing.T) {
	genesis := [32]byte{0xAA}
	orphan := headerWithPrev([32]byte{0xFF}, 9) // parent never resolves
	h1 := headerWithPrev(genesis, 1)

	q := newHeaderQueue(10)
	ordered := q.Drain([]*wire.BlockHeader{orphan, h1}, func(prev [32]byte) bool {
		return prev == genesis
	})

	if len(ordered) != 1 || ordered[0] != h1 {
		t.Fatalf("expected only h1 to resolve, got %d headers", len(ordered))
	}
}
