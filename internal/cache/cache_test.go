package cache

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

func hashOf(b byte) chainhash.Hash {
	var h chainhash.Hash
	h[0] = b
	return h
}

func TestTreePutGet(t *testing.T) {
	tree := New(8)
	n := &Node{Hash: hashOf(1), ParentLink: 0}
	tree.Put(n)

	got, ok := tree.Get(hashOf(1))
	if !ok {
		t.Fatal("expected node present")
	}
	if got.Hash != n.Hash {
		t.Fatalf("hash mismatch: %v != %v", got.Hash, n.Hash)
	}
	if tree.Len() != 1 {
		t.Fatalf("expected len 1, got %d", tree.Len())
	}
}

func TestTreeRemove(t *testing.T) {
	tree := New(8)
	tree.Put(&Node{Hash: hashOf(1)})
	tree.Remove(hashOf(1))
	if tree.Has(hashOf(1)) {
		t.Fatal("expected node removed")
	}
	if tree.Len() != 0 {
		t.Fatalf("expected len 0, got %d", tree.Len())
	}
}

func TestTreeEviction(t *testing.T) {
	tree := New(2)
	tree.Put(&Node{Hash: hashOf(1)})
	tree.Put(&Node{Hash: hashOf(2)})
	tree.Put(&Node{Hash: hashOf(3)})

	if tree.Len() > 2 {
		t.Fatalf("expected bound of 2, got %d", tree.Len())
	}
	if !tree.Has(hashOf(3)) {
		t.Fatal("expected most recently inserted node to survive eviction")
	}
}

func TestTreeBranch(t *testing.T) {
	tree := New(8)
	root := &Node{Hash: hashOf(1), ParentLink: 5}
	tree.Put(root)
	child := &Node{Hash: hashOf(2), ParentHash: hashOf(1)}
	tree.Put(child)
	grandchild := &Node{Hash: hashOf(3), ParentHash: hashOf(2)}
	tree.Put(grandchild)

	nodes, storeParent, ok := tree.Branch(hashOf(3))
	if !ok {
		t.Fatal("expected branch found")
	}
	if storeParent != 5 {
		t.Fatalf("expected store parent link 5, got %d", storeParent)
	}
	if len(nodes) != 3 {
		t.Fatalf("expected 3 nodes tip-first, got %d", len(nodes))
	}
	if nodes[0].Hash != hashOf(3) {
		t.Fatalf("expected tip-first order, got %v first", nodes[0].Hash)
	}

	asc := Ascending(nodes)
	if asc[0].Hash != hashOf(1) || asc[2].Hash != hashOf(3) {
		t.Fatalf("expected ascending (root-first) order, got %v", asc)
	}
}
