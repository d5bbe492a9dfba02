// Package cache implements the header/block cache tree (§3, §9): the forest
// of weak candidate branches the organize chaser holds in memory until a
// branch earns enough work (or a milestone/checkpoint bypass) to be
// archived. Grounded on Design Note 9 ("indexed arena with parent_link
// fields, back-edges by lookup, drain in ascending parent order") and on
// the retrieval pack's LRU-bounded caches (go-secret, oasys-validator,
// go-etherzero, go-kardia all cap an in-memory header/signature cache with
// hashicorp/golang-lru rather than letting it grow unboundedly from
// untrusted peer input).
package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/blockrelay/btcnode/internal/chain"
)

// Node is one forest entry: a header (possibly with its full block already
// attached) whose branch has not yet earned storability.
type Node struct {
	slot int

	Hash   chainhash.Hash
	Header chain.Header
	Block  *chain.Block // nil until the block body arrives (header-first path)

	// ParentHash names the parent by hash; the tree resolves at traversal
	// time whether that hash is itself cached (back-edges are by lookup,
	// never owning, per Design Note 9). ParentLink is only meaningful once
	// ParentHash is not found in the tree — it then names the store link
	// the branch hangs off (I6: the absent sentinel is a store-link-space
	// concept, never used as a tree back-edge).
	ParentHash chainhash.Hash
	ParentLink chain.Link

	Context chain.Context
}

// Tree is the organize chaser's private forest of weak branches. It is
// owned exclusively by C3 (§5: "the cache tree is owned by C3 and never
// touched by others") — callers outside the organize chaser must not hold
// a reference to it.
type Tree struct {
	arena []*Node
	free  []int
	index map[chainhash.Hash]int

	evicted *lru.Cache[chainhash.Hash, struct{}]
}

// New creates a cache tree that bounds itself to maxEntries live nodes,
// evicting the least-recently-touched entry once the bound is exceeded.
// Eviction only removes bookkeeping for entries never touched again; an
// evicted branch that later earns enough work to be worth re-acquiring is
// simply re-requested from peers, which is cheap relative to holding an
// unbounded forest.
func New(maxEntries int) *Tree {
	t := &Tree{
		index: make(map[chainhash.Hash]int),
	}
	c, err := lru.NewWithEvict[chainhash.Hash, struct{}](maxEntries, func(hash chainhash.Hash, _ struct{}) {
		t.evict(hash)
	})
	if err != nil {
		// Only returns an error for size <= 0, which is a programming
		// error at call sites, not a runtime condition to recover from.
		panic(err)
	}
	t.evicted = c
	return t
}

// Get looks up a node by hash.
func (t *Tree) Get(hash chainhash.Hash) (*Node, bool) {
	slot, ok := t.index[hash]
	if !ok {
		return nil, false
	}
	t.evicted.Get(hash) // refresh recency
	return t.arena[slot], true
}

// Has reports whether hash is present in the tree, without refreshing
// recency (used by duplicate detection, which should not keep a branch
// alive purely because peers keep re-announcing it).
func (t *Tree) Has(hash chainhash.Hash) bool {
	_, ok := t.index[hash]
	return ok
}

// Put inserts or replaces a node (e.g. attaching a full block to a
// previously header-only entry).
func (t *Tree) Put(n *Node) {
	if slot, ok := t.index[n.Hash]; ok {
		n.slot = slot
		t.arena[slot] = n
		t.evicted.Add(n.Hash, struct{}{})
		return
	}
	var slot int
	if len(t.free) > 0 {
		slot = t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
		n.slot = slot
		t.arena[slot] = n
	} else {
		slot = len(t.arena)
		n.slot = slot
		t.arena = append(t.arena, n)
	}
	t.index[n.Hash] = slot
	t.evicted.Add(n.Hash, struct{}{})
}

// Remove deletes hash from the tree (used once a node has been drained
// into the store).
func (t *Tree) Remove(hash chainhash.Hash) {
	slot, ok := t.index[hash]
	if !ok {
		return
	}
	delete(t.index, hash)
	t.arena[slot] = nil
	t.free = append(t.free, slot)
	t.evicted.Remove(hash)
}

func (t *Tree) evict(hash chainhash.Hash) {
	slot, ok := t.index[hash]
	if !ok {
		return
	}
	delete(t.index, hash)
	t.arena[slot] = nil
	t.free = append(t.free, slot)
}

// Len reports the number of live entries.
func (t *Tree) Len() int { return len(t.index) }

// Branch walks parent links up from hash through the tree until it reaches
// a node whose parent is not in the tree, returning the branch in
// descending (tip-first) order along with the store link the branch hangs
// off. The caller (organize chaser step 5, "work comparison") reverses the
// slice to get ascending order for drain.
func (t *Tree) Branch(hash chainhash.Hash) (nodes []*Node, storeParent chain.Link, ok bool) {
	cur := hash
	for {
		slot, found := t.index[cur]
		if !found {
			return nodes, storeParent, len(nodes) > 0
		}
		n := t.arena[slot]
		nodes = append(nodes, n)
		if _, parentCached := t.index[n.ParentHash]; !parentCached {
			return nodes, n.ParentLink, true
		}
		cur = n.ParentHash
	}
}

// Ascending reverses a tip-first branch slice into parent-first (ascending
// height) order, the order Design Note 9 requires for draining into the
// store.
func Ascending(nodes []*Node) []*Node {
	out := make([]*Node, len(nodes))
	for i, n := range nodes {
		out[len(nodes)-1-i] = n
	}
	return out
}
