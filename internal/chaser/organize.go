package chaser

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"

	"github.com/blockrelay/btcnode/config"
	"github.com/blockrelay/btcnode/internal/cache"
	"github.com/blockrelay/btcnode/internal/chain"
	"github.com/blockrelay/btcnode/internal/errs"
	"github.com/blockrelay/btcnode/internal/event"
	"github.com/blockrelay/btcnode/internal/strand"
)

// Organize is C3 (§4.3): the header/block organize chaser. It owns the
// cache tree of weak branches and is the only component permitted to
// mutate the candidate index (§5: "the cache tree is owned by C3 and never
// touched by others").
type Organize struct {
	deps   Deps
	strand *strand.Strand
	tree   *cache.Tree
	log    *logrus.Entry
}

// NewOrganize builds the organize chaser and subscribes it to the event
// bus for disorganize triggers.
func NewOrganize(deps Deps) *Organize {
	o := &Organize{
		deps:   deps,
		strand: strand.New(256),
		tree:   cache.New(100000),
		log:    componentLog("organize"),
	}
	deps.Bus.Subscribe(o.onEvent)
	return o
}

func (o *Organize) onEvent(ev event.Event) bool {
	switch ev.Kind {
	case event.Unchecked, event.Unvalid, event.Unconfirmable:
		link := chain.Link(ev.Value.U64())
		o.strand.Go(func() { o.disorganize(link) })
	case event.Stop:
		return false
	}
	return true
}

// Organize accepts a candidate block (header-only or full) via the
// decision procedure of §4.3. now is the caller's wall-clock reading,
// threaded through rather than read internally so chaser logic stays
// deterministic and testable.
func (o *Organize) Organize(blk *chain.Block, headerOnly bool, now int64) errs.Code {
	result := make(chan errs.Code, 1)
	o.strand.Go(func() {
		result <- o.organize(blk, headerOnly, now)
	})
	return <-result
}

func (o *Organize) organize(blk *chain.Block, headerOnly bool, now int64) errs.Code {
	hash := blk.Hash()

	// 1. duplicate / orphan detection.
	if o.tree.Has(hash) {
		return errs.Duplicate
	}
	if _, ok := o.deps.Store.ToHeader(hash); ok {
		return errs.Duplicate
	}
	parentHash := blk.Wire.Header.PrevBlock
	parentLink, parentInStore := o.deps.Store.ToHeader(parentHash)
	_, parentInTree := o.tree.Get(parentHash)
	if !parentInStore && !parentInTree {
		return errs.Orphan
	}

	// 2. chain state extension.
	parentCtx, ok := o.parentContext(parentHash, parentLink, parentInTree)
	if !ok {
		return errs.Orphan
	}
	childCtx := deriveContext(parentCtx, blk.Wire.Header)

	if conflictsWithCheckpoint(o.deps.Cfg, hash, childCtx.Height) {
		return errs.CheckpointConflict
	}

	// 3. validity gate.
	var code errs.Code
	if headerOnly {
		code = o.deps.Checker.CheckHeader(blk.Header(), childCtx)
	} else {
		code = o.deps.Checker.CheckBlock(blk, childCtx)
	}
	if code == errs.InvalidTransactionCommitment || code == errs.InvalidWitnessCommitment {
		// Malleated identity: never cached, never persisted (I5).
		return code
	}
	if code != errs.Success {
		return code
	}

	underCheckpoint := isCheckpointed(o.deps.Cfg, childCtx.Height)
	underMilestone := childCtx.Height <= o.deps.Cfg.Bitcoin.Milestone
	current := isCurrent(o.deps.Cfg, childCtx.Timestamp, now)
	minimumWork := meetsMinimumWork(o.deps.Cfg, childCtx.CumulativeWork)

	// 4. storability gate.
	if !underCheckpoint && !underMilestone && !(current && minimumWork) {
		o.cache(blk, headerOnly, hash, parentHash, childCtx, parentInTree, parentLink)
		return errs.Success
	}

	// 5. work comparison: walk the tree branch (if any) up to its
	// store-anchored parent; branchPoint is that parent's height.
	branchNodes, storeParent, hasTreeBranch := o.tree.Branch(parentHash)
	var branchPoint int32
	if hasTreeBranch {
		if rec, ok := o.deps.Store.Header(storeParent); ok {
			branchPoint = rec.Height
		}
	} else if parentInStore {
		if rec, ok := o.deps.Store.Header(parentLink); ok {
			branchPoint = rec.Height
		}
	}

	candidateTop := o.deps.Store.GetTopCandidate()
	if candidateTop > branchPoint {
		if candidateCtx, ok := o.deps.Store.GetCandidateChainState(candidateTop); ok {
			if candidateCtx.CumulativeWork.Cmp(childCtx.CumulativeWork) >= 0 {
				// Candidate branch still has ≥ work: cache only (non-strong).
				o.cache(blk, headerOnly, hash, parentHash, childCtx, parentInTree, parentLink)
				return errs.Success
			}
		}
	}

	// 6. reorganize: pop candidates down to branchPoint, then push the
	// winning branch (tree entries ascending, then the new tip).
	o.popTo(branchPoint)
	o.deps.Bus.Publish(event.Event{Kind: event.Regressed, Value: event.U32(uint32(branchPoint))})

	for _, n := range cache.Ascending(branchNodes) {
		link := o.deps.Store.ArchiveHeader(n.Header, resolveParentLink(o.deps, n))
		o.deps.Store.PushCandidate(link)
		if n.Block != nil {
			o.deps.Store.SetCode(n.Block, link, n.Context, false, false)
		}
		o.tree.Remove(n.Hash)
	}
	finalParent := parentLink
	if hasTreeBranch {
		if tip, ok := o.tree.Get(parentHash); ok {
			finalParent, _ = o.deps.Store.ToHeader(tip.ParentHash)
		}
	}
	link := o.deps.Store.ArchiveHeader(blk.Header(), finalParent)
	o.deps.Store.PushCandidate(link)
	bypass := underCheckpoint || underMilestone
	if !headerOnly {
		o.deps.Store.SetCode(blk, link, childCtx, bypass, bypass)
	}

	// 7. current-signal.
	if current {
		o.deps.Bus.Publish(event.Event{Kind: event.Bump, Value: event.U32(uint32(branchPoint + 1))})
	}
	return errs.Success
}

func (o *Organize) parentContext(parentHash chainhash.Hash, parentLink chain.Link, parentInTree bool) (chain.Context, bool) {
	if parentInTree {
		n, _ := o.tree.Get(parentHash)
		return n.Context, true
	}
	rec, ok := o.deps.Store.Header(parentLink)
	if !ok {
		return chain.Context{}, false
	}
	return o.deps.Store.GetCandidateChainState(rec.Height)
}

func (o *Organize) cache(blk *chain.Block, headerOnly bool, hash, parentHash chainhash.Hash, ctx chain.Context, parentInTree bool, parentLink chain.Link) {
	node := &cache.Node{Hash: hash, Header: blk.Header(), ParentHash: parentHash, Context: ctx}
	if !headerOnly {
		node.Block = blk
	}
	if !parentInTree {
		node.ParentLink = parentLink
	}
	o.tree.Put(node)
}

// resolveParentLink finds n's store parent link: either its own
// ParentLink (if its parent was store-anchored) or the already-archived
// link for its in-tree parent (archived earlier in the same ascending
// drain, since Ascending guarantees parent-before-child order).
func resolveParentLink(deps Deps, n *cache.Node) chain.Link {
	if link, ok := deps.Store.ToHeader(n.ParentHash); ok {
		return link
	}
	return n.ParentLink
}

// popTo pops candidates from the current top down to branchPoint+1,
// following the unstrong discipline of §4.3 step 6.
func (o *Organize) popTo(branchPoint int32) {
	for o.deps.Store.GetTopCandidate() > branchPoint {
		top := o.deps.Store.GetTopCandidate()
		link, ok := o.deps.Store.ToCandidate(top)
		if !ok {
			break
		}
		if o.deps.Store.IsMilestone(link) {
			o.deps.Store.SetUnstrong(link)
		} else if state, ok := o.deps.Store.State(link); ok && state == chain.StateBlockConfirmable {
			o.deps.Store.SetUnstrong(link)
		}
		o.deps.Store.PopCandidate()
	}
}

// disorganize handles unchecked|unvalid|unconfirmable against link (§4.3
// "Disorganization").
func (o *Organize) disorganize(link chain.Link) errs.Code {
	rec, ok := o.deps.Store.Header(link)
	if !ok {
		o.deps.Store.Fault(errs.Organize1)
		return errs.Organize1
	}
	height := rec.Height
	fork := o.deps.Store.GetFork()
	if height <= fork {
		o.deps.Store.Fault(errs.Organize2)
		return errs.Organize2
	}

	// Copy candidates from above fork down to height-1 into the cache,
	// forward (ascending) order so chain-state derivation chains forward.
	for h := fork + 1; h < height; h++ {
		l, ok := o.deps.Store.ToCandidate(h)
		if !ok {
			continue
		}
		hv, ok := o.deps.Store.Header(l)
		if !ok {
			continue
		}
		ctx, _ := o.deps.Store.GetCandidateChainState(h)
		o.tree.Put(&cache.Node{
			Hash:       hv.Hash,
			Header:     chain.Header{Wire: hv.Header, Height: hv.Height},
			ParentHash: hv.Header.PrevBlock,
			ParentLink: hv.Parent,
			Context:    ctx,
		})
	}

	o.popTo(fork)

	o.deps.Bus.Publish(event.Event{Kind: event.Disorganized, Value: event.U32(uint32(fork))})

	// Push confirmed heights from fork+1 to top_confirmed back onto the
	// candidate index.
	topConfirmed := o.deps.Store.GetTopConfirmed()
	for h := fork + 1; h <= topConfirmed; h++ {
		l, ok := o.deps.Store.ToConfirmed(h)
		if !ok {
			continue
		}
		o.deps.Store.PushCandidate(l)
	}

	o.deps.Bus.Publish(event.Event{Kind: event.Suspend, Code: errs.Success})
	return errs.Success
}

// deriveContext computes the child chain-state from the parent's,
// applying the new header (§4.3 step 2). The median-time-past update is
// approximated as max(parent MTP, parent timestamp) rather than a true
// 11-block median — a simplification of the "pure check(block,context)"
// collaborator the core treats as external (§1); a full implementation
// would thread the last 11 timestamps through Context.
func deriveContext(parent chain.Context, header wire.BlockHeader) chain.Context {
	ts := header.Timestamp.Unix()
	mtp := parent.MedianTimePast
	if parent.Timestamp > mtp {
		mtp = parent.Timestamp
	}
	return chain.Context{
		Height:         parent.Height + 1,
		MedianTimePast: mtp,
		Flags:          parent.Flags,
		Timestamp:      ts,
		Bits:           header.Bits,
		CumulativeWork: parent.CumulativeWork.Add(chain.WorkFromBits(header.Bits)),
	}
}

func conflictsWithCheckpoint(cfg *config.Config, hash chainhash.Hash, height int32) bool {
	for _, cp := range cfg.Bitcoin.Checkpoints {
		if cp.Height == height {
			h, err := chainhash.NewHashFromStr(cp.Hash)
			if err != nil {
				continue
			}
			return !h.IsEqual(&hash)
		}
	}
	return false
}

func isCheckpointed(cfg *config.Config, height int32) bool {
	for _, cp := range cfg.Bitcoin.Checkpoints {
		if cp.Height == height {
			return true
		}
	}
	return false
}

func meetsMinimumWork(cfg *config.Config, work chain.Work) bool {
	if cfg.Bitcoin.MinimumWork == "" {
		return true
	}
	min, err := parseWorkHex(cfg.Bitcoin.MinimumWork)
	if err != nil {
		return true
	}
	return work.Cmp(min) >= 0
}

// parseWorkHex reads minimum_work as a 64-hex-character (32-byte) string
// and keeps its low 128 bits, which is sufficient for any realistic
// per-branch comparison threshold at this engine's scale (work
// accumulates far more slowly than 2^128 over any reachable height).
func parseWorkHex(s string) (chain.Work, error) {
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return chain.Work{}, err
	}
	var hi, lo uint64
	// chainhash stores the displayed hex in reverse, so h[0] is the least
	// significant byte.
	for i := 15; i >= 8; i-- {
		hi = hi<<8 | uint64(h[i])
	}
	for i := 7; i >= 0; i-- {
		lo = lo<<8 | uint64(h[i])
	}
	return chain.Work{Hi: hi, Lo: lo}, nil
}

// Close stops the organize chaser's strand.
func (o *Organize) Close() { o.strand.Close() }
