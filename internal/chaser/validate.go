package chaser

import (
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/blockrelay/btcnode/internal/chain"
	"github.com/blockrelay/btcnode/internal/errs"
	"github.com/blockrelay/btcnode/internal/event"
	"github.com/blockrelay/btcnode/internal/strand"
)

// Validate is C5: consensus-validates downloaded candidate blocks on a
// worker pool, writing verdicts back on the validate strand. Grounded on
// the n42blockchain miner worker's errgroup-based submission pattern
// (other_examples/67cf45e0_n42blockchain-N42__internal-miner-worker.go.go),
// adapted from block *production* to block *validation*.
type Validate struct {
	deps   Deps
	strand *strand.Strand
	log    *logrus.Entry

	mu       sync.Mutex
	position int32
	mature   bool
	backlog  int32
}

// NewValidate builds the validate chaser and subscribes it to the bus.
func NewValidate(deps Deps) *Validate {
	v := &Validate{
		deps:   deps,
		strand: strand.New(256),
		log:    componentLog("validate"),
	}
	deps.Bus.Subscribe(v.onEvent)
	return v
}

func (v *Validate) onEvent(ev event.Event) bool {
	switch ev.Kind {
	case event.Start, event.Bump:
		v.strand.Go(v.advance)
	case event.Checked:
		v.strand.Go(v.advance)
	case event.Regressed, event.Disorganized:
		branchPoint := int32(ev.Value.U32())
		v.strand.Go(func() { v.onRegressed(branchPoint) })
	case event.Stop:
		return false
	}
	return true
}

// SetMature signals C3's initial headers catch-up is complete (§4.5's
// maturity gate): before this, only checkpoint/milestone/already-decided
// paths advance.
func (v *Validate) SetMature() {
	v.strand.Go(func() {
		v.mu.Lock()
		v.mature = true
		v.mu.Unlock()
		v.advance()
	})
}

func (v *Validate) onRegressed(branchPoint int32) {
	v.mu.Lock()
	if branchPoint < v.position {
		v.position = branchPoint
	}
	v.mu.Unlock()
}

// advance walks position_ forward along the candidate index, dispatching
// each successive header-link through the three-way gate of §4.5 step 1-2
// and scheduling full validation on the worker pool for the rest.
func (v *Validate) advance() {
	cfg := v.deps.Cfg.Node
	for {
		v.mu.Lock()
		if v.backlog >= int32(cfg.MaximumBacklog) {
			v.mu.Unlock()
			return
		}
		next := v.position + 1
		mature := v.mature
		v.mu.Unlock()

		link, ok := v.deps.Store.ToCandidate(next)
		if !ok {
			return
		}
		state, ok := v.deps.Store.State(link)
		if !ok || state == chain.StateUnassociated {
			return // wait for the block body to arrive
		}
		if state == chain.StateBlockUnconfirmable {
			v.deps.Bus.Publish(event.Event{Kind: event.Unvalid, Value: event.U64(uint64(link))})
			return
		}

		header, _ := v.deps.Store.Header(link)
		underCheckpoint := isCheckpointed(v.deps.Cfg, header.Height)
		underMilestone := header.Height <= v.deps.Cfg.Bitcoin.Milestone
		alreadyDecided := state == chain.StateBlockValid || state == chain.StateBlockConfirmable

		if underCheckpoint || underMilestone || alreadyDecided {
			v.mu.Lock()
			v.position = next
			v.mu.Unlock()
			continue
		}

		if !mature {
			return
		}

		v.mu.Lock()
		v.backlog++
		v.position = next
		v.mu.Unlock()
		go v.validateOne(link, header.Height)
	}
}

// validateOne runs accept/connect on the worker pool, grounded on
// errgroup's one-task-per-goroutine pattern, and posts its verdict back
// onto the validate strand (§5: "all mutations of store metadata observed
// by C5 occur on the validate strand after worker completion").
func (v *Validate) validateOne(link chain.Link, height int32) {
	var g errgroup.Group
	var code errs.Code
	g.Go(func() error {
		code = v.runChecks(link, height)
		return nil
	})
	_ = g.Wait()

	v.strand.Go(func() {
		v.mu.Lock()
		v.backlog--
		v.mu.Unlock()
		v.applyVerdict(link, height, code)
		v.advance()
	})
}

func (v *Validate) runChecks(link chain.Link, height int32) errs.Code {
	blk, ok := v.deps.Store.Block(link)
	if !ok {
		return errs.Validate1
	}
	ctx, ok := v.deps.Store.GetCandidateChainState(height)
	if !ok {
		return errs.Validate2
	}

	// Wrap once per worker for the debug log line below, which reports
	// btcutil.Block's cached hash and transaction count; accept/connect
	// and the prevout lookups work on the bare wire.MsgBlock.
	wrapped := btcutil.NewBlock(&blk.Wire)
	v.log.WithFields(logrus.Fields{"height": height, "hash": wrapped.Hash(), "txs": len(wrapped.Transactions())}).Debug("validate: running accept/connect")

	prevout := func(txid chainhash.Hash, index uint32) (int64, bool) {
		view, ok := v.deps.Store.Prevout(txid, index)
		if !ok {
			return 0, false
		}
		return view.Value, true
	}

	if code := v.deps.Checker.Accept(blk, ctx); code != errs.Success {
		return code
	}
	if code := v.deps.Checker.Connect(blk, ctx, prevout); code != errs.Success {
		return code
	}
	return errs.Success
}

func (v *Validate) applyVerdict(link chain.Link, height int32, code errs.Code) {
	if code != errs.Success {
		v.deps.Store.SetBlockUnconfirmable(link)
		v.deps.Bus.Publish(event.Event{Kind: event.Unvalid, Value: event.U64(uint64(link)), Code: code})
		v.deps.Bus.Publish(event.Event{Kind: event.Unconfirmable, Value: event.U64(uint64(link)), Code: code})
		return
	}
	v.deps.Store.SetBlockValid(link, 0)
	v.deps.Bus.Publish(event.Event{Kind: event.Valid, Value: event.U32(uint32(height))})
}

// Close stops the validate chaser's strand.
func (v *Validate) Close() { v.strand.Close() }
