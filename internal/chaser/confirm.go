package chaser

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blockrelay/btcnode/internal/chain"
	"github.com/blockrelay/btcnode/internal/errs"
	"github.com/blockrelay/btcnode/internal/event"
	"github.com/blockrelay/btcnode/internal/store"
	"github.com/blockrelay/btcnode/internal/strand"
)

// Confirm is C6: promotes a validated candidate branch onto the confirmed
// chain, performing confirmation reorgs per §4.6.
type Confirm struct {
	deps   Deps
	strand *strand.Strand
	log    *logrus.Entry
}

// NewConfirm builds the confirm chaser and subscribes it to the bus.
func NewConfirm(deps Deps) *Confirm {
	c := &Confirm{
		deps:   deps,
		strand: strand.New(256),
		log:    componentLog("confirm"),
	}
	deps.Bus.Subscribe(c.onEvent)
	return c
}

func (c *Confirm) onEvent(ev event.Event) bool {
	switch ev.Kind {
	case event.Start, event.Bump:
		c.strand.Go(c.run)
	case event.Valid:
		c.strand.Go(c.run)
	case event.Regressed, event.Disorganized:
		c.strand.Go(c.run)
	case event.Stop:
		return false
	}
	return true
}

// run implements §4.6's top-level decision procedure. It ends by posting
// an internal bump rather than relying on an external one, so that work
// which arrived mid-reorganization is not stranded (§4.6 "Completion
// signal").
func (c *Confirm) run() {
	forkPoint, decisions := c.deps.Store.GetValidatedFork(false, false)
	if len(decisions) == 0 {
		return
	}

	topConfirmed := c.deps.Store.GetTopConfirmed()
	extendsAbove := forkPoint+int32(len(decisions)) > topConfirmed
	if !extendsAbove {
		return
	}

	if !c.hasGreaterWork(forkPoint, decisions) {
		return
	}

	popped := c.popConfirmedTo(forkPoint)

	for _, d := range decisions {
		if !c.confirmBlock(d) {
			c.rollBack(popped)
			return
		}
	}

	c.deps.Bus.Publish(event.Event{Kind: event.Bump})
}

// hasGreaterWork compares the fork's cumulative work above fork_point to
// the confirmed branch's (P2). The fork's side is the candidate chain-state
// work at the last decision's height; the confirmed side is the shared
// work at fork_point plus the work of each confirmed block above it. The
// fork wins only with strictly greater work.
func (c *Confirm) hasGreaterWork(forkPoint int32, decisions []store.Decision) bool {
	if len(decisions) == 0 {
		return false
	}
	lastLink := decisions[len(decisions)-1].Link
	lastHeader, ok := c.deps.Store.Header(lastLink)
	if !ok {
		return false
	}
	candidateCtx, ok := c.deps.Store.GetCandidateChainState(lastHeader.Height)
	if !ok {
		return false
	}

	topConfirmed := c.deps.Store.GetTopConfirmed()
	if topConfirmed <= forkPoint {
		return true // nothing confirmed above the fork to outweigh
	}
	forkCtx, ok := c.deps.Store.GetCandidateChainState(forkPoint)
	if !ok {
		return true
	}
	confirmedWork := forkCtx.CumulativeWork
	for h := forkPoint + 1; h <= topConfirmed; h++ {
		confirmedLink, ok := c.deps.Store.ToConfirmed(h)
		if !ok {
			return true
		}
		confirmedHeader, ok := c.deps.Store.Header(confirmedLink)
		if !ok {
			return true
		}
		confirmedWork = confirmedWork.Add(chain.WorkFromBits(confirmedHeader.Header.Bits))
	}
	return candidateCtx.CumulativeWork.Cmp(confirmedWork) > 0
}

// popConfirmedTo pops confirmed links down to fork_point+1, returning them
// in pop order (descending height) so rollBack can restore them verbatim.
func (c *Confirm) popConfirmedTo(forkPoint int32) []chain.Link {
	var popped []chain.Link
	for c.deps.Store.GetTopConfirmed() > forkPoint {
		link, code := c.deps.Store.PopConfirmed()
		if code != errs.Success {
			break
		}
		popped = append(popped, link)
	}
	return popped
}

// rollBack restores popped confirmed links after a mid-reorganize failure
// (§4.6 step 2's block_valid branch).
func (c *Confirm) rollBack(popped []chain.Link) {
	for i := len(popped) - 1; i >= 0; i-- {
		c.deps.Store.PushConfirmed(popped[i], c.deps.Store.IsMilestone(popped[i]))
	}
}

// confirmBlock implements the per-state handling of §4.6 step 2's inner
// loop, returning false on failure (triggering roll_back by the caller).
func (c *Confirm) confirmBlock(d store.Decision) bool {
	state, ok := c.deps.Store.State(d.Link)
	if !ok {
		return false
	}

	switch state {
	case chain.StateBypassed:
		// set_filter_head is out of scope (neutrino filtering is not
		// implemented); the block is pushed confirmed below without a
		// confirmability check and its state is left as Bypassed.

	case chain.StateBlockValid:
		if code := c.deps.Store.BlockConfirmable(d.Link); code != errs.Success {
			c.deps.Store.SetUnstrong(d.Link)
			c.deps.Store.SetBlockUnconfirmable(d.Link)
			c.deps.Bus.Publish(event.Event{Kind: event.Unconfirmable, Value: event.U64(uint64(d.Link))})
			return false
		}

	case chain.StateBlockConfirmable:
		// already decidable; no re-run.

	default:
		return false
	}

	header, ok := c.deps.Store.Header(d.Link)
	if !ok {
		return false
	}
	underCheckpoint := isCheckpointed(c.deps.Cfg, header.Height)

	if state != chain.StateBypassed {
		c.deps.Store.SetBlockConfirmable(d.Link)
	}
	if code := c.deps.Store.PushConfirmed(d.Link, !underCheckpoint); code != errs.Success {
		return false
	}

	c.deps.Bus.Publish(event.Event{Kind: event.Organized, Value: event.U64(uint64(d.Link))})
	c.deps.Bus.Publish(event.Event{Kind: event.Block, Value: event.U64(uint64(d.Link))})

	if c.isRecent(header.Height) {
		c.deps.Bus.Publish(event.Event{Kind: event.Snap, Value: event.U32(uint32(header.Height))})
	}
	return true
}

// isRecent reports whether height just crossed into the currency window
// (its block is current and its parent is not), the trigger condition for
// an opportunistic snapshot (§4.6, §4.7).
func (c *Confirm) isRecent(height int32) bool {
	link, ok := c.deps.Store.ToConfirmed(height)
	if !ok {
		return false
	}
	header, ok := c.deps.Store.Header(link)
	if !ok {
		return false
	}
	now := time.Now().Unix()
	if !isCurrent(c.deps.Cfg, header.Header.Timestamp.Unix(), now) {
		return false
	}
	parent, ok := c.deps.Store.Header(header.Parent)
	return !ok || !isCurrent(c.deps.Cfg, parent.Header.Timestamp.Unix(), now)
}

// Close stops the confirm chaser's strand.
func (c *Confirm) Close() { c.strand.Close() }
