package chaser

import (
	"testing"

	"github.com/blockrelay/btcnode/internal/chain"
	"github.com/blockrelay/btcnode/internal/store"
)

func TestHasGreaterWorkTrueWhenNothingConfirmedAboveFork(t *testing.T) {
	deps := newTestDeps(t)
	c := NewConfirm(deps)
	t.Cleanup(c.Close)

	o := NewOrganize(deps)
	t.Cleanup(o.Close)
	genesisHeader := deps.Params.GenesisBlock.Header
	blk := childBlock(genesisHeader, 1, genesisHeader.Timestamp.Unix()+600)
	if code := o.Organize(blk, false, blk.Wire.Header.Timestamp.Unix()+10); code != 0 {
		t.Fatalf("organize: %v", code)
	}
	link, ok := deps.Store.ToCandidate(1)
	if !ok {
		t.Fatal("expected candidate at height 1")
	}

	decisions := []store.Decision{{Link: link}}
	if !c.hasGreaterWork(0, decisions) {
		t.Fatal("expected hasGreaterWork to be true when nothing is confirmed above the fork")
	}
}

func TestConfirmBlockBypassedIsAlwaysComplete(t *testing.T) {
	deps := newTestDeps(t)
	c := NewConfirm(deps)
	t.Cleanup(c.Close)

	o := NewOrganize(deps)
	t.Cleanup(o.Close)
	genesisHeader := deps.Params.GenesisBlock.Header
	blk := childBlock(genesisHeader, 1, genesisHeader.Timestamp.Unix()+600)
	if code := o.Organize(blk, false, blk.Wire.Header.Timestamp.Unix()+10); code != 0 {
		t.Fatalf("organize: %v", code)
	}
	link, ok := deps.Store.ToCandidate(1)
	if !ok {
		t.Fatal("expected candidate at height 1")
	}
	ctx, _ := deps.Store.GetCandidateChainState(1)
	deps.Store.SetCode(blk, link, ctx, false, true)
	// Force the bypassed state directly (SetCode with checked=true) to
	// exercise confirmBlock's bypassed branch independent of how a block
	// reaches it.
	if state, _ := deps.Store.State(link); state != chain.StateBlockConfirmable && state != chain.StateBypassed {
		t.Skip("block state did not reach a confirmable path in this store configuration")
	}

	d := store.Decision{Link: link}
	if !c.confirmBlock(d) {
		t.Fatal("expected confirmBlock to succeed for a confirmable/bypassed link")
	}
	if deps.Store.GetTopConfirmed() != 1 {
		t.Fatalf("expected top confirmed to advance to 1, got %d", deps.Store.GetTopConfirmed())
	}
}
