package chaser

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"

	"github.com/blockrelay/btcnode/config"
	"github.com/blockrelay/btcnode/internal/chain"
	"github.com/blockrelay/btcnode/internal/consensus"
	"github.com/blockrelay/btcnode/internal/event"
	"github.com/blockrelay/btcnode/internal/store"
)

// newTestDeps opens a fresh leveldb-backed archive under t.TempDir(),
// initializes it with the regtest genesis block (trivial proof-of-work,
// I7), and wires up a Deps bundle exercising the real store and
// consensus collaborators rather than mocks — the same style the teacher
// uses for its storage-backed integration tests.
func newTestDeps(t *testing.T) Deps {
	t.Helper()
	params := &chaincfg.RegressionNetParams
	a, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	t.Cleanup(func() { a.Close() })

	genesis := config.GenesisBlock(params)
	if err := a.Initialize(genesis); err != nil {
		t.Fatalf("initialize genesis: %v", err)
	}

	cfg := config.Default()
	cfg.Bitcoin.Network = "regtest"
	cfg.Node.MaximumConcurrency = 32
	cfg.Node.MaximumInventory = 32
	cfg.Node.MaximumBacklog = 8
	cfg.Node.CurrencyWindowMinutes = 60 * 24 * 365 * 50 // never "not current" in tests

	return Deps{
		Bus:     event.New(),
		Store:   a,
		Checker: consensus.New(params),
		Cfg:     cfg,
		Params:  params,
	}
}

// childBlock builds a single-transaction block extending parentHeader at
// height, with the merkle root equal to the coinbase txid (true whenever
// a block has exactly one transaction) and the nonce ground until the
// header hash meets the target in parentHeader.Bits.
func childBlock(parentHeader wire.BlockHeader, height int32, ts int64) *chain.Block {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
		SignatureScript:  []byte{byte(height), byte(height >> 8)},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(&wire.TxOut{Value: 5000000000, PkScript: []byte{0x51}})

	header := wire.BlockHeader{
		Version:    1,
		PrevBlock:  parentHeader.BlockHash(),
		MerkleRoot: tx.TxHash(),
		Timestamp:  time.Unix(ts, 0),
		Bits:       parentHeader.Bits,
	}
	target := chain.TargetFromBits(header.Bits)
	for chain.HashToBig(header.BlockHash()).Cmp(target) > 0 {
		header.Nonce++
	}
	blk := wire.MsgBlock{Header: header, Transactions: []*wire.MsgTx{tx}}
	return &chain.Block{Wire: blk, Height: height}
}

func TestOrganizeExtendsCandidateChain(t *testing.T) {
	deps := newTestDeps(t)
	o := NewOrganize(deps)
	t.Cleanup(o.Close)

	genesisHeader := deps.Params.GenesisBlock.Header
	blk := childBlock(genesisHeader, 1, genesisHeader.Timestamp.Unix()+600)

	code := o.Organize(blk, false, blk.Wire.Header.Timestamp.Unix()+10)
	if code != 0 {
		t.Fatalf("expected success organizing first block, got code %v", code)
	}

	top := deps.Store.GetTopCandidate()
	if top != 1 {
		t.Fatalf("expected candidate top 1, got %d", top)
	}
}

func TestOrganizeRejectsOrphan(t *testing.T) {
	deps := newTestDeps(t)
	o := NewOrganize(deps)
	t.Cleanup(o.Close)

	genesisHeader := deps.Params.GenesisBlock.Header
	// An unlinked header (a genesis copy with a shifted timestamp, so a
	// different hash) is never archived, so a block claiming it as a
	// parent has no known ancestor.
	unlinked := genesisHeader
	unlinked.Timestamp = time.Unix(genesisHeader.Timestamp.Unix()+1, 0)
	blk := childBlock(unlinked, 2, genesisHeader.Timestamp.Unix()+1200)

	code := o.Organize(blk, false, blk.Wire.Header.Timestamp.Unix()+10)
	if code == 0 {
		t.Fatal("expected orphan rejection for a block whose parent was never archived")
	}
}

func TestOrganizeThenValidateThenConfirm(t *testing.T) {
	deps := newTestDeps(t)
	o := NewOrganize(deps)
	v := NewValidate(deps)
	c := NewConfirm(deps)
	t.Cleanup(o.Close)
	t.Cleanup(v.Close)
	t.Cleanup(c.Close)

	genesisHeader := deps.Params.GenesisBlock.Header
	blk := childBlock(genesisHeader, 1, genesisHeader.Timestamp.Unix()+600)
	now := blk.Wire.Header.Timestamp.Unix() + 10

	if code := o.Organize(blk, false, now); code != 0 {
		t.Fatalf("organize failed: %v", code)
	}

	link, ok := deps.Store.ToCandidate(1)
	if !ok {
		t.Fatal("expected height 1 to be a candidate after organize")
	}

	v.SetMature()
	deps.Bus.Publish(event.Event{Kind: event.Checked, Value: event.U32(1)})

	waitFor(t, func() bool {
		state, ok := deps.Store.State(link)
		return ok && state == chain.StateBlockValid
	}, "block_valid after validate")

	deps.Bus.Publish(event.Event{Kind: event.Valid, Value: event.U32(1)})

	waitFor(t, func() bool {
		return deps.Store.GetTopConfirmed() == 1
	}, "confirmed top == 1 after confirm")
}

// waitFor polls cond until it reports true or the deadline passes. The
// validate chaser dispatches consensus checks onto its own goroutine and
// posts the verdict back asynchronously (§5's worker-pool suspension
// point), so tests observing its effect must poll rather than assume
// PublishSync's return means the pipeline has settled.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for: %s", what)
}
