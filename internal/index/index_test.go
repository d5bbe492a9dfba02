package index

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/blockrelay/btcnode/config"
	"github.com/blockrelay/btcnode/internal/event"
	"github.com/blockrelay/btcnode/internal/store"
)

func newTestArchive(t *testing.T) (*store.Archive, *chaincfg.Params) {
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
	return a, params
}

func TestIndexerIndexesGenesisCoinbase(t *testing.T) {
	a, params := newTestArchive(t)
	idx := New(a, params, true, true)

	link, ok := a.ToCandidate(0)
	if !ok {
		t.Fatal("expected genesis link at height 0")
	}
	idx.indexLink(link)

	blk, ok := a.Block(link)
	if !ok {
		t.Fatal("expected genesis block body present")
	}
	txid := blk.Wire.Transactions[0].TxHash().String()

	height, err := idx.TxHeight(txid)
	if err != nil {
		t.Fatalf("TxHeight: %v", err)
	}
	if height != 0 {
		t.Fatalf("expected height 0, got %d", height)
	}

	_, addrs, _, err := txscript.ExtractPkScriptAddrs(blk.Wire.Transactions[0].TxOut[0].PkScript, params)
	if err != nil || len(addrs) == 0 {
		t.Skip("genesis coinbase script is not a standard address-bearing script on this network")
	}
	txs, err := idx.AddressTxs(addrs[0].EncodeAddress())
	if err != nil {
		t.Fatalf("AddressTxs: %v", err)
	}
	if len(txs) != 1 || txs[0] != txid {
		t.Fatalf("expected [%s], got %v", txid, txs)
	}
}

func TestIndexerDisabledLeavesTablesEmpty(t *testing.T) {
	a, params := newTestArchive(t)
	idx := New(a, params, false, false)

	link, _ := a.ToCandidate(0)
	idx.indexLink(link)

	if _, err := idx.TxHeight("anything"); err == nil {
		t.Fatal("expected not-found when tx index is disabled")
	}
}

func TestIndexerAttachNoopWhenBothDisabled(t *testing.T) {
	a, params := newTestArchive(t)
	idx := New(a, params, false, false)
	bus := event.New()
	t.Cleanup(bus.Close)
	idx.Attach(bus)
	// No assertion beyond "doesn't panic": Attach should not subscribe.
}
