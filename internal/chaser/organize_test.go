package chaser

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/blockrelay/btcnode/config"
	"github.com/blockrelay/btcnode/internal/chain"
)

func TestDeriveContextAdvancesHeightAndWork(t *testing.T) {
	parent := chain.Context{Height: 10, Bits: 0x207fffff, Timestamp: 1000, MedianTimePast: 900}
	header := wire.BlockHeader{Bits: 0x207fffff, Timestamp: time.Unix(1100, 0)}

	child := deriveContext(parent, header)
	if child.Height != 11 {
		t.Fatalf("expected height 11, got %d", child.Height)
	}
	if child.MedianTimePast != 1000 {
		t.Fatalf("expected mtp advanced to parent timestamp, got %d", child.MedianTimePast)
	}
	if child.CumulativeWork.Cmp(parent.CumulativeWork) <= 0 {
		t.Fatal("expected cumulative work to increase")
	}
}

func TestConflictsWithCheckpoint(t *testing.T) {
	good := chainhash.Hash{1}
	bad := chainhash.Hash{2}
	cfg := &config.Config{Bitcoin: config.BitcoinConfig{
		Checkpoints: []config.Checkpoint{{Height: 100, Hash: good.String()}},
	}}
	if conflictsWithCheckpoint(cfg, good, 100) {
		t.Fatal("matching hash must not conflict")
	}
	if !conflictsWithCheckpoint(cfg, bad, 100) {
		t.Fatal("mismatched hash at a checkpoint height must conflict")
	}
	if conflictsWithCheckpoint(cfg, bad, 101) {
		t.Fatal("non-checkpointed height must never conflict")
	}
}

func TestIsCheckpointed(t *testing.T) {
	cfg := &config.Config{Bitcoin: config.BitcoinConfig{
		Checkpoints: []config.Checkpoint{{Height: 50, Hash: chainhash.Hash{}.String()}},
	}}
	if !isCheckpointed(cfg, 50) {
		t.Fatal("expected height 50 checkpointed")
	}
	if isCheckpointed(cfg, 51) {
		t.Fatal("expected height 51 not checkpointed")
	}
}

func TestMeetsMinimumWorkEmptyFloorAlwaysPasses(t *testing.T) {
	cfg := &config.Config{}
	if !meetsMinimumWork(cfg, chain.Work{}) {
		t.Fatal("empty minimum_work floor must never reject")
	}
}

func TestParseWorkHexRoundTrip(t *testing.T) {
	w, err := parseWorkHex("000000000000000000000000000000000000000000000000000000000003e8")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.Lo == 0 && w.Hi == 0 {
		t.Fatal("expected nonzero parsed work")
	}
}

func newTestOrganize(t *testing.T) *Organize {
	t.Helper()
	return &Organize{
		deps: Deps{
			Cfg:    config.Default(),
			Params: &chaincfg.MainNetParams,
		},
		log: componentLog("organize-test"),
	}
}

func TestNewOrganizeHasNilTreeUntilConstructed(t *testing.T) {
	o := newTestOrganize(t)
	if o.tree != nil {
		t.Fatal("expected a bare test fixture to leave the tree unset")
	}
}
