// Package consensus implements the "pure check(block,context) → code"
// collaborator the core treats as external (§1): proof-of-work target
// verification, timestamp/median-time-past bounds, and merkle-root
// commitment checks. Deep script interpretation is intentionally out of
// the core's scope; Checker is the seam where a full txscript-based
// verifier can be substituted without touching the chasers.
//
// Grounded on the teacher's consensus.PoA.ValidateBlock (consensus/poa.go):
// the same shape of sequential structural checks (timestamp drift, parent
// linkage, height/root commitments), generalized from ed25519 proposer
// signatures to Bitcoin's proof-of-work and merkle commitments.
package consensus

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/blockrelay/btcnode/internal/chain"
	"github.com/blockrelay/btcnode/internal/errs"
)

// Checker validates headers and blocks against a chain.Context, the seam
// the organize and validate chasers call through (§4.3 step 3, §4.5
// step 3).
type Checker interface {
	// CheckHeader runs header-only checks: proof-of-work against the
	// context's target, and timestamp bounds.
	CheckHeader(h chain.Header, ctx chain.Context) errs.Code

	// CheckBlock runs full block checks in addition to CheckHeader's:
	// merkle-root commitment and (for witness blocks) the witness
	// commitment. These are the malleation-sensitive checks I5 requires
	// never to leave a persistent block_unconfirmable verdict.
	CheckBlock(b *chain.Block, ctx chain.Context) errs.Code

	// Accept re-runs context-dependent structural checks once a block's
	// context is final (§4.5: "accept").
	Accept(b *chain.Block, ctx chain.Context) errs.Code

	// Connect performs the UTXO-level checks a block needs once its
	// inputs can be resolved against the store (§4.5: "connect"):
	// double-spend detection and that outputs don't exceed inputs+subsidy.
	// prevout resolves an outpoint to its spendable value.
	Connect(b *chain.Block, ctx chain.Context, prevout func(txid chainhash.Hash, index uint32) (value int64, ok bool)) errs.Code
}

// Default implements Checker using btcd's wire/chainhash types directly,
// the structural subset the core needs without pulling in a full script
// interpreter (out of scope per §1).
type Default struct {
	Params *chaincfg.Params
}

// New returns a Default checker for params.
func New(params *chaincfg.Params) *Default {
	return &Default{Params: params}
}

func (c *Default) CheckHeader(h chain.Header, ctx chain.Context) errs.Code {
	if h.Wire.Bits != ctx.Bits {
		return errs.InvalidHeader
	}
	if !meetsTarget(h.Hash(), h.Wire.Bits) {
		return errs.InsufficientWork
	}
	ts := h.Wire.Timestamp.Unix()
	if ts <= ctx.MedianTimePast {
		return errs.InvalidHeader
	}
	if ts > ctx.Timestamp+7200 {
		return errs.InvalidHeader
	}
	return errs.Success
}

func (c *Default) CheckBlock(b *chain.Block, ctx chain.Context) errs.Code {
	if code := c.CheckHeader(b.Header(), ctx); code != errs.Success {
		return code
	}
	if len(b.Wire.Transactions) == 0 || !isCoinBase(b.Wire.Transactions[0]) {
		return errs.InvalidTransactionCommitment
	}
	root := merkleRoot(b.Wire.Transactions)
	if !root.IsEqual(&b.Wire.Header.MerkleRoot) {
		return errs.InvalidTransactionCommitment
	}
	if b.HasWitness() && !checkWitnessCommitment(b) {
		return errs.InvalidWitnessCommitment
	}
	return errs.Success
}

func (c *Default) Accept(b *chain.Block, ctx chain.Context) errs.Code {
	return c.CheckBlock(b, ctx)
}

func (c *Default) Connect(b *chain.Block, ctx chain.Context, prevout func(chainhash.Hash, uint32) (int64, bool)) errs.Code {
	spent := make(map[wire.OutPoint]bool)
	var totalIn, totalOut int64
	for i, tx := range b.Wire.Transactions {
		if i == 0 {
			for _, out := range tx.TxOut {
				totalOut += out.Value
			}
			continue
		}
		for _, in := range tx.TxIn {
			if spent[in.PreviousOutPoint] {
				return errs.BlockUnconfirmable
			}
			spent[in.PreviousOutPoint] = true
			value, ok := prevout(in.PreviousOutPoint.Hash, in.PreviousOutPoint.Index)
			if !ok {
				return errs.BlockUnconfirmable
			}
			totalIn += value
		}
		for _, out := range tx.TxOut {
			totalOut += out.Value
		}
	}
	if totalOut > totalIn+c.subsidy(ctx.Height) {
		return errs.BlockUnconfirmable
	}
	return errs.Success
}

func (c *Default) subsidy(height int32) int64 {
	interval := int32(210000)
	if c.Params != nil && c.Params.SubsidyReductionInterval > 0 {
		interval = c.Params.SubsidyReductionInterval
	}
	halvings := uint(height / interval)
	if halvings >= 64 {
		return 0
	}
	return 5000000000 >> halvings
}

func isCoinBase(tx *wire.MsgTx) bool {
	return len(tx.TxIn) == 1 &&
		tx.TxIn[0].PreviousOutPoint.Index == wire.MaxPrevOutIndex &&
		tx.TxIn[0].PreviousOutPoint.Hash == (chainhash.Hash{})
}

// meetsTarget reports whether hash, interpreted as a big-endian number, is
// at or below the target encoded by bits — the standard proof-of-work
// acceptance test.
func meetsTarget(hash chainhash.Hash, bits uint32) bool {
	target := chain.TargetFromBits(bits)
	if target.Sign() <= 0 {
		return false
	}
	return chain.HashToBig(hash).Cmp(target) <= 0
}

// merkleRoot computes the root of the standard Bitcoin merkle tree: pairs
// of (double-SHA256) leaves are combined pairwise, duplicating the last
// leaf on an odd count, until one hash remains.
func merkleRoot(txs []*wire.MsgTx) chainhash.Hash {
	if len(txs) == 0 {
		return chainhash.Hash{}
	}
	level := make([]chainhash.Hash, len(txs))
	for i, tx := range txs {
		level[i] = tx.TxHash()
	}
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]chainhash.Hash, len(level)/2)
		for i := range next {
			var buf [64]byte
			copy(buf[:32], level[2*i][:])
			copy(buf[32:], level[2*i+1][:])
			next[i] = chainhash.DoubleHashH(buf[:])
		}
		level = next
	}
	return level[0]
}

// checkWitnessCommitment verifies the coinbase's witness commitment
// output against the witness merkle root, per BIP-141. The commitment
// output script is OP_RETURN || 0xaa21a9ed || commitment(32).
func checkWitnessCommitment(b *chain.Block) bool {
	coinbase := b.Wire.Transactions[0]
	var commitment []byte
	for _, out := range coinbase.TxOut {
		script := out.PkScript
		if len(script) >= 38 && script[0] == 0x6a && script[1] == 0x24 &&
			script[2] == 0xaa && script[3] == 0x21 && script[4] == 0xa9 && script[5] == 0xed {
			commitment = script[6:38]
		}
	}
	if commitment == nil {
		return false
	}
	var nonce [32]byte
	if len(coinbase.TxIn) > 0 && len(coinbase.TxIn[0].Witness) > 0 {
		copy(nonce[:], coinbase.TxIn[0].Witness[0])
	}
	wRoot := witnessMerkleRoot(b.Wire.Transactions)
	var buf [64]byte
	copy(buf[:32], wRoot[:])
	copy(buf[32:], nonce[:])
	want := chainhash.DoubleHashH(buf[:])
	return string(want[:]) == string(commitment)
}

func witnessMerkleRoot(txs []*wire.MsgTx) chainhash.Hash {
	level := make([]chainhash.Hash, len(txs))
	for i, tx := range txs {
		if i == 0 {
			level[i] = chainhash.Hash{} // coinbase wtxid is defined as zero for this tree
			continue
		}
		level[i] = tx.WitnessHash()
	}
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]chainhash.Hash, len(level)/2)
		for i := range next {
			var buf [64]byte
			copy(buf[:32], level[2*i][:])
			copy(buf[32:], level[2*i+1][:])
			next[i] = chainhash.DoubleHashH(buf[:])
		}
		level = next
	}
	return level[0]
}
