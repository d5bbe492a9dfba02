// Package chain defines the entities of the block-processing core: headers,
// blocks, transactions, store links, and the per-height consensus context.
// It wraps github.com/btcsuite/btcd/wire rather than reinventing Bitcoin's
// wire encoding, the way the retrieval pack's btcd-derived nodes
// (EXCCoin/exccd, rosetta-ravencoin) build their chain types on top of
// wire.BlockHeader / wire.MsgBlock / wire.MsgTx.
package chain

import (
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Link is a compact, sequential, per-table integer identifier assigned by
// the store when an entity is first archived (§3). Links are never reused.
type Link uint64

// LinkAbsent is the terminal sentinel meaning "absent" (I6): cache-tree
// entries carry it in place of a real store link.
const LinkAbsent Link = ^Link(0)

// Header is an 80-byte Bitcoin block header plus the derived fields the
// core attaches once it knows the header's place in a chain.
type Header struct {
	Wire   wire.BlockHeader
	Height int32
}

// Hash returns the header's identity: the double-SHA256 of its 80 raw bytes.
func (h *Header) Hash() chainhash.Hash {
	return h.Wire.BlockHash()
}

// Block is a header plus an ordered sequence of transactions. It wraps
// wire.MsgBlock so Transactions and serialization follow the wire format
// exactly (witness-flag aware via wire.MsgTx.HasWitness()).
type Block struct {
	Wire   wire.MsgBlock
	Height int32

	// cached on first computation; a Block is immutable once archived (§3).
	size          int
	sizeComputed  bool
	witness       bool
	witnessChecked bool
}

// Header returns the Header view of a Block.
func (b *Block) Header() Header {
	return Header{Wire: b.Wire.Header, Height: b.Height}
}

// Hash returns the block's identity (the header hash, I1-independent of
// witness data per BIP-141 — malleating witness data never changes Hash()).
func (b *Block) Hash() chainhash.Hash {
	return b.Wire.Header.BlockHash()
}

// SerializeSize returns the block's serialized byte size, including witness
// data when present, memoized after first computation.
func (b *Block) SerializeSize() int {
	if !b.sizeComputed {
		b.size = b.Wire.SerializeSize()
		b.sizeComputed = true
	}
	return b.size
}

// HasWitness reports whether any transaction in the block carries witness
// data, memoized after first computation.
func (b *Block) HasWitness() bool {
	if !b.witnessChecked {
		for _, tx := range b.Wire.Transactions {
			if tx.HasWitness() {
				b.witness = true
				break
			}
		}
		b.witnessChecked = true
	}
	return b.witness
}

// Tx is a single transaction. Identity = txid (the hash of the
// non-witness-serialized transaction, per BIP-141), distinct from the
// witness transaction id (wtxid) used for transaction-commitment checks.
type Tx struct {
	Wire wire.MsgTx
}

// TxID returns the transaction's identity (non-witness hash).
func (t *Tx) TxID() chainhash.Hash {
	return t.Wire.TxHash()
}

// WTxID returns the witness transaction id, equal to TxID for transactions
// without witness data.
func (t *Tx) WTxID() chainhash.Hash {
	return t.Wire.WitnessHash()
}

// BlockState is the per-candidate-header lifecycle state of §3. States are
// monotone within a lifecycle except for the disorganize path, which resets
// a header back into the cache tree rather than moving it between states.
type BlockState int

const (
	// StateUnassociated means the header is archived but its block body is
	// not yet downloaded.
	StateUnassociated BlockState = iota
	// StateArchived means the full block has been downloaded and archived
	// but not yet validated.
	StateArchived
	// StateBlockValid means consensus validation succeeded.
	StateBlockValid
	// StateBlockConfirmable means the block has been promoted onto the
	// confirmed chain's decision path (block_confirmable(link) succeeded).
	StateBlockConfirmable
	// StateBlockUnconfirmable means validation failed; the header's branch
	// must be disorganized. Per I5, this state may only be set when the
	// *full block identity* was checked, never on a bare malleation.
	StateBlockUnconfirmable
	// StateBypassed means checkpoint/milestone bypassed full validation.
	StateBypassed
)

func (s BlockState) String() string {
	switch s {
	case StateUnassociated:
		return "unassociated"
	case StateArchived:
		return "archived"
	case StateBlockValid:
		return "block_valid"
	case StateBlockConfirmable:
		return "block_confirmable"
	case StateBlockUnconfirmable:
		return "block_unconfirmable"
	case StateBypassed:
		return "bypassed"
	default:
		return "unknown"
	}
}

// Decidable reports whether a state is one of the terminal states
// get_validated_fork is allowed to return (P4): block_valid,
// block_confirmable, or bypassed.
func (s BlockState) Decidable() bool {
	return s == StateBlockValid || s == StateBlockConfirmable || s == StateBypassed
}

// Context carries the consensus flags, height, and median-time-past in
// effect for a given header (§3). The actual flag/MTP derivation rules are
// the "pure check(block,context) function" the spec treats as an external
// collaborator; Context is the value threaded through that boundary.
type Context struct {
	Height            int32
	MedianTimePast    int64
	Flags             ScriptFlags
	Timestamp         int64
	Bits              uint32
	CumulativeWork    Work
}

// ScriptFlags is a bitset of active soft-fork / script-verification rules
// for a given height, mirroring txscript.ScriptFlags without importing the
// validation engine itself into the core (the content of consensus checks
// is out of scope per §1; only the context they need is in scope).
type ScriptFlags uint32

const (
	ScriptBIP16 ScriptFlags = 1 << iota
	ScriptBIP66
	ScriptBIP65
	ScriptCSV
	ScriptSegWit
	ScriptTaproot
)

// Work is cumulative chain work, compared to decide which of two candidate
// branches should win (I2, P2).
type Work struct {
	// hi:lo form a 128-bit accumulator; Bitcoin's per-block work already
	// exceeds 64 bits once summed over a long chain.
	Hi, Lo uint64
}

// Add returns w+other with a 128-bit carry.
func (w Work) Add(other Work) Work {
	lo := w.Lo + other.Lo
	hi := w.Hi + other.Hi
	if lo < w.Lo { // carry
		hi++
	}
	return Work{Hi: hi, Lo: lo}
}

// Cmp returns -1, 0, or 1 as w is less than, equal to, or greater than other.
func (w Work) Cmp(other Work) int {
	switch {
	case w.Hi != other.Hi:
		if w.Hi < other.Hi {
			return -1
		}
		return 1
	case w.Lo != other.Lo:
		if w.Lo < other.Lo {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// WorkFromBits converts a compact difficulty target into its work
// contribution, following the standard floor(2^256/(target+1)) definition
// used throughout the Bitcoin-derived chains in the retrieval pack
// (EXCCoin/exccd's chaincfg computes the inverse, bigToCompact, the same
// way).
func WorkFromBits(bits uint32) Work {
	target := compactToBig(bits)
	if target.Sign() <= 0 {
		return Work{}
	}
	denom := new(big.Int).Add(target, bigOne)
	num := new(big.Int).Lsh(bigOne, 256)
	quo := new(big.Int).Div(num, denom)
	mask64 := new(big.Int).SetUint64(^uint64(0))
	lo := new(big.Int).And(quo, mask64)
	hi := new(big.Int).Rsh(quo, 64)
	return Work{Hi: hi.Uint64(), Lo: lo.Uint64()}
}

var bigOne = big.NewInt(1)

// TargetFromBits expands bits into the full 256-bit target threshold a
// header's hash must not exceed, exported for consensus.Checker's
// proof-of-work comparison.
func TargetFromBits(bits uint32) *big.Int {
	return compactToBig(bits)
}

// HashToBig interprets a hash's bytes as a big-endian number, the
// orientation proof-of-work target comparisons are defined over (hash
// bytes are stored/transmitted little-endian).
func HashToBig(hash chainhash.Hash) *big.Int {
	reversed := make([]byte, len(hash))
	for i, b := range hash {
		reversed[len(hash)-1-i] = b
	}
	return new(big.Int).SetBytes(reversed)
}

// compactToBig expands a 32-bit compact representation ("nBits") into the
// full 256-bit target it encodes.
func compactToBig(compact uint32) *big.Int {
	mantissa := compact & 0x007fffff
	exponent := uint(compact >> 24)

	var bn *big.Int
	if exponent <= 3 {
		mantissa >>= 8 * (3 - exponent)
		bn = big.NewInt(int64(mantissa))
	} else {
		bn = big.NewInt(int64(mantissa))
		bn.Lsh(bn, 8*(exponent-3))
	}

	if compact&0x00800000 != 0 {
		bn = bn.Neg(bn)
	}
	return bn
}
