package store

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"

	"github.com/blockrelay/btcnode/internal/chain"
	"github.com/blockrelay/btcnode/internal/errs"
)

// HeaderView is the read-only projection of an archived header returned by
// Header, carrying just what a chaser needs without exposing the on-disk
// headerRecord layout.
type HeaderView struct {
	Header wire.BlockHeader
	Height int32
	Hash   chainhash.Hash
	Parent chain.Link
	State  chain.BlockState
}

// TxOutView is the read-only projection of a stored transaction output
// returned by Prevout.
type TxOutView struct {
	Value    int64
	PkScript []byte
}

// ProgressFunc reports table-granular progress during a long store
// operation (open/close/snapshot/restore/reload), per §4.2. table is the
// table-prefix name; event is a short machine-readable tag such as
// "wait_lock" — the snapshot caller must suspend peer channels on seeing
// it so the snapshot can quiesce.
type ProgressFunc func(event, table string)

// --- top-of-chain queries ---

func (a *Archive) GetTopCandidate() int32 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.topCandidate
}

func (a *Archive) GetTopConfirmed() int32 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.topConfirmed
}

// GetTopAssociated scans down from the candidate top for the highest
// height whose block has been archived. Unlike the teacher's O(1) tip
// pointer, association is not monotone with height during active sync, so
// this is a bounded linear scan from the top rather than a cached cursor.
func (a *Archive) GetTopAssociated() int32 {
	a.mu.RLock()
	top := a.topCandidate
	a.mu.RUnlock()
	for h := top; h >= 0; h-- {
		link, ok := a.ToCandidate(h)
		if !ok {
			continue
		}
		if a.IsAssociated(link) {
			return h
		}
	}
	return -1
}

// GetFork returns the greatest height at which candidate and confirmed
// indices agree (I1).
func (a *Archive) GetFork() int32 {
	a.mu.RLock()
	top := a.topConfirmed
	a.mu.RUnlock()
	for h := top; h >= 0; h-- {
		cl, cok := a.ToCandidate(h)
		fl, fok := a.ToConfirmed(h)
		if cok && fok && cl == fl {
			return h
		}
	}
	return -1
}

// --- link lookups ---

func (a *Archive) ToCandidate(height int32) (chain.Link, bool) {
	v, err := a.kv.Get(heightKey(prefixCandidate, height))
	if err != nil {
		return 0, false
	}
	return chain.Link(binary.BigEndian.Uint64(v)), true
}

func (a *Archive) ToConfirmed(height int32) (chain.Link, bool) {
	v, err := a.kv.Get(heightKey(prefixConfirmed, height))
	if err != nil {
		return 0, false
	}
	return chain.Link(binary.BigEndian.Uint64(v)), true
}

func (a *Archive) ToHeader(hash chainhash.Hash) (chain.Link, bool) {
	v, err := a.kv.Get([]byte(prefixHeaderHash + string(hash[:])))
	if err != nil {
		return 0, false
	}
	return chain.Link(binary.BigEndian.Uint64(v)), true
}

func (a *Archive) ToParent(link chain.Link) (chain.Link, bool) {
	rec, err := a.getHeaderRecord(link)
	if err != nil {
		return 0, false
	}
	if rec.ParentLink == chain.LinkAbsent {
		return 0, false
	}
	return rec.ParentLink, true
}

// IsAssociated reports whether link's full block has been archived.
func (a *Archive) IsAssociated(link chain.Link) bool {
	_, err := a.kv.Get(linkKey(prefixTxsBody, link))
	return err == nil
}

func (a *Archive) IsMilestone(link chain.Link) bool {
	rec, err := a.getHeaderRecord(link)
	if err != nil {
		return false
	}
	return rec.Milestone
}

// Header returns the archived header record for link, the inputs a chaser
// needs to derive chain state, compute hashes, or inspect state.
func (a *Archive) Header(link chain.Link) (HeaderView, bool) {
	rec, err := a.getHeaderRecord(link)
	if err != nil {
		return HeaderView{}, false
	}
	return HeaderView{
		Header: rec.Header,
		Height: rec.Height,
		Hash:   rec.Hash,
		Parent: rec.ParentLink,
		State:  rec.State,
	}, true
}

// State returns link's current block state.
func (a *Archive) State(link chain.Link) (chain.BlockState, bool) {
	rec, err := a.getHeaderRecord(link)
	if err != nil {
		return 0, false
	}
	return rec.State, true
}

// Block returns the archived full block for link, or ok=false if
// unassociated.
func (a *Archive) Block(link chain.Link) (*chain.Block, bool) {
	rec, err := a.getHeaderRecord(link)
	if err != nil {
		return nil, false
	}
	data, err := a.kv.Get(linkKey(prefixTxsBody, link))
	if err != nil {
		return nil, false
	}
	blk := &chain.Block{Height: rec.Height}
	if err := blk.Wire.Deserialize(byteReader(data)); err != nil {
		return nil, false
	}
	return blk, true
}

// Prevout looks up a transaction output by outpoint, the store-backed
// lookup C5 needs to "populate prevouts from store" before consensus
// validation (§4.5).
func (a *Archive) Prevout(txid chainhash.Hash, index uint32) (*TxOutView, bool) {
	data, err := a.kv.Get(outpointKey(txid, index))
	if err != nil {
		return nil, false
	}
	out := decodeTxOut(data)
	return &TxOutView{Value: out.Value, PkScript: out.PkScript}, true
}

// GetUnassociatedAbove returns up to limit candidate headers above height
// whose blocks are not yet archived, stopping at stop (exclusive), the
// scan the check chaser runs to build download maps (§4.4).
func (a *Archive) GetUnassociatedAbove(height int32, limit int, stop int32) []Association {
	var out []Association
	top := a.GetTopCandidate()
	ceiling := stop
	if ceiling > top+1 {
		ceiling = top + 1
	}
	for h := height + 1; h < ceiling && len(out) < limit; h++ {
		link, ok := a.ToCandidate(h)
		if !ok {
			break
		}
		if a.IsAssociated(link) {
			continue
		}
		rec, err := a.getHeaderRecord(link)
		if err != nil {
			continue
		}
		out = append(out, Association{Link: link, Hash: rec.Hash, Height: h})
	}
	return out
}

// GetUnassociatedCount returns the number of candidate headers above the
// fork point whose blocks are not archived, used to size download maps
// (§4.4 inventory sizing).
func (a *Archive) GetUnassociatedCount() int {
	fork := a.GetFork()
	top := a.GetTopCandidate()
	count := 0
	for h := fork + 1; h <= top; h++ {
		link, ok := a.ToCandidate(h)
		if !ok {
			continue
		}
		if !a.IsAssociated(link) {
			count++
		}
	}
	return count
}

// --- archive / candidate-index mutation ---

// ArchiveHeader stores a header-only candidate (no block body yet),
// returning its link. Used by organize for the header-first path.
func (a *Archive) ArchiveHeader(h chain.Header, parent chain.Link) chain.Link {
	a.mu.Lock()
	defer a.mu.Unlock()
	link := a.allocLink()
	rec := headerRecord{
		Link:       link,
		ParentLink: parent,
		Hash:       h.Hash(),
		Height:     h.Height,
		Header:     h.Wire,
		State:      chain.StateUnassociated,
	}
	batch := a.kv.NewBatch()
	if err := a.putHeaderRecord(batch, rec); err != nil {
		log.WithError(err).Error("archive header record")
		return chain.LinkAbsent
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(a.nextLink))
	batch.Set([]byte(keyNextLink), buf)
	if err := batch.Write(); err != nil {
		log.WithError(err).Error("archive header write")
		return chain.LinkAbsent
	}
	return link
}

// SetCode archives a full block's transactions atomically against an
// already-archived header link, setting the header's state to Archived (or
// directly to Bypassed when checked is true, the checkpoint/milestone
// bypass of §4.2).
func (a *Archive) SetCode(blk *chain.Block, link chain.Link, ctx chain.Context, milestone, checked bool) errs.Code {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, err := a.getHeaderRecord(link)
	if err != nil {
		return errs.Organize9
	}
	rec.Context = ctx
	rec.Milestone = rec.Milestone || milestone
	if checked {
		rec.State = chain.StateBypassed
	} else {
		rec.State = chain.StateArchived
	}
	batch := a.kv.NewBatch()
	if err := a.putHeaderRecord(batch, *rec); err != nil {
		return errs.StoreIO
	}
	if err := a.putBlockBody(batch, link, blk); err != nil {
		return errs.StoreIO
	}
	if checked {
		a.setStrong(batch, link, true)
	}
	if err := batch.Write(); err != nil {
		return a.markFull(err)
	}
	if len(blk.Wire.Transactions) > 0 {
		// btcutil.Block caches the block's hash and wraps each
		// transaction as a btcutil.Tx (itself caching its txid) rather
		// than recomputing wire.MsgBlock.BlockHash()/MsgTx.TxHash() on
		// every log line that wants either.
		wrapped := btcutil.NewBlock(&blk.Wire)
		coinbase := wrapped.Transactions()[0]
		var reward btcutil.Amount
		for _, out := range coinbase.MsgTx().TxOut {
			reward += btcutil.Amount(out.Value)
		}
		log.WithFields(logrus.Fields{
			"height":         ctx.Height,
			"hash":           wrapped.Hash(),
			"coinbase_value": reward,
		}).Debug("store: archived block body")
	}
	return errs.Success
}

func (a *Archive) SetStrong(link chain.Link)   { a.setStrongSync(link, true) }
func (a *Archive) SetUnstrong(link chain.Link) { a.setStrongSync(link, false) }

func (a *Archive) setStrongSync(link chain.Link, strong bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	batch := a.kv.NewBatch()
	a.setStrong(batch, link, strong)
	if err := batch.Write(); err != nil {
		log.WithError(err).Error("set strong")
	}
}

// IsStrong reports whether link carries the strong marker.
func (a *Archive) IsStrong(link chain.Link) bool {
	_, err := a.kv.Get(linkKey(prefixStrong, link))
	return err == nil
}

// PushCandidate appends link at height = top_candidate+1.
func (a *Archive) PushCandidate(link chain.Link) errs.Code {
	a.mu.Lock()
	defer a.mu.Unlock()
	height := a.topCandidate + 1
	batch := a.kv.NewBatch()
	a.putCandidate(batch, height, link)
	a.putU32(batch, keyTopCandidate, height)
	if err := batch.Write(); err != nil {
		return a.markFull(err)
	}
	a.topCandidate = height
	return errs.Success
}

// PopCandidate removes the candidate at top_candidate, returning its link.
func (a *Archive) PopCandidate() (chain.Link, errs.Code) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.topCandidate < 0 {
		return 0, errs.Organize6
	}
	link, ok := a.ToCandidate(a.topCandidate)
	if !ok {
		return 0, errs.Organize6
	}
	batch := a.kv.NewBatch()
	batch.Delete(heightKey(prefixCandidate, a.topCandidate))
	a.putU32(batch, keyTopCandidate, a.topCandidate-1)
	if err := batch.Write(); err != nil {
		return 0, a.markFull(err)
	}
	a.topCandidate--
	return link, errs.Success
}

// PushConfirmed appends link at height = top_confirmed+1, marking it
// strong unless underCheckpoint (checkpointed heights are set strong by
// the archiver already, per §4.6's "must not double-set-strong" rule).
func (a *Archive) PushConfirmed(link chain.Link, setStrong bool) errs.Code {
	a.mu.Lock()
	defer a.mu.Unlock()
	height := a.topConfirmed + 1
	batch := a.kv.NewBatch()
	a.putConfirmed(batch, height, link)
	a.putU32(batch, keyTopConfirmed, height)
	if setStrong {
		a.setStrong(batch, link, true)
	}
	if err := batch.Write(); err != nil {
		return a.markFull(err)
	}
	a.topConfirmed = height
	return errs.Success
}

// PopConfirmed removes the confirmed entry at top_confirmed.
func (a *Archive) PopConfirmed() (chain.Link, errs.Code) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.topConfirmed < 0 {
		return 0, errs.Confirm6
	}
	link, ok := a.ToConfirmed(a.topConfirmed)
	if !ok {
		return 0, errs.Confirm6
	}
	batch := a.kv.NewBatch()
	batch.Delete(heightKey(prefixConfirmed, a.topConfirmed))
	a.putU32(batch, keyTopConfirmed, a.topConfirmed-1)
	if err := batch.Write(); err != nil {
		return 0, a.markFull(err)
	}
	a.topConfirmed--
	return link, errs.Success
}

// --- verdicts ---

func (a *Archive) setState(link chain.Link, state chain.BlockState, fees int64) errs.Code {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, err := a.getHeaderRecord(link)
	if err != nil {
		return errs.Validate1
	}
	rec.State = state
	if fees != 0 {
		rec.Fees = fees
	}
	batch := a.kv.NewBatch()
	if err := a.putHeaderRecord(batch, *rec); err != nil {
		return errs.StoreIO
	}
	if err := batch.Write(); err != nil {
		return a.markFull(err)
	}
	return errs.Success
}

func (a *Archive) SetBlockValid(link chain.Link, fees int64) errs.Code {
	return a.setState(link, chain.StateBlockValid, fees)
}

// SetBlockConfirmable marks link confirmable. Per I3, no confirmed header
// may remain block_unconfirmable; the confirm chaser only calls this after
// block_confirmable(link) has returned Success.
func (a *Archive) SetBlockConfirmable(link chain.Link) errs.Code {
	return a.setState(link, chain.StateBlockConfirmable, 0)
}

// SetBlockUnconfirmable marks link unconfirmable. Per I5, callers must
// never invoke this for a bare malleation (witness/tx-commitment failure);
// only once the full block identity has been validated.
func (a *Archive) SetBlockUnconfirmable(link chain.Link) errs.Code {
	return a.setState(link, chain.StateBlockUnconfirmable, 0)
}

// BlockConfirmable performs the final promotion check for a block_valid
// candidate: in this engine the heavy "accept+connect" validation already
// ran in the validate chaser, so block_confirmable(link) only re-verifies
// that link is still block_valid (has not regressed under a concurrent
// disorganize) before the confirm chaser is allowed to mark it confirmable.
func (a *Archive) BlockConfirmable(link chain.Link) errs.Code {
	rec, err := a.getHeaderRecord(link)
	if err != nil {
		return errs.Confirm7
	}
	if rec.State != chain.StateBlockValid && rec.State != chain.StateBlockConfirmable {
		return errs.Confirm7
	}
	return errs.Success
}

// GetValidatedFork returns the contiguous run of candidate heights above
// the fork point that have reached a decidable state (P4), along with the
// fork point itself. checkpoint and filterEnabled are not consulted: every
// Decidable state, the bypass states included, is accepted; the parameters
// keep the §4.2 signature.
func (a *Archive) GetValidatedFork(checkpoint bool, filterEnabled bool) (fork int32, decisions []Decision) {
	fork = a.GetFork()
	top := a.GetTopCandidate()
	for h := fork + 1; h <= top; h++ {
		link, ok := a.ToCandidate(h)
		if !ok {
			break
		}
		state, ok := a.State(link)
		if !ok {
			break
		}
		if !state.Decidable() {
			break
		}
		decisions = append(decisions, Decision{Link: link, Code: errs.Success})
	}
	return fork, decisions
}

// GetCandidateChainState returns the chain-state (flags, MTP, cumulative
// work) stored on the candidate header record at height. It is a single
// record read; no earlier headers are walked.
func (a *Archive) GetCandidateChainState(height int32) (chain.Context, bool) {
	link, ok := a.ToCandidate(height)
	if !ok {
		return chain.Context{}, false
	}
	rec, err := a.getHeaderRecord(link)
	if err != nil {
		return chain.Context{}, false
	}
	return rec.Context, true
}

// --- open/close/snapshot/restore/reload ---

// Snapshot copies every table to dir, reporting wait_lock before it begins
// so the caller can suspend peer channels (§4.2, S5). goleveldb has no
// native hot-snapshot-to-directory primitive; this iterates the live
// database into a fresh store at dir while holding the archive's read
// lock, so no archive write lands mid-copy. That lock is the engine's
// closest analogue to the "quiesce on wait_lock" contract.
func (a *Archive) Snapshot(dir string, progress ProgressFunc) error {
	if a.IsFault() {
		return fmt.Errorf("store: snapshot refused, archive is faulted")
	}
	progress("wait_lock", "*")
	a.mu.RLock()
	defer a.mu.RUnlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	dst, err := OpenLevelKV(dir)
	if err != nil {
		return err
	}
	defer dst.Close()

	it := a.kv.NewIterator(nil)
	defer it.Release()
	batch := dst.NewBatch()
	n := 0
	for it.Next() {
		batch.Set(append([]byte(nil), it.Key()...), append([]byte(nil), it.Value()...))
		n++
		if n%1000 == 0 {
			if err := batch.Write(); err != nil {
				return err
			}
			batch.Reset()
		}
	}
	if err := it.Error(); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return err
	}
	progress("table", "all")
	return dst.Set([]byte(keyFlushLock), []byte{1})
}

// Restore replaces the archive's data directory with snapshotDir's
// contents, refusing unless the flush-lock sentinel is present (§4.2).
func Restore(liveDir, snapshotDir string, progress ProgressFunc) error {
	src, err := OpenLevelKV(snapshotDir)
	if err != nil {
		return err
	}
	if _, err := src.Get([]byte(keyFlushLock)); err != nil {
		src.Close()
		return ErrFlushLock
	}
	src.Close()

	progress("wait_lock", "*")
	if err := os.RemoveAll(liveDir); err != nil {
		return err
	}
	if err := copyDir(snapshotDir, liveDir); err != nil {
		return err
	}
	progress("table", "all")
	return nil
}

func copyDir(src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		s := filepath.Join(src, e.Name())
		d := filepath.Join(dst, e.Name())
		if e.IsDir() {
			if err := copyDir(s, d); err != nil {
				return err
			}
			continue
		}
		data, err := os.ReadFile(s)
		if err != nil {
			return err
		}
		if err := os.WriteFile(d, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// Reload reopens the archive after an operator-triggered recovery (e.g.
// following disk_full), clearing error state and re-reading cursors.
func (a *Archive) Reload(progress ProgressFunc) error {
	progress("table", "all")
	a.ClearErrors()
	return a.loadCursors()
}

func byteReader(b []byte) *sliceReader { return &sliceReader{b: b} }

type sliceReader struct {
	b   []byte
	pos int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}
