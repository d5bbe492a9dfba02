// Package store implements the store facade (C2, §4.2): an archive over
// headers, transactions, and confirmation indices, generalized from the
// teacher's storage.StateDB write-buffer/batch/snapshot pattern
// (storage/statedb.go) onto the spec's table layout (§6).
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"

	"github.com/blockrelay/btcnode/internal/chain"
	"github.com/blockrelay/btcnode/internal/errs"
)

// Table prefixes, one per table named in §6. Kept short because every key
// in the archive carries one.
const (
	prefixHeaderBody  = "hb:" // link -> headerRecord (JSON)
	prefixHeaderHash  = "hh:" // hash -> link (8-byte BE)
	prefixTxsBody     = "tx:" // link -> raw wire.MsgBlock bytes (the "txs" table)
	prefixStrong      = "st:" // link -> sentinel (strong_tx)
	prefixCandidate   = "ci:" // height(8BE) -> link
	prefixConfirmed   = "fi:" // height(8BE) -> link
	prefixOutput      = "op:" // txid(32)+index(4BE) -> wire.TxOut bytes ("output"/"point")
	prefixSpend       = "sp:" // txid(32)+index(4BE) -> spender txid (32 bytes) ("spend")
	prefixAddressIdx  = "ad:" // optional address index
	prefixNeutrino    = "nt:" // optional compact-filter index
	keyNextLink       = "meta:next_link"
	keyTopCandidate   = "meta:top_candidate"
	keyTopConfirmed   = "meta:top_confirmed"
	keyFault          = "meta:fault"
	keyFlushLock      = "meta:flush_lock"
)

var log = logrus.WithField("component", "store")

// Association is one entry of get_unassociated_above's result: a candidate
// header above the fork that has not yet had its block body archived.
type Association struct {
	Link   chain.Link
	Hash   chainhash.Hash
	Height int32
}

// Decision is one entry of get_validated_fork's result.
type Decision struct {
	Link chain.Link
	Code errs.Code
}

// headerRecord is the on-disk representation of an archived header. Exact
// byte layout is not load-bearing (§6: "opaque bit-exactness not
// required"); JSON is used for the same reason the teacher uses it
// throughout storage/statedb.go.
type headerRecord struct {
	Link       chain.Link
	ParentLink chain.Link
	Hash       chainhash.Hash
	Height     int32
	Header     wire.BlockHeader
	State      chain.BlockState
	Milestone  bool
	Fees       int64
	Context    chain.Context
}

// Archive is the store facade every chaser depends on. It owns a write
// buffer so a multi-table mutation (archive, snapshot, confirmation mark)
// either lands completely or not at all, generalizing the teacher's
// StateDB snapshot/rollback discipline to the candidate/confirmed indices.
type Archive struct {
	mu  sync.RWMutex // guards the in-memory top-of-chain cursors only
	kv  KV
	dir string

	topCandidate int32
	topConfirmed int32
	nextLink     chain.Link
	fault        errs.Code
	full         bool
}

// Open opens the archive at dir, loading its cursors into memory.
func Open(dir string) (*Archive, error) {
	kv, err := OpenLevelKV(dir)
	if err != nil {
		return nil, err
	}
	a := &Archive{kv: kv, dir: dir}
	if err := a.loadCursors(); err != nil {
		kv.Close()
		return nil, err
	}
	return a, nil
}

// KV exposes the underlying key-value engine to optional secondary
// indices (internal/index) that need their own prefixed keyspace without
// forcing every consumer of Archive to see raw storage operations.
func (a *Archive) KV() KV { return a.kv }

func (a *Archive) loadCursors() error {
	if v, err := a.kv.Get([]byte(keyTopCandidate)); err == nil {
		a.topCandidate = int32(binary.BigEndian.Uint32(v))
	} else if err != ErrNotFound {
		return err
	} else {
		a.topCandidate = -1
	}
	if v, err := a.kv.Get([]byte(keyTopConfirmed)); err == nil {
		a.topConfirmed = int32(binary.BigEndian.Uint32(v))
	} else if err != ErrNotFound {
		return err
	} else {
		a.topConfirmed = -1
	}
	if v, err := a.kv.Get([]byte(keyNextLink)); err == nil {
		a.nextLink = chain.Link(binary.BigEndian.Uint64(v))
	}
	if v, err := a.kv.Get([]byte(keyFault)); err == nil && len(v) == 1 {
		a.fault = errs.Code(v[0])
	}
	return nil
}

// Initialize creates the genesis header/block as height 0, archived,
// confirmed, and strong (I7: genesis must be archived+confirmed before any
// other operation runs).
func (a *Archive) Initialize(genesis *chain.Block) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.topCandidate >= 0 {
		return nil // already initialized
	}
	link := a.allocLink()
	rec := headerRecord{
		Link:       link,
		ParentLink: chain.LinkAbsent,
		Hash:       genesis.Hash(),
		Height:     0,
		Header:     genesis.Wire.Header,
		State:      chain.StateBlockConfirmable,
		Milestone:  true,
		Context: chain.Context{
			Height:         0,
			MedianTimePast: 0,
			Timestamp:      genesis.Wire.Header.Timestamp.Unix(),
			Bits:           genesis.Wire.Header.Bits,
			CumulativeWork: chain.WorkFromBits(genesis.Wire.Header.Bits),
		},
	}
	batch := a.kv.NewBatch()
	if err := a.putHeaderRecord(batch, rec); err != nil {
		return err
	}
	if err := a.putBlockBody(batch, link, genesis); err != nil {
		return err
	}
	a.setStrong(batch, link, true)
	a.putCandidate(batch, 0, link)
	a.putConfirmed(batch, 0, link)
	a.putU32(batch, keyTopCandidate, 0)
	a.putU32(batch, keyTopConfirmed, 0)
	if err := batch.Write(); err != nil {
		return err
	}
	a.topCandidate = 0
	a.topConfirmed = 0
	return nil
}

func (a *Archive) allocLink() chain.Link {
	l := a.nextLink
	a.nextLink++
	return l
}

// --- basic encode helpers ---

func linkKey(prefix string, l chain.Link) []byte {
	k := make([]byte, len(prefix)+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], uint64(l))
	return k
}

func heightKey(prefix string, h int32) []byte {
	k := make([]byte, len(prefix)+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], uint64(uint32(h)))
	return k
}

func (a *Archive) putU32(b Batch, key string, v int32) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(v))
	b.Set([]byte(key), buf)
}

func (a *Archive) putHeaderRecord(b Batch, rec headerRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	b.Set(linkKey(prefixHeaderBody, rec.Link), data)
	linkBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(linkBuf, uint64(rec.Link))
	b.Set([]byte(prefixHeaderHash+string(rec.Hash[:])), linkBuf)
	return nil
}

func (a *Archive) getHeaderRecord(link chain.Link) (*headerRecord, error) {
	data, err := a.kv.Get(linkKey(prefixHeaderBody, link))
	if err != nil {
		return nil, err
	}
	var rec headerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (a *Archive) putBlockBody(b Batch, link chain.Link, blk *chain.Block) error {
	buf := make([]byte, 0, blk.SerializeSize())
	w := &byteSliceWriter{buf: buf}
	if err := blk.Wire.Serialize(w); err != nil {
		return err
	}
	b.Set(linkKey(prefixTxsBody, link), w.buf)
	for _, tx := range blk.Wire.Transactions {
		txid := tx.TxHash()
		for i, out := range tx.TxOut {
			b.Set(outpointKey(txid, uint32(i)), encodeTxOut(out))
		}
	}
	return nil
}

func (a *Archive) setStrong(b Batch, link chain.Link, strong bool) {
	k := linkKey(prefixStrong, link)
	if strong {
		b.Set(k, []byte{1})
	} else {
		b.Delete(k)
	}
}

func (a *Archive) putCandidate(b Batch, height int32, link chain.Link) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(link))
	b.Set(heightKey(prefixCandidate, height), buf)
}

func (a *Archive) putConfirmed(b Batch, height int32, link chain.Link) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(link))
	b.Set(heightKey(prefixConfirmed, height), buf)
}

func outpointKey(txid chainhash.Hash, index uint32) []byte {
	k := make([]byte, len(prefixOutput)+36)
	copy(k, prefixOutput)
	copy(k[len(prefixOutput):], txid[:])
	binary.BigEndian.PutUint32(k[len(prefixOutput)+32:], index)
	return k
}

func encodeTxOut(out *wire.TxOut) []byte {
	buf := make([]byte, 8+len(out.PkScript))
	binary.BigEndian.PutUint64(buf, uint64(out.Value))
	copy(buf[8:], out.PkScript)
	return buf
}

func decodeTxOut(data []byte) *wire.TxOut {
	value := int64(binary.BigEndian.Uint64(data[:8]))
	script := make([]byte, len(data)-8)
	copy(script, data[8:])
	return &wire.TxOut{Value: value, PkScript: script}
}

// byteSliceWriter adapts a growable []byte to io.Writer for wire encoding
// without an intermediate bytes.Buffer allocation per call site.
type byteSliceWriter struct{ buf []byte }

func (w *byteSliceWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

// GetFault reports the errs.Code of a previously-triggered fatal condition, or
// errs.Success if none.
func (a *Archive) GetFault() errs.Code {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.fault
}

// IsFault reports whether the archive is in a faulted state (§7: integrity
// errors suspend the network and refuse snapshots).
func (a *Archive) IsFault() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.fault != errs.Success
}

// Fault records code as the archive's fault state. Idempotent: the first
// fault recorded wins, matching fault()'s idempotence requirement in §7.
func (a *Archive) Fault(code errs.Code) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fault != errs.Success {
		return
	}
	a.fault = code
	buf := []byte{byte(code)}
	if err := a.kv.Set([]byte(keyFault), buf); err != nil {
		log.WithError(err).Error("failed to persist fault code")
	}
}

// ClearErrors resets the fault and disk-full flags, used after `reload()`.
func (a *Archive) ClearErrors() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fault = errs.Success
	a.full = false
	_ = a.kv.Delete([]byte(keyFault))
}

// IsFull reports whether the last write to any table returned disk_full.
func (a *Archive) IsFull() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.full
}

// GetSpace returns a rough estimate of remaining capacity; the concrete
// figure is platform/filesystem-dependent and out of scope for this
// engine's store facade (§1: storage layout internals are external).
func (a *Archive) GetSpace() (uint64, error) {
	return 0, fmt.Errorf("store: GetSpace unavailable on this platform")
}

// markFull flips the disk-full flag after a table write fails with ENOSPC.
func (a *Archive) markFull(err error) errs.Code {
	if IsDiskFull(err) {
		a.mu.Lock()
		a.full = true
		a.mu.Unlock()
		return errs.DiskFull
	}
	return errs.StoreIO
}

// Close closes the underlying KV engine cleanly, writing the flush-lock
// sentinel so a subsequent Restore knows this was not a crash.
func (a *Archive) Close() error {
	if err := a.kv.Set([]byte(keyFlushLock), []byte{1}); err != nil {
		return err
	}
	return a.kv.Close()
}
