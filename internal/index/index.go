// Package index maintains the optional secondary lookup tables of §6's
// `address` and a txid-to-block table: address -> [txid...] and
// txid -> height, so RPC callers can resolve "what touched this address"
// and "what block confirmed this tx" without scanning every confirmed
// block. Gated behind config.Node.AddressIndex / config.Node.TxIndex, the
// way the spec's store keeps `address`/`neutrino` optional (§6).
//
// Grounded on the teacher's indexer.Indexer (indexer/indexer.go): subscribe
// to the event bus, maintain JSON-encoded id lists under a prefixed
// keyspace in the same KV engine the archive already owns, generalized
// from owner/asset and player/session lists to address/txid and
// txid/height lookups.
package index

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/sirupsen/logrus"

	"github.com/blockrelay/btcnode/internal/chain"
	"github.com/blockrelay/btcnode/internal/event"
	"github.com/blockrelay/btcnode/internal/store"
)

const (
	prefixAddressTxs = "idx:addr:" // address -> JSON []txid-hex
	prefixTxHeight   = "idx:tx:"   // txid-hex -> JSON-encoded height
)

// ErrNotFound mirrors the teacher's core.ErrNotFound sentinel the indexer
// checks for on a cold key.
var ErrNotFound = errors.New("index: not found")

// Indexer subscribes to the event bus and, once a height is confirmed,
// walks its transactions to update the address and txid lookup tables.
// Disabled indices (both flags false) still construct but never subscribe,
// so a node that doesn't want the overhead pays nothing beyond the struct.
type Indexer struct {
	kv      store.KV
	archive *store.Archive
	params  *chaincfg.Params
	log     *logrus.Entry

	addressEnabled bool
	txEnabled      bool
}

// New builds an Indexer over archive's KV keyspace. addressEnabled/txEnabled
// mirror config.Node.AddressIndex / config.Node.TxIndex.
func New(archive *store.Archive, params *chaincfg.Params, addressEnabled, txEnabled bool) *Indexer {
	return &Indexer{
		kv:             archive.KV(),
		archive:        archive,
		params:         params,
		log:            logrus.WithField("component", "index"),
		addressEnabled: addressEnabled,
		txEnabled:      txEnabled,
	}
}

// Attach subscribes the indexer to bus if either index is enabled. Called
// once at node startup, after the confirm chaser is wired, so `block`
// events (published on confirmation, §4.6) drive the index the same way
// confirmed state drives everything else derived from it.
func (idx *Indexer) Attach(bus *event.Bus) {
	if !idx.addressEnabled && !idx.txEnabled {
		return
	}
	bus.Subscribe(idx.onEvent)
}

func (idx *Indexer) onEvent(ev event.Event) bool {
	if ev.Kind != event.Block {
		return true
	}
	link := chain.Link(ev.Value.U64())
	idx.indexLink(link)
	return true
}

func (idx *Indexer) indexLink(link chain.Link) {
	blk, ok := idx.archive.Block(link)
	if !ok {
		return
	}
	height := blk.Height

	for _, tx := range blk.Wire.Transactions {
		txid := tx.TxHash()

		if idx.txEnabled {
			if err := idx.setTxHeight(txid.String(), height); err != nil {
				idx.log.WithError(err).WithField("txid", txid).Warn("tx index write failed")
			}
		}

		if idx.addressEnabled {
			for _, out := range tx.TxOut {
				_, addrs, _, err := txscript.ExtractPkScriptAddrs(out.PkScript, idx.params)
				if err != nil {
					continue // non-standard script; nothing to index
				}
				for _, addr := range addrs {
					if err := idx.addToList(prefixAddressTxs+addr.EncodeAddress(), txid.String()); err != nil {
						idx.log.WithError(err).WithField("address", addr.EncodeAddress()).Warn("address index write failed")
					}
				}
			}
		}
	}
}

// TxHeight returns the height at which txid was confirmed, if the tx index
// is enabled and has observed it.
func (idx *Indexer) TxHeight(txidHex string) (int32, error) {
	data, err := idx.kv.Get([]byte(prefixTxHeight + txidHex))
	if err != nil {
		return 0, ErrNotFound
	}
	var height int32
	if err := json.Unmarshal(data, &height); err != nil {
		return 0, fmt.Errorf("index: decode tx height: %w", err)
	}
	return height, nil
}

// AddressTxs returns every txid that touched address, if the address index
// is enabled and has observed it.
func (idx *Indexer) AddressTxs(address string) ([]string, error) {
	return idx.getList(prefixAddressTxs + address)
}

func (idx *Indexer) setTxHeight(txidHex string, height int32) error {
	data, err := json.Marshal(height)
	if err != nil {
		return err
	}
	return idx.kv.Set([]byte(prefixTxHeight+txidHex), data)
}

func (idx *Indexer) getList(key string) ([]string, error) {
	data, err := idx.kv.Get([]byte(key))
	if err != nil {
		return nil, nil // empty list, matching the teacher's ErrNotFound-as-empty convention
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("index: decode list: %w", err)
	}
	return ids, nil
}

func (idx *Indexer) addToList(key, value string) error {
	ids, err := idx.getList(key)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == value {
			return nil
		}
	}
	ids = append(ids, value)
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return idx.kv.Set([]byte(key), data)
}
