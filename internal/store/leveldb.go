package store

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelKV implements KV on top of goleveldb, the same embedded engine the
// teacher uses (storage/leveldb.go), generalized from a single flat
// database into the table-prefixed archive of §6.
type LevelKV struct {
	db *leveldb.DB
}

// OpenLevelKV opens (or creates) a LevelDB database at path.
func OpenLevelKV(path string) (*LevelKV, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %q: %w", path, err)
	}
	return &LevelKV{db: db}, nil
}

func (l *LevelKV) Get(key []byte) ([]byte, error) {
	val, err := l.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	return val, err
}

func (l *LevelKV) Set(key, value []byte) error {
	return l.db.Put(key, value, nil)
}

func (l *LevelKV) Delete(key []byte) error {
	return l.db.Delete(key, nil)
}

func (l *LevelKV) NewIterator(prefix []byte) Iterator {
	return l.db.NewIterator(util.BytesPrefix(prefix), nil)
}

func (l *LevelKV) Close() error {
	return l.db.Close()
}

// levelBatch adapts *leveldb.Batch to the Batch interface.
type levelBatch struct {
	db    *leveldb.DB
	batch *leveldb.Batch
}

func (l *LevelKV) NewBatch() Batch {
	return &levelBatch{db: l.db, batch: new(leveldb.Batch)}
}

func (b *levelBatch) Set(key, value []byte) { b.batch.Put(key, value) }
func (b *levelBatch) Delete(key []byte)     { b.batch.Delete(key) }
func (b *levelBatch) Reset()                { b.batch.Reset() }
func (b *levelBatch) Write() error          { return b.db.Write(b.batch, nil) }

// IsDiskFull reports whether err is the disk-full condition goleveldb
// surfaces on a failed write, the trigger for §7's disk_full handling.
func IsDiskFull(err error) bool {
	if err == nil {
		return false
	}
	// goleveldb does not define a dedicated ErrDiskFull; it surfaces the
	// underlying os.PathError from the OS. errors.IsCorrupted is checked
	// alongside it so a corrupted table is never mistaken for disk_full.
	return !errors.IsCorrupted(err) && isNoSpace(err)
}
