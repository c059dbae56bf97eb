package storage

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

type Options struct {
	Path               string
	BlockSize          int
	CacheSize          int
	WriteBufferSize    int
	Compression        bool
	ReadVerifyChecksum bool
	WriteSync          bool
	MaxOpenFiles       int
}

type Pair struct {
	Key      []byte
	Value    []byte
	ExpireAt uint64
}

// Visitor is called for every entry of a scan. Key and item value are only
// valid for the duration of the call. Returning false stops the scan.
type Visitor func(key []byte, item Item) (bool, error)

type Store struct {
	mu sync.RWMutex
	db *leveldb.DB

	readOpts  *opt.ReadOptions
	scanOpts  *opt.ReadOptions
	writeOpts *opt.WriteOptions
	syncOpts  *opt.WriteOptions
}

func OpenStore(o Options) (*Store, error) {
	compression := opt.NoCompression
	if o.Compression {
		compression = opt.SnappyCompression
	}

	dbOpts := &opt.Options{
		Comparer:               keyComparer{},
		BlockSize:              o.BlockSize,
		BlockCacheCapacity:     o.CacheSize,
		WriteBuffer:            o.WriteBufferSize,
		Compression:            compression,
		OpenFilesCacheCapacity: o.MaxOpenFiles,
		BlockRestartInterval:   8,
	}

	db, err := leveldb.OpenFile(o.Path, dbOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStorageOpen, o.Path, err)
	}

	var strict opt.Strict
	if o.ReadVerifyChecksum {
		strict = opt.StrictBlockChecksum
	}

	slog.Debug("opened leveldb",
		"path", o.Path,
		"block_size", o.BlockSize,
		"cache_size", o.CacheSize,
		"write_buffer_size", o.WriteBufferSize,
		"compression", o.Compression,
		"write_sync", o.WriteSync,
	)

	return &Store{
		db:        db,
		readOpts:  &opt.ReadOptions{Strict: strict},
		scanOpts:  &opt.ReadOptions{Strict: strict, DontFillCache: true},
		writeOpts: &opt.WriteOptions{Sync: o.WriteSync},
		syncOpts:  &opt.WriteOptions{Sync: true},
	}, nil
}

func (s *Store) handle() (*leveldb.DB, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	return s.db, nil
}

func (s *Store) Get(key []byte) (Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.handle()
	if err != nil {
		return Item{}, err
	}

	raw, err := db.Get(key, s.readOpts)
	if err == leveldb.ErrNotFound {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("%w: get: %v", ErrStorage, err)
	}
	return decodeItem(raw, false)
}

func (s *Store) Has(key []byte) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.handle()
	if err != nil {
		return false, err
	}

	ok, err := db.Has(key, s.readOpts)
	if err != nil {
		return false, fmt.Errorf("%w: has: %v", ErrStorage, err)
	}
	return ok, nil
}

func (s *Store) Put(key []byte, item Item, sync bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.handle()
	if err != nil {
		return err
	}

	if err := db.Put(key, encodeItem(item), s.writeOptions(sync)); err != nil {
		return fmt.Errorf("%w: put: %v", ErrStorage, err)
	}
	return nil
}

func (s *Store) Remove(key []byte, sync bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.handle()
	if err != nil {
		return err
	}

	if err := db.Delete(key, s.writeOptions(sync)); err != nil {
		return fmt.Errorf("%w: delete: %v", ErrStorage, err)
	}
	return nil
}

// PutBatch writes every pair in one atomic engine batch.
func (s *Store) PutBatch(pairs []Pair, sync bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.handle()
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	for _, p := range pairs {
		batch.Put(p.Key, encodeItem(Item{Value: p.Value, ExpireAt: p.ExpireAt}))
	}
	if err := db.Write(batch, s.writeOptions(sync)); err != nil {
		return fmt.Errorf("%w: write batch: %v", ErrStorage, err)
	}
	return nil
}

func (s *Store) writeOptions(sync bool) *opt.WriteOptions {
	if sync {
		return s.syncOpts
	}
	return s.writeOpts
}

func (s *Store) Scan(start []byte, visit Visitor) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.handle()
	if err != nil {
		return err
	}

	it := db.NewIterator(&util.Range{Start: start}, s.scanOpts)
	return iterate(it, visit)
}

// Clear deletes every key in batches. It does not touch the oplog.
func (s *Store) Clear(batchSize int) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.handle()
	if err != nil {
		return 0, err
	}

	removed := 0
	for {
		batch := new(leveldb.Batch)
		it := db.NewIterator(nil, s.scanOpts)
		for batch.Len() < batchSize && it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return removed, fmt.Errorf("%w: clear: %v", ErrStorage, err)
		}
		if batch.Len() == 0 {
			return removed, nil
		}
		if err := db.Write(batch, s.syncOpts); err != nil {
			return removed, fmt.Errorf("%w: clear: %v", ErrStorage, err)
		}
		removed += batch.Len()
	}
}

func (s *Store) Compact() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.handle()
	if err != nil {
		return err
	}

	if err := db.CompactRange(util.Range{}); err != nil {
		return fmt.Errorf("%w: compact: %v", ErrStorage, err)
	}
	return nil
}

func (s *Store) Snapshot() (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	snap, err := db.GetSnapshot()
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot: %v", ErrStorage, err)
	}
	return &Snapshot{snap: snap, opts: s.scanOpts}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Snapshot is a consistent, read-only view of the store.
type Snapshot struct {
	snap *leveldb.Snapshot
	opts *opt.ReadOptions
}

func (sn *Snapshot) Scan(start []byte, visit Visitor) error {
	it := sn.snap.NewIterator(&util.Range{Start: start}, sn.opts)
	return iterate(it, visit)
}

func (sn *Snapshot) Release() {
	sn.snap.Release()
}

type iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Release()
	Error() error
}

func iterate(it iterator, visit Visitor) error {
	defer it.Release()

	for it.Next() {
		item, err := decodeItem(it.Value(), false)
		if err != nil {
			return err
		}
		more, err := visit(it.Key(), item)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}

	if err := it.Error(); err != nil {
		return fmt.Errorf("%w: iterate: %v", ErrStorage, err)
	}
	return nil
}
