package command

import (
	"context"
	"log/slog"

	"ndb/internal/storage"
)

const (
	DefaultBatchSize  = 512
	DefaultBatchBytes = 4 << 20
)

// BatchLoader writes a group of entries to storage in one step.
type BatchLoader interface {
	LoadBatch(ctx context.Context, pairs []storage.Pair, sync bool) error
}

type BatchConfig struct {
	MaxSize  int
	MaxBytes int
}

// Batcher groups full sync entries so the dispatcher handles one storage
// batch per group instead of one task per key.
type Batcher struct {
	loader   BatchLoader
	maxSize  int
	maxBytes int

	pending []storage.Pair
	bytes   int
	loaded  int
	batches int
}

func NewBatcher(loader BatchLoader, cfg BatchConfig) *Batcher {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultBatchSize
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultBatchBytes
	}
	return &Batcher{
		loader:   loader,
		maxSize:  cfg.MaxSize,
		maxBytes: cfg.MaxBytes,
		pending:  make([]storage.Pair, 0, cfg.MaxSize),
	}
}

// Add queues a copy of the entry and writes the batch once it is full.
func (b *Batcher) Add(ctx context.Context, key, value []byte, expireAt uint64) error {
	b.pending = append(b.pending, storage.Pair{
		Key:      append([]byte(nil), key...),
		Value:    append([]byte(nil), value...),
		ExpireAt: expireAt,
	})
	b.bytes += len(key) + len(value)

	if len(b.pending) < b.maxSize && b.bytes < b.maxBytes {
		return nil
	}

	// The newest entry stays queued so a closing Flush(ctx, true) always has
	// something to write.
	slog.Debug("batch full, flushing", "size", len(b.pending)-1, "bytes", b.bytes)
	last := b.pending[len(b.pending)-1]
	b.pending = b.pending[:len(b.pending)-1]
	if err := b.Flush(ctx, false); err != nil {
		return err
	}
	b.pending = append(b.pending, last)
	b.bytes = len(last.Key) + len(last.Value)
	return nil
}

// Flush writes whatever is queued. With sync set the write, and every write
// before it, is durable when Flush returns.
func (b *Batcher) Flush(ctx context.Context, sync bool) error {
	if len(b.pending) == 0 {
		return nil
	}
	if err := b.loader.LoadBatch(ctx, b.pending, sync); err != nil {
		slog.Warn("failing batch", "error", err, "size", len(b.pending))
		return err
	}

	b.loaded += len(b.pending)
	b.batches++
	b.pending = make([]storage.Pair, 0, b.maxSize)
	b.bytes = 0
	return nil
}

// Loaded is the number of entries written so far.
func (b *Batcher) Loaded() int { return b.loaded }

func (b *Batcher) Batches() int { return b.batches }

// Reset drops queued entries without writing them.
func (b *Batcher) Reset() {
	b.pending = b.pending[:0]
	b.bytes = 0
	b.loaded = 0
	b.batches = 0
}
