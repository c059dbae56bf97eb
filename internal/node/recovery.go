package node

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"ndb/internal/metrics"
	"ndb/internal/oplog"
	"ndb/internal/storage"
)

// recoverStorage replays the oplog from the storage checkpoint into the
// engine. Every record is an idempotent put or delete, so replaying records
// the engine already holds is harmless. The last record is written with a
// sync so the replayed state is durable before the node serves traffic.
func recoverStorage(ctx context.Context, log *oplog.Oplog, store *storage.Service) (int, error) {
	start := time.Now()
	cp := log.Meta().StorageCheckpoint()
	from := log.First()
	switch {
	case log.Retained(cp):
		from = cp.Position
	case !cp.IsZero():
		slog.Warn("storage checkpoint not in the oplog, replaying all of it",
			"checkpoint", cp.String(),
			"log_id", log.LogID(),
			"first", from.String(),
		)
	}

	c, err := log.ReadFrom(from, false)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	var (
		pending *oplog.Entry
		count   int
	)
	apply := func(e *oplog.Entry, sync bool) error {
		if err := store.Apply(e.Op == oplog.OpDel, e.Key, storage.Item{Value: e.Value, ExpireAt: e.ExpireAt}, sync); err != nil {
			return err
		}
		count++
		metrics.RecoveryRecordsTotal.Inc()
		return nil
	}

	for {
		e, err := c.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return count, err
		}
		if pending != nil {
			if err := apply(pending, false); err != nil {
				return count, err
			}
		}
		pending = &e
	}
	if pending != nil {
		if err := apply(pending, true); err != nil {
			return count, err
		}
	}

	slog.Info("storage recovered from oplog",
		"from", from.String(),
		"tail", log.Tail().String(),
		"records", count,
		"duration", time.Since(start),
	)
	return count, nil
}
