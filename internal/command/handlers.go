package command

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"ndb/internal/oplog"
	"ndb/internal/storage"
	"ndb/internal/transport/wire"
)

const (
	defaultScanCount  = 10
	defaultGetopCount = 100
	scanCursorStart   = "0"
	flushBatchSize    = 1024

	// maxCount bounds client supplied SCAN and GETOP counts.
	maxCount = 10000
	// maxExpireSeconds keeps now+ttl well inside the millisecond range.
	maxExpireSeconds = 1 << 40
)

func pingHandler(_ context.Context, _ *Processor, args [][]byte) (*wire.Reply, error) {
	switch len(args) {
	case 0:
		return wire.Status("PONG"), nil
	case 1:
		return wire.Bulk(args[0]), nil
	default:
		return nil, fmt.Errorf("%w for 'ping' command", ErrWrongArity)
	}
}

func getHandler(_ context.Context, p *Processor, args [][]byte) (*wire.Reply, error) {
	item, ok, err := p.lookup(args[0])
	if err != nil {
		return nil, err
	}
	if !ok {
		return wire.Nil(), nil
	}
	return wire.Bulk(item.Value), nil
}

// setHandler clears any expiry the key had.
func setHandler(_ context.Context, p *Processor, args [][]byte) (*wire.Reply, error) {
	if _, err := p.commit(oplog.OpSet, args[0], args[1], 0); err != nil {
		return nil, err
	}
	return wire.OK(), nil
}

// delHandler only logs a record when the key is stored. An expired key is
// removed but counts as missing.
func delHandler(_ context.Context, p *Processor, args [][]byte) (*wire.Reply, error) {
	item, err := p.storage.Get(args[0])
	if errors.Is(err, storage.ErrNotFound) {
		return wire.Int(0), nil
	}
	if err != nil {
		return nil, err
	}
	if _, err := p.commit(oplog.OpDel, args[0], nil, 0); err != nil {
		return nil, err
	}
	if item.Expired(p.nowMs()) {
		return wire.Int(0), nil
	}
	return wire.Int(1), nil
}

func existsHandler(_ context.Context, p *Processor, args [][]byte) (*wire.Reply, error) {
	_, ok, err := p.lookup(args[0])
	if err != nil {
		return nil, err
	}
	if ok {
		return wire.Int(1), nil
	}
	return wire.Int(0), nil
}

// expireHandler re-logs the key as a SET carrying its new absolute expiry.
// A non-positive timeout deletes the key.
func expireHandler(_ context.Context, p *Processor, args [][]byte) (*wire.Reply, error) {
	secs, err := strconv.ParseInt(string(args[1]), 10, 64)
	if err != nil || secs > maxExpireSeconds || secs < -maxExpireSeconds {
		return nil, fmt.Errorf("%w: invalid expire time", ErrSyntax)
	}

	item, ok, err := p.lookup(args[0])
	if err != nil {
		return nil, err
	}
	if !ok {
		return wire.Int(0), nil
	}

	if secs <= 0 {
		_, err = p.commit(oplog.OpDel, args[0], nil, 0)
	} else {
		_, err = p.commit(oplog.OpSet, args[0], item.Value, p.nowMs()+uint64(secs)*1000)
	}
	if err != nil {
		return nil, err
	}
	return wire.Int(1), nil
}

// ttlHandler answers in seconds, -1 for a key without expiry and -2 for a
// missing one.
func ttlHandler(_ context.Context, p *Processor, args [][]byte) (*wire.Reply, error) {
	item, ok, err := p.lookup(args[0])
	if err != nil {
		return nil, err
	}
	switch {
	case !ok:
		return wire.Int(-2), nil
	case item.ExpireAt == 0:
		return wire.Int(-1), nil
	}
	now := p.nowMs()
	if item.ExpireAt <= now {
		return wire.Int(-2), nil
	}
	return wire.Int(int64((item.ExpireAt - now + 500) / 1000)), nil
}

// flushdbHandler logs a DEL for every stored key, so replicas and recovery
// see the same key space as a plain sequence of deletes.
func flushdbHandler(ctx context.Context, p *Processor, _ [][]byte) (*wire.Reply, error) {
	removed := 0
	for {
		batch, err := p.collectKeys(flushBatchSize, func(storage.Item) bool { return true })
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		for _, k := range batch {
			if _, err := p.commit(oplog.OpDel, k, nil, 0); err != nil {
				return nil, err
			}
		}
		removed += len(batch)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	slog.Info("flushed key space", "keys", removed)
	return wire.OK(), nil
}

// scanHandler walks the key space in key order. The cursor is the hex encoded
// key to resume at; "0" starts over and is returned once the scan is complete.
func scanHandler(_ context.Context, p *Processor, args [][]byte) (*wire.Reply, error) {
	var start []byte
	if cursor := string(args[0]); cursor != scanCursorStart {
		k, err := hex.DecodeString(cursor)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid cursor", ErrSyntax)
		}
		start = k
	}

	count, err := parseScanCount(args[1:])
	if err != nil {
		return nil, err
	}

	now := p.nowMs()
	keys := make([][]byte, 0, min(count, defaultScanCount)+1)
	err = p.storage.Scan(start, func(key []byte, item storage.Item) (bool, error) {
		if item.Expired(now) {
			return true, nil
		}
		keys = append(keys, bytes.Clone(key))
		return len(keys) <= count, nil
	})
	if err != nil {
		return nil, err
	}

	next := scanCursorStart
	if len(keys) > count {
		next = hex.EncodeToString(keys[count])
		keys = keys[:count]
	}

	items := make([]*wire.Reply, len(keys))
	for i, k := range keys {
		items[i] = wire.Bulk(k)
	}
	return wire.Array(wire.BulkString(next), wire.Array(items...)), nil
}

// parseScanCount accepts both "SCAN cursor n" and "SCAN cursor COUNT n".
func parseScanCount(args [][]byte) (int, error) {
	switch {
	case len(args) == 0:
		return defaultScanCount, nil
	case len(args) == 2 && strings.EqualFold(string(args[0]), "COUNT"):
		args = args[1:]
	case len(args) != 1:
		return 0, fmt.Errorf("%w for 'scan' command", ErrWrongArity)
	}

	return parseCount(args[0])
}

func parseCount(arg []byte) (int, error) {
	n, err := strconv.Atoi(string(arg))
	if err != nil || n <= 0 || n > maxCount {
		return 0, fmt.Errorf("%w: count must be an integer between 1 and %d", ErrSyntax, maxCount)
	}
	return n, nil
}

func infoHandler(_ context.Context, p *Processor, _ [][]byte) (*wire.Reply, error) {
	var sb strings.Builder
	write := func(k, v string) {
		sb.WriteString(k)
		sb.WriteByte(':')
		sb.WriteString(v)
		sb.WriteString("\r\n")
	}

	role := "master"
	if p.readOnly() {
		role = "slave"
	}
	write("role", role)

	if p.log != nil {
		write("oplog.enabled", "1")
		write("oplog.log_id", p.log.LogID())
		write("oplog.first", strconv.FormatUint(p.log.FirstSeq(), 10))
		write("oplog.last", strconv.FormatUint(p.log.LastSeq(), 10))
		write("oplog.segments", strconv.Itoa(p.log.Segments()))
		write("oplog.first_pos", p.log.First().String())
		write("oplog.tail", p.log.Tail().String())
		write("oplog.storage_checkpoint", p.log.Meta().StorageCheckpoint().String())
	} else {
		write("oplog.enabled", "0")
	}

	if p.replication != nil {
		for _, f := range p.replication.Info() {
			write(f.Key, f.Value)
		}
	}
	return wire.BulkString(sb.String()), nil
}

// getopHandler returns oplog records as [SET key value expire-at-ms] or
// [DEL key], or nil when nothing is logged at or after the requested sequence.
func getopHandler(ctx context.Context, p *Processor, args [][]byte) (*wire.Reply, error) {
	if len(args) > 2 {
		return nil, fmt.Errorf("%w for 'getop' command", ErrWrongArity)
	}
	if p.log == nil {
		return nil, ErrOplogDisabled
	}

	seq, err := strconv.ParseUint(string(args[0]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid sequence", ErrSyntax)
	}
	count := defaultGetopCount
	if len(args) == 2 {
		if count, err = parseCount(args[1]); err != nil {
			return nil, err
		}
	}

	entries, err := p.log.Entries(ctx, seq, count)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return wire.Nil(), nil
	}

	items := make([]*wire.Reply, len(entries))
	for i, e := range entries {
		if e.Op == oplog.OpDel {
			items[i] = wire.Array(wire.BulkString(e.Op.String()), wire.Bulk(e.Key))
			continue
		}
		items[i] = wire.Array(
			wire.BulkString(e.Op.String()),
			wire.Bulk(e.Key),
			wire.Bulk(e.Value),
			wire.BulkString(strconv.FormatUint(e.ExpireAt, 10)),
		)
	}
	return wire.Array(items...), nil
}

// slaveofHandler accepts "host port", "host:port" and "NO ONE".
func slaveofHandler(_ context.Context, p *Processor, args [][]byte) (*wire.Reply, error) {
	if p.replication == nil {
		return nil, fmt.Errorf("%w: replication requires the oplog", ErrOplogDisabled)
	}

	var addr string
	switch len(args) {
	case 1:
		addr = string(args[0])
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return nil, fmt.Errorf("%w: invalid master address %q", ErrSyntax, addr)
		}
	case 2:
		if strings.EqualFold(string(args[0]), "NO") && strings.EqualFold(string(args[1]), "ONE") {
			addr = ""
			break
		}
		if _, err := strconv.ParseUint(string(args[1]), 10, 16); err != nil {
			return nil, fmt.Errorf("%w: invalid master port", ErrSyntax)
		}
		addr = net.JoinHostPort(string(args[0]), string(args[1]))
	default:
		return nil, fmt.Errorf("%w for 'slaveof' command", ErrWrongArity)
	}

	if err := p.replication.SlaveOf(addr); err != nil {
		return nil, err
	}
	return wire.OK(), nil
}

func compactHandler(_ context.Context, p *Processor, _ [][]byte) (*wire.Reply, error) {
	if err := p.storage.Compact(); err != nil {
		return nil, err
	}
	return wire.OK(), nil
}
