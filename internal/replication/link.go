package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"ndb/internal/metrics"
	"ndb/internal/oplog"
	"ndb/internal/storage"
	"ndb/internal/transport/wire"
)

type LinkState int

const (
	LinkHandshake LinkState = iota
	LinkFullSync
	LinkStreaming
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkHandshake:
		return "handshake"
	case LinkFullSync:
		return "full_sync"
	case LinkStreaming:
		return "streaming"
	case LinkClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// syncPlan is decided inside the commit barrier. Exactly one of snapshot and
// cursor is set; either way live records start at tail.
type syncPlan struct {
	tail       oplog.Position
	checkpoint oplog.Checkpoint
	snapshot   *storage.Snapshot
	cursor     *oplog.Cursor
}

func (p syncPlan) release() {
	if p.snapshot != nil {
		p.snapshot.Release()
	}
	if p.cursor != nil {
		p.cursor.Close()
	}
}

// link is the master side of one replica connection.
type link struct {
	id        uint64
	node      string
	stream    wire.SyncStream
	limit     int
	cancel    context.CancelCauseFunc
	connected time.Time

	mu      sync.Mutex
	state   LinkState
	plan    *syncPlan
	live    bool
	backlog []oplog.Entry
	out     chan oplog.Entry
	acked   oplog.Checkpoint
	sent    uint64

	dropOnce sync.Once
}

func newLink(id uint64, node string, stream wire.SyncStream, sendBuffer, backlogLimit int, cancel context.CancelCauseFunc) *link {
	l := &link{
		id:        id,
		node:      node,
		stream:    stream,
		limit:     backlogLimit,
		cancel:    cancel,
		connected: time.Now(),
		state:     LinkHandshake,
		out:       make(chan oplog.Entry, sendBuffer),
	}
	metrics.ReplLinks.WithLabelValues(l.state.String()).Inc()
	return l
}

func (l *link) setState(s LinkState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setStateLocked(s)
}

func (l *link) setStateLocked(s LinkState) {
	if l.state == s {
		return
	}
	metrics.ReplLinks.WithLabelValues(l.state.String()).Dec()
	if s != LinkClosed {
		metrics.ReplLinks.WithLabelValues(s.String()).Inc()
	}
	slog.Debug("replica link state", "link", l.id, "node", l.node, "from", l.state.String(), "to", s.String())
	l.state = s
}

// offer hands a committed entry to the link. It runs on the dispatcher and
// never blocks: a link that cannot keep up is dropped.
func (l *link) offer(e oplog.Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == LinkClosed {
		return
	}
	if !l.live {
		if len(l.backlog) >= l.limit {
			l.dropLocked("backlog_full", fmt.Errorf("%w: backlog of %d records", ErrLinkOverflow, len(l.backlog)))
			return
		}
		l.backlog = append(l.backlog, e)
		return
	}

	select {
	case l.out <- e:
	default:
		l.dropLocked("send_buffer_full", fmt.Errorf("%w: send buffer of %d records", ErrLinkOverflow, cap(l.out)))
	}
}

func (l *link) drop(reason string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropLocked(reason, err)
}

func (l *link) dropLocked(reason string, err error) {
	l.dropOnce.Do(func() {
		metrics.ReplLinksDroppedTotal.WithLabelValues(reason).Inc()
		slog.Warn("dropping replica link", "link", l.id, "node", l.node, "reason", reason, "error", err)
		l.cancel(err)
	})
}

func (l *link) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setStateLocked(LinkClosed)
	l.backlog = nil
}

func (l *link) takePlan() syncPlan {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.plan == nil {
		return syncPlan{}
	}
	p := *l.plan
	l.plan = nil
	return p
}

func (l *link) setAcked(cp oplog.Checkpoint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acked = cp
}

type linkInfo struct {
	id     uint64
	node   string
	state  LinkState
	acked  oplog.Checkpoint
	sent   uint64
	lagged int
}

func (l *link) info() linkInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return linkInfo{
		id:     l.id,
		node:   l.node,
		state:  l.state,
		acked:  l.acked,
		sent:   l.sent,
		lagged: len(l.backlog) + len(l.out),
	}
}

// receive consumes acknowledgements until the replica goes away.
func (l *link) receive() {
	for {
		f, err := l.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				l.cancel(fmt.Errorf("%w: replica closed the stream", ErrReplication))
			} else {
				l.cancel(fmt.Errorf("%w: recv: %v", ErrReplication, err))
			}
			return
		}
		if f.Type != wire.FrameAck {
			l.drop("protocol", fmt.Errorf("%w: unexpected %s frame from replica", ErrProtocol, f.Type))
			return
		}
		l.setAcked(f.Checkpoint())
	}
}

func (l *link) send(f *wire.Frame) error {
	if err := l.stream.Send(f); err != nil {
		return fmt.Errorf("%w: send %s: %v", ErrReplication, f.Type, err)
	}
	return nil
}

func (l *link) sendRecord(e oplog.Entry) error {
	if err := l.send(wire.RecordFrame(e)); err != nil {
		return err
	}
	l.mu.Lock()
	l.sent++
	l.mu.Unlock()
	metrics.ReplRecordsSentTotal.Inc()
	return nil
}

// run serves the link until it fails, is dropped, or ctx ends.
func (l *link) run(ctx context.Context, plan syncPlan) error {
	defer plan.release()

	if plan.snapshot != nil {
		if err := l.fullSync(ctx, plan); err != nil {
			return err
		}
	} else {
		l.setState(LinkStreaming)
		if err := l.catchUp(ctx, plan); err != nil {
			return err
		}
	}

	if err := l.drainBacklog(ctx); err != nil {
		return err
	}
	l.setState(LinkStreaming)

	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case e := <-l.out:
			if err := l.sendRecord(e); err != nil {
				return err
			}
		}
	}
}

func (l *link) fullSync(ctx context.Context, plan syncPlan) error {
	l.setState(LinkFullSync)
	metrics.ReplFullSyncsTotal.WithLabelValues("master").Inc()
	start := time.Now()

	if err := l.send(&wire.Frame{Type: wire.FrameFullSyncBegin, LogID: plan.checkpoint.LogID}); err != nil {
		return err
	}

	entries := 0
	err := plan.snapshot.Scan(nil, func(key []byte, item storage.Item) (bool, error) {
		if ctx.Err() != nil {
			return false, context.Cause(ctx)
		}
		f := &wire.Frame{Type: wire.FrameSnapshotEntry, Key: key, Value: item.Value, ExpireAt: item.ExpireAt}
		if err := l.send(f); err != nil {
			return false, err
		}
		entries++
		metrics.ReplSnapshotEntriesTotal.WithLabelValues("sent").Inc()
		return true, nil
	})
	if err != nil {
		return err
	}

	end := &wire.Frame{
		Type:        wire.FrameFullSyncEnd,
		LogID:       plan.checkpoint.LogID,
		HasPosition: true,
		Pos:         plan.checkpoint.Position,
	}
	if err := l.send(end); err != nil {
		return err
	}

	slog.Info("full sync sent",
		"link", l.id,
		"node", l.node,
		"entries", entries,
		"checkpoint", plan.checkpoint.String(),
		"duration", time.Since(start),
	)
	return nil
}

// catchUp streams [checkpoint, tail) from disk; later records are buffered in
// the backlog meanwhile.
func (l *link) catchUp(ctx context.Context, plan syncPlan) error {
	resume := &wire.Frame{
		Type:        wire.FrameContinue,
		LogID:       plan.checkpoint.LogID,
		HasPosition: true,
		Pos:         plan.checkpoint.Position,
	}
	if err := l.send(resume); err != nil {
		return err
	}

	sent := 0
	for plan.cursor.Position().Compare(plan.tail) < 0 {
		e, err := plan.cursor.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("%w: catch up: %v", ErrReplication, err)
		}
		if err := l.sendRecord(e); err != nil {
			return err
		}
		sent++
	}
	slog.Info("replica caught up from oplog", "link", l.id, "node", l.node, "records", sent, "tail", plan.tail.String())
	return nil
}

func (l *link) drainBacklog(ctx context.Context) error {
	for {
		l.mu.Lock()
		if len(l.backlog) == 0 {
			l.live = true
			l.mu.Unlock()
			return nil
		}
		batch := l.backlog
		l.backlog = nil
		l.mu.Unlock()

		for _, e := range batch {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			if err := l.sendRecord(e); err != nil {
				return err
			}
		}
	}
}
