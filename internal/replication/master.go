package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"ndb/internal/oplog"
	"ndb/internal/storage"
	"ndb/internal/transport/wire"
)

const (
	DefaultSendBuffer   = 1024
	DefaultBacklogLimit = 65536
)

type MasterConfig struct {
	// SendBuffer bounds the records queued for a live link.
	SendBuffer int
	// BacklogLimit bounds the records buffered while a link is still sending
	// its snapshot or catching up from the oplog.
	BacklogLimit int
}

// Barrier runs fn while no mutation can commit.
type Barrier interface {
	Barrier(ctx context.Context, fn func() error) error
}

// Master serves the replication stream to any number of replicas.
type Master struct {
	log     *oplog.Oplog
	store   *storage.Service
	barrier Barrier
	cfg     MasterConfig

	links  *xsync.MapOf[uint64, *link]
	nextID atomic.Uint64
}

func NewMaster(log *oplog.Oplog, store *storage.Service, barrier Barrier, cfg MasterConfig) *Master {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	if cfg.BacklogLimit <= 0 {
		cfg.BacklogLimit = DefaultBacklogLimit
	}
	return &Master{
		log:     log,
		store:   store,
		barrier: barrier,
		cfg:     cfg,
		links:   xsync.NewMapOf[uint64, *link](),
	}
}

// Publish fans a committed entry out to every link. It runs on the dispatcher.
func (m *Master) Publish(e oplog.Entry) {
	m.links.Range(func(_ uint64, l *link) bool {
		l.offer(e)
		return true
	})
}

// Reset drops every link; their positions refer to a log that no longer exists.
func (m *Master) Reset() {
	m.links.Range(func(_ uint64, l *link) bool {
		l.drop("log_reset", ErrLogReset)
		return true
	})
}

// Sync implements the replication service for one replica connection.
func (m *Master) Sync(stream wire.SyncStream) error {
	hs, err := stream.Recv()
	if err != nil {
		return err
	}
	if hs.Type != wire.FrameHandshake {
		return status.Errorf(codes.InvalidArgument, "expected handshake, got %s", hs.Type)
	}

	ctx, cancel := context.WithCancelCause(stream.Context())
	defer cancel(nil)

	l := newLink(m.nextID.Add(1), hs.Node, stream, m.cfg.SendBuffer, m.cfg.BacklogLimit, cancel)
	cp := hs.Checkpoint()
	slog.Info("replica connected", "link", l.id, "node", l.node, "checkpoint", cp.String())

	err = m.barrier.Barrier(ctx, func() error {
		return m.register(l, cp)
	})
	if err != nil {
		m.abandon(l)
		slog.Warn("replica registration failed", "link", l.id, "node", l.node, "error", err)
		return status.Errorf(codes.Unavailable, "register replica: %v", err)
	}
	defer func() {
		m.links.Delete(l.id)
		l.close()
	}()

	plan := l.takePlan()
	go l.receive()

	err = l.run(ctx, plan)
	slog.Info("replica disconnected", "link", l.id, "node", l.node, "reason", err)
	return toStatus(err)
}

// register runs inside the barrier. A link abandoned by a caller that gave up
// waiting is not registered.
func (m *Master) register(l *link, cp oplog.Checkpoint) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == LinkClosed {
		return ErrStopped
	}
	plan, err := m.plan(cp)
	if err != nil {
		return err
	}
	l.plan = &plan
	m.links.Store(l.id, l)
	return nil
}

func (m *Master) abandon(l *link) {
	l.close()
	m.links.Delete(l.id)
	if p := l.takePlan(); p.snapshot != nil || p.cursor != nil {
		p.release()
	}
}

// plan chooses between resuming from the replica's checkpoint and a full
// sync. It runs inside the barrier so the oplog tail, the storage snapshot and
// the moment the link starts buffering agree.
func (m *Master) plan(cp oplog.Checkpoint) (syncPlan, error) {
	tail := m.log.Tail()

	if m.log.Retained(cp) {
		c, err := m.log.ReadFrom(cp.Position, false)
		if err == nil {
			return syncPlan{tail: tail, checkpoint: cp, cursor: c}, nil
		}
		slog.Debug("replica checkpoint unusable", "checkpoint", cp.String(), "error", err)
	}

	snap, err := m.store.Snapshot()
	if err != nil {
		return syncPlan{}, err
	}
	return syncPlan{tail: tail, checkpoint: m.log.Checkpoint(tail), snapshot: snap}, nil
}

func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrLinkOverflow):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, ErrLogReset):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, ErrProtocol):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Unavailable, err.Error())
	}
}

// Links reports connected replicas ordered by link id.
func (m *Master) Links() []linkInfo {
	var out []linkInfo
	m.links.Range(func(_ uint64, l *link) bool {
		out = append(out, l.info())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (m *Master) infoFields() [][2]string {
	links := m.Links()
	fields := [][2]string{{"repl.links", strconv.Itoa(len(links))}}
	for _, li := range links {
		fields = append(fields, [2]string{
			"repl.link." + strconv.FormatUint(li.id, 10),
			fmt.Sprintf("node=%s,state=%s,acked=%s,sent=%d,lag=%d", li.node, li.state, li.acked, li.sent, li.lagged),
		})
	}
	return fields
}
