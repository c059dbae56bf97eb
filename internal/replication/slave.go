package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"

	"ndb/internal/command"
	"ndb/internal/metrics"
	"ndb/internal/oplog"
	"ndb/internal/storage"
	"ndb/internal/transport"
	"ndb/internal/transport/wire"
)

type SlaveState int32

const (
	SlaveDisconnected SlaveState = iota
	SlaveConnecting
	SlaveHandshake
	SlaveFullSync
	SlaveStreaming
	SlaveErrorBackoff
)

func (s SlaveState) String() string {
	switch s {
	case SlaveDisconnected:
		return "disconnected"
	case SlaveConnecting:
		return "connecting"
	case SlaveHandshake:
		return "handshake"
	case SlaveFullSync:
		return "full_sync"
	case SlaveStreaming:
		return "streaming"
	case SlaveErrorBackoff:
		return "error_backoff"
	default:
		return "unknown"
	}
}

const (
	DefaultConnectTimeout = time.Second
	DefaultConnectRetry   = 2
	DefaultSleepTime      = 200 * time.Millisecond
)

type SlaveConfig struct {
	// Node identifies this replica to the master.
	Node           string
	ConnectTimeout time.Duration
	ConnectRetry   int
	SleepTime      time.Duration
}

func (c SlaveConfig) withDefaults() SlaveConfig {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ConnectRetry <= 0 {
		c.ConnectRetry = DefaultConnectRetry
	}
	if c.SleepTime <= 0 {
		c.SleepTime = DefaultSleepTime
	}
	return c
}

// Applier is the commit path a replica feeds.
type Applier interface {
	Replicate(ctx context.Context, e oplog.Entry, after func() error) error
	LoadBatch(ctx context.Context, pairs []storage.Pair, sync bool) error
	ResetForFullSync(ctx context.Context, before func() error) error
}

// Conn is an established connection to a master.
type Conn interface {
	grpc.ClientConnInterface
	Close() error
}

type DialFunc func(ctx context.Context, addr string) (Conn, error)

func dialGRPC(ctx context.Context, addr string) (Conn, error) {
	conn, err := transport.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Slave follows one master: it connects, resumes from its checkpoint or
// receives a full sync, then applies the record stream until the session
// fails, and starts over after a pause.
type Slave struct {
	addr  string
	cfg   SlaveConfig
	apply Applier
	meta  *oplog.MetaLog
	dial  DialFunc

	state    atomic.Int32
	applied  atomic.Uint64
	attempts atomic.Uint64
	lastErr  atomic.Value

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSlave(addr string, cfg SlaveConfig, apply Applier, meta *oplog.MetaLog) *Slave {
	return &Slave{
		addr:  addr,
		cfg:   cfg.withDefaults(),
		apply: apply,
		meta:  meta,
		dial:  dialGRPC,
	}
}

func (s *Slave) Addr() string { return s.addr }

func (s *Slave) State() SlaveState { return SlaveState(s.state.Load()) }

func (s *Slave) setState(st SlaveState) {
	prev := SlaveState(s.state.Swap(int32(st)))
	if prev != st {
		metrics.ReplSlaveState.Set(float64(st))
		slog.Debug("slave state", "master", s.addr, "from", prev.String(), "to", st.String())
	}
}

func (s *Slave) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	slog.Info("replication slave started", "master", s.addr)
}

// Stop ends the session and waits for the loop to exit. Records already
// applied stay applied.
func (s *Slave) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.setState(SlaveDisconnected)
	slog.Info("replication slave stopped", "master", s.addr)
}

func (s *Slave) run(ctx context.Context) {
	for {
		s.setState(SlaveConnecting)
		conn, err := s.connect(ctx)
		if err == nil {
			err = s.session(ctx, conn)
			conn.Close()
		}
		if ctx.Err() != nil {
			return
		}

		s.lastErr.Store(err.Error())
		slog.Warn("replication session ended", "master", s.addr, "error", err, "retry_in", s.cfg.SleepTime)
		s.setState(SlaveErrorBackoff)

		timer := time.NewTimer(s.cfg.SleepTime)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Slave) connect(ctx context.Context) (Conn, error) {
	var conn Conn
	r := NewRetryer(func(actx context.Context) error {
		s.attempts.Add(1)
		c, err := s.dial(actx, s.addr)
		if err != nil {
			metrics.ReplConnectAttemptsTotal.WithLabelValues("failure").Inc()
			return err
		}
		metrics.ReplConnectAttemptsTotal.WithLabelValues("success").Inc()
		conn = c
		return nil
	}, s.cfg.ConnectRetry, s.cfg.ConnectTimeout, s.cfg.ConnectTimeout)

	if err := r.Run(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

// session runs one handshake and the stream that follows it.
func (s *Slave) session(ctx context.Context, conn Conn) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := wire.OpenSync(sctx, conn)
	if err != nil {
		return fmt.Errorf("%w: open stream: %v", ErrReplication, err)
	}
	defer stream.CloseSend()

	s.setState(SlaveHandshake)
	cp := s.meta.ReplCheckpoint()
	if err := stream.Send(wire.Handshake(s.cfg.Node, cp)); err != nil {
		return fmt.Errorf("%w: send handshake: %v", ErrReplication, err)
	}
	slog.Info("handshake sent", "master", s.addr, "checkpoint", cp.String())

	ss := &slaveSession{
		Slave:  s,
		stream: stream,
		logID:  cp.LogID,
		batch:  command.NewBatcher(s.apply, command.BatchConfig{}),
	}
	for {
		f, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: master closed the stream", ErrReplication)
			}
			return fmt.Errorf("%w: recv: %v", ErrReplication, err)
		}
		if err := ss.handle(sctx, f); err != nil {
			return err
		}
	}
}

type slaveSession struct {
	*Slave
	stream wire.SyncClient
	logID  string
	batch  *command.Batcher
}

func (ss *slaveSession) handle(ctx context.Context, f *wire.Frame) error {
	switch f.Type {
	case wire.FrameContinue:
		return ss.resume(f)
	case wire.FrameFullSyncBegin:
		return ss.beginFullSync(ctx, f)
	case wire.FrameSnapshotEntry:
		return ss.loadEntry(ctx, f)
	case wire.FrameFullSyncEnd:
		return ss.endFullSync(ctx, f)
	case wire.FrameRecord:
		return ss.applyRecord(ctx, f)
	default:
		return fmt.Errorf("%w: unexpected %s frame", ErrProtocol, f.Type)
	}
}

func (ss *slaveSession) resume(f *wire.Frame) error {
	if st := ss.State(); st != SlaveHandshake {
		return fmt.Errorf("%w: continue in state %s", ErrProtocol, st)
	}
	cp := f.Checkpoint()
	if cp.LogID != ss.logID {
		return fmt.Errorf("%w: master resumed log %s, expected %s", ErrProtocol, cp.LogID, ss.logID)
	}
	ss.setState(SlaveStreaming)
	slog.Info("resuming from checkpoint", "master", ss.addr, "checkpoint", cp.String())
	return nil
}

// beginFullSync forgets the checkpoint before touching any data, so a crash
// in the middle of a full sync always leads to another full sync.
func (ss *slaveSession) beginFullSync(ctx context.Context, f *wire.Frame) error {
	if st := ss.State(); st != SlaveHandshake {
		return fmt.Errorf("%w: full sync started in state %s", ErrProtocol, st)
	}
	ss.setState(SlaveFullSync)
	metrics.ReplFullSyncsTotal.WithLabelValues("slave").Inc()
	slog.Info("full sync started", "master", ss.addr, "log_id", f.LogID)

	err := ss.apply.ResetForFullSync(ctx, func() error {
		return ss.meta.SaveReplCheckpoint(oplog.Checkpoint{})
	})
	if err != nil {
		return fmt.Errorf("%w: reset for full sync: %v", ErrReplication, err)
	}
	ss.batch.Reset()
	return nil
}

func (ss *slaveSession) loadEntry(ctx context.Context, f *wire.Frame) error {
	if st := ss.State(); st != SlaveFullSync {
		return fmt.Errorf("%w: snapshot entry in state %s", ErrProtocol, st)
	}
	if err := ss.batch.Add(ctx, f.Key, f.Value, f.ExpireAt); err != nil {
		return fmt.Errorf("%w: load snapshot: %v", ErrReplication, err)
	}
	metrics.ReplSnapshotEntriesTotal.WithLabelValues("loaded").Inc()
	return nil
}

// endFullSync makes the loaded snapshot durable before the checkpoint that
// refers to it is saved.
func (ss *slaveSession) endFullSync(ctx context.Context, f *wire.Frame) error {
	if st := ss.State(); st != SlaveFullSync {
		return fmt.Errorf("%w: full sync end in state %s", ErrProtocol, st)
	}
	if err := ss.batch.Flush(ctx, true); err != nil {
		return fmt.Errorf("%w: load snapshot: %v", ErrReplication, err)
	}

	cp := f.Checkpoint()
	if cp.IsZero() {
		return fmt.Errorf("%w: full sync end without position", ErrProtocol)
	}
	if err := ss.meta.SaveReplCheckpoint(cp); err != nil {
		return fmt.Errorf("%w: save checkpoint: %v", ErrReplication, err)
	}
	ss.logID = cp.LogID
	ss.setState(SlaveStreaming)
	slog.Info("full sync finished",
		"master", ss.addr,
		"entries", ss.batch.Loaded(),
		"batches", ss.batch.Batches(),
		"checkpoint", cp.String(),
	)
	return ss.ack(cp)
}

// applyRecord commits the record locally and persists the checkpoint on the
// dispatcher before acknowledging it.
func (ss *slaveSession) applyRecord(ctx context.Context, f *wire.Frame) error {
	if st := ss.State(); st != SlaveStreaming {
		return fmt.Errorf("%w: record in state %s", ErrProtocol, st)
	}

	// When the checkpoint save fails the record is already committed locally.
	// The session ends, and on reconnect the master resends the record from the
	// older checkpoint, so it is logged again under a new local sequence. SET
	// and DEL are idempotent, so the key space is unchanged.
	cp := oplog.Checkpoint{LogID: ss.logID, Position: f.Entry.Next}
	err := ss.apply.Replicate(ctx, f.Entry, func() error {
		return ss.meta.SaveReplCheckpoint(cp)
	})
	if err != nil {
		return fmt.Errorf("%w: apply record %d: %v", ErrReplication, f.Entry.Seq, err)
	}
	ss.applied.Add(1)
	metrics.ReplRecordsAppliedTotal.Inc()
	return ss.ack(cp)
}

func (ss *slaveSession) ack(cp oplog.Checkpoint) error {
	if err := ss.stream.Send(wire.AckFrame(cp)); err != nil {
		return fmt.Errorf("%w: send ack: %v", ErrReplication, err)
	}
	return nil
}

func (s *Slave) infoFields() [][2]string {
	lastErr, _ := s.lastErr.Load().(string)
	return [][2]string{
		{"repl.state", s.State().String()},
		{"repl.checkpoint", s.meta.ReplCheckpoint().String()},
		{"repl.applied", fmt.Sprint(s.applied.Load())},
		{"repl.connect_attempts", fmt.Sprint(s.attempts.Load())},
		{"repl.last_error", lastErr},
	}
}
