package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"ndb/internal/command"
	"ndb/internal/configuration"
	"ndb/internal/metrics"
	"ndb/internal/oplog"
	"ndb/internal/replication"
	"ndb/internal/storage"
	"ndb/internal/transport"
	"ndb/internal/transport/handler"
	"ndb/internal/transport/wire"
)

const (
	shutdownTimeout = 5 * time.Second
	// expireSweepLimit bounds the keys one sweep deletes.
	expireSweepLimit = 1000
)

// Node is the application context: every long-lived component, built once by
// Open and torn down by Close.
type Node struct {
	cfg configuration.ConfigProvider

	store   *storage.Service
	log     *oplog.Oplog
	meta    *oplog.MetaLog
	proc    *command.Processor
	master  *replication.Master
	manager *replication.Manager
	server  *transport.Server
	metrics *metrics.Server

	ready     atomic.Bool
	jobs      sync.WaitGroup
	stopJobs  context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// Open builds and starts a node. A failure leaves nothing running and is
// reported as a *StartupError.
func Open(ctx context.Context, cfg *configuration.Properties) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fail(FailureConfig, err)
	}

	n := &Node{cfg: configuration.NewProvider(cfg)}
	if err := n.start(ctx); err != nil {
		if terr := n.teardown(); terr != nil {
			slog.Warn("cleanup after failed start", "error", terr)
		}
		return nil, err
	}

	n.ready.Store(true)
	slog.Info("node ready",
		"node", n.cfg.GetApplication().Node,
		"listen", n.Addr(),
		"oplog", n.log != nil,
		"master", n.cfg.GetRepl().Master,
	)
	return n, nil
}

func (n *Node) start(ctx context.Context) error {
	if err := n.openStorage(); err != nil {
		return err
	}
	if err := n.openOplog(ctx); err != nil {
		return err
	}
	n.assemble()

	server := n.cfg.GetServer()
	var repl wire.ReplicationServer
	if n.master != nil {
		repl = n.master
	}
	n.server = transport.NewServer(transport.Config{
		Listen:  server.Listen,
		Timeout: server.TimeoutDuration(),
	}, handler.NewCommandHandler(n.proc), repl)
	if _, err := n.server.Start(); err != nil {
		n.server = nil
		return fail(FailureRuntime, err)
	}

	if addr := n.cfg.GetMetrics().Listen; addr != "" {
		ms := metrics.NewServer(addr, n.ready.Load)
		if err := ms.Start(); err != nil {
			return fail(FailureRuntime, err)
		}
		n.metrics = ms
	}

	if upstream := n.cfg.GetRepl().Master; upstream != "" {
		if err := n.manager.SlaveOf(upstream); err != nil {
			return fail(FailureReplication, err)
		}
	}

	n.startJobs()
	return nil
}

func (n *Node) openStorage() error {
	db := n.cfg.GetLevelDB()
	store, err := storage.NewService(storage.Options{
		Path:               db.DBPath,
		BlockSize:          db.BlockSize,
		CacheSize:          db.CacheSize,
		WriteBufferSize:    db.WriteBufferSize,
		Compression:        db.Compression,
		ReadVerifyChecksum: db.ReadVerifyChecksum,
		WriteSync:          db.WriteSync,
		MaxOpenFiles:       db.MaxOpenFiles,
	})
	if err != nil {
		return fail(FailureStorage, err)
	}
	n.store = store
	return nil
}

// openOplog opens the log and brings storage up to its tail. Without an oplog
// only the metadata log is kept, for the replication checkpoint.
func (n *Node) openOplog(ctx context.Context) error {
	cfg := n.cfg.GetOplog()
	if !cfg.Enable {
		meta, err := oplog.OpenMetaLog(oplog.MetaDir(cfg.Path), !cfg.Sync)
		if err != nil {
			return fail(FailureOplog, err)
		}
		n.meta = meta
		slog.Warn("oplog disabled: no crash recovery and no replicas can attach")
		return nil
	}

	log, err := oplog.Open(cfg.Path, oplog.Options{
		SegmentSize:  cfg.SegmentSize,
		SegmentCount: cfg.SegmentCnt,
		Sync:         cfg.Sync,
	})
	if err != nil {
		return fail(FailureOplog, err)
	}
	n.log = log
	n.meta = log.Meta()

	if _, err := recoverStorage(ctx, log, n.store); err != nil {
		if errors.Is(err, storage.ErrStorage) || errors.Is(err, storage.ErrClosed) {
			return fail(FailureStorage, fmt.Errorf("recovery: %w", err))
		}
		return fail(FailureOplog, fmt.Errorf("recovery: %w", err))
	}
	return nil
}

func (n *Node) assemble() {
	db := n.cfg.GetLevelDB()
	repl := n.cfg.GetRepl()

	n.proc = command.NewProcessor(n.store, n.log, command.Config{
		QueueSize: n.cfg.GetServer().QueueSize,
		WriteSync: db.WriteSync,
	})
	if n.log != nil {
		n.master = replication.NewMaster(n.log, n.store, n.proc, replication.MasterConfig{
			SendBuffer:   repl.SendBuffer,
			BacklogLimit: repl.BacklogLimit,
		})
		n.proc.SetPublisher(n.master)
	}
	n.manager = replication.NewManager(n.master, n.proc, n.meta, replication.SlaveConfig{
		Node:           n.cfg.GetApplication().Node,
		ConnectTimeout: repl.ConnectTimeoutDuration(),
		ConnectRetry:   repl.ConnectRetry,
		SleepTime:      repl.SleepDuration(),
	})
	n.proc.SetReplication(n.manager)
	n.proc.Start()
}

func (n *Node) startJobs() {
	ctx, cancel := context.WithCancel(context.Background())
	n.stopJobs = cancel

	n.periodic(ctx, n.cfg.GetLevelDB().CompactEvery(), func() {
		reply := n.proc.Execute(ctx, wire.NewCommand("COMPACT"))
		if reply.IsError() {
			slog.Warn("scheduled compaction failed", "reply", reply.Str)
		}
	})
	n.periodic(ctx, n.cfg.GetServer().ExpireEvery(), func() {
		if _, err := n.proc.SweepExpired(ctx, expireSweepLimit); err != nil && ctx.Err() == nil {
			slog.Warn("expired key sweep failed", "error", err)
		}
	})
}

// periodic runs fn every interval until ctx ends. A non-positive interval
// disables the job.
func (n *Node) periodic(ctx context.Context, every time.Duration, fn func()) {
	if every <= 0 {
		return
	}
	n.jobs.Add(1)
	go func() {
		defer n.jobs.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

// Run blocks until ctx ends or the commit path fails. The failure is returned
// as a *StartupError of kind FailureStorage or FailureOplog; the caller still
// has to Close.
func (n *Node) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-n.proc.Fatal():
		slog.Error("node stopping after commit path failure", "error", err)
		if errors.Is(err, storage.ErrStorage) || errors.Is(err, storage.ErrClosed) {
			return fail(FailureStorage, err)
		}
		return fail(FailureOplog, err)
	}
}

// Addr is the address the command and replication services listen on.
func (n *Node) Addr() string {
	if n.server == nil {
		return ""
	}
	return n.server.Addr().String()
}

func (n *Node) Processor() *command.Processor { return n.proc }

func (n *Node) Replication() *replication.Manager { return n.manager }

func (n *Node) Oplog() *oplog.Oplog { return n.log }

func (n *Node) Ready() bool { return n.ready.Load() }

// Close stops accepting work, drains the dispatcher and closes the stores.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.ready.Store(false)
		slog.Info("node shutting down")
		n.closeErr = n.teardown()
		slog.Info("node stopped")
	})
	return n.closeErr
}

func (n *Node) teardown() error {
	if n.stopJobs != nil {
		n.stopJobs()
		n.jobs.Wait()
	}
	if n.manager != nil {
		n.manager.Close()
	}
	if n.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		n.server.Stop(ctx)
		cancel()
	}
	if n.metrics != nil {
		n.metrics.Stop()
	}
	if n.proc != nil {
		n.proc.Stop()
	}

	var errs []error
	if n.log != nil {
		errs = append(errs, n.log.Close())
	} else if n.meta != nil {
		errs = append(errs, n.meta.Close())
	}
	if n.store != nil {
		errs = append(errs, n.store.Close())
	}
	return errors.Join(errs...)
}
