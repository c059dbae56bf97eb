package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ndb/internal/metrics"
	"ndb/internal/oplog"
	"ndb/internal/storage"
	"ndb/internal/transport/wire"
)

// Publisher receives every committed entry, in commit order, from the
// dispatcher goroutine. Implementations must not block.
type Publisher interface {
	Publish(e oplog.Entry)
	// Reset is called after the local log was discarded. Positions handed out
	// before it are meaningless from now on.
	Reset()
}

// Replication is the node's view of its own replica session.
type Replication interface {
	// SlaveOf follows the master at addr, or stops following when addr is empty.
	SlaveOf(addr string) error
	// Upstream is the address of the followed master, empty on a master.
	Upstream() string
	Info() []InfoField
}

type InfoField struct {
	Key   string
	Value string
}

type Config struct {
	QueueSize int
	WriteSync bool
}

type task struct {
	name      string
	run       func() (*wire.Reply, error)
	status    TaskStatus
	done      chan result
	abandoned atomic.Bool
}

type result struct {
	reply *wire.Reply
	err   error
}

// Processor executes commands. Every mutation runs on a single dispatcher
// goroutine in the order append to oplog, apply to storage, publish, reply.
type Processor struct {
	storage   *storage.Service
	log       *oplog.Oplog
	writeSync bool

	publisher   Publisher
	replication Replication

	queue     chan *task
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	wg        sync.WaitGroup

	fatalOnce sync.Once
	fatal     chan error
	// halted is the fatal error once one happened. Dispatcher only.
	halted error

	now func() time.Time
}

// NewProcessor wires the commit path. log may be nil when the oplog is
// disabled, in which case mutations only reach storage.
func NewProcessor(store *storage.Service, log *oplog.Oplog, cfg Config) *Processor {
	if cfg.QueueSize <= 0 {
		slog.Warn("Queue can't be smaller then 1. Setting queue size to 1.")
		cfg.QueueSize = 1
	}

	p := &Processor{
		storage:   store,
		log:       log,
		writeSync: cfg.WriteSync,
		queue:     make(chan *task, cfg.QueueSize),
		fatal:     make(chan error, 1),
		now:       time.Now,
	}
	slog.Info("command processor initialized", "queue_size", cfg.QueueSize, "oplog", log != nil)
	return p
}

// SetPublisher must be called before Start.
func (p *Processor) SetPublisher(pub Publisher) { p.publisher = pub }

// SetReplication must be called before Start.
func (p *Processor) SetReplication(r Replication) { p.replication = r }

func (p *Processor) Start() {
	p.wg.Add(1)
	go p.dispatch()
}

func (p *Processor) dispatch() {
	defer p.wg.Done()

	slog.Info("command dispatcher started")
	for t := range p.queue {
		metrics.CommandQueueDepth.Set(float64(len(p.queue)))
		t.status = Active

		reply, err := t.run()
		r := result{reply: reply, err: err}
		t.status = finalStatus(r, t.abandoned.Load())
		metrics.DispatcherTasksTotal.WithLabelValues(t.name, t.status.String()).Inc()
		slog.Debug("task finished", "task", t.name, "status", t.status.String())

		t.done <- r
	}
	slog.Info("command dispatcher stopped")
}

// Stop closes the queue and waits until every queued task has run.
func (p *Processor) Stop() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
	})
	p.wg.Wait()
}

// Fatal delivers the first commit path failure: an oplog error, or a storage
// error after the record was already logged. The node cannot keep its
// durability promise after one and must shut down.
func (p *Processor) Fatal() <-chan error { return p.fatal }

// submit runs fn on the dispatcher. With wait unset a full queue fails fast
// instead of blocking the caller.
func (p *Processor) submit(ctx context.Context, name string, wait bool, fn func() (*wire.Reply, error)) (*wire.Reply, error) {
	t := &task{name: name, run: fn, status: Pending, done: make(chan result, 1)}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrShuttingDown
	}
	if wait {
		select {
		case p.queue <- t:
		case <-ctx.Done():
			p.mu.RUnlock()
			return nil, ctx.Err()
		}
	} else {
		select {
		case p.queue <- t:
		default:
			p.mu.RUnlock()
			return nil, ErrQueueFull
		}
	}
	p.mu.RUnlock()
	metrics.CommandQueueDepth.Set(float64(len(p.queue)))

	select {
	case r := <-t.done:
		return r.reply, r.err
	case <-ctx.Done():
		t.abandoned.Store(true)
		return nil, ctx.Err()
	}
}

// Execute runs one client command and always produces a reply; protocol
// errors never tear down the caller's connection.
func (p *Processor) Execute(ctx context.Context, cmd *wire.Command) *wire.Reply {
	start := time.Now()
	name := strings.ToUpper(cmd.Name)

	metrics.CommandsInFlight.Inc()
	defer metrics.CommandsInFlight.Dec()

	d, ok := Lookup(name)
	if !ok {
		metrics.CommandsTotal.WithLabelValues("unknown", "invalid").Inc()
		slog.Debug("unknown command", "command", cmd.Name)
		return errorReply(fmt.Errorf("%w '%s'", ErrUnknownCommand, cmd.Name))
	}
	if !d.acceptsArgc(len(cmd.Args) + 1) {
		metrics.CommandsTotal.WithLabelValues(d.Name, "invalid").Inc()
		return errorReply(fmt.Errorf("%w for '%s' command", ErrWrongArity, strings.ToLower(d.Name)))
	}

	var reply *wire.Reply
	var err error
	switch {
	case d.IsWrite() && p.readOnly():
		err = ErrReadOnly
	case d.IsWrite():
		reply, err = p.submit(ctx, d.Name, false, func() (*wire.Reply, error) {
			return d.Handler(ctx, p, cmd.Args)
		})
	default:
		reply, err = d.Handler(ctx, p, cmd.Args)
	}
	if err != nil {
		reply = errorReply(err)
	}

	metrics.CommandDuration.WithLabelValues(d.Name).Observe(time.Since(start).Seconds())
	if reply.IsError() {
		metrics.CommandsTotal.WithLabelValues(d.Name, "error").Inc()
		slog.Debug("command failed", "command", d.Name, "reply", reply.Str)
	} else {
		metrics.CommandsTotal.WithLabelValues(d.Name, "success").Inc()
	}
	return reply
}

func (p *Processor) readOnly() bool {
	return p.replication != nil && p.replication.Upstream() != ""
}

// commit is the single commit point. It must only run on the dispatcher.
// Once the record is appended it is committed: it is published even when
// applying it to storage fails, and that failure halts the node so recovery
// can re-apply it from the oplog.
func (p *Processor) commit(op oplog.Opcode, key, value []byte, expireAt uint64) (oplog.Entry, error) {
	if p.halted != nil {
		return oplog.Entry{}, fmt.Errorf("%w: %v", ErrHalted, p.halted)
	}

	e := oplog.Entry{Op: op, Key: key, Value: value, ExpireAt: expireAt}
	rotated := false
	if p.log != nil {
		var err error
		e, rotated, err = p.log.AppendEntry(e)
		if err != nil {
			p.fail(err)
			return e, err
		}
	}

	// A rotation seals the segment; syncing this write forces every earlier
	// write to the engine journal so recovery can start at the new segment.
	item := storage.Item{Value: value, ExpireAt: expireAt}
	if err := p.storage.Apply(op == oplog.OpDel, key, item, rotated || p.writeSync); err != nil {
		if p.log == nil {
			return e, err
		}
		p.publish(e)
		err = fmt.Errorf("apply committed record %d: %w", e.Seq, err)
		p.fail(err)
		return e, err
	}

	if p.log == nil {
		return e, nil
	}
	if rotated {
		cp := p.log.Checkpoint(e.Next)
		if err := p.log.Meta().SaveStorageCheckpoint(cp); err != nil {
			p.publish(e)
			err = fmt.Errorf("%w: save storage checkpoint: %v", oplog.ErrOplog, err)
			p.fail(err)
			return e, err
		}
		slog.Debug("storage checkpoint advanced", "checkpoint", cp.String())
	}
	p.publish(e)
	return e, nil
}

func (p *Processor) publish(e oplog.Entry) {
	if p.publisher != nil {
		p.publisher.Publish(e)
	}
}

func (p *Processor) fail(err error) {
	p.fatalOnce.Do(func() {
		slog.Error("fatal commit path failure", "error", err)
		p.halted = err
		p.fatal <- err
	})
}

func (p *Processor) nowMs() uint64 {
	return uint64(p.now().UnixMilli())
}

// lookup returns the live item stored under key; expired items are reported
// as missing.
func (p *Processor) lookup(key []byte) (storage.Item, bool, error) {
	item, err := p.storage.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Item{}, false, nil
	}
	if err != nil {
		return storage.Item{}, false, err
	}
	if item.Expired(p.nowMs()) {
		return storage.Item{}, false, nil
	}
	return item, true, nil
}

// collectKeys copies up to limit keys, in key order, whose item passes keep.
func (p *Processor) collectKeys(limit int, keep func(storage.Item) bool) ([][]byte, error) {
	var keys [][]byte
	err := p.storage.Scan(nil, func(key []byte, item storage.Item) (bool, error) {
		if keep(item) {
			keys = append(keys, bytes.Clone(key))
		}
		return len(keys) < limit, nil
	})
	return keys, err
}

// SweepExpired deletes up to limit expired keys through the commit path, so
// replicas drop them too. A replica leaves expiry to its master and only
// hides expired keys from readers.
func (p *Processor) SweepExpired(ctx context.Context, limit int) (int, error) {
	if p.readOnly() {
		return 0, nil
	}
	now := p.nowMs()
	candidates, err := p.collectKeys(limit, func(it storage.Item) bool { return it.Expired(now) })
	if err != nil || len(candidates) == 0 {
		return 0, err
	}

	reply, err := p.submit(ctx, "expire", true, func() (*wire.Reply, error) {
		if p.readOnly() {
			return wire.Int(0), nil
		}
		// Keys may have been rewritten since the scan.
		now := p.nowMs()
		removed := 0
		for _, k := range candidates {
			item, err := p.storage.Get(k)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if !item.Expired(now) {
				continue
			}
			if _, err := p.commit(oplog.OpDel, k, nil, 0); err != nil {
				return nil, err
			}
			removed++
		}
		return wire.Int(int64(removed)), nil
	})
	if err != nil {
		return 0, err
	}
	metrics.ExpiredKeysTotal.Add(float64(reply.Int))
	if reply.Int > 0 {
		slog.Debug("expired keys removed", "keys", reply.Int)
	}
	return int(reply.Int), nil
}

// Barrier runs fn on the dispatcher between two commits. Nothing is committed
// while fn runs, so state observed inside it is consistent with the oplog tail.
func (p *Processor) Barrier(ctx context.Context, fn func() error) error {
	_, err := p.submit(ctx, "barrier", true, func() (*wire.Reply, error) {
		return nil, fn()
	})
	return err
}

// Replicate commits an entry received from the master through the normal
// commit path, so it is re-logged locally and forwarded to our own replicas.
// after runs on the dispatcher once the commit succeeded.
func (p *Processor) Replicate(ctx context.Context, e oplog.Entry, after func() error) error {
	_, err := p.submit(ctx, "replicate", true, func() (*wire.Reply, error) {
		if _, err := p.commit(e.Op, e.Key, e.Value, e.ExpireAt); err != nil {
			return nil, err
		}
		if after == nil {
			return nil, nil
		}
		return nil, after()
	})
	return err
}

// LoadBatch writes full sync entries straight to storage, bypassing the oplog.
func (p *Processor) LoadBatch(ctx context.Context, pairs []storage.Pair, sync bool) error {
	_, err := p.submit(ctx, "load", true, func() (*wire.Reply, error) {
		return nil, p.storage.Load(pairs, sync)
	})
	return err
}

// ResetForFullSync runs fn and then discards the local key space and oplog.
// Records committed locally before the reset are lost to our own replicas,
// which notice the new log identity and resynchronise.
func (p *Processor) ResetForFullSync(ctx context.Context, before func() error) error {
	_, err := p.submit(ctx, "full-sync-reset", true, func() (*wire.Reply, error) {
		if before != nil {
			if err := before(); err != nil {
				return nil, err
			}
		}
		if err := p.storage.Clear(); err != nil {
			return nil, err
		}
		if p.log == nil {
			return nil, nil
		}
		if err := p.log.Reset(); err != nil {
			p.fail(err)
			return nil, err
		}
		if p.publisher != nil {
			p.publisher.Reset()
		}
		cp := p.log.Checkpoint(p.log.Tail())
		if err := p.log.Meta().SaveStorageCheckpoint(cp); err != nil {
			err = fmt.Errorf("%w: save storage checkpoint: %v", oplog.ErrOplog, err)
			p.fail(err)
			return nil, err
		}
		return nil, nil
	})
	return err
}

func errorReply(err error) *wire.Reply {
	switch {
	case errors.Is(err, ErrReadOnly):
		return wire.Error("READONLY You can't write against a read only replica.")
	case errors.Is(err, ErrUnknownCommand), errors.Is(err, ErrWrongArity), errors.Is(err, ErrSyntax):
		return wire.Errorf("ERR %v", err)
	case errors.Is(err, storage.ErrStorage):
		return wire.Errorf("ERR storage: %v", err)
	case errors.Is(err, oplog.ErrOplog):
		return wire.Errorf("ERR oplog: %v", err)
	case errors.Is(err, ErrQueueFull):
		return wire.Error("ERR server busy")
	case errors.Is(err, ErrShuttingDown):
		return wire.Error("ERR server is shutting down")
	case errors.Is(err, context.DeadlineExceeded):
		return wire.Error("ERR timeout")
	case errors.Is(err, context.Canceled):
		return wire.Error("ERR canceled")
	default:
		return wire.Errorf("ERR %v", err)
	}
}
