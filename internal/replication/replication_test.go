package replication

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"ndb/internal/command"
	"ndb/internal/oplog"
	"ndb/internal/storage"
	"ndb/internal/transport"
	"ndb/internal/transport/handler"
	"ndb/internal/transport/wire"
)

type testNode struct {
	name    string
	store   *storage.Service
	log     *oplog.Oplog
	proc    *command.Processor
	master  *Master
	manager *Manager
	server  *transport.Server
}

func fastSlaveConfig(name string) SlaveConfig {
	return SlaveConfig{
		Node:           name,
		ConnectTimeout: 200 * time.Millisecond,
		ConnectRetry:   2,
		SleepTime:      50 * time.Millisecond,
	}
}

func startNode(t *testing.T, name string, opts oplog.Options, mcfg MasterConfig) *testNode {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.NewService(storage.Options{Path: filepath.Join(dir, "db")})
	require.NoError(t, err)
	log, err := oplog.Open(filepath.Join(dir, "oplog"), opts)
	require.NoError(t, err)

	proc := command.NewProcessor(store, log, command.Config{QueueSize: 256})
	master := NewMaster(log, store, proc, mcfg)
	manager := NewManager(master, proc, log.Meta(), fastSlaveConfig(name))
	proc.SetPublisher(master)
	proc.SetReplication(manager)
	proc.Start()

	srv := transport.NewServer(transport.Config{Listen: "127.0.0.1:0", Timeout: time.Second}, handler.NewCommandHandler(proc), master)
	_, err = srv.Start()
	require.NoError(t, err)

	t.Cleanup(func() {
		manager.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
		proc.Stop()
		require.NoError(t, log.Close())
		require.NoError(t, store.Close())
	})

	return &testNode{
		name:    name,
		store:   store,
		log:     log,
		proc:    proc,
		master:  master,
		manager: manager,
		server:  srv,
	}
}

func (n *testNode) addr() string { return n.server.Addr().String() }

func (n *testNode) do(t *testing.T, name string, args ...string) *wire.Reply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return n.proc.Execute(ctx, wire.NewCommand(name, args...))
}

func (n *testNode) dump(t *testing.T) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := n.store.Scan(nil, func(key []byte, item storage.Item) (bool, error) {
		out[string(key)] = fmt.Sprintf("%s@%d", item.Value, item.ExpireAt)
		return true, nil
	})
	require.NoError(t, err)
	return out
}

func requireConverged(t *testing.T, master, slave *testNode) {
	t.Helper()
	require.Eventually(t, func() bool {
		if slave.manager.SlaveState() != SlaveStreaming {
			return false
		}
		want, got := master.dump(t), slave.dump(t)
		if len(want) != len(got) {
			return false
		}
		for k, v := range want {
			if got[k] != v {
				return false
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond)
}

func writeKeys(t *testing.T, n *testNode, prefix string, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		r := n.do(t, "SET", fmt.Sprintf("%s%04d", prefix, i), fmt.Sprintf("value-%d", i))
		require.False(t, r.IsError(), r.String())
	}
}

func TestReplication_FullSyncThenStream(t *testing.T) {
	master := startNode(t, "master", oplog.Options{}, MasterConfig{})
	slave := startNode(t, "slave", oplog.Options{}, MasterConfig{})

	writeKeys(t, master, "before-", 100)
	slaveLogID := slave.log.LogID()

	require.NoError(t, slave.manager.SlaveOf(master.addr()))
	requireConverged(t, master, slave)

	// a full sync starts a fresh local log
	require.NotEqual(t, slaveLogID, slave.log.LogID())
	cp := slave.log.Meta().ReplCheckpoint()
	require.Equal(t, master.log.LogID(), cp.LogID)

	writeKeys(t, master, "after-", 50)
	require.False(t, master.do(t, "DEL", "before-0003").IsError())
	requireConverged(t, master, slave)

	item, err := slave.store.Get([]byte("before-0003"))
	require.True(t, errors.Is(err, storage.ErrNotFound), "got %q, %v", item.Value, err)

	require.Eventually(t, func() bool {
		links := master.master.Links()
		return len(links) == 1 &&
			links[0].state == LinkStreaming &&
			links[0].acked.Position == master.log.Tail()
	}, 5*time.Second, 20*time.Millisecond)
}

func TestReplication_WritesDuringFullSync(t *testing.T) {
	master := startNode(t, "master", oplog.Options{}, MasterConfig{})
	slave := startNode(t, "slave", oplog.Options{}, MasterConfig{})

	writeKeys(t, master, "seed-", 500)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 300; i++ {
			master.do(t, "SET", fmt.Sprintf("seed-%04d", i), "rewritten")
		}
	}()

	require.NoError(t, slave.manager.SlaveOf(master.addr()))
	wg.Wait()
	requireConverged(t, master, slave)
}

func TestReplication_SlaveIsReadOnly(t *testing.T) {
	master := startNode(t, "master", oplog.Options{}, MasterConfig{})
	slave := startNode(t, "slave", oplog.Options{}, MasterConfig{})

	require.NoError(t, slave.manager.SlaveOf(master.addr()))
	r := slave.do(t, "SET", "k", "v")
	require.True(t, r.IsError())
	require.Contains(t, r.Str, "READONLY")

	require.NoError(t, slave.manager.SlaveOf(""))
	r = slave.do(t, "SET", "k", "v")
	require.False(t, r.IsError(), r.String())
}

func TestReplication_ResumeFromCheckpoint(t *testing.T) {
	master := startNode(t, "master", oplog.Options{}, MasterConfig{})
	slave := startNode(t, "slave", oplog.Options{}, MasterConfig{})

	writeKeys(t, master, "a-", 20)
	require.NoError(t, slave.manager.SlaveOf(master.addr()))
	requireConverged(t, master, slave)
	slaveLogID := slave.log.LogID()

	require.NoError(t, slave.manager.SlaveOf(""))
	writeKeys(t, master, "b-", 30)

	require.NoError(t, slave.manager.SlaveOf(master.addr()))
	requireConverged(t, master, slave)

	// resuming keeps the local log; a full sync would have reset it
	require.Equal(t, slaveLogID, slave.log.LogID())
	require.Eventually(t, func() bool {
		return slave.log.Meta().ReplCheckpoint().Position == master.log.Tail()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestReplication_FullSyncWhenCheckpointReclaimed(t *testing.T) {
	opts := oplog.Options{SegmentSize: 256, SegmentCount: 1}
	master := startNode(t, "master", opts, MasterConfig{})
	slave := startNode(t, "slave", oplog.Options{}, MasterConfig{})

	writeKeys(t, master, "a-", 10)
	require.NoError(t, slave.manager.SlaveOf(master.addr()))
	requireConverged(t, master, slave)

	require.NoError(t, slave.manager.SlaveOf(""))
	cp := slave.log.Meta().ReplCheckpoint()
	writeKeys(t, master, "b-", 200)
	require.False(t, master.log.Retained(cp))

	slaveLogID := slave.log.LogID()
	require.NoError(t, slave.manager.SlaveOf(master.addr()))
	requireConverged(t, master, slave)
	require.NotEqual(t, slaveLogID, slave.log.LogID())
}

func TestReplication_Cascade(t *testing.T) {
	root := startNode(t, "root", oplog.Options{}, MasterConfig{})
	middle := startNode(t, "middle", oplog.Options{}, MasterConfig{})
	leaf := startNode(t, "leaf", oplog.Options{}, MasterConfig{})

	require.NoError(t, middle.manager.SlaveOf(root.addr()))
	require.NoError(t, leaf.manager.SlaveOf(middle.addr()))

	writeKeys(t, root, "k-", 40)
	requireConverged(t, root, middle)
	requireConverged(t, root, leaf)
}

func TestReplication_MasterResetDropsLinks(t *testing.T) {
	master := startNode(t, "master", oplog.Options{}, MasterConfig{})
	slave := startNode(t, "slave", oplog.Options{}, MasterConfig{})

	writeKeys(t, master, "a-", 5)
	require.NoError(t, slave.manager.SlaveOf(master.addr()))
	requireConverged(t, master, slave)

	master.master.Reset()
	require.Eventually(t, func() bool {
		return slave.manager.SlaveState() != SlaveStreaming
	}, 5*time.Second, 5*time.Millisecond)

	// the slave reconnects on its own
	writeKeys(t, master, "b-", 5)
	requireConverged(t, master, slave)
}

func TestSlave_UnreachableMasterBacksOff(t *testing.T) {
	dir := t.TempDir()
	meta, err := oplog.OpenMetaLog(dir, true)
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	var mu sync.Mutex
	var starts []time.Time
	cfg := SlaveConfig{
		Node:           "replica",
		ConnectTimeout: 100 * time.Millisecond,
		ConnectRetry:   2,
		SleepTime:      200 * time.Millisecond,
	}
	s := NewSlave("127.0.0.1:1", cfg, nil, meta)
	s.dial = func(ctx context.Context, addr string) (Conn, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return nil, errors.New("connection refused")
	}
	s.Start()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(starts) >= 5
	}, 5*time.Second, 10*time.Millisecond)
	s.Stop()
	require.Equal(t, SlaveDisconnected, s.State())

	mu.Lock()
	defer mu.Unlock()
	// attempts within a round are one connect timeout apart, rounds are
	// separated by the sleep time
	require.GreaterOrEqual(t, starts[1].Sub(starts[0]), 90*time.Millisecond)
	require.GreaterOrEqual(t, starts[2].Sub(starts[1]), 190*time.Millisecond)
	require.GreaterOrEqual(t, starts[3].Sub(starts[2]), 90*time.Millisecond)
	require.GreaterOrEqual(t, starts[4].Sub(starts[3]), 190*time.Millisecond)
	require.EqualValues(t, len(starts), s.attempts.Load())
}

func TestSlave_ConnectUsesRealDialer(t *testing.T) {
	dir := t.TempDir()
	meta, err := oplog.OpenMetaLog(dir, true)
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	s := NewSlave("127.0.0.1:1", SlaveConfig{ConnectTimeout: 100 * time.Millisecond, ConnectRetry: 1}, nil, meta)
	s.Start()
	require.Eventually(t, func() bool {
		return s.State() == SlaveErrorBackoff
	}, 5*time.Second, 5*time.Millisecond)
	s.Stop()

	fields := map[string]string{}
	for _, f := range s.infoFields() {
		fields[f[0]] = f[1]
	}
	require.NotEmpty(t, fields["repl.last_error"])
}

func TestLink_BacklogOverflowDropsLink(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	l := newLink(1, "replica", nil, 1, 2, cancel)
	defer l.close()

	for seq := uint64(1); seq <= 2; seq++ {
		l.offer(oplog.Entry{Seq: seq})
	}
	require.NoError(t, ctx.Err())

	l.offer(oplog.Entry{Seq: 3})
	require.ErrorIs(t, context.Cause(ctx), ErrLinkOverflow)
	require.Equal(t, codes.ResourceExhausted, status.Code(toStatus(context.Cause(ctx))))
}

func TestLink_SendBufferOverflowDropsLink(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	l := newLink(1, "replica", nil, 1, 10, cancel)
	defer l.close()
	require.NoError(t, l.drainBacklog(ctx))

	l.offer(oplog.Entry{Seq: 1})
	require.NoError(t, ctx.Err())
	l.offer(oplog.Entry{Seq: 2})
	require.ErrorIs(t, context.Cause(ctx), ErrLinkOverflow)

	// a closed link ignores further entries
	l.close()
	l.offer(oplog.Entry{Seq: 3})
	require.Len(t, l.out, 1)
}
