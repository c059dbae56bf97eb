package command

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"ndb/internal/metrics"
	"ndb/internal/oplog"
	"ndb/internal/storage"
	"ndb/internal/transport/wire"
)

type recordingPublisher struct {
	mu      sync.Mutex
	entries []oplog.Entry
	resets  int
}

func (r *recordingPublisher) Publish(e oplog.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recordingPublisher) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets++
}

func (r *recordingPublisher) snapshot() []oplog.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]oplog.Entry(nil), r.entries...)
}

type fakeReplication struct {
	mu       sync.Mutex
	upstream string
}

func (f *fakeReplication) SlaveOf(addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upstream = addr
	return nil
}

func (f *fakeReplication) Upstream() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upstream
}

func (f *fakeReplication) Info() []InfoField {
	return []InfoField{{Key: "repl.master", Value: f.Upstream()}}
}

type harness struct {
	p     *Processor
	store *storage.Service
	log   *oplog.Oplog
	pub   *recordingPublisher
	repl  *fakeReplication
}

func newHarness(t *testing.T, opts oplog.Options) *harness {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.NewService(storage.Options{Path: filepath.Join(dir, "db")})
	require.NoError(t, err)

	log, err := oplog.Open(filepath.Join(dir, "oplog"), opts)
	require.NoError(t, err)

	h := &harness{
		store: store,
		log:   log,
		pub:   &recordingPublisher{},
		repl:  &fakeReplication{},
	}
	h.p = NewProcessor(store, log, Config{QueueSize: 16})
	h.p.SetPublisher(h.pub)
	h.p.SetReplication(h.repl)
	h.p.Start()

	t.Cleanup(func() {
		h.p.Stop()
		_ = log.Close()
		_ = store.Close()
	})
	return h
}

func (h *harness) exec(name string, args ...string) *wire.Reply {
	return h.p.Execute(context.Background(), wire.NewCommand(name, args...))
}

type manualClock struct {
	ms atomic.Int64
}

func (c *manualClock) now() time.Time { return time.UnixMilli(c.ms.Load()) }

func (c *manualClock) advance(d time.Duration) { c.ms.Add(d.Milliseconds()) }

// useClock must run before the first command that reads the time.
func (h *harness) useClock(startMs int64) *manualClock {
	c := &manualClock{}
	c.ms.Store(startMs)
	h.p.now = c.now
	return c
}

func TestProcessor_UnknownCommandAndArityKeepWorking(t *testing.T) {
	h := newHarness(t, oplog.Options{})

	tests := []struct {
		name string
		cmd  string
		args []string
		want string
	}{
		{"unknown", "FLY", nil, "ERR unknown command 'FLY'"},
		{"get without key", "GET", nil, "ERR wrong number of arguments for 'get' command"},
		{"set missing value", "SET", []string{"k"}, "ERR wrong number of arguments for 'set' command"},
		{"del extra arg", "DEL", []string{"a", "b"}, "ERR wrong number of arguments for 'del' command"},
		{"ping extra arg", "PING", []string{"a", "b"}, "ERR wrong number of arguments for 'ping' command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := h.exec(tt.cmd, tt.args...)
			require.True(t, r.IsError())
			require.Equal(t, tt.want, r.Str)
		})
	}

	r := h.exec("ping")
	require.Equal(t, wire.KindStatus, r.Kind)
	require.Equal(t, "PONG", r.Str)
	require.Equal(t, uint64(0), h.log.LastSeq())
}

func TestProcessor_SetGetDel(t *testing.T) {
	h := newHarness(t, oplog.Options{})

	require.Equal(t, "OK", h.exec("SET", "k", "v1").Str)
	require.Equal(t, []byte("v1"), h.exec("GET", "k").Bulk)
	require.Equal(t, int64(1), h.exec("EXISTS", "k").Int)

	require.Equal(t, int64(1), h.exec("del", "k").Int)
	require.Equal(t, int64(0), h.exec("DEL", "k").Int)
	require.Equal(t, wire.KindNil, h.exec("GET", "k").Kind)
	require.Equal(t, int64(0), h.exec("EXISTS", "k").Int)

	require.Equal(t, uint64(2), h.log.LastSeq())
}

func TestProcessor_CommitAppendsThenAppliesThenPublishes(t *testing.T) {
	h := newHarness(t, oplog.Options{})

	for i := 0; i < 5; i++ {
		require.Equal(t, "OK", h.exec("SET", fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i)).Str)
	}
	h.exec("DEL", "k0")

	published := h.pub.snapshot()
	require.Len(t, published, 6)
	for i, e := range published {
		require.Equal(t, uint64(i+1), e.Seq)
	}
	require.Equal(t, oplog.OpDel, published[5].Op)
	require.Equal(t, h.log.Tail(), published[5].Next)

	logged, err := h.log.Entries(context.Background(), 1, 100)
	require.NoError(t, err)
	require.Len(t, logged, 6)
	for i := range logged {
		require.Equal(t, published[i].Pos, logged[i].Pos)
		require.Equal(t, published[i].Key, logged[i].Key)
	}
}

func TestProcessor_RotationAdvancesStorageCheckpoint(t *testing.T) {
	h := newHarness(t, oplog.Options{SegmentSize: 128, SegmentCount: 10})
	require.True(t, h.log.Meta().StorageCheckpoint().IsZero())

	for i := 0; i < 20; i++ {
		require.Equal(t, "OK", h.exec("SET", fmt.Sprintf("key-%02d", i), "0123456789").Str)
	}

	cp := h.log.Meta().StorageCheckpoint()
	require.Equal(t, h.log.LogID(), cp.LogID)
	require.Equal(t, int64(0), cp.Position.Offset)
	require.Greater(t, cp.Position.Segment, uint64(1))
	require.LessOrEqual(t, cp.Position.Segment, h.log.Tail().Segment)
}

func TestProcessor_ReplicaRejectsWrites(t *testing.T) {
	h := newHarness(t, oplog.Options{})
	require.Equal(t, "OK", h.exec("SET", "k", "v").Str)

	require.Equal(t, "OK", h.exec("SLAVEOF", "127.0.0.1", "5527").Str)
	require.Equal(t, "127.0.0.1:5527", h.repl.Upstream())

	for _, args := range [][]string{{"SET", "k", "x"}, {"DEL", "k"}, {"EXPIRE", "k", "10"}, {"FLUSHDB"}} {
		r := h.exec(args[0], args[1:]...)
		require.True(t, r.IsError())
		require.Contains(t, r.Str, "READONLY")
	}
	require.Equal(t, []byte("v"), h.exec("GET", "k").Bulk)
	require.Contains(t, string(h.exec("INFO").Bulk), "role:slave")

	require.Equal(t, "OK", h.exec("SLAVEOF", "no", "one").Str)
	require.Equal(t, "", h.repl.Upstream())
	require.Equal(t, "OK", h.exec("SET", "k", "x").Str)
}

func TestProcessor_SlaveofValidatesAddress(t *testing.T) {
	h := newHarness(t, oplog.Options{})

	require.True(t, h.exec("SLAVEOF", "localhost").IsError())
	require.True(t, h.exec("SLAVEOF", "localhost", "port").IsError())
	require.Equal(t, "OK", h.exec("SLAVEOF", "localhost:6000").Str)
	require.Equal(t, "localhost:6000", h.repl.Upstream())
}

func TestProcessor_ScanPaginates(t *testing.T) {
	h := newHarness(t, oplog.Options{})

	want := map[string]bool{}
	for i := 0; i < 25; i++ {
		k := fmt.Sprintf("key-%02d", i)
		want[k] = true
		require.Equal(t, "OK", h.exec("SET", k, "v").Str)
	}

	seen := map[string]bool{}
	cursor := "0"
	pages := 0
	for {
		r := h.exec("SCAN", cursor, "COUNT", "10")
		require.False(t, r.IsError(), r.Str)
		require.Len(t, r.Array, 2)
		for _, k := range r.Array[1].Array {
			require.False(t, seen[string(k.Bulk)], "duplicate key %s", k.Bulk)
			seen[string(k.Bulk)] = true
		}
		pages++
		cursor = string(r.Array[0].Bulk)
		if cursor == "0" {
			break
		}
	}
	require.Equal(t, want, seen)
	require.Equal(t, 3, pages)

	require.True(t, h.exec("SCAN", "zz").IsError())
	require.True(t, h.exec("SCAN", "0", "-1").IsError())
}

func TestProcessor_Getop(t *testing.T) {
	h := newHarness(t, oplog.Options{})

	h.exec("SET", "k", "v")
	h.exec("SET", "k2", "v2")
	h.exec("DEL", "k")

	r := h.exec("GETOP", "1")
	require.Len(t, r.Array, 3)
	require.Equal(t, "SET", string(r.Array[0].Array[0].Bulk))
	require.Equal(t, "k", string(r.Array[0].Array[1].Bulk))
	require.Equal(t, "v", string(r.Array[0].Array[2].Bulk))
	require.Len(t, r.Array[0].Array, 4)
	require.Equal(t, "0", string(r.Array[0].Array[3].Bulk))
	require.Len(t, r.Array[2].Array, 2)
	require.Equal(t, "DEL", string(r.Array[2].Array[0].Bulk))

	require.Len(t, h.exec("GETOP", "1", "2").Array, 2)
	require.Equal(t, wire.KindNil, h.exec("GETOP", "4").Kind)
	require.True(t, h.exec("GETOP", "x").IsError())
}

func TestProcessor_InfoReportsOplog(t *testing.T) {
	h := newHarness(t, oplog.Options{})

	info := string(h.exec("INFO").Bulk)
	require.Contains(t, info, "role:master")
	require.Contains(t, info, "oplog.first:0\r\n")
	require.Contains(t, info, "oplog.last:0\r\n")

	h.exec("SET", "k", "v")
	info = string(h.exec("INFO").Bulk)
	require.Contains(t, info, "oplog.first:1\r\n")
	require.Contains(t, info, "oplog.last:1\r\n")
}

func TestProcessor_ReplicateRelogsAndPublishes(t *testing.T) {
	h := newHarness(t, oplog.Options{})

	called := false
	err := h.p.Replicate(context.Background(), oplog.Entry{Seq: 77, Op: oplog.OpSet, Key: []byte("r"), Value: []byte("1")}, func() error {
		called = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, called)

	require.Equal(t, []byte("1"), h.exec("GET", "r").Bulk)
	require.Equal(t, uint64(1), h.log.LastSeq())
	require.Len(t, h.pub.snapshot(), 1)
}

func TestProcessor_ReplicateAfterFailureKeepsCommitAndReappliesIdempotently(t *testing.T) {
	h := newHarness(t, oplog.Options{})
	ctx := context.Background()
	e := oplog.Entry{Seq: 9, Op: oplog.OpSet, Key: []byte("r"), Value: []byte("1"), ExpireAt: 4_000_000_000_000}

	saveErr := errors.New("checkpoint disk full")
	err := h.p.Replicate(ctx, e, func() error { return saveErr })
	require.ErrorIs(t, err, saveErr)
	require.Equal(t, uint64(1), h.log.LastSeq())

	// the master resends the record after the reconnect
	require.NoError(t, h.p.Replicate(ctx, e, nil))
	require.Equal(t, uint64(2), h.log.LastSeq())

	item, err := h.store.Get([]byte("r"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), item.Value)
	require.Equal(t, e.ExpireAt, item.ExpireAt)
	require.Len(t, h.pub.snapshot(), 2)
}

func TestProcessor_ResetForFullSyncClearsState(t *testing.T) {
	h := newHarness(t, oplog.Options{})
	h.exec("SET", "a", "1")
	h.exec("SET", "b", "2")
	oldID := h.log.LogID()

	require.NoError(t, h.p.ResetForFullSync(context.Background(), nil))
	require.NotEqual(t, oldID, h.log.LogID())
	require.Equal(t, 1, h.pub.resets)
	require.Equal(t, wire.KindNil, h.exec("GET", "a").Kind)
	require.Equal(t, h.log.Checkpoint(h.log.Tail()), h.log.Meta().StorageCheckpoint())

	require.NoError(t, h.p.LoadBatch(context.Background(), []storage.Pair{{Key: []byte("c"), Value: []byte("3")}}, true))
	require.Equal(t, []byte("3"), h.exec("GET", "c").Bulk)
	require.Equal(t, uint64(0), h.log.FirstSeq())
}

func TestProcessor_StoppedProcessorRejectsWrites(t *testing.T) {
	h := newHarness(t, oplog.Options{})
	h.p.Stop()

	r := h.exec("SET", "k", "v")
	require.True(t, r.IsError())
	require.Equal(t, "ERR server is shutting down", r.Str)
	require.Equal(t, "PONG", h.exec("PING").Str)
}

func TestProcessor_WithoutOplog(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewService(storage.Options{Path: filepath.Join(dir, "db")})
	require.NoError(t, err)
	defer store.Close()

	p := NewProcessor(store, nil, Config{QueueSize: 4})
	p.Start()
	defer p.Stop()

	ctx := context.Background()
	require.Equal(t, "OK", p.Execute(ctx, wire.NewCommand("SET", "k", "v")).Str)
	require.Equal(t, []byte("v"), p.Execute(ctx, wire.NewCommand("GET", "k")).Bulk)
	require.True(t, p.Execute(ctx, wire.NewCommand("GETOP", "1")).IsError())
	require.Contains(t, string(p.Execute(ctx, wire.NewCommand("INFO")).Bulk), "oplog.enabled:0")
}

func TestProcessor_FullQueueFailsFast(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewService(storage.Options{Path: filepath.Join(dir, "db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	// Not started: the single slot stays occupied.
	p := NewProcessor(store, nil, Config{QueueSize: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	noop := func() (*wire.Reply, error) { return wire.OK(), nil }

	_, err = p.submit(ctx, "first", false, noop)
	require.ErrorIs(t, err, context.Canceled)

	_, err = p.submit(context.Background(), "second", false, noop)
	require.ErrorIs(t, err, ErrQueueFull)

	p.Start()
	p.Stop()

	r := p.Execute(context.Background(), wire.NewCommand("SET", "k", "v"))
	require.True(t, r.IsError())
}

func TestProcessor_OplogFailureIsFatal(t *testing.T) {
	h := newHarness(t, oplog.Options{})
	require.False(t, h.exec("SET", "a", "1").IsError())
	require.NoError(t, h.log.Close())

	r := h.exec("SET", "b", "2")
	require.True(t, r.IsError())

	select {
	case err := <-h.p.Fatal():
		require.ErrorIs(t, err, oplog.ErrClosed)
	default:
		t.Fatal("oplog failure was not reported")
	}

	_, err := h.store.Get([]byte("b"))
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestProcessor_OversizedCountsAreRejected(t *testing.T) {
	h := newHarness(t, oplog.Options{})
	require.Equal(t, "OK", h.exec("SET", "k", "v").Str)

	tests := []struct {
		name string
		cmd  string
		args []string
	}{
		{"scan max int64", "SCAN", []string{"0", "9223372036854775807"}},
		{"scan count keyword", "SCAN", []string{"0", "COUNT", "1099511627776"}},
		{"scan beyond int64", "SCAN", []string{"0", "99999999999999999999"}},
		{"scan just above cap", "SCAN", []string{"0", "10001"}},
		{"scan zero", "SCAN", []string{"0", "0"}},
		{"getop huge", "GETOP", []string{"1", "99999999"}},
		{"getop max int64", "GETOP", []string{"1", "9223372036854775807"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := h.exec(tt.cmd, tt.args...)
			require.True(t, r.IsError())
			require.Contains(t, r.Str, "ERR syntax error")
		})
	}

	r := h.exec("SCAN", "0", "COUNT", "10000")
	require.False(t, r.IsError())
	require.Len(t, r.Array[1].Array, 1)
	require.Len(t, h.exec("GETOP", "1", "10000").Array, 1)
	require.Equal(t, "PONG", h.exec("PING").Str)
}

func TestProcessor_ApplyFailureAfterAppendIsPublishedAndFatal(t *testing.T) {
	h := newHarness(t, oplog.Options{})
	require.NoError(t, h.store.Close())

	r := h.exec("SET", "k", "v")
	require.True(t, r.IsError())

	published := h.pub.snapshot()
	require.Len(t, published, 1)
	require.Equal(t, uint64(1), published[0].Seq)
	require.Equal(t, []byte("k"), published[0].Key)

	select {
	case err := <-h.p.Fatal():
		require.ErrorIs(t, err, storage.ErrClosed)
	default:
		t.Fatal("storage failure was not reported")
	}

	logged, err := h.log.Entries(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Len(t, logged, 1)

	// Nothing else is committed once the node is halted.
	r = h.exec("SET", "k2", "v2")
	require.True(t, r.IsError())
	require.Contains(t, r.Str, "commit path halted")
	require.Equal(t, uint64(1), h.log.LastSeq())
	require.Len(t, h.pub.snapshot(), 1)
}

func TestProcessor_ExpireAndTTL(t *testing.T) {
	h := newHarness(t, oplog.Options{})
	clock := h.useClock(1_000_000)

	require.Equal(t, "OK", h.exec("SET", "k", "v").Str)
	require.Equal(t, "OK", h.exec("SET", "p", "v").Str)

	require.Equal(t, int64(-1), h.exec("TTL", "k").Int)
	require.Equal(t, int64(-2), h.exec("TTL", "missing").Int)
	require.Equal(t, int64(0), h.exec("EXPIRE", "missing", "10").Int)
	require.Equal(t, int64(1), h.exec("EXPIRE", "k", "10").Int)
	require.Equal(t, int64(10), h.exec("TTL", "k").Int)

	r := h.exec("GETOP", "3")
	require.Len(t, r.Array, 1)
	require.Equal(t, []string{"SET", "k", "v", "1010000"}, []string{
		string(r.Array[0].Array[0].Bulk),
		string(r.Array[0].Array[1].Bulk),
		string(r.Array[0].Array[2].Bulk),
		string(r.Array[0].Array[3].Bulk),
	})

	clock.advance(4400 * time.Millisecond)
	require.Equal(t, int64(6), h.exec("TTL", "k").Int)
	require.Equal(t, []byte("v"), h.exec("GET", "k").Bulk)

	clock.advance(6 * time.Second)
	require.Equal(t, wire.KindNil, h.exec("GET", "k").Kind)
	require.Equal(t, int64(0), h.exec("EXISTS", "k").Int)
	require.Equal(t, int64(-2), h.exec("TTL", "k").Int)
	require.Equal(t, int64(0), h.exec("EXPIRE", "k", "10").Int)

	scan := h.exec("SCAN", "0")
	require.Len(t, scan.Array[1].Array, 1)
	require.Equal(t, []byte("p"), scan.Array[1].Array[0].Bulk)

	// A plain SET drops the expiry.
	require.Equal(t, "OK", h.exec("SET", "k", "v2").Str)
	require.Equal(t, int64(-1), h.exec("TTL", "k").Int)

	require.True(t, h.exec("EXPIRE", "k", "soon").IsError())
	require.True(t, h.exec("EXPIRE", "k", "9223372036854775807").IsError())
}

func TestProcessor_ExpireNonPositiveDeletes(t *testing.T) {
	tests := []struct {
		name string
		secs string
	}{
		{"zero", "0"},
		{"negative", "-5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, oplog.Options{})
			h.exec("SET", "k", "v")

			require.Equal(t, int64(1), h.exec("EXPIRE", "k", tt.secs).Int)
			require.Equal(t, wire.KindNil, h.exec("GET", "k").Kind)

			logged, err := h.log.Entries(context.Background(), 2, 10)
			require.NoError(t, err)
			require.Len(t, logged, 1)
			require.Equal(t, oplog.OpDel, logged[0].Op)
		})
	}
}

func TestProcessor_FlushdbLogsDeletes(t *testing.T) {
	h := newHarness(t, oplog.Options{})
	for _, k := range []string{"a", "b", "c"} {
		h.exec("SET", k, "1")
	}

	require.Equal(t, "OK", h.exec("FLUSHDB").Str)
	require.Empty(t, h.exec("SCAN", "0").Array[1].Array)

	logged, err := h.log.Entries(context.Background(), 4, 10)
	require.NoError(t, err)
	require.Len(t, logged, 3)
	for i, k := range []string{"a", "b", "c"} {
		require.Equal(t, oplog.OpDel, logged[i].Op)
		require.Equal(t, []byte(k), logged[i].Key)
	}
	require.Len(t, h.pub.snapshot(), 6)

	require.Equal(t, "OK", h.exec("FLUSHDB").Str)
	require.Equal(t, uint64(6), h.log.LastSeq())
}

func TestProcessor_SweepExpiredDeletesThroughOplog(t *testing.T) {
	h := newHarness(t, oplog.Options{})
	clock := h.useClock(1_000_000)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		h.exec("SET", k, "1")
	}
	h.exec("EXPIRE", "a", "1")
	h.exec("EXPIRE", "b", "1")

	n, err := h.p.SweepExpired(ctx, 100)
	require.NoError(t, err)
	require.Zero(t, n)

	clock.advance(2 * time.Second)
	n, err = h.p.SweepExpired(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, err = h.store.Get([]byte("a"))
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = h.store.Get([]byte("c"))
	require.NoError(t, err)

	logged, err := h.log.Entries(ctx, 6, 10)
	require.NoError(t, err)
	require.Len(t, logged, 2)
	require.Equal(t, oplog.OpDel, logged[0].Op)
	require.Equal(t, []byte("a"), logged[0].Key)
	require.Equal(t, []byte("b"), logged[1].Key)

	n, err = h.p.SweepExpired(ctx, 100)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestProcessor_ReplicaLeavesExpiryToMaster(t *testing.T) {
	h := newHarness(t, oplog.Options{})
	clock := h.useClock(1_000_000)

	h.exec("SET", "k", "v")
	h.exec("EXPIRE", "k", "1")
	require.Equal(t, "OK", h.exec("SLAVEOF", "127.0.0.1", "5527").Str)
	clock.advance(2 * time.Second)

	n, err := h.p.SweepExpired(context.Background(), 100)
	require.NoError(t, err)
	require.Zero(t, n)

	item, err := h.store.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, item.Expired(uint64(clock.ms.Load())))
	require.Equal(t, wire.KindNil, h.exec("GET", "k").Kind)
	require.Equal(t, uint64(2), h.log.LastSeq())
}

func TestProcessor_TaskOutcomesAreCounted(t *testing.T) {
	h := newHarness(t, oplog.Options{})

	value := func(task string, status TaskStatus) float64 {
		var m dto.Metric
		require.NoError(t, metrics.DispatcherTasksTotal.WithLabelValues(task, status.String()).Write(&m))
		return m.GetCounter().GetValue()
	}

	completed := value("SET", Completed)
	failed := value("EXPIRE", Failed)

	h.exec("SET", "k", "v")
	h.exec("EXPIRE", "k", "x")

	require.Equal(t, completed+1, value("SET", Completed))
	require.Equal(t, failed+1, value("EXPIRE", Failed))
}

func TestFinalStatus(t *testing.T) {
	tests := []struct {
		name      string
		r         result
		abandoned bool
		want      TaskStatus
	}{
		{"ok reply", result{reply: wire.OK()}, false, Completed},
		{"error", result{err: ErrSyntax}, false, Failed},
		{"error reply", result{reply: wire.Error("ERR x")}, false, Failed},
		{"caller gone", result{reply: wire.OK()}, true, Abandoned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, finalStatus(tt.r, tt.abandoned))
			require.Equal(t, tt.want.String(), finalStatus(tt.r, tt.abandoned).String())
		})
	}
}
