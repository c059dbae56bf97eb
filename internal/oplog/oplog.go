package oplog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/client/pkg/v3/fileutil"

	"ndb/internal/metrics"
)

const (
	DefaultSegmentSize  = 1 << 20
	DefaultSegmentCount = 100

	lockFileName = "LOCK"
	metaDirName  = "meta"
)

type Options struct {
	// SegmentSize is the size at which the active segment is sealed.
	SegmentSize int64
	// SegmentCount is the number of sealed segments kept on disk.
	SegmentCount int
	// Sync forces an fdatasync after every append.
	Sync bool
}

func (o Options) withDefaults() Options {
	if o.SegmentSize <= 0 {
		o.SegmentSize = DefaultSegmentSize
	}
	if o.SegmentCount <= 0 {
		o.SegmentCount = DefaultSegmentCount
	}
	return o
}

// Oplog is an append-only sequence of mutation records spread over numbered
// segment files. Only the last segment accepts appends.
type Oplog struct {
	dir  string
	opts Options
	meta *MetaLog
	lock *fileutil.LockedFile

	mu         sync.RWMutex
	segs       []segmentInfo
	active     *os.File
	activeSize int64
	firstSeq   uint64
	lastSeq    uint64
	logID      string
	broken     error
	closed     bool
	notify     chan struct{}
}

func Open(dir string, opts Options) (*Oplog, error) {
	opts = opts.withDefaults()

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %v", ErrOplog, dir, err)
	}

	lock, err := fileutil.TryLockFile(filepath.Join(dir, lockFileName), os.O_WRONLY|os.O_CREATE, fileutil.PrivateFileMode)
	if err != nil {
		if errors.Is(err, fileutil.ErrLocked) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
		}
		return nil, fmt.Errorf("%w: lock %s: %v", ErrOplog, dir, err)
	}

	meta, err := OpenMetaLog(MetaDir(dir), !opts.Sync)
	if err != nil {
		lock.Close()
		return nil, fmt.Errorf("%w: meta: %v", ErrOplog, err)
	}

	o := &Oplog{
		dir:    dir,
		opts:   opts,
		meta:   meta,
		lock:   lock,
		notify: make(chan struct{}),
	}

	if err := o.load(); err != nil {
		o.closeFiles()
		return nil, fmt.Errorf("%w: %v", ErrOplog, err)
	}

	slog.Info("oplog opened",
		"dir", dir,
		"log_id", o.logID,
		"segments", len(o.segs),
		"first_seq", o.firstSeq,
		"last_seq", o.lastSeq,
		"tail", o.tailLocked().String(),
	)
	return o, nil
}

func (o *Oplog) load() error {
	ids, err := listSegments(o.dir)
	if err != nil {
		return err
	}

	o.logID = o.meta.LogID()
	if len(ids) == 0 || o.logID == "" {
		o.logID = uuid.NewString()
		if err := o.meta.SaveLogID(o.logID); err != nil {
			return err
		}
	}

	if len(ids) == 0 {
		f, err := createSegment(o.dir, 1)
		if err != nil {
			return err
		}
		o.active = f
		o.segs = []segmentInfo{{id: 1}}
		o.lastSeq = o.meta.HighWater()
		o.updateGauges()
		return nil
	}

	for _, id := range ids[:len(ids)-1] {
		st, err := os.Stat(segmentPath(o.dir, id))
		if err != nil {
			return fmt.Errorf("stat segment %d: %w", id, err)
		}
		o.segs = append(o.segs, segmentInfo{id: id, size: st.Size()})
	}

	activeID := ids[len(ids)-1]
	path := segmentPath(o.dir, activeID)
	res, err := scanSegment(path, activeID)
	if err != nil {
		return err
	}
	if res.validSize < res.size {
		slog.Warn("truncating torn oplog tail",
			"segment", activeID,
			"valid_size", res.validSize,
			"size", res.size,
		)
		if err := os.Truncate(path, res.validSize); err != nil {
			return fmt.Errorf("truncate segment %d: %w", activeID, err)
		}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return fmt.Errorf("open segment %d: %w", activeID, err)
	}
	o.active = f
	o.activeSize = res.validSize
	o.segs = append(o.segs, segmentInfo{id: activeID, size: res.validSize})

	last := res.last
	if res.records == 0 && len(o.segs) > 1 {
		prev := o.segs[len(o.segs)-2].id
		pres, err := scanSegment(segmentPath(o.dir, prev), prev)
		if err != nil {
			return err
		}
		last = pres.last
	}
	o.lastSeq = max(o.meta.HighWater(), last)

	if err := o.refreshFirstSeqLocked(); err != nil {
		return err
	}
	o.updateGauges()
	return nil
}

// Meta exposes the metadata log stored alongside the segments.
func (o *Oplog) Meta() *MetaLog { return o.meta }

// MetaDir is where an oplog rooted at dir keeps its metadata log. A node
// running without an oplog opens it on its own to keep checkpoints.
func MetaDir(dir string) string { return filepath.Join(dir, metaDirName) }

// Append logs a mutation that never expires.
func (o *Oplog) Append(op Opcode, key, value []byte) (Entry, bool, error) {
	return o.AppendEntry(Entry{Op: op, Key: key, Value: value})
}

// AppendEntry writes one record to the active segment and rotates when the
// size threshold is reached. Only Op, Key, Value and ExpireAt of e are used.
// A returned error leaves the log broken.
func (o *Oplog) AppendEntry(e Entry) (Entry, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return Entry{}, false, ErrClosed
	}
	if o.broken != nil {
		return Entry{}, false, fmt.Errorf("%w: log is broken: %v", ErrOplog, o.broken)
	}

	start := time.Now()
	seq := o.lastSeq + 1
	e = Entry{Seq: seq, Op: e.Op, Key: e.Key, Value: e.Value, ExpireAt: e.ExpireAt}
	frame := encodeFrame(e)
	if len(frame)-headerSize > maxRecordSize {
		return Entry{}, false, fmt.Errorf("%w: record of %d bytes exceeds limit", ErrOplog, len(frame))
	}

	if _, err := o.active.Write(frame); err != nil {
		return Entry{}, false, o.failLocked(fmt.Errorf("write: %w", err))
	}
	if o.opts.Sync {
		if err := fileutil.Fdatasync(o.active); err != nil {
			return Entry{}, false, o.failLocked(fmt.Errorf("fdatasync: %w", err))
		}
	}

	id := o.activeID()
	e.Pos = Position{Segment: id, Offset: o.activeSize}
	o.activeSize += int64(len(frame))
	o.segs[len(o.segs)-1].size = o.activeSize
	o.lastSeq = seq
	if o.firstSeq == 0 {
		o.firstSeq = seq
	}
	e.Next = Position{Segment: id, Offset: o.activeSize}

	metrics.OplogAppendsTotal.Inc()
	metrics.OplogBytesTotal.Add(float64(len(frame)))
	metrics.OplogLastSeq.Set(float64(seq))

	rotated := false
	if o.activeSize >= o.opts.SegmentSize {
		if err := o.rotateLocked(); err != nil {
			return Entry{}, false, o.failLocked(err)
		}
		rotated = true
		e.Next = Position{Segment: o.activeID(), Offset: 0}
	}

	metrics.OplogAppendDuration.Observe(time.Since(start).Seconds())
	o.broadcastLocked()
	return e, rotated, nil
}

func (o *Oplog) rotateLocked() error {
	sealed := o.activeID()
	if err := fileutil.Fsync(o.active); err != nil {
		return fmt.Errorf("sync segment %d: %w", sealed, err)
	}
	if err := o.active.Close(); err != nil {
		return fmt.Errorf("close segment %d: %w", sealed, err)
	}

	f, err := createSegment(o.dir, sealed+1)
	if err != nil {
		return err
	}
	o.active = f
	o.activeSize = 0
	o.segs = append(o.segs, segmentInfo{id: sealed + 1})

	if err := o.meta.SaveHighWater(o.lastSeq); err != nil {
		return fmt.Errorf("save high-water: %w", err)
	}

	metrics.OplogRotationsTotal.Inc()
	slog.Debug("oplog segment sealed", "segment", sealed, "next", sealed+1, "last_seq", o.lastSeq)

	if err := o.retainLocked(); err != nil {
		return err
	}
	o.updateGauges()
	return nil
}

// retainLocked deletes the oldest sealed segments beyond the configured count,
// whether or not a replica still needs them.
func (o *Oplog) retainLocked() error {
	reclaimed := false
	for len(o.segs)-1 > o.opts.SegmentCount {
		victim := o.segs[0].id
		if err := os.Remove(segmentPath(o.dir, victim)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove segment %d: %w", victim, err)
		}
		o.segs = o.segs[1:]
		reclaimed = true
		metrics.OplogReclaimedTotal.Inc()
		slog.Debug("oplog segment reclaimed", "segment", victim)
	}
	if !reclaimed {
		return nil
	}
	return o.refreshFirstSeqLocked()
}

func (o *Oplog) refreshFirstSeqLocked() error {
	o.firstSeq = 0
	for _, s := range o.segs {
		seq, err := firstSeqOf(segmentPath(o.dir, s.id), s.id)
		if err != nil {
			return fmt.Errorf("read first record of segment %d: %w", s.id, err)
		}
		if seq != 0 {
			o.firstSeq = seq
			return nil
		}
	}
	return nil
}

// Reset discards every segment and starts a new log under a fresh identity.
// Sequence numbers continue from the previous high-water mark.
func (o *Oplog) Reset() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrClosed
	}
	if o.broken != nil {
		return fmt.Errorf("%w: log is broken: %v", ErrOplog, o.broken)
	}

	next := o.activeID() + 1
	if err := o.active.Close(); err != nil {
		return o.failLocked(fmt.Errorf("close active segment: %w", err))
	}
	for _, s := range o.segs {
		if err := os.Remove(segmentPath(o.dir, s.id)); err != nil && !os.IsNotExist(err) {
			return o.failLocked(fmt.Errorf("remove segment %d: %w", s.id, err))
		}
	}

	f, err := createSegment(o.dir, next)
	if err != nil {
		return o.failLocked(err)
	}
	o.active = f
	o.activeSize = 0
	o.segs = []segmentInfo{{id: next}}
	o.firstSeq = 0

	o.logID = uuid.NewString()
	if err := o.meta.SaveLogID(o.logID); err != nil {
		return o.failLocked(err)
	}
	if err := o.meta.SaveHighWater(o.lastSeq); err != nil {
		return o.failLocked(err)
	}

	slog.Info("oplog reset", "log_id", o.logID, "segment", next, "last_seq", o.lastSeq)
	o.updateGauges()
	o.broadcastLocked()
	return nil
}

// ReadFrom opens a cursor at pos. With follow set the cursor waits for new
// records at the tail instead of returning io.EOF.
func (o *Oplog) ReadFrom(pos Position, follow bool) (*Cursor, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.closed {
		return nil, ErrClosed
	}
	p, err := o.normalizeLocked(pos)
	if err != nil {
		return nil, err
	}
	return &Cursor{log: o, pos: p, follow: follow}, nil
}

// normalizeLocked maps a position at the end of a sealed segment to the start
// of the next one and rejects positions outside the retained range.
func (o *Oplog) normalizeLocked(pos Position) (Position, error) {
	idx := o.indexLocked(pos.Segment)
	if idx < 0 {
		return Position{}, fmt.Errorf("%w: %s (retained %s..%s)",
			ErrPositionNotRetained, pos, o.firstLocked(), o.tailLocked())
	}
	for idx < len(o.segs)-1 && pos.Offset == o.segs[idx].size {
		idx++
		pos = Position{Segment: o.segs[idx].id}
	}
	if pos.Offset < 0 || pos.Offset > o.segs[idx].size {
		return Position{}, fmt.Errorf("%w: %s beyond segment end %d",
			ErrPositionNotRetained, pos, o.segs[idx].size)
	}
	return pos, nil
}

func (o *Oplog) indexLocked(id uint64) int {
	for i, s := range o.segs {
		if s.id == id {
			return i
		}
	}
	return -1
}

// Entries returns up to count records starting with the first record whose
// sequence is at least from.
func (o *Oplog) Entries(ctx context.Context, from uint64, count int) ([]Entry, error) {
	start, err := o.positionForSeq(from)
	if err != nil {
		return nil, err
	}

	c, err := o.ReadFrom(start, false)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	var out []Entry
	for len(out) < count {
		e, err := c.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return out, err
		}
		if e.Seq >= from {
			out = append(out, e)
		}
	}
	return out, nil
}

// positionForSeq picks the newest segment whose first record does not come
// after seq.
func (o *Oplog) positionForSeq(seq uint64) (Position, error) {
	o.mu.RLock()
	ids := make([]uint64, len(o.segs))
	for i, s := range o.segs {
		ids[i] = s.id
	}
	o.mu.RUnlock()

	start := Position{Segment: ids[0]}
	for i := len(ids) - 1; i >= 0; i-- {
		first, err := firstSeqOf(segmentPath(o.dir, ids[i]), ids[i])
		if err != nil {
			if os.IsNotExist(err) {
				break
			}
			return Position{}, fmt.Errorf("%w: %v", ErrOplog, err)
		}
		if first != 0 && first <= seq {
			start = Position{Segment: ids[i]}
			break
		}
	}
	return start, nil
}

func (o *Oplog) Tail() Position {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.tailLocked()
}

func (o *Oplog) tailLocked() Position {
	return Position{Segment: o.activeID(), Offset: o.activeSize}
}

func (o *Oplog) First() Position {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.firstLocked()
}

func (o *Oplog) firstLocked() Position {
	return Position{Segment: o.segs[0].id}
}

// FirstSeq is the sequence of the oldest retained record, 0 when the log holds
// no records.
func (o *Oplog) FirstSeq() uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.firstSeq
}

func (o *Oplog) LastSeq() uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastSeq
}

func (o *Oplog) Segments() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.segs)
}

func (o *Oplog) LogID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.logID
}

// Checkpoint qualifies pos with the current log identity.
func (o *Oplog) Checkpoint(pos Position) Checkpoint {
	return Checkpoint{LogID: o.LogID(), Position: pos}
}

// Retained reports whether cp points into the current log at a position a
// cursor can still be opened at.
func (o *Oplog) Retained(cp Checkpoint) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if cp.IsZero() || cp.LogID != o.logID {
		return false
	}
	_, err := o.normalizeLocked(cp.Position)
	return err == nil
}

func (o *Oplog) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil
	}
	o.closed = true
	o.broadcastLocked()

	var errs []error
	if o.active != nil && o.broken == nil {
		if err := fileutil.Fsync(o.active); err != nil {
			errs = append(errs, err)
		}
	}
	if err := o.closeFiles(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (o *Oplog) closeFiles() error {
	var errs []error
	if o.active != nil {
		if err := o.active.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if err := o.meta.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := o.lock.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (o *Oplog) activeID() uint64 { return o.segs[len(o.segs)-1].id }

func (o *Oplog) failLocked(err error) error {
	o.broken = err
	slog.Error("oplog broken", "error", err)
	return fmt.Errorf("%w: %v", ErrOplog, err)
}

func (o *Oplog) broadcastLocked() {
	close(o.notify)
	o.notify = make(chan struct{})
}

func (o *Oplog) updateGauges() {
	metrics.OplogSegments.Set(float64(len(o.segs)))
	metrics.OplogLastSeq.Set(float64(o.lastSeq))
}
