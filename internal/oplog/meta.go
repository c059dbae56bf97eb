package oplog

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/tidwall/wal"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	recordLogID             byte = 1
	recordHighWater         byte = 2
	recordStorageCheckpoint byte = 3
	recordReplCheckpoint    byte = 4
)

const (
	metaFieldLogID   protowire.Number = 1
	metaFieldSeq     protowire.Number = 2
	metaFieldSegment protowire.Number = 3
	metaFieldOffset  protowire.Number = 4
)

// compactEvery bounds the number of records kept before the current state is
// rewritten and older records are truncated.
const compactEvery = 4096

type metaState struct {
	logID     string
	highWater uint64
	storage   Checkpoint
	repl      Checkpoint
}

// MetaLog persists the small pieces of node state that must survive a crash:
// log identity, sequence high-water mark, and the storage and replication
// checkpoints. The newest record of each type wins on replay.
type MetaLog struct {
	mu sync.Mutex

	log     *wal.Log
	nextIdx uint64
	written int
	state   metaState
}

func OpenMetaLog(dir string, noSync bool) (*MetaLog, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}

	opts := *wal.DefaultOptions
	opts.NoSync = noSync
	log, err := wal.Open(dir, &opts)
	if err != nil {
		return nil, fmt.Errorf("wal.Open: %w", err)
	}

	m := &MetaLog{log: log, nextIdx: 1}
	if err := m.replay(); err != nil {
		log.Close()
		return nil, err
	}
	return m, nil
}

func (m *MetaLog) replay() error {
	last, err := m.log.LastIndex()
	if err != nil {
		return fmt.Errorf("wal.LastIndex: %w", err)
	}
	if last == 0 {
		return nil
	}

	first, err := m.log.FirstIndex()
	if err != nil {
		return fmt.Errorf("wal.FirstIndex: %w", err)
	}

	for idx := first; idx <= last; idx++ {
		data, err := m.log.Read(idx)
		if err != nil {
			return fmt.Errorf("wal.Read(%d): %w", idx, err)
		}

		recType, payload, err := unmarshalRecord(data)
		if err != nil {
			return fmt.Errorf("unmarshal meta record %d: %w", idx, err)
		}

		cp, seq, err := decodeMetaPayload(payload)
		if err != nil {
			return fmt.Errorf("decode meta record %d: %w", idx, err)
		}

		switch recType {
		case recordLogID:
			m.state.logID = cp.LogID
		case recordHighWater:
			m.state.highWater = seq
		case recordStorageCheckpoint:
			m.state.storage = cp
		case recordReplCheckpoint:
			m.state.repl = cp
		default:
			slog.Warn("skipping unknown meta record", "index", idx, "type", recType)
		}
	}

	m.nextIdx = last + 1
	m.written = int(last - first + 1)

	slog.Debug("replayed oplog meta",
		"first", first,
		"last", last,
		"log_id", m.state.logID,
		"high_water", m.state.highWater,
		"storage_checkpoint", m.state.storage.String(),
		"repl_checkpoint", m.state.repl.String(),
	)
	return nil
}

func (m *MetaLog) LogID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.logID
}

func (m *MetaLog) HighWater() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.highWater
}

func (m *MetaLog) StorageCheckpoint() Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.storage
}

func (m *MetaLog) ReplCheckpoint() Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.repl
}

func (m *MetaLog) SaveLogID(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.appendLocked(recordLogID, Checkpoint{LogID: id}, 0); err != nil {
		return err
	}
	m.state.logID = id
	return nil
}

func (m *MetaLog) SaveHighWater(seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if seq <= m.state.highWater {
		return nil
	}
	if err := m.appendLocked(recordHighWater, Checkpoint{}, seq); err != nil {
		return err
	}
	m.state.highWater = seq
	return nil
}

func (m *MetaLog) SaveStorageCheckpoint(cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.appendLocked(recordStorageCheckpoint, cp, 0); err != nil {
		return err
	}
	m.state.storage = cp
	return nil
}

// SaveReplCheckpoint records how far this node has consumed its master's log.
// A zero checkpoint forgets the position and forces a full sync next time.
func (m *MetaLog) SaveReplCheckpoint(cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.appendLocked(recordReplCheckpoint, cp, 0); err != nil {
		return err
	}
	m.state.repl = cp
	return nil
}

func (m *MetaLog) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.log == nil {
		return nil
	}
	err := m.log.Close()
	m.log = nil
	return err
}

func (m *MetaLog) appendLocked(recType byte, cp Checkpoint, seq uint64) error {
	if m.log == nil {
		return ErrClosed
	}

	data := marshalRecord(recType, encodeMetaPayload(cp, seq))
	if err := m.log.Write(m.nextIdx, data); err != nil {
		return fmt.Errorf("wal.Write(%d): %w", m.nextIdx, err)
	}
	m.nextIdx++
	m.written++

	if m.written >= compactEvery {
		return m.compactLocked()
	}
	return nil
}

// compactLocked rewrites the current state and truncates everything before it.
func (m *MetaLog) compactLocked() error {
	start := m.nextIdx

	records := []struct {
		typ byte
		cp  Checkpoint
		seq uint64
	}{
		{recordLogID, Checkpoint{LogID: m.state.logID}, 0},
		{recordHighWater, Checkpoint{}, m.state.highWater},
		{recordStorageCheckpoint, m.state.storage, 0},
		{recordReplCheckpoint, m.state.repl, 0},
	}

	for _, r := range records {
		data := marshalRecord(r.typ, encodeMetaPayload(r.cp, r.seq))
		if err := m.log.Write(m.nextIdx, data); err != nil {
			return fmt.Errorf("wal.Write(%d): %w", m.nextIdx, err)
		}
		m.nextIdx++
	}

	if err := m.log.TruncateFront(start); err != nil {
		return fmt.Errorf("wal.TruncateFront(%d): %w", start, err)
	}
	m.written = len(records)
	slog.Debug("compacted oplog meta", "first", start)
	return nil
}

func encodeMetaPayload(cp Checkpoint, seq uint64) []byte {
	var b []byte
	if cp.LogID != "" {
		b = protowire.AppendTag(b, metaFieldLogID, protowire.BytesType)
		b = protowire.AppendString(b, cp.LogID)
	}
	b = protowire.AppendTag(b, metaFieldSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, seq)
	b = protowire.AppendTag(b, metaFieldSegment, protowire.VarintType)
	b = protowire.AppendVarint(b, cp.Position.Segment)
	b = protowire.AppendTag(b, metaFieldOffset, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(cp.Position.Offset))
	return b
}

func decodeMetaPayload(b []byte) (Checkpoint, uint64, error) {
	var cp Checkpoint
	var seq uint64
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Checkpoint{}, 0, protowire.ParseError(n)
		}
		b = b[n:]

		if typ == protowire.BytesType && num == metaFieldLogID {
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Checkpoint{}, 0, protowire.ParseError(n)
			}
			cp.LogID, b = v, b[n:]
			continue
		}

		if typ != protowire.VarintType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Checkpoint{}, 0, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return Checkpoint{}, 0, protowire.ParseError(n)
		}
		b = b[n:]

		switch num {
		case metaFieldSeq:
			seq = v
		case metaFieldSegment:
			cp.Position.Segment = v
		case metaFieldOffset:
			cp.Position.Offset = int64(v)
		}
	}
	return cp, seq, nil
}

func marshalRecord(recType byte, payload []byte) []byte {
	buf := make([]byte, 1+binary.MaxVarintLen64+len(payload))
	buf[0] = recType
	n := binary.PutUvarint(buf[1:], uint64(len(payload)))
	copy(buf[1+n:], payload)
	return buf[:1+n+len(payload)]
}

func unmarshalRecord(data []byte) (byte, []byte, error) {
	if len(data) < 2 {
		return 0, nil, io.ErrUnexpectedEOF
	}
	recType := data[0]
	length, n := binary.Uvarint(data[1:])
	if n <= 0 {
		return 0, nil, io.ErrUnexpectedEOF
	}
	start := 1 + n
	end := start + int(length)
	if end > len(data) {
		return 0, nil, io.ErrUnexpectedEOF
	}
	return recType, data[start:end], nil
}
