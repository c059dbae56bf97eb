package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"ndb/internal/oplog"
)

type FrameType uint8

const (
	FrameHandshake FrameType = iota + 1
	FrameFullSyncBegin
	FrameSnapshotEntry
	FrameFullSyncEnd
	FrameRecord
	FrameAck
	FrameContinue
)

func (t FrameType) String() string {
	switch t {
	case FrameHandshake:
		return "HANDSHAKE"
	case FrameFullSyncBegin:
		return "FULL_SYNC_BEGIN"
	case FrameSnapshotEntry:
		return "SNAPSHOT_ENTRY"
	case FrameFullSyncEnd:
		return "FULL_SYNC_END"
	case FrameRecord:
		return "RECORD"
	case FrameAck:
		return "ACK"
	case FrameContinue:
		return "CONTINUE"
	default:
		return fmt.Sprintf("FRAME(%d)", uint8(t))
	}
}

// Frame is one message on the replication stream. Which fields are meaningful
// depends on Type:
//
//	HANDSHAKE        Node, LogID, HasPosition, Pos
//	FULL_SYNC_BEGIN  LogID
//	SNAPSHOT_ENTRY   Key, Value, ExpireAt
//	FULL_SYNC_END    LogID, Pos
//	RECORD           Entry (Seq, Op, Key, Value, ExpireAt, Pos, Next)
//	ACK              LogID, Pos
//	CONTINUE         LogID, Pos (resume accepted, records follow)
type Frame struct {
	Type        FrameType
	Node        string
	LogID       string
	HasPosition bool
	Pos         oplog.Position

	Entry    oplog.Entry
	Key      []byte
	Value    []byte
	ExpireAt uint64
}

func Handshake(node string, cp oplog.Checkpoint) *Frame {
	return &Frame{Type: FrameHandshake, Node: node, LogID: cp.LogID, HasPosition: !cp.IsZero(), Pos: cp.Position}
}

func RecordFrame(e oplog.Entry) *Frame {
	return &Frame{Type: FrameRecord, Entry: e}
}

func AckFrame(cp oplog.Checkpoint) *Frame {
	return &Frame{Type: FrameAck, LogID: cp.LogID, HasPosition: true, Pos: cp.Position}
}

// Checkpoint returns the log position carried by the frame, if any.
func (f *Frame) Checkpoint() oplog.Checkpoint {
	if !f.HasPosition {
		return oplog.Checkpoint{}
	}
	return oplog.Checkpoint{LogID: f.LogID, Position: f.Pos}
}

const (
	frameFieldType        protowire.Number = 1
	frameFieldNode        protowire.Number = 2
	frameFieldLogID       protowire.Number = 3
	frameFieldHasPosition protowire.Number = 4
	frameFieldPos         protowire.Number = 5
	frameFieldRecord      protowire.Number = 6
	frameFieldRecordPos   protowire.Number = 7
	frameFieldRecordNext  protowire.Number = 8
	frameFieldKey         protowire.Number = 9
	frameFieldValue       protowire.Number = 10
	frameFieldExpireAt    protowire.Number = 11

	positionFieldSegment protowire.Number = 1
	positionFieldOffset  protowire.Number = 2
)

func (f *Frame) Marshal() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, frameFieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Type))
	if f.Node != "" {
		b = protowire.AppendTag(b, frameFieldNode, protowire.BytesType)
		b = protowire.AppendString(b, f.Node)
	}
	if f.LogID != "" {
		b = protowire.AppendTag(b, frameFieldLogID, protowire.BytesType)
		b = protowire.AppendString(b, f.LogID)
	}
	if f.HasPosition {
		b = protowire.AppendTag(b, frameFieldHasPosition, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if f.Type != FrameSnapshotEntry && f.Type != FrameRecord {
		b = appendPosition(b, frameFieldPos, f.Pos)
	}

	switch f.Type {
	case FrameRecord:
		e := f.Entry
		b = protowire.AppendTag(b, frameFieldRecord, protowire.BytesType)
		b = protowire.AppendBytes(b, oplog.AppendBody(nil, e))
		b = appendPosition(b, frameFieldRecordPos, e.Pos)
		b = appendPosition(b, frameFieldRecordNext, e.Next)
	case FrameSnapshotEntry:
		b = protowire.AppendTag(b, frameFieldKey, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Key)
		b = protowire.AppendTag(b, frameFieldValue, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Value)
		if f.ExpireAt != 0 {
			b = protowire.AppendTag(b, frameFieldExpireAt, protowire.VarintType)
			b = protowire.AppendVarint(b, f.ExpireAt)
		}
	}
	return b, nil
}

func appendPosition(b []byte, num protowire.Number, p oplog.Position) []byte {
	var inner []byte
	inner = protowire.AppendTag(inner, positionFieldSegment, protowire.VarintType)
	inner = protowire.AppendVarint(inner, p.Segment)
	inner = protowire.AppendTag(inner, positionFieldOffset, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(p.Offset))

	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

func (f *Frame) Unmarshal(b []byte) error {
	*f = Frame{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("frame: %w", protowire.ParseError(n))
		}
		b = b[n:]

		if typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("frame field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case frameFieldType:
				f.Type = FrameType(v)
			case frameFieldHasPosition:
				f.HasPosition = protowire.DecodeBool(v)
			case frameFieldExpireAt:
				f.ExpireAt = v
			}
			continue
		}

		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("frame field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return fmt.Errorf("frame field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]

		var err error
		switch num {
		case frameFieldNode:
			f.Node = string(v)
		case frameFieldLogID:
			f.LogID = string(v)
		case frameFieldPos:
			f.Pos, err = parsePosition(v)
		case frameFieldRecord:
			var e oplog.Entry
			e, err = oplog.ParseBody(v)
			f.Entry.Seq, f.Entry.Op, f.Entry.Key, f.Entry.Value, f.Entry.ExpireAt = e.Seq, e.Op, e.Key, e.Value, e.ExpireAt
		case frameFieldRecordPos:
			f.Entry.Pos, err = parsePosition(v)
		case frameFieldRecordNext:
			f.Entry.Next, err = parsePosition(v)
		case frameFieldKey:
			f.Key = append([]byte{}, v...)
		case frameFieldValue:
			f.Value = append([]byte{}, v...)
		}
		if err != nil {
			return fmt.Errorf("frame field %d: %w", num, err)
		}
	}
	return nil
}

func parsePosition(b []byte) (oplog.Position, error) {
	var p oplog.Position
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return p, protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.VarintType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return p, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case positionFieldSegment:
			p.Segment = v
		case positionFieldOffset:
			p.Offset = int64(v)
		}
	}
	return p, nil
}
