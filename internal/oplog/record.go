package oplog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"go.etcd.io/etcd/pkg/v3/crc"
	"google.golang.org/protobuf/encoding/protowire"
)

type Opcode uint8

const (
	OpSet Opcode = 1
	OpDel Opcode = 2
)

func (o Opcode) String() string {
	switch o {
	case OpSet:
		return "SET"
	case OpDel:
		return "DEL"
	default:
		return fmt.Sprintf("OP(%d)", uint8(o))
	}
}

// Entry is one committed mutation together with where it lives in the log.
// ExpireAt is the absolute expiry of a SET in unix milliseconds, zero for none.
type Entry struct {
	Seq      uint64
	Op       Opcode
	Key      []byte
	Value    []byte
	ExpireAt uint64

	Pos  Position
	Next Position
}

const (
	headerSize    = 8
	maxRecordSize = 64 << 20

	fieldSeq    protowire.Number = 1
	fieldOp     protowire.Number = 2
	fieldKey    protowire.Number = 3
	fieldValue  protowire.Number = 4
	fieldExpire protowire.Number = 5
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

func checksum(body []byte) uint32 {
	h := crc.New(0, crcTable)
	h.Write(body)
	return h.Sum32()
}

// AppendBody encodes the record payload shared by segment files and the
// replication stream. Positions are not part of it.
func AppendBody(b []byte, e Entry) []byte {
	b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Seq)
	b = protowire.AppendTag(b, fieldOp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Op))
	b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Key)
	if len(e.Value) > 0 {
		b = protowire.AppendTag(b, fieldValue, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Value)
	}
	if e.ExpireAt != 0 {
		b = protowire.AppendTag(b, fieldExpire, protowire.VarintType)
		b = protowire.AppendVarint(b, e.ExpireAt)
	}
	return b
}

// ParseBody decodes a payload written by AppendBody. Key and value are copied.
func ParseBody(b []byte) (Entry, error) {
	var e Entry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Entry{}, fmt.Errorf("%w: tag: %v", ErrCorrupt, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && (num == fieldSeq || num == fieldOp || num == fieldExpire):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Entry{}, fmt.Errorf("%w: field %d: %v", ErrCorrupt, num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldSeq:
				e.Seq = v
			case fieldOp:
				e.Op = Opcode(v)
			case fieldExpire:
				e.ExpireAt = v
			}
		case typ == protowire.BytesType && (num == fieldKey || num == fieldValue):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Entry{}, fmt.Errorf("%w: field %d: %v", ErrCorrupt, num, protowire.ParseError(n))
			}
			b = b[n:]
			if num == fieldKey {
				e.Key = append([]byte{}, v...)
			} else {
				e.Value = append([]byte{}, v...)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Entry{}, fmt.Errorf("%w: field %d: %v", ErrCorrupt, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if e.Op != OpSet && e.Op != OpDel {
		return Entry{}, fmt.Errorf("%w: unknown opcode %d", ErrCorrupt, e.Op)
	}
	if e.Seq == 0 {
		return Entry{}, fmt.Errorf("%w: missing sequence", ErrCorrupt)
	}
	if e.Key == nil {
		e.Key = []byte{}
	}
	return e, nil
}

// encodeFrame lays out: uint32 body length | uint32 crc32c(body) | body.
func encodeFrame(e Entry) []byte {
	buf := make([]byte, headerSize, headerSize+len(e.Key)+len(e.Value)+34)
	buf = AppendBody(buf, e)

	body := buf[headerSize:]
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(body)))
	binary.BigEndian.PutUint32(buf[4:8], checksum(body))
	return buf
}

func parseHeader(hdr []byte) (length int, sum uint32, err error) {
	length = int(binary.BigEndian.Uint32(hdr[0:4]))
	sum = binary.BigEndian.Uint32(hdr[4:8])
	if length == 0 || length > maxRecordSize {
		return 0, 0, fmt.Errorf("%w: bad length %d", ErrCorrupt, length)
	}
	return length, sum, nil
}

func decodeBody(body []byte, sum uint32) (Entry, error) {
	if got := checksum(body); got != sum {
		return Entry{}, fmt.Errorf("%w: checksum mismatch (want %08x, got %08x)", ErrCorrupt, sum, got)
	}

	return ParseBody(body)
}
