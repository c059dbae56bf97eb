package storage

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Item is a stored value with its expiry, in unix milliseconds. Zero never
// expires.
type Item struct {
	Value    []byte
	ExpireAt uint64
}

// Expired reports whether the item is gone at nowMs.
func (it Item) Expired(nowMs uint64) bool {
	return it.ExpireAt != 0 && it.ExpireAt <= nowMs
}

// encodeItem lays out: uvarint expire-at | value.
func encodeItem(it Item) []byte {
	b := make([]byte, 0, protowire.SizeVarint(it.ExpireAt)+len(it.Value))
	b = protowire.AppendVarint(b, it.ExpireAt)
	return append(b, it.Value...)
}

// decodeItem parses a stored value. With copyValue unset the returned value
// aliases raw.
func decodeItem(raw []byte, copyValue bool) (Item, error) {
	exp, n := protowire.ConsumeVarint(raw)
	if n < 0 {
		return Item{}, fmt.Errorf("%w: value header: %v", ErrStorage, protowire.ParseError(n))
	}
	val := raw[n:]
	if copyValue {
		val = append([]byte{}, val...)
	}
	return Item{Value: val, ExpireAt: exp}, nil
}
