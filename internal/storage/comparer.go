package storage

import (
	"bytes"

	"github.com/syndtr/goleveldb/leveldb/comparer"
)

// comparerName is persisted in the leveldb manifest. Changing it (or the ordering
// behind it) makes existing data directories unreadable.
const comparerName = "thecmp"

// CompareKeys orders keys byte-wise over their common prefix; on a tie the
// shorter key sorts first.
func CompareKeys(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	if r := bytes.Compare(a[:n], b[:n]); r != 0 {
		return r
	}

	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

type keyComparer struct{}

func (keyComparer) Compare(a, b []byte) int { return CompareKeys(a, b) }

func (keyComparer) Name() string { return comparerName }

// Separator and Successor only shorten index keys; CompareKeys agrees with the
// bytewise order they are written for.
func (keyComparer) Separator(dst, a, b []byte) []byte {
	return comparer.DefaultComparer.Separator(dst, a, b)
}

func (keyComparer) Successor(dst, b []byte) []byte {
	return comparer.DefaultComparer.Successor(dst, b)
}
