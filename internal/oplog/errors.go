package oplog

import "errors"

var (
	// ErrOplog marks failures that break the durability contract. Callers must
	// treat them as fatal.
	ErrOplog = errors.New("oplog failure")

	ErrPositionNotRetained = errors.New("position not retained")
	ErrCorrupt             = errors.New("oplog record corrupt")
	ErrClosed              = errors.New("oplog closed")
	ErrLocked              = errors.New("oplog directory locked by another process")
)
