package replication

import "errors"

var (
	// ErrReplication covers failures local to one replication session. They
	// end the session, never the node.
	ErrReplication = errors.New("replication failure")

	ErrLinkOverflow = errors.New("replica link buffer overflow")
	ErrProtocol     = errors.New("replication protocol violation")
	ErrLogReset     = errors.New("master log was reset")
	ErrStopped      = errors.New("replication stopped")
)
