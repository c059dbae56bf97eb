package node

import (
	"errors"
	"fmt"
)

// FailureKind classifies why a node could not start or had to stop. Its value
// is the process exit code.
type FailureKind int

const (
	FailureRuntime     FailureKind = 1
	FailureConfig      FailureKind = 2
	FailureStorage     FailureKind = 3
	FailureOplog       FailureKind = 4
	FailureReplication FailureKind = 5
)

func (k FailureKind) String() string {
	switch k {
	case FailureRuntime:
		return "runtime"
	case FailureConfig:
		return "config"
	case FailureStorage:
		return "storage"
	case FailureOplog:
		return "oplog"
	case FailureReplication:
		return "replication"
	default:
		return fmt.Sprintf("failure(%d)", int(k))
	}
}

func (k FailureKind) ExitCode() int { return int(k) }

type StartupError struct {
	Kind FailureKind
	Err  error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

func fail(kind FailureKind, err error) error {
	return &StartupError{Kind: kind, Err: err}
}

// ExitCode maps an error returned by Open or Run to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var se *StartupError
	if errors.As(err, &se) {
		return se.Kind.ExitCode()
	}
	return FailureRuntime.ExitCode()
}
