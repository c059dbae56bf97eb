package command

import "errors"

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrWrongArity     = errors.New("wrong number of arguments")
	ErrSyntax         = errors.New("syntax error")
	ErrReadOnly       = errors.New("read only replica")
	ErrQueueFull      = errors.New("command queue is full")
	ErrShuttingDown   = errors.New("processor is shutting down")
	ErrOplogDisabled  = errors.New("oplog is disabled")
	ErrHalted         = errors.New("commit path halted")
)
