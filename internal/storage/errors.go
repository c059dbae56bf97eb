package storage

import "errors"

var (
	ErrStorageOpen = errors.New("storage open failed")
	ErrStorage     = errors.New("storage operation failed")
	ErrNotFound    = errors.New("key not found")
	ErrClosed      = errors.New("storage closed")
)
