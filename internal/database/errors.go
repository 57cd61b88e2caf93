package database

import "errors"

var (
	ErrManagerClosed  = errors.New("database manager is closed")
	ErrShuttingDown   = errors.New("database manager is shutting down")
	ErrWriteTimeout   = errors.New("write operation timeout")
	ErrSchemaMismatch = errors.New("database schema mismatch")
)
