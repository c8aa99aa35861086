package basic

import "errors"

// 装载器错误
var (
	ErrAlreadyInProgress = errors.New("bulk load already in progress for this relation")
	ErrRowTooLarge       = errors.New("row is too large to store")
	ErrPageOutOfSpace    = errors.New("page out of space")
	ErrWriterClosed      = errors.New("writer already closed")
	ErrNotATable         = errors.New("target relation is not a plain table")
)

// Index errors
var (
	ErrDuplicateKey   = errors.New("duplicate key value violates unique constraint")
	ErrCorruptedIndex = errors.New("existing index failed sanity checks, rebuild it")
	ErrKeysUnsorted   = errors.New("keys are not in ascending order")
)

// Recovery errors
var (
	ErrBadJournal     = errors.New("load status file is corrupted")
	ErrClusterRunning = errors.New("another process is attached to the data directory")
)

// Control errors
var (
	ErrBadControlRecord = errors.New("cluster control record is corrupted")
	ErrInterrupted      = errors.New("operation interrupted")
)
