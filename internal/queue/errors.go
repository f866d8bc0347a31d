package queue

import "errors"

var (
	ErrIO              = errors.New("queue store: io error")
	ErrCorruption      = errors.New("queue store: database corrupted")
	ErrSerialization   = errors.New("queue store: serialization error")
	ErrQueueFull       = errors.New("queue store: queue is full")
	ErrNotFound        = errors.New("queue store: entry not found")
	ErrSchemaMigration = errors.New("queue store: schema migration failed")
)
