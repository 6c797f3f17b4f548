package cache

import (
	"context"
	"time"
)

// Cache is the key-value store behind invocation status, recent-invocation
// lists and admission counters.
type Cache interface {
	BasicOps
	ListOps
	ScriptOps
	PipelineOps

	Close() error
}

// BasicOps defines key-value operations
type BasicOps interface {
	// Get returns "" and no error for a missing key
	Get(ctx context.Context, key string) (string, error)

	// Set stores value; a zero ttl never expires
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// ListOps defines list reads; list writes go through a pipeline
type ListOps interface {
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
}

// ScriptOps runs server-side scripts
type ScriptOps interface {
	// Eval runs a Lua script atomically
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// PipelineOps batches writes into one round trip
type PipelineOps interface {
	Pipeline(ctx context.Context, fn func(pipe Pipeliner) error) error
}

// Pipeliner queues commands until the pipeline executes
type Pipeliner interface {
	Set(key string, value interface{}, ttl time.Duration) error
	LPush(key string, values ...interface{}) error
	LTrim(key string, start, stop int64) error
	Expire(key string, ttl time.Duration) error
}
