// Package listener accepts connections on module ports and turns them into
// sandbox requests for the global request queue.
package listener

import (
	"context"
	"errors"
	"sync/atomic"

	"faasrt/internal/runtime/module"
	"faasrt/internal/runtime/sched"
)

const defaultBacklog = 1024

// Admitter gates new requests before they are queued. A non-nil error rejects
// the connection.
type Admitter interface {
	Admit(ctx context.Context, d *module.Descriptor, remote string) error
}

// AdmitFunc adapts a function to Admitter.
type AdmitFunc func(ctx context.Context, d *module.Descriptor, remote string) error

func (f AdmitFunc) Admit(ctx context.Context, d *module.Descriptor, remote string) error {
	return f(ctx, d, remote)
}

// Config configures the listener.
type Config struct {
	// Host is the IPv4 address every module port binds to. Empty means all interfaces.
	Host      string
	Backlog   int
	Queue     *sched.RequestQueue
	Admission Admitter
	// OnReject is told about connections dropped before reaching a worker.
	OnReject func(req *sched.Request, err error)
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Backlog <= 0 {
		c.Backlog = defaultBacklog
	}
	if c.OnReject == nil {
		c.OnReject = func(*sched.Request, error) {}
	}
	return c
}

var errClosed = errors.New("listener closed")

// Stats counts accepted and rejected connections.
type Stats struct {
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
	Ports    int    `json:"ports"`
}

type counters struct {
	accepted atomic.Uint64
	rejected atomic.Uint64
}
