//go:build !linux

package worker

import (
	"errors"
	"time"

	"faasrt/internal/runtime/sandbox"
)

var errNoReactor = errors.New("epoll reactor requires linux")

type reactor struct{}

func newReactor() (*reactor, error) { return nil, errNoReactor }

func (r *reactor) Register(fd int, write bool, s *sandbox.Sandbox) error { return errNoReactor }

func (r *reactor) Deregister(s *sandbox.Sandbox) {}

func (r *reactor) Waiting() []*sandbox.Sandbox { return nil }

func (r *reactor) Poll(timeout time.Duration, wake func(*sandbox.Sandbox)) error {
	return errNoReactor
}

func (r *reactor) Close() error { return nil }
