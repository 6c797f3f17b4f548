//go:build !linux

package listener

import (
	"context"
	"errors"

	"faasrt/internal/runtime/module"
	appErr "faasrt/pkg/errors"
)

var errNoEpoll = errors.New("listener requires linux epoll")

type Listener struct{}

func New(cfg Config) (*Listener, error) {
	return nil, appErr.Wrap(errNoEpoll, appErr.ListenerFailed)
}

func (l *Listener) Add(d *module.Descriptor) (int, error) { return 0, errNoEpoll }
func (l *Listener) Remove(name string) error               { return errNoEpoll }
func (l *Listener) Port(name string) (int, bool)           { return 0, false }
func (l *Listener) Run(ctx context.Context) error          { return errNoEpoll }
func (l *Listener) Close() error                           { return nil }
func (l *Listener) Stats() Stats                           { return Stats{} }
