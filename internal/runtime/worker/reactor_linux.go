//go:build linux

package worker

import (
	"fmt"
	"time"

	"faasrt/internal/runtime/sandbox"

	"golang.org/x/sys/unix"
)

const maxEvents = 64

// reactor is a worker's private epoll instance. Every registration is
// one-shot and wakes exactly one blocked sandbox.
type reactor struct {
	epfd    int
	events  []unix.EpollEvent
	waiting map[int]*sandbox.Sandbox
	fds     map[*sandbox.Sandbox]int
}

func newReactor() (*reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &reactor{
		epfd:    epfd,
		events:  make([]unix.EpollEvent, maxEvents),
		waiting: make(map[int]*sandbox.Sandbox),
		fds:     make(map[*sandbox.Sandbox]int),
	}, nil
}

// Register arms fd for one readiness event on behalf of s.
func (r *reactor) Register(fd int, write bool, s *sandbox.Sandbox) error {
	ev := unix.EpollEvent{Events: unix.EPOLLONESHOT | unix.EPOLLRDHUP, Fd: int32(fd)}
	if write {
		ev.Events |= unix.EPOLLOUT
	} else {
		ev.Events |= unix.EPOLLIN
	}
	err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	if err == unix.EEXIST {
		err = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	}
	if err != nil {
		return fmt.Errorf("epoll_ctl fd %d: %w", fd, err)
	}
	r.waiting[fd] = s
	r.fds[s] = fd
	return nil
}

// Deregister drops s's pending registration.
func (r *reactor) Deregister(s *sandbox.Sandbox) {
	fd, ok := r.fds[s]
	if !ok {
		return
	}
	delete(r.fds, s)
	delete(r.waiting, fd)
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Waiting lists the sandboxes with a pending registration.
func (r *reactor) Waiting() []*sandbox.Sandbox {
	out := make([]*sandbox.Sandbox, 0, len(r.waiting))
	for _, s := range r.waiting {
		out = append(out, s)
	}
	return out
}

// Poll waits up to timeout for events and hands each woken sandbox to wake.
// A zero timeout never blocks.
func (r *reactor) Poll(timeout time.Duration, wake func(*sandbox.Sandbox)) error {
	msec := int(timeout / time.Millisecond)
	if timeout > 0 && msec == 0 {
		msec = 1
	}
	n, err := unix.EpollWait(r.epfd, r.events, msec)
	if err == unix.EINTR {
		return nil
	}
	if err != nil {
		return fmt.Errorf("epoll_wait: %w", err)
	}
	for i := 0; i < n; i++ {
		fd := int(r.events[i].Fd)
		s, ok := r.waiting[fd]
		if !ok {
			continue
		}
		delete(r.waiting, fd)
		delete(r.fds, s)
		wake(s)
	}
	return nil
}

func (r *reactor) Close() error {
	return unix.Close(r.epfd)
}
