package sandbox

import (
	"fmt"

	appErr "faasrt/pkg/errors"

	"golang.org/x/sys/unix"
)

// MaxIOHandles is the capacity of a sandbox's I/O handle table.
const MaxIOHandles = 32

// InitIOHandle binds fd to the first free handle and returns the handle.
func (s *Sandbox) InitIOHandle(fd int) (int, error) {
	if fd < 0 {
		return -1, appErr.ValidationError("fd", "must not be negative")
	}
	for h, bound := range s.handles {
		if bound < 0 {
			s.handles[h] = fd
			return h, nil
		}
	}
	return -1, appErr.Newf(appErr.IOHandleExhausted, "all %d io handles in use", MaxIOHandles)
}

// IOHandle returns the fd bound to h, or -1.
func (s *Sandbox) IOHandle(h int) int {
	if h < 0 || h >= MaxIOHandles {
		return -1
	}
	return s.handles[h]
}

// CloseIOHandle unbinds h. Descriptors other than the process stdio are closed.
func (s *Sandbox) CloseIOHandle(h int) error {
	fd := s.IOHandle(h)
	if fd < 0 {
		return fmt.Errorf("io handle %d is not bound", h)
	}
	s.handles[h] = -1
	if fd <= 2 {
		return nil
	}
	return unix.Close(fd)
}

// bindStdio maps handles 0, 1 and 2 to the process stdio descriptors.
func (s *Sandbox) bindStdio() {
	for fd := 0; fd <= 2; fd++ {
		h, err := s.InitIOHandle(fd)
		if err != nil || h != fd {
			panic(fmt.Sprintf("sandbox %d: stdio fd %d bound to handle %d", s.id, fd, h))
		}
	}
}

// closeIOHandles releases every handle still bound.
func (s *Sandbox) closeIOHandles() {
	for h, fd := range s.handles {
		if fd >= 0 {
			_ = s.CloseIOHandle(h)
		}
	}
	s.connH = -1
}
