//go:build linux && (amd64 || arm64)

package memory

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Stack is a private execution stack with an inaccessible guard page below it.
// It grows down from Top.
type Stack struct {
	base     unsafe.Pointer
	size     uintptr
	released bool
}

// NewStack maps a stack of at least size bytes plus its guard page.
func NewStack(size int) (*Stack, error) {
	if size <= 0 {
		return nil, fmt.Errorf("memory: invalid stack size %d", size)
	}
	usable := uintptr(roundUp(uint64(size)))
	total := usable + uintptr(PageSize)
	addr, err := unix.MmapPtr(-1, 0, nil, total, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_STACK)
	if err != nil {
		return nil, fmt.Errorf("memory: map stack: %w", err)
	}
	if err := unix.Mprotect(unsafe.Slice((*byte)(addr), PageSize), unix.PROT_NONE); err != nil {
		_ = unix.MunmapPtr(addr, total)
		return nil, fmt.Errorf("memory: protect stack guard: %w", err)
	}
	return &Stack{base: addr, size: usable}, nil
}

// Base is the lowest address of the mapping, which is the guard page.
func (s *Stack) Base() uintptr { return uintptr(s.base) }

// Top is one past the highest usable byte.
func (s *Stack) Top() uintptr { return uintptr(s.base) + uintptr(PageSize) + s.size }

// Size is the usable size, excluding the guard page.
func (s *Stack) Size() int { return int(s.size) }

// Bytes is the usable region above the guard page.
func (s *Stack) Bytes() []byte {
	if s.released {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Add(s.base, PageSize)), s.size)
}

// Release unmaps the stack and its guard page as one unit.
func (s *Stack) Release() error {
	if s.released {
		return ErrReleased
	}
	s.released = true
	if err := unix.MunmapPtr(s.base, s.size+uintptr(PageSize)); err != nil {
		return fmt.Errorf("memory: unmap stack: %w", err)
	}
	return nil
}
