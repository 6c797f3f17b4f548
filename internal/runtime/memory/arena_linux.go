//go:build linux && (amd64 || arm64)

package memory

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const arenaMagic = 0x666161737274 // "faasrt"

// arenaHeader lives in the control page at the arena base.
type arenaHeader struct {
	magic   uint64
	bufSize uint64
	limit   uint64
	size    uint64
}

// Arena is one contiguous reservation laid out as
//
//	[control page][request/response buffer][linear memory ... ceiling][guard page]
//
// Only the control page, the buffer and the current linear size are accessible.
type Arena struct {
	base     unsafe.Pointer
	reserved uintptr
	ctlSize  uintptr
	bufSize  uintptr
	limit    uint64
	size     uint64

	linearLive bool
	released   bool
}

// NewArena reserves an arena with a buffer of at least bufSize bytes, a linear
// memory limit (capped at LinearCeiling) and an initial accessible linear size.
func NewArena(bufSize int, limit, initial uint64) (*Arena, error) {
	if bufSize < 0 {
		return nil, fmt.Errorf("memory: negative buffer size %d", bufSize)
	}
	limit = clampLimit(limit)
	if initial > limit {
		return nil, fmt.Errorf("memory: initial linear size %d exceeds limit %d", initial, limit)
	}

	ctl := uintptr(PageSize)
	buf := uintptr(roundUp(uint64(bufSize)))
	reserved := ctl + buf + uintptr(LinearCeiling) + uintptr(PageSize)

	addr, err := unix.MmapPtr(-1, 0, nil, reserved, unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("memory: reserve arena: %w", err)
	}

	rw := ctl + buf + uintptr(roundUp(initial))
	if err := unix.Mprotect(unsafe.Slice((*byte)(addr), rw), unix.PROT_READ|unix.PROT_WRITE); err != nil {
		_ = unix.MunmapPtr(addr, reserved)
		return nil, fmt.Errorf("memory: open arena working set: %w", err)
	}

	a := &Arena{
		base:       addr,
		reserved:   reserved,
		ctlSize:    ctl,
		bufSize:    buf,
		limit:      limit,
		size:       initial,
		linearLive: true,
	}
	h := a.header()
	h.magic = arenaMagic
	h.bufSize = uint64(buf)
	h.limit = limit
	h.size = initial
	return a, nil
}

func (a *Arena) header() *arenaHeader {
	return (*arenaHeader)(a.base)
}

func (a *Arena) linearStart() unsafe.Pointer {
	return unsafe.Add(a.base, a.ctlSize+a.bufSize)
}

// Base is the start address of the whole reservation.
func (a *Arena) Base() uintptr { return uintptr(a.base) }

// Reserved is the length of the whole reservation including the guard page.
func (a *Arena) Reserved() uintptr { return a.reserved }

// LinearBase is the fixed start address of linear memory.
func (a *Arena) LinearBase() uintptr { return uintptr(a.linearStart()) }

// Size is the accessible linear memory length in bytes.
func (a *Arena) Size() uint64 { return a.size }

// Limit is the largest linear size Grow accepts.
func (a *Arena) Limit() uint64 { return a.limit }

// Buffer is the embedded request/response buffer.
func (a *Arena) Buffer() []byte {
	if a.released {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Add(a.base, a.ctlSize)), a.bufSize)
}

// Linear is the accessible linear memory. The slice stays valid across Grow
// calls up to its own length; re-slice after growing to see new bytes.
func (a *Arena) Linear() []byte {
	if !a.linearLive {
		return nil
	}
	return unsafe.Slice((*byte)(a.linearStart()), a.size)
}

// Grow makes linear memory accessible up to newSize bytes without moving it.
// Shrinking is a no-op.
func (a *Arena) Grow(newSize uint64) error {
	if !a.linearLive {
		return ErrReleased
	}
	if newSize <= a.size {
		return nil
	}
	if newSize > a.limit {
		return ErrLimit
	}
	from := uintptr(roundUp(a.size))
	to := uintptr(roundUp(newSize))
	if to > from {
		region := unsafe.Slice((*byte)(unsafe.Add(a.linearStart(), from)), to-from)
		if err := unix.Mprotect(region, unix.PROT_READ|unix.PROT_WRITE); err != nil {
			return fmt.Errorf("memory: grow linear memory: %w", err)
		}
	}
	a.size = newSize
	a.header().size = newSize
	return nil
}

// ReleaseLinear unmaps linear memory together with the trailing guard page,
// leaving the control page and buffer mapped.
func (a *Arena) ReleaseLinear() error {
	if !a.linearLive {
		return nil
	}
	a.linearLive = false
	if err := unix.MunmapPtr(a.linearStart(), uintptr(LinearCeiling)+uintptr(PageSize)); err != nil {
		return fmt.Errorf("memory: unmap linear memory: %w", err)
	}
	return nil
}

// Release unmaps whatever remains of the arena.
func (a *Arena) Release() error {
	if a.released {
		return ErrReleased
	}
	if a.header().magic != arenaMagic {
		panic("memory: arena control page corrupted")
	}
	a.released = true
	length := a.ctlSize + a.bufSize
	if a.linearLive {
		a.linearLive = false
		length = a.reserved
	}
	if err := unix.MunmapPtr(a.base, length); err != nil {
		return fmt.Errorf("memory: unmap arena: %w", err)
	}
	return nil
}
