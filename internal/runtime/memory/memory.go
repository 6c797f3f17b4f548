// Package memory maps the isolated regions a sandbox runs in: one arena holding
// the control page, the request/response buffer and a growable linear memory
// bounded by a guard page, and a separate guarded stack.
package memory

import (
	"errors"
	"os"
)

const (
	// WasmPageSize is the unit linear memory grows by.
	WasmPageSize = 64 * 1024
	// LinearCeiling is the address space reserved for every linear memory.
	LinearCeiling uint64 = 4 << 30
)

// PageSize is the OS page size.
var PageSize = os.Getpagesize()

var (
	ErrLimit       = errors.New("memory: growth exceeds linear memory limit")
	ErrReleased    = errors.New("memory: region already released")
	ErrUnsupported = errors.New("memory: isolated regions are not supported on this platform")
)

func roundUp(n uint64) uint64 {
	p := uint64(PageSize)
	return (n + p - 1) &^ (p - 1)
}

// clampLimit caps a requested linear memory maximum at the reserved ceiling.
func clampLimit(limit uint64) uint64 {
	if limit == 0 || limit > LinearCeiling {
		return LinearCeiling
	}
	return limit
}
