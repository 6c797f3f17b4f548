package sandbox

import (
	"encoding/binary"
	"math"

	"faasrt/internal/runtime/memory"
	"faasrt/internal/runtime/module"
)

// linearMemory exposes the arena's linear region to compute units. It grows in
// place, so slices handed out earlier stay valid.
type linearMemory struct {
	arena *memory.Arena
}

var (
	_ module.LinearAllocator = (*linearMemory)(nil)
	_ module.Memory          = (*linearMemory)(nil)
)

func (m *linearMemory) Reallocate(size uint64) []byte {
	if err := m.arena.Grow(size); err != nil {
		return nil
	}
	return m.arena.Linear()[:size]
}

func (m *linearMemory) Memory() module.Memory { return m }

func (m *linearMemory) Size() uint32 {
	if n := m.arena.Size(); n <= math.MaxUint32 {
		return uint32(n)
	}
	return math.MaxUint32 &^ (memory.WasmPageSize - 1)
}

func (m *linearMemory) Grow(deltaPages uint32) (uint32, bool) {
	size := m.arena.Size()
	prev := uint32(size / memory.WasmPageSize)
	if err := m.arena.Grow(size + uint64(deltaPages)*memory.WasmPageSize); err != nil {
		return 0, false
	}
	return prev, true
}

func (m *linearMemory) Read(offset, byteCount uint32) ([]byte, bool) {
	lin := m.arena.Linear()
	end := uint64(offset) + uint64(byteCount)
	if end > uint64(len(lin)) {
		return nil, false
	}
	return lin[offset:end], true
}

func (m *linearMemory) Write(offset uint32, v []byte) bool {
	lin := m.arena.Linear()
	if uint64(offset)+uint64(len(v)) > uint64(len(lin)) {
		return false
	}
	copy(lin[offset:], v)
	return true
}

func (m *linearMemory) WriteUint32Le(offset, v uint32) bool {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return m.Write(offset, b[:])
}

// marshalArgs grows mem at its current bound and lays out argv there: an
// array of little-endian i32 offsets followed by the NUL-terminated strings.
func marshalArgs(mem module.Memory, args []string) (argc, argv int32, err error) {
	if len(args) == 0 {
		return 0, 0, nil
	}
	need := uint64(4 * len(args))
	for _, a := range args {
		need += uint64(len(a)) + 1
	}
	pages := uint32((need + memory.WasmPageSize - 1) / memory.WasmPageSize)
	prev, ok := mem.Grow(pages)
	if !ok {
		return 0, 0, errGrow(pages)
	}
	base := prev * memory.WasmPageSize
	str := base + uint32(4*len(args))
	for i, a := range args {
		if !mem.WriteUint32Le(base+uint32(4*i), str) {
			return 0, 0, errGrow(pages)
		}
		if !mem.Write(str, append([]byte(a), 0)) {
			return 0, 0, errGrow(pages)
		}
		str += uint32(len(a)) + 1
	}
	return int32(len(args)), int32(base), nil
}
