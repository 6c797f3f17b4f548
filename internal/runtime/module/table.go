package module

import (
	"context"
	"hash/fnv"

	appErr "faasrt/pkg/errors"
)

// Func is a callable registered in an indirect table. Identity is the pointer.
type Func struct {
	Name string
	Call func(ctx context.Context, mem Memory, params []uint64) ([]uint64, error)
}

type tableEntry struct {
	typeID uint32
	fn     *Func
}

// IndirectTable maps (index, type id) to a function. Its capacity is fixed at
// creation. It is filled once by a unit's InitTables and read-only afterwards.
type IndirectTable struct {
	entries []tableEntry
	bound   int
}

func NewIndirectTable(capacity int) *IndirectTable {
	return &IndirectTable{entries: make([]tableEntry, capacity)}
}

// Register binds fn at index. Re-registering the identical triple is a no-op.
func (t *IndirectTable) Register(index, typeID uint32, fn *Func) error {
	if fn == nil {
		return appErr.ValidationError("fn", "required")
	}
	if int(index) >= len(t.entries) {
		return appErr.Newf(appErr.IndirectIndexOutOfRange, "index %d out of range [0,%d)", index, len(t.entries))
	}
	e := &t.entries[index]
	if e.fn != nil {
		if e.fn == fn && e.typeID == typeID {
			return nil
		}
		return appErr.Newf(appErr.IndirectSlotConflict, "slot %d already bound to %s", index, e.fn.Name)
	}
	e.fn = fn
	e.typeID = typeID
	t.bound++
	return nil
}

// Lookup returns the function at index if its type id matches.
func (t *IndirectTable) Lookup(index, typeID uint32) (*Func, error) {
	if int(index) >= len(t.entries) {
		return nil, appErr.Newf(appErr.IndirectIndexOutOfRange, "index %d out of range [0,%d)", index, len(t.entries))
	}
	e := t.entries[index]
	if e.fn == nil {
		return nil, appErr.Newf(appErr.IndirectTypeMismatch, "slot %d is empty", index)
	}
	if e.typeID != typeID {
		return nil, appErr.Newf(appErr.IndirectTypeMismatch, "slot %d has type %#x, want %#x", index, e.typeID, typeID)
	}
	return e.fn, nil
}

func (t *IndirectTable) Cap() int { return len(t.entries) }

func (t *IndirectTable) Len() int { return t.bound }

// TableEntry is a bound slot as reported by Entries.
type TableEntry struct {
	Index  uint32 `json:"index"`
	TypeID uint32 `json:"type_id"`
	Name   string `json:"name"`
}

// Entries lists bound slots in index order.
func (t *IndirectTable) Entries() []TableEntry {
	out := make([]TableEntry, 0, t.bound)
	for i, e := range t.entries {
		if e.fn != nil {
			out = append(out, TableEntry{Index: uint32(i), TypeID: e.typeID, Name: e.fn.Name})
		}
	}
	return out
}

// TypeID hashes a signature such as ("ii", "i") into a table type id.
func TypeID(params, results string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(params))
	_, _ = h.Write([]byte("->"))
	_, _ = h.Write([]byte(results))
	return h.Sum32()
}
