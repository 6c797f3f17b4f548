package module

import (
	"context"
	"encoding/binary"
	"io"

	appErr "faasrt/pkg/errors"
)

// Memory is the linear memory view a running instance exposes. wazero's
// api.Memory satisfies it directly.
type Memory interface {
	Size() uint32
	Grow(deltaPages uint32) (previousPages uint32, ok bool)
	Read(offset, byteCount uint32) ([]byte, bool)
	Write(offset uint32, v []byte) bool
	WriteUint32Le(offset, v uint32) bool
}

// LinearAllocator backs an instance's linear memory with the sandbox arena.
type LinearAllocator interface {
	// Reallocate makes linear memory size bytes long without moving it and
	// returns it, or nil when size exceeds the limit.
	Reallocate(size uint64) []byte
	// Memory is the arena seen through the Memory interface.
	Memory() Memory
}

// Env is what a sandbox hands a unit when instantiating it.
type Env struct {
	Name      string
	Linear    LinearAllocator
	Args      []string
	Stdin     io.Reader
	Stdout    io.Writer
	Stderr    io.Writer
	SafePoint func()
	// Table is the module's indirect table, shared by all of its sandboxes.
	Table     *IndirectTable
}

// Unit is a loaded compute unit. A non-nil Unit is the module's load handle.
type Unit interface {
	Kind() string
	// InitTables runs once per module, at registration.
	InitTables(table *IndirectTable) error
	// Instantiate creates the per-sandbox instance.
	Instantiate(ctx context.Context, env Env) (Instance, error)
	HasMain() bool
	Close(ctx context.Context) error
}

// Instance is one sandbox's view of a unit.
type Instance interface {
	InitGlobals(ctx context.Context) error
	InitMemory(ctx context.Context) error
	Memory() Memory
	Main(ctx context.Context, argc, argv int32) (int32, error)
	Close(ctx context.Context) error
}

type safePointKey struct{}

// WithSafePoint attaches the preemption check units call at function entry.
func WithSafePoint(ctx context.Context, fn func()) context.Context {
	return context.WithValue(ctx, safePointKey{}, fn)
}

func safePointFrom(ctx context.Context) func() {
	fn, _ := ctx.Value(safePointKey{}).(func())
	return fn
}

type instanceKey struct{}

// WithInstance binds the instance that table functions of its unit run against.
func WithInstance(ctx context.Context, inst Instance) context.Context {
	return context.WithValue(ctx, instanceKey{}, inst)
}

func instanceFrom(ctx context.Context) Instance {
	inst, _ := ctx.Value(instanceKey{}).(Instance)
	return inst
}

// ReadArgs decodes an argv array of argc i32 offsets to NUL-terminated strings.
func ReadArgs(mem Memory, argc, argv int32) ([]string, error) {
	if argc == 0 {
		return nil, nil
	}
	if argc < 0 || mem == nil {
		return nil, appErr.ValidationError("argc", "invalid")
	}
	table, ok := mem.Read(uint32(argv), uint32(argc)*4)
	if !ok {
		return nil, appErr.Newf(appErr.ModuleTrapped, "argv array out of bounds at %d", argv)
	}
	args := make([]string, 0, argc)
	for i := int32(0); i < argc; i++ {
		off := binary.LittleEndian.Uint32(table[i*4:])
		s, err := readCString(mem, off)
		if err != nil {
			return nil, err
		}
		args = append(args, s)
	}
	return args, nil
}

func readCString(mem Memory, off uint32) (string, error) {
	size := mem.Size()
	if off >= size {
		return "", appErr.Newf(appErr.ModuleTrapped, "argument offset %d out of bounds", off)
	}
	tail, _ := mem.Read(off, size-off)
	for i, b := range tail {
		if b == 0 {
			return string(tail[:i]), nil
		}
	}
	return "", appErr.Newf(appErr.ModuleTrapped, "unterminated argument at %d", off)
}
