package module

import (
	"context"
	"errors"
	"sort"
	"strings"

	"faasrt/internal/runtime/memory"
	appErr "faasrt/pkg/errors"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

const (
	exportMain       = "main"
	exportStart      = "_start"
	exportInitialize = "_initialize"
	exportInitMemory = "init_memory"
)

// WasmOptions tune how WebAssembly units are compiled.
type WasmOptions struct {
	// Cache shares compiled code across units. Optional.
	Cache wazero.CompilationCache
	// Interpreter forces the interpreter engine.
	Interpreter bool
}

// WasmUnit is a compiled WebAssembly module. Each sandbox gets an anonymous
// instance whose linear memory lives in the sandbox arena.
type WasmUnit struct {
	name     string
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	exports  map[string]api.FunctionDefinition
	entry    string

	// entrySlot is where InitTables bound the entry point, or -1.
	entrySlot int
	entryType uint32
}

// CompileWasm compiles binary under limits. The runtime is private to the unit
// so its memory ceiling matches the module's.
func CompileWasm(ctx context.Context, name string, binary []byte, limits Limits, opts WasmOptions) (*WasmUnit, error) {
	limits = limits.withDefaults()
	cfg := wazero.NewRuntimeConfig()
	if opts.Interpreter {
		cfg = wazero.NewRuntimeConfigInterpreter()
	}
	cfg = cfg.WithCloseOnContextDone(true).
		WithMemoryLimitPages(uint32(limits.MaxMemory / memory.WasmPageSize))
	if opts.Cache != nil {
		cfg = cfg.WithCompilationCache(opts.Cache)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, appErr.Wrapf(err, appErr.ModuleCompileFailed, "instantiate wasi for %s failed", name)
	}

	cctx := experimental.WithFunctionListenerFactory(ctx, safePointFactory{})
	compiled, err := rt.CompileModule(cctx, binary)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, appErr.Wrapf(err, appErr.ModuleCompileFailed, "compile %s failed", name)
	}

	u := &WasmUnit{
		name:      name,
		runtime:   rt,
		compiled:  compiled,
		exports:   compiled.ExportedFunctions(),
		entrySlot: -1,
	}
	if def, ok := u.exports[exportMain]; ok && isMainSignature(def) {
		u.entry = exportMain
	} else if _, ok := u.exports[exportStart]; ok {
		u.entry = exportStart
	}
	return u, nil
}

func isMainSignature(def api.FunctionDefinition) bool {
	p, r := def.ParamTypes(), def.ResultTypes()
	return len(p) == 2 && p[0] == api.ValueTypeI32 && p[1] == api.ValueTypeI32 &&
		len(r) == 1 && r[0] == api.ValueTypeI32
}

func (u *WasmUnit) Kind() string { return "wasm" }

func (u *WasmUnit) HasMain() bool { return u.entry != "" }

// InitTables binds the module's exported functions in name order. Each Func
// calls the export on the instance bound to its context by WithInstance.
func (u *WasmUnit) InitTables(table *IndirectTable) error {
	names := make([]string, 0, len(u.exports))
	for n := range u.exports {
		names = append(names, n)
	}
	sort.Strings(names)
	for i, n := range names {
		if i >= table.Cap() {
			break
		}
		typeID := signatureID(u.exports[n])
		if err := table.Register(uint32(i), typeID, &Func{Name: n, Call: u.exportCall(n)}); err != nil {
			return err
		}
		if n == u.entry {
			u.entrySlot, u.entryType = i, typeID
		}
	}
	return nil
}

func (u *WasmUnit) exportCall(name string) func(context.Context, Memory, []uint64) ([]uint64, error) {
	return func(ctx context.Context, _ Memory, params []uint64) ([]uint64, error) {
		inst, ok := instanceFrom(ctx).(*wasmInstance)
		if !ok || inst.unit != u {
			return nil, appErr.New(appErr.ModuleInvalid).WithMessagef("%s: no instance bound for %s", u.name, name)
		}
		fn := inst.mod.ExportedFunction(name)
		if fn == nil {
			return nil, appErr.New(appErr.ModuleInvalid).WithMessagef("%s exports no %s", u.name, name)
		}
		return fn.Call(inst.callCtx(ctx), params...)
	}
}

func signatureID(def api.FunctionDefinition) uint32 {
	return TypeID(typeLetters(def.ParamTypes()), typeLetters(def.ResultTypes()))
}

func typeLetters(types []api.ValueType) string {
	var b strings.Builder
	for _, t := range types {
		switch t {
		case api.ValueTypeI32:
			b.WriteByte('i')
		case api.ValueTypeI64:
			b.WriteByte('I')
		case api.ValueTypeF32:
			b.WriteByte('f')
		case api.ValueTypeF64:
			b.WriteByte('F')
		default:
			b.WriteByte('r')
		}
	}
	return b.String()
}

func (u *WasmUnit) Instantiate(ctx context.Context, env Env) (Instance, error) {
	if env.Linear != nil {
		ctx = experimental.WithMemoryAllocator(ctx, arenaAllocator{env.Linear})
	}
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs(append([]string{u.name}, env.Args...)...).
		WithStartFunctions()
	if env.Stdin != nil {
		cfg = cfg.WithStdin(env.Stdin)
	}
	if env.Stdout != nil {
		cfg = cfg.WithStdout(env.Stdout)
	}
	if env.Stderr != nil {
		cfg = cfg.WithStderr(env.Stderr)
	}
	mod, err := u.runtime.InstantiateModule(ctx, u.compiled, cfg)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ModuleLoadFailed, "instantiate %s failed", u.name)
	}
	return &wasmInstance{unit: u, mod: mod, safePoint: env.SafePoint, table: env.Table}, nil
}

func (u *WasmUnit) Close(ctx context.Context) error {
	return u.runtime.Close(ctx)
}

type wasmInstance struct {
	unit      *WasmUnit
	mod       api.Module
	safePoint func()
	table     *IndirectTable
}

func (i *wasmInstance) callCtx(ctx context.Context) context.Context {
	if i.safePoint == nil {
		return ctx
	}
	return WithSafePoint(ctx, i.safePoint)
}

// InitGlobals runs the reactor initializer when the module has one.
func (i *wasmInstance) InitGlobals(ctx context.Context) error {
	return i.callOptional(ctx, exportInitialize)
}

// InitMemory runs the module's memory initializer when it has one. Data
// segments are already applied by instantiation.
func (i *wasmInstance) InitMemory(ctx context.Context) error {
	return i.callOptional(ctx, exportInitMemory)
}

func (i *wasmInstance) callOptional(ctx context.Context, name string) error {
	fn := i.mod.ExportedFunction(name)
	if fn == nil {
		return nil
	}
	if _, err := fn.Call(i.callCtx(ctx)); err != nil {
		return trapError(err, name)
	}
	return nil
}

func (i *wasmInstance) Memory() Memory {
	if m := i.mod.Memory(); m != nil {
		return m
	}
	return nil
}

// entry resolves the entry point through the indirect table when the unit
// bound it there, and through the export otherwise.
func (i *wasmInstance) entry() (func(ctx context.Context, params ...uint64) ([]uint64, error), error) {
	if i.table != nil && i.unit.entrySlot >= 0 {
		fn, err := i.table.Lookup(uint32(i.unit.entrySlot), i.unit.entryType)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, params ...uint64) ([]uint64, error) {
			return fn.Call(WithInstance(ctx, i), i.Memory(), params)
		}, nil
	}
	fn := i.mod.ExportedFunction(i.unit.entry)
	if fn == nil {
		return nil, appErr.New(appErr.ModuleInvalid).WithMessagef("%s exports no entry point", i.unit.name)
	}
	return func(ctx context.Context, params ...uint64) ([]uint64, error) {
		return fn.Call(i.callCtx(ctx), params...)
	}, nil
}

func (i *wasmInstance) Main(ctx context.Context, argc, argv int32) (int32, error) {
	call, err := i.entry()
	if err != nil {
		return 0, err
	}
	if i.unit.entry == exportStart {
		_, err := call(ctx)
		if err == nil {
			return 0, nil
		}
		var exit *sys.ExitError
		if errors.As(err, &exit) && ctx.Err() == nil {
			return int32(exit.ExitCode()), nil
		}
		return 0, trapError(err, exportStart)
	}
	res, err := call(ctx, api.EncodeI32(argc), api.EncodeI32(argv))
	if err != nil {
		var exit *sys.ExitError
		if errors.As(err, &exit) && ctx.Err() == nil {
			return int32(exit.ExitCode()), nil
		}
		return 0, trapError(err, exportMain)
	}
	return api.DecodeI32(res[0]), nil
}

func (i *wasmInstance) Close(ctx context.Context) error {
	return i.mod.Close(ctx)
}

func trapError(err error, fn string) error {
	return appErr.Wrapf(err, appErr.ModuleTrapped, "%s trapped", fn)
}

// arenaAllocator hands wazero the sandbox arena as backing memory.
type arenaAllocator struct {
	linear LinearAllocator
}

func (a arenaAllocator) Allocate(cap, max uint64) experimental.LinearMemory {
	return arenaMemory{linear: a.linear}
}

type arenaMemory struct {
	linear LinearAllocator
}

func (m arenaMemory) Reallocate(size uint64) []byte { return m.linear.Reallocate(size) }

// Free is a no-op: the arena outlives the instance and is unmapped by the sandbox.
func (m arenaMemory) Free() {}

// safePointFactory installs one shared listener that polls for preemption on
// every wasm function entry.
type safePointFactory struct{}

func (safePointFactory) NewFunctionListener(api.FunctionDefinition) experimental.FunctionListener {
	return safePointListener{}
}

type safePointListener struct{}

func (safePointListener) Before(ctx context.Context, _ api.Module, _ api.FunctionDefinition, _ []uint64, _ experimental.StackIterator) {
	if fn := safePointFrom(ctx); fn != nil {
		fn()
	}
}

func (safePointListener) After(context.Context, api.Module, api.FunctionDefinition, []uint64) {}

func (safePointListener) Abort(context.Context, api.Module, api.FunctionDefinition, error) {}
