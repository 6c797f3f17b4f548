package module

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	appErr "faasrt/pkg/errors"
)

// NativeCall is what a native main receives.
type NativeCall struct {
	Env    Env
	Memory Memory
	Argc   int32
	Argv   int32
}

// SafePoint gives the scheduler a chance to preempt a long-running native body.
func (c NativeCall) SafePoint() {
	if c.Env.SafePoint != nil {
		c.Env.SafePoint()
	}
}

// CallIndirect calls the function bound in the module's table at index with
// the given type id.
func (c NativeCall) CallIndirect(ctx context.Context, index, typeID uint32, params ...uint64) ([]uint64, error) {
	if c.Env.Table == nil {
		return nil, appErr.Newf(appErr.IndirectIndexOutOfRange, "%s has no indirect table", c.Env.Name)
	}
	fn, err := c.Env.Table.Lookup(index, typeID)
	if err != nil {
		return nil, err
	}
	if fn.Call == nil {
		return nil, appErr.Newf(appErr.IndirectTypeMismatch, "slot %d (%s) is not callable", index, fn.Name)
	}
	return fn.Call(ctx, c.Memory, params)
}

// Args decodes argv from linear memory.
func (c NativeCall) Args() ([]string, error) {
	return ReadArgs(c.Memory, c.Argc, c.Argv)
}

// NativeHooks are the entry points of a Go-implemented unit. Only Main is required.
type NativeHooks struct {
	InitGlobals func(ctx context.Context) error
	InitMemory  func(ctx context.Context, mem Memory) error
	InitTables  func(table *IndirectTable) error
	Main        func(ctx context.Context, call NativeCall) (int32, error)
}

// NativeUnit runs Go hooks against the sandbox arena.
type NativeUnit struct {
	name  string
	hooks NativeHooks
}

func NewNativeUnit(name string, hooks NativeHooks) *NativeUnit {
	return &NativeUnit{name: name, hooks: hooks}
}

func (u *NativeUnit) Kind() string { return "native" }

func (u *NativeUnit) HasMain() bool { return u.hooks.Main != nil }

func (u *NativeUnit) InitTables(table *IndirectTable) error {
	if u.hooks.InitTables == nil {
		return nil
	}
	return u.hooks.InitTables(table)
}

func (u *NativeUnit) Instantiate(ctx context.Context, env Env) (Instance, error) {
	if env.Linear == nil {
		return nil, appErr.New(appErr.ModuleLoadFailed).WithMessagef("%s needs linear memory", u.name)
	}
	return &nativeInstance{unit: u, env: env}, nil
}

func (u *NativeUnit) Close(ctx context.Context) error { return nil }

type nativeInstance struct {
	unit *NativeUnit
	env  Env
}

func (i *nativeInstance) InitGlobals(ctx context.Context) error {
	if i.unit.hooks.InitGlobals == nil {
		return nil
	}
	return i.unit.hooks.InitGlobals(ctx)
}

func (i *nativeInstance) InitMemory(ctx context.Context) error {
	if i.unit.hooks.InitMemory == nil {
		return nil
	}
	return i.unit.hooks.InitMemory(ctx, i.Memory())
}

func (i *nativeInstance) Memory() Memory { return i.env.Linear.Memory() }

// Main runs the native body. A panic inside it is reported as a trap.
func (i *nativeInstance) Main(ctx context.Context, argc, argv int32) (ret int32, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = appErr.Newf(appErr.ModuleTrapped, "%s panicked: %v", i.unit.name, r)
		}
	}()
	return i.unit.hooks.Main(ctx, NativeCall{Env: i.env, Memory: i.Memory(), Argc: argc, Argv: argv})
}

func (i *nativeInstance) Close(ctx context.Context) error { return nil }

var builtins = map[string]NativeHooks{
	"echo":  {Main: echoMain},
	"hello": {Main: helloMain},
}

// Builtin returns a fresh unit for a built-in native module.
func Builtin(name string) (Unit, error) {
	hooks, ok := builtins[name]
	if !ok {
		return nil, appErr.New(appErr.ModuleNotFound).WithMessagef("unknown builtin %q", name)
	}
	return NewNativeUnit(name, hooks), nil
}

// Builtins lists the built-in module names.
func Builtins() []string {
	names := make([]string, 0, len(builtins))
	for n := range builtins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// echoMain writes its arguments separated by spaces, then the request body.
func echoMain(ctx context.Context, call NativeCall) (int32, error) {
	args, err := call.Args()
	if err != nil {
		return 1, err
	}
	if call.Env.Stdout == nil {
		return 0, nil
	}
	if len(args) > 0 {
		if _, err := io.WriteString(call.Env.Stdout, strings.Join(args, " ")); err != nil {
			return 1, err
		}
	}
	call.SafePoint()
	if call.Env.Stdin != nil {
		if _, err := io.Copy(call.Env.Stdout, call.Env.Stdin); err != nil {
			return 1, err
		}
	}
	return 0, nil
}

func helloMain(ctx context.Context, call NativeCall) (int32, error) {
	name := "world"
	if args, err := call.Args(); err == nil && len(args) > 0 {
		name = args[0]
	}
	if call.Env.Stdout != nil {
		if _, err := fmt.Fprintf(call.Env.Stdout, "hello, %s\n", name); err != nil {
			return 1, err
		}
	}
	return 0, nil
}
