package module

import (
	"context"
	"testing"

	appErr "faasrt/pkg/errors"
)

// mainArgcWasm exports memory (1 page) and main(argc, argv) returning argc.
var mainArgcWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// type: (i32, i32) -> i32
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	// function 0 has type 0
	0x03, 0x02, 0x01, 0x00,
	// memory min 1
	0x05, 0x03, 0x01, 0x00, 0x01,
	// exports: main, memory
	0x07, 0x11, 0x02,
	0x04, 'm', 'a', 'i', 'n', 0x00, 0x00,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	// code: local.get 0
	0x0a, 0x06, 0x01, 0x04, 0x00, 0x20, 0x00, 0x0b,
}

// growLinear is a Go-slice LinearAllocator that never moves its backing array.
type growLinear struct {
	backing  []byte
	size     uint64
	reallocs int
}

func (g *growLinear) Reallocate(size uint64) []byte {
	g.reallocs++
	if size > uint64(cap(g.backing)) {
		return nil
	}
	g.size = size
	return g.backing[:size]
}

func (g *growLinear) Memory() Memory { return &sliceMemory{buf: g.backing[:g.size]} }

func TestWasmUnitRoundTrip(t *testing.T) {
	ctx := context.Background()
	limits := Limits{MaxMemory: 1 << 20}
	unit, err := CompileWasm(ctx, "argc", mainArgcWasm, limits, WasmOptions{})
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	d, err := New(Spec{Name: "argc", Limits: limits}, unit)
	if err != nil {
		t.Fatalf("descriptor failed: %v", err)
	}
	if _, err := d.Table().Lookup(0, TypeID("ii", "i")); err != nil {
		t.Fatalf("main not catalogued: %v", err)
	}

	linear := &growLinear{backing: make([]byte, 0, 1<<20)}
	safePoints := 0
	inst, err := unit.Instantiate(ctx, Env{Name: "argc", Linear: linear, SafePoint: func() { safePoints++ }})
	if err != nil {
		t.Fatalf("instantiate failed: %v", err)
	}
	defer inst.Close(ctx)

	if linear.reallocs == 0 {
		t.Fatalf("linear memory was not taken from the allocator")
	}
	if err := inst.InitGlobals(ctx); err != nil {
		t.Fatalf("init globals failed: %v", err)
	}
	if err := inst.InitMemory(ctx); err != nil {
		t.Fatalf("init memory failed: %v", err)
	}
	mem := inst.Memory()
	if mem == nil || mem.Size() != 65536 {
		t.Fatalf("unexpected memory %v", mem)
	}
	if !mem.Write(0, []byte("arena")) || string(linear.backing[:5]) != "arena" {
		t.Fatalf("instance memory is not backed by the allocator")
	}

	ret, err := inst.Main(ctx, 3, 0)
	if err != nil {
		t.Fatalf("main failed: %v", err)
	}
	if ret != 3 {
		t.Fatalf("expected 3, got %d", ret)
	}
	if safePoints == 0 {
		t.Fatalf("expected the function listener to poll the safe point")
	}

	d.Retire()
}

func TestCompileWasmRejectsGarbage(t *testing.T) {
	if _, err := CompileWasm(context.Background(), "bad", []byte("not wasm"), Limits{}, WasmOptions{}); err == nil {
		t.Fatalf("expected compile error")
	}
}

func TestWasmEntryDispatchesThroughTable(t *testing.T) {
	ctx := context.Background()
	limits := Limits{MaxMemory: 1 << 20}
	unit, err := CompileWasm(ctx, "argc", mainArgcWasm, limits, WasmOptions{})
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	d, err := New(Spec{Name: "argc", Limits: limits}, unit)
	if err != nil {
		t.Fatalf("descriptor failed: %v", err)
	}
	defer d.Retire()

	entries := d.Table().Entries()
	if len(entries) != 1 || entries[0].Name != "main" || entries[0].TypeID != TypeID("ii", "i") {
		t.Fatalf("unexpected table entries %+v", entries)
	}
	fn, err := d.Table().Lookup(0, TypeID("ii", "i"))
	if err != nil {
		t.Fatalf("lookup main: %v", err)
	}
	if _, err := fn.Call(ctx, nil, []uint64{1, 0}); err == nil {
		t.Fatalf("expected an error without a bound instance")
	}

	linear := &growLinear{backing: make([]byte, 0, 1<<20)}
	inst, err := unit.Instantiate(ctx, Env{Name: "argc", Linear: linear, Table: d.Table()})
	if err != nil {
		t.Fatalf("instantiate failed: %v", err)
	}
	defer inst.Close(ctx)

	res, err := fn.Call(WithInstance(ctx, inst), inst.Memory(), []uint64{5, 0})
	if err != nil {
		t.Fatalf("table call failed: %v", err)
	}
	if len(res) != 1 || int32(res[0]) != 5 {
		t.Fatalf("unexpected table call result %v", res)
	}
	ret, err := inst.Main(ctx, 2, 0)
	if err != nil || ret != 2 {
		t.Fatalf("main through table: %d, %v", ret, err)
	}
}

func TestNativeCallIndirect(t *testing.T) {
	ctx := context.Background()
	double := TypeID("I", "I")
	unit := NewNativeUnit("calc", NativeHooks{
		InitTables: func(table *IndirectTable) error {
			return table.Register(2, double, &Func{Name: "double", Call: func(_ context.Context, _ Memory, params []uint64) ([]uint64, error) {
				return []uint64{params[0] * 2}, nil
			}})
		},
		Main: func(ctx context.Context, call NativeCall) (int32, error) {
			if _, err := call.CallIndirect(ctx, 2, TypeID("i", "i"), 1); appErr.GetCode(err) != appErr.IndirectTypeMismatch {
				t.Errorf("expected type mismatch, got %v", err)
			}
			if _, err := call.CallIndirect(ctx, 9, double, 1); appErr.GetCode(err) != appErr.IndirectTypeMismatch {
				t.Errorf("expected empty slot error, got %v", err)
			}
			res, err := call.CallIndirect(ctx, 2, double, 21)
			if err != nil {
				return 0, err
			}
			return int32(res[0]), nil
		},
	})
	d, err := New(Spec{Name: "calc", Limits: Limits{IndirectTableSize: 16}}, unit)
	if err != nil {
		t.Fatalf("descriptor failed: %v", err)
	}
	if entries := d.Table().Entries(); len(entries) != 1 || entries[0].Index != 2 || entries[0].Name != "double" {
		t.Fatalf("unexpected table entries %+v", entries)
	}

	linear := &growLinear{backing: make([]byte, 0, 1<<16)}
	inst, err := unit.Instantiate(ctx, Env{Name: "calc", Linear: linear, Table: d.Table()})
	if err != nil {
		t.Fatalf("instantiate failed: %v", err)
	}
	ret, err := inst.Main(ctx, 0, 0)
	if err != nil || ret != 42 {
		t.Fatalf("expected 42, got %d, %v", ret, err)
	}

	if _, err := (NativeCall{}).CallIndirect(ctx, 0, double); appErr.GetCode(err) != appErr.IndirectIndexOutOfRange {
		t.Fatalf("expected missing table error, got %v", err)
	}
}
