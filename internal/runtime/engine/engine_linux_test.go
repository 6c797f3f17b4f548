//go:build linux && (amd64 || arm64)

package engine

import (
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"faasrt/internal/runtime/module"
	appErr "faasrt/pkg/errors"
)

func startEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	cfg.ListenHost = "127.0.0.1"
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		if err := e.Stop(context.Background()); err != nil {
			t.Errorf("stop: %v", err)
		}
	})
	return e
}

func builtin(t *testing.T, name string) module.Unit {
	t.Helper()
	u, err := module.Builtin(name)
	if err != nil {
		t.Fatalf("builtin %s: %v", name, err)
	}
	return u
}

func invoke(t *testing.T, port int, req string) string {
	t.Helper()
	c, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	c.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.WriteString(c, req); err != nil {
		t.Fatalf("write: %v", err)
	}
	b, err := io.ReadAll(c)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(b)
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for an event")
	}
	return Event{}
}

func TestInvokeRegisteredModule(t *testing.T) {
	e := startEngine(t, Config{})
	events, unsubscribe := e.Subscribe(8)
	defer unsubscribe()

	info, err := e.Register(module.Spec{Name: "hello", Arguments: "faas"}, builtin(t, "hello"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if info.BoundPort == 0 || info.Kind != "native" {
		t.Fatalf("unexpected module info %+v", info)
	}

	resp := invoke(t, info.BoundPort, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	if !strings.HasPrefix(resp, "HTTP/1.1 200 OK\r\n") || !strings.HasSuffix(resp, "\r\n\r\nhello, faas\n") {
		t.Fatalf("unexpected response %q", resp)
	}

	ev := nextEvent(t, events)
	if ev.Type != EventCompleted || ev.Module != "hello" || ev.Outcome != "ok" || ev.Sent != len("hello, faas\n") {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.RequestID == "" || !ev.DeadlineMet || ev.TotalUS < ev.RunUS {
		t.Fatalf("unexpected event timing %+v", ev)
	}
}

func TestModulesRegisteredBeforeStart(t *testing.T) {
	e, err := New(Config{Workers: 1, ListenHost: "127.0.0.1"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := e.Register(module.Spec{Name: "echo", Arguments: "early"}, builtin(t, "echo")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if info, _ := e.Module("echo"); info.BoundPort != 0 {
		t.Fatalf("module should not listen before start")
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop(context.Background())

	info, err := e.Module("echo")
	if err != nil || info.BoundPort == 0 {
		t.Fatalf("module not listening after start: %+v, %v", info, err)
	}
	if resp := invoke(t, info.BoundPort, "GET / HTTP/1.1\r\nHost: x\r\n\r\n"); !strings.HasSuffix(resp, "early") {
		t.Fatalf("unexpected response %q", resp)
	}
	if err := e.Start(context.Background()); err == nil {
		t.Fatalf("second start should fail")
	}
}

func TestRegisterConflicts(t *testing.T) {
	e := startEngine(t, Config{Workers: 1})
	if _, err := e.Register(module.Spec{Name: "a"}, builtin(t, "echo")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := e.Register(module.Spec{Name: "a"}, builtin(t, "echo")); appErr.GetCode(err) != appErr.ModuleAlreadyExists {
		t.Fatalf("expected duplicate name error, got %v", err)
	}
	if _, err := e.Register(module.Spec{Name: ""}, builtin(t, "echo")); appErr.GetCode(err) != appErr.ValidationFailed {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := e.Modules(); len(got) != 1 || got[0].Name != "a" {
		t.Fatalf("unexpected modules %+v", got)
	}
}

func TestRetireStopsAccepting(t *testing.T) {
	e := startEngine(t, Config{Workers: 1})
	info, err := e.Register(module.Spec{Name: "gone"}, builtin(t, "echo"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := e.Retire("gone"); err != nil {
		t.Fatalf("retire: %v", err)
	}
	if _, err := e.Module("gone"); appErr.GetCode(err) != appErr.ModuleNotFound {
		t.Fatalf("expected module not found, got %v", err)
	}
	if _, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(info.BoundPort)), time.Second); err == nil {
		t.Fatalf("retired module port still accepts")
	}
	if err := e.Retire("gone"); appErr.GetCode(err) != appErr.ModuleNotFound {
		t.Fatalf("expected second retire to fail, got %v", err)
	}
}

func TestWorkersAndStats(t *testing.T) {
	e := startEngine(t, Config{Workers: 3})
	info, err := e.Register(module.Spec{Name: "echo", Arguments: "x"}, builtin(t, "echo"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	for i := 0; i < 4; i++ {
		invoke(t, info.BoundPort, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	}

	var completed uint64
	deadline := time.Now().Add(5 * time.Second)
	for completed < 4 && time.Now().Before(deadline) {
		completed = 0
		for _, w := range e.Workers() {
			completed += w.Completed
		}
		time.Sleep(time.Millisecond)
	}
	if completed != 4 {
		t.Fatalf("expected 4 completions across workers, got %d", completed)
	}
	st := e.Stats()
	if len(st.Workers) != 3 || st.Modules != 1 || st.Listener.Accepted != 4 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestStopRejectsNewModules(t *testing.T) {
	e, err := New(Config{Workers: 1, ListenHost: "127.0.0.1"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := e.Register(module.Spec{Name: "late"}, builtin(t, "echo")); appErr.GetCode(err) != appErr.WorkerStopped {
		t.Fatalf("expected register after stop to fail, got %v", err)
	}
	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestModuleInfoListsTable(t *testing.T) {
	e := startEngine(t, Config{Workers: 1})
	id := module.TypeID("I", "I")
	unit := module.NewNativeUnit("inc", module.NativeHooks{
		InitTables: func(table *module.IndirectTable) error {
			return table.Register(3, id, &module.Func{Name: "inc", Call: func(_ context.Context, _ module.Memory, params []uint64) ([]uint64, error) {
				return []uint64{params[0] + 1}, nil
			}})
		},
		Main: func(ctx context.Context, call module.NativeCall) (int32, error) {
			res, err := call.CallIndirect(ctx, 3, id, 6)
			if err != nil {
				return 0, err
			}
			_, err = io.WriteString(call.Env.Stdout, strconv.FormatUint(res[0], 10))
			return 0, err
		},
	})
	info, err := e.Register(module.Spec{Name: "inc"}, unit)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(info.Table) != 1 || info.Table[0].Index != 3 || info.Table[0].Name != "inc" || info.Table[0].TypeID != id {
		t.Fatalf("unexpected table %+v", info.Table)
	}
	if resp := invoke(t, info.BoundPort, "GET / HTTP/1.1\r\nHost: x\r\n\r\n"); !strings.HasSuffix(resp, "\r\n\r\n7") {
		t.Fatalf("unexpected response %q", resp)
	}
}
