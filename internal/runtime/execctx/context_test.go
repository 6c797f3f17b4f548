package execctx

import (
	"reflect"
	"strings"
	"testing"
)

func TestSwitchRoundTripPreservesState(t *testing.T) {
	base := NewBase()
	var a Context
	var trace []string

	a.Init(func() {
		canary := uint64(0xdeadbeef)
		regs := [4]int{1, 2, 3, 4}
		trace = append(trace, "a:start")
		Switch(&a, base)
		if canary != 0xdeadbeef || regs != [4]int{1, 2, 3, 4} {
			t.Errorf("state changed across switch: %x %v", canary, regs)
		}
		trace = append(trace, "a:resumed")
		Exit(&a, base)
	}, make([]byte, 128))

	Switch(base, &a)
	trace = append(trace, "base:1")
	Switch(base, &a)
	trace = append(trace, "base:2")

	want := []string{"a:start", "base:1", "a:resumed", "base:2"}
	if !reflect.DeepEqual(trace, want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}
	if !a.Exited() {
		t.Fatalf("context not marked exited")
	}
}

func TestSwitchBetweenContexts(t *testing.T) {
	base := NewBase()
	var a, b Context
	var trace []string

	a.Init(func() {
		trace = append(trace, "a1")
		Switch(&a, &b)
		trace = append(trace, "a2")
		Exit(&a, &b)
	}, nil)
	b.Init(func() {
		trace = append(trace, "b1")
		Switch(&b, &a)
		trace = append(trace, "b2")
		Exit(&b, base)
	}, nil)

	Switch(base, &a)
	want := []string{"a1", "b1", "a2", "b2"}
	if !reflect.DeepEqual(trace, want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}
}

func TestCanaryStampedOnPark(t *testing.T) {
	base := NewBase()
	stack := make([]byte, 64)
	var a Context
	var seen uint64
	a.Init(func() {
		Switch(&a, base)
		Exit(&a, base)
	}, stack)

	Switch(base, &a)
	for _, v := range stack[56:] {
		seen = seen<<8 | uint64(v)
	}
	if seen == 0 {
		t.Fatalf("canary not written into stack top")
	}
	Switch(base, &a)
}

func TestClobberedCanaryPanics(t *testing.T) {
	base := NewBase()
	base.stack = make([]byte, 32)
	var a Context
	a.Init(func() {
		base.stack[len(base.stack)-1] ^= 0xff
		Exit(&a, base)
	}, nil)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected panic on clobbered canary")
		}
		if !strings.Contains(r.(string), "canary") {
			t.Fatalf("unexpected panic: %v", r)
		}
	}()
	Switch(base, &a)
}

func TestSwitchIntoNilPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	Switch(NewBase(), nil)
}

func TestSwitchIntoExitedPanics(t *testing.T) {
	base := NewBase()
	var a Context
	a.Init(func() { Exit(&a, base) }, nil)
	Switch(base, &a)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	Switch(base, &a)
}
