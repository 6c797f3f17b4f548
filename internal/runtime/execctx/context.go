// Package execctx transfers control between a worker's base loop and its
// sandboxes. Each context is carried by its own goroutine and only the holder
// of the baton runs; Switch hands the baton over and parks the caller until it
// is switched back into.
package execctx

import (
	"encoding/binary"
	"fmt"
)

const canarySeed = 0x5afe5afe00000000

// Context is the saved state of one execution. The zero value is not usable;
// call Init for a sandbox entry point or NewBase for a worker loop.
type Context struct {
	resume  chan struct{}
	entry   func()
	stack   []byte
	started bool
	exited  bool
	stamp   uint64
}

// NewBase returns the context of an already-running loop. It has no entry
// point and is resumed like any other context.
func NewBase() *Context {
	return &Context{resume: make(chan struct{}), started: true}
}

// Init prepares c to start at entry on its first switch-in. stack is the
// region whose top word holds the context canary; it may be nil.
func (c *Context) Init(entry func(), stack []byte) {
	if entry == nil {
		panic("execctx: nil entry point")
	}
	c.resume = make(chan struct{})
	c.entry = entry
	c.stack = stack
	c.started = false
	c.exited = false
	c.stamp = 0
}

// Started reports whether c has run at least once.
func (c *Context) Started() bool { return c.started }

// Exited reports whether c has made its terminal transfer.
func (c *Context) Exited() bool { return c.exited }

// Switch suspends from and runs to. It returns when another Switch targets from.
func Switch(from, to *Context) {
	if to == nil {
		panic("execctx: switch into nil context")
	}
	if from == nil {
		panic("execctx: switch from nil context")
	}
	if from == to {
		return
	}
	if to.exited {
		panic("execctx: switch into exited context")
	}
	from.park()
	to.transfer()
	<-from.resume
	from.verify()
}

// Exit hands control to to without parking from. The caller must return
// from its entry function right after Exit; from can never be resumed.
func Exit(from, to *Context) {
	if to == nil {
		panic("execctx: exit into nil context")
	}
	if from == to {
		panic("execctx: exit into self")
	}
	from.exited = true
	to.transfer()
}

func (c *Context) transfer() {
	if !c.started {
		c.started = true
		go c.run()
		return
	}
	c.resume <- struct{}{}
}

func (c *Context) run() {
	c.entry()
	if !c.exited {
		panic("execctx: entry returned without exiting")
	}
}

// park stamps a fresh canary into the top word of the stack before the
// context is suspended.
func (c *Context) park() {
	if len(c.stack) < 8 {
		return
	}
	c.stamp++
	binary.LittleEndian.PutUint64(c.stack[len(c.stack)-8:], canarySeed|c.stamp)
}

func (c *Context) verify() {
	if len(c.stack) < 8 {
		return
	}
	got := binary.LittleEndian.Uint64(c.stack[len(c.stack)-8:])
	if want := canarySeed | c.stamp; got != want {
		panic(fmt.Sprintf("execctx: stack canary clobbered while suspended: got %#x want %#x", got, want))
	}
}
