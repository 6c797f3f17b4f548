// Package sandbox implements one in-flight invocation of a module against one
// client connection: its isolated arena and stack, its I/O handle table and
// the request to response body it runs on its own execution context.
package sandbox

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"faasrt/internal/runtime/execctx"
	"faasrt/internal/runtime/httpparse"
	"faasrt/internal/runtime/memory"
	"faasrt/internal/runtime/module"
	"faasrt/internal/runtime/sched"
	appErr "faasrt/pkg/errors"
	"faasrt/pkg/utils/contextkey"
	"faasrt/pkg/utils/logger"

	"go.uber.org/zap"
)

// State is the sandbox lifecycle state.
type State int32

const (
	Runnable State = iota
	Running
	Blocked
	Returned
)

func (s State) String() string {
	switch s {
	case Runnable:
		return "RUNNABLE"
	case Running:
		return "RUNNING"
	case Blocked:
		return "BLOCKED"
	case Returned:
		return "RETURNED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Outcome is how an invocation ended.
type Outcome string

const (
	OutcomeOK           Outcome = "ok"
	OutcomeClientClosed Outcome = "client_closed"
	OutcomeBadRequest   Outcome = "bad_request"
	OutcomeTooLarge     Outcome = "response_too_large"
	OutcomeIOError      Outcome = "io_error"
	OutcomeAborted      Outcome = "aborted"
	OutcomeTrap         Outcome = "trap"
)

// Host is the worker a sandbox runs on. Every method is called from the
// sandbox's own execution context.
type Host interface {
	// Begin runs first thing on a freshly started sandbox context.
	Begin(s *Sandbox)
	// WaitIO blocks s until fd is readable (or writable).
	WaitIO(s *Sandbox, fd int, write bool) error
	// Checkpoint is a safe point: the host may preempt or abort s here.
	Checkpoint(s *Sandbox)
	// Exit makes s RETURNED and transfers control away for good.
	Exit(s *Sandbox)
	// Current is the sandbox executing on the host, if any.
	Current() *Sandbox
}

var nextID atomic.Uint64

// Sandbox is a single-owner record of one invocation.
type Sandbox struct {
	id         uint64
	requestID  string
	module     *module.Descriptor
	arena      *memory.Arena
	stack      *memory.Stack
	linear     *linearMemory
	ctx        execctx.Context
	host       Host
	workerID   int
	conn       int
	remoteAddr string

	state    State
	start    time.Time
	deadline time.Time
	runTime  time.Duration
	resumed  time.Time
	finished time.Time

	handles  [MaxIOHandles]int
	connH    int
	parser   *httpparse.Parser
	received int
	request  *httpparse.Message
	reserve  int
	respLen  int
	overflow bool

	runCtx  context.Context
	cancel  context.CancelFunc
	retval  int32
	outcome Outcome
	err     error
	freed   bool
}

// Allocate pins req.Module and maps the sandbox regions. On failure nothing
// stays mapped and the module reference is dropped.
func Allocate(req *sched.Request) (*Sandbox, error) {
	d := req.Module
	if !d.Valid() {
		return nil, appErr.New(appErr.ModuleInvalid).WithMessage("module is not loadable")
	}
	if !d.Acquire() {
		return nil, appErr.New(appErr.ModuleNotFound).WithMessagef("module %s is retired", d.Name())
	}
	limits := d.Limits()

	arena, err := memory.NewArena(bufferSize(d), limits.MaxMemory, limits.InitialMemory)
	if err != nil {
		d.Release()
		return nil, appErr.Wrapf(err, appErr.SandboxOutOfMemory, "map arena for %s failed", d.Name())
	}
	stack, err := memory.NewStack(limits.StackSize)
	if err != nil {
		if rerr := arena.Release(); rerr != nil {
			logger.Warn(context.Background(), "release arena failed", zap.Error(rerr))
		}
		d.Release()
		return nil, appErr.Wrapf(err, appErr.SandboxStackMapFailed, "map stack for %s failed", d.Name())
	}

	s := &Sandbox{
		id:         nextID.Add(1),
		requestID:  req.ID,
		module:     d,
		arena:      arena,
		stack:      stack,
		conn:       req.Conn,
		remoteAddr: req.RemoteAddr,
		state:      Runnable,
		start:      req.Accepted,
		deadline:   req.AbsoluteDeadline,
		connH:      -1,
		reserve:    headerReserve(d),
	}
	s.linear = &linearMemory{arena: arena}
	for i := range s.handles {
		s.handles[i] = -1
	}
	s.ctx.Init(s.main, stack.Bytes())
	return s, nil
}

// Free unmaps the arena and the stack and drops the module reference. Unmap
// failures leak address space and are only logged.
func Free(s *Sandbox) {
	if s.freed {
		panic(fmt.Sprintf("sandbox %d: double free", s.id))
	}
	if s.host != nil && s.host.Current() == s {
		panic(fmt.Sprintf("sandbox %d: free while executing", s.id))
	}
	if s.state != Returned {
		panic(fmt.Sprintf("sandbox %d: free in state %s", s.id, s.state))
	}
	s.freed = true
	if s.cancel != nil {
		s.cancel()
	}
	if err := s.arena.Release(); err != nil {
		logger.Warn(s.LogContext(), "unmap sandbox arena failed", zap.Error(err))
	}
	if err := s.stack.Release(); err != nil {
		logger.Warn(s.LogContext(), "unmap sandbox stack failed", zap.Error(err))
	}
	s.module.Release()
}

// Bind attaches s to the worker that will run it and arms its cancellation.
// A non-zero abortAt also expires the run context at that instant, which
// stops wasm code that never reaches a safe point.
func (s *Sandbox) Bind(ctx context.Context, host Host, workerID int, abortAt time.Time) {
	s.host = host
	s.workerID = workerID
	if abortAt.IsZero() {
		s.runCtx, s.cancel = context.WithCancel(ctx)
		return
	}
	s.runCtx, s.cancel = context.WithDeadline(ctx, abortAt)
}

// Context is the execution context the host switches into.
func (s *Sandbox) Context() *execctx.Context { return &s.ctx }

func (s *Sandbox) ID() uint64                 { return s.id }
func (s *Sandbox) RequestID() string          { return s.requestID }
func (s *Sandbox) Module() *module.Descriptor { return s.module }
func (s *Sandbox) State() State               { return s.state }
func (s *Sandbox) Start() time.Time           { return s.start }
func (s *Sandbox) RemoteAddr() string         { return s.remoteAddr }
func (s *Sandbox) ReturnValue() int32         { return s.retval }
func (s *Sandbox) Outcome() Outcome           { return s.outcome }
func (s *Sandbox) Err() error                 { return s.err }
func (s *Sandbox) Arena() *memory.Arena       { return s.arena }
func (s *Sandbox) Stack() *memory.Stack       { return s.stack }
func (s *Sandbox) Received() int              { return s.received }
func (s *Sandbox) ResponseLength() int        { return s.respLen }
func (s *Sandbox) Finished() time.Time        { return s.finished }

// AbsoluteDeadline and RunTime key the deadline run queue.
func (s *Sandbox) AbsoluteDeadline() time.Time { return s.deadline }
func (s *Sandbox) RunTime() time.Duration      { return s.runTime }

// Eligible is true only while s waits in a run queue.
func (s *Sandbox) Eligible() bool { return s.state == Runnable }

// Abort cancels the sandbox's run context. A wasm call in progress stops at
// its next function boundary.
func (s *Sandbox) Abort() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Aborted reports whether Abort was called or the abort deadline passed.
func (s *Sandbox) Aborted() bool { return s.runCtx != nil && s.runCtx.Err() != nil }

var transitions = map[State][]State{
	Runnable: {Running},
	Running:  {Runnable, Blocked, Returned},
	Blocked:  {Runnable},
}

// SetState moves s along its lifecycle and keeps its run time accounting.
// An illegal transition panics.
func (s *Sandbox) SetState(next State, now time.Time) {
	ok := false
	for _, allowed := range transitions[s.state] {
		if allowed == next {
			ok = true
			break
		}
	}
	if !ok {
		panic(fmt.Sprintf("sandbox %d: illegal transition %s -> %s", s.id, s.state, next))
	}
	if s.state == Running {
		s.runTime += now.Sub(s.resumed)
	}
	if next == Running {
		s.resumed = now
	}
	if next == Returned {
		s.finished = now
	}
	s.state = next
}

// ReleaseLinear unmaps the linear memory ahead of reclamation. It runs on
// exit, before the switch away.
func (s *Sandbox) ReleaseLinear() {
	if err := s.arena.ReleaseLinear(); err != nil {
		logger.Warn(s.LogContext(), "unmap linear memory failed", zap.Error(err))
	}
}

// LogContext carries the identifiers the logger lifts into every entry.
func (s *Sandbox) LogContext() context.Context {
	ctx := context.Background()
	if s.runCtx != nil {
		ctx = context.WithoutCancel(s.runCtx)
	}
	ctx = context.WithValue(ctx, contextkey.RequestID, s.requestID)
	ctx = context.WithValue(ctx, contextkey.Module, s.module.Name())
	return context.WithValue(ctx, contextkey.WorkerID, s.workerID)
}

// Snapshot is a copy of the observable sandbox fields.
type Snapshot struct {
	ID         uint64        `json:"id"`
	RequestID  string        `json:"request_id"`
	Module     string        `json:"module"`
	WorkerID   int           `json:"worker_id"`
	State      string        `json:"state"`
	Outcome    Outcome       `json:"outcome,omitempty"`
	ReturnCode int32         `json:"return_code"`
	Start      time.Time     `json:"start"`
	Deadline   time.Time     `json:"deadline"`
	RunTime    time.Duration `json:"run_time"`
	Total      time.Duration `json:"total"`
	Received   int           `json:"received"`
	Sent       int           `json:"sent"`
	Error      string        `json:"error,omitempty"`
}

func (s *Sandbox) Snapshot() Snapshot {
	snap := Snapshot{
		ID:         s.id,
		RequestID:  s.requestID,
		Module:     s.module.Name(),
		WorkerID:   s.workerID,
		State:      s.state.String(),
		Outcome:    s.outcome,
		ReturnCode: s.retval,
		Start:      s.start,
		Deadline:   s.deadline,
		RunTime:    s.runTime,
		Received:   s.received,
		Sent:       s.respLen,
	}
	if !s.finished.IsZero() {
		snap.Total = s.finished.Sub(s.start)
	}
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	return snap
}
