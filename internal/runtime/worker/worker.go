// Package worker runs the per-thread scheduling loop: it admits requests from
// the global queue, switches into sandboxes picked from its run queue, blocks
// and wakes them around I/O, preempts them at safe points and reclaims them
// once they have returned.
package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"faasrt/internal/runtime/execctx"
	"faasrt/internal/runtime/sandbox"
	"faasrt/internal/runtime/sched"
	appErr "faasrt/pkg/errors"
	"faasrt/pkg/utils/contextkey"
	"faasrt/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// DeadlinePolicy decides what happens to a sandbox running past its deadline.
type DeadlinePolicy string

const (
	// DeadlineReport only logs whether the deadline was met.
	DeadlineReport DeadlinePolicy = "report"
	// DeadlineAbort cancels the sandbox once its deadline passes. Native code
	// stops at its next safe point and wasm code at its next loop or call.
	DeadlineAbort DeadlinePolicy = "abort"
)

const (
	defaultQuantum      = 5 * time.Millisecond
	defaultIdleWait     = time.Millisecond
	defaultAdmitBatch   = 16
	defaultDrainTimeout = 5 * time.Second
)

// Config configures one worker.
type Config struct {
	ID             int
	Policy         sched.Policy
	DeadlinePolicy DeadlinePolicy
	// Quantum is the preemption tick. Negative disables preemption.
	Quantum      time.Duration
	IdleWait     time.Duration
	AdmitBatch   int
	DrainTimeout time.Duration
	Requests     *sched.RequestQueue
	Observer     Observer
}

func (c Config) withDefaults() Config {
	if c.Policy == "" {
		c.Policy = sched.PolicyFIFO
	}
	if c.DeadlinePolicy == "" {
		c.DeadlinePolicy = DeadlineReport
	}
	if c.Quantum == 0 {
		c.Quantum = defaultQuantum
	}
	if c.IdleWait <= 0 {
		c.IdleWait = defaultIdleWait
	}
	if c.AdmitBatch <= 0 {
		c.AdmitBatch = defaultAdmitBatch
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	if c.Observer == nil {
		c.Observer = NopObserver{}
	}
	return c
}

// Worker owns a run queue, a completion queue and an I/O reactor. All of its
// state is touched only by whichever context holds the baton: the base loop
// or one of its sandboxes.
type Worker struct {
	cfg      Config
	ctx      context.Context
	base     *execctx.Context
	current  *sandbox.Sandbox
	next     *execctx.Context
	exited   *sandbox.Sandbox
	runq     sched.RunQueue[*sandbox.Sandbox]
	done     *sched.CompletionQueue[*sandbox.Sandbox]
	reactor  *reactor
	blocked  int
	stopping bool

	inCallback bool
	maskDepth  int
	switching  bool
	preempt    atomic.Bool

	stats counters
}

type counters struct {
	queued    atomic.Int64
	blocked   atomic.Int64
	live      atomic.Int64
	admitted  atomic.Uint64
	completed atomic.Uint64
	rejected  atomic.Uint64
	preempted atomic.Uint64
	aborted   atomic.Uint64
}

// New builds a worker. Requests is required.
func New(cfg Config) (*Worker, error) {
	if cfg.Requests == nil {
		return nil, errors.New("request queue is required")
	}
	if cfg.DeadlinePolicy != "" && cfg.DeadlinePolicy != DeadlineReport && cfg.DeadlinePolicy != DeadlineAbort {
		return nil, appErr.ValidationError("deadline_policy", "must be report or abort")
	}
	cfg = cfg.withDefaults()
	w := &Worker{
		cfg:  cfg,
		base: execctx.NewBase(),
		runq: sched.NewRunQueue[*sandbox.Sandbox](cfg.Policy),
	}
	w.done = sched.NewCompletionQueue(w.reclaim)
	return w, nil
}

func (w *Worker) ID() int { return w.cfg.ID }

// Run is the scheduling loop. A worker is one goroutine holding the baton for
// its sandboxes; it is not pinned to an OS thread. Run returns once ctx is
// done and every admitted sandbox has been reclaimed.
func (w *Worker) Run(ctx context.Context) error {
	r, err := newReactor()
	if err != nil {
		return appErr.Wrapf(err, appErr.ReactorFailed, "worker %d: create reactor failed", w.cfg.ID)
	}
	w.reactor = r
	defer func() {
		if err := w.reactor.Close(); err != nil {
			logger.Warn(w.logContext(), "close reactor failed", zap.Error(err))
		}
	}()

	w.ctx = context.WithValue(context.WithoutCancel(ctx), contextkey.WorkerID, w.cfg.ID)
	stopTicker := w.startTicker()
	defer stopTicker()

	logger.Info(w.logContext(), "worker started",
		zap.String("policy", string(w.cfg.Policy)),
		zap.String("deadline_policy", string(w.cfg.DeadlinePolicy)))

	var drainBy time.Time
	for {
		if !w.stopping && ctx.Err() != nil {
			w.stopping = true
			drainBy = time.Now().Add(w.cfg.DrainTimeout)
		}
		if !w.inCallback {
			w.poll(0)
		}
		w.sweep(w.stopping && time.Now().After(drainBy))
		if !w.stopping {
			w.admit()
		}

		w.mask()
		s, ok := w.runq.Next()
		w.unmask()
		if ok {
			w.transfer(w.base, s)
			w.done.Drain(1)
			w.publish()
			continue
		}

		w.done.Drain(0)
		w.publish()
		if w.stopping && w.blocked == 0 && w.runq.Len() == 0 {
			break
		}
		w.poll(w.cfg.IdleWait)
	}
	logger.Info(w.logContext(), "worker stopped", zap.Uint64("completed", w.stats.completed.Load()))
	return nil
}

// admit turns a batch of queued requests into runnable sandboxes.
func (w *Worker) admit() {
	for _, req := range w.cfg.Requests.PopBatch(w.cfg.AdmitBatch) {
		s, err := sandbox.Allocate(req)
		if err != nil {
			w.Reject(req, err)
			continue
		}
		var abortAt time.Time
		if w.cfg.DeadlinePolicy == DeadlineAbort {
			abortAt = s.AbsoluteDeadline()
		}
		s.Bind(w.ctx, w, w.cfg.ID, abortAt)
		w.stats.live.Add(1)
		w.stats.admitted.Add(1)
		w.cfg.Observer.Admitted(w.cfg.ID, s)
		w.mask()
		w.runq.Add(s)
		w.unmask()
	}
}

// Reject drops a request that never got a sandbox.
func (w *Worker) Reject(req *sched.Request, err error) {
	if cerr := unix.Close(req.Conn); cerr != nil {
		logger.Debug(w.logContext(), "close rejected connection failed", zap.Error(cerr))
	}
	w.stats.rejected.Add(1)
	logger.Warn(w.logContext(), "request rejected",
		zap.String("request_id", req.ID),
		zap.String("module", req.Module.Name()),
		zap.Error(err))
	w.cfg.Observer.Rejected(w.cfg.ID, req, err)
}

func (w *Worker) reclaim(s *sandbox.Sandbox) {
	if s.Outcome() == sandbox.OutcomeAborted {
		w.stats.aborted.Add(1)
	}
	w.cfg.Observer.Completed(w.cfg.ID, s)
	sandbox.Free(s)
	w.stats.live.Add(-1)
	w.stats.completed.Add(1)
}

func (w *Worker) mask() { w.maskDepth++ }

func (w *Worker) unmask() {
	if w.maskDepth == 0 {
		panic("worker: unbalanced preemption unmask")
	}
	w.maskDepth--
}

func (w *Worker) setState(s *sandbox.Sandbox, to sandbox.State) {
	from := s.State()
	s.SetState(to, time.Now())
	w.cfg.Observer.Transition(w.cfg.ID, s, from, to)
}

// target makes next the current sandbox, or the base loop when next is nil,
// and returns the context to switch into.
func (w *Worker) target(next *sandbox.Sandbox) *execctx.Context {
	if w.switching {
		panic("worker: switch started while another is in progress")
	}
	w.switching = true
	w.current = next
	if next == nil {
		w.next = w.base
	} else {
		w.setState(next, sandbox.Running)
		w.next = next.Context()
	}
	return w.next
}

// transfer switches from the running context into next, or into the base
// loop when next is nil, and returns once from is switched back into.
func (w *Worker) transfer(from *execctx.Context, next *sandbox.Sandbox) {
	w.mask()
	to := w.target(next)
	execctx.Switch(from, to)
	w.afterSwitch()
}

// afterSwitch runs on whichever context just received control.
func (w *Worker) afterSwitch() {
	w.switching = false
	w.next = nil
	if w.exited != nil {
		w.done.Add(w.exited)
		w.exited = nil
	}
	w.unmask()
}

// pick pops the next runnable sandbox with preemption masked.
func (w *Worker) pick() *sandbox.Sandbox {
	w.mask()
	defer w.unmask()
	s, _ := w.runq.Next()
	return s
}

// Begin implements sandbox.Host. A fresh sandbox context finishes the switch
// that started it.
func (w *Worker) Begin(s *sandbox.Sandbox) {
	w.afterSwitch()
}

// Current implements sandbox.Host.
func (w *Worker) Current() *sandbox.Sandbox { return w.current }

// WaitIO implements sandbox.Host: it blocks s until fd is ready.
func (w *Worker) WaitIO(s *sandbox.Sandbox, fd int, write bool) error {
	if s != w.current {
		panic("worker: wait from a sandbox that is not current")
	}
	if s.Aborted() {
		return appErr.New(appErr.DeadlineExceeded).WithMessage("sandbox aborted")
	}
	if err := w.reactor.Register(fd, write, s); err != nil {
		return appErr.Wrapf(err, appErr.ReactorFailed, "register fd %d failed", fd)
	}
	w.block(s)
	if s.Aborted() {
		return appErr.New(appErr.DeadlineExceeded).WithMessage("aborted while blocked")
	}
	return nil
}

// block takes the current sandbox off the run queue and switches away.
func (w *Worker) block(s *sandbox.Sandbox) {
	w.mask()
	w.runq.Remove(s)
	w.setState(s, sandbox.Blocked)
	w.blocked++
	w.unmask()
	w.transfer(s.Context(), w.pick())
}

// wakeup makes a blocked sandbox runnable again.
func (w *Worker) wakeup(s *sandbox.Sandbox) {
	if s.State() != sandbox.Blocked {
		return
	}
	w.mask()
	w.setState(s, sandbox.Runnable)
	w.blocked--
	w.runq.Add(s)
	w.unmask()
}

// Checkpoint implements sandbox.Host. It aborts a sandbox past its deadline
// under the abort policy and yields when a preemption tick is pending.
func (w *Worker) Checkpoint(s *sandbox.Sandbox) {
	if w.maskDepth > 0 || w.switching || w.inCallback || s != w.current {
		return
	}
	if w.cfg.DeadlinePolicy == DeadlineAbort && !s.Aborted() && time.Now().After(s.AbsoluteDeadline()) {
		w.abort(s)
		return
	}
	if !w.preempt.Swap(false) {
		return
	}
	w.poll(0)
	if w.runq.Len() == 0 {
		return
	}
	w.mask()
	w.setState(s, sandbox.Runnable)
	w.runq.Add(s)
	next, _ := w.runq.Next()
	w.unmask()
	if next == s {
		w.setState(s, sandbox.Running)
		return
	}
	w.stats.preempted.Add(1)
	w.transfer(s.Context(), next)
}

func (w *Worker) abort(s *sandbox.Sandbox) {
	s.Abort()
	logger.Warn(s.LogContext(), "sandbox aborted past deadline",
		zap.Time("deadline", s.AbsoluteDeadline()))
}

// Exit implements sandbox.Host. The sandbox's linear memory goes now; the
// rest is reclaimed from the completion queue after the switch away.
func (w *Worker) Exit(s *sandbox.Sandbox) {
	if s != w.current {
		panic("worker: exit from a sandbox that is not current")
	}
	w.mask()
	w.runq.Remove(s)
	w.setState(s, sandbox.Returned)
	s.ReleaseLinear()
	w.exited = s
	w.unmask()
	next := w.pick()
	w.mask()
	to := w.target(next)
	execctx.Exit(s.Context(), to)
}

// poll dispatches ready I/O events without blocking longer than timeout.
func (w *Worker) poll(timeout time.Duration) {
	w.inCallback = true
	defer func() { w.inCallback = false }()
	if err := w.reactor.Poll(timeout, w.wakeup); err != nil {
		logger.Warn(w.logContext(), "reactor poll failed", zap.Error(err))
	}
}

// sweep aborts blocked sandboxes whose deadline has passed under the abort
// policy, or all of them when force is set, and wakes them so they unwind.
func (w *Worker) sweep(force bool) {
	if w.blocked == 0 || (!force && w.cfg.DeadlinePolicy != DeadlineAbort) {
		return
	}
	now := time.Now()
	for _, s := range w.reactor.Waiting() {
		if force || now.After(s.AbsoluteDeadline()) {
			w.reactor.Deregister(s)
			w.abort(s)
			w.wakeup(s)
		}
	}
}

func (w *Worker) startTicker() func() {
	if w.cfg.Quantum < 0 {
		return func() {}
	}
	stop := make(chan struct{})
	go func() {
		t := time.NewTicker(w.cfg.Quantum)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				w.preempt.Store(true)
			case <-stop:
				return
			}
		}
	}()
	return func() { close(stop) }
}

func (w *Worker) publish() {
	w.stats.queued.Store(int64(w.runq.Len()))
	w.stats.blocked.Store(int64(w.blocked))
}

func (w *Worker) logContext() context.Context {
	if w.ctx != nil {
		return w.ctx
	}
	return context.WithValue(context.Background(), contextkey.WorkerID, w.cfg.ID)
}

// Stats is a point-in-time view of a worker.
type Stats struct {
	ID             int    `json:"id"`
	Policy         string `json:"policy"`
	DeadlinePolicy string `json:"deadline_policy"`
	Queued         int64  `json:"queued"`
	Blocked        int64  `json:"blocked"`
	Live           int64  `json:"live"`
	Admitted       uint64 `json:"admitted"`
	Completed      uint64 `json:"completed"`
	Rejected       uint64 `json:"rejected"`
	Preempted      uint64 `json:"preempted"`
	Aborted        uint64 `json:"aborted"`
}

// Stats is safe to call from any goroutine.
func (w *Worker) Stats() Stats {
	return Stats{
		ID:             w.cfg.ID,
		Policy:         string(w.cfg.Policy),
		DeadlinePolicy: string(w.cfg.DeadlinePolicy),
		Queued:         w.stats.queued.Load(),
		Blocked:        w.stats.blocked.Load(),
		Live:           w.stats.live.Load(),
		Admitted:       w.stats.admitted.Load(),
		Completed:      w.stats.completed.Load(),
		Rejected:       w.stats.rejected.Load(),
		Preempted:      w.stats.preempted.Load(),
		Aborted:        w.stats.aborted.Load(),
	}
}
