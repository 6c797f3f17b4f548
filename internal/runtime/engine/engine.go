// Package engine wires the process-wide runtime: module registry, listener,
// global request queue, workers and invocation events.
package engine

import (
	"context"
	"runtime"
	"sync"
	"time"

	"faasrt/internal/runtime/listener"
	"faasrt/internal/runtime/module"
	"faasrt/internal/runtime/sched"
	"faasrt/internal/runtime/worker"
	appErr "faasrt/pkg/errors"
	"faasrt/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Config configures the engine. Zero values take the documented defaults.
type Config struct {
	// Workers defaults to runtime.NumCPU().
	Workers int
	// RunQueuePolicy orders each worker's runnable sandboxes.
	RunQueuePolicy sched.Policy
	// RequestPolicy orders the global request queue.
	RequestPolicy  sched.Policy
	QueueCapacity  int
	DeadlinePolicy worker.DeadlinePolicy
	Quantum        time.Duration
	IdleWait       time.Duration
	AdmitBatch     int
	DrainTimeout   time.Duration

	ListenHost string
	Backlog    int
	Admission  listener.Admitter

	EventBuffer int
	SinkTimeout time.Duration
	Sinks       []Sink
	StopTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.RunQueuePolicy == "" {
		c.RunQueuePolicy = sched.PolicyFIFO
	}
	if c.RequestPolicy == "" {
		c.RequestPolicy = c.RunQueuePolicy
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	return c
}

// ModuleInfo is the externally visible state of a registered module.
type ModuleInfo struct {
	Name      string              `json:"name"`
	Kind      string              `json:"kind"`
	Source    string              `json:"source,omitempty"`
	Port      int                 `json:"port"`
	BoundPort int                 `json:"bound_port"`
	Arguments []string            `json:"arguments,omitempty"`
	Limits    module.Limits       `json:"limits"`
	HTTP      module.HTTPTemplate `json:"http"`
	RefCount  int32               `json:"ref_count"`
	Table     []module.TableEntry `json:"table,omitempty"`
}

// Engine is the runtime. The worker count and the listener's epoll instance
// are fixed by Start; modules can be registered before or after it.
type Engine struct {
	cfg      Config
	registry *module.Registry
	queue    *sched.RequestQueue
	events   *Dispatcher

	mu       sync.Mutex
	started  bool
	stopped  bool
	listener *listener.Listener
	workers  []*worker.Worker
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func New(cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	if _, err := sched.ParsePolicy(string(cfg.RunQueuePolicy)); err != nil {
		return nil, err
	}
	if _, err := sched.ParsePolicy(string(cfg.RequestPolicy)); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:      cfg,
		registry: module.NewRegistry(),
		queue:    sched.NewRequestQueue(cfg.RequestPolicy, cfg.QueueCapacity),
		events:   NewDispatcher(cfg.EventBuffer, cfg.SinkTimeout, cfg.Sinks...),
	}, nil
}

// Start opens the listener, adds every registered module to it and launches
// the workers.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return appErr.New(appErr.InvalidParams).WithMessage("engine already started")
	}

	obs := observer{events: e.events}
	l, err := listener.New(listener.Config{
		Host:      e.cfg.ListenHost,
		Backlog:   e.cfg.Backlog,
		Queue:     e.queue,
		Admission: e.cfg.Admission,
		OnReject:  func(req *sched.Request, err error) { obs.Rejected(-1, req, err) },
	})
	if err != nil {
		return err
	}
	for _, d := range e.registry.List() {
		if _, err := l.Add(d); err != nil {
			l.Close()
			return err
		}
	}

	workers := make([]*worker.Worker, 0, e.cfg.Workers)
	for i := 0; i < e.cfg.Workers; i++ {
		w, err := worker.New(worker.Config{
			ID:             i,
			Policy:         e.cfg.RunQueuePolicy,
			DeadlinePolicy: e.cfg.DeadlinePolicy,
			Quantum:        e.cfg.Quantum,
			IdleWait:       e.cfg.IdleWait,
			AdmitBatch:     e.cfg.AdmitBatch,
			DrainTimeout:   e.cfg.DrainTimeout,
			Requests:       e.queue,
			Observer:       obs,
		})
		if err != nil {
			l.Close()
			return err
		}
		workers = append(workers, w)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.listener, e.workers, e.cancel = l, workers, cancel
	for _, w := range workers {
		e.wg.Add(1)
		go func(w *worker.Worker) {
			defer e.wg.Done()
			if err := w.Run(runCtx); err != nil {
				logger.Error(runCtx, "worker exited", zap.Int("worker", w.ID()), zap.Error(err))
			}
		}(w)
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := l.Run(runCtx); err != nil {
			logger.Error(runCtx, "listener exited", zap.Error(err))
		}
	}()
	e.started = true
	logger.Info(ctx, "engine started",
		zap.Int("workers", len(workers)),
		zap.String("run_queue_policy", string(e.cfg.RunQueuePolicy)),
		zap.String("request_policy", string(e.cfg.RequestPolicy)),
		zap.Int("modules", len(e.registry.List())))
	return nil
}

// Register validates spec against unit, registers the module and, once the
// engine runs, starts accepting on its port. The engine owns unit after a
// successful call; on error the caller still does.
func (e *Engine) Register(spec module.Spec, unit module.Unit) (ModuleInfo, error) {
	d, err := module.New(spec, unit)
	if err != nil {
		return ModuleInfo{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ModuleInfo{}, appErr.New(appErr.WorkerStopped).WithMessage("engine stopped")
	}
	if err := e.registry.Register(d); err != nil {
		return ModuleInfo{}, err
	}
	if e.started {
		if _, err := e.listener.Add(d); err != nil {
			if _, uerr := e.registry.Unregister(d.Name()); uerr != nil {
				logger.Warn(context.Background(), "unregister after listen failure failed", zap.Error(uerr))
			}
			return ModuleInfo{}, err
		}
	}
	logger.Info(context.Background(), "module registered",
		zap.String("module", d.Name()),
		zap.String("kind", unit.Kind()),
		zap.Int("port", d.Port()))
	return e.infoLocked(d), nil
}

// Retire stops accepting for the module and unregisters it. Sandboxes still
// running keep it loaded until they are reclaimed.
func (e *Engine) Retire(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.registry.Get(name); !ok {
		return appErr.New(appErr.ModuleNotFound).WithMessagef("module %s not found", name)
	}
	if e.listener != nil {
		if err := e.listener.Remove(name); err != nil {
			logger.Warn(context.Background(), "remove module listener failed", zap.String("module", name), zap.Error(err))
		}
	}
	if _, err := e.registry.Unregister(name); err != nil {
		return err
	}
	logger.Info(context.Background(), "module retired", zap.String("module", name))
	return nil
}

func (e *Engine) Module(name string) (ModuleInfo, error) {
	d, ok := e.registry.Get(name)
	if !ok {
		return ModuleInfo{}, appErr.New(appErr.ModuleNotFound).WithMessagef("module %s not found", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.infoLocked(d), nil
}

func (e *Engine) Modules() []ModuleInfo {
	list := e.registry.List()
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ModuleInfo, 0, len(list))
	for _, d := range list {
		out = append(out, e.infoLocked(d))
	}
	return out
}

func (e *Engine) infoLocked(d *module.Descriptor) ModuleInfo {
	info := ModuleInfo{
		Name:      d.Name(),
		Kind:      d.Unit().Kind(),
		Source:    d.Source(),
		Port:      d.Port(),
		Arguments: d.Args(),
		Limits:    d.Limits(),
		HTTP:      d.HTTP(),
		RefCount:  d.RefCount(),
		Table:     d.Table().Entries(),
	}
	if e.listener != nil {
		info.BoundPort, _ = e.listener.Port(d.Name())
	}
	return info
}

// Workers reports per-worker scheduling counters.
func (e *Engine) Workers() []worker.Stats {
	e.mu.Lock()
	workers := e.workers
	e.mu.Unlock()
	out := make([]worker.Stats, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.Stats())
	}
	return out
}

// Stats is an engine-wide summary.
type Stats struct {
	Modules  int             `json:"modules"`
	Queued   int             `json:"queued"`
	Listener listener.Stats  `json:"listener"`
	Events   DispatcherStats `json:"events"`
	Workers  []worker.Stats  `json:"workers"`
}

func (e *Engine) Stats() Stats {
	st := Stats{
		Modules: len(e.registry.List()),
		Queued:  e.queue.Len(),
		Events:  e.events.Stats(),
		Workers: e.Workers(),
	}
	e.mu.Lock()
	if e.listener != nil {
		st.Listener = e.listener.Stats()
	}
	e.mu.Unlock()
	return st
}

// Subscribe streams invocation events; call the returned func to stop.
func (e *Engine) Subscribe(buffer int) (<-chan Event, func()) {
	return e.events.Subscribe(buffer)
}

// Stop closes the listener, lets workers drain their sandboxes, rejects what
// is still queued and flushes events.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	l, cancel := e.listener, e.cancel
	e.mu.Unlock()

	ctx, done := context.WithTimeout(ctx, e.cfg.StopTimeout)
	defer done()

	if l != nil {
		if err := l.Close(); err != nil {
			logger.Warn(ctx, "close listener failed", zap.Error(err))
		}
	}
	if cancel != nil {
		cancel()
	}
	waited := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(waited)
	}()
	var stopErr error
	select {
	case <-waited:
	case <-ctx.Done():
		stopErr = appErr.Wrapf(ctx.Err(), appErr.WorkerStopped, "workers did not drain")
	}

	obs := observer{events: e.events}
	leftover := e.queue.Close()
	for _, req := range leftover {
		if err := unix.Close(req.Conn); err != nil {
			logger.Debug(ctx, "close queued connection failed", zap.Error(err))
		}
		obs.Rejected(-1, req, appErr.New(appErr.WorkerStopped))
	}
	if len(leftover) > 0 {
		logger.Warn(ctx, "dropped queued requests at shutdown", zap.Int("count", len(leftover)))
	}

	if err := e.events.Close(ctx); err != nil && stopErr == nil {
		stopErr = err
	}
	e.registry.Close()
	logger.Info(ctx, "engine stopped")
	return stopErr
}
