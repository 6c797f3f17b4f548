package engine

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"faasrt/internal/runtime/sandbox"
	"faasrt/internal/runtime/sched"
	"faasrt/internal/runtime/worker"
	appErr "faasrt/pkg/errors"
	"faasrt/pkg/utils/contextkey"
	"faasrt/pkg/utils/logger"

	"go.uber.org/zap"
)

// EventType classifies invocation events.
type EventType string

const (
	EventCompleted EventType = "completed"
	EventRejected  EventType = "rejected"
)

// Event describes one finished or rejected invocation.
type Event struct {
	Type        EventType `json:"type"`
	RequestID   string    `json:"request_id"`
	Module      string    `json:"module"`
	WorkerID    int       `json:"worker_id"`
	RemoteAddr  string    `json:"remote_addr,omitempty"`
	Outcome     string    `json:"outcome,omitempty"`
	ReturnCode  int32     `json:"return_code"`
	Accepted    time.Time `json:"accepted"`
	Deadline    time.Time `json:"deadline"`
	Finished    time.Time `json:"finished"`
	RunUS       int64     `json:"run_us"`
	TotalUS     int64     `json:"total_us"`
	DeadlineMet bool      `json:"deadline_met"`
	Received    int       `json:"received"`
	Sent        int       `json:"sent"`
	Error       string    `json:"error,omitempty"`
}

func completedEvent(s *sandbox.Sandbox) Event {
	snap := s.Snapshot()
	finished := snap.Start.Add(snap.Total)
	return Event{
		Type:        EventCompleted,
		RequestID:   snap.RequestID,
		Module:      snap.Module,
		WorkerID:    snap.WorkerID,
		RemoteAddr:  s.RemoteAddr(),
		Outcome:     string(snap.Outcome),
		ReturnCode:  snap.ReturnCode,
		Accepted:    snap.Start,
		Deadline:    snap.Deadline,
		Finished:    finished,
		RunUS:       snap.RunTime.Microseconds(),
		TotalUS:     snap.Total.Microseconds(),
		DeadlineMet: !finished.After(snap.Deadline),
		Received:    snap.Received,
		Sent:        snap.Sent,
		Error:       snap.Error,
	}
}

func rejectedEvent(workerID int, req *sched.Request, err error) Event {
	now := time.Now()
	ev := Event{
		Type:       EventRejected,
		RequestID:  req.ID,
		WorkerID:   workerID,
		RemoteAddr: req.RemoteAddr,
		Accepted:   req.Accepted,
		Deadline:   req.AbsoluteDeadline,
		Finished:   now,
		TotalUS:    now.Sub(req.Accepted).Microseconds(),
	}
	if req.Module != nil {
		ev.Module = req.Module.Name()
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// Sink consumes invocation events off the scheduling path.
type Sink interface {
	Name() string
	Handle(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc struct {
	ID string
	Fn func(ctx context.Context, ev Event) error
}

func (f SinkFunc) Name() string                               { return f.ID }
func (f SinkFunc) Handle(ctx context.Context, ev Event) error { return f.Fn(ctx, ev) }

// Dispatcher moves events from workers to sinks and live subscribers. Publish
// never blocks; events are dropped when the buffer is full.
type Dispatcher struct {
	ch      chan Event
	sinks   []Sink
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	subs   map[int]chan Event
	nextID int

	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
	done      chan struct{}
}

func NewDispatcher(buffer int, timeout time.Duration, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = 1024
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	d := &Dispatcher{
		ch:      make(chan Event, buffer),
		sinks:   sinks,
		timeout: timeout,
		subs:    make(map[int]chan Event),
		done:    make(chan struct{}),
	}
	go d.loop()
	return d
}

// Publish queues ev. It reports false when ev was dropped.
func (d *Dispatcher) Publish(ev Event) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return false
	}
	select {
	case d.ch <- ev:
		d.published.Add(1)
		return true
	default:
		d.dropped.Add(1)
		return false
	}
}

// Subscribe streams every event published from now on. Slow subscribers miss
// events instead of stalling the dispatcher.
func (d *Dispatcher) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		close(ch)
		return ch, func() {}
	}
	id := d.nextID
	d.nextID++
	d.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			if _, ok := d.subs[id]; ok {
				delete(d.subs, id)
				close(ch)
			}
		})
	}
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for ev := range d.ch {
		for _, sink := range d.sinks {
			d.deliver(sink, ev)
		}
		d.mu.RLock()
		for _, sub := range d.subs {
			select {
			case sub <- ev:
			default:
			}
		}
		d.mu.RUnlock()
	}
}

func (d *Dispatcher) deliver(sink Sink, ev Event) {
	ctx := context.WithValue(context.Background(), contextkey.RequestID, ev.RequestID)
	ctx = context.WithValue(ctx, contextkey.Module, ev.Module)
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := sink.Handle(ctx, ev); err != nil {
		d.failed.Add(1)
		err = appErr.Wrapf(err, appErr.EventPublishFailed, "sink %s", sink.Name())
		logger.Warn(ctx, "deliver invocation event failed", zap.String("sink", sink.Name()), zap.Error(err))
	}
}

// Close stops accepting events, delivers what is buffered and closes sinks
// that implement io.Closer.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.ch)
	d.mu.Unlock()

	select {
	case <-d.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	d.mu.Lock()
	for id, sub := range d.subs {
		delete(d.subs, id)
		close(sub)
	}
	d.mu.Unlock()

	var firstErr error
	for _, sink := range d.sinks {
		c, ok := sink.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			logger.Warn(ctx, "close event sink failed", zap.String("sink", sink.Name()), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// DispatcherStats counts events by fate.
type DispatcherStats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Published: d.published.Load(),
		Dropped:   d.dropped.Load(),
		Failed:    d.failed.Load(),
	}
}

// observer turns worker callbacks into dispatcher events.
type observer struct {
	worker.NopObserver
	events *Dispatcher
}

func (o observer) Completed(workerID int, s *sandbox.Sandbox) {
	o.events.Publish(completedEvent(s))
}

func (o observer) Rejected(workerID int, req *sched.Request, err error) {
	o.events.Publish(rejectedEvent(workerID, req, err))
}
