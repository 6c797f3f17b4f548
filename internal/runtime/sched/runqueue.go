// Package sched holds the scheduling containers: per-worker run and completion
// queues, and the global request queue fed by listeners.
package sched

import (
	"container/heap"
	"container/list"
	"fmt"
	"strings"
	"time"
)

// Policy selects the run queue ordering.
type Policy string

const (
	PolicyFIFO     Policy = "fifo"
	PolicyDeadline Policy = "edf"
)

// ParsePolicy accepts "fifo" and "edf". Empty means FIFO.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyFIFO:
		return PolicyFIFO, nil
	case PolicyDeadline, "deadline":
		return PolicyDeadline, nil
	}
	return "", fmt.Errorf("unknown scheduling policy %q", s)
}

// Schedulable is anything a run queue can order.
type Schedulable interface {
	comparable
	// Eligible is false once the item is blocked or finished.
	Eligible() bool
	AbsoluteDeadline() time.Time
	RunTime() time.Duration
}

// RunQueue is confined to a single worker and does no locking.
type RunQueue[T Schedulable] interface {
	// Add enqueues item. Adding a queued item is a no-op.
	Add(item T)
	// Remove drops item if queued.
	Remove(item T)
	// Next pops the selected item, skipping ineligible ones.
	Next() (T, bool)
	Len() int
}

// NewRunQueue builds the queue for policy.
func NewRunQueue[T Schedulable](policy Policy) RunQueue[T] {
	if policy == PolicyDeadline {
		return NewDeadlineQueue[T]()
	}
	return NewFIFOQueue[T]()
}

// FIFOQueue serves items in arrival order.
type FIFOQueue[T Schedulable] struct {
	order *list.List
	index map[T]*list.Element
}

func NewFIFOQueue[T Schedulable]() *FIFOQueue[T] {
	return &FIFOQueue[T]{order: list.New(), index: make(map[T]*list.Element)}
}

func (q *FIFOQueue[T]) Add(item T) {
	if _, ok := q.index[item]; ok {
		return
	}
	q.index[item] = q.order.PushBack(item)
}

func (q *FIFOQueue[T]) Remove(item T) {
	if e, ok := q.index[item]; ok {
		q.order.Remove(e)
		delete(q.index, item)
	}
}

func (q *FIFOQueue[T]) Next() (T, bool) {
	for e := q.order.Front(); e != nil; e = q.order.Front() {
		item := q.order.Remove(e).(T)
		delete(q.index, item)
		if item.Eligible() {
			return item, true
		}
	}
	var zero T
	return zero, false
}

func (q *FIFOQueue[T]) Len() int { return q.order.Len() }

type deadlineEntry[T Schedulable] struct {
	item     T
	deadline time.Time
	runTime  time.Duration
	seq      uint64
	pos      int
}

type deadlineHeap[T Schedulable] []*deadlineEntry[T]

func (h deadlineHeap[T]) Len() int { return len(h) }

func (h deadlineHeap[T]) Less(i, j int) bool {
	a, b := h[i], h[j]
	if !a.deadline.Equal(b.deadline) {
		return a.deadline.Before(b.deadline)
	}
	if a.runTime != b.runTime {
		return a.runTime < b.runTime
	}
	return a.seq < b.seq
}

func (h deadlineHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *deadlineHeap[T]) Push(x any) {
	e := x.(*deadlineEntry[T])
	e.pos = len(*h)
	*h = append(*h, e)
}

func (h *deadlineHeap[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	e.pos = -1
	return e
}

// DeadlineQueue serves the earliest absolute deadline first. Ties go to the
// item with less accumulated run time, then to the earlier arrival.
type DeadlineQueue[T Schedulable] struct {
	heap  deadlineHeap[T]
	index map[T]*deadlineEntry[T]
	seq   uint64
}

func NewDeadlineQueue[T Schedulable]() *DeadlineQueue[T] {
	return &DeadlineQueue[T]{index: make(map[T]*deadlineEntry[T])}
}

// Add snapshots the item's key. Items are re-added after every run, so the
// run time is current whenever it matters.
func (q *DeadlineQueue[T]) Add(item T) {
	if _, ok := q.index[item]; ok {
		return
	}
	q.seq++
	e := &deadlineEntry[T]{item: item, deadline: item.AbsoluteDeadline(), runTime: item.RunTime(), seq: q.seq}
	heap.Push(&q.heap, e)
	q.index[item] = e
}

func (q *DeadlineQueue[T]) Remove(item T) {
	if e, ok := q.index[item]; ok {
		heap.Remove(&q.heap, e.pos)
		delete(q.index, item)
	}
}

func (q *DeadlineQueue[T]) Next() (T, bool) {
	for q.heap.Len() > 0 {
		e := heap.Pop(&q.heap).(*deadlineEntry[T])
		delete(q.index, e.item)
		if e.item.Eligible() {
			return e.item, true
		}
	}
	var zero T
	return zero, false
}

func (q *DeadlineQueue[T]) Len() int { return q.heap.Len() }
