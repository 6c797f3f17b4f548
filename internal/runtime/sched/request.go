package sched

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"faasrt/internal/runtime/module"
)

var (
	ErrQueueFull   = errors.New("request queue full")
	ErrQueueClosed = errors.New("request queue closed")
)

// Request is an accepted connection waiting for a worker to build its sandbox.
type Request struct {
	ID         string
	Module     *module.Descriptor
	Conn       int
	RemoteAddr string
	// Accepted is the request's start time; the absolute deadline is measured from it.
	Accepted         time.Time
	AbsoluteDeadline time.Time
}

// NewRequest stamps the arrival time and deadline from the module limits.
func NewRequest(id string, d *module.Descriptor, fd int, remote string, now time.Time) *Request {
	return &Request{
		ID:               id,
		Module:           d,
		Conn:             fd,
		RemoteAddr:       remote,
		Accepted:         now,
		AbsoluteDeadline: now.Add(d.Limits().RelativeDeadline()),
	}
}

type requestHeap struct {
	items []*Request
	seqs  []uint64
}

func (h *requestHeap) Len() int { return len(h.items) }

func (h *requestHeap) Less(i, j int) bool {
	a, b := h.items[i].AbsoluteDeadline, h.items[j].AbsoluteDeadline
	if !a.Equal(b) {
		return a.Before(b)
	}
	return h.seqs[i] < h.seqs[j]
}

func (h *requestHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.seqs[i], h.seqs[j] = h.seqs[j], h.seqs[i]
}

type seqRequest struct {
	req *Request
	seq uint64
}

func (h *requestHeap) Push(x any) {
	r := x.(seqRequest)
	h.items = append(h.items, r.req)
	h.seqs = append(h.seqs, r.seq)
}

func (h *requestHeap) Pop() any {
	n := len(h.items) - 1
	r := seqRequest{req: h.items[n], seq: h.seqs[n]}
	h.items[n] = nil
	h.items, h.seqs = h.items[:n], h.seqs[:n]
	return r
}

// RequestQueue is the global hand-off between listeners and workers. It is
// bounded and safe for concurrent use.
type RequestQueue struct {
	mu       sync.Mutex
	policy   Policy
	capacity int
	fifo     []*Request
	edf      requestHeap
	seq      uint64
	closed   bool
}

// NewRequestQueue builds a queue; capacity <= 0 means unbounded.
func NewRequestQueue(policy Policy, capacity int) *RequestQueue {
	return &RequestQueue{policy: policy, capacity: capacity}
}

func (q *RequestQueue) Push(r *Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.capacity > 0 && q.lenLocked() >= q.capacity {
		return ErrQueueFull
	}
	if q.policy == PolicyDeadline {
		q.seq++
		heap.Push(&q.edf, seqRequest{req: r, seq: q.seq})
		return nil
	}
	q.fifo = append(q.fifo, r)
	return nil
}

// Pop removes the next request according to the policy.
func (q *RequestQueue) Pop() (*Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// PopBatch removes up to max requests.
func (q *RequestQueue) PopBatch(max int) []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Request
	for len(out) < max {
		r, ok := q.popLocked()
		if !ok {
			break
		}
		out = append(out, r)
	}
	return out
}

func (q *RequestQueue) popLocked() (*Request, bool) {
	if q.policy == PolicyDeadline {
		if q.edf.Len() == 0 {
			return nil, false
		}
		return heap.Pop(&q.edf).(seqRequest).req, true
	}
	if len(q.fifo) == 0 {
		return nil, false
	}
	r := q.fifo[0]
	q.fifo[0] = nil
	q.fifo = q.fifo[1:]
	return r, true
}

func (q *RequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

func (q *RequestQueue) lenLocked() int {
	if q.policy == PolicyDeadline {
		return q.edf.Len()
	}
	return len(q.fifo)
}

// Close rejects further pushes and returns what was still queued.
func (q *RequestQueue) Close() []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	var rest []*Request
	for {
		r, ok := q.popLocked()
		if !ok {
			return rest
		}
		rest = append(rest, r)
	}
}
