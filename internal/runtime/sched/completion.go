package sched

// CompletionQueue holds finished items until their owner reclaims them outside
// the switch path. It is confined to one worker.
type CompletionQueue[T any] struct {
	items   []T
	reclaim func(T)
}

func NewCompletionQueue[T any](reclaim func(T)) *CompletionQueue[T] {
	return &CompletionQueue[T]{reclaim: reclaim}
}

func (q *CompletionQueue[T]) Add(item T) {
	q.items = append(q.items, item)
}

// Drain reclaims up to max items in completion order; max <= 0 drains all.
func (q *CompletionQueue[T]) Drain(max int) int {
	n := len(q.items)
	if max > 0 && max < n {
		n = max
	}
	for i := 0; i < n; i++ {
		item := q.items[i]
		var zero T
		q.items[i] = zero
		q.reclaim(item)
	}
	q.items = q.items[n:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return n
}

func (q *CompletionQueue[T]) Len() int { return len(q.items) }
