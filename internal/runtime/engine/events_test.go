package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"faasrt/internal/runtime/sched"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
	closed bool
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Handle(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	if s.fail {
		return errors.New("sink down")
	}
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	sink := &recordingSink{}
	failing := &recordingSink{fail: true}
	d := NewDispatcher(16, time.Second, failing, sink)
	for _, id := range []string{"a", "b", "c"} {
		if !d.Publish(Event{Type: EventCompleted, RequestID: id}) {
			t.Fatalf("publish %s dropped", id)
		}
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	if len(sink.events) != 3 || sink.events[0].RequestID != "a" || sink.events[2].RequestID != "c" {
		t.Fatalf("unexpected delivery %+v", sink.events)
	}
	if len(failing.events) != 3 {
		t.Fatalf("a failing sink should still see every event")
	}
	if !sink.closed || !failing.closed {
		t.Fatalf("sinks not closed")
	}
	st := d.Stats()
	if st.Published != 3 || st.Failed != 3 || st.Dropped != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if d.Publish(Event{}) {
		t.Fatalf("publish after close should be dropped")
	}
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	blocking := SinkFunc{ID: "blocking", Fn: func(context.Context, Event) error {
		<-release
		return nil
	}}
	d := NewDispatcher(1, time.Second, blocking)
	d.Publish(Event{RequestID: "first"})
	// the loop may or may not have picked up the first event yet
	dropped := 0
	for i := 0; i < 4; i++ {
		if !d.Publish(Event{RequestID: "more"}) {
			dropped++
		}
	}
	if dropped < 2 {
		t.Fatalf("expected events to be dropped, dropped %d", dropped)
	}
	close(release)
	d.Close(context.Background())
}

func TestSubscribe(t *testing.T) {
	d := NewDispatcher(8, time.Second)
	ch, cancel := d.Subscribe(4)
	d.Publish(rejectedEvent(-1, &sched.Request{ID: "r1", Accepted: time.Now()}, errors.New("full")))
	select {
	case ev := <-ch:
		if ev.Type != EventRejected || ev.RequestID != "r1" || ev.Error != "full" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no event delivered to subscriber")
	}
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed after cancel")
	}

	open, _ := d.Subscribe(1)
	d.Close(context.Background())
	if _, ok := <-open; ok {
		t.Fatalf("subscriptions should close with the dispatcher")
	}
}
