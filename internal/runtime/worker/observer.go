package worker

import (
	"faasrt/internal/runtime/sandbox"
	"faasrt/internal/runtime/sched"
)

// Observer receives sandbox lifecycle events. Calls come from the worker's
// thread of control and must not block.
type Observer interface {
	Admitted(workerID int, s *sandbox.Sandbox)
	Transition(workerID int, s *sandbox.Sandbox, from, to sandbox.State)
	// Completed fires right before the sandbox is reclaimed.
	Completed(workerID int, s *sandbox.Sandbox)
	Rejected(workerID int, req *sched.Request, err error)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) Admitted(int, *sandbox.Sandbox)                                 {}
func (NopObserver) Transition(int, *sandbox.Sandbox, sandbox.State, sandbox.State) {}
func (NopObserver) Completed(int, *sandbox.Sandbox)                                {}
func (NopObserver) Rejected(int, *sched.Request, error)                            {}

// Observers fans events out to several observers in order.
type Observers []Observer

func (o Observers) Admitted(id int, s *sandbox.Sandbox) {
	for _, x := range o {
		x.Admitted(id, s)
	}
}

func (o Observers) Transition(id int, s *sandbox.Sandbox, from, to sandbox.State) {
	for _, x := range o {
		x.Transition(id, s, from, to)
	}
}

func (o Observers) Completed(id int, s *sandbox.Sandbox) {
	for _, x := range o {
		x.Completed(id, s)
	}
}

func (o Observers) Rejected(id int, req *sched.Request, err error) {
	for _, x := range o {
		x.Rejected(id, req, err)
	}
}
