// Package invocation persists and serves the records of finished and
// rejected invocations.
package invocation

import (
	"time"

	"faasrt/internal/runtime/engine"
)

// Record is the stored form of one invocation event.
type Record struct {
	RequestID   string    `json:"request_id"`
	Type        string    `json:"type"`
	Module      string    `json:"module"`
	WorkerID    int       `json:"worker_id"`
	RemoteAddr  string    `json:"remote_addr,omitempty"`
	Outcome     string    `json:"outcome,omitempty"`
	ReturnCode  int32     `json:"return_code"`
	AcceptedAt  time.Time `json:"accepted_at"`
	Deadline    time.Time `json:"deadline"`
	FinishedAt  time.Time `json:"finished_at"`
	RunUS       int64     `json:"run_us"`
	TotalUS     int64     `json:"total_us"`
	DeadlineMet bool      `json:"deadline_met"`
	OverrunUS   int64     `json:"overrun_us"`
	Received    int       `json:"received"`
	Sent        int       `json:"sent"`
	Error       string    `json:"error,omitempty"`
}

// FromEvent converts an engine event.
func FromEvent(ev engine.Event) Record {
	rec := Record{
		RequestID:   ev.RequestID,
		Type:        string(ev.Type),
		Module:      ev.Module,
		WorkerID:    ev.WorkerID,
		RemoteAddr:  ev.RemoteAddr,
		Outcome:     ev.Outcome,
		ReturnCode:  ev.ReturnCode,
		AcceptedAt:  ev.Accepted,
		Deadline:    ev.Deadline,
		FinishedAt:  ev.Finished,
		RunUS:       ev.RunUS,
		TotalUS:     ev.TotalUS,
		DeadlineMet: ev.DeadlineMet,
		Received:    ev.Received,
		Sent:        ev.Sent,
		Error:       ev.Error,
	}
	if !ev.DeadlineMet && !ev.Deadline.IsZero() && ev.Finished.After(ev.Deadline) {
		rec.OverrunUS = ev.Finished.Sub(ev.Deadline).Microseconds()
	}
	return rec
}
