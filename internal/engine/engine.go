// Package engine is the boundary to the measurement engine.
//
// An engine runs the probe schedule asynchronously and reports through a
// Sink: zero or more OnPartialResult calls in probe order, then exactly one
// OnFinish. Pause stops a run; once Pause returns no further callbacks fire
// for that handle.
package engine

import (
	"errors"
	"sync/atomic"

	"netgauge/internal/measure"
	"netgauge/internal/probe"
)

// ErrUnavailable is returned by Start when the engine cannot be constructed.
var ErrUnavailable = errors.New("measurement engine unavailable")

// Handle identifies one engine run.
type Handle uint64

var handleSeq atomic.Uint64

// NextHandle returns a process-unique handle for engine implementations.
func NextHandle() Handle { return Handle(handleSeq.Add(1)) }

type Status struct {
	Running  bool `json:"running"`
	Finished bool `json:"finished"`
}

type Sink interface {
	OnPartialResult(h Handle, snap measure.Snapshot)
	OnFinish(h Handle, snap measure.Snapshot)
}

type Engine interface {
	Start(schedule []probe.Descriptor, sink Sink) (Handle, error)
	// Pause is idempotent: pausing a finished or paused handle is a no-op.
	Pause(h Handle)
	Status(h Handle) Status
}

// SinkFuncs adapts two functions to a Sink.
type SinkFuncs struct {
	Partial func(h Handle, snap measure.Snapshot)
	Finish  func(h Handle, snap measure.Snapshot)
}

func (f SinkFuncs) OnPartialResult(h Handle, snap measure.Snapshot) {
	if f.Partial != nil {
		f.Partial(h, snap)
	}
}

func (f SinkFuncs) OnFinish(h Handle, snap measure.Snapshot) {
	if f.Finish != nil {
		f.Finish(h, snap)
	}
}
