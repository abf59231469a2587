package engine

import (
	"sync"
)

// Tracker does the per-handle bookkeeping every engine needs: it gates
// callbacks so nothing is delivered after Pause returns and keeps the
// status of finished handles queryable.
//
// Callbacks run while the handle's lock is held, so a Sink must not call
// back into Pause for the same handle and must not block indefinitely.
type Tracker struct {
	mu   sync.Mutex
	runs map[Handle]*trackedRun
}

type trackedRun struct {
	mu       sync.Mutex
	paused   bool
	finished bool
	cancel   func()
}

func NewTracker() *Tracker {
	return &Tracker{runs: map[Handle]*trackedRun{}}
}

// Begin registers a new running handle. cancel is invoked by Pause.
func (t *Tracker) Begin(cancel func()) Handle {
	h := NextHandle()
	t.mu.Lock()
	t.runs[h] = &trackedRun{cancel: cancel}
	t.mu.Unlock()
	return h
}

func (t *Tracker) get(h Handle) *trackedRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs[h]
}

// Emit runs fn unless the handle is paused or finished. It reports whether fn ran.
func (t *Tracker) Emit(h Handle, fn func()) bool {
	r := t.get(h)
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused || r.finished {
		return false
	}
	fn()
	return true
}

// Finish marks the handle finished and runs fn, unless it was paused first.
func (t *Tracker) Finish(h Handle, fn func()) bool {
	r := t.get(h)
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused || r.finished {
		return false
	}
	r.finished = true
	if fn != nil {
		fn()
	}
	return true
}

// Pause stops callbacks for h and cancels its work. Safe to call repeatedly.
func (t *Tracker) Pause(h Handle) {
	r := t.get(h)
	if r == nil {
		return
	}
	r.mu.Lock()
	already := r.paused || r.finished
	r.paused = true
	cancel := r.cancel
	r.mu.Unlock()
	if !already && cancel != nil {
		cancel()
	}
}

// Done marks a handle whose worker exited without delivering OnFinish
// (paused or failed) so Status stops reporting it as running.
func (t *Tracker) Done(h Handle) {
	r := t.get(h)
	if r == nil {
		return
	}
	r.mu.Lock()
	if !r.paused {
		r.finished = true
	}
	r.mu.Unlock()
}

func (t *Tracker) Status(h Handle) Status {
	r := t.get(h)
	if r == nil {
		return Status{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{Running: !r.paused && !r.finished, Finished: r.finished}
}
