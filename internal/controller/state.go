package controller

import (
	"fmt"
	"strings"
	"time"

	"netgauge/internal/aggregate"
	"netgauge/internal/measure"
	"netgauge/internal/report"
)

type State int

const (
	Idle State = iota
	Running
	Completed
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "idle":
		*s = Idle
	case "running":
		*s = Running
	case "completed":
		*s = Completed
	case "stopped":
		*s = Stopped
	default:
		return fmt.Errorf("unknown state %q", string(b))
	}
	return nil
}

// Terminal reports whether a run in s has a final report.
func (s State) Terminal() bool { return s == Completed || s == Stopped }

// View is the read-only picture of the controller handed to observers.
// A published View is never modified.
type View struct {
	RunID            string    `json:"runId,omitempty"`
	State            State     `json:"state"`
	StartedAt        time.Time `json:"startedAt"`
	WatchdogDeadline time.Time `json:"watchdogDeadline"`

	// CurrentSnapshot is the latest snapshot's valid values merged over the
	// metadata resolved so far.
	CurrentSnapshot map[string]any     `json:"currentSnapshot"`
	RunningAverages aggregate.Averages `json:"runningAverages"`
	SelectedMetric  measure.Metric     `json:"selectedMetric"`
	Selected        float64            `json:"selected"`
	SnapshotCount   int                `json:"snapshotCount"`

	FinalReport *report.FinalReport `json:"finalReport,omitempty"`
}

func idleView(selected measure.Metric) View {
	return View{State: Idle, CurrentSnapshot: map[string]any{}, SelectedMetric: selected}
}
