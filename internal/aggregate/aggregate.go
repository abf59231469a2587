// Package aggregate keeps running per-metric averages over a run's snapshots.
//
// Only finite values strictly greater than zero are counted: engines emit
// zeros and NaNs while a probe warms up and those must not drag the average.
package aggregate

import (
	"math"

	"netgauge/internal/measure"
)

// Tracked lists the metrics that get running averages.
var Tracked = []measure.Metric{measure.Download, measure.Latency}

// RunningStats is the incremental sum/count for one metric.
type RunningStats struct {
	Sum   float64 `json:"sum"`
	Count int     `json:"count"`
}

func (r RunningStats) Average() float64 {
	if r.Count == 0 {
		return 0
	}
	return r.Sum / float64(r.Count)
}

// Stats maps each tracked metric to its running stats. Treat it as a value:
// Ingest never modifies its input.
type Stats map[measure.Metric]RunningStats

func NewStats() Stats {
	s := make(Stats, len(Tracked))
	for _, m := range Tracked {
		s[m] = RunningStats{}
	}
	return s
}

// Average returns the running average for m, or 0 when nothing was counted.
func (s Stats) Average(m measure.Metric) float64 { return s[m].Average() }

// Averages returns the averages of every tracked metric keyed by short name.
func (s Stats) Averages() Averages {
	return Averages{
		Download: s.Average(measure.Download),
		Latency:  s.Average(measure.Latency),
	}
}

func (s Stats) clone() Stats {
	out := make(Stats, len(Tracked))
	for _, m := range Tracked {
		out[m] = s[m]
	}
	return out
}

// Averages is the published view of the running stats.
type Averages struct {
	Download float64 `json:"download"`
	Latency  float64 `json:"latency"`
}

// Get returns the average for m; untracked metrics read as 0.
func (a Averages) Get(m measure.Metric) float64 {
	switch m {
	case measure.Download:
		return a.Download
	case measure.Latency:
		return a.Latency
	default:
		return 0
	}
}

// Accepts reports whether v may enter a running average.
func Accepts(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

// Ingest returns stats updated with every accepted tracked value in snap.
func Ingest(stats Stats, snap measure.Snapshot) Stats {
	out := stats.clone()
	for _, m := range Tracked {
		v, ok := snap.Get(m)
		if !ok || !Accepts(v) {
			continue
		}
		r := out[m]
		r.Sum += v
		r.Count++
		out[m] = r
	}
	return out
}

// Rejected lists the tracked metrics present in snap whose value was refused.
func Rejected(snap measure.Snapshot) []measure.Metric {
	var out []measure.Metric
	for _, m := range Tracked {
		if v, ok := snap.Get(m); ok && !Accepts(v) {
			out = append(out, m)
		}
	}
	return out
}

// Recompute folds Ingest over snaps from empty stats. Because it uses the
// same fold in the same order, the result is bit-identical to the
// incrementally maintained stats.
func Recompute(snaps []measure.Snapshot) Stats {
	s := NewStats()
	for _, snap := range snaps {
		s = Ingest(s, snap)
	}
	return s
}
