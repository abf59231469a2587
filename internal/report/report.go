// Package report assembles the immutable summary of a finished run.
package report

import (
	"fmt"
	"math"
	"time"

	"netgauge/internal/aggregate"
	"netgauge/internal/measure"
)

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeStopped   Outcome = "stopped"
)

// FinalReport is never mutated after Assemble returns. Scores that were
// never measured are nil and encode as null.
type FinalReport struct {
	Download            *float64 `json:"download"`
	Upload              *float64 `json:"upload"`
	Latency             *float64 `json:"latency"`
	Jitter              *float64 `json:"jitter"`
	DownLoadedLatencyMs *float64 `json:"downLoadedLatencyMs"`
	UpLoadedLatencyMs   *float64 `json:"upLoadedLatencyMs"`
	PacketLoss          *float64 `json:"packetLoss"`

	AverageDownload float64 `json:"averageDownload"`
	AverageLatency  float64 `json:"averageLatency"`

	Metadata        map[string]any `json:"metadata"`
	ClientIdentity  string         `json:"clientIdentity"`
	CapturedAtEpoch int64          `json:"capturedAtEpoch"` // seconds
	CapturedAtIso   string         `json:"capturedAtIso"`

	Outcome       Outcome `json:"outcome"`
	RunID         string  `json:"runId"`
	SnapshotCount int     `json:"snapshotCount"`
}

// Score returns the reported value for m.
func (r *FinalReport) Score(m measure.Metric) (float64, bool) {
	if r == nil {
		return 0, false
	}
	var p *float64
	switch m {
	case measure.Download:
		p = r.Download
	case measure.Upload:
		p = r.Upload
	case measure.Latency:
		p = r.Latency
	case measure.Jitter:
		p = r.Jitter
	case measure.DownLoadedLatency:
		p = r.DownLoadedLatencyMs
	case measure.UpLoadedLatency:
		p = r.UpLoadedLatencyMs
	case measure.PacketLoss:
		p = r.PacketLoss
	}
	if p == nil {
		return 0, false
	}
	return *p, true
}

// Input is everything the controller has frozen at the terminal transition.
type Input struct {
	RunID     string
	Outcome   Outcome
	Snapshots []measure.Snapshot
	// Final is the engine's terminal snapshot; nil when the run was stopped.
	Final          *measure.Snapshot
	Averages       aggregate.Averages
	Metadata       map[string]any
	ClientIdentity string
	CapturedAt     time.Time
}

// Assemble never fails outright. If a panic interrupts it, the fields set so
// far are returned together with the error.
func Assemble(in Input) (rep *FinalReport, err error) {
	rep = &FinalReport{
		RunID:         in.RunID,
		Outcome:       in.Outcome,
		SnapshotCount: len(in.Snapshots),
		Metadata:      map[string]any{},
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("assemble report: panic: %v", r)
		}
	}()

	at := in.CapturedAt
	if at.IsZero() {
		at = time.Now()
	}
	rep.CapturedAtEpoch = at.Unix()
	rep.CapturedAtIso = at.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	rep.ClientIdentity = in.ClientIdentity

	rep.Download = score(in, measure.Download)
	rep.Upload = score(in, measure.Upload)
	rep.Latency = score(in, measure.Latency)
	rep.Jitter = score(in, measure.Jitter)
	rep.DownLoadedLatencyMs = score(in, measure.DownLoadedLatency)
	rep.UpLoadedLatencyMs = score(in, measure.UpLoadedLatency)
	rep.PacketLoss = score(in, measure.PacketLoss)

	rep.AverageDownload = finite(in.Averages.Download)
	rep.AverageLatency = finite(in.Averages.Latency)

	for k, v := range in.Metadata {
		rep.Metadata[k] = v
	}
	return rep, nil
}

// score prefers the terminal snapshot, then the latest snapshot carrying a
// valid value.
func score(in Input, m measure.Metric) *float64 {
	if in.Final != nil {
		if v, ok := in.Final.Valid(m); ok {
			return &v
		}
	}
	for i := len(in.Snapshots) - 1; i >= 0; i-- {
		if v, ok := in.Snapshots[i].Valid(m); ok {
			return &v
		}
	}
	return nil
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
