// Package scripted replays a fixed list of snapshots as if an engine produced them.
package scripted

import (
	"context"
	"fmt"
	"os"
	"time"

	"netgauge/internal/config"
	"netgauge/internal/engine"
	"netgauge/internal/measure"
	"netgauge/internal/probe"
)

// Script is what the engine replays. Steps are emitted as partial results in
// order; Final, when set, is emitted as the terminal result. A script
// without Final never finishes on its own.
type Script struct {
	Steps     []measure.Snapshot
	Final     *measure.Snapshot
	StepDelay time.Duration
}

type Engine struct {
	script  Script
	tracker *engine.Tracker

	// StartErr, when set, makes Start fail with an error wrapping engine.ErrUnavailable.
	StartErr error
}

func New(script Script) *Engine {
	return &Engine{script: script, tracker: engine.NewTracker()}
}

func (e *Engine) Start(schedule []probe.Descriptor, sink engine.Sink) (engine.Handle, error) {
	if e.StartErr != nil {
		return 0, fmt.Errorf("%w: %v", engine.ErrUnavailable, e.StartErr)
	}
	if sink == nil {
		return 0, fmt.Errorf("%w: nil sink", engine.ErrUnavailable)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := e.tracker.Begin(cancel)
	script := e.script
	go e.replay(ctx, h, script, sink)
	return h, nil
}

func (e *Engine) replay(ctx context.Context, h engine.Handle, script Script, sink engine.Sink) {
	defer e.tracker.Done(h)
	for _, snap := range script.Steps {
		if !wait(ctx, script.StepDelay) {
			return
		}
		snap := snap
		if !e.tracker.Emit(h, func() { sink.OnPartialResult(h, snap) }) {
			return
		}
	}
	if script.Final == nil {
		<-ctx.Done()
		return
	}
	if !wait(ctx, script.StepDelay) {
		return
	}
	final := *script.Final
	e.tracker.Finish(h, func() { sink.OnFinish(h, final) })
}

func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (e *Engine) Pause(h engine.Handle) { e.tracker.Pause(h) }

func (e *Engine) Status(h engine.Handle) engine.Status { return e.tracker.Status(h) }

// scriptFile is the on-disk shape:
//
//	step_delay: 250ms
//	steps:
//	  - {downloadBitrate: 10000000.0, latencyMs: 18.2}
//	final: {downloadBitrate: 160000000.0}
type scriptFile struct {
	StepDelay string             `json:"step_delay"`
	Steps     []measure.Snapshot `json:"steps"`
	Final     *measure.Snapshot  `json:"final,omitempty"`
}

// LoadFile reads a JSON or YAML script.
func LoadFile(path string) (Script, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Script{}, err
	}
	var f scriptFile
	if err := config.DecodeStrict(path, b, &f); err != nil {
		return Script{}, fmt.Errorf("decode script: %w", err)
	}
	s := Script{Steps: f.Steps, Final: f.Final}
	if s.StepDelay, err = config.ParseDurationField("step_delay", f.StepDelay); err != nil {
		return Script{}, fmt.Errorf("script %w", err)
	}
	return s, nil
}

// Ramp builds a script with n partial snapshots whose download bitrate
// climbs linearly by step, finishing at (n+1)*step.
func Ramp(n int, step float64, delay time.Duration) Script {
	s := Script{StepDelay: delay}
	for i := 1; i <= n; i++ {
		s.Steps = append(s.Steps, measure.New(measure.Values{
			measure.Download: float64(i) * step,
			measure.Latency:  20 + float64(i%5),
		}))
	}
	final := measure.New(measure.Values{
		measure.Download: float64(n+1) * step,
		measure.Upload:   float64(n+1) * step / 4,
		measure.Latency:  21,
		measure.Jitter:   1.5,
	})
	s.Final = &final
	return s
}
