package controller

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"netgauge/internal/aggregate"
	"netgauge/internal/engine"
	"netgauge/internal/eventbus"
	"netgauge/internal/measure"
	"netgauge/internal/metadata"
	"netgauge/internal/report"
	logx "netgauge/pkg/logx"
)

// run is one TestRun. Only the loop goroutine touches it.
type run struct {
	id        string
	state     State
	startedAt time.Time
	deadline  time.Time

	eng      engine.Engine
	handle   engine.Handle
	paused   bool
	watchdog func() bool
	meta     *metadata.Pending

	snaps []measure.Snapshot
	stats aggregate.Stats
	final *report.FinalReport
	log   logx.Logger
}

func (c *Controller) startRun() error {
	if c.cur != nil && c.cur.state == Running {
		c.log.Info("superseding active run", logx.String("run_id", c.cur.id))
		c.stopRun(report.OutcomeStopped, "superseded")
	}

	eng, err := c.buildEngine()
	if err != nil {
		c.log.Error("engine construction failed", logx.Err(err))
		return err
	}

	now := c.now()
	r := &run{
		id:        uuid.NewString(),
		state:     Running,
		startedAt: now,
		deadline:  now.Add(WatchdogTimeout),
		eng:       eng,
		stats:     aggregate.NewStats(),
	}
	r.log = c.log.With(logx.String("run_id", r.id))

	id := r.id
	sink := engine.SinkFuncs{
		Partial: func(_ engine.Handle, s measure.Snapshot) {
			c.inbox.push(event{kind: evPartial, runID: id, snap: s})
		},
		Finish: func(_ engine.Handle, s measure.Snapshot) {
			c.inbox.push(event{kind: evFinished, runID: id, snap: s})
		},
	}
	h, err := eng.Start(c.opts.Schedule, sink)
	if err != nil {
		if !errors.Is(err, engine.ErrUnavailable) {
			err = fmt.Errorf("%w: %v", engine.ErrUnavailable, err)
		}
		c.log.Error("engine start failed", logx.Err(err))
		return err
	}
	r.handle = h

	if c.opts.Metadata != nil {
		r.meta = c.opts.Metadata.Start(c.ctx)
	} else {
		r.meta = metadata.Resolved(nil)
	}
	// Engine start may block (server discovery); the watchdog still fires
	// at the published deadline.
	wait := r.deadline.Sub(c.now())
	if wait < 0 {
		wait = 0
	}
	r.watchdog = c.afterFunc(wait, func() {
		c.inbox.push(event{kind: evWatchdog, runID: id})
	})

	c.cur = r
	c.opts.Metrics.RunStarted()
	r.log.Info("run started", logx.Int("probes", len(c.opts.Schedule)), logx.Time("deadline", r.deadline))
	c.publish(eventbus.RunStarted)
	return nil
}

func (c *Controller) buildEngine() (eng engine.Engine, err error) {
	if c.opts.Engines == nil {
		return nil, fmt.Errorf("%w: no engine configured", engine.ErrUnavailable)
	}
	eng, err = c.opts.Engines()
	if err == nil && eng == nil {
		err = errors.New("nil engine")
	}
	if err != nil && !errors.Is(err, engine.ErrUnavailable) {
		err = fmt.Errorf("%w: %v", engine.ErrUnavailable, err)
	}
	return eng, err
}

// onPartialResult never lets a failure escape: the run keeps going.
func (c *Controller) onPartialResult(snap measure.Snapshot) {
	r := c.cur
	defer func() {
		if rec := recover(); rec != nil {
			c.opts.Metrics.CallbackError()
			c.sampler.Error("partial result processing failed",
				logx.String("run_id", r.id),
				logx.Any("panic", rec),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()

	// A snapshot that fails processing is dropped, not counted.
	stats := aggregate.Ingest(r.stats, snap)
	if c.onPartial != nil {
		c.onPartial(snap)
	}
	r.snaps = append(r.snaps, snap)
	r.stats = stats
	c.opts.Metrics.SnapshotIngested()
	for _, m := range aggregate.Rejected(snap) {
		c.opts.Metrics.ValueRejected(m.Key())
	}
	avg := r.stats.Averages()
	c.opts.Metrics.SetAverage(measure.Download.Key(), avg.Download)
	c.opts.Metrics.SetAverage(measure.Latency.Key(), avg.Latency)
	c.publish(eventbus.RunSnapshot)
}

func (c *Controller) onFinished(snap measure.Snapshot) {
	r := c.cur
	r.snaps = append(r.snaps, snap)
	c.opts.Metrics.SnapshotIngested()
	c.finish(report.OutcomeCompleted, &snap)
}

// stopRun ends the active run early. The engine is paused exactly once.
func (c *Controller) stopRun(outcome report.Outcome, reason string) {
	r := c.cur
	if !r.paused {
		r.paused = true
		r.eng.Pause(r.handle)
	}
	r.log.Info("run stopped", logx.String("reason", reason), logx.Int("snapshots", len(r.snaps)))
	c.finish(outcome, nil)
}

// finish freezes the run, assembles its report and publishes the terminal
// view. The averages are recomputed from the frozen sequence.
func (c *Controller) finish(outcome report.Outcome, final *measure.Snapshot) {
	r := c.cur
	if r.watchdog != nil {
		r.watchdog()
	}
	if outcome == report.OutcomeCompleted {
		r.state = Completed
	} else {
		r.state = Stopped
	}
	r.stats = aggregate.Recompute(r.snaps)

	meta, _ := r.meta.Value()
	now := c.now()
	r.final = c.safeAssemble(report.Input{
		RunID:          r.id,
		Outcome:        outcome,
		Snapshots:      r.snaps,
		Final:          final,
		Averages:       r.stats.Averages(),
		Metadata:       meta,
		ClientIdentity: c.opts.ClientIdentity,
		CapturedAt:     now,
	})

	c.opts.Metrics.RunFinished(string(outcome), now.Sub(r.startedAt))
	for _, m := range measure.Metrics {
		if v, ok := r.final.Score(m); ok {
			c.opts.Metrics.SetScore(m.Key(), v)
		}
	}
	r.log.Info("run finished",
		logx.String("outcome", string(outcome)),
		logx.Int("snapshots", len(r.snaps)),
		logx.Float64("avg_download_bps", r.final.AverageDownload),
		logx.Float64("avg_latency_ms", r.final.AverageLatency),
	)
	if outcome == report.OutcomeCompleted {
		c.publish(eventbus.RunCompleted)
	} else {
		c.publish(eventbus.RunStopped)
	}
}

// safeAssemble always yields a report; on failure it keeps whatever was
// built, or falls back to the run identity alone.
func (c *Controller) safeAssemble(in report.Input) (rep *report.FinalReport) {
	defer func() {
		if rec := recover(); rec != nil {
			c.opts.Metrics.CallbackError()
			c.log.Error("report assembly panicked", logx.String("run_id", in.RunID), logx.Any("panic", rec))
			if rep == nil {
				rep = &report.FinalReport{
					RunID:         in.RunID,
					Outcome:       in.Outcome,
					SnapshotCount: len(in.Snapshots),
					Metadata:      map[string]any{},
				}
			}
		}
	}()
	rep, err := c.assemble(in)
	if err != nil {
		c.log.Error("report assembly failed", logx.String("run_id", in.RunID), logx.Err(err))
	}
	if rep == nil {
		rep = &report.FinalReport{RunID: in.RunID, Outcome: in.Outcome, SnapshotCount: len(in.Snapshots), Metadata: map[string]any{}}
	}
	return rep
}

func (c *Controller) buildView() View {
	r := c.cur
	if r == nil {
		return idleView(c.selected)
	}
	v := View{
		RunID:            r.id,
		State:            r.state,
		StartedAt:        r.startedAt,
		WatchdogDeadline: r.deadline,
		RunningAverages:  r.stats.Averages(),
		SelectedMetric:   c.selected,
		SnapshotCount:    len(r.snaps),
		FinalReport:      r.final,
	}
	v.Selected = v.RunningAverages.Get(c.selected)

	meta, _ := r.meta.Value()
	cur := meta
	if n := len(r.snaps); n > 0 {
		for k, val := range r.snaps[n-1].Map() {
			cur[k] = val
		}
	}
	v.CurrentSnapshot = cur
	return v
}

func (c *Controller) publish(typ string) {
	v := c.buildView()
	c.view.Store(&v)
	c.opts.Bus.Publish(eventbus.Event{Type: typ, RunID: v.RunID, Data: v})
}
