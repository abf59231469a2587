package app

import (
	"context"
	"errors"
	"io"
	"time"

	"netgauge/internal/controller"
	"netgauge/internal/eventbus"
	"netgauge/internal/measure"
	"netgauge/internal/render"
	"netgauge/internal/report"
	"netgauge/internal/runtime/supervisor"
	logx "netgauge/pkg/logx"
)

// OnceOptions control a single foreground run.
type OnceOptions struct {
	Metric measure.Metric
	// Progress receives one line per snapshot; nil disables it.
	Progress io.Writer
}

// pollInterval backs up the bus in case a terminal event is dropped.
const pollInterval = 500 * time.Millisecond

// RunOnce performs one run in the foreground and returns its report.
// Cancelling ctx stops the run; the report then has outcome "stopped".
func (a *App) RunOnce(ctx context.Context, opts OnceOptions) (*report.FinalReport, error) {
	sup := supervisor.New(context.Background(), supervisor.WithLogger(a.log))
	sup.Go("controller", a.ctrl.Run)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = sup.Stop(stopCtx)
		_ = a.logs.Close()
	}()

	events, unsub := a.bus.Subscribe(256)
	defer unsub()

	if opts.Metric != 0 {
		if _, err := a.ctrl.SelectMetric(ctx, opts.Metric); err != nil {
			return nil, err
		}
	}
	v, err := a.ctrl.Start(ctx)
	if err != nil {
		return nil, err
	}
	runID := v.RunID
	a.log.Info("run started", logx.String("run_id", runID))

	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			v, err := a.ctrl.Stop(stopCtx)
			cancel()
			if err != nil {
				return nil, err
			}
			return finalFor(v, runID)
		case e := <-events:
			if e.RunID != runID {
				continue
			}
			if e.Type == eventbus.RunSnapshot && opts.Progress != nil {
				if view, ok := e.Data.(controller.View); ok {
					_, _ = io.WriteString(opts.Progress, render.LiveLine(view)+"\n")
				}
			}
			if e.Terminal() {
				if view, ok := e.Data.(controller.View); ok {
					return finalFor(view, runID)
				}
				return finalFor(a.ctrl.View(), runID)
			}
		case <-tick.C:
			if cur := a.ctrl.View(); cur.RunID == runID && cur.State.Terminal() {
				return finalFor(cur, runID)
			}
		}
	}
}

func finalFor(v controller.View, runID string) (*report.FinalReport, error) {
	if v.RunID != runID || v.FinalReport == nil {
		return nil, errors.New("run ended without a report")
	}
	return v.FinalReport, nil
}
