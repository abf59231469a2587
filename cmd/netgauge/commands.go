package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"netgauge/internal/app"
	"netgauge/internal/measure"
	"netgauge/internal/probe"
	"netgauge/internal/render"
	"netgauge/internal/report"
)

// exitStopped is returned when a run ended before the engine finished.
const exitStopped = 3

func overrides(c *cli.Context) app.Overrides {
	return app.Overrides{Driver: c.String(EngineFlag.Name), Script: c.String(ScriptFlag.Name)}
}

func runAction(c *cli.Context) error {
	metric, err := measure.ParseMetric(c.String(MetricFlag.Name))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	ctx, cancel := signalContext(c.Context)
	defer cancel()

	a, err := app.NewApp(c.String(ConfigFlag.Name), overrides(c))
	if err != nil {
		return err
	}

	asJSON := c.Bool(JSONFlag.Name)
	var progress io.Writer = c.App.ErrWriter
	if progress == nil {
		progress = os.Stderr
	}
	rep, err := a.RunOnce(ctx, app.OnceOptions{Metric: metric, Progress: progress})
	if err != nil {
		return err
	}
	out := c.App.Writer
	if out == nil {
		out = os.Stdout
	}
	if err := printReport(out, rep, asJSON); err != nil {
		return err
	}
	if rep.Outcome != report.OutcomeCompleted {
		return cli.Exit("", exitStopped)
	}
	return nil
}

func printReport(w io.Writer, rep *report.FinalReport, asJSON bool) error {
	if !asJSON {
		render.Report(w, rep)
		return nil
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

func serveAction(c *cli.Context) error {
	ctx, cancel := signalContext(c.Context)
	defer cancel()

	a, err := app.NewApp(c.String(ConfigFlag.Name), overrides(c))
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func scheduleAction(c *cli.Context) error {
	out := c.App.Writer
	if out == nil {
		out = os.Stdout
	}
	probes := probe.Schedule()
	if c.Bool(JSONFlag.Name) {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(probes)
	}
	render.Schedule(out, probes)
	return nil
}
