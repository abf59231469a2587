// Package app wires configuration, logging, the run controller and the
// optional services (control API, scheduler, metrics) into one process.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"netgauge/internal/config"
	"netgauge/internal/controller"
	"netgauge/internal/eventbus"
	"netgauge/internal/httpapi"
	"netgauge/internal/metrics"
	"netgauge/internal/runtime/supervisor"
	"netgauge/internal/scheduler"
	logx "netgauge/pkg/logx"
)

// Overrides are command-line values that win over the config file,
// including after a reload.
type Overrides struct {
	Driver string
	Script string
}

func (o Overrides) apply(cfg *config.Config) *config.Config {
	if o.Driver == "" && o.Script == "" {
		return cfg
	}
	cp := *cfg
	if o.Driver != "" {
		cp.Engine.Driver = o.Driver
	}
	if o.Script != "" {
		cp.Engine.Scripted.Script = o.Script
	}
	return &cp
}

type App struct {
	cfgPath string
	ov      Overrides

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	metrics *metrics.Recorder

	ctrl  *controller.Controller
	sched *scheduler.Service
	api   *httpapi.Server
}

func NewApp(cfgPath string, ov Overrides) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := ov.apply(cfg).Validate(); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	log = log.With(logx.String("comp", "app"))

	a := &App{
		cfgPath: cfgPath,
		ov:      ov,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
	}
	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
	}

	a.ctrl = controller.New(controller.Options{
		Engines:        engineFactory(a.current, log),
		Metadata:       metadataSource{current: a.current, metrics: a.metrics, log: log.With(logx.String("comp", "metadata"))},
		ClientIdentity: cfg.ClientIdentity(),
		Bus:            a.bus,
		Metrics:        a.metrics,
		Log:            log,
	})

	a.sched = scheduler.New(cfg.Scheduler, func(ctx context.Context) (bool, error) {
		_, started, err := a.ctrl.TryStart(ctx)
		return started, err
	}, log)

	if cfg.HTTP.Enabled {
		var mh http.Handler
		if a.metrics != nil {
			mh = a.metrics.Handler()
		}
		a.api = httpapi.New(httpapi.Options{
			Addr:        cfg.HTTP.Addr,
			Runs:        a.ctrl,
			Bus:         a.bus,
			Schedule:    a.sched.Info,
			Metrics:     mh,
			MetricsPath: cfg.Metrics.Path,
			Log:         log,
		})
	}
	return a, nil
}

// current is the live config with command-line overrides applied.
func (a *App) current() *config.Config {
	return a.ov.apply(a.cfgm.Get())
}

func (a *App) Controller() *controller.Controller { return a.ctrl }

func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Log() logx.Logger { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the long-lived services: controller loop, scheduler, control
// API and config hot reload.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.sup.Go("controller", a.ctrl.Run)

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.api != nil {
		a.sup.Go("httpapi", a.api.Run)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if e.Type == eventbus.RunSnapshot {
					a.log.Debug("event", logx.String("type", e.Type), logx.String("run_id", e.RunID))
					continue
				}
				a.log.Info("event", logx.String("type", e.Type), logx.String("run_id", e.RunID))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("config", a.cfgPath), logx.Bool("http", a.api != nil))
	return nil
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(newCfg))

	for _, s := range sections {
		switch s {
		case "http", "metrics", "client":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	if err := a.sched.Apply(newCfg.Scheduler); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancelling the supervisor makes the controller stop any active run.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max <= 0 {
				a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
				return
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("controller", 3*time.Second, func(c context.Context) error {
		select {
		case <-a.ctrl.Done():
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
