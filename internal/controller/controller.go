// Package controller owns the lifecycle of speed-test runs.
//
// One goroutine (Run) holds the active run. Engine callbacks, the watchdog
// and user commands all reach it as events, so every transition happens in
// a single place and the first of finish, watchdog or stop wins.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"netgauge/internal/engine"
	"netgauge/internal/eventbus"
	"netgauge/internal/measure"
	"netgauge/internal/metadata"
	"netgauge/internal/metrics"
	"netgauge/internal/probe"
	"netgauge/internal/report"
	logx "netgauge/pkg/logx"
)

// WatchdogTimeout bounds every run.
const WatchdogTimeout = 60 * time.Second

var (
	ErrClosed        = errors.New("controller closed")
	ErrUnknownMetric = errors.New("metric cannot be selected")
)

// EngineFactory builds the engine for the next run.
type EngineFactory func() (engine.Engine, error)

// StaticEngine reuses e for every run.
func StaticEngine(e engine.Engine) EngineFactory {
	return func() (engine.Engine, error) { return e, nil }
}

// MetadataSource starts a background metadata fetch. *metadata.Fetcher
// implements it.
type MetadataSource interface {
	Start(ctx context.Context) *metadata.Pending
}

type Options struct {
	Engines  EngineFactory
	Metadata MetadataSource
	// ClientIdentity is copied into every report (the user agent).
	ClientIdentity string
	Bus            eventbus.Bus
	Metrics        *metrics.Recorder
	Log            logx.Logger
	// Schedule overrides the probe schedule; nil means probe.Schedule().
	Schedule []probe.Descriptor
}

type Controller struct {
	opts    Options
	log     logx.Logger
	sampler *logx.Sampler

	cmds    chan command
	inbox   inbox
	done    chan struct{}
	running atomic.Bool
	view    atomic.Pointer[View]

	// Owned by the loop goroutine.
	cur      *run
	selected measure.Metric
	ctx      context.Context

	// Test seams.
	now       func() time.Time
	afterFunc func(d time.Duration, f func()) (stop func() bool)
	onPartial func(measure.Snapshot)
	assemble  func(report.Input) (*report.FinalReport, error)
}

func New(opts Options) *Controller {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop{}
	}
	if opts.Schedule == nil {
		opts.Schedule = probe.Schedule()
	}
	log = log.With(logx.String("comp", "controller"))
	c := &Controller{
		opts:     opts,
		log:      log,
		sampler:  logx.NewSampler(log, 2),
		cmds:     make(chan command),
		inbox:    inbox{notify: make(chan struct{}, 1)},
		done:     make(chan struct{}),
		selected: measure.Download,
		now:      time.Now,
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		assemble: report.Assemble,
	}
	v := idleView(c.selected)
	c.view.Store(&v)
	return c
}

// View returns the latest published view without blocking.
func (c *Controller) View() View { return *c.view.Load() }

// Done is closed when Run has returned.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Run processes events until ctx is cancelled. An active run is stopped on
// the way out. Run must be called exactly once.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("controller already running")
	}
	defer close(c.done)
	c.ctx = ctx

	for {
		select {
		case <-ctx.Done():
			c.drain()
			if c.cur != nil && c.cur.state == Running {
				c.log.Info("stopping active run on shutdown", logx.String("run_id", c.cur.id))
				c.stopRun(report.OutcomeStopped, "shutdown")
			}
			return nil
		case cmd := <-c.cmds:
			c.drain()
			cmd.reply <- c.handle(cmd)
		case <-c.inbox.notify:
			c.drain()
		}
	}
}

// Start begins a new run, force-stopping the active one first. If the
// engine cannot be built the error wraps engine.ErrUnavailable and no run
// is created.
func (c *Controller) Start(ctx context.Context) (View, error) {
	r, err := c.do(ctx, command{kind: cmdStart})
	return r.view, err
}

// TryStart starts a run only when none is in progress. started is false
// when the request was skipped.
func (c *Controller) TryStart(ctx context.Context) (v View, started bool, err error) {
	r, err := c.do(ctx, command{kind: cmdStart, ifIdle: true})
	return r.view, r.started, err
}

// Stop ends the active run with outcome "stopped". It is a no-op when no
// run is in progress.
func (c *Controller) Stop(ctx context.Context) (View, error) {
	r, err := c.do(ctx, command{kind: cmdStop})
	return r.view, err
}

// SelectMetric changes which running average is surfaced as View.Selected.
func (c *Controller) SelectMetric(ctx context.Context, m measure.Metric) (View, error) {
	if m != measure.Download && m != measure.Latency {
		return c.View(), fmt.Errorf("%w: %s", ErrUnknownMetric, m)
	}
	r, err := c.do(ctx, command{kind: cmdSelect, metric: m})
	return r.view, err
}

type cmdKind int

const (
	cmdStart cmdKind = iota + 1
	cmdStop
	cmdSelect
)

type command struct {
	kind   cmdKind
	ifIdle bool
	metric measure.Metric
	reply  chan result
}

type result struct {
	view    View
	started bool
	err     error
}

func (c *Controller) do(ctx context.Context, cmd command) (result, error) {
	cmd.reply = make(chan result, 1)
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return result{view: c.View()}, ErrClosed
	case <-ctx.Done():
		return result{view: c.View()}, ctx.Err()
	}
	// The loop always answers an accepted command before it looks at ctx again.
	r := <-cmd.reply
	return r, r.err
}

func (c *Controller) handle(cmd command) result {
	switch cmd.kind {
	case cmdStart:
		if cmd.ifIdle && c.cur != nil && c.cur.state == Running {
			c.opts.Metrics.RunSkipped()
			c.opts.Bus.Publish(eventbus.Event{Type: eventbus.RunSkipped, RunID: c.cur.id, Data: c.View()})
			c.log.Info("start skipped, run in progress", logx.String("run_id", c.cur.id))
			return result{view: c.View()}
		}
		err := c.startRun()
		return result{view: c.View(), started: err == nil, err: err}
	case cmdStop:
		if c.cur != nil && c.cur.state == Running {
			c.stopRun(report.OutcomeStopped, "user")
		}
		return result{view: c.View()}
	case cmdSelect:
		c.selected = cmd.metric
		c.publish(eventbus.RunMetricSelected)
		return result{view: c.View()}
	}
	return result{view: c.View(), err: fmt.Errorf("unknown command %d", cmd.kind)}
}

type eventKind int

const (
	evPartial eventKind = iota + 1
	evFinished
	evWatchdog
)

func (k eventKind) String() string {
	switch k {
	case evPartial:
		return "partial_result"
	case evFinished:
		return "finished"
	case evWatchdog:
		return "watchdog"
	}
	return "unknown"
}

type event struct {
	kind  eventKind
	runID string
	snap  measure.Snapshot
}

// inbox is unbounded so engine callbacks, which may run under the engine's
// own locks, never block on the loop.
type inbox struct {
	mu     sync.Mutex
	items  []event
	notify chan struct{}
}

func (b *inbox) push(e event) {
	b.mu.Lock()
	b.items = append(b.items, e)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *inbox) take() []event {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.items
	b.items = nil
	return items
}

func (c *Controller) drain() {
	for {
		items := c.inbox.take()
		if len(items) == 0 {
			return
		}
		for _, ev := range items {
			c.dispatch(ev)
		}
	}
}

func (c *Controller) dispatch(ev event) {
	if c.cur == nil || ev.runID != c.cur.id || c.cur.state != Running {
		c.opts.Metrics.StaleCallback()
		c.log.Debug("discarding stale event", logx.String("event", ev.kind.String()), logx.String("run_id", ev.runID))
		return
	}
	switch ev.kind {
	case evPartial:
		c.onPartialResult(ev.snap)
	case evFinished:
		c.onFinished(ev.snap)
	case evWatchdog:
		c.log.Warn("watchdog fired, stopping run", logx.String("run_id", c.cur.id))
		c.stopRun(report.OutcomeStopped, "watchdog")
	}
}
