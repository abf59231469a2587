package controller

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"netgauge/internal/aggregate"
	"netgauge/internal/engine"
	"netgauge/internal/engine/scripted"
	"netgauge/internal/eventbus"
	"netgauge/internal/measure"
	"netgauge/internal/metadata"
	"netgauge/internal/probe"
	"netgauge/internal/report"
	logx "netgauge/pkg/logx"
)

// fakeEngine hands the sink back to the test so callbacks can be driven by
// hand, including callbacks an honest engine would never send.
type fakeEngine struct {
	mu       sync.Mutex
	sinks    map[engine.Handle]engine.Sink
	pauses   map[engine.Handle]int
	handles  []engine.Handle
	startErr error
	// onStart runs inside Start, as slow server discovery would.
	onStart func()
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{sinks: map[engine.Handle]engine.Sink{}, pauses: map[engine.Handle]int{}}
}

func (f *fakeEngine) Start(_ []probe.Descriptor, sink engine.Sink) (engine.Handle, error) {
	if f.onStart != nil {
		f.onStart()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return 0, f.startErr
	}
	h := engine.NextHandle()
	f.sinks[h] = sink
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *fakeEngine) Pause(h engine.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauses[h]++
}

func (f *fakeEngine) Status(h engine.Handle) engine.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sinks[h]
	return engine.Status{Running: ok && f.pauses[h] == 0}
}

func (f *fakeEngine) last() engine.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[len(f.handles)-1]
}

func (f *fakeEngine) sink(h engine.Handle) engine.Sink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sinks[h]
}

func (f *fakeEngine) pauseCount(h engine.Handle) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pauses[h]
}

func (f *fakeEngine) partial(h engine.Handle, v measure.Values) {
	f.sink(h).OnPartialResult(h, measure.New(v))
}

func (f *fakeEngine) finish(h engine.Handle, v measure.Values) {
	f.sink(h).OnFinish(h, measure.New(v))
}

// manualClock replaces the watchdog timer.
type manualClock struct {
	mu      sync.Mutex
	fns     []func()
	waits   []time.Duration
	stopped []bool
}

func (m *manualClock) afterFunc(d time.Duration, f func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := len(m.fns)
	m.fns = append(m.fns, f)
	m.waits = append(m.waits, d)
	m.stopped = append(m.stopped, false)
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		was := !m.stopped[i]
		m.stopped[i] = true
		return was
	}
}

// fire runs the i-th timer callback even if it was stopped, as a timer
// that already fired would.
func (m *manualClock) fire(i int) {
	m.mu.Lock()
	f := m.fns[i]
	m.mu.Unlock()
	f()
}

func (m *manualClock) wait(i int) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waits[i]
}

func (m *manualClock) isStopped(i int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped[i]
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	c     *Controller
	eng   *fakeEngine
	clock *manualClock
	bus   eventbus.Bus
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	eng := newFakeEngine()
	bus := eventbus.New()
	opts := Options{
		Engines:        StaticEngine(eng),
		Metadata:       staticMeta{"colo": "AMS"},
		ClientIdentity: "netgauge-test/1.0",
		Bus:            bus,
		Log:            logx.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	c := New(opts)
	clock := &manualClock{}
	c.afterFunc = clock.afterFunc

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-c.Done()
	})
	return &harness{t: t, ctx: ctx, c: c, eng: eng, clock: clock, bus: bus}
}

// flush blocks until the loop has consumed every callback pushed so far.
// Commands drain the inbox before they are handled.
func (h *harness) flush() View {
	h.t.Helper()
	v, err := h.c.SelectMetric(context.Background(), h.c.View().SelectedMetric)
	require.NoError(h.t, err)
	return v
}

func (h *harness) start() View {
	h.t.Helper()
	v, err := h.c.Start(context.Background())
	require.NoError(h.t, err)
	require.Equal(h.t, Running, v.State)
	return v
}

type staticMeta map[string]any

func (m staticMeta) Start(context.Context) *metadata.Pending { return metadata.Resolved(m) }

func TestNormalCompletionAveragesAllSixteenSnapshots(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	hd := h.eng.last()

	for i := 1; i <= 15; i++ {
		h.eng.partial(hd, measure.Values{measure.Download: float64(i) * 1e7, measure.Latency: 20})
	}
	h.eng.finish(hd, measure.Values{measure.Download: 1.6e8, measure.Upload: 4e7, measure.Latency: 18})
	v := h.flush()

	require.Equal(t, Completed, v.State)
	require.Equal(t, 16, v.SnapshotCount)
	require.NotNil(t, v.FinalReport)
	rep := v.FinalReport
	require.Equal(t, report.OutcomeCompleted, rep.Outcome)
	require.Equal(t, 8.5e7, rep.AverageDownload)
	require.InDelta(t, (15*20.0+18)/16, rep.AverageLatency, 1e-9)
	require.Equal(t, 1.6e8, *rep.Download)
	require.Equal(t, 4e7, *rep.Upload)
	require.Equal(t, "AMS", rep.Metadata["colo"])
	require.Equal(t, "netgauge-test/1.0", rep.ClientIdentity)
	require.Equal(t, v.RunID, rep.RunID)
	require.Zero(t, h.eng.pauseCount(hd))
	require.True(t, h.clock.isStopped(0))
}

func TestForcedStopPausesOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	hd := h.eng.last()
	for i := 1; i <= 5; i++ {
		h.eng.partial(hd, measure.Values{measure.Download: float64(i) * 1e6})
	}
	h.flush()

	v, err := h.c.Stop(context.Background())
	require.NoError(t, err)
	require.Equal(t, Stopped, v.State)
	require.Equal(t, 5, v.SnapshotCount)
	require.Equal(t, report.OutcomeStopped, v.FinalReport.Outcome)
	require.Equal(t, 3e6, v.FinalReport.AverageDownload)
	require.Equal(t, 5e6, *v.FinalReport.Download)

	// Second stop is a no-op, late callbacks are discarded.
	_, err = h.c.Stop(context.Background())
	require.NoError(t, err)
	h.eng.partial(hd, measure.Values{measure.Download: 9e9})
	h.eng.finish(hd, measure.Values{measure.Download: 9e9})
	v = h.flush()
	require.Equal(t, Stopped, v.State)
	require.Equal(t, 5, v.SnapshotCount)
	require.Equal(t, 1, h.eng.pauseCount(hd))
}

func TestStopWhenIdleIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	v, err := h.c.Stop(context.Background())
	require.NoError(t, err)
	require.Equal(t, Idle, v.State)
	require.Nil(t, v.FinalReport)
}

func TestMetadataFailureYieldsEmptyObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	fetcher := metadata.New(metadata.Config{URL: srv.URL, Timeout: time.Second}, logx.Nop())
	var pending *metadata.Pending
	h := newHarness(t, func(o *Options) {
		o.Metadata = metaFunc(func(ctx context.Context) *metadata.Pending {
			pending = fetcher.Start(ctx)
			return pending
		})
	})
	h.start()
	<-pending.Done()

	hd := h.eng.last()
	h.eng.partial(hd, measure.Values{measure.Download: 1e7})
	h.eng.finish(hd, measure.Values{measure.Download: 2e7})
	v := h.flush()

	require.Equal(t, Completed, v.State)
	require.NotNil(t, v.FinalReport.Metadata)
	require.Empty(t, v.FinalReport.Metadata)
}

type metaFunc func(ctx context.Context) *metadata.Pending

func (f metaFunc) Start(ctx context.Context) *metadata.Pending { return f(ctx) }

func TestFinishThenWatchdog(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	hd := h.eng.last()
	h.eng.partial(hd, measure.Values{measure.Download: 1e7})
	h.eng.finish(hd, measure.Values{measure.Download: 2e7})
	h.clock.fire(0)
	v := h.flush()

	require.Equal(t, Completed, v.State)
	require.Equal(t, 2, v.SnapshotCount)
	require.Zero(t, h.eng.pauseCount(hd))
}

func TestWatchdogThenFinish(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	hd := h.eng.last()
	h.eng.partial(hd, measure.Values{measure.Download: 1e7})
	h.clock.fire(0)
	h.eng.finish(hd, measure.Values{measure.Download: 2e7})
	v := h.flush()

	require.Equal(t, Stopped, v.State)
	require.Equal(t, 1, v.SnapshotCount)
	require.Equal(t, 1e7, *v.FinalReport.Download)
	require.Equal(t, 1, h.eng.pauseCount(hd))
}

func TestWatchdogDeadline(t *testing.T) {
	h := newHarness(t, nil)
	v := h.start()
	require.Equal(t, WatchdogTimeout, v.WatchdogDeadline.Sub(v.StartedAt))
	require.Equal(t, WatchdogTimeout, h.clock.wait(0))
}

func TestSlowEngineStartKeepsWatchdogOnDeadline(t *testing.T) {
	h := newHarness(t, nil)
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.c.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	h.eng.onStart = func() {
		mu.Lock()
		now = now.Add(10 * time.Second)
		mu.Unlock()
	}

	v := h.start()
	require.Equal(t, WatchdogTimeout, v.WatchdogDeadline.Sub(v.StartedAt))
	// Armed at startedAt+10s, so it must fire 50s later to hit the deadline.
	require.Equal(t, 50*time.Second, h.clock.wait(0))

	h.clock.fire(0)
	v = h.flush()
	require.Equal(t, Stopped, v.State)
}

func TestStartDuringRunSupersedes(t *testing.T) {
	h := newHarness(t, nil)
	events, unsub := h.bus.Subscribe(64)
	defer unsub()

	first := h.start()
	oldH := h.eng.last()
	for i := 0; i < 3; i++ {
		h.eng.partial(oldH, measure.Values{measure.Download: 1e7})
	}
	h.flush()

	second := h.start()
	require.NotEqual(t, first.RunID, second.RunID)
	require.Equal(t, 1, h.eng.pauseCount(oldH))
	require.Zero(t, second.SnapshotCount)
	require.Nil(t, second.FinalReport)

	// Callbacks still tagged with the old run are ignored.
	h.eng.partial(oldH, measure.Values{measure.Download: 5e8})
	h.eng.finish(oldH, measure.Values{measure.Download: 5e8})
	newH := h.eng.last()
	h.eng.partial(newH, measure.Values{measure.Download: 2e7})
	v := h.flush()
	require.Equal(t, Running, v.State)
	require.Equal(t, 1, v.SnapshotCount)
	require.Equal(t, 2e7, v.RunningAverages.Download)

	var stoppedFirst bool
	for {
		select {
		case e := <-events:
			if e.Type == eventbus.RunStopped && e.RunID == first.RunID {
				stoppedFirst = true
				require.Equal(t, 3, e.Data.(View).FinalReport.SnapshotCount)
			}
			continue
		default:
		}
		break
	}
	require.True(t, stoppedFirst)
}

func TestTryStartSkipsWhileRunning(t *testing.T) {
	h := newHarness(t, nil)
	first := h.start()

	v, started, err := h.c.TryStart(context.Background())
	require.NoError(t, err)
	require.False(t, started)
	require.Equal(t, first.RunID, v.RunID)

	_, err = h.c.Stop(context.Background())
	require.NoError(t, err)
	v, started, err = h.c.TryStart(context.Background())
	require.NoError(t, err)
	require.True(t, started)
	require.NotEqual(t, first.RunID, v.RunID)
}

func TestReportExistsOnlyWhenTerminal(t *testing.T) {
	h := newHarness(t, nil)
	require.Nil(t, h.c.View().FinalReport)

	h.start()
	hd := h.eng.last()
	h.eng.partial(hd, measure.Values{measure.Download: 1e7})
	v := h.flush()
	require.Equal(t, Running, v.State)
	require.Nil(t, v.FinalReport)

	h.eng.finish(hd, measure.Values{})
	v = h.flush()
	require.True(t, v.State.Terminal())
	require.NotNil(t, v.FinalReport)
}

func TestInvalidValuesExcludedFromAverages(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	hd := h.eng.last()
	for _, d := range []float64{math.NaN(), 0, 5e7, -1} {
		h.eng.partial(hd, measure.Values{measure.Download: d})
	}
	v := h.flush()
	require.Equal(t, 4, v.SnapshotCount)
	require.Equal(t, 5e7, v.RunningAverages.Download)
	require.Zero(t, v.RunningAverages.Latency)
}

func TestEngineConstructionFailure(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Engines = func() (engine.Engine, error) { return nil, errors.New("no network") }
	})
	v, err := h.c.Start(context.Background())
	require.ErrorIs(t, err, engine.ErrUnavailable)
	require.Equal(t, Idle, v.State)
	require.Empty(t, v.RunID)
}

func TestConstructionFailureAfterSupersedeLeavesPriorStopped(t *testing.T) {
	var calls int
	var h *harness
	h = newHarness(t, func(o *Options) {
		o.Engines = func() (engine.Engine, error) {
			calls++
			if calls > 1 {
				return nil, errors.New("boom")
			}
			return h.eng, nil
		}
	})
	first := h.start()

	v, err := h.c.Start(context.Background())
	require.ErrorIs(t, err, engine.ErrUnavailable)
	require.Equal(t, first.RunID, v.RunID)
	require.Equal(t, Stopped, v.State)
	require.NotNil(t, v.FinalReport)
}

func TestEngineStartErrorWrapsUnavailable(t *testing.T) {
	h := newHarness(t, nil)
	h.eng.startErr = errors.New("dial failed")
	_, err := h.c.Start(context.Background())
	require.ErrorIs(t, err, engine.ErrUnavailable)
	require.Equal(t, Idle, h.c.View().State)
}

func TestPartialPanicIsRecovered(t *testing.T) {
	h := newHarness(t, nil)
	var n int
	h.c.onPartial = func(measure.Snapshot) {
		n++
		if n == 2 {
			panic("bad snapshot")
		}
	}
	h.start()
	hd := h.eng.last()
	for i := 1; i <= 3; i++ {
		h.eng.partial(hd, measure.Values{measure.Download: float64(i) * 1e7})
	}
	h.eng.finish(hd, measure.Values{measure.Download: 4e7})
	v := h.flush()
	require.Equal(t, Completed, v.State)
	// The failed second partial is left out of the count and the averages.
	require.Equal(t, 3, v.SnapshotCount)
	require.InDelta(t, (1e7+3e7+4e7)/3, v.FinalReport.AverageDownload, 1e-6)
}

func TestReportAssemblyPanicStillTerminates(t *testing.T) {
	h := newHarness(t, nil)
	h.c.assemble = func(report.Input) (*report.FinalReport, error) { panic("broken") }
	started := h.start()
	hd := h.eng.last()
	h.eng.finish(hd, measure.Values{measure.Download: 1e7})
	v := h.flush()
	require.Equal(t, Completed, v.State)
	require.NotNil(t, v.FinalReport)
	require.Equal(t, started.RunID, v.FinalReport.RunID)
	require.Equal(t, 1, v.FinalReport.SnapshotCount)
}

func TestSelectMetric(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.c.SelectMetric(context.Background(), measure.Upload)
	require.ErrorIs(t, err, ErrUnknownMetric)

	h.start()
	hd := h.eng.last()
	h.eng.partial(hd, measure.Values{measure.Download: 1e7, measure.Latency: 30})
	h.flush()

	v, err := h.c.SelectMetric(context.Background(), measure.Latency)
	require.NoError(t, err)
	require.Equal(t, measure.Latency, v.SelectedMetric)
	require.Equal(t, 30.0, v.Selected)
	// Both averages keep being aggregated regardless of the selection.
	require.Equal(t, 1e7, v.RunningAverages.Download)
}

func TestCurrentSnapshotMergesMetadata(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	h.eng.partial(h.eng.last(), measure.Values{measure.Latency: 12, measure.Download: math.Inf(1)})
	v := h.flush()
	require.Equal(t, "AMS", v.CurrentSnapshot["colo"])
	require.Equal(t, 12.0, v.CurrentSnapshot["latencyMs"])
	require.NotContains(t, v.CurrentSnapshot, "downloadBitrate")
}

func TestShutdownStopsActiveRun(t *testing.T) {
	eng := newFakeEngine()
	c := New(Options{Engines: StaticEngine(eng), Log: logx.Nop()})
	c.afterFunc = (&manualClock{}).afterFunc
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = c.Run(ctx) }()

	_, err := c.Start(context.Background())
	require.NoError(t, err)
	cancel()
	<-c.Done()

	require.Equal(t, Stopped, c.View().State)
	require.Equal(t, 1, eng.pauseCount(eng.last()))
	_, err = c.Start(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestScriptedEngineEndToEnd(t *testing.T) {
	steps := make([]measure.Snapshot, 0, 15)
	for i := 1; i <= 15; i++ {
		steps = append(steps, measure.New(measure.Values{measure.Download: float64(i) * 1e7}))
	}
	final := measure.New(measure.Values{measure.Download: 1.6e8})
	eng := scripted.New(scripted.Script{Steps: steps, Final: &final})

	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	c := New(Options{Engines: StaticEngine(eng), Bus: bus, Log: logx.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		<-c.Done()
	}()
	go func() { _ = c.Run(ctx) }()

	_, err := c.Start(context.Background())
	require.NoError(t, err)

	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type != eventbus.RunCompleted {
				continue
			}
			v := e.Data.(View)
			require.Equal(t, 16, v.SnapshotCount)
			require.Equal(t, 8.5e7, v.FinalReport.AverageDownload)
			require.Equal(t, aggregate.Averages{Download: 8.5e7}, v.RunningAverages)
			return
		case <-timeout:
			t.Fatal("run did not complete")
		}
	}
}
