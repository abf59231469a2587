// Package speedtestgo runs the probe schedule against speedtest.net servers
// using github.com/showwin/speedtest-go.
package speedtestgo

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"

	"netgauge/internal/engine"
	"netgauge/internal/measure"
	"netgauge/internal/probe"
	logx "netgauge/pkg/logx"
)

// Config controls server selection and probe execution.
type Config struct {
	// Candidate servers to consider (sorted by distance, then pinged).
	ServerCount int
	// PingConcurrency caps how many candidate pings run concurrently.
	PingConcurrency int

	// UserConfig passed to speedtest-go.
	SavingMode     bool
	MaxConnections int

	// DiscoveryTimeout bounds server list retrieval inside Start.
	DiscoveryTimeout time.Duration
	// TransferTimeout bounds each download/upload probe.
	TransferTimeout time.Duration

	DisableKeepAlives bool
}

func (c Config) withDefaults() Config {
	if c.ServerCount <= 0 {
		c.ServerCount = 5
	}
	if c.PingConcurrency <= 0 {
		c.PingConcurrency = 4
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 4
	}
	if c.DiscoveryTimeout <= 0 {
		c.DiscoveryTimeout = 10 * time.Second
	}
	if c.TransferTimeout <= 0 {
		c.TransferTimeout = 4 * time.Second
	}
	return c
}

type Engine struct {
	cfg     Config
	log     logx.Logger
	tracker *engine.Tracker
}

func New(cfg Config, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{cfg: cfg.withDefaults(), log: log, tracker: engine.NewTracker()}
}

// Start discovers candidate servers synchronously; an unreachable server
// list fails the call with engine.ErrUnavailable. Probing continues in the
// background.
func (e *Engine) Start(schedule []probe.Descriptor, sink engine.Sink) (engine.Handle, error) {
	if sink == nil {
		return 0, fmt.Errorf("%w: nil sink", engine.ErrUnavailable)
	}
	cfg := e.cfg
	hc, tr := newHTTPClient(cfg)

	// Avoid package-level speedtest helpers; speedtest-go keeps package-level state.
	stc := st.New(st.WithUserConfig(&st.UserConfig{
		SavingMode:     cfg.SavingMode,
		MaxConnections: cfg.MaxConnections,
	}))
	applyHTTPClient(stc, hc)
	stc.SetNThread(cfg.MaxConnections)

	dctx, cancel := context.WithTimeout(context.Background(), cfg.DiscoveryTimeout)
	// Distance sorting needs the client location.
	if _, err := stc.FetchUserInfoContext(dctx); err != nil {
		cancel()
		tr.CloseIdleConnections()
		return 0, fmt.Errorf("%w: fetch user info: %v", engine.ErrUnavailable, err)
	}
	servers, err := stc.FetchServerListContext(dctx)
	cancel()
	if err != nil {
		tr.CloseIdleConnections()
		return 0, fmt.Errorf("%w: fetch server list: %v", engine.ErrUnavailable, err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		tr.CloseIdleConnections()
		return 0, fmt.Errorf("%w: no servers available", engine.ErrUnavailable)
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	n := cfg.ServerCount
	if n > len(servers) {
		n = len(servers)
	}
	candidates := append([]*st.Server(nil), servers[:n]...)

	ctx, cancelRun := context.WithCancel(context.Background())
	h := e.tracker.Begin(cancelRun)
	w := &worker{
		cfg:        cfg,
		log:        e.log.With(logx.Uint64("handle", uint64(h))),
		tracker:    e.tracker,
		handle:     h,
		sink:       sink,
		schedule:   append([]probe.Descriptor(nil), schedule...),
		candidates: candidates,
		cleanup: func() {
			cancelRun()
			stc.Snapshots().Clean()
			stc.Reset()
			tr.CloseIdleConnections()
		},
		values: measure.Values{},
	}
	go w.run(ctx)
	return h, nil
}

func (e *Engine) Pause(h engine.Handle) { e.tracker.Pause(h) }

func (e *Engine) Status(h engine.Handle) engine.Status { return e.tracker.Status(h) }

type worker struct {
	cfg        Config
	log        logx.Logger
	tracker    *engine.Tracker
	handle     engine.Handle
	sink       engine.Sink
	schedule   []probe.Descriptor
	candidates []*st.Server
	cleanup    func()

	// values carries the latest reading of every metric measured so far.
	values measure.Values
}

func (w *worker) run(ctx context.Context) {
	defer w.cleanup()
	defer w.tracker.Done(w.handle)

	server, err := w.pickServer(ctx)
	if err != nil {
		w.log.Warn("speedtest server selection failed", logx.Err(err))
		// Nothing to measure against: report an empty terminal result.
		w.tracker.Finish(w.handle, func() { w.sink.OnFinish(w.handle, measure.New(nil)) })
		return
	}
	w.log.Debug("speedtest server selected",
		logx.String("name", server.Sponsor),
		logx.String("country", server.Country),
		logx.Float64("distance_km", server.Distance),
	)

	for i, d := range w.schedule {
		if ctx.Err() != nil {
			return
		}
		w.probe(ctx, server, d)
		snap := measure.New(w.values)
		if i == len(w.schedule)-1 {
			w.tracker.Finish(w.handle, func() { w.sink.OnFinish(w.handle, snap) })
			return
		}
		if !w.tracker.Emit(w.handle, func() { w.sink.OnPartialResult(w.handle, snap) }) {
			return
		}
	}
	// Empty schedule.
	w.tracker.Finish(w.handle, func() { w.sink.OnFinish(w.handle, measure.New(w.values)) })
}

func (w *worker) probe(ctx context.Context, s *st.Server, d probe.Descriptor) {
	switch d.Kind {
	case probe.Latency:
		if err := s.PingTestContext(ctx, nil); err != nil {
			w.log.Debug("latency probe failed", logx.Err(err))
			return
		}
		w.values[measure.Latency] = float64(s.Latency.Microseconds()) / 1000
		w.values[measure.Jitter] = float64(s.Jitter.Microseconds()) / 1000

	case probe.Download:
		tctx, cancel := context.WithTimeout(ctx, w.cfg.TransferTimeout)
		err := s.DownloadTestContext(tctx)
		cancel()
		if err != nil {
			w.log.Debug("download probe failed", logx.Int64("bytes", d.PayloadBytes), logx.Err(err))
			return
		}
		w.values[measure.Download] = s.DLSpeed.Mbps() * 1e6

	case probe.Upload:
		tctx, cancel := context.WithTimeout(ctx, w.cfg.TransferTimeout)
		err := s.UploadTestContext(tctx)
		cancel()
		if err != nil {
			w.log.Debug("upload probe failed", logx.Int64("bytes", d.PayloadBytes), logx.Err(err))
			return
		}
		w.values[measure.Upload] = s.ULSpeed.Mbps() * 1e6

	case probe.PacketLoss:
		host := s.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		wait := d.ResponseWait
		if wait <= 0 {
			wait = 3 * time.Second
		}
		plCtx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		pla := st.NewPacketLossAnalyzer(nil)
		pl, err := pla.RunMultiWithContext(plCtx, []string{host})
		if err != nil || pl == nil {
			w.log.Debug("packet loss probe failed", logx.Err(err))
			return
		}
		// LossPercent is 0..100.
		w.values[measure.PacketLoss] = pl.LossPercent() / 100
	}
}

type pingResult struct {
	Server *st.Server
	Err    error
}

// pickServer pings every candidate and returns the lowest-latency one.
func (w *worker) pickServer(ctx context.Context) (*st.Server, error) {
	sem := make(chan struct{}, w.cfg.PingConcurrency)
	out := make(chan pingResult, len(w.candidates))
	var wg sync.WaitGroup

	for _, s := range w.candidates {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-ctx.Done():
				out <- pingResult{Server: s, Err: ctx.Err()}
				return
			case sem <- struct{}{}:
			}
			defer func() { <-sem }()
			out <- pingResult{Server: s, Err: s.PingTestContext(ctx, nil)}
		}()
	}
	wg.Wait()
	close(out)

	var best *st.Server
	for pr := range out {
		if pr.Err != nil || pr.Server == nil || pr.Server.Latency <= 0 {
			continue
		}
		if best == nil || pr.Server.Latency < best.Latency {
			best = pr.Server
		}
	}
	if best == nil {
		return nil, fmt.Errorf("all latency tests failed")
	}
	return best, nil
}
