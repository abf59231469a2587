// Package scheduler triggers recurring runs from a cron or @every spec.
//
// A trigger that finds a run in progress is skipped rather than queued or
// allowed to supersede it.
package scheduler

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"netgauge/internal/config"
	logx "netgauge/pkg/logx"
)

// Job starts a run. started is false when the run was skipped.
type Job func(ctx context.Context) (started bool, err error)

// Info is a point-in-time description of the scheduler for the API.
type Info struct {
	Enabled     bool      `json:"enabled"`
	Spec        string    `json:"spec"`
	Timezone    string    `json:"timezone"`
	Next        time.Time `json:"next,omitempty"`
	Upcoming    []string  `json:"upcoming,omitempty"`
	LastTrigger time.Time `json:"lastTrigger,omitempty"`
	LastResult  string    `json:"lastResult,omitempty"`
	Triggered   uint64    `json:"triggered"`
	Skipped     uint64    `json:"skipped"`
	Failed      uint64    `json:"failed"`
}

type Service struct {
	job Job
	log logx.Logger
	rng *rand.Rand

	mu      sync.Mutex
	cfg     config.SchedulerConfig
	c       *cron.Cron
	loc     *time.Location
	entry   cron.EntryID
	spread  time.Duration
	running bool

	// statsMu is never held while waiting on cron, so jobs may take it.
	statsMu     sync.Mutex
	ctx         context.Context
	lastTrigger time.Time
	lastResult  string
	triggered   uint64
	skipped     uint64
	failed      uint64
}

func New(cfg config.SchedulerConfig, job Job, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		job: job,
		log: log.With(logx.String("comp", "scheduler")),
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start registers the trigger and starts cron when enabled. ctx is handed
// to every job.
func (s *Service) Start(ctx context.Context) error {
	s.statsMu.Lock()
	s.ctx = ctx
	s.statsMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	return s.restartLocked()
}

// Stop halts triggering and waits for an in-flight job up to ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.running = false
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// Apply swaps in a new config. The cron instance is rebuilt only when the
// spec, timezone or enabled flag changed.
func (s *Service) Apply(cfg config.SchedulerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if !s.running {
		return nil
	}
	if old.Enabled == cfg.Enabled &&
		strings.TrimSpace(old.Spec) == strings.TrimSpace(cfg.Spec) &&
		strings.TrimSpace(old.Timezone) == strings.TrimSpace(cfg.Timezone) {
		return nil
	}
	return s.restartLocked()
}

func (s *Service) restartLocked() error {
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
	if !s.cfg.Enabled {
		s.log.Debug("scheduler disabled")
		return nil
	}

	loc := s.cfg.Location()
	spec := strings.TrimSpace(s.cfg.Spec)
	var sched cron.Schedule
	if every, ok := parseEvery(spec); ok {
		sched, s.spread = withSpread(every, time.Now().In(loc), s.rng)
	} else {
		parsed, err := config.ParseSchedule(spec)
		if err != nil {
			s.log.Error("invalid schedule", logx.String("spec", spec), logx.Err(err))
			return err
		}
		sched, s.spread = parsed, 0
	}

	s.loc = loc
	s.c = cron.New(cron.WithLocation(loc), cron.WithChain(cron.Recover(cronLogger{s.log})))
	s.entry = s.c.Schedule(sched, cron.FuncJob(s.fire))
	s.c.Start()

	fields := []logx.Field{
		logx.String("spec", spec),
		logx.String("tz", loc.String()),
		logx.Duration("startup_spread", s.spread),
	}
	if next := s.upcomingLocked(3); len(next) > 0 {
		fields = append(fields, logx.String("next", strings.Join(next, ", ")))
	}
	s.log.Info("scheduler started", fields...)
	return nil
}

func (s *Service) fire() {
	s.statsMu.Lock()
	ctx := s.ctx
	s.statsMu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	s.Trigger(ctx)
}

// Trigger runs the job once, as a scheduled firing would.
func (s *Service) Trigger(ctx context.Context) {
	started, err := s.job(ctx)

	s.statsMu.Lock()
	s.lastTrigger = time.Now()
	switch {
	case err != nil:
		s.failed++
		s.lastResult = "failed"
	case !started:
		s.skipped++
		s.lastResult = "skipped"
	default:
		s.triggered++
		s.lastResult = "started"
	}
	s.statsMu.Unlock()

	switch {
	case err != nil:
		s.log.Warn("scheduled run failed to start", logx.Err(err))
	case !started:
		s.log.Info("scheduled run skipped; a run is in progress")
	default:
		s.log.Debug("scheduled run started")
	}
}

// Info describes the current schedule and trigger counters.
func (s *Service) Info() Info {
	s.mu.Lock()
	info := Info{
		Enabled:  s.cfg.Enabled && s.c != nil,
		Spec:     strings.TrimSpace(s.cfg.Spec),
		Timezone: s.cfg.Location().String(),
	}
	if s.c != nil {
		info.Next = s.c.Entry(s.entry).Next
		info.Upcoming = s.upcomingLocked(3)
	}
	s.mu.Unlock()

	s.statsMu.Lock()
	info.LastTrigger = s.lastTrigger
	info.LastResult = s.lastResult
	info.Triggered = s.triggered
	info.Skipped = s.skipped
	info.Failed = s.failed
	s.statsMu.Unlock()
	return info
}

func (s *Service) upcomingLocked(n int) []string {
	if s.c == nil {
		return nil
	}
	e := s.c.Entry(s.entry)
	if e.Schedule == nil {
		return nil
	}
	out := make([]string, 0, n)
	t := time.Now().In(s.loc)
	for i := 0; i < n; i++ {
		t = e.Schedule.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t.Format(time.RFC3339))
	}
	return out
}

// cronLogger adapts logx to cron.Logger for the Recover wrapper.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug(msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error(msg, logx.Err(err), logx.Any("kv", kv))
}
