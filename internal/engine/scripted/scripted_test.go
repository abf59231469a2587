package scripted

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"netgauge/internal/engine"
	"netgauge/internal/measure"
	"netgauge/internal/probe"
)

type recorder struct {
	mu       sync.Mutex
	partials []measure.Snapshot
	finals   []measure.Snapshot
	done     chan struct{}
}

func newRecorder() *recorder { return &recorder{done: make(chan struct{})} }

func (r *recorder) OnPartialResult(h engine.Handle, s measure.Snapshot) {
	r.mu.Lock()
	r.partials = append(r.partials, s)
	r.mu.Unlock()
}

func (r *recorder) OnFinish(h engine.Handle, s measure.Snapshot) {
	r.mu.Lock()
	r.finals = append(r.finals, s)
	r.mu.Unlock()
	close(r.done)
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.partials), len(r.finals)
}

func TestReplayInOrderThenFinish(t *testing.T) {
	e := New(Ramp(5, 1e7, 0))
	rec := newRecorder()
	h, err := e.Start(probe.Schedule(), rec)
	require.NoError(t, err)

	select {
	case <-rec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine never finished")
	}
	p, f := rec.counts()
	require.Equal(t, 5, p)
	require.Equal(t, 1, f)
	for i, s := range rec.partials {
		v, _ := s.Valid(measure.Download)
		require.Equal(t, float64(i+1)*1e7, v)
	}
	require.Eventually(t, func() bool { return e.Status(h) == engine.Status{Finished: true} }, time.Second, time.Millisecond)
}

func TestPauseStopsCallbacks(t *testing.T) {
	e := New(Script{
		Steps:     []measure.Snapshot{measure.New(measure.Values{measure.Download: 1})},
		StepDelay: time.Hour,
	})
	rec := newRecorder()
	h, err := e.Start(probe.Schedule(), rec)
	require.NoError(t, err)
	require.True(t, e.Status(h).Running)

	e.Pause(h)
	e.Pause(h)
	require.Equal(t, engine.Status{}, e.Status(h))
	p, f := rec.counts()
	require.Zero(t, p)
	require.Zero(t, f)
}

func TestStartErrWrapsUnavailable(t *testing.T) {
	e := New(Script{})
	e.StartErr = errors.New("no network")
	_, err := e.Start(probe.Schedule(), newRecorder())
	require.ErrorIs(t, err, engine.ErrUnavailable)
}

func TestLoadFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	body := "step_delay: 10ms\nsteps:\n  - {downloadBitrate: 10000000.0, latencyMs: 18.5}\n  - {download: 0.0}\nfinal: {downloadBitrate: 20000000.0}\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	s, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, 10*time.Millisecond, s.StepDelay)
	require.Len(t, s.Steps, 2)
	v, ok := s.Steps[0].Valid(measure.Latency)
	require.True(t, ok)
	require.Equal(t, 18.5, v)
	require.NotNil(t, s.Final)
}

func TestLoadFileRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"steps":[],"loop":true}`), 0o644))
	_, err := LoadFile(path)
	require.Error(t, err)
}
