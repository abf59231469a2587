package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.RunStarted()
	r.RunFinished("completed", time.Second)
	r.RunSkipped()
	r.SnapshotIngested()
	r.ValueRejected("downloadBitrate")
	r.CallbackError()
	r.StaleCallback()
	r.MetadataFailure()
	r.SetAverage("latencyMs", 1)
	r.SetScore("latencyMs", 1)
	require.Nil(t, r.Registry())
}

func TestRecorderCounts(t *testing.T) {
	r := NewWithRegistry(prometheus.NewRegistry())
	r.RunStarted()
	r.SnapshotIngested()
	r.SnapshotIngested()
	r.ValueRejected("downloadBitrate")
	r.RunFinished("stopped", 3*time.Second)
	r.SetAverage("downloadBitrate", 5e7)

	require.Equal(t, 1.0, testutil.ToFloat64(r.runsStarted))
	require.Equal(t, 2.0, testutil.ToFloat64(r.snapshots))
	require.Equal(t, 1.0, testutil.ToFloat64(r.rejected.WithLabelValues("downloadBitrate")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.runsFinished.WithLabelValues("stopped")))
	require.Equal(t, 0.0, testutil.ToFloat64(r.running))
	require.Equal(t, 5e7, testutil.ToFloat64(r.averages.WithLabelValues("downloadBitrate")))
}

func TestHandlerServesText(t *testing.T) {
	r := NewWithRegistry(prometheus.NewRegistry())
	r.StaleCallback()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	require.Equal(t, 200, rec.Code)
	require.True(t, strings.Contains(string(body), "netgauge_stale_callbacks_total 1"))
}
