package report

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"netgauge/internal/aggregate"
	"netgauge/internal/measure"
)

func TestAssemblePrefersFinalSnapshot(t *testing.T) {
	snaps := []measure.Snapshot{
		measure.New(measure.Values{measure.Download: 1e7, measure.Latency: 12}),
		measure.New(measure.Values{measure.Download: 2e7, measure.Upload: 5e6}),
	}
	final := measure.New(measure.Values{measure.Download: 3e7, measure.Latency: math.NaN()})
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rep, err := Assemble(Input{
		RunID:          "r1",
		Outcome:        OutcomeCompleted,
		Snapshots:      append(snaps, final),
		Final:          &final,
		Averages:       aggregate.Averages{Download: 2e7, Latency: 12},
		Metadata:       map[string]any{"colo": "AMS"},
		ClientIdentity: "netgauge/test",
		CapturedAt:     at,
	})
	require.NoError(t, err)

	require.Equal(t, 3e7, *rep.Download)
	require.Equal(t, 5e6, *rep.Upload)
	// NaN on the final snapshot falls back to the last valid reading.
	require.Equal(t, 12.0, *rep.Latency)
	require.Nil(t, rep.Jitter)
	require.Equal(t, 3, rep.SnapshotCount)
	require.Equal(t, int64(1772366400), rep.CapturedAtEpoch)
	require.Equal(t, "2026-03-01T12:00:00.000Z", rep.CapturedAtIso)
	require.Equal(t, "AMS", rep.Metadata["colo"])

	v, ok := rep.Score(measure.Upload)
	require.True(t, ok)
	require.Equal(t, 5e6, v)
	_, ok = rep.Score(measure.PacketLoss)
	require.False(t, ok)
}

func TestAssembleCopiesMetadata(t *testing.T) {
	meta := map[string]any{"asn": 1}
	rep, err := Assemble(Input{Outcome: OutcomeStopped, Metadata: meta})
	require.NoError(t, err)
	meta["asn"] = 2
	require.Equal(t, 1, rep.Metadata["asn"])
}

func TestAssembleEmptyRun(t *testing.T) {
	rep, err := Assemble(Input{RunID: "r2", Outcome: OutcomeStopped})
	require.NoError(t, err)
	require.NotNil(t, rep.Metadata)
	require.Zero(t, rep.AverageDownload)

	b, err := json.Marshal(rep)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	for _, k := range []string{
		"download", "upload", "latency", "jitter", "downLoadedLatencyMs", "upLoadedLatencyMs",
		"packetLoss", "averageDownload", "averageLatency", "metadata", "clientIdentity",
		"capturedAtEpoch", "capturedAtIso", "outcome", "runId", "snapshotCount",
	} {
		require.Contains(t, m, k)
	}
	require.Nil(t, m["download"])
	require.Equal(t, "stopped", m["outcome"])
}

func TestAssembleNonFiniteAverages(t *testing.T) {
	rep, err := Assemble(Input{Averages: aggregate.Averages{Download: math.Inf(1), Latency: math.NaN()}})
	require.NoError(t, err)
	require.Zero(t, rep.AverageDownload)
	require.Zero(t, rep.AverageLatency)
}

func TestCapturedAtEpochIsWholeSeconds(t *testing.T) {
	rep, err := Assemble(Input{RunID: "r1", Outcome: OutcomeStopped, CapturedAt: time.Unix(1_700_000_000, 999_000_000)})
	require.NoError(t, err)
	require.Equal(t, int64(1_700_000_000), rep.CapturedAtEpoch)
	require.Equal(t, "2023-11-14T22:13:20.999Z", rep.CapturedAtIso)
}
