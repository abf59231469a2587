// Package measure holds the values an engine reports while a run is in flight.
package measure

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

type Metric int

const (
	Download Metric = iota + 1
	Upload
	Latency
	Jitter
	DownLoadedLatency
	UpLoadedLatency
	PacketLoss
)

// Metrics lists every metric in report order.
var Metrics = []Metric{Download, Upload, Latency, Jitter, DownLoadedLatency, UpLoadedLatency, PacketLoss}

var metricKeys = map[Metric]string{
	Download:          "downloadBitrate",
	Upload:            "uploadBitrate",
	Latency:           "latencyMs",
	Jitter:            "jitterMs",
	DownLoadedLatency: "downloadLoadedLatencyMs",
	UpLoadedLatency:   "uploadLoadedLatencyMs",
	PacketLoss:        "packetLossRatio",
}

// Key is the wire name of the metric inside a snapshot.
func (m Metric) Key() string {
	if k, ok := metricKeys[m]; ok {
		return k
	}
	return fmt.Sprintf("metric(%d)", int(m))
}

func (m Metric) String() string { return m.Key() }

func (m Metric) MarshalText() ([]byte, error) { return []byte(m.Key()), nil }

func (m *Metric) UnmarshalText(b []byte) error {
	v, err := ParseMetric(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseMetric accepts both wire keys and the short names used by the CLI
// and control API ("download", "latency", ...).
func ParseMetric(s string) (Metric, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "download":
		return Download, nil
	case "upload":
		return Upload, nil
	case "latency":
		return Latency, nil
	case "jitter":
		return Jitter, nil
	case "packetloss", "packet_loss", "loss":
		return PacketLoss, nil
	}
	for m, k := range metricKeys {
		if strings.EqualFold(k, s) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown metric %q", s)
}

// Snapshot is one immutable partial-result sample. A metric is either
// present (with whatever number the engine produced) or absent.
type Snapshot struct {
	values map[Metric]float64
}

// Values is the mutable input used to build a Snapshot.
type Values map[Metric]float64

// New copies vals into a new Snapshot.
func New(vals Values) Snapshot {
	if len(vals) == 0 {
		return Snapshot{}
	}
	cp := make(map[Metric]float64, len(vals))
	for k, v := range vals {
		cp[k] = v
	}
	return Snapshot{values: cp}
}

// Get returns the raw value and whether the metric is present.
func (s Snapshot) Get(m Metric) (float64, bool) {
	v, ok := s.values[m]
	return v, ok
}

// Valid returns the value only when it is present, finite and non-negative.
func (s Snapshot) Valid(m Metric) (float64, bool) {
	v, ok := s.values[m]
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, false
	}
	return v, true
}

func (s Snapshot) Len() int { return len(s.values) }

func (s Snapshot) IsZero() bool { return len(s.values) == 0 }

// Map renders the valid values keyed by wire name.
// Invalid values are omitted rather than serialized as NaN.
func (s Snapshot) Map() map[string]any {
	out := make(map[string]any, len(s.values))
	for _, m := range Metrics {
		if v, ok := s.Valid(m); ok {
			out[m.Key()] = v
		}
	}
	return out
}

func (s Snapshot) MarshalJSON() ([]byte, error) { return json.Marshal(s.Map()) }

func (s *Snapshot) UnmarshalJSON(b []byte) error {
	var raw map[string]float64
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	vals := Values{}
	for k, v := range raw {
		m, err := ParseMetric(k)
		if err != nil {
			return err
		}
		vals[m] = v
	}
	*s = New(vals)
	return nil
}
