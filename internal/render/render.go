// Package render prints live progress and final reports to a terminal.
package render

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/rodaine/table"

	"netgauge/internal/controller"
	"netgauge/internal/measure"
	"netgauge/internal/probe"
	"netgauge/internal/report"
)

// Gauge is the meter shown for the selected metric.
type Gauge struct {
	Title string
	Unit  string
	Value float64
	Max   float64
}

// GaugeFor converts a running average into display units and picks a
// meter range that grows in steps with the value.
func GaugeFor(m measure.Metric, avg float64) Gauge {
	if math.IsNaN(avg) || math.IsInf(avg, 0) || avg < 0 {
		avg = 0
	}
	switch m {
	case measure.Latency:
		return Gauge{Title: "Latency", Unit: "ms", Value: avg, Max: latencyMax(avg)}
	default:
		mbps := avg / 1e6
		return Gauge{Title: "Download", Unit: "Mbps", Value: mbps, Max: downloadMax(mbps)}
	}
}

func downloadMax(mbps float64) float64 {
	switch {
	case mbps < 50:
		return 50
	case mbps < 100:
		return 100
	case mbps < 250:
		return 250
	case mbps < 500:
		return 500
	case mbps < 1000:
		return 1000
	default:
		return math.Ceil(mbps/1000) * 1000
	}
}

func latencyMax(ms float64) float64 {
	switch {
	case ms < 50:
		return 50
	case ms < 100:
		return 100
	case ms < 200:
		return 200
	case ms < 500:
		return 500
	default:
		return math.Ceil(ms/100) * 100
	}
}

// Bar draws the gauge as a fixed-width bar.
func (g Gauge) Bar(width int) string {
	if width <= 0 {
		width = 20
	}
	n := 0
	if g.Max > 0 {
		n = int(math.Round(g.Value / g.Max * float64(width)))
	}
	if n > width {
		n = width
	}
	return "[" + strings.Repeat("#", n) + strings.Repeat(".", width-n) + "]"
}

func (g Gauge) String() string {
	return fmt.Sprintf("%s %s %.2f/%.0f %s", g.Title, g.Bar(20), g.Value, g.Max, g.Unit)
}

// LiveLine renders one progress line for a view.
func LiveLine(v controller.View) string {
	g := GaugeFor(v.SelectedMetric, v.Selected)
	var b strings.Builder
	fmt.Fprintf(&b, "%-9s #%-3d %s", v.State, v.SnapshotCount, g)

	// Side stats follow the selected gauge.
	if v.SelectedMetric == measure.Latency {
		fmt.Fprintf(&b, "  jitter %s  up-loaded %s",
			fmtMs(v.CurrentSnapshot[measure.Jitter.Key()]),
			fmtMs(v.CurrentSnapshot[measure.UpLoadedLatency.Key()]))
	} else {
		fmt.Fprintf(&b, "  upload %s  down-loaded %s",
			fmtMbps(v.CurrentSnapshot[measure.Upload.Key()]),
			fmtMs(v.CurrentSnapshot[measure.DownLoadedLatency.Key()]))
	}
	fmt.Fprintf(&b, "  avg dl %.2f Mbps  avg lat %.1f ms",
		v.RunningAverages.Download/1e6, v.RunningAverages.Latency)
	return b.String()
}

func fmtMs(v any) string {
	f, ok := v.(float64)
	if !ok {
		return "N/A"
	}
	return fmt.Sprintf("%.1f ms", f)
}

func fmtMbps(v any) string {
	f, ok := v.(float64)
	if !ok {
		return "N/A"
	}
	return fmt.Sprintf("%.2f Mbps", f/1e6)
}

type scoreRow struct {
	label  string
	metric measure.Metric
	format func(float64) string
}

var scoreRows = []scoreRow{
	{"Download", measure.Download, func(v float64) string { return fmt.Sprintf("%.2f Mbps", v/1e6) }},
	{"Upload", measure.Upload, func(v float64) string { return fmt.Sprintf("%.2f Mbps", v/1e6) }},
	{"Latency", measure.Latency, func(v float64) string { return fmt.Sprintf("%.1f ms", v) }},
	{"Jitter", measure.Jitter, func(v float64) string { return fmt.Sprintf("%.1f ms", v) }},
	{"Loaded latency (down)", measure.DownLoadedLatency, func(v float64) string { return fmt.Sprintf("%.1f ms", v) }},
	{"Loaded latency (up)", measure.UpLoadedLatency, func(v float64) string { return fmt.Sprintf("%.1f ms", v) }},
	{"Packet loss", measure.PacketLoss, func(v float64) string { return fmt.Sprintf("%.2f %%", v*100) }},
}

// Report prints the final report as a table followed by its metadata.
func Report(w io.Writer, rep *report.FinalReport) {
	if rep == nil {
		fmt.Fprintln(w, "no report")
		return
	}
	headerFmt := color.New(color.FgGreen, color.Underline).SprintfFunc()
	columnFmt := color.New(color.FgYellow).SprintfFunc()

	outcome := color.New(color.FgGreen).Sprint(rep.Outcome)
	if rep.Outcome != report.OutcomeCompleted {
		outcome = color.New(color.FgRed).Sprint(rep.Outcome)
	}
	fmt.Fprintf(w, "Run %s: %s (%d snapshots) at %s\n", rep.RunID, outcome, rep.SnapshotCount, rep.CapturedAtIso)

	tbl := table.New("Metric", "Value").WithWriter(w)
	tbl.WithHeaderFormatter(headerFmt).WithFirstColumnFormatter(columnFmt)
	for _, r := range scoreRows {
		val := "N/A"
		if v, ok := rep.Score(r.metric); ok {
			val = r.format(v)
		}
		tbl.AddRow(r.label, val)
	}
	tbl.AddRow("Average download", fmt.Sprintf("%.2f Mbps", rep.AverageDownload/1e6))
	tbl.AddRow("Average latency", fmt.Sprintf("%.1f ms", rep.AverageLatency))
	if rep.ClientIdentity != "" {
		tbl.AddRow("Client", rep.ClientIdentity)
	}
	tbl.Print()

	if len(rep.Metadata) == 0 {
		return
	}
	keys := make([]string, 0, len(rep.Metadata))
	for k := range rep.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	meta := table.New("Metadata", "Value").WithWriter(w)
	meta.WithHeaderFormatter(headerFmt).WithFirstColumnFormatter(columnFmt)
	for _, k := range keys {
		meta.AddRow(k, fmt.Sprint(rep.Metadata[k]))
	}
	fmt.Fprintln(w)
	meta.Print()
}

// Schedule prints the probe schedule, one row per probe.
func Schedule(w io.Writer, probes []probe.Descriptor) {
	headerFmt := color.New(color.FgGreen, color.Underline).SprintfFunc()
	tbl := table.New("#", "Kind", "Payload", "Count", "Notes").WithWriter(w)
	tbl.WithHeaderFormatter(headerFmt)
	for i, d := range probes {
		payload, count, notes := "-", "", ""
		switch d.Kind {
		case probe.Latency:
			count = fmt.Sprintf("%d packets", d.Packets)
		case probe.PacketLoss:
			count = fmt.Sprintf("%d packets", d.Packets)
			notes = "wait " + d.ResponseWait.String()
		default:
			payload = fmt.Sprintf("%d B", d.PayloadBytes)
			count = fmt.Sprintf("x%d", d.Repetitions)
			if d.BypassMinDuration {
				notes = "bypass min duration"
			}
		}
		tbl.AddRow(i+1, d.Kind, payload, count, notes)
	}
	tbl.Print()
}
