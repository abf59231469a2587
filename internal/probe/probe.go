// Package probe defines the fixed measurement schedule handed to an engine.
package probe

import (
	"fmt"
	"time"
)

type Kind int

const (
	Latency Kind = iota + 1
	Download
	Upload
	PacketLoss
)

func (k Kind) String() string {
	switch k {
	case Latency:
		return "latency"
	case Download:
		return "download"
	case Upload:
		return "upload"
	case PacketLoss:
		return "packetLoss"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Descriptor is one entry of the measurement schedule.
//
// Transfer probes (Download, Upload) use PayloadBytes and Repetitions.
// Latency and PacketLoss probes use Packets; PacketLoss also waits
// ResponseWait for late replies.
type Descriptor struct {
	Kind              Kind          `json:"kind"`
	PayloadBytes      int64         `json:"payloadBytes,omitempty"`
	Repetitions       int           `json:"repetitions,omitempty"`
	Packets           int           `json:"packets,omitempty"`
	ResponseWait      time.Duration `json:"responseWait,omitempty"`
	BypassMinDuration bool          `json:"bypassMinDuration,omitempty"`
}

func (d Descriptor) String() string {
	switch d.Kind {
	case Latency:
		return fmt.Sprintf("latency(%d packets)", d.Packets)
	case PacketLoss:
		return fmt.Sprintf("packetLoss(%d packets, wait %s)", d.Packets, d.ResponseWait)
	default:
		s := fmt.Sprintf("%s(%d bytes x%d)", d.Kind, d.PayloadBytes, d.Repetitions)
		if d.BypassMinDuration {
			s += " bypass-min-duration"
		}
		return s
	}
}

func latency(packets int) Descriptor { return Descriptor{Kind: Latency, Packets: packets} }

func download(bytes int64, count int) Descriptor {
	return Descriptor{Kind: Download, PayloadBytes: bytes, Repetitions: count}
}

func upload(bytes int64, count int) Descriptor {
	return Descriptor{Kind: Upload, PayloadBytes: bytes, Repetitions: count}
}

var schedule = []Descriptor{
	latency(1),
	{Kind: Download, PayloadBytes: 1e5, Repetitions: 1, BypassMinDuration: true},
	latency(20),
	download(1e5, 9),
	download(1e6, 8),
	upload(1e5, 8),
	{Kind: PacketLoss, Packets: 1000, ResponseWait: 3000 * time.Millisecond},
	upload(1e6, 6),
	download(1e7, 6),
	upload(1e7, 4),
	download(2.5e7, 4),
	upload(2.5e7, 4),
	download(1e8, 3),
	upload(5e7, 3),
	download(2.5e8, 2),
}

// Schedule returns a copy of the fixed measurement schedule.
// Callers may not alter the schedule an engine runs; the copy only
// protects the package value.
func Schedule() []Descriptor {
	out := make([]Descriptor, len(schedule))
	copy(out, schedule)
	return out
}
