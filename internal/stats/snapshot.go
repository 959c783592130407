// Package stats turns per-packet loss deltas and per-datagram byte counts
// into time-windowed statistics snapshots, and delivers those snapshots to
// consumers without letting a slow or failing consumer stall the receive
// loop.
package stats

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Snapshot is one published statistics value. It is a plain value: once
// published the producer keeps no reference to it.
type Snapshot struct {
	// TotalPackets counts non-null TS packets examined since the session started.
	TotalPackets int64 `json:"totalPackets"`

	// LostPackets is the cumulative continuity-counter loss estimate. It is
	// a lower bound on actual loss.
	LostPackets int64 `json:"lostPackets"`

	LossRatePercent float64   `json:"lossRatePercent"`
	ThroughputMbps  float64   `json:"throughputMbps"`
	Timestamp       time.Time `json:"timestamp"`

	// WindowBytes and WindowMs describe the reporting window the throughput
	// was measured over.
	WindowBytes int64 `json:"windowBytes"`
	WindowMs    int64 `json:"windowMs"`
}

// LossRate returns 100*lost/total, or 0 when total is 0.
func LossRate(total, lost int64) float64 {
	if total <= 0 {
		return 0
	}
	return 100 * float64(lost) / float64(total)
}

// Throughput returns the bit rate in Mbps for bytes received over elapsed,
// or 0 when elapsed is not positive.
func Throughput(bytes int64, elapsed time.Duration) float64 {
	sec := elapsed.Seconds()
	if sec <= 0 {
		return 0
	}
	return float64(bytes*8) / (sec * 1_000_000)
}

// RecordHeader names the columns of a log record, in order.
const RecordHeader = "Timestamp,TotalPackets,LostPackets,LossRate(%),Throughput(Mbps)"

// RecordTimeLayout is the millisecond-precision timestamp format of a log record.
const RecordTimeLayout = "2006-01-02 15:04:05.000"

// RecordFields returns the log record columns for s.
func RecordFields(s Snapshot) []string {
	return []string{
		s.Timestamp.Format(RecordTimeLayout),
		strconv.FormatInt(s.TotalPackets, 10),
		strconv.FormatInt(s.LostPackets, 10),
		fmt.Sprintf("%.4f", s.LossRatePercent),
		fmt.Sprintf("%.2f", s.ThroughputMbps),
	}
}

// FormatRecord renders s as one comma-separated log line without a newline.
func FormatRecord(s Snapshot) string {
	return strings.Join(RecordFields(s), ",")
}
