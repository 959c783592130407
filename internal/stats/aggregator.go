package stats

import "time"

// DefaultInterval is the minimum time between published snapshots.
const DefaultInterval = 100 * time.Millisecond

// Aggregator accumulates packet and byte counts for one session and
// publishes a Snapshot whenever a Tick finds the current window at least
// one interval old. It is owned by a single goroutine.
type Aggregator struct {
	interval time.Duration
	publish  func(Snapshot)

	total int64
	lost  int64

	windowStart time.Time
	windowBytes int64

	published int64
}

// NewAggregator returns an Aggregator whose first window opens at start.
// publish receives every snapshot; it must not block.
func NewAggregator(interval time.Duration, start time.Time, publish func(Snapshot)) *Aggregator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if publish == nil {
		publish = func(Snapshot) {}
	}
	return &Aggregator{
		interval:    interval,
		publish:     publish,
		windowStart: start,
	}
}

// AddBytes counts a received datagram toward the current window's
// throughput, whether or not any packet was extracted from it.
func (a *Aggregator) AddBytes(n int) {
	a.windowBytes += int64(n)
}

// RecordPacket counts one examined packet and its estimated loss delta.
func (a *Aggregator) RecordPacket(lost int) {
	a.total++
	if lost > 0 {
		a.lost += int64(lost)
	}
}

// Tick publishes a snapshot and opens a new window if the current window
// has lasted at least one interval. It reports whether it published.
func (a *Aggregator) Tick(now time.Time) bool {
	if now.Sub(a.windowStart) < a.interval {
		return false
	}
	a.emit(now)
	return true
}

// Flush publishes the open window regardless of its age, provided any time
// has passed since it opened. It is used once at teardown.
func (a *Aggregator) Flush(now time.Time) bool {
	if now.Sub(a.windowStart) <= 0 {
		return false
	}
	a.emit(now)
	return true
}

func (a *Aggregator) emit(now time.Time) {
	elapsed := now.Sub(a.windowStart)
	s := Snapshot{
		TotalPackets:    a.total,
		LostPackets:     a.lost,
		LossRatePercent: LossRate(a.total, a.lost),
		ThroughputMbps:  Throughput(a.windowBytes, elapsed),
		Timestamp:       now,
		WindowBytes:     a.windowBytes,
		WindowMs:        elapsed.Milliseconds(),
	}
	a.windowBytes = 0
	a.windowStart = now
	a.published++
	a.publish(s)
}

// Totals returns the cumulative packet and loss counts.
func (a *Aggregator) Totals() (total, lost int64) {
	return a.total, a.lost
}

// Published returns how many snapshots have been published.
func (a *Aggregator) Published() int64 {
	return a.published
}
