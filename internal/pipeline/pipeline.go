// Package pipeline runs the receive loop for a single monitoring session,
// feeding each datagram through packet alignment and continuity estimation
// into the statistics aggregator while collecting diagnostics.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/zsiec/tsmon/internal/ingest"
	"github.com/zsiec/tsmon/internal/mpegts"
	"github.com/zsiec/tsmon/internal/stats"
)

// Config tunes a Pipeline. Zero values select defaults.
type Config struct {
	// Interval is the minimum time between published snapshots.
	Interval time.Duration

	// Now is the wall clock. Tests replace it.
	Now func() time.Time

	Log *slog.Logger
}

// DebugStats exposes low-level loop counters for the debug endpoint.
type DebugStats struct {
	Datagrams       int64 `json:"datagrams"`
	Bytes           int64 `json:"bytes"`
	Packets         int64 `json:"packets"`
	NullPackets     int64 `json:"nullPackets"`
	DiscardedBytes  int64 `json:"discardedBytes"`
	CarryBytes      int64 `json:"carryBytes"`
	PIDs            int64 `json:"pids"`
	TransientErrors int64 `json:"transientErrors"`
	Snapshots       int64 `json:"snapshots"`
	UptimeMs        int64 `json:"uptimeMs"`
}

// Pipeline owns the per-session mutable state: the carry-over buffer, the
// per-PID continuity table and the aggregator. Process and Run must be
// called from one goroutine; Debug may be called from any.
type Pipeline struct {
	log       *slog.Logger
	streamKey string
	now       func() time.Time
	startTime time.Time

	sync      mpegts.Synchronizer
	estimator mpegts.ContinuityEstimator
	agg       *stats.Aggregator

	datagrams   atomic.Int64
	bytes       atomic.Int64
	packets     atomic.Int64
	nullPackets atomic.Int64
	discarded   atomic.Int64
	carry       atomic.Int64
	pids        atomic.Int64
	transient   atomic.Int64
	snapshots   atomic.Int64

	warn rate.Sometimes
}

// New creates a Pipeline that hands every snapshot to publish. publish runs
// on the receive goroutine and must not block.
func New(streamKey string, cfg Config, publish func(stats.Snapshot)) *Pipeline {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	p := &Pipeline{
		log:       cfg.Log.With("component", "pipeline", "stream", streamKey),
		streamKey: streamKey,
		now:       cfg.Now,
		warn:      rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
	p.startTime = p.now()
	p.agg = stats.NewAggregator(cfg.Interval, p.startTime, func(s stats.Snapshot) {
		p.snapshots.Add(1)
		if publish != nil {
			publish(s)
		}
	})
	return p
}

// Process accounts one received datagram observed at now. All received
// bytes count toward throughput, including bytes later discarded during
// alignment.
func (p *Pipeline) Process(datagram []byte, now time.Time) {
	p.datagrams.Add(1)
	p.bytes.Add(int64(len(datagram)))
	p.agg.AddBytes(len(datagram))

	for _, pkt := range p.sync.Push(datagram) {
		pid := mpegts.PID(pkt)
		if pid == mpegts.NullPID {
			p.nullPackets.Add(1)
			continue
		}
		p.agg.RecordPacket(p.estimator.Observe(pid, mpegts.ContinuityCounter(pkt)))
		p.packets.Add(1)
	}

	st := p.sync.Stats()
	p.discarded.Store(st.DiscardedBytes)
	p.carry.Store(int64(st.CarryBytes))
	p.pids.Store(int64(p.estimator.PIDs()))

	p.agg.Tick(now)
}

// Run receives from src until ctx is cancelled or src fails. It returns nil
// when the loop ended because ctx was cancelled, and the source's error
// otherwise. A partial reporting window is flushed before returning.
func (p *Pipeline) Run(ctx context.Context, src ingest.Source) error {
	buf := make([]byte, ingest.MaxDatagramSize)
	p.log.Info("receive loop started")
	defer func() {
		p.agg.Flush(p.now())
		total, lost := p.agg.Totals()
		p.log.Info("receive loop stopped", "packets", total, "lost", lost,
			"snapshots", p.snapshots.Load())
	}()

	for {
		n, err := src.Receive(ctx, buf)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case ingest.IsTransient(err):
				p.transient.Add(1)
				p.warn.Do(func() {
					p.log.Warn("transient receive error", "error", err,
						"transient_total", p.transient.Load())
				})
				// Keep publishing zero-throughput windows while the source is silent.
				if errors.Is(err, ingest.ErrNoData) {
					p.agg.Tick(p.now())
				}
				continue
			default:
				return fmt.Errorf("pipeline %s: %w", p.streamKey, err)
			}
		}
		p.Process(buf[:n], p.now())
	}
}

// Debug returns a point-in-time copy of the loop counters.
func (p *Pipeline) Debug() DebugStats {
	return DebugStats{
		Datagrams:       p.datagrams.Load(),
		Bytes:           p.bytes.Load(),
		Packets:         p.packets.Load(),
		NullPackets:     p.nullPackets.Load(),
		DiscardedBytes:  p.discarded.Load(),
		CarryBytes:      p.carry.Load(),
		PIDs:            p.pids.Load(),
		TransientErrors: p.transient.Load(),
		Snapshots:       p.snapshots.Load(),
		UptimeMs:        p.now().Sub(p.startTime).Milliseconds(),
	}
}
