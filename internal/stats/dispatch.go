package stats

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// sinkQueueDepth is how many snapshots may wait for a slow sink before new
// ones are dropped for it.
const sinkQueueDepth = 16

// Sink is a snapshot consumer such as a log file, a metrics exporter or a
// message bus. Publish runs on the sink's own goroutine.
type Sink interface {
	Name() string
	Publish(Snapshot) error
	Close() error
}

// SinkStats reports delivery counters for one sink.
type SinkStats struct {
	Name      string `json:"name"`
	Delivered int64  `json:"delivered"`
	Dropped   int64  `json:"dropped"`
	Failed    int64  `json:"failed"`
}

type sinkWorker struct {
	sink      Sink
	ch        chan Snapshot
	delivered atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
	warn      rate.Sometimes
}

// Dispatcher fans snapshots out to sinks. Each sink has a bounded queue and
// a goroutine of its own, so Publish never blocks and a sink that errors or
// panics only affects itself.
type Dispatcher struct {
	log     *slog.Logger
	workers []*sinkWorker
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// NewDispatcher starts one delivery goroutine per sink. If log is nil,
// slog.Default() is used.
func NewDispatcher(log *slog.Logger, sinks ...Sink) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{log: log.With("component", "stats-dispatcher")}
	for _, s := range sinks {
		if s == nil {
			continue
		}
		w := &sinkWorker{
			sink: s,
			ch:   make(chan Snapshot, sinkQueueDepth),
			warn: rate.Sometimes{First: 1, Interval: 5 * time.Second},
		}
		d.workers = append(d.workers, w)
		d.wg.Add(1)
		go d.run(w)
	}
	return d
}

func (d *Dispatcher) run(w *sinkWorker) {
	defer d.wg.Done()
	for s := range w.ch {
		if err := deliver(w.sink, s); err != nil {
			w.failed.Add(1)
			w.warn.Do(func() {
				d.log.Warn("sink publish failed", "sink", w.sink.Name(), "error", err,
					"failed_total", w.failed.Load())
			})
			continue
		}
		w.delivered.Add(1)
	}
}

func deliver(sink Sink, s Snapshot) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return sink.Publish(s)
}

// Publish queues s for every sink, dropping it for any sink whose queue is
// full. It is a no-op after Close.
func (d *Dispatcher) Publish(s Snapshot) {
	if d.closed.Load() {
		return
	}
	for _, w := range d.workers {
		select {
		case w.ch <- s:
		default:
			w.dropped.Add(1)
			w.warn.Do(func() {
				d.log.Warn("sink queue full, dropping snapshot", "sink", w.sink.Name(),
					"dropped_total", w.dropped.Load())
			})
		}
	}
}

// Close delivers what is already queued, then closes every sink. Close
// errors are logged. Publish must not be called concurrently with Close.
func (d *Dispatcher) Close() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	for _, w := range d.workers {
		close(w.ch)
	}
	d.wg.Wait()
	for _, w := range d.workers {
		if err := w.sink.Close(); err != nil {
			d.log.Warn("sink close failed", "sink", w.sink.Name(), "error", err)
		}
	}
}

// Stats returns per-sink delivery counters.
func (d *Dispatcher) Stats() []SinkStats {
	out := make([]SinkStats, len(d.workers))
	for i, w := range d.workers {
		out[i] = SinkStats{
			Name:      w.sink.Name(),
			Delivered: w.delivered.Load(),
			Dropped:   w.dropped.Load(),
			Failed:    w.failed.Load(),
		}
	}
	return out
}
