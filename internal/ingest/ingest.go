// Package ingest defines the datagram source contract shared by the UDP and
// SRT transports, the error taxonomy the receive loop acts on, and the
// per-source connection counters exposed through the debug API.
package ingest

import (
	"context"
	"sync/atomic"
	"time"
)

// MaxDatagramSize is the receive buffer size used by the monitor. It holds
// any TS-over-UDP datagram; packet boundaries are never assumed to line up
// with datagram boundaries.
const MaxDatagramSize = 4096

// Kind identifies the transport behind a Source.
type Kind string

// Supported source kinds.
const (
	KindUDP Kind = "udp"
	KindSRT Kind = "srt"
)

// Source owns one transport endpoint for the lifetime of a session.
type Source interface {
	// Receive blocks until a datagram arrives and copies it into buf starting
	// at offset 0, returning its length. It returns ErrClosed once Close has
	// been called, including when Close races with a blocked Receive.
	Receive(ctx context.Context, buf []byte) (int, error)

	// Close releases the endpoint. It is idempotent and safe to call from
	// any goroutine while Receive is blocked.
	Close() error

	// Stats returns the source's connection counters.
	Stats() Stats
}

// Stats captures connection-level metrics for a source, exposed via the
// debug API for monitoring source health.
type Stats struct {
	Kind          Kind   `json:"kind"`
	LocalAddr     string `json:"localAddr"`
	RemoteAddr    string `json:"remoteAddr,omitempty"`
	Group         string `json:"group,omitempty"`
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
}

// Counters accumulates byte and read counts for a source. Sources embed it
// and call RecordRead after each successful read; any goroutine may read it.
type Counters struct {
	startedAt     time.Time
	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// Start marks the moment the source became usable.
func (c *Counters) Start(now time.Time) {
	c.startedAt = now
}

// RecordRead increments the byte and read counters.
func (c *Counters) RecordRead(n int) {
	c.bytesReceived.Add(int64(n))
	c.readCount.Add(1)
}

// SetRemoteAddr stores the address of the most recent sender for diagnostics.
func (c *Counters) SetRemoteAddr(addr string) {
	c.remoteAddr.Store(addr)
}

// Snapshot fills the counter fields of a Stats value.
func (c *Counters) Snapshot(kind Kind, local string) Stats {
	addr, _ := c.remoteAddr.Load().(string)
	s := Stats{
		Kind:          kind,
		LocalAddr:     local,
		RemoteAddr:    addr,
		BytesReceived: c.bytesReceived.Load(),
		ReadCount:     c.readCount.Load(),
	}
	if !c.startedAt.IsZero() {
		s.ConnectedAt = c.startedAt.UnixMilli()
		s.UptimeMs = time.Since(c.startedAt).Milliseconds()
	}
	return s
}
