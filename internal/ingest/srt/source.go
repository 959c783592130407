package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/tsmon/internal/ingest"
)

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// defaultDialTimeout bounds the SRT handshake when Config.DialTimeout is zero.
const defaultDialTimeout = 10 * time.Second

// Config describes the remote SRT listener to pull from.
type Config struct {
	Address     string
	Port        int
	StreamID    string
	DialTimeout time.Duration
}

// Source receives MPEG-TS messages over one SRT connection.
type Source struct {
	ingest.Counters

	log  *slog.Logger
	conn *srtgo.Conn
	addr string

	closed    atomic.Bool
	closeOnce sync.Once
}

var _ ingest.Source = (*Source)(nil)

// Dial connects to the SRT listener described by cfg. The handshake runs
// with a timeout; on timeout or cancellation a late connection is closed in
// the background. Failures are returned as *ingest.BindError. If log is nil,
// slog.Default() is used.
func Dial(ctx context.Context, cfg Config, log *slog.Logger) (*Source, error) {
	if log == nil {
		log = slog.Default()
	}
	addr := net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port))
	if cfg.Address == "" {
		return nil, &ingest.BindError{Addr: addr, Err: errors.New("address is required")}
	}

	scfg := srtgo.DefaultConfig()
	scfg.Latency = srtLatencyNs
	if cfg.StreamID != "" {
		scfg.StreamID = cfg.StreamID
	}

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(addr, scfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	drain := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, &ingest.BindError{Addr: addr, Err: fmt.Errorf("SRT dial failed: %w", res.err)}
		}
		s := &Source{
			log:  log.With("component", "srt-source", "addr", addr),
			conn: res.conn,
			addr: addr,
		}
		s.SetRemoteAddr(res.conn.RemoteAddr().String())
		s.Start(time.Now())
		s.log.Info("connected", "stream_id", scfg.StreamID)
		return s, nil
	case <-timer.C:
		drain()
		return nil, &ingest.BindError{Addr: addr, Err: fmt.Errorf("SRT dial timed out after %s", timeout)}
	case <-ctx.Done():
		drain()
		return nil, &ingest.BindError{Addr: addr, Err: ctx.Err()}
	}
}

// Receive reads the next SRT message into buf. A closed connection, whether
// by Close or by the peer, ends the source.
func (s *Source) Receive(ctx context.Context, buf []byte) (int, error) {
	if s.closed.Load() {
		return 0, ingest.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	n, err := s.conn.Read(buf)
	if err != nil {
		if s.closed.Load() {
			return 0, ingest.ErrClosed
		}
		if errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("srt receive: peer closed connection: %w", err)
		}
		return 0, fmt.Errorf("srt receive: %w", err)
	}
	s.RecordRead(n)
	return n, nil
}

// Close closes the SRT connection. Only the first call does anything.
func (s *Source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.conn.Close()
		stats := s.Stats()
		s.log.Info("closed", "bytes", stats.BytesReceived, "reads", stats.ReadCount,
			"uptime_ms", stats.UptimeMs)
	})
	return err
}

// Stats returns the source's connection counters.
func (s *Source) Stats() ingest.Stats {
	return s.Snapshot(ingest.KindSRT, "")
}

// DefaultStreamID derives the SRT stream ID used when none is configured.
func DefaultStreamID(key string) string {
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "live/")
	if key == "" {
		key = "default"
	}
	return "live/" + key
}
