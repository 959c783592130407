// Package session manages monitoring sessions: at most one running session
// per key, each owning a transport, a receive loop and its snapshot
// consumers, with an explicit lifecycle that distinguishes a requested stop
// from a receive loop that ended on its own.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/tsmon/internal/ingest"
	"github.com/zsiec/tsmon/internal/pipeline"
	"github.com/zsiec/tsmon/internal/stats"
)

var (
	// ErrAlreadyRunning is returned by Start when the key already has a
	// session that has not reached Stopped.
	ErrAlreadyRunning = errors.New("session: already running")

	// ErrInvalidKey is returned by Start for a key ValidKey rejects.
	ErrInvalidKey = errors.New("session: invalid key")

	// ErrNotFound is returned when no session exists for a key.
	ErrNotFound = errors.New("session: not found")

	// ErrUnexpectedStop wraps the error of a receive loop that ended without
	// a stop request.
	ErrUnexpectedStop = errors.New("session: receive loop ended unexpectedly")
)

// Opener acquires the transport for a session. Errors are returned from
// Start unchanged and leave no session behind.
type Opener func(ctx context.Context) (ingest.Source, error)

// SinkFactory builds the snapshot consumers for a session with the given
// ID and start time.
type SinkFactory func(id string, started time.Time) ([]stats.Sink, error)

// Options describes a session to start.
type Options struct {
	Key  string
	Open Opener

	// Sinks builds the session's snapshot consumers once the transport is
	// open. They receive every snapshot on their own goroutines and are
	// closed when the session stops.
	Sinks SinkFactory

	Interval time.Duration
	Now      func() time.Time

	// OnStarted runs once the session is Running, before its receive loop
	// starts, so it always precedes OnEnded.
	OnStarted func(*Session)

	// OnEnded runs once after the session reaches Stopped, on the session's
	// goroutine.
	OnEnded func(*Session)
}

// Info is the JSON view of a session.
type Info struct {
	ID        string          `json:"id"`
	Key       string          `json:"key"`
	State     string          `json:"state"`
	StartedAt time.Time       `json:"startedAt"`
	Ended     EndReason       `json:"ended,omitempty"`
	Error     string          `json:"error,omitempty"`
	Latest    *stats.Snapshot `json:"latest,omitempty"`
	Source    ingest.Stats    `json:"source"`
}

// Debug is the detailed diagnostic view of a session.
type Debug struct {
	Pipeline pipeline.DebugStats `json:"pipeline"`
	Source   ingest.Stats        `json:"source"`
	Sinks    []stats.SinkStats   `json:"sinks"`
}

// Session is the handle for one monitoring session.
type Session struct {
	ID        string
	Key       string
	StartedAt time.Time

	log   *slog.Logger
	state atomic.Int32

	source     ingest.Source
	pipeline   *pipeline.Pipeline
	latest     *stats.Latest
	dispatcher *stats.Dispatcher

	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}

	// Written once before done is closed.
	err   error
	ended EndReason
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.log.Debug("session state", "from", prev, "to", st)
	}
}

// Stop requests the receive loop to end and waits until the session has
// released its transport. It is idempotent and safe to call from any
// goroutine, including after the session ended on its own.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		if s.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
			s.log.Info("stop requested")
			s.cancel()
		}
	})
	<-s.done
}

// Done is closed once the session has reached Stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns nil while running or after a requested stop, and an error
// wrapping ErrUnexpectedStop after the receive loop ended on its own.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Ended reports why the session stopped, or EndNone while it runs.
func (s *Session) Ended() EndReason {
	select {
	case <-s.done:
		return s.ended
	default:
		return EndNone
	}
}

// Latest returns the newest snapshot, if any was published.
func (s *Session) Latest() (stats.Snapshot, bool) {
	return s.latest.Load()
}

// Changed returns a channel closed at the next published snapshot.
func (s *Session) Changed() <-chan struct{} {
	return s.latest.Changed()
}

// Info returns the JSON view of the session.
func (s *Session) Info() Info {
	info := Info{
		ID:        s.ID,
		Key:       s.Key,
		State:     s.State().String(),
		StartedAt: s.StartedAt,
		Ended:     s.Ended(),
		Source:    s.source.Stats(),
	}
	if err := s.Err(); err != nil {
		info.Error = err.Error()
	}
	if snap, ok := s.latest.Load(); ok {
		info.Latest = &snap
	}
	return info
}

// Debug returns loop, transport and sink counters.
func (s *Session) Debug() Debug {
	return Debug{
		Pipeline: s.pipeline.Debug(),
		Source:   s.source.Stats(),
		Sinks:    s.dispatcher.Stats(),
	}
}

func (s *Session) run(ctx context.Context, m *Manager, onEnded func(*Session)) {
	err := s.pipeline.Run(ctx, s.source)

	switch {
	case err != nil && s.state.CompareAndSwap(int32(StateRunning), int32(StateFailed)):
		s.err = fmt.Errorf("%w: %w", ErrUnexpectedStop, err)
		s.ended = EndUnexpected
		s.log.Error("session ended unexpectedly", "error", err)
	case err != nil:
		s.ended = EndRequested
		s.log.Warn("receive loop error during stop", "error", err)
	default:
		s.ended = EndRequested
	}

	s.cancel()
	if cerr := s.source.Close(); cerr != nil {
		s.log.Warn("source close failed", "error", cerr)
	}
	s.dispatcher.Close()
	s.setState(StateStopped)
	m.remove(s)
	close(s.done)
	s.log.Info("session stopped", "reason", s.ended)

	if onEnded != nil {
		onEnded(s)
	}
}

func newID() string {
	return uuid.NewString()
}
