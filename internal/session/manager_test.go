package session

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsiec/tsmon/internal/ingest"
	"github.com/zsiec/tsmon/internal/stats"
)

// chanSource delivers datagrams pushed on in; fail makes Receive return err.
type chanSource struct {
	in     chan []byte
	fail   chan error
	closed chan struct{}
	once   sync.Once
	closes atomic.Int32
}

func newChanSource() *chanSource {
	return &chanSource{
		in:     make(chan []byte, 16),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (c *chanSource) Receive(ctx context.Context, buf []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, ingest.ErrClosed
	case err := <-c.fail:
		return 0, err
	case b := <-c.in:
		return copy(buf, b), nil
	}
}

func (c *chanSource) Close() error {
	c.closes.Add(1)
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *chanSource) Stats() ingest.Stats { return ingest.Stats{Kind: "test"} }

func openWith(src ingest.Source) Opener {
	return func(context.Context) (ingest.Source, error) { return src, nil }
}

func packet(pid uint16, cc uint8) []byte {
	pkt := make([]byte, 188)
	pkt[0] = 0x47
	pkt[1] = byte(pid >> 8)
	pkt[2] = byte(pid)
	pkt[3] = 0x10 | cc
	return pkt
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	src := newChanSource()

	s, err := m.Start(context.Background(), Options{Key: "a", Open: openWith(src)})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.State() != StateRunning {
		t.Errorf("State: got %s, want running", s.State())
	}
	if s.ID == "" {
		t.Error("expected a session ID")
	}

	s.Stop()
	if s.State() != StateStopped {
		t.Errorf("State after Stop: got %s, want stopped", s.State())
	}
	if s.Err() != nil {
		t.Errorf("Err after requested stop: %v", s.Err())
	}
	if s.Ended() != EndRequested {
		t.Errorf("Ended: got %q, want %q", s.Ended(), EndRequested)
	}
	if src.closes.Load() == 0 {
		t.Error("source was not closed")
	}
	if _, ok := m.Get("a"); ok {
		t.Error("stopped session still registered")
	}
}

func TestStopIdempotent(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	s, err := m.Start(context.Background(), Options{Key: "a", Open: openWith(newChanSource())})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Stop()
		}()
	}
	wg.Wait()
	s.Stop()

	if s.State() != StateStopped {
		t.Errorf("State: got %s, want stopped", s.State())
	}
}

func TestDuplicateKeyRejected(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	s, err := m.Start(context.Background(), Options{Key: "a", Open: openWith(newChanSource())})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	_, err = m.Start(context.Background(), Options{Key: "a", Open: openWith(newChanSource())})
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start: got %v, want ErrAlreadyRunning", err)
	}

	other, err := m.Start(context.Background(), Options{Key: "b", Open: openWith(newChanSource())})
	if err != nil {
		t.Fatalf("Start other key: %v", err)
	}
	other.Stop()
}

func TestRestartAfterStop(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	s, err := m.Start(context.Background(), Options{Key: "a", Open: openWith(newChanSource())})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()

	s2, err := m.Start(context.Background(), Options{Key: "a", Open: openWith(newChanSource())})
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if s2.ID == s.ID {
		t.Error("restarted session reused ID")
	}
	s2.Stop()
}

func TestOpenFailure(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	bindErr := &ingest.BindError{Addr: "0.0.0.0:5000", Err: errors.New("address already in use")}

	_, err := m.Start(context.Background(), Options{
		Key:  "a",
		Open: func(context.Context) (ingest.Source, error) { return nil, bindErr },
	})
	var be *ingest.BindError
	if !errors.As(err, &be) {
		t.Fatalf("Start: got %v, want BindError", err)
	}
	if len(m.List()) != 0 {
		t.Error("failed start left a session behind")
	}

	// The key is free again.
	s, err := m.Start(context.Background(), Options{Key: "a", Open: openWith(newChanSource())})
	if err != nil {
		t.Fatalf("Start after failure: %v", err)
	}
	s.Stop()
}

func TestUnexpectedEnd(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	src := newChanSource()

	ended := make(chan *Session, 1)
	s, err := m.Start(context.Background(), Options{
		Key:     "a",
		Open:    openWith(src),
		OnEnded: func(s *Session) { ended <- s },
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	src.fail <- net.ErrClosed
	waitDone(t, s)

	if !errors.Is(s.Err(), ErrUnexpectedStop) {
		t.Errorf("Err: got %v, want ErrUnexpectedStop", s.Err())
	}
	if s.Ended() != EndUnexpected {
		t.Errorf("Ended: got %q, want %q", s.Ended(), EndUnexpected)
	}
	if s.State() != StateStopped {
		t.Errorf("State: got %s, want stopped", s.State())
	}
	select {
	case got := <-ended:
		if got != s {
			t.Error("OnEnded received a different session")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnEnded not called")
	}

	// Stop after an unexpected end is a no-op.
	s.Stop()
	if s.Ended() != EndUnexpected {
		t.Errorf("Ended after Stop: got %q", s.Ended())
	}
}

type captureSink struct {
	mu     sync.Mutex
	snaps  []stats.Snapshot
	closed atomic.Bool
}

func (c *captureSink) Name() string { return "capture" }
func (c *captureSink) Publish(s stats.Snapshot) error {
	c.mu.Lock()
	c.snaps = append(c.snaps, s)
	c.mu.Unlock()
	return nil
}
func (c *captureSink) Close() error { c.closed.Store(true); return nil }

func TestSnapshotsReachLatestAndSinks(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	src := newChanSource()
	sink := &captureSink{}

	s, err := m.Start(context.Background(), Options{
		Key:  "a",
		Open: openWith(src),
		Sinks: func(string, time.Time) ([]stats.Sink, error) {
			return []stats.Sink{sink}, nil
		},
		Interval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	changed := s.Changed()
	for cc := range uint8(3) {
		src.in <- packet(0x100, cc)
		time.Sleep(2 * time.Millisecond)
	}
	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot published")
	}
	if _, ok := s.Latest(); !ok {
		t.Error("Latest: no snapshot")
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.Debug().Pipeline.Packets < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	info := s.Info()
	if info.Key != "a" || info.State != "running" || info.Latest == nil {
		t.Errorf("Info: got %+v", info)
	}

	s.Stop()
	if !sink.closed.Load() {
		t.Error("sink not closed at stop")
	}
	sink.mu.Lock()
	n := len(sink.snaps)
	sink.mu.Unlock()
	if n == 0 {
		t.Error("sink received no snapshots")
	}
	if got := s.Debug().Pipeline.Packets; got != 3 {
		t.Errorf("Debug packets: got %d, want 3", got)
	}
}

func TestListSortedAndStopAll(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	for _, k := range []string{"c", "a", "b"} {
		if _, err := m.Start(context.Background(), Options{Key: k, Open: openWith(newChanSource())}); err != nil {
			t.Fatalf("Start %s: %v", k, err)
		}
	}

	list := m.List()
	if len(list) != 3 || list[0].Key != "a" || list[2].Key != "c" {
		t.Errorf("List: unexpected order")
	}

	m.StopAll()
	if len(m.List()) != 0 {
		t.Errorf("List after StopAll: got %d sessions", len(m.List()))
	}
	if err := m.Stop("a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Stop unknown: got %v, want ErrNotFound", err)
	}
}

func TestSessionOutlivesStartContext(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	ctx, cancel := context.WithCancel(context.Background())
	s, err := m.Start(ctx, Options{Key: "a", Open: openWith(newChanSource())})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()
	time.Sleep(10 * time.Millisecond)
	if s.State() != StateRunning {
		t.Errorf("State after start ctx cancelled: got %s, want running", s.State())
	}
	s.Stop()
}

func TestStateString(t *testing.T) {
	t.Parallel()
	tests := []struct {
		s    State
		want string
	}{
		{StateIdle, "idle"},
		{StateStarting, "starting"},
		{StateRunning, "running"},
		{StateStopping, "stopping"},
		{StateStopped, "stopped"},
		{StateFailed, "failed"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d): got %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestValidKey(t *testing.T) {
	t.Parallel()
	tests := []struct {
		key  string
		want bool
	}{
		{"default", true},
		{"cam-1.main_feed", true},
		{"", false},
		{"-leading", false},
		{"a/b", false},
		{"../etc", false},
		{"has space", false},
		{strings.Repeat("k", 64), true},
		{strings.Repeat("k", 65), false},
	}
	for _, tt := range tests {
		if got := ValidKey(tt.key); got != tt.want {
			t.Errorf("ValidKey(%q): got %v, want %v", tt.key, got, tt.want)
		}
	}
}

func TestStartInvalidKey(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	_, err := m.Start(context.Background(), Options{Key: "a/b", Open: openWith(newChanSource())})
	if !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Start: got %v, want ErrInvalidKey", err)
	}
}

func TestSinkFactoryFailureClosesSource(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	src := newChanSource()
	boom := errors.New("cannot create log file")

	_, err := m.Start(context.Background(), Options{
		Key:   "a",
		Open:  openWith(src),
		Sinks: func(string, time.Time) ([]stats.Sink, error) { return nil, boom },
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Start: got %v, want %v", err, boom)
	}
	if src.closes.Load() == 0 {
		t.Error("source left open after sink failure")
	}
	if _, ok := m.Get("a"); ok {
		t.Error("failed start left a session behind")
	}
}

func TestOnStartedPrecedesOnEnded(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	src := newChanSource()
	// The receive loop fails on its first read.
	src.fail <- net.ErrClosed

	var mu sync.Mutex
	var events []string
	record := func(ev string) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}

	s, err := m.Start(context.Background(), Options{
		Key:       "a",
		Open:      openWith(src),
		OnStarted: func(*Session) { record("started") },
		OnEnded:   func(*Session) { record("ended") },
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, s)

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(events)
		mu.Unlock()
		if n == 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if got := strings.Join(events, ","); got != "started,ended" {
		t.Errorf("events: got %q, want %q", got, "started,ended")
	}
}

func TestOnStartedNotCalledWhenOpenFails(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	var called atomic.Bool
	_, err := m.Start(context.Background(), Options{
		Key: "a",
		Open: func(context.Context) (ingest.Source, error) {
			return nil, &ingest.BindError{Addr: "0.0.0.0:1234", Err: errors.New("in use")}
		},
		OnStarted: func(*Session) { called.Store(true) },
	})
	if err == nil {
		t.Fatal("Start: expected error")
	}
	if called.Load() {
		t.Error("OnStarted called for a session that never ran")
	}
}

// closeErrSource fails its first Close, like a socket whose teardown errors.
type closeErrSource struct {
	*chanSource
	first atomic.Bool
}

func (c *closeErrSource) Close() error {
	_ = c.chanSource.Close()
	if c.first.CompareAndSwap(false, true) {
		return errors.New("close: bad file descriptor")
	}
	return nil
}

type lockedBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func TestStopLogsSourceCloseFailure(t *testing.T) {
	t.Parallel()
	var buf lockedBuffer
	m := NewManager(slog.New(slog.NewTextHandler(&buf, nil)))
	src := &closeErrSource{chanSource: newChanSource()}

	s, err := m.Start(context.Background(), Options{Key: "a", Open: openWith(src)})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(buf.String(), "source close failed") {
		if time.Now().After(deadline) {
			t.Fatalf("close failure not logged; log:\n%s", buf.String())
		}
		time.Sleep(time.Millisecond)
	}
	if !strings.Contains(buf.String(), "bad file descriptor") {
		t.Errorf("log missing close error; log:\n%s", buf.String())
	}
}
