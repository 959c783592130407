package session

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/zsiec/tsmon/internal/pipeline"
	"github.com/zsiec/tsmon/internal/stats"
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidKey reports whether key can name a session. Keys appear in file
// paths, metric labels and message subjects, so they are restricted to
// letters, digits, dot, underscore and dash.
func ValidKey(key string) bool {
	return keyPattern.MatchString(key)
}

// Manager tracks sessions by key and enforces one running session per key.
type Manager struct {
	log      *slog.Logger
	mu       sync.RWMutex
	sessions map[string]*Session
	starting map[string]struct{}
}

// NewManager creates a new session manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log.With("component", "session-manager"),
		sessions: make(map[string]*Session),
		starting: make(map[string]struct{}),
	}
}

// Start opens the transport and launches the receive loop for opts.Key. It
// returns ErrAlreadyRunning if the key has a session that has not stopped,
// and the opener's error if the transport could not be acquired. The
// session outlives ctx; ctx only bounds opening the transport.
func (m *Manager) Start(ctx context.Context, opts Options) (*Session, error) {
	if !ValidKey(opts.Key) {
		return nil, ErrInvalidKey
	}
	if opts.Open == nil {
		return nil, errors.New("session: no transport opener")
	}

	m.mu.Lock()
	_, running := m.sessions[opts.Key]
	_, starting := m.starting[opts.Key]
	if running || starting {
		m.mu.Unlock()
		m.log.Warn("session already exists, rejecting duplicate", "key", opts.Key)
		return nil, ErrAlreadyRunning
	}
	m.starting[opts.Key] = struct{}{}
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		delete(m.starting, opts.Key)
		m.mu.Unlock()
	}

	id := newID()
	log := m.log.With("key", opts.Key, "session", id)
	log.Info("session starting")

	src, err := opts.Open(ctx)
	if err != nil {
		release()
		log.Error("session failed to start", "error", err)
		return nil, err
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	started := now()
	var sinks []stats.Sink
	if opts.Sinks != nil {
		sinks, err = opts.Sinks(id, started)
		if err != nil {
			release()
			if cerr := src.Close(); cerr != nil {
				log.Warn("source close failed", "error", cerr)
			}
			log.Error("session failed to start", "error", err)
			return nil, err
		}
	}

	s := &Session{
		ID:        id,
		Key:       opts.Key,
		StartedAt: started,
		log:       log,
		source:    src,
		latest:    stats.NewLatest(),
		done:      make(chan struct{}),
	}
	s.state.Store(int32(StateStarting))
	s.dispatcher = stats.NewDispatcher(log, sinks...)
	s.pipeline = pipeline.New(opts.Key, pipeline.Config{
		Interval: opts.Interval,
		Now:      now,
		Log:      log,
	}, func(snap stats.Snapshot) {
		s.latest.Publish(snap)
		s.dispatcher.Publish(snap)
	})

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	// Closing the source unblocks a Receive that is waiting on the network.
	context.AfterFunc(runCtx, func() {
		if err := src.Close(); err != nil {
			log.Warn("source close failed", "error", err)
		}
	})

	m.mu.Lock()
	delete(m.starting, opts.Key)
	m.sessions[opts.Key] = s
	m.mu.Unlock()

	s.setState(StateRunning)
	log.Info("session running")
	if opts.OnStarted != nil {
		opts.OnStarted(s)
	}
	go s.run(runCtx, m, opts.OnEnded)
	return s, nil
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	if cur, ok := m.sessions[s.Key]; ok && cur == s {
		delete(m.sessions, s.Key)
	}
	m.mu.Unlock()
}

// Get returns the session for key.
func (m *Manager) Get(key string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	return s, ok
}

// Stop stops the session for key and waits for it to release its transport.
func (m *Manager) Stop(key string) error {
	s, ok := m.Get(key)
	if !ok {
		return ErrNotFound
	}
	s.Stop()
	return nil
}

// List returns all live sessions ordered by key.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Session) int { return cmp.Compare(a.Key, b.Key) })
	return out
}

// StopAll stops every session concurrently and waits for all of them.
func (m *Manager) StopAll() {
	var wg sync.WaitGroup
	for _, s := range m.List() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Stop()
		}()
	}
	wg.Wait()
}
