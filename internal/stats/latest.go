package stats

import "sync"

// Latest holds the most recently published snapshot for readers on other
// goroutines. Publishing never blocks; readers that want every change wait
// on Changed and then Load, and may observe only the newest of several
// rapid publishes.
type Latest struct {
	mu      sync.Mutex
	snap    Snapshot
	ok      bool
	changed chan struct{}
}

// NewLatest returns an empty holder.
func NewLatest() *Latest {
	return &Latest{changed: make(chan struct{})}
}

// Publish stores s and wakes every waiting reader.
func (l *Latest) Publish(s Snapshot) {
	l.mu.Lock()
	l.snap = s
	l.ok = true
	close(l.changed)
	l.changed = make(chan struct{})
	l.mu.Unlock()
}

// Load returns a copy of the newest snapshot, and false if none has been
// published yet.
func (l *Latest) Load() (Snapshot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snap, l.ok
}

// Changed returns a channel that is closed at the next Publish.
func (l *Latest) Changed() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.changed
}
