package ingest

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by Receive after the source has been closed.
	// During a requested stop it is the normal exit path; otherwise it is
	// fatal to the session.
	ErrClosed = errors.New("ingest: source closed")

	// ErrNoData is returned by Receive when a configured read timeout
	// elapsed without a datagram. The source stays usable.
	ErrNoData = errors.New("ingest: no data received within read timeout")
)

// BindError reports that a source could not acquire its socket or join its
// multicast group. It is fatal to session start and never retried.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("ingest: bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// ReceiveError wraps a failed read that left the source usable.
type ReceiveError struct {
	Err error
}

func (e *ReceiveError) Error() string {
	return fmt.Sprintf("ingest: receive: %v", e.Err)
}

func (e *ReceiveError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err from Receive leaves the source usable, so
// the receive loop should log it and read again.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNoData) {
		return true
	}
	var re *ReceiveError
	return errors.As(err, &re)
}
