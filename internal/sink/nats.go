package sink

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/zsiec/tsmon/internal/stats"
)

// SubjectPrefix is prepended to the stream key to form the publish subject.
const SubjectPrefix = "tsmon.stats."

// Publisher is the subset of *nats.Conn used by the NATS sink.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// natsMessage is the wire form of a published snapshot.
type natsMessage struct {
	Key     string `json:"key"`
	Session string `json:"session,omitempty"`
	stats.Snapshot
}

// NATS publishes each snapshot as JSON on SubjectPrefix+key.
type NATS struct {
	pub     Publisher
	subject string
	key     string
	session string
}

// NewNATS returns a sink publishing on pub. It does not own pub.
func NewNATS(pub Publisher, key, sessionID string) *NATS {
	return &NATS{
		pub:     pub,
		subject: SubjectPrefix + key,
		key:     key,
		session: sessionID,
	}
}

func (n *NATS) Name() string { return "nats" }

// Subject returns the subject snapshots are published on.
func (n *NATS) Subject() string { return n.subject }

func (n *NATS) Publish(s stats.Snapshot) error {
	data, err := json.Marshal(natsMessage{Key: n.key, Session: n.session, Snapshot: s})
	if err != nil {
		return fmt.Errorf("nats sink: marshal: %w", err)
	}
	if err := n.pub.Publish(n.subject, data); err != nil {
		return fmt.Errorf("nats sink: publish %s: %w", n.subject, err)
	}
	return nil
}

// Close is a no-op; the connection is shared across sessions.
func (n *NATS) Close() error { return nil }

// Connect dials a NATS server for use by every session's sink. The
// connection retries in the background when the server is not yet up.
func Connect(url string, log *slog.Logger) (*nats.Conn, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "nats")
	nc, err := nats.Connect(url,
		nats.Name("tsmon"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	log.Info("nats connection established", "url", url)
	return nc, nil
}
