package sink

import (
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/zsiec/tsmon/internal/stats"
)

type fakePublisher struct {
	subject string
	data    []byte
	err     error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.subject = subject
	f.data = data
	return f.err
}

func TestNATSPublish(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{}
	n := NewNATS(pub, "cam1", "abc")

	ts := time.Date(2024, 3, 9, 14, 30, 0, 0, time.UTC)
	if err := n.Publish(stats.Snapshot{TotalPackets: 7, LostPackets: 2, Timestamp: ts}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if pub.subject != "tsmon.stats.cam1" {
		t.Errorf("subject: got %q", pub.subject)
	}

	var got map[string]any
	if err := json.Unmarshal(pub.data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got["key"] != "cam1" || got["session"] != "abc" {
		t.Errorf("identity fields: got %v", got)
	}
	if got["totalPackets"] != float64(7) || got["lostPackets"] != float64(2) {
		t.Errorf("counts: got %v", got)
	}
}

func TestNATSPublishError(t *testing.T) {
	t.Parallel()
	boom := errors.New("no responders")
	n := NewNATS(&fakePublisher{err: boom}, "cam1", "")
	if err := n.Publish(stats.Snapshot{}); !errors.Is(err, boom) {
		t.Errorf("Publish: got %v, want wrapped %v", err, boom)
	}
	if err := n.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
