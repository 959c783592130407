package sink

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zsiec/tsmon/internal/stats"
)

func TestFileName(t *testing.T) {
	t.Parallel()
	got := FileName(time.Date(2024, 3, 9, 14, 30, 5, 0, time.Local))
	if want := "udp_stats_20240309_143005.csv"; got != want {
		t.Errorf("FileName: got %q, want %q", got, want)
	}
}

func TestCSVWritesHeaderAndRecords(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	start := time.Date(2024, 3, 9, 14, 30, 0, 0, time.UTC)

	c, err := OpenCSV(dir, "default", start, nil)
	if err != nil {
		t.Fatalf("OpenCSV: %v", err)
	}
	wantPath := filepath.Join(dir, "default", "udp_stats_20240309_143000.csv")
	if c.Path() != wantPath {
		t.Errorf("Path: got %q, want %q", c.Path(), wantPath)
	}

	snaps := []stats.Snapshot{
		{TotalPackets: 5, LostPackets: 1, LossRatePercent: 20, ThroughputMbps: 10,
			Timestamp: start.Add(100 * time.Millisecond)},
		{TotalPackets: 10, LostPackets: 1, LossRatePercent: 10, ThroughputMbps: 9.996,
			Timestamp: start.Add(200 * time.Millisecond)},
	}
	for _, s := range snaps {
		if err := c.Publish(s); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	// Records are flushed per line, so they are visible before Close.
	data, err := os.ReadFile(c.Path())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := strings.Join([]string{
		"Timestamp,TotalPackets,LostPackets,LossRate(%),Throughput(Mbps)",
		"2024-03-09 14:30:00.100,5,1,20.0000,10.00",
		"2024-03-09 14:30:00.200,10,1,10.0000,10.00",
		"",
	}, "\n")
	if string(data) != want {
		t.Errorf("file contents:\ngot  %q\nwant %q", data, want)
	}

	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestOpenCSVBadDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenCSV(file, "k", time.Now(), nil); err == nil {
		t.Error("expected error when dir is a regular file")
	}
}

func TestOpenCSVRestartSameSecondKeepsEarlierLog(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	start := time.Date(2024, 3, 9, 14, 30, 0, 0, time.UTC)
	snap := stats.Snapshot{TotalPackets: 5, LostPackets: 1, LossRatePercent: 20,
		ThroughputMbps: 10, Timestamp: start.Add(100 * time.Millisecond)}

	first, err := OpenCSV(dir, "a", start, nil)
	if err != nil {
		t.Fatalf("OpenCSV first: %v", err)
	}
	for range 3 {
		if err := first.Publish(snap); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	before, err := os.ReadFile(first.Path())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	second, err := OpenCSV(dir, "a", start.Add(500*time.Millisecond), nil)
	if err != nil {
		t.Fatalf("OpenCSV second: %v", err)
	}
	defer second.Close()
	if err := second.Publish(snap); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if second.Path() == first.Path() {
		t.Fatalf("second session reused %q", first.Path())
	}
	if want := filepath.Join(dir, "a", "udp_stats_20240309_143000_1.csv"); second.Path() != want {
		t.Errorf("second Path: got %q, want %q", second.Path(), want)
	}

	after, err := os.ReadFile(first.Path())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(after) != string(before) {
		t.Errorf("first log changed:\ngot  %q\nwant %q", after, before)
	}
	if got := strings.Count(string(after), "\n"); got != 4 {
		t.Errorf("first log lines: got %d, want 4", got)
	}
	data, err := os.ReadFile(second.Path())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got := strings.Count(string(data), "\n"); got != 2 {
		t.Errorf("second log lines: got %d, want 2", got)
	}
}
