package sink

import (
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zsiec/tsmon/internal/stats"
)

// FileName returns the log file name for a session started at t.
func FileName(t time.Time) string {
	return "udp_stats_" + t.Format("20060102_150405") + ".csv"
}

// CSV appends one record per snapshot to a comma-separated log file. Every
// record is flushed as it is written, so the file is readable while the
// session runs.
type CSV struct {
	log  *slog.Logger
	path string
	f    *os.File
	w    *csv.Writer
}

// maxNameAttempts bounds the numbered variants tried when a log file for the
// same second already exists.
const maxNameAttempts = 100

// OpenCSV creates dir/key/FileName(start) and writes the header line. An
// existing file is never overwritten: when the name is taken, as happens
// when a key is restarted within the same second, a numbered variant
// (udp_stats_..._1.csv) is used instead.
func OpenCSV(dir, key string, start time.Time, log *slog.Logger) (*CSV, error) {
	if log == nil {
		log = slog.Default()
	}
	sessionDir := filepath.Join(dir, key)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return nil, fmt.Errorf("csv sink: %w", err)
	}
	f, path, err := createUnique(sessionDir, FileName(start))
	if err != nil {
		return nil, fmt.Errorf("csv sink: %w", err)
	}

	c := &CSV{
		log:  log.With("component", "csv-sink", "path", path),
		path: path,
		f:    f,
		w:    csv.NewWriter(f),
	}
	if err := c.write(strings.Split(stats.RecordHeader, ",")); err != nil {
		f.Close()
		return nil, err
	}
	c.log.Info("statistics log opened")
	return c, nil
}

func createUnique(dir, name string) (*os.File, string, error) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := range maxNameAttempts {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s_%d%s", base, i, ext)
		}
		path := filepath.Join(dir, candidate)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", err
		}
	}
	return nil, "", fmt.Errorf("no free file name for %s in %s", name, dir)
}

func (c *CSV) Name() string { return "csv" }

// Path returns the log file path.
func (c *CSV) Path() string { return c.path }

// Publish appends and flushes one record.
func (c *CSV) Publish(s stats.Snapshot) error {
	return c.write(stats.RecordFields(s))
}

func (c *CSV) write(record []string) error {
	if err := c.w.Write(record); err != nil {
		return fmt.Errorf("csv sink: %w", err)
	}
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return fmt.Errorf("csv sink: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (c *CSV) Close() error {
	c.w.Flush()
	werr := c.w.Error()
	if err := c.f.Close(); err != nil {
		return fmt.Errorf("csv sink: %w", err)
	}
	if werr != nil {
		return fmt.Errorf("csv sink: %w", werr)
	}
	c.log.Info("statistics log closed")
	return nil
}
