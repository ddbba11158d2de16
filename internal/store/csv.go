// Package store persists poll samples and window means as daily CSV files.
package store

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// File kinds.
const (
	Samples = "samples"
	Means   = "means"
)

// Row is one line of a data file.
type Row struct {
	Time    time.Time
	Columns []string
	Values  []float64
}

// CSV writes rows to <dir>/<station>_<kind>_YYYYMMDD.csv. A header line is
// written when a file is created.
type CSV struct {
	mu      sync.Mutex
	dir     string
	station string
}

// NewCSV creates dir if needed.
func NewCSV(dir, station string) (*CSV, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &CSV{dir: dir, station: station}, nil
}

// Path returns the file a row of kind at t goes to.
func (c *CSV) Path(kind string, t time.Time) string {
	name := fmt.Sprintf("%s_%s_%s.csv", c.station, kind, t.Format("20060102"))
	return filepath.Join(c.dir, name)
}

// WriteSamples appends a poll row.
func (c *CSV) WriteSamples(r Row) error {
	return c.write(Samples, r)
}

// WriteMeans appends a mean row.
func (c *CSV) WriteMeans(r Row) error {
	return c.write(Means, r)
}

func (c *CSV) write(kind string, r Row) error {
	if len(r.Columns) != len(r.Values) {
		return fmt.Errorf("%s row: %d columns for %d values", kind, len(r.Columns), len(r.Values))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.Path(kind, r.Time)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(append([]string{"time"}, r.Columns...)); err != nil {
			return fmt.Errorf("write header %s: %w", path, err)
		}
	}
	rec := make([]string, 0, len(r.Values)+1)
	rec = append(rec, r.Time.Format(time.RFC3339))
	for _, v := range r.Values {
		rec = append(rec, FormatValue(v))
	}
	if err := w.Write(rec); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush %s: %w", path, err)
	}
	return f.Close()
}

// FormatValue renders v for a data file. NaN is an empty field.
func FormatValue(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
