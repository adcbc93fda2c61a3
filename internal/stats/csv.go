package stats

import (
	"encoding/csv"
	"os"
	"strconv"

	"github.com/pkg/errors"
)

var csvHeader = []string{
	"timestamp",
	"rounds_completed",
	"delta_bytes_written",
	"total_bytes_written",
	"write_rate",
	"delta_bytes_read",
	"total_bytes_read",
	"read_rate",
	"delta_bad_sectors",
	"total_bad_sectors",
	"bad_sector_rate",
}

// CSVWriter emits one header row followed by one row per tick, per
// spec.md §6's "CSV stats file" column list.
type CSVWriter struct {
	file     *os.File
	w        *csv.Writer
	counters counters
}

// NewCSVWriter creates (or truncates) path and writes the header row.
func NewCSVWriter(path string) (*CSVWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "stats: create %s", path)
	}
	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "stats: write header")
	}
	w.Flush()
	return &CSVWriter{file: f, w: w}, nil
}

// Write appends one row computed from s and the writer's running counters.
func (c *CSVWriter) Write(s Snapshot) error {
	r := c.counters.tick(s)
	record := []string{
		r.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
		strconv.FormatUint(r.RoundsCompleted, 10),
		strconv.FormatUint(r.DeltaBytesWritten, 10),
		strconv.FormatUint(r.BytesWritten, 10),
		strconv.FormatFloat(r.WriteRate, 'f', 2, 64),
		strconv.FormatUint(r.DeltaBytesRead, 10),
		strconv.FormatUint(r.BytesRead, 10),
		strconv.FormatFloat(r.ReadRate, 'f', 2, 64),
		strconv.FormatUint(r.DeltaBadSectors, 10),
		strconv.FormatUint(r.BadSectors, 10),
		strconv.FormatFloat(r.BadSectorRate, 'f', 2, 64),
	}
	if err := c.w.Write(record); err != nil {
		return errors.Wrap(err, "stats: write row")
	}
	c.w.Flush()
	return c.w.Error()
}

// Close flushes and closes the underlying file.
func (c *CSVWriter) Close() error {
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		c.file.Close()
		return err
	}
	return c.file.Close()
}
