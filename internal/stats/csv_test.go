package stats_test

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mendersoftware/flashburn/internal/stats"
)

func TestCSVWriterHeaderAndFirstRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.csv")
	w, err := stats.NewCSVWriter(path)
	if err != nil {
		t.Fatalf("NewCSVWriter() error = %v", err)
	}

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := w.Write(stats.Snapshot{Timestamp: t0, RoundsCompleted: 1, BytesWritten: 1024, BytesRead: 512}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2 (header + 1 row)", len(records))
	}
	if records[0][0] != "timestamp" || records[0][1] != "rounds_completed" {
		t.Fatalf("unexpected header: %v", records[0])
	}
	// First tick has no prior counters, so deltas and rates are zero.
	if records[1][2] != "0" || records[1][4] != "0.00" {
		t.Fatalf("unexpected first-row deltas/rate: %v", records[1])
	}
	if records[1][3] != "1024" {
		t.Fatalf("total_bytes_written = %s, want 1024", records[1][3])
	}
}

func TestCSVWriterComputesDeltaAndRate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.csv")
	w, err := stats.NewCSVWriter(path)
	if err != nil {
		t.Fatalf("NewCSVWriter() error = %v", err)
	}

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w.Write(stats.Snapshot{Timestamp: t0, BytesWritten: 0, BytesRead: 0})
	t1 := t0.Add(10 * time.Second)
	if err := w.Write(stats.Snapshot{Timestamp: t1, BytesWritten: 1000, BytesRead: 2000, BadSectors: 3}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	w.Close()

	f, _ := os.Open(path)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	row := records[2]
	if row[2] != "1000" { // delta_bytes_written
		t.Errorf("delta_bytes_written = %s, want 1000", row[2])
	}
	if row[4] != "100.00" { // write_rate = 1000 bytes / 10s
		t.Errorf("write_rate = %s, want 100.00", row[4])
	}
	if row[6] != "2000" { // total_bytes_read
		t.Errorf("total_bytes_read = %s, want 2000", row[6])
	}
	if row[9] != "3" { // total_bad_sectors
		t.Errorf("total_bad_sectors = %s, want 3", row[9])
	}
}
