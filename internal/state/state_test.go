package state_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mendersoftware/flashburn/internal/device"
	"github.com/mendersoftware/flashburn/internal/sectormap"
	"github.com/mendersoftware/flashburn/internal/state"
)

func sampleState(t *testing.T) *state.State {
	t.Helper()
	sm := sectormap.New(2048)
	sm.MarkBad(10)
	sm.MarkBad(2000)

	s := &state.State{
		DeviceUUID: "11111111-2222-3333-4444-555555555555",
		Geometry: device.Geometry{
			ReportedSize: 1 << 20,
			PhysicalSize: 1 << 20,
			SectorSize:   512,
		},
		BlockSize: 4096,
		Speeds: state.Speeds{
			SequentialReadBytesPerSec:  12345.6,
			SequentialWriteBytesPerSec: 9876.5,
			RandomReadIOPS:             100,
			RandomWriteIOPS:            80,
		},
		ProgramOptions: state.ProgramOptions{
			DisableCurses: true,
			StatsFile:     "stats.csv",
			LogFile:       "run.log",
			LockFile:      "mfst.lock",
			StatsInterval: 60,
		},
		SectorMap:       sm,
		RoundsCompleted: 3,
		BytesRead:       1 << 30,
		BytesWritten:    1 << 30,
	}
	firstFailure := uint64(2)
	s.FirstFailureRound = &firstFailure
	for i := range s.Identity.BOD {
		s.Identity.BOD[i] = byte(i)
	}
	for i := range s.Identity.MOD {
		s.Identity.MOD[i] = byte(i + 1)
	}
	return s
}

// TestRoundTrip is spec.md §8 property 5: load(save(s)) == s for geometry,
// counters, thresholds, sector map, BOD, and MOD.
func TestRoundTrip(t *testing.T) {
	orig := sampleState(t)
	path := filepath.Join(t.TempDir(), "state.json")

	if err := state.Save(path, orig); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := state.Load(path, orig.SectorMap.Len())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if loaded.DeviceUUID != orig.DeviceUUID {
		t.Errorf("DeviceUUID = %q, want %q", loaded.DeviceUUID, orig.DeviceUUID)
	}
	if loaded.Geometry != orig.Geometry {
		t.Errorf("Geometry = %+v, want %+v", loaded.Geometry, orig.Geometry)
	}
	if loaded.BlockSize != orig.BlockSize {
		t.Errorf("BlockSize = %d, want %d", loaded.BlockSize, orig.BlockSize)
	}
	if loaded.Speeds != orig.Speeds {
		t.Errorf("Speeds = %+v, want %+v", loaded.Speeds, orig.Speeds)
	}
	if loaded.ProgramOptions != orig.ProgramOptions {
		t.Errorf("ProgramOptions = %+v, want %+v", loaded.ProgramOptions, orig.ProgramOptions)
	}
	if loaded.RoundsCompleted != orig.RoundsCompleted {
		t.Errorf("RoundsCompleted = %d, want %d", loaded.RoundsCompleted, orig.RoundsCompleted)
	}
	if loaded.BytesRead != orig.BytesRead || loaded.BytesWritten != orig.BytesWritten {
		t.Errorf("byte counters mismatch: got (%d,%d), want (%d,%d)",
			loaded.BytesRead, loaded.BytesWritten, orig.BytesRead, orig.BytesWritten)
	}
	if loaded.FirstFailureRound == nil || *loaded.FirstFailureRound != *orig.FirstFailureRound {
		t.Errorf("FirstFailureRound = %v, want %v", loaded.FirstFailureRound, orig.FirstFailureRound)
	}
	if loaded.TenPercentFailureRound != nil {
		t.Errorf("TenPercentFailureRound = %v, want nil", loaded.TenPercentFailureRound)
	}
	if loaded.Identity != orig.Identity {
		t.Errorf("Identity buffers mismatch")
	}
	if loaded.SectorMap.CountBad() != orig.SectorMap.CountBad() {
		t.Fatalf("CountBad = %d, want %d", loaded.SectorMap.CountBad(), orig.SectorMap.CountBad())
	}
	for _, i := range []uint64{10, 2000} {
		if !loaded.SectorMap.IsBad(i) {
			t.Errorf("sector %d should be bad after round-trip", i)
		}
	}
}

// TestLoadRejectsMissingRequiredField is spec.md §8 concrete scenario 5: a
// state file with rounds_completed missing must be wholly rejected, with no
// partial mutation -- Load returns an error and no *State at all.
func TestLoadRejectsMissingRequiredField(t *testing.T) {
	orig := sampleState(t)
	path := filepath.Join(t.TempDir(), "state.json")
	if err := state.Save(path, orig); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	tampered := removeJSONField(t, raw, "rounds_completed")
	if err := os.WriteFile(path, tampered, 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	_, err = state.Load(path, orig.SectorMap.Len())
	if err == nil {
		t.Fatal("Load() expected an error for a document missing rounds_completed")
	}
}

// TestLoadRejectsSectorMapLengthMismatch exercises the Base64 length check
// from spec.md §4.10: a sector map sized for the wrong logical sector count
// must be rejected.
func TestLoadRejectsSectorMapLengthMismatch(t *testing.T) {
	orig := sampleState(t)
	path := filepath.Join(t.TempDir(), "state.json")
	if err := state.Save(path, orig); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if _, err := state.Load(path, orig.SectorMap.Len()*2); err == nil {
		t.Fatal("Load() expected an error when the expected sector count doesn't match the packed map")
	}
}

// removeJSONField does a crude textual removal of a top-level-ish
// `"name": value` pair from a small JSON document, good enough to simulate
// file tampering without pulling in a JSON-patch dependency for a test.
func removeJSONField(t *testing.T, raw []byte, name string) []byte {
	t.Helper()
	s := string(raw)
	key := `"` + name + `":`
	idx := indexOf(s, key)
	if idx < 0 {
		t.Fatalf("field %q not found in document", name)
	}
	end := idx
	depth := 0
	inString := false
	for end < len(s) {
		c := s[end]
		switch {
		case c == '"' && (end == 0 || s[end-1] != '\\'):
			inString = !inString
		case inString:
		case (c == ',' || c == '}') && depth == 0:
			goto done
		case c == '{' || c == '[':
			depth++
		case c == '}' || c == ']':
			depth--
		}
		end++
	}
done:
	if end < len(s) && s[end] == ',' {
		end++
	}
	return []byte(s[:idx] + s[end:])
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
