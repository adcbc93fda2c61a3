// Package state implements the crash-resumable persisted state document:
// device identity, geometry, measured performance, round counters, and the
// sector map, serialized as a single JSON document and written atomically.
package state

import (
	"encoding/base64"
	"encoding/json"

	"github.com/natefinch/atomic"
	"github.com/pkg/errors"

	"github.com/mendersoftware/flashburn/internal/device"
	"github.com/mendersoftware/flashburn/internal/identity"
	"github.com/mendersoftware/flashburn/internal/sectormap"
)

// Version is the current format version of the persisted document. Bump
// this whenever a field is added, removed, or reinterpreted.
const Version = 1

// ProgramOptions mirrors the subset of CLI flags that are worth persisting
// across a resume, so a restarted run reports the same configuration it was
// launched with.
type ProgramOptions struct {
	DisableCurses bool
	StatsFile     string
	LogFile       string
	LockFile      string
	StatsInterval int // seconds
}

// Speeds holds the four measured performance figures from internal/perf.
type Speeds struct {
	SequentialReadBytesPerSec  float64
	SequentialWriteBytesPerSec float64
	RandomReadIOPS             float64
	RandomWriteIOPS            float64
}

// State is the in-memory, program-facing form of the persisted document.
// Save/Load translate between this and the wire document.
type State struct {
	DeviceUUID     string
	Geometry       device.Geometry
	BlockSize      uint64
	Speeds         Speeds
	ProgramOptions ProgramOptions

	SectorMap *sectormap.Map
	Identity  identity.Buffers

	RoundsCompleted uint64
	BytesRead       uint64
	BytesWritten    uint64

	// Thresholds are nil until the corresponding crossing has occurred,
	// per spec.md §6's "each optional".
	FirstFailureRound             *uint64
	TenPercentFailureRound        *uint64
	TwentyFivePercentFailureRound *uint64
}

// document is the wire format. Field names follow spec.md §6's persisted
// state document keys.
type document struct {
	Version        int                  `json:"version"`
	DeviceUUID     string               `json:"device_uuid,omitempty"`
	DeviceGeometry documentGeometry     `json:"device_geometry"`
	DeviceInfo     documentDeviceInfo   `json:"device_info"`
	ProgramOptions documentOptions      `json:"program_options"`
	State          documentState        `json:"state"`
}

type documentGeometry struct {
	ReportedSize uint64 `json:"reported_size"`
	DetectedSize uint64 `json:"detected_size"`
	SectorSize   uint32 `json:"sector_size"`
}

type documentDeviceInfo struct {
	BlockSize            uint64  `json:"block_size"`
	SequentialReadSpeed  float64 `json:"sequential_read_speed"`
	SequentialWriteSpeed float64 `json:"sequential_write_speed"`
	RandomReadIOPS       float64 `json:"random_read_iops"`
	RandomWriteIOPS      float64 `json:"random_write_iops"`
}

type documentOptions struct {
	DisableCurses bool   `json:"disable_curses"`
	StatsFile     string `json:"stats_file"`
	LogFile       string `json:"log_file"`
	LockFile      string `json:"lock_file"`
	StatsInterval int    `json:"stats_interval"`
}

type documentState struct {
	SectorMap                string  `json:"sector_map"`
	BeginningOfDeviceData     string  `json:"beginning_of_device_data"`
	MiddleOfDeviceData        string  `json:"middle_of_device_data"`
	RoundsCompleted           uint64  `json:"rounds_completed"`
	BytesRead                 uint64  `json:"bytes_read"`
	BytesWritten              uint64  `json:"bytes_written"`
	FirstFailureRound         *uint64 `json:"first_failure_round,omitempty"`
	TenPercentFailureRound    *uint64 `json:"ten_percent_failure_round,omitempty"`
	TwentyFivePercentFailureRound *uint64 `json:"twenty_five_percent_failure_round,omitempty"`
}

func toDocument(s *State) document {
	return document{
		Version:    Version,
		DeviceUUID: s.DeviceUUID,
		DeviceGeometry: documentGeometry{
			ReportedSize: s.Geometry.ReportedSize,
			DetectedSize: s.Geometry.PhysicalSize,
			SectorSize:   s.Geometry.SectorSize,
		},
		DeviceInfo: documentDeviceInfo{
			BlockSize:            s.BlockSize,
			SequentialReadSpeed:  s.Speeds.SequentialReadBytesPerSec,
			SequentialWriteSpeed: s.Speeds.SequentialWriteBytesPerSec,
			RandomReadIOPS:       s.Speeds.RandomReadIOPS,
			RandomWriteIOPS:      s.Speeds.RandomWriteIOPS,
		},
		ProgramOptions: documentOptions{
			DisableCurses: s.ProgramOptions.DisableCurses,
			StatsFile:     s.ProgramOptions.StatsFile,
			LogFile:       s.ProgramOptions.LogFile,
			LockFile:      s.ProgramOptions.LockFile,
			StatsInterval: s.ProgramOptions.StatsInterval,
		},
		State: documentState{
			SectorMap:                     base64.StdEncoding.EncodeToString(s.SectorMap.Pack()),
			BeginningOfDeviceData:         base64.StdEncoding.EncodeToString(s.Identity.BOD[:]),
			MiddleOfDeviceData:            base64.StdEncoding.EncodeToString(s.Identity.MOD[:]),
			RoundsCompleted:               s.RoundsCompleted,
			BytesRead:                     s.BytesRead,
			BytesWritten:                  s.BytesWritten,
			FirstFailureRound:             s.FirstFailureRound,
			TenPercentFailureRound:        s.TenPercentFailureRound,
			TwentyFivePercentFailureRound: s.TwentyFivePercentFailureRound,
		},
	}
}

// Save serializes s and writes it to path via write-temp-then-rename, per
// spec.md §4.10's write algorithm.
func Save(path string, s *State) error {
	buf, err := json.Marshal(toDocument(s))
	if err != nil {
		return errors.Wrap(err, "state: marshal")
	}
	return atomic.WriteFile(path, bytesReader(buf))
}

// Load reads and validates the document at path, rejecting the whole file
// on any validation failure rather than partially applying it, per spec.md
// §4.10's load algorithm. numLogicalSectors is needed to check the packed
// sector map's expected length.
func Load(path string, numLogicalSectors uint64) (*State, error) {
	raw, err := readFile(path)
	if err != nil {
		return nil, err
	}

	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, errors.Wrap(ErrInvalid, err.Error())
	}

	if err := validate(generic, numLogicalSectors); err != nil {
		return nil, err
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(ErrInvalid, err.Error())
	}

	sectorMapBytes, err := base64.StdEncoding.DecodeString(doc.State.SectorMap)
	if err != nil {
		return nil, errors.Wrap(ErrInvalid, "sector_map: "+err.Error())
	}
	sm, err := sectormap.Unpack(sectorMapBytes, numLogicalSectors)
	if err != nil {
		return nil, errors.Wrap(ErrInvalid, "sector_map: "+err.Error())
	}

	bodBytes, err := base64.StdEncoding.DecodeString(doc.State.BeginningOfDeviceData)
	if err != nil {
		return nil, errors.Wrap(ErrInvalid, "beginning_of_device_data: "+err.Error())
	}
	modBytes, err := base64.StdEncoding.DecodeString(doc.State.MiddleOfDeviceData)
	if err != nil {
		return nil, errors.Wrap(ErrInvalid, "middle_of_device_data: "+err.Error())
	}

	s := &State{
		DeviceUUID: doc.DeviceUUID,
		Geometry: device.Geometry{
			ReportedSize: doc.DeviceGeometry.ReportedSize,
			PhysicalSize: doc.DeviceGeometry.DetectedSize,
			SectorSize:   doc.DeviceGeometry.SectorSize,
		},
		BlockSize: doc.DeviceInfo.BlockSize,
		Speeds: Speeds{
			SequentialReadBytesPerSec:  doc.DeviceInfo.SequentialReadSpeed,
			SequentialWriteBytesPerSec: doc.DeviceInfo.SequentialWriteSpeed,
			RandomReadIOPS:             doc.DeviceInfo.RandomReadIOPS,
			RandomWriteIOPS:            doc.DeviceInfo.RandomWriteIOPS,
		},
		ProgramOptions: ProgramOptions{
			DisableCurses: doc.ProgramOptions.DisableCurses,
			StatsFile:     doc.ProgramOptions.StatsFile,
			LogFile:       doc.ProgramOptions.LogFile,
			LockFile:      doc.ProgramOptions.LockFile,
			StatsInterval: doc.ProgramOptions.StatsInterval,
		},
		SectorMap:                     sm,
		RoundsCompleted:               doc.State.RoundsCompleted,
		BytesRead:                     doc.State.BytesRead,
		BytesWritten:                  doc.State.BytesWritten,
		FirstFailureRound:             doc.State.FirstFailureRound,
		TenPercentFailureRound:        doc.State.TenPercentFailureRound,
		TwentyFivePercentFailureRound: doc.State.TwentyFivePercentFailureRound,
	}
	copy(s.Identity.BOD[:], bodBytes)
	copy(s.Identity.MOD[:], modBytes)

	return s, nil
}
