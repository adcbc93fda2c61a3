// Package orchestrator drives the ten components in the order spec.md §2
// lays out: find/open the device, probe its capacity, optionally probe its
// optimal block size, measure its performance, then run the endurance loop
// until it terminates, checkpointing state at every round boundary. It owns
// the single *flashctx.Context threaded through every phase and renders
// progress through the two external collaborator interfaces defined here,
// mirroring the teacher's app.MenderDaemon.Run driving one controller
// through a fixed sequence of phases.
package orchestrator

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mendersoftware/flashburn/internal/blocksize"
	"github.com/mendersoftware/flashburn/internal/capacity"
	"github.com/mendersoftware/flashburn/internal/device"
	"github.com/mendersoftware/flashburn/internal/endurance"
	"github.com/mendersoftware/flashburn/internal/flashctx"
	"github.com/mendersoftware/flashburn/internal/identity"
	"github.com/mendersoftware/flashburn/internal/lockfile"
	"github.com/mendersoftware/flashburn/internal/perf"
	"github.com/mendersoftware/flashburn/internal/sectormap"
	"github.com/mendersoftware/flashburn/internal/state"
	"github.com/mendersoftware/flashburn/internal/stats"
	"github.com/mendersoftware/flashburn/internal/telemetry"
	"github.com/mendersoftware/flashburn/internal/ui"
)

// defaultStatsInterval is used when Options.StatsInterval is zero or
// negative, matching the --stats-interval flag's own default.
const defaultStatsInterval = 60 * time.Second

// UI is the progress-reporting surface the orchestrator drives. It is
// satisfied by internal/ui.Collaborator's two implementations
// (PlainWriter, BarWriter); declared separately here so this package does
// not need to import internal/ui for anything but the RoundSummary value
// type.
type UI interface {
	ReportProgress(label string, current, total int64)
	ReportRoundSummary(ui.RoundSummary)
}

// PauseSource is the cooperative pause signal spec.md §5 describes: Wait
// blocks while the operator has requested a pause and returns when either
// the pause lifts or ctx is cancelled, in which case it returns ctx.Err().
type PauseSource interface {
	Wait(ctx context.Context) error
}

// NoPause is a PauseSource that never pauses, the default when the caller
// wires no pause control surface at all.
type NoPause struct{}

func (NoPause) Wait(ctx context.Context) error { return nil }

// Config is everything the orchestrator needs to drive one run. Fields
// left zero get a harmless default: UI becomes a no-op, Pause becomes
// NoPause, StatsWriter/TelemetrySink become no-ops.
type Config struct {
	DevicePath string

	// ForceSectors, when non-zero, skips the capacity probe entirely and
	// takes P = ForceSectors*S as given, per spec.md §6's --sectors flag
	// and SPEC_FULL.md's documented Open Question resolution.
	ForceSectors uint64

	ProbeForBlockSize bool
	PerfDuration      time.Duration // zero means perf.DefaultDuration

	StateFile string
	Options   state.ProgramOptions

	// LockFile is the advisory lock path (spec.md §5, §6) bracketing the
	// timing-sensitive capacity/block-size/performance probes. It is held
	// only while those probes run and released before the endurance loop
	// starts, so a second cooperating process isn't blocked for the
	// (unbounded) duration of the endurance writes. Empty disables
	// locking entirely.
	LockFile string

	Lister   device.Lister
	Opener   device.Opener
	Resetter device.Resetter // optional

	UI            UI
	Pause         PauseSource
	StatsWriter   stats.Writer
	TelemetrySink telemetry.Sink

	Log *logrus.Entry
}

// Run drives components 4 through 10 in order: find or resume the device,
// probe capacity, optionally probe block size, measure performance, then
// run the endurance loop to termination. It returns the engine's abort
// reason and any fatal error.
func Run(ctx context.Context, cfg Config) (endurance.AbortReason, error) {
	if cfg.UI == nil {
		cfg.UI = noopUI{}
	}
	if cfg.Pause == nil {
		cfg.Pause = NoPause{}
	}
	if cfg.StatsWriter == nil {
		cfg.StatsWriter = noopStats{}
	}
	if cfg.TelemetrySink == nil {
		cfg.TelemetrySink = telemetry.NopSink{}
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}

	fctx := flashctx.New(log)
	fctx.Options = cfg.Options

	// The device must be opened before a resume attempt: the persisted
	// sector map's length can only be validated against a known sector
	// count (internal/state.Load takes it as a parameter rather than
	// trusting the document), and that count comes from re-probing the
	// device's geometry, never from the state file itself.
	slot, geometry, err := openDevice(cfg)
	if err != nil {
		return 0, errors.Wrap(err, "orchestrator: open device")
	}
	fctx.Slot = slot
	fctx.Geometry = geometry

	fresh := true
	if cfg.StateFile != "" {
		if resumed, rErr := tryResume(cfg, fctx); rErr != nil {
			if !errors.Is(rErr, state.ErrInvalid) {
				return 0, errors.Wrap(rErr, "orchestrator: resume")
			}
			log.WithError(rErr).Warn("state file rejected; starting a fresh run")
		} else if resumed {
			fresh = false
			if cfg.ForceSectors > 0 {
				fctx.Geometry.PhysicalSize = cfg.ForceSectors * uint64(fctx.Geometry.SectorSize)
			}
		}
	}

	if fresh {
		if cfg.ForceSectors > 0 {
			fctx.Geometry.PhysicalSize = cfg.ForceSectors * uint64(fctx.Geometry.SectorSize)
		}
		fctx.SectorMap = sectormap.New(fctx.Geometry.NumLogicalSectors())
		fctx.Identity = &identity.Buffers{}
		fctx.Seed = freshSeed()
		fctx.DeviceUUID = newDeviceUUID()
	}

	fctx.Retrier = &device.Retrier{
		Lister:   cfg.Lister,
		Opener:   cfg.Opener,
		Resetter: cfg.Resetter,
		Params: device.SearchParams{
			ExpectedReportedSize: fctx.Geometry.ReportedSize,
			ExpectedPhysicalSize: fctx.Geometry.PhysicalSize,
			Identity:             fctx.Identity,
			SectorSize:           int(fctx.Geometry.SectorSize),
			PreferredPath:        cfg.DevicePath,
			MustMatchPreferred:   true,
		},
		RoundsCompleted: func() uint64 { return fctx.RoundsCompleted },
		Log:             log,
	}

	if fresh {
		// The advisory lock brackets only this timing-sensitive probe
		// section (spec.md §5's suspension point 2): it is released
		// before the endurance loop starts so a second cooperating
		// process isn't starved for the loop's unbounded duration.
		probe := func() error {
			if err := runCapacityProbe(ctx, cfg, fctx); err != nil {
				return errors.Wrap(err, "orchestrator: capacity probe")
			}
			if cfg.ProbeForBlockSize {
				if err := runBlockSizeProbe(ctx, cfg, fctx); err != nil {
					return errors.Wrap(err, "orchestrator: block size probe")
				}
			} else {
				fctx.BlockSize = uint64(fctx.Geometry.SectorSize) * uint64(maxUint32(fctx.Geometry.MaxSectorsPerRequest, 1))
			}
			if err := runPerfProbe(ctx, cfg, fctx); err != nil {
				return errors.Wrap(err, "orchestrator: performance probe")
			}
			return nil
		}
		if cfg.LockFile != "" {
			if err := lockfile.WithLock(ctx, cfg.LockFile, probe); err != nil {
				return 0, err
			}
		} else if err := probe(); err != nil {
			return 0, err
		}
		if err := saveState(cfg, fctx); err != nil {
			log.WithError(err).Warn("state save failed after probes")
		}
	}

	saver := &stateSaver{cfg: cfg, fctx: fctx}
	engine := &endurance.Engine{
		Geometry:                      fctx.Geometry,
		BlockSize:                     fctx.BlockSize,
		Seed:                          fctx.Seed,
		Retrier:                       fctx.Retrier,
		Slot:                          fctx.Slot,
		SectorMap:                     fctx.SectorMap,
		Identity:                      fctx.Identity,
		Saver:                         saver,
		RoundsCompleted:               fctx.RoundsCompleted,
		BytesRead:                     fctx.BytesRead,
		BytesWritten:                  fctx.BytesWritten,
		FirstFailureRound:             fctx.FirstFailureRound,
		TenPercentFailureRound:        fctx.TenPercentFailureRound,
		TwentyFivePercentFailureRound: fctx.TwentyFivePercentFailureRound,
		Log:                           log,
	}

	return runEnduranceLoop(ctx, cfg, fctx, engine)
}

// runEnduranceLoop drives the round loop one round at a time (rather than
// calling engine.Run, which loops internally) so this package can report
// each round's summary to the UI and telemetry collaborators as it
// completes.
func runEnduranceLoop(ctx context.Context, cfg Config, fctx *flashctx.Context, engine *endurance.Engine) (endurance.AbortReason, error) {
	statsInterval := time.Duration(cfg.Options.StatsInterval) * time.Second
	if statsInterval <= 0 {
		statsInterval = defaultStatsInterval
	}
	var lastStatsWrite time.Time

	for {
		if err := cfg.Pause.Wait(ctx); err != nil {
			return endurance.AbortOperatorRequest, err
		}

		abort, err := engine.RunRound(ctx)

		fctx.RoundsCompleted = engine.RoundsCompleted
		fctx.BytesRead = engine.BytesRead
		fctx.BytesWritten = engine.BytesWritten
		fctx.FirstFailureRound = engine.FirstFailureRound
		fctx.TenPercentFailureRound = engine.TenPercentFailureRound
		fctx.TwentyFivePercentFailureRound = engine.TwentyFivePercentFailureRound

		summary := ui.RoundSummary{
			Round:        fctx.RoundsCompleted,
			BytesWritten: fctx.BytesWritten,
			BytesRead:    fctx.BytesRead,
			BadSectors:   fctx.SectorMap.CountBad(),
		}
		if abort != endurance.AbortNone {
			summary.AbortReason = abort.String()
		}
		cfg.UI.ReportRoundSummary(summary)

		if rErr := cfg.TelemetrySink.Record(ctx, telemetry.RoundSummary{
			Timestamp:    now(),
			DeviceUUID:   fctx.DeviceUUID,
			Round:        fctx.RoundsCompleted,
			BytesWritten: fctx.BytesWritten,
			BytesRead:    fctx.BytesRead,
			BadSectors:   fctx.SectorMap.CountBad(),
			AbortReason:  summary.AbortReason,
		}); rErr != nil {
			fctx.Log.WithError(rErr).Warn("telemetry: failed to record round summary")
		}

		// Drive stats off --stats-interval ticks (spec.md §6: "one row per
		// interval"), not once per round -- a round and an interval tick
		// are unrelated units. The final round always writes a row
		// regardless of elapsed time, so the file's last row reflects the
		// run's actual end state.
		tick := now()
		if abort != endurance.AbortNone || tick.Sub(lastStatsWrite) >= statsInterval {
			if sErr := cfg.StatsWriter.Write(stats.Snapshot{
				Timestamp:       tick,
				RoundsCompleted: fctx.RoundsCompleted,
				BytesWritten:    fctx.BytesWritten,
				BytesRead:       fctx.BytesRead,
				BadSectors:      fctx.SectorMap.CountBad(),
			}); sErr != nil {
				fctx.Log.WithError(sErr).Warn("stats: failed to write snapshot")
			}
			lastStatsWrite = tick
		}

		if abort != endurance.AbortNone {
			return abort, err
		}
	}
}

// stateSaver adapts Config+*flashctx.Context into endurance.Saver, called
// at round boundaries and whenever a write mutates BOD/MOD.
type stateSaver struct {
	cfg  Config
	fctx *flashctx.Context
}

func (s *stateSaver) Save() error {
	return saveState(s.cfg, s.fctx)
}

func saveState(cfg Config, fctx *flashctx.Context) error {
	if cfg.StateFile == "" {
		return nil
	}
	snap := fctx.Snapshot()
	return state.Save(cfg.StateFile, &snap)
}

// tryResume attempts to load a previously-written state document, sized
// against fctx.Geometry (already populated from re-opening the device
// before this is called). A missing state file is not an error -- it just
// means this is a fresh run; any other failure is returned. A document
// that fails validation comes back wrapping state.ErrInvalid, which Run
// treats as if no state file existed; Run aborts on any other error.
func tryResume(cfg Config, fctx *flashctx.Context) (resumed bool, err error) {
	if _, statErr := osStat(cfg.StateFile); statErr != nil {
		return false, nil
	}
	loaded, err := state.Load(cfg.StateFile, fctx.Geometry.NumLogicalSectors())
	if err != nil {
		return false, err
	}
	fctx.LoadState(*loaded)
	return true, nil
}

func openDevice(cfg Config) (*device.Slot, device.Geometry, error) {
	h, err := cfg.Opener.OpenReadWrite(cfg.DevicePath)
	if err != nil {
		return nil, device.Geometry{}, err
	}
	g, err := cfg.Opener.Geometry(h)
	if err != nil {
		return nil, device.Geometry{}, err
	}
	return &device.Slot{Handle: h, Path: cfg.DevicePath}, g, nil
}

func runCapacityProbe(ctx context.Context, cfg Config, fctx *flashctx.Context) error {
	if cfg.ForceSectors > 0 {
		fctx.Log.Info("capacity probe skipped: sector count forced on the command line")
		return nil
	}
	cfg.UI.ReportProgress("capacity probe", 0, 1)
	result, err := capacity.Probe(ctx, fctx.Slot.Handle, fctx.Geometry, fctx.Seed, fctx.Log)
	if err != nil {
		return err
	}
	fctx.Geometry.PhysicalSize = result.PhysicalSize
	cfg.UI.ReportProgress("capacity probe", 1, 1)
	return nil
}

func runBlockSizeProbe(ctx context.Context, cfg Config, fctx *flashctx.Context) error {
	cfg.UI.ReportProgress("block size probe", 0, 1)
	best, _, err := blocksize.Probe(ctx, fctx.Slot.Handle, fctx.Geometry, fctx.Seed, blocksize.SystemClock, fctx.Log)
	if err != nil {
		return err
	}
	fctx.BlockSize = best
	cfg.UI.ReportProgress("block size probe", 1, 1)
	return nil
}

func runPerfProbe(ctx context.Context, cfg Config, fctx *flashctx.Context) error {
	cfg.UI.ReportProgress("performance probe", 0, 1)
	result, err := perf.Probe(ctx, fctx.Slot.Handle, fctx.Geometry, fctx.BlockSize, cfg.PerfDuration, fctx.Seed, perf.SystemClock, fctx.Log)
	if err != nil {
		return err
	}
	fctx.Speeds = state.Speeds{
		SequentialReadBytesPerSec:  result.SequentialReadBytesPerSec,
		SequentialWriteBytesPerSec: result.SequentialWriteBytesPerSec,
		RandomReadIOPS:             result.RandomReadIOPS,
		RandomWriteIOPS:            result.RandomWriteIOPS,
	}
	cfg.UI.ReportProgress("performance probe", 1, 1)
	return nil
}

func freshSeed() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// newDeviceUUID generates an RFC 4122 version-4 UUID. No UUID library
// appears anywhere in the example pack (the reference implementation
// links libuuid directly, a C system library with no Go module
// equivalent in scope here), so this is a small from-scratch generator
// over crypto/rand rather than a fabricated dependency.
func newDeviceUUID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}

func maxUint32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func now() time.Time { return time.Now() }

func osStat(path string) (os.FileInfo, error) { return os.Stat(path) }

type noopUI struct{}

func (noopUI) ReportProgress(string, int64, int64) {}
func (noopUI) ReportRoundSummary(ui.RoundSummary)  {}

type noopStats struct{}

func (noopStats) Write(stats.Snapshot) error { return nil }
func (noopStats) Close() error               { return nil }
