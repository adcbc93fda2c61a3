// Command flashburn destructively stress-tests a block device: it probes
// capacity (detecting fake flash), optionally probes the optimal write
// block size, measures sequential/random throughput, then writes and
// verifies the device round after round until about half its sectors have
// failed. Run it only against a device you are willing to destroy.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/mendersoftware/flashburn/internal/device"
	"github.com/mendersoftware/flashburn/internal/log"
	"github.com/mendersoftware/flashburn/internal/orchestrator"
	"github.com/mendersoftware/flashburn/internal/state"
	"github.com/mendersoftware/flashburn/internal/stats"
	"github.com/mendersoftware/flashburn/internal/telemetry"
	"github.com/mendersoftware/flashburn/internal/ui"
)

const countdown = 15 * time.Second

func main() {
	app := &cli.App{
		Name:        "flashburn",
		Usage:       "destructive block-device endurance tester",
		Description: appDescription,
		ArgsUsage:   "DEVICE",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "stats-file", Usage: "write CSV stats here, or a ws:// URL to live-push them"},
			&cli.IntFlag{Name: "stats-interval", Value: 60, Usage: "seconds between stats ticks"},
			&cli.StringFlag{Name: "log-file", Usage: "write logs here instead of stderr"},
			&cli.BoolFlag{Name: "probe-for-block-size", Usage: "run the optimal-block-size probe before the endurance loop"},
			&cli.BoolFlag{Name: "no-curses", Usage: "plain dot-per-32-KiB progress output instead of a progress bar"},
			&cli.StringFlag{Name: "lockfile", Value: "mfst.lock", Usage: "advisory lock path, for cooperating with other flashburn processes"},
			&cli.StringFlag{Name: "state-file", Usage: "crash-resumable state document path"},
			&cli.Uint64Flag{Name: "sectors", Usage: "skip the capacity probe and force this many physical sectors"},
			&cli.BoolFlag{Name: "this-will-destroy-my-device", Usage: "skip the 15-second countdown warning"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if coder, ok := err.(cli.ExitCoder); ok {
			os.Exit(coder.ExitCode())
		}
		os.Exit(1)
	}
}

const appDescription = "" +
	"flashburn writes and verifies every sector of DEVICE, round after " +
	"round, until roughly half its sectors have failed. This destroys " +
	"any data on DEVICE. Along the way it measures the device's real " +
	"capacity (detecting \"fake flash\" media that lies about its size) " +
	"and its sequential/random throughput."

func run(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("flashburn: exactly one device path is required", 2)
	}
	devicePath := c.Args().Get(0)

	if err := configureLogging(c.String("log-file")); err != nil {
		return cli.Exit(fmt.Sprintf("flashburn: %v", err), 1)
	}

	if !c.Bool("this-will-destroy-my-device") {
		if err := warnAndCountdown(devicePath); err != nil {
			return cli.Exit(fmt.Sprintf("flashburn: %v", err), 1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cancelOnSignal(cancel)

	statsWriter, err := newStatsWriter(c.String("stats-file"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("flashburn: stats file: %v", err), 1)
	}
	if statsWriter != nil {
		defer statsWriter.Close()
	}

	collaborator := newUI(c.Bool("no-curses"))

	cfg := orchestrator.Config{
		DevicePath:        devicePath,
		ForceSectors:      c.Uint64("sectors"),
		ProbeForBlockSize: c.Bool("probe-for-block-size"),
		StateFile:         c.String("state-file"),
		LockFile:          c.String("lockfile"),
		Options: state.ProgramOptions{
			DisableCurses: c.Bool("no-curses"),
			StatsFile:     c.String("stats-file"),
			LogFile:       c.String("log-file"),
			LockFile:      c.String("lockfile"),
			StatsInterval: c.Int("stats-interval"),
		},
		Lister:        device.SysfsLister{},
		Opener:        device.LinuxOpener{},
		Resetter:      device.USBResetter{},
		UI:            collaborator,
		StatsWriter:   statsWriter,
		TelemetrySink: telemetry.NopSink{},
		Log:           log.WithModule("orchestrator"),
	}

	abort, err := orchestrator.Run(ctx, cfg)
	if err != nil {
		return cli.Exit(fmt.Sprintf("flashburn: %v: %v", abort, err), 1)
	}
	fmt.Printf("flashburn: stopped: %v\n", abort)
	return nil
}

func configureLogging(logFile string) error {
	log.SetLevel(logrus.InfoLevel)
	if logFile == "" {
		return nil
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrap(err, "could not open log file")
	}
	log.SetOutput(f)
	return nil
}

// warnAndCountdown prints the destructive-operation warning and blocks for
// countdown, giving the operator a last chance to Ctrl-C, per spec.md §6's
// --this-will-destroy-my-device flag (this is the behavior it skips).
func warnAndCountdown(devicePath string) error {
	fmt.Fprintf(os.Stderr, "WARNING: this will destroy all data on %s.\n", devicePath)
	fmt.Fprintf(os.Stderr, "Press Ctrl-C now to abort, or wait %s to continue.\n", countdown)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	select {
	case <-sigCh:
		return errors.New("aborted by operator")
	case <-time.After(countdown):
		return nil
	}
}

func cancelOnSignal(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	<-sigCh
	cancel()
}

func newStatsWriter(statsFile string) (stats.Writer, error) {
	if statsFile == "" {
		return nil, nil
	}
	return stats.NewWriter(statsFile)
}

func newUI(noCurses bool) orchestrator.UI {
	if noCurses {
		return ui.NewPlainWriter(os.Stdout)
	}
	return ui.NewBarWriter(os.Stdout)
}
