package ui

import (
	"fmt"
	"io"

	"github.com/mendersoftware/progressbar"
)

// BarWriter is the determinate-progress Collaborator used for the capacity,
// block-size, and performance probes, backed by github.com/mendersoftware/progressbar.
// Each distinct label gets its own bar, created lazily on first report and
// finished when its total is reached.
type BarWriter struct {
	out   io.Writer
	bars  map[string]*progressbar.Bar
	ticks map[string]int64
}

func NewBarWriter(out io.Writer) *BarWriter {
	return &BarWriter{
		out:   out,
		bars:  make(map[string]*progressbar.Bar),
		ticks: make(map[string]int64),
	}
}

func (b *BarWriter) ReportProgress(label string, current, total int64) {
	bar, ok := b.bars[label]
	if !ok {
		fmt.Fprintf(b.out, "%s\n", label)
		bar = progressbar.New(total)
		b.bars[label] = bar
	}

	delta := current - b.ticks[label]
	if delta > 0 {
		bar.Tick(delta)
		b.ticks[label] = current
	}
	if total > 0 && current >= total {
		bar.Finish()
	}
}

func (b *BarWriter) ReportRoundSummary(s RoundSummary) {
	if s.AbortReason != "" {
		fmt.Fprintf(b.out, "round %d complete: wrote %d read %d bad %d -- stopped: %s\n",
			s.Round, s.BytesWritten, s.BytesRead, s.BadSectors, s.AbortReason)
		return
	}
	fmt.Fprintf(b.out, "round %d complete: wrote %d read %d bad %d\n",
		s.Round, s.BytesWritten, s.BytesRead, s.BadSectors)
}
