package ui

import (
	"fmt"
	"io"
)

// PlainWriter is the --no-curses Collaborator: one dot per 32 KiB of
// progress, a line break and percentage every 32 dots (1 MiB), adapted from
// utils/progress.go's ProgressWriter accounting (there, driven by bytes
// written to an io.Writer; here, driven explicitly by ReportProgress calls
// so it works for probes that don't stream through an io.Writer at all).
type PlainWriter struct {
	Out io.Writer

	label   string
	lastDot int64
	over    bool
}

func NewPlainWriter(out io.Writer) *PlainWriter {
	return &PlainWriter{Out: out}
}

const (
	bytesPerLine = 1 * 1024 * 1024
	dotsPerLine  = 32
	bytesPerDot  = bytesPerLine / dotsPerLine
)

// ReportProgress prints dots for the span [0, current) not yet dotted, for
// label. A new label resets the dot count and starts a fresh line.
func (p *PlainWriter) ReportProgress(label string, current, total int64) {
	if label != p.label {
		if p.label != "" {
			fmt.Fprintln(p.Out)
		}
		fmt.Fprintf(p.Out, "%s: ", label)
		p.label = label
		p.lastDot = 0
		p.over = false
	}

	if total != 0 && current > total && !p.over {
		fmt.Fprintf(p.Out, "\ngoing over declared size, expected %d, now %d\n", total, current)
		p.over = true
	}

	nowDot := p.lastDot
	thenDot := current / bytesPerDot
	for ; nowDot < thenDot; nowDot++ {
		fmt.Fprint(p.Out, ".")
		if nowDot != 0 && (nowDot+1)%dotsPerLine == 0 {
			nowSize := (nowDot + 1) * bytesPerDot
			if total == 0 || current > total {
				fmt.Fprintf(p.Out, " %d KiB\n", nowSize/1024)
			} else {
				fmt.Fprintf(p.Out, " %3d%% %d KiB\n", 100*nowSize/total, nowSize/1024)
			}
		}
	}
	p.lastDot = thenDot

	if total != 0 && current >= total {
		fmt.Fprintf(p.Out, " 100%%\n")
		p.label = ""
	}
}

// ReportRoundSummary prints one line summarizing the round.
func (p *PlainWriter) ReportRoundSummary(s RoundSummary) {
	if s.AbortReason != "" {
		fmt.Fprintf(p.Out, "round %d: wrote %d read %d bad %d -- stopped: %s\n",
			s.Round, s.BytesWritten, s.BytesRead, s.BadSectors, s.AbortReason)
		return
	}
	fmt.Fprintf(p.Out, "round %d: wrote %d read %d bad %d\n",
		s.Round, s.BytesWritten, s.BytesRead, s.BadSectors)
}
