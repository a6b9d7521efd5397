package gitmirror

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/acarl005/stripansi"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
)

// ProgressReporter renders go-git's sideband progress lines (counting
// objects, compressing, writing) to a terminal with a mirror label
// prefix, stripping ANSI codes from upstream before recoloring so
// nested escape sequences don't double up.
type ProgressReporter struct {
	out    io.Writer
	mirror string
}

// NewProgressReporter returns a Progress writer labeling lines with
// mirror, the short host/path a user recognizes a server by.
func NewProgressReporter(out io.Writer, mirror string) *ProgressReporter {
	return &ProgressReporter{out: out, mirror: mirror}
}

func (p *ProgressReporter) Write(b []byte) (int, error) {
	n := len(b)
	scanner := bufio.NewScanner(strings.NewReader(string(b)))
	scanner.Split(scanLinesAndCR)
	label := color.New(color.FgCyan).Sprintf("[%s]", p.mirror)
	for scanner.Scan() {
		line := stripansi.Strip(scanner.Text())
		if strings.TrimSpace(line) == "" {
			continue
		}
		fmt.Fprintf(p.out, "%s %s\n", label, line)
	}
	return n, nil
}

// scanLinesAndCR splits on '\n' or '\r', since go-git's sideband
// progress uses carriage returns to overwrite an in-place counter.
func scanLinesAndCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Summary formats a human-readable byte count for transfer display.
func Summary(bytesTransferred int64) string {
	return humanize.Bytes(uint64(bytesTransferred))
}
