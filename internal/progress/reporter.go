// Package progress renders live per-slot progress bars for a run.
//
// A Reporter is a scheduler Observer: the monitor loop hands it the brief
// status of every slot on each poll, and it redraws only when a count changed.
package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"

	"github.com/ChuLiYu/trolley/pkg/types"
)

var (
	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("105")). // Purple
			Bold(true)

	countStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")) // Cyan

	doneStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10")) // Green

	elapsedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")) // Grey
)

const defaultBarWidth = 30

// Option configures a Reporter.
type Option func(*Reporter)

// WithWidth sets the bar width in cells.
func WithWidth(width int) Option {
	return func(r *Reporter) { r.bar.Width = width }
}

// WithInPlace redraws the previous block instead of appending a new one. Use
// it only when the writer is a terminal.
func WithInPlace(enabled bool) Option {
	return func(r *Reporter) { r.inPlace = enabled }
}

// Reporter writes progress bars to w.
type Reporter struct {
	w         io.Writer
	startedAt time.Time
	bar       progress.Model
	inPlace   bool

	mu    sync.Mutex
	last  []types.BriefStatus
	lines int
}

// New creates a Reporter measuring elapsed time from startedAt.
func New(w io.Writer, startedAt time.Time, opts ...Option) *Reporter {
	r := &Reporter{
		w:         w,
		startedAt: startedAt,
		bar: progress.New(
			progress.WithDefaultGradient(),
			progress.WithoutPercentage(),
			progress.WithWidth(defaultBarWidth),
		),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Observe redraws when any slot's counts differ from the previous call.
func (r *Reporter) Observe(now time.Time, briefs []types.BriefStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sameBriefs(r.last, briefs) {
		return
	}
	r.last = append(r.last[:0], briefs...)

	out := r.Render(now, briefs)

	if r.inPlace && r.lines > 0 {
		// Cursor up to the first line of the previous block.
		fmt.Fprintf(r.w, "\x1b[%dA", r.lines)
	}
	for _, line := range strings.Split(out, "\n") {
		if r.inPlace {
			io.WriteString(r.w, "\x1b[2K")
		}
		io.WriteString(r.w, line+"\n")
	}
	r.lines = strings.Count(out, "\n") + 1
}

// Render formats one line per slot plus a total line.
func (r *Reporter) Render(now time.Time, briefs []types.BriefStatus) string {
	var total types.BriefStatus
	lines := make([]string, 0, len(briefs)+1)

	for slot, b := range briefs {
		total.Pending += b.Pending
		total.Running += b.Running
		total.Terminated += b.Terminated

		lines = append(lines, r.line(fmt.Sprintf("slot %d", slot), b, ""))
	}

	elapsed := now.Sub(r.startedAt).Truncate(100 * time.Millisecond)
	lines = append(lines, r.line("total", total, elapsedStyle.Render(elapsed.String())))

	return strings.Join(lines, "\n")
}

func (r *Reporter) line(label string, b types.BriefStatus, suffix string) string {
	count := countStyle.Render(fmt.Sprintf("%d/%d", b.Terminated, b.Total()))
	if b.Done() {
		count = doneStyle.Render(fmt.Sprintf("%d/%d", b.Terminated, b.Total()))
	}

	parts := []string{
		labelStyle.Render(fmt.Sprintf("%-7s", label)),
		r.bar.ViewAs(b.Fraction()),
		count,
	}
	if suffix != "" {
		parts = append(parts, suffix)
	}

	return strings.Join(parts, " ")
}

func sameBriefs(a, b []types.BriefStatus) bool {
	if a == nil || len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
