// Package console renders planner progress for a terminal and mirrors it to
// the seedbatch log file.
package console

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"seedbatch/internal/experiment"
)

// ColorEnabled reports whether f is a terminal and NO_COLOR is unset.
func ColorEnabled(f *os.File) bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Styles holds the styles used for status tags and table headers.
type Styles struct {
	Skip   lipgloss.Style
	Plan   lipgloss.Style
	Submit lipgloss.Style
	Fail   lipgloss.Style
	Warn   lipgloss.Style
	Dim    lipgloss.Style
	Header lipgloss.Style
}

// NewStyles returns colored styles bound to w, or unstyled ones when color
// is false.
func NewStyles(w io.Writer, color bool) Styles {
	r := lipgloss.NewRenderer(w)
	if !color {
		plain := r.NewStyle()
		return Styles{plain, plain, plain, plain, plain, plain, plain}
	}
	return Styles{
		Skip:   r.NewStyle().Foreground(lipgloss.Color("#AAAAAA")),
		Plan:   r.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true),
		Submit: r.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true),
		Fail:   r.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true),
		Warn:   r.NewStyle().Foreground(lipgloss.Color("#F5A623")),
		Dim:    r.NewStyle().Foreground(lipgloss.Color("#777777")),
		Header: r.NewStyle().Bold(true).Underline(true),
	}
}

// Reporter writes one line per planning event. It is safe for concurrent
// use.
type Reporter struct {
	mu     sync.Mutex
	w      io.Writer
	styles Styles
	log    *Logger
	counts map[string]int
}

// NewReporter writes to w and, when log is non-nil, to the log file.
func NewReporter(w io.Writer, color bool, log *Logger) *Reporter {
	return &Reporter{
		w:      w,
		styles: NewStyles(w, color),
		log:    log,
		counts: make(map[string]int),
	}
}

func (r *Reporter) line(tag string, style lipgloss.Style, msg string) {
	r.styledLine(tag, style, msg, msg)
}

// styledLine writes display to the terminal and the unstyled plain text to
// the log file.
func (r *Reporter) styledLine(tag string, style lipgloss.Style, display, plain string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[tag]++
	fmt.Fprintf(r.w, "%s %s\n", style.Render(fmt.Sprintf("%-9s", tag)), display)
	r.log.Printf("%s %s", tag, plain)
}

// Skipped reports an experiment whose seeds are all complete.
func (r *Reporter) Skipped(name string) {
	r.line("skip", r.styles.Skip, name+" (all seeds complete)")
}

// Planned reports a dry-run submission.
func (r *Reporter) Planned(jobName, walltime string, seeds []int) {
	r.line("plan", r.styles.Plan, fmt.Sprintf("%s time=%s seeds=[%s]", jobName, walltime, experiment.JoinSeeds(seeds)))
}

// Submitted reports an accepted job.
func (r *Reporter) Submitted(jobName, jobID string, seeds []int) {
	r.line("submitted", r.styles.Submit, fmt.Sprintf("%s job=%s seeds=[%s]", jobName, jobID, experiment.JoinSeeds(seeds)))
}

// Failed reports an attempt that did not produce a job, followed by the
// indented scheduler output.
func (r *Reporter) Failed(name string, err error, output string) {
	msg := fmt.Sprintf("%s: %v", name, err)
	display, plain := msg, msg
	if out := strings.TrimSpace(output); out != "" {
		var d, p strings.Builder
		d.WriteString(msg)
		p.WriteString(msg)
		for _, l := range strings.Split(out, "\n") {
			d.WriteString("\n          ")
			d.WriteString(r.styles.Dim.Render(l))
			p.WriteString("\n          ")
			p.WriteString(l)
		}
		display, plain = d.String(), p.String()
	}
	r.styledLine("failed", r.styles.Fail, display, plain)
}

// Warnf reports a non-fatal condition.
func (r *Reporter) Warnf(format string, args ...any) {
	r.line("warning", r.styles.Warn, fmt.Sprintf(format, args...))
}

// Infof writes an untagged informational line.
func (r *Reporter) Infof(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(r.w, msg)
	r.log.Printf("%s", msg)
}

// Summary returns e.g. "2 submitted, 1 skipped, 0 failed".
func (r *Reporter) Summary() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	parts := []string{
		fmt.Sprintf("%d submitted", r.counts["submitted"]),
		fmt.Sprintf("%d skipped", r.counts["skip"]),
		fmt.Sprintf("%d failed", r.counts["failed"]),
	}
	if n := r.counts["plan"]; n > 0 {
		parts = append([]string{fmt.Sprintf("%d planned", n)}, parts...)
	}
	return strings.Join(parts, ", ")
}
