package console

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

func TestReporterPlainOutput(t *testing.T) {
	var buf bytes.Buffer
	r := NewReporter(&buf, false, nil)
	r.Skipped("exp_a")
	r.Planned("exp_b_s-01", "0:20:00", []int{0, 1})
	r.Submitted("exp_c_s-2", "2723147", []int{2})
	r.Failed("exp_d", errors.New("sbatch rejected the job"), "sbatch: error: invalid account\n")
	r.Warnf("walltime %s truncated", "0:32:30")

	out := buf.String()
	for _, want := range []string{
		"skip      exp_a (all seeds complete)",
		"plan      exp_b_s-01 time=0:20:00 seeds=[0 1]",
		"submitted exp_c_s-2 job=2723147 seeds=[2]",
		"failed    exp_d: sbatch rejected the job\n          sbatch: error: invalid account",
		"warning   walltime 0:32:30 truncated",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("plain output contains escape codes: %q", out)
	}
	if got := r.Summary(); got != "1 planned, 1 submitted, 1 skipped, 1 failed" {
		t.Fatalf("Summary = %q", got)
	}
}

func TestLoggerMirrorsReporter(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenLog(dir)
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	var buf bytes.Buffer
	r := NewReporter(&buf, false, l)
	r.Submitted("exp", "42", []int{0})
	r.Infof("done")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "logs", "seedbatch.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %q", lines)
	}
	if !strings.HasPrefix(lines[0], "[") || !strings.HasSuffix(lines[0], "submitted exp job=42 seeds=[0]") {
		t.Fatalf("unexpected log line %q", lines[0])
	}
}

func TestNilLoggerDiscards(t *testing.T) {
	var l *Logger
	l.Printf("ignored %d", 1)
	if l.Path() != "" || l.Close() != nil {
		t.Fatal("nil logger should be inert")
	}
}

func TestColorEnabledRespectsNoColor(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	if ColorEnabled(os.Stderr) {
		t.Fatal("NO_COLOR should disable color")
	}
	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	os.Unsetenv("NO_COLOR")
	if ColorEnabled(f) {
		t.Fatal("regular file is not a terminal")
	}
}

func TestLogFileStaysPlainWithColor(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenLog(dir)
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	var buf bytes.Buffer
	r := NewReporter(&buf, true, l)
	// A bytes.Buffer is not a terminal, so force a color profile.
	re := lipgloss.NewRenderer(&buf, termenv.WithProfile(termenv.TrueColor))
	r.styles.Fail = re.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	r.styles.Dim = re.NewStyle().Foreground(lipgloss.Color("#777777"))

	r.Failed("exp_d", errors.New("sbatch rejected the job"), "sbatch: error: invalid account\nsbatch: error: batch job submission failed")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !strings.Contains(buf.String(), "\x1b[") {
		t.Fatalf("terminal output should be styled: %q", buf.String())
	}
	data, err := os.ReadFile(filepath.Join(dir, "logs", "seedbatch.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	log := string(data)
	if strings.Contains(log, "\x1b[") {
		t.Fatalf("log contains escape codes: %q", log)
	}
	want := "failed exp_d: sbatch rejected the job\n          sbatch: error: invalid account\n          sbatch: error: batch job submission failed"
	if !strings.Contains(log, want) {
		t.Fatalf("log missing %q:\n%s", want, log)
	}
}
