package main

import (
	"bytes"
	"context"
	"flag"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"seedbatch/internal/config"
	"seedbatch/internal/console"
	"seedbatch/internal/experiment"
	"seedbatch/internal/ledger"
	"seedbatch/internal/planner"
	"seedbatch/internal/scheduler"
	"seedbatch/internal/walltime"
)

type stubSubmitter struct {
	requests []planner.JobRequest
}

func (s *stubSubmitter) Submit(_ context.Context, req planner.JobRequest) (planner.Receipt, error) {
	s.requests = append(s.requests, req)
	return planner.Receipt{JobID: "100", Output: "Submitted batch job 100"}, nil
}

type noResults struct{}

func (noResults) Completed(context.Context, experiment.Identity) (bool, error) { return false, nil }

type anyScript struct{}

func (anyScript) Resolve(_ context.Context, script string) (string, error) {
	return "/jobs/" + script, nil
}

type failures struct {
	planner.Reporter
	names []string
}

func (f *failures) Failed(name string, err error, output string) {
	f.names = append(f.names, name)
	f.Reporter.Failed(name, err, output)
}

func TestRunSweepContinuesPastConfigErrors(t *testing.T) {
	sweep := &config.Sweep{
		Script:     "python_job.sh",
		Models:     []config.Model{{Name: "roberta-sb", Size: "small"}, {Name: "roberta-sl", Size: "large"}},
		Datasets:   []string{"cola"},
		Explainers: []config.Explainer{{Name: "grad"}},
		Masking:    []experiment.Masking{{MaxRatio: 100, Strategy: "half-det"}},
		Splits:     []string{"test"},
	}
	table := walltime.NewTable(map[walltime.Key]time.Duration{
		{Size: "small", Split: "*", Family: "*", Dataset: "*"}: 10 * time.Minute,
	})
	sub := &stubSubmitter{}
	var out bytes.Buffer
	rep := &failures{Reporter: console.NewReporter(&out, false, nil)}
	p := &planner.Planner{
		Submitter: sub,
		Checker:   noResults{},
		Scripts:   anyScript{},
		Reporter:  rep,
		LogDir:    "/logs",
	}

	runSweep(context.Background(), p, rep, sweep.Expand(), []int{0, 1, 2}, table)

	if len(sub.requests) != 1 {
		t.Fatalf("expected 1 submission, got %d", len(sub.requests))
	}
	req := sub.requests[0]
	if req.WalltimeString() != "0:30:00" || req.Script != "/jobs/python_job.sh" {
		t.Fatalf("unexpected request %+v", req)
	}
	if len(rep.names) != 1 || !strings.Contains(rep.names[0], "m-roberta-sl") {
		t.Fatalf("expected the large model to fail, got %v", rep.names)
	}
	if !strings.Contains(out.String(), "no walltime configured") {
		t.Fatalf("missing failure line:\n%s", out.String())
	}
}

func TestRunSweepStopsWhenCancelled(t *testing.T) {
	sub := &stubSubmitter{}
	var out bytes.Buffer
	rep := console.NewReporter(&out, false, nil)
	p := &planner.Planner{Submitter: sub, Checker: noResults{}, Scripts: anyScript{}, Reporter: rep}
	combos := []config.Combination{{Walltime: "0:10:00"}, {Walltime: "0:10:00"}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runSweep(ctx, p, rep, combos, []int{0}, walltime.Table{})
	if len(sub.requests) != 0 {
		t.Fatalf("cancelled sweep submitted %d jobs", len(sub.requests))
	}
	if !strings.Contains(out.String(), "sweep interrupted") {
		t.Fatalf("missing interruption warning:\n%s", out.String())
	}
}

func TestLedgerRecorder(t *testing.T) {
	l, err := ledger.Open(filepath.Join(t.TempDir(), "submissions.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()
	rec := &ledgerRecorder{ledger: l, batchID: "batch-1", remote: "u@login", commit: "abc", branch: "main"}
	ctx := context.Background()

	req := planner.JobRequest{
		Script:   "/jobs/python_job.sh",
		Walltime: 30 * time.Minute,
		JobName:  "faithfulness_d-cola_m-m_s-012_e-grad_r-100_y-half-det_p-test",
		Seeds:    []int{0, 1, 2},
		Args:     []string{"--model", "m"},
	}
	submitted := &planner.Outcome{Experiment: "exp", Status: planner.StatusSubmitted, Pending: req.Seeds, Request: req, JobID: "100", Output: "Submitted batch job 100"}
	rejectedOut := &planner.Outcome{Experiment: "exp", Status: planner.StatusFailed, Pending: req.Seeds, Request: req, Output: "sbatch: error: invalid account"}
	for _, o := range []*planner.Outcome{submitted, rejectedOut} {
		if err := rec.Record(ctx, o); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	entries, err := l.List(ctx, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	rej, sub := entries[0], entries[1]
	if sub.Status != "SUBMITTED" || sub.JobID != "100" || sub.Walltime != "0:30:00" || sub.BatchID != "batch-1" {
		t.Fatalf("unexpected submitted entry %+v", sub)
	}
	if !reflect.DeepEqual(sub.Seeds, []int{0, 1, 2}) || sub.GitCommit != "abc" {
		t.Fatalf("unexpected submitted entry %+v", sub)
	}
	if rej.Status != statusRejected || rej.CompletedAt.IsZero() || rej.Output != "sbatch: error: invalid account" {
		t.Fatalf("unexpected rejected entry %+v", rej)
	}
	active, _ := l.Active(ctx)
	if len(active) != 1 || active[0].JobID != "100" {
		t.Fatalf("only the submitted job should be active: %+v", active)
	}
}

func TestProfileFlagsResolve(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(config.HomeEnv, dir)
	body := `
defaults:
  results_root: /scratch/u/faithfulness
  log_dir: /scratch/u/logs
profiles:
  narval:
    sbatch_args: [--account=def-u]
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(config.RemoteEnv, "u@narval")

	var pf profileFlags
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	pf.register(fs)
	if err := fs.Parse([]string{"--profile", "narval", "--log-dir", "/tmp/logs", "--script-dir", "/a", "--script-dir", "/b"}); err != nil {
		t.Fatal(err)
	}
	p, err := pf.resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.Remote != "u@narval" || p.LogDir != "/tmp/logs" || p.ResultsRoot != "/scratch/u/faithfulness" {
		t.Fatalf("unexpected profile %+v", p)
	}
	if !reflect.DeepEqual(p.ScriptDirs, []string{"/a", "/b"}) || !reflect.DeepEqual(p.SbatchArgs, []string{"--account=def-u"}) {
		t.Fatalf("unexpected lists %+v", p)
	}
	if p.EffectiveTransport() != config.TransportSSH {
		t.Fatalf("transport = %s", p.EffectiveTransport())
	}
}

func TestNewRunner(t *testing.T) {
	r, err := newRunner(config.Profile{})
	if err != nil || r.String() != "local" {
		t.Fatalf("local runner = %v, %v", r, err)
	}
	r, err = newRunner(config.Profile{Remote: "u@login"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := r.(scheduler.SSHRunner); !ok {
		t.Fatalf("expected SSHRunner, got %T", r)
	}
	r, err = newRunner(config.Profile{Remote: "u@login", Transport: "ssh-client"})
	if err != nil {
		t.Fatal(err)
	}
	if r.String() != "u@login:22" {
		t.Fatalf("client runner = %s", r)
	}
	if _, err := newRunner(config.Profile{Transport: "telnet"}); err == nil {
		t.Fatal("expected error for unknown transport")
	}
}

func TestPrintEntries(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	entries := []ledger.Entry{
		{ID: 2, JobID: "2723147", Status: "RUNNING", Seeds: []int{0, 1}, Walltime: "0:20:00", CreatedAt: now.Add(-2 * time.Hour), JobName: "exp_s-01"},
		{ID: 1, Status: "REJECTED", Seeds: []int{3}, Walltime: "0:10:00", JobName: "exp_s-3"},
	}
	var buf bytes.Buffer
	printEntries(&buf, console.NewStyles(&buf, false), entries, now)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "ID") {
		t.Fatalf("unexpected output:\n%s", buf.String())
	}
	if !strings.Contains(lines[1], "2 hours ago") || !strings.Contains(lines[1], "0,1") {
		t.Fatalf("unexpected row %q", lines[1])
	}
	if !strings.Contains(lines[2], " -  ") {
		t.Fatalf("missing job id placeholder in %q", lines[2])
	}
}

func TestPrintEntry(t *testing.T) {
	e := &ledger.Entry{ID: 7, JobName: "exp", Status: "REJECTED", Output: "sbatch: error: a\nsbatch: error: b"}
	var buf bytes.Buffer
	printEntry(&buf, e, time.Now())
	out := buf.String()
	for _, want := range []string{"Submission 7", "Job ID:      (none)", "Remote:      local", "  sbatch: error: b"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestListResultFiles(t *testing.T) {
	root := filepath.Join(t.TempDir(), "results")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a_d-cola_s-0.json", "a_d-imdb_s-0.json", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(root, name), []byte("{}"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	files, err := listResultFiles(context.Background(), scheduler.LocalRunner{}, root)
	if err != nil {
		t.Fatalf("listResultFiles: %v", err)
	}
	sort.Strings(files)
	if !reflect.DeepEqual(files, []string{"a_d-cola_s-0.json", "a_d-imdb_s-0.json"}) {
		t.Fatalf("files = %v", files)
	}
	res, err := compilePatterns([]string{"d-imdb"})
	if err != nil {
		t.Fatal(err)
	}
	if patternMatches(res, root, files[0]) || !patternMatches(res, root, files[1]) {
		t.Fatal("pattern should select only the imdb result")
	}
	if !patternMatches(nil, root, files[0]) {
		t.Fatal("no patterns should match everything")
	}
	if _, err := compilePatterns([]string{"("}); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestRsyncArgs(t *testing.T) {
	got := rsyncArgs("u@login", "/scratch/results/", "/home/u/results")
	want := []string{"-av", "--files-from=-", "u@login:/scratch/results/", "/home/u/results"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("rsyncArgs = %v", got)
	}
	got = rsyncArgs("", "/scratch/results", "/tmp/r")
	if got[2] != "/scratch/results/" {
		t.Fatalf("local source = %q", got[2])
	}
}

func TestSeedsLabel(t *testing.T) {
	if got := seedsLabel([]int{0, 1, 12}); got != "0,1,12" {
		t.Fatalf("seedsLabel = %q", got)
	}
	if got := seedsLabel(nil); got != "" {
		t.Fatalf("seedsLabel(nil) = %q", got)
	}
}

func TestRunSweepInterruptedWhileSbatchRuns(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	bin := t.TempDir()
	slow := "#!/bin/sh\nsleep 5\necho Submitted batch job 1\n"
	if err := os.WriteFile(filepath.Join(bin, "sbatch"), []byte(slow), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))

	l, err := ledger.Open(filepath.Join(t.TempDir(), "submissions.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()
	var out bytes.Buffer
	rep := &failures{Reporter: console.NewReporter(&out, false, nil)}
	p := &planner.Planner{
		Submitter: &scheduler.Slurm{Runner: scheduler.LocalRunner{}},
		Checker:   noResults{},
		Scripts:   anyScript{},
		Reporter:  rep,
		Recorder:  &ledgerRecorder{ledger: l, batchID: "batch-1"},
		LogDir:    "/logs",
	}
	tmpl := experiment.Template{Model: "m", Dataset: "cola", Explainer: "grad", Masking: experiment.Masking{MaxRatio: 100, Strategy: "half-det"}, Split: "test"}
	combos := []config.Combination{
		{Template: tmpl, Script: "job.sh", Walltime: "0:10:00"},
		{Template: tmpl, Script: "job.sh", Walltime: "0:10:00"},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	runSweep(ctx, p, rep, combos, []int{0, 1}, walltime.Table{})
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Fatalf("sweep returned after %s; cancellation should not wait for sbatch", elapsed)
	}

	entries, err := l.List(context.Background(), 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("interrupted submission recorded as %+v", entries)
	}
	if len(rep.names) != 0 {
		t.Fatalf("interruption reported as a failure: %v", rep.names)
	}
	if strings.Count(out.String(), "sweep interrupted") != 1 || !strings.Contains(out.String(), "check squeue") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
}

func TestEmptySeedsReportSkips(t *testing.T) {
	sweep := &config.Sweep{
		Script:     "python_job.sh",
		Models:     []config.Model{{Name: "roberta-sb"}},
		Datasets:   []string{"cola", "imdb"},
		Explainers: []config.Explainer{{Name: "grad"}},
		Masking:    []experiment.Masking{{MaxRatio: 100, Strategy: "half-det"}},
		Splits:     []string{"test"},
	}
	seeds, err := sweepSeeds(sweep, "")
	if err != nil || len(seeds) != 0 {
		t.Fatalf("sweepSeeds = %v, %v", seeds, err)
	}
	if got, _ := sweepSeeds(sweep, "0-2"); !reflect.DeepEqual(got, []int{0, 1, 2}) {
		t.Fatalf("flag override = %v", got)
	}

	sub := &stubSubmitter{}
	var out bytes.Buffer
	rep := console.NewReporter(&out, false, nil)
	p := &planner.Planner{Submitter: sub, Checker: noResults{}, Scripts: anyScript{}, Reporter: rep}
	table := walltime.NewTable(map[walltime.Key]time.Duration{
		{Size: "*", Split: "*", Family: "*", Dataset: "*"}: 10 * time.Minute,
	})
	runSweep(context.Background(), p, rep, sweep.Expand(), seeds, table)
	if len(sub.requests) != 0 {
		t.Fatalf("empty seeds submitted %d jobs", len(sub.requests))
	}
	if got := strings.Count(out.String(), "all seeds complete"); got != 2 {
		t.Fatalf("expected 2 skip notices, got %d:\n%s", got, out.String())
	}
}
