package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"seedbatch/internal/console"
	"seedbatch/internal/ledger"
	"seedbatch/internal/scheduler"
)

func openLedger() (*ledger.Ledger, error) {
	path, err := dbPath()
	if err != nil {
		return nil, err
	}
	l, err := ledger.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return l, nil
}

func cmdList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	var (
		limit   int
		noColor bool
	)
	fs.IntVar(&limit, "limit", 50, "Show at most N submissions (0 for all)")
	fs.BoolVar(&noColor, "no-color", false, "Disable colored output")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: seedbatch list [--limit N]\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	l, err := openLedger()
	if err != nil {
		return err
	}
	defer l.Close()

	entries, err := l.List(context.Background(), limit)
	if err != nil {
		return err
	}
	styles := console.NewStyles(os.Stdout, !noColor && console.ColorEnabled(os.Stdout))
	printEntries(os.Stdout, styles, entries, time.Now())
	return nil
}

func printEntries(w io.Writer, styles console.Styles, entries []ledger.Entry, now time.Time) {
	header := fmt.Sprintf("%-5s %-10s %-12s %-10s %-8s %-16s %s", "ID", "JOB_ID", "STATUS", "SEEDS", "TIME", "CREATED", "JOB_NAME")
	fmt.Fprintln(w, styles.Header.Render(header))
	for _, e := range entries {
		created := "-"
		if !e.CreatedAt.IsZero() {
			created = humanize.RelTime(e.CreatedAt, now, "ago", "from now")
		}
		fmt.Fprintf(w, "%-5d %-10s %-12s %-10s %-8s %-16s %s\n",
			e.ID, firstNonEmpty(e.JobID, "-"), e.Status, seedsLabel(e.Seeds), e.Walltime, created, e.JobName)
	}
}

func seedsLabel(seeds []int) string {
	parts := make([]string, len(seeds))
	for i, s := range seeds {
		parts[i] = strconv.Itoa(s)
	}
	return strings.Join(parts, ",")
}

func cmdShow(args []string) error {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: seedbatch show <id>\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("id is required")
	}
	id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q", fs.Arg(0))
	}

	l, err := openLedger()
	if err != nil {
		return err
	}
	defer l.Close()

	e, err := l.Get(context.Background(), id)
	if err != nil {
		return err
	}
	printEntry(os.Stdout, e, time.Now())
	return nil
}

func printEntry(w io.Writer, e *ledger.Entry, now time.Time) {
	fmt.Fprintf(w, "Submission %d\n", e.ID)
	fmt.Fprintln(w, "-------------")
	fmt.Fprintf(w, "Experiment:  %s\n", e.Experiment)
	fmt.Fprintf(w, "Job name:    %s\n", e.JobName)
	fmt.Fprintf(w, "Job ID:      %s\n", firstNonEmpty(e.JobID, "(none)"))
	fmt.Fprintf(w, "Job status:  %s\n", e.Status)
	fmt.Fprintf(w, "Seeds:       %s\n", seedsLabel(e.Seeds))
	fmt.Fprintf(w, "Walltime:    %s\n", e.Walltime)
	fmt.Fprintf(w, "Script:      %s\n", e.Script)
	fmt.Fprintf(w, "Args:        %s\n", strings.Join(e.Args, " "))
	fmt.Fprintf(w, "Remote:      %s\n", firstNonEmpty(e.Remote, "local"))
	fmt.Fprintf(w, "Batch:       %s\n", e.BatchID)
	fmt.Fprintf(w, "Git commit:  %s\n", e.GitCommit)
	fmt.Fprintf(w, "Git branch:  %s\n", e.GitBranch)
	if !e.CreatedAt.IsZero() {
		fmt.Fprintf(w, "Created at:  %s (%s)\n", e.CreatedAt.Format(time.RFC3339), humanize.RelTime(e.CreatedAt, now, "ago", "from now"))
	} else {
		fmt.Fprintf(w, "Created at:  (unknown)\n")
	}
	if !e.CompletedAt.IsZero() {
		fmt.Fprintf(w, "Completed:   %s\n", e.CompletedAt.Format(time.RFC3339))
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		fmt.Fprintln(w, "Scheduler output:")
		for _, line := range strings.Split(out, "\n") {
			fmt.Fprintf(w, "  %s\n", line)
		}
	}
}

func cmdStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	var (
		pf       profileFlags
		watch    bool
		interval durationFlag
	)
	pf.register(fs)
	fs.BoolVar(&watch, "watch", false, "Keep polling until no recorded job is active")
	fs.Var(&interval, "interval", "Poll interval for --watch (defaults to poll_interval or 30s)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: seedbatch status [--watch] [--interval 30s] [id...]\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	var ids []int64
	for _, a := range fs.Args() {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q", a)
		}
		ids = append(ids, id)
	}

	prof, err := pf.resolve()
	if err != nil {
		return err
	}
	poll := interval.value
	if !interval.set {
		if poll, err = prof.Poll(); err != nil {
			return err
		}
	}
	e, err := newEnv(prof, pf.noColor)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signalContext()
	defer stop()
	for {
		active, err := refreshStatus(ctx, e, ids)
		if err != nil {
			return err
		}
		if !watch || active == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(poll):
		}
	}
}

// refreshStatus queries every active entry (or the given ids), stores the
// new state and returns how many remain active.
func refreshStatus(ctx context.Context, e *env, ids []int64) (int, error) {
	var entries []ledger.Entry
	if len(ids) == 0 {
		var err error
		if entries, err = e.ledger.Active(ctx); err != nil {
			return 0, err
		}
	} else {
		for _, id := range ids {
			entry, err := e.ledger.Get(ctx, id)
			if err != nil {
				return 0, err
			}
			entries = append(entries, *entry)
		}
	}
	if len(entries) == 0 {
		e.reporter.Infof("no active submissions")
		return 0, nil
	}

	active := 0
	for _, entry := range entries {
		if entry.JobID == "" {
			continue
		}
		slurm := &scheduler.Slurm{Runner: e.runnerFor(entry.Remote)}
		state, err := slurm.State(ctx, entry.JobID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return 0, nil
			}
			e.reporter.Warnf("job %s: unable to query status: %v", entry.JobID, err)
			active++
			continue
		}
		var completed *time.Time
		if !scheduler.IsActive(state) {
			now := time.Now().UTC()
			completed = &now
		} else {
			active++
		}
		if err := e.ledger.UpdateStatus(ctx, entry.ID, state, completed); err != nil {
			return 0, err
		}
		e.reporter.Infof("[%s] %-5d %s %s -> %s", time.Now().Format(time.RFC3339), entry.ID, entry.JobID, entry.JobName, state)
	}
	return active, nil
}
