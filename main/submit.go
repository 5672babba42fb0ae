package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"seedbatch/internal/config"
	"seedbatch/internal/experiment"
	"seedbatch/internal/planner"
	"seedbatch/internal/walltime"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func cmdSubmit(args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	var (
		pf       profileFlags
		t        experiment.Template
		features multiStringFlag
		seedList string
		base     string
		script   string
		size     string
		family   string
		dryRun   bool
	)
	pf.register(fs)
	fs.StringVar(&t.Prefix, "prefix", experiment.DefaultPrefix, "Experiment name prefix")
	fs.StringVar(&t.Model, "model", "", "Model identifier")
	fs.StringVar(&t.Dataset, "dataset", "", "Dataset identifier")
	fs.StringVar(&t.Explainer, "explainer", "", "Importance measure identifier")
	fs.IntVar(&t.Masking.MaxRatio, "max-ratio", 100, "Maximum masking ratio (0-100)")
	fs.StringVar(&t.Masking.Strategy, "strategy", "", "Masking strategy")
	fs.BoolVar(&t.Masking.Recursive, "recursive", false, "Recursive masking")
	fs.StringVar(&t.Split, "split", "", "Data split")
	fs.Var(&features, "feature", "Feature flag forwarded to the script as --NAME; may be repeated")
	fs.StringVar(&seedList, "seeds", "", "Candidate seeds, e.g. 0,1,2 or 0-4 (empty plans nothing and reports a skip)")
	fs.StringVar(&base, "walltime", "", "Per-seed walltime H:MM:SS (defaults to the profile's walltime table)")
	fs.StringVar(&size, "size", "", "Model size class for the walltime table (defaults to --model)")
	fs.StringVar(&family, "family", "", "Explainer family for the walltime table (defaults to --explainer)")
	fs.StringVar(&script, "script", "", "Job script, absolute or relative to a script dir")
	fs.BoolVar(&dryRun, "dry-run", false, "Plan without calling sbatch")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: seedbatch submit [flags] [-- feature flags...]\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	t.Features = features.Values()
	for _, f := range fs.Args() {
		t.Features = append(t.Features, strings.TrimLeft(f, "-"))
	}
	if err := t.Validate(); err != nil {
		fs.Usage()
		return err
	}
	if script == "" {
		fs.Usage()
		return errors.New("--script is required")
	}
	seeds, err := experiment.ParseSeeds(seedList)
	if err != nil {
		return err
	}

	prof, err := pf.resolve()
	if err != nil {
		return err
	}
	if err := prof.Validate(); err != nil {
		return err
	}
	table, err := prof.Table()
	if err != nil {
		return err
	}

	e, err := newEnv(prof, pf.noColor)
	if err != nil {
		return err
	}
	defer e.Close()
	p, batchID, err := e.planner(dryRun)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()
	combo := config.Combination{
		Template: t,
		Script:   script,
		Key: walltime.Key{
			Size:    firstNonEmpty(size, t.Model),
			Split:   t.Split,
			Family:  firstNonEmpty(family, t.Explainer),
			Dataset: t.Dataset,
		},
		Walltime: base,
	}
	runSweep(ctx, p, e.reporter, []config.Combination{combo}, seeds, table)
	e.reporter.Infof("batch %s: %s", batchID, e.reporter.Summary())
	return nil
}

func cmdSweep(args []string) error {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	var (
		pf       profileFlags
		file     string
		seedList string
		dryRun   bool
	)
	pf.register(fs)
	fs.StringVar(&file, "file", "", "Sweep file (YAML)")
	fs.StringVar(&seedList, "seeds", "", "Override the sweep's seeds, e.g. 0-4")
	fs.BoolVar(&dryRun, "dry-run", false, "Plan without calling sbatch")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: seedbatch sweep --file sweep.yaml [flags]\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if file == "" {
		fs.Usage()
		return errors.New("--file is required")
	}

	sweep, err := config.LoadSweep(file)
	if err != nil {
		return err
	}
	seeds, err := sweepSeeds(sweep, seedList)
	if err != nil {
		return err
	}

	prof, err := pf.resolve()
	if err != nil {
		return err
	}
	if err := prof.Validate(); err != nil {
		return err
	}
	table, err := prof.Table()
	if err != nil {
		return err
	}

	e, err := newEnv(prof, pf.noColor)
	if err != nil {
		return err
	}
	defer e.Close()
	p, batchID, err := e.planner(dryRun)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()
	runSweep(ctx, p, e.reporter, sweep.Expand(), seeds, table)
	e.reporter.Infof("batch %s: %s", batchID, e.reporter.Summary())
	return nil
}

// sweepSeeds returns --seeds when given, else the sweep's seeds. An empty
// result is valid: every combination is then reported as skipped.
func sweepSeeds(s *config.Sweep, flagValue string) ([]int, error) {
	if strings.TrimSpace(flagValue) != "" {
		return experiment.ParseSeeds(flagValue)
	}
	return s.Seeds, nil
}

// runSweep plans each combination in order. Per-combination failures are
// reported and never stop the sweep; cancellation does.
func runSweep(ctx context.Context, p *planner.Planner, rep planner.Reporter, combos []config.Combination, seeds []int, table walltime.Table) {
	for _, c := range combos {
		if ctx.Err() != nil {
			rep.Warnf("sweep interrupted: %v", ctx.Err())
			return
		}
		base, err := c.BaseWalltime(table)
		if err != nil {
			rep.Failed(c.Template.Pattern(), fmt.Errorf("%w: %v", planner.ErrConfig, err), "")
			continue
		}
		_, err = p.Run(ctx, planner.Request{
			Template:     c.Template,
			Script:       c.Script,
			Seeds:        seeds,
			BaseWalltime: base,
		})
		if err != nil && ctx.Err() != nil {
			rep.Warnf("sweep interrupted: %v", ctx.Err())
			return
		}
	}
}
