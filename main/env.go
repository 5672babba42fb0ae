package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"seedbatch/internal/config"
	"seedbatch/internal/console"
	"seedbatch/internal/ledger"
	"seedbatch/internal/planner"
	"seedbatch/internal/scheduler"
)

// profileFlags are the flags shared by every command that reaches the
// cluster. Set flags override the selected profile.
type profileFlags struct {
	profile     string
	remote      string
	transport   string
	sshKey      string
	resultsRoot string
	logDir      string
	rounding    string
	scriptDirs  multiStringFlag
	sbatchArgs  multiStringFlag
	insecure    boolFlag
	noColor     bool
}

func (f *profileFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.profile, "profile", "", "Profile name from ~/.seedbatch/config.(yaml|json)")
	fs.StringVar(&f.remote, "remote", "", "Remote login host (user@host); overrides the profile")
	fs.StringVar(&f.transport, "transport", "", "local, ssh or ssh-client")
	fs.StringVar(&f.sshKey, "ssh-key", "", "Private key for the ssh-client transport")
	fs.StringVar(&f.resultsRoot, "results-root", "", "Directory holding results/<name>.json on the cluster")
	fs.StringVar(&f.logDir, "log-dir", "", "Directory for job stdout/stderr on the cluster")
	fs.StringVar(&f.rounding, "walltime-rounding", "", "down (default) or up")
	fs.Var(&f.scriptDirs, "script-dir", "Directory searched for job scripts; may be repeated")
	fs.Var(&f.sbatchArgs, "sbatch-arg", "Extra sbatch argument, e.g. --account=def-u; may be repeated")
	fs.Var(&f.insecure, "insecure-host-key", "Skip host key verification when known_hosts is missing (ssh-client)")
	fs.BoolVar(&f.noColor, "no-color", false, "Disable colored output")
}

// resolve loads the config file and applies the flags on top of the
// selected profile.
func (f *profileFlags) resolve() (config.Profile, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Profile{}, fmt.Errorf("load config: %w", err)
	}
	p, err := cfg.Profile(f.profile)
	if err != nil {
		return config.Profile{}, err
	}
	over := config.Profile{
		Remote:           f.remote,
		Transport:        f.transport,
		SSHKey:           f.sshKey,
		ResultsRoot:      f.resultsRoot,
		LogDir:           f.logDir,
		WalltimeRounding: f.rounding,
		ScriptDirs:       f.scriptDirs.Values(),
		SbatchArgs:       f.sbatchArgs.Values(),
	}
	if f.insecure.set {
		v := f.insecure.value
		over.InsecureHostKey = &v
	}
	p = p.Merge(over)
	if p.Remote == "" {
		p.Remote = os.Getenv(config.RemoteEnv)
	}
	return p, nil
}

// env wires one profile to the scheduler, the ledger and the console.
type env struct {
	profile  config.Profile
	runner   scheduler.Runner
	fs       scheduler.FS
	slurm    *scheduler.Slurm
	ledger   *ledger.Ledger
	log      *console.Logger
	reporter *console.Reporter
	closers  []io.Closer
}

func newEnv(p config.Profile, noColor bool) (*env, error) {
	e := &env{profile: p}
	runner, err := newRunner(p)
	if err != nil {
		return nil, err
	}
	e.runner = runner
	if c, ok := runner.(io.Closer); ok {
		e.closers = append(e.closers, c)
	}
	if p.EffectiveTransport() == config.TransportLocal {
		e.fs = scheduler.LocalFS{}
	} else {
		e.fs = scheduler.RemoteFS{Runner: runner}
	}
	e.slurm = &scheduler.Slurm{Runner: runner, ExtraArgs: p.SbatchArgs}

	dbFile, err := dbPath()
	if err != nil {
		e.Close()
		return nil, err
	}
	e.ledger, err = ledger.Open(dbFile)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	e.closers = append(e.closers, e.ledger)

	if dir, err := config.Dir(); err == nil {
		if l, err := console.OpenLog(dir); err == nil {
			e.log = l
			e.closers = append(e.closers, l)
		} else {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}
	e.reporter = console.NewReporter(os.Stderr, !noColor && console.ColorEnabled(os.Stderr), e.log)
	return e, nil
}

func newRunner(p config.Profile) (scheduler.Runner, error) {
	switch p.EffectiveTransport() {
	case config.TransportLocal:
		return scheduler.LocalRunner{}, nil
	case config.TransportSSH:
		return scheduler.SSHRunner{Remote: p.Remote}, nil
	case config.TransportSSHClient:
		key, err := config.ExpandPath(p.SSHKey)
		if err != nil {
			return nil, err
		}
		known, err := config.ExpandPath(p.KnownHosts)
		if err != nil {
			return nil, err
		}
		return scheduler.NewClientRunner(scheduler.ClientConfig{
			Remote:          p.Remote,
			KeyFile:         key,
			KnownHosts:      known,
			InsecureHostKey: p.InsecureHostKey != nil && *p.InsecureHostKey,
		})
	default:
		return nil, fmt.Errorf("unknown transport %q", p.Transport)
	}
}

// runnerFor returns a runner for a host recorded in the ledger. Entries
// submitted through the current profile reuse its runner.
func (e *env) runnerFor(remote string) scheduler.Runner {
	switch {
	case remote == e.profile.Remote:
		return e.runner
	case remote == "":
		return scheduler.LocalRunner{}
	default:
		return scheduler.SSHRunner{Remote: remote}
	}
}

// planner builds a Planner recording into the ledger under a fresh batch id.
func (e *env) planner(dryRun bool) (*planner.Planner, string, error) {
	rounding, err := e.profile.Rounding()
	if err != nil {
		return nil, "", err
	}
	batchID := uuid.NewString()
	commit, branch := getGitInfo()
	p := &planner.Planner{
		Submitter: e.slurm,
		Checker:   scheduler.ResultChecker{FS: e.fs, Root: e.profile.ResultsRoot},
		Scripts:   scheduler.ScriptFinder{FS: e.fs, Dirs: e.profile.ScriptDirs},
		Reporter:  e.reporter,
		LogDir:    e.profile.LogDir,
		Rounding:  rounding,
		DryRun:    dryRun,
	}
	if !dryRun {
		p.Recorder = &ledgerRecorder{
			ledger:  e.ledger,
			batchID: batchID,
			remote:  e.profile.Remote,
			commit:  commit,
			branch:  branch,
		}
	}
	return p, batchID, nil
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i].Close()
	}
}

// ledgerRecorder stores planner outcomes as ledger entries.
type ledgerRecorder struct {
	ledger  *ledger.Ledger
	batchID string
	remote  string
	commit  string
	branch  string
}

// Status recorded for submissions sbatch refused.
const statusRejected = "REJECTED"

func (r *ledgerRecorder) Record(ctx context.Context, out *planner.Outcome) error {
	entry := &ledger.Entry{
		BatchID:    r.batchID,
		Experiment: out.Experiment,
		JobName:    out.Request.JobName,
		JobID:      out.JobID,
		Seeds:      out.Pending,
		Walltime:   out.Request.WalltimeString(),
		Script:     out.Request.Script,
		Args:       out.Request.Args,
		Status:     string(out.Status),
		Output:     out.Output,
		Remote:     r.remote,
		GitCommit:  r.commit,
		GitBranch:  r.branch,
	}
	if out.Status == planner.StatusFailed {
		entry.Status = statusRejected
		entry.CompletedAt = time.Now().UTC()
	}
	return r.ledger.Insert(ctx, entry)
}
