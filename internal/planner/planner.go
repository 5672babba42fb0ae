// Package planner decides which seeds of an experiment still need to run and
// submits a single scheduler job covering all of them.
package planner

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"seedbatch/internal/experiment"
	"seedbatch/internal/walltime"
)

// SeedsEnv is the environment variable through which the job script learns
// which seeds to execute.
const SeedsEnv = "SEEDS"

// JobRequest is one scheduler submission covering every pending seed of an
// experiment.
type JobRequest struct {
	Script   string
	Walltime time.Duration
	JobName  string
	Seeds    []int
	Stdout   string
	Stderr   string
	Args     []string
}

// WalltimeString renders the walltime as H:MM:SS.
func (r JobRequest) WalltimeString() string { return walltime.Format(r.Walltime) }

// Env is the environment passed to the job.
func (r JobRequest) Env() map[string]string {
	return map[string]string{SeedsEnv: experiment.JoinSeeds(r.Seeds)}
}

// Receipt is the scheduler's answer to a submission. Output is kept on
// failure too.
type Receipt struct {
	JobID  string
	Output string
}

// JobSubmitter hands a JobRequest to the scheduler.
type JobSubmitter interface {
	Submit(ctx context.Context, req JobRequest) (Receipt, error)
}

// CompletionChecker reports whether the result artifact of id exists.
type CompletionChecker interface {
	Completed(ctx context.Context, id experiment.Identity) (bool, error)
}

// ScriptResolver turns a script descriptor into a runnable path.
type ScriptResolver interface {
	Resolve(ctx context.Context, script string) (string, error)
}

// Reporter receives status notices. Implementations must tolerate being
// called from a loop over many experiments.
type Reporter interface {
	Skipped(name string)
	Planned(jobName, walltime string, seeds []int)
	Submitted(jobName, jobID string, seeds []int)
	Failed(name string, err error, output string)
	Warnf(format string, args ...any)
}

// Recorder persists outcomes of submission attempts.
type Recorder interface {
	Record(ctx context.Context, out *Outcome) error
}

// Request describes one planning attempt.
type Request struct {
	Template     experiment.Template
	Script       string
	Seeds        []int
	BaseWalltime string
}

// Status is the result of a planning attempt.
type Status string

const (
	StatusSkipped   Status = "SKIPPED"
	StatusPlanned   Status = "PLANNED"
	StatusSubmitted Status = "SUBMITTED"
	StatusFailed    Status = "FAILED"
)

// Outcome summarises a planning attempt.
type Outcome struct {
	Experiment string
	Status     Status
	Pending    []int
	Request    JobRequest
	JobID      string
	Output     string
	Err        error
}

// Planner computes pending seeds and submits them. Submitter, Checker and
// Scripts are required; Reporter and Recorder are optional.
type Planner struct {
	Submitter JobSubmitter
	Checker   CompletionChecker
	Scripts   ScriptResolver
	Reporter  Reporter
	Recorder  Recorder

	// LogDir is where the scheduler writes job stdout/stderr.
	LogDir   string
	Rounding walltime.Rounding
	DryRun   bool
}

// Pending returns the seeds of t whose result artifacts are missing, in
// candidate order.
func (p *Planner) Pending(ctx context.Context, t experiment.Template, seeds []int) ([]int, error) {
	var pending []int
	for _, seed := range seeds {
		id := t.With(seed)
		done, err := p.Checker.Completed(ctx, id)
		if err != nil {
			return nil, checkError(err, "%s", id.Name())
		}
		if !done {
			pending = append(pending, seed)
		}
	}
	return pending, nil
}

// Run executes one planning attempt. The returned Outcome is never nil. The
// error is non-nil when the attempt failed; it wraps ErrConfig, ErrCheck or
// ErrRejected, or ctx.Err() when the attempt was interrupted. Interrupted
// attempts are warned about and never recorded. An experiment with nothing
// pending is not an error.
func (p *Planner) Run(ctx context.Context, req Request) (*Outcome, error) {
	out := &Outcome{Experiment: req.Template.Pattern()}

	if err := req.Template.Validate(); err != nil {
		return p.fail(ctx, out, configError(err, "invalid experiment"))
	}
	script, err := p.Scripts.Resolve(ctx, req.Script)
	if err != nil {
		return p.fail(ctx, out, configError(err, "script %q", req.Script))
	}
	base, err := walltime.Parse(req.BaseWalltime)
	if err != nil {
		return p.fail(ctx, out, configError(err, "base walltime"))
	}

	pending, err := p.Pending(ctx, req.Template, req.Seeds)
	if err != nil {
		return p.fail(ctx, out, err)
	}
	out.Pending = pending
	if len(pending) == 0 {
		out.Status = StatusSkipped
		p.skipped(out.Experiment)
		return out, nil
	}

	total, exact, err := walltime.Aggregate(base, len(pending), p.Rounding)
	if err != nil {
		return p.fail(ctx, out, configError(err, "aggregate walltime"))
	}
	if total == 0 {
		return p.fail(ctx, out, configError(nil, "walltime %s x %d rounds down to zero minutes", walltime.Format(base), len(pending)))
	}
	if !exact {
		p.warnf("%s: %s x %d seeds rounded %s to %s", out.Experiment, walltime.Format(base), len(pending), p.Rounding, walltime.Format(total))
	}
	if experiment.AmbiguousSeeds(pending) {
		p.warnf("%s: job name seed list %q is ambiguous for seeds %v", out.Experiment, experiment.ConcatSeeds(pending), pending)
	}

	jobName := req.Template.JobName(pending)
	out.Request = JobRequest{
		Script:   script,
		Walltime: total,
		JobName:  jobName,
		Seeds:    pending,
		Stdout:   path.Join(p.LogDir, "%x.%j.out"),
		Stderr:   path.Join(p.LogDir, "%x.%j.err"),
		Args:     req.Template.Args(),
	}

	if p.DryRun {
		out.Status = StatusPlanned
		if p.Reporter != nil {
			p.Reporter.Planned(jobName, out.Request.WalltimeString(), pending)
		}
		return out, nil
	}

	receipt, err := p.Submitter.Submit(ctx, out.Request)
	out.Output = receipt.Output
	if err != nil {
		if interrupted(ctx, err) {
			return p.fail(ctx, out, err)
		}
		return p.fail(ctx, out, rejected(err, receipt.Output))
	}
	out.Status = StatusSubmitted
	out.JobID = receipt.JobID
	if p.Reporter != nil {
		p.Reporter.Submitted(jobName, receipt.JobID, pending)
	}
	p.record(ctx, out)
	return out, nil
}

func (p *Planner) fail(ctx context.Context, out *Outcome, err error) (*Outcome, error) {
	out.Status = StatusFailed
	out.Err = err
	name := out.Experiment
	if out.Request.JobName != "" {
		name = out.Request.JobName
	}
	if interrupted(ctx, err) {
		// sbatch may have queued the job before it was stopped.
		p.warnf("%s: interrupted, check squeue before resubmitting: %v", name, err)
		return out, err
	}
	if p.Reporter != nil {
		p.Reporter.Failed(name, err, Output(err))
	}
	// Attempts that never reached the scheduler are not recorded.
	if errors.Is(err, ErrRejected) {
		p.record(ctx, out)
	}
	return out, err
}

func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (p *Planner) record(ctx context.Context, out *Outcome) {
	if p.Recorder == nil {
		return
	}
	if err := p.Recorder.Record(ctx, out); err != nil {
		p.warnf("record %s: %v", out.Experiment, err)
	}
}

func (p *Planner) skipped(name string) {
	if p.Reporter != nil {
		p.Reporter.Skipped(name)
	}
}

func (p *Planner) warnf(format string, args ...any) {
	if p.Reporter != nil {
		p.Reporter.Warnf(format, args...)
	}
}

// String renders a one-line summary.
func (o *Outcome) String() string {
	switch o.Status {
	case StatusSubmitted:
		return fmt.Sprintf("%s job %s seeds %v", o.Request.JobName, o.JobID, o.Pending)
	case StatusPlanned:
		return fmt.Sprintf("%s walltime %s seeds %v", o.Request.JobName, o.Request.WalltimeString(), o.Pending)
	case StatusFailed:
		return fmt.Sprintf("%s failed: %v", o.Experiment, o.Err)
	default:
		return fmt.Sprintf("%s %s", o.Experiment, o.Status)
	}
}
