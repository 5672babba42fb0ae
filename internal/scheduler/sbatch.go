package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"seedbatch/internal/planner"
)

// Slurm submits jobs with sbatch through a Runner.
type Slurm struct {
	Runner Runner
	// ExtraArgs are passed to sbatch before the script, e.g. --account.
	ExtraArgs []string
}

// Args builds the sbatch command line for req.
func (s *Slurm) Args(req planner.JobRequest) []string {
	args := []string{
		"sbatch",
		"--time=" + req.WalltimeString(),
		"--job-name=" + req.JobName,
		"--output=" + req.Stdout,
		"--error=" + req.Stderr,
		"--export=" + exportList(req.Env()),
	}
	args = append(args, s.ExtraArgs...)
	args = append(args, req.Script)
	args = append(args, req.Args...)
	return args
}

func exportList(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := []string{"ALL"}
	for _, k := range keys {
		parts = append(parts, k+"="+env[k])
	}
	return strings.Join(parts, ",")
}

// Submit runs sbatch and parses the job id.
func (s *Slurm) Submit(ctx context.Context, req planner.JobRequest) (planner.Receipt, error) {
	stdout, stderr, err := s.Runner.Run(ctx, s.Args(req))
	output := strings.TrimSpace(string(stdout) + "\n" + string(stderr))
	if err != nil {
		return planner.Receipt{Output: output}, fmt.Errorf("sbatch on %s: %w", s.Runner, err)
	}
	jobID, err := parseJobID(string(stdout))
	if err != nil {
		return planner.Receipt{Output: output}, err
	}
	return planner.Receipt{JobID: jobID, Output: output}, nil
}

// parseJobID reads "Submitted batch job 2723147". With --parsable sbatch
// prints "2723147" or "2723147;cluster"; both are accepted.
func parseJobID(out string) (string, error) {
	parts := strings.Fields(out)
	if len(parts) == 0 {
		return "", fmt.Errorf("unable to parse sbatch output: %q", out)
	}
	id := parts[len(parts)-1]
	if semi := strings.IndexByte(id, ';'); semi >= 0 {
		id = id[:semi]
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("unable to parse sbatch output: %q", out)
		}
	}
	return id, nil
}
