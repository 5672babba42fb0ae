package scheduler

import (
	"context"
	"strings"
)

// StateUnknown is returned when a job is neither queued nor in accounting.
const StateUnknown = "UNKNOWN"

// State returns the SLURM state of jobID. squeue is asked first; once the
// job has left the queue, sacct is consulted. A missing sacct yields
// StateUnknown rather than an error.
func (s *Slurm) State(ctx context.Context, jobID string) (string, error) {
	if jobID == "" {
		return StateUnknown, nil
	}
	state, err := s.squeue(ctx, jobID)
	if err != nil {
		return "", err
	}
	if state != "" {
		return state, nil
	}
	state, err = s.sacct(ctx, jobID)
	if err != nil || state == "" {
		return StateUnknown, nil
	}
	return state, nil
}

func (s *Slurm) squeue(ctx context.Context, jobID string) (string, error) {
	stdout, stderr, err := s.Runner.Run(ctx, []string{"squeue", "-h", "-j", jobID, "-o", "%T"})
	if err != nil {
		// squeue exits non-zero for job ids it has already purged.
		if strings.Contains(string(stderr), "Invalid job id") {
			return "", nil
		}
		return "", commandError("squeue", err, stdout, stderr)
	}
	text := strings.TrimSpace(string(stdout))
	if text == "" {
		return "", nil
	}
	first, _, _ := strings.Cut(text, "\n")
	return strings.TrimSpace(first), nil
}

func (s *Slurm) sacct(ctx context.Context, jobID string) (string, error) {
	stdout, stderr, err := s.Runner.Run(ctx, []string{"sacct", "-n", "-X", "-j", jobID, "-o", "State"})
	if err != nil {
		return "", commandError("sacct", err, stdout, stderr)
	}
	for _, line := range strings.Split(strings.TrimSpace(string(stdout)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		state, _, _ := strings.Cut(line, " ")
		return strings.Trim(state, "+"), nil
	}
	return "", nil
}

// IsActive reports whether a job in state may still run.
func IsActive(state string) bool {
	switch strings.ToUpper(strings.TrimSpace(state)) {
	case "PENDING", "CONFIGURING", "RUNNING", "COMPLETING", "SUSPENDED", "RESV_DEL_HOLD", "SPECIAL_EXIT", "SUBMITTED", "REQUEUED":
		return true
	default:
		return false
	}
}
