package main

import (
	"context"
	"flag"
	"path"
	"strings"
	"testing"

	"seedbatch/internal/scheduler"
)

var (
	fetchRemote      = flag.String("fetch-remote", "", "Remote host (user@host) for the fetch integration test")
	fetchResultsRoot = flag.String("fetch-results-root", "", "Absolute results root on the remote host")
	fetchPatternFlag multiStringFlag

	statusRemote = flag.String("status-remote", "", "Remote host for the squeue/sacct integration test")
	statusJobID  = flag.String("status-job-id", "", "Job id to query during the status integration test")
)

func init() {
	flag.Var(&fetchPatternFlag, "fetch-pattern", "Regex applied to result paths during test; may repeat")
}

func TestRemoteResultListing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping fetch test in short mode")
	}
	if *fetchRemote == "" || *fetchResultsRoot == "" {
		t.Skip("set -fetch-remote and -fetch-results-root to run this integration test")
	}
	if !strings.HasPrefix(*fetchResultsRoot, "/") {
		t.Fatalf("results root must be absolute, got %s", *fetchResultsRoot)
	}
	patterns, err := compilePatterns(fetchPatternFlag.Values())
	if err != nil {
		t.Fatalf("compile patterns: %v", err)
	}
	root := path.Join(*fetchResultsRoot, "results")
	files, err := listResultFiles(context.Background(), scheduler.SSHRunner{Remote: *fetchRemote}, root)
	if err != nil {
		t.Fatalf("listResultFiles: %v", err)
	}
	var matched []string
	for _, rel := range files {
		if patternMatches(patterns, root, rel) {
			matched = append(matched, rel)
		}
	}
	if len(matched) == 0 {
		t.Logf("No result files matched under %s", root)
	} else {
		t.Logf("Result files under %s:\n%s", root, strings.Join(matched, "\n"))
	}
}

func TestRemoteJobState(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping status test in short mode")
	}
	if *statusRemote == "" || *statusJobID == "" {
		t.Skip("set -status-remote and -status-job-id to run the status test")
	}
	slurm := &scheduler.Slurm{Runner: scheduler.SSHRunner{Remote: *statusRemote}}
	state, err := slurm.State(context.Background(), *statusJobID)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	t.Logf("job %s on %s -> %s (active=%t)", *statusJobID, *statusRemote, state, scheduler.IsActive(state))
}
