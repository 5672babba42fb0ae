// Package scheduler talks to SLURM: it submits batch jobs with sbatch,
// queries job state with squeue/sacct, and probes result files, either on the
// local machine or on a login node reached over ssh.
package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// Runner executes a command and returns its output. Remote runners execute
// argv on the remote host through a login shell.
type Runner interface {
	Run(ctx context.Context, argv []string) (stdout, stderr []byte, err error)
	String() string
}

// waitDelay bounds how long a cancelled command may hold its output pipes
// open through child processes.
const waitDelay = 2 * time.Second

// LocalRunner executes commands on this machine.
type LocalRunner struct{}

func (LocalRunner) Run(ctx context.Context, argv []string) ([]byte, []byte, error) {
	if len(argv) == 0 {
		return nil, nil, errors.New("scheduler: empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	return run(ctx, cmd, argv[0])
}

func (LocalRunner) String() string { return "local" }

// SSHRunner shells out to the ssh binary, so the user's ssh config, agent and
// ControlMaster settings apply.
type SSHRunner struct {
	// Remote is user@host as understood by ssh.
	Remote string
}

func (r SSHRunner) Run(ctx context.Context, argv []string) ([]byte, []byte, error) {
	if r.Remote == "" {
		return nil, nil, errors.New("scheduler: remote host is required for ssh transport")
	}
	if len(argv) == 0 {
		return nil, nil, errors.New("scheduler: empty command")
	}
	cmd := exec.CommandContext(ctx, "ssh", r.Remote, "bash", "-lc", ShellQuote(ShellJoin(argv)))
	return run(ctx, cmd, argv[0])
}

func (r SSHRunner) String() string { return r.Remote }

// run executes cmd. When ctx ends first the error wraps ctx.Err() rather
// than the kill signal, so callers can tell an interruption from a failure.
func run(ctx context.Context, cmd *exec.Cmd, name string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay
	err := cmd.Run()
	if err != nil && ctx.Err() != nil {
		err = fmt.Errorf("%s interrupted: %w", name, ctx.Err())
	}
	return stdout.Bytes(), stderr.Bytes(), err
}

// ExitStatus extracts the exit status of a command that ran but failed.
func ExitStatus(err error) (int, bool) {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), true
	}
	var sshErr *ssh.ExitError
	if errors.As(err, &sshErr) {
		return sshErr.ExitStatus(), true
	}
	return 0, false
}

func commandError(name string, err error, stdout, stderr []byte) error {
	return fmt.Errorf("%s: %w (stdout: %s stderr: %s)", name, err,
		strings.TrimSpace(string(stdout)), strings.TrimSpace(string(stderr)))
}

// ShellQuote quotes s for a POSIX shell.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, needsQuote) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, `'`, `'"'"'`) + "'"
}

// ShellJoin quotes each element of argv and joins them with spaces.
func ShellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = ShellQuote(a)
	}
	return strings.Join(quoted, " ")
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./=:,@+", r)
}
