package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"seedbatch/internal/experiment"
)

// ErrScriptNotFound is returned when a script cannot be located in any of
// the configured directories.
var ErrScriptNotFound = errors.New("script not found")

// FS answers existence queries for paths on the host where jobs run.
type FS interface {
	Exists(ctx context.Context, name string) (bool, error)
	Join(elem ...string) string
}

// LocalFS checks the local filesystem.
type LocalFS struct{}

func (LocalFS) Exists(_ context.Context, name string) (bool, error) {
	_, err := os.Stat(name)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (LocalFS) Join(elem ...string) string { return filepath.Join(elem...) }

// RemoteFS checks paths on a remote host with `test -e`.
type RemoteFS struct {
	Runner Runner
}

func (f RemoteFS) Exists(ctx context.Context, name string) (bool, error) {
	stdout, stderr, err := f.Runner.Run(ctx, []string{"test", "-e", name})
	if err == nil {
		return true, nil
	}
	if code, ok := ExitStatus(err); ok && code == 1 {
		return false, nil
	}
	return false, commandError("test -e "+name, err, stdout, stderr)
}

func (RemoteFS) Join(elem ...string) string { return path.Join(elem...) }

// ResultChecker treats an experiment as complete when its result JSON exists
// under Root.
type ResultChecker struct {
	FS   FS
	Root string
}

func (c ResultChecker) Completed(ctx context.Context, id experiment.Identity) (bool, error) {
	return c.FS.Exists(ctx, c.FS.Join(c.Root, "results", id.Name()+".json"))
}

// ScriptFinder resolves script names against Dirs. Absolute names are only
// checked for existence.
type ScriptFinder struct {
	FS   FS
	Dirs []string
}

func (s ScriptFinder) Resolve(ctx context.Context, script string) (string, error) {
	if script == "" {
		return "", fmt.Errorf("%w: empty script name", ErrScriptNotFound)
	}
	candidates := []string{script}
	if !path.IsAbs(script) && !filepath.IsAbs(script) && len(s.Dirs) > 0 {
		candidates = candidates[:0]
		for _, dir := range s.Dirs {
			candidates = append(candidates, s.FS.Join(dir, script))
		}
	}
	for _, c := range candidates {
		ok, err := s.FS.Exists(ctx, c)
		if err != nil {
			return "", err
		}
		if ok {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %s (searched %v)", ErrScriptNotFound, script, candidates)
}
