package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"seedbatch/internal/config"
	"seedbatch/internal/scheduler"
)

func cmdFetch(args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	var (
		pf          profileFlags
		destDir     string
		patternFlag multiStringFlag
		dryRun      bool
	)
	pf.register(fs)
	fs.StringVar(&destDir, "dest", "", "Local destination directory for fetched result files")
	fs.Var(&patternFlag, "pattern", "Regex applied to result paths; may be repeated (all JSON files when omitted)")
	fs.BoolVar(&dryRun, "dry-run", false, "Only list files that would be copied")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: seedbatch fetch --dest LOCAL [--pattern REGEX] [--dry-run] [profile flags]\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if destDir == "" {
		fs.Usage()
		return errors.New("--dest is required")
	}

	prof, err := pf.resolve()
	if err != nil {
		return err
	}
	if prof.ResultsRoot == "" {
		return errors.New("results_root is required (set it in the profile or pass --results-root)")
	}
	remote := prof.EffectiveTransport() != config.TransportLocal
	if remote && !strings.HasPrefix(prof.ResultsRoot, "/") {
		return fmt.Errorf("results_root must be absolute so rsync can address files precisely")
	}
	patterns, err := compilePatterns(patternFlag.Values())
	if err != nil {
		return err
	}
	runner, err := newRunner(prof)
	if err != nil {
		return err
	}
	if c, ok := runner.(io.Closer); ok {
		defer c.Close()
	}

	ctx, stop := signalContext()
	defer stop()

	resultsRoot := prof.ResultsRoot
	if !remote {
		if resultsRoot, err = config.ExpandPath(resultsRoot); err != nil {
			return err
		}
	}
	root := path.Join(resultsRoot, "results")
	files, err := listResultFiles(ctx, runner, root)
	if err != nil {
		return err
	}
	var matched []string
	for _, rel := range files {
		if patternMatches(patterns, root, rel) {
			matched = append(matched, rel)
		}
	}
	if len(matched) == 0 {
		fmt.Println("No result files matched the provided filters; nothing to copy.")
		return nil
	}
	fmt.Printf("Matched %d of %d result file(s).\n", len(matched), len(files))
	if dryRun {
		for _, rel := range matched {
			fmt.Println(path.Join(root, rel))
		}
		return nil
	}

	absDest, err := config.ExpandPath(destDir)
	if err != nil {
		return fmt.Errorf("resolve destination: %w", err)
	}
	host := ""
	if remote {
		host = prof.Remote
	}
	if err := rsyncFiles(ctx, host, root, matched, absDest); err != nil {
		return err
	}
	fmt.Println("Fetch complete.")
	return nil
}

// listResultFiles returns result JSON paths relative to root.
func listResultFiles(ctx context.Context, runner scheduler.Runner, root string) ([]string, error) {
	stdout, stderr, err := runner.Run(ctx, []string{"find", root, "-type", "f", "-name", "*.json"})
	if err != nil {
		return nil, fmt.Errorf("find %s on %s failed: %v\nStderr: %s", root, runner, err, strings.TrimSpace(string(stderr)))
	}
	var files []string
	prefix := strings.TrimRight(root, "/") + "/"
	for _, line := range strings.Split(strings.TrimSpace(string(stdout)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		files = append(files, strings.TrimPrefix(line, prefix))
	}
	return files, nil
}

func compilePatterns(pats []string) ([]*regexp.Regexp, error) {
	var compiled []*regexp.Regexp
	for _, pat := range pats {
		pat = strings.TrimSpace(pat)
		if pat == "" {
			continue
		}
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("compile pattern %q: %w", pat, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func patternMatches(res []*regexp.Regexp, root, rel string) bool {
	if len(res) == 0 {
		return true
	}
	full := path.Join(root, rel)
	base := path.Base(rel)
	for _, re := range res {
		if re.MatchString(rel) || re.MatchString(base) || re.MatchString(full) {
			return true
		}
	}
	return false
}

// rsyncArgs builds the rsync command line. An empty host copies locally.
func rsyncArgs(host, root, dest string) []string {
	sourceRoot := strings.TrimRight(root, "/")
	if sourceRoot == "" {
		sourceRoot = "/"
	}
	src := sourceRoot + "/"
	if host != "" {
		src = host + ":" + src
	}
	return []string{"-av", "--files-from=-", src, dest}
}

func rsyncFiles(ctx context.Context, host, root string, files []string, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("ensure destination: %w", err)
	}
	args := rsyncArgs(host, root, filepath.Clean(dest))
	cmd := exec.CommandContext(ctx, "rsync", args...)
	cmd.Stdin = strings.NewReader(strings.Join(files, "\n") + "\n")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	fmt.Printf("Starting rsync: rsync %s\n", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("rsync failed: %w", err)
	}
	return nil
}
