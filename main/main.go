package main

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"seedbatch/internal/config"
)

type boolFlag struct {
	value bool
	set   bool
}

func (b *boolFlag) Set(s string) error {
	val, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	b.value = val
	b.set = true
	return nil
}

func (b *boolFlag) String() string {
	return strconv.FormatBool(b.value)
}

func (b *boolFlag) IsBoolFlag() bool {
	return true
}

type multiStringFlag struct {
	values []string
}

func (m *multiStringFlag) Set(s string) error {
	m.values = append(m.values, s)
	return nil
}

func (m *multiStringFlag) String() string {
	return strings.Join(m.values, ",")
}

func (m *multiStringFlag) Values() []string {
	return append([]string(nil), m.values...)
}

type durationFlag struct {
	value time.Duration
	set   bool
}

func (d *durationFlag) Set(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if v <= 0 {
		return fmt.Errorf("duration must be positive, got %s", s)
	}
	d.value = v
	d.set = true
	return nil
}

func (d *durationFlag) String() string {
	return d.value.String()
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		return
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "submit":
		err = cmdSubmit(args)
	case "sweep":
		err = cmdSweep(args)
	case "list":
		err = cmdList(args)
	case "show":
		err = cmdShow(args)
	case "status":
		err = cmdStatus(args)
	case "fetch":
		err = cmdFetch(args)
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("seedbatch %s: %v", cmd, err)
	}
}

func printUsage() {
	fmt.Println(`Usage:
  seedbatch submit [flags] --model M --dataset D --explainer E --strategy S --split P --seeds 0-4
  seedbatch sweep  [flags] --file sweep.yaml
  seedbatch list   [--limit N]
  seedbatch show   <id>
  seedbatch status [--watch] [--interval 30s] [id...]
  seedbatch fetch  [flags] --dest DIR [--pattern REGEX]

Commands:
  submit  Plan one experiment: skip seeds whose result JSON exists, pack the rest into one sbatch job.
  sweep   Plan every combination listed in a sweep file.
  list    List recorded submissions (stored locally).
  show    Show one recorded submission.
  status  Refresh recorded job states with squeue/sacct.
  fetch   Copy result JSON files from the results root via rsync.

 Examples:
  seedbatch submit --profile narval \
    --model roberta-sb --dataset cola --explainer grad \
    --max-ratio 100 --strategy half-det --split test \
    --seeds 0-4 --walltime 0:10:00 --script python_job.sh -- --use-cuda

  seedbatch sweep --profile narval --file sweeps/faithfulness.yaml --dry-run

  seedbatch status --watch --interval 1m

  seedbatch fetch --profile narval --dest ./results --pattern 'd-imdb'

 Notes:
  - Define defaults and profiles in ~/.seedbatch/config.(yaml|json) and pass --profile NAME.
  - SEEDBATCH_REMOTE supplies the remote host when neither the profile nor --remote does.
  - Per-submission failures are reported and do not change the exit status.
  - Every line printed by submit/sweep is also appended to ~/.seedbatch/logs/seedbatch.log.`)
}

func dbPath() (string, error) {
	dir, err := config.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "submissions.db"), nil
}

//
// git helpers (local repo info)
//

func getGitInfo() (commit, branch string) {
	c1 := exec.Command("git", "rev-parse", "HEAD")
	if out, err := c1.Output(); err == nil {
		commit = strings.TrimSpace(string(out))
	}
	c2 := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	if out, err := c2.Output(); err == nil {
		branch = strings.TrimSpace(string(out))
	}
	return
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
