// Package experiment names experiment configurations and locates their
// result artifacts.
//
// A Template is an experiment configuration without a seed. It renders the
// artifact name for an explicit seed string, so a single seed ("3") and a
// concatenated seed list ("0134", used for job names) go through the same
// function.
package experiment

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultPrefix is used when a template does not name its result prefix.
const DefaultPrefix = "faithfulness"

// Masking selects how the experiment runner masks input tokens.
type Masking struct {
	MaxRatio  int    `yaml:"max_ratio" json:"max_ratio"`
	Strategy  string `yaml:"strategy" json:"strategy"`
	Recursive bool   `yaml:"recursive" json:"recursive"`
}

// Template identifies an experiment up to its seed.
type Template struct {
	Prefix    string
	Model     string
	Dataset   string
	Explainer string
	Masking   Masking
	Split     string
	Features  []string
}

// Identity is a Template bound to one seed.
type Identity struct {
	Template
	Seed int
}

// Validate reports missing fields.
func (t Template) Validate() error {
	var missing []string
	if t.Model == "" {
		missing = append(missing, "model")
	}
	if t.Dataset == "" {
		missing = append(missing, "dataset")
	}
	if t.Explainer == "" {
		missing = append(missing, "explainer")
	}
	if t.Masking.Strategy == "" {
		missing = append(missing, "masking strategy")
	}
	if t.Split == "" {
		missing = append(missing, "split")
	}
	if len(missing) > 0 {
		return fmt.Errorf("experiment: missing %s", strings.Join(missing, ", "))
	}
	if t.Masking.MaxRatio < 0 || t.Masking.MaxRatio > 100 {
		return fmt.Errorf("experiment: max masking ratio %d out of range [0, 100]", t.Masking.MaxRatio)
	}
	return nil
}

// Name renders the artifact name with seeds in the seed position. The seeds
// argument is inserted verbatim.
func (t Template) Name(seeds string) string {
	prefix := t.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s_d-%s_m-%s_s-%s_e-%s_r-%d_y-%s_p-%s",
		prefix, t.Dataset, t.Model, seeds, t.Explainer, t.Masking.MaxRatio, t.Masking.Strategy, t.Split)
	if t.Masking.Recursive {
		b.WriteString("_rec")
	}
	for _, f := range t.Features {
		f = strings.TrimLeft(strings.TrimSpace(f), "-")
		if f == "" {
			continue
		}
		b.WriteString("_f-")
		b.WriteString(f)
	}
	return b.String()
}

// JobName renders the template with the seeds concatenated without a
// separator.
func (t Template) JobName(seeds []int) string {
	return t.Name(ConcatSeeds(seeds))
}

// Pattern is the template name with a glob in the seed position.
func (t Template) Pattern() string {
	return t.Name("*")
}

// With binds the template to seed.
func (t Template) With(seed int) Identity {
	return Identity{Template: t, Seed: seed}
}

// Args are forwarded verbatim to the experiment script.
func (t Template) Args() []string {
	args := []string{
		"--model", t.Model,
		"--dataset", t.Dataset,
		"--explainer", t.Explainer,
		"--max-masking-ratio", strconv.Itoa(t.Masking.MaxRatio),
		"--masking-strategy", t.Masking.Strategy,
		"--split", t.Split,
	}
	if t.Masking.Recursive {
		args = append(args, "--recursive")
	}
	for _, f := range t.Features {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if !strings.HasPrefix(f, "-") {
			f = "--" + f
		}
		args = append(args, f)
	}
	return args
}

// Name is the artifact name of this identity.
func (id Identity) Name() string {
	return id.Template.Name(strconv.Itoa(id.Seed))
}

// ResultPath is where the experiment runner writes the result of id.
func (id Identity) ResultPath(root string) string {
	return ResultPath(root, id.Name())
}

// ResultPath joins the results directory layout for an artifact name.
func ResultPath(root, name string) string {
	return filepath.Join(root, "results", name+".json")
}

// ConcatSeeds joins seeds without a separator.
func ConcatSeeds(seeds []int) string {
	var b strings.Builder
	for _, s := range seeds {
		b.WriteString(strconv.Itoa(s))
	}
	return b.String()
}

// JoinSeeds joins seeds with single spaces, the format the job script reads
// from its environment.
func JoinSeeds(seeds []int) string {
	parts := make([]string, len(seeds))
	for i, s := range seeds {
		parts[i] = strconv.Itoa(s)
	}
	return strings.Join(parts, " ")
}

// AmbiguousSeeds reports whether seeds holds two or more seeds and at least
// one of them has more than one digit, e.g. [1 23] or [12 3]. Only the
// multi-digit side of a collision is flagged: [1 2 3] reports false although
// [12 3] renders the same name.
func AmbiguousSeeds(seeds []int) bool {
	if len(seeds) < 2 {
		return false
	}
	for _, s := range seeds {
		if s > 9 {
			return true
		}
	}
	return false
}

// ParseSeeds parses "0,1,2", "0 1 2" or ranges such as "0-4".
func ParseSeeds(s string) ([]int, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	var seeds []int
	for _, f := range fields {
		if lo, hi, ok := strings.Cut(f, "-"); ok && lo != "" {
			a, err := parseSeed(lo)
			if err != nil {
				return nil, err
			}
			b, err := parseSeed(hi)
			if err != nil {
				return nil, err
			}
			if b < a {
				return nil, fmt.Errorf("seed range %q is descending", f)
			}
			for i := a; i <= b; i++ {
				seeds = append(seeds, i)
			}
			continue
		}
		v, err := parseSeed(f)
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, v)
	}
	return seeds, nil
}

var errNegativeSeed = errors.New("seeds must be non-negative")

func parseSeed(s string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid seed %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("seed %d: %w", v, errNegativeSeed)
	}
	return v, nil
}
