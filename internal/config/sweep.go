package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"seedbatch/internal/experiment"
	"seedbatch/internal/walltime"
)

// Model is a model name with the size class used for walltime lookup.
type Model struct {
	Name string `yaml:"name"`
	Size string `yaml:"size"`
}

// UnmarshalYAML accepts either a bare name or a mapping.
func (m *Model) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		m.Name = value.Value
		return nil
	}
	type plain Model
	return value.Decode((*plain)(m))
}

// Explainer is an importance measure. Family groups explainers with similar
// cost; Script overrides the sweep script for this explainer.
type Explainer struct {
	Name   string `yaml:"name"`
	Family string `yaml:"family"`
	Script string `yaml:"script"`
}

// UnmarshalYAML accepts either a bare name or a mapping.
func (e *Explainer) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		e.Name = value.Value
		return nil
	}
	type plain Explainer
	return value.Decode((*plain)(e))
}

// Sweep enumerates experiment configurations. Every combination of models,
// datasets, explainers, masking and splits becomes one planning attempt over
// Seeds.
type Sweep struct {
	Prefix     string               `yaml:"prefix"`
	Script     string               `yaml:"script"`
	Walltime   string               `yaml:"walltime"`
	Seeds      []int                `yaml:"seeds"`
	Models     []Model              `yaml:"models"`
	Datasets   []string             `yaml:"datasets"`
	Explainers []Explainer          `yaml:"explainers"`
	Masking    []experiment.Masking `yaml:"masking"`
	Splits     []string             `yaml:"splits"`
	Features   []string             `yaml:"features"`
}

// Combination is one expanded sweep entry.
type Combination struct {
	Template experiment.Template
	Script   string
	Key      walltime.Key
	// Walltime is the sweep-level override; empty means use the table.
	Walltime string
}

// LoadSweep parses a sweep file.
func LoadSweep(path string) (*Sweep, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Sweep
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse sweep %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("sweep %s: %w", path, err)
	}
	return &s, nil
}

// Validate reports empty dimensions and negative seeds.
func (s *Sweep) Validate() error {
	var missing []string
	if len(s.Models) == 0 {
		missing = append(missing, "models")
	}
	if len(s.Datasets) == 0 {
		missing = append(missing, "datasets")
	}
	if len(s.Explainers) == 0 {
		missing = append(missing, "explainers")
	}
	if len(s.Masking) == 0 {
		missing = append(missing, "masking")
	}
	if len(s.Splits) == 0 {
		missing = append(missing, "splits")
	}
	if len(missing) > 0 {
		return fmt.Errorf("empty %s", strings.Join(missing, ", "))
	}
	for _, seed := range s.Seeds {
		if seed < 0 {
			return errors.New("seeds must be non-negative")
		}
	}
	if s.Script == "" {
		for _, e := range s.Explainers {
			if e.Script == "" {
				return fmt.Errorf("explainer %s has no script and the sweep sets none", e.Name)
			}
		}
	}
	if s.Walltime != "" {
		if _, err := walltime.Parse(s.Walltime); err != nil {
			return err
		}
	}
	return nil
}

// Expand returns combinations ordered by model, dataset, explainer, masking,
// split.
func (s *Sweep) Expand() []Combination {
	var out []Combination
	for _, m := range s.Models {
		for _, d := range s.Datasets {
			for _, e := range s.Explainers {
				for _, mask := range s.Masking {
					for _, split := range s.Splits {
						script := s.Script
						if e.Script != "" {
							script = e.Script
						}
						family := e.Family
						if family == "" {
							family = e.Name
						}
						size := m.Size
						if size == "" {
							size = m.Name
						}
						out = append(out, Combination{
							Template: experiment.Template{
								Prefix:    s.Prefix,
								Model:     m.Name,
								Dataset:   d,
								Explainer: e.Name,
								Masking:   mask,
								Split:     split,
								Features:  append([]string(nil), s.Features...),
							},
							Script:   script,
							Key:      walltime.Key{Size: size, Split: split, Family: family, Dataset: d},
							Walltime: s.Walltime,
						})
					}
				}
			}
		}
	}
	return out
}

// BaseWalltime returns the per-seed walltime for c: the sweep override if
// set, otherwise the table entry.
func (c Combination) BaseWalltime(table walltime.Table) (string, error) {
	if c.Walltime != "" {
		return c.Walltime, nil
	}
	d, ok := table.Lookup(c.Key)
	if !ok {
		return "", fmt.Errorf("no walltime configured for %s", c.Key)
	}
	return walltime.Format(d), nil
}
