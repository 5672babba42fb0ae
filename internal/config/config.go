// Package config loads ~/.seedbatch/config.(yaml|yml|json) and sweep files.
//
// A config holds a defaults profile plus named profiles, typically one per
// cluster. Values from the selected profile override defaults; command line
// flags override both.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"seedbatch/internal/walltime"
)

// HomeEnv overrides the configuration directory.
const HomeEnv = "SEEDBATCH_HOME"

// RemoteEnv supplies a remote host when none is configured.
const RemoteEnv = "SEEDBATCH_REMOTE"

// Transports understood by the CLI.
const (
	TransportLocal     = "local"
	TransportSSH       = "ssh"
	TransportSSHClient = "ssh-client"
)

const defaultPollInterval = 30 * time.Second

// WalltimeEntry is one row of the per-seed walltime table. Empty fields and
// "*" match anything.
type WalltimeEntry struct {
	Size     string `yaml:"size"`
	Split    string `yaml:"split"`
	Family   string `yaml:"family"`
	Dataset  string `yaml:"dataset"`
	Walltime string `yaml:"walltime"`
}

// Profile is a set of cluster settings.
type Profile struct {
	Remote           string          `yaml:"remote"`
	Transport        string          `yaml:"transport"`
	SSHKey           string          `yaml:"ssh_key"`
	KnownHosts       string          `yaml:"known_hosts"`
	InsecureHostKey  *bool           `yaml:"insecure_host_key"`
	ResultsRoot      string          `yaml:"results_root"`
	LogDir           string          `yaml:"log_dir"`
	ScriptDirs       []string        `yaml:"script_dirs"`
	SbatchArgs       []string        `yaml:"sbatch_args"`
	WalltimeRounding string          `yaml:"walltime_rounding"`
	Walltimes        []WalltimeEntry `yaml:"walltimes"`
	PollInterval     string          `yaml:"poll_interval"`
}

// Config is the parsed configuration file.
type Config struct {
	Defaults Profile            `yaml:"defaults"`
	Profiles map[string]Profile `yaml:"profiles"`
	path     string
}

// Path returns the file the config was read from.
func (c *Config) Path() string { return c.path }

// Dir returns the configuration directory, creating it if needed.
func Dir() (string, error) {
	dir := os.Getenv(HomeEnv)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, ".seedbatch")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// PathHint describes where Load looks, for error messages.
func PathHint() string {
	dir, err := Dir()
	if err != nil {
		return "~/.seedbatch/config.(yaml|json)"
	}
	return fmt.Sprintf("%s/config.(yaml|json)", dir)
}

// Load reads the first config file found in Dir. It returns nil, nil when
// there is none.
func Load() (*Config, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	for _, name := range []string{"config.yaml", "config.yml", "config.json"} {
		cfg, err := LoadFile(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		return cfg, err
	}
	return nil, nil
}

// LoadFile parses a YAML or JSON config file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{path: path}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if cfg.Profiles == nil {
		cfg.Profiles = make(map[string]Profile)
	}
	return cfg, nil
}

// Profile merges the named profile over the defaults. An empty name returns
// the defaults.
func (c *Config) Profile(name string) (Profile, error) {
	if c == nil {
		if name != "" {
			return Profile{}, fmt.Errorf("profile %q requested but no config file found (expected %s)", name, PathHint())
		}
		return Profile{}, nil
	}
	p := c.Defaults
	if name == "" {
		return p, nil
	}
	prof, ok := c.Profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("profile %q not found in %s", name, c.path)
	}
	return p.Merge(prof), nil
}

// Merge returns p with every non-empty field of over applied.
func (p Profile) Merge(over Profile) Profile {
	if over.Remote != "" {
		p.Remote = over.Remote
	}
	if over.Transport != "" {
		p.Transport = over.Transport
	}
	if over.SSHKey != "" {
		p.SSHKey = over.SSHKey
	}
	if over.KnownHosts != "" {
		p.KnownHosts = over.KnownHosts
	}
	if over.InsecureHostKey != nil {
		p.InsecureHostKey = over.InsecureHostKey
	}
	if over.ResultsRoot != "" {
		p.ResultsRoot = over.ResultsRoot
	}
	if over.LogDir != "" {
		p.LogDir = over.LogDir
	}
	if len(over.ScriptDirs) > 0 {
		p.ScriptDirs = append([]string(nil), over.ScriptDirs...)
	}
	if len(over.SbatchArgs) > 0 {
		p.SbatchArgs = append([]string(nil), over.SbatchArgs...)
	}
	if over.WalltimeRounding != "" {
		p.WalltimeRounding = over.WalltimeRounding
	}
	if len(over.Walltimes) > 0 {
		p.Walltimes = append([]WalltimeEntry(nil), over.Walltimes...)
	}
	if over.PollInterval != "" {
		p.PollInterval = over.PollInterval
	}
	return p
}

// Validate checks the fields the CLI needs to plan and submit.
func (p Profile) Validate() error {
	switch p.EffectiveTransport() {
	case TransportLocal:
	case TransportSSH, TransportSSHClient:
		if p.Remote == "" {
			return fmt.Errorf("transport %s requires remote (or set %s)", p.EffectiveTransport(), RemoteEnv)
		}
	default:
		return fmt.Errorf("unknown transport %q (want %s, %s or %s)", p.Transport, TransportLocal, TransportSSH, TransportSSHClient)
	}
	if p.ResultsRoot == "" {
		return errors.New("results_root is required")
	}
	if p.LogDir == "" {
		return errors.New("log_dir is required")
	}
	if _, err := p.Rounding(); err != nil {
		return err
	}
	return nil
}

// EffectiveTransport defaults to ssh when a remote is set and local
// otherwise.
func (p Profile) EffectiveTransport() string {
	t := strings.ToLower(strings.TrimSpace(p.Transport))
	if t != "" {
		return t
	}
	if p.Remote != "" {
		return TransportSSH
	}
	return TransportLocal
}

// Rounding parses WalltimeRounding.
func (p Profile) Rounding() (walltime.Rounding, error) {
	return walltime.ParseRounding(p.WalltimeRounding)
}

// Poll parses PollInterval, defaulting to 30s.
func (p Profile) Poll() (time.Duration, error) {
	if p.PollInterval == "" {
		return defaultPollInterval, nil
	}
	d, err := time.ParseDuration(p.PollInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid poll_interval %q: %w", p.PollInterval, err)
	}
	return d, nil
}

// Table builds the walltime table.
func (p Profile) Table() (walltime.Table, error) {
	entries := make(map[walltime.Key]time.Duration, len(p.Walltimes))
	for i, w := range p.Walltimes {
		d, err := walltime.Parse(w.Walltime)
		if err != nil {
			return walltime.Table{}, fmt.Errorf("walltimes[%d]: %w", i, err)
		}
		key := walltime.Key{
			Size:    wildcard(w.Size),
			Split:   wildcard(w.Split),
			Family:  wildcard(w.Family),
			Dataset: wildcard(w.Dataset),
		}
		if _, dup := entries[key]; dup {
			return walltime.Table{}, fmt.Errorf("walltimes[%d]: duplicate entry for %s", i, key)
		}
		entries[key] = d
	}
	return walltime.NewTable(entries), nil
}

func wildcard(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return walltime.Wildcard
	}
	return s
}

// ExpandPath resolves a leading ~ and makes p absolute.
func ExpandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		rest := strings.TrimPrefix(strings.TrimPrefix(p, "~"), "/")
		if rest == "" {
			p = home
		} else {
			p = filepath.Join(home, rest)
		}
	}
	return filepath.Abs(p)
}
