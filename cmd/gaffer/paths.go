package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// gafferDir is the default state directory name under $HOME.
const gafferDir = ".gaffer"

// Paths holds all resolved gaffer state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	Home         string // ~/.gaffer or GAFFER_HOME
	ConfigPath   string // config.toml or GAFFER_CONFIG
	StatePath    string // state.json or GAFFER_STATE_PATH
	EventsDBPath string // events.db or GAFFER_EVENTS_DB
	PIDPath      string // gaffer.pid
	OutputsDir   string // per-slot worker output logs
	PIDsDir      string // per-slot worker pid files
	PlansDir     string // plan documents written by planners
	WorktreesDir string // warm pool + ticket worktrees
}

// ResolvePaths returns all gaffer paths, respecting env var overrides.
// GAFFER_HOME moves the whole state directory; GAFFER_CONFIG,
// GAFFER_STATE_PATH and GAFFER_EVENTS_DB override individual files.
func ResolvePaths() (*Paths, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, err
	}

	return &Paths{
		Home:         home,
		ConfigPath:   resolvePathWithEnv("GAFFER_CONFIG", home, "config.toml"),
		StatePath:    resolvePathWithEnv("GAFFER_STATE_PATH", home, "state.json"),
		EventsDBPath: resolvePathWithEnv("GAFFER_EVENTS_DB", home, "events.db"),
		PIDPath:      filepath.Join(home, "gaffer.pid"),
		OutputsDir:   filepath.Join(home, "outputs"),
		PIDsDir:      filepath.Join(home, "pids"),
		PlansDir:     filepath.Join(home, "plans"),
		WorktreesDir: filepath.Join(home, "worktrees"),
	}, nil
}

// EnsureLayout creates the state directory tree.
func (p *Paths) EnsureLayout() error {
	for _, dir := range []string{p.Home, p.OutputsDir, p.PIDsDir, p.PlansDir, p.WorktreesDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// resolveHome returns the gaffer home directory from GAFFER_HOME or ~/.gaffer.
func resolveHome() (string, error) {
	if v := os.Getenv("GAFFER_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, gafferDir), nil
}

// resolvePathWithEnv returns the path from envKey if set, otherwise joins base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}
