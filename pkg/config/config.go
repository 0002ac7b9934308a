// Package config loads gaffer's TOML configuration. Every option has a
// default so a missing or empty config file yields a fully usable Config.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration wraps time.Duration so TOML values can be written as "90s" or
// "15m" strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Pools holds the per-role worker slot counts.
type Pools struct {
	Planners   int `toml:"planners"`
	Developers int `toml:"developers"`
	Reviewers  int `toml:"reviewers"`
	Testers    int `toml:"testers"`
	Fixers     int `toml:"fixers"`
}

// Config holds all recognized gaffer options.
type Config struct {
	// Repo is the target repository identifier, owner/name form.
	Repo string `toml:"repo"`

	// RepoPath is the local clone worktrees are cut from.
	RepoPath string `toml:"repo_path"`

	// Trunk is the integration branch new work is cut from.
	Trunk string `toml:"trunk"`

	// BranchPrefix is prepended to ticket branches: <prefix>/<issue>.
	BranchPrefix string `toml:"branch_prefix"`

	Pools Pools `toml:"pools"`

	// SyncInterval is the delay between iterations in watch mode.
	SyncInterval Duration `toml:"sync_interval"`

	// StaleAfter is how long a running worker may go without producing
	// new output before it is forcibly reclaimed.
	StaleAfter Duration `toml:"stale_after"`

	// MaxRetries bounds how often a blocked ticket is re-queued.
	MaxRetries int `toml:"max_retries"`

	// MaxReviewIterations bounds the reviewing <-> developing loop.
	MaxReviewIterations int `toml:"max_review_iterations"`

	AutoMerge     bool `toml:"auto_merge"`
	TrunkPriority bool `toml:"trunk_priority"`

	// ApprovalKeywords are scanned case-insensitively in PR comments as an
	// alternate approval path for repos without formal review decisions.
	ApprovalKeywords []string `toml:"approval_keywords"`

	// WarmPoolSize is the target number of pre-provisioned worktrees.
	WarmPoolSize int `toml:"warm_pool_size"`

	// SetupCommand installs dependencies in a fresh worktree. Run with
	// `sh -c` inside the worktree directory.
	SetupCommand string `toml:"setup_command"`

	// WorkerCommand launches one worker; the prompt is passed on stdin.
	WorkerCommand string `toml:"worker_command"`
}

// Default values.
const (
	DefaultTrunk               = "main"
	DefaultBranchPrefix        = "gaffer"
	DefaultSyncInterval        = Duration(60 * time.Second)
	DefaultStaleAfter          = Duration(20 * time.Minute)
	DefaultMaxRetries          = 3
	DefaultMaxReviewIterations = 3
	DefaultWarmPoolSize        = 2
	DefaultSetupCommand        = "npm install"
	DefaultWorkerCommand       = "claude -p --dangerously-skip-permissions"
)

func (c Config) withDefaults() Config {
	out := c
	if out.RepoPath == "" {
		out.RepoPath = "."
	}
	if out.Trunk == "" {
		out.Trunk = DefaultTrunk
	}
	if out.BranchPrefix == "" {
		out.BranchPrefix = DefaultBranchPrefix
	}
	if out.Pools.Planners == 0 {
		out.Pools.Planners = 1
	}
	if out.Pools.Developers == 0 {
		out.Pools.Developers = 2
	}
	if out.Pools.Reviewers == 0 {
		out.Pools.Reviewers = 1
	}
	if out.Pools.Testers == 0 {
		out.Pools.Testers = 1
	}
	if out.Pools.Fixers == 0 {
		out.Pools.Fixers = 1
	}
	if out.SyncInterval == 0 {
		out.SyncInterval = DefaultSyncInterval
	}
	if out.StaleAfter == 0 {
		out.StaleAfter = DefaultStaleAfter
	}
	if out.MaxRetries == 0 {
		out.MaxRetries = DefaultMaxRetries
	}
	if out.MaxReviewIterations == 0 {
		out.MaxReviewIterations = DefaultMaxReviewIterations
	}
	if len(out.ApprovalKeywords) == 0 {
		out.ApprovalKeywords = []string{"lgtm", "ship it"}
	}
	if out.WarmPoolSize == 0 {
		out.WarmPoolSize = DefaultWarmPoolSize
	}
	if out.SetupCommand == "" {
		out.SetupCommand = DefaultSetupCommand
	}
	if out.WorkerCommand == "" {
		out.WorkerCommand = DefaultWorkerCommand
	}
	return out
}

// Default returns a Config with every option at its default value.
func Default() Config {
	return Config{}.withDefaults()
}

// Load reads the TOML config at path. A missing file is not an error: the
// defaults are returned so `gaffer run` works before `gaffer init`.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // config path is operator-controlled
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg.withDefaults(), nil
}

// Size returns the configured pool size for role, or 0 for unknown roles.
func (p Pools) Size(role string) int {
	switch role {
	case "planner":
		return p.Planners
	case "developer":
		return p.Developers
	case "reviewer":
		return p.Reviewers
	case "tester":
		return p.Testers
	case "fixer":
		return p.Fixers
	default:
		return 0
	}
}
