package main

import (
	"fmt"
	"io"
	"os"

	"gaffer/pkg/config"

	"github.com/spf13/cobra"
)

// configTemplate is the commented starter config written by `gaffer init`.
// Commented lines show the built-in defaults.
const configTemplate = `# gaffer configuration

# Target repository, owner/name form. Required.
repo = "%s"

# Local clone worktrees are cut from.
repo_path = "%s"

# Integration branch new work is cut from.
#trunk = %q

# Ticket branches are named <branch_prefix>/<issue>.
#branch_prefix = %q

# Delay between iterations in watch mode.
#sync_interval = %q

# A worker producing no output for this long is reclaimed.
#stale_after = %q

# How often a blocked ticket is re-queued before failing.
#max_retries = %d

# Bound on the review <-> rework loop before a forced pass.
#max_review_iterations = %d

# Merge approved, green PRs automatically.
auto_merge = true

# Pause issue intake while trunk CI is failing.
trunk_priority = true

# Comment phrases that count as approval, scanned case-insensitively.
#approval_keywords = ["lgtm", "ship it"]

# Pre-provisioned worktrees kept ready for developers.
#warm_pool_size = %d

# Dependency install run in each fresh worktree, via sh -c.
#setup_command = %q

# Worker launch command; the prompt arrives on stdin.
#worker_command = %q

[pools]
#planners = 1
#developers = 2
#reviewers = 1
#testers = 1
#fixers = 1
`

// newInitCmd creates the "gaffer init" subcommand.
func newInitCmd() *cobra.Command {
	var (
		repo     string
		repoPath string
		force    bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the state directory and a starter config",
		Long: `Creates the gaffer state directory layout and writes a commented
config.toml with every option at its default.

Use --repo to set the target repository, --repo-path for the local
clone, and --force to overwrite an existing config.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			return runInit(cmd.OutOrStdout(), paths, repo, repoPath, force)
		},
	}

	cmd.Flags().StringVar(&repo, "repo", "", "target repository (owner/name)")
	cmd.Flags().StringVar(&repoPath, "repo-path", ".", "local clone worktrees are cut from")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config.toml")

	return cmd
}

// runInit is the core logic for the init command, separated for
// testability.
func runInit(w io.Writer, paths *Paths, repo, repoPath string, force bool) error {
	if err := paths.EnsureLayout(); err != nil {
		return err
	}

	if _, err := os.Stat(paths.ConfigPath); err == nil && !force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", paths.ConfigPath)
	}

	content := fmt.Sprintf(configTemplate,
		repo, repoPath,
		config.DefaultTrunk, config.DefaultBranchPrefix,
		config.DefaultSyncInterval.Std().String(), config.DefaultStaleAfter.Std().String(),
		config.DefaultMaxRetries, config.DefaultMaxReviewIterations,
		config.DefaultWarmPoolSize,
		config.DefaultSetupCommand, config.DefaultWorkerCommand,
	)
	if err := os.WriteFile(paths.ConfigPath, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", paths.ConfigPath, err)
	}

	fmt.Fprintf(w, "wrote %s\n", paths.ConfigPath)
	if repo == "" {
		fmt.Fprintln(w, "set 'repo' before running gaffer")
	}
	return nil
}
