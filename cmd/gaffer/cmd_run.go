package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"gaffer/pkg/agentpool"
	"gaffer/pkg/config"
	"gaffer/pkg/eventlog"
	"gaffer/pkg/forge"
	"gaffer/pkg/orchestrator"
	"gaffer/pkg/pipeline"
	"gaffer/pkg/worktree"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

// wakeDebounce is how long the watch loop waits after a worker output
// write before running an early iteration. Workers append output
// continuously; without the debounce every write would trigger a full
// pass.
const wakeDebounce = 5 * time.Second

// newRunCmd creates the "gaffer run" subcommand.
func newRunCmd() *cobra.Command {
	var (
		watch  bool
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run orchestrator iterations",
		Long: `Runs one orchestrator iteration: intake open issues, harvest finished
workers, reconcile pull requests, and spawn new workers.

With --watch, keeps iterating on the configured sync interval, waking
early when worker output changes. With --dry-run, decisions are printed
to the event log but nothing is spawned, merged, or saved.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			if err := paths.EnsureLayout(); err != nil {
				return err
			}

			cfg, err := config.Load(paths.ConfigPath)
			if err != nil {
				return err
			}

			orc, events, err := buildOrchestrator(paths, &cfg, dryRun)
			if err != nil {
				return err
			}
			defer events.Close()

			if !watch {
				return orc.RunOnce(cmd.Context())
			}
			return runWatch(cmd.Context(), cmd.ErrOrStderr(), orc, &cfg, paths)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "keep iterating on the sync interval")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "observe and report without acting")

	return cmd
}

// buildOrchestrator wires the orchestrator from config and resolved paths.
// The returned event log must be closed by the caller.
func buildOrchestrator(paths *Paths, cfg *config.Config, dryRun bool) (*orchestrator.Orchestrator, *eventlog.Log, error) {
	gh, err := forge.NewGitHub(cfg.Repo, cfg.Trunk, forge.ExecRunner{})
	if err != nil {
		return nil, nil, fmt.Errorf("configure forge: %w", err)
	}

	events, err := eventlog.Open(paths.EventsDBPath)
	if err != nil {
		return nil, nil, err
	}

	orc := orchestrator.New(orchestrator.Options{
		Config:   cfg,
		Store:    pipeline.NewStore(paths.StatePath),
		Forge:    gh,
		Pool:     worktree.NewPool(cfg.RepoPath, paths.WorktreesDir, cfg.Trunk, cfg.SetupCommand, cfg.WarmPoolSize, forge.ExecRunner{}),
		Agents:   agentpool.NewManager(paths.OutputsDir, paths.PIDsDir, cfg.WorkerCommand),
		Events:   events,
		RepoRoot: cfg.RepoPath,
		PlanDir:  paths.PlansDir,
		DryRun:   dryRun,
	})
	return orc, events, nil
}

// runWatch iterates until interrupted. Exactly one watch-mode runner may
// hold the PID file at a time.
func runWatch(parent context.Context, errw io.Writer, orc *orchestrator.Orchestrator, cfg *config.Config, paths *Paths) error {
	status, pid, err := RunnerStatus(paths.PIDPath)
	if err != nil {
		return err
	}
	if status == StatusRunning {
		return fmt.Errorf("gaffer is already running (pid %d)", pid)
	}

	if err := WritePIDFile(paths.PIDPath, os.Getpid()); err != nil {
		return err
	}
	ctx, cleanup := SetupSignalHandler(parent, paths.PIDPath)
	defer cleanup()

	iterate := func() {
		if err := orc.RunOnce(ctx); err != nil && ctx.Err() == nil {
			fmt.Fprintf(errw, "iteration failed: %v\n", err)
		}
	}
	iterate()

	ticker := time.NewTicker(cfg.SyncInterval.Std())
	defer ticker.Stop()

	// Wake early when worker output changes; the ticker is the safety net
	// when fsnotify is unavailable.
	var fsEvents chan fsnotify.Event
	var fsErrors chan error
	if watcher, werr := fsnotify.NewWatcher(); werr == nil {
		defer func() { _ = watcher.Close() }()
		if werr := watcher.Add(paths.OutputsDir); werr == nil {
			fsEvents = watcher.Events
			fsErrors = watcher.Errors
		}
	}

	var wake *time.Timer
	for {
		var wakeC <-chan time.Time
		if wake != nil {
			wakeC = wake.C
		}
		select {
		case <-ctx.Done():
			orc.WaitReplenish()
			return nil
		case <-ticker.C:
			iterate()
			wake = nil
		case <-wakeC:
			iterate()
			wake = nil
		case <-fsEvents:
			if wake == nil {
				wake = time.NewTimer(wakeDebounce)
			}
		case werr := <-fsErrors:
			if werr != nil {
				fmt.Fprintf(errw, "output watcher: %v\n", werr)
			}
		}
	}
}
