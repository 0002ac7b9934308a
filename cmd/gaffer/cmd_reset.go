package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"gaffer/pkg/pipeline"

	"github.com/spf13/cobra"
)

// newResetCmd creates the "gaffer reset" subcommand.
func newResetCmd() *cobra.Command {
	var keepHistory bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Terminate workers and clear orchestrator state",
		Long: `Sends SIGTERM to every tracked worker process group, removes the state
document, and clears the event log. Worktrees are left on disk; the next
run's stale sweep collects them.

Use --keep-history to preserve the event log.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			return runReset(cmd.OutOrStdout(), paths, keepHistory)
		},
	}

	cmd.Flags().BoolVar(&keepHistory, "keep-history", false, "preserve the event log")

	return cmd
}

// runReset is the core logic for the reset command, separated for
// testability.
func runReset(w io.Writer, paths *Paths, keepHistory bool) error {
	st, err := pipeline.NewStore(paths.StatePath).Load()
	if err != nil && !errors.Is(err, pipeline.ErrNoState) {
		return err
	}

	killed := 0
	if st != nil {
		killed = terminateWorkers(st)
	}
	if killed > 0 {
		fmt.Fprintf(w, "terminated %d worker(s)\n", killed)
	}

	if err := removeIfExists(paths.StatePath); err != nil {
		return err
	}
	if err := RemovePIDFile(paths.PIDPath); err != nil {
		return err
	}

	if !keepHistory {
		for _, p := range []string{paths.EventsDBPath, paths.EventsDBPath + "-wal", paths.EventsDBPath + "-shm"} {
			if err := removeIfExists(p); err != nil {
				return err
			}
		}
	}

	fmt.Fprintln(w, "state cleared")
	return nil
}

// terminateWorkers signals every running slot's process group and
// returns how many were signaled.
func terminateWorkers(st *pipeline.State) int {
	n := 0
	for _, pool := range st.Pools {
		for _, slot := range pool {
			if slot.Status != pipeline.SlotRunning || slot.PID == 0 {
				continue
			}
			// Workers run in their own process groups.
			if syscall.Kill(-slot.PID, syscall.SIGTERM) == nil {
				n++
			}
		}
	}
	return n
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}
