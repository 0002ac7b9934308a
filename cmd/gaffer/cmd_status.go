package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gaffer/pkg/pipeline"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// newStatusCmd creates the "gaffer status" subcommand.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show current pipeline state",
		Long:  "Displays trunk health, agent pools, queue depths, and blocked tickets\nfrom the saved state document.",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}

			st, err := pipeline.NewStore(paths.StatePath).Load()
			if errors.Is(err, pipeline.ErrNoState) {
				fmt.Fprintln(cmd.OutOrStdout(), "no state yet; run 'gaffer run' first")
				return nil
			}
			if err != nil {
				return err
			}

			styled := isatty.IsTerminal(os.Stdout.Fd())
			renderStatus(cmd.OutOrStdout(), st, styled)
			return nil
		},
	}
}

// statusTheme holds the status color palette, with every style a no-op
// when the output is not a terminal.
type statusTheme struct {
	good  lipgloss.Style
	bad   lipgloss.Style
	warn  lipgloss.Style
	muted lipgloss.Style
	title lipgloss.Style
}

func newStatusTheme(styled bool) statusTheme {
	if !styled {
		plain := lipgloss.NewStyle()
		return statusTheme{good: plain, bad: plain, warn: plain, muted: plain, title: plain}
	}
	return statusTheme{
		good:  lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		bad:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		warn:  lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		muted: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		title: lipgloss.NewStyle().Bold(true),
	}
}

// renderStatus writes a human-readable summary of the state document.
func renderStatus(w io.Writer, st *pipeline.State, styled bool) {
	theme := newStatusTheme(styled)

	trunk := theme.warn
	switch st.TrunkStatus {
	case pipeline.TrunkPassing:
		trunk = theme.good
	case pipeline.TrunkFailing:
		trunk = theme.bad
	}
	fmt.Fprintf(w, "%s %s", theme.title.Render("trunk:"), trunk.Render(st.TrunkStatus))
	if st.TrunkRepair != nil {
		fmt.Fprintf(w, "  (repair for run %d)", st.TrunkRepair.RunID)
	}
	fmt.Fprintf(w, "   iteration %d\n\n", st.Iteration)

	fmt.Fprintln(w, theme.title.Render("pools"))
	for _, role := range pipeline.Roles() {
		running := st.RunningCount(role)
		total := len(st.Pools[role])
		queued := len(st.Queues[role])
		line := fmt.Sprintf("  %-10s %d/%d running", role, running, total)
		if queued > 0 {
			line += fmt.Sprintf(", %d queued", queued)
		}
		fmt.Fprintln(w, line)
		for _, slot := range st.Pools[role] {
			if slot.Status != pipeline.SlotRunning {
				continue
			}
			work := fmt.Sprintf("#%d", slot.Ticket)
			if slot.TrunkRepair {
				work = "trunk repair"
			}
			fmt.Fprintf(w, "    %s %s (pid %d)\n", theme.muted.Render(slot.ID), work, slot.PID)
		}
	}

	fmt.Fprintf(w, "\n%s %d live", theme.title.Render("tickets:"), len(st.Items))
	fmt.Fprintf(w, ", %d completed, %s\n", len(st.Completed), countStyled(theme, len(st.Failed), "failed"))

	if len(st.Blocked) > 0 {
		fmt.Fprintln(w, theme.title.Render("blocked"))
		for _, ticket := range sortedKeys(st.Blocked) {
			bt := st.Blocked[ticket]
			fmt.Fprintf(w, "  #%d: %s (retries %d)\n", ticket, bt.Reason, bt.Retries)
		}
	}

	if len(st.Fixes) > 0 {
		fmt.Fprintln(w, theme.title.Render("pending fixes"))
		for _, pr := range sortedKeys(st.Fixes) {
			fe := st.Fixes[pr]
			fmt.Fprintf(w, "  PR #%d (#%d): %s\n", pr, fe.Ticket, fe.Reason)
		}
	}
}

func countStyled(theme statusTheme, n int, label string) string {
	s := fmt.Sprintf("%d %s", n, label)
	if n > 0 {
		return theme.bad.Render(s)
	}
	return s
}

func sortedKeys[V any](m map[int]*V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// stageCounts summarizes live items per stage, for the dashboard.
func stageCounts(st *pipeline.State) string {
	counts := make(map[pipeline.Stage]int)
	for _, item := range st.Items {
		counts[item.Stage]++
	}
	stages := []pipeline.Stage{
		pipeline.StageIssue, pipeline.StagePlanning, pipeline.StagePlanned,
		pipeline.StageDeveloping, pipeline.StageReviewing, pipeline.StageTesting,
		pipeline.StagePRCreated,
	}
	parts := make([]string, 0, len(stages))
	for _, s := range stages {
		if counts[s] > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", s, counts[s]))
		}
	}
	if len(parts) == 0 {
		return "idle"
	}
	return strings.Join(parts, " | ")
}
