package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"gaffer/pkg/eventlog"
	"gaffer/pkg/pipeline"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

// dashEventLimit is how many recent events the dashboard shows.
const dashEventLimit = 12

// newDashCmd creates the "gaffer dash" subcommand.
func newDashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dash",
		Short: "Launch interactive dashboard",
		Long:  "Opens a live TUI showing the pipeline board, agent pools, and the\nrecent event stream. Refreshes every 2 seconds.",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}

			p := tea.NewProgram(newDashModel(paths), tea.WithAltScreen())
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("run dashboard: %w", err)
			}
			return nil
		},
	}
}

// tickMsg is sent on every refresh interval.
type tickMsg time.Time

// stateMsg carries a freshly loaded state document. nil means no state
// document exists yet.
type stateMsg *pipeline.State

// eventsMsg carries the recent event tail, newest first.
type eventsMsg []eventlog.Event

// tickCmd returns a command that sends a tickMsg after 2 seconds.
func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// loadStateCmd reads the state document off the Bubble Tea event loop.
func loadStateCmd(statePath string) tea.Cmd {
	return func() tea.Msg {
		st, err := pipeline.NewStore(statePath).Load()
		if err != nil {
			return stateMsg(nil)
		}
		return stateMsg(st)
	}
}

// loadEventsCmd reads the recent event tail. The event database is
// opened per refresh so the dashboard never holds a long-lived handle
// against the orchestrator's writes.
func loadEventsCmd(eventsDBPath string) tea.Cmd {
	return func() tea.Msg {
		log, err := eventlog.Open(eventsDBPath)
		if err != nil {
			return eventsMsg(nil)
		}
		defer log.Close()

		events, err := log.Query(context.Background(), eventlog.QueryOpts{Limit: dashEventLimit})
		if err != nil {
			return eventsMsg(nil)
		}
		return eventsMsg(events)
	}
}

// dashPalette holds the prebuilt styles the dashboard renders with.
// Same ANSI colors as the status command, plus titles and stage labels.
type dashPalette struct {
	title lipgloss.Style
	stage lipgloss.Style
	good  lipgloss.Style
	warn  lipgloss.Style
	bad   lipgloss.Style
	muted lipgloss.Style
}

func newDashPalette() dashPalette {
	return dashPalette{
		title: lipgloss.NewStyle().Bold(true),
		stage: lipgloss.NewStyle().Foreground(lipgloss.Color("14")),
		good:  lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		warn:  lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		bad:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		muted: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
}

// dashModel is the Bubble Tea model for the gaffer dashboard.
type dashModel struct {
	paths  *Paths
	pal    dashPalette
	state  *pipeline.State
	events []eventlog.Event
	width  int
	height int
}

func newDashModel(paths *Paths) dashModel {
	return dashModel{paths: paths, pal: newDashPalette()}
}

// Init implements tea.Model.
func (m dashModel) Init() tea.Cmd {
	return tea.Batch(loadStateCmd(m.paths.StatePath), loadEventsCmd(m.paths.EventsDBPath), tickCmd())
}

// Update implements tea.Model.
func (m dashModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case stateMsg:
		m.state = msg

	case eventsMsg:
		m.events = msg

	case tickMsg:
		return m, tea.Batch(loadStateCmd(m.paths.StatePath), loadEventsCmd(m.paths.EventsDBPath), tickCmd())
	}

	return m, nil
}

// View implements tea.Model.
func (m dashModel) View() string {
	if m.state == nil {
		return m.pal.muted.Padding(1, 2).
			Render("no state yet; run 'gaffer run' first (q to quit)")
	}

	sections := []string{
		m.renderHeader(),
		m.renderPools(),
		m.renderTickets(),
		m.renderEvents(),
		m.pal.muted.Render("q quit"),
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...) + "\n"
}

// renderHeader renders trunk health and the stage summary line.
func (m dashModel) renderHeader() string {
	st := m.state

	trunkStyle := m.pal.warn
	switch st.TrunkStatus {
	case pipeline.TrunkPassing:
		trunkStyle = m.pal.good
	case pipeline.TrunkFailing:
		trunkStyle = m.pal.bad
	}

	return lipgloss.JoinHorizontal(
		lipgloss.Left,
		m.pal.title.Render("gaffer"),
		"  ",
		trunkStyle.Render("trunk: "+st.TrunkStatus),
		m.pal.muted.Render(fmt.Sprintf("  iteration %d  %s", st.Iteration, stageCounts(st))),
	)
}

// renderPools renders one line per role pool.
func (m dashModel) renderPools() string {
	st := m.state
	var b strings.Builder

	b.WriteString(m.pal.title.Render("pools") + "\n")
	for _, role := range pipeline.Roles() {
		running := st.RunningCount(role)
		total := len(st.Pools[role])
		gauge := m.pal.muted
		if running > 0 {
			gauge = m.pal.good
		}
		line := fmt.Sprintf("  %-10s %s", role, gauge.Render(fmt.Sprintf("%d/%d", running, total)))
		if queued := len(st.Queues[role]); queued > 0 {
			line += m.pal.warn.Render(fmt.Sprintf("  +%d queued", queued))
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

// renderTickets renders the live work items sorted by issue number.
func (m dashModel) renderTickets() string {
	st := m.state
	var b strings.Builder

	b.WriteString(m.pal.title.Render("tickets") + "\n")
	if len(st.Items) == 0 {
		b.WriteString(m.pal.muted.Render("  none live") + "\n")
		return b.String()
	}

	issues := make([]int, 0, len(st.Items))
	for n := range st.Items {
		issues = append(issues, n)
	}
	sort.Ints(issues)

	for _, n := range issues {
		item := st.Items[n]
		line := fmt.Sprintf("  #%-5d %-12s %s",
			n, m.pal.stage.Render(string(item.Stage)), truncate(item.Title, 50))
		if _, blocked := st.Blocked[n]; blocked {
			line += m.pal.bad.Render("  blocked")
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

// renderEvents renders the recent event tail, oldest first.
func (m dashModel) renderEvents() string {
	var b strings.Builder

	b.WriteString(m.pal.title.Render("events") + "\n")
	if len(m.events) == 0 {
		b.WriteString(m.pal.muted.Render("  none yet") + "\n")
		return b.String()
	}

	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		ref := ""
		if e.Ticket != 0 {
			ref = fmt.Sprintf(" #%d", e.Ticket)
		}
		b.WriteString(fmt.Sprintf("  %s %-12s%s %s\n",
			m.pal.muted.Render(e.CreatedAt.Local().Format("15:04:05")),
			e.Type, ref, truncate(e.Detail, 60)))
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
