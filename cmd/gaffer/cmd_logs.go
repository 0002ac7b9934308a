package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"gaffer/pkg/eventlog"

	"github.com/spf13/cobra"
)

// logsConfig holds configuration for the logs command.
type logsConfig struct {
	tail      int
	follow    bool
	eventType string
	ticket    int
	slot      string
}

// newLogsCmd creates the "gaffer logs" subcommand.
func newLogsCmd() *cobra.Command {
	var cfg logsConfig

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query and tail orchestrator events",
		Long:  "Displays events from the orchestrator audit log.\nFilter by event type, ticket, or slot; follow new events with -f.",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}

			log, err := eventlog.Open(paths.EventsDBPath)
			if err != nil {
				return err
			}
			defer log.Close()

			w := cmd.OutOrStdout()
			if cfg.follow {
				return followEvents(cmd.Context(), log, w, cfg)
			}
			return printEvents(cmd.Context(), log, w, cfg)
		},
	}

	cmd.Flags().IntVar(&cfg.tail, "tail", 20, "number of recent events to show")
	cmd.Flags().BoolVarP(&cfg.follow, "follow", "f", false, "poll for new events every 1s")
	cmd.Flags().StringVar(&cfg.eventType, "type", "", "filter by event type (spawn, harvest, merge, ...)")
	cmd.Flags().IntVar(&cfg.ticket, "ticket", 0, "filter by ticket number")
	cmd.Flags().StringVar(&cfg.slot, "slot", "", "filter by slot id")

	return cmd
}

// printEvents displays the last N matching events in chronological order.
func printEvents(ctx context.Context, log *eventlog.Log, w io.Writer, cfg logsConfig) error {
	events, err := log.Query(ctx, eventlog.QueryOpts{
		Type:   cfg.eventType,
		Ticket: cfg.ticket,
		Slot:   cfg.slot,
		Limit:  cfg.tail,
	})
	if err != nil {
		return err
	}

	if len(events) == 0 {
		fmt.Fprintln(w, "no events found")
		return nil
	}

	// Query returns newest first; print oldest first.
	for i := len(events) - 1; i >= 0; i-- {
		formatEvent(w, &events[i])
	}
	return nil
}

// followEvents prints the initial tail, then polls for new events.
func followEvents(ctx context.Context, log *eventlog.Log, w io.Writer, cfg logsConfig) error {
	events, err := log.Query(ctx, eventlog.QueryOpts{
		Type:   cfg.eventType,
		Ticket: cfg.ticket,
		Slot:   cfg.slot,
		Limit:  cfg.tail,
	})
	if err != nil {
		return err
	}

	var lastID int64
	for i := len(events) - 1; i >= 0; i-- {
		formatEvent(w, &events[i])
		lastID = events[i].ID
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fresh, err := log.Query(ctx, eventlog.QueryOpts{
				Type:   cfg.eventType,
				Ticket: cfg.ticket,
				Slot:   cfg.slot,
				Limit:  100,
			})
			if err != nil {
				return err
			}
			for i := len(fresh) - 1; i >= 0; i-- {
				if fresh[i].ID <= lastID {
					continue
				}
				formatEvent(w, &fresh[i])
				lastID = fresh[i].ID
			}
		}
	}
}

// formatEvent writes a single event in a human-readable format.
func formatEvent(w io.Writer, e *eventlog.Event) {
	ticket := ""
	if e.Ticket != 0 {
		ticket = fmt.Sprintf("#%d", e.Ticket)
	}
	pr := ""
	if e.PR != 0 {
		pr = fmt.Sprintf("PR#%d", e.PR)
	}

	fmt.Fprintf(w, "%s | %-12s | %-6s %-7s | %-12s | %s\n",
		e.CreatedAt.Local().Format(time.RFC3339), e.Type, ticket, pr, e.Slot, e.Detail)
}
