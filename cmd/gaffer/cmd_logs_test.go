package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gaffer/pkg/eventlog"
)

func seededEventLog(t *testing.T) *eventlog.Log {
	t.Helper()
	log, err := eventlog.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	i := 0
	log.SetNowFunc(func() time.Time {
		i++
		return base.Add(time.Duration(i) * time.Second)
	})

	ctx := context.Background()
	events := []eventlog.Event{
		{Type: eventlog.TypeIntake, Ticket: 42, Detail: "add pagination"},
		{Type: eventlog.TypeSpawn, Ticket: 42, Slot: "planner-1", Detail: "planner"},
		{Type: eventlog.TypeHarvest, Ticket: 42, Slot: "planner-1", Detail: "plan_ready"},
		{Type: eventlog.TypeMerge, Ticket: 42, PR: 17, Detail: "merged"},
	}
	for _, e := range events {
		if err := log.Append(ctx, e); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}
	return log
}

func TestPrintEventsChronological(t *testing.T) {
	log := seededEventLog(t)
	var out bytes.Buffer

	if err := printEvents(context.Background(), log, &out, logsConfig{tail: 20}); err != nil {
		t.Fatalf("printEvents() error: %v", err)
	}

	got := out.String()
	intakeAt := strings.Index(got, "intake")
	mergeAt := strings.Index(got, "merge")
	if intakeAt == -1 || mergeAt == -1 {
		t.Fatalf("output missing events:\n%s", got)
	}
	if intakeAt > mergeAt {
		t.Error("events should print oldest first")
	}
	if !strings.Contains(got, "PR#17") {
		t.Errorf("output missing PR reference:\n%s", got)
	}
}

func TestPrintEventsFiltersByType(t *testing.T) {
	log := seededEventLog(t)
	var out bytes.Buffer

	if err := printEvents(context.Background(), log, &out, logsConfig{tail: 20, eventType: eventlog.TypeSpawn}); err != nil {
		t.Fatalf("printEvents() error: %v", err)
	}

	got := out.String()
	if !strings.Contains(got, "spawn") {
		t.Errorf("output missing spawn event:\n%s", got)
	}
	if strings.Contains(got, "merge") {
		t.Errorf("type filter leaked other events:\n%s", got)
	}
}

func TestPrintEventsTailLimitsToNewest(t *testing.T) {
	log := seededEventLog(t)
	var out bytes.Buffer

	if err := printEvents(context.Background(), log, &out, logsConfig{tail: 1}); err != nil {
		t.Fatalf("printEvents() error: %v", err)
	}

	got := out.String()
	if !strings.Contains(got, "merge") {
		t.Errorf("tail 1 should keep the newest event:\n%s", got)
	}
	if strings.Contains(got, "intake") {
		t.Errorf("tail 1 should drop older events:\n%s", got)
	}
}

func TestPrintEventsEmptyLog(t *testing.T) {
	log, err := eventlog.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()

	var out bytes.Buffer
	if err := printEvents(context.Background(), log, &out, logsConfig{tail: 20}); err != nil {
		t.Fatalf("printEvents() error: %v", err)
	}
	if !strings.Contains(out.String(), "no events found") {
		t.Errorf("output = %q, want no-events message", out.String())
	}
}
