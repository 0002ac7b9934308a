package eventlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

var t0 = time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	log, err := Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	now := t0
	log.SetNowFunc(func() time.Time {
		now = now.Add(time.Second)
		return now
	})
	return log
}

func TestAppendAndQuery(t *testing.T) {
	log := openTestLog(t)
	ctx := context.Background()

	events := []Event{
		{Type: TypeSpawn, Ticket: 42, Slot: "planner-1", Detail: "planning"},
		{Type: TypeHarvest, Ticket: 42, Slot: "planner-1", Detail: "PLAN_READY"},
		{Type: TypeMerge, Ticket: 7, PR: 17},
	}
	for _, e := range events {
		if err := log.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := log.Query(ctx, QueryOpts{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	// Newest first.
	if got[0].Type != TypeMerge || got[2].Type != TypeSpawn {
		t.Errorf("order wrong: %s ... %s", got[0].Type, got[2].Type)
	}
	if got[0].PR != 17 || got[0].CreatedAt.IsZero() {
		t.Errorf("event = %+v", got[0])
	}
}

func TestQueryFilters(t *testing.T) {
	log := openTestLog(t)
	ctx := context.Background()

	_ = log.Append(ctx, Event{Type: TypeSpawn, Ticket: 1, Slot: "developer-1"})
	_ = log.Append(ctx, Event{Type: TypeSpawn, Ticket: 2, Slot: "developer-2"})
	_ = log.Append(ctx, Event{Type: TypeBlocked, Ticket: 1, Slot: "developer-1"})

	byTicket, err := log.Query(ctx, QueryOpts{Ticket: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(byTicket) != 2 {
		t.Errorf("ticket filter: %d events, want 2", len(byTicket))
	}

	byType, err := log.Query(ctx, QueryOpts{Type: TypeBlocked})
	if err != nil {
		t.Fatal(err)
	}
	if len(byType) != 1 || byType[0].Ticket != 1 {
		t.Errorf("type filter: %+v", byType)
	}

	bySlot, err := log.Query(ctx, QueryOpts{Slot: "developer-2", Type: TypeSpawn})
	if err != nil {
		t.Fatal(err)
	}
	if len(bySlot) != 1 || bySlot[0].Ticket != 2 {
		t.Errorf("combined filter: %+v", bySlot)
	}
}

func TestQueryLimit(t *testing.T) {
	log := openTestLog(t)
	ctx := context.Background()
	for i := 1; i <= 10; i++ {
		_ = log.Append(ctx, Event{Type: TypeIteration, Ticket: i})
	}

	got, err := log.Query(ctx, QueryOpts{Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("limit ignored: %d events", len(got))
	}
	if got[0].Ticket != 10 {
		t.Errorf("limited query must keep newest first, got ticket %d", got[0].Ticket)
	}
}

func TestOpenCreatesDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh.db")
	log, err := Open(path)
	if err != nil {
		t.Fatalf("Open on missing file: %v", err)
	}
	defer log.Close()
	if err := log.Append(context.Background(), Event{Type: TypeIteration}); err != nil {
		t.Errorf("Append on fresh db: %v", err)
	}
}

func TestCloseTwice(t *testing.T) {
	log := openTestLog(t)
	if err := log.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	_ = log.Close()
}
