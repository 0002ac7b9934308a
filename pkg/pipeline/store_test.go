package pipeline_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gaffer/pkg/pipeline"
)

func TestStore_LoadMissingReturnsErrNoState(t *testing.T) {
	t.Parallel()

	st := pipeline.NewStore(filepath.Join(t.TempDir(), "state.json"))
	if _, err := st.Load(); !errors.Is(err, pipeline.ErrNoState) {
		t.Fatalf("err = %v, want ErrNoState", err)
	}
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	st := pipeline.NewStore(path)

	s := pipeline.NewState(testSizes())
	s.Iteration = 41
	s.UpdatedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.Items[123] = &pipeline.WorkItem{
		Issue:  123,
		Title:  "add login form",
		Stage:  pipeline.StagePlanned,
		Branch: "gaffer/123",
	}
	s.Enqueue(pipeline.RoleDeveloper, 123)
	s.Blocked[77] = &pipeline.BlockedTicket{Ticket: 77, Reason: "agent died", Resume: pipeline.StagePlanned}
	s.Fixes[456] = &pipeline.FixEntry{PR: 456, Ticket: 123, Reason: "ci_failing"}
	s.TrunkStatus = pipeline.TrunkPassing

	if err := st.Save(s); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := st.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Iteration != 41 {
		t.Errorf("Iteration = %d", got.Iteration)
	}
	if item := got.Items[123]; item == nil || item.Stage != pipeline.StagePlanned || item.Branch != "gaffer/123" {
		t.Errorf("Items[123] = %+v", got.Items[123])
	}
	if got.QueuedRole(123) != pipeline.RoleDeveloper {
		t.Error("queue membership lost in round trip")
	}
	if b := got.Blocked[77]; b == nil || b.Reason != "agent died" {
		t.Errorf("Blocked[77] = %+v", got.Blocked[77])
	}
	if f := got.Fixes[456]; f == nil || f.Ticket != 123 {
		t.Errorf("Fixes[456] = %+v", got.Fixes[456])
	}
	if got.TrunkStatus != pipeline.TrunkPassing {
		t.Errorf("TrunkStatus = %q", got.TrunkStatus)
	}
}

func TestStore_SaveLeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	st := pipeline.NewStore(filepath.Join(dir, "state.json"))
	if err := st.Save(pipeline.NewState(testSizes())); err != nil {
		t.Fatalf("save: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "state.json" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("dir contents = %v, want only state.json", names)
	}
}

func TestStore_LoadCorruptDocument(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := pipeline.NewStore(path).Load(); err == nil {
		t.Fatal("expected decode error")
	}
}
