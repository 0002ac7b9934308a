package agentpool

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gaffer/pkg/pipeline"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	return NewManager(filepath.Join(dir, "outputs"), filepath.Join(dir, "pids"), "true")
}

func sleepFactory(d string) func(prompt, worktree string) *exec.Cmd {
	return func(prompt, worktree string) *exec.Cmd {
		return exec.Command("sleep", d)
	}
}

func TestSpawnTracksSlotAndWritesPidFile(t *testing.T) {
	m := newTestManager(t)
	m.SetCmdFactory(sleepFactory("60"))
	slot := &pipeline.AgentSlot{ID: "developer-0", Role: pipeline.RoleDeveloper}

	if err := m.Spawn(slot, 42, "prompt", t.TempDir()); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer m.Reclaim(slot)

	if slot.Status != pipeline.SlotRunning || slot.Ticket != 42 || slot.PID <= 0 {
		t.Errorf("slot = %+v", slot)
	}
	data, err := os.ReadFile(filepath.Join(m.pidsDir, "developer-0.pid"))
	if err != nil {
		t.Fatalf("pid file: %v", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		t.Error("pid file empty")
	}
	if !m.Alive(slot) {
		t.Error("freshly spawned worker reported dead")
	}
}

func TestSpawnRefusesBusySlot(t *testing.T) {
	m := newTestManager(t)
	m.SetCmdFactory(sleepFactory("60"))
	slot := &pipeline.AgentSlot{ID: "developer-0", Role: pipeline.RoleDeveloper}

	if err := m.Spawn(slot, 42, "p", t.TempDir()); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer m.Reclaim(slot)

	if err := m.Spawn(slot, 43, "p", t.TempDir()); err == nil {
		t.Error("second Spawn on running slot should fail")
	}
}

func TestSpawnTruncatesPreviousOutput(t *testing.T) {
	m := newTestManager(t)
	m.SetCmdFactory(sleepFactory("0"))
	slot := &pipeline.AgentSlot{ID: "planner-0", Role: pipeline.RolePlanner}

	_ = os.MkdirAll(m.outputsDir, 0o755)
	stale := `<PLAN_READY ticket="#9" path="/tmp/9.md" />`
	if err := os.WriteFile(m.OutputPath(slot.ID), []byte(stale), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := m.Spawn(slot, 42, "p", t.TempDir()); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	m.Wait()

	out, err := m.PollOutput(slot)
	if err != nil {
		t.Fatalf("PollOutput: %v", err)
	}
	if strings.Contains(out, "PLAN_READY") {
		t.Error("previous assignment's markers survived respawn")
	}
}

func TestPollOutputHeartbeat(t *testing.T) {
	m := newTestManager(t)
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	now := base
	m.SetNowFunc(func() time.Time { return now })

	slot := &pipeline.AgentSlot{ID: "tester-0", LastHeartbeat: base, Status: pipeline.SlotRunning}
	_ = os.MkdirAll(m.outputsDir, 0o755)
	if err := os.WriteFile(m.OutputPath(slot.ID), []byte("working\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	now = base.Add(time.Minute)
	if _, err := m.PollOutput(slot); err != nil {
		t.Fatalf("PollOutput: %v", err)
	}
	if !slot.LastHeartbeat.Equal(base.Add(time.Minute)) {
		t.Errorf("heartbeat not advanced on growth: %v", slot.LastHeartbeat)
	}
	if slot.OutputLen != len("working\n") {
		t.Errorf("OutputLen = %d", slot.OutputLen)
	}

	// No growth, no heartbeat.
	now = base.Add(2 * time.Minute)
	if _, err := m.PollOutput(slot); err != nil {
		t.Fatalf("PollOutput: %v", err)
	}
	if !slot.LastHeartbeat.Equal(base.Add(time.Minute)) {
		t.Errorf("heartbeat advanced without output growth: %v", slot.LastHeartbeat)
	}
}

func TestPollOutputMissingLog(t *testing.T) {
	m := newTestManager(t)
	slot := &pipeline.AgentSlot{ID: "fixer-0"}
	out, err := m.PollOutput(slot)
	if err != nil || out != "" {
		t.Errorf("missing log should read as empty, got %q, %v", out, err)
	}
}

func TestStale(t *testing.T) {
	m := newTestManager(t)
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	m.SetNowFunc(func() time.Time { return base.Add(30 * time.Minute) })

	slot := &pipeline.AgentSlot{Status: pipeline.SlotRunning, LastHeartbeat: base}
	if !m.Stale(slot, 20*time.Minute) {
		t.Error("silent slot past threshold should be stale")
	}
	if m.Stale(slot, time.Hour) {
		t.Error("slot within threshold reported stale")
	}
	idle := &pipeline.AgentSlot{Status: pipeline.SlotIdle, LastHeartbeat: base}
	if m.Stale(idle, time.Minute) {
		t.Error("idle slot can never be stale")
	}
}

func TestReclaimKillsProcessAndResetsSlot(t *testing.T) {
	m := newTestManager(t)
	m.SetCmdFactory(sleepFactory("60"))
	slot := &pipeline.AgentSlot{ID: "developer-1", Role: pipeline.RoleDeveloper}

	if err := m.Spawn(slot, 42, "p", t.TempDir()); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	pid := slot.PID

	m.Reclaim(slot)
	m.Wait()

	if slot.Status != pipeline.SlotIdle || slot.Ticket != 0 || slot.PID != 0 {
		t.Errorf("slot not reset: %+v", slot)
	}
	if _, err := os.Stat(filepath.Join(m.pidsDir, "developer-1.pid")); !os.IsNotExist(err) {
		t.Error("pid file survived reclaim")
	}
	dead := &pipeline.AgentSlot{PID: pid}
	if m.Alive(dead) {
		t.Error("process still alive after reclaim")
	}
}

func TestReclaimDeadProcessIsSafe(t *testing.T) {
	m := newTestManager(t)
	m.SetCmdFactory(sleepFactory("0"))
	slot := &pipeline.AgentSlot{ID: "reviewer-0", Role: pipeline.RoleReviewer}

	if err := m.Spawn(slot, 7, "p", t.TempDir()); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	m.Wait()

	m.Reclaim(slot)
	if slot.Status != pipeline.SlotIdle {
		t.Errorf("slot = %+v", slot)
	}
}
