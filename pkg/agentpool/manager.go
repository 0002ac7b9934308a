// Package agentpool spawns and reclaims worker subprocesses. Workers
// are fire-and-forget: the only channels back to the orchestrator are
// the per-slot output log, scanned for completion markers, and the
// process's liveness.
package agentpool

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"gaffer/pkg/pipeline"
)

// reclaimGrace is how long Reclaim waits between SIGTERM and SIGKILL.
const reclaimGrace = 3 * time.Second

// Manager owns the outputs/ and pids/ directories and the worker
// command line.
type Manager struct {
	outputsDir string
	pidsDir    string
	workerCmd  string

	nowFunc func() time.Time

	// cmdFactory builds the worker exec.Cmd. The default runs the
	// configured command line through `sh -c` with the prompt on stdin;
	// tests override it.
	cmdFactory func(prompt, worktree string) *exec.Cmd

	mu sync.Mutex
	wg sync.WaitGroup
}

// NewManager creates a Manager. workerCmd is the shell command line
// each worker runs, e.g. "claude -p --dangerously-skip-permissions".
func NewManager(outputsDir, pidsDir, workerCmd string) *Manager {
	m := &Manager{
		outputsDir: outputsDir,
		pidsDir:    pidsDir,
		workerCmd:  workerCmd,
		nowFunc:    time.Now,
	}
	m.cmdFactory = func(prompt, worktree string) *exec.Cmd {
		cmd := exec.Command("sh", "-c", m.workerCmd)
		cmd.Dir = worktree
		cmd.Stdin = strings.NewReader(prompt)
		return cmd
	}
	return m
}

// SetCmdFactory replaces the command factory. Tests use it to spawn
// controllable dummies.
func (m *Manager) SetCmdFactory(f func(prompt, worktree string) *exec.Cmd) {
	m.cmdFactory = f
}

// SetNowFunc overrides the clock for tests.
func (m *Manager) SetNowFunc(f func() time.Time) {
	m.nowFunc = f
}

// OutputPath returns the log file a slot's worker writes to.
func (m *Manager) OutputPath(slotID string) string {
	return filepath.Join(m.outputsDir, slotID+".log")
}

func (m *Manager) pidPath(slotID string) string {
	return filepath.Join(m.pidsDir, slotID+".pid")
}

// Spawn starts a worker for the slot. The output log is truncated so
// markers from a previous assignment can never be re-harvested, the
// worker gets its own process group so Reclaim can kill the whole
// tree, and the pid is recorded in a per-slot pid file. Workers
// deliberately get no context: they must outlive single-iteration
// invocations of the orchestrator.
func (m *Manager) Spawn(slot *pipeline.AgentSlot, ticket int, prompt, worktree string) error {
	if slot.Status == pipeline.SlotRunning {
		return fmt.Errorf("slot %s already running ticket %d", slot.ID, slot.Ticket)
	}
	for _, dir := range []string{m.outputsDir, m.pidsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	logFile, err := os.OpenFile(m.OutputPath(slot.ID),
		os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open worker log: %w", err)
	}

	cmd := m.cmdFactory(prompt, worktree)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return fmt.Errorf("spawn worker %s: %w", slot.ID, err)
	}
	// The child inherited the log fd; the parent's copy can go.
	_ = logFile.Close()

	pid := cmd.Process.Pid
	if err := os.WriteFile(m.pidPath(slot.ID),
		[]byte(strconv.Itoa(pid)+"\n"), 0o600); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}

	now := m.nowFunc()
	slot.Status = pipeline.SlotRunning
	slot.Ticket = ticket
	slot.PID = pid
	slot.Worktree = worktree
	slot.StartedAt = now
	slot.LastHeartbeat = now
	slot.OutputLen = 0

	// Reap in the background so --watch mode never accumulates zombies.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_ = cmd.Wait()
	}()

	return nil
}

// PollOutput reads the slot's log. Growth since the last poll counts
// as a heartbeat.
func (m *Manager) PollOutput(slot *pipeline.AgentSlot) (string, error) {
	data, err := os.ReadFile(m.OutputPath(slot.ID))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read worker log %s: %w", slot.ID, err)
	}
	if len(data) > slot.OutputLen {
		slot.OutputLen = len(data)
		slot.LastHeartbeat = m.nowFunc()
	}
	return string(data), nil
}

// Alive reports whether the slot's process still exists. Signal 0
// probes without delivering anything.
func (m *Manager) Alive(slot *pipeline.AgentSlot) bool {
	if slot.PID <= 0 {
		return false
	}
	return syscall.Kill(slot.PID, 0) == nil
}

// Stale reports whether a running slot has gone without output growth
// longer than threshold.
func (m *Manager) Stale(slot *pipeline.AgentSlot, threshold time.Duration) bool {
	if slot.Status != pipeline.SlotRunning {
		return false
	}
	return m.nowFunc().Sub(slot.LastHeartbeat) > threshold
}

// Reclaim terminates the slot's process group and resets the slot to
// idle. SIGTERM first so workers can flush; SIGKILL after the grace
// period. Safe to call on slots whose process already exited.
func (m *Manager) Reclaim(slot *pipeline.AgentSlot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if slot.PID > 0 {
		pgid := slot.PID
		if err := syscall.Kill(-pgid, syscall.SIGTERM); err == nil {
			deadline := time.After(reclaimGrace)
			tick := time.NewTicker(50 * time.Millisecond)
		wait:
			for {
				select {
				case <-deadline:
					_ = syscall.Kill(-pgid, syscall.SIGKILL)
					break wait
				case <-tick.C:
					if syscall.Kill(slot.PID, 0) != nil {
						break wait
					}
				}
			}
			tick.Stop()
		}
	}
	_ = os.Remove(m.pidPath(slot.ID))

	slot.Status = pipeline.SlotIdle
	slot.Ticket = 0
	slot.PID = 0
	slot.Worktree = ""
	slot.TrunkRepair = false
	slot.OutputLen = 0
}

// Wait blocks until every reaper goroutine has finished. Used by
// shutdown paths and tests.
func (m *Manager) Wait() {
	m.wg.Wait()
}
