// Package worktree manages a pool of pre-warmed git worktrees so
// workers start on a trunk checkout with dependencies already
// installed instead of paying the clone-and-install cost per ticket.
package worktree

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// warmDir is the subdirectory of the worktrees root holding unclaimed
// slots.
const warmDir = "warm"

// CommandRunner abstracts process execution so tests can fake git.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Pool hands out warm worktrees and refills itself in the background.
// All methods are safe for concurrent use, though the orchestrator
// only calls them from its single loop.
type Pool struct {
	repoRoot string
	root     string
	trunk    string
	setupCmd string
	target   int
	runner   CommandRunner

	mu          sync.Mutex
	replenishWG sync.WaitGroup
}

// NewPool creates a pool rooted at dir. target is the number of warm
// slots Replenish maintains; setupCmd is run inside each new checkout
// via `sh -c`.
func NewPool(repoRoot, dir, trunk, setupCmd string, target int, runner CommandRunner) *Pool {
	if target < 0 {
		target = 0
	}
	return &Pool{
		repoRoot: repoRoot,
		root:     dir,
		trunk:    trunk,
		setupCmd: setupCmd,
		target:   target,
		runner:   runner,
	}
}

// Wait blocks until any background replenishment finishes. Tests and
// shutdown paths use it; the orchestrator does not.
func (p *Pool) Wait() {
	p.replenishWG.Wait()
}

// Acquire claims a warm slot for the ticket: the slot directory moves
// to <root>/<ticket>, its branch is renamed to branch, and a background
// refill is kicked off. When the pool is empty it falls back to a
// fresh checkout with the setup command run inline.
func (p *Pool) Acquire(ctx context.Context, ticket int, branch string) (string, error) {
	if ticket <= 0 {
		return "", fmt.Errorf("invalid ticket %d", ticket)
	}

	p.mu.Lock()
	slot := p.takeWarmLocked()
	p.mu.Unlock()

	dest := filepath.Join(p.root, strconv.Itoa(ticket))
	if slot == "" {
		return p.createFresh(ctx, dest, branch)
	}

	src := filepath.Join(p.root, warmDir, slot)
	if _, err := p.runner.Run(ctx, "git", "-C", p.repoRoot,
		"worktree", "move", src, dest); err != nil {
		return "", fmt.Errorf("worktree move %s: %w", slot, err)
	}
	if _, err := p.runner.Run(ctx, "git", "-C", dest,
		"branch", "-m", branch); err != nil {
		return "", fmt.Errorf("branch rename %s: %w", branch, err)
	}
	p.copyEnvLocal(dest)

	p.replenishWG.Add(1)
	go func() {
		defer p.replenishWG.Done()
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		_ = p.Replenish(rctx)
	}()

	return dest, nil
}

// takeWarmLocked removes and returns one warm slot id, or "" when the
// pool is empty. Callers hold p.mu.
func (p *Pool) takeWarmLocked() string {
	entries, err := os.ReadDir(filepath.Join(p.root, warmDir))
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if e.IsDir() {
			return e.Name()
		}
	}
	return ""
}

// createFresh checks the branch out at dest directly from trunk and
// runs the setup command inline. This is the cold path.
func (p *Pool) createFresh(ctx context.Context, dest, branch string) (string, error) {
	if _, err := p.runner.Run(ctx, "git", "-C", p.repoRoot,
		"worktree", "add", dest, "-b", branch, p.trunk); err != nil {
		return "", fmt.Errorf("worktree add %s: %w", branch, err)
	}
	p.copyEnvLocal(dest)
	if p.setupCmd != "" {
		if _, err := p.runner.Run(ctx, "sh", "-c",
			fmt.Sprintf("cd %q && %s", dest, p.setupCmd)); err != nil {
			return "", fmt.Errorf("setup in %s: %w", dest, err)
		}
	}
	return dest, nil
}

// Replenish adds warm slots until the pool holds the target count. It
// is idempotent; concurrent calls serialize on the pool lock.
func (p *Pool) Replenish(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	dir := filepath.Join(p.root, warmDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create warm dir: %w", err)
	}

	have := 0
	entries, err := os.ReadDir(dir)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				have++
			}
		}
	}

	for ; have < p.target; have++ {
		id := uuid.NewString()[:8]
		path := filepath.Join(dir, id)
		if _, err := p.runner.Run(ctx, "git", "-C", p.repoRoot,
			"worktree", "add", path, "-b", warmDir+"/"+id, p.trunk); err != nil {
			return fmt.Errorf("warm worktree add: %w", err)
		}
		if p.setupCmd != "" {
			if _, err := p.runner.Run(ctx, "sh", "-c",
				fmt.Sprintf("cd %q && %s", path, p.setupCmd)); err != nil {
				return fmt.Errorf("warm setup: %w", err)
			}
		}
	}
	return nil
}

// Release removes a claimed worktree. The branch itself is left for
// git gc; the forge deletes the remote branch on merge.
func (p *Pool) Release(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	if _, err := p.runner.Run(ctx, "git", "-C", p.repoRoot,
		"worktree", "remove", path, "--force"); err != nil {
		return fmt.Errorf("worktree remove %s: %w", path, err)
	}
	return nil
}

// SweepStale removes claimed worktrees not listed in active whose
// directories have been untouched for longer than maxAge. Warm slots
// are never swept. Per-entry failures are skipped; the sweep always
// finishes.
func (p *Pool) SweepStale(ctx context.Context, maxAge time.Duration, active map[string]bool) {
	entries, err := os.ReadDir(p.root)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-maxAge)
	for _, e := range entries {
		if !e.IsDir() || e.Name() == warmDir {
			continue
		}
		path := filepath.Join(p.root, e.Name())
		if active[path] {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		_ = p.Release(ctx, path)
	}
	_, _ = p.runner.Run(ctx, "git", "-C", p.repoRoot, "worktree", "prune")
}

// RebaseOntoTrunk rebases the checkout at path onto the remote trunk
// and force-pushes with lease. On conflict the rebase is aborted and
// the error reports the branch needs manual attention.
func (p *Pool) RebaseOntoTrunk(ctx context.Context, path string) error {
	if _, err := p.runner.Run(ctx, "git", "-C", path,
		"fetch", "origin", p.trunk); err != nil {
		return fmt.Errorf("fetch %s: %w", p.trunk, err)
	}
	if _, err := p.runner.Run(ctx, "git", "-C", path,
		"rebase", "origin/"+p.trunk); err != nil {
		_, _ = p.runner.Run(ctx, "git", "-C", path, "rebase", "--abort")
		return fmt.Errorf("rebase onto %s: %w", p.trunk, err)
	}
	if _, err := p.runner.Run(ctx, "git", "-C", path,
		"push", "--force-with-lease"); err != nil {
		return fmt.Errorf("push after rebase: %w", err)
	}
	return nil
}

// copyEnvLocal copies the repo root's .env.local into the worktree if
// one exists. Best effort.
func (p *Pool) copyEnvLocal(dest string) {
	src := filepath.Join(p.repoRoot, ".env.local")
	in, err := os.Open(src)
	if err != nil {
		return
	}
	defer in.Close()
	out, err := os.Create(filepath.Join(dest, ".env.local"))
	if err != nil {
		return
	}
	defer out.Close()
	_, _ = io.Copy(out, in)
}
