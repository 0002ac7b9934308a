// Package orchestrator runs the level-triggered iteration loop. Each
// iteration re-derives every decision from the state document plus
// fresh forge and filesystem observations, so a crashed or skipped
// iteration costs nothing but time.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gaffer/pkg/agentpool"
	"gaffer/pkg/config"
	"gaffer/pkg/eventlog"
	"gaffer/pkg/forge"
	"gaffer/pkg/marker"
	"gaffer/pkg/pipeline"
	"gaffer/pkg/plan"
	"gaffer/pkg/prflow"
	"gaffer/pkg/router"
)

// sweepAge is how long an unclaimed worktree directory may sit before
// the stale sweep removes it.
const sweepAge = 24 * time.Hour

// replenishTimeout bounds one background warm-pool refill, setup
// command included.
const replenishTimeout = 5 * time.Minute

// WorktreePool is the worktree side of an iteration.
type WorktreePool interface {
	Acquire(ctx context.Context, ticket int, branch string) (string, error)
	Replenish(ctx context.Context) error
	Release(ctx context.Context, path string) error
	SweepStale(ctx context.Context, maxAge time.Duration, active map[string]bool)
	RebaseOntoTrunk(ctx context.Context, path string) error
}

// AgentRunner is the process side of an iteration.
type AgentRunner interface {
	Spawn(slot *pipeline.AgentSlot, ticket int, prompt, worktree string) error
	PollOutput(slot *pipeline.AgentSlot) (string, error)
	Alive(slot *pipeline.AgentSlot) bool
	Stale(slot *pipeline.AgentSlot, threshold time.Duration) bool
	Reclaim(slot *pipeline.AgentSlot)
}

// Options wires an Orchestrator.
type Options struct {
	Config   *config.Config
	Store    *pipeline.Store
	Forge    forge.Forge
	Pool     WorktreePool
	Agents   AgentRunner
	Events   *eventlog.Log
	RepoRoot string
	PlanDir  string
	DryRun   bool
}

// Orchestrator drives one iteration at a time. It is single-threaded;
// the only concurrency in the system lives inside the worker
// subprocesses and the background worktree refill.
type Orchestrator struct {
	cfg      *config.Config
	store    *pipeline.Store
	forge    forge.Forge
	pool     WorktreePool
	agents   AgentRunner
	events   *eventlog.Log
	router   *router.Router
	recon    *prflow.Reconciler
	repoRoot string
	planDir  string
	dryRun   bool
	nowFunc  func() time.Time

	replenishing atomic.Bool
	replenishWG  sync.WaitGroup
}

// New creates an Orchestrator. In dry-run mode the forge is wrapped so
// merges and comments become no-ops while reads still happen.
func New(opts Options) *Orchestrator {
	f := opts.Forge
	if opts.DryRun {
		f = &readonlyForge{Forge: f}
	}
	return &Orchestrator{
		cfg:      opts.Config,
		store:    opts.Store,
		forge:    f,
		pool:     opts.Pool,
		agents:   opts.Agents,
		events:   opts.Events,
		router:   router.New(opts.Config.MaxReviewIterations),
		recon:    prflow.NewReconciler(f, opts.Config),
		repoRoot: opts.RepoRoot,
		planDir:  opts.PlanDir,
		dryRun:   opts.DryRun,
		nowFunc:  time.Now,
	}
}

// SetNowFunc overrides the clock for tests, on the orchestrator and its
// reconciler both.
func (o *Orchestrator) SetNowFunc(f func() time.Time) {
	o.nowFunc = f
	o.recon.SetNowFunc(f)
}

// audit appends an event, best effort. A broken audit log never stops
// an iteration.
func (o *Orchestrator) audit(ctx context.Context, e eventlog.Event) {
	if o.events == nil {
		return
	}
	_ = o.events.Append(ctx, e)
}

// RunOnce executes one full iteration: load, observe, decide, act,
// save. Every step isolates per-entity failures; only a failure to
// load or save the state document fails the iteration itself.
func (o *Orchestrator) RunOnce(ctx context.Context) error {
	st, err := o.store.Load()
	if errors.Is(err, pipeline.ErrNoState) {
		st = pipeline.NewState(o.poolSizes())
	} else if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	now := o.nowFunc()
	st.Iteration++
	st.UpdatedAt = now

	// Trunk health comes first: the intake pause decision needs the
	// current status, not last iteration's.
	if err := o.recon.CheckTrunkHealth(ctx, st); err != nil {
		o.audit(ctx, eventlog.Event{Type: eventlog.TypeError, Detail: err.Error()})
	}
	o.reconcileIssues(ctx, st, now)
	o.reclaimStale(ctx, st, now)
	o.reconcilePRs(ctx, st)
	o.harvest(ctx, st, now)
	o.route(ctx, st, now)
	o.retryBlocked(ctx, st, now)
	o.rebaseOpenBranches(ctx, st)
	o.housekeeping(ctx, st)

	o.audit(ctx, eventlog.Event{Type: eventlog.TypeIteration,
		Detail: fmt.Sprintf("iteration %d trunk=%s", st.Iteration, st.TrunkStatus)})

	if o.dryRun {
		return nil
	}
	if err := o.store.Save(st); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func (o *Orchestrator) poolSizes() map[pipeline.Role]int {
	sizes := make(map[pipeline.Role]int)
	for _, role := range pipeline.Roles() {
		sizes[role] = o.cfg.Pools.Size(string(role))
	}
	return sizes
}

// reconcileIssues admits new open issues into the planner queue.
// Intake pauses while trunk is failing with trunk-priority on; fix and
// repair work continues regardless.
func (o *Orchestrator) reconcileIssues(ctx context.Context, st *pipeline.State, now time.Time) {
	if o.recon.IntakePaused(st) {
		o.audit(ctx, eventlog.Event{Type: eventlog.TypeIntake, Detail: "paused: trunk failing"})
		return
	}
	issues, err := o.forge.ListOpenIssues(ctx)
	if err != nil {
		o.audit(ctx, eventlog.Event{Type: eventlog.TypeError,
			Detail: fmt.Sprintf("list issues: %v", err)})
		return
	}
	for _, issue := range issues {
		if !marker.ValidID(issue.Number) || st.Tracked(issue.Number) {
			continue
		}
		st.Items[issue.Number] = &pipeline.WorkItem{
			Issue:      issue.Number,
			Title:      issue.Title,
			Stage:      pipeline.StageIssue,
			EnqueuedAt: now,
			UpdatedAt:  now,
		}
		st.Enqueue(pipeline.RolePlanner, issue.Number)
		o.audit(ctx, eventlog.Event{Type: eventlog.TypeIntake, Ticket: issue.Number,
			Detail: issue.Title})
	}
}

// reclaimStale kills workers that are alive but have produced no
// output growth past the stale threshold, and blocks their tickets.
func (o *Orchestrator) reclaimStale(ctx context.Context, st *pipeline.State, now time.Time) {
	for _, role := range pipeline.Roles() {
		for _, slot := range st.Pools[role] {
			if slot.Status != pipeline.SlotRunning {
				continue
			}
			if _, err := o.agents.PollOutput(slot); err != nil {
				o.audit(ctx, eventlog.Event{Type: eventlog.TypeError, Slot: slot.ID,
					Detail: err.Error()})
			}
			if !o.agents.Alive(slot) || !o.agents.Stale(slot, o.cfg.StaleAfter.Std()) {
				continue
			}
			o.audit(ctx, eventlog.Event{Type: eventlog.TypeReclaim,
				Ticket: slot.Ticket, Slot: slot.ID, Detail: "stale: no output growth"})
			if o.dryRun {
				continue
			}
			o.failAssignment(ctx, st, slot, "agent stalled", now)
		}
	}
}

// harvest scans output artifacts of workers whose process has exited.
// Markers only count once the process is dead: a live worker may still
// append output, so acting early would race with it.
func (o *Orchestrator) harvest(ctx context.Context, st *pipeline.State, now time.Time) {
	for _, role := range pipeline.Roles() {
		for _, slot := range st.Pools[role] {
			if slot.Status != pipeline.SlotRunning || o.agents.Alive(slot) {
				continue
			}
			o.harvestSlot(ctx, st, slot, now)
		}
	}
}

func (o *Orchestrator) harvestSlot(ctx context.Context, st *pipeline.State, slot *pipeline.AgentSlot, now time.Time) {
	out, err := o.agents.PollOutput(slot)
	if err != nil {
		o.audit(ctx, eventlog.Event{Type: eventlog.TypeError, Slot: slot.ID, Detail: err.Error()})
	}
	markers, rejects := marker.Scan(out)
	for _, rej := range rejects {
		o.audit(ctx, eventlog.Event{Type: eventlog.TypeReject, Slot: slot.ID,
			Detail: fmt.Sprintf("%s: %s", rej.Reason, rej.Raw)})
	}

	var relevant []marker.Marker
	badPlans := 0
	for _, m := range o.relevantMarkers(slot, markers) {
		if m.Kind == marker.KindPlanReady && !o.planValid(ctx, slot, m) {
			badPlans++
			continue
		}
		relevant = append(relevant, m)
	}
	applied := false
	for _, m := range relevant {
		var failedWorktree string
		var failedPR int
		if m.Kind == marker.KindError {
			if item, ok := st.Items[m.Ticket]; ok {
				failedWorktree, failedPR = item.Worktree, item.PR
			}
		}
		if err := o.router.Apply(st, m, now); err != nil {
			o.audit(ctx, eventlog.Event{Type: eventlog.TypeReject, Slot: slot.ID,
				Ticket: m.Ticket, Detail: err.Error()})
			continue
		}
		applied = true
		o.audit(ctx, eventlog.Event{Type: eventlog.TypeHarvest, Slot: slot.ID,
			Ticket: m.Ticket, PR: m.PR, Detail: string(m.Kind)})
		if m.Kind == marker.KindError {
			o.escalateFailure(ctx, m.Ticket, failedPR, m.ErrText)
			o.releaseWorktree(ctx, failedWorktree)
		}
	}

	if o.dryRun {
		return
	}
	// No relevant marker at all means the worker died mid-task. Markers
	// that were all rejected mean a re-harvest after a failed save; the
	// slot just gets reclaimed.
	if !applied && len(relevant) == 0 {
		reason := "agent died"
		if badPlans > 0 {
			reason = "invalid plan document"
		}
		o.failAssignment(ctx, st, slot, reason, now)
		return
	}
	o.agents.Reclaim(slot)
}

// relevantMarkers filters scanned markers down to the ones this slot's
// assignment can legitimately produce. Stray ids in worker chatter are
// ignored here and logged as transition rejects if they slip through.
func (o *Orchestrator) relevantMarkers(slot *pipeline.AgentSlot, markers []marker.Marker) []marker.Marker {
	var out []marker.Marker
	for _, m := range markers {
		if slot.TrunkRepair {
			if m.Kind == marker.KindMainBuildFix {
				out = append(out, m)
			}
			continue
		}
		if m.Kind != marker.KindMainBuildFix && m.Ticket == slot.Ticket {
			out = append(out, m)
		}
	}
	return out
}

// planValid reads the document a PLAN_READY marker points at. The path
// passed marker validation; the content still has to parse and carry
// the right ticket before a planner claim is believed.
func (o *Orchestrator) planValid(ctx context.Context, slot *pipeline.AgentSlot, m marker.Marker) bool {
	doc, err := plan.Read(m.Path)
	if err != nil {
		o.audit(ctx, eventlog.Event{Type: eventlog.TypeReject, Slot: slot.ID,
			Ticket: m.Ticket, Detail: err.Error()})
		return false
	}
	if doc.Ticket != m.Ticket {
		o.audit(ctx, eventlog.Event{Type: eventlog.TypeReject, Slot: slot.ID, Ticket: m.Ticket,
			Detail: fmt.Sprintf("plan frontmatter names ticket #%d", doc.Ticket)})
		return false
	}
	return true
}

// failAssignment handles a crashed or stalled worker: the process is
// reclaimed and the ticket moves to blocked for the retry path. A
// trunk-repair slot just gives the assignment back.
func (o *Orchestrator) failAssignment(ctx context.Context, st *pipeline.State, slot *pipeline.AgentSlot, reason string, now time.Time) {
	if slot.TrunkRepair {
		if st.TrunkRepair != nil {
			st.TrunkRepair.SlotID = ""
		}
		o.agents.Reclaim(slot)
		return
	}
	ticket := slot.Ticket
	o.agents.Reclaim(slot)
	if item, ok := st.Items[ticket]; ok {
		m := marker.Marker{Kind: marker.KindBlocked, Ticket: ticket, Reason: reason}
		if err := o.router.Apply(st, m, now); err != nil {
			// Already in a terminal or queued stage; fail hard instead.
			st.Fail(ticket)
			o.releaseWorktree(ctx, item.Worktree)
		}
		o.audit(ctx, eventlog.Event{Type: eventlog.TypeBlocked, Ticket: ticket,
			Slot: slot.ID, Detail: reason})
	}
}

// reconcilePRs folds remote PR health into state and acts on it.
func (o *Orchestrator) reconcilePRs(ctx context.Context, st *pipeline.State) {
	for _, res := range o.recon.ReconcilePRs(ctx, st) {
		switch res.Action {
		case "merged":
			o.audit(ctx, eventlog.Event{Type: eventlog.TypeMerge,
				Ticket: res.Ticket, PR: res.PR})
			o.releaseWorktree(ctx, res.Worktree)
		case "fix_queued":
			o.audit(ctx, eventlog.Event{Type: eventlog.TypeFixQueued,
				Ticket: res.Ticket, PR: res.PR, Detail: res.Detail})
		case "error", "untracked":
			o.audit(ctx, eventlog.Event{Type: eventlog.TypeError,
				Ticket: res.Ticket, PR: res.PR, Detail: res.Detail})
		}
	}
}

// route assigns queued tickets to idle slots and spawns workers. The
// trunk-repair assignment borrows a fixer slot first so repair always
// preempts ordinary fixes.
func (o *Orchestrator) route(ctx context.Context, st *pipeline.State, now time.Time) {
	o.assignTrunkRepair(ctx, st, now)

	for _, a := range o.router.NextAssignments(st) {
		if err := o.spawn(ctx, st, a, now); err != nil {
			o.audit(ctx, eventlog.Event{Type: eventlog.TypeError,
				Ticket: a.Ticket, Slot: a.Slot.ID, Detail: err.Error()})
			o.agents.Reclaim(a.Slot)
			st.Enqueue(a.Role, a.Ticket)
		}
	}
}

func (o *Orchestrator) assignTrunkRepair(ctx context.Context, st *pipeline.State, now time.Time) {
	tr := st.TrunkRepair
	if tr == nil || tr.SlotID != "" {
		return
	}
	slot := st.IdleSlot(pipeline.RoleFixer)
	if slot == nil {
		return
	}
	prompt := agentpool.TrunkRepairPrompt(agentpool.PromptParams{
		Repo:      o.cfg.Repo,
		Trunk:     o.cfg.Trunk,
		RunID:     tr.RunID,
		CISummary: tr.Summary,
		Worktree:  o.repoRoot,
	})
	o.audit(ctx, eventlog.Event{Type: eventlog.TypeTrunkRepair, Slot: slot.ID,
		Detail: fmt.Sprintf("run %d", tr.RunID)})
	if o.dryRun {
		return
	}
	if err := o.agents.Spawn(slot, 0, prompt, o.repoRoot); err != nil {
		o.audit(ctx, eventlog.Event{Type: eventlog.TypeError, Slot: slot.ID,
			Detail: fmt.Sprintf("spawn trunk repair: %v", err)})
		return
	}
	slot.TrunkRepair = true
	tr.SlotID = slot.ID
	tr.Since = now
}

func (o *Orchestrator) spawn(ctx context.Context, st *pipeline.State, a router.Assignment, now time.Time) error {
	item, ok := st.Items[a.Ticket]
	if !ok {
		return fmt.Errorf("assignment for untracked ticket #%d", a.Ticket)
	}
	if err := o.router.BeginWork(st, item, now); err != nil {
		return err
	}
	if item.Branch == "" {
		item.Branch = fmt.Sprintf("%s/%d", o.cfg.BranchPrefix, item.Issue)
	}

	worktree := item.Worktree
	if worktree == "" && a.Role != pipeline.RolePlanner {
		if o.dryRun {
			worktree = "(dry-run)"
		} else {
			path, err := o.pool.Acquire(ctx, item.Issue, item.Branch)
			if err != nil {
				return fmt.Errorf("acquire worktree: %w", err)
			}
			worktree = path
			item.Worktree = path
		}
	}
	if a.Role == pipeline.RolePlanner {
		// Planners read the repo but own no branch.
		worktree = o.repoRoot
	}

	prompt := o.buildPrompt(st, a.Role, item, worktree)
	o.audit(ctx, eventlog.Event{Type: eventlog.TypeSpawn, Ticket: a.Ticket,
		Slot: a.Slot.ID, Detail: string(item.Stage)})
	if o.dryRun {
		return nil
	}
	return o.agents.Spawn(a.Slot, a.Ticket, prompt, worktree)
}

func (o *Orchestrator) buildPrompt(st *pipeline.State, role pipeline.Role, item *pipeline.WorkItem, worktree string) string {
	p := agentpool.PromptParams{
		Ticket:   item.Issue,
		Title:    item.Title,
		Repo:     o.cfg.Repo,
		Trunk:    o.cfg.Trunk,
		Branch:   item.Branch,
		PlanPath: item.PlanPath,
		PlanDir:  o.planDir,
		Worktree: worktree,
	}
	switch role {
	case pipeline.RoleDeveloper:
		p.Feedback = item.ReviewFeedback
		p.Iteration = item.ReviewIter
	case pipeline.RoleReviewer:
		p.Iteration = item.ReviewIter + 1
		p.ForcePass = o.router.ForcePass(item)
	case pipeline.RoleFixer:
		if fix := fixForTicket(st, item.Issue); fix != nil {
			p.PR = fix.PR
			p.FixReason = fix.Reason
			if fix.Reason == prflow.ReasonChangesRequested {
				p.Feedback = fix.Summary
			} else {
				p.CISummary = fix.Summary
			}
		}
	}
	return agentpool.PromptFor(role, p)
}

func fixForTicket(st *pipeline.State, ticket int) *pipeline.FixEntry {
	for _, fix := range st.Fixes {
		if fix.Ticket == ticket {
			return fix
		}
	}
	return nil
}

// retryBlocked resumes blocked tickets with retries left and fails the
// exhausted ones, escalating failures that already have a PR open.
func (o *Orchestrator) retryBlocked(ctx context.Context, st *pipeline.State, now time.Time) {
	// Snapshot PR and worktree before Fail drops the items.
	type remains struct {
		pr       int
		worktree string
	}
	pre := make(map[int]remains)
	for ticket := range st.Blocked {
		if item, ok := st.Items[ticket]; ok {
			pre[ticket] = remains{pr: item.PR, worktree: item.Worktree}
		}
	}

	resumed, failed := o.router.RetryBlocked(st, o.cfg.MaxRetries, now)
	for _, ticket := range resumed {
		o.audit(ctx, eventlog.Event{Type: eventlog.TypeResumed, Ticket: ticket})
	}
	for _, ticket := range failed {
		o.audit(ctx, eventlog.Event{Type: eventlog.TypeFailed, Ticket: ticket,
			Detail: fmt.Sprintf("blocked %d times, giving up", o.cfg.MaxRetries)})
		o.escalateFailure(ctx, ticket, pre[ticket].pr,
			fmt.Sprintf("blocked %d times", o.cfg.MaxRetries))
		o.releaseWorktree(ctx, pre[ticket].worktree)
	}
}

// escalateFailure leaves a comment on the ticket's PR, if one exists,
// so a human sees the pipeline gave up.
func (o *Orchestrator) escalateFailure(ctx context.Context, ticket, pr int, why string) {
	if pr == 0 {
		return
	}
	body := fmt.Sprintf("gaffer: giving up on ticket #%d (%s); this PR needs a human.", ticket, why)
	if err := o.forge.Comment(ctx, pr, body); err != nil {
		o.audit(ctx, eventlog.Event{Type: eventlog.TypeError, Ticket: ticket, PR: pr,
			Detail: fmt.Sprintf("escalation comment: %v", err)})
	}
}

func (o *Orchestrator) releaseWorktree(ctx context.Context, path string) {
	if path == "" || o.dryRun {
		return
	}
	if err := o.pool.Release(ctx, path); err != nil {
		o.audit(ctx, eventlog.Event{Type: eventlog.TypeError, Detail: err.Error()})
	}
}

// rebaseOpenBranches keeps waiting PR branches current with trunk.
// Branches with an assigned worker or a pending fix are left alone.
func (o *Orchestrator) rebaseOpenBranches(ctx context.Context, st *pipeline.State) {
	if o.dryRun || st.TrunkStatus != pipeline.TrunkPassing {
		return
	}
	for _, item := range st.Items {
		if item.Stage != pipeline.StagePRCreated || item.Worktree == "" {
			continue
		}
		if st.SlotForTicket(item.Issue) != nil || fixForTicket(st, item.Issue) != nil {
			continue
		}
		if err := o.pool.RebaseOntoTrunk(ctx, item.Worktree); err != nil {
			o.audit(ctx, eventlog.Event{Type: eventlog.TypeError, Ticket: item.Issue,
				Detail: fmt.Sprintf("rebase: %v", err)})
			continue
		}
		o.audit(ctx, eventlog.Event{Type: eventlog.TypeRebase, Ticket: item.Issue})
	}
}

// housekeeping refills the warm pool and sweeps abandoned worktrees.
// The refill runs its setup command, so it happens in the background;
// the iteration never waits on a dependency install.
func (o *Orchestrator) housekeeping(ctx context.Context, st *pipeline.State) {
	if o.dryRun {
		return
	}
	active := make(map[string]bool)
	for _, item := range st.Items {
		if item.Worktree != "" {
			active[item.Worktree] = true
		}
	}
	o.pool.SweepStale(ctx, sweepAge, active)

	if !o.replenishing.CompareAndSwap(false, true) {
		return
	}
	o.replenishWG.Add(1)
	go func() {
		defer o.replenishWG.Done()
		defer o.replenishing.Store(false)
		rctx, cancel := context.WithTimeout(context.Background(), replenishTimeout)
		defer cancel()
		if err := o.pool.Replenish(rctx); err != nil {
			o.audit(rctx, eventlog.Event{Type: eventlog.TypeError,
				Detail: fmt.Sprintf("replenish: %v", err)})
		}
	}()
}

// WaitReplenish blocks until any in-flight warm-pool refill finishes.
// Shutdown paths and tests use it.
func (o *Orchestrator) WaitReplenish() {
	o.replenishWG.Wait()
}

// readonlyForge passes reads through and swallows mutations; dry-run
// iterations observe the real world but change nothing.
type readonlyForge struct {
	forge.Forge
}

func (r *readonlyForge) MergePR(ctx context.Context, number int) error   { return nil }
func (r *readonlyForge) Comment(ctx context.Context, n int, body string) error { return nil }
