// Package prflow owns the remote side of the pipeline: PR health
// classification, the merge policy, fix routing, and trunk CI health.
// Health is recomputed from the forge every iteration and never cached
// in state.
package prflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gaffer/pkg/config"
	"gaffer/pkg/forge"
	"gaffer/pkg/pipeline"
)

// Fix reasons.
const (
	ReasonCIFailing        = "ci_failing"
	ReasonChangesRequested = "changes_requested"
)

// PRResult records what the reconciler did with one PR. Action is one
// of "merged", "fix_queued", "waiting", "untracked", "error".
type PRResult struct {
	PR       int
	Ticket   int
	Action   string
	Detail   string
	Worktree string
}

// Reconciler drives PR and trunk reconciliation against the forge.
type Reconciler struct {
	forge   forge.Forge
	cfg     *config.Config
	nowFunc func() time.Time
}

// NewReconciler creates a Reconciler.
func NewReconciler(f forge.Forge, cfg *config.Config) *Reconciler {
	return &Reconciler{forge: f, cfg: cfg, nowFunc: time.Now}
}

// SetNowFunc overrides the clock for tests.
func (r *Reconciler) SetNowFunc(f func() time.Time) {
	r.nowFunc = f
}

// Classify inspects PR health and decides whether it needs a fix pass.
// A failing check wins over review state: CI red is always the first
// thing to repair.
func Classify(h *forge.Health) (reason, summary string, needsFix bool) {
	if h.CIStatus == forge.CIFailing {
		return ReasonCIFailing, "failing checks: " + strings.Join(h.FailedChecks, ", "), true
	}
	if h.ReviewDecision == forge.ReviewChangesRequested {
		return ReasonChangesRequested, strings.Join(h.Comments, "\n---\n"), true
	}
	return "", "", false
}

// ApprovalSignal reports whether any comment carries an approval
// keyword. Matching is case-insensitive substring.
func ApprovalSignal(comments, keywords []string) bool {
	for _, c := range comments {
		lc := strings.ToLower(c)
		for _, kw := range keywords {
			if kw != "" && strings.Contains(lc, strings.ToLower(kw)) {
				return true
			}
		}
	}
	return false
}

// shouldMerge applies the merge policy: auto-merge on, CI green, and
// either a formal approval or an approval keyword in the comments.
func (r *Reconciler) shouldMerge(h *forge.Health) bool {
	if !r.cfg.AutoMerge || h.CIStatus != forge.CIPassing {
		return false
	}
	return h.ReviewDecision == forge.ReviewApproved ||
		ApprovalSignal(h.Comments, r.cfg.ApprovalKeywords)
}

// ReconcilePRs walks every open PR once: merge the mergeable, queue
// fixes for the broken, leave the rest waiting. One PR's failure never
// stops the walk.
func (r *Reconciler) ReconcilePRs(ctx context.Context, st *pipeline.State) []PRResult {
	prs, err := r.forge.ListOpenPRs(ctx)
	if err != nil {
		return []PRResult{{Action: "error", Detail: fmt.Sprintf("list open PRs: %v", err)}}
	}

	var out []PRResult
	for _, pr := range prs {
		out = append(out, r.reconcileOne(ctx, st, pr))
	}
	return out
}

func (r *Reconciler) reconcileOne(ctx context.Context, st *pipeline.State, pr forge.PR) PRResult {
	item := st.ItemByPR(pr.Number)
	if item == nil {
		item = r.matchByBranch(st, pr)
	}
	if item == nil {
		return PRResult{PR: pr.Number, Action: "untracked",
			Detail: fmt.Sprintf("open PR on branch %s not tracked by any ticket", pr.HeadBranch)}
	}

	h, err := r.forge.PRHealth(ctx, pr.Number)
	if err != nil {
		return PRResult{PR: pr.Number, Ticket: item.Issue, Action: "error",
			Detail: fmt.Sprintf("pr health: %v", err)}
	}

	if r.shouldMerge(h) {
		if err := r.forge.MergePR(ctx, pr.Number); err != nil {
			return PRResult{PR: pr.Number, Ticket: item.Issue, Action: "error",
				Detail: fmt.Sprintf("merge: %v", err)}
		}
		worktree := item.Worktree
		st.Complete(item.Issue)
		delete(st.Fixes, pr.Number)
		return PRResult{PR: pr.Number, Ticket: item.Issue, Action: "merged", Worktree: worktree}
	}

	reason, summary, needsFix := Classify(h)
	if !needsFix {
		return PRResult{PR: pr.Number, Ticket: item.Issue, Action: "waiting",
			Detail: fmt.Sprintf("ci=%s review=%s", h.CIStatus, h.ReviewDecision)}
	}

	if _, pending := st.Fixes[pr.Number]; pending {
		return PRResult{PR: pr.Number, Ticket: item.Issue, Action: "waiting",
			Detail: "fix already pending"}
	}
	if slot := st.SlotForTicket(item.Issue); slot != nil {
		return PRResult{PR: pr.Number, Ticket: item.Issue, Action: "waiting",
			Detail: "fixer already assigned"}
	}

	st.Fixes[pr.Number] = &pipeline.FixEntry{
		PR:        pr.Number,
		Ticket:    item.Issue,
		Branch:    pr.HeadBranch,
		Reason:    reason,
		Summary:   summary,
		CreatedAt: r.nowFunc(),
	}
	st.Enqueue(pipeline.RoleFixer, item.Issue)
	return PRResult{PR: pr.Number, Ticket: item.Issue, Action: "fix_queued", Detail: reason}
}

// matchByBranch links a PR the tester never reported (crashed before
// the marker) back to its ticket through the branch naming convention.
func (r *Reconciler) matchByBranch(st *pipeline.State, pr forge.PR) *pipeline.WorkItem {
	for _, item := range st.Items {
		if item.Branch != "" && item.Branch == pr.HeadBranch {
			if item.PR == 0 {
				item.PR = pr.Number
				item.PRURL = pr.URL
			}
			return item
		}
	}
	return nil
}

// CheckTrunkHealth refreshes the trunk CI status from the latest runs
// and opens a trunk-repair assignment when trunk goes red. Repair
// assignments are keyed by run id so a new failure after a fix gets a
// fresh assignment.
func (r *Reconciler) CheckTrunkHealth(ctx context.Context, st *pipeline.State) error {
	runs, err := r.forge.TrunkRuns(ctx, 5)
	if err != nil {
		return fmt.Errorf("trunk runs: %w", err)
	}
	if len(runs) == 0 {
		st.TrunkStatus = pipeline.TrunkUnknown
		return nil
	}

	latest := runs[0]
	if latest.Status != "completed" {
		st.TrunkStatus = pipeline.TrunkPending
		return nil
	}

	switch latest.Conclusion {
	case "success":
		st.TrunkStatus = pipeline.TrunkPassing
		// A green run supersedes any open repair for an older run.
		st.TrunkRepair = nil
	case "failure":
		st.TrunkStatus = pipeline.TrunkFailing
		if st.TrunkRepair == nil || st.TrunkRepair.RunID != latest.ID {
			summary, derr := r.forge.RunFailureDetail(ctx, latest.ID)
			if derr != nil {
				summary = fmt.Sprintf("run %d failed (detail unavailable: %v)", latest.ID, derr)
			}
			st.TrunkRepair = &pipeline.TrunkRepair{
				RunID:   latest.ID,
				Since:   r.nowFunc(),
				Summary: summary,
			}
		}
	default:
		// cancelled, skipped, neutral: keep the previous status.
	}
	return nil
}

// IntakePaused reports whether new-issue intake is suspended. With
// trunk-priority on, a failing trunk stops the front of the pipeline
// while repair and fix work continues.
func (r *Reconciler) IntakePaused(st *pipeline.State) bool {
	return r.cfg.TrunkPriority && st.TrunkStatus == pipeline.TrunkFailing
}
