package router

import (
	"testing"
	"time"

	"gaffer/pkg/marker"
	"gaffer/pkg/pipeline"
)

var t0 = time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

func testState() *pipeline.State {
	return pipeline.NewState(map[pipeline.Role]int{
		pipeline.RolePlanner:   1,
		pipeline.RoleDeveloper: 2,
		pipeline.RoleReviewer:  1,
		pipeline.RoleTester:    1,
		pipeline.RoleFixer:     1,
	})
}

func addItem(st *pipeline.State, ticket int, stage pipeline.Stage) *pipeline.WorkItem {
	item := &pipeline.WorkItem{Issue: ticket, Stage: stage, EnqueuedAt: t0}
	st.Items[ticket] = item
	return item
}

func TestApplyPlanReady(t *testing.T) {
	st := testState()
	addItem(st, 42, pipeline.StagePlanning)
	r := New(3)

	m := marker.Marker{Kind: marker.KindPlanReady, Ticket: 42, Path: "/plans/42.md"}
	if err := r.Apply(st, m, t0); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	item := st.Items[42]
	if item.Stage != pipeline.StagePlanned || item.PlanPath != "/plans/42.md" {
		t.Errorf("item = %+v", item)
	}
	if st.QueuedRole(42) != pipeline.RoleDeveloper {
		t.Errorf("ticket not queued for developer")
	}
}

func TestApplyCodeReadyThenReviewLoop(t *testing.T) {
	st := testState()
	item := addItem(st, 42, pipeline.StageDeveloping)
	r := New(3)

	if err := r.Apply(st, marker.Marker{Kind: marker.KindCodeReady, Ticket: 42, Branch: "gaffer/42"}, t0); err != nil {
		t.Fatalf("CODE_READY: %v", err)
	}
	if item.Stage != pipeline.StageReviewing || item.Branch != "gaffer/42" {
		t.Errorf("item = %+v", item)
	}
	if st.QueuedRole(42) != pipeline.RoleReviewer {
		t.Error("not queued for reviewer")
	}

	st.RemoveQueued(42)
	if err := r.Apply(st, marker.Marker{
		Kind: marker.KindReviewChanges, Ticket: 42,
		Feedback: "missing tests", Iterations: 1,
	}, t0); err != nil {
		t.Fatalf("REVIEW_CHANGES_REQUESTED: %v", err)
	}
	if item.Stage != pipeline.StageDeveloping || item.ReviewIter != 1 {
		t.Errorf("item = %+v", item)
	}
	if item.ReviewFeedback != "missing tests" {
		t.Errorf("feedback = %q", item.ReviewFeedback)
	}
	if st.QueuedRole(42) != pipeline.RoleDeveloper {
		t.Error("rework not queued for developer")
	}
}

// A reviewer that keeps requesting changes past the rework budget is
// overruled in state, not just in its prompt.
func TestApplyReviewChangesExhaustedForcesPass(t *testing.T) {
	st := testState()
	item := addItem(st, 42, pipeline.StageReviewing)
	r := New(1)

	changes := marker.Marker{Kind: marker.KindReviewChanges, Ticket: 42, Feedback: "again"}
	if err := r.Apply(st, changes, t0); err != nil {
		t.Fatalf("first rework round: %v", err)
	}
	if item.Stage != pipeline.StageDeveloping || item.ReviewIter != 1 {
		t.Fatalf("item = %+v", item)
	}

	// Rework happens, the ticket comes back for review, and the reviewer
	// ignores the force-pass instruction.
	st.RemoveQueued(42)
	item.Stage = pipeline.StageReviewing
	if err := r.Apply(st, changes, t0); err != nil {
		t.Fatalf("exhausted rework round: %v", err)
	}
	if item.Stage != pipeline.StageTesting {
		t.Fatalf("stage = %s, want coercion to testing", item.Stage)
	}
	if item.ReviewIter != 1 {
		t.Errorf("review iterations = %d, want the budget of 1", item.ReviewIter)
	}
	if st.QueuedRole(42) != pipeline.RoleTester {
		t.Error("coerced ticket not queued for tester")
	}

	// From testing on, further changes markers are plain stage mismatches.
	st.RemoveQueued(42)
	if err := r.Apply(st, changes, t0); err == nil {
		t.Error("changes marker after coercion should be rejected")
	}
}

func TestApplyReviewPassed(t *testing.T) {
	st := testState()
	item := addItem(st, 42, pipeline.StageReviewing)
	r := New(3)

	if err := r.Apply(st, marker.Marker{Kind: marker.KindReviewPassed, Ticket: 42}, t0); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if item.Stage != pipeline.StageTesting || st.QueuedRole(42) != pipeline.RoleTester {
		t.Errorf("item = %+v, queued = %s", item, st.QueuedRole(42))
	}
}

func TestApplyPRCreatedExtractsNumber(t *testing.T) {
	st := testState()
	item := addItem(st, 42, pipeline.StageTesting)
	r := New(3)

	m := marker.Marker{Kind: marker.KindPRCreated, Ticket: 42,
		PRURL: "https://github.com/owner/repo/pull/17"}
	if err := r.Apply(st, m, t0); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if item.Stage != pipeline.StagePRCreated || item.PR != 17 {
		t.Errorf("item = %+v", item)
	}
	// PR lifecycle is remote now; nothing queued.
	if st.QueuedRole(42) != "" {
		t.Error("pr_created ticket should not be queued")
	}
}

func TestApplyStageMismatchIsRejected(t *testing.T) {
	st := testState()
	addItem(st, 42, pipeline.StagePlanning)
	r := New(3)

	// A CODE_READY from a planning-stage ticket is a stray marker.
	err := r.Apply(st, marker.Marker{Kind: marker.KindCodeReady, Ticket: 42, Branch: "gaffer/42"}, t0)
	if err == nil {
		t.Fatal("expected illegal transition error")
	}
	if st.Items[42].Stage != pipeline.StagePlanning {
		t.Error("rejected marker must not move the item")
	}
}

func TestApplyIdempotentReharvest(t *testing.T) {
	st := testState()
	addItem(st, 42, pipeline.StagePlanning)
	r := New(3)

	m := marker.Marker{Kind: marker.KindPlanReady, Ticket: 42, Path: "/plans/42.md"}
	if err := r.Apply(st, m, t0); err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	// Same marker again: transition is now illegal, queue unchanged.
	if err := r.Apply(st, m, t0); err == nil {
		t.Error("re-applied marker should be rejected")
	}
	if got := len(st.Queues[pipeline.RoleDeveloper]); got != 1 {
		t.Errorf("developer queue length = %d, want 1", got)
	}
}

func TestApplyUntrackedTicket(t *testing.T) {
	st := testState()
	r := New(3)
	err := r.Apply(st, marker.Marker{Kind: marker.KindPlanReady, Ticket: 99, Path: "/p.md"}, t0)
	if err == nil {
		t.Error("marker for unknown ticket should error")
	}
}

func TestApplyBlocked(t *testing.T) {
	st := testState()
	item := addItem(st, 42, pipeline.StagePlanning)
	item.Retries = 1
	slot := st.Pools[pipeline.RolePlanner][0]
	slot.Status = pipeline.SlotRunning
	slot.Ticket = 42
	r := New(3)

	m := marker.Marker{Kind: marker.KindBlocked, Ticket: 42, Reason: "missing credentials"}
	if err := r.Apply(st, m, t0); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	bt := st.Blocked[42]
	if bt == nil {
		t.Fatal("no blocked entry")
	}
	if bt.Reason != "missing credentials" || bt.Retries != 1 || bt.AgentID != slot.ID {
		t.Errorf("blocked = %+v", bt)
	}
	// Blocked during planning resumes from intake.
	if bt.Resume != pipeline.StageIssue {
		t.Errorf("resume = %s, want issue", bt.Resume)
	}
	if item.Stage != pipeline.StageBlocked {
		t.Errorf("stage = %s", item.Stage)
	}
}

func TestApplyError(t *testing.T) {
	st := testState()
	addItem(st, 42, pipeline.StageDeveloping)
	r := New(3)

	if err := r.Apply(st, marker.Marker{Kind: marker.KindError, Ticket: 42, ErrText: "impossible"}, t0); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, live := st.Items[42]; live {
		t.Error("errored ticket still live")
	}
	if len(st.Failed) != 1 || st.Failed[0] != 42 {
		t.Errorf("failed = %v", st.Failed)
	}
}

func TestApplyPRFixedClearsEntry(t *testing.T) {
	st := testState()
	st.Fixes[17] = &pipeline.FixEntry{PR: 17, Ticket: 42, Reason: "ci_failing"}
	r := New(3)

	if err := r.Apply(st, marker.Marker{Kind: marker.KindPRFixed, PR: 17, Ticket: 42}, t0); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, ok := st.Fixes[17]; ok {
		t.Error("fix entry not cleared")
	}
	if err := r.Apply(st, marker.Marker{Kind: marker.KindPRFixed, PR: 17, Ticket: 42}, t0); err == nil {
		t.Error("fix marker without pending entry should error")
	}
}

func TestApplyTrunkFix(t *testing.T) {
	st := testState()
	st.TrunkRepair = &pipeline.TrunkRepair{RunID: 555}
	r := New(3)

	if err := r.Apply(st, marker.Marker{Kind: marker.KindMainBuildFix, RunID: 999, Fixed: true}, t0); err == nil {
		t.Error("fix for a different run should be rejected")
	}
	if err := r.Apply(st, marker.Marker{Kind: marker.KindMainBuildFix, RunID: 555, Fixed: true}, t0); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if st.TrunkRepair != nil {
		t.Error("trunk repair not cleared")
	}
}

func TestForcePassBound(t *testing.T) {
	r := New(3)
	item := &pipeline.WorkItem{ReviewIter: 0}
	if r.ForcePass(item) {
		t.Error("first review should not force-pass")
	}
	item.ReviewIter = 2
	if !r.ForcePass(item) {
		t.Error("review at the bound must force-pass")
	}
}

func TestBeginWork(t *testing.T) {
	st := testState()
	r := New(3)

	issue := addItem(st, 1, pipeline.StageIssue)
	if err := r.BeginWork(st, issue, t0); err != nil || issue.Stage != pipeline.StagePlanning {
		t.Errorf("issue: stage = %s, err = %v", issue.Stage, err)
	}
	planned := addItem(st, 2, pipeline.StagePlanned)
	if err := r.BeginWork(st, planned, t0); err != nil || planned.Stage != pipeline.StageDeveloping {
		t.Errorf("planned: stage = %s, err = %v", planned.Stage, err)
	}
	reviewing := addItem(st, 3, pipeline.StageReviewing)
	if err := r.BeginWork(st, reviewing, t0); err != nil || reviewing.Stage != pipeline.StageReviewing {
		t.Errorf("reviewing: stage = %s, err = %v", reviewing.Stage, err)
	}
}

func TestNextAssignmentsRespectsPoolCapacity(t *testing.T) {
	st := testState()
	r := New(3)
	for _, ticket := range []int{1, 2, 3} {
		addItem(st, ticket, pipeline.StagePlanned)
		st.Enqueue(pipeline.RoleDeveloper, ticket)
	}

	got := r.NextAssignments(st)
	// Developer pool has two seats; the third ticket waits.
	if len(got) != 2 {
		t.Fatalf("assignments = %d, want 2", len(got))
	}
	if got[0].Ticket != 1 || got[1].Ticket != 2 {
		t.Errorf("order = [%d %d], want FIFO [1 2]", got[0].Ticket, got[1].Ticket)
	}
	if st.QueuedRole(3) != pipeline.RoleDeveloper {
		t.Error("overflow ticket must stay queued")
	}
	for _, a := range got {
		if a.Slot.Status != pipeline.SlotRunning || a.Slot.Ticket != a.Ticket {
			t.Errorf("slot not claimed: %+v", a.Slot)
		}
	}
}

func TestRetryBlockedResumesAndFails(t *testing.T) {
	st := testState()
	r := New(3)

	fresh := addItem(st, 1, pipeline.StageBlocked)
	st.Blocked[1] = &pipeline.BlockedTicket{Ticket: 1, Retries: 0, Resume: pipeline.StageDeveloping, Since: t0}
	addItem(st, 2, pipeline.StageBlocked)
	st.Blocked[2] = &pipeline.BlockedTicket{Ticket: 2, Retries: 3, Resume: pipeline.StageIssue, Since: t0}

	resumed, failed := r.RetryBlocked(st, 3, t0)
	if len(resumed) != 1 || resumed[0] != 1 {
		t.Errorf("resumed = %v", resumed)
	}
	if len(failed) != 1 || failed[0] != 2 {
		t.Errorf("failed = %v", failed)
	}
	if fresh.Stage != pipeline.StageDeveloping || fresh.Retries != 1 {
		t.Errorf("resumed item = %+v", fresh)
	}
	if st.QueuedRole(1) != pipeline.RoleDeveloper {
		t.Error("resumed ticket not queued")
	}
	if _, live := st.Items[2]; live {
		t.Error("exhausted ticket still live")
	}
	if len(st.Blocked) != 0 {
		t.Errorf("blocked set = %v", st.Blocked)
	}
}
