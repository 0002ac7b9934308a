// Package router applies harvested completion markers to orchestrator
// state and admits queued tickets into idle slots. It is pure state
// manipulation; spawning, forge calls, and file I/O stay with the
// caller.
package router

import (
	"fmt"
	"time"

	"gaffer/pkg/forge"
	"gaffer/pkg/marker"
	"gaffer/pkg/pipeline"
)

// Router routes work items between stages. maxReview bounds the
// reviewing <-> developing loop.
type Router struct {
	maxReview int
}

// New creates a Router. maxReviewIterations of 0 means reviews always
// force-pass on the first round.
func New(maxReviewIterations int) *Router {
	return &Router{maxReview: maxReviewIterations}
}

// ForcePass reports whether the item's next review must pass. The
// review iteration about to run is ReviewIter+1.
func (r *Router) ForcePass(item *pipeline.WorkItem) bool {
	return item.ReviewIter+1 >= r.maxReview
}

// Apply folds one validated marker into state: stage transition plus
// enqueue for the next role. Errors mean the marker did not match the
// item's current stage; callers log and continue.
func (r *Router) Apply(st *pipeline.State, m marker.Marker, now time.Time) error {
	switch m.Kind {
	case marker.KindMainBuildFix:
		return r.applyTrunkFix(st, m)
	case marker.KindPRFixed:
		return r.applyPRFixed(st, m)
	}

	item, ok := st.Items[m.Ticket]
	if !ok {
		return fmt.Errorf("marker %s for untracked ticket #%d", m.Kind, m.Ticket)
	}

	switch m.Kind {
	case marker.KindPlanReady:
		if err := st.Transition(item, pipeline.StagePlanned, now); err != nil {
			return err
		}
		item.PlanPath = m.Path
		st.Enqueue(pipeline.RoleDeveloper, item.Issue)

	case marker.KindCodeReady:
		if err := st.Transition(item, pipeline.StageReviewing, now); err != nil {
			return err
		}
		item.Branch = m.Branch
		st.Enqueue(pipeline.RoleReviewer, item.Issue)

	case marker.KindReviewPassed:
		if err := st.Transition(item, pipeline.StageTesting, now); err != nil {
			return err
		}
		st.Enqueue(pipeline.RoleTester, item.Issue)

	case marker.KindReviewChanges:
		// The force-pass instruction in the reviewer prompt is advisory;
		// workers are black boxes. Once the rework budget is spent the
		// marker is overruled and the ticket moves on as a pass.
		if item.ReviewIter >= r.maxReview {
			if err := st.Transition(item, pipeline.StageTesting, now); err != nil {
				return err
			}
			st.Enqueue(pipeline.RoleTester, item.Issue)
			return nil
		}
		if err := st.Transition(item, pipeline.StageDeveloping, now); err != nil {
			return err
		}
		item.ReviewIter++
		item.ReviewFeedback = m.Feedback
		st.Enqueue(pipeline.RoleDeveloper, item.Issue)

	case marker.KindPRCreated:
		if err := st.Transition(item, pipeline.StagePRCreated, now); err != nil {
			return err
		}
		item.PRURL = m.PRURL
		item.PR = forge.PRNumberFromURL(m.PRURL)

	case marker.KindBlocked:
		return r.applyBlocked(st, item, m, now)

	case marker.KindError:
		st.Fail(item.Issue)

	default:
		return fmt.Errorf("unhandled marker kind %s", m.Kind)
	}
	return nil
}

func (r *Router) applyTrunkFix(st *pipeline.State, m marker.Marker) error {
	if st.TrunkRepair == nil || st.TrunkRepair.RunID != m.RunID {
		return fmt.Errorf("trunk fix marker for unknown run %d", m.RunID)
	}
	// Fixed or declared unfixable, the repair assignment ends; the next
	// trunk health check decides whether a new one is needed.
	st.TrunkRepair = nil
	return nil
}

func (r *Router) applyPRFixed(st *pipeline.State, m marker.Marker) error {
	if _, ok := st.Fixes[m.PR]; !ok {
		return fmt.Errorf("fix marker for PR #%d with no pending fix entry", m.PR)
	}
	// The fix claim is only a claim; PR health is recomputed next
	// iteration and a still-broken PR gets a fresh fix entry.
	delete(st.Fixes, m.PR)
	return nil
}

func (r *Router) applyBlocked(st *pipeline.State, item *pipeline.WorkItem, m marker.Marker, now time.Time) error {
	resume := resumeStage(item.Stage)
	slotID := ""
	if slot := st.SlotForTicket(item.Issue); slot != nil {
		slotID = slot.ID
	}
	if err := st.Transition(item, pipeline.StageBlocked, now); err != nil {
		return err
	}
	st.RemoveQueued(item.Issue)
	st.Blocked[item.Issue] = &pipeline.BlockedTicket{
		Ticket:  item.Issue,
		Reason:  m.Reason,
		Retries: item.Retries,
		Resume:  resume,
		AgentID: slotID,
		Since:   now,
	}
	return nil
}

// resumeStage maps the stage a ticket blocked in to the queueable stage
// it re-enters on retry. Planning restarts from intake; every other
// stage re-queues where it was.
func resumeStage(blocked pipeline.Stage) pipeline.Stage {
	if blocked == pipeline.StagePlanning {
		return pipeline.StageIssue
	}
	return blocked
}

// BeginWork transitions a ticket from its queued stage into its running
// stage at spawn time. Stages that are already running stages pass
// through unchanged.
func (r *Router) BeginWork(st *pipeline.State, item *pipeline.WorkItem, now time.Time) error {
	switch item.Stage {
	case pipeline.StageIssue:
		return st.Transition(item, pipeline.StagePlanning, now)
	case pipeline.StagePlanned:
		return st.Transition(item, pipeline.StageDeveloping, now)
	default:
		return nil
	}
}

// Assignment pairs a dequeued ticket with the idle slot that takes it.
type Assignment struct {
	Role   pipeline.Role
	Ticket int
	Slot   *pipeline.AgentSlot
}

// NextAssignments drains every role queue into idle slots, in pipeline
// order. Queues stay FIFO; a role with no idle slot keeps its queue
// untouched for the next iteration.
func (r *Router) NextAssignments(st *pipeline.State) []Assignment {
	var out []Assignment
	for _, role := range pipeline.Roles() {
		for {
			slot := st.IdleSlot(role)
			if slot == nil {
				break
			}
			ticket := st.Dequeue(role)
			if ticket == 0 {
				break
			}
			// Mark the slot taken so the next loop pass sees it busy;
			// the spawner fills in the rest.
			slot.Status = pipeline.SlotRunning
			slot.Ticket = ticket
			out = append(out, Assignment{Role: role, Ticket: ticket, Slot: slot})
		}
	}
	return out
}

// RetryBlocked re-queues blocked tickets with retries remaining and
// fails the exhausted ones. Returns the resumed and failed tickets.
func (r *Router) RetryBlocked(st *pipeline.State, maxRetries int, now time.Time) (resumed, failed []int) {
	for ticket, bt := range st.Blocked {
		item, ok := st.Items[ticket]
		if !ok {
			delete(st.Blocked, ticket)
			continue
		}
		if bt.Retries >= maxRetries {
			st.Fail(ticket)
			failed = append(failed, ticket)
			continue
		}
		if err := st.Transition(item, bt.Resume, now); err != nil {
			continue
		}
		item.Retries = bt.Retries + 1
		delete(st.Blocked, ticket)
		if role := bt.Resume.QueueRole(); role != "" {
			st.Enqueue(role, ticket)
		}
		resumed = append(resumed, ticket)
	}
	return resumed, failed
}
