// Package pipeline defines the shared domain types of the gaffer
// orchestrator: work items, pipeline stages and their legal transitions,
// agent slots, and the durable orchestrator state document.
package pipeline

import "fmt"

// Role identifies a worker pool.
type Role string

// Worker roles, one pool each.
const (
	RolePlanner   Role = "planner"
	RoleDeveloper Role = "developer"
	RoleReviewer  Role = "reviewer"
	RoleTester    Role = "tester"
	RoleFixer     Role = "fixer"
)

// Roles lists every role in pipeline order.
func Roles() []Role {
	return []Role{RolePlanner, RoleDeveloper, RoleReviewer, RoleTester, RoleFixer}
}

// Stage is a work item's position in the delivery pipeline.
type Stage string

// Pipeline stages.
const (
	StageIssue      Stage = "issue"      // intake, waiting for a planner
	StagePlanning   Stage = "planning"   // planner running
	StagePlanned    Stage = "planned"    // plan written, waiting for a developer
	StageDeveloping Stage = "developing" // developer running (or rework queued)
	StageReviewing  Stage = "reviewing"  // code pushed to local review
	StageTesting    Stage = "testing"    // review passed, test/publish phase
	StagePRCreated  Stage = "pr_created" // PR open, remote lifecycle owns it
	StageCompleted  Stage = "completed"
	StageFailed     Stage = "failed"
	StageBlocked    Stage = "blocked"
)

// legalTransitions is the explicit pipeline state machine. Anything not in
// this table is an illegal transition and gets rejected instead of silently
// depending on routing order.
var legalTransitions = map[Stage][]Stage{
	StageIssue:      {StagePlanning, StageFailed},
	StagePlanning:   {StagePlanned, StageBlocked, StageFailed},
	StagePlanned:    {StageDeveloping, StageBlocked, StageFailed},
	StageDeveloping: {StageReviewing, StageBlocked, StageFailed},
	// reviewing -> developing is the bounded review loop.
	StageReviewing: {StageTesting, StageDeveloping, StageBlocked, StageFailed},
	StageTesting:   {StagePRCreated, StageBlocked, StageFailed},
	StagePRCreated: {StageCompleted, StageBlocked, StageFailed},
	// blocked resumes back into the stage it was lifted from, or fails
	// once retries are exhausted.
	StageBlocked: {
		StageIssue, StagePlanning, StagePlanned, StageDeveloping,
		StageReviewing, StageTesting, StagePRCreated, StageFailed,
	},
}

// CanTransition reports whether from -> to is a legal stage transition.
func CanTransition(from, to Stage) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a stage is final.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// QueueRole returns the role whose queue admits items currently in this
// stage, or "" if the stage is not a queueable one.
func (s Stage) QueueRole() Role {
	switch s {
	case StageIssue:
		return RolePlanner
	case StagePlanned, StageDeveloping:
		return RoleDeveloper
	case StageReviewing:
		return RoleReviewer
	case StageTesting:
		return RoleTester
	case StagePRCreated:
		return RoleFixer
	default:
		return ""
	}
}

// ErrIllegalTransition wraps an attempted transition outside the table.
type ErrIllegalTransition struct {
	Ticket int
	From   Stage
	To     Stage
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("ticket #%d: illegal transition %s -> %s", e.Ticket, e.From, e.To)
}
